package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Rhymond/go-money"
	"github.com/charmbracelet/lipgloss"
	"github.com/shopspring/decimal"

	"github.com/jask/clarify/internal/service"
)

// formatMoney renders d in the given ISO currency, falling back to ILS for
// unknown codes.
func formatMoney(d decimal.Decimal, code string) string {
	cur := money.GetCurrency(strings.ToUpper(strings.TrimSpace(code)))
	if cur == nil {
		cur = money.GetCurrency(money.ILS)
	}
	return cur.Formatter().Format(d.Shift(int32(cur.Fraction)).Round(0).IntPart())
}

func formatDate(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.DateOnly)
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}

// renderTable lays rows out in padded columns under a styled header.
func renderTable(headers []string, rows [][]string) string {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, r := range rows {
		for i, c := range r {
			if i < len(widths) && lipgloss.Width(c) > widths[i] {
				widths[i] = lipgloss.Width(c)
			}
		}
	}

	var b strings.Builder
	writeLine := func(cells []string, style *lipgloss.Style) {
		parts := make([]string, len(cells))
		for i, c := range cells {
			padded := c
			if i < len(widths) {
				padded += strings.Repeat(" ", max(0, widths[i]-lipgloss.Width(c)))
			}
			if style != nil {
				padded = style.Render(padded)
			}
			parts[i] = padded
		}
		b.WriteString(strings.TrimRight(strings.Join(parts, "  "), " "))
		b.WriteByte('\n')
	}
	writeLine(headers, &headerStyle)
	for _, r := range rows {
		writeLine(r, nil)
	}
	return b.String()
}

func cycleStatus(status string) string {
	switch status {
	case service.CycleMatched:
		return successStyle.Render(status)
	case service.CycleFeeCandidate:
		return feeStyle.Render(status)
	case service.CycleLargeDiscrepancy, service.CycleCCOverBank:
		return errorStyle.Render(status)
	case service.CycleIncompleteHistory, service.CycleMissingCC:
		return mutedStyle.Render(status)
	}
	return status
}

func eventStatus(status string) string {
	switch status {
	case "success":
		return successStyle.Render(status)
	case "failed":
		return errorStyle.Render(status)
	}
	return warningStyle.Render(status)
}

func printSyncResult(w io.Writer, res service.SyncResult) {
	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("%s synced", res.Vendor)))
	fmt.Fprintf(w, "  start     %s %s\n", res.StartDate.Format(time.DateOnly), mutedStyle.Render("("+res.StartDateReason+")"))
	if res.NoData {
		fmt.Fprintln(w, "  "+infoStyle.Render("no transactions in range"))
	}
	fmt.Fprintf(w, "  accounts  %d\n", res.Accounts)
	fmt.Fprintf(w, "  inserted  %s\n", successStyle.Render(fmt.Sprint(res.Inserted)))
	fmt.Fprintf(w, "  merged    %d  discarded %d  stale %d  ignored %d\n", res.Merged, res.Discarded, res.StaleDeleted, res.Ignored)
	if res.Rejected > 0 {
		fmt.Fprintf(w, "  rejected  %s\n", warningStyle.Render(fmt.Sprint(res.Rejected)))
	}
	if res.RulesApplied > 0 || res.RepaymentsTagged > 0 {
		fmt.Fprintf(w, "  rules     %d  repayments %d\n", res.RulesApplied, res.RepaymentsTagged)
	}
}

func printDiscrepancy(w io.Writer, res service.DiscrepancyResult, currency string) {
	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("pairing %d", res.PairingID)))
	if res.NoData {
		fmt.Fprintln(w, "  "+mutedStyle.Render(res.Reason))
		return
	}
	fmt.Fprintf(w, "  patterns  %s %s\n", strings.Join(res.Patterns, ", "), mutedStyle.Render("("+res.PatternSource+")"))

	rows := make([][]string, 0, len(res.Cycles))
	for _, c := range res.Cycles {
		card := c.CardCycleDate
		if card == "" {
			card = "-"
		}
		rows = append(rows, []string{
			c.CycleDate,
			card,
			formatMoney(c.BankTotal, currency),
			formatMoney(c.CardTotal, currency),
			formatMoney(c.Difference, currency),
			cycleStatus(c.Status),
		})
	}
	fmt.Fprint(w, renderTable([]string{"CYCLE", "CARD CYCLE", "BANK", "CARD", "DIFF", "STATUS"}, rows))

	summary := fmt.Sprintf("  total bank %s  card %s  diff %s (%s%%)  matched %d/%d",
		formatMoney(res.TotalBank, currency), formatMoney(res.TotalCard, currency),
		formatMoney(res.TotalDifference, currency), res.DifferencePercentage.StringFixed(2),
		res.MatchedCycleCount, res.TotalCycles)
	fmt.Fprintln(w, summary)
	switch {
	case res.Exists && res.Acknowledged:
		fmt.Fprintln(w, "  "+mutedStyle.Render("discrepancy acknowledged"))
	case res.Exists:
		fmt.Fprintln(w, "  "+warningStyle.Render("discrepancy found"))
	default:
		fmt.Fprintln(w, "  "+successStyle.Render("no discrepancy"))
	}
}
