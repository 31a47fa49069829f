package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/subcommands"
	"github.com/shopspring/decimal"

	"github.com/jask/clarify/internal/database/repository"
	"github.com/jask/clarify/internal/service"
)

var pairingCommands = []subcommands.Command{
	&pairCmd{},
	&unpairedCmd{},
	&discrepancyCmd{},
	&resolveCmd{},
}

type pairCmd struct {
	id          int64
	ccVendor    string
	ccAccount   string
	bankVendor  string
	bankAccount string
	patterns    string
	all         bool
}

func (*pairCmd) Name() string     { return "pair" }
func (*pairCmd) Synopsis() string { return "manage card-to-bank pairings" }
func (*pairCmd) Usage() string {
	return `clarify pair <action> [flags]

  auto        -cc <vendor> [-cc-account <digits>]
  create      -cc <vendor> [-cc-account ..] -bank <vendor> [-bank-account ..] [-patterns a,b]
  update      -id <id> -patterns a,b
  deactivate  -id <id>
  delete      -id <id>
  list        [-all]
  history     -id <id>
`
}

func (c *pairCmd) SetFlags(f *flag.FlagSet) {
	f.Int64Var(&c.id, "id", 0, "pairing id")
	f.StringVar(&c.ccVendor, "cc", "", "credit card vendor")
	f.StringVar(&c.ccAccount, "cc-account", "", "credit card account number")
	f.StringVar(&c.bankVendor, "bank", "", "bank vendor")
	f.StringVar(&c.bankAccount, "bank-account", "", "bank account number")
	f.StringVar(&c.patterns, "patterns", "", "comma separated match patterns")
	f.BoolVar(&c.all, "all", false, "include inactive pairings")
}

func (c *pairCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	action := f.Arg(0)
	return run(ctx, func(e *env) error {
		ps := e.sync.Pairings
		switch action {
		case "auto":
			res, err := ps.AutoPair(ctx, c.ccVendor, optional(c.ccAccount))
			if err != nil {
				return err
			}
			if !res.Found {
				fmt.Println(warningStyle.Render("no pairing found: " + res.Reason))
				for _, cand := range res.Candidates {
					fmt.Printf("  %s/%s score %d (%s)\n", cand.BankVendor, deref(cand.BankAccountNumber), cand.Score,
						mutedStyle.Render(strings.Join(cand.SampleNames, "; ")))
				}
				return nil
			}
			fmt.Println(successStyle.Render(fmt.Sprintf("paired %d with score %d", res.Pairing.ID, res.Best.Score)))
			printPairings([]repository.AccountPairing{*res.Pairing})
		case "create":
			p, err := ps.Create(ctx, service.PairingInput{
				CreditCardVendor:        c.ccVendor,
				CreditCardAccountNumber: optional(c.ccAccount),
				BankVendor:              c.bankVendor,
				BankAccountNumber:       optional(c.bankAccount),
				MatchPatterns:           splitList(c.patterns),
			})
			if err != nil {
				return err
			}
			printPairings([]repository.AccountPairing{*p})
		case "update":
			p, err := ps.UpdatePatterns(ctx, c.id, splitList(c.patterns))
			if err != nil {
				return err
			}
			printPairings([]repository.AccountPairing{*p})
		case "deactivate":
			return ps.Deactivate(ctx, c.id)
		case "delete":
			return ps.Delete(ctx, c.id)
		case "list":
			list, err := ps.List(ctx, c.all)
			if err != nil {
				return err
			}
			printPairings(list)
		case "history":
			entries, err := ps.History(ctx, c.id)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(entries))
			for _, en := range entries {
				rows = append(rows, []string{en.CreatedAt.Format("2006-01-02 15:04"), en.Action,
					strings.Join(en.MatchPatterns, ","), deref(en.Details)})
			}
			fmt.Print(renderTable([]string{"AT", "ACTION", "PATTERNS", "DETAILS"}, rows))
		default:
			return fmt.Errorf("%w: unknown pair action %q", service.ErrInvalidInput, action)
		}
		return nil
	})
}

func printPairings(list []repository.AccountPairing) {
	rows := make([][]string, 0, len(list))
	for _, p := range list {
		state := successStyle.Render("active")
		if !p.Active {
			state = mutedStyle.Render("inactive")
		}
		if p.DiscrepancyAcknowledged {
			state += mutedStyle.Render(" ack")
		}
		rows = append(rows, []string{
			strconv.FormatInt(p.ID, 10),
			p.CreditCardVendor + "/" + deref(p.CreditCardAccountNumber),
			p.BankVendor + "/" + deref(p.BankAccountNumber),
			strings.Join(p.MatchPatterns, ","),
			state,
		})
	}
	fmt.Print(renderTable([]string{"ID", "CARD", "BANK", "PATTERNS", "STATE"}, rows))
}

type unpairedCmd struct {
	months int
}

func (*unpairedCmd) Name() string     { return "unpaired" }
func (*unpairedCmd) Synopsis() string { return "list card settlements no pairing explains" }
func (*unpairedCmd) Usage() string {
	return `clarify unpaired [-months 3]
`
}

func (c *unpairedCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.months, "months", 3, "look back this many months")
}

func (c *unpairedCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return run(ctx, func(e *env) error {
		list, err := e.sync.Pairings.Unpaired(ctx, c.months)
		if err != nil {
			return err
		}
		rows := make([][]string, 0, len(list))
		for _, u := range list {
			tr := u.Transaction
			rows = append(rows, []string{
				tr.Date.Format("2006-01-02"),
				tr.Vendor + "/" + deref(tr.AccountNumber),
				tr.Name,
				formatMoney(tr.Price, e.cfg.UI.Currency),
				u.DetectedVendor,
				u.DetectedLast4,
			})
		}
		fmt.Print(renderTable([]string{"DATE", "BANK", "NAME", "AMOUNT", "CARD", "LAST4"}, rows))
		return nil
	})
}

type discrepancyCmd struct {
	id     int64
	months int
}

func (*discrepancyCmd) Name() string     { return "discrepancy" }
func (*discrepancyCmd) Synopsis() string { return "compare a pairing's bank repayments with card cycles" }
func (*discrepancyCmd) Usage() string {
	return `clarify discrepancy -id <pairing> [-months 3]
`
}

func (c *discrepancyCmd) SetFlags(f *flag.FlagSet) {
	f.Int64Var(&c.id, "id", 0, "pairing id")
	f.IntVar(&c.months, "months", 0, "look back this many months (default from config)")
}

func (c *discrepancyCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return run(ctx, func(e *env) error {
		res, err := e.reconcile.Calculate(ctx, c.id, c.months)
		if err != nil {
			return err
		}
		printDiscrepancy(os.Stdout, res, e.cfg.UI.Currency)
		return nil
	})
}

type resolveCmd struct {
	id     int64
	action string
	cycle  string
	amount string
}

func (*resolveCmd) Name() string     { return "resolve" }
func (*resolveCmd) Synopsis() string { return "acknowledge a discrepancy or book it as a card fee" }
func (*resolveCmd) Usage() string {
	return `clarify resolve -id <pairing> -action (ignore|add_cc_fee) [-cycle YYYY-MM-DD -amount N]
`
}

func (c *resolveCmd) SetFlags(f *flag.FlagSet) {
	f.Int64Var(&c.id, "id", 0, "pairing id")
	f.StringVar(&c.action, "action", service.ResolveIgnore, "ignore or add_cc_fee")
	f.StringVar(&c.cycle, "cycle", "", "billing cycle date of the fee")
	f.StringVar(&c.amount, "amount", "0", "fee amount")
}

func (c *resolveCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return run(ctx, func(e *env) error {
		amount, err := decimal.NewFromString(c.amount)
		if err != nil {
			return fmt.Errorf("%w: amount %q", service.ErrInvalidInput, c.amount)
		}
		res, err := e.reconcile.Resolve(ctx, c.id, c.action, c.cycle, amount)
		if err != nil {
			return err
		}
		msg := fmt.Sprintf("pairing %d: %s", res.PairingID, res.Action)
		if res.FeeIdentifier != "" {
			msg += " (" + res.FeeIdentifier + ")"
		}
		fmt.Println(successStyle.Render(msg))
		return nil
	})
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
