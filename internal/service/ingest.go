package service

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/jask/clarify/internal/database/repository"
	"github.com/jask/clarify/internal/scraper"
)

// ErrMalformedRecord is returned for adapter records whose date or amount
// cannot be parsed. Such records are counted and dropped.
var ErrMalformedRecord = errors.New("malformed record")

var transactionNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("clarify:transactions"))

// ingestRecord is a validated adapter transaction.
type ingestRecord struct {
	ProviderID       string
	Date             time.Time
	ProcessedDate    *time.Time
	Amount           decimal.Decimal // signed, already normalized for card rows
	OriginalAmount   decimal.NullDecimal
	OriginalCurrency *string
	ChargedCurrency  *string
	Description      string
	Memo             *string
	Type             *string
	Status           string
	CategoryHint     string
	// Dedupable is false for records whose raw status was neither pending
	// nor completed.
	Dedupable bool
}

// newIngestRecord validates raw. Amounts keep the adapter's sign, expenses
// negative. Feeds that report bare magnitudes (unsigned) are negated unless
// the record type marks a refund or credit.
func newIngestRecord(raw scraper.RawTransaction, unsigned bool) (ingestRecord, error) {
	rec := ingestRecord{
		ProviderID:       strings.TrimSpace(raw.Identifier.String()),
		Description:      strings.TrimSpace(raw.Description),
		Memo:             nullableStr(raw.Memo),
		Type:             nullableStr(raw.Type),
		OriginalCurrency: nullableStr(raw.OriginalCurrency),
		ChargedCurrency:  nullableStr(raw.ChargedCurrency),
		CategoryHint:     strings.TrimSpace(raw.Category),
	}

	date, err := parseAdapterTime(raw.Date)
	if err != nil {
		return ingestRecord{}, fmt.Errorf("%w: date %q", ErrMalformedRecord, raw.Date)
	}
	rec.Date = date
	if p, err := parseAdapterTime(raw.ProcessedDate); err == nil {
		rec.ProcessedDate = &p
	}

	amountText := raw.ChargedAmount.String()
	if strings.TrimSpace(amountText) == "" {
		amountText = raw.OriginalAmount.String()
	}
	amount, err := parseAmount(amountText)
	if err != nil {
		return ingestRecord{}, fmt.Errorf("%w: amount %q", ErrMalformedRecord, amountText)
	}
	if orig, err := parseAmount(raw.OriginalAmount.String()); err == nil {
		rec.OriginalAmount = decimal.NewNullDecimal(orig)
	}
	if unsigned && !isCredit(raw.Type) {
		amount = amount.Neg()
	}
	rec.Amount = amount

	switch strings.ToLower(strings.TrimSpace(raw.Status)) {
	case repository.StatusPending:
		rec.Status, rec.Dedupable = repository.StatusPending, true
	case repository.StatusCompleted:
		rec.Status, rec.Dedupable = repository.StatusCompleted, true
	default:
		// stored, but never folded into another row
		rec.Status = repository.StatusCompleted
	}
	return rec, nil
}

// Identifier derives the stored identifier from the provider identifier,
// vendor, processed date and description. Records without a provider
// identifier also hash their date and amount.
func (r ingestRecord) Identifier(vendor string) string {
	processed := ""
	if r.ProcessedDate != nil {
		processed = repository.FormatTime(*r.ProcessedDate)
	}
	parts := []string{r.ProviderID, vendor, processed, r.Description}
	if r.ProviderID == "" {
		parts = append(parts, repository.FormatTime(r.Date), r.Amount.String())
	}
	return uuid.NewSHA1(transactionNamespace, []byte(strings.Join(parts, "|"))).String()
}

func isCredit(typ string) bool {
	t := strings.ToLower(typ)
	return strings.Contains(t, "refund") || strings.Contains(t, "credit") || strings.Contains(t, "זיכוי")
}

func parseAdapterTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("empty time")
	}
	return repository.ParseTime(s)
}

func parseAmount(s string) (decimal.Decimal, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	if s == "" {
		return decimal.Decimal{}, errors.New("empty amount")
	}
	return decimal.NewFromString(s)
}

func nullableStr(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
