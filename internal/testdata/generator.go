package testdata

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/jask/clarify/internal/scraper"
)

var merchants = []struct {
	name     string
	category string
}{
	{"שופרסל דיל", "מזון וצריכה"},
	{"AROMA TLV", "מסעדות, קפה וברים"},
	{"פז חברת נפט", "דלק, חשמל וגז"},
	{"SUPER PHARM", "רפואה ובתי מרקחת"},
	{"NETFLIX.COM", "תקשורת ומחשבים"},
	{"ZARA", "אופנה"},
	{"רב קו", "תחבורה ורכבים"},
}

// Scraper returns a deterministic fake scraper for demos and tests. Card
// vendors get a month of purchases, a few still pending; banks get salary,
// fees and one settlement line per card vendor mentioning the card's last
// four digits.
func Scraper(seed int64) scraper.Func {
	return func(_ context.Context, opts scraper.Options, _ scraper.Credentials) (scraper.Result, error) {
		v, ok := scraper.Lookup(opts.CompanyID)
		if !ok {
			return scraper.Result{}, fmt.Errorf("unknown vendor %q", opts.CompanyID)
		}
		r := rand.New(rand.NewSource(seed))
		start := opts.StartDate
		if start.IsZero() {
			start = time.Now().UTC().AddDate(0, -1, 0)
		}
		if v.Kind == scraper.KindBank {
			return bankResult(r, v, start), nil
		}
		return cardResult(r, v, start), nil
	}
}

func cardResult(r *rand.Rand, v scraper.Vendor, start time.Time) scraper.Result {
	ns := uuid.NewSHA1(uuid.NameSpaceOID, []byte(v.ID))
	cycle := time.Date(start.Year(), start.Month(), 10, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	acct := scraper.Account{AccountNumber: scraper.FlexString(Last4(v.ID))}
	for i := 0; i < 20; i++ {
		m := merchants[r.Intn(len(merchants))]
		date := start.AddDate(0, 0, r.Intn(28)).Add(time.Duration(r.Intn(12)+8) * time.Hour)
		status := "completed"
		if i >= 17 {
			status = "pending"
		}
		amount := fmt.Sprintf("%d.%02d", r.Intn(400)+10, r.Intn(100))
		acct.Txns = append(acct.Txns, scraper.RawTransaction{
			Identifier:       scraper.FlexString(uuid.NewSHA1(ns, []byte(fmt.Sprintf("%d", i))).String()),
			Type:             "normal",
			Status:           status,
			Date:             date.Format(time.RFC3339),
			ProcessedDate:    cycle.Format(time.RFC3339),
			OriginalAmount:   scraper.FlexString("-" + amount),
			OriginalCurrency: "ILS",
			ChargedAmount:    scraper.FlexString("-" + amount),
			ChargedCurrency:  "ILS",
			Description:      m.name,
			Category:         m.category,
		})
	}
	return scraper.Result{Success: true, Accounts: []scraper.Account{acct}}
}

func bankResult(r *rand.Rand, v scraper.Vendor, start time.Time) scraper.Result {
	ns := uuid.NewSHA1(uuid.NameSpaceOID, []byte(v.ID))
	acct := scraper.Account{AccountNumber: "12-345678", Balance: scraper.FlexString(fmt.Sprintf("%d.%02d", r.Intn(20000)+1000, r.Intn(100)))}
	add := func(key string, date time.Time, amount, desc string) {
		acct.Txns = append(acct.Txns, scraper.RawTransaction{
			Identifier:    scraper.FlexString(uuid.NewSHA1(ns, []byte(key)).String()),
			Status:        "completed",
			Date:          date.Format(time.RFC3339),
			ChargedAmount: scraper.FlexString(amount),
			Description:   desc,
		})
	}
	payday := time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	add("salary", payday, fmt.Sprintf("%d", 12000+r.Intn(3000)), "משכורת")
	add("fee", payday.AddDate(0, 0, 2), "-12.90", "עמלת ערוץ ישיר")
	for _, id := range scraper.CardVendors() {
		card, _ := scraper.Lookup(id)
		settle := time.Date(start.Year(), start.Month(), 10, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
		add("settle-"+id, settle, fmt.Sprintf("-%d.%02d", r.Intn(3000)+500, r.Intn(100)),
			fmt.Sprintf("%s %s", card.Keywords[0], Last4(id)))
	}
	return scraper.Result{Success: true, Accounts: []scraper.Account{acct}}
}

// Last4 is the fake card suffix the generator uses for a card vendor.
func Last4(vendor string) string {
	sum := 0
	for _, c := range vendor {
		sum = sum*31 + int(c)
	}
	if sum < 0 {
		sum = -sum
	}
	return fmt.Sprintf("%04d", sum%10000)
}
