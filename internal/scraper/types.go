// Package scraper is the boundary to the external bank/card scraping
// adapters. It defines the wire shapes, the vendor registry and an adapter
// that drives a scraper process over stdin/stdout.
package scraper

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"
	"time"
)

// Scraper fetches accounts and transactions for one vendor login.
type Scraper interface {
	Scrape(ctx context.Context, opts Options, creds Credentials) (Result, error)
}

// Func adapts a plain function to Scraper.
type Func func(ctx context.Context, opts Options, creds Credentials) (Result, error)

func (f Func) Scrape(ctx context.Context, opts Options, creds Credentials) (Result, error) {
	return f(ctx, opts, creds)
}

// Credentials holds the vendor-specific login fields (username, password,
// card6Digits, ...).
type Credentials map[string]string

// Options controls one scrape run.
type Options struct {
	CompanyID                        string    `json:"companyId"`
	StartDate                        time.Time `json:"startDate"`
	CombineInstallments              bool      `json:"combineInstallments"`
	AdditionalTransactionInformation bool      `json:"additionalTransactionInformation"`
	ShowBrowser                      bool      `json:"showBrowser"`
}

// Result is what the adapter reports back.
type Result struct {
	Success      bool      `json:"success"`
	Accounts     []Account `json:"accounts"`
	ErrorType    string    `json:"errorType,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
}

// Account is one account or card with its transactions.
type Account struct {
	AccountNumber FlexString       `json:"accountNumber"`
	Balance       FlexString       `json:"balance"`
	Txns          []RawTransaction `json:"txns"`
}

// RawTransaction is an adapter record before validation. Amounts and dates
// stay textual so a single malformed record can be rejected on its own.
type RawTransaction struct {
	Identifier       FlexString `json:"identifier"`
	Type             string     `json:"type"`
	Status           string     `json:"status"`
	Date             string     `json:"date"`
	ProcessedDate    string     `json:"processedDate"`
	OriginalAmount   FlexString `json:"originalAmount"`
	OriginalCurrency string     `json:"originalCurrency"`
	ChargedAmount    FlexString `json:"chargedAmount"`
	ChargedCurrency  string     `json:"chargedCurrency"`
	Description      string     `json:"description"`
	Memo             string     `json:"memo"`
	Category         string     `json:"category"`
}

// FlexString decodes a JSON string, number or boolean into its text form.
// null decodes to the empty string.
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err == nil {
		*f = FlexString(n.String())
		return nil
	}
	var v bool
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = FlexString(strconv.FormatBool(v))
	return nil
}

func (f FlexString) String() string { return string(f) }
