package repository

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction statuses.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
)

// Scrape event statuses.
const (
	EventStarted = "started"
	EventSuccess = "success"
	EventFailed  = "failed"
)

// Credential represents a saved vendor credential row. Access parameters
// are not stored here; see internal/secrets.
type Credential struct {
	ID                     int64
	Vendor                 string
	Nickname               *string
	BankAccountNumber      *string
	Card6Digits            *string
	LastScrapeAt           *time.Time
	LastScrapeStatus       *string
	LastSuccessfulScrapeAt *time.Time
	CurrentBalance         decimal.NullDecimal
	BalanceUpdatedAt       *time.Time
	CreatedAt              time.Time
}

// ScrapeEvent is the audit row of one sync attempt.
type ScrapeEvent struct {
	ID           int64
	TriggeredBy  string
	Vendor       string
	StartDate    *time.Time
	Status       string
	Message      *string
	CredentialID *int64
	CreatedAt    time.Time
	UpdatedAt    *time.Time
}

// Transaction represents a ledger row.
type Transaction struct {
	Identifier       string
	Vendor           string
	VendorNickname   *string
	AccountNumber    *string
	Date             time.Time
	ProcessedDate    *time.Time
	Name             string
	Memo             *string
	Type             *string
	Price            decimal.Decimal
	OriginalAmount   decimal.NullDecimal
	OriginalCurrency *string
	ChargedCurrency  *string
	Status           string
	CategoryID       *int64
	AutoCategorized  bool
	Confidence       float64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Category types.
const (
	CategoryExpense    = "expense"
	CategoryIncome     = "income"
	CategoryInvestment = "investment"
)

// Category represents a category_definitions row.
type Category struct {
	ID       int64
	Name     string
	NameEN   *string
	ParentID *int64
	Type     string
}

// CategoryMapping maps a raw adapter category hint to a category.
type CategoryMapping struct {
	Hint       string
	CategoryID int64
}

// CategorizationRule represents a rule.
type CategorizationRule struct {
	ID             int64
	Pattern        string
	TargetCategory *string
	CategoryID     *int64
	Priority       int
	Active         bool
	CreatedAt      time.Time
}

// AccountPairing links a credit card to the bank account that repays it.
type AccountPairing struct {
	ID                      int64
	CreditCardVendor        string
	CreditCardAccountNumber *string
	BankVendor              string
	BankAccountNumber       *string
	MatchPatterns           []string
	Active                  bool
	DiscrepancyAcknowledged bool
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// PairingLogEntry is an append-only audit row for pairing changes.
type PairingLogEntry struct {
	ID                      int64
	PairingID               *int64
	Action                  string
	CreditCardVendor        string
	CreditCardAccountNumber *string
	BankVendor              string
	BankAccountNumber       *string
	MatchPatterns           []string
	Details                 *string
	CreatedAt               time.Time
}
