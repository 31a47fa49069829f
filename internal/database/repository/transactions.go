package repository

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// amountTolerance absorbs REAL round-off when comparing stored prices.
const amountTolerance = 0.005

// TransactionFilters defines list filters.
type TransactionFilters struct {
	Vendor        string
	AccountNumber string
	Status        string
	From          time.Time // zero = unbounded
	To            time.Time // zero = unbounded
	Search        string
	Limit         int
}

// TransactionRepo handles transactions.
type TransactionRepo struct {
	db DBTX
}

func NewTransactionRepo(db DBTX) *TransactionRepo { return &TransactionRepo{db: db} }

const transactionColumns = `identifier, vendor, vendor_nickname, account_number, date, processed_date, name, memo, type,
 price, original_amount, original_currency, charged_currency, status, category_definition_id, auto_categorized,
 confidence_score, created_at, updated_at`

// InsertOrIgnore inserts t unless (identifier, vendor) already exists.
// It reports whether a row was written.
func (r *TransactionRepo) InsertOrIgnore(ctx context.Context, t Transaction) (bool, error) {
	now := timeArg(time.Now())
	res, err := r.db.ExecContext(ctx, `
	INSERT OR IGNORE INTO transactions(
	 identifier, vendor, vendor_nickname, account_number, date, processed_date, name, memo, type,
	 price, original_amount, original_currency, charged_currency, status, category_definition_id,
	 auto_categorized, confidence_score, created_at, updated_at)
	VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`,
		t.Identifier, t.Vendor, t.VendorNickname, t.AccountNumber, timeArg(t.Date), nullTimeArg(t.ProcessedDate),
		t.Name, t.Memo, t.Type, t.Price.InexactFloat64(), nullDecimalArg(t.OriginalAmount), t.OriginalCurrency,
		t.ChargedCurrency, t.Status, t.CategoryID, t.AutoCategorized, t.Confidence, now, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DuplicateCandidates returns pending/completed rows of the same vendor,
// account (NULL matches NULL) and amount whose date lies in [from, to].
func (r *TransactionRepo) DuplicateCandidates(ctx context.Context, vendor string, account *string, price decimal.Decimal, from, to time.Time) ([]Transaction, error) {
	return r.query(ctx, `SELECT `+transactionColumns+` FROM transactions
	WHERE vendor = ?
	  AND account_number IS ?
	  AND ABS(price - ?) < ?
	  AND date BETWEEN ? AND ?
	  AND status IN ('pending', 'completed')`,
		vendor, account, price.InexactFloat64(), amountTolerance, timeArg(from), timeArg(to))
}

// Promotion carries the confirmed data onto a pending row.
type Promotion struct {
	NewIdentifier   string
	ProcessedDate   *time.Time
	ChargedCurrency *string
	Memo            *string
	Type            *string
}

// Promote turns a pending row into a completed one in place. Category and
// other metadata on the row are kept.
func (r *TransactionRepo) Promote(ctx context.Context, vendor, identifier string, p Promotion) error {
	_, err := r.db.ExecContext(ctx, `UPDATE transactions SET
	 identifier = ?,
	 status = 'completed',
	 processed_date = COALESCE(?, processed_date),
	 charged_currency = COALESCE(?, charged_currency),
	 memo = COALESCE(?, memo),
	 type = COALESCE(?, type),
	 updated_at = ?
	WHERE identifier = ? AND vendor = ?`,
		p.NewIdentifier, nullTimeArg(p.ProcessedDate), p.ChargedCurrency, p.Memo, p.Type, timeArg(time.Now()),
		identifier, vendor)
	return err
}

func (r *TransactionRepo) Delete(ctx context.Context, identifier, vendor string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM transactions WHERE identifier = ? AND vendor = ?`, identifier, vendor)
	return err
}

func (r *TransactionRepo) Exists(ctx context.Context, identifier, vendor string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions WHERE identifier = ? AND vendor = ?`, identifier, vendor).Scan(&n)
	return n > 0, err
}

// Get returns nil, nil when the row does not exist.
func (r *TransactionRepo) Get(ctx context.Context, identifier, vendor string) (*Transaction, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE identifier = ? AND vendor = ?`, identifier, vendor)
	t, err := scanTransaction(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

// LatestDate returns the newest transaction date for vendor, restricted to
// accounts when given. Nil means no rows.
func (r *TransactionRepo) LatestDate(ctx context.Context, vendor string, accounts []string) (*time.Time, error) {
	var latest sql.NullString
	err := r.db.QueryRowContext(ctx, `SELECT MAX(date) FROM transactions
	WHERE vendor = ?
	  AND (json_array_length(?) = 0 OR account_number IN (SELECT value FROM json_each(?)))`,
		vendor, jsonList(accounts), jsonList(accounts)).Scan(&latest)
	if err != nil {
		return nil, err
	}
	return parseNullTime(latest)
}

func (r *TransactionRepo) Count(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions`).Scan(&n)
	return n, err
}

func (r *TransactionRepo) List(ctx context.Context, f TransactionFilters) ([]Transaction, error) {
	var where []string
	var args []any

	if f.Vendor != "" {
		where = append(where, "vendor = ?")
		args = append(args, f.Vendor)
	}
	if f.AccountNumber != "" {
		where = append(where, "account_number = ?")
		args = append(args, f.AccountNumber)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if !f.From.IsZero() {
		where = append(where, "date >= ?")
		args = append(args, timeArg(f.From))
	}
	if !f.To.IsZero() {
		where = append(where, "date <= ?")
		args = append(args, timeArg(f.To))
	}
	if f.Search != "" {
		where = append(where, "instr(lower(name), lower(?)) > 0")
		args = append(args, f.Search)
	}

	query := "SELECT " + transactionColumns + " FROM transactions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY date DESC, identifier"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return r.query(ctx, query, args...)
}

// ApplyRule recategorizes every row whose name contains pattern, skipping
// rows already in categoryID or in one of the protected categories.
func (r *TransactionRepo) ApplyRule(ctx context.Context, pattern string, categoryID int64, confidence float64, protected []int64) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE transactions SET
	 category_definition_id = ?,
	 auto_categorized = 1,
	 confidence_score = MAX(confidence_score, ?),
	 updated_at = ?
	WHERE instr(lower(name), lower(?)) > 0
	  AND (category_definition_id IS NULL OR (
	       category_definition_id != ?
	       AND category_definition_id NOT IN (SELECT value FROM json_each(?))))`,
		categoryID, confidence, timeArg(time.Now()), pattern, categoryID, jsonList(protected))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// TagRepayments marks bank debits that mention any pattern with categoryID.
func (r *TransactionRepo) TagRepayments(ctx context.Context, bankVendor string, bankAccount *string, patterns []string, categoryID int64, confidence float64) (int64, error) {
	if len(patterns) == 0 {
		return 0, nil
	}
	res, err := r.db.ExecContext(ctx, `UPDATE transactions SET
	 category_definition_id = ?,
	 auto_categorized = 1,
	 confidence_score = MAX(confidence_score, ?),
	 updated_at = ?
	WHERE vendor = ?
	  AND (? IS NULL OR account_number = ?)
	  AND price < 0
	  AND (category_definition_id IS NULL OR category_definition_id != ?)
	  AND EXISTS (SELECT 1 FROM json_each(?) p WHERE p.value != '' AND instr(lower(name), lower(p.value)) > 0)`,
		categoryID, confidence, timeArg(time.Now()), bankVendor, bankAccount, bankAccount, categoryID, jsonList(patterns))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// BankSearch describes a lookup of bank debits that may repay a card.
type BankSearch struct {
	ExcludeVendors []string // card vendors
	Keywords       []string
	CategoryID     *int64
	From           time.Time // zero = unbounded
	Limit          int
}

// SearchBankDebits returns debits from non-card vendors whose name contains
// any keyword or whose category is CategoryID.
func (r *TransactionRepo) SearchBankDebits(ctx context.Context, s BankSearch) ([]Transaction, error) {
	limit := s.Limit
	if limit <= 0 {
		limit = 500
	}
	var from any
	if !s.From.IsZero() {
		from = timeArg(s.From)
	}
	return r.query(ctx, `SELECT `+transactionColumns+` FROM transactions
	WHERE vendor NOT IN (SELECT value FROM json_each(?))
	  AND price < 0
	  AND (? IS NULL OR date >= ?)
	  AND (
	    EXISTS (SELECT 1 FROM json_each(?) k WHERE k.value != '' AND instr(lower(name), lower(k.value)) > 0)
	    OR (? IS NOT NULL AND category_definition_id = ?)
	  )
	ORDER BY date DESC
	LIMIT ?`,
		jsonList(s.ExcludeVendors), from, from, jsonList(s.Keywords), s.CategoryID, s.CategoryID, limit)
}

// RepaymentQuery selects completed bank debits for one pairing.
type RepaymentQuery struct {
	BankVendor  string
	BankAccount *string
	FromDate    string // YYYY-MM-DD inclusive
	ToDate      string // YYYY-MM-DD inclusive
	Patterns    []string
	// CategoryID is used when Patterns is empty (category-only matching).
	CategoryID *int64
	Limit      int
}

// Repayments returns the rows matching q. With no patterns the match is by
// category alone; with no patterns and no category nothing matches.
func (r *TransactionRepo) Repayments(ctx context.Context, q RepaymentQuery) ([]Transaction, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 500
	}
	categoryOnly := 0
	if len(q.Patterns) == 0 {
		if q.CategoryID == nil {
			return nil, nil
		}
		categoryOnly = 1
	}
	return r.query(ctx, `SELECT `+transactionColumns+` FROM transactions
	WHERE vendor = ?
	  AND (? IS NULL OR account_number = ?)
	  AND status = 'completed'
	  AND price < 0
	  AND substr(date, 1, 10) BETWEEN ? AND ?
	  AND (
	    (? = 1 AND category_definition_id = ?)
	    OR (? = 0 AND EXISTS (SELECT 1 FROM json_each(?) p WHERE p.value != '' AND instr(lower(name), lower(p.value)) > 0))
	  )
	ORDER BY date DESC
	LIMIT ?`,
		q.BankVendor, q.BankAccount, q.BankAccount, q.FromDate, q.ToDate,
		categoryOnly, q.CategoryID, categoryOnly, jsonList(q.Patterns), limit)
}

// CardCycle is the card-side total for one billing date.
type CardCycle struct {
	CycleDate        string // YYYY-MM-DD of the billed/processed date
	Total            decimal.Decimal
	FirstPurchase    string // earliest transaction date within the cycle
	TransactionCount int
}

// CardCycles aggregates completed card rows by billed date within
// [fromDate, toDate]. Totals are expenses as positive numbers.
func (r *TransactionRepo) CardCycles(ctx context.Context, vendor string, account *string, fromDate, toDate string) ([]CardCycle, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT
	  substr(COALESCE(processed_date, date), 1, 10) AS cycle_date,
	  COALESCE(SUM(-price), 0) AS total,
	  MIN(substr(date, 1, 10)) AS first_purchase,
	  COUNT(*) AS txn_count
	FROM transactions
	WHERE vendor = ?
	  AND (? IS NULL OR account_number = ?)
	  AND status = 'completed'
	  AND substr(COALESCE(processed_date, date), 1, 10) BETWEEN ? AND ?
	GROUP BY cycle_date
	ORDER BY cycle_date`, vendor, account, account, fromDate, toDate)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CardCycle
	for rows.Next() {
		var c CardCycle
		var total float64
		if err := rows.Scan(&c.CycleDate, &total, &c.FirstPurchase, &c.TransactionCount); err != nil {
			return nil, err
		}
		c.Total = decimal.NewFromFloat(total).Round(2)
		out = append(out, c)
	}
	return out, rows.Err()
}

// CardHistory is the earliest visible activity on a card.
type CardHistory struct {
	FirstCycle    string // earliest billed date not after the cutoff
	FirstPurchase string // earliest purchase date among those rows
}

// CardHistory returns the card's earliest billed cycle and purchase date
// among completed expenses billed on or before cutoffDate. Empty strings
// mean the card has no history.
func (r *TransactionRepo) CardHistory(ctx context.Context, vendor string, account *string, cutoffDate string) (CardHistory, error) {
	var cycle, purchase sql.NullString
	err := r.db.QueryRowContext(ctx, `SELECT
	  MIN(substr(COALESCE(processed_date, date), 1, 10)),
	  MIN(substr(date, 1, 10))
	FROM transactions
	WHERE vendor = ?
	  AND (? IS NULL OR account_number = ?)
	  AND status = 'completed'
	  AND price < 0
	  AND substr(COALESCE(processed_date, date), 1, 10) <= ?`, vendor, account, account, cutoffDate).Scan(&cycle, &purchase)
	if err != nil {
		return CardHistory{}, err
	}
	return CardHistory{FirstCycle: cycle.String, FirstPurchase: purchase.String}, nil
}

func (r *TransactionRepo) query(ctx context.Context, q string, args ...any) ([]Transaction, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// scanTransaction handles nullable fields for both Row and Rows.
func scanTransaction(row scanner) (Transaction, error) {
	var t Transaction
	var nickname, account, processed, memo, typ, origCur, chargedCur sql.NullString
	var category sql.NullInt64
	var date, created, updated string
	var price float64
	if err := row.Scan(&t.Identifier, &t.Vendor, &nickname, &account, &date, &processed, &t.Name, &memo, &typ,
		&price, &t.OriginalAmount, &origCur, &chargedCur, &t.Status, &category, &t.AutoCategorized,
		&t.Confidence, &created, &updated); err != nil {
		return Transaction{}, err
	}
	t.Price = decimal.NewFromFloat(price)
	t.VendorNickname = nullString(nickname)
	t.AccountNumber = nullString(account)
	t.Memo = nullString(memo)
	t.Type = nullString(typ)
	t.OriginalCurrency = nullString(origCur)
	t.ChargedCurrency = nullString(chargedCur)
	t.CategoryID = nullInt(category)

	var err error
	if t.Date, err = ParseTime(date); err != nil {
		return Transaction{}, err
	}
	if t.CreatedAt, err = ParseTime(created); err != nil {
		return Transaction{}, err
	}
	if t.UpdatedAt, err = ParseTime(updated); err != nil {
		return Transaction{}, err
	}
	if t.ProcessedDate, err = parseNullTime(processed); err != nil {
		return Transaction{}, err
	}
	return t, nil
}

func nullDecimalArg(d decimal.NullDecimal) any {
	if !d.Valid {
		return nil
	}
	return d.Decimal.InexactFloat64()
}
