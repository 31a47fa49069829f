package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/shopspring/decimal"
)

// CredentialRepo handles vendor_credentials.
type CredentialRepo struct {
	db DBTX
}

func NewCredentialRepo(db DBTX) *CredentialRepo {
	return &CredentialRepo{db: db}
}

const credentialColumns = `id, vendor, nickname, bank_account_number, card6_digits, last_scrape_at,
 last_scrape_status, last_successful_scrape_at, current_balance, balance_updated_at, created_at`

func (r *CredentialRepo) Create(ctx context.Context, c Credential) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
	INSERT INTO vendor_credentials(vendor, nickname, bank_account_number, card6_digits)
	VALUES (?, ?, ?, ?)
	`, c.Vendor, c.Nickname, c.BankAccountNumber, c.Card6Digits)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Get returns nil, nil when the credential does not exist.
func (r *CredentialRepo) Get(ctx context.Context, id int64) (*Credential, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+credentialColumns+` FROM vendor_credentials WHERE id = ?`, id)
	c, err := scanCredential(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

func (r *CredentialRepo) List(ctx context.Context) ([]Credential, error) {
	return r.query(ctx, `SELECT `+credentialColumns+` FROM vendor_credentials ORDER BY vendor, id`)
}

// ListStale returns credentials whose last success (or creation, if never
// synced) is older than before.
func (r *CredentialRepo) ListStale(ctx context.Context, before time.Time) ([]Credential, error) {
	return r.query(ctx, `SELECT `+credentialColumns+` FROM vendor_credentials
	WHERE COALESCE(last_successful_scrape_at, created_at) < ?
	ORDER BY COALESCE(last_successful_scrape_at, created_at), id`, timeArg(before))
}

func (r *CredentialRepo) ListByVendor(ctx context.Context, vendor string) ([]Credential, error) {
	return r.query(ctx, `SELECT `+credentialColumns+` FROM vendor_credentials WHERE vendor = ? ORDER BY id`, vendor)
}

// FindByAccountNumber matches against the ';'-joined account and card fragments.
func (r *CredentialRepo) FindByAccountNumber(ctx context.Context, vendor, accountNumber string) (*Credential, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+credentialColumns+` FROM vendor_credentials
	WHERE vendor = ?
	  AND (instr(';' || COALESCE(bank_account_number, '') || ';', ';' || ? || ';') > 0
	    OR instr(';' || COALESCE(card6_digits, '') || ';', ';' || ? || ';') > 0)
	ORDER BY id LIMIT 1`, vendor, accountNumber, accountNumber)
	c, err := scanCredential(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

func (r *CredentialRepo) UpdateBalance(ctx context.Context, id int64, balance decimal.Decimal, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE vendor_credentials SET current_balance = ?, balance_updated_at = ? WHERE id = ?`,
		balance.InexactFloat64(), timeArg(at), id)
	return err
}

// UpdateScrapeStatus records the outcome of an attempt. A success also moves
// last_successful_scrape_at.
func (r *CredentialRepo) UpdateScrapeStatus(ctx context.Context, id int64, status string, at time.Time) error {
	if status == EventSuccess {
		_, err := r.db.ExecContext(ctx, `UPDATE vendor_credentials
		SET last_scrape_at = ?, last_scrape_status = ?, last_successful_scrape_at = ? WHERE id = ?`,
			timeArg(at), status, timeArg(at), id)
		return err
	}
	_, err := r.db.ExecContext(ctx, `UPDATE vendor_credentials SET last_scrape_at = ?, last_scrape_status = ? WHERE id = ?`,
		timeArg(at), status, id)
	return err
}

// UpdateAccountNumbers overwrites the known account fragments. Nil leaves a
// column unchanged.
func (r *CredentialRepo) UpdateAccountNumbers(ctx context.Context, id int64, bankAccounts, card6 *string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE vendor_credentials
	SET bank_account_number = COALESCE(?, bank_account_number),
	    card6_digits = COALESCE(?, card6_digits)
	WHERE id = ?`, bankAccounts, card6, id)
	return err
}

func (r *CredentialRepo) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM vendor_credentials WHERE id = ?`, id)
	return err
}

func (r *CredentialRepo) query(ctx context.Context, q string, args ...any) ([]Credential, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanCredential(row scanner) (Credential, error) {
	var c Credential
	var nickname, bank, card6, lastAt, lastStatus, lastOK, balanceAt sql.NullString
	var createdAt string
	if err := row.Scan(&c.ID, &c.Vendor, &nickname, &bank, &card6, &lastAt, &lastStatus, &lastOK,
		&c.CurrentBalance, &balanceAt, &createdAt); err != nil {
		return Credential{}, err
	}
	c.Nickname = nullString(nickname)
	c.BankAccountNumber = nullString(bank)
	c.Card6Digits = nullString(card6)
	c.LastScrapeStatus = nullString(lastStatus)
	var err error
	if c.LastScrapeAt, err = parseNullTime(lastAt); err != nil {
		return Credential{}, err
	}
	if c.LastSuccessfulScrapeAt, err = parseNullTime(lastOK); err != nil {
		return Credential{}, err
	}
	if c.BalanceUpdatedAt, err = parseNullTime(balanceAt); err != nil {
		return Credential{}, err
	}
	created, err := parseNullTime(sql.NullString{String: createdAt, Valid: true})
	if err != nil {
		return Credential{}, err
	}
	c.CreatedAt = *created
	return c, nil
}
