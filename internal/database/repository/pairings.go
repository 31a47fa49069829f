package repository

import (
	"context"
	"database/sql"
	"time"
)

// PairingRepo handles account_pairings and account_pairing_log.
type PairingRepo struct {
	db DBTX
}

func NewPairingRepo(db DBTX) *PairingRepo { return &PairingRepo{db: db} }

const pairingColumns = `id, credit_card_vendor, credit_card_account_number, bank_vendor, bank_account_number,
 match_patterns, is_active, discrepancy_acknowledged, created_at, updated_at`

func (r *PairingRepo) Insert(ctx context.Context, p AccountPairing) (int64, error) {
	now := timeArg(time.Now())
	res, err := r.db.ExecContext(ctx, `INSERT INTO account_pairings(
	 credit_card_vendor, credit_card_account_number, bank_vendor, bank_account_number,
	 match_patterns, is_active, discrepancy_acknowledged, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.CreditCardVendor, p.CreditCardAccountNumber, p.BankVendor, p.BankAccountNumber,
		jsonList(p.MatchPatterns), p.Active, p.DiscrepancyAcknowledged, now, now)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Find looks a pairing up by its four identifying columns; NULL accounts
// match NULL. Returns nil, nil when absent.
func (r *PairingRepo) Find(ctx context.Context, ccVendor string, ccAccount *string, bankVendor string, bankAccount *string) (*AccountPairing, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+pairingColumns+` FROM account_pairings
	WHERE credit_card_vendor = ? AND credit_card_account_number IS ?
	  AND bank_vendor = ? AND bank_account_number IS ?`, ccVendor, ccAccount, bankVendor, bankAccount)
	return oneOrNil(scanPairing(row))
}

func (r *PairingRepo) Get(ctx context.Context, id int64) (*AccountPairing, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+pairingColumns+` FROM account_pairings WHERE id = ?`, id)
	return oneOrNil(scanPairing(row))
}

// List returns pairings, active first. Inactive ones are included on request.
func (r *PairingRepo) List(ctx context.Context, includeInactive bool) ([]AccountPairing, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+pairingColumns+` FROM account_pairings
	WHERE (? = 1 OR is_active = 1)
	ORDER BY is_active DESC, id`, includeInactive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AccountPairing
	for rows.Next() {
		p, err := scanPairing(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *PairingRepo) UpdatePatterns(ctx context.Context, id int64, patterns []string) error {
	return r.exec(ctx, `UPDATE account_pairings SET match_patterns = ?, updated_at = ? WHERE id = ?`,
		jsonList(patterns), timeArg(time.Now()), id)
}

func (r *PairingRepo) SetActive(ctx context.Context, id int64, active bool) error {
	return r.exec(ctx, `UPDATE account_pairings SET is_active = ?, updated_at = ? WHERE id = ?`,
		active, timeArg(time.Now()), id)
}

func (r *PairingRepo) SetAcknowledged(ctx context.Context, id int64, ack bool) error {
	return r.exec(ctx, `UPDATE account_pairings SET discrepancy_acknowledged = ?, updated_at = ? WHERE id = ?`,
		ack, timeArg(time.Now()), id)
}

// ResetAcknowledgedForVendors clears the acknowledgement of active pairings
// whose card or bank vendor is in vendors.
func (r *PairingRepo) ResetAcknowledgedForVendors(ctx context.Context, vendors []string) (int64, error) {
	if len(vendors) == 0 {
		return 0, nil
	}
	list := jsonList(vendors)
	res, err := r.db.ExecContext(ctx, `UPDATE account_pairings SET discrepancy_acknowledged = 0, updated_at = ?
	WHERE is_active = 1 AND discrepancy_acknowledged = 1
	  AND (credit_card_vendor IN (SELECT value FROM json_each(?))
	    OR bank_vendor IN (SELECT value FROM json_each(?)))`, timeArg(time.Now()), list, list)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *PairingRepo) Delete(ctx context.Context, id int64) error {
	return r.exec(ctx, `DELETE FROM account_pairings WHERE id = ?`, id)
}

// Log appends an audit entry.
func (r *PairingRepo) Log(ctx context.Context, e PairingLogEntry) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO account_pairing_log(
	 pairing_id, action, credit_card_vendor, credit_card_account_number, bank_vendor, bank_account_number,
	 match_patterns, details, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.PairingID, e.Action, e.CreditCardVendor, e.CreditCardAccountNumber, e.BankVendor, e.BankAccountNumber,
		jsonList(e.MatchPatterns), e.Details, timeArg(time.Now()))
	return err
}

// ListLog returns entries for pairingID, oldest first.
func (r *PairingRepo) ListLog(ctx context.Context, pairingID int64) ([]PairingLogEntry, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, pairing_id, action, COALESCE(credit_card_vendor, ''),
	 credit_card_account_number, COALESCE(bank_vendor, ''), bank_account_number, COALESCE(match_patterns, '[]'),
	 details, created_at
	FROM account_pairing_log WHERE pairing_id = ? ORDER BY id`, pairingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PairingLogEntry
	for rows.Next() {
		var e PairingLogEntry
		var pid sql.NullInt64
		var ccAcct, bankAcct, details sql.NullString
		var patterns, created string
		if err := rows.Scan(&e.ID, &pid, &e.Action, &e.CreditCardVendor, &ccAcct, &e.BankVendor, &bankAcct,
			&patterns, &details, &created); err != nil {
			return nil, err
		}
		e.PairingID = nullInt(pid)
		e.CreditCardAccountNumber = nullString(ccAcct)
		e.BankAccountNumber = nullString(bankAcct)
		e.MatchPatterns = decodeList(patterns)
		e.Details = nullString(details)
		if e.CreatedAt, err = ParseTime(created); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *PairingRepo) exec(ctx context.Context, q string, args ...any) error {
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func scanPairing(row scanner) (AccountPairing, error) {
	var p AccountPairing
	var ccAcct, bankAcct sql.NullString
	var patterns, created, updated string
	if err := row.Scan(&p.ID, &p.CreditCardVendor, &ccAcct, &p.BankVendor, &bankAcct, &patterns,
		&p.Active, &p.DiscrepancyAcknowledged, &created, &updated); err != nil {
		return AccountPairing{}, err
	}
	p.CreditCardAccountNumber = nullString(ccAcct)
	p.BankAccountNumber = nullString(bankAcct)
	p.MatchPatterns = decodeList(patterns)
	var err error
	if p.CreatedAt, err = ParseTime(created); err != nil {
		return AccountPairing{}, err
	}
	if p.UpdatedAt, err = ParseTime(updated); err != nil {
		return AccountPairing{}, err
	}
	return p, nil
}

func oneOrNil[T any](v T, err error) (*T, error) {
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}
