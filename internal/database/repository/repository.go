package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx so every repo can run inside
// the sync transaction or directly against the pool.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Repos bundles every repository bound to the same handle.
type Repos struct {
	Credentials  *CredentialRepo
	Events       *ScrapeEventRepo
	Transactions *TransactionRepo
	Categories   *CategoryRepo
	Rules        *RuleRepo
	Pairings     *PairingRepo

	db DBTX
}

// New binds all repositories to db.
func New(db DBTX) Repos {
	return Repos{
		Credentials:  NewCredentialRepo(db),
		Events:       NewScrapeEventRepo(db),
		Transactions: NewTransactionRepo(db),
		Categories:   NewCategoryRepo(db),
		Rules:        NewRuleRepo(db),
		Pairings:     NewPairingRepo(db),
		db:           db,
	}
}

// DB returns the handle the repos are bound to.
func (r Repos) DB() DBTX { return r.db }

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func timeArg(t time.Time) string { return FormatTime(t) }

func nullTimeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return FormatTime(*t)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := ParseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func nullInt(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

// jsonList encodes values as a JSON array for json_each(?) parameters.
func jsonList[T any](values []T) string {
	if len(values) == 0 {
		return "[]"
	}
	b, err := json.Marshal(values)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}
