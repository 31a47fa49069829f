package service

import (
	"context"
	"database/sql"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/jask/clarify/internal/config"
	"github.com/jask/clarify/internal/database"
	"github.com/jask/clarify/internal/database/repository"
	"github.com/jask/clarify/internal/logger"
	"github.com/jask/clarify/internal/scraper"
)

func openSeeded(t *testing.T) *sql.DB {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	require.NoError(t, database.RunMigrations(dbPath))
	db, err := database.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, database.SeedDefaults(ctx, db))
	return db
}

func newTestSync(t *testing.T, l *slog.Logger) (*SyncService, *sql.DB) {
	t.Helper()
	db := openSeeded(t)
	if l == nil {
		l = logger.Discard()
	}
	return NewSyncService(db, config.Default(), nil, l), db
}

func strp(s string) *string { return &s }

func mustDay(s string) time.Time {
	d, err := time.Parse(time.DateOnly, s)
	if err != nil {
		panic(err)
	}
	return d
}

func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

// staticScraper returns the same result on every call.
func staticScraper(res scraper.Result) scraper.Func {
	return func(context.Context, scraper.Options, scraper.Credentials) (scraper.Result, error) {
		return res, nil
	}
}

func cardTxn(id, date, amount, desc, status string) scraper.RawTransaction {
	return scraper.RawTransaction{
		Identifier:    scraper.FlexString(id),
		Date:          date,
		ChargedAmount: scraper.FlexString(amount),
		Description:   desc,
		Status:        status,
	}
}

func maxCreds() scraper.Credentials {
	return scraper.Credentials{"username": "u", "password": "p"}
}

func countRows(t *testing.T, db *sql.DB, q string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(q, args...).Scan(&n))
	return n
}

func insertRow(t *testing.T, repos repository.Repos, tr repository.Transaction) {
	t.Helper()
	ok, err := repos.Transactions.InsertOrIgnore(context.Background(), tr)
	require.NoError(t, err)
	require.True(t, ok)
}

func row(id, vendor, acct, name, price string, date time.Time) repository.Transaction {
	tr := repository.Transaction{
		Identifier: id,
		Vendor:     vendor,
		Name:       name,
		Price:      decimal.RequireFromString(price),
		Date:       date,
		Status:     repository.StatusCompleted,
	}
	if acct != "" {
		tr.AccountNumber = &acct
	}
	return tr
}

// captureHandler records every log line with its attributes, in order.
type captureHandler struct {
	mu    *sync.Mutex
	recs  *[]capturedRecord
	attrs []slog.Attr
}

type capturedRecord struct {
	Msg   string
	Attrs map[string]any
}

func newCapture() (*slog.Logger, func() []capturedRecord) {
	h := &captureHandler{mu: &sync.Mutex{}, recs: &[]capturedRecord{}}
	return slog.New(h), func() []capturedRecord {
		h.mu.Lock()
		defer h.mu.Unlock()
		return append([]capturedRecord(nil), (*h.recs)...)
	}
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	attrs := map[string]any{}
	for _, a := range h.attrs {
		attrs[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = a.Value.Any()
		return true
	})
	h.mu.Lock()
	*h.recs = append(*h.recs, capturedRecord{Msg: r.Message, Attrs: attrs})
	h.mu.Unlock()
	return nil
}

func (h *captureHandler) WithAttrs(as []slog.Attr) slog.Handler {
	return &captureHandler{mu: h.mu, recs: h.recs, attrs: append(append([]slog.Attr{}, h.attrs...), as...)}
}

func (h *captureHandler) WithGroup(string) slog.Handler { return h }

func mustAmount(s string) decimal.Decimal { return decimal.RequireFromString(s) }
