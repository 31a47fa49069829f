package repository_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/jask/clarify/internal/database"
	"github.com/jask/clarify/internal/database/repository"
)

func setup(t *testing.T) (*sql.DB, repository.Repos) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	require.NoError(t, database.RunMigrations(dbPath))
	db, err := database.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, repository.New(db)
}

func strp(s string) *string { return &s }

func day(s string) time.Time {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		panic(err)
	}
	return t
}

func txn(id, vendor, name string, price string, date time.Time) repository.Transaction {
	return repository.Transaction{
		Identifier: id,
		Vendor:     vendor,
		Name:       name,
		Price:      decimal.RequireFromString(price),
		Date:       date,
		Status:     repository.StatusCompleted,
	}
}

func TestCredentialLookupAndStale(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, repos := setup(t)

	id, err := repos.Credentials.Create(ctx, repository.Credential{Vendor: "max", Card6Digits: strp("1234;5678")})
	require.NoError(t, err)

	c, err := repos.Credentials.FindByAccountNumber(ctx, "max", "5678")
	require.NoError(t, err)
	require.NotNil(t, c)
	require.Equal(t, id, c.ID)

	c, err = repos.Credentials.FindByAccountNumber(ctx, "max", "567")
	require.NoError(t, err)
	require.Nil(t, c)

	stale, err := repos.Credentials.ListStale(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, stale, 1)

	require.NoError(t, repos.Credentials.UpdateScrapeStatus(ctx, id, repository.EventSuccess, time.Now()))
	stale, err = repos.Credentials.ListStale(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Empty(t, stale)

	got, err := repos.Credentials.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, repository.EventSuccess, *got.LastScrapeStatus)
	require.NotNil(t, got.LastSuccessfulScrapeAt)
}

func TestScrapeEventFinishOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, repos := setup(t)

	now := time.Now()
	id, err := repos.Events.Start(ctx, repository.ScrapeEvent{TriggeredBy: "test", Vendor: "max"}, now)
	require.NoError(t, err)
	require.NoError(t, repos.Events.Finish(ctx, id, repository.EventFailed, "first", now))
	require.NoError(t, repos.Events.Finish(ctx, id, repository.EventSuccess, "second", now))

	ev, err := repos.Events.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, repository.EventFailed, ev.Status)
	require.Equal(t, "first", *ev.Message)
}

func TestTransactionInsertOrIgnoreAndCandidates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, repos := setup(t)

	row := txn("a", "max", "COFFEE", "-12.50", day("2025-03-01"))
	ok, err := repos.Transactions.InsertOrIgnore(ctx, row)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = repos.Transactions.InsertOrIgnore(ctx, row)
	require.NoError(t, err)
	require.False(t, ok)

	// NULL account matches NULL, not a concrete account.
	got, err := repos.Transactions.DuplicateCandidates(ctx, "max", nil, decimal.RequireFromString("-12.5"),
		day("2025-02-28"), day("2025-03-02"))
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.True(t, got[0].Price.Equal(decimal.RequireFromString("-12.5")))

	got, err = repos.Transactions.DuplicateCandidates(ctx, "max", strp("1234"), decimal.RequireFromString("-12.5"),
		day("2025-02-28"), day("2025-03-02"))
	require.NoError(t, err)
	require.Empty(t, got)

	latest, err := repos.Transactions.LatestDate(ctx, "max", nil)
	require.NoError(t, err)
	require.Equal(t, day("2025-03-01"), *latest)
}

func TestTransactionPromoteKeepsCategory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, repos := setup(t)

	catID, err := repos.Categories.Create(ctx, repository.Category{Name: "Food"})
	require.NoError(t, err)
	pending := txn("p1", "max", "SHOP", "-40", day("2025-03-01"))
	pending.Status = repository.StatusPending
	pending.CategoryID = &catID
	_, err = repos.Transactions.InsertOrIgnore(ctx, pending)
	require.NoError(t, err)

	processed := day("2025-03-10")
	require.NoError(t, repos.Transactions.Promote(ctx, "max", "p1", repository.Promotion{
		NewIdentifier: "c1",
		ProcessedDate: &processed,
		Memo:          strp("confirmed"),
	}))

	old, err := repos.Transactions.Get(ctx, "p1", "max")
	require.NoError(t, err)
	require.Nil(t, old)

	row, err := repos.Transactions.Get(ctx, "c1", "max")
	require.NoError(t, err)
	require.Equal(t, repository.StatusCompleted, row.Status)
	require.Equal(t, catID, *row.CategoryID)
	require.Equal(t, "confirmed", *row.Memo)
	require.Equal(t, processed, *row.ProcessedDate)
}

func TestApplyRuleSkipsProtected(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, repos := setup(t)

	target, err := repos.Categories.Create(ctx, repository.Category{Name: "Coffee"})
	require.NoError(t, err)
	protected, err := repos.Categories.Create(ctx, repository.Category{Name: "Fees"})
	require.NoError(t, err)

	free := txn("1", "max", "Aroma coffee", "-10", day("2025-03-01"))
	locked := txn("2", "max", "Aroma coffee fee", "-3", day("2025-03-01"))
	locked.CategoryID = &protected
	locked.Confidence = 0.9
	for _, r := range []repository.Transaction{free, locked} {
		_, err := repos.Transactions.InsertOrIgnore(ctx, r)
		require.NoError(t, err)
	}

	n, err := repos.Transactions.ApplyRule(ctx, "AROMA", target, 0.8, []int64{protected})
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	row, err := repos.Transactions.Get(ctx, "1", "max")
	require.NoError(t, err)
	require.Equal(t, target, *row.CategoryID)
	require.True(t, row.AutoCategorized)
	require.InDelta(t, 0.8, row.Confidence, 1e-9)

	row, err = repos.Transactions.Get(ctx, "2", "max")
	require.NoError(t, err)
	require.Equal(t, protected, *row.CategoryID)

	// Already in target: nothing to do.
	n, err = repos.Transactions.ApplyRule(ctx, "AROMA", target, 0.5, []int64{protected})
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestCardCyclesGroupByBilledDate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, repos := setup(t)

	billed := day("2025-03-10")
	a := txn("a", "max", "A", "-100", day("2025-02-15"))
	a.ProcessedDate = &billed
	b := txn("b", "max", "B", "-50.25", day("2025-02-20"))
	b.ProcessedDate = &billed
	refund := txn("c", "max", "Refund", "20", day("2025-02-22"))
	refund.ProcessedDate = &billed
	noProcessed := txn("d", "max", "D", "-7", day("2025-04-10"))
	for _, r := range []repository.Transaction{a, b, refund, noProcessed} {
		_, err := repos.Transactions.InsertOrIgnore(ctx, r)
		require.NoError(t, err)
	}

	cycles, err := repos.Transactions.CardCycles(ctx, "max", nil, "2025-01-01", "2025-12-31")
	require.NoError(t, err)
	require.Len(t, cycles, 2)
	require.Equal(t, "2025-03-10", cycles[0].CycleDate)
	require.True(t, cycles[0].Total.Equal(decimal.RequireFromString("130.25")), cycles[0].Total.String())
	require.Equal(t, "2025-02-15", cycles[0].FirstPurchase)
	require.Equal(t, 3, cycles[0].TransactionCount)
	require.Equal(t, "2025-04-10", cycles[1].CycleDate)

	hist, err := repos.Transactions.CardHistory(ctx, "max", nil, "2025-03-31")
	require.NoError(t, err)
	require.Equal(t, "2025-03-10", hist.FirstCycle)
	require.Equal(t, "2025-02-15", hist.FirstPurchase)
}

func TestRepaymentsByPatternOrCategory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, repos := setup(t)

	repayCat, err := repos.Categories.Create(ctx, repository.Category{Name: "Credit Card Repayment"})
	require.NoError(t, err)
	byName := txn("1", "hapoalim", "MAX IT FINANCE 1234", "-500", day("2025-03-02"))
	byCat := txn("2", "hapoalim", "transfer", "-300", day("2025-03-03"))
	byCat.CategoryID = &repayCat
	credit := txn("3", "hapoalim", "max refund 1234", "100", day("2025-03-03"))
	for _, r := range []repository.Transaction{byName, byCat, credit} {
		_, err := repos.Transactions.InsertOrIgnore(ctx, r)
		require.NoError(t, err)
	}

	rows, err := repos.Transactions.Repayments(ctx, repository.RepaymentQuery{
		BankVendor: "hapoalim", FromDate: "2025-01-01", ToDate: "2025-12-31", Patterns: []string{"1234"},
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "1", rows[0].Identifier)

	rows, err = repos.Transactions.Repayments(ctx, repository.RepaymentQuery{
		BankVendor: "hapoalim", FromDate: "2025-01-01", ToDate: "2025-12-31", CategoryID: &repayCat,
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "2", rows[0].Identifier)

	rows, err = repos.Transactions.SearchBankDebits(ctx, repository.BankSearch{
		ExcludeVendors: []string{"max"}, Keywords: []string{"max"}, CategoryID: &repayCat,
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)
}

func TestPairingLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, repos := setup(t)

	id, err := repos.Pairings.Insert(ctx, repository.AccountPairing{
		CreditCardVendor: "max", CreditCardAccountNumber: strp("1234"),
		BankVendor: "hapoalim", MatchPatterns: []string{"1234"}, Active: true,
	})
	require.NoError(t, err)

	p, err := repos.Pairings.Find(ctx, "max", strp("1234"), "hapoalim", nil)
	require.NoError(t, err)
	require.NotNil(t, p)
	require.Equal(t, id, p.ID)
	require.Equal(t, []string{"1234"}, p.MatchPatterns)

	require.NoError(t, repos.Pairings.SetAcknowledged(ctx, id, true))
	n, err := repos.Pairings.ResetAcknowledgedForVendors(ctx, []string{"visaCal"})
	require.NoError(t, err)
	require.Zero(t, n)
	n, err = repos.Pairings.ResetAcknowledgedForVendors(ctx, []string{"hapoalim"})
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	require.NoError(t, repos.Pairings.Log(ctx, repository.PairingLogEntry{
		PairingID: &id, Action: "created", CreditCardVendor: "max", BankVendor: "hapoalim",
	}))
	require.NoError(t, repos.Pairings.SetActive(ctx, id, false))

	active, err := repos.Pairings.List(ctx, false)
	require.NoError(t, err)
	require.Empty(t, active)
	all, err := repos.Pairings.List(ctx, true)
	require.NoError(t, err)
	require.Len(t, all, 1)

	entries, err := repos.Pairings.ListLog(ctx, id)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "created", entries[0].Action)

	require.NoError(t, repos.Pairings.Delete(ctx, id))
	require.ErrorIs(t, repos.Pairings.Delete(ctx, id), sql.ErrNoRows)
}
