package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jask/clarify/internal/database/repository"
	"github.com/jask/clarify/internal/scraper"
)

type writerEnv struct {
	svc   *SyncService
	repos repository.Repos
	snap  *CategorySnapshot
}

func newWriterEnv(t *testing.T) writerEnv {
	t.Helper()
	svc, db := newTestSync(t, nil)
	repos := repository.New(db)
	snap, err := svc.Categorizer.LoadSnapshot(context.Background(), repos)
	require.NoError(t, err)
	return writerEnv{svc: svc, repos: repos, snap: snap}
}

func (e writerEnv) write(t *testing.T, raw scraper.RawTransaction) WriteOutcome {
	t.Helper()
	out, err := e.svc.Writer.Insert(context.Background(), e.repos, e.snap, RawWrite{
		Vendor:        "max",
		AccountNumber: strp("1234"),
		Raw:           raw,
	})
	require.NoError(t, err)
	return out
}

func (e writerEnv) all(t *testing.T) []repository.Transaction {
	t.Helper()
	rows, err := e.repos.Transactions.List(context.Background(), repository.TransactionFilters{Vendor: "max"})
	require.NoError(t, err)
	return rows
}

func TestWriterPromotesPending(t *testing.T) {
	t.Parallel()
	env := newWriterEnv(t)

	require.Equal(t, OutcomeInserted, env.write(t, cardTxn("p1", "2025-03-01T10:00:00.000Z", "-50", "SUPER PHARM", "pending")))

	completed := cardTxn("c1", "2025-03-01T20:00:00.000Z", "-50", "Super Pharm", "completed")
	completed.ProcessedDate = "2025-04-10T00:00:00.000Z"
	require.Equal(t, OutcomeMerged, env.write(t, completed))

	rows := env.all(t)
	require.Len(t, rows, 1)
	require.Equal(t, repository.StatusCompleted, rows[0].Status)
	require.NotNil(t, rows[0].ProcessedDate)
	require.Equal(t, "2025-04-10", rows[0].ProcessedDate.Format(time.DateOnly))
	require.Equal(t, "SUPER PHARM", rows[0].Name)

	// the same completed record again is a plain duplicate
	require.Equal(t, OutcomeIgnored, env.write(t, completed))
	require.Len(t, env.all(t), 1)
}

func TestWriterDiscardsPendingAfterCompleted(t *testing.T) {
	t.Parallel()
	env := newWriterEnv(t)

	require.Equal(t, OutcomeInserted, env.write(t, cardTxn("c1", "2025-03-01T20:00:00.000Z", "-80", "Aroma TLV", "completed")))
	require.Equal(t, OutcomeDiscarded, env.write(t, cardTxn("p1", "2025-03-01T09:00:00.000Z", "-80", "AROMA TLV", "pending")))
	require.Len(t, env.all(t), 1)
}

func TestWriterDeletesStalePending(t *testing.T) {
	t.Parallel()
	env := newWriterEnv(t)

	require.Equal(t, OutcomeInserted, env.write(t, cardTxn("c1", "2025-03-02T08:00:00.000Z", "-30", "Cafe Joe", "completed")))
	// a pending row that slipped in next to its completed twin
	ctx := context.Background()
	insertRow(t, env.repos, repository.Transaction{
		Identifier:    "stale",
		Vendor:        "max",
		AccountNumber: strp("1234"),
		Name:          "CAFE JOE",
		Price:         mustAmount("-30"),
		Date:          mustDay("2025-03-02"),
		Status:        repository.StatusPending,
	})

	out := env.write(t, cardTxn("c2", "2025-03-02T09:00:00.000Z", "-30", "cafe joe", "completed"))
	require.Equal(t, OutcomeStalePendingDeleted, out)

	ok, err := env.repos.Transactions.Exists(ctx, "stale", "max")
	require.NoError(t, err)
	require.False(t, ok)
	require.Len(t, env.all(t), 1)
}

func TestWriterNoFalseMerge(t *testing.T) {
	t.Parallel()
	env := newWriterEnv(t)

	require.Equal(t, OutcomeInserted, env.write(t, cardTxn("p1", "2025-03-01T10:00:00.000Z", "-50", "SUPER PHARM", "pending")))
	// same amount, unrelated merchant
	require.Equal(t, OutcomeInserted, env.write(t, cardTxn("c1", "2025-03-01T12:00:00.000Z", "-50", "Cafe Landwer", "completed")))
	// same merchant, outside the window
	require.Equal(t, OutcomeInserted, env.write(t, cardTxn("c2", "2025-03-03T11:00:00.000Z", "-50", "SUPER PHARM", "completed")))

	rows := env.all(t)
	require.Len(t, rows, 3)
	var pending int
	for _, r := range rows {
		if r.Status == repository.StatusPending {
			pending++
		}
	}
	require.Equal(t, 1, pending)
}

func TestWriterRejectsMalformed(t *testing.T) {
	t.Parallel()
	env := newWriterEnv(t)

	out, err := env.svc.Writer.Insert(context.Background(), env.repos, env.snap, RawWrite{
		Vendor: "max",
		Raw:    cardTxn("x", "not a date", "-10", "Shop", "completed"),
	})
	require.ErrorIs(t, err, ErrMalformedRecord)
	require.Equal(t, OutcomeRejected, out)
	require.Empty(t, env.all(t))
}

func TestWriterCategorizes(t *testing.T) {
	t.Parallel()
	env := newWriterEnv(t)
	ctx := context.Background()

	raw := cardTxn("c1", "2025-03-01", "-120", "Shufersal Deal", "completed")
	raw.Category = "מזון וצריכה"
	require.Equal(t, OutcomeInserted, env.write(t, raw))
	require.Equal(t, OutcomeInserted, env.write(t, cardTxn("c2", "2025-03-01", "-15", "Unknown Shop", "completed")))

	groceries, err := env.repos.Categories.FindByName(ctx, "Groceries")
	require.NoError(t, err)
	other, err := env.svc.Writer.Cache.Other(ctx, env.repos.Categories)
	require.NoError(t, err)

	byName := map[string]repository.Transaction{}
	for _, r := range env.all(t) {
		byName[r.Name] = r
	}
	require.Equal(t, groceries.ID, *byName["Shufersal Deal"].CategoryID)
	require.InDelta(t, mappingConfidence, byName["Shufersal Deal"].Confidence, 1e-9)
	require.Equal(t, *other, *byName["Unknown Shop"].CategoryID)
	require.Zero(t, byName["Unknown Shop"].Confidence)

	// bank rows go to bank fees
	out, err := env.svc.Writer.Insert(ctx, env.repos, env.snap, RawWrite{
		Vendor: "hapoalim",
		IsBank: true,
		Raw:    cardTxn("b1", "2025-03-01", "-12", "עמלת ערוץ ישיר", "completed"),
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeInserted, out)
	fees, err := env.svc.Writer.Cache.BankFees(ctx, env.repos.Categories)
	require.NoError(t, err)
	bank, err := env.repos.Transactions.List(ctx, repository.TransactionFilters{Vendor: "hapoalim"})
	require.NoError(t, err)
	require.Len(t, bank, 1)
	require.Equal(t, *fees, *bank[0].CategoryID)
	require.True(t, bank[0].Price.IsNegative())
}

func TestWriterNegatesUnsignedFeeds(t *testing.T) {
	t.Parallel()
	env := newWriterEnv(t)
	ctx := context.Background()

	refund := cardTxn("r1", "2025-03-02", "35", "ZARA", "completed")
	refund.Type = "refund"
	for _, raw := range []scraper.RawTransaction{cardTxn("c1", "2025-03-01", "100", "ZARA", "completed"), refund} {
		out, err := env.svc.Writer.Insert(ctx, env.repos, env.snap, RawWrite{
			Vendor:        "max",
			Unsigned:      true,
			AccountNumber: strp("1234"),
			Raw:           raw,
		})
		require.NoError(t, err)
		require.Equal(t, OutcomeInserted, out)
	}

	prices := map[string]string{}
	for _, r := range env.all(t) {
		prices[r.Name+"/"+r.Date.Format(time.DateOnly)] = r.Price.String()
	}
	require.Equal(t, map[string]string{"ZARA/2025-03-01": "-100", "ZARA/2025-03-02": "35"}, prices)
}
