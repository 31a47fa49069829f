package testdata_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jask/clarify/internal/config"
	"github.com/jask/clarify/internal/database"
	"github.com/jask/clarify/internal/logger"
	"github.com/jask/clarify/internal/scraper"
	"github.com/jask/clarify/internal/service"
	"github.com/jask/clarify/internal/testdata"
)

func TestScraperDeterministic(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	opts := scraper.Options{CompanyID: "max", StartDate: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)}

	a, err := testdata.Scraper(7)(ctx, opts, nil)
	require.NoError(t, err)
	b, err := testdata.Scraper(7)(ctx, opts, nil)
	require.NoError(t, err)
	require.Equal(t, a, b)

	require.True(t, a.Success)
	require.Len(t, a.Accounts, 1)
	statuses := map[string]int{}
	for _, tx := range a.Accounts[0].Txns {
		statuses[tx.Status]++
	}
	require.Equal(t, 17, statuses["completed"])
	require.Equal(t, 3, statuses["pending"])

	_, err = testdata.Scraper(7)(ctx, scraper.Options{CompanyID: "nope"}, nil)
	require.Error(t, err)
}

func TestScraperFeedsPairing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "demo.db")
	require.NoError(t, database.RunMigrations(dbPath))
	db, err := database.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, database.SeedDefaults(ctx, db))

	svc := service.NewSyncService(db, config.Default(), testdata.Scraper(3), logger.Discard())
	_, err = svc.RunScrape(ctx, service.SyncRequest{Vendor: "max", Credentials: scraper.Credentials{"username": "u", "password": "p"}})
	require.NoError(t, err)
	res, err := svc.RunScrape(ctx, service.SyncRequest{Vendor: "hapoalim", Credentials: scraper.Credentials{"userCode": "u", "password": "p"}})
	require.NoError(t, err)
	require.Positive(t, res.BankTransactions)

	last4 := testdata.Last4("max")
	pair, err := svc.Pairings.AutoPair(ctx, "max", &last4)
	require.NoError(t, err)
	require.True(t, pair.Found, pair.Reason)
	require.Equal(t, "hapoalim", pair.Pairing.BankVendor)
	require.Equal(t, []string{last4}, pair.Pairing.MatchPatterns)
}
