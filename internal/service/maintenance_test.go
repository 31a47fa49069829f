package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jask/clarify/internal/database/repository"
)

func TestMaintenanceReset(t *testing.T) {
	t.Parallel()
	svc, db := newTestSync(t, nil)
	ctx := context.Background()
	repos := repository.New(db)

	_, err := repos.Credentials.Create(ctx, repository.Credential{Vendor: "max"})
	require.NoError(t, err)
	insertRow(t, repos, row("a", "max", "1234", "Shop", "-10", mustDay("2025-03-01")))
	seedPairing(t, svc)

	m := &MaintenanceService{DB: db, Cache: svc.Writer.Cache}
	require.NoError(t, m.Reset(ctx, false))
	require.Zero(t, countRows(t, db, `SELECT COUNT(*) FROM transactions`))
	require.Zero(t, countRows(t, db, `SELECT COUNT(*) FROM account_pairings`))
	require.Equal(t, 1, countRows(t, db, `SELECT COUNT(*) FROM vendor_credentials`))
	require.NotZero(t, countRows(t, db, `SELECT COUNT(*) FROM category_definitions`))

	require.NoError(t, m.Reset(ctx, true))
	require.Zero(t, countRows(t, db, `SELECT COUNT(*) FROM vendor_credentials`))
	require.Zero(t, countRows(t, db, `SELECT COUNT(*) FROM category_definitions`))
}
