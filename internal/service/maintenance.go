package service

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jask/clarify/internal/database"
)

// MaintenanceService houses destructive/ops actions surfaced through the CLI.
type MaintenanceService struct {
	DB    *sql.DB
	Cache *CategoryCache
}

// Reset wipes synced data. Credentials and the category tree survive unless
// all is set. The schema is kept intact.
func (s *MaintenanceService) Reset(ctx context.Context, all bool) error {
	if s.DB == nil {
		return fmt.Errorf("maintenance: db not configured")
	}
	tables := []string{
		"account_pairing_log",
		"account_pairings",
		"transactions",
		"scrape_events",
	}
	if all {
		tables = append(tables, "categorization_rules", "category_mappings", "category_definitions", "vendor_credentials")
	}
	if err := database.WithTx(ctx, s.DB, func(tx *sql.Tx) error {
		for _, t := range tables {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+t); err != nil {
				return fmt.Errorf("reset table %s: %w", t, err)
			}
		}
		return nil
	}); err != nil {
		return err
	}
	if s.Cache != nil {
		s.Cache.Reset()
	}
	_, _ = s.DB.ExecContext(ctx, "VACUUM")
	return nil
}
