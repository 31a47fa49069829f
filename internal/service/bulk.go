package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jask/clarify/internal/database/repository"
	"github.com/jask/clarify/internal/logger"
	"github.com/jask/clarify/internal/scraper"
)

// BulkOptions controls SyncStale. Zero values fall back to the sync config.
type BulkOptions struct {
	StaleAfter      time.Duration
	RateLimitWindow time.Duration
	MaxAttempts     int
	TriggeredBy     string
}

type BulkFailure struct {
	CredentialID int64
	Vendor       string
	Err          string
}

// BulkSummary aggregates one SyncStale pass.
type BulkSummary struct {
	Candidates   int
	Attempted    int
	Succeeded    int
	Failed       int
	RateLimited  int
	Inserted     int
	Merged       int
	Transactions int
	Failures     []BulkFailure
}

// SyncStale syncs, one at a time, every credential whose last success (or
// creation) is older than StaleAfter and which is outside the rate-limit
// window.
func (s *SyncService) SyncStale(ctx context.Context, opts BulkOptions) (BulkSummary, error) {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = s.Config.StaleAfter
	}
	if opts.RateLimitWindow <= 0 {
		opts.RateLimitWindow = s.Config.RateLimitWindow
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = s.Config.MaxAttempts
	}
	if opts.TriggeredBy == "" {
		opts.TriggeredBy = "bulk"
	}
	log := logger.FromContext(ctx, s.Logger)

	var sum BulkSummary
	stale, err := repository.New(s.DB).Credentials.ListStale(ctx, s.clock().Add(-opts.StaleAfter))
	if err != nil {
		return sum, fmt.Errorf("list stale credentials: %w", err)
	}
	sum.Candidates = len(stale)

	for _, cred := range stale {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		if opts.RateLimitWindow > 0 {
			recent, err := s.WasScrapedRecently(ctx, cred.ID, opts.RateLimitWindow, opts.MaxAttempts)
			if err != nil {
				return sum, err
			}
			if recent {
				sum.RateLimited++
				continue
			}
		}

		sum.Attempted++
		res, err := s.syncCredential(ctx, cred, opts.TriggeredBy)
		if err != nil {
			sum.Failed++
			sum.Failures = append(sum.Failures, BulkFailure{CredentialID: cred.ID, Vendor: cred.Vendor, Err: err.Error()})
			log.Warn("bulk_sync_failed", "credential_id", cred.ID, "vendor", cred.Vendor, "err", err)
			continue
		}
		sum.Succeeded++
		sum.Inserted += res.Inserted
		sum.Merged += res.Merged
		sum.Transactions += res.Inserted + res.Merged + res.Ignored
	}
	log.Info("bulk_sync_completed", "candidates", sum.Candidates, "attempted", sum.Attempted,
		"succeeded", sum.Succeeded, "failed", sum.Failed, "rate_limited", sum.RateLimited)
	return sum, nil
}

func (s *SyncService) syncCredential(ctx context.Context, cred repository.Credential, triggeredBy string) (SyncResult, error) {
	if s.Vault == nil {
		return SyncResult{}, errors.New("no credential store configured")
	}
	params, err := s.Vault.Get(cred.ID)
	if err != nil {
		return SyncResult{}, fmt.Errorf("load access parameters: %w", err)
	}
	if len(params) == 0 {
		return SyncResult{}, fmt.Errorf("%w: no stored access parameters for credential %d", ErrInvalidInput, cred.ID)
	}
	id := cred.ID
	return s.RunScrape(ctx, SyncRequest{
		Vendor:       cred.Vendor,
		Credentials:  scraper.Credentials(params),
		CredentialID: &id,
		TriggeredBy:  triggeredBy,
		// the rate limit was checked above with the bulk window
		Force: true,
	})
}
