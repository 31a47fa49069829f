package service

import (
	"context"
	"time"

	"github.com/jask/clarify/internal/database/repository"
)

// WasScrapedRecently reports whether credentialID already has maxAttempts
// (at least one) scrape events within threshold. Unknown credentials are
// never rate limited.
func (s *SyncService) WasScrapedRecently(ctx context.Context, credentialID int64, threshold time.Duration, maxAttempts int) (bool, error) {
	repos := repository.New(s.DB)
	cred, err := repos.Credentials.Get(ctx, credentialID)
	if err != nil {
		return false, err
	}
	if cred == nil {
		return false, nil
	}
	count, err := repos.Events.CountSince(ctx, credentialID, s.clock().Add(-threshold))
	if err != nil {
		return false, err
	}
	return count >= max(maxAttempts, 1), nil
}
