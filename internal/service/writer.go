package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jask/clarify/internal/database/repository"
	"github.com/jask/clarify/internal/logger"
	"github.com/jask/clarify/internal/scraper"
)

// WriteOutcome says what the writer did with one record.
type WriteOutcome string

const (
	OutcomeInserted            WriteOutcome = "inserted"
	OutcomeMerged              WriteOutcome = "merged"
	OutcomeDiscarded           WriteOutcome = "discarded"
	OutcomeStalePendingDeleted WriteOutcome = "stale_pending_deleted"
	OutcomeIgnored             WriteOutcome = "ignored"
	OutcomeRejected            WriteOutcome = "rejected"
)

// RawWrite is one adapter record plus the account it came from.
type RawWrite struct {
	Vendor        string
	IsBank        bool
	Unsigned      bool
	AccountNumber *string
	Nickname      *string
	Raw           scraper.RawTransaction
}

// TransactionWriter persists adapter records, folding pending reports into
// their completed counterparts.
type TransactionWriter struct {
	Categorizer *Categorizer
	Cache       *CategoryCache
	Window      time.Duration
	Logger      *slog.Logger
}

// Insert validates in.Raw and writes it through repos. A malformed record
// yields OutcomeRejected together with an ErrMalformedRecord error.
func (w *TransactionWriter) Insert(ctx context.Context, repos repository.Repos, snap *CategorySnapshot, in RawWrite) (WriteOutcome, error) {
	rec, err := newIngestRecord(in.Raw, in.Unsigned)
	if err != nil {
		return OutcomeRejected, err
	}
	return w.write(ctx, repos, snap, in, rec)
}

func (w *TransactionWriter) write(ctx context.Context, repos repository.Repos, snap *CategorySnapshot, in RawWrite, rec ingestRecord) (WriteOutcome, error) {
	log := logger.FromContext(ctx, w.Logger)
	identifier := rec.Identifier(in.Vendor)

	if rec.Dedupable {
		window := w.Window
		if window <= 0 {
			window = 36 * time.Hour
		}
		cands, err := repos.Transactions.DuplicateCandidates(ctx, in.Vendor, in.AccountNumber, rec.Amount,
			rec.Date.Add(-window), rec.Date.Add(window))
		if err != nil {
			return "", fmt.Errorf("find duplicates: %w", err)
		}
		completed := bestMatch(cands, rec, repository.StatusCompleted)

		switch rec.Status {
		case repository.StatusPending:
			if completed != nil {
				log.Debug("pending_discarded", "vendor", in.Vendor, "completed_id", completed.Identifier)
				return OutcomeDiscarded, nil
			}
		case repository.StatusCompleted:
			if pending := bestMatch(cands, rec, repository.StatusPending); pending != nil {
				return w.resolvePending(ctx, repos, in, rec, identifier, *pending, completed)
			}
		}
	}

	t := repository.Transaction{
		Identifier:       identifier,
		Vendor:           in.Vendor,
		VendorNickname:   in.Nickname,
		AccountNumber:    in.AccountNumber,
		Date:             rec.Date,
		ProcessedDate:    rec.ProcessedDate,
		Name:             rec.Description,
		Memo:             rec.Memo,
		Type:             rec.Type,
		Price:            rec.Amount,
		OriginalAmount:   rec.OriginalAmount,
		OriginalCurrency: rec.OriginalCurrency,
		ChargedCurrency:  rec.ChargedCurrency,
		Status:           rec.Status,
	}
	if err := w.categorize(ctx, repos, snap, in.IsBank, rec, &t); err != nil {
		return "", err
	}
	ok, err := repos.Transactions.InsertOrIgnore(ctx, t)
	if err != nil {
		return "", fmt.Errorf("insert transaction: %w", err)
	}
	if !ok {
		return OutcomeIgnored, nil
	}
	return OutcomeInserted, nil
}

func (w *TransactionWriter) resolvePending(ctx context.Context, repos repository.Repos, in RawWrite, rec ingestRecord, identifier string, pending repository.Transaction, completed *repository.Transaction) (WriteOutcome, error) {
	log := logger.FromContext(ctx, w.Logger)
	exists := completed != nil
	if !exists && identifier != pending.Identifier {
		var err error
		if exists, err = repos.Transactions.Exists(ctx, identifier, in.Vendor); err != nil {
			return "", err
		}
	}
	if exists {
		if err := repos.Transactions.Delete(ctx, pending.Identifier, pending.Vendor); err != nil {
			return "", fmt.Errorf("delete stale pending: %w", err)
		}
		log.Debug("stale_pending_deleted", "vendor", in.Vendor, "pending_id", pending.Identifier)
		return OutcomeStalePendingDeleted, nil
	}

	err := repos.Transactions.Promote(ctx, pending.Vendor, pending.Identifier, repository.Promotion{
		NewIdentifier:   identifier,
		ProcessedDate:   rec.ProcessedDate,
		ChargedCurrency: rec.ChargedCurrency,
		Memo:            rec.Memo,
		Type:            rec.Type,
	})
	if err != nil {
		return "", fmt.Errorf("promote pending: %w", err)
	}
	log.Debug("pending_promoted", "vendor", in.Vendor, "pending_id", pending.Identifier, "identifier", identifier)
	return OutcomeMerged, nil
}

func (w *TransactionWriter) categorize(ctx context.Context, repos repository.Repos, snap *CategorySnapshot, isBank bool, rec ingestRecord, t *repository.Transaction) error {
	cache := w.Cache
	if cache == nil {
		cache = NewCategoryCache()
	}
	if isBank {
		id, err := cache.BankFees(ctx, repos.Categories)
		if err != nil {
			return fmt.Errorf("bank fee category: %w", err)
		}
		if id != nil {
			t.CategoryID = id
			t.AutoCategorized = true
		}
		return nil
	}

	if w.Categorizer != nil {
		if res := w.Categorizer.Resolve(snap, rec.CategoryHint, rec.Description); res != nil {
			id := res.CategoryID
			t.CategoryID = &id
			t.AutoCategorized = true
			t.Confidence = res.Confidence
			return nil
		}
	}
	if rec.Amount.IsNegative() {
		id, err := cache.Other(ctx, repos.Categories)
		if err != nil {
			return fmt.Errorf("fallback category: %w", err)
		}
		if id != nil {
			t.CategoryID = id
			t.AutoCategorized = true
			t.Confidence = 0
		}
	}
	return nil
}

// bestMatch returns the candidate with the requested status whose
// description best matches rec, preferring the closest date on ties.
func bestMatch(cands []repository.Transaction, rec ingestRecord, status string) *repository.Transaction {
	var best *repository.Transaction
	bestScore := 0
	var bestDist time.Duration
	for i := range cands {
		c := &cands[i]
		if c.Status != status {
			continue
		}
		score := descriptionScore(c.Name, rec.Description)
		if score == 0 {
			continue
		}
		dist := c.Date.Sub(rec.Date)
		if dist < 0 {
			dist = -dist
		}
		if score > bestScore || (score == bestScore && dist < bestDist) {
			best, bestScore, bestDist = c, score, dist
		}
	}
	return best
}

// descriptionScore is 2 for equal normalized descriptions, 1 when one
// contains the other and 0 otherwise.
func descriptionScore(a, b string) int {
	na, nb := normalizeDescription(a), normalizeDescription(b)
	switch {
	case na == nb:
		return 2
	case na == "" || nb == "":
		return 0
	case strings.Contains(na, nb) || strings.Contains(nb, na):
		return 1
	}
	return 0
}

func normalizeDescription(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// isMalformed reports whether err came from record validation.
func isMalformed(err error) bool { return errors.Is(err, ErrMalformedRecord) }
