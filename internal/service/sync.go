package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jask/clarify/internal/config"
	"github.com/jask/clarify/internal/database/repository"
	"github.com/jask/clarify/internal/logger"
	"github.com/jask/clarify/internal/scraper"
)

// InvestmentSyncer mirrors a bank balance into investment tracking. Its
// failures are logged and never fail a sync.
type InvestmentSyncer interface {
	SyncBankBalance(ctx context.Context, db repository.DBTX, cred repository.Credential, balance decimal.Decimal, accountNumber string) (InvestmentSyncResult, error)
}

type InvestmentSyncResult struct {
	Success     bool
	Skipped     bool
	Reason      string
	FilledDates []string
}

// CredentialStore returns the stored access parameters of a credential.
type CredentialStore interface {
	Get(credentialID int64) (map[string]string, error)
}

// SyncRequest describes one sync attempt.
type SyncRequest struct {
	Vendor       string
	Credentials  scraper.Credentials
	CredentialID *int64
	StartDate    *time.Time
	TriggeredBy  string
	// Executor replaces the configured scraper; the result is then flagged
	// as simulated.
	Executor scraper.Scraper
	// Force skips the per-credential rate limit.
	Force bool
}

// Start date reasons.
const (
	StartExplicit        = "explicit"
	StartExplicitClamped = "explicit_clamped"
	StartIncremental     = "incremental"
	StartNoHistory       = "fallback_no_history"
	StartLookupFailed    = "fallback_lookup_failed"
)

type SyncResult struct {
	EventID          int64
	Vendor           string
	StartDate        time.Time
	StartDateReason  string
	Accounts         int
	BankTransactions int
	Inserted         int
	Merged           int
	Discarded        int
	StaleDeleted     int
	Ignored          int
	Rejected         int
	RulesApplied     int64
	RepaymentsTagged int64
	NoData           bool
	Simulated        bool
}

// SyncService runs scrape attempts end to end.
type SyncService struct {
	DB          *sql.DB
	Config      config.SyncConfig
	Scraper     scraper.Scraper
	Vault       CredentialStore
	Investments InvestmentSyncer
	Lock        *SyncLock
	Writer      *TransactionWriter
	Categorizer *Categorizer
	Pairings    *PairingService
	Logger      *slog.Logger

	now func() time.Time
}

// NewSyncService wires a SyncService from cfg with a fresh lock and cache.
func NewSyncService(db *sql.DB, cfg config.Config, sc scraper.Scraper, l *slog.Logger) *SyncService {
	cache := NewCategoryCache()
	cat := &Categorizer{Config: cfg.Categorizer, Cache: cache, Logger: l}
	return &SyncService{
		DB:          db,
		Config:      cfg.Sync,
		Scraper:     sc,
		Lock:        NewSyncLock(l),
		Writer:      &TransactionWriter{Categorizer: cat, Cache: cache, Window: cfg.Dedup.Window, Logger: l},
		Categorizer: cat,
		Pairings:    &PairingService{DB: db, Config: cfg.Pairing, Cache: cache, Logger: l},
		Logger:      l,
	}
}

func (s *SyncService) clock() time.Time {
	if s.now != nil {
		return s.now().UTC()
	}
	return repository.Now()
}

// RunScrape performs one sync attempt. Every attempt past validation leaves
// exactly one terminal scrape event.
func (s *SyncService) RunScrape(ctx context.Context, req SyncRequest) (SyncResult, error) {
	if logger.SyncIDFromContext(ctx) == "" {
		ctx = logger.WithSyncID(ctx, logger.NewSyncID())
	}
	log := logger.FromContext(ctx, s.Logger).With("vendor", req.Vendor)
	res := SyncResult{Vendor: req.Vendor, Simulated: req.Executor != nil}

	vendor, ok := scraper.Lookup(req.Vendor)
	if !ok {
		return res, invalidInput(req.Vendor, "unknown vendor %q", req.Vendor)
	}
	if err := vendor.Validate(req.Credentials); err != nil {
		return res, invalidInput(req.Vendor, "%v", err)
	}
	executor := req.Executor
	if executor == nil {
		executor = s.Scraper
	}
	if executor == nil {
		return res, invalidInput(req.Vendor, "no scraper configured")
	}

	release, err := s.Lock.Acquire(ctx)
	if err != nil {
		return res, persistenceFailure(req.Vendor, fmt.Errorf("acquire sync lock: %w", err))
	}
	defer release()

	base := repository.New(s.DB)
	var cred *repository.Credential
	if req.CredentialID != nil {
		c, err := base.Credentials.Get(ctx, *req.CredentialID)
		if err != nil {
			return res, persistenceFailure(req.Vendor, fmt.Errorf("load credential: %w", err))
		}
		if c == nil {
			return res, invalidInput(req.Vendor, "credential %d not found", *req.CredentialID)
		}
		cred = c
	}

	// Checked under the lock so a queued attempt sees the event of the one
	// ahead of it.
	if cred != nil && !req.Force && s.Config.RateLimitWindow > 0 {
		recent, err := s.WasScrapedRecently(ctx, cred.ID, s.Config.RateLimitWindow, s.Config.MaxAttempts)
		if err != nil {
			return res, persistenceFailure(req.Vendor, fmt.Errorf("rate limit lookup: %w", err))
		}
		if recent {
			return res, fmt.Errorf("%w: credential %d attempted within %s", ErrRateLimited, cred.ID, s.Config.RateLimitWindow)
		}
	}

	res.StartDate, res.StartDateReason = s.resolveStartDate(ctx, base, req, cred)
	log.Info("sync_started", "start_date", res.StartDate.Format(time.DateOnly), "reason", res.StartDateReason,
		"simulated", res.Simulated)

	triggeredBy := req.TriggeredBy
	if triggeredBy == "" {
		triggeredBy = s.Config.TriggeredBy
	}
	start := res.StartDate
	eventID, err := base.Events.Start(ctx, repository.ScrapeEvent{
		TriggeredBy:  triggeredBy,
		Vendor:       req.Vendor,
		StartDate:    &start,
		CredentialID: req.CredentialID,
	}, s.clock())
	if err != nil {
		log.Warn("scrape_event_insert_failed", "err", err)
	}
	res.EventID = eventID

	var tx *sql.Tx
	fail := func(serr *SyncError) (SyncResult, error) {
		if tx != nil {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				log.Error("rollback_failed", "err", err)
			}
		}
		s.finish(ctx, base, eventID, cred, repository.EventFailed, serr.Message(s.messageLimit()))
		log.Error("sync_failed", "kind", serr.Kind, "error_type", serr.ErrorType, "err", serr.Err)
		return res, serr
	}

	tx, err = s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fail(persistenceFailure(req.Vendor, fmt.Errorf("begin: %w", err)))
	}

	scraped, err := executor.Scrape(ctx, scraper.Options{
		CompanyID:                        req.Vendor,
		StartDate:                        res.StartDate,
		CombineInstallments:              false,
		AdditionalTransactionInformation: true,
	}, req.Credentials)
	if err != nil {
		scraped = scraper.Result{Success: false, ErrorType: "GENERIC", ErrorMessage: err.Error()}
	}
	noData := !scraped.Success && scraper.IsNoData(scraped.ErrorMessage)
	if !scraped.Success && !noData {
		kind := KindAdapterScrapeError
		if scraper.Classify(scraped.ErrorType, scraped.ErrorMessage) == scraper.ErrorAuth {
			kind = KindAdapterAuthFailure
		}
		return fail(&SyncError{
			Kind:       kind,
			Vendor:     req.Vendor,
			ErrorType:  scraped.ErrorType,
			StatusCode: http.StatusBadRequest,
			Err:        errors.New(scraped.ErrorMessage),
		})
	}
	res.NoData = noData
	repos := repository.New(tx)

	if err := s.ingest(ctx, repos, vendor, req, cred, scraped, &res); err != nil {
		var serr *SyncError
		if !errors.As(err, &serr) {
			serr = persistenceFailure(req.Vendor, err)
		}
		return fail(serr)
	}

	if err := tx.Commit(); err != nil {
		return fail(persistenceFailure(req.Vendor, fmt.Errorf("commit: %w", err)))
	}
	tx = nil

	summary := fmt.Sprintf("accounts=%d inserted=%d merged=%d discarded=%d ignored=%d rejected=%d no_data=%t",
		res.Accounts, res.Inserted, res.Merged, res.Discarded, res.Ignored, res.Rejected, res.NoData)
	s.finish(ctx, base, eventID, cred, repository.EventSuccess, summary)
	log.Info("sync_completed", "accounts", res.Accounts, "inserted", res.Inserted, "merged", res.Merged,
		"discarded", res.Discarded, "ignored", res.Ignored, "rejected", res.Rejected, "no_data", res.NoData)
	return res, nil
}

// ingest writes balances and, unless the window had no data, transactions.
func (s *SyncService) ingest(ctx context.Context, repos repository.Repos, vendor scraper.Vendor, req SyncRequest, cred *repository.Credential, scraped scraper.Result, res *SyncResult) error {
	log := logger.FromContext(ctx, s.Logger).With("vendor", vendor.ID)
	isBank := vendor.Kind == scraper.KindBank

	for _, acct := range scraped.Accounts {
		res.Accounts++
		accountNumber := strings.TrimSpace(acct.AccountNumber.String())
		if err := s.updateBalance(ctx, repos, vendor.ID, accountNumber, acct.Balance.String(), cred); err != nil {
			return err
		}
	}
	if res.NoData {
		return nil
	}

	snap, err := s.Categorizer.LoadSnapshot(ctx, repos)
	if err != nil {
		return fmt.Errorf("load categories: %w", err)
	}

	var fragments []string
	for _, acct := range scraped.Accounts {
		accountNumber := strings.TrimSpace(acct.AccountNumber.String())
		if accountNumber != "" {
			fragments = append(fragments, accountNumber)
		}
		for _, raw := range acct.Txns {
			outcome, err := s.Writer.Insert(ctx, repos, snap, RawWrite{
				Vendor:        vendor.ID,
				IsBank:        isBank,
				Unsigned:      vendor.UnsignedAmounts,
				AccountNumber: nullableStr(accountNumber),
				Nickname:      credentialNickname(cred),
				Raw:           raw,
			})
			if err != nil && !isMalformed(err) {
				return err
			}
			if isBank && outcome != OutcomeRejected {
				res.BankTransactions++
			}
			switch outcome {
			case OutcomeInserted:
				res.Inserted++
			case OutcomeMerged:
				res.Merged++
			case OutcomeDiscarded:
				res.Discarded++
			case OutcomeStalePendingDeleted:
				res.StaleDeleted++
			case OutcomeIgnored:
				res.Ignored++
			case OutcomeRejected:
				res.Rejected++
				log.Warn("transaction_rejected", "account", accountNumber, "err", err)
			}
		}
	}

	if err := s.persistFragments(ctx, repos, vendor, cred, fragments); err != nil {
		return err
	}

	if res.RulesApplied, err = s.Categorizer.ApplyRules(ctx, repos, snap); err != nil {
		return fmt.Errorf("apply rules: %w", err)
	}
	if s.Pairings != nil {
		if res.RepaymentsTagged, err = s.Pairings.ApplyPairings(ctx, repos); err != nil {
			return fmt.Errorf("apply pairings: %w", err)
		}
		if res.Inserted+res.Merged > 0 {
			n, err := repos.Pairings.ResetAcknowledgedForVendors(ctx, []string{vendor.ID})
			if err != nil {
				return fmt.Errorf("reset acknowledgements: %w", err)
			}
			if n > 0 {
				log.Info("discrepancy_ack_reset", "pairings", n)
			}
		}
	}
	return nil
}

func (s *SyncService) updateBalance(ctx context.Context, repos repository.Repos, vendor, accountNumber, rawBalance string, cred *repository.Credential) error {
	log := logger.FromContext(ctx, s.Logger)
	balance, err := parseAmount(rawBalance)
	if err != nil {
		return nil
	}

	target, err := s.balanceCredential(ctx, repos, vendor, accountNumber, cred)
	if err != nil {
		return fmt.Errorf("resolve credential: %w", err)
	}
	if target == nil {
		log.Debug("balance_unmatched", "account", accountNumber)
		return nil
	}
	if err := repos.Credentials.UpdateBalance(ctx, target.ID, balance, s.clock()); err != nil {
		return fmt.Errorf("update balance: %w", err)
	}

	if s.Investments != nil {
		out, err := s.Investments.SyncBankBalance(ctx, repos.DB(), *target, balance, accountNumber)
		switch {
		case err != nil:
			log.Warn("investment_sync_failed", "credential_id", target.ID, "err", err)
		case out.Skipped:
			log.Debug("investment_sync_skipped", "credential_id", target.ID, "reason", out.Reason)
		default:
			log.Debug("investment_sync_done", "credential_id", target.ID, "filled_dates", len(out.FilledDates))
		}
	}
	return nil
}

// balanceCredential resolves by account number, then the request's
// credential, then the first credential of the vendor.
func (s *SyncService) balanceCredential(ctx context.Context, repos repository.Repos, vendor, accountNumber string, cred *repository.Credential) (*repository.Credential, error) {
	if accountNumber != "" {
		c, err := repos.Credentials.FindByAccountNumber(ctx, vendor, accountNumber)
		if err != nil || c != nil {
			return c, err
		}
	}
	if cred != nil {
		return cred, nil
	}
	all, err := repos.Credentials.ListByVendor(ctx, vendor)
	if err != nil || len(all) == 0 {
		return nil, err
	}
	return &all[0], nil
}

// persistFragments merges newly seen account numbers into the credential.
func (s *SyncService) persistFragments(ctx context.Context, repos repository.Repos, vendor scraper.Vendor, cred *repository.Credential, fragments []string) error {
	if len(fragments) == 0 {
		return nil
	}
	target := cred
	if target == nil {
		all, err := repos.Credentials.ListByVendor(ctx, vendor.ID)
		if err != nil {
			return err
		}
		if len(all) == 0 {
			return nil
		}
		target = &all[0]
	}
	existing := target.BankAccountNumber
	if vendor.Kind == scraper.KindCard {
		existing = target.Card6Digits
	}
	merged := mergeFragments(existing, fragments)
	if existing != nil && *existing == merged {
		return nil
	}
	if vendor.Kind == scraper.KindCard {
		return repos.Credentials.UpdateAccountNumbers(ctx, target.ID, nil, &merged)
	}
	return repos.Credentials.UpdateAccountNumbers(ctx, target.ID, &merged, nil)
}

func mergeFragments(existing *string, fresh []string) string {
	seen := map[string]bool{}
	var out []string
	add := func(v string) {
		v = strings.TrimSpace(v)
		if v != "" && !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	if existing != nil {
		for _, v := range strings.Split(*existing, ";") {
			add(v)
		}
	}
	for _, v := range fresh {
		add(v)
	}
	return strings.Join(out, ";")
}

// finish records the terminal state on the DB handle, outside any sync
// transaction, so it survives a rollback.
func (s *SyncService) finish(ctx context.Context, base repository.Repos, eventID int64, cred *repository.Credential, status, message string) {
	log := logger.FromContext(ctx, s.Logger)
	now := s.clock()
	if eventID > 0 {
		if err := base.Events.Finish(ctx, eventID, status, message, now); err != nil {
			log.Warn("scrape_event_finish_failed", "event_id", eventID, "err", err)
		}
	}
	if cred != nil {
		if err := base.Credentials.UpdateScrapeStatus(ctx, cred.ID, status, now); err != nil {
			log.Warn("credential_status_failed", "credential_id", cred.ID, "err", err)
		}
	}
}

func (s *SyncService) messageLimit() int {
	if s.Config.MessageLimit > 0 {
		return s.Config.MessageLimit
	}
	return 500
}

// resolveStartDate picks the scrape window start. An explicit date wins
// (clamped to now); otherwise the day after the newest stored row; otherwise
// the configured lookback.
func (s *SyncService) resolveStartDate(ctx context.Context, repos repository.Repos, req SyncRequest, cred *repository.Credential) (time.Time, string) {
	now := s.clock()
	if req.StartDate != nil {
		if req.StartDate.After(now) {
			return now, StartExplicitClamped
		}
		return req.StartDate.UTC(), StartExplicit
	}

	months := s.Config.LookbackMonths
	if months <= 0 {
		months = 3
	}
	fallback := now.AddDate(0, -months, 0)

	var accounts []string
	if cred != nil {
		for _, list := range []*string{cred.BankAccountNumber, cred.Card6Digits} {
			if list == nil {
				continue
			}
			for _, v := range strings.Split(*list, ";") {
				if v = strings.TrimSpace(v); v != "" {
					accounts = append(accounts, v)
				}
			}
		}
	}
	latest, err := repos.Transactions.LatestDate(ctx, req.Vendor, accounts)
	if err != nil {
		logger.FromContext(ctx, s.Logger).Warn("latest_date_lookup_failed", "err", err)
		return fallback, StartLookupFailed
	}
	if latest == nil {
		return fallback, StartNoHistory
	}
	next := time.Date(latest.Year(), latest.Month(), latest.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	if next.After(now) {
		next = now
	}
	return next, StartIncremental
}

func credentialNickname(c *repository.Credential) *string {
	if c == nil {
		return nil
	}
	return c.Nickname
}
