package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jask/clarify/internal/database/repository"
	"github.com/jask/clarify/internal/scraper"
)

func cardResult(txns ...scraper.RawTransaction) scraper.Result {
	return scraper.Result{
		Success:  true,
		Accounts: []scraper.Account{{AccountNumber: "1234", Txns: txns}},
	}
}

func TestRunScrapeIdempotent(t *testing.T) {
	t.Parallel()
	svc, db := newTestSync(t, nil)
	ctx := context.Background()

	exec := staticScraper(cardResult(
		cardTxn("a", "2025-03-01T10:00:00.000Z", "-45", "Aroma", "completed"),
		cardTxn("b", "2025-03-02T10:00:00.000Z", "-120", "Shufersal", "completed"),
	))
	first, err := svc.RunScrape(ctx, SyncRequest{Vendor: "max", Credentials: maxCreds(), Executor: exec})
	require.NoError(t, err)
	require.Equal(t, 2, first.Inserted)
	require.True(t, first.Simulated)
	require.Equal(t, StartNoHistory, first.StartDateReason)

	second, err := svc.RunScrape(ctx, SyncRequest{Vendor: "max", Credentials: maxCreds(), Executor: exec})
	require.NoError(t, err)
	require.Zero(t, second.Inserted)
	require.Equal(t, 2, second.Ignored)
	require.Equal(t, StartIncremental, second.StartDateReason)
	require.Equal(t, "2025-03-03", second.StartDate.Format(time.DateOnly))

	require.Equal(t, 2, countRows(t, db, `SELECT COUNT(*) FROM transactions`))
	require.Equal(t, 2, countRows(t, db, `SELECT COUNT(*) FROM scrape_events WHERE status = 'success'`))
}

func TestRunScrapeMergesPendingAcrossSyncs(t *testing.T) {
	t.Parallel()
	svc, db := newTestSync(t, nil)
	ctx := context.Background()

	_, err := svc.RunScrape(ctx, SyncRequest{Vendor: "max", Credentials: maxCreds(),
		Executor: staticScraper(cardResult(cardTxn("p", "2025-03-01T10:00:00.000Z", "-50", "SUPER PHARM", "pending")))})
	require.NoError(t, err)

	completed := cardTxn("c", "2025-03-01T12:00:00.000Z", "-50", "Super Pharm", "completed")
	completed.ProcessedDate = "2025-04-10"
	res, err := svc.RunScrape(ctx, SyncRequest{Vendor: "max", Credentials: maxCreds(),
		Executor: staticScraper(cardResult(completed))})
	require.NoError(t, err)
	require.Equal(t, 1, res.Merged)

	require.Equal(t, 1, countRows(t, db, `SELECT COUNT(*) FROM transactions`))
	require.Equal(t, 1, countRows(t, db, `SELECT COUNT(*) FROM transactions WHERE status = 'completed' AND price = -50`))
}

func TestRunScrapeInvalidInput(t *testing.T) {
	t.Parallel()
	svc, db := newTestSync(t, nil)
	ctx := context.Background()

	_, err := svc.RunScrape(ctx, SyncRequest{Vendor: "nope", Executor: staticScraper(scraper.Result{})})
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.RunScrape(ctx, SyncRequest{Vendor: "max", Credentials: scraper.Credentials{"username": "u"},
		Executor: staticScraper(scraper.Result{})})
	require.ErrorIs(t, err, ErrInvalidInput)

	require.Zero(t, countRows(t, db, `SELECT COUNT(*) FROM scrape_events`))
}

func TestRunScrapeAuthFailure(t *testing.T) {
	t.Parallel()
	svc, db := newTestSync(t, nil)
	ctx := context.Background()

	credID, err := repository.New(db).Credentials.Create(ctx, repository.Credential{Vendor: "max"})
	require.NoError(t, err)

	_, err = svc.RunScrape(ctx, SyncRequest{
		Vendor:       "max",
		Credentials:  maxCreds(),
		CredentialID: &credID,
		Executor: staticScraper(scraper.Result{
			Success:      false,
			ErrorType:    "INVALID_PASSWORD",
			ErrorMessage: "bad password",
		}),
	})
	var serr *SyncError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, KindAdapterAuthFailure, serr.Kind)

	events, err := repository.New(db).Events.List(ctx, "max", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, repository.EventFailed, events[0].Status)
	require.NotNil(t, events[0].Message)
	require.Equal(t, "vendor=max type=INVALID_PASSWORD status=400 details=bad password", *events[0].Message)

	cred, err := repository.New(db).Credentials.Get(ctx, credID)
	require.NoError(t, err)
	require.Equal(t, repository.EventFailed, *cred.LastScrapeStatus)
	require.Nil(t, cred.LastSuccessfulScrapeAt)
}

func TestRunScrapeExecutorError(t *testing.T) {
	t.Parallel()
	svc, db := newTestSync(t, nil)

	_, err := svc.RunScrape(context.Background(), SyncRequest{
		Vendor:      "max",
		Credentials: maxCreds(),
		Executor: scraper.Func(func(context.Context, scraper.Options, scraper.Credentials) (scraper.Result, error) {
			return scraper.Result{}, errors.New("browser crashed")
		}),
	})
	var serr *SyncError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, KindAdapterScrapeError, serr.Kind)
	require.Equal(t, 1, countRows(t, db, `SELECT COUNT(*) FROM scrape_events WHERE status = 'failed'`))
	require.Zero(t, countRows(t, db, `SELECT COUNT(*) FROM scrape_events WHERE status = 'started'`))
}

func TestRunScrapeMessageTruncated(t *testing.T) {
	t.Parallel()
	svc, db := newTestSync(t, nil)
	svc.Config.MessageLimit = 40

	_, err := svc.RunScrape(context.Background(), SyncRequest{
		Vendor:      "max",
		Credentials: maxCreds(),
		Executor: staticScraper(scraper.Result{
			ErrorType:    "GENERIC",
			ErrorMessage: strings.Repeat("שגיאה ", 50),
		}),
	})
	require.Error(t, err)
	var msg string
	require.NoError(t, db.QueryRow(`SELECT message FROM scrape_events`).Scan(&msg))
	require.LessOrEqual(t, len(msg), 40)
	require.True(t, strings.HasPrefix(msg, "vendor=max type=GENERIC"))
	require.True(t, strings.ToValidUTF8(msg, "") == msg)
}

func TestRunScrapeNoDataIsSuccess(t *testing.T) {
	t.Parallel()
	svc, db := newTestSync(t, nil)
	ctx := context.Background()

	credID, err := repository.New(db).Credentials.Create(ctx, repository.Credential{Vendor: "hapoalim"})
	require.NoError(t, err)

	res, err := svc.RunScrape(ctx, SyncRequest{
		Vendor:       "hapoalim",
		Credentials:  scraper.Credentials{"userCode": "u", "password": "p"},
		CredentialID: &credID,
		Executor: staticScraper(scraper.Result{
			Success:      false,
			ErrorMessage: "No transactions found in the requested range",
			Accounts:     []scraper.Account{{AccountNumber: "12-345", Balance: "1520.75"}},
		}),
	})
	require.NoError(t, err)
	require.True(t, res.NoData)
	require.Zero(t, res.Inserted)

	cred, err := repository.New(db).Credentials.Get(ctx, credID)
	require.NoError(t, err)
	require.True(t, cred.CurrentBalance.Valid)
	require.Equal(t, "1520.75", cred.CurrentBalance.Decimal.StringFixed(2))
	require.Equal(t, repository.EventSuccess, *cred.LastScrapeStatus)
	require.NotNil(t, cred.LastSuccessfulScrapeAt)
}

func TestRunScrapeRejectsMalformedRecords(t *testing.T) {
	t.Parallel()
	svc, db := newTestSync(t, nil)

	res, err := svc.RunScrape(context.Background(), SyncRequest{Vendor: "max", Credentials: maxCreds(),
		Executor: staticScraper(cardResult(
			cardTxn("a", "2025-03-01", "-10", "Ok", "completed"),
			cardTxn("b", "garbage", "-10", "Bad", "completed"),
		))})
	require.NoError(t, err)
	require.Equal(t, 1, res.Inserted)
	require.Equal(t, 1, res.Rejected)
	require.Equal(t, 1, countRows(t, db, `SELECT COUNT(*) FROM transactions`))
}

func TestRunScrapeStoresAccountFragments(t *testing.T) {
	t.Parallel()
	svc, db := newTestSync(t, nil)
	ctx := context.Background()

	existing := "1111"
	credID, err := repository.New(db).Credentials.Create(ctx, repository.Credential{Vendor: "max", Card6Digits: &existing})
	require.NoError(t, err)

	_, err = svc.RunScrape(ctx, SyncRequest{Vendor: "max", Credentials: maxCreds(), CredentialID: &credID,
		Executor: staticScraper(cardResult(cardTxn("a", "2025-03-01", "-10", "Ok", "completed")))})
	require.NoError(t, err)

	cred, err := repository.New(db).Credentials.Get(ctx, credID)
	require.NoError(t, err)
	require.Equal(t, "1111;1234", *cred.Card6Digits)
}

func TestRunScrapeClampsFutureStartDate(t *testing.T) {
	t.Parallel()
	svc, _ := newTestSync(t, nil)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc.now = fixedClock(now)

	future := now.AddDate(0, 1, 0)
	var got time.Time
	res, err := svc.RunScrape(context.Background(), SyncRequest{
		Vendor:      "max",
		Credentials: maxCreds(),
		StartDate:   &future,
		Executor: scraper.Func(func(_ context.Context, opts scraper.Options, _ scraper.Credentials) (scraper.Result, error) {
			got = opts.StartDate
			return cardResult(), nil
		}),
	})
	require.NoError(t, err)
	require.Equal(t, StartExplicitClamped, res.StartDateReason)
	require.True(t, got.Equal(now))
}

func TestRunScrapeRateLimited(t *testing.T) {
	t.Parallel()
	svc, db := newTestSync(t, nil)
	ctx := context.Background()

	credID, err := repository.New(db).Credentials.Create(ctx, repository.Credential{Vendor: "max"})
	require.NoError(t, err)
	req := SyncRequest{Vendor: "max", Credentials: maxCreds(), CredentialID: &credID, Executor: staticScraper(cardResult())}

	_, err = svc.RunScrape(ctx, req)
	require.NoError(t, err)

	_, err = svc.RunScrape(ctx, req)
	require.ErrorIs(t, err, ErrRateLimited)
	require.Equal(t, 1, countRows(t, db, `SELECT COUNT(*) FROM scrape_events`))

	req.Force = true
	_, err = svc.RunScrape(ctx, req)
	require.NoError(t, err)
}

func TestWasScrapedRecently(t *testing.T) {
	t.Parallel()
	svc, db := newTestSync(t, nil)
	ctx := context.Background()
	repos := repository.New(db)

	recent, err := svc.WasScrapedRecently(ctx, 999, time.Hour, 1)
	require.NoError(t, err)
	require.False(t, recent)

	credID, err := repos.Credentials.Create(ctx, repository.Credential{Vendor: "max"})
	require.NoError(t, err)

	recent, err = svc.WasScrapedRecently(ctx, credID, time.Hour, 2)
	require.NoError(t, err)
	require.False(t, recent)

	for i := 0; i < 2; i++ {
		_, err = repos.Events.Start(ctx, repository.ScrapeEvent{TriggeredBy: "test", Vendor: "max", CredentialID: &credID}, repository.Now())
		require.NoError(t, err)
		recent, err = svc.WasScrapedRecently(ctx, credID, time.Hour, 2)
		require.NoError(t, err)
		require.Equal(t, i == 1, recent)
	}

	// events older than the threshold do not count
	svc.now = fixedClock(time.Now().Add(2 * time.Hour))
	recent, err = svc.WasScrapedRecently(ctx, credID, time.Hour, 1)
	require.NoError(t, err)
	require.False(t, recent)
}

func TestRunScrapeSingleFlight(t *testing.T) {
	t.Parallel()
	log, records := newCapture()
	svc, _ := newTestSync(t, log)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	blocking := scraper.Func(func(context.Context, scraper.Options, scraper.Credentials) (scraper.Result, error) {
		close(started)
		<-release
		return cardResult(), nil
	})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, errs[0] = svc.RunScrape(ctx, SyncRequest{Vendor: "max", Credentials: maxCreds(), Executor: blocking})
	}()
	<-started

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, errs[1] = svc.RunScrape(ctx, SyncRequest{Vendor: "visaCal", Credentials: maxCreds(),
			Executor: staticScraper(cardResult())})
	}()
	require.Eventually(t, func() bool { return svc.Lock.QueueDepth() == 1 }, 5*time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	index := func(msg, vendor string) int {
		for i, r := range records() {
			if r.Msg == msg && (vendor == "" || r.Attrs["vendor"] == vendor) {
				return i
			}
		}
		return -1
	}
	queued := index("sync queued", "")
	require.GreaterOrEqual(t, queued, 0)
	require.Equal(t, int64(1), records()[queued].Attrs["queue_depth"])
	require.Less(t, queued, index("sync_started", "visaCal"))
	require.GreaterOrEqual(t, index("sync_completed", "max"), 0)
	require.Less(t, index("sync_completed", "max"), index("sync_started", "visaCal"))
}

func TestRunScrapeKeepsCardCreditSign(t *testing.T) {
	t.Parallel()
	svc, db := newTestSync(t, nil)
	ctx := context.Background()

	buy := cardTxn("buy", "2025-03-01T10:00:00.000Z", "-100", "ZARA", "completed")
	buy.Type = "normal"
	credit := cardTxn("ret", "2025-03-05T10:00:00.000Z", "35", "ZARA", "completed")
	credit.Type = "normal"
	res, err := svc.RunScrape(ctx, SyncRequest{Vendor: "max", Credentials: maxCreds(),
		Executor: staticScraper(cardResult(buy, credit))})
	require.NoError(t, err)
	require.Equal(t, 2, res.Inserted)

	require.Equal(t, 1, countRows(t, db, `SELECT COUNT(*) FROM transactions WHERE price = 35`))
	require.Equal(t, 1, countRows(t, db, `SELECT COUNT(*) FROM transactions WHERE price = -100`))
}

func TestRunScrapeRateLimitCheckedWhileQueued(t *testing.T) {
	t.Parallel()
	svc, db := newTestSync(t, nil)
	ctx := context.Background()

	credID, err := repository.New(db).Credentials.Create(ctx, repository.Credential{Vendor: "max"})
	require.NoError(t, err)
	req := SyncRequest{Vendor: "max", Credentials: maxCreds(), CredentialID: &credID, Executor: staticScraper(cardResult())}

	hold, err := svc.Lock.Acquire(ctx)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.RunScrape(ctx, req)
		}(i)
	}
	require.Eventually(t, func() bool { return svc.Lock.QueueDepth() == 2 }, 5*time.Second, 5*time.Millisecond)
	hold()
	wg.Wait()

	var ok, limited int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrRateLimited):
			limited++
		}
	}
	require.Equal(t, 1, ok, errs)
	require.Equal(t, 1, limited, errs)
	require.Equal(t, 1, countRows(t, db, `SELECT COUNT(*) FROM scrape_events`))
}

func TestRunScrapeHoldsTransactionDuringAdapterCall(t *testing.T) {
	t.Parallel()
	svc, db := newTestSync(t, nil)
	ctx := context.Background()

	var readErr error
	exec := scraper.Func(func(context.Context, scraper.Options, scraper.Credentials) (scraper.Result, error) {
		short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		var one int
		readErr = db.QueryRowContext(short, `SELECT 1`).Scan(&one)
		return cardResult(), nil
	})
	_, err := svc.RunScrape(ctx, SyncRequest{Vendor: "max", Credentials: maxCreds(), Executor: exec})
	require.NoError(t, err)
	require.ErrorIs(t, readErr, context.DeadlineExceeded)
}
