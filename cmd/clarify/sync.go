package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/subcommands"

	"github.com/jask/clarify/internal/database/repository"
	"github.com/jask/clarify/internal/scraper"
	"github.com/jask/clarify/internal/service"
	"github.com/jask/clarify/internal/testdata"
)

var syncCommands = []subcommands.Command{
	&syncCmd{params: paramsFlag{}},
	&syncStaleCmd{},
	&eventsCmd{},
}

// paramsFlag collects repeated -param key=value flags.
type paramsFlag map[string]string

func (p paramsFlag) String() string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}

func (p paramsFlag) Set(v string) error {
	k, val, ok := strings.Cut(v, "=")
	if !ok || strings.TrimSpace(k) == "" {
		return fmt.Errorf("expected key=value, got %q", v)
	}
	p[strings.TrimSpace(k)] = val
	return nil
}

type syncCmd struct {
	vendor       string
	credentialID int64
	start        string
	force        bool
	demo         bool
	seed         int64
	params       paramsFlag
}

func (*syncCmd) Name() string     { return "sync" }
func (*syncCmd) Synopsis() string { return "scrape one vendor and store its transactions" }
func (*syncCmd) Usage() string {
	return `clarify sync (-credential <id> | -vendor <id> -param key=value ...) [-start YYYY-MM-DD] [-force] [-demo [-seed n]]

  Runs one sync attempt. With -credential the access parameters come from
  the vault; otherwise they are passed as -param flags. -demo replaces the
  scraper process with generated data.
`
}

func (c *syncCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.vendor, "vendor", "", "vendor id (see 'clarify vendors')")
	f.Int64Var(&c.credentialID, "credential", 0, "stored credential id")
	f.StringVar(&c.start, "start", "", "scrape from this date instead of the incremental start")
	f.BoolVar(&c.force, "force", false, "ignore the per-credential rate limit")
	f.Var(c.params, "param", "access parameter as key=value (repeatable)")
	f.BoolVar(&c.demo, "demo", false, "use generated transactions instead of the scraper")
	f.Int64Var(&c.seed, "seed", 1, "seed for -demo data")
}

func (c *syncCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return run(ctx, func(e *env) error {
		req := service.SyncRequest{
			Vendor:      c.vendor,
			Credentials: scraper.Credentials(c.params),
			Force:       c.force,
			TriggeredBy: e.cfg.Sync.TriggeredBy,
		}
		if c.start != "" {
			d, err := time.Parse(time.DateOnly, c.start)
			if err != nil {
				return fmt.Errorf("%w: start date %q", service.ErrInvalidInput, c.start)
			}
			req.StartDate = &d
		}
		if c.credentialID > 0 {
			cred, err := repository.New(e.db).Credentials.Get(ctx, c.credentialID)
			if err != nil {
				return err
			}
			if cred == nil {
				return fmt.Errorf("%w: credential %d", service.ErrNotFound, c.credentialID)
			}
			params, err := e.vault.Get(cred.ID)
			if err != nil {
				return err
			}
			req.Vendor = cred.Vendor
			req.Credentials = scraper.Credentials(params)
			req.CredentialID = &cred.ID
		}
		if c.demo {
			req.Executor = testdata.Scraper(c.seed)
			if v, ok := scraper.Lookup(req.Vendor); ok {
				for _, field := range v.RequiredFields {
					if req.Credentials[field] == "" {
						if req.Credentials == nil {
							req.Credentials = scraper.Credentials{}
						}
						req.Credentials[field] = "demo"
					}
				}
			}
		}

		res, err := e.sync.RunScrape(ctx, req)
		if err != nil {
			return err
		}
		printSyncResult(os.Stdout, res)
		return nil
	})
}

type syncStaleCmd struct {
	staleAfter  time.Duration
	window      time.Duration
	maxAttempts int
}

func (*syncStaleCmd) Name() string     { return "sync-stale" }
func (*syncStaleCmd) Synopsis() string { return "sync every credential that has not synced recently" }
func (*syncStaleCmd) Usage() string {
	return `clarify sync-stale [-stale-after 12h] [-window 15m] [-max-attempts 1]
`
}

func (c *syncStaleCmd) SetFlags(f *flag.FlagSet) {
	f.DurationVar(&c.staleAfter, "stale-after", 0, "credentials without a success for this long are synced (default from config)")
	f.DurationVar(&c.window, "window", 0, "rate-limit window (default from config)")
	f.IntVar(&c.maxAttempts, "max-attempts", 0, "attempts allowed per window (default from config)")
}

func (c *syncStaleCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return run(ctx, func(e *env) error {
		sum, err := e.sync.SyncStale(ctx, service.BulkOptions{
			StaleAfter:      c.staleAfter,
			RateLimitWindow: c.window,
			MaxAttempts:     c.maxAttempts,
		})
		if err != nil {
			return err
		}
		fmt.Println(titleStyle.Render("bulk sync"))
		fmt.Printf("  candidates %d  attempted %d  rate limited %d\n", sum.Candidates, sum.Attempted, sum.RateLimited)
		fmt.Printf("  succeeded  %s  failed %s\n",
			successStyle.Render(strconv.Itoa(sum.Succeeded)), errorStyle.Render(strconv.Itoa(sum.Failed)))
		fmt.Printf("  inserted   %d  merged %d  transactions %d\n", sum.Inserted, sum.Merged, sum.Transactions)
		for _, f := range sum.Failures {
			fmt.Printf("  %s %s: %s\n", errorStyle.Render("x"), f.Vendor, mutedStyle.Render(f.Err))
		}
		return nil
	})
}

type eventsCmd struct {
	vendor string
	limit  int
}

func (*eventsCmd) Name() string     { return "events" }
func (*eventsCmd) Synopsis() string { return "show recent sync attempts" }
func (*eventsCmd) Usage() string {
	return `clarify events [-vendor <id>] [-limit 20]
`
}

func (c *eventsCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.vendor, "vendor", "", "only this vendor")
	f.IntVar(&c.limit, "limit", 20, "maximum rows")
}

func (c *eventsCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return run(ctx, func(e *env) error {
		events, err := repository.New(e.db).Events.List(ctx, c.vendor, c.limit)
		if err != nil {
			return err
		}
		rows := make([][]string, 0, len(events))
		for _, ev := range events {
			rows = append(rows, []string{
				strconv.FormatInt(ev.ID, 10),
				ev.CreatedAt.Format("2006-01-02 15:04"),
				ev.Vendor,
				ev.TriggeredBy,
				eventStatus(ev.Status),
				deref(ev.Message),
			})
		}
		fmt.Print(renderTable([]string{"ID", "AT", "VENDOR", "BY", "STATUS", "MESSAGE"}, rows))
		return nil
	})
}
