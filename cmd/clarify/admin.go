package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/subcommands"

	"github.com/jask/clarify/internal/database"
	"github.com/jask/clarify/internal/database/repository"
	"github.com/jask/clarify/internal/prefs"
	"github.com/jask/clarify/internal/scraper"
	"github.com/jask/clarify/internal/service"
)

var adminCommands = []subcommands.Command{
	&credentialCmd{params: paramsFlag{}},
	&rulesCmd{},
	&categoriesCmd{},
	&vendorsCmd{},
	&resetCmd{},
}

type credentialCmd struct {
	id       int64
	vendor   string
	nickname string
	params   paramsFlag
}

func (*credentialCmd) Name() string     { return "credential" }
func (*credentialCmd) Synopsis() string { return "add, list or delete stored vendor credentials" }
func (*credentialCmd) Usage() string {
	return `clarify credential <action> [flags]

  add     -vendor <id> [-nickname ..] -param key=value ...
  list
  delete  -id <id>
`
}

func (c *credentialCmd) SetFlags(f *flag.FlagSet) {
	f.Int64Var(&c.id, "id", 0, "credential id")
	f.StringVar(&c.vendor, "vendor", "", "vendor id")
	f.StringVar(&c.nickname, "nickname", "", "display name")
	f.Var(c.params, "param", "access parameter as key=value (repeatable)")
}

func (c *credentialCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	action := f.Arg(0)
	return run(ctx, func(e *env) error {
		repos := repository.New(e.db)
		switch action {
		case "add":
			v, ok := scraper.Lookup(c.vendor)
			if !ok {
				return fmt.Errorf("%w: unknown vendor %q", service.ErrInvalidInput, c.vendor)
			}
			if err := v.Validate(scraper.Credentials(c.params)); err != nil {
				return fmt.Errorf("%w: %v", service.ErrInvalidInput, err)
			}
			cred := repository.Credential{Vendor: v.ID, Nickname: optional(c.nickname)}
			if card6 := strings.TrimSpace(c.params["card6Digits"]); card6 != "" {
				cred.Card6Digits = &card6
			}
			id, err := repos.Credentials.Create(ctx, cred)
			if err != nil {
				return err
			}
			if err := e.vault.Put(id, c.params); err != nil {
				_ = repos.Credentials.Delete(ctx, id)
				return fmt.Errorf("store access parameters: %w", err)
			}
			fmt.Println(successStyle.Render(fmt.Sprintf("credential %d added for %s", id, v.Name)))
		case "list":
			creds, err := repos.Credentials.List(ctx)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(creds))
			for _, cr := range creds {
				balance := "-"
				if cr.CurrentBalance.Valid {
					balance = formatMoney(cr.CurrentBalance.Decimal, e.cfg.UI.Currency)
				}
				status := "-"
				if cr.LastScrapeStatus != nil {
					status = eventStatus(*cr.LastScrapeStatus)
				}
				rows = append(rows, []string{
					strconv.FormatInt(cr.ID, 10),
					cr.Vendor,
					deref(cr.Nickname),
					status,
					formatDate(cr.LastSuccessfulScrapeAt),
					balance,
				})
			}
			fmt.Print(renderTable([]string{"ID", "VENDOR", "NICKNAME", "LAST", "LAST SUCCESS", "BALANCE"}, rows))
		case "delete":
			cred, err := repos.Credentials.Get(ctx, c.id)
			if err != nil {
				return err
			}
			if cred == nil {
				return fmt.Errorf("%w: credential %d", service.ErrNotFound, c.id)
			}
			if err := repos.Credentials.Delete(ctx, c.id); err != nil {
				return err
			}
			return e.vault.Delete(c.id)
		default:
			return fmt.Errorf("%w: unknown credential action %q", service.ErrInvalidInput, action)
		}
		return nil
	})
}

type rulesCmd struct {
	id       int64
	pattern  string
	category string
	priority int
}

func (*rulesCmd) Name() string     { return "rules" }
func (*rulesCmd) Synopsis() string { return "manage categorization rules" }
func (*rulesCmd) Usage() string {
	return `clarify rules <action> [flags]

  add      -pattern <text> -category <name or path> [-priority N]
  list
  disable  -id <id>
  apply
`
}

func (c *rulesCmd) SetFlags(f *flag.FlagSet) {
	f.Int64Var(&c.id, "id", 0, "rule id")
	f.StringVar(&c.pattern, "pattern", "", "substring matched against transaction names")
	f.StringVar(&c.category, "category", "", "target category, e.g. 'Food > Restaurants' or 'Restaurants'")
	f.IntVar(&c.priority, "priority", 0, "higher runs first")
}

func (c *rulesCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	action := f.Arg(0)
	return run(ctx, func(e *env) error {
		repos := repository.New(e.db)
		switch action {
		case "add":
			if strings.TrimSpace(c.pattern) == "" || strings.TrimSpace(c.category) == "" {
				return fmt.Errorf("%w: -pattern and -category are required", service.ErrInvalidInput)
			}
			target := strings.TrimSpace(c.category)
			rule := repository.CategorizationRule{Pattern: c.pattern, TargetCategory: &target, Priority: c.priority, Active: true}
			leaf := target
			if i := strings.LastIndex(leaf, ">"); i >= 0 {
				leaf = strings.TrimSpace(leaf[i+1:])
			}
			if cat, err := repos.Categories.FindByName(ctx, leaf); err != nil {
				return err
			} else if cat != nil {
				rule.CategoryID = &cat.ID
			}
			id, err := repos.Rules.Add(ctx, rule)
			if err != nil {
				return err
			}
			fmt.Println(successStyle.Render(fmt.Sprintf("rule %d added", id)))
		case "list":
			rules, err := repos.Rules.List(ctx)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(rules))
			for _, r := range rules {
				state := successStyle.Render("active")
				if !r.Active {
					state = mutedStyle.Render("off")
				}
				rows = append(rows, []string{strconv.FormatInt(r.ID, 10), r.Pattern, deref(r.TargetCategory),
					strconv.Itoa(r.Priority), state})
			}
			fmt.Print(renderTable([]string{"ID", "PATTERN", "CATEGORY", "PRIORITY", "STATE"}, rows))
		case "disable":
			if err := repos.Rules.SetActive(ctx, c.id, false); err != nil {
				if err == sql.ErrNoRows {
					return fmt.Errorf("%w: rule %d", service.ErrNotFound, c.id)
				}
				return err
			}
		case "apply":
			var n int64
			err := database.WithTx(ctx, e.db, func(tx *sql.Tx) error {
				txRepos := repository.New(tx)
				snap, err := e.sync.Categorizer.LoadSnapshot(ctx, txRepos)
				if err != nil {
					return err
				}
				n, err = e.sync.Categorizer.ApplyRules(ctx, txRepos, snap)
				return err
			})
			if err != nil {
				return err
			}
			fmt.Println(successStyle.Render(fmt.Sprintf("%d transactions recategorized", n)))
		default:
			return fmt.Errorf("%w: unknown rules action %q", service.ErrInvalidInput, action)
		}
		return nil
	})
}

type categoriesCmd struct {
	file string
}

func (*categoriesCmd) Name() string     { return "categories" }
func (*categoriesCmd) Synopsis() string { return "list, export or import the category tree" }
func (*categoriesCmd) Usage() string {
	return `clarify categories <list|export|import> [-file path]

  export writes every category to a JSON file; import creates the
  categories from such a file that do not exist yet.
`
}

func (c *categoriesCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.file, "file", "", "export file (default: user config dir)")
}

func (c *categoriesCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	action := f.Arg(0)
	return run(ctx, func(e *env) error {
		path := c.file
		if path == "" {
			p, err := prefs.DefaultCategoriesPath()
			if err != nil {
				return err
			}
			path = p
		}
		repos := repository.New(e.db)
		switch action {
		case "list":
			cats, err := repos.Categories.List(ctx)
			if err != nil {
				return err
			}
			entries, err := prefs.Entries(cats)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(entries))
			for i, en := range entries {
				rows = append(rows, []string{strconv.FormatInt(cats[i].ID, 10), strings.Join(en.Path, " > "),
					deref(en.NameEN), en.Type})
			}
			fmt.Print(renderTable([]string{"ID", "CATEGORY", "ENGLISH", "TYPE"}, rows))
		case "export":
			cats, err := repos.Categories.List(ctx)
			if err != nil {
				return err
			}
			if err := prefs.SaveCategories(path, cats); err != nil {
				return err
			}
			fmt.Println(successStyle.Render(fmt.Sprintf("%d categories written to %s", len(cats), path)))
		case "import":
			entries, err := prefs.LoadCategories(path)
			if err != nil {
				return err
			}
			if entries == nil {
				return fmt.Errorf("%w: %s", service.ErrNotFound, path)
			}
			var n int
			err = database.WithTx(ctx, e.db, func(tx *sql.Tx) error {
				var err error
				n, err = prefs.ImportCategories(ctx, repository.New(tx), entries)
				return err
			})
			if err != nil {
				return err
			}
			fmt.Println(successStyle.Render(fmt.Sprintf("%d categories created", n)))
		default:
			return fmt.Errorf("%w: unknown categories action %q", service.ErrInvalidInput, action)
		}
		return nil
	})
}

type vendorsCmd struct{}

func (*vendorsCmd) Name() string             { return "vendors" }
func (*vendorsCmd) Synopsis() string         { return "list supported vendors and their required fields" }
func (*vendorsCmd) Usage() string            { return "clarify vendors\n" }
func (*vendorsCmd) SetFlags(_ *flag.FlagSet) {}

func (*vendorsCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	fmt.Print(vendorTable())
	return subcommands.ExitSuccess
}

func vendorTable() string {
	var rows [][]string
	for _, id := range scraper.VendorIDs() {
		v, _ := scraper.Lookup(id)
		kind := infoStyle.Render("bank")
		if v.Kind == scraper.KindCard {
			kind = feeStyle.Render("card")
		}
		rows = append(rows, []string{v.ID, v.Name, kind, strings.Join(v.RequiredFields, ", ")})
	}
	return renderTable([]string{"ID", "NAME", "KIND", "FIELDS"}, rows)
}

type resetCmd struct {
	all bool
	yes bool
}

func (*resetCmd) Name() string     { return "reset" }
func (*resetCmd) Synopsis() string { return "delete synced data" }
func (*resetCmd) Usage() string {
	return `clarify reset -yes [-all]

  Deletes transactions, scrape events and pairings. With -all, also
  credentials, rules and categories (defaults are re-seeded on next start).
`
}

func (c *resetCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.all, "all", false, "also delete credentials, rules and categories")
	f.BoolVar(&c.yes, "yes", false, "confirm")
}

func (c *resetCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if !c.yes {
		f.Usage()
		return subcommands.ExitUsageError
	}
	return run(ctx, func(e *env) error {
		if err := e.maintenance.Reset(ctx, c.all); err != nil {
			return err
		}
		fmt.Println(warningStyle.Render("data reset"))
		return nil
	})
}
