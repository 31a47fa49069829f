package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jask/clarify/internal/database/repository"
)

// Well-known category names. Lookups match either language.
const (
	BankFeesName      = "עמלות בנק וכרטיס"
	BankFeesNameEN    = "Bank & Card Fees"
	RepaymentName     = "פרעון כרטיס אשראי"
	RepaymentNameEN   = "Credit Card Repayment"
	OtherName         = "אחר"
	OtherNameEN       = "Other"
	IncomeRootName    = "הכנסות"
	IncomeRootNameEN  = "Income"
	categoryPathDelim = ">"
)

type defaultCategory struct {
	path   string // Hebrew names joined by ">"
	nameEN string // English name of the leaf
	typ    string
}

var defaultCategories = []defaultCategory{
	{"מזון", "Food", repository.CategoryExpense},
	{"מזון > סופרמרקט", "Groceries", repository.CategoryExpense},
	{"מזון > מסעדות", "Restaurants", repository.CategoryExpense},
	{"תחבורה", "Transport", repository.CategoryExpense},
	{"תחבורה > דלק", "Fuel", repository.CategoryExpense},
	{"תחבורה > תחבורה ציבורית", "Public Transport", repository.CategoryExpense},
	{"קניות", "Shopping", repository.CategoryExpense},
	{"חשבונות", "Utilities", repository.CategoryExpense},
	{"מנויים", "Subscriptions", repository.CategoryExpense},
	{"בריאות", "Health", repository.CategoryExpense},
	{"פנאי", "Entertainment", repository.CategoryExpense},
	{"פיננסים", "Financial", repository.CategoryExpense},
	{"פיננסים > " + BankFeesName, BankFeesNameEN, repository.CategoryExpense},
	{"פיננסים > " + RepaymentName, RepaymentNameEN, repository.CategoryExpense},
	{OtherName, OtherNameEN, repository.CategoryExpense},
	{IncomeRootName, IncomeRootNameEN, repository.CategoryIncome},
	{IncomeRootName + " > משכורת", "Salary", repository.CategoryIncome},
	{IncomeRootName + " > החזרים", "Refunds", repository.CategoryIncome},
	{"השקעות", "Investments", repository.CategoryInvestment},
}

// defaultMappings maps the category hints scrapers commonly emit to the
// seeded leaf (English name).
var defaultMappings = map[string]string{
	"מזון וצריכה":        "Groceries",
	"סופרמרקט":           "Groceries",
	"מסעדות, קפה וברים":  "Restaurants",
	"מסעדות":             "Restaurants",
	"תחבורה ורכבים":      "Transport",
	"דלק, חשמל וגז":      "Fuel",
	"רפואה ובתי מרקחת":   "Health",
	"פנאי, בידור וספורט": "Entertainment",
	"אופנה":              "Shopping",
	"עיצוב הבית":         "Shopping",
	"עירייה וממשלה":      "Utilities",
	"תקשורת ומחשבים":     "Subscriptions",
	"העברת כספים":        OtherNameEN,
	"שונות":              OtherNameEN,
	"groceries":          "Groceries",
	"restaurants":        "Restaurants",
	"fuel":               "Fuel",
}

// SeedDefaults ensures the baseline category tree and hint mappings exist.
// It is idempotent and safe to run on every startup.
func SeedDefaults(ctx context.Context, db *sql.DB) error {
	return WithTx(ctx, db, func(tx *sql.Tx) error {
		cats := repository.NewCategoryRepo(tx)
		byNameEN := map[string]int64{}
		for _, def := range defaultCategories {
			parts := strings.Split(def.path, categoryPathDelim)
			var parentID *int64
			for i, raw := range parts {
				name := strings.TrimSpace(raw)
				existing, err := cats.FindChild(ctx, name, parentID)
				if err != nil {
					return fmt.Errorf("lookup category %q: %w", name, err)
				}
				var id int64
				if existing != nil {
					id = existing.ID
				} else {
					cat := repository.Category{Name: name, ParentID: parentID, Type: def.typ}
					if i == len(parts)-1 {
						en := def.nameEN
						cat.NameEN = &en
					}
					if id, err = cats.Create(ctx, cat); err != nil {
						return fmt.Errorf("create category %q: %w", name, err)
					}
				}
				parentID = &id
			}
			byNameEN[def.nameEN] = *parentID
		}

		existing, err := cats.Mappings(ctx)
		if err != nil {
			return err
		}
		mapped := map[string]bool{}
		for _, m := range existing {
			mapped[m.Hint] = true
		}
		for hint, leaf := range defaultMappings {
			id, ok := byNameEN[leaf]
			if !ok || mapped[hint] {
				continue
			}
			if err := cats.UpsertMapping(ctx, hint, id); err != nil {
				return fmt.Errorf("seed mapping %q: %w", hint, err)
			}
		}
		return nil
	})
}
