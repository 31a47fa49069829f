package scraper

import (
	"fmt"
	"sort"
	"strings"
)

// Kind separates bank accounts from credit cards.
type Kind int

const (
	KindBank Kind = iota
	KindCard
)

// Vendor describes a supported institution.
type Vendor struct {
	ID             string
	Name           string
	Kind           Kind
	RequiredFields []string
	// Keywords identify the vendor inside bank transaction descriptions.
	Keywords []string
	// UnsignedAmounts marks feeds that report charges as positive
	// magnitudes and credits only through the transaction type.
	UnsignedAmounts bool
}

var vendors = map[string]Vendor{
	"hapoalim":     {ID: "hapoalim", Name: "Bank Hapoalim", Kind: KindBank, RequiredFields: []string{"userCode", "password"}},
	"leumi":        {ID: "leumi", Name: "Bank Leumi", Kind: KindBank, RequiredFields: []string{"username", "password"}},
	"discount":     {ID: "discount", Name: "Discount Bank", Kind: KindBank, RequiredFields: []string{"id", "password", "num"}},
	"mercantile":   {ID: "mercantile", Name: "Mercantile Bank", Kind: KindBank, RequiredFields: []string{"id", "password", "num"}},
	"mizrahi":      {ID: "mizrahi", Name: "Mizrahi Tefahot", Kind: KindBank, RequiredFields: []string{"username", "password"}},
	"otsarHahayal": {ID: "otsarHahayal", Name: "Otsar Hahayal", Kind: KindBank, RequiredFields: []string{"username", "password"}},
	"beinleumi":    {ID: "beinleumi", Name: "First International", Kind: KindBank, RequiredFields: []string{"username", "password"}},
	"massad":       {ID: "massad", Name: "Massad", Kind: KindBank, RequiredFields: []string{"username", "password"}},
	"yahav":        {ID: "yahav", Name: "Bank Yahav", Kind: KindBank, RequiredFields: []string{"username", "nationalID", "password"}},
	"union":        {ID: "union", Name: "Union Bank", Kind: KindBank, RequiredFields: []string{"username", "password"}},
	"oneZero":      {ID: "oneZero", Name: "One Zero", Kind: KindBank, RequiredFields: []string{"email", "password"}},

	"max": {ID: "max", Name: "Max", Kind: KindCard, RequiredFields: []string{"username", "password"},
		Keywords: []string{"מקס", "max"}},
	"visaCal": {ID: "visaCal", Name: "Visa Cal", Kind: KindCard, RequiredFields: []string{"username", "password"},
		Keywords: []string{"כ.א.ל", "cal", "ויזה כאל", "visa cal"}},
	"isracard": {ID: "isracard", Name: "Isracard", Kind: KindCard, RequiredFields: []string{"id", "card6Digits", "password"},
		Keywords: []string{"ישראכרט", "isracard"}},
	"amex": {ID: "amex", Name: "American Express", Kind: KindCard, RequiredFields: []string{"id", "card6Digits", "password"},
		Keywords: []string{"אמקס", "אמריקן אקספרס", "amex", "american express"}},
	"diners": {ID: "diners", Name: "Diners", Kind: KindCard, RequiredFields: []string{"id", "card6Digits", "password"},
		Keywords: []string{"דיינרס", "diners"}},
	"leumiCard": {ID: "leumiCard", Name: "Leumi Card", Kind: KindCard, RequiredFields: []string{"username", "password"},
		Keywords: []string{"לאומי כרט", "leumi card"}},
}

// Lookup returns the registered vendor.
func Lookup(id string) (Vendor, bool) {
	v, ok := vendors[id]
	return v, ok
}

// VendorIDs returns every registered vendor id, sorted.
func VendorIDs() []string {
	out := make([]string, 0, len(vendors))
	for id := range vendors {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// IsBank reports whether id is a registered bank vendor.
func IsBank(id string) bool {
	v, ok := vendors[id]
	return ok && v.Kind == KindBank
}

// CardVendors returns the ids of every card vendor, sorted.
func CardVendors() []string {
	var out []string
	for id, v := range vendors {
		if v.Kind == KindCard {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Keywords returns the description keywords for a card vendor.
func Keywords(id string) []string {
	return vendors[id].Keywords
}

// AllCardKeywords returns every card keyword, deduplicated and sorted.
func AllCardKeywords() []string {
	seen := map[string]bool{}
	var out []string
	for _, id := range CardVendors() {
		for _, k := range vendors[id].Keywords {
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	sort.Strings(out)
	return out
}

// DetectCardVendor returns the first card vendor whose keyword appears in
// description, or "".
func DetectCardVendor(description string) string {
	lower := strings.ToLower(description)
	for _, id := range CardVendors() {
		for _, k := range vendors[id].Keywords {
			if strings.Contains(lower, strings.ToLower(k)) {
				return id
			}
		}
	}
	return ""
}

// Validate checks that creds carries every field vendor requires.
func (v Vendor) Validate(creds Credentials) error {
	if len(creds) == 0 {
		return fmt.Errorf("no credentials for %s", v.ID)
	}
	var missing []string
	for _, f := range v.RequiredFields {
		if strings.TrimSpace(creds[f]) == "" {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing credential fields for %s: %s", v.ID, strings.Join(missing, ", "))
	}
	return nil
}
