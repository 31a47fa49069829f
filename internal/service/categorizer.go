package service

import (
	"context"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"

	"github.com/jask/clarify/internal/config"
	"github.com/jask/clarify/internal/database/repository"
	"github.com/jask/clarify/internal/logger"
)

// Confidence assigned per resolution source.
const (
	ruleConfidence    = 0.95
	mappingConfidence = 0.9
	nameConfidence    = 0.85
	fuzzyConfidence   = 0.6
)

// Resolution is the category chosen for a description.
type Resolution struct {
	CategoryID int64
	Parent     string
	Sub        string
	Confidence float64
}

// CategorySnapshot is the categorization state read once per sync.
type CategorySnapshot struct {
	rules      []resolvedRule
	mappings   map[string]int64
	categories []repository.Category
	byID       map[int64]repository.Category
	depth      map[int64]int
}

type resolvedRule struct {
	pattern    string
	categoryID int64
}

// Categorizer resolves categories and applies rules to stored rows.
type Categorizer struct {
	Config config.CategorizerConfig
	Cache  *CategoryCache
	Logger *slog.Logger
}

// LoadSnapshot reads rules, mappings and categories through repos.
func (c *Categorizer) LoadSnapshot(ctx context.Context, repos repository.Repos) (*CategorySnapshot, error) {
	cats, err := repos.Categories.List(ctx)
	if err != nil {
		return nil, err
	}
	snap := &CategorySnapshot{
		mappings:   map[string]int64{},
		categories: cats,
		byID:       make(map[int64]repository.Category, len(cats)),
		depth:      make(map[int64]int, len(cats)),
	}
	for _, cat := range cats {
		snap.byID[cat.ID] = cat
	}
	for _, cat := range cats {
		snap.depth[cat.ID] = snap.depthOf(cat.ID)
	}

	mappings, err := repos.Categories.Mappings(ctx)
	if err != nil {
		return nil, err
	}
	for _, m := range mappings {
		snap.mappings[strings.ToLower(strings.TrimSpace(m.Hint))] = m.CategoryID
	}

	rules, err := repos.Rules.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range rules {
		id, ok := snap.ruleTarget(r)
		if !ok || strings.TrimSpace(r.Pattern) == "" {
			logger.FromContext(ctx, c.Logger).Debug("rule_unresolved", "rule_id", r.ID, "pattern", r.Pattern)
			continue
		}
		snap.rules = append(snap.rules, resolvedRule{pattern: strings.ToLower(r.Pattern), categoryID: id})
	}
	return snap, nil
}

// Depth is the distance from the root; roots are 0.
func (s *CategorySnapshot) Depth(id int64) int { return s.depth[id] }

func (s *CategorySnapshot) depthOf(id int64) int {
	d := 0
	seen := map[int64]bool{id: true}
	cur := s.byID[id]
	for cur.ParentID != nil {
		if seen[*cur.ParentID] {
			break
		}
		seen[*cur.ParentID] = true
		parent, ok := s.byID[*cur.ParentID]
		if !ok {
			break
		}
		d++
		cur = parent
	}
	return d
}

func (s *CategorySnapshot) ruleTarget(r repository.CategorizationRule) (int64, bool) {
	if r.CategoryID != nil {
		if _, ok := s.byID[*r.CategoryID]; ok {
			return *r.CategoryID, true
		}
	}
	if r.TargetCategory == nil {
		return 0, false
	}
	target := *r.TargetCategory
	if i := strings.LastIndex(target, ">"); i >= 0 {
		target = target[i+1:]
	}
	return s.byName(strings.TrimSpace(target))
}

func (s *CategorySnapshot) byName(name string) (int64, bool) {
	if name == "" {
		return 0, false
	}
	for _, cat := range s.categories {
		if strings.EqualFold(cat.Name, name) || (cat.NameEN != nil && strings.EqualFold(*cat.NameEN, name)) {
			return cat.ID, true
		}
	}
	return 0, false
}

func (s *CategorySnapshot) resolution(id int64, confidence float64) *Resolution {
	cat, ok := s.byID[id]
	if !ok {
		return nil
	}
	res := &Resolution{CategoryID: id, Parent: cat.Name, Confidence: confidence}
	if cat.ParentID != nil {
		if parent, ok := s.byID[*cat.ParentID]; ok {
			res.Parent, res.Sub = parent.Name, cat.Name
		}
	}
	return res
}

// Resolve picks a category for description given the adapter's hint. Rules
// win, then the hint mapping table, then a category named like the hint,
// then the closest category name. Nil means no category fits.
func (c *Categorizer) Resolve(snap *CategorySnapshot, hint, description string) *Resolution {
	if snap == nil {
		return nil
	}
	desc := strings.ToLower(description)
	for _, r := range snap.rules {
		if strings.Contains(desc, r.pattern) {
			return snap.resolution(r.categoryID, ruleConfidence)
		}
	}

	hint = strings.TrimSpace(hint)
	if hint == "" {
		return nil
	}
	if id, ok := snap.mappings[strings.ToLower(hint)]; ok {
		return snap.resolution(id, mappingConfidence)
	}
	if id, ok := snap.byName(hint); ok {
		return snap.resolution(id, nameConfidence)
	}

	limit := c.Config.FuzzyRatio
	best, bestRatio := int64(0), limit+1
	lowerHint := strings.ToLower(hint)
	for _, cat := range snap.categories {
		names := []string{cat.Name}
		if cat.NameEN != nil {
			names = append(names, *cat.NameEN)
		}
		for _, n := range names {
			if r := ratio(lowerHint, strings.ToLower(n)); r < bestRatio {
				best, bestRatio = cat.ID, r
			}
		}
	}
	if bestRatio <= limit {
		return snap.resolution(best, fuzzyConfidence)
	}
	return nil
}

// ratio is the edit distance normalized by the longer string, in runes.
func ratio(a, b string) float64 {
	n := max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	if n == 0 {
		return 0
	}
	return float64(levenshtein.ComputeDistance(a, b)) / float64(n)
}

// ApplyRules re-runs every active rule across stored rows. Rows in the bank
// fee category, any income category, or a category at depth two or more are
// left alone.
func (c *Categorizer) ApplyRules(ctx context.Context, repos repository.Repos, snap *CategorySnapshot) (int64, error) {
	if snap == nil || len(snap.rules) == 0 {
		return 0, nil
	}
	protected, err := c.protectedIDs(ctx, repos, snap)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, r := range snap.rules {
		n, err := repos.Transactions.ApplyRule(ctx, r.pattern, r.categoryID, ruleConfidence, protected)
		if err != nil {
			return total, err
		}
		total += n
	}
	if total > 0 {
		logger.FromContext(ctx, c.Logger).Info("rules_applied", "rules", len(snap.rules), "updated", total)
	}
	return total, nil
}

func (c *Categorizer) protectedIDs(ctx context.Context, repos repository.Repos, snap *CategorySnapshot) ([]int64, error) {
	var out []int64
	cache := c.Cache
	if cache == nil {
		cache = NewCategoryCache()
	}
	fees, err := cache.BankFees(ctx, repos.Categories)
	if err != nil {
		return nil, err
	}
	if fees != nil {
		out = append(out, *fees)
	}
	for _, cat := range snap.categories {
		if cat.Type == repository.CategoryIncome || snap.depth[cat.ID] >= 2 {
			out = append(out, cat.ID)
		}
	}
	return out, nil
}
