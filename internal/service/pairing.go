package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jask/clarify/internal/config"
	"github.com/jask/clarify/internal/database"
	"github.com/jask/clarify/internal/database/repository"
	"github.com/jask/clarify/internal/logger"
	"github.com/jask/clarify/internal/scraper"
)

// Pairing log actions.
const (
	ActionAutoCreated     = "auto_created"
	ActionReactivated     = "reactivated"
	ActionCreated         = "created"
	ActionPatternsUpdated = "patterns_updated"
	ActionDeactivated     = "deactivated"
	ActionDeleted         = "deleted"
	ActionDiscrepancyAck  = "discrepancy_ignored"
	ActionFeeAdded        = "discrepancy_fee_added"
)

const repaymentConfidence = 0.95

// PairingService discovers and maintains card-to-bank pairings.
type PairingService struct {
	DB     *sql.DB
	Config config.PairingConfig
	Cache  *CategoryCache
	Logger *slog.Logger

	now func() time.Time
}

// PairingCandidate is one scored (bank vendor, bank account) group.
type PairingCandidate struct {
	BankVendor        string
	BankAccountNumber *string
	Score             int
	TransactionCount  int
	CategoryHit       bool
	MatchedKeywords   []string
	SampleNames       []string

	rows []repository.Transaction
}

// AutoPairResult reports the outcome of AutoPair. Found is false when no
// group reaches the minimum score; Candidates then lists the best groups.
type AutoPairResult struct {
	Found      bool
	Reason     string
	Pairing    *repository.AccountPairing
	Best       *PairingCandidate
	Candidates []PairingCandidate
}

// PairingInput is a manual pairing definition.
type PairingInput struct {
	CreditCardVendor        string
	CreditCardAccountNumber *string
	BankVendor              string
	BankAccountNumber       *string
	MatchPatterns           []string
}

func (s *PairingService) clock() time.Time {
	if s.now != nil {
		return s.now().UTC()
	}
	return repository.Now()
}

func (s *PairingService) cache() *CategoryCache {
	if s.Cache == nil {
		s.Cache = NewCategoryCache()
	}
	return s.Cache
}

// AutoPair finds the bank account that repays the given card and persists
// the pairing when the evidence is strong enough.
func (s *PairingService) AutoPair(ctx context.Context, ccVendor string, ccAccount *string) (AutoPairResult, error) {
	v, ok := scraper.Lookup(ccVendor)
	if !ok || v.Kind != scraper.KindCard {
		return AutoPairResult{}, fmt.Errorf("%w: %q is not a credit card vendor", ErrInvalidInput, ccVendor)
	}
	log := logger.FromContext(ctx, s.Logger).With("cc_vendor", ccVendor)
	repos := repository.New(s.DB)

	suffix := last4(ccAccount)
	keywords := append([]string{}, v.Keywords...)
	search := keywords
	if suffix != "" {
		search = append(append([]string{}, keywords...), suffix)
	}
	repayID, err := s.cache().Repayment(ctx, repos.Categories)
	if err != nil {
		return AutoPairResult{}, err
	}
	rows, err := repos.Transactions.SearchBankDebits(ctx, repository.BankSearch{
		ExcludeVendors: scraper.CardVendors(),
		Keywords:       search,
		CategoryID:     repayID,
		Limit:          s.Config.SearchLimit,
	})
	if err != nil {
		return AutoPairResult{}, fmt.Errorf("search repayments: %w", err)
	}

	candidates := s.scoreGroups(rows, keywords, suffix, repayID)
	res := AutoPairResult{Candidates: topN(candidates, 3)}
	if len(candidates) == 0 {
		res.Reason = "no bank transactions mention this card"
		log.Info("auto_pair_not_found", "reason", res.Reason)
		return res, nil
	}
	best := candidates[0]
	if best.Score < s.minScore() {
		res.Reason = fmt.Sprintf("best candidate scored %d, below %d", best.Score, s.minScore())
		log.Info("auto_pair_not_found", "reason", res.Reason, "best_score", best.Score)
		return res, nil
	}

	patterns := derivePatterns(best, suffix, ccAccount)
	var pairing *repository.AccountPairing
	err = database.WithTx(ctx, s.DB, func(tx *sql.Tx) error {
		p, err := s.upsert(ctx, repository.New(tx), PairingInput{
			CreditCardVendor:        ccVendor,
			CreditCardAccountNumber: ccAccount,
			BankVendor:              best.BankVendor,
			BankAccountNumber:       best.BankAccountNumber,
			MatchPatterns:           patterns,
		}, ActionAutoCreated, fmt.Sprintf("score=%d transactions=%d", best.Score, best.TransactionCount))
		pairing = p
		return err
	})
	if err != nil {
		return AutoPairResult{}, err
	}
	res.Found = true
	res.Pairing = pairing
	res.Best = &best
	log.Info("auto_pair_found", "pairing_id", pairing.ID, "bank_vendor", best.BankVendor, "score", best.Score,
		"patterns", strings.Join(patterns, ","))
	return res, nil
}

func (s *PairingService) minScore() int {
	if s.Config.MinScore > 0 {
		return s.Config.MinScore
	}
	return 3
}

// scoreGroups groups rows by bank account and scores each group. The result
// is sorted best first.
func (s *PairingService) scoreGroups(rows []repository.Transaction, keywords []string, suffix string, repayID *int64) []PairingCandidate {
	type key struct{ vendor, account string }
	groups := map[key]*PairingCandidate{}
	var order []key
	for _, r := range rows {
		k := key{vendor: r.Vendor}
		if r.AccountNumber != nil {
			k.account = *r.AccountNumber
		}
		g, ok := groups[k]
		if !ok {
			g = &PairingCandidate{BankVendor: r.Vendor, BankAccountNumber: r.AccountNumber}
			groups[k] = g
			order = append(order, k)
		}
		g.rows = append(g.rows, r)
	}

	var out []PairingCandidate
	for _, k := range order {
		g := groups[k]
		matched := map[string]bool{}
		for _, r := range g.rows {
			if repayID != nil && r.CategoryID != nil && *r.CategoryID == *repayID {
				g.CategoryHit = true
			}
			for _, kw := range keywords {
				if containsFold(r.Name, kw) {
					matched[kw] = true
				}
			}
			if suffix != "" && strings.Contains(r.Name, suffix) {
				matched[suffix] = true
			}
			if len(g.SampleNames) < 3 {
				g.SampleNames = append(g.SampleNames, r.Name)
			}
		}
		g.TransactionCount = len(g.rows)
		for kw := range matched {
			g.MatchedKeywords = append(g.MatchedKeywords, kw)
		}
		sort.Strings(g.MatchedKeywords)
		g.Score = s.score(*g, suffix)
		out = append(out, *g)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].TransactionCount > out[j].TransactionCount
	})
	return out
}

// score is the repayment-category bonus, plus a weight per distinct matched
// keyword (long keywords and the card suffix weigh more), plus a capped
// volume bonus.
func (s *PairingService) score(g PairingCandidate, suffix string) int {
	cfg := s.Config
	score := 0
	if g.CategoryHit {
		score += cfg.CategoryHitWeight
	}
	for _, kw := range g.MatchedKeywords {
		if kw == suffix || utf8.RuneCountInString(kw) >= cfg.LongKeywordRunes {
			score += cfg.LongKeywordScore
		} else {
			score += cfg.ShortKeywordScore
		}
	}
	if cfg.VolumeDivisor > 0 {
		score += min(cfg.VolumeCap, g.TransactionCount/cfg.VolumeDivisor)
	}
	return score
}

// derivePatterns picks the most specific pattern tier that the matched rows
// support: the card suffix, digit runs shared by several rows, the raw
// account number, the matched keywords, or nothing (category only).
func derivePatterns(g PairingCandidate, suffix string, ccAccount *string) []string {
	if suffix != "" {
		for _, r := range g.rows {
			if strings.Contains(r.Name, suffix) {
				return []string{suffix}
			}
		}
	}

	counts := map[string]int{}
	for _, r := range g.rows {
		for _, seq := range digitSequences(r.Name) {
			counts[seq]++
		}
	}
	var shared []string
	for seq, n := range counts {
		if n >= 2 && !looksLikeYear(seq) {
			shared = append(shared, seq)
		}
	}
	if len(shared) > 0 {
		return cleanPatterns(shared)
	}

	if ccAccount != nil && strings.TrimSpace(*ccAccount) != "" {
		acct := strings.TrimSpace(*ccAccount)
		for _, r := range g.rows {
			if strings.Contains(r.Name, acct) {
				return []string{acct}
			}
		}
	}

	var kws []string
	for _, kw := range g.MatchedKeywords {
		if kw != suffix {
			kws = append(kws, kw)
		}
	}
	return cleanPatterns(kws)
}

func topN(c []PairingCandidate, n int) []PairingCandidate {
	if len(c) > n {
		return c[:n]
	}
	return c
}

// upsert creates the pairing or reactivates an existing one with new patterns.
func (s *PairingService) upsert(ctx context.Context, repos repository.Repos, in PairingInput, action, details string) (*repository.AccountPairing, error) {
	patterns := cleanPatterns(in.MatchPatterns)
	existing, err := repos.Pairings.Find(ctx, in.CreditCardVendor, in.CreditCardAccountNumber, in.BankVendor, in.BankAccountNumber)
	if err != nil {
		return nil, err
	}
	var id int64
	if existing != nil {
		id = existing.ID
		if err := repos.Pairings.UpdatePatterns(ctx, id, patterns); err != nil {
			return nil, err
		}
		if err := repos.Pairings.SetActive(ctx, id, true); err != nil {
			return nil, err
		}
		action = ActionReactivated
	} else {
		id, err = repos.Pairings.Insert(ctx, repository.AccountPairing{
			CreditCardVendor:        in.CreditCardVendor,
			CreditCardAccountNumber: in.CreditCardAccountNumber,
			BankVendor:              in.BankVendor,
			BankAccountNumber:       in.BankAccountNumber,
			MatchPatterns:           patterns,
			Active:                  true,
		})
		if err != nil {
			return nil, err
		}
	}
	p, err := repos.Pairings.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.audit(ctx, repos, *p, action, details)
	return p, nil
}

// audit appends to the pairing log. Failures are logged only.
func (s *PairingService) audit(ctx context.Context, repos repository.Repos, p repository.AccountPairing, action, details string) {
	id := p.ID
	entry := repository.PairingLogEntry{
		PairingID:               &id,
		Action:                  action,
		CreditCardVendor:        p.CreditCardVendor,
		CreditCardAccountNumber: p.CreditCardAccountNumber,
		BankVendor:              p.BankVendor,
		BankAccountNumber:       p.BankAccountNumber,
		MatchPatterns:           p.MatchPatterns,
		Details:                 nullableStr(details),
	}
	if err := repos.Pairings.Log(ctx, entry); err != nil {
		logger.FromContext(ctx, s.Logger).Warn("pairing_log_failed", "pairing_id", p.ID, "action", action, "err", err)
	}
}

// Create adds a manual pairing, reactivating a matching inactive one.
func (s *PairingService) Create(ctx context.Context, in PairingInput) (*repository.AccountPairing, error) {
	if strings.TrimSpace(in.CreditCardVendor) == "" || strings.TrimSpace(in.BankVendor) == "" {
		return nil, fmt.Errorf("%w: card and bank vendors are required", ErrInvalidInput)
	}
	var out *repository.AccountPairing
	err := database.WithTx(ctx, s.DB, func(tx *sql.Tx) error {
		repos := repository.New(tx)
		existing, err := repos.Pairings.Find(ctx, in.CreditCardVendor, in.CreditCardAccountNumber, in.BankVendor, in.BankAccountNumber)
		if err != nil {
			return err
		}
		if existing != nil && existing.Active {
			return fmt.Errorf("%w: pairing %d already exists", ErrInvalidInput, existing.ID)
		}
		out, err = s.upsert(ctx, repos, in, ActionCreated, "manual")
		return err
	})
	return out, err
}

func (s *PairingService) UpdatePatterns(ctx context.Context, id int64, patterns []string) (*repository.AccountPairing, error) {
	var out *repository.AccountPairing
	err := database.WithTx(ctx, s.DB, func(tx *sql.Tx) error {
		repos := repository.New(tx)
		if err := repos.Pairings.UpdatePatterns(ctx, id, cleanPatterns(patterns)); err != nil {
			return notFound(err, id)
		}
		p, err := repos.Pairings.Get(ctx, id)
		if err != nil {
			return err
		}
		s.audit(ctx, repos, *p, ActionPatternsUpdated, "")
		out = p
		return nil
	})
	return out, err
}

// Deactivate keeps the pairing row but stops using it.
func (s *PairingService) Deactivate(ctx context.Context, id int64) error {
	return database.WithTx(ctx, s.DB, func(tx *sql.Tx) error {
		repos := repository.New(tx)
		if err := repos.Pairings.SetActive(ctx, id, false); err != nil {
			return notFound(err, id)
		}
		p, err := repos.Pairings.Get(ctx, id)
		if err != nil {
			return err
		}
		s.audit(ctx, repos, *p, ActionDeactivated, "")
		return nil
	})
}

// Delete removes the pairing. The log entry is written first so the audit
// trail keeps its final state.
func (s *PairingService) Delete(ctx context.Context, id int64) error {
	return database.WithTx(ctx, s.DB, func(tx *sql.Tx) error {
		repos := repository.New(tx)
		p, err := repos.Pairings.Get(ctx, id)
		if err != nil {
			return err
		}
		if p == nil {
			return fmt.Errorf("%w: pairing %d", ErrNotFound, id)
		}
		s.audit(ctx, repos, *p, ActionDeleted, "")
		return repos.Pairings.Delete(ctx, id)
	})
}

func (s *PairingService) List(ctx context.Context, includeInactive bool) ([]repository.AccountPairing, error) {
	return repository.New(s.DB).Pairings.List(ctx, includeInactive)
}

func (s *PairingService) Get(ctx context.Context, id int64) (*repository.AccountPairing, error) {
	p, err := repository.New(s.DB).Pairings.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("%w: pairing %d", ErrNotFound, id)
	}
	return p, nil
}

// History returns the audit trail of a pairing.
func (s *PairingService) History(ctx context.Context, id int64) ([]repository.PairingLogEntry, error) {
	return repository.New(s.DB).Pairings.ListLog(ctx, id)
}

// ApplyPairings tags bank debits that match an active pairing's patterns
// with the repayment category.
func (s *PairingService) ApplyPairings(ctx context.Context, repos repository.Repos) (int64, error) {
	repayID, err := s.cache().Repayment(ctx, repos.Categories)
	if err != nil || repayID == nil {
		return 0, err
	}
	pairings, err := repos.Pairings.List(ctx, false)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, p := range pairings {
		n, err := repos.Transactions.TagRepayments(ctx, p.BankVendor, p.BankAccountNumber, p.MatchPatterns, *repayID, repaymentConfidence)
		if err != nil {
			return total, err
		}
		total += n
	}
	if total > 0 {
		logger.FromContext(ctx, s.Logger).Info("repayments_tagged", "pairings", len(pairings), "updated", total)
	}
	return total, nil
}

// UnpairedTransaction is a settlement-like bank debit no pairing explains.
type UnpairedTransaction struct {
	Transaction    repository.Transaction
	DetectedVendor string
	DetectedLast4  string
}

// Unpaired lists bank debits from the last months that look like card
// settlements but are not explained by any active pairing.
func (s *PairingService) Unpaired(ctx context.Context, months int) ([]UnpairedTransaction, error) {
	if months <= 0 {
		months = 3
	}
	repos := repository.New(s.DB)
	repayID, err := s.cache().Repayment(ctx, repos.Categories)
	if err != nil {
		return nil, err
	}
	rows, err := repos.Transactions.SearchBankDebits(ctx, repository.BankSearch{
		ExcludeVendors: scraper.CardVendors(),
		Keywords:       scraper.AllCardKeywords(),
		CategoryID:     repayID,
		From:           s.clock().AddDate(0, -months, 0),
		Limit:          s.Config.SearchLimit,
	})
	if err != nil {
		return nil, err
	}
	pairings, err := repos.Pairings.List(ctx, false)
	if err != nil {
		return nil, err
	}

	var out []UnpairedTransaction
	for _, r := range rows {
		if explained(r, pairings, repayID) {
			continue
		}
		out = append(out, UnpairedTransaction{
			Transaction:    r,
			DetectedVendor: scraper.DetectCardVendor(r.Name),
			DetectedLast4:  detectLast4(r.Name),
		})
	}
	return out, nil
}

func explained(r repository.Transaction, pairings []repository.AccountPairing, repayID *int64) bool {
	for _, p := range pairings {
		if p.BankVendor != r.Vendor {
			continue
		}
		if p.BankAccountNumber != nil && (r.AccountNumber == nil || *r.AccountNumber != *p.BankAccountNumber) {
			continue
		}
		if len(p.MatchPatterns) == 0 {
			if repayID != nil && r.CategoryID != nil && *r.CategoryID == *repayID {
				return true
			}
			continue
		}
		if matchesAny(r.Name, p.MatchPatterns) {
			return true
		}
	}
	return false
}

func notFound(err error, id int64) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: pairing %d", ErrNotFound, id)
	}
	return err
}

func detailsJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
