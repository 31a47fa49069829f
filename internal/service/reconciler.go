package service

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/jask/clarify/internal/config"
	"github.com/jask/clarify/internal/database"
	"github.com/jask/clarify/internal/database/repository"
	"github.com/jask/clarify/internal/logger"
	"github.com/jask/clarify/internal/scraper"
)

// Cycle statuses.
const (
	CycleMatched           = "matched"
	CycleFeeCandidate      = "fee_candidate"
	CycleIncompleteHistory = "incomplete_history"
	CycleLargeDiscrepancy  = "large_discrepancy"
	CycleCCOverBank        = "cc_over_bank"
	CycleMissingCC         = "missing_cc_cycle"
)

// Resolution actions.
const (
	ResolveIgnore   = "ignore"
	ResolveAddCCFee = "add_cc_fee"
)

// Pattern sources, in the order they are tried.
const (
	SourceNumeric  = "numeric"
	SourceStored   = "stored"
	SourceKeywords = "keywords"
	SourceCategory = "category"
)

// CycleInput is what ClassifyCycle needs to know about one bank cycle.
type CycleInput struct {
	BankTotal      decimal.Decimal
	CardTotal      decimal.Decimal
	HasCardCycle   bool
	FirstCardCycle bool // the card cycle is the earliest the card has
	CoverageDays   int  // days between the card's first purchase and the cycle
}

// Policy carries the tunable thresholds.
type Policy struct {
	Epsilon         decimal.Decimal
	FeeCeiling      decimal.Decimal
	MinCoverageDays int
}

// PolicyFrom builds a Policy from config.
func PolicyFrom(cfg config.ReconciliationConfig) Policy {
	return Policy{
		Epsilon:         decimal.NewFromFloat(cfg.Epsilon),
		FeeCeiling:      decimal.NewFromFloat(cfg.FeeCeiling),
		MinCoverageDays: cfg.MinCoverageDays,
	}
}

// ClassifyCycle assigns a status to one bank cycle.
func ClassifyCycle(in CycleInput, p Policy) string {
	if !in.HasCardCycle {
		return CycleMissingCC
	}
	diff := in.BankTotal.Sub(in.CardTotal)
	switch {
	case diff.Abs().LessThanOrEqual(p.Epsilon):
		return CycleMatched
	case diff.IsNegative():
		return CycleCCOverBank
	case diff.LessThanOrEqual(p.FeeCeiling):
		return CycleFeeCandidate
	case in.FirstCardCycle && in.CoverageDays < p.MinCoverageDays:
		return CycleIncompleteHistory
	default:
		return CycleLargeDiscrepancy
	}
}

// Cycle is one reconciled bank cycle.
type Cycle struct {
	CycleDate            string
	CardCycleDate        string
	BankTotal            decimal.Decimal
	CardTotal            decimal.Decimal
	Difference           decimal.Decimal // bank minus card
	Status               string
	BankTransactionCount int
	CardTransactionCount int
}

// DiscrepancyResult is the outcome of Calculate. NoData means no repayment
// rows were found for any pattern set.
type DiscrepancyResult struct {
	PairingID            int64
	Exists               bool
	NoData               bool
	Reason               string
	PatternSource        string
	Patterns             []string
	Cycles               []Cycle
	TotalBank            decimal.Decimal
	TotalCard            decimal.Decimal
	TotalDifference      decimal.Decimal
	DifferencePercentage decimal.Decimal
	MatchedCycleCount    int
	TotalCycles          int
	Acknowledged         bool
}

// ReconcileService compares bank repayments with card billing cycles.
type ReconcileService struct {
	DB     *sql.DB
	Config config.ReconciliationConfig
	Cache  *CategoryCache
	Logger *slog.Logger

	now func() time.Time
}

func (s *ReconcileService) clock() time.Time {
	if s.now != nil {
		return s.now().UTC()
	}
	return repository.Now()
}

func (s *ReconcileService) cache() *CategoryCache {
	if s.Cache == nil {
		s.Cache = NewCategoryCache()
	}
	return s.Cache
}

type patternSet struct {
	source   string
	patterns []string
}

func patternSets(p repository.AccountPairing) []patternSet {
	var numeric []string
	for _, pat := range p.MatchPatterns {
		if isNumeric(pat) {
			numeric = append(numeric, pat)
		}
	}
	sets := []patternSet{
		{SourceNumeric, numeric},
		{SourceStored, p.MatchPatterns},
		{SourceKeywords, scraper.Keywords(p.CreditCardVendor)},
	}
	var out []patternSet
	seen := map[string]bool{}
	for _, set := range sets {
		key := strings.Join(cleanPatterns(set.patterns), "\x00")
		if len(set.patterns) == 0 || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, set)
	}
	return append(out, patternSet{source: SourceCategory})
}

// Calculate reconciles the pairing over the last months (config default when
// months <= 0).
func (s *ReconcileService) Calculate(ctx context.Context, pairingID int64, months int) (DiscrepancyResult, error) {
	repos := repository.New(s.DB)
	p, err := repos.Pairings.Get(ctx, pairingID)
	if err != nil {
		return DiscrepancyResult{}, err
	}
	if p == nil {
		return DiscrepancyResult{}, fmt.Errorf("%w: pairing %d", ErrNotFound, pairingID)
	}
	if months <= 0 {
		months = s.Config.LookbackMonths
	}
	if months <= 0 {
		months = 3
	}
	log := logger.FromContext(ctx, s.Logger).With("pairing_id", pairingID)

	now := s.clock()
	today := now.Format(time.DateOnly)
	from := now.AddDate(0, -months, 0)
	res := DiscrepancyResult{PairingID: p.ID, Acknowledged: p.DiscrepancyAcknowledged}

	repayID, err := s.cache().Repayment(ctx, repos.Categories)
	if err != nil {
		return res, err
	}

	var rows []repository.Transaction
	for _, set := range patternSets(*p) {
		q := repository.RepaymentQuery{
			BankVendor:  p.BankVendor,
			BankAccount: p.BankAccountNumber,
			FromDate:    from.Format(time.DateOnly),
			ToDate:      today,
			Patterns:    set.patterns,
			CategoryID:  repayID,
		}
		rows, err = repos.Transactions.Repayments(ctx, q)
		if err != nil {
			return res, fmt.Errorf("repayments (%s): %w", set.source, err)
		}
		if len(rows) > 0 {
			res.PatternSource, res.Patterns = set.source, set.patterns
			break
		}
	}
	if len(rows) == 0 {
		res.NoData = true
		res.Reason = "no discrepancy data: no repayments found for this pairing"
		log.Info("discrepancy_no_data")
		return res, nil
	}

	type bankCycle struct {
		total decimal.Decimal
		count int
	}
	bank := map[string]*bankCycle{}
	for _, r := range rows {
		d := r.Date.Format(time.DateOnly)
		bc, ok := bank[d]
		if !ok {
			bc = &bankCycle{}
			bank[d] = bc
		}
		bc.total = bc.total.Add(r.Price.Abs())
		bc.count++
	}
	bankDates := make([]string, 0, len(bank))
	for d := range bank {
		bankDates = append(bankDates, d)
	}
	sort.Strings(bankDates)

	matchDays := s.Config.CycleMatchDays
	cardFrom := from.AddDate(0, 0, -matchDays).Format(time.DateOnly)
	cards, err := repos.Transactions.CardCycles(ctx, p.CreditCardVendor, p.CreditCardAccountNumber, cardFrom, today)
	if err != nil {
		return res, fmt.Errorf("card cycles: %w", err)
	}
	history, err := repos.Transactions.CardHistory(ctx, p.CreditCardVendor, p.CreditCardAccountNumber, today)
	if err != nil {
		return res, fmt.Errorf("card history: %w", err)
	}

	policy := PolicyFrom(s.Config)
	used := make([]bool, len(cards))
	for _, d := range bankDates {
		bc := bank[d]
		c := Cycle{CycleDate: d, BankTotal: bc.total.Round(2), CardTotal: decimal.Zero, BankTransactionCount: bc.count}
		in := CycleInput{BankTotal: c.BankTotal}

		if idx := nearestCycle(d, cards, used, matchDays); idx >= 0 {
			used[idx] = true
			cc := cards[idx]
			c.CardCycleDate = cc.CycleDate
			c.CardTotal = decimal.Max(cc.Total, decimal.Zero)
			c.CardTransactionCount = cc.TransactionCount
			in.HasCardCycle = true
			in.CardTotal = c.CardTotal
			in.FirstCardCycle = cc.CycleDate == history.FirstCycle
			in.CoverageDays = daysBetween(history.FirstPurchase, cc.CycleDate)
		}
		c.Difference = c.BankTotal.Sub(c.CardTotal)
		c.Status = ClassifyCycle(in, policy)
		res.Cycles = append(res.Cycles, c)
	}

	res.TotalCycles = len(res.Cycles)
	for _, c := range res.Cycles {
		switch c.Status {
		case CycleFeeCandidate, CycleLargeDiscrepancy, CycleCCOverBank:
			res.Exists = true
		case CycleMatched:
			res.MatchedCycleCount++
		}
		if c.Status == CycleIncompleteHistory || c.Status == CycleMissingCC {
			continue
		}
		res.TotalBank = res.TotalBank.Add(c.BankTotal)
		res.TotalCard = res.TotalCard.Add(c.CardTotal)
	}
	res.TotalDifference = res.TotalBank.Sub(res.TotalCard)
	if res.TotalCard.IsPositive() {
		res.DifferencePercentage = res.TotalDifference.Div(res.TotalCard).Mul(decimal.NewFromInt(100)).Round(2)
	}
	log.Info("discrepancy_calculated", "cycles", res.TotalCycles, "matched", res.MatchedCycleCount,
		"exists", res.Exists, "pattern_source", res.PatternSource)
	return res, nil
}

// nearestCycle returns the index of the unused card cycle closest to date
// within maxDays, or -1. Earlier cycles win ties.
func nearestCycle(date string, cards []repository.CardCycle, used []bool, maxDays int) int {
	best, bestDist := -1, maxDays+1
	for i, c := range cards {
		if used[i] {
			continue
		}
		d := daysBetween(date, c.CycleDate)
		if d < 0 {
			d = -d
		}
		if d <= maxDays && d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

// daysBetween is to minus from in whole days; 0 when either is unparsable.
func daysBetween(from, to string) int {
	a, err := time.Parse(time.DateOnly, from)
	if err != nil {
		return 0
	}
	b, err := time.Parse(time.DateOnly, to)
	if err != nil {
		return 0
	}
	return int(b.Sub(a).Hours() / 24)
}

// ResolveResult reports a resolution.
type ResolveResult struct {
	Action        string
	PairingID     int64
	FeeIdentifier string
}

// Resolve acknowledges a discrepancy, optionally booking the difference as
// a card fee, in one transaction.
func (s *ReconcileService) Resolve(ctx context.Context, pairingID int64, action, cycleDate string, amount decimal.Decimal) (ResolveResult, error) {
	res := ResolveResult{Action: action, PairingID: pairingID}
	if action != ResolveIgnore && action != ResolveAddCCFee {
		return res, fmt.Errorf("%w: unknown action %q", ErrInvalidInput, action)
	}
	var date time.Time
	if action == ResolveAddCCFee {
		var err error
		if date, err = time.Parse(time.DateOnly, cycleDate); err != nil {
			return res, fmt.Errorf("%w: cycle date %q", ErrInvalidInput, cycleDate)
		}
		if !amount.IsPositive() {
			return res, fmt.Errorf("%w: fee amount must be positive", ErrInvalidInput)
		}
	}

	err := database.WithTx(ctx, s.DB, func(tx *sql.Tx) error {
		repos := repository.New(tx)
		p, err := repos.Pairings.Get(ctx, pairingID)
		if err != nil {
			return err
		}
		if p == nil {
			return fmt.Errorf("%w: pairing %d", ErrNotFound, pairingID)
		}

		logAction := ActionDiscrepancyAck
		if action == ResolveAddCCFee {
			feeID, err := s.cache().BankFees(ctx, repos.Categories)
			if err != nil {
				return err
			}
			res.FeeIdentifier = uuid.NewSHA1(transactionNamespace,
				[]byte(fmt.Sprintf("fee|%d|%s|%s", p.ID, cycleDate, amount.String()))).String()
			memo := "discrepancy adjustment"
			fee := repository.Transaction{
				Identifier:    res.FeeIdentifier,
				Vendor:        p.CreditCardVendor,
				AccountNumber: p.CreditCardAccountNumber,
				Date:          date,
				ProcessedDate: &date,
				Name:          "Card fee adjustment",
				Memo:          &memo,
				Price:         amount.Abs().Neg(),
				Status:        repository.StatusCompleted,
				CategoryID:    feeID,
				Confidence:    1,
			}
			if _, err := repos.Transactions.InsertOrIgnore(ctx, fee); err != nil {
				return fmt.Errorf("insert fee: %w", err)
			}
			logAction = ActionFeeAdded
		}
		if err := repos.Pairings.SetAcknowledged(ctx, p.ID, true); err != nil {
			return err
		}
		details := detailsJSON(map[string]string{"cycle_date": cycleDate, "amount": amount.String(), "action": action})
		id := p.ID
		return repos.Pairings.Log(ctx, repository.PairingLogEntry{
			PairingID:               &id,
			Action:                  logAction,
			CreditCardVendor:        p.CreditCardVendor,
			CreditCardAccountNumber: p.CreditCardAccountNumber,
			BankVendor:              p.BankVendor,
			BankAccountNumber:       p.BankAccountNumber,
			MatchPatterns:           p.MatchPatterns,
			Details:                 &details,
		})
	})
	if err != nil {
		return res, err
	}
	logger.FromContext(ctx, s.Logger).Info("discrepancy_resolved", "pairing_id", pairingID, "action", action,
		"cycle_date", cycleDate)
	return res, nil
}
