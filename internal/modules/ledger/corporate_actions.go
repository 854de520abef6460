package ledger

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/bisand/allegutta-web-sub000/internal/domain"
)

// nominalPriceCeiling: corporate-action rows are booked at near-zero or
// placeholder unit prices; anything above this is a real cash purchase.
const nominalPriceCeiling = 1.0

// placeholderCostPerShare is the last-resort cost basis when no pairing,
// split or sibling history can be found.
const placeholderCostPerShare = 100.0

// corporateActionMarkers are the notes keywords (Norwegian broker statements
// plus their English equivalents) that mark an acquisition as a corporate
// action rather than a purchase.
var corporateActionMarkers = []string{
	"fusjon", "merger", "bytte", "splitt", "split",
	"isin", "navneendring", "name change",
}

var splitRatioPattern = regexp.MustCompile(`(\d+)\s*:\s*(\d+)`)

// Resolution carries the cost basis computed for one corporate-action
// acquisition. When Lots is non-empty the acquisition recreates those lots
// one-for-one (identity carry-over); otherwise TotalCost is spread over the
// transaction's quantity.
type Resolution struct {
	Lots          []Lot
	TotalCost     float64
	LowConfidence bool
	Source        string // override | pairing | split | sibling | placeholder
}

// HintProvider supplies explicitly recorded instrument pairings
// (old symbol → new symbol). Fuzzy relationship discovery lives outside the
// engine; the resolver only consumes already-resolved hints.
type HintProvider interface {
	OldSymbolFor(portfolioID, newSymbol string) (oldSymbol string, ratio float64, err error)
}

// Resolver computes cost-basis annotations for corporate-action
// acquisitions. It runs before the lot tracker replay, because it decides
// what cost each acquiring transaction contributes.
type Resolver struct {
	hints HintProvider
	log   zerolog.Logger
}

// NewResolver creates a resolver. hints may be nil.
func NewResolver(hints HintProvider, log zerolog.Logger) *Resolver {
	return &Resolver{
		hints: hints,
		log:   log.With().Str("component", "corporate_actions").Logger(),
	}
}

// Resolve inspects every symbol's transactions and returns resolutions keyed
// by transaction id, plus any data-quality warnings. bySymbol must hold the
// portfolio's full transaction history grouped by symbol, each group in
// replay order.
func (r *Resolver) Resolve(portfolioID string, bySymbol map[string][]domain.Transaction) (map[string]Resolution, []Warning) {
	s := &resolveSession{
		resolver:    r,
		portfolioID: portfolioID,
		bySymbol:    bySymbol,
		resolutions: make(map[string]Resolution),
		resolved:    make(map[string]bool),
		visiting:    make(map[string]bool),
	}

	symbols := make([]string, 0, len(bySymbol))
	for sym := range bySymbol {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	for _, sym := range symbols {
		s.resolveSymbol(sym)
	}
	return s.resolutions, s.warnings
}

// resolveSession holds the per-call state. Exchange chains (A renamed to B
// renamed to C) resolve recursively with a visiting set guarding cycles.
type resolveSession struct {
	resolver    *Resolver
	portfolioID string
	bySymbol    map[string][]domain.Transaction
	resolutions map[string]Resolution
	resolved    map[string]bool
	visiting    map[string]bool
	warnings    []Warning
}

func (s *resolveSession) resolveSymbol(symbol string) {
	if s.resolved[symbol] || s.visiting[symbol] {
		return
	}
	s.visiting[symbol] = true
	defer func() {
		s.visiting[symbol] = false
		s.resolved[symbol] = true
	}()

	for _, tx := range s.bySymbol[symbol] {
		if !s.isCorporateAction(tx) {
			continue
		}
		res := s.resolveOne(tx)
		s.resolutions[tx.ID] = res
		s.resolver.log.Debug().
			Str("symbol", tx.Symbol).
			Str("transaction_id", tx.ID).
			Str("source", res.Source).
			Float64("total_cost", res.TotalCost).
			Int("lots", len(res.Lots)).
			Msg("Resolved corporate action cost basis")
	}
}

// isCorporateAction detects acquisitions that represent a symbol change,
// merger, split or spin-off rather than a cash purchase: an acquiring kind
// at a nominal unit price, with either a notes marker, an explicit cost
// override, or a recorded relationship hint.
func (s *resolveSession) isCorporateAction(tx domain.Transaction) bool {
	switch tx.Kind {
	case domain.KindExchangeIn, domain.KindSpinOffIn, domain.KindTransferIn:
	default:
		return false
	}
	if tx.Price > nominalPriceCeiling {
		return false
	}
	if tx.CostBasisOverride != nil {
		return true
	}
	if hasCorporateActionMarker(tx.Notes) {
		return true
	}
	old, _ := s.hintedOldSymbol(tx.Symbol)
	return old != ""
}

// resolveOne applies the resolution priority order: explicit override,
// exchange pairing with lot identity carry-over, split, sibling remainder,
// placeholder.
func (s *resolveSession) resolveOne(tx domain.Transaction) Resolution {
	if tx.CostBasisOverride != nil {
		return Resolution{
			TotalCost: *tx.CostBasisOverride + tx.Fees,
			Source:    "override",
		}
	}

	if res, ok := s.resolveByPairing(tx); ok {
		return res
	}

	if res, ok := s.resolveBySplit(tx); ok {
		return res
	}

	if res, ok := s.resolveBySibling(tx); ok {
		return res
	}

	s.warnings = append(s.warnings, Warning{
		Code:          WarnLowConfidence,
		Symbol:        tx.Symbol,
		TransactionID: tx.ID,
		Amount:        placeholderCostPerShare,
		Message: fmt.Sprintf("no cost basis found for corporate action, using placeholder %.1f/share",
			placeholderCostPerShare),
	})
	return Resolution{
		TotalCost:     placeholderCostPerShare * tx.Quantity,
		LowConfidence: true,
		Source:        "placeholder",
	}
}

// resolveByPairing finds the EXCHANGE_OUT on the old symbol matching this
// acquisition, replays the old symbol's history up to and including it, and
// recreates the consumed lots on the new symbol. Replaying the full history
// first accounts for any SELLs that reduced the position before the
// exchange.
func (s *resolveSession) resolveByPairing(tx domain.Transaction) (Resolution, bool) {
	oldSymbol, out := s.findExchangeOut(tx)
	if oldSymbol == "" {
		return Resolution{}, false
	}

	// The old symbol's own corporate actions must resolve first so its
	// replay carries the right costs (rename chains).
	s.resolveSymbol(oldSymbol)

	consumed, err := s.consumedByExchange(oldSymbol, out.ID)
	if err != nil || len(consumed) == 0 {
		return Resolution{}, false
	}

	var outQty float64
	for _, l := range consumed {
		outQty += l.Quantity
	}
	if outQty <= 0 || tx.Quantity <= 0 {
		return Resolution{}, false
	}

	// One new lot per consumed old lot, quantity scaled to the incoming
	// share count, per-lot cost unchanged.
	scale := tx.Quantity / outQty
	lots := make([]Lot, 0, len(consumed))
	for _, old := range consumed {
		origin := old.OriginDate
		if origin.IsZero() {
			origin = out.OccurredOn
		}
		lots = append(lots, Lot{
			Quantity:      old.Quantity * scale,
			CostRemaining: old.CostRemaining,
			OriginID:      originID(tx.Symbol, origin),
			OriginDate:    origin,
		})
	}

	var total float64
	for _, l := range lots {
		total += l.CostRemaining
	}
	return Resolution{Lots: lots, TotalCost: total, Source: "pairing"}, true
}

// findExchangeOut locates the disposing leg of the pairing: a relationship
// hint wins, then a symbol named in the notes, then a same-day EXCHANGE_OUT
// on any other symbol (preferring a shared base ticker).
func (s *resolveSession) findExchangeOut(tx domain.Transaction) (string, domain.Transaction) {
	if old, _ := s.hintedOldSymbol(tx.Symbol); old != "" {
		if out, ok := s.sameDayExchangeOut(old, tx.OccurredOn); ok {
			return old, out
		}
	}

	// The statement notes often name the old instrument
	// (e.g. "Fusjon 1 DNBH ger 1 DNB").
	for _, token := range strings.Fields(strings.ToUpper(tx.Notes)) {
		token = strings.Trim(token, ".,;:()")
		if token == "" || token == strings.ToUpper(tx.Symbol) {
			continue
		}
		if _, exists := s.bySymbol[token]; !exists {
			continue
		}
		if out, ok := s.sameDayExchangeOut(token, tx.OccurredOn); ok {
			return token, out
		}
	}

	var candidates []string
	for sym := range s.bySymbol {
		if sym == tx.Symbol {
			continue
		}
		if _, ok := s.sameDayExchangeOut(sym, tx.OccurredOn); ok {
			candidates = append(candidates, sym)
		}
	}
	sort.Strings(candidates)

	base := baseTicker(tx.Symbol)
	for _, sym := range candidates {
		if baseTicker(sym) == base {
			out, _ := s.sameDayExchangeOut(sym, tx.OccurredOn)
			return sym, out
		}
	}
	if len(candidates) == 1 {
		out, _ := s.sameDayExchangeOut(candidates[0], tx.OccurredOn)
		return candidates[0], out
	}
	return "", domain.Transaction{}
}

func (s *resolveSession) sameDayExchangeOut(symbol string, day time.Time) (domain.Transaction, bool) {
	for _, tx := range s.bySymbol[symbol] {
		if tx.Kind == domain.KindExchangeOut && sameDay(tx.OccurredOn, day) {
			return tx, true
		}
	}
	return domain.Transaction{}, false
}

// consumedByExchange replays oldSymbol's history and captures the exact lots
// the exchange-out consumed.
func (s *resolveSession) consumedByExchange(oldSymbol, exchangeOutID string) ([]Lot, error) {
	state := &replayState{}
	for _, tx := range s.bySymbol[oldSymbol] {
		consumed, err := state.apply(tx, s.resolutions)
		if err != nil {
			return nil, err
		}
		if tx.ID == exchangeOutID {
			return consumed, nil
		}
	}
	return nil, nil
}

// resolveBySplit handles split-style actions: a same-day LIQUIDATION of the
// pre-split position gives access to the pre-split book, whose total cost is
// preserved across the new share count. A parsed notes ratio is checked
// against the derived value and flagged when they disagree.
func (s *resolveSession) resolveBySplit(tx domain.Transaction) (Resolution, bool) {
	if !containsAny(strings.ToLower(tx.Notes), []string{"splitt", "split"}) {
		return Resolution{}, false
	}

	liqSymbol, liq := s.findSameDayLiquidation(tx)
	if liqSymbol == "" {
		return Resolution{}, false
	}
	s.resolveSymbol(liqSymbol)

	preQty, preCost, err := s.bookBefore(liqSymbol, liq.ID)
	if err != nil || preQty <= 0 || tx.Quantity <= 0 {
		return Resolution{}, false
	}

	costPerShare := preCost / tx.Quantity

	if ratio, ok := parseSplitRatio(tx.Notes); ok && ratio > 0 {
		// ratio is the share multiplier, so the per-share cost shrinks by
		// the same factor when total cost is preserved.
		implied := (preCost / preQty) / ratio
		if relativeDiff(costPerShare, implied) > 0.01 {
			s.warnings = append(s.warnings, Warning{
				Code:          WarnRatioMismatch,
				Symbol:        tx.Symbol,
				TransactionID: tx.ID,
				Amount:        implied,
				Message: fmt.Sprintf("notes ratio implies %.4f/share but history preserves %.4f/share, keeping history",
					implied, costPerShare),
			})
		}
	}

	return Resolution{TotalCost: preCost, Source: "split"}, true
}

func (s *resolveSession) findSameDayLiquidation(tx domain.Transaction) (string, domain.Transaction) {
	base := baseTicker(tx.Symbol)
	var symbols []string
	for sym := range s.bySymbol {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	for _, sym := range symbols {
		if baseTicker(sym) != base {
			continue
		}
		for _, other := range s.bySymbol[sym] {
			if other.ID == tx.ID {
				continue
			}
			if other.Kind == domain.KindLiquidation && sameDay(other.OccurredOn, tx.OccurredOn) {
				return sym, other
			}
		}
	}
	return "", domain.Transaction{}
}

// bookBefore replays a symbol's history and returns the open quantity and
// cost immediately before the given transaction.
func (s *resolveSession) bookBefore(symbol, beforeID string) (float64, float64, error) {
	state := &replayState{}
	for _, tx := range s.bySymbol[symbol] {
		if tx.ID == beforeID {
			break
		}
		if _, err := state.apply(tx, s.resolutions); err != nil {
			return 0, 0, err
		}
	}
	return state.book.totalQuantity(), state.book.totalCost(), nil
}

// resolveBySibling borrows a cost basis from another symbol sharing the same
// base ticker (suffix variants like "XYZ.OLD") that still holds a FIFO
// remainder.
func (s *resolveSession) resolveBySibling(tx domain.Transaction) (Resolution, bool) {
	base := baseTicker(tx.Symbol)

	var symbols []string
	for sym := range s.bySymbol {
		if sym != tx.Symbol && baseTicker(sym) == base {
			symbols = append(symbols, sym)
		}
	}
	sort.Strings(symbols)

	for _, sym := range symbols {
		s.resolveSymbol(sym)
		state := &replayState{}
		failed := false
		for _, other := range s.bySymbol[sym] {
			if _, err := state.apply(other, s.resolutions); err != nil {
				failed = true
				break
			}
		}
		if failed {
			continue
		}
		qty := state.book.totalQuantity()
		cost := state.book.totalCost()
		if qty > 0 && cost > 0 {
			return Resolution{
				TotalCost: (cost / qty) * tx.Quantity,
				Source:    "sibling",
			}, true
		}
	}
	return Resolution{}, false
}

func (s *resolveSession) hintedOldSymbol(newSymbol string) (string, float64) {
	if s.resolver.hints == nil {
		return "", 0
	}
	old, ratio, err := s.resolver.hints.OldSymbolFor(s.portfolioID, newSymbol)
	if err != nil {
		s.resolver.log.Warn().Err(err).Str("symbol", newSymbol).Msg("Relationship hint lookup failed")
		return "", 0
	}
	return old, ratio
}

func hasCorporateActionMarker(notes string) bool {
	return containsAny(strings.ToLower(notes), corporateActionMarkers)
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// parseSplitRatio extracts an "N:M" ratio from notes, returned as the share
// multiplier N/M (so "2:1" doubles the share count).
func parseSplitRatio(notes string) (float64, bool) {
	m := splitRatioPattern.FindStringSubmatch(notes)
	if m == nil {
		return 0, false
	}
	n, err1 := strconv.ParseFloat(m[1], 64)
	d, err2 := strconv.ParseFloat(m[2], 64)
	if err1 != nil || err2 != nil || n <= 0 || d <= 0 {
		return 0, false
	}
	return n / d, true
}

// baseTicker normalizes a symbol to its base form so suffix variants
// ("DNB.OLD", "DNB OLD") group together.
func baseTicker(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if i := strings.IndexAny(s, " ."); i > 0 {
		s = s[:i]
	}
	return s
}

func originID(symbol string, acquired time.Time) string {
	return fmt.Sprintf("%s_%s", symbol, acquired.Format("2006-01-02"))
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

func relativeDiff(a, b float64) float64 {
	denom := math.Max(math.Abs(a), math.Abs(b))
	if denom == 0 {
		return 0
	}
	return math.Abs(a-b) / denom
}
