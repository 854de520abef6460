// Package ledger is the position ledger and reconciliation engine: FIFO lot
// replay per instrument, corporate-action cost resolution, cash
// reconciliation against broker statement checkpoints, and projection of the
// results into stored positions.
package ledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bisand/allegutta-web-sub000/internal/domain"
	"github.com/bisand/allegutta-web-sub000/internal/modules/portfolio"
)

// TransactionStore is the ordered read side of the transaction table.
type TransactionStore interface {
	ListByPortfolio(portfolioID string) ([]domain.Transaction, error)
	GroupBySymbol(portfolioID string) (map[string][]domain.Transaction, error)
	DistinctSymbols(portfolioID string) ([]string, error)
}

// PositionStore persists the projected positions.
type PositionStore interface {
	Get(portfolioID, symbol string) (*portfolio.Position, error)
	Upsert(pos portfolio.Position) error
	Delete(portfolioID, symbol string) error
}

// CashStore persists the recomputed portfolio cash balance.
type CashStore interface {
	UpdateCashBalance(id string, balance float64) error
}

// Service orchestrates recalculation. Replay itself is pure; the service
// adds the single-writer discipline (per portfolio×instrument lock) the
// read-modify-write of a position row requires.
type Service struct {
	txStore   TransactionStore
	positions PositionStore
	cash      CashStore
	resolver  *Resolver
	log       zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewService creates a new ledger service.
func NewService(txStore TransactionStore, positions PositionStore, cash CashStore, resolver *Resolver, log zerolog.Logger) *Service {
	return &Service{
		txStore:   txStore,
		positions: positions,
		cash:      cash,
		resolver:  resolver,
		log:       log.With().Str("service", "ledger").Logger(),
		locks:     make(map[string]*sync.Mutex),
	}
}

// Summary is the outcome of a full portfolio recalculation. Errors maps
// symbols whose replay aborted (corrupt records) to the reason; those
// instruments keep their prior position.
type Summary struct {
	PortfolioID string               `json:"portfolioId"`
	CashBalance float64              `json:"cashBalance"`
	Positions   []portfolio.Position `json:"positions"`
	Warnings    []Warning            `json:"warnings,omitempty"`
	Errors      map[string]string    `json:"errors,omitempty"`
}

// RecalculateInstrument rebuilds one instrument's position by full replay.
// Idempotent: with no new transactions the stored position is unchanged.
// Returns nil when the instrument has no transactions.
func (s *Service) RecalculateInstrument(portfolioID, symbol string) (*portfolio.Position, []Warning, error) {
	unlock := s.lock(portfolioID + "\x00" + symbol)
	defer unlock()
	return s.recalculateLocked(portfolioID, symbol)
}

func (s *Service) recalculateLocked(portfolioID, symbol string) (*portfolio.Position, []Warning, error) {
	grouped, err := s.txStore.GroupBySymbol(portfolioID)
	if err != nil {
		return nil, nil, fmt.Errorf("recalculate %s: %w", symbol, err)
	}
	txs := grouped[symbol]
	if len(txs) == 0 {
		return nil, nil, nil
	}

	// The resolver runs over the whole portfolio: exchange pairing and
	// sibling fallbacks need the other symbols' histories.
	resolutions, resolverWarnings := s.resolver.Resolve(portfolioID, grouped)

	result, err := replayInstrument(txs, resolutions)
	if err != nil {
		// Corrupt record: abort this instrument only, prior position stays.
		return nil, nil, fmt.Errorf("recalculate %s: %w", symbol, err)
	}

	warnings := result.Warnings
	for _, w := range resolverWarnings {
		if w.Symbol == symbol {
			warnings = append(warnings, w)
		}
	}
	for _, w := range warnings {
		s.log.Warn().
			Str("portfolio_id", portfolioID).
			Str("symbol", w.Symbol).
			Str("code", string(w.Code)).
			Float64("amount", w.Amount).
			Msg(w.Message)
	}

	existing, err := s.positions.Get(portfolioID, symbol)
	if err != nil {
		return nil, nil, fmt.Errorf("recalculate %s: %w", symbol, err)
	}

	now := time.Now().Unix()
	pos := portfolio.Position{
		PortfolioID:      portfolioID,
		Symbol:           symbol,
		ISIN:             latestISIN(txs),
		Quantity:         result.Quantity,
		AvgPrice:         result.AverageCost,
		ComputedAvgPrice: result.AverageCost,
		CostBasis:        result.CostBasis,
		Currency:         latestCurrency(txs),
		LastCalculated:   &now,
	}

	// Manual override guard: the stored row is read first so an active
	// override is never silently lost. The computed value still lands in
	// ComputedAvgPrice for audit.
	if existing != nil && existing.UseManualAvgPrice && existing.ManualAvgPrice != nil {
		pos.UseManualAvgPrice = true
		pos.ManualAvgPrice = existing.ManualAvgPrice
		pos.ManualAvgPriceReason = existing.ManualAvgPriceReason
		pos.ManualAvgPriceDate = existing.ManualAvgPriceDate
		pos.AvgPrice = *existing.ManualAvgPrice
		s.log.Info().
			Str("symbol", symbol).
			Float64("manual", *existing.ManualAvgPrice).
			Float64("computed", result.AverageCost).
			Msg("Manual average price override active")
	}

	if pos.Quantity <= 0 {
		if err := s.positions.Delete(portfolioID, symbol); err != nil {
			return nil, nil, fmt.Errorf("recalculate %s: %w", symbol, err)
		}
		pos.Quantity = 0
		return &pos, warnings, nil
	}

	if err := s.positions.Upsert(pos); err != nil {
		return nil, nil, fmt.Errorf("recalculate %s: %w", symbol, err)
	}
	return &pos, warnings, nil
}

// RecalculateCashBalance recomputes the portfolio's cash balance wholesale
// by summing every transaction's signed impact, and persists it.
func (s *Service) RecalculateCashBalance(portfolioID string) (float64, error) {
	txs, err := s.txStore.ListByPortfolio(portfolioID)
	if err != nil {
		return 0, fmt.Errorf("recalculate cash: %w", err)
	}

	var balance float64
	for _, tx := range txs {
		impact, err := tx.CashImpact()
		if err != nil {
			return 0, fmt.Errorf("recalculate cash: %w", err)
		}
		balance += impact
	}

	if err := s.cash.UpdateCashBalance(portfolioID, balance); err != nil {
		return 0, fmt.Errorf("recalculate cash: %w", err)
	}

	s.log.Debug().
		Str("portfolio_id", portfolioID).
		Float64("cash_balance", balance).
		Msg("Cash balance recalculated")
	return balance, nil
}

// RecalculateAll rebuilds every instrument position and the cash balance.
// A failing instrument is recorded and skipped; it never aborts the others.
func (s *Service) RecalculateAll(portfolioID string) (*Summary, error) {
	symbols, err := s.txStore.DistinctSymbols(portfolioID)
	if err != nil {
		return nil, fmt.Errorf("recalculate all: %w", err)
	}

	summary := &Summary{
		PortfolioID: portfolioID,
		Errors:      make(map[string]string),
	}

	for _, symbol := range symbols {
		pos, warnings, err := s.RecalculateInstrument(portfolioID, symbol)
		if err != nil {
			s.log.Error().Err(err).
				Str("portfolio_id", portfolioID).
				Str("symbol", symbol).
				Msg("Instrument recalculation failed")
			summary.Errors[symbol] = err.Error()
			continue
		}
		summary.Warnings = append(summary.Warnings, warnings...)
		if pos != nil && pos.Quantity > 0 {
			summary.Positions = append(summary.Positions, *pos)
		}
	}

	balance, err := s.RecalculateCashBalance(portfolioID)
	if err != nil {
		return nil, err
	}
	summary.CashBalance = balance

	if len(summary.Errors) == 0 {
		summary.Errors = nil
	}
	return summary, nil
}

// SetManualAverage pins an instrument's average price to a manual value.
// The position must exist; the pinned value survives every later
// recalculation until cleared.
func (s *Service) SetManualAverage(portfolioID, symbol string, price float64, reason string) (*portfolio.Position, error) {
	unlock := s.lock(portfolioID + "\x00" + symbol)
	defer unlock()

	existing, err := s.positions.Get(portfolioID, symbol)
	if err != nil {
		return nil, fmt.Errorf("set manual average: %w", err)
	}
	if existing == nil {
		return nil, fmt.Errorf("set manual average: no position for %s", symbol)
	}

	now := time.Now().Unix()
	existing.UseManualAvgPrice = true
	existing.ManualAvgPrice = &price
	existing.ManualAvgPriceReason = reason
	existing.ManualAvgPriceDate = &now
	existing.AvgPrice = price

	if err := s.positions.Upsert(*existing); err != nil {
		return nil, fmt.Errorf("set manual average: %w", err)
	}

	s.log.Info().
		Str("portfolio_id", portfolioID).
		Str("symbol", symbol).
		Float64("manual", price).
		Str("reason", reason).
		Msg("Manual average price set")
	return existing, nil
}

// ClearManualAverage removes the override and recomputes the instrument so
// the FIFO-calculated value is restored.
func (s *Service) ClearManualAverage(portfolioID, symbol string) (*portfolio.Position, []Warning, error) {
	if err := s.clearOverride(portfolioID, symbol); err != nil {
		return nil, nil, err
	}
	return s.RecalculateInstrument(portfolioID, symbol)
}

func (s *Service) clearOverride(portfolioID, symbol string) error {
	unlock := s.lock(portfolioID + "\x00" + symbol)
	defer unlock()

	existing, err := s.positions.Get(portfolioID, symbol)
	if err != nil {
		return fmt.Errorf("clear manual average: %w", err)
	}
	if existing == nil {
		return fmt.Errorf("clear manual average: no position for %s", symbol)
	}

	existing.UseManualAvgPrice = false
	existing.ManualAvgPrice = nil
	existing.ManualAvgPriceReason = ""
	existing.ManualAvgPriceDate = nil

	if err := s.positions.Upsert(*existing); err != nil {
		return fmt.Errorf("clear manual average: %w", err)
	}
	return nil
}

// lock serializes writers of one portfolio×instrument position row.
func (s *Service) lock(key string) func() {
	s.mu.Lock()
	m, ok := s.locks[key]
	if !ok {
		m = &sync.Mutex{}
		s.locks[key] = m
	}
	s.mu.Unlock()

	m.Lock()
	return m.Unlock
}

func latestISIN(txs []domain.Transaction) string {
	for i := len(txs) - 1; i >= 0; i-- {
		if txs[i].ISIN != "" {
			return txs[i].ISIN
		}
	}
	return ""
}

func latestCurrency(txs []domain.Transaction) string {
	for i := len(txs) - 1; i >= 0; i-- {
		if txs[i].Currency != "" {
			return txs[i].Currency
		}
	}
	return "NOK"
}
