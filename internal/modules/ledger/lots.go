package ledger

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/bisand/allegutta-web-sub000/internal/domain"
)

// quantityPrecision is the number of decimal places quantities are rounded
// to after a full replay, absorbing floating-point drift.
const quantityPrecision = 6

// Lot is a discrete, partially consumable acquisition. OriginID and
// OriginDate are set only on lots recreated across a corporate action; they
// trace a lot back to its true acquisition even after a symbol change.
type Lot struct {
	Quantity      float64   `json:"quantity"`
	CostRemaining float64   `json:"costRemaining"`
	CostPerShare  float64   `json:"costPerShare"`
	OriginID      string    `json:"originId,omitempty"`
	OriginDate    time.Time `json:"originDate,omitempty"`
}

// lotBook is the FIFO queue of open lots for one instrument.
type lotBook struct {
	lots []Lot
}

func (b *lotBook) push(l Lot) {
	if l.Quantity <= 0 {
		return
	}
	if l.CostRemaining < 0 {
		l.CostRemaining = 0
	}
	l.CostPerShare = l.CostRemaining / l.Quantity
	b.lots = append(b.lots, l)
}

// consume removes qty oldest-first. Partially consumed lots give up a
// proportional costPerShare × taken slice of their cost. When the book holds
// less than qty the remainder is returned as shortfall; the book is left
// empty (clamped, never negative).
func (b *lotBook) consume(qty float64) (consumed []Lot, shortfall float64) {
	remaining := qty
	for remaining > 0 && len(b.lots) > 0 {
		lot := &b.lots[0]
		take := math.Min(lot.Quantity, remaining)
		cost := lot.CostPerShare * take

		consumed = append(consumed, Lot{
			Quantity:      take,
			CostRemaining: cost,
			CostPerShare:  lot.CostPerShare,
			OriginID:      lot.OriginID,
			OriginDate:    lot.OriginDate,
		})

		lot.Quantity -= take
		lot.CostRemaining -= cost
		if lot.CostRemaining < 0 {
			lot.CostRemaining = 0
		}
		remaining -= take

		if lot.Quantity <= 1e-9 {
			b.lots = b.lots[1:]
		}
	}
	return consumed, remaining
}

func (b *lotBook) clear() {
	b.lots = nil
}

func (b *lotBook) totalQuantity() float64 {
	var sum float64
	for _, l := range b.lots {
		sum += l.Quantity
	}
	return sum
}

func (b *lotBook) totalCost() float64 {
	var sum float64
	for _, l := range b.lots {
		sum += l.CostRemaining
	}
	return sum
}

// reduceCostProportionally spreads a return-of-capital amount across every
// open lot by its share of the held quantity, flooring each lot's cost at
// zero. Quantity is untouched.
func (b *lotBook) reduceCostProportionally(amount float64) {
	total := b.totalQuantity()
	if total <= 0 || amount <= 0 {
		return
	}
	perShare := amount / total
	for i := range b.lots {
		lot := &b.lots[i]
		lot.CostRemaining -= perShare * lot.Quantity
		if lot.CostRemaining < 0 {
			lot.CostRemaining = 0
		}
		if lot.Quantity > 0 {
			lot.CostPerShare = lot.CostRemaining / lot.Quantity
		}
	}
}

// rescale multiplies every lot quantity by ratio keeping each lot's total
// cost unchanged (split semantics).
func (b *lotBook) rescale(ratio float64) {
	if ratio <= 0 {
		return
	}
	for i := range b.lots {
		lot := &b.lots[i]
		lot.Quantity *= ratio
		if lot.Quantity > 0 {
			lot.CostPerShare = lot.CostRemaining / lot.Quantity
		}
	}
}

// replayState drives one instrument's transactions through the lot book.
// It is shared between full instrument replay and the resolver's partial
// replays of exchanged-out symbols.
type replayState struct {
	book     lotBook
	warnings []Warning
}

// apply processes one transaction. resolutions carries corporate-action
// cost annotations keyed by transaction id (see corporate_actions.go).
// For disposing kinds the consumed lots are returned so callers can trace
// which acquisitions an exchange swallowed.
//
// The switch is exhaustive over every kind; an unknown kind is corrupt data
// and aborts the instrument's replay.
func (s *replayState) apply(tx domain.Transaction, resolutions map[string]Resolution) ([]Lot, error) {
	switch tx.Kind {
	case domain.KindBuy:
		s.book.push(Lot{
			Quantity:      tx.Quantity,
			CostRemaining: tx.Quantity*tx.Price + tx.Fees,
			OriginDate:    tx.OccurredOn,
		})

	case domain.KindExchangeIn, domain.KindSpinOffIn, domain.KindTransferIn:
		s.applyAcquisition(tx, resolutions)

	case domain.KindSell, domain.KindExchangeOut:
		consumed, shortfall := s.book.consume(tx.Quantity)
		if shortfall > 1e-9 {
			s.warnings = append(s.warnings, oversellWarning(tx.Symbol, tx.ID, shortfall))
		}
		return consumed, nil

	case domain.KindLiquidation, domain.KindRedemption:
		// Terminal liquidation: the full position closes.
		s.book.clear()

	case domain.KindRefund:
		if isReturnOfCapital(tx.Notes) {
			s.book.reduceCostProportionally(tx.Quantity * tx.Price)
		}

	case domain.KindDecimalLiquidation:
		// Fractional-share correction from the broker statement.
		s.book.push(Lot{
			Quantity:      tx.Quantity,
			CostRemaining: tx.Quantity * tx.Price,
			OriginDate:    tx.OccurredOn,
		})

	case domain.KindDecimalWithdrawal:
		_, shortfall := s.book.consume(tx.Quantity)
		if shortfall > 1e-9 {
			s.warnings = append(s.warnings, oversellWarning(tx.Symbol, tx.ID, shortfall))
		}

	case domain.KindSplit:
		s.applySplit(tx)

	case domain.KindDeposit, domain.KindWithdrawal, domain.KindDividend,
		domain.KindDividendReinvest, domain.KindRightsAllocation,
		domain.KindRightsIssue, domain.KindInterestCharge,
		domain.KindMerger, domain.KindSaldoAdjustment:
		// Cash-only or marker rows; no effect on the lot book. Merger
		// economics arrive via the paired EXCHANGE_OUT/EXCHANGE_IN rows.

	default:
		return nil, fmt.Errorf("transaction %s: no lot rule for kind %q", tx.ID, tx.Kind)
	}

	return nil, nil
}

// applyAcquisition pushes the lots for an acquiring transaction, honoring a
// corporate-action resolution when one was computed for it.
func (s *replayState) applyAcquisition(tx domain.Transaction, resolutions map[string]Resolution) {
	res, ok := resolutions[tx.ID]
	if !ok {
		// Ordinary cash acquisition.
		s.book.push(Lot{
			Quantity:      tx.Quantity,
			CostRemaining: tx.Quantity*tx.Price + tx.Fees,
			OriginDate:    tx.OccurredOn,
		})
		return
	}

	if len(res.Lots) > 0 {
		// Identity-preserving carry-over: one new lot per surviving old lot.
		for _, l := range res.Lots {
			s.book.push(l)
		}
		return
	}

	s.book.push(Lot{
		Quantity:      tx.Quantity,
		CostRemaining: res.TotalCost,
		OriginDate:    tx.OccurredOn,
	})
}

// applySplit rescales the open lots by the ratio parsed from the notes,
// preserving total cost. An unparseable ratio keeps the book unchanged and
// records a warning.
func (s *replayState) applySplit(tx domain.Transaction) {
	ratio, ok := parseSplitRatio(tx.Notes)
	if !ok {
		s.warnings = append(s.warnings, Warning{
			Code:          WarnUnparseableRatio,
			Symbol:        tx.Symbol,
			TransactionID: tx.ID,
			Message:       fmt.Sprintf("could not parse split ratio from notes %q, cost kept unadjusted", tx.Notes),
		})
		return
	}
	s.book.rescale(ratio)
}

// ReplayResult is the outcome of a full instrument replay.
type ReplayResult struct {
	Quantity    float64
	CostBasis   float64
	AverageCost float64
	Lots        []Lot
	Warnings    []Warning
}

// replayInstrument replays the sequence-ordered transactions of one
// instrument from scratch. Deterministic and idempotent: the same input
// always produces the same result.
func replayInstrument(txs []domain.Transaction, resolutions map[string]Resolution) (*ReplayResult, error) {
	state := &replayState{}
	for _, tx := range txs {
		if err := tx.Validate(); err != nil {
			return nil, err
		}
		if _, err := state.apply(tx, resolutions); err != nil {
			return nil, err
		}
	}

	quantity := roundQuantity(state.book.totalQuantity())
	cost := state.book.totalCost()
	if cost < 0 {
		cost = 0
	}

	result := &ReplayResult{
		Quantity:  quantity,
		CostBasis: cost,
		Lots:      state.book.lots,
		Warnings:  state.warnings,
	}
	if quantity > 0 {
		result.AverageCost = cost / quantity
	}
	return result, nil
}

func roundQuantity(q float64) float64 {
	factor := math.Pow10(quantityPrecision)
	return math.Round(q*factor) / factor
}

func isReturnOfCapital(notes string) bool {
	lower := strings.ToLower(notes)
	return strings.Contains(lower, "return of capital") ||
		strings.Contains(lower, "tilbakebetaling") ||
		strings.Contains(lower, "kapitalnedsettelse")
}
