package ledger

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bisand/allegutta-web-sub000/internal/domain"
)

// DefaultSaldoTolerance is the discrepancy (in account currency) absorbed
// silently at a statement checkpoint: the broker value is adopted and no
// adjustment row is written.
const DefaultSaldoTolerance = 1.0

// AdjustmentEvent describes one synthesized SALDO_ADJUSTMENT, surfaced to
// callers for audit.
type AdjustmentEvent struct {
	TriggerID   string  `json:"triggerId"`
	Symbol      string  `json:"symbol"`
	Expected    float64 `json:"expected"`
	Statement   float64 `json:"statement"`
	Discrepancy float64 `json:"discrepancy"`
	Adjustment  float64 `json:"adjustment"`
}

// Reconciliation replays cash-moving transactions in sequence order while
// tracking the running balance. Every statement checkpoint forces the
// running balance onto the broker's value, so discrepancies never accumulate
// across an import. Sequential by construction; never parallelize a pass.
type Reconciliation struct {
	tolerance float64
	running   float64
	log       zerolog.Logger
}

// NewReconciliation creates an engine starting from a zero balance.
// A tolerance below zero falls back to the default.
func NewReconciliation(tolerance float64, log zerolog.Logger) *Reconciliation {
	if tolerance < 0 {
		tolerance = DefaultSaldoTolerance
	}
	return &Reconciliation{
		tolerance: tolerance,
		log:       log.With().Str("component", "reconciliation").Logger(),
	}
}

// Balance returns the current running balance.
func (r *Reconciliation) Balance() float64 {
	return r.running
}

// Seed replays already-stored transactions to establish the running balance
// without synthesizing anything: their adjustments are stored rows and
// replay through like any other transaction. Checkpoints are still adopted.
func (r *Reconciliation) Seed(txs []domain.Transaction) error {
	for _, tx := range txs {
		impact, err := tx.CashImpact()
		if err != nil {
			return err
		}
		r.running += impact
		if tx.StatementBalance != nil {
			r.running = *tx.StatementBalance
		}
	}
	return nil
}

// Apply processes one transaction. When it carries a statement balance whose
// discrepancy exceeds the tolerance, the returned adjustment must be
// persisted immediately after the trigger so later replays see it. Either
// way the running balance becomes the statement balance (the broker is
// authoritative).
func (r *Reconciliation) Apply(tx domain.Transaction) (*domain.Transaction, *AdjustmentEvent, error) {
	impact, err := tx.CashImpact()
	if err != nil {
		return nil, nil, fmt.Errorf("reconciliation: %w", err)
	}
	r.running += impact

	if tx.StatementBalance == nil {
		return nil, nil, nil
	}

	statement := *tx.StatementBalance
	discrepancy := r.running - statement

	if math.Abs(discrepancy) <= r.tolerance {
		r.running = statement
		return nil, nil, nil
	}

	adjustment := r.buildAdjustment(tx, discrepancy, statement)
	event := &AdjustmentEvent{
		TriggerID:   tx.ID,
		Symbol:      adjustment.Symbol,
		Expected:    r.running,
		Statement:   statement,
		Discrepancy: discrepancy,
		Adjustment:  adjustment.Quantity,
	}

	r.log.Warn().
		Str("trigger_id", tx.ID).
		Float64("expected", r.running).
		Float64("statement", statement).
		Float64("adjustment", adjustment.Quantity).
		Msg("Cash balance diverged from statement, adjustment synthesized")

	r.running = statement
	return &adjustment, event, nil
}

// buildAdjustment creates the synthetic row: the signed quantity cancels the
// discrepancy, the timestamp lands one second after the trigger, and the
// sequence id is reused so replay order stays deterministic without
// inventing broker sequence numbers.
func (r *Reconciliation) buildAdjustment(trigger domain.Transaction, discrepancy, statement float64) domain.Transaction {
	symbol := trigger.Symbol
	if !trigger.IsCash() {
		symbol = domain.CashSymbolPrefix + trigger.Currency
	}
	stmt := statement
	return domain.Transaction{
		ID:          uuid.NewString(),
		PortfolioID: trigger.PortfolioID,
		SequenceID:  trigger.SequenceID,
		Symbol:      symbol,
		Kind:        domain.KindSaldoAdjustment,
		Quantity:    -discrepancy,
		Price:       1,
		Currency:    trigger.Currency,
		OccurredOn:  trigger.OccurredOn.Add(time.Second),
		Notes: fmt.Sprintf("Saldo adjustment: expected %.2f, statement %.2f",
			r.running, statement),
		StatementBalance: &stmt,
	}
}
