// Package importer is the statement import pipeline: it persists an
// already-parsed batch of broker transactions in sequence order, runs the
// cash reconciliation engine interleaved so synthesized adjustments land
// right after their trigger, and then rebuilds every projection.
package importer

import (
	"database/sql"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bisand/allegutta-web-sub000/internal/database"
	"github.com/bisand/allegutta-web-sub000/internal/domain"
	"github.com/bisand/allegutta-web-sub000/internal/modules/ledger"
	"github.com/bisand/allegutta-web-sub000/internal/modules/transactions"
)

// Recalculator triggers the full projection rebuild after a batch landed.
type Recalculator interface {
	RecalculateAll(portfolioID string) (*ledger.Summary, error)
}

// Service imports transaction batches.
type Service struct {
	db        *sql.DB
	txRepo    *transactions.Repository
	recalc    Recalculator
	tolerance float64
	log       zerolog.Logger
}

// NewService creates a new import service.
func NewService(db *sql.DB, txRepo *transactions.Repository, recalc Recalculator, tolerance float64, log zerolog.Logger) *Service {
	return &Service{
		db:        db,
		txRepo:    txRepo,
		recalc:    recalc,
		tolerance: tolerance,
		log:       log.With().Str("service", "importer").Logger(),
	}
}

// Result summarizes one import batch.
type Result struct {
	Imported    int                      `json:"imported"`
	Skipped     int                      `json:"skipped"`
	Rejected    []string                 `json:"rejected,omitempty"`
	Adjustments []ledger.AdjustmentEvent `json:"adjustments,omitempty"`
	Summary     *ledger.Summary          `json:"summary,omitempty"`
}

// ImportBatch persists a batch for one portfolio. The batch is sorted by
// sequence id, duplicates of stored rows are skipped, and the whole write
// (rows plus any SALDO_ADJUSTMENT the reconciliation synthesizes) commits
// atomically before recalculation runs.
func (s *Service) ImportBatch(portfolioID string, batch []domain.Transaction) (*Result, error) {
	result := &Result{}

	sort.SliceStable(batch, func(i, j int) bool {
		if batch[i].SequenceID != batch[j].SequenceID {
			return batch[i].SequenceID < batch[j].SequenceID
		}
		return batch[i].OccurredOn.Before(batch[j].OccurredOn)
	})

	// The reconciliation engine starts from the stored history so a batch
	// appended mid-history checks against the right running balance.
	// Stored adjustments replay through like any other row.
	stored, err := s.txRepo.ListByPortfolio(portfolioID)
	if err != nil {
		return nil, fmt.Errorf("import: %w", err)
	}
	rec := ledger.NewReconciliation(s.tolerance, s.log)
	if err := rec.Seed(stored); err != nil {
		return nil, fmt.Errorf("import: seeding reconciliation: %w", err)
	}

	accepted := make([]domain.Transaction, 0, len(batch))
	seen := make(map[string]bool)
	for _, tx := range batch {
		tx.PortfolioID = portfolioID
		if tx.ID == "" {
			tx.ID = uuid.NewString()
		}
		if err := tx.Validate(); err != nil {
			result.Rejected = append(result.Rejected, err.Error())
			continue
		}

		key := duplicateKey(tx)
		if seen[key] {
			result.Skipped++
			continue
		}
		exists, err := s.txRepo.Exists(tx)
		if err != nil {
			return nil, fmt.Errorf("import: %w", err)
		}
		if exists {
			result.Skipped++
			continue
		}
		seen[key] = true
		accepted = append(accepted, tx)
	}

	err = database.WithTransaction(s.db, func(dbTx *sql.Tx) error {
		for _, tx := range accepted {
			if err := s.txRepo.InsertTx(dbTx, tx); err != nil {
				return err
			}
			result.Imported++

			adjustment, event, err := rec.Apply(tx)
			if err != nil {
				return err
			}
			if adjustment != nil {
				if err := s.txRepo.InsertTx(dbTx, *adjustment); err != nil {
					return err
				}
				result.Adjustments = append(result.Adjustments, *event)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("import: %w", err)
	}

	s.log.Info().
		Str("portfolio_id", portfolioID).
		Int("imported", result.Imported).
		Int("skipped", result.Skipped).
		Int("adjustments", len(result.Adjustments)).
		Msg("Batch imported")

	if result.Imported > 0 {
		summary, err := s.recalc.RecalculateAll(portfolioID)
		if err != nil {
			return nil, fmt.Errorf("import: recalculation: %w", err)
		}
		result.Summary = summary
	}

	return result, nil
}

// duplicateKey mirrors the stored-row equivalence check in
// transactions.Repository.Exists for rows inside the same batch.
func duplicateKey(tx domain.Transaction) string {
	return fmt.Sprintf("%s|%s|%d|%.8f|%.8f|%s",
		tx.Symbol, tx.Kind, tx.OccurredOn.Unix(), tx.Quantity, tx.Price, tx.Notes)
}
