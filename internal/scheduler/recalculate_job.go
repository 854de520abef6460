package scheduler

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/bisand/allegutta-web-sub000/internal/database"
	"github.com/bisand/allegutta-web-sub000/internal/modules/ledger"
	"github.com/bisand/allegutta-web-sub000/internal/modules/portfolio"
)

// PortfolioLister enumerates the portfolios to rebuild.
type PortfolioLister interface {
	GetAll() ([]portfolio.Portfolio, error)
}

// Recalculator rebuilds one portfolio's projections.
type Recalculator interface {
	RecalculateAll(portfolioID string) (*ledger.Summary, error)
}

// RecalculateJob rebuilds every portfolio's positions and cash balance, then
// checkpoints the WAL. Runs nightly; imports trigger their own rebuild, this
// job catches drift from manual database edits and override changes.
type RecalculateJob struct {
	portfolios PortfolioLister
	ledger     Recalculator
	db         *database.DB
	log        zerolog.Logger
}

// NewRecalculateJob creates the nightly recalculation job.
func NewRecalculateJob(portfolios PortfolioLister, ledgerSvc Recalculator, db *database.DB, log zerolog.Logger) *RecalculateJob {
	return &RecalculateJob{
		portfolios: portfolios,
		ledger:     ledgerSvc,
		db:         db,
		log:        log.With().Str("job", "recalculate").Logger(),
	}
}

// Name implements Job.
func (j *RecalculateJob) Name() string {
	return "recalculate_positions"
}

// Run implements Job. A failing portfolio is logged and skipped so one bad
// dataset never blocks the rest.
func (j *RecalculateJob) Run() error {
	portfolios, err := j.portfolios.GetAll()
	if err != nil {
		return fmt.Errorf("recalculate job: %w", err)
	}

	var failed int
	for _, p := range portfolios {
		summary, err := j.ledger.RecalculateAll(p.ID)
		if err != nil {
			failed++
			j.log.Error().Err(err).Str("portfolio_id", p.ID).Msg("Portfolio recalculation failed")
			continue
		}
		j.log.Info().
			Str("portfolio_id", p.ID).
			Int("positions", len(summary.Positions)).
			Float64("cash_balance", summary.CashBalance).
			Int("warnings", len(summary.Warnings)).
			Msg("Portfolio recalculated")
	}

	if err := j.db.WALCheckpoint(""); err != nil {
		j.log.Warn().Err(err).Msg("WAL checkpoint failed")
	}

	if failed > 0 {
		return fmt.Errorf("recalculate job: %d of %d portfolios failed", failed, len(portfolios))
	}
	return nil
}
