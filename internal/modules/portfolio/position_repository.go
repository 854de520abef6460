package portfolio

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// PositionRepository handles position persistence.
type PositionRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewPositionRepository creates a new position repository.
func NewPositionRepository(db *sql.DB, log zerolog.Logger) *PositionRepository {
	return &PositionRepository{
		db:  db,
		log: log.With().Str("repo", "positions").Logger(),
	}
}

const positionColumns = `portfolio_id, symbol, isin, quantity, avg_price,
	computed_avg_price, cost_basis, currency, use_manual_avg_price,
	manual_avg_price, manual_avg_price_reason, manual_avg_price_date,
	last_calculated`

// Get returns the stored position for one instrument, or nil when none
// exists. Callers must read the stored row before overwriting it so manual
// override fields are never silently lost.
func (r *PositionRepository) Get(portfolioID, symbol string) (*Position, error) {
	row := r.db.QueryRow(`
		SELECT `+positionColumns+`
		FROM positions
		WHERE portfolio_id = ? AND symbol = ?`,
		portfolioID, symbol)

	pos, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get position %s: %w", symbol, err)
	}
	return pos, nil
}

// GetAll returns every position in a portfolio ordered by symbol.
func (r *PositionRepository) GetAll(portfolioID string) ([]Position, error) {
	rows, err := r.db.Query(`
		SELECT `+positionColumns+`
		FROM positions
		WHERE portfolio_id = ?
		ORDER BY symbol`,
		portfolioID)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var positions []Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, *pos)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating positions: %w", err)
	}
	return positions, nil
}

// Upsert writes a position, replacing any existing row.
func (r *PositionRepository) Upsert(pos Position) error {
	return r.upsert(r.db.Exec, pos)
}

// UpsertTx writes a position inside an existing transaction.
func (r *PositionRepository) UpsertTx(tx *sql.Tx, pos Position) error {
	return r.upsert(tx.Exec, pos)
}

type execFunc func(query string, args ...interface{}) (sql.Result, error)

func (r *PositionRepository) upsert(exec execFunc, pos Position) error {
	_, err := exec(`
		INSERT OR REPLACE INTO positions (`+positionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pos.PortfolioID, pos.Symbol, nullableString(pos.ISIN),
		pos.Quantity, pos.AvgPrice, pos.ComputedAvgPrice, pos.CostBasis,
		pos.Currency, boolToInt(pos.UseManualAvgPrice),
		nullableFloat(pos.ManualAvgPrice), nullableString(pos.ManualAvgPriceReason),
		nullableInt(pos.ManualAvgPriceDate), nullableInt(pos.LastCalculated),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert position %s: %w", pos.Symbol, err)
	}
	return nil
}

// Delete removes a position row (quantity reached zero).
func (r *PositionRepository) Delete(portfolioID, symbol string) error {
	return r.delete(r.db.Exec, portfolioID, symbol)
}

// DeleteTx removes a position row inside an existing transaction.
func (r *PositionRepository) DeleteTx(tx *sql.Tx, portfolioID, symbol string) error {
	return r.delete(tx.Exec, portfolioID, symbol)
}

func (r *PositionRepository) delete(exec execFunc, portfolioID, symbol string) error {
	_, err := exec(`
		DELETE FROM positions
		WHERE portfolio_id = ? AND symbol = ?`,
		portfolioID, symbol)
	if err != nil {
		return fmt.Errorf("failed to delete position %s: %w", symbol, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPosition(row rowScanner) (*Position, error) {
	var (
		pos          Position
		isin         sql.NullString
		useManual    int
		manualPrice  sql.NullFloat64
		manualReason sql.NullString
		manualDate   sql.NullInt64
		lastCalc     sql.NullInt64
	)
	err := row.Scan(
		&pos.PortfolioID, &pos.Symbol, &isin, &pos.Quantity,
		&pos.AvgPrice, &pos.ComputedAvgPrice, &pos.CostBasis, &pos.Currency,
		&useManual, &manualPrice, &manualReason, &manualDate, &lastCalc,
	)
	if err != nil {
		return nil, err
	}

	pos.ISIN = isin.String
	pos.UseManualAvgPrice = useManual != 0
	if manualPrice.Valid {
		v := manualPrice.Float64
		pos.ManualAvgPrice = &v
	}
	pos.ManualAvgPriceReason = manualReason.String
	if manualDate.Valid {
		v := manualDate.Int64
		pos.ManualAvgPriceDate = &v
	}
	if lastCalc.Valid {
		v := lastCalc.Int64
		pos.LastCalculated = &v
	}
	return &pos, nil
}

func nullableString(s string) interface{} {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

func nullableFloat(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}

func nullableInt(i *int64) interface{} {
	if i == nil {
		return nil
	}
	return *i
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
