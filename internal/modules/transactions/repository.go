// Package transactions persists the immutable transaction records that the
// ledger engine replays. Rows are append-only; the one writer besides the
// import pipeline is the reconciliation engine adding adjustment rows.
package transactions

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/bisand/allegutta-web-sub000/internal/domain"
)

// replayOrder is the one true replay ordering: broker sequence id first,
// the timestamp only breaking ties for synthetic rows stamped one second
// after their trigger.
const replayOrder = "ORDER BY sequence_id, occurred_on, id"

// Repository handles transaction persistence.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new transaction repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "transactions").Logger(),
	}
}

const transactionColumns = `id, portfolio_id, sequence_id, symbol, isin, kind,
	quantity, price, fees, currency, occurred_on, notes,
	statement_balance, cost_basis_override`

// Insert stores one transaction.
func (r *Repository) Insert(tx domain.Transaction) error {
	return r.insert(r.db.Exec, tx)
}

// InsertTx stores one transaction inside an existing database transaction,
// used by the import pipeline to persist a batch atomically.
func (r *Repository) InsertTx(dbTx *sql.Tx, tx domain.Transaction) error {
	return r.insert(dbTx.Exec, tx)
}

type execFunc func(query string, args ...interface{}) (sql.Result, error)

func (r *Repository) insert(exec execFunc, tx domain.Transaction) error {
	_, err := exec(`
		INSERT INTO transactions (`+transactionColumns+`, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.PortfolioID, tx.SequenceID, tx.Symbol,
		nullString(tx.ISIN), string(tx.Kind),
		tx.Quantity, tx.Price, tx.Fees, tx.Currency,
		tx.OccurredOn.Unix(), nullString(tx.Notes),
		nullFloat64(tx.StatementBalance), nullFloat64(tx.CostBasisOverride),
		time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert transaction %s: %w", tx.ID, err)
	}
	return nil
}

// Exists reports whether an equivalent transaction is already stored.
// Broker exports carry no stable row ids, so equivalence is the tuple the
// statement itself pins down.
func (r *Repository) Exists(tx domain.Transaction) (bool, error) {
	var count int
	err := r.db.QueryRow(`
		SELECT COUNT(*) FROM transactions
		WHERE portfolio_id = ? AND symbol = ? AND kind = ?
		  AND occurred_on = ? AND quantity = ? AND price = ?
		  AND COALESCE(notes, '') = ?`,
		tx.PortfolioID, tx.Symbol, string(tx.Kind),
		tx.OccurredOn.Unix(), tx.Quantity, tx.Price, tx.Notes,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check transaction existence: %w", err)
	}
	return count > 0, nil
}

// ListByPortfolio returns all transactions for a portfolio in replay order.
func (r *Repository) ListByPortfolio(portfolioID string) ([]domain.Transaction, error) {
	rows, err := r.db.Query(`
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE portfolio_id = ? `+replayOrder,
		portfolioID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	return scanTransactions(rows)
}

// ListBySymbol returns a single instrument's transactions in replay order.
// limit <= 0 means no limit.
func (r *Repository) ListBySymbol(portfolioID, symbol string, limit int) ([]domain.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE portfolio_id = ? AND symbol = ? ` + replayOrder
	args := []interface{}{portfolioID, symbol}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions for %s: %w", symbol, err)
	}
	defer rows.Close()

	return scanTransactions(rows)
}

// DistinctSymbols returns the instrument symbols present in a portfolio,
// excluding cash pseudo-symbols.
func (r *Repository) DistinctSymbols(portfolioID string) ([]string, error) {
	rows, err := r.db.Query(`
		SELECT DISTINCT symbol FROM transactions
		WHERE portfolio_id = ? AND symbol NOT LIKE ?
		ORDER BY symbol`,
		portfolioID, domain.CashSymbolPrefix+"%")
	if err != nil {
		return nil, fmt.Errorf("failed to query distinct symbols: %w", err)
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("failed to scan symbol: %w", err)
		}
		symbols = append(symbols, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating symbols: %w", err)
	}
	return symbols, nil
}

// GroupBySymbol returns the portfolio's full history grouped per symbol,
// each group kept in replay order.
func (r *Repository) GroupBySymbol(portfolioID string) (map[string][]domain.Transaction, error) {
	all, err := r.ListByPortfolio(portfolioID)
	if err != nil {
		return nil, err
	}
	grouped := make(map[string][]domain.Transaction)
	for _, tx := range all {
		grouped[tx.Symbol] = append(grouped[tx.Symbol], tx)
	}
	return grouped, nil
}

func scanTransactions(rows *sql.Rows) ([]domain.Transaction, error) {
	var txs []domain.Transaction
	for rows.Next() {
		var (
			tx         domain.Transaction
			kind       string
			isin       sql.NullString
			notes      sql.NullString
			occurredOn int64
			statement  sql.NullFloat64
			override   sql.NullFloat64
		)
		err := rows.Scan(
			&tx.ID, &tx.PortfolioID, &tx.SequenceID, &tx.Symbol,
			&isin, &kind, &tx.Quantity, &tx.Price, &tx.Fees,
			&tx.Currency, &occurredOn, &notes, &statement, &override,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}

		tx.Kind = domain.Kind(kind)
		tx.ISIN = isin.String
		tx.Notes = notes.String
		tx.OccurredOn = time.Unix(occurredOn, 0).UTC()
		if statement.Valid {
			v := statement.Float64
			tx.StatementBalance = &v
		}
		if override.Valid {
			v := override.Float64
			tx.CostBasisOverride = &v
		}
		txs = append(txs, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}
	return txs, nil
}

func nullString(s string) interface{} {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

func nullFloat64(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}
