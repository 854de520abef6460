package portfolio

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Repository handles portfolio registry persistence.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new portfolio repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "portfolios").Logger(),
	}
}

// Create stores a new portfolio.
func (r *Repository) Create(p Portfolio) error {
	now := time.Now().Unix()
	if p.CreatedAt == 0 {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	_, err := r.db.Exec(`
		INSERT INTO portfolios (id, name, currency, cash_balance, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Currency, p.CashBalance, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create portfolio %s: %w", p.ID, err)
	}
	return nil
}

// Get returns one portfolio, or nil when it does not exist.
func (r *Repository) Get(id string) (*Portfolio, error) {
	var p Portfolio
	err := r.db.QueryRow(`
		SELECT id, name, currency, cash_balance, created_at, updated_at
		FROM portfolios WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &p.Currency, &p.CashBalance, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get portfolio %s: %w", id, err)
	}
	return &p, nil
}

// GetAll returns every portfolio ordered by name.
func (r *Repository) GetAll() ([]Portfolio, error) {
	rows, err := r.db.Query(`
		SELECT id, name, currency, cash_balance, created_at, updated_at
		FROM portfolios ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query portfolios: %w", err)
	}
	defer rows.Close()

	var portfolios []Portfolio
	for rows.Next() {
		var p Portfolio
		err := rows.Scan(&p.ID, &p.Name, &p.Currency, &p.CashBalance, &p.CreatedAt, &p.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan portfolio: %w", err)
		}
		portfolios = append(portfolios, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating portfolios: %w", err)
	}
	return portfolios, nil
}

// UpdateCashBalance persists the recomputed cash balance.
func (r *Repository) UpdateCashBalance(id string, balance float64) error {
	res, err := r.db.Exec(`
		UPDATE portfolios SET cash_balance = ?, updated_at = ? WHERE id = ?`,
		balance, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to update cash balance for %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err == nil && affected == 0 {
		return fmt.Errorf("portfolio %s not found", id)
	}
	return nil
}
