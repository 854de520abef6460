// Package relationships stores explicitly recorded instrument pairings
// (old symbol → new symbol across a merger, rename or split). The ledger's
// corporate-action resolver consumes these as hints; fuzzy discovery of
// relationships is an external enrichment and never happens here.
package relationships

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Relationship is one recorded old→new pairing.
type Relationship struct {
	ID            string   `json:"id"`
	PortfolioID   string   `json:"portfolioId"`
	OldSymbol     string   `json:"oldSymbol"`
	NewSymbol     string   `json:"newSymbol"`
	Type          string   `json:"type"` // merger | rename | split | spin_off
	Ratio         *float64 `json:"ratio,omitempty"`
	EffectiveDate *int64   `json:"effectiveDate,omitempty"`
	Notes         string   `json:"notes,omitempty"`
}

// Repository handles relationship persistence.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new relationship repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "relationships").Logger(),
	}
}

// Upsert records a pairing, replacing an existing one for the same symbols.
func (r *Repository) Upsert(rel Relationship) error {
	if rel.ID == "" {
		rel.ID = uuid.NewString()
	}
	_, err := r.db.Exec(`
		INSERT INTO instrument_relationships
			(id, portfolio_id, old_symbol, new_symbol, relationship_type,
			 ratio, effective_date, notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (portfolio_id, old_symbol, new_symbol) DO UPDATE SET
			relationship_type = excluded.relationship_type,
			ratio = excluded.ratio,
			effective_date = excluded.effective_date,
			notes = excluded.notes`,
		rel.ID, rel.PortfolioID, rel.OldSymbol, rel.NewSymbol, rel.Type,
		nullableFloat(rel.Ratio), nullableInt(rel.EffectiveDate),
		rel.Notes, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert relationship %s->%s: %w",
			rel.OldSymbol, rel.NewSymbol, err)
	}
	return nil
}

// OldSymbolFor returns the recorded predecessor of newSymbol, with its ratio
// when one was recorded. An empty symbol means no hint exists; that is not
// an error.
func (r *Repository) OldSymbolFor(portfolioID, newSymbol string) (string, float64, error) {
	var (
		oldSymbol string
		ratio     sql.NullFloat64
	)
	err := r.db.QueryRow(`
		SELECT old_symbol, ratio FROM instrument_relationships
		WHERE portfolio_id = ? AND new_symbol = ?`,
		portfolioID, newSymbol).Scan(&oldSymbol, &ratio)
	if err == sql.ErrNoRows {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, fmt.Errorf("failed to look up relationship for %s: %w", newSymbol, err)
	}
	return oldSymbol, ratio.Float64, nil
}

// ListByPortfolio returns every recorded pairing for a portfolio.
func (r *Repository) ListByPortfolio(portfolioID string) ([]Relationship, error) {
	rows, err := r.db.Query(`
		SELECT id, portfolio_id, old_symbol, new_symbol, relationship_type,
		       ratio, effective_date, notes
		FROM instrument_relationships
		WHERE portfolio_id = ?
		ORDER BY new_symbol`,
		portfolioID)
	if err != nil {
		return nil, fmt.Errorf("failed to query relationships: %w", err)
	}
	defer rows.Close()

	var rels []Relationship
	for rows.Next() {
		var (
			rel   Relationship
			ratio sql.NullFloat64
			eff   sql.NullInt64
			notes sql.NullString
		)
		err := rows.Scan(&rel.ID, &rel.PortfolioID, &rel.OldSymbol,
			&rel.NewSymbol, &rel.Type, &ratio, &eff, &notes)
		if err != nil {
			return nil, fmt.Errorf("failed to scan relationship: %w", err)
		}
		if ratio.Valid {
			v := ratio.Float64
			rel.Ratio = &v
		}
		if eff.Valid {
			v := eff.Int64
			rel.EffectiveDate = &v
		}
		rel.Notes = notes.String
		rels = append(rels, rel)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating relationships: %w", err)
	}
	return rels, nil
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
