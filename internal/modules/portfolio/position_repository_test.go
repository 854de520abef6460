package portfolio

import (
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE portfolios (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			currency TEXT NOT NULL DEFAULT 'NOK',
			cash_balance REAL NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE TABLE positions (
			portfolio_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			isin TEXT,
			quantity REAL NOT NULL,
			avg_price REAL NOT NULL,
			computed_avg_price REAL NOT NULL,
			cost_basis REAL NOT NULL DEFAULT 0,
			currency TEXT NOT NULL DEFAULT 'NOK',
			use_manual_avg_price INTEGER NOT NULL DEFAULT 0,
			manual_avg_price REAL,
			manual_avg_price_reason TEXT,
			manual_avg_price_date INTEGER,
			last_calculated INTEGER,
			PRIMARY KEY (portfolio_id, symbol)
		);
	`)
	require.NoError(t, err)

	return db
}

func samplePosition() Position {
	return Position{
		PortfolioID:      "p1",
		Symbol:           "EQNR",
		ISIN:             "NO0010096985",
		Quantity:         10,
		AvgPrice:         151,
		ComputedAvgPrice: 151,
		CostBasis:        1510,
		Currency:         "NOK",
	}
}

func TestPositionUpsertAndGet(t *testing.T) {
	repo := NewPositionRepository(setupTestDB(t), zerolog.Nop())

	require.NoError(t, repo.Upsert(samplePosition()))

	got, err := repo.Get("p1", "EQNR")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "NO0010096985", got.ISIN)
	assert.InDelta(t, 10.0, got.Quantity, 1e-9)
	assert.InDelta(t, 151.0, got.AvgPrice, 1e-9)
	assert.False(t, got.UseManualAvgPrice)
	assert.Nil(t, got.ManualAvgPrice)
}

func TestPositionGetMissingReturnsNil(t *testing.T) {
	repo := NewPositionRepository(setupTestDB(t), zerolog.Nop())

	got, err := repo.Get("p1", "NOPE")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPositionUpsertReplacesExistingRow(t *testing.T) {
	repo := NewPositionRepository(setupTestDB(t), zerolog.Nop())

	require.NoError(t, repo.Upsert(samplePosition()))

	updated := samplePosition()
	updated.Quantity = 6
	updated.CostBasis = 906
	require.NoError(t, repo.Upsert(updated))

	got, err := repo.Get("p1", "EQNR")
	require.NoError(t, err)
	assert.InDelta(t, 6.0, got.Quantity, 1e-9)
	assert.InDelta(t, 906.0, got.CostBasis, 1e-9)

	all, err := repo.GetAll("p1")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestPositionManualOverrideRoundTrip(t *testing.T) {
	repo := NewPositionRepository(setupTestDB(t), zerolog.Nop())

	manual := 142.5
	date := int64(1677000000)
	pos := samplePosition()
	pos.UseManualAvgPrice = true
	pos.ManualAvgPrice = &manual
	pos.ManualAvgPriceReason = "statement GAV differs"
	pos.ManualAvgPriceDate = &date
	pos.AvgPrice = manual
	require.NoError(t, repo.Upsert(pos))

	got, err := repo.Get("p1", "EQNR")
	require.NoError(t, err)
	assert.True(t, got.UseManualAvgPrice)
	require.NotNil(t, got.ManualAvgPrice)
	assert.InDelta(t, 142.5, *got.ManualAvgPrice, 1e-9)
	assert.Equal(t, "statement GAV differs", got.ManualAvgPriceReason)
	require.NotNil(t, got.ManualAvgPriceDate)
	assert.Equal(t, date, *got.ManualAvgPriceDate)
	assert.InDelta(t, 151.0, got.ComputedAvgPrice, 1e-9)
}

func TestPositionDelete(t *testing.T) {
	repo := NewPositionRepository(setupTestDB(t), zerolog.Nop())

	require.NoError(t, repo.Upsert(samplePosition()))
	require.NoError(t, repo.Delete("p1", "EQNR"))

	got, err := repo.Get("p1", "EQNR")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPortfolioCreateAndGet(t *testing.T) {
	repo := NewRepository(setupTestDB(t), zerolog.Nop())

	require.NoError(t, repo.Create(Portfolio{ID: "p1", Name: "AlleGutta", Currency: "NOK"}))

	got, err := repo.Get("p1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "AlleGutta", got.Name)
	assert.NotZero(t, got.CreatedAt)

	missing, err := repo.Get("nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestPortfolioUpdateCashBalance(t *testing.T) {
	repo := NewRepository(setupTestDB(t), zerolog.Nop())

	require.NoError(t, repo.Create(Portfolio{ID: "p1", Name: "AlleGutta", Currency: "NOK"}))
	require.NoError(t, repo.UpdateCashBalance("p1", 8488))

	got, err := repo.Get("p1")
	require.NoError(t, err)
	assert.InDelta(t, 8488.0, got.CashBalance, 1e-9)

	err = repo.UpdateCashBalance("nope", 1)
	assert.Error(t, err)
}
