package importer

import (
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bisand/allegutta-web-sub000/internal/domain"
	"github.com/bisand/allegutta-web-sub000/internal/modules/ledger"
	"github.com/bisand/allegutta-web-sub000/internal/modules/transactions"
)

type recalcStub struct {
	calls []string
}

func (r *recalcStub) RecalculateAll(portfolioID string) (*ledger.Summary, error) {
	r.calls = append(r.calls, portfolioID)
	return &ledger.Summary{PortfolioID: portfolioID}, nil
}

func setupImportTest(t *testing.T) (*Service, *transactions.Repository, *recalcStub) {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE transactions (
			id TEXT PRIMARY KEY,
			portfolio_id TEXT NOT NULL,
			sequence_id INTEGER NOT NULL,
			symbol TEXT NOT NULL,
			isin TEXT,
			kind TEXT NOT NULL,
			quantity REAL NOT NULL,
			price REAL NOT NULL,
			fees REAL NOT NULL DEFAULT 0,
			currency TEXT NOT NULL DEFAULT 'NOK',
			occurred_on INTEGER NOT NULL,
			notes TEXT,
			statement_balance REAL,
			cost_basis_override REAL,
			created_at INTEGER NOT NULL
		)
	`)
	require.NoError(t, err)

	log := zerolog.Nop()
	txRepo := transactions.NewRepository(db, log)
	recalc := &recalcStub{}
	svc := NewService(db, txRepo, recalc, ledger.DefaultSaldoTolerance, log)
	return svc, txRepo, recalc
}

func batchTx(id string, seqID int64, kind domain.Kind, symbol string, qty, price, fees float64, statement *float64) domain.Transaction {
	return domain.Transaction{
		ID:               id,
		SequenceID:       seqID,
		Symbol:           symbol,
		Kind:             kind,
		Quantity:         qty,
		Price:            price,
		Fees:             fees,
		Currency:         "NOK",
		OccurredOn:       time.Date(2023, 2, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(seqID) * 24 * time.Hour),
		StatementBalance: statement,
	}
}

func f(v float64) *float64 { return &v }

func TestImportBatchPersistsAndRecalculates(t *testing.T) {
	svc, txRepo, recalc := setupImportTest(t)

	// Out of sequence order on purpose.
	batch := []domain.Transaction{
		batchTx("t2", 2, domain.KindBuy, "EQNR", 10, 150, 10, nil),
		batchTx("t1", 1, domain.KindDeposit, "CASH_NOK", 10000, 1, 0, nil),
	}

	result, err := svc.ImportBatch("p1", batch)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Imported)
	assert.Zero(t, result.Skipped)
	assert.Empty(t, result.Rejected)
	require.NotNil(t, result.Summary)
	assert.Equal(t, []string{"p1"}, recalc.calls)

	stored, err := txRepo.ListByPortfolio("p1")
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, "t1", stored[0].ID)
	assert.Equal(t, "p1", stored[0].PortfolioID)
}

func TestImportBatchSynthesizesAdjustments(t *testing.T) {
	svc, txRepo, _ := setupImportTest(t)

	batch := []domain.Transaction{
		batchTx("t1", 1, domain.KindDeposit, "CASH_NOK", 10000, 1, 0, f(10000)),
		batchTx("t2", 2, domain.KindBuy, "EQNR", 10, 150, 10, f(8488)),
	}

	result, err := svc.ImportBatch("p1", batch)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Imported)
	require.Len(t, result.Adjustments, 1)
	assert.InDelta(t, 2.0, result.Adjustments[0].Discrepancy, 1e-9)

	// The adjustment row landed in the same commit, right after its trigger.
	stored, err := txRepo.ListByPortfolio("p1")
	require.NoError(t, err)
	require.Len(t, stored, 3)
	assert.Equal(t, domain.KindSaldoAdjustment, stored[2].Kind)
	assert.Equal(t, "CASH_NOK", stored[2].Symbol)
	assert.InDelta(t, -2.0, stored[2].Quantity, 1e-9)
	assert.Equal(t, int64(2), stored[2].SequenceID)
}

func TestImportBatchSkipsDuplicates(t *testing.T) {
	svc, _, _ := setupImportTest(t)

	first := []domain.Transaction{
		batchTx("t1", 1, domain.KindBuy, "EQNR", 10, 150, 10, nil),
	}
	_, err := svc.ImportBatch("p1", first)
	require.NoError(t, err)

	// Re-import of the same statement row plus an in-batch duplicate.
	again := []domain.Transaction{
		batchTx("t1-re", 1, domain.KindBuy, "EQNR", 10, 150, 10, nil),
		batchTx("t2", 2, domain.KindSell, "EQNR", 5, 160, 0, nil),
		batchTx("t2-dup", 2, domain.KindSell, "EQNR", 5, 160, 0, nil),
	}
	result, err := svc.ImportBatch("p1", again)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Imported)
	assert.Equal(t, 2, result.Skipped)
}

func TestImportBatchRejectsInvalidRows(t *testing.T) {
	svc, txRepo, recalc := setupImportTest(t)

	bad := batchTx("t1", 0, domain.KindBuy, "EQNR", 10, 150, 0, nil)

	result, err := svc.ImportBatch("p1", []domain.Transaction{bad})
	require.NoError(t, err)
	assert.Zero(t, result.Imported)
	require.Len(t, result.Rejected, 1)
	assert.Contains(t, result.Rejected[0], "sequence id")

	// Nothing imported, so nothing to recalculate.
	assert.Empty(t, recalc.calls)
	assert.Nil(t, result.Summary)

	stored, err := txRepo.ListByPortfolio("p1")
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestImportBatchSeedsFromStoredHistory(t *testing.T) {
	svc, _, _ := setupImportTest(t)

	_, err := svc.ImportBatch("p1", []domain.Transaction{
		batchTx("t1", 1, domain.KindDeposit, "CASH_NOK", 1000, 1, 0, nil),
	})
	require.NoError(t, err)

	// The checkpoint matches the balance the stored history produces, so a
	// later batch synthesizes no adjustment.
	result, err := svc.ImportBatch("p1", []domain.Transaction{
		batchTx("t2", 2, domain.KindDividend, "CASH_NOK", 100, 1, 0, f(1100)),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Imported)
	assert.Empty(t, result.Adjustments)
}

func TestImportBatchAssignsIDs(t *testing.T) {
	svc, txRepo, _ := setupImportTest(t)

	tx := batchTx("", 1, domain.KindBuy, "EQNR", 10, 150, 0, nil)
	result, err := svc.ImportBatch("p1", []domain.Transaction{tx})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Imported)

	stored, err := txRepo.ListByPortfolio("p1")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.NotEmpty(t, stored[0].ID)
}
