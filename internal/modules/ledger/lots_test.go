package ledger

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bisand/allegutta-web-sub000/internal/domain"
)

var seq int64

func tx(kind domain.Kind, symbol string, quantity, price, fees float64) domain.Transaction {
	seq++
	return domain.Transaction{
		ID:          fmt.Sprintf("%s-%s-%d", symbol, kind, seq),
		PortfolioID: "p1",
		SequenceID:  seq,
		Symbol:      symbol,
		Kind:        kind,
		Quantity:    quantity,
		Price:       price,
		Fees:        fees,
		Currency:    "NOK",
		OccurredOn:  time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(seq) * 24 * time.Hour),
	}
}

func TestReplayFIFOConservation(t *testing.T) {
	txs := []domain.Transaction{
		tx(domain.KindBuy, "EQNR", 10, 100, 0),
		tx(domain.KindBuy, "EQNR", 10, 200, 0),
		tx(domain.KindSell, "EQNR", 5, 250, 0),
	}

	result, err := replayInstrument(txs, nil)
	require.NoError(t, err)

	// Oldest lot is consumed first, so half of the 100-cost lot is gone.
	assert.InDelta(t, 15.0, result.Quantity, 1e-9)
	assert.InDelta(t, 5*100+10*200.0, result.CostBasis, 1e-9)
	assert.InDelta(t, 2500.0/15, result.AverageCost, 1e-9)
	assert.Empty(t, result.Warnings)
}

func TestReplayPartialConsumptionRemovesProportionalCost(t *testing.T) {
	txs := []domain.Transaction{
		tx(domain.KindBuy, "EQNR", 10, 150, 10),
		tx(domain.KindSell, "EQNR", 4, 160, 0),
	}

	result, err := replayInstrument(txs, nil)
	require.NoError(t, err)

	// Cost per share is 151 including fees; 4 shares take 604 with them.
	assert.InDelta(t, 6.0, result.Quantity, 1e-9)
	assert.InDelta(t, 1510-4*151.0, result.CostBasis, 1e-9)
	assert.InDelta(t, 151.0, result.AverageCost, 1e-9)
}

func TestReplayOversellClampsAndWarns(t *testing.T) {
	txs := []domain.Transaction{
		tx(domain.KindBuy, "EQNR", 10, 150, 0),
		tx(domain.KindSell, "EQNR", 15, 160, 0),
	}

	result, err := replayInstrument(txs, nil)
	require.NoError(t, err)

	assert.Zero(t, result.Quantity)
	assert.Zero(t, result.CostBasis)
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, WarnOversell, result.Warnings[0].Code)
	assert.InDelta(t, 5.0, result.Warnings[0].Amount, 1e-9)
}

func TestReplayLiquidationClearsPosition(t *testing.T) {
	txs := []domain.Transaction{
		tx(domain.KindBuy, "NAS", 100, 50, 0),
		tx(domain.KindLiquidation, "NAS", 100, 12, 0),
	}

	result, err := replayInstrument(txs, nil)
	require.NoError(t, err)

	assert.Zero(t, result.Quantity)
	assert.Zero(t, result.CostBasis)
	assert.Empty(t, result.Warnings)
}

func TestReplayReturnOfCapitalLowersCostKeepsQuantity(t *testing.T) {
	refund := tx(domain.KindRefund, "AKER", 500, 1, 0)
	refund.Notes = "Tilbakebetaling av kapital"

	txs := []domain.Transaction{
		tx(domain.KindBuy, "AKER", 100, 20, 0),
		refund,
	}

	result, err := replayInstrument(txs, nil)
	require.NoError(t, err)

	assert.InDelta(t, 100.0, result.Quantity, 1e-9)
	assert.InDelta(t, 1500.0, result.CostBasis, 1e-9)
	assert.InDelta(t, 15.0, result.AverageCost, 1e-9)
}

func TestReplayRefundWithoutAnnotationLeavesLots(t *testing.T) {
	refund := tx(domain.KindRefund, "AKER", 500, 1, 0)
	refund.Notes = "Refusjon gebyr"

	txs := []domain.Transaction{
		tx(domain.KindBuy, "AKER", 100, 20, 0),
		refund,
	}

	result, err := replayInstrument(txs, nil)
	require.NoError(t, err)
	assert.InDelta(t, 2000.0, result.CostBasis, 1e-9)
}

func TestReplayRefundCostFloorsAtZero(t *testing.T) {
	refund := tx(domain.KindRefund, "AKER", 5000, 1, 0)
	refund.Notes = "return of capital"

	txs := []domain.Transaction{
		tx(domain.KindBuy, "AKER", 100, 20, 0),
		refund,
	}

	result, err := replayInstrument(txs, nil)
	require.NoError(t, err)
	assert.InDelta(t, 100.0, result.Quantity, 1e-9)
	assert.Zero(t, result.CostBasis)
}

func TestReplayDecimalAdjustments(t *testing.T) {
	txs := []domain.Transaction{
		tx(domain.KindBuy, "FRO", 10, 100, 0),
		tx(domain.KindDecimalLiquidation, "FRO", 0.4, 100, 0),
		tx(domain.KindDecimalWithdrawal, "FRO", 0.4, 100, 0),
	}

	result, err := replayInstrument(txs, nil)
	require.NoError(t, err)
	assert.InDelta(t, 10.0, result.Quantity, 1e-9)
	assert.InDelta(t, 1000.0, result.CostBasis, 1e-9)
}

func TestReplayRoundsQuantityToSixDecimals(t *testing.T) {
	txs := []domain.Transaction{
		tx(domain.KindBuy, "FND", 0.1, 1000, 0),
		tx(domain.KindBuy, "FND", 0.2, 1000, 0),
		tx(domain.KindSell, "FND", 0.3, 1000, 0),
	}

	result, err := replayInstrument(txs, nil)
	require.NoError(t, err)
	assert.Zero(t, result.Quantity)
}

func TestReplaySplitRescalesPreservingCost(t *testing.T) {
	split := tx(domain.KindSplit, "MPC", 0, 0, 0)
	split.Notes = "Splitt 4:1"

	txs := []domain.Transaction{
		tx(domain.KindBuy, "MPC", 100, 40, 0),
		split,
	}

	result, err := replayInstrument(txs, nil)
	require.NoError(t, err)
	assert.InDelta(t, 400.0, result.Quantity, 1e-9)
	assert.InDelta(t, 4000.0, result.CostBasis, 1e-9)
	assert.InDelta(t, 10.0, result.AverageCost, 1e-9)
}

func TestReplaySplitUnparseableRatioWarns(t *testing.T) {
	split := tx(domain.KindSplit, "MPC", 0, 0, 0)
	split.Notes = "Splitt uten forhold"

	txs := []domain.Transaction{
		tx(domain.KindBuy, "MPC", 100, 40, 0),
		split,
	}

	result, err := replayInstrument(txs, nil)
	require.NoError(t, err)
	assert.InDelta(t, 100.0, result.Quantity, 1e-9)
	assert.InDelta(t, 4000.0, result.CostBasis, 1e-9)
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, WarnUnparseableRatio, result.Warnings[0].Code)
}

func TestReplayUnknownKindAborts(t *testing.T) {
	bad := tx(domain.KindBuy, "EQNR", 10, 100, 0)
	bad.Kind = "MYSTERY"

	_, err := replayInstrument([]domain.Transaction{bad}, nil)
	assert.Error(t, err)
}

func TestReplayIsIdempotent(t *testing.T) {
	txs := []domain.Transaction{
		tx(domain.KindBuy, "EQNR", 10, 100, 5),
		tx(domain.KindBuy, "EQNR", 3, 120, 5),
		tx(domain.KindSell, "EQNR", 6, 130, 5),
	}

	first, err := replayInstrument(txs, nil)
	require.NoError(t, err)
	second, err := replayInstrument(txs, nil)
	require.NoError(t, err)

	assert.Equal(t, first.Quantity, second.Quantity)
	assert.Equal(t, first.CostBasis, second.CostBasis)
	assert.Equal(t, first.AverageCost, second.AverageCost)
}

func TestLotBookConsumePreservesIdentity(t *testing.T) {
	book := &lotBook{}
	origin := time.Date(2019, 3, 4, 0, 0, 0, 0, time.UTC)
	book.push(Lot{Quantity: 10, CostRemaining: 1000, OriginID: "DNB_2019-03-04", OriginDate: origin})
	book.push(Lot{Quantity: 10, CostRemaining: 2000})

	consumed, shortfall := book.consume(15)
	require.Zero(t, shortfall)
	require.Len(t, consumed, 2)

	assert.Equal(t, "DNB_2019-03-04", consumed[0].OriginID)
	assert.Equal(t, origin, consumed[0].OriginDate)
	assert.InDelta(t, 10.0, consumed[0].Quantity, 1e-9)
	assert.InDelta(t, 5.0, consumed[1].Quantity, 1e-9)
	assert.InDelta(t, 1000.0, consumed[1].CostRemaining, 1e-9)
	assert.InDelta(t, 5.0, book.totalQuantity(), 1e-9)
}
