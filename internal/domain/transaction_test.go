package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validTransaction(kind Kind) Transaction {
	return Transaction{
		ID:          "tx-1",
		PortfolioID: "p1",
		SequenceID:  1,
		Symbol:      "EQNR",
		Kind:        kind,
		Quantity:    10,
		Price:       150,
		Currency:    "NOK",
		OccurredOn:  time.Date(2023, 5, 10, 0, 0, 0, 0, time.UTC),
	}
}

func TestCashImpact(t *testing.T) {
	tests := []struct {
		name     string
		kind     Kind
		quantity float64
		price    float64
		fees     float64
		want     float64
	}{
		{"deposit is inflow", KindDeposit, 10000, 1, 0, 10000},
		{"dividend is inflow", KindDividend, 100, 1, 0, 100},
		{"refund is inflow", KindRefund, 50, 1, 0, 50},
		{"liquidation is inflow", KindLiquidation, 20, 12.5, 0, 250},
		{"redemption is inflow", KindRedemption, 100, 1, 0, 100},
		{"transfer in is inflow", KindTransferIn, 200, 1, 0, 200},
		{"decimal liquidation is inflow", KindDecimalLiquidation, 0.5, 10, 0, 5},
		{"withdrawal is outflow", KindWithdrawal, 500, 1, 0, -500},
		{"decimal withdrawal is outflow", KindDecimalWithdrawal, 0.5, 10, 0, -5},
		{"interest charge is outflow", KindInterestCharge, 12, 1, 0, -12},
		{"buy includes fees", KindBuy, 10, 150, 10, -1510},
		{"exchange in includes fees", KindExchangeIn, 10, 150, 10, -1510},
		{"rights issue includes fees", KindRightsIssue, 5, 20, 5, -105},
		{"sell nets fees", KindSell, 10, 150, 10, 1490},
		{"exchange out nets fees", KindExchangeOut, 10, 150, 10, 1490},
		{"dividend reinvest moves no cash", KindDividendReinvest, 3, 100, 0, 0},
		{"rights allocation moves no cash", KindRightsAllocation, 10, 0, 0, 0},
		{"split moves no cash", KindSplit, 10, 0, 0, 0},
		{"merger moves no cash", KindMerger, 10, 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := validTransaction(tt.kind)
			tx.Quantity = tt.quantity
			tx.Price = tt.price
			tx.Fees = tt.fees

			impact, err := tx.CashImpact()
			require.NoError(t, err)
			assert.InDelta(t, tt.want, impact, 1e-9)
		})
	}
}

func TestCashImpactSaldoAdjustmentIsSigned(t *testing.T) {
	tx := validTransaction(KindSaldoAdjustment)
	tx.Symbol = "CASH_NOK"
	tx.Quantity = -2
	tx.Price = 1

	impact, err := tx.CashImpact()
	require.NoError(t, err)
	assert.InDelta(t, -2.0, impact, 1e-9)
}

func TestCashImpactSpinOffCashLegOnly(t *testing.T) {
	shareLeg := validTransaction(KindSpinOffIn)
	shareLeg.Quantity = 25
	shareLeg.Price = 0.01

	impact, err := shareLeg.CashImpact()
	require.NoError(t, err)
	assert.Zero(t, impact)

	cashLeg := validTransaction(KindSpinOffIn)
	cashLeg.Symbol = "CASH_NOK"
	cashLeg.Quantity = 125
	cashLeg.Price = 1

	impact, err = cashLeg.CashImpact()
	require.NoError(t, err)
	assert.InDelta(t, 125.0, impact, 1e-9)
}

func TestCashImpactUnknownKindFailsClosed(t *testing.T) {
	tx := validTransaction(Kind("MYSTERY"))
	_, err := tx.CashImpact()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Run("valid transaction passes", func(t *testing.T) {
		tx := validTransaction(KindBuy)
		assert.NoError(t, tx.Validate())
	})

	t.Run("missing fields fail", func(t *testing.T) {
		mutations := map[string]func(*Transaction){
			"portfolio id": func(tx *Transaction) { tx.PortfolioID = "" },
			"symbol":       func(tx *Transaction) { tx.Symbol = "" },
			"kind":         func(tx *Transaction) { tx.Kind = "BOGUS" },
			"sequence id":  func(tx *Transaction) { tx.SequenceID = 0 },
			"date":         func(tx *Transaction) { tx.OccurredOn = time.Time{} },
		}
		for name, mutate := range mutations {
			tx := validTransaction(KindBuy)
			mutate(&tx)
			assert.Error(t, tx.Validate(), name)
		}
	})
}

func TestIsCash(t *testing.T) {
	tx := validTransaction(KindDeposit)
	tx.Symbol = "CASH_NOK"
	assert.True(t, tx.IsCash())

	tx.Symbol = "EQNR"
	assert.False(t, tx.IsCash())
}
