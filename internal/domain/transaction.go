// Package domain contains the core transaction types shared by the ledger,
// reconciliation and import modules. The types here are pure values with no
// infrastructure dependencies.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// Kind identifies what a transaction does to holdings and cash.
// The set is closed: both the lot tracker and the cash reconciliation engine
// switch over every kind explicitly and reject anything unknown.
type Kind string

const (
	KindBuy                Kind = "BUY"
	KindSell               Kind = "SELL"
	KindDeposit            Kind = "DEPOSIT"
	KindWithdrawal         Kind = "WITHDRAWAL"
	KindDividend           Kind = "DIVIDEND"
	KindDividendReinvest   Kind = "DIVIDEND_REINVEST"
	KindRefund             Kind = "REFUND"
	KindLiquidation        Kind = "LIQUIDATION"
	KindRedemption         Kind = "REDEMPTION"
	KindExchangeIn         Kind = "EXCHANGE_IN"
	KindExchangeOut        Kind = "EXCHANGE_OUT"
	KindSpinOffIn          Kind = "SPIN_OFF_IN"
	KindTransferIn         Kind = "TRANSFER_IN"
	KindRightsAllocation   Kind = "RIGHTS_ALLOCATION"
	KindRightsIssue        Kind = "RIGHTS_ISSUE"
	KindInterestCharge     Kind = "INTEREST_CHARGE"
	KindDecimalLiquidation Kind = "DECIMAL_LIQUIDATION"
	KindDecimalWithdrawal  Kind = "DECIMAL_WITHDRAWAL"
	KindSplit              Kind = "SPLIT"
	KindMerger             Kind = "MERGER"

	// KindSaldoAdjustment is synthetic: only the reconciliation engine
	// creates these rows, to force the computed cash balance onto a broker
	// statement checkpoint.
	KindSaldoAdjustment Kind = "SALDO_ADJUSTMENT"
)

// CashSymbolPrefix marks pseudo-instruments that hold cash rows
// (e.g. CASH_NOK). They are excluded from instrument recalculation.
const CashSymbolPrefix = "CASH_"

var validKinds = map[Kind]bool{
	KindBuy: true, KindSell: true, KindDeposit: true, KindWithdrawal: true,
	KindDividend: true, KindDividendReinvest: true, KindRefund: true,
	KindLiquidation: true, KindRedemption: true, KindExchangeIn: true,
	KindExchangeOut: true, KindSpinOffIn: true, KindTransferIn: true,
	KindRightsAllocation: true, KindRightsIssue: true, KindInterestCharge: true,
	KindDecimalLiquidation: true, KindDecimalWithdrawal: true,
	KindSplit: true, KindMerger: true, KindSaldoAdjustment: true,
}

// Valid reports whether k is a known transaction kind.
func (k Kind) Valid() bool {
	return validKinds[k]
}

// Transaction is an immutable brokerage fact. SequenceID is the
// broker-assigned ordering key: multiple transactions may share OccurredOn,
// so replay order is always sequence id first, never the timestamp alone.
type Transaction struct {
	ID          string
	PortfolioID string
	SequenceID  int64
	Symbol      string
	ISIN        string
	Kind        Kind
	Quantity    float64
	Price       float64
	Fees        float64
	Currency    string
	OccurredOn  time.Time
	Notes       string

	// StatementBalance is the broker's own running cash balance at this
	// point, when the statement carried one. It is a reconciliation
	// checkpoint, not a derived value.
	StatementBalance *float64

	// CostBasisOverride carries an explicit historical cost basis imported
	// alongside a corporate action (the statement's "Kjøpsverdi" figure).
	// When present it wins over any computed pairing.
	CostBasisOverride *float64
}

// IsCash reports whether the transaction is booked on a cash pseudo-symbol.
func (t *Transaction) IsCash() bool {
	return strings.HasPrefix(t.Symbol, CashSymbolPrefix)
}

// Validate checks the fields every engine pass depends on. A transaction
// failing validation is corrupt and aborts recalculation for its instrument.
func (t *Transaction) Validate() error {
	if t.PortfolioID == "" {
		return fmt.Errorf("transaction %s: missing portfolio id", t.ID)
	}
	if t.Symbol == "" {
		return fmt.Errorf("transaction %s: missing symbol", t.ID)
	}
	if !t.Kind.Valid() {
		return fmt.Errorf("transaction %s: unknown kind %q", t.ID, t.Kind)
	}
	if t.SequenceID == 0 {
		return fmt.Errorf("transaction %s: missing sequence id", t.ID)
	}
	if t.OccurredOn.IsZero() {
		return fmt.Errorf("transaction %s: missing date", t.ID)
	}
	return nil
}

// CashImpact returns the signed cash effect of the transaction. The sign is
// derived from the kind; quantities are stored as magnitudes except for
// SALDO_ADJUSTMENT rows, which carry a signed correction amount.
//
// Unknown kinds are an error, not a silent zero: every new kind must be
// added here and to the lot tracker, or replay fails closed.
func (t *Transaction) CashImpact() (float64, error) {
	amount := t.Quantity * t.Price

	switch t.Kind {
	case KindDeposit, KindDividend, KindRefund, KindLiquidation,
		KindRedemption, KindDecimalLiquidation, KindTransferIn:
		return amount, nil
	case KindSpinOffIn:
		// Spin-off share legs carry nominal prices; cash legs are booked
		// on a CASH_ symbol with price 1. Either way the amount is the
		// correct inflow.
		if t.IsCash() {
			return amount, nil
		}
		return 0, nil
	case KindSaldoAdjustment:
		// Quantity is already signed (-discrepancy).
		return amount, nil
	case KindWithdrawal, KindDecimalWithdrawal, KindInterestCharge:
		return -amount, nil
	case KindBuy, KindExchangeIn, KindRightsIssue:
		return -(amount + t.Fees), nil
	case KindSell, KindExchangeOut:
		return amount - t.Fees, nil
	case KindDividendReinvest, KindRightsAllocation, KindSplit, KindMerger:
		// Reinvested dividends convert straight to shares; allocations,
		// splits and merger markers move no cash.
		return 0, nil
	default:
		return 0, fmt.Errorf("transaction %s: no cash impact rule for kind %q", t.ID, t.Kind)
	}
}
