package ledger

import "fmt"

// WarningCode classifies data-quality conditions found during replay.
// Warnings are recoverable: replay continues and the caller decides what to
// surface. Only corrupt transactions abort.
type WarningCode string

const (
	// WarnOversell - a disposal exceeded the held quantity; the position
	// was clamped to zero instead of going negative.
	WarnOversell WarningCode = "oversell"
	// WarnLowConfidence - a corporate action's cost basis could not be
	// derived from history and a placeholder was used.
	WarnLowConfidence WarningCode = "low_confidence_cost_basis"
	// WarnUnparseableRatio - a split ratio could not be parsed from the
	// transaction notes.
	WarnUnparseableRatio WarningCode = "unparseable_split_ratio"
	// WarnRatioMismatch - the parsed split ratio disagrees with the
	// cost-preserving value derived from history.
	WarnRatioMismatch WarningCode = "split_ratio_mismatch"
)

// Warning describes a data-quality condition tied to one instrument.
type Warning struct {
	Code          WarningCode `json:"code"`
	Symbol        string      `json:"symbol"`
	TransactionID string      `json:"transactionId,omitempty"`
	Amount        float64     `json:"amount,omitempty"`
	Message       string      `json:"message"`
}

func oversellWarning(symbol, txID string, shortfall float64) Warning {
	return Warning{
		Code:          WarnOversell,
		Symbol:        symbol,
		TransactionID: txID,
		Amount:        shortfall,
		Message:       fmt.Sprintf("disposal exceeds held quantity by %.6f, clamped to zero", shortfall),
	}
}
