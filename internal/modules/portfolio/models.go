// Package portfolio holds the projection side of the engine: portfolios with
// their cash balance, and the per-instrument positions rebuilt on every
// recalculation.
package portfolio

// Portfolio is the registry row for one account.
type Portfolio struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Currency    string  `json:"currency"`
	CashBalance float64 `json:"cashBalance"`
	CreatedAt   int64   `json:"createdAt"`
	UpdatedAt   int64   `json:"updatedAt"`
}

// Position is the derived (quantity, average cost) pair for one instrument.
// AvgPrice is what consumers see; ComputedAvgPrice is always the replayed
// FIFO value, kept for audit even while a manual override is active.
type Position struct {
	PortfolioID      string  `json:"portfolioId"`
	Symbol           string  `json:"symbol"`
	ISIN             string  `json:"isin,omitempty"`
	Quantity         float64 `json:"quantity"`
	AvgPrice         float64 `json:"avgPrice"`
	ComputedAvgPrice float64 `json:"computedAvgPrice"`
	CostBasis        float64 `json:"costBasis"`
	Currency         string  `json:"currency"`

	UseManualAvgPrice    bool     `json:"useManualAvgPrice"`
	ManualAvgPrice       *float64 `json:"manualAvgPrice,omitempty"`
	ManualAvgPriceReason string   `json:"manualAvgPriceReason,omitempty"`
	ManualAvgPriceDate   *int64   `json:"manualAvgPriceDate,omitempty"`

	LastCalculated *int64 `json:"lastCalculated,omitempty"`
}
