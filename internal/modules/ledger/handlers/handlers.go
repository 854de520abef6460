// Package handlers provides HTTP handlers for portfolio and ledger operations.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bisand/allegutta-web-sub000/internal/domain"
	"github.com/bisand/allegutta-web-sub000/internal/modules/importer"
	"github.com/bisand/allegutta-web-sub000/internal/modules/ledger"
	"github.com/bisand/allegutta-web-sub000/internal/modules/portfolio"
	"github.com/bisand/allegutta-web-sub000/internal/modules/transactions"
)

// Handler handles portfolio ledger HTTP requests
type Handler struct {
	portfolios *portfolio.Repository
	positions  *portfolio.PositionRepository
	txRepo     *transactions.Repository
	ledger     *ledger.Service
	importer   *importer.Service
	log        zerolog.Logger
}

// NewHandler creates a new ledger handler
func NewHandler(
	portfolios *portfolio.Repository,
	positions *portfolio.PositionRepository,
	txRepo *transactions.Repository,
	ledgerSvc *ledger.Service,
	importerSvc *importer.Service,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		portfolios: portfolios,
		positions:  positions,
		txRepo:     txRepo,
		ledger:     ledgerSvc,
		importer:   importerSvc,
		log:        log.With().Str("handler", "ledger").Logger(),
	}
}

// HandleListPortfolios handles GET /api/portfolios
func (h *Handler) HandleListPortfolios(w http.ResponseWriter, r *http.Request) {
	portfolios, err := h.portfolios.GetAll()
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list portfolios")
		http.Error(w, "Failed to list portfolios", http.StatusInternalServerError)
		return
	}
	if portfolios == nil {
		portfolios = []portfolio.Portfolio{}
	}

	h.writeJSON(w, http.StatusOK, envelope(map[string]interface{}{
		"portfolios": portfolios,
		"count":      len(portfolios),
	}))
}

// HandleCreatePortfolio handles POST /api/portfolios
func (h *Handler) HandleCreatePortfolio(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		Currency string `json:"currency"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "Portfolio name is required", http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Currency == "" {
		req.Currency = "NOK"
	}

	p := portfolio.Portfolio{ID: req.ID, Name: req.Name, Currency: req.Currency}
	if err := h.portfolios.Create(p); err != nil {
		h.log.Error().Err(err).Msg("Failed to create portfolio")
		http.Error(w, "Failed to create portfolio", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusCreated, envelope(p))
}

// HandleGetPositions handles GET /api/portfolios/{id}/positions
func (h *Handler) HandleGetPositions(w http.ResponseWriter, r *http.Request) {
	portfolioID := chi.URLParam(r, "id")

	p, err := h.portfolios.Get(portfolioID)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to get portfolio")
		http.Error(w, "Failed to get portfolio", http.StatusInternalServerError)
		return
	}
	if p == nil {
		http.Error(w, "Portfolio not found", http.StatusNotFound)
		return
	}

	positions, err := h.positions.GetAll(portfolioID)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to query positions")
		http.Error(w, "Failed to query positions", http.StatusInternalServerError)
		return
	}
	if positions == nil {
		positions = []portfolio.Position{}
	}

	h.writeJSON(w, http.StatusOK, envelope(map[string]interface{}{
		"positions":   positions,
		"count":       len(positions),
		"cashBalance": p.CashBalance,
		"currency":    p.Currency,
	}))
}

// HandleGetTransactions handles GET /api/portfolios/{id}/transactions
func (h *Handler) HandleGetTransactions(w http.ResponseWriter, r *http.Request) {
	portfolioID := chi.URLParam(r, "id")

	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsedLimit, err := strconv.Atoi(limitStr); err == nil && parsedLimit > 0 {
			limit = parsedLimit
		}
	}

	var (
		txs []domain.Transaction
		err error
	)
	if symbol := r.URL.Query().Get("symbol"); symbol != "" {
		txs, err = h.txRepo.ListBySymbol(portfolioID, symbol, limit)
	} else {
		txs, err = h.txRepo.ListByPortfolio(portfolioID)
		if limit > 0 && len(txs) > limit {
			txs = txs[:limit]
		}
	}
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to query transactions")
		http.Error(w, "Failed to query transactions", http.StatusInternalServerError)
		return
	}

	records := make([]map[string]interface{}, 0, len(txs))
	for _, tx := range txs {
		records = append(records, transactionResponse(tx))
	}

	h.writeJSON(w, http.StatusOK, envelope(map[string]interface{}{
		"transactions": records,
		"count":        len(records),
	}))
}

// HandleImport handles POST /api/portfolios/{id}/transactions/import
func (h *Handler) HandleImport(w http.ResponseWriter, r *http.Request) {
	portfolioID := chi.URLParam(r, "id")

	p, err := h.portfolios.Get(portfolioID)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to get portfolio")
		http.Error(w, "Failed to get portfolio", http.StatusInternalServerError)
		return
	}
	if p == nil {
		http.Error(w, "Portfolio not found", http.StatusNotFound)
		return
	}

	var req struct {
		Transactions []transactionRequest `json:"transactions"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Transactions) == 0 {
		http.Error(w, "No transactions in batch", http.StatusBadRequest)
		return
	}

	batch := make([]domain.Transaction, 0, len(req.Transactions))
	for i, rec := range req.Transactions {
		tx, err := rec.toDomain(p.Currency)
		if err != nil {
			http.Error(w, "Invalid transaction at index "+strconv.Itoa(i)+": "+err.Error(),
				http.StatusBadRequest)
			return
		}
		batch = append(batch, tx)
	}

	result, err := h.importer.ImportBatch(portfolioID, batch)
	if err != nil {
		h.log.Error().Err(err).Msg("Import failed")
		http.Error(w, "Import failed", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, envelope(result))
}

// HandleRecalculate handles POST /api/portfolios/{id}/recalculate
func (h *Handler) HandleRecalculate(w http.ResponseWriter, r *http.Request) {
	portfolioID := chi.URLParam(r, "id")

	summary, err := h.ledger.RecalculateAll(portfolioID)
	if err != nil {
		h.log.Error().Err(err).Msg("Recalculation failed")
		http.Error(w, "Recalculation failed", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, envelope(summary))
}

// HandleRecalculateInstrument handles POST /api/portfolios/{id}/recalculate/{symbol}
func (h *Handler) HandleRecalculateInstrument(w http.ResponseWriter, r *http.Request) {
	portfolioID := chi.URLParam(r, "id")
	symbol := chi.URLParam(r, "symbol")

	pos, warnings, err := h.ledger.RecalculateInstrument(portfolioID, symbol)
	if err != nil {
		h.log.Error().Err(err).Str("symbol", symbol).Msg("Instrument recalculation failed")
		http.Error(w, "Recalculation failed", http.StatusInternalServerError)
		return
	}
	if pos == nil {
		http.Error(w, "No transactions for instrument", http.StatusNotFound)
		return
	}

	h.writeJSON(w, http.StatusOK, envelope(map[string]interface{}{
		"position": pos,
		"warnings": warnings,
	}))
}

// HandleManualAverage handles PATCH /api/portfolios/{id}/positions/{symbol}/manual-average
func (h *Handler) HandleManualAverage(w http.ResponseWriter, r *http.Request) {
	portfolioID := chi.URLParam(r, "id")
	symbol := chi.URLParam(r, "symbol")

	var req struct {
		UseManualAvgPrice bool     `json:"useManualAvgPrice"`
		ManualAvgPrice    *float64 `json:"manualAvgPrice"`
		Reason            string   `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.UseManualAvgPrice {
		if req.ManualAvgPrice == nil || *req.ManualAvgPrice <= 0 {
			http.Error(w, "manualAvgPrice must be a positive number", http.StatusBadRequest)
			return
		}
		pos, err := h.ledger.SetManualAverage(portfolioID, symbol, *req.ManualAvgPrice, req.Reason)
		if err != nil {
			h.log.Error().Err(err).Str("symbol", symbol).Msg("Failed to set manual average")
			http.Error(w, "Failed to set manual average", http.StatusInternalServerError)
			return
		}
		h.writeJSON(w, http.StatusOK, envelope(pos))
		return
	}

	pos, warnings, err := h.ledger.ClearManualAverage(portfolioID, symbol)
	if err != nil {
		h.log.Error().Err(err).Str("symbol", symbol).Msg("Failed to clear manual average")
		http.Error(w, "Failed to clear manual average", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, envelope(map[string]interface{}{
		"position": pos,
		"warnings": warnings,
	}))
}

// transactionRequest is the wire shape of one imported transaction.
// occurredOn accepts RFC3339 or a plain date.
type transactionRequest struct {
	ID                string   `json:"id"`
	SequenceID        int64    `json:"sequenceId"`
	Symbol            string   `json:"symbol"`
	ISIN              string   `json:"isin"`
	Kind              string   `json:"kind"`
	Quantity          float64  `json:"quantity"`
	Price             float64  `json:"price"`
	Fees              float64  `json:"fees"`
	Currency          string   `json:"currency"`
	OccurredOn        string   `json:"occurredOn"`
	Notes             string   `json:"notes"`
	StatementBalance  *float64 `json:"statementBalance"`
	CostBasisOverride *float64 `json:"costBasisOverride"`
}

func (r transactionRequest) toDomain(defaultCurrency string) (domain.Transaction, error) {
	occurredOn, err := parseTimestamp(r.OccurredOn)
	if err != nil {
		return domain.Transaction{}, err
	}
	currency := r.Currency
	if currency == "" {
		currency = defaultCurrency
	}
	return domain.Transaction{
		ID:                r.ID,
		SequenceID:        r.SequenceID,
		Symbol:            r.Symbol,
		ISIN:              r.ISIN,
		Kind:              domain.Kind(r.Kind),
		Quantity:          r.Quantity,
		Price:             r.Price,
		Fees:              r.Fees,
		Currency:          currency,
		OccurredOn:        occurredOn,
		Notes:             r.Notes,
		StatementBalance:  r.StatementBalance,
		CostBasisOverride: r.CostBasisOverride,
	}, nil
}

func parseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}

func transactionResponse(tx domain.Transaction) map[string]interface{} {
	rec := map[string]interface{}{
		"id":         tx.ID,
		"sequenceId": tx.SequenceID,
		"symbol":     tx.Symbol,
		"kind":       string(tx.Kind),
		"quantity":   tx.Quantity,
		"price":      tx.Price,
		"fees":       tx.Fees,
		"currency":   tx.Currency,
		"occurredOn": tx.OccurredOn.Format(time.RFC3339),
	}
	if tx.ISIN != "" {
		rec["isin"] = tx.ISIN
	}
	if tx.Notes != "" {
		rec["notes"] = tx.Notes
	}
	if tx.StatementBalance != nil {
		rec["statementBalance"] = *tx.StatementBalance
	}
	if tx.CostBasisOverride != nil {
		rec["costBasisOverride"] = *tx.CostBasisOverride
	}
	return rec
}

func envelope(data interface{}) map[string]interface{} {
	return map[string]interface{}{
		"data": data,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	}
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
