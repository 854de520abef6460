package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all portfolio ledger routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/portfolios", func(r chi.Router) {
		r.Get("/", h.HandleListPortfolios)
		r.Post("/", h.HandleCreatePortfolio)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/positions", h.HandleGetPositions)
			r.Get("/transactions", h.HandleGetTransactions)
			r.Post("/transactions/import", h.HandleImport)

			r.Post("/recalculate", h.HandleRecalculate)
			r.Post("/recalculate/{symbol}", h.HandleRecalculateInstrument)

			r.Patch("/positions/{symbol}/manual-average", h.HandleManualAverage)
		})
	})
}
