/**
 * @description
 * This file sets up the HTTP router for the ledger-transfer-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for operator authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// LedgerRoutes creates and returns a new router for the ledger service.
// An empty operatorSecret leaves approve and reject unauthenticated.
func LedgerRoutes(h *LedgerHandlers, operatorSecret string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	r.Route("/transfers", func(r chi.Router) {
		r.Post("/", h.CreateTransferHandler)
		r.Get("/", h.ListTransfersHandler)

		// Decisions on pending transfers are reserved for operators.
		r.Group(func(r chi.Router) {
			r.Use(OperatorAuthMiddleware(operatorSecret))
			r.Patch("/{id}/approve", h.ApproveTransferHandler)
			r.Patch("/{id}/reject", h.RejectTransferHandler)
		})
	})

	r.Route("/accounts", func(r chi.Router) {
		r.Post("/", h.CreateAccountHandler)
		r.Get("/{id}", h.GetAccountHandler)
	})

	return r
}
