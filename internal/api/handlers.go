/**
 * @description
 * This file contains the HTTP handlers for the ledger-transfer-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the application service, and writing the HTTP response. They act as the
 * bridge between the web layer and the business logic layer.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: URL parameters.
 * - go.uber.org/zap: Logging of technical failures.
 * - internal/app, internal/domain: For service logic, models, and error codes.
 *
 * @notes
 * - Every error response has the shape {code, message, path, timestamp}.
 * - Technical errors are logged in full and answered with a generic message.
 */

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/transfa/ledger-transfer-service/internal/app"
	"github.com/transfa/ledger-transfer-service/internal/domain"
	"go.uber.org/zap"
)

const maxRequestBodyBytes = 1 << 20

// LedgerHandlers holds the application service that handlers will use.
type LedgerHandlers struct {
	service *app.Service
	logger  *zap.Logger
}

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Path      string `json:"path"`
	Timestamp string `json:"timestamp"`
}

// NewLedgerHandlers creates a new instance of LedgerHandlers.
func NewLedgerHandlers(service *app.Service, logger *zap.Logger) *LedgerHandlers {
	return &LedgerHandlers{service: service, logger: logger.With(zap.String("component", "api"))}
}

// CreateTransferHandler handles requests to move money between two accounts.
func (h *LedgerHandlers) CreateTransferHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateTransferRequest
	if !h.decode(w, r, &req) {
		return
	}

	transfer, err := h.service.CreateTransfer(r.Context(), strings.TrimSpace(req.OriginID), strings.TrimSpace(req.DestinationID), req.Amount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, transfer)
}

// ListTransfersHandler returns the transfers an account took part in, newest first.
func (h *LedgerHandlers) ListTransfersHandler(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("accountId")
	if accountID == "" {
		accountID = r.URL.Query().Get("userId")
	}

	transfers, err := h.service.ListTransfers(r.Context(), accountID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, transfers)
}

// ApproveTransferHandler confirms a pending transfer.
func (h *LedgerHandlers) ApproveTransferHandler(w http.ResponseWriter, r *http.Request) {
	transferID, ok := h.transferID(w, r)
	if !ok {
		return
	}

	transfer, err := h.service.ApproveTransfer(r.Context(), transferID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if operator, ok := GetOperatorID(r.Context()); ok {
		h.logger.Info("transfer approved by operator", zap.String("transfer_id", transferID.String()), zap.String("operator", operator))
	}
	h.writeJSON(w, http.StatusOK, transfer)
}

// RejectTransferHandler closes a pending transfer without moving funds.
func (h *LedgerHandlers) RejectTransferHandler(w http.ResponseWriter, r *http.Request) {
	transferID, ok := h.transferID(w, r)
	if !ok {
		return
	}

	transfer, err := h.service.RejectTransfer(r.Context(), transferID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if operator, ok := GetOperatorID(r.Context()); ok {
		h.logger.Info("transfer rejected by operator", zap.String("transfer_id", transferID.String()), zap.String("operator", operator))
	}
	h.writeJSON(w, http.StatusOK, transfer)
}

// CreateAccountHandler opens an account.
func (h *LedgerHandlers) CreateAccountHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateAccountRequest
	if !h.decode(w, r, &req) {
		return
	}

	account, err := h.service.CreateAccount(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, account)
}

// GetAccountHandler returns a single account.
func (h *LedgerHandlers) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	account, err := h.service.GetAccount(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, account)
}

// transferID parses the {id} URL parameter. A malformed id cannot name any
// transfer, so it is answered like an unknown one.
func (h *LedgerHandlers) transferID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := chi.URLParam(r, "id")
	id, err := uuid.Parse(raw)
	if err != nil {
		h.writeError(w, r, domain.NewError(domain.KindTransferNotFound, "transaction %s not found", raw))
		return uuid.Nil, false
	}
	return id, true
}

func (h *LedgerHandlers) decode(w http.ResponseWriter, r *http.Request, dest any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		h.writeError(w, r, domain.NewError(domain.KindValidation, "invalid request body"))
		return false
	}
	return true
}

// writeJSON is a helper for writing JSON responses.
func (h *LedgerHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			h.logger.Warn("failed to encode response", zap.Error(err))
		}
	}
}

// writeError maps err to its stable code and writes the error body.
func (h *LedgerHandlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := domain.LookupErrorCode(err)

	message := "Unexpected error"
	var domainErr *domain.Error
	if errors.As(err, &domainErr) && domainErr.Kind != domain.KindTechnical {
		message = domainErr.Message
	} else {
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}

	h.writeJSON(w, code.Status, errorResponse{
		Code:      code.Code,
		Message:   message,
		Path:      r.URL.RequestURI(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
}
