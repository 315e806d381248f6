/*
handlers.go - HTTP API handlers for the shuttle booking engine

PURPOSE:
  Exposes engine.Service via REST API. Handles HTTP request/response and
  JSON serialization, and delegates every decision to the engine.

ENDPOINTS:
  Riders & wallet:
    GET    /api/riders                     List riders
    POST   /api/riders                     Register rider (optional initial grant)
    GET    /api/riders/{id}                Rider with wallet balance
    GET    /api/riders/{id}/transactions   Ledger history
    GET    /api/riders/{id}/reconcile      Balance vs ledger sum
    POST   /api/riders/{id}/recharge       Credit the wallet
    GET    /api/riders/{id}/bookings       Booking list (cached)

  Shuttles:
    GET    /api/shuttles/{id}/quote?from=&to=   Fare quote

  Bookings:
    POST   /api/bookings                   Confirm a booking
    GET    /api/bookings/{id}              Booking details
    POST   /api/bookings/{id}/cancel       Cancel with refund

  Admin:
    POST   /api/admin/audit                Reconcile every wallet now

RIDER IDENTITY:
  Authentication happens upstream. The rider acting on a booking comes from
  the X-Rider-ID header, falling back to rider_id in the body.

ERROR HANDLING:
  Errors are returned as {"error": <kind>, "message": <text>}:
  - 400: InvalidRequest
  - 402: InsufficientFunds
  - 404: RiderNotFound, BookingNotFound, ShuttleNotFound
  - 409: InvalidState, Conflict
  - 422: RouteMismatch, CancellationWindowClosed, InvalidAmount
  - 503: StorageUnavailable
  - 500: anything else

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - engine/errors.go: Error kinds
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/campusride/shuttle-engine/engine"
)

const (
	riderHeader       = "X-Rider-ID"
	idempotencyHeader = "Idempotency-Key"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all HTTP handler dependencies.
type Handler struct {
	Service *engine.Service
	Log     *zap.Logger

	// Health reports whether the backing store is reachable. Nil means always healthy.
	Health func(ctx context.Context) error
}

// NewHandler creates a new handler.
func NewHandler(svc *engine.Service, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{Service: svc, Log: log}
}

// =============================================================================
// RIDER ENDPOINTS
// =============================================================================

func (h *Handler) ListRiders(w http.ResponseWriter, r *http.Request) {
	riders, err := h.Service.ListRiders(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dtos := make([]RiderDTO, len(riders))
	for i, rider := range riders {
		dtos[i] = toRiderDTO(rider)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) RegisterRider(w http.ResponseWriter, r *http.Request) {
	var req RegisterRiderRequest
	if !h.decode(w, r, &req) {
		return
	}

	cmd := engine.RegisterCommand{ID: engine.RiderID(req.ID), Name: req.Name}
	if req.InitialGrant != nil {
		cmd.InitialGrant = *req.InitialGrant
	}
	rider, err := h.Service.RegisterRider(r.Context(), cmd)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRiderDTO(rider))
}

func (h *Handler) GetRider(w http.ResponseWriter, r *http.Request) {
	rider, err := h.Service.GetRider(r.Context(), engine.RiderID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRiderDTO(rider))
}

func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := h.Service.WalletHistory(r.Context(), engine.RiderID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = toTransactionDTO(tx)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) ReconcileWallet(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Service.ReconcileWallet(r.Context(), engine.RiderID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReconciliationDTO(rec))
}

func (h *Handler) RechargeWallet(w http.ResponseWriter, r *http.Request) {
	var req RechargeRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.Service.RechargeWallet(r.Context(), engine.RechargeCommand{
		RiderID:     engine.RiderID(chi.URLParam(r, "id")),
		Amount:      req.Amount,
		Description: req.Description,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RechargeResponse{
		Transaction:      toTransactionDTO(res.Transaction),
		NewWalletBalance: res.NewWalletBalance,
	})
}

func (h *Handler) ListBookings(w http.ResponseWriter, r *http.Request) {
	bookings, err := h.Service.ListBookings(r.Context(), engine.RiderID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dtos := make([]BookingDTO, len(bookings))
	for i, b := range bookings {
		dtos[i] = toBookingDTO(b)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// SHUTTLE ENDPOINTS
// =============================================================================

func (h *Handler) QuoteFare(w http.ResponseWriter, r *http.Request) {
	shuttleID := chi.URLParam(r, "id")
	from, to := r.URL.Query().Get("from"), r.URL.Query().Get("to")
	if from == "" || to == "" {
		h.fail(w, r, fmt.Errorf("%w: from and to are required", engine.ErrInvalidRequest))
		return
	}

	fare, err := h.Service.QuoteFare(r.Context(), engine.ShuttleID(shuttleID), engine.StopID(from), engine.StopID(to))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, QuoteDTO{ShuttleID: shuttleID, From: from, To: to, Fare: fare})
}

// =============================================================================
// BOOKING ENDPOINTS
// =============================================================================

func (h *Handler) ConfirmBooking(w http.ResponseWriter, r *http.Request) {
	var req ConfirmBookingRequest
	if !h.decode(w, r, &req) {
		return
	}
	riderID, ok := h.rider(w, r, req.RiderID)
	if !ok {
		return
	}
	key := req.IdempotencyKey
	if hk := strings.TrimSpace(r.Header.Get(idempotencyHeader)); hk != "" {
		key = hk
	}

	res, err := h.Service.ConfirmBooking(r.Context(), engine.ConfirmCommand{
		RiderID:        riderID,
		ShuttleID:      engine.ShuttleID(req.ShuttleID),
		FromStop:       engine.StopID(req.FromStop),
		ToStop:         engine.StopID(req.ToStop),
		QuotedFare:     req.QuotedFare,
		IdempotencyKey: key,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, ConfirmBookingResponse{
		BookingID:        string(res.BookingID),
		Fare:             res.Fare,
		NewWalletBalance: res.NewWalletBalance,
		Replayed:         res.Replayed,
	})
}

// GetBooking checks ownership only when a rider header is present.
func (h *Handler) GetBooking(w http.ResponseWriter, r *http.Request) {
	riderID := engine.RiderID(strings.TrimSpace(r.Header.Get(riderHeader)))
	b, err := h.Service.GetBooking(r.Context(), engine.BookingID(chi.URLParam(r, "id")), riderID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingDTO(b))
}

func (h *Handler) CancelBooking(w http.ResponseWriter, r *http.Request) {
	var req CancelBookingRequest
	if !h.decode(w, r, &req) {
		return
	}
	riderID, ok := h.rider(w, r, req.RiderID)
	if !ok {
		return
	}

	res, err := h.Service.CancelBooking(r.Context(), engine.CancelCommand{
		BookingID: engine.BookingID(chi.URLParam(r, "id")),
		RiderID:   riderID,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CancelBookingResponse{
		BookingID:        string(res.BookingID),
		RefundAmount:     res.RefundAmount,
		Penalty:          res.Penalty,
		NewWalletBalance: res.NewWalletBalance,
	})
}

// =============================================================================
// ADMIN & HEALTH
// =============================================================================

// TriggerAudit reconciles every wallet synchronously.
func (h *Handler) TriggerAudit(w http.ResponseWriter, r *http.Request) {
	mismatched, err := h.Service.AuditWallets(r.Context())
	resp := AuditResponse{Mismatched: make([]ReconciliationDTO, len(mismatched))}
	for i, rec := range mismatched {
		resp.Mismatched[i] = toReconciliationDTO(rec)
	}
	if err != nil {
		if len(mismatched) == 0 && engine.KindOf(err) == engine.KindStorageUnavailable {
			h.fail(w, r, err)
			return
		}
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.Health != nil {
		if err := h.Health(r.Context()); err != nil {
			h.Log.Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads an optional JSON body into dst. An empty body is accepted.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		h.fail(w, r, fmt.Errorf("%w: invalid request body: %v", engine.ErrInvalidRequest, err))
		return false
	}
	return true
}

// rider resolves the acting rider from the header, then the body.
func (h *Handler) rider(w http.ResponseWriter, r *http.Request, fromBody string) (engine.RiderID, bool) {
	id := strings.TrimSpace(r.Header.Get(riderHeader))
	if id == "" {
		id = strings.TrimSpace(fromBody)
	}
	if id == "" {
		h.fail(w, r, fmt.Errorf("%w: rider id is required (%s header or rider_id)", engine.ErrInvalidRequest, riderHeader))
		return "", false
	}
	return engine.RiderID(id), true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	kind := engine.KindOf(err)
	status := statusFor(kind)
	if status >= http.StatusInternalServerError {
		h.Log.Error("request failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("kind", string(kind)),
			zap.Error(err))
	}
	writeError(w, status, kind, err)
}

func statusFor(kind engine.Kind) int {
	switch kind {
	case engine.KindInvalidRequest:
		return http.StatusBadRequest
	case engine.KindInsufficientFunds:
		return http.StatusPaymentRequired
	case engine.KindRiderNotFound, engine.KindBookingNotFound, engine.KindShuttleNotFound:
		return http.StatusNotFound
	case engine.KindInvalidState, engine.KindConflict:
		return http.StatusConflict
	case engine.KindRouteMismatch, engine.KindCancellationWindowClosed, engine.KindInvalidAmount:
		return http.StatusUnprocessableEntity
	case engine.KindStorageUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, kind engine.Kind, err error) {
	resp := ErrorResponse{Error: string(kind)}
	if status == http.StatusInternalServerError {
		resp.Message = "internal error"
	} else if err != nil {
		resp.Message = err.Error()
	}
	writeJSON(w, status, resp)
}
