/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the engine's domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Operation results

AMOUNTS:
  Points are serialized as decimal strings ("12.5") so no precision is lost
  in JavaScript clients. Requests accept either strings or JSON numbers.

SEE ALSO:
  - handlers.go: Uses these types
  - engine/types.go: Points JSON encoding
*/
package api

import (
	"time"

	"github.com/campusride/shuttle-engine/engine"
)

// =============================================================================
// RIDERS & WALLET
// =============================================================================

type RiderDTO struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	WalletBalance engine.Points `json:"wallet_balance"`
	CreatedAt     string        `json:"created_at,omitempty"`
}

// RegisterRiderRequest creates a rider. ID is generated when empty.
type RegisterRiderRequest struct {
	ID           string         `json:"id,omitempty"`
	Name         string         `json:"name"`
	InitialGrant *engine.Points `json:"initial_grant,omitempty"`
}

type RechargeRequest struct {
	Amount      engine.Points `json:"amount"`
	Description string        `json:"description,omitempty"`
}

type RechargeResponse struct {
	Transaction      TransactionDTO `json:"transaction"`
	NewWalletBalance engine.Points  `json:"new_wallet_balance"`
}

type TransactionDTO struct {
	ID          string        `json:"id"`
	RiderID     string        `json:"rider_id"`
	BookingID   string        `json:"booking_id,omitempty"`
	Amount      engine.Points `json:"amount"`
	Kind        string        `json:"kind"`
	Description string        `json:"description"`
	CreatedAt   string        `json:"created_at"`
}

type ReconciliationDTO struct {
	RiderID       string        `json:"rider_id"`
	WalletBalance engine.Points `json:"wallet_balance"`
	LedgerSum     engine.Points `json:"ledger_sum"`
	Difference    engine.Points `json:"difference"`
	Entries       int           `json:"entries"`
	Balanced      bool          `json:"balanced"`
}

// AuditResponse lists the wallets that failed reconciliation.
type AuditResponse struct {
	Mismatched []ReconciliationDTO `json:"mismatched"`
	Error      string              `json:"error,omitempty"`
}

// =============================================================================
// BOOKINGS
// =============================================================================

type BookingDTO struct {
	ID        string        `json:"id"`
	RiderID   string        `json:"rider_id"`
	ShuttleID string        `json:"shuttle_id"`
	FromStop  string        `json:"from_stop"`
	ToStop    string        `json:"to_stop"`
	Fare      engine.Points `json:"fare"`
	Penalty   engine.Points `json:"penalty"`
	Status    string        `json:"status"`
	CreatedAt string        `json:"created_at"`
	UpdatedAt string        `json:"updated_at"`
}

// ConfirmBookingRequest books a seat. RiderID may instead come from the
// X-Rider-ID header and IdempotencyKey from the Idempotency-Key header.
type ConfirmBookingRequest struct {
	RiderID        string         `json:"rider_id,omitempty"`
	ShuttleID      string         `json:"shuttle_id"`
	FromStop       string         `json:"from_stop"`
	ToStop         string         `json:"to_stop"`
	QuotedFare     *engine.Points `json:"quoted_fare,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

type ConfirmBookingResponse struct {
	BookingID        string        `json:"booking_id"`
	Fare             engine.Points `json:"fare"`
	NewWalletBalance engine.Points `json:"new_wallet_balance"`
	Replayed         bool          `json:"replayed,omitempty"`
}

type CancelBookingRequest struct {
	RiderID string `json:"rider_id,omitempty"`
}

type CancelBookingResponse struct {
	BookingID        string        `json:"booking_id"`
	RefundAmount     engine.Points `json:"refund_amount"`
	Penalty          engine.Points `json:"penalty"`
	NewWalletBalance engine.Points `json:"new_wallet_balance"`
}

type QuoteDTO struct {
	ShuttleID string        `json:"shuttle_id"`
	From      string        `json:"from"`
	To        string        `json:"to"`
	Fare      engine.Points `json:"fare"`
}

// ErrorResponse carries the stable error kind and a human-readable message.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toRiderDTO(r engine.Rider) RiderDTO {
	dto := RiderDTO{
		ID:            string(r.ID),
		Name:          r.Name,
		WalletBalance: r.WalletBalance,
	}
	if !r.CreatedAt.IsZero() {
		dto.CreatedAt = r.CreatedAt.UTC().Format(time.RFC3339)
	}
	return dto
}

func toTransactionDTO(tx engine.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:          string(tx.ID),
		RiderID:     string(tx.RiderID),
		BookingID:   string(tx.BookingID),
		Amount:      tx.Amount,
		Kind:        string(tx.Kind),
		Description: tx.Description,
		CreatedAt:   tx.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func toBookingDTO(b engine.Booking) BookingDTO {
	return BookingDTO{
		ID:        string(b.ID),
		RiderID:   string(b.RiderID),
		ShuttleID: string(b.ShuttleID),
		FromStop:  string(b.FromStop),
		ToStop:    string(b.ToStop),
		Fare:      b.Fare,
		Penalty:   b.Penalty,
		Status:    string(b.Status),
		CreatedAt: b.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt: b.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func toReconciliationDTO(rec engine.Reconciliation) ReconciliationDTO {
	return ReconciliationDTO{
		RiderID:       string(rec.RiderID),
		WalletBalance: rec.WalletBalance,
		LedgerSum:     rec.LedgerSum,
		Difference:    rec.Difference(),
		Entries:       rec.Entries,
		Balanced:      rec.Balanced(),
	}
}
