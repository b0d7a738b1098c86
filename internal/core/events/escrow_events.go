package events

import (
	"time"

	"github.com/google/uuid"
)

const (
	EventTypeEscrowFunded   = "escrow.funded"
	EventTypeEscrowReleased = "escrow.released"
	EventTypeEscrowDisputed = "escrow.disputed"
	EventTypeEscrowRefunded = "escrow.refunded"
)

type EscrowEvent struct {
	BaseEvent
	EscrowID   int64  `json:"escrow_id"`
	OrderID    int64  `json:"order_id"`
	BuyerID    int64  `json:"buyer_id"`
	SellerID   int64  `json:"seller_id"`
	AmountKobo int64  `json:"amount_kobo"`
	Provider   string `json:"provider,omitempty"`
	Reference  string `json:"reference,omitempty"`
	ActorID    int64  `json:"actor_id"`
	Notes      string `json:"notes,omitempty"`
}

func newEscrowEvent(eventType string, escrowID, orderID, buyerID, sellerID, amountKobo, actorID int64, provider, reference, notes string) *EscrowEvent {
	return &EscrowEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      eventType,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"escrow_id":   escrowID,
				"order_id":    orderID,
				"amount_kobo": amountKobo,
				"actor_id":    actorID,
			},
		},
		EscrowID:   escrowID,
		OrderID:    orderID,
		BuyerID:    buyerID,
		SellerID:   sellerID,
		AmountKobo: amountKobo,
		Provider:   provider,
		Reference:  reference,
		ActorID:    actorID,
		Notes:      notes,
	}
}

func NewEscrowFundedEvent(escrowID, orderID, buyerID, sellerID, amountKobo int64, provider, reference string) *EscrowEvent {
	return newEscrowEvent(EventTypeEscrowFunded, escrowID, orderID, buyerID, sellerID, amountKobo, buyerID, provider, reference, "")
}

func NewEscrowReleasedEvent(escrowID, orderID, buyerID, sellerID, amountKobo, actorID int64, notes string) *EscrowEvent {
	return newEscrowEvent(EventTypeEscrowReleased, escrowID, orderID, buyerID, sellerID, amountKobo, actorID, "", "", notes)
}

func NewEscrowDisputedEvent(escrowID, orderID, buyerID, sellerID, amountKobo, actorID int64, reason string) *EscrowEvent {
	return newEscrowEvent(EventTypeEscrowDisputed, escrowID, orderID, buyerID, sellerID, amountKobo, actorID, "", "", reason)
}

func NewEscrowRefundedEvent(escrowID, orderID, buyerID, sellerID, amountKobo, actorID int64, notes string) *EscrowEvent {
	return newEscrowEvent(EventTypeEscrowRefunded, escrowID, orderID, buyerID, sellerID, amountKobo, actorID, "", "", notes)
}
