package order

import (
	"context"
	"fmt"
	"log/slog"

	datamodel "github.com/fromafrica/escrow-service/internal/core/datamodel/order"
	"github.com/fromafrica/escrow-service/internal/core/events"
)

// EventHandler keeps the order's payment status in step with the escrow
// lifecycle: released means the seller got paid, refunded means the money
// went back to the buyer.
type EventHandler struct {
	repo   Repository
	logger *slog.Logger
}

func NewEventHandler(repo Repository, logger *slog.Logger) *EventHandler {
	return &EventHandler{
		repo:   repo,
		logger: logger,
	}
}

func (h *EventHandler) HandleEscrowReleased(ctx context.Context, event events.Event) error {
	escrowEvent, ok := event.(*events.EscrowEvent)
	if !ok {
		return fmt.Errorf("expected EscrowEvent, got %T", event)
	}

	if err := h.repo.UpdatePaymentStatus(escrowEvent.OrderID, datamodel.PaymentStatusPaid); err != nil {
		h.logger.Error("failed to mark order paid after release",
			"order_id", escrowEvent.OrderID,
			"escrow_id", escrowEvent.EscrowID,
			"error", err)
		return err
	}

	h.logger.Info("order marked paid",
		"order_id", escrowEvent.OrderID,
		"escrow_id", escrowEvent.EscrowID)
	return nil
}

func (h *EventHandler) HandleEscrowRefunded(ctx context.Context, event events.Event) error {
	escrowEvent, ok := event.(*events.EscrowEvent)
	if !ok {
		return fmt.Errorf("expected EscrowEvent, got %T", event)
	}

	if err := h.repo.Cancel(escrowEvent.OrderID); err != nil {
		h.logger.Error("failed to cancel order after refund",
			"order_id", escrowEvent.OrderID,
			"escrow_id", escrowEvent.EscrowID,
			"error", err)
		return err
	}

	h.logger.Info("order cancelled after refund",
		"order_id", escrowEvent.OrderID,
		"escrow_id", escrowEvent.EscrowID)
	return nil
}

func (h *EventHandler) RegisterEventHandlers(eventBus *events.EventBus) {
	eventBus.Subscribe(events.EventTypeEscrowReleased, h.HandleEscrowReleased)
	eventBus.Subscribe(events.EventTypeEscrowRefunded, h.HandleEscrowRefunded)

	h.logger.Info("order event handlers registered",
		"handlers", []string{events.EventTypeEscrowReleased, events.EventTypeEscrowRefunded})
}
