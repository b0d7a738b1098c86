package escrow

import (
	"context"
	"log/slog"
	"time"

	errors "github.com/fromafrica/escrow-service/internal"
	escrowDatamodel "github.com/fromafrica/escrow-service/internal/core/datamodel/escrow"
	orderDatamodel "github.com/fromafrica/escrow-service/internal/core/datamodel/order"
	"github.com/fromafrica/escrow-service/internal/core/events"
	"github.com/fromafrica/escrow-service/internal/gateway"
	"github.com/fromafrica/escrow-service/internal/order"
)

// SystemActorID marks history entries written by the service itself rather
// than a user, such as automatic release after the inspection window.
const SystemActorID int64 = 0

// Repository defines the data access methods for escrows.
type Repository interface {
	Create(e *Escrow) error
	GetByID(id int64) (*Escrow, error)
	GetByOrderID(orderID int64) (*Escrow, error)
	GetByReference(reference string) (*Escrow, error)
	GetByUserID(userID int64, limit, offset int) ([]*Escrow, error)
	GetByStatus(status string, limit, offset int) ([]*Escrow, error)
	GetAll(limit, offset int) ([]*Escrow, error)
	GetExpiredFunded(now time.Time, limit int) ([]*Escrow, error)

	// UpdateStatusIf applies updates only while the row still holds one of
	// fromStatuses. It reports whether this caller won the write; false
	// means another writer moved the row first.
	UpdateStatusIf(id int64, fromStatuses []string, updates map[string]interface{}) (bool, error)

	// UpdatePaymentSessionIf records a checkout session only while the escrow
	// is still pending and carries no reference yet. False means another
	// writer got there first.
	UpdatePaymentSessionIf(id int64, updates map[string]interface{}) (bool, error)
}

// Service owns the escrow lifecycle: creation, payment reconciliation and
// every status transition.
type Service struct {
	repo     Repository
	orders   order.Repository
	gateways *gateway.Registry
	eventBus *events.EventBus
	logger   *slog.Logger
}

func NewService(repo Repository, orders order.Repository, gateways *gateway.Registry, eventBus *events.EventBus, logger *slog.Logger) *Service {
	return &Service{
		repo:     repo,
		orders:   orders,
		gateways: gateways,
		eventBus: eventBus,
		logger:   logger,
	}
}

// CreateEscrow opens a pending escrow for the buyer's order. The amount is
// copied from the order total and fixed for the life of the escrow.
func (s *Service) CreateEscrow(buyerID int64, dto CreateEscrowDTO) (*Escrow, error) {
	if err := dto.Validate(); err != nil {
		return nil, err
	}

	ord, err := s.orders.GetByID(dto.OrderID)
	if err != nil {
		return nil, err
	}

	if ord.BuyerID != buyerID {
		s.logger.Warn("escrow create denied: order belongs to another buyer",
			"order_id", ord.ID, "order_buyer_id", ord.BuyerID, "user_id", buyerID)
		return nil, errors.ErrUnauthorizedAccess
	}

	if ord.Status == orderDatamodel.StatusCancelled {
		return nil, errors.NewValidationError("Order is cancelled", errors.ErrCodeValidationFailed)
	}

	if ord.EscrowID != nil {
		return nil, errors.ErrOrderAlreadyEscrow
	}
	if existing, err := s.repo.GetByOrderID(ord.ID); err == nil && existing != nil {
		return nil, errors.ErrOrderAlreadyEscrow
	}

	if ord.TotalPriceKobo <= 0 {
		return nil, errors.NewValidationError("Order total must be positive", errors.ErrCodeInvalidAmount)
	}

	inspectionDays := dto.InspectionDays
	if inspectionDays <= 0 {
		inspectionDays = 7
	}

	esc := &Escrow{
		OrderID:        ord.ID,
		BuyerID:        ord.BuyerID,
		SellerID:       ord.SellerID,
		AmountKobo:     ord.TotalPriceKobo,
		Status:         escrowDatamodel.StatusPending,
		InspectionDays: inspectionDays,
		History: escrowDatamodel.History{}.Append(escrowDatamodel.HistoryEntry{
			Action:      escrowDatamodel.ActionCreated,
			PerformedBy: buyerID,
			Notes:       "escrow created for order",
		}),
	}

	if err := s.repo.Create(esc); err != nil {
		s.logger.Error("failed to create escrow", "error", err, "order_id", ord.ID)
		return nil, err
	}

	if err := s.orders.AttachEscrow(ord.ID, esc.ID); err != nil {
		s.logger.Error("failed to attach escrow to order", "error", err, "order_id", ord.ID, "escrow_id", esc.ID)
		return nil, err
	}

	s.logger.Info("escrow created",
		"escrow_id", esc.ID,
		"order_id", ord.ID,
		"buyer_id", ord.BuyerID,
		"seller_id", ord.SellerID,
		"amount_kobo", esc.AmountKobo)

	return esc, nil
}

// InitializePayment opens a provider checkout session for a pending escrow.
func (s *Service) InitializePayment(ctx context.Context, escrowID, userID int64, email, name string, dto InitializePaymentDTO) (*InitializePaymentResponse, error) {
	if err := dto.Validate(); err != nil {
		return nil, err
	}

	esc, err := s.repo.GetByID(escrowID)
	if err != nil {
		return nil, err
	}

	if esc.BuyerID != userID {
		s.logger.Warn("payment init denied: user is not the buyer",
			"escrow_id", escrowID, "user_id", userID)
		return nil, errors.ErrUnauthorizedAccess
	}

	if esc.Status != escrowDatamodel.StatusPending {
		return nil, errors.NewConflictError("Escrow is already funded or closed", errors.ErrCodeAlreadyProcessed)
	}

	if esc.HasReference() {
		return nil, errors.ErrPaymentInitialized
	}

	gw, err := s.gateways.Get(dto.Provider)
	if err != nil {
		return nil, err
	}

	reference := gateway.NewReference(gw.Name(), esc.ID)
	result, err := gw.InitializePayment(ctx, gateway.PaymentIntent{
		Email:      email,
		Name:       name,
		AmountKobo: esc.AmountKobo,
		Reference:  reference,
		EscrowID:   esc.ID,
		OrderID:    esc.OrderID,
		Metadata: map[string]string{
			"escrow_id": gateway.FormatID(esc.ID),
			"order_id":  gateway.FormatID(esc.OrderID),
		},
	})
	if err != nil {
		s.logger.Error("payment initialization failed",
			"escrow_id", esc.ID, "provider", gw.Name(), "error", err)
		return nil, err
	}

	providerName := gw.Name()
	updates := map[string]interface{}{
		"provider":          providerName,
		"payment_reference": result.Reference,
		"authorization_url": result.AuthorizationURL,
		"transaction_history": esc.History.Append(escrowDatamodel.HistoryEntry{
			Action:      escrowDatamodel.ActionPaymentInitialized,
			PerformedBy: userID,
			Notes:       "checkout session opened via " + providerName,
		}),
		"updated_at": time.Now(),
	}
	if result.AccessCode != "" {
		updates["access_code"] = result.AccessCode
	}

	won, err := s.repo.UpdatePaymentSessionIf(esc.ID, updates)
	if err != nil {
		s.logger.Error("failed to persist payment session", "error", err, "escrow_id", esc.ID)
		return nil, err
	}
	if !won {
		// Someone else initialized or settled the escrow between our read and
		// this write.
		s.logger.Warn("payment session write lost", "escrow_id", esc.ID)
		if current, rerr := s.repo.GetByID(esc.ID); rerr == nil && current.Status != escrowDatamodel.StatusPending {
			return nil, errors.NewConflictError("Escrow is already funded or closed", errors.ErrCodeAlreadyProcessed)
		}
		return nil, errors.ErrPaymentInitialized
	}

	s.logger.Info("payment initialized",
		"escrow_id", esc.ID,
		"provider", providerName,
		"reference", result.Reference)

	return &InitializePaymentResponse{
		EscrowID:         esc.ID,
		Provider:         providerName,
		Reference:        result.Reference,
		AuthorizationURL: result.AuthorizationURL,
		AccessCode:       result.AccessCode,
	}, nil
}

// VerifyPayment is the buyer-facing reconciliation channel: re-check the
// escrow's payment with the provider and fund it if the money arrived.
func (s *Service) VerifyPayment(ctx context.Context, escrowID, userID int64) (*Escrow, error) {
	esc, err := s.repo.GetByID(escrowID)
	if err != nil {
		return nil, err
	}

	if !IsParty(esc, userID) {
		return nil, errors.ErrUnauthorizedAccess
	}

	if !esc.HasReference() {
		return nil, errors.ErrPaymentNotInit
	}

	return s.ReconcileByReference(ctx, *esc.Reference)
}

// ReconcileByReference is the single funding path shared by explicit verify,
// webhooks and the redirect callback. It is idempotent and safe under
// concurrent delivery: exactly one caller moves the escrow to funded, the
// rest observe the already-funded row.
func (s *Service) ReconcileByReference(ctx context.Context, reference string) (*Escrow, error) {
	esc, err := s.repo.GetByReference(reference)
	if err != nil {
		return nil, err
	}

	if esc.Status != escrowDatamodel.StatusPending {
		s.logger.Info("reconciliation skipped: escrow already settled",
			"escrow_id", esc.ID, "status", esc.Status, "reference", reference)
		return esc, nil
	}

	gw, err := s.gateways.Get(derefString(esc.Provider))
	if err != nil {
		return nil, err
	}

	// The provider's verify API is the only source of truth for whether and
	// how much was paid. Notification payloads are treated as hints only.
	verification, err := gw.VerifyPayment(ctx, reference, derefString(esc.TransactionID))
	if err != nil {
		return nil, err
	}

	if verification.AmountKobo != esc.AmountKobo {
		s.logger.Error("payment amount mismatch",
			"escrow_id", esc.ID,
			"reference", reference,
			"expected_kobo", esc.AmountKobo,
			"paid_kobo", verification.AmountKobo)
		return nil, errors.ErrAmountMismatch
	}

	fundedAt := verification.PaidAt
	if fundedAt.IsZero() {
		fundedAt = time.Now().UTC()
	}
	autoReleaseAt := AutoReleaseTime(fundedAt, esc.InspectionDays)

	history := esc.History.Append(
		escrowDatamodel.HistoryEntry{
			Action:      escrowDatamodel.ActionPaymentVerified,
			PerformedBy: esc.BuyerID,
			Notes:       "payment confirmed by " + gw.Name(),
		},
		escrowDatamodel.HistoryEntry{
			Action:      escrowDatamodel.ActionFunded,
			PerformedBy: esc.BuyerID,
			Notes:       "funds held in escrow",
		},
	)

	won, err := s.repo.UpdateStatusIf(esc.ID, []string{escrowDatamodel.StatusPending}, map[string]interface{}{
		"status":              escrowDatamodel.StatusFunded,
		"funded_at":           fundedAt,
		"auto_release_at":     autoReleaseAt,
		"transaction_id":      verification.TransactionID,
		"channel":             verification.Channel,
		"gateway_response":    verification.GatewayResponse,
		"transaction_history": history,
		"updated_at":          time.Now(),
	})
	if err != nil {
		s.logger.Error("failed to fund escrow", "error", err, "escrow_id", esc.ID)
		return nil, err
	}

	if !won {
		// Another channel funded the escrow between our read and write.
		s.logger.Info("reconciliation lost the funding race, treating as settled",
			"escrow_id", esc.ID, "reference", reference)
		return s.repo.GetByID(esc.ID)
	}

	s.logger.Info("escrow funded",
		"escrow_id", esc.ID,
		"reference", reference,
		"amount_kobo", esc.AmountKobo,
		"provider", gw.Name())

	s.eventBus.Publish(ctx, events.NewEscrowFundedEvent(
		esc.ID, esc.OrderID, esc.BuyerID, esc.SellerID, esc.AmountKobo, gw.Name(), reference))

	return s.repo.GetByID(esc.ID)
}

// Release pays the seller out. The buyer may release a funded escrow; an
// admin may additionally release a disputed one.
func (s *Service) Release(ctx context.Context, escrowID int64, actor Actor, notes string) (*Escrow, error) {
	esc, err := s.repo.GetByID(escrowID)
	if err != nil {
		return nil, err
	}

	if !actor.IsAdmin && esc.BuyerID != actor.UserID {
		s.logger.Warn("release denied: not the buyer",
			"escrow_id", escrowID, "user_id", actor.UserID)
		return nil, errors.ErrUnauthorizedAccess
	}

	if !actor.IsAdmin && esc.Status != escrowDatamodel.StatusFunded {
		return nil, errors.ErrInvalidTransition
	}
	if !CanTransition(esc.Status, escrowDatamodel.StatusReleased) {
		return nil, errors.ErrInvalidTransition
	}

	return s.release(ctx, esc, actor, notes, nil)
}

// release applies the transition to released in a single conditional write.
// Extra history entries and columns, such as an admin intervention note, ride
// in the same write as the transition itself. The guard is the exact status
// the caller read, so a concurrent transition makes this write lose instead
// of overwriting history appended after our read.
func (s *Service) release(ctx context.Context, esc *Escrow, actor Actor, notes string, extra map[string]interface{}, lead ...escrowDatamodel.HistoryEntry) (*Escrow, error) {
	now := time.Now().UTC()
	entry := escrowDatamodel.HistoryEntry{
		Action:      escrowDatamodel.ActionReleased,
		PerformedBy: actor.UserID,
		Notes:       notes,
	}
	if entry.Notes == "" {
		entry.Notes = "funds released to seller"
	}

	updates := map[string]interface{}{
		"status":              escrowDatamodel.StatusReleased,
		"released_at":         now,
		"delivery_confirmed":  true,
		"transaction_history": esc.History.Append(append(lead, entry)...),
		"updated_at":          now,
	}
	for column, value := range extra {
		updates[column] = value
	}

	won, err := s.repo.UpdateStatusIf(esc.ID, []string{esc.Status}, updates)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, errors.ErrInvalidTransition
	}

	s.logger.Info("escrow released",
		"escrow_id", esc.ID, "actor_id", actor.UserID, "amount_kobo", esc.AmountKobo)

	// The order moves to paid as part of the release itself; a failure here
	// has to reach the caller, not just a log line.
	if err := s.eventBus.PublishSync(ctx, events.NewEscrowReleasedEvent(
		esc.ID, esc.OrderID, esc.BuyerID, esc.SellerID, esc.AmountKobo, actor.UserID, entry.Notes)); err != nil {
		s.logger.Error("order update after release failed", "escrow_id", esc.ID, "error", err)
		return nil, err
	}

	return s.repo.GetByID(esc.ID)
}

// Dispute freezes a funded escrow. Either party may raise it.
func (s *Service) Dispute(ctx context.Context, escrowID int64, actor Actor, dto DisputeEscrowDTO) (*Escrow, error) {
	if err := dto.Validate(); err != nil {
		return nil, err
	}

	esc, err := s.repo.GetByID(escrowID)
	if err != nil {
		return nil, err
	}

	if !actor.IsAdmin && !IsParty(esc, actor.UserID) {
		return nil, errors.ErrUnauthorizedAccess
	}

	if !CanTransition(esc.Status, escrowDatamodel.StatusDisputed) {
		return nil, errors.ErrInvalidTransition
	}

	won, err := s.repo.UpdateStatusIf(esc.ID, []string{esc.Status}, map[string]interface{}{
		"status":         escrowDatamodel.StatusDisputed,
		"dispute_reason": dto.Reason,
		"transaction_history": esc.History.Append(escrowDatamodel.HistoryEntry{
			Action:      escrowDatamodel.ActionDisputed,
			PerformedBy: actor.UserID,
			Notes:       dto.Reason,
		}),
		"updated_at": time.Now(),
	})
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, errors.ErrInvalidTransition
	}

	s.logger.Info("escrow disputed",
		"escrow_id", esc.ID, "actor_id", actor.UserID, "reason", dto.Reason)

	s.eventBus.Publish(ctx, events.NewEscrowDisputedEvent(
		esc.ID, esc.OrderID, esc.BuyerID, esc.SellerID, esc.AmountKobo, actor.UserID, dto.Reason))

	return s.repo.GetByID(esc.ID)
}

// Refund sends the money back to the buyer through the original provider.
// Admin only: a funded or disputed escrow may be refunded.
func (s *Service) Refund(ctx context.Context, escrowID int64, actor Actor, dto RefundEscrowDTO) (*Escrow, error) {
	if err := dto.Validate(); err != nil {
		return nil, err
	}

	if !actor.IsAdmin {
		return nil, errors.ErrAdminRequired
	}

	esc, err := s.repo.GetByID(escrowID)
	if err != nil {
		return nil, err
	}

	if !CanTransition(esc.Status, escrowDatamodel.StatusRefunded) {
		return nil, errors.ErrInvalidTransition
	}

	if !esc.HasReference() {
		return nil, errors.ErrPaymentNotInit
	}

	return s.refund(ctx, esc, actor, dto.Reason, nil)
}

// refund issues the provider refund and then applies the transition to
// refunded, guarded on the exact status read so history appended by a
// concurrent transition is never overwritten.
func (s *Service) refund(ctx context.Context, esc *Escrow, actor Actor, reason string, extra map[string]interface{}, lead ...escrowDatamodel.HistoryEntry) (*Escrow, error) {
	gw, err := s.gateways.Get(derefString(esc.Provider))
	if err != nil {
		return nil, err
	}

	refund, err := gw.RefundPayment(ctx, *esc.Reference, esc.AmountKobo, reason)
	if err != nil {
		s.logger.Error("provider refund failed",
			"escrow_id", esc.ID, "provider", gw.Name(), "error", err)
		return nil, err
	}

	updates := map[string]interface{}{
		"status": escrowDatamodel.StatusRefunded,
		"transaction_history": esc.History.Append(append(lead, escrowDatamodel.HistoryEntry{
			Action:      escrowDatamodel.ActionRefunded,
			PerformedBy: actor.UserID,
			Notes:       reason + " (refund " + refund.RefundID + ")",
		})...),
		"updated_at": time.Now(),
	}
	for column, value := range extra {
		updates[column] = value
	}

	won, err := s.repo.UpdateStatusIf(esc.ID, []string{esc.Status}, updates)
	if err != nil {
		return nil, err
	}
	if !won {
		// The provider refund went through but the row moved underneath us.
		// Surface loudly: this needs an operator.
		s.logger.Error("refund executed but status write lost",
			"escrow_id", esc.ID, "refund_id", refund.RefundID)
		return nil, errors.ErrInvalidTransition
	}

	s.logger.Info("escrow refunded",
		"escrow_id", esc.ID, "actor_id", actor.UserID, "refund_id", refund.RefundID)

	// Cancelling the order is part of the refund; surface a failure.
	if err := s.eventBus.PublishSync(ctx, events.NewEscrowRefundedEvent(
		esc.ID, esc.OrderID, esc.BuyerID, esc.SellerID, esc.AmountKobo, actor.UserID, reason)); err != nil {
		s.logger.Error("order update after refund failed", "escrow_id", esc.ID, "error", err)
		return nil, err
	}

	return s.repo.GetByID(esc.ID)
}

// AdminIntervene resolves an escrow by force. The intervention note rides in
// the same conditional write as the resolving transition, so it can never
// land without the transition nor be lost to a concurrent one.
func (s *Service) AdminIntervene(ctx context.Context, escrowID int64, actor Actor, dto AdminInterventionDTO) (*Escrow, error) {
	if err := dto.Validate(); err != nil {
		return nil, err
	}

	if !actor.IsAdmin {
		return nil, errors.ErrAdminRequired
	}

	esc, err := s.repo.GetByID(escrowID)
	if err != nil {
		return nil, err
	}

	lead := escrowDatamodel.HistoryEntry{
		Action:      escrowDatamodel.ActionAdminIntervention,
		PerformedBy: actor.UserID,
		Notes:       dto.Action + ": " + dto.Notes,
	}
	extra := map[string]interface{}{"admin_notes": dto.Notes}

	switch dto.Action {
	case AdminActionRelease:
		if !CanTransition(esc.Status, escrowDatamodel.StatusReleased) {
			return nil, errors.ErrInvalidTransition
		}
		return s.release(ctx, esc, actor, dto.Notes, extra, lead)
	case AdminActionRefund:
		if !CanTransition(esc.Status, escrowDatamodel.StatusRefunded) {
			return nil, errors.ErrInvalidTransition
		}
		if !esc.HasReference() {
			return nil, errors.ErrPaymentNotInit
		}
		return s.refund(ctx, esc, actor, dto.Notes, extra, lead)
	default:
		return nil, errors.NewValidationError("Unknown intervention action", errors.ErrCodeInvalidAction)
	}
}

// ReleaseExpired sweeps funded escrows whose inspection window has passed
// and releases them to the seller. Returns how many were released.
func (s *Service) ReleaseExpired(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 100
	}

	expired, err := s.repo.GetExpiredFunded(time.Now().UTC(), batchSize)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, esc := range expired {
		now := time.Now().UTC()
		won, err := s.repo.UpdateStatusIf(esc.ID, []string{escrowDatamodel.StatusFunded}, map[string]interface{}{
			"status":      escrowDatamodel.StatusReleased,
			"released_at": now,
			"transaction_history": esc.History.Append(escrowDatamodel.HistoryEntry{
				Action:      escrowDatamodel.ActionReleased,
				PerformedBy: SystemActorID,
				Notes:       "auto-released after inspection window",
			}),
			"updated_at": now,
		})
		if err != nil {
			s.logger.Error("auto-release failed", "error", err, "escrow_id", esc.ID)
			continue
		}
		if !won {
			continue
		}

		released++
		if err := s.eventBus.PublishSync(ctx, events.NewEscrowReleasedEvent(
			esc.ID, esc.OrderID, esc.BuyerID, esc.SellerID, esc.AmountKobo,
			SystemActorID, "auto-released after inspection window")); err != nil {
			s.logger.Error("order update after auto-release failed", "escrow_id", esc.ID, "error", err)
		}
	}

	if released > 0 {
		s.logger.Info("auto-release sweep finished", "released", released, "candidates", len(expired))
	}

	return released, nil
}

// GetEscrow retrieves an escrow with access control: parties and admins only.
func (s *Service) GetEscrow(escrowID int64, actor Actor) (*Escrow, error) {
	esc, err := s.repo.GetByID(escrowID)
	if err != nil {
		return nil, err
	}

	if !actor.IsAdmin && !IsParty(esc, actor.UserID) {
		s.logger.Warn("escrow read denied",
			"escrow_id", escrowID, "user_id", actor.UserID)
		return nil, errors.ErrUnauthorizedAccess
	}

	return esc, nil
}

// GetUserEscrows lists escrows where the user is buyer or seller.
func (s *Service) GetUserEscrows(userID int64, limit, offset int) ([]*Escrow, error) {
	return s.repo.GetByUserID(userID, normalizeLimit(limit), offset)
}

// GetAllEscrows is the admin listing, optionally filtered by status.
func (s *Service) GetAllEscrows(actor Actor, status string, limit, offset int) ([]*Escrow, error) {
	if !actor.IsAdmin {
		return nil, errors.ErrAdminRequired
	}

	if status != "" {
		return s.repo.GetByStatus(status, normalizeLimit(limit), offset)
	}
	return s.repo.GetAll(normalizeLimit(limit), offset)
}

// Actor is who is performing an escrow operation.
type Actor struct {
	UserID  int64
	IsAdmin bool
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 100 {
		return 20
	}
	return limit
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
