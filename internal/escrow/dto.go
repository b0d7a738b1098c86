package escrow

import (
	"time"

	errors "github.com/fromafrica/escrow-service/internal"
	"github.com/fromafrica/escrow-service/internal/core/common/validation"
	escrowDatamodel "github.com/fromafrica/escrow-service/internal/core/datamodel/escrow"
	"github.com/fromafrica/escrow-service/internal/gateway"
)

// CreateEscrowDTO opens an escrow for an order. The amount is never part of
// the request: it is copied from the order total server-side.
type CreateEscrowDTO struct {
	OrderID        int64 `json:"order_id"`
	InspectionDays int   `json:"inspection_days,omitempty"`
}

func (dto CreateEscrowDTO) Validate() *errors.AppError {
	validator := validation.NewValidator()

	validator.Field("order_id", dto.OrderID).Required().MinInt(1, errors.ErrCodeValidationFailed)

	return validator.Validate()
}

// InitializePaymentDTO starts a checkout session for a pending escrow.
type InitializePaymentDTO struct {
	Provider string `json:"provider,omitempty"`
}

func (dto InitializePaymentDTO) Validate() *errors.AppError {
	validator := validation.NewValidator()

	validator.Field("provider", dto.Provider).
		OneOf([]string{gateway.ProviderPaystack, gateway.ProviderFlutterwave, gateway.ProviderMock}, errors.ErrCodeInvalidProvider)

	return validator.Validate()
}

// DisputeEscrowDTO freezes a funded escrow pending admin resolution.
type DisputeEscrowDTO struct {
	Reason string `json:"reason"`
}

func (dto DisputeEscrowDTO) Validate() *errors.AppError {
	validator := validation.NewValidator()

	validator.Field("reason", dto.Reason).Required().MinLength(10).MaxLength(1000)

	return validator.Validate()
}

// RefundEscrowDTO reverses a payment back to the buyer. Admin only.
type RefundEscrowDTO struct {
	Reason string `json:"reason"`
}

func (dto RefundEscrowDTO) Validate() *errors.AppError {
	validator := validation.NewValidator()

	validator.Field("reason", dto.Reason).Required().MaxLength(1000)

	return validator.Validate()
}

// Admin intervention actions.
const (
	AdminActionRelease = "release"
	AdminActionRefund  = "refund"
)

// AdminInterventionDTO resolves a disputed escrow one way or the other.
type AdminInterventionDTO struct {
	Action string `json:"action"`
	Notes  string `json:"notes"`
}

func (dto AdminInterventionDTO) Validate() *errors.AppError {
	validator := validation.NewValidator()

	validator.Field("action", dto.Action).Required().
		OneOf([]string{AdminActionRelease, AdminActionRefund}, errors.ErrCodeInvalidAction)
	validator.Field("notes", dto.Notes).Required().MaxLength(1000)

	return validator.Validate()
}

// EscrowResponse is the API view of an escrow.
type EscrowResponse struct {
	ID                int64                        `json:"id"`
	OrderID           int64                        `json:"order_id"`
	BuyerID           int64                        `json:"buyer_id"`
	SellerID          int64                        `json:"seller_id"`
	AmountKobo        int64                        `json:"amount_kobo"`
	Status            string                       `json:"status"`
	Provider          *string                      `json:"provider,omitempty"`
	Reference         *string                      `json:"payment_reference,omitempty"`
	AuthorizationURL  *string                      `json:"authorization_url,omitempty"`
	DisputeReason     *string                      `json:"dispute_reason,omitempty"`
	AdminNotes        *string                      `json:"admin_notes,omitempty"`
	DeliveryConfirmed bool                         `json:"delivery_confirmed"`
	InspectionDays    int                          `json:"inspection_days"`
	FundedAt          *time.Time                   `json:"funded_at,omitempty"`
	ReleasedAt        *time.Time                   `json:"released_at,omitempty"`
	AutoReleaseAt     *time.Time                   `json:"auto_release_at,omitempty"`
	History           []escrowDatamodel.HistoryEntry `json:"transaction_history"`
	CreatedAt         time.Time                    `json:"created_at"`
	UpdatedAt         time.Time                    `json:"updated_at"`
}

func ToResponse(e *Escrow) *EscrowResponse {
	history := e.History
	if history == nil {
		history = escrowDatamodel.History{}
	}
	return &EscrowResponse{
		ID:                e.ID,
		OrderID:           e.OrderID,
		BuyerID:           e.BuyerID,
		SellerID:          e.SellerID,
		AmountKobo:        e.AmountKobo,
		Status:            e.Status,
		Provider:          e.Provider,
		Reference:         e.Reference,
		AuthorizationURL:  e.AuthorizationURL,
		DisputeReason:     e.DisputeReason,
		AdminNotes:        e.AdminNotes,
		DeliveryConfirmed: e.DeliveryConfirmed,
		InspectionDays:    e.InspectionDays,
		FundedAt:          e.FundedAt,
		ReleasedAt:        e.ReleasedAt,
		AutoReleaseAt:     e.AutoReleaseAt,
		History:           history,
		CreatedAt:         e.CreatedAt,
		UpdatedAt:         e.UpdatedAt,
	}
}

func ToResponseSlice(escrows []*Escrow) []*EscrowResponse {
	out := make([]*EscrowResponse, len(escrows))
	for i, e := range escrows {
		out[i] = ToResponse(e)
	}
	return out
}

// InitializePaymentResponse is returned when a checkout session is created.
type InitializePaymentResponse struct {
	EscrowID         int64  `json:"escrow_id"`
	Provider         string `json:"provider"`
	Reference        string `json:"payment_reference"`
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code,omitempty"`
}
