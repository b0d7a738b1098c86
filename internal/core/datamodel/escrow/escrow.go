package escrow

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Escrow statuses. Transitions between them are enforced by the escrow
// service; nothing else writes the status column.
const (
	StatusPending  = "pending"
	StatusFunded   = "funded"
	StatusDisputed = "disputed"
	StatusReleased = "released"
	StatusRefunded = "refunded"
)

// History actions recorded in the transaction history.
const (
	ActionCreated            = "created"
	ActionPaymentInitialized = "payment_initialized"
	ActionPaymentVerified    = "payment_verified"
	ActionFunded             = "funded"
	ActionReleased           = "released"
	ActionDisputed           = "disputed"
	ActionRefunded           = "refunded"
	ActionAdminIntervention  = "admin_intervention"
)

// HistoryEntry is one append-only audit record. Entries are never edited or
// removed once written, admin actions included.
type HistoryEntry struct {
	Action      string    `json:"action"`
	PerformedBy int64     `json:"performed_by"`
	Timestamp   time.Time `json:"timestamp"`
	Notes       string    `json:"notes"`
}

// History is the ordered transaction history, persisted as a jsonb array
// inside the escrow row.
type History []HistoryEntry

func (h History) Value() (driver.Value, error) {
	if h == nil {
		h = History{}
	}
	return json.Marshal(h)
}

func (h *History) Scan(value interface{}) error {
	if value == nil {
		*h = History{}
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported type %T for transaction history", value)
	}
	return json.Unmarshal(raw, h)
}

// Append returns a copy of the history with entries added, stamping any zero
// timestamps. The receiver is left untouched.
func (h History) Append(entries ...HistoryEntry) History {
	out := make(History, len(h), len(h)+len(entries))
	copy(out, h)
	now := time.Now().UTC()
	for _, e := range entries {
		if e.Timestamp.IsZero() {
			e.Timestamp = now
		}
		out = append(out, e)
	}
	return out
}

// Escrow holds buyer funds in trust for exactly one order. AmountKobo is
// fixed at creation from the order total and never changes afterwards.
type Escrow struct {
	ID         int64  `gorm:"primaryKey"`
	OrderID    int64  `gorm:"column:order_id;not null;uniqueIndex"`
	BuyerID    int64  `gorm:"column:buyer_id;not null;index"`
	SellerID   int64  `gorm:"column:seller_id;not null;index"`
	AmountKobo int64  `gorm:"column:amount_kobo;not null"`
	Status     string `gorm:"column:status;default:pending;index"`

	DisputeReason *string `gorm:"column:dispute_reason"`
	AdminNotes    *string `gorm:"column:admin_notes"`

	FundedAt   *time.Time `gorm:"column:funded_at"`
	ReleasedAt *time.Time `gorm:"column:released_at"`

	// Payment details, empty until a payment is initialized. Reference is
	// unique: at most one live initialization per escrow.
	Provider         *string `gorm:"column:provider"`
	Reference        *string `gorm:"column:payment_reference;uniqueIndex"`
	AuthorizationURL *string `gorm:"column:authorization_url"`
	AccessCode       *string `gorm:"column:access_code"`
	TransactionID    *string `gorm:"column:transaction_id"`
	Channel          *string `gorm:"column:channel"`
	GatewayResponse  *string `gorm:"column:gateway_response"`

	// Release conditions.
	DeliveryConfirmed bool       `gorm:"column:delivery_confirmed;default:false"`
	InspectionDays    int        `gorm:"column:inspection_days;default:7"`
	AutoReleaseAt     *time.Time `gorm:"column:auto_release_at"`

	History History `gorm:"column:transaction_history;type:jsonb"`

	CreatedAt time.Time `gorm:"column:created_at;default:now()"`
	UpdatedAt time.Time `gorm:"column:updated_at;default:now()"`
}

func (Escrow) TableName() string {
	return "escrows"
}

func (e *Escrow) HasReference() bool {
	return e.Provider != nil && *e.Provider != "" && e.Reference != nil && *e.Reference != ""
}
