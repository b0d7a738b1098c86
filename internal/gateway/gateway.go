package gateway

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	errors "github.com/fromafrica/escrow-service/internal"
)

// Provider names accepted over the API.
const (
	ProviderPaystack    = "paystack"
	ProviderFlutterwave = "flutterwave"
	ProviderMock        = "mock"
)

// PaymentIntent carries everything a provider needs to host a checkout page
// for an escrow payment. Amounts are in kobo throughout this package.
type PaymentIntent struct {
	Email       string
	Name        string
	PhoneNumber string
	AmountKobo  int64
	Reference   string
	EscrowID    int64
	OrderID     int64
	Metadata    map[string]string
}

// InitResult is the normalized initialization response: where to send the
// buyer's browser, and the reference later events will carry.
type InitResult struct {
	AuthorizationURL string
	AccessCode       string
	Reference        string
}

// Verification is the normalized, authoritative view of a transaction as the
// provider reports it. The reconciliation path trusts nothing else.
type Verification struct {
	Reference       string
	TransactionID   string
	AmountKobo      int64
	Status          string
	Channel         string
	GatewayResponse string
	PaidAt          time.Time
}

type RefundResult struct {
	RefundID string
	Status   string
}

// Gateway is one payment provider. Implementations translate provider shapes
// into the normalized contract; callers never branch on provider identity
// beyond picking which Gateway to call.
type Gateway interface {
	Name() string

	// InitializePayment creates a provider-hosted checkout session.
	InitializePayment(ctx context.Context, intent PaymentIntent) (*InitResult, error)

	// VerifyPayment is read-only against the provider and safe to call any
	// number of times. transactionID may be empty for reference-keyed
	// providers.
	VerifyPayment(ctx context.Context, reference, transactionID string) (*Verification, error)

	// RefundPayment issues a provider-side reversal of amountKobo.
	RefundPayment(ctx context.Context, reference string, amountKobo int64, reason string) (*RefundResult, error)

	// VerifyWebhookSignature checks the provider's HMAC over the raw webhook
	// payload. A mismatch means the payload must be discarded unread.
	VerifyWebhookSignature(payload []byte, signature string) bool
}

// Config is the per-provider wiring an adapter needs.
type Config struct {
	BaseURL       string
	SecretKey     string
	WebhookSecret string
	CallbackURL   string
	Timeout       time.Duration
}

// Registry holds the configured gateways and the default provider name.
// Selection happens per call, not as global state.
type Registry struct {
	gateways    map[string]Gateway
	defaultName string
}

func NewRegistry(defaultName string, gateways ...Gateway) *Registry {
	byName := make(map[string]Gateway, len(gateways))
	for _, g := range gateways {
		byName[g.Name()] = g
	}
	return &Registry{gateways: byName, defaultName: defaultName}
}

// Get resolves a provider by name, falling back to the default when name is
// empty. Unknown names fail with InvalidProvider.
func (r *Registry) Get(name string) (Gateway, error) {
	if name == "" {
		name = r.defaultName
	}
	g, ok := r.gateways[strings.ToLower(name)]
	if !ok {
		return nil, errors.ErrInvalidProviderName
	}
	return g, nil
}

func (r *Registry) DefaultName() string {
	return r.defaultName
}

// NewReference builds the externally visible payment reference for an escrow.
func NewReference(provider string, escrowID int64) string {
	return fmt.Sprintf("%s_%d_%d_%s",
		strings.ToUpper(provider), escrowID, time.Now().Unix(), uuid.NewString()[:8])
}

// FormatID renders an entity id for provider metadata fields.
func FormatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
