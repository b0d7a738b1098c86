package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	errors "github.com/fromafrica/escrow-service/internal"
)

// Mock is the development simulator: deterministic success, a small simulated
// network delay, and an optional delayed webhook push so the full
// reconciliation path can be exercised without provider credentials.
type Mock struct {
	frontendURL   string
	webhookURL    string
	webhookSecret string
	delay         time.Duration
	logger        *slog.Logger

	mu       sync.Mutex
	sessions map[string]mockSession
}

type mockSession struct {
	amountKobo int64
	channel    string
	paidAt     time.Time
}

type MockConfig struct {
	FrontendURL   string
	WebhookURL    string
	WebhookSecret string
	Delay         time.Duration
}

func NewMock(cfg MockConfig, logger *slog.Logger) *Mock {
	secret := cfg.WebhookSecret
	if secret == "" {
		secret = "mock-webhook-secret"
	}
	return &Mock{
		frontendURL:   cfg.FrontendURL,
		webhookURL:    cfg.WebhookURL,
		webhookSecret: secret,
		delay:         cfg.Delay,
		logger:        logger,
		sessions:      make(map[string]mockSession),
	}
}

func (m *Mock) Name() string {
	return ProviderMock
}

func (m *Mock) InitializePayment(ctx context.Context, intent PaymentIntent) (*InitResult, error) {
	m.sleep(ctx)

	m.mu.Lock()
	m.sessions[intent.Reference] = mockSession{
		amountKobo: intent.AmountKobo,
		channel:    "card",
		paidAt:     time.Now().UTC(),
	}
	m.mu.Unlock()

	m.logger.Info("mock payment initialized",
		"reference", intent.Reference,
		"amount_kobo", intent.AmountKobo)

	if m.webhookURL != "" {
		go m.pushWebhook(intent.Reference, intent.AmountKobo)
	}

	return &InitResult{
		AuthorizationURL: fmt.Sprintf("%s/mock-payment?ref=%s&amount=%d", m.frontendURL, intent.Reference, intent.AmountKobo),
		AccessCode:       "mock_access_" + intent.Reference,
		Reference:        intent.Reference,
	}, nil
}

func (m *Mock) VerifyPayment(ctx context.Context, reference, _ string) (*Verification, error) {
	m.sleep(ctx)

	m.mu.Lock()
	session, ok := m.sessions[reference]
	m.mu.Unlock()

	if !ok {
		return nil, errors.NewPaymentError("payment verification failed: transaction not found", errors.ErrCodeVerificationFailed)
	}

	return &Verification{
		Reference:       reference,
		TransactionID:   "mock_txn_" + reference,
		AmountKobo:      session.amountKobo,
		Status:          "success",
		Channel:         session.channel,
		GatewayResponse: "Approved by Mock Gateway",
		PaidAt:          session.paidAt,
	}, nil
}

func (m *Mock) RefundPayment(ctx context.Context, reference string, amountKobo int64, reason string) (*RefundResult, error) {
	m.sleep(ctx)

	m.mu.Lock()
	_, ok := m.sessions[reference]
	m.mu.Unlock()

	if !ok {
		return nil, errors.NewPaymentError("refund rejected: transaction not found", errors.ErrCodeRefundFailed)
	}

	m.logger.Info("mock refund issued", "reference", reference, "amount_kobo", amountKobo, "reason", reason)

	return &RefundResult{
		RefundID: fmt.Sprintf("mock_refund_%d", time.Now().UnixNano()),
		Status:   "success",
	}, nil
}

func (m *Mock) VerifyWebhookSignature(payload []byte, signature string) bool {
	return hmac.Equal([]byte(m.sign(payload)), []byte(signature))
}

// SignPayload exposes the simulator's webhook signature for tests and the
// local webhook pusher.
func (m *Mock) SignPayload(payload []byte) string {
	return m.sign(payload)
}

func (m *Mock) sign(payload []byte) string {
	mac := hmac.New(sha256.New, []byte(m.webhookSecret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// pushWebhook mimics a provider notifying us after the buyer pays: it waits
// out the configured delay and POSTs a signed success event to the local
// webhook endpoint.
func (m *Mock) pushWebhook(reference string, amountKobo int64) {
	time.Sleep(m.delay)

	payload, err := json.Marshal(map[string]interface{}{
		"event": "charge.success",
		"data": map[string]interface{}{
			"reference":        reference,
			"status":           "success",
			"amount":           amountKobo,
			"id":               "mock_txn_" + reference,
			"channel":          "card",
			"gateway_response": "Approved by Mock Gateway",
		},
	})
	if err != nil {
		m.logger.Error("mock webhook marshal failed", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.webhookURL, bytes.NewReader(payload))
	if err != nil {
		m.logger.Error("mock webhook request failed", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Mock-Signature", m.sign(payload))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		m.logger.Error("mock webhook delivery failed", "reference", reference, "error", err)
		return
	}
	defer resp.Body.Close()

	m.logger.Info("mock webhook delivered", "reference", reference, "status_code", resp.StatusCode)
}

func (m *Mock) sleep(ctx context.Context) {
	if m.delay <= 0 {
		return
	}
	select {
	case <-time.After(m.delay):
	case <-ctx.Done():
	}
}
