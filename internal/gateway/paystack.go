package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	errors "github.com/fromafrica/escrow-service/internal"
)

// Paystack amounts are already in kobo on the wire, so no conversion happens
// in this adapter.
type Paystack struct {
	baseURL       string
	secretKey     string
	webhookSecret string
	callbackURL   string
	client        *http.Client
	logger        *slog.Logger
}

func NewPaystack(cfg Config, logger *slog.Logger) *Paystack {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Paystack{
		baseURL:       cfg.BaseURL,
		secretKey:     cfg.SecretKey,
		webhookSecret: cfg.WebhookSecret,
		callbackURL:   cfg.CallbackURL,
		client:        &http.Client{Timeout: timeout},
		logger:        logger,
	}
}

func (p *Paystack) Name() string {
	return ProviderPaystack
}

type paystackInitRequest struct {
	Email       string            `json:"email"`
	Amount      int64             `json:"amount"`
	Reference   string            `json:"reference"`
	CallbackURL string            `json:"callback_url"`
	Channels    []string          `json:"channels"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type paystackEnvelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type paystackInitData struct {
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code"`
	Reference        string `json:"reference"`
}

type paystackTxnData struct {
	ID              int64             `json:"id"`
	Status          string            `json:"status"`
	Reference       string            `json:"reference"`
	Amount          int64             `json:"amount"`
	GatewayResponse string            `json:"gateway_response"`
	PaidAt          string            `json:"paid_at"`
	Channel         string            `json:"channel"`
	Metadata        map[string]string `json:"metadata"`
}

func (p *Paystack) InitializePayment(ctx context.Context, intent PaymentIntent) (*InitResult, error) {
	body := paystackInitRequest{
		Email:       intent.Email,
		Amount:      intent.AmountKobo,
		Reference:   intent.Reference,
		CallbackURL: p.callbackURL,
		Channels:    []string{"card", "bank", "ussd", "qr", "mobile_money", "bank_transfer"},
		Metadata:    intent.Metadata,
	}

	env, err := p.do(ctx, http.MethodPost, "/transaction/initialize", body)
	if err != nil {
		return nil, err
	}

	var data paystackInitData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, errors.NewInternalError("failed to decode paystack initialize response", err)
	}

	p.logger.Info("paystack payment initialized",
		"reference", data.Reference,
		"escrow_id", intent.EscrowID)

	return &InitResult{
		AuthorizationURL: data.AuthorizationURL,
		AccessCode:       data.AccessCode,
		Reference:        data.Reference,
	}, nil
}

func (p *Paystack) VerifyPayment(ctx context.Context, reference, _ string) (*Verification, error) {
	env, err := p.do(ctx, http.MethodGet, "/transaction/verify/"+reference, nil)
	if err != nil {
		return nil, err
	}

	var data paystackTxnData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, errors.NewInternalError("failed to decode paystack verify response", err)
	}

	if data.Status != "success" {
		p.logger.Warn("paystack transaction not successful",
			"reference", reference,
			"status", data.Status,
			"gateway_response", data.GatewayResponse)
		return nil, errors.NewPaymentError(
			fmt.Sprintf("payment verification failed: %s", nonEmpty(data.GatewayResponse, data.Status)),
			errors.ErrCodeVerificationFailed)
	}

	paidAt, _ := time.Parse(time.RFC3339, data.PaidAt)

	return &Verification{
		Reference:       data.Reference,
		TransactionID:   fmt.Sprintf("%d", data.ID),
		AmountKobo:      data.Amount,
		Status:          data.Status,
		Channel:         data.Channel,
		GatewayResponse: data.GatewayResponse,
		PaidAt:          paidAt,
	}, nil
}

type paystackRefundRequest struct {
	Transaction  string `json:"transaction"`
	Amount       int64  `json:"amount"`
	MerchantNote string `json:"merchant_note,omitempty"`
}

func (p *Paystack) RefundPayment(ctx context.Context, reference string, amountKobo int64, reason string) (*RefundResult, error) {
	env, err := p.do(ctx, http.MethodPost, "/refund", paystackRefundRequest{
		Transaction:  reference,
		Amount:       amountKobo,
		MerchantNote: reason,
	})
	if err != nil {
		return nil, err
	}

	var data struct {
		ID     int64  `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, errors.NewInternalError("failed to decode paystack refund response", err)
	}

	p.logger.Info("paystack refund issued", "reference", reference, "refund_id", data.ID)

	return &RefundResult{
		RefundID: fmt.Sprintf("%d", data.ID),
		Status:   data.Status,
	}, nil
}

// VerifyWebhookSignature checks the x-paystack-signature header: HMAC-SHA512
// of the raw body keyed with the secret key.
func (p *Paystack) VerifyWebhookSignature(payload []byte, signature string) bool {
	mac := hmac.New(sha512.New, []byte(p.webhookSecret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func (p *Paystack) do(ctx context.Context, method, path string, body interface{}) (*paystackEnvelope, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, errors.NewInternalError("failed to marshal paystack request", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return nil, errors.NewInternalError("failed to create paystack request", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.secretKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Error("paystack request failed", "method", method, "path", path, "error", err)
		return nil, errors.NewExternalError("paystack is unreachable", errors.ErrCodeGatewayUnavailable).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.NewExternalError("failed to read paystack response", errors.ErrCodeGatewayUnavailable).WithCause(err)
	}

	var env paystackEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errors.NewExternalError("paystack returned an unreadable response", errors.ErrCodeGatewayUnavailable).WithCause(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 || !env.Status {
		p.logger.Error("paystack API error",
			"method", method,
			"path", path,
			"status_code", resp.StatusCode,
			"message", env.Message)
		if path == "/refund" {
			return nil, errors.NewPaymentError(
				fmt.Sprintf("refund rejected: %s", nonEmpty(env.Message, resp.Status)),
				errors.ErrCodeRefundFailed)
		}
		return nil, errors.NewExternalError(
			fmt.Sprintf("paystack error: %s", nonEmpty(env.Message, resp.Status)),
			errors.ErrCodeGatewayUnavailable)
	}

	return &env, nil
}

func nonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return "unknown"
}
