package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"time"

	errors "github.com/fromafrica/escrow-service/internal"
)

// Flutterwave speaks decimal naira on the wire while the rest of the system
// works in integer kobo, so amounts are converted on the way out and rounded
// back on the way in.
type Flutterwave struct {
	baseURL       string
	secretKey     string
	webhookSecret string
	callbackURL   string
	client        *http.Client
	logger        *slog.Logger
}

func NewFlutterwave(cfg Config, logger *slog.Logger) *Flutterwave {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Flutterwave{
		baseURL:       cfg.BaseURL,
		secretKey:     cfg.SecretKey,
		webhookSecret: cfg.WebhookSecret,
		callbackURL:   cfg.CallbackURL,
		client:        &http.Client{Timeout: timeout},
		logger:        logger,
	}
}

func (f *Flutterwave) Name() string {
	return ProviderFlutterwave
}

type flwCustomer struct {
	Email       string `json:"email"`
	PhoneNumber string `json:"phonenumber,omitempty"`
	Name        string `json:"name,omitempty"`
}

func koboToNaira(kobo int64) float64 {
	return float64(kobo) / 100
}

func nairaToKobo(naira float64) int64 {
	return int64(math.Round(naira * 100))
}

type flwInitRequest struct {
	TxRef          string            `json:"tx_ref"`
	Amount         float64           `json:"amount"`
	Currency       string            `json:"currency"`
	RedirectURL    string            `json:"redirect_url"`
	Customer       flwCustomer       `json:"customer"`
	Meta           map[string]string `json:"meta,omitempty"`
	PaymentOptions string            `json:"payment_options"`
}

type flwEnvelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type flwTxnData struct {
	ID                int64   `json:"id"`
	TxRef             string  `json:"tx_ref"`
	Amount            float64 `json:"amount"`
	Status            string  `json:"status"`
	ProcessorResponse string  `json:"processor_response"`
	PaymentType       string  `json:"payment_type"`
	CreatedAt         string  `json:"created_at"`
}

func (f *Flutterwave) InitializePayment(ctx context.Context, intent PaymentIntent) (*InitResult, error) {
	body := flwInitRequest{
		TxRef:       intent.Reference,
		Amount:      koboToNaira(intent.AmountKobo),
		Currency:    "NGN",
		RedirectURL: f.callbackURL,
		Customer: flwCustomer{
			Email:       intent.Email,
			PhoneNumber: intent.PhoneNumber,
			Name:        intent.Name,
		},
		Meta:           intent.Metadata,
		PaymentOptions: "card,banktransfer,ussd,mobilemoney",
	}

	env, err := f.do(ctx, http.MethodPost, "/payments", body, errors.ErrCodeGatewayUnavailable)
	if err != nil {
		return nil, err
	}

	var data struct {
		Link string `json:"link"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, errors.NewInternalError("failed to decode flutterwave payments response", err)
	}

	f.logger.Info("flutterwave payment initialized",
		"tx_ref", intent.Reference,
		"escrow_id", intent.EscrowID)

	return &InitResult{
		AuthorizationURL: data.Link,
		Reference:        intent.Reference,
	}, nil
}

func (f *Flutterwave) VerifyPayment(ctx context.Context, reference, transactionID string) (*Verification, error) {
	// Flutterwave verifies by numeric transaction id when one is known, by
	// tx_ref otherwise.
	path := "/transactions/verify_by_reference?tx_ref=" + url.QueryEscape(reference)
	if transactionID != "" {
		path = "/transactions/" + url.PathEscape(transactionID) + "/verify"
	}

	env, err := f.do(ctx, http.MethodGet, path, nil, errors.ErrCodeVerificationFailed)
	if err != nil {
		return nil, err
	}

	var data flwTxnData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, errors.NewInternalError("failed to decode flutterwave verify response", err)
	}

	if data.Status != "successful" {
		f.logger.Warn("flutterwave transaction not successful",
			"tx_ref", data.TxRef,
			"status", data.Status,
			"processor_response", data.ProcessorResponse)
		return nil, errors.NewPaymentError(
			fmt.Sprintf("payment verification failed: %s", nonEmpty(data.ProcessorResponse, data.Status)),
			errors.ErrCodeVerificationFailed)
	}

	paidAt, _ := time.Parse("2006-01-02T15:04:05.000Z", data.CreatedAt)
	if paidAt.IsZero() {
		paidAt, _ = time.Parse(time.RFC3339, data.CreatedAt)
	}

	return &Verification{
		Reference:       data.TxRef,
		TransactionID:   fmt.Sprintf("%d", data.ID),
		AmountKobo:      nairaToKobo(data.Amount),
		Status:          data.Status,
		Channel:         data.PaymentType,
		GatewayResponse: data.ProcessorResponse,
		PaidAt:          paidAt,
	}, nil
}

type flwRefundRequest struct {
	ID       string  `json:"id"`
	Amount   float64 `json:"amount"`
	Comments string  `json:"comments,omitempty"`
}

func (f *Flutterwave) RefundPayment(ctx context.Context, reference string, amountKobo int64, reason string) (*RefundResult, error) {
	env, err := f.do(ctx, http.MethodPost, "/transactions/refund", flwRefundRequest{
		ID:       reference,
		Amount:   koboToNaira(amountKobo),
		Comments: reason,
	}, errors.ErrCodeRefundFailed)
	if err != nil {
		return nil, err
	}

	var data struct {
		ID     int64  `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, errors.NewInternalError("failed to decode flutterwave refund response", err)
	}

	f.logger.Info("flutterwave refund issued", "reference", reference, "refund_id", data.ID)

	return &RefundResult{
		RefundID: fmt.Sprintf("%d", data.ID),
		Status:   data.Status,
	}, nil
}

// VerifyWebhookSignature checks the verif-hash header: HMAC-SHA256 of the raw
// body keyed with the webhook hash secret.
func (f *Flutterwave) VerifyWebhookSignature(payload []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(f.webhookSecret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func (f *Flutterwave) do(ctx context.Context, method, path string, body interface{}, rejectCode errors.ErrorCode) (*flwEnvelope, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, errors.NewInternalError("failed to marshal flutterwave request", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, f.baseURL+path, reader)
	if err != nil {
		return nil, errors.NewInternalError("failed to create flutterwave request", err)
	}
	req.Header.Set("Authorization", "Bearer "+f.secretKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		f.logger.Error("flutterwave request failed", "method", method, "path", path, "error", err)
		return nil, errors.NewExternalError("flutterwave is unreachable", errors.ErrCodeGatewayUnavailable).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.NewExternalError("failed to read flutterwave response", errors.ErrCodeGatewayUnavailable).WithCause(err)
	}

	var env flwEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errors.NewExternalError("flutterwave returned an unreadable response", errors.ErrCodeGatewayUnavailable).WithCause(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		f.logger.Error("flutterwave API error",
			"method", method,
			"path", path,
			"status_code", resp.StatusCode,
			"message", env.Message)
		return nil, errors.NewExternalError(
			fmt.Sprintf("flutterwave error: %s", nonEmpty(env.Message, resp.Status)),
			errors.ErrCodeGatewayUnavailable)
	}

	if env.Status != "success" {
		return nil, errors.NewPaymentError(
			fmt.Sprintf("flutterwave rejected the request: %s", nonEmpty(env.Message, env.Status)),
			rejectCode)
	}

	return &env, nil
}
