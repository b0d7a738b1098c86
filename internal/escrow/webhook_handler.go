package escrow

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	errors "github.com/fromafrica/escrow-service/internal"
	"github.com/fromafrica/escrow-service/internal/gateway"
	"github.com/fromafrica/escrow-service/internal/transport"
)

// WebhookHandler receives the asynchronous reconciliation channels: signed
// provider webhooks and the buyer's browser redirect. Both funnel into the
// same ReconcileByReference path as explicit verification.
type WebhookHandler struct {
	*transport.BaseHandler
	service     *Service
	gateways    *gateway.Registry
	frontendURL string
}

func NewWebhookHandler(service *Service, gateways *gateway.Registry, frontendURL string, lg *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		BaseHandler: transport.NewBaseHandler(lg),
		service:     service,
		gateways:    gateways,
		frontendURL: frontendURL,
	}
}

// paystackWebhookEvent is the subset of the Paystack event envelope we read.
// Everything beyond the reference is only a hint; the authoritative state
// comes from re-verifying with the provider.
type paystackWebhookEvent struct {
	Event string `json:"event"`
	Data  struct {
		Reference string `json:"reference"`
		Status    string `json:"status"`
	} `json:"data"`
}

type flutterwaveWebhookEvent struct {
	Event string `json:"event"`
	Data  struct {
		TxRef  string `json:"tx_ref"`
		Status string `json:"status"`
	} `json:"data"`
}

// PaystackWebhook handles POST /webhooks/paystack. The raw body must match
// the x-paystack-signature HMAC before anything is parsed.
func (h *WebhookHandler) PaystackWebhook(w http.ResponseWriter, r *http.Request) {
	body, ok := h.verifiedBody(w, r, gateway.ProviderPaystack, r.Header.Get("x-paystack-signature"))
	if !ok {
		return
	}

	var event paystackWebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		h.Logger.Error("paystack webhook: unreadable payload", "error", err)
		h.WriteError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	if event.Event != "charge.success" {
		h.Logger.Info("paystack webhook: ignoring event", "event", event.Event)
		h.WriteJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	h.reconcile(w, r, event.Data.Reference)
}

// FlutterwaveWebhook handles POST /webhooks/flutterwave, authenticated by the
// verif-hash header.
func (h *WebhookHandler) FlutterwaveWebhook(w http.ResponseWriter, r *http.Request) {
	body, ok := h.verifiedBody(w, r, gateway.ProviderFlutterwave, r.Header.Get("verif-hash"))
	if !ok {
		return
	}

	var event flutterwaveWebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		h.Logger.Error("flutterwave webhook: unreadable payload", "error", err)
		h.WriteError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	if event.Event != "charge.completed" {
		h.Logger.Info("flutterwave webhook: ignoring event", "event", event.Event)
		h.WriteJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	h.reconcile(w, r, event.Data.TxRef)
}

// MockWebhook handles POST /webhooks/mock from the development simulator,
// which pushes Paystack-shaped events signed with X-Mock-Signature.
func (h *WebhookHandler) MockWebhook(w http.ResponseWriter, r *http.Request) {
	body, ok := h.verifiedBody(w, r, gateway.ProviderMock, r.Header.Get("X-Mock-Signature"))
	if !ok {
		return
	}

	var event paystackWebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		h.Logger.Error("mock webhook: unreadable payload", "error", err)
		h.WriteError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	h.reconcile(w, r, event.Data.Reference)
}

// PaymentCallback handles GET /payments/callback: the provider redirects the
// buyer's browser here after checkout. The query parameters are attacker
// controlled, so the reference is only used to trigger a verified
// reconciliation, never to decide the outcome.
func (h *WebhookHandler) PaymentCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	// Paystack appends trxref/reference, Flutterwave tx_ref.
	reference := query.Get("reference")
	if reference == "" {
		reference = query.Get("trxref")
	}
	if reference == "" {
		reference = query.Get("tx_ref")
	}
	if reference == "" {
		reference = query.Get("ref")
	}

	if reference == "" {
		h.Logger.Warn("payment callback without reference")
		h.redirect(w, r, "/payment/failed", url.Values{"reason": {"missing_reference"}})
		return
	}

	esc, err := h.service.ReconcileByReference(r.Context(), reference)
	if err != nil {
		h.Logger.Warn("payment callback reconciliation failed",
			"reference", reference, "error", err)
		h.redirect(w, r, "/payment/failed", url.Values{
			"reference": {reference},
			"reason":    {callbackFailureReason(err)},
		})
		return
	}

	h.redirect(w, r, "/payment/success", url.Values{
		"reference": {reference},
		"escrow_id": {gateway.FormatID(esc.ID)},
		"status":    {esc.Status},
	})
}

// verifiedBody reads the raw payload and checks the provider HMAC. On any
// failure the payload is discarded unparsed.
func (h *WebhookHandler) verifiedBody(w http.ResponseWriter, r *http.Request, provider, signature string) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.Logger.Error("webhook: failed to read body", "provider", provider, "error", err)
		h.WriteError(w, http.StatusBadRequest, "failed to read body")
		return nil, false
	}

	gw, err := h.gateways.Get(provider)
	if err != nil {
		h.Logger.Error("webhook: provider not configured", "provider", provider)
		h.WriteError(w, http.StatusNotFound, "unknown provider")
		return nil, false
	}

	if signature == "" || !gw.VerifyWebhookSignature(body, signature) {
		h.Logger.Warn("webhook: signature verification failed", "provider", provider)
		h.WriteError(w, http.StatusUnauthorized, "invalid signature")
		return nil, false
	}

	return body, true
}

func (h *WebhookHandler) reconcile(w http.ResponseWriter, r *http.Request, reference string) {
	if reference == "" {
		h.WriteError(w, http.StatusBadRequest, "missing reference")
		return
	}

	esc, err := h.service.ReconcileByReference(r.Context(), reference)
	if err != nil {
		if errors.IsCode(err, errors.ErrCodeReferenceNotFound) {
			// Not ours. Acknowledge so the provider stops retrying.
			h.Logger.Warn("webhook: unknown reference", "reference", reference)
			h.WriteJSON(w, http.StatusOK, map[string]string{"status": "unknown_reference"})
			return
		}
		h.Logger.Error("webhook reconciliation failed", "reference", reference, "error", err)
		h.HandleError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"escrow_id": esc.ID,
		"escrow":    esc.Status,
	})
}

func (h *WebhookHandler) redirect(w http.ResponseWriter, r *http.Request, path string, params url.Values) {
	target := h.frontendURL + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func callbackFailureReason(err error) string {
	if appErr, ok := errors.IsAppError(err); ok {
		switch appErr.Code {
		case errors.ErrCodeAmountMismatch:
			return "amount_mismatch"
		case errors.ErrCodeVerificationFailed:
			return "not_successful"
		case errors.ErrCodeReferenceNotFound:
			return "unknown_reference"
		case errors.ErrCodeGatewayUnavailable:
			return "gateway_unavailable"
		}
	}
	return "verification_error"
}
