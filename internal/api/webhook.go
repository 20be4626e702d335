package api

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"

	"rentledger/internal/metrics"

	"github.com/rs/zerolog"
)

// SignatureHeader carries the hex HMAC-SHA512 of the raw request body,
// keyed with the shared webhook secret.
const SignatureHeader = "x-webhook-signature"

const maxWebhookBody = 1 << 20 // 1 MiB

// webhookEvent is the processor's delivery envelope.
type webhookEvent struct {
	Event string `json:"event"`
	Data  struct {
		Reference string `json:"reference"`
		Status    string `json:"status"`
		Amount    int64  `json:"amount"`
	} `json:"data"`
}

// WebhookHandler authenticates processor deliveries and hands successful
// charges to the verification queue. The handler only acknowledges;
// every state change goes through re-verification against the gateway.
type WebhookHandler struct {
	secret   []byte
	enqueuer VerifyEnqueuer
	logger   zerolog.Logger
}

func NewWebhookHandler(secret string, enqueuer VerifyEnqueuer, logger zerolog.Logger) *WebhookHandler {
	return &WebhookHandler{secret: []byte(secret), enqueuer: enqueuer, logger: logger}
}

func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	metrics.IncHTTP("webhook_payments")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	if !h.validSignature(body, r.Header.Get(SignatureHeader)) {
		metrics.IncWebhook("rejected")
		h.logger.Warn().Str("remote", r.RemoteAddr).Msg("webhook signature mismatch")
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	var event webhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	// Unknown event types are acknowledged so the processor stops
	// redelivering them.
	if event.Event != "charge.success" || event.Data.Reference == "" {
		metrics.IncWebhook("ignored")
		h.logger.Debug().Str("event", event.Event).Msg("webhook event ignored")
		writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
		return
	}

	if err := h.enqueuer.EnqueueVerification(r.Context(), event.Data.Reference, "webhook"); err != nil {
		h.logger.Error().Err(err).Str("reference", event.Data.Reference).Msg("webhook enqueue failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	metrics.IncWebhook("accepted")
	h.logger.Info().Str("reference", event.Data.Reference).Msg("webhook accepted")
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (h *WebhookHandler) validSignature(body []byte, signature string) bool {
	if len(h.secret) == 0 || signature == "" {
		return false
	}
	mac := hmac.New(sha512.New, h.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Sign computes the signature a delivery with the given body should
// carry. Exported for tests and local tooling.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
