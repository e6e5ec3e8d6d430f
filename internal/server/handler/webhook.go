package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/alanyoungcy/onramp/internal/crypto"
	"github.com/alanyoungcy/onramp/internal/domain"
	"github.com/alanyoungcy/onramp/internal/server/middleware"
	"github.com/shopspring/decimal"
)

// PaymentIngress consumes verified payment events.
type PaymentIngress interface {
	Handle(ctx context.Context, evt domain.PaymentEvent) (domain.IngressResult, error)
}

// WebhookConfig holds signature verification settings.
type WebhookConfig struct {
	SigningKey      string
	NotificationURL string
	SignatureHeader string
	MaxBodyBytes    int64
}

// WebhookHandler receives payment processor notifications.
type WebhookHandler struct {
	ingress PaymentIngress
	cfg     WebhookConfig
	logger  *slog.Logger
}

// NewWebhookHandler creates a WebhookHandler.
func NewWebhookHandler(ingress PaymentIngress, cfg WebhookConfig, logger *slog.Logger) *WebhookHandler {
	if cfg.SignatureHeader == "" {
		cfg.SignatureHeader = "X-Square-Hmacsha256-Signature"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &WebhookHandler{ingress: ingress, cfg: cfg, logger: logHandler(logger, "webhook")}
}

// paymentNotification is the processor's event envelope.
type paymentNotification struct {
	EventID string `json:"event_id"`
	Type    string `json:"type"`
	Data    struct {
		Object struct {
			Payment struct {
				ID          string `json:"id"`
				Status      string `json:"status"`
				Note        string `json:"note"`
				AmountMoney struct {
					Amount   int64  `json:"amount"`
					Currency string `json:"currency"`
				} `json:"amount_money"`
			} `json:"payment"`
		} `json:"object"`
	} `json:"data"`
}

func (n paymentNotification) event() domain.PaymentEvent {
	p := n.Data.Object.Payment
	return domain.PaymentEvent{
		EventID:   n.EventID,
		Type:      n.Type,
		PaymentID: p.ID,
		Status:    p.Status,
		Note:      p.Note,
		Amount:    decimal.New(p.AmountMoney.Amount, -2),
		Currency:  p.AmountMoney.Currency,
	}
}

type webhookResponse struct {
	Status     domain.IngressOutcome `json:"status"`
	PositionID string                `json:"positionId,omitempty"`
	Position   domain.PositionStatus `json:"positionStatus,omitempty"`
}

// HandlePayment verifies and ingests one notification.
// POST /webhooks/payments
func (h *WebhookHandler) HandlePayment(w http.ResponseWriter, r *http.Request) {
	if h.cfg.SigningKey == "" {
		h.logger.ErrorContext(r.Context(), "webhook signing key not configured")
		writeError(w, http.StatusInternalServerError, "webhook not configured")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	sig := r.Header.Get(h.cfg.SignatureHeader)
	if !crypto.VerifyWebhook(body, sig, h.cfg.SigningKey, h.cfg.NotificationURL) {
		h.logger.WarnContext(r.Context(), "webhook signature rejected",
			slog.String("remote_addr", r.RemoteAddr),
		)
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	var n paymentNotification
	if err := json.Unmarshal(body, &n); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	// Execution continues after the processor disconnects.
	res, err := h.ingress.Handle(context.WithoutCancel(r.Context()), n.event())
	if err != nil {
		h.writeIngressError(w, r, err)
		return
	}

	resp := webhookResponse{Status: res.Outcome}
	if res.Position != nil {
		resp.PositionID = res.Position.ID
		resp.Position = res.Position.Status
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *WebhookHandler) writeIngressError(w http.ResponseWriter, r *http.Request, err error) {
	var rl *domain.RateLimitError
	switch {
	case errors.As(err, &rl):
		w.Header().Set("Retry-After", strconv.Itoa(middleware.RetryAfterSeconds(rl.ResetAt, time.Now())))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(rl.ResetAt.Unix(), 10))
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	case errors.Is(err, domain.ErrMissingFields), errors.Is(err, domain.ErrInvalidPayload):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.ErrorContext(r.Context(), "payment ingestion failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to process payment")
	}
}
