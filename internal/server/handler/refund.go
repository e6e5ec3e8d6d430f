package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/onramp/internal/domain"
)

// RefundRunner runs refund sweeps.
type RefundRunner interface {
	Scan(ctx context.Context) (domain.RefundReport, error)
	Eligibility(ctx context.Context) (domain.RefundEligibility, error)
}

// RefundHandler exposes refund automation to an external scheduler.
type RefundHandler struct {
	refunds RefundRunner
	logger  *slog.Logger
}

// NewRefundHandler creates a RefundHandler.
func NewRefundHandler(refunds RefundRunner, logger *slog.Logger) *RefundHandler {
	return &RefundHandler{refunds: refunds, logger: logHandler(logger, "refund")}
}

// Run performs one sweep and returns its report.
// POST /refund-automation
func (h *RefundHandler) Run(w http.ResponseWriter, r *http.Request) {
	// The sweep finishes even if the trigger disconnects.
	report, err := h.refunds.Scan(context.WithoutCancel(r.Context()))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "refund sweep failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "refund sweep failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Eligibility returns counts without mutating anything.
// GET /refund-automation
func (h *RefundHandler) Eligibility(w http.ResponseWriter, r *http.Request) {
	e, err := h.refunds.Eligibility(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "refund eligibility failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to count eligible refunds")
		return
	}
	writeJSON(w, http.StatusOK, e)
}
