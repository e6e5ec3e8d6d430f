package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/alanyoungcy/onramp/internal/domain"
)

var (
	walletPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	noteToken     = regexp.MustCompile(`(?i)\b(payment_id|wallet|email|risk)\s*:\s*(\S+)`)
)

// ParseNote extracts the first payment_id, wallet, email and risk tokens
// from a free-text payment note of space-separated key:value pairs.
// payment_id and wallet are required and the wallet must be a 0x address.
func ParseNote(note string) (domain.NoteFields, error) {
	var f domain.NoteFields
	for _, m := range noteToken.FindAllStringSubmatch(note, -1) {
		val := strings.Trim(m[2], `"',;`)
		switch strings.ToLower(m[1]) {
		case "payment_id":
			if f.PaymentID == "" {
				f.PaymentID = val
			}
		case "wallet":
			if f.Wallet == "" {
				f.Wallet = val
			}
		case "email":
			if f.Email == "" {
				f.Email = val
			}
		case "risk":
			if f.Risk == "" {
				f.Risk = val
			}
		}
	}

	var missing []string
	if f.PaymentID == "" {
		missing = append(missing, "payment_id")
	}
	if f.Wallet == "" {
		missing = append(missing, "wallet")
	}
	if len(missing) > 0 {
		return f, fmt.Errorf("note: %s: %w", strings.Join(missing, ", "), domain.ErrMissingFields)
	}
	if !walletPattern.MatchString(f.Wallet) {
		return f, fmt.Errorf("note: wallet %q is not a 0x address: %w", f.Wallet, domain.ErrInvalidPayload)
	}
	return f, nil
}

// IngressConfig holds ingress limits.
type IngressConfig struct {
	ClaimTTL        time.Duration
	DefaultStrategy domain.StrategyType
	WalletLimit     int
	WalletWindow    time.Duration
}

// Ingress turns verified processor events into orchestrator runs, gated by
// a per-wallet rate limit and the payment idempotency claim.
type Ingress struct {
	guard     domain.IdempotencyGuard
	limiter   domain.RateLimiter
	positions domain.PositionStore
	orch      *Orchestrator
	cfg       IngressConfig
	logger    *slog.Logger
}

// NewIngress creates an Ingress. limiter may be nil to disable the wallet
// limit.
func NewIngress(
	guard domain.IdempotencyGuard,
	limiter domain.RateLimiter,
	positions domain.PositionStore,
	orch *Orchestrator,
	cfg IngressConfig,
	logger *slog.Logger,
) *Ingress {
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 24 * time.Hour
	}
	if cfg.DefaultStrategy == "" {
		cfg.DefaultStrategy = domain.StrategyBalanced
	}
	return &Ingress{
		guard:     guard,
		limiter:   limiter,
		positions: positions,
		orch:      orch,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "ingress")),
	}
}

// Handle processes one verified event. Rejections that must never create
// state are returned as errors wrapping domain.ErrMissingFields,
// domain.ErrInvalidPayload or a *domain.RateLimitError. Any other error is
// an infrastructure fault.
func (in *Ingress) Handle(ctx context.Context, evt domain.PaymentEvent) (domain.IngressResult, error) {
	if !evt.Cleared() {
		in.logger.DebugContext(ctx, "event ignored",
			slog.String("type", evt.Type),
			slog.String("status", evt.Status),
		)
		return domain.IngressResult{Outcome: domain.OutcomeIgnored}, nil
	}

	fields, err := ParseNote(evt.Note)
	if err != nil {
		return domain.IngressResult{}, err
	}
	if !evt.Amount.IsPositive() {
		return domain.IngressResult{}, fmt.Errorf("ingress: amount %s: %w", evt.Amount, domain.ErrInvalidPayload)
	}

	log := in.logger.With(slog.String("payment_id", fields.PaymentID))

	won, err := in.guard.Claim(ctx, fields.PaymentID, in.cfg.ClaimTTL)
	if err != nil {
		return domain.IngressResult{}, fmt.Errorf("ingress: claim: %w", err)
	}
	if !won {
		log.InfoContext(ctx, "duplicate delivery")
		return domain.IngressResult{Outcome: domain.OutcomeDuplicate}, nil
	}

	existing, err := in.positions.GetByPaymentID(ctx, fields.PaymentID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		if err := in.allow(ctx, fields.Wallet); err != nil {
			in.release(ctx, fields.PaymentID)
			return domain.IngressResult{}, err
		}
		pos, err := in.orch.Execute(ctx, domain.Payment{
			PaymentID: fields.PaymentID,
			Wallet:    fields.Wallet,
			Email:     fields.Email,
			Strategy:  ParseStrategy(fields.Risk, in.cfg.DefaultStrategy),
			Amount:    evt.Amount,
		})
		return in.finish(ctx, fields.PaymentID, pos, err)

	case err != nil:
		in.release(ctx, fields.PaymentID)
		return domain.IngressResult{}, fmt.Errorf("ingress: load position: %w", err)
	}

	attrs := []any{
		slog.String("position_id", existing.ID),
		slog.String("status", string(existing.Status)),
	}
	switch {
	case in.orch.CanRetry(existing):
		if err := in.allow(ctx, fields.Wallet); err != nil {
			in.release(ctx, fields.PaymentID)
			return domain.IngressResult{}, err
		}
		log.InfoContext(ctx, "retrying position", append(attrs, slog.Int("attempt", existing.Attempts+1))...)
		pos, err := in.orch.Retry(ctx, existing)
		if errors.Is(err, domain.ErrStaleWrite) {
			return domain.IngressResult{Outcome: domain.OutcomeDuplicate, Position: &existing}, nil
		}
		return in.finish(ctx, fields.PaymentID, pos, err)

	case existing.Status.InFlight():
		// Winning the claim means no other delivery is running this Position,
		// so an in-flight status is left over from an interrupted run.
		log.InfoContext(ctx, "resuming position", attrs...)
		pos, err := in.orch.Resume(ctx, existing)
		return in.finish(ctx, fields.PaymentID, pos, err)
	}

	log.InfoContext(ctx, "position already exists", attrs...)
	return domain.IngressResult{Outcome: domain.OutcomeDuplicate, Position: &existing}, nil
}

// finish maps an orchestrator run onto the ingress result. Store faults free
// the claim so the processor's re-delivery can pick the Position up again.
func (in *Ingress) finish(ctx context.Context, paymentID string, pos domain.Position, err error) (domain.IngressResult, error) {
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrAlreadyExists):
			in.logger.InfoContext(ctx, "position created concurrently", slog.String("payment_id", paymentID))
			return domain.IngressResult{Outcome: domain.OutcomeDuplicate}, nil
		case errors.Is(err, domain.ErrStaleWrite):
			return domain.IngressResult{}, err
		}
		in.release(ctx, paymentID)
		return domain.IngressResult{}, err
	}
	in.releaseIfRetryable(ctx, pos)
	return domain.IngressResult{Outcome: domain.OutcomeProcessed, Position: &pos}, nil
}

// allow applies the per-wallet limit to deliveries that would start chain
// work. Duplicates never reach it.
func (in *Ingress) allow(ctx context.Context, wallet string) error {
	if in.limiter == nil || in.cfg.WalletLimit <= 0 {
		return nil
	}
	dec, err := in.limiter.Allow(ctx, strings.ToLower(wallet), "webhook", in.cfg.WalletLimit, in.cfg.WalletWindow)
	if err != nil {
		return fmt.Errorf("ingress: rate limit: %w", err)
	}
	if !dec.Allowed {
		return &domain.RateLimitError{Identifier: wallet, ResetAt: dec.ResetAt}
	}
	return nil
}

// releaseIfRetryable drops the claim after a retryable failure so the
// processor's re-delivery can run the Position again.
func (in *Ingress) releaseIfRetryable(ctx context.Context, pos domain.Position) {
	if in.orch.CanRetry(pos) {
		in.release(ctx, pos.PaymentID)
	}
}

func (in *Ingress) release(ctx context.Context, paymentID string) {
	if err := in.guard.Release(context.WithoutCancel(ctx), paymentID); err != nil {
		in.logger.WarnContext(ctx, "release claim failed",
			slog.String("payment_id", paymentID),
			slog.String("error", err.Error()),
		)
	}
}
