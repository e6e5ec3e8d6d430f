package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/alanyoungcy/onramp/internal/domain"
	"github.com/alanyoungcy/onramp/internal/notify"
)

// markerPending is the refund marker value between claim and broadcast.
const markerPending = "pending"

// RefundConfig holds refund sweep parameters.
type RefundConfig struct {
	// SinkAddress receives refunds; empty means the hub address.
	SinkAddress string
	BatchSize   int
	MarkerTTL   time.Duration
}

// RefundService returns the funding gas of Positions that received gas but
// were rejected by a protocol cap. Each refund is guarded by its own marker
// so concurrent sweeps issue at most one transfer per Position.
type RefundService struct {
	positions domain.PositionStore
	chain     domain.ChainExecutor
	markers   domain.RefundMarker
	alerts    Alerter
	cfg       RefundConfig
	logger    *slog.Logger
	now       func() time.Time
}

// NewRefundService creates a RefundService. alerts may be nil.
func NewRefundService(
	positions domain.PositionStore,
	chain domain.ChainExecutor,
	markers domain.RefundMarker,
	alerts Alerter,
	cfg RefundConfig,
	logger *slog.Logger,
) *RefundService {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MarkerTTL <= 0 {
		cfg.MarkerTTL = 30 * 24 * time.Hour
	}
	return &RefundService{
		positions: positions,
		chain:     chain,
		markers:   markers,
		alerts:    alerts,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "refund")),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Eligibility counts gas_sent_cap_failed Positions without mutating
// anything.
func (s *RefundService) Eligibility(ctx context.Context) (domain.RefundEligibility, error) {
	list, err := s.positions.ListByStatus(ctx, domain.StatusGasSentCapFailed, 0)
	if err != nil {
		return domain.RefundEligibility{}, fmt.Errorf("refund: list: %w", err)
	}
	out := domain.RefundEligibility{Total: len(list)}
	for _, p := range list {
		if p.Refunded() {
			out.AlreadyRefunded++
		} else {
			out.Eligible++
		}
	}
	return out, nil
}

// Scan refunds up to BatchSize eligible Positions. Per-Position failures
// are reported in the result; an error means the sweep could not start.
func (s *RefundService) Scan(ctx context.Context) (domain.RefundReport, error) {
	list, err := s.positions.ListByStatus(ctx, domain.StatusGasSentCapFailed, 0)
	if err != nil {
		return domain.RefundReport{}, fmt.Errorf("refund: list: %w", err)
	}

	report := domain.RefundReport{Results: []domain.RefundItem{}}
	for _, pos := range list {
		if pos.Refunded() {
			continue
		}
		if report.Processed >= s.cfg.BatchSize {
			break
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}

		item := s.refundOne(ctx, pos)
		report.Processed++
		switch item.Outcome {
		case domain.RefundSent:
			report.Successful++
		case domain.RefundFailed:
			report.Failed++
		case domain.RefundSkipped:
			report.Skipped++
		}
		report.Results = append(report.Results, item)
	}

	s.logger.InfoContext(ctx, "refund sweep finished",
		slog.Int("processed", report.Processed),
		slog.Int("successful", report.Successful),
		slog.Int("failed", report.Failed),
		slog.Int("skipped", report.Skipped),
	)
	return report, nil
}

func (s *RefundService) refundOne(ctx context.Context, pos domain.Position) domain.RefundItem {
	item := domain.RefundItem{PositionID: pos.ID, PaymentID: pos.PaymentID}
	log := s.logger.With(slog.String("position_id", pos.ID), slog.String("payment_id", pos.PaymentID))

	amount, ok := new(big.Int).SetString(pos.GasAmountWei, 10)
	if !ok || amount.Sign() <= 0 {
		item.Outcome = domain.RefundFailed
		item.Error = fmt.Sprintf("no recorded funding amount (%q)", pos.GasAmountWei)
		return item
	}

	won, err := s.markers.Claim(ctx, pos.ID, s.cfg.MarkerTTL)
	if err != nil {
		item.Outcome = domain.RefundFailed
		item.Error = fmt.Sprintf("claim refund marker: %v", err)
		return item
	}
	if !won {
		return s.reconcile(ctx, pos, item)
	}

	sink := s.cfg.SinkAddress
	if sink == "" {
		sink = s.chain.HubAddress()
	}

	res := s.chain.Transfer(ctx, sink, amount)
	if !res.Success {
		item.Outcome = domain.RefundFailed
		item.TxHash = res.TxHash
		item.Error = res.Err.Error()
		switch {
		case !res.Broadcast || res.Err.Kind == domain.KindTransactionFailed:
			if err := s.markers.Release(context.WithoutCancel(ctx), pos.ID); err != nil {
				log.WarnContext(ctx, "release refund marker failed", slog.String("error", err.Error()))
			}
		case res.TxHash != "":
			// Broadcast but unconfirmed: the transfer may still land, so the
			// marker keeps the hash and a later sweep reconciles it.
			s.record(ctx, pos.ID, res.TxHash)
		}
		log.ErrorContext(ctx, "refund transfer failed",
			slog.Bool("broadcast", res.Broadcast),
			slog.String("error", res.Err.Error()),
		)
		s.alert(ctx, notify.EventRefundFailed, "Refund failed",
			fmt.Sprintf("Position %s (payment %s): %s", pos.ID, pos.PaymentID, res.Err.Message))
		return item
	}

	s.record(ctx, pos.ID, res.TxHash)
	item.Outcome = domain.RefundSent
	item.TxHash = res.TxHash
	if err := s.markRefunded(ctx, pos, res.TxHash); err != nil {
		item.Error = fmt.Sprintf("refund sent but not recorded on position: %v", err)
		log.ErrorContext(ctx, "record refund on position failed", slog.String("error", err.Error()))
	}
	log.InfoContext(ctx, "refund sent",
		slog.String("tx_hash", res.TxHash),
		slog.String("wei", amount.String()),
		slog.String("sink", sink),
	)
	s.alert(ctx, notify.EventRefundSent, "Refund sent",
		fmt.Sprintf("Position %s (payment %s): %s wei to %s, tx %s", pos.ID, pos.PaymentID, amount, sink, res.TxHash))
	return item
}

// reconcile handles a Position whose marker is held by another sweep or by
// an earlier run that sent the transfer but did not record it. A recorded
// hash counts as a refund only once its receipt confirms it.
func (s *RefundService) reconcile(ctx context.Context, pos domain.Position, item domain.RefundItem) domain.RefundItem {
	item.Outcome = domain.RefundSkipped
	val, err := s.markers.Lookup(ctx, pos.ID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		item.Error = "refund marker released concurrently"
		return item
	case err != nil:
		item.Error = fmt.Sprintf("lookup refund marker: %v", err)
		return item
	}
	if val == markerPending || !strings.HasPrefix(val, "0x") {
		item.Error = "refund in progress"
		return item
	}

	item.TxHash = val
	state, err := s.chain.TransactionState(ctx, val)
	switch {
	case err != nil:
		item.Error = fmt.Sprintf("check refund receipt: %v", err)
		return item
	case state == domain.TxPending:
		item.Error = "refund sent, awaiting confirmation"
		return item
	case state == domain.TxReverted:
		item.Outcome = domain.RefundFailed
		item.Error = "refund transaction reverted; marker released"
		if err := s.markers.Release(context.WithoutCancel(ctx), pos.ID); err != nil {
			item.Error = fmt.Sprintf("refund transaction reverted; release marker: %v", err)
		}
		s.logger.WarnContext(ctx, "refund transaction reverted",
			slog.String("position_id", pos.ID),
			slog.String("tx_hash", val),
		)
		return item
	}

	if err := s.markRefunded(ctx, pos, val); err != nil {
		item.Error = fmt.Sprintf("refund already sent; record on position: %v", err)
		return item
	}
	item.Error = "refund already sent; position reconciled"
	return item
}

func (s *RefundService) markRefunded(ctx context.Context, pos domain.Position, txHash string) error {
	// Refunds are recorded even when the caller has gone away.
	ctx = context.WithoutCancel(ctx)
	now := s.now()
	pos.RefundTxHash = txHash
	pos.RefundedAt = &now
	pos.UpdatedAt = now
	if err := s.positions.Update(ctx, pos, domain.StatusGasSentCapFailed); err != nil {
		if !errors.Is(err, domain.ErrStaleWrite) {
			return err
		}
		// Another sweep or the orchestrator wrote in between; re-read and
		// apply once more on the fresh copy.
		fresh, gerr := s.positions.Get(ctx, pos.ID)
		if gerr != nil {
			return gerr
		}
		if fresh.Refunded() {
			return nil
		}
		fresh.RefundTxHash = txHash
		fresh.RefundedAt = &now
		fresh.UpdatedAt = now
		return s.positions.Update(ctx, fresh, fresh.Status)
	}
	return nil
}

func (s *RefundService) record(ctx context.Context, positionID, txHash string) {
	if err := s.markers.Record(context.WithoutCancel(ctx), positionID, txHash); err != nil {
		s.logger.WarnContext(ctx, "record refund marker failed",
			slog.String("position_id", positionID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *RefundService) alert(ctx context.Context, event, title, message string) {
	if s.alerts == nil {
		return
	}
	if err := s.alerts.Notify(ctx, event, title, message); err != nil {
		s.logger.WarnContext(ctx, "operator notification failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
