package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/onramp/internal/classify"
	"github.com/alanyoungcy/onramp/internal/domain"
	"github.com/alanyoungcy/onramp/internal/notify"
)

// PositionsChannel is the SignalBus channel carrying Position updates.
const PositionsChannel = "positions"

// Alerter delivers operator notifications. *notify.Notifier satisfies it.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// OrchestratorConfig holds the execution parameters of an Orchestrator.
type OrchestratorConfig struct {
	Chain string
	Asset string
	// GasAmountWei is the native funding sent to each new wallet. Nil or
	// zero disables funding.
	GasAmountWei *big.Int
	Strategies   map[domain.StrategyType][]domain.Allocation
	// MaxAttempts bounds how many times a retryable failure is re-run.
	MaxAttempts int
}

// Orchestrator drives a cleared payment through funding and protocol
// deposits and records every step on its Position.
type Orchestrator struct {
	positions domain.PositionStore
	chain     domain.ChainExecutor
	bus       domain.SignalBus
	alerts    Alerter
	cfg       OrchestratorConfig
	logger    *slog.Logger

	now   func() time.Time
	newID func() string
}

// NewOrchestrator creates an Orchestrator. bus and alerts may be nil.
func NewOrchestrator(
	positions domain.PositionStore,
	chain domain.ChainExecutor,
	bus domain.SignalBus,
	alerts Alerter,
	cfg OrchestratorConfig,
	logger *slog.Logger,
) *Orchestrator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Orchestrator{
		positions: positions,
		chain:     chain,
		bus:       bus,
		alerts:    alerts,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "orchestrator")),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
}

// Execute creates the Position for p and runs it to a terminal state.
// Business failures are recorded on the returned Position; an error is
// returned only when the store could not be written.
func (o *Orchestrator) Execute(ctx context.Context, p domain.Payment) (domain.Position, error) {
	pos, err := o.stageCreate(ctx, p)
	if err != nil {
		if pos.ID != "" {
			pos = o.abandon(ctx, pos, err)
		}
		return pos, err
	}
	if pos.Status.IsTerminal() {
		return pos, nil
	}
	pos, err = o.run(ctx, pos)
	if err != nil {
		pos = o.abandon(ctx, pos, err)
	}
	return pos, err
}

// CanRetry reports whether pos may be re-run by a re-delivery.
func (o *Orchestrator) CanRetry(pos domain.Position) bool {
	if pos.Status != domain.StatusFailed && pos.Status != domain.StatusSupplyFailed {
		return false
	}
	return classify.Retryable(pos.ErrorType) && pos.Attempts < o.cfg.MaxAttempts
}

// Retry moves a retryable failed Position back to pending and runs it
// again. Confirmed legs are kept; funding is not repeated once sent.
func (o *Orchestrator) Retry(ctx context.Context, pos domain.Position) (domain.Position, error) {
	if !o.CanRetry(pos) {
		return pos, fmt.Errorf("orchestrator: retry %s from %s (%s): %w",
			pos.ID, pos.Status, pos.ErrorType, domain.ErrInvalidTransition)
	}
	pos = pos.Clone()
	pos.Attempts++
	pos.Error = ""
	pos.ErrorType = ""
	for i := range pos.Legs {
		if pos.Legs[i].Status != domain.LegConfirmed {
			pos.Legs[i] = domain.ProtocolLeg{Protocol: pos.Legs[i].Protocol, Amount: pos.Legs[i].Amount, Status: domain.LegPending}
		}
	}
	if err := o.transition(ctx, &pos, domain.StatusPending); err != nil {
		return pos, err
	}
	pos, err := o.run(ctx, pos)
	if err != nil {
		pos = o.abandon(ctx, pos, err)
	}
	return pos, err
}

// Resume continues a Position whose earlier run stopped before a terminal
// state. A run interrupted before its deposits starts again from funding.
// A run interrupted during deposits is settled as a non-retryable failure
// since its unconfirmed legs may or may not have landed.
func (o *Orchestrator) Resume(ctx context.Context, pos domain.Position) (domain.Position, error) {
	if !pos.Status.InFlight() {
		return pos, fmt.Errorf("orchestrator: resume %s from %s: %w", pos.ID, pos.Status, domain.ErrInvalidTransition)
	}
	pos = pos.Clone()
	o.logger.WarnContext(ctx, "resuming interrupted position",
		slog.String("position_id", pos.ID),
		slog.String("payment_id", pos.PaymentID),
		slog.String("status", string(pos.Status)),
	)

	switch {
	case pos.Status == domain.StatusExecuting:
		err := o.settle(ctx, &pos, domain.KindUnknown, "execution interrupted during deposits; unconfirmed legs need reconciliation")
		return pos, err
	case len(pos.Legs) == 0:
		err := o.settle(ctx, &pos, domain.KindUnknown, fmt.Sprintf("strategy %s has no allocation", pos.StrategyType))
		return pos, err
	}

	pos, err := o.run(ctx, pos)
	if err != nil {
		pos = o.abandon(ctx, pos, err)
	}
	return pos, err
}

func (o *Orchestrator) run(ctx context.Context, pos domain.Position) (domain.Position, error) {
	if err := o.stageFund(ctx, &pos); err != nil {
		return pos, err
	}
	if err := o.transition(ctx, &pos, domain.StatusExecuting); err != nil {
		return pos, err
	}
	if err := o.stageDeposit(ctx, &pos); err != nil {
		return pos, err
	}
	if err := o.stageFinalize(ctx, &pos); err != nil {
		return pos, err
	}
	return pos, nil
}

// stageCreate persists a new pending Position. A payment whose strategy
// cannot be allocated is recorded as failed immediately.
func (o *Orchestrator) stageCreate(ctx context.Context, p domain.Payment) (domain.Position, error) {
	now := o.now()
	pos := domain.Position{
		ID:            o.newID(),
		PaymentID:     p.PaymentID,
		WalletAddress: p.Wallet,
		UserEmail:     p.Email,
		StrategyType:  p.Strategy,
		USDCAmount:    p.Amount.Round(centPlaces),
		Status:        domain.StatusPending,
		Attempts:      1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	legs, allocErr := Allocate(p.Amount, o.cfg.Strategies[p.Strategy])
	pos.Legs = legs

	if err := o.positions.Create(ctx, pos); err != nil {
		return domain.Position{}, fmt.Errorf("orchestrator: create position: %w", err)
	}
	o.logger.InfoContext(ctx, "position created",
		slog.String("position_id", pos.ID),
		slog.String("payment_id", pos.PaymentID),
		slog.String("strategy", string(pos.StrategyType)),
		slog.String("amount", pos.USDCAmount.String()),
	)
	o.publish(ctx, pos)

	if allocErr != nil {
		pos.Error = fmt.Sprintf("strategy %s: %v", p.Strategy, allocErr)
		pos.ErrorType = domain.KindUnknown
		if err := o.transition(ctx, &pos, domain.StatusFailed); err != nil {
			return pos, err
		}
		o.alertFailure(ctx, pos)
	}
	return pos, nil
}

// stageFund sends the gas-token funding transfer. Funding failure is logged
// on the Position and never blocks the deposits.
func (o *Orchestrator) stageFund(ctx context.Context, pos *domain.Position) error {
	if pos.FundingSent() {
		return o.transition(ctx, pos, domain.StatusAvaxSent)
	}
	if o.cfg.GasAmountWei == nil || o.cfg.GasAmountWei.Sign() <= 0 {
		return nil
	}

	res := o.chain.Transfer(ctx, pos.WalletAddress, o.cfg.GasAmountWei)
	if !res.Success {
		kind := classify.Classify(*res.Err)
		pos.AvaxError = fmt.Sprintf("%s: %s", kind, res.Err.Message)
		o.logger.WarnContext(ctx, "funding transfer failed, continuing with deposits",
			slog.String("position_id", pos.ID),
			slog.String("payment_id", pos.PaymentID),
			slog.String("kind", string(kind)),
			slog.String("error", res.Err.Error()),
		)
		if kind == domain.KindInsufficientBalance {
			o.alert(ctx, notify.EventHubUnderfunded, "Hub underfunded",
				fmt.Sprintf("Funding for payment %s failed: %s", pos.PaymentID, res.Err.Message))
		}
		return o.persist(ctx, pos)
	}

	pos.AvaxTxHash = res.TxHash
	pos.AvaxError = ""
	pos.GasAmountWei = o.cfg.GasAmountWei.String()
	return o.transition(ctx, pos, domain.StatusAvaxSent)
}

// stageDeposit issues one deposit per leg, strictly in order, so each cap
// and balance check observes the previous deposit. The first failure skips
// the remaining legs.
func (o *Orchestrator) stageDeposit(ctx context.Context, pos *domain.Position) error {
	failed := false
	for i := range pos.Legs {
		leg := &pos.Legs[i]
		if leg.Status == domain.LegConfirmed {
			continue
		}
		if leg.Amount.IsZero() {
			leg.Status = domain.LegSkipped
			continue
		}
		if failed {
			leg.Status = domain.LegSkipped
			continue
		}

		res := o.chain.Deposit(ctx, domain.DepositRequest{
			Chain:       o.cfg.Chain,
			Protocol:    leg.Protocol,
			Asset:       o.cfg.Asset,
			Amount:      leg.Amount,
			Destination: pos.WalletAddress,
			PaymentID:   pos.PaymentID,
		})
		log := o.logger.With(
			slog.String("position_id", pos.ID),
			slog.String("payment_id", pos.PaymentID),
			slog.String("protocol", leg.Protocol),
		)
		if res.Success {
			leg.Status = domain.LegConfirmed
			leg.TxHash = res.TxHash
			log.InfoContext(ctx, "deposit leg confirmed", slog.String("tx_hash", res.TxHash))
		} else {
			kind := classify.Classify(*res.Err)
			leg.Status = domain.LegFailed
			leg.TxHash = res.TxHash
			leg.Error = res.Err.Error()
			leg.ErrorType = kind
			failed = true
			log.WarnContext(ctx, "deposit leg failed",
				slog.String("kind", string(kind)),
				slog.String("error", res.Err.Error()),
			)
		}
		if err := o.persist(ctx, pos); err != nil {
			return err
		}
	}
	return nil
}

// stageFinalize moves the Position to its terminal state.
func (o *Orchestrator) stageFinalize(ctx context.Context, pos *domain.Position) error {
	to, leg := terminalStatus(*pos)
	if to == domain.StatusActive {
		t := o.now()
		pos.ExecutedAt = &t
		pos.Error = ""
		pos.ErrorType = ""
	} else {
		pos.ErrorType = leg.ErrorType
		pos.Error = fmt.Sprintf("%s deposit failed: %s", leg.Protocol, leg.Error)
	}
	if err := o.transition(ctx, pos, to); err != nil {
		return err
	}
	if to != domain.StatusActive {
		o.alertFailure(ctx, *pos)
	}
	return nil
}

// abandon records a run that stopped on a store error as a retryable
// failure, keeping what the run observed on chain. The write outlives ctx and
// is best effort: if it fails too, the Position stays in flight and a later
// delivery resumes it.
func (o *Orchestrator) abandon(ctx context.Context, pos domain.Position, cause error) domain.Position {
	if pos.Status.IsTerminal() || errors.Is(cause, domain.ErrStaleWrite) {
		return pos
	}
	ctx = context.WithoutCancel(ctx)
	if err := o.settle(ctx, &pos, domain.KindNetworkError, fmt.Sprintf("execution interrupted: %v", cause)); err != nil {
		o.logger.ErrorContext(ctx, "position left in flight",
			slog.String("position_id", pos.ID),
			slog.String("payment_id", pos.PaymentID),
			slog.String("status", string(pos.Status)),
			slog.String("error", err.Error()),
		)
	}
	return pos
}

// settle moves an in-flight Position straight to its terminal state. Legs
// without an outcome are skipped. When no leg failed, kind and msg become
// the Position error unless one is already recorded.
func (o *Orchestrator) settle(ctx context.Context, pos *domain.Position, kind domain.ErrorKind, msg string) error {
	for i := range pos.Legs {
		if pos.Legs[i].Status == domain.LegPending {
			pos.Legs[i].Status = domain.LegSkipped
		}
	}

	to, leg := terminalStatus(*pos)
	switch {
	case to == domain.StatusActive:
		t := o.now()
		pos.ExecutedAt = &t
		pos.Error = ""
		pos.ErrorType = ""
	case leg.Protocol != "":
		pos.ErrorType = leg.ErrorType
		pos.Error = fmt.Sprintf("%s deposit failed: %s", leg.Protocol, leg.Error)
	default:
		if pos.ErrorType == "" {
			pos.ErrorType = kind
			pos.Error = msg
		}
		to = domain.StatusFailed
		if pos.FundingSent() || confirmedLegs(*pos) > 0 {
			to = domain.StatusSupplyFailed
		}
	}

	// Terminal states other than pending -> failed are reached via executing.
	if pos.Status != domain.StatusExecuting && !(pos.Status == domain.StatusPending && to == domain.StatusFailed) {
		if err := o.transition(ctx, pos, domain.StatusExecuting); err != nil {
			return err
		}
	}
	if err := o.transition(ctx, pos, to); err != nil {
		return err
	}
	if to != domain.StatusActive {
		o.alertFailure(ctx, *pos)
	}
	return nil
}

func confirmedLegs(pos domain.Position) int {
	n := 0
	for _, l := range pos.Legs {
		if l.Status == domain.LegConfirmed {
			n++
		}
	}
	return n
}

// terminalStatus maps the leg outcomes of an executing Position onto its
// terminal status and returns the failing leg, if any.
//
// A Position is active only when every leg with a non-zero amount
// confirmed. Otherwise a cap
// rejection after funding was sent is the refundable gas_sent_cap_failed;
// any other failure after funding, or after at least one confirmed leg, is
// supply_failed; a failure with nothing sent is failed.
func terminalStatus(pos domain.Position) (domain.PositionStatus, domain.ProtocolLeg) {
	var failedLeg *domain.ProtocolLeg
	confirmed, needed := 0, 0
	for i := range pos.Legs {
		if !pos.Legs[i].Amount.IsZero() {
			needed++
		}
		switch pos.Legs[i].Status {
		case domain.LegConfirmed:
			confirmed++
		case domain.LegFailed:
			if failedLeg == nil {
				failedLeg = &pos.Legs[i]
			}
		}
	}
	if failedLeg == nil && confirmed == needed && confirmed > 0 {
		return domain.StatusActive, domain.ProtocolLeg{}
	}
	if failedLeg == nil {
		return domain.StatusFailed, domain.ProtocolLeg{Error: "no deposit leg confirmed", ErrorType: domain.KindUnknown}
	}

	switch {
	case failedLeg.ErrorType == domain.KindSupplyCap && pos.FundingSent():
		return domain.StatusGasSentCapFailed, *failedLeg
	case pos.FundingSent(), confirmed > 0:
		return domain.StatusSupplyFailed, *failedLeg
	default:
		return domain.StatusFailed, *failedLeg
	}
}

// transition moves pos to status `to` with a compare-and-set on its current
// status.
func (o *Orchestrator) transition(ctx context.Context, pos *domain.Position, to domain.PositionStatus) error {
	from := pos.Status
	pos.Status = to
	pos.UpdatedAt = o.now()
	if err := o.positions.Update(ctx, *pos, from); err != nil {
		pos.Status = from
		return fmt.Errorf("orchestrator: %s -> %s for %s: %w", from, to, pos.ID, err)
	}
	if from != to {
		o.logger.InfoContext(ctx, "position transition",
			slog.String("position_id", pos.ID),
			slog.String("payment_id", pos.PaymentID),
			slog.String("from", string(from)),
			slog.String("to", string(to)),
		)
		o.publish(ctx, *pos)
	}
	return nil
}

// persist writes field changes without moving the status.
func (o *Orchestrator) persist(ctx context.Context, pos *domain.Position) error {
	return o.transition(ctx, pos, pos.Status)
}

func (o *Orchestrator) publish(ctx context.Context, pos domain.Position) {
	if o.bus == nil {
		return
	}
	payload, err := json.Marshal(pos)
	if err != nil {
		return
	}
	if err := o.bus.Publish(ctx, PositionsChannel, payload); err != nil {
		o.logger.WarnContext(ctx, "publish position event failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (o *Orchestrator) alertFailure(ctx context.Context, pos domain.Position) {
	o.alert(ctx, notify.EventPositionFailed,
		fmt.Sprintf("Position %s", pos.Status),
		fmt.Sprintf("Payment %s (%s %s) to %s: [%s] %s",
			pos.PaymentID, pos.USDCAmount, pos.StrategyType, pos.WalletAddress, pos.ErrorType, pos.Error))
}

func (o *Orchestrator) alert(ctx context.Context, event, title, message string) {
	if o.alerts == nil {
		return
	}
	if err := o.alerts.Notify(ctx, event, title, message); err != nil && !errors.Is(err, context.Canceled) {
		o.logger.WarnContext(ctx, "operator notification failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
