package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/onramp/internal/domain"
	"github.com/alanyoungcy/onramp/internal/notify"
)

const testWallet = "0x1234567890abcdef1234567890ABCDEF12345678"

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func testStrategies() map[domain.StrategyType][]domain.Allocation {
	return map[domain.StrategyType][]domain.Allocation{
		domain.StrategyBalanced:     {alloc("lending", "70"), alloc("vault", "30")},
		domain.StrategyConservative: {alloc("vault", "100")},
	}
}

func newTestOrchestrator(store *memStore, chain *fakeChain) (*Orchestrator, *memBus, *recAlerter) {
	bus := &memBus{}
	alerts := &recAlerter{}
	o := NewOrchestrator(store, chain, bus, alerts, OrchestratorConfig{
		Chain:        "avalanche",
		Asset:        "USDC",
		GasAmountWei: big.NewInt(5e16),
		Strategies:   testStrategies(),
	}, discardLogger())
	o.now = func() time.Time { return testNow }
	n := 0
	o.newID = func() string { n++; return fmt.Sprintf("pos-%d", n) }
	return o, bus, alerts
}

func payment(id, amount string, strategy domain.StrategyType) domain.Payment {
	return domain.Payment{PaymentID: id, Wallet: testWallet, Email: "u@example.com", Strategy: strategy, Amount: d(amount)}
}

func TestExecuteAllLegsConfirmed(t *testing.T) {
	store, chain := newMemStore(), newFakeChain()
	o, bus, alerts := newTestOrchestrator(store, chain)

	pos, err := o.Execute(context.Background(), payment("pay_1", "2.00", domain.StrategyBalanced))
	require.NoError(t, err)

	assert.Equal(t, domain.StatusActive, pos.Status)
	require.NotNil(t, pos.ExecutedAt)
	assert.Empty(t, pos.Error)
	assert.NotEmpty(t, pos.AvaxTxHash)
	assert.Equal(t, "50000000000000000", pos.GasAmountWei)
	assert.True(t, pos.LegTotal().Equal(pos.USDCAmount))

	require.Len(t, chain.deposits, 2)
	assert.Equal(t, "lending", chain.deposits[0].Protocol)
	assert.True(t, d("1.40").Equal(chain.deposits[0].Amount))
	assert.Equal(t, "vault", chain.deposits[1].Protocol)
	assert.True(t, d("0.60").Equal(chain.deposits[1].Amount))
	assert.Equal(t, testWallet, chain.deposits[0].Destination)
	assert.Equal(t, "pay_1", chain.deposits[0].PaymentID)

	for _, l := range pos.Legs {
		assert.Equal(t, domain.LegConfirmed, l.Status)
		assert.NotEmpty(t, l.TxHash)
	}
	assert.Equal(t, []domain.PositionStatus{domain.StatusAvaxSent, domain.StatusExecuting, domain.StatusActive}, store.updates)
	assert.Equal(t, pos, store.only("pay_1"))
	assert.NotEmpty(t, bus.msgs)
	assert.Empty(t, alerts.events)
}

func TestExecuteSecondLegCapAfterFunding(t *testing.T) {
	store, chain := newMemStore(), newFakeChain()
	chain.depositErr["vault"] = &domain.ChainError{Kind: domain.KindSupplyCap, Op: "cap", Message: "exceeds max deposit"}
	o, _, alerts := newTestOrchestrator(store, chain)

	pos, err := o.Execute(context.Background(), payment("pay_cap", "2.00", domain.StrategyBalanced))
	require.NoError(t, err)

	assert.Equal(t, domain.StatusGasSentCapFailed, pos.Status)
	assert.Equal(t, domain.KindSupplyCap, pos.ErrorType)
	assert.NotEmpty(t, pos.Error)
	assert.Nil(t, pos.ExecutedAt)
	assert.Equal(t, domain.LegConfirmed, pos.Legs[0].Status)
	assert.NotEmpty(t, pos.Legs[0].TxHash)
	assert.Equal(t, domain.LegFailed, pos.Legs[1].Status)
	assert.Equal(t, domain.KindSupplyCap, pos.Legs[1].ErrorType)
	assert.Equal(t, []string{notify.EventPositionFailed}, alerts.events)
}

func TestExecuteSecondLegCapWithoutFunding(t *testing.T) {
	store, chain := newMemStore(), newFakeChain()
	chain.transferErr = &domain.ChainError{Kind: domain.KindInsufficientBalance, Op: "transfer", Message: "insufficient hub native balance"}
	chain.depositErr["vault"] = &domain.ChainError{Kind: domain.KindSupplyCap, Message: "cap"}
	o, _, alerts := newTestOrchestrator(store, chain)

	pos, err := o.Execute(context.Background(), payment("pay_2", "2.00", domain.StrategyBalanced))
	require.NoError(t, err)

	assert.Equal(t, domain.StatusSupplyFailed, pos.Status)
	assert.Empty(t, pos.AvaxTxHash)
	assert.Contains(t, pos.AvaxError, "insufficient_balance")
	assert.Equal(t, []string{notify.EventHubUnderfunded, notify.EventPositionFailed}, alerts.events)
}

func TestExecuteFundingFailureIsNonBlocking(t *testing.T) {
	store, chain := newMemStore(), newFakeChain()
	chain.transferErr = &domain.ChainError{Kind: domain.KindNetworkError, Message: "timeout"}
	o, _, _ := newTestOrchestrator(store, chain)

	pos, err := o.Execute(context.Background(), payment("pay_3", "2.00", domain.StrategyBalanced))
	require.NoError(t, err)

	assert.Equal(t, domain.StatusActive, pos.Status)
	assert.Empty(t, pos.AvaxTxHash)
	assert.NotEmpty(t, pos.AvaxError)
	assert.Empty(t, pos.GasAmountWei)
	assert.Equal(t, []domain.PositionStatus{domain.StatusExecuting, domain.StatusActive}, store.updates)
}

func TestExecuteFirstLegFailureSkipsRest(t *testing.T) {
	store, chain := newMemStore(), newFakeChain()
	chain.depositErr["lending"] = &domain.ChainError{Kind: domain.KindApprovalFailed, Message: "approve reverted"}
	o, _, _ := newTestOrchestrator(store, chain)

	pos, err := o.Execute(context.Background(), payment("pay_4", "2.00", domain.StrategyBalanced))
	require.NoError(t, err)

	assert.Equal(t, domain.StatusSupplyFailed, pos.Status)
	assert.Equal(t, domain.KindApprovalFailed, pos.ErrorType)
	assert.Len(t, chain.deposits, 1)
	assert.Equal(t, domain.LegSkipped, pos.Legs[1].Status)
}

func TestExecuteNothingSentIsFailed(t *testing.T) {
	store, chain := newMemStore(), newFakeChain()
	chain.transferErr = &domain.ChainError{Kind: domain.KindNetworkError, Message: "timeout"}
	chain.depositErr["vault"] = &domain.ChainError{Kind: domain.KindTransactionFailed, Message: "reverted"}
	o, _, _ := newTestOrchestrator(store, chain)

	pos, err := o.Execute(context.Background(), payment("pay_5", "3.00", domain.StrategyConservative))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, pos.Status)
	assert.Equal(t, domain.KindTransactionFailed, pos.ErrorType)
}

func TestExecuteUnknownStrategyFailsWithoutChainCalls(t *testing.T) {
	store, chain := newMemStore(), newFakeChain()
	o, _, _ := newTestOrchestrator(store, chain)

	pos, err := o.Execute(context.Background(), payment("pay_6", "2.00", domain.StrategyAggressive))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, pos.Status)
	assert.NotEmpty(t, pos.Error)
	assert.Empty(t, chain.deposits)
	assert.Zero(t, chain.transferCount())
}

func TestExecuteDuplicatePaymentIsStoreError(t *testing.T) {
	store, chain := newMemStore(), newFakeChain()
	o, _, _ := newTestOrchestrator(store, chain)

	_, err := o.Execute(context.Background(), payment("pay_7", "2.00", domain.StrategyBalanced))
	require.NoError(t, err)
	_, err = o.Execute(context.Background(), payment("pay_7", "2.00", domain.StrategyBalanced))
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
	assert.Equal(t, 1, store.count())
}

func TestRetryResumesWithoutRepeatingFundingOrConfirmedLegs(t *testing.T) {
	store, chain := newMemStore(), newFakeChain()
	chain.depositErr["vault"] = &domain.ChainError{Kind: domain.KindNetworkError, Message: "gateway timeout", Retryable: true}
	o, _, _ := newTestOrchestrator(store, chain)

	pos, err := o.Execute(context.Background(), payment("pay_r", "2.00", domain.StrategyBalanced))
	require.NoError(t, err)
	require.Equal(t, domain.StatusSupplyFailed, pos.Status)
	require.True(t, o.CanRetry(pos))
	lendingHash := pos.Legs[0].TxHash

	delete(chain.depositErr, "vault")
	pos, err = o.Retry(context.Background(), pos)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusActive, pos.Status)
	assert.Equal(t, 2, pos.Attempts)
	assert.Equal(t, lendingHash, pos.Legs[0].TxHash)
	assert.Equal(t, 1, chain.transferCount(), "funding is sent once")
	require.Len(t, chain.deposits, 3)
	assert.Equal(t, "vault", chain.deposits[2].Protocol)
	assert.Contains(t, store.updates, domain.StatusPending)
}

func TestRetryRejectsNonRetryable(t *testing.T) {
	store, chain := newMemStore(), newFakeChain()
	chain.depositErr["lending"] = &domain.ChainError{Kind: domain.KindInsufficientBalance, Message: "short"}
	o, _, _ := newTestOrchestrator(store, chain)

	pos, err := o.Execute(context.Background(), payment("pay_nr", "2.00", domain.StrategyBalanced))
	require.NoError(t, err)
	assert.False(t, o.CanRetry(pos))

	_, err = o.Retry(context.Background(), pos)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestRetryBoundedByMaxAttempts(t *testing.T) {
	o, _, _ := newTestOrchestrator(newMemStore(), newFakeChain())
	pos := domain.Position{Status: domain.StatusFailed, ErrorType: domain.KindNetworkError, Attempts: 3}
	assert.False(t, o.CanRetry(pos))
	pos.Attempts = 2
	assert.True(t, o.CanRetry(pos))
}

func TestExecuteStoreFaultAfterFundingRecordsRetryableFailure(t *testing.T) {
	store, chain := newMemStore(), newFakeChain()
	store.failOnce(domain.StatusPending, domain.StatusAvaxSent, errors.New("redis: connection reset"))
	o, _, alerts := newTestOrchestrator(store, chain)

	pos, err := o.Execute(context.Background(), payment("pay_sf", "2.00", domain.StrategyBalanced))
	require.Error(t, err)

	stored := store.only("pay_sf")
	assert.Equal(t, domain.StatusSupplyFailed, stored.Status)
	assert.Equal(t, domain.KindNetworkError, stored.ErrorType)
	assert.Contains(t, stored.Error, "connection reset")
	assert.NotEmpty(t, stored.AvaxTxHash, "funding survives the failed write")
	assert.Equal(t, "50000000000000000", stored.GasAmountWei)
	assert.Equal(t, stored.Status, pos.Status)
	assert.True(t, o.CanRetry(stored))
	assert.Empty(t, chain.deposits)
	assert.Contains(t, alerts.events, notify.EventPositionFailed)

	pos, err = o.Retry(context.Background(), stored)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, pos.Status)
	assert.Equal(t, 1, chain.transferCount())
	assert.Len(t, chain.deposits, 2)
}

func TestExecuteStoreFaultAfterConfirmedLegKeepsIt(t *testing.T) {
	store, chain := newMemStore(), newFakeChain()
	calls := 0
	store.failUpdate = func(pos domain.Position, expected domain.PositionStatus) error {
		// Fail the field-only write recording the first confirmed leg.
		if expected == domain.StatusExecuting && pos.Status == domain.StatusExecuting {
			calls++
			if calls == 1 {
				return errors.New("i/o timeout")
			}
		}
		return nil
	}
	o, _, _ := newTestOrchestrator(store, chain)

	_, err := o.Execute(context.Background(), payment("pay_leg", "2.00", domain.StrategyBalanced))
	require.Error(t, err)

	stored := store.only("pay_leg")
	assert.Equal(t, domain.StatusSupplyFailed, stored.Status)
	assert.Equal(t, domain.KindNetworkError, stored.ErrorType)
	assert.Equal(t, domain.LegConfirmed, stored.Legs[0].Status)
	assert.Equal(t, domain.LegSkipped, stored.Legs[1].Status)
	assert.Len(t, chain.deposits, 1)

	pos, err := o.Retry(context.Background(), stored)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, pos.Status)
	require.Len(t, chain.deposits, 2)
	assert.Equal(t, "vault", chain.deposits[1].Protocol, "confirmed leg is not deposited again")
}

func TestResumeInterruptedBeforeDeposits(t *testing.T) {
	store, chain := newMemStore(), newFakeChain()
	o, _, _ := newTestOrchestrator(store, chain)
	legs, err := Allocate(d("2.00"), testStrategies()[domain.StrategyBalanced])
	require.NoError(t, err)
	stuck := domain.Position{
		ID: "pos-stuck", PaymentID: "pay_stuck", WalletAddress: testWallet,
		StrategyType: domain.StrategyBalanced, USDCAmount: d("2.00"),
		Status: domain.StatusAvaxSent, AvaxTxHash: "0xfeed", GasAmountWei: "50000000000000000",
		Legs: legs, Attempts: 1, CreatedAt: testNow, UpdatedAt: testNow,
	}
	store.put(stuck)

	pos, err := o.Resume(context.Background(), stuck)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, pos.Status)
	assert.Zero(t, chain.transferCount(), "recorded funding is not repeated")
	assert.Len(t, chain.deposits, 2)
}

func TestResumeInterruptedDuringDepositsSettles(t *testing.T) {
	store, chain := newMemStore(), newFakeChain()
	o, _, alerts := newTestOrchestrator(store, chain)
	stuck := domain.Position{
		ID: "pos-exec", PaymentID: "pay_exec", WalletAddress: testWallet,
		StrategyType: domain.StrategyBalanced, USDCAmount: d("2.00"),
		Status: domain.StatusExecuting, AvaxTxHash: "0xfeed",
		Legs: []domain.ProtocolLeg{
			{Protocol: "lending", Amount: d("1.40"), Status: domain.LegConfirmed, TxHash: "0x01"},
			{Protocol: "vault", Amount: d("0.60"), Status: domain.LegPending},
		},
		Attempts: 1, CreatedAt: testNow, UpdatedAt: testNow,
	}
	store.put(stuck)

	pos, err := o.Resume(context.Background(), stuck)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSupplyFailed, pos.Status)
	assert.Equal(t, domain.KindUnknown, pos.ErrorType)
	assert.Equal(t, domain.LegSkipped, pos.Legs[1].Status)
	assert.False(t, o.CanRetry(pos), "unknown leg outcome is not retried automatically")
	assert.Empty(t, chain.deposits)
	assert.Contains(t, alerts.events, notify.EventPositionFailed)
	assert.Equal(t, domain.StatusSupplyFailed, store.only("pay_exec").Status)
}

func TestResumeRejectsTerminal(t *testing.T) {
	o, _, _ := newTestOrchestrator(newMemStore(), newFakeChain())
	_, err := o.Resume(context.Background(), domain.Position{ID: "p", Status: domain.StatusActive})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestExecuteTinyPaymentSkipsZeroLeg(t *testing.T) {
	store, chain := newMemStore(), newFakeChain()
	o, _, _ := newTestOrchestrator(store, chain)

	pos, err := o.Execute(context.Background(), payment("pay_tiny", "0.01", domain.StrategyBalanced))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, pos.Status)
	require.Len(t, chain.deposits, 1)
	assert.Equal(t, "lending", chain.deposits[0].Protocol)
	assert.Equal(t, domain.LegSkipped, pos.Legs[1].Status)
	assert.True(t, pos.Legs[1].Amount.IsZero())
}

func TestTerminalStatus(t *testing.T) {
	confirmed := domain.ProtocolLeg{Protocol: "a", Amount: d("1"), Status: domain.LegConfirmed}
	capped := domain.ProtocolLeg{Protocol: "b", Amount: d("1"), Status: domain.LegFailed, ErrorType: domain.KindSupplyCap, Error: "cap"}
	reverted := domain.ProtocolLeg{Protocol: "b", Amount: d("1"), Status: domain.LegFailed, ErrorType: domain.KindTransactionFailed, Error: "rev"}
	skipped := domain.ProtocolLeg{Protocol: "c", Amount: d("1"), Status: domain.LegSkipped}
	empty := domain.ProtocolLeg{Protocol: "c", Status: domain.LegSkipped}

	tests := []struct {
		name   string
		funded bool
		legs   []domain.ProtocolLeg
		want   domain.PositionStatus
	}{
		{"all confirmed funded", true, []domain.ProtocolLeg{confirmed, confirmed}, domain.StatusActive},
		{"all confirmed unfunded", false, []domain.ProtocolLeg{confirmed}, domain.StatusActive},
		{"cap funded", true, []domain.ProtocolLeg{capped, skipped}, domain.StatusGasSentCapFailed},
		{"cap unfunded partial", false, []domain.ProtocolLeg{confirmed, capped}, domain.StatusSupplyFailed},
		{"cap unfunded nothing", false, []domain.ProtocolLeg{capped}, domain.StatusFailed},
		{"revert funded", true, []domain.ProtocolLeg{confirmed, reverted}, domain.StatusSupplyFailed},
		{"revert unfunded", false, []domain.ProtocolLeg{reverted}, domain.StatusFailed},
		{"zero leg ignored", true, []domain.ProtocolLeg{confirmed, empty}, domain.StatusActive},
		{"only zero legs", false, []domain.ProtocolLeg{empty}, domain.StatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pos := domain.Position{Legs: tt.legs}
			if tt.funded {
				pos.AvaxTxHash = "0xfund"
			}
			got, leg := terminalStatus(pos)
			assert.Equal(t, tt.want, got)
			if got != domain.StatusActive {
				assert.NotEmpty(t, leg.Error)
			}
		})
	}
}
