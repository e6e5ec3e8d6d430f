package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/onramp/internal/domain"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// memStore is a PositionStore with the same CAS semantics as the real ones.
type memStore struct {
	mu        sync.Mutex
	byID      map[string]domain.Position
	byPayment map[string]string
	updates   []domain.PositionStatus
	failGet   error
	// failUpdate, when set, can reject an Update before it is applied.
	failUpdate func(pos domain.Position, expected domain.PositionStatus) error
}

func newMemStore() *memStore {
	return &memStore{byID: map[string]domain.Position{}, byPayment: map[string]string{}}
}

func (m *memStore) Create(_ context.Context, pos domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byPayment[pos.PaymentID]; ok {
		return domain.ErrAlreadyExists
	}
	m.byID[pos.ID] = pos.Clone()
	m.byPayment[pos.PaymentID] = pos.ID
	return nil
}

func (m *memStore) Get(_ context.Context, id string) (domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return p.Clone(), nil
}

func (m *memStore) GetByPaymentID(ctx context.Context, paymentID string) (domain.Position, error) {
	if m.failGet != nil {
		return domain.Position{}, m.failGet
	}
	m.mu.Lock()
	id, ok := m.byPayment[paymentID]
	m.mu.Unlock()
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return m.Get(ctx, id)
}

func (m *memStore) Update(_ context.Context, pos domain.Position, expected domain.PositionStatus) error {
	if err := domain.CheckTransition(expected, pos.Status); err != nil {
		return err
	}
	if m.failUpdate != nil {
		if err := m.failUpdate(pos, expected); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.byID[pos.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Status != expected {
		return domain.ErrStaleWrite
	}
	m.byID[pos.ID] = pos.Clone()
	if expected != pos.Status {
		m.updates = append(m.updates, pos.Status)
	}
	return nil
}

// failOnce makes the first Update moving from `from` to `to` fail with err.
func (m *memStore) failOnce(from, to domain.PositionStatus, err error) {
	var once sync.Once
	m.failUpdate = func(pos domain.Position, expected domain.PositionStatus) error {
		var out error
		if expected == from && pos.Status == to {
			once.Do(func() { out = err })
		}
		return out
	}
}

func (m *memStore) list(keep func(domain.Position) bool) []domain.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Position
	for _, p := range m.byID {
		if keep(p) {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *memStore) ListByStatus(_ context.Context, status domain.PositionStatus, limit int) ([]domain.Position, error) {
	out := m.list(func(p domain.Position) bool { return p.Status == status })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) ListByWallet(_ context.Context, wallet string) ([]domain.Position, error) {
	return m.list(func(p domain.Position) bool { return strings.EqualFold(p.WalletAddress, wallet) }), nil
}

func (m *memStore) ListByEmail(_ context.Context, email string) ([]domain.Position, error) {
	return m.list(func(p domain.Position) bool { return strings.EqualFold(p.UserEmail, email) }), nil
}

func (m *memStore) ListTerminalBetween(_ context.Context, since, until time.Time) ([]domain.Position, error) {
	return m.list(func(p domain.Position) bool {
		return p.Status.IsTerminal() && !p.UpdatedAt.Before(since) && p.UpdatedAt.Before(until)
	}), nil
}

func (m *memStore) put(p domain.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[p.ID] = p.Clone()
	m.byPayment[p.PaymentID] = p.ID
}

func (m *memStore) only(paymentID string) domain.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byID[m.byPayment[paymentID]].Clone()
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

// memClaims backs both IdempotencyGuard and RefundMarker.
type memClaims struct {
	mu   sync.Mutex
	vals map[string]string
}

func newMemClaims() *memClaims { return &memClaims{vals: map[string]string{}} }

func (c *memClaims) setNX(key, val string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.vals[key]; ok {
		return false
	}
	c.vals[key] = val
	return true
}

func (c *memClaims) has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.vals[key]
	return ok
}

func (c *memClaims) del(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.vals, key)
}

func (c *memClaims) Claim(_ context.Context, id string, _ time.Duration) (bool, error) {
	return c.setNX(id, markerPending), nil
}

func (c *memClaims) Release(_ context.Context, id string) error {
	c.del(id)
	return nil
}

func (c *memClaims) IsClaimed(_ context.Context, id string) (bool, error) {
	return c.has(id), nil
}

func (c *memClaims) Record(_ context.Context, id, txHash string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.vals[id]; !ok {
		return domain.ErrNotFound
	}
	c.vals[id] = txHash
	return nil
}

func (c *memClaims) Lookup(_ context.Context, id string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.vals[id]
	if !ok {
		return "", domain.ErrNotFound
	}
	return v, nil
}

// countingLimiter allows `limit` calls per identifier forever.
type countingLimiter struct {
	mu     sync.Mutex
	counts map[string]int
	reset  time.Time
}

func (l *countingLimiter) Allow(_ context.Context, id, endpoint string, limit int, _ time.Duration) (domain.RateDecision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts == nil {
		l.counts = map[string]int{}
	}
	key := id + ":" + endpoint
	if l.counts[key] >= limit {
		return domain.RateDecision{Allowed: false, ResetAt: l.reset}, nil
	}
	l.counts[key]++
	return domain.RateDecision{Allowed: true, Remaining: limit - l.counts[key], ResetAt: l.reset}, nil
}

// fakeChain scripts deposit and transfer outcomes.
type fakeChain struct {
	mu        sync.Mutex
	hub       string
	deposits  []domain.DepositRequest
	transfers []string
	// depositErr maps protocol → failure returned for it.
	depositErr  map[string]*domain.ChainError
	transferErr *domain.ChainError
	broadcast   bool
	delay       time.Duration
	seq         int
	// txStates overrides TransactionState per hash; unknown hashes are
	// confirmed.
	txStates map[string]domain.TxState
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		hub:        "0x00000000000000000000000000000000000000aa",
		depositErr: map[string]*domain.ChainError{},
		txStates:   map[string]domain.TxState{},
	}
}

func (f *fakeChain) nextHash() string {
	f.seq++
	return fmt.Sprintf("0x%064x", f.seq)
}

func (f *fakeChain) Deposit(_ context.Context, req domain.DepositRequest) domain.DepositResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deposits = append(f.deposits, req)
	if ce, ok := f.depositErr[req.Protocol]; ok {
		c := *ce
		return domain.DepositResult{Err: &c}
	}
	return domain.DepositResult{Success: true, TxHash: f.nextHash()}
}

func (f *fakeChain) Transfer(_ context.Context, to string, amountWei *big.Int) domain.TransferResult {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transfers = append(f.transfers, to+"="+amountWei.String())
	if f.transferErr != nil {
		c := *f.transferErr
		res := domain.TransferResult{Err: &c, Broadcast: f.broadcast}
		if f.broadcast {
			res.TxHash = f.nextHash()
		}
		return res
	}
	return domain.TransferResult{Success: true, Broadcast: true, TxHash: f.nextHash()}
}

func (f *fakeChain) TransactionState(_ context.Context, txHash string) (domain.TxState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.txStates[txHash]; ok {
		return st, nil
	}
	return domain.TxConfirmed, nil
}

func (f *fakeChain) setTxState(txHash string, st domain.TxState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txStates[txHash] = st
}

func (f *fakeChain) HubAddress() string { return f.hub }

func (f *fakeChain) transferCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transfers)
}

type memBus struct {
	mu   sync.Mutex
	msgs [][]byte
}

func (b *memBus) Publish(_ context.Context, _ string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, payload)
	return nil
}

func (b *memBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return make(chan []byte), nil
}

type recAlerter struct {
	mu     sync.Mutex
	events []string
}

func (r *recAlerter) Notify(_ context.Context, event, _, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}
