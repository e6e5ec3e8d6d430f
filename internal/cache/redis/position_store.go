package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/alanyoungcy/onramp/internal/domain"
	"github.com/redis/go-redis/v9"
)

// casRetries bounds optimistic-transaction retries when a WATCHed key
// changes between read and EXEC for reasons other than a status race.
const casRetries = 3

// PositionStore implements domain.PositionStore in Redis.
//
// Layout:
//
//	position:{id}          full Position JSON
//	payment:{paymentId}    id (enforces one Position per payment)
//	wallet:{address}       set of ids
//	email:{address}        set of ids
//	status:{status}        set of ids, used by the refund and archival sweeps
type PositionStore struct {
	rdb *redis.Client
	now func() time.Time
}

// NewPositionStore creates a PositionStore backed by the given Client.
func NewPositionStore(c *Client) *PositionStore {
	return &PositionStore{rdb: c.Underlying(), now: time.Now}
}

func positionKey(id string) string             { return "position:" + id }
func paymentKey(paymentID string) string       { return "payment:" + paymentID }
func walletKey(addr string) string             { return "wallet:" + strings.ToLower(addr) }
func emailKey(addr string) string              { return "email:" + strings.ToLower(addr) }
func statusKey(s domain.PositionStatus) string { return "status:" + string(s) }

// Create stores a new Position and its indexes in one transaction.
func (s *PositionStore) Create(ctx context.Context, pos domain.Position) error {
	now := s.now().UTC()
	if pos.CreatedAt.IsZero() {
		pos.CreatedAt = now
	}
	pos.UpdatedAt = now
	data, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("redis: marshal position %s: %w", pos.ID, err)
	}

	pk := paymentKey(pos.PaymentID)
	txf := func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, pk, positionKey(pos.ID)).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return domain.ErrAlreadyExists
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, positionKey(pos.ID), data, 0)
			pipe.Set(ctx, pk, pos.ID, 0)
			pipe.SAdd(ctx, walletKey(pos.WalletAddress), pos.ID)
			if pos.UserEmail != "" {
				pipe.SAdd(ctx, emailKey(pos.UserEmail), pos.ID)
			}
			pipe.SAdd(ctx, statusKey(pos.Status), pos.ID)
			return nil
		})
		return err
	}

	err = s.rdb.Watch(ctx, txf, pk, positionKey(pos.ID))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrAlreadyExists), errors.Is(err, redis.TxFailedErr):
		// A lost race on the WATCHed payment key means someone else created it.
		return fmt.Errorf("redis: create position for payment %s: %w", pos.PaymentID, domain.ErrAlreadyExists)
	default:
		return fmt.Errorf("redis: create position %s: %w", pos.ID, err)
	}
}

// Get returns the Position with the given id.
func (s *PositionStore) Get(ctx context.Context, id string) (domain.Position, error) {
	data, err := s.rdb.Get(ctx, positionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Position{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Position{}, fmt.Errorf("redis: get position %s: %w", id, err)
	}
	return decodePosition(id, data)
}

// GetByPaymentID resolves the payment index and loads the Position.
func (s *PositionStore) GetByPaymentID(ctx context.Context, paymentID string) (domain.Position, error) {
	id, err := s.rdb.Get(ctx, paymentKey(paymentID)).Result()
	if errors.Is(err, redis.Nil) {
		return domain.Position{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Position{}, fmt.Errorf("redis: get payment %s: %w", paymentID, err)
	}
	return s.Get(ctx, id)
}

// Update compare-and-sets pos over the stored copy whose status must still
// be expected. The status indexes move in the same transaction.
func (s *PositionStore) Update(ctx context.Context, pos domain.Position, expected domain.PositionStatus) error {
	if err := domain.CheckTransition(expected, pos.Status); err != nil {
		return fmt.Errorf("redis: update position %s: %w", pos.ID, err)
	}
	pos.UpdatedAt = s.now().UTC()
	data, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("redis: marshal position %s: %w", pos.ID, err)
	}

	key := positionKey(pos.ID)
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}
		cur, err := decodePosition(pos.ID, raw)
		if err != nil {
			return err
		}
		if cur.Status != expected {
			return fmt.Errorf("%w: stored %s, expected %s", domain.ErrStaleWrite, cur.Status, expected)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if cur.Status != pos.Status {
				pipe.SRem(ctx, statusKey(cur.Status), pos.ID)
				pipe.SAdd(ctx, statusKey(pos.Status), pos.ID)
			}
			return nil
		})
		return err
	}

	for i := 0; i < casRetries; i++ {
		err = s.rdb.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if errors.Is(err, redis.TxFailedErr) {
		err = domain.ErrStaleWrite
	}
	if err != nil {
		return fmt.Errorf("redis: update position %s: %w", pos.ID, err)
	}
	return nil
}

// ListByStatus returns up to limit Positions in status, oldest first. A
// non-positive limit returns all of them.
func (s *PositionStore) ListByStatus(ctx context.Context, status domain.PositionStatus, limit int) ([]domain.Position, error) {
	out, err := s.listSet(ctx, statusKey(status))
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListByWallet returns every Position for a wallet address.
func (s *PositionStore) ListByWallet(ctx context.Context, wallet string) ([]domain.Position, error) {
	return s.listSet(ctx, walletKey(wallet))
}

// ListByEmail returns every Position for an email address.
func (s *PositionStore) ListByEmail(ctx context.Context, email string) ([]domain.Position, error) {
	return s.listSet(ctx, emailKey(email))
}

// ListTerminalBetween scans the terminal status sets.
func (s *PositionStore) ListTerminalBetween(ctx context.Context, since, until time.Time) ([]domain.Position, error) {
	var out []domain.Position
	for _, st := range domain.AllStatuses {
		if !st.IsTerminal() {
			continue
		}
		batch, err := s.listSet(ctx, statusKey(st))
		if err != nil {
			return nil, err
		}
		for _, p := range batch {
			if !p.UpdatedAt.Before(since) && p.UpdatedAt.Before(until) {
				out = append(out, p)
			}
		}
	}
	sortByCreated(out)
	return out, nil
}

func (s *PositionStore) listSet(ctx context.Context, setKey string) ([]domain.Position, error) {
	ids, err := s.rdb.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: members %s: %w", setKey, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = positionKey(id)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: load %s: %w", setKey, err)
	}

	out := make([]domain.Position, 0, len(vals))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		p, err := decodePosition(ids[i], []byte(str))
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	sortByCreated(out)
	return out, nil
}

func decodePosition(id string, data []byte) (domain.Position, error) {
	var p domain.Position
	if err := json.Unmarshal(data, &p); err != nil {
		return domain.Position{}, fmt.Errorf("redis: decode position %s: %w", id, err)
	}
	return p, nil
}

func sortByCreated(ps []domain.Position) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].CreatedAt.Before(ps[j].CreatedAt) })
}

var _ domain.PositionStore = (*PositionStore)(nil)
