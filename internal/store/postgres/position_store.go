package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/onramp/internal/domain"
)

// uniqueViolation is the SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

// PositionStore implements domain.PositionStore on the deposit_positions
// table. Every status change is appended to audit_log in the same
// transaction.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a PositionStore backed by the given pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, payment_id, wallet_address, user_email, strategy_type,
	usdc_amount::text, legs, avax_tx_hash, avax_error, gas_amount_wei,
	status, error, error_type, attempts, refund_tx_hash, refunded_at,
	created_at, updated_at, executed_at`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var (
		p              domain.Position
		amount, status string
		strategy, kind string
		legs           []byte
	)
	err := row.Scan(
		&p.ID, &p.PaymentID, &p.WalletAddress, &p.UserEmail, &strategy,
		&amount, &legs, &p.AvaxTxHash, &p.AvaxError, &p.GasAmountWei,
		&status, &p.Error, &kind, &p.Attempts, &p.RefundTxHash, &p.RefundedAt,
		&p.CreatedAt, &p.UpdatedAt, &p.ExecutedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.StrategyType = domain.StrategyType(strategy)
	p.Status = domain.PositionStatus(status)
	p.ErrorType = domain.ErrorKind(kind)
	if p.USDCAmount, err = decimal.NewFromString(amount); err != nil {
		return domain.Position{}, fmt.Errorf("usdc_amount %q: %w", amount, err)
	}
	if len(legs) > 0 {
		if err := json.Unmarshal(legs, &p.Legs); err != nil {
			return domain.Position{}, fmt.Errorf("legs: %w", err)
		}
	}
	return p, nil
}

func collectPositions(rows pgx.Rows) ([]domain.Position, error) {
	defer rows.Close()
	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Create inserts a new Position. A duplicate payment_id maps to
// domain.ErrAlreadyExists.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	legs, err := json.Marshal(p.Legs)
	if err != nil {
		return fmt.Errorf("postgres: marshal legs: %w", err)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	const query = `
		INSERT INTO deposit_positions (
			id, payment_id, wallet_address, user_email, strategy_type,
			usdc_amount, legs, status, attempts, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6::text::numeric, $7, $8, $9, $10, NOW())`

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, query,
			p.ID, p.PaymentID, p.WalletAddress, p.UserEmail, string(p.StrategyType),
			p.USDCAmount.StringFixed(2), legs, string(p.Status), p.Attempts, p.CreatedAt,
		)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("postgres: create position for payment %s: %w", p.PaymentID, domain.ErrAlreadyExists)
		}
		if err != nil {
			return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
		}
		return logTransition(ctx, tx, p, "", p.Status)
	})
}

// Get returns a Position by id.
func (s *PositionStore) Get(ctx context.Context, id string) (domain.Position, error) {
	return s.getOne(ctx, `SELECT `+positionSelectCols+` FROM deposit_positions WHERE id = $1`, id)
}

// GetByPaymentID returns the Position created for paymentID.
func (s *PositionStore) GetByPaymentID(ctx context.Context, paymentID string) (domain.Position, error) {
	return s.getOne(ctx, `SELECT `+positionSelectCols+` FROM deposit_positions WHERE payment_id = $1`, paymentID)
}

func (s *PositionStore) getOne(ctx context.Context, query, arg string) (domain.Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Position{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", arg, err)
	}
	return p, nil
}

// Update writes p only while the stored status equals expected.
func (s *PositionStore) Update(ctx context.Context, p domain.Position, expected domain.PositionStatus) error {
	if err := domain.CheckTransition(expected, p.Status); err != nil {
		return fmt.Errorf("postgres: update position %s: %w", p.ID, err)
	}
	legs, err := json.Marshal(p.Legs)
	if err != nil {
		return fmt.Errorf("postgres: marshal legs: %w", err)
	}

	const query = `
		UPDATE deposit_positions SET
			legs = $3, avax_tx_hash = $4, avax_error = $5, gas_amount_wei = $6,
			status = $7, error = $8, error_type = $9, attempts = $10,
			refund_tx_hash = $11, refunded_at = $12, executed_at = $13,
			updated_at = NOW()
		WHERE id = $1 AND status = $2`

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, query,
			p.ID, string(expected),
			legs, p.AvaxTxHash, p.AvaxError, p.GasAmountWei,
			string(p.Status), p.Error, string(p.ErrorType), p.Attempts,
			p.RefundTxHash, p.RefundedAt, p.ExecutedAt,
		)
		if err != nil {
			return fmt.Errorf("postgres: update position %s: %w", p.ID, err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM deposit_positions WHERE id = $1)`, p.ID).Scan(&exists); err != nil {
				return fmt.Errorf("postgres: update position %s: %w", p.ID, err)
			}
			if !exists {
				return fmt.Errorf("postgres: update position %s: %w", p.ID, domain.ErrNotFound)
			}
			return fmt.Errorf("postgres: update position %s: %w (expected %s)", p.ID, domain.ErrStaleWrite, expected)
		}
		if expected == p.Status {
			return nil
		}
		return logTransition(ctx, tx, p, expected, p.Status)
	})
}

// ListByStatus returns up to limit Positions in status, oldest first.
func (s *PositionStore) ListByStatus(ctx context.Context, status domain.PositionStatus, limit int) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM deposit_positions WHERE status = $1 ORDER BY created_at`
	args := []any{string(status)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions by status %s: %w", status, err)
	}
	return collectPositions(rows)
}

// ListByWallet returns Positions for a wallet, case-insensitively.
func (s *PositionStore) ListByWallet(ctx context.Context, wallet string) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM deposit_positions WHERE lower(wallet_address) = $1 ORDER BY created_at`,
		strings.ToLower(wallet))
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions by wallet: %w", err)
	}
	return collectPositions(rows)
}

// ListByEmail returns Positions for an email, case-insensitively.
func (s *PositionStore) ListByEmail(ctx context.Context, email string) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM deposit_positions WHERE lower(user_email) = $1 ORDER BY created_at`,
		strings.ToLower(email))
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions by email: %w", err)
	}
	return collectPositions(rows)
}

// ListTerminalBetween returns terminal Positions last updated in [since, until).
func (s *PositionStore) ListTerminalBetween(ctx context.Context, since, until time.Time) ([]domain.Position, error) {
	var terminal []string
	for _, st := range domain.AllStatuses {
		if st.IsTerminal() {
			terminal = append(terminal, string(st))
		}
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM deposit_positions
		 WHERE status = ANY($1) AND updated_at >= $2 AND updated_at < $3
		 ORDER BY created_at`,
		terminal, since, until)
	if err != nil {
		return nil, fmt.Errorf("postgres: list terminal positions: %w", err)
	}
	return collectPositions(rows)
}

func logTransition(ctx context.Context, tx pgx.Tx, p domain.Position, from, to domain.PositionStatus) error {
	detail, err := json.Marshal(map[string]any{
		"position_id": p.ID,
		"payment_id":  p.PaymentID,
		"from":        from,
		"to":          to,
		"error_type":  p.ErrorType,
	})
	if err != nil {
		return fmt.Errorf("postgres: marshal transition: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO audit_log (event, detail) VALUES ($1, $2)`, "position_transition", detail); err != nil {
		return fmt.Errorf("postgres: audit transition %s: %w", p.ID, err)
	}
	return nil
}

var _ domain.PositionStore = (*PositionStore)(nil)
