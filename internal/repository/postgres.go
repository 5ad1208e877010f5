// Package repository хранит журнал завершённых платёжных сессий в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/shaka-agent/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrEmptySessionID возвращается при попытке сохранить сессию без идентификатора.
var ErrEmptySessionID = errors.New("session id is empty")

const (
	maxConns       = 4
	connectTimeout = 10 * time.Second
)

var retryDelays = []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

// PostgresRepository журнал сессий в PostgreSQL.
type PostgresRepository struct {
	pool   *pgxpool.Pool
	delays []time.Duration
}

// NewPostgresRepository подключается к базе и применяет миграции. На подключение и миграции
// отводится connectTimeout.
func NewPostgresRepository(ctx context.Context, dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}
	cfg.MaxConns = maxConns

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool, delays: retryDelays}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет fn на временных ошибках базы с паузами из delays.
func withRetry(ctx context.Context, delays []time.Duration, fn func() error) error {
	var err error
	for i := 0; ; i++ {
		err = fn()
		if err == nil || !isRetryable(err) || i >= len(delays) {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delays[i]):
		}
	}
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure ||
			pgErr.Code == pgerrcode.DeadlockDetected ||
			pgerrcode.IsConnectionException(pgErr.Code)
	}

	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// SaveSession записывает сессию в журнал. Повторное сохранение той же сессии обновляет запись.
func (r *PostgresRepository) SaveSession(ctx context.Context, protocol, machineID string, s *model.VendSession) error {
	if s.SessionID == "" {
		return ErrEmptySessionID
	}

	items, err := json.Marshal(s.Items)
	if err != nil {
		return fmt.Errorf("marshal items: %w", err)
	}

	return withRetry(ctx, r.delays, func() error {
		_, err := r.pool.Exec(ctx,
			`INSERT INTO vend_sessions (
				session_id, protocol, machine_id, state, payment_result, total_price,
				authorized_amount, captured_amount, items, transaction_id, payment_intent_id,
				card_brand, card_last4, is_interac, error, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
			ON CONFLICT (session_id) DO UPDATE SET
				state = EXCLUDED.state,
				payment_result = EXCLUDED.payment_result,
				total_price = EXCLUDED.total_price,
				authorized_amount = EXCLUDED.authorized_amount,
				captured_amount = EXCLUDED.captured_amount,
				items = EXCLUDED.items,
				transaction_id = EXCLUDED.transaction_id,
				payment_intent_id = EXCLUDED.payment_intent_id,
				card_brand = EXCLUDED.card_brand,
				card_last4 = EXCLUDED.card_last4,
				is_interac = EXCLUDED.is_interac,
				error = EXCLUDED.error,
				updated_at = EXCLUDED.updated_at`,
			s.SessionID, protocol, machineID, string(s.State), string(s.PaymentResult), s.TotalPrice,
			s.AuthorizedAmount, s.CapturedAmount, items, s.TransactionID, s.PaymentIntentID,
			s.CardBrand, s.CardLast4, s.IsInterac, s.Error, s.CreatedAt, s.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("upsert session: %w", err)
		}
		return nil
	})
}

// ListSessions возвращает последние limit сессий, начиная с самой новой.
func (r *PostgresRepository) ListSessions(ctx context.Context, limit int) ([]model.VendSession, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT session_id, state, payment_result, total_price, authorized_amount, captured_amount,
		        items, transaction_id, payment_intent_id, card_brand, card_last4, is_interac, error,
		        created_at, updated_at
		 FROM vend_sessions
		 ORDER BY created_at DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select sessions: %w", err)
	}
	defer rows.Close()

	var res []model.VendSession
	for rows.Next() {
		var (
			s      model.VendSession
			state  string
			result string
			items  []byte
		)
		if err := rows.Scan(&s.SessionID, &state, &result, &s.TotalPrice, &s.AuthorizedAmount, &s.CapturedAmount,
			&items, &s.TransactionID, &s.PaymentIntentID, &s.CardBrand, &s.CardLast4, &s.IsInterac, &s.Error,
			&s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}

		if err := json.Unmarshal(items, &s.Items); err != nil {
			return nil, fmt.Errorf("decode items of %s: %w", s.SessionID, err)
		}
		s.State = model.State(state)
		s.PaymentResult = model.PaymentResult(result)
		s.TotalDisplay = model.FormatCents(s.TotalPrice)

		res = append(res, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
