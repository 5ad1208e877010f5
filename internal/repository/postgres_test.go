package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/shaka-agent/internal/model"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "serialization failure", err: &pgconn.PgError{Code: pgerrcode.SerializationFailure}, want: true},
		{name: "deadlock", err: fmt.Errorf("upsert session: %w", &pgconn.PgError{Code: pgerrcode.DeadlockDetected}), want: true},
		{name: "connection exception", err: &pgconn.PgError{Code: pgerrcode.ConnectionFailure}, want: true},
		{name: "unique violation", err: &pgconn.PgError{Code: pgerrcode.UniqueViolation}, want: false},
		{name: "connection refused", err: errors.New("dial tcp 127.0.0.1:5432: connect: connection refused"), want: true},
		{name: "canceled", err: fmt.Errorf("upsert session: %w", context.Canceled), want: false},
		{name: "other", err: errors.New("boom"), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isRetryable(tt.err))
		})
	}
}

func TestWithRetry(t *testing.T) {
	delays := []time.Duration{time.Millisecond, time.Millisecond}
	deadlock := &pgconn.PgError{Code: pgerrcode.DeadlockDetected}

	t.Run("recovers after transient error", func(t *testing.T) {
		calls := 0
		err := withRetry(context.Background(), delays, func() error {
			calls++
			if calls < 2 {
				return deadlock
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 2, calls)
	})

	t.Run("gives up after all delays", func(t *testing.T) {
		calls := 0
		err := withRetry(context.Background(), delays, func() error {
			calls++
			return deadlock
		})
		assert.ErrorAs(t, err, new(*pgconn.PgError))
		assert.Equal(t, 3, calls)
	})

	t.Run("permanent error not retried", func(t *testing.T) {
		calls := 0
		err := withRetry(context.Background(), delays, func() error {
			calls++
			return errors.New("syntax error")
		})
		assert.Error(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("stops on cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		calls := 0
		err := withRetry(ctx, []time.Duration{time.Hour}, func() error {
			calls++
			return deadlock
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	})
}

func TestSaveSession_EmptyID(t *testing.T) {
	r := &PostgresRepository{}
	err := r.SaveSession(context.Background(), "stripe", "m-7", &model.VendSession{})
	assert.ErrorIs(t, err, ErrEmptySessionID)
}

func TestMigrationsEmbedded(t *testing.T) {
	data, err := migrationsFS.ReadFile("migrations/00001_create_vend_sessions.sql")
	require.NoError(t, err)
	assert.Contains(t, string(data), "-- +goose Up")
	assert.Contains(t, string(data), "CREATE TABLE IF NOT EXISTS vend_sessions")
}
