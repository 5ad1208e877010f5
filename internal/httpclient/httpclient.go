// Package httpclient создаёт HTTP-клиенты с повторами для внешних API (Stripe, fleet).
package httpclient

import (
	"context"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// Config задаёт таймаут и политику повторов.
type Config struct {
	Timeout      time.Duration
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	// NoRetryOnRateLimit отдаёт ответ 429 вызывающему сразу, не дожидаясь Retry-After.
	NoRetryOnRateLimit bool
}

// DefaultConfig возвращает параметры по умолчанию.
func DefaultConfig() Config {
	return Config{
		Timeout:      15 * time.Second,
		RetryMax:     2,
		RetryWaitMin: 500 * time.Millisecond,
		RetryWaitMax: 3 * time.Second,
	}
}

// New создаёт клиент. После исчерпания повторов возвращается последний ответ сервера,
// чтобы вызывающий код мог разобрать тело ошибки.
func New(cfg Config, logger *zap.Logger) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.HTTPClient.Timeout = cfg.Timeout
	c.RetryMax = cfg.RetryMax
	c.RetryWaitMin = cfg.RetryWaitMin
	c.RetryWaitMax = cfg.RetryWaitMax
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler
	c.Logger = NewLogger(logger)

	if cfg.NoRetryOnRateLimit {
		c.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
			if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
				return false, nil
			}
			return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
		}
	}
	return c
}

var _ retryablehttp.LeveledLogger = (*Logger)(nil)

// Logger направляет журнал повторов в zap.
type Logger struct {
	s *zap.SugaredLogger
}

// NewLogger оборачивает zap.Logger.
func NewLogger(logger *zap.Logger) *Logger {
	return &Logger{s: logger.Sugar()}
}

func (l *Logger) Error(msg string, kv ...interface{}) { l.s.Errorw(msg, kv...) }
func (l *Logger) Info(msg string, kv ...interface{})  { l.s.Debugw(msg, kv...) }
func (l *Logger) Debug(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
func (l *Logger) Warn(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }
