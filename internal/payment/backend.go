// Package payment содержит общий контракт платёжных бэкендов и конечный автомат сессии.
package payment

import (
	"context"
	"encoding/json"

	"github.com/mmeshcher/shaka-agent/internal/model"
)

// Названия протоколов платёжных бэкендов.
const (
	ProtocolMarshall = "nayax_marshall"
	ProtocolSpark    = "nayax_spark"
	ProtocolStripe   = "stripe_terminal"
)

// Backend описывает платёжный бэкенд, которым управляет вендинговый сервер.
type Backend interface {
	Protocol() string
	Connect(ctx context.Context) error
	Disconnect()
	Connected() bool

	StartPayment(ctx context.Context, items []model.VendItem) (*model.VendSession, error)
	AddItem(ctx context.Context, item model.VendItem) (*model.VendSession, error)
	VendSuccess(ctx context.Context, sessionID string) error
	VendFailure(ctx context.Context, sessionID string) error
	CancelSession(ctx context.Context) error
	Reset()

	Snapshot() Snapshot
	HandleWebhook(ctx context.Context, eventType string, payload json.RawMessage) (map[string]any, error)
	On(t EventType, h Handler)
}

// RoutePrefix возвращает префикс HTTP-маршрутов для протокола.
func RoutePrefix(protocol string) string {
	if protocol == ProtocolStripe {
		return "stripe"
	}
	return "nayax"
}
