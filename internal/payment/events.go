package payment

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/shaka-agent/internal/model"
)

// EventType описывает тип события платёжного бэкенда.
type EventType string

const (
	EventStateChange     EventType = "state_change"
	EventPaymentApproved EventType = "payment_approved"
	EventPaymentDenied   EventType = "payment_denied"
	EventPaymentCaptured EventType = "payment_captured"
	EventTransactionInfo EventType = "transaction_info"
	EventSessionComplete EventType = "session_complete"
	EventError           EventType = "error"
)

// EventTypes перечисляет все типы событий.
var EventTypes = []EventType{
	EventStateChange,
	EventPaymentApproved,
	EventPaymentDenied,
	EventPaymentCaptured,
	EventTransactionInfo,
	EventSessionComplete,
	EventError,
}

// Event описывает одно событие бэкенда. Session содержит копию сессии на момент события.
type Event struct {
	Type     EventType
	Protocol string
	From     model.State
	State    model.State
	Session  *model.VendSession
	Message  string
	At       time.Time
}

// Handler обрабатывает событие бэкенда.
type Handler func(Event)

// Emitter рассылает события подписчикам. Паника в одном подписчике не мешает остальным.
type Emitter struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	logger   *zap.Logger
}

// NewEmitter создаёт рассыльщик событий.
func NewEmitter(logger *zap.Logger) *Emitter {
	return &Emitter{
		handlers: make(map[EventType][]Handler),
		logger:   logger,
	}
}

// On регистрирует обработчик события.
func (e *Emitter) On(t EventType, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[t] = append(e.handlers[t], h)
}

// Dispatch вызывает обработчики для каждого события по порядку.
func (e *Emitter) Dispatch(events []Event) {
	for _, ev := range events {
		e.mu.RLock()
		hs := append([]Handler(nil), e.handlers[ev.Type]...)
		e.mu.RUnlock()

		for _, h := range hs {
			e.call(h, ev)
		}
	}
}

func (e *Emitter) call(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("event handler panic",
				zap.String("event", string(ev.Type)),
				zap.Any("panic", r),
			)
		}
	}()
	h(ev)
}
