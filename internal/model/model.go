// Package model содержит доменные сущности платёжной сессии вендингового автомата.
package model

import (
	"fmt"
	"time"
)

// State описывает состояние конечного автомата платёжного бэкенда.
type State string

// Состояния общие для всех бэкендов и специфичные для Nayax и Stripe.
const (
	StateDisconnected      State = "disconnected"
	StateIdle              State = "idle"
	StateWaitingSelection  State = "waiting_selection"
	StateWaitingPayment    State = "waiting_payment"
	StateAuthorizing       State = "authorizing"
	StateVendApproved      State = "vend_approved"
	StateDispensing        State = "dispensing"
	StateSettling          State = "settling"
	StateCreatingIntent    State = "creating_intent"
	StatePaymentAuthorized State = "payment_authorized"
	StateCapturing         State = "capturing"
	StateSessionComplete   State = "session_complete"
	StateError             State = "error"
)

// CanStart сообщает, можно ли начать новую сессию из данного состояния.
func (s State) CanStart() bool {
	return s == StateIdle || s == StateSessionComplete
}

// IsTerminal сообщает, завершена ли сессия в данном состоянии.
func (s State) IsTerminal() bool {
	return s == StateSessionComplete || s == StateError
}

// PaymentResult описывает итог оплаты сессии.
type PaymentResult string

const (
	ResultPending    PaymentResult = "pending"
	ResultAuthorized PaymentResult = "authorized"
	ResultApproved   PaymentResult = "approved"
	ResultCaptured   PaymentResult = "captured"
	ResultDenied     PaymentResult = "denied"
	ResultTimeout    PaymentResult = "timeout"
	ResultError      PaymentResult = "error"
	ResultCancelled  PaymentResult = "cancelled"
)

// MaxItemPrice ограничивает цену одного товара в центах.
const MaxItemPrice = 65535

// VendItem описывает один товар в сессии.
type VendItem struct {
	Code  int    `json:"code"`
	Price int    `json:"price"`
	Name  string `json:"name"`
	Unit  int    `json:"unit"`
	Qty   int    `json:"qty"`
}

// Normalize подставляет значения по умолчанию для единицы и количества.
func (i VendItem) Normalize() VendItem {
	if i.Unit == 0 {
		i.Unit = 1
	}
	if i.Qty == 0 {
		i.Qty = 1
	}
	return i
}

// Subtotal возвращает стоимость позиции в центах.
func (i VendItem) Subtotal() int {
	return i.Price * i.Qty
}

// VendSession описывает одну покупку от запроса оплаты до завершения.
type VendSession struct {
	SessionID            string        `json:"session_id"`
	Items                []VendItem    `json:"items"`
	TotalPrice           int           `json:"total_price"`
	TotalDisplay         string        `json:"total_display"`
	AuthorizedAmount     int           `json:"authorized_amount"`
	CapturedAmount       int           `json:"captured_amount"`
	State                State         `json:"state"`
	PaymentResult        PaymentResult `json:"payment_result"`
	TransactionID        string        `json:"transaction_id,omitempty"`
	CardLast4            string        `json:"card_last4,omitempty"`
	CardBrand            string        `json:"card_brand,omitempty"`
	IsInterac            bool          `json:"is_interac"`
	IncrementalSupported bool          `json:"incremental_supported"`
	SparkTransactionID   string        `json:"spark_transaction_id,omitempty"`
	PaymentIntentID      string        `json:"payment_intent_id,omitempty"`
	Error                string        `json:"error,omitempty"`
	CreatedAt            time.Time     `json:"created_at"`
	UpdatedAt            time.Time     `json:"updated_at"`
}

// NewSession создаёт сессию с указанными товарами и идентификатором на основе времени.
func NewSession(items []VendItem, now time.Time) *VendSession {
	s := &VendSession{
		SessionID:     fmt.Sprintf("sess-%d", now.UnixMilli()),
		Items:         make([]VendItem, 0, len(items)),
		PaymentResult: ResultPending,
		State:         StateIdle,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	for _, it := range items {
		s.Items = append(s.Items, it.Normalize())
	}
	s.Recompute()
	return s
}

// Recompute пересчитывает итоговую сумму по списку товаров.
func (s *VendSession) Recompute() {
	total := 0
	for _, it := range s.Items {
		total += it.Subtotal()
	}
	s.TotalPrice = total
	s.TotalDisplay = FormatCents(total)
}

// AddItem добавляет товар в сессию и пересчитывает сумму.
func (s *VendSession) AddItem(item VendItem, now time.Time) {
	s.Items = append(s.Items, item.Normalize())
	s.Recompute()
	s.UpdatedAt = now
}

// RemoveLastItem откатывает последнее добавление товара.
func (s *VendSession) RemoveLastItem(now time.Time) {
	if len(s.Items) == 0 {
		return
	}
	s.Items = s.Items[:len(s.Items)-1]
	s.Recompute()
	s.UpdatedAt = now
}

// SetTotal устанавливает сумму, подтверждённую платёжной системой, не трогая список товаров.
func (s *VendSession) SetTotal(amount int, now time.Time) {
	s.TotalPrice = amount
	s.TotalDisplay = FormatCents(amount)
	s.UpdatedAt = now
}

// Clone возвращает независимую копию сессии.
func (s *VendSession) Clone() *VendSession {
	if s == nil {
		return nil
	}
	c := *s
	c.Items = append([]VendItem(nil), s.Items...)
	return &c
}

// FormatCents форматирует сумму в центах как денежную строку.
func FormatCents(cents int) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s$%d.%02d", sign, cents/100, cents%100)
}
