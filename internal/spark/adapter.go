package spark

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/shaka-agent/internal/model"
	"github.com/mmeshcher/shaka-agent/internal/payment"
)

// Типы вебхуков Spark.
const (
	WebhookStartSession      = "StartSession"
	WebhookInfoQuery         = "InfoQuery"
	WebhookTransactionNotify = "TransactionNotify"
	WebhookTimeout           = "TimeoutCallback"
	WebhookStop              = "StopCallback"
	WebhookDecline           = "DeclineCallback"
)

// Config содержит параметры адаптера Spark.
type Config struct {
	APIURL           string
	Credentials      Credentials
	Currency         string
	APITimeout       time.Duration
	Simulation       bool
	SimAutoApprove   bool
	SimApprovalDelay time.Duration
	StateFile        string
}

// DefaultConfig возвращает параметры по умолчанию.
func DefaultConfig() Config {
	return Config{
		APIURL:           "https://api.nayax.com",
		Currency:         "CAD",
		APITimeout:       15 * time.Second,
		SimAutoApprove:   true,
		SimApprovalDelay: 3 * time.Second,
	}
}

// API описывает исходящие вызовы Spark.
type API interface {
	StartAuthentication(ctx context.Context, txnID, random string) (*Response, error)
	TriggerTransaction(ctx context.Context, txnID string, amount int) (*Response, error)
	Settlement(ctx context.Context, txnID string, amount int) (*Response, error)
	CancelTransaction(ctx context.Context, txnID, reason string) (*Response, error)
}

var _ payment.Backend = (*Adapter)(nil)

// Adapter ведёт платёжную сессию через Spark API и вебхуки, пересылаемые ретранслятором.
type Adapter struct {
	cfg     Config
	api     API
	machine *payment.Machine
	logger  *zap.Logger
	stats   payment.APICounter
}

// Option настраивает Adapter.
type Option func(*Adapter)

// WithAPI подменяет клиент Spark API.
func WithAPI(api API) Option {
	return func(a *Adapter) { a.api = api }
}

// New создаёт адаптер. В режиме симуляции вызовы API обслуживаются внутри процесса.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Adapter {
	a := &Adapter{
		cfg:    cfg,
		logger: logger,
	}
	if cfg.Simulation {
		a.api = newSimAPI(a, cfg.SimApprovalDelay, cfg.SimAutoApprove)
	} else {
		a.api = NewClient(cfg.APIURL, cfg.Credentials, cfg.Currency, cfg.APITimeout)
	}
	for _, opt := range opts {
		opt(a)
	}

	mopts := []payment.MachineOption{payment.WithDecorator(a.decorate)}
	if cfg.StateFile != "" {
		mopts = append(mopts, payment.WithStateFile(payment.NewStateFile(cfg.StateFile)))
	}
	a.machine = payment.NewMachine(payment.ProtocolSpark, cfg.Simulation, logger, mopts...)
	return a
}

// Protocol возвращает название протокола.
func (a *Adapter) Protocol() string {
	return payment.ProtocolSpark
}

// On регистрирует обработчик события.
func (a *Adapter) On(t payment.EventType, h payment.Handler) {
	a.machine.On(t, h)
}

// Connected сообщает, подключён ли адаптер.
func (a *Adapter) Connected() bool {
	return a.machine.Connected()
}

// Snapshot возвращает снимок состояния со статистикой вызовов API.
func (a *Adapter) Snapshot() payment.Snapshot {
	return a.machine.Snapshot()
}

func (a *Adapter) decorate(s *payment.Snapshot) {
	s.APIStats = a.stats.Stats()
}

// Connect проверяет учётные данные через StartAuthentication.
// Ошибка аутентификации не фатальна: адаптер подключается и сообщит о проблеме при платеже.
func (a *Adapter) Connect(ctx context.Context) error {
	if a.cfg.Simulation {
		a.logger.Info("spark simulation mode")
		return a.setConnected()
	}

	creds := a.cfg.Credentials
	if creds.SignKey == "" || creds.SignKeyID == "" || creds.TerminalID == "" {
		err := errors.New("spark credentials not configured: sign key, sign key id and terminal id are required")
		a.logger.Error("spark connect failed", zap.Error(err))
		_ = a.machine.Update(func(tx *payment.Tx) error {
			tx.SetState(model.StateError)
			tx.Fail(err.Error())
			return nil
		})
		return err
	}

	resp, err := a.call(ctx, EndpointStartAuthentication, func(ctx context.Context) (*Response, error) {
		return a.api.StartAuthentication(ctx, newToken(), newToken()[:16])
	})
	switch {
	case err != nil:
		a.logger.Warn("spark authentication failed, continuing", zap.Error(err))
	case resp.Code() != 0:
		a.logger.Warn("spark authentication rejected, continuing",
			zap.Int("result_code", resp.Code()),
			zap.String("description", resp.Description("")),
		)
	default:
		a.logger.Info("spark authentication ok", zap.String("terminal_id", creds.TerminalID))
	}
	return a.setConnected()
}

func (a *Adapter) setConnected() error {
	return a.machine.Update(func(tx *payment.Tx) error {
		tx.SetConnected(true)
		tx.SetState(model.StateIdle)
		return nil
	})
}

// Disconnect отключает адаптер.
func (a *Adapter) Disconnect() {
	_ = a.machine.Update(func(tx *payment.Tx) error {
		tx.SetConnected(false)
		tx.SetState(model.StateDisconnected)
		return nil
	})
	a.logger.Info("spark disconnected")
}

// StartPayment начинает сессию и активирует терминал вызовом TriggerTransaction (Remote Start).
// Отказ API переводит сессию в Error, но сама сессия возвращается вызывающему.
func (a *Adapter) StartPayment(ctx context.Context, items []model.VendItem) (*model.VendSession, error) {
	var started *model.VendSession
	err := a.machine.Update(func(tx *payment.Tx) error {
		s, err := tx.BeginSession(items)
		if err != nil {
			return err
		}
		s.SparkTransactionID = newToken()
		tx.SetState(model.StateWaitingPayment)
		started = s.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}

	a.logger.Info("trigger transaction",
		zap.String("session_id", started.SessionID),
		zap.String("spark_transaction_id", started.SparkTransactionID),
		zap.Int("amount", started.TotalPrice),
	)
	resp, err := a.call(ctx, EndpointTriggerTransaction, func(ctx context.Context) (*Response, error) {
		return a.api.TriggerTransaction(ctx, started.SparkTransactionID, started.TotalPrice)
	})

	var msg string
	switch {
	case err != nil:
		msg = err.Error()
		a.logger.Error("trigger transaction error", zap.Error(err))
	case resp.Code() != 0:
		msg = resp.Description("Unknown error")
		a.logger.Error("trigger transaction failed", zap.Int("result_code", resp.Code()), zap.String("description", msg))
	default:
		a.logger.Info("trigger transaction accepted, waiting for card tap")
	}

	if msg != "" {
		_ = a.machine.Update(func(tx *payment.Tx) error {
			s := tx.Session()
			if s == nil || s.SessionID != started.SessionID || tx.State() != model.StateWaitingPayment {
				return nil
			}
			s.Error = msg
			tx.SetState(model.StateError)
			tx.Fail(msg)
			return nil
		})
	}

	if _, cur := a.machine.View(); cur != nil && cur.SessionID == started.SessionID {
		return cur, nil
	}
	return started, nil
}

// AddItem добавляет товар в сессию, начатую на устройстве, пока сумма ещё не отправлена в терминал.
func (a *Adapter) AddItem(_ context.Context, item model.VendItem) (*model.VendSession, error) {
	var out *model.VendSession
	err := a.machine.Update(func(tx *payment.Tx) error {
		s := tx.Session()
		if s == nil {
			return payment.ErrNoSession
		}
		if tx.State() != model.StateWaitingSelection {
			return payment.NewStateError("add item", tx.State())
		}
		s.AddItem(item, tx.Now())
		tx.Touch()
		out = s.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	a.logger.Info("item added", zap.String("session_id", out.SessionID), zap.Int("total", out.TotalPrice))
	return out, nil
}

// VendSuccess подтверждает выдачу и вызывает Settlement.
// Сетевая ошибка Settlement не откатывает одобренный платёж: сессия завершается как approved.
func (a *Adapter) VendSuccess(ctx context.Context, sessionID string) error {
	var s *model.VendSession
	err := a.machine.Update(func(tx *payment.Tx) error {
		cur, err := tx.Resolve(sessionID)
		if err != nil {
			return err
		}
		st := tx.State()
		if st != model.StateVendApproved && st != model.StateDispensing {
			return payment.NewStateError("report vend success", st)
		}
		tx.SetState(model.StateSettling)
		s = cur.Clone()
		return nil
	})
	if err != nil {
		return err
	}

	resp, err := a.call(ctx, EndpointSettlement, func(ctx context.Context) (*Response, error) {
		return a.api.Settlement(ctx, s.SparkTransactionID, s.TotalPrice)
	})
	return a.machine.Update(func(tx *payment.Tx) error {
		cur := tx.Session()
		if cur == nil || cur.SessionID != s.SessionID || tx.State() != model.StateSettling {
			return nil
		}
		switch {
		case err != nil:
			msg := "Settlement API error: " + err.Error()
			a.logger.Error("settlement error, completing as approved", zap.Error(err))
			tx.Complete(model.ResultApproved, msg)
			tx.Fail(msg)
		case resp.Code() != 0:
			msg := resp.Description("Settlement failed")
			a.logger.Error("settlement failed", zap.Int("result_code", resp.Code()), zap.String("description", msg))
			cur.Error = msg
			tx.SetState(model.StateError)
			tx.Fail(msg)
		default:
			a.logger.Info("settlement successful", zap.String("session_id", cur.SessionID))
			tx.Complete(model.ResultApproved, "")
		}
		return nil
	})
}

// VendFailure отменяет транзакцию после неудачной выдачи.
func (a *Adapter) VendFailure(ctx context.Context, sessionID string) error {
	var s *model.VendSession
	err := a.machine.Update(func(tx *payment.Tx) error {
		cur, err := tx.Resolve(sessionID)
		if err != nil {
			return err
		}
		if tx.State().IsTerminal() {
			return payment.NewStateError("report vend failure", tx.State())
		}
		s = cur.Clone()
		return nil
	})
	if err != nil {
		return err
	}
	return a.cancel(ctx, s, "Dispensing failed")
}

// CancelSession отменяет текущую сессию. Повторный вызов ничего не делает.
func (a *Adapter) CancelSession(ctx context.Context) error {
	_, s := a.machine.View()
	if s == nil || s.State.IsTerminal() {
		return nil
	}
	return a.cancel(ctx, s, "Cancelled by operator")
}

// cancel вызывает CancelTransaction и завершает сессию как cancelled независимо от ответа API.
func (a *Adapter) cancel(ctx context.Context, s *model.VendSession, reason string) error {
	if _, err := a.call(ctx, EndpointCancelTransaction, func(ctx context.Context) (*Response, error) {
		return a.api.CancelTransaction(ctx, s.SparkTransactionID, reason)
	}); err != nil {
		a.logger.Error("cancel transaction error", zap.Error(err))
	}

	return a.machine.Update(func(tx *payment.Tx) error {
		cur := tx.Session()
		if cur == nil || cur.SessionID != s.SessionID || tx.State().IsTerminal() {
			return nil
		}
		a.logger.Info("transaction cancelled", zap.String("session_id", cur.SessionID), zap.String("reason", reason))
		tx.Complete(model.ResultCancelled, reason)
		return nil
	})
}

// Reset сбрасывает сессию и возвращает адаптер в Idle.
func (a *Adapter) Reset() {
	_ = a.machine.Update(func(tx *payment.Tx) error {
		tx.SetSession(nil)
		if tx.Connected() {
			tx.SetState(model.StateIdle)
		} else {
			tx.SetState(model.StateDisconnected)
		}
		return nil
	})
}

// call выполняет вызов API с учётом статистики. Отмена запроса клиентом HTTP не прерывает вызов.
func (a *Adapter) call(ctx context.Context, endpoint string, fn func(context.Context) (*Response, error)) (*Response, error) {
	a.stats.Call()
	resp, err := fn(context.WithoutCancel(ctx))
	if err != nil {
		a.stats.Fail()
		return nil, fmt.Errorf("%s: %w", endpoint, err)
	}
	return resp, nil
}

// webhookPayload содержит поля вебхуков Spark, которые использует адаптер.
type webhookPayload struct {
	SparkTransactionID string          `json:"SparkTransactionId"`
	TerminalID         string          `json:"TerminalId"`
	ResultCode         *int            `json:"ResultCode"`
	ResultDescription  string          `json:"ResultDescription"`
	TransactionID      json.RawMessage `json:"TransactionId"`
	Amount             json.RawMessage `json:"Amount"`
	CardNumber         string          `json:"CardNumber"`
}

func (p webhookPayload) code() int {
	if p.ResultCode == nil {
		return -1
	}
	return *p.ResultCode
}

func (p webhookPayload) description(fallback string) string {
	if p.ResultDescription == "" {
		return fallback
	}
	return p.ResultDescription
}

// transactionID принимает идентификатор транзакции как строкой, так и числом.
func (p webhookPayload) transactionID() string {
	raw := strings.TrimSpace(string(p.TransactionID))
	if raw == "" || raw == "null" {
		return ""
	}
	if s, err := strconv.Unquote(raw); err == nil {
		return s
	}
	return raw
}

func (p webhookPayload) cardLast4() string {
	if len(p.CardNumber) <= 4 {
		return p.CardNumber
	}
	return p.CardNumber[len(p.CardNumber)-4:]
}

func ack(sparkTransactionID string) map[string]any {
	return map[string]any{
		"ResultCode":         0,
		"ResultDescription":  "OK",
		"SparkTransactionId": sparkTransactionID,
	}
}

// HandleWebhook обрабатывает событие, пересланное ретранслятором.
// Ответ всегда подтверждает получение, даже если событие не применимо к текущему состоянию.
func (a *Adapter) HandleWebhook(_ context.Context, eventType string, payload json.RawMessage) (map[string]any, error) {
	var p webhookPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &p); err != nil {
			a.logger.Warn("malformed spark webhook",
				zap.String("event_type", eventType),
				zap.Error(fmt.Errorf("%w: %w", payment.ErrProtocol, err)),
			)
			return ack(""), nil
		}
	}

	a.logger.Info("spark webhook",
		zap.String("event_type", eventType),
		zap.String("spark_transaction_id", p.SparkTransactionID),
	)

	switch eventType {
	case WebhookStartSession:
		a.onStartSession(p)
	case WebhookInfoQuery:
		return a.onInfoQuery(p), nil
	case WebhookTransactionNotify:
		a.onTransactionNotify(p)
	case WebhookTimeout:
		a.onClosed(p, model.ResultTimeout, "Session timed out")
	case WebhookStop:
		a.onClosed(p, model.ResultCancelled, "Stopped by device")
	case WebhookDecline:
		a.onDecline(p)
	default:
		a.logger.Warn("unknown spark webhook event", zap.String("event_type", eventType))
	}
	return ack(p.SparkTransactionID), nil
}

// matches сообщает, относится ли вебхук к сессии s.
func matches(s *model.VendSession, p webhookPayload) bool {
	return p.SparkTransactionID == "" || s.SparkTransactionID == "" || s.SparkTransactionID == p.SparkTransactionID
}

func (a *Adapter) onStartSession(p webhookPayload) {
	_ = a.machine.Update(func(tx *payment.Tx) error {
		s := tx.Session()
		if s == nil || tx.State().CanStart() {
			s = model.NewSession(nil, tx.Now())
			s.SparkTransactionID = p.SparkTransactionID
			tx.SetSession(s)
			tx.SetState(model.StateWaitingSelection)
			return nil
		}
		s.SparkTransactionID = p.SparkTransactionID
		tx.Touch()
		return nil
	})
}

func (a *Adapter) onInfoQuery(p webhookPayload) map[string]any {
	resp := ack(p.SparkTransactionID)
	_, s := a.machine.View()
	if s != nil && len(s.Items) > 0 {
		resp["Price"] = s.TotalPrice
		resp["PriceDisplay"] = fmt.Sprintf("%d.%02d", s.TotalPrice/100, s.TotalPrice%100)
		resp["Currency"] = a.currency()
	}
	return resp
}

func (a *Adapter) currency() string {
	if a.cfg.Currency == "" {
		return "CAD"
	}
	return a.cfg.Currency
}

func (a *Adapter) onTransactionNotify(p webhookPayload) {
	_ = a.machine.Update(func(tx *payment.Tx) error {
		s := tx.Session()
		if s == nil || !matches(s, p) {
			return nil
		}
		switch tx.State() {
		case model.StateWaitingSelection, model.StateWaitingPayment, model.StateAuthorizing:
		default:
			a.logger.Warn("transaction notify ignored", zap.String("state", string(tx.State())))
			return nil
		}

		if p.code() == 0 {
			s.TransactionID = p.transactionID()
			s.CardLast4 = p.cardLast4()
			s.PaymentResult = model.ResultApproved
			s.AuthorizedAmount = s.TotalPrice
			a.logger.Info("payment approved", zap.String("transaction_id", s.TransactionID), zap.ByteString("amount", p.Amount))
			tx.SetState(model.StateVendApproved)
			tx.Emit(payment.EventTransactionInfo)
			tx.Emit(payment.EventPaymentApproved)
			return nil
		}

		s.PaymentResult = model.ResultDenied
		s.Error = p.description("Payment denied")
		a.logger.Warn("payment denied", zap.Int("result_code", p.code()), zap.String("description", s.Error))
		tx.SetState(model.StateError)
		tx.Emit(payment.EventPaymentDenied)
		return nil
	})
}

func (a *Adapter) onClosed(p webhookPayload, result model.PaymentResult, msg string) {
	_ = a.machine.Update(func(tx *payment.Tx) error {
		s := tx.Session()
		if s == nil || tx.State().IsTerminal() || !matches(s, p) {
			return nil
		}
		tx.Complete(result, msg)
		return nil
	})
}

func (a *Adapter) onDecline(p webhookPayload) {
	_ = a.machine.Update(func(tx *payment.Tx) error {
		s := tx.Session()
		if s == nil || tx.State().IsTerminal() || !matches(s, p) {
			return nil
		}
		s.PaymentResult = model.ResultDenied
		s.Error = p.description("Transaction declined")
		a.logger.Warn("transaction declined", zap.String("reason", s.Error))
		tx.SetState(model.StateError)
		tx.Emit(payment.EventPaymentDenied)
		return nil
	})
}

// newToken возвращает случайный идентификатор из 32 шестнадцатеричных символов.
func newToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
