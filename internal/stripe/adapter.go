package stripe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/shaka-agent/internal/httpclient"
	"github.com/mmeshcher/shaka-agent/internal/model"
	"github.com/mmeshcher/shaka-agent/internal/payment"
)

// Типы вебхуков Stripe, пересылаемых ретранслятором.
const (
	WebhookActionSucceeded   = "terminal.reader.action_succeeded"
	WebhookActionFailed      = "terminal.reader.action_failed"
	WebhookActionUpdated     = "terminal.reader.action_updated"
	WebhookAmountCapturable  = "payment_intent.amount_capturable_updated"
	WebhookPaymentIntentVoid = "payment_intent.canceled"
)

const (
	reasonOperator            = "Cancelled by operator"
	reasonDispensing          = "Dispensing failed"
	reasonInteracRefund       = "Dispensing failed (Interac auto-captured, refund required)"
	reasonInteracCancelRefund = "Cancelled by operator (Interac auto-captured, refund required)"
)

// Config содержит параметры адаптера Stripe Terminal.
type Config struct {
	APIURL            string
	SecretKey         string
	ReaderID          string
	MachineID         string
	Currency          string
	HTTP              httpclient.Config
	PollInterval      time.Duration
	VendResultTimeout time.Duration
	PreauthMaxAmount  int
	Simulation        bool
	SimAutoApprove    bool
	SimApprovalDelay  time.Duration
	StateFile         string
}

// DefaultConfig возвращает параметры по умолчанию.
func DefaultConfig() Config {
	return Config{
		APIURL:            "https://api.stripe.com/v1",
		MachineID:         "default",
		Currency:          "cad",
		HTTP:              httpclient.DefaultConfig(),
		PollInterval:      2 * time.Second,
		VendResultTimeout: 30 * time.Second,
		PreauthMaxAmount:  5000,
		SimAutoApprove:    true,
		SimApprovalDelay:  3 * time.Second,
	}
}

// API описывает вызовы Stripe, которые использует адаптер.
type API interface {
	GetReader(ctx context.Context, readerID string) (*Reader, error)
	CreatePaymentIntent(ctx context.Context, p IntentParams) (*PaymentIntent, error)
	ProcessPaymentIntent(ctx context.Context, readerID, intentID string) (*Reader, error)
	GetPaymentIntent(ctx context.Context, intentID string) (*PaymentIntent, error)
	IncrementAuthorization(ctx context.Context, intentID string, amount int) (*PaymentIntent, error)
	CapturePaymentIntent(ctx context.Context, intentID string, amount int) (*PaymentIntent, error)
	CancelPaymentIntent(ctx context.Context, intentID, reason string) (*PaymentIntent, error)
}

var _ payment.Backend = (*Adapter)(nil)

// Adapter ведёт платёжную сессию Stripe Terminal. Ожидание оплаты выполняется фоновой задачей,
// которую прерывают отмена и сброс сессии.
type Adapter struct {
	cfg     Config
	api     API
	machine *payment.Machine
	logger  *zap.Logger
	stats   payment.APICounter

	// opMu сериализует AddItem, VendSuccess, VendFailure и CancelSession.
	opMu sync.Mutex

	taskMu     sync.Mutex
	taskCancel context.CancelFunc
	taskDone   chan struct{}
}

// Option настраивает Adapter.
type Option func(*Adapter)

// WithAPI подменяет клиент Stripe API.
func WithAPI(api API) Option {
	return func(a *Adapter) { a.api = api }
}

// New создаёт адаптер. В режиме симуляции Stripe API имитируется внутри процесса.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Adapter {
	a := &Adapter{
		cfg:    cfg,
		logger: logger,
	}
	if cfg.Simulation {
		a.api = newSimAPI(cfg.SimApprovalDelay, cfg.SimAutoApprove)
	} else {
		a.api = NewClient(cfg.APIURL, cfg.SecretKey, cfg.HTTP, logger)
	}
	for _, opt := range opts {
		opt(a)
	}

	mopts := []payment.MachineOption{payment.WithDecorator(a.decorate)}
	if cfg.StateFile != "" {
		mopts = append(mopts, payment.WithStateFile(payment.NewStateFile(cfg.StateFile)))
	}
	a.machine = payment.NewMachine(payment.ProtocolStripe, cfg.Simulation, logger, mopts...)
	return a
}

// Protocol возвращает название протокола.
func (a *Adapter) Protocol() string {
	return payment.ProtocolStripe
}

// On регистрирует обработчик события.
func (a *Adapter) On(t payment.EventType, h payment.Handler) {
	a.machine.On(t, h)
}

// Connected сообщает, подключён ли адаптер.
func (a *Adapter) Connected() bool {
	return a.machine.Connected()
}

// Snapshot возвращает снимок состояния с идентификатором ридера и статистикой API.
func (a *Adapter) Snapshot() payment.Snapshot {
	return a.machine.Snapshot()
}

func (a *Adapter) decorate(s *payment.Snapshot) {
	s.ReaderID = a.cfg.ReaderID
	s.APIStats = a.stats.Stats()
}

// Connect проверяет ридер. Недоступный ридер не мешает подключению: статус сообщается в журнал.
func (a *Adapter) Connect(ctx context.Context) error {
	if a.cfg.Simulation {
		a.logger.Info("stripe simulation mode")
		return a.setConnected()
	}

	var missing string
	switch {
	case a.cfg.SecretKey == "":
		missing = "STRIPE_SECRET_KEY"
	case a.cfg.ReaderID == "":
		missing = "STRIPE_READER_ID"
	}
	if missing != "" {
		err := fmt.Errorf("stripe not configured: missing %s", missing)
		a.logger.Error("stripe connect failed", zap.Error(err))
		_ = a.machine.Update(func(tx *payment.Tx) error {
			tx.SetState(model.StateError)
			tx.Fail(err.Error())
			return nil
		})
		return err
	}

	r, err := call(ctx, &a.stats, "get reader", func(ctx context.Context) (*Reader, error) {
		return a.api.GetReader(ctx, a.cfg.ReaderID)
	})
	switch {
	case err != nil:
		a.logger.Error("reader check failed", zap.String("reader_id", a.cfg.ReaderID), zap.Error(err))
	case r.Status != ReaderOnline:
		a.logger.Warn("reader is not online", zap.String("reader_id", a.cfg.ReaderID), zap.String("status", r.Status))
	default:
		a.logger.Info("reader is online",
			zap.String("reader_id", a.cfg.ReaderID),
			zap.String("device_type", r.DeviceType),
			zap.String("label", r.Label),
		)
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

// Disconnect останавливает фоновую задачу и отключает адаптер.
func (a *Adapter) Disconnect() {
	a.stopTask()
	_ = a.machine.Update(func(tx *payment.Tx) error {
		tx.SetConnected(false)
		tx.SetState(model.StateDisconnected)
		return nil
	})
	a.logger.Info("stripe disconnected")
}

// StartPayment начинает сессию и запускает фоновую задачу: создание PaymentIntent,
// передача на ридер и ожидание оплаты.
func (a *Adapter) StartPayment(_ context.Context, items []model.VendItem) (*model.VendSession, error) {
	total := 0
	for _, it := range items {
		total += it.Normalize().Subtotal()
	}
	if a.cfg.PreauthMaxAmount > 0 && total > a.cfg.PreauthMaxAmount {
		return nil, fmt.Errorf("%w: %d > %d", payment.ErrAmountLimit, total, a.cfg.PreauthMaxAmount)
	}

	var started *model.VendSession
	err := a.machine.Update(func(tx *payment.Tx) error {
		s, err := tx.BeginSession(items)
		if err != nil {
			return err
		}
		tx.SetState(model.StateCreatingIntent)
		started = s.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}

	a.logger.Info("payment request",
		zap.String("session_id", started.SessionID),
		zap.Int("items", len(started.Items)),
		zap.Int("total", started.TotalPrice),
	)
	a.startTask(func(ctx context.Context) { a.runPayment(ctx, started) })
	return started, nil
}

func (a *Adapter) startTask(fn func(ctx context.Context)) {
	a.stopTask()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	a.taskMu.Lock()
	a.taskCancel, a.taskDone = cancel, done
	a.taskMu.Unlock()

	go func() {
		defer close(done)
		fn(ctx)
	}()
}

// stopTask прерывает фоновую задачу и ждёт её завершения.
func (a *Adapter) stopTask() {
	a.taskMu.Lock()
	cancel, done := a.taskCancel, a.taskDone
	a.taskCancel, a.taskDone = nil, nil
	a.taskMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-done:
	case <-time.After(a.cfg.HTTP.Timeout + time.Second):
		a.logger.Warn("payment task did not stop in time")
	}
}

// runPayment создаёт PaymentIntent, передаёт его на ридер и опрашивает статус до оплаты или таймаута.
func (a *Adapter) runPayment(ctx context.Context, s *model.VendSession) {
	pi, err := call(ctx, &a.stats, "create payment intent", func(ctx context.Context) (*PaymentIntent, error) {
		return a.api.CreatePaymentIntent(ctx, IntentParams{
			Amount:    s.TotalPrice,
			Currency:  a.cfg.Currency,
			MachineID: a.cfg.MachineID,
			SessionID: s.SessionID,
			Items:     s.Items,
		})
	})
	if err != nil {
		a.failPayment(ctx, s.SessionID, "", err)
		return
	}
	a.logger.Info("payment intent created", zap.String("payment_intent_id", pi.ID))

	bound := false
	_ = a.machine.Update(func(tx *payment.Tx) error {
		cur := tx.Session()
		if cur == nil || cur.SessionID != s.SessionID || tx.State() != model.StateCreatingIntent {
			return nil
		}
		cur.PaymentIntentID = pi.ID
		tx.Touch()
		bound = true
		return nil
	})
	if !bound || ctx.Err() != nil {
		a.logger.Info("session ended before payment intent was bound, cancelling", zap.String("payment_intent_id", pi.ID))
		a.cancelIntent(context.WithoutCancel(ctx), pi.ID, reasonOperator)
		return
	}

	r, err := call(ctx, &a.stats, "process payment intent", func(ctx context.Context) (*Reader, error) {
		return a.api.ProcessPaymentIntent(ctx, a.cfg.ReaderID, pi.ID)
	})
	if err != nil {
		a.failPayment(ctx, s.SessionID, pi.ID, err)
		return
	}
	status := ""
	if r.Action != nil {
		status = r.Action.Status
	}
	a.logger.Info("processing on reader", zap.String("reader_id", a.cfg.ReaderID), zap.String("action_status", status))

	_ = a.machine.Update(func(tx *payment.Tx) error {
		if cur := tx.Session(); cur != nil && cur.SessionID == s.SessionID && tx.State() == model.StateCreatingIntent {
			tx.SetState(model.StateWaitingPayment)
		}
		return nil
	})

	a.poll(ctx, s.SessionID, pi.ID)
}

// failPayment переводит сессию в Error после сбоя создания или передачи PaymentIntent.
func (a *Adapter) failPayment(ctx context.Context, sessionID, intentID string, err error) {
	if ctx.Err() != nil {
		return
	}
	a.logger.Error("create/process payment error", zap.Error(err))
	if intentID != "" {
		a.cancelIntent(ctx, intentID, "")
	}
	_ = a.machine.Update(func(tx *payment.Tx) error {
		cur := tx.Session()
		if cur == nil || cur.SessionID != sessionID || tx.State().IsTerminal() {
			return nil
		}
		cur.Error = err.Error()
		tx.SetState(model.StateError)
		tx.Fail(err.Error())
		return nil
	})
}

// poll опрашивает PaymentIntent каждые PollInterval, пока покупатель не приложит карту,
// сессия не выйдет из ожидания или не истечёт VendResultTimeout.
func (a *Adapter) poll(ctx context.Context, sessionID, intentID string) {
	a.logger.Info("polling payment intent",
		zap.String("payment_intent_id", intentID),
		zap.Duration("interval", a.cfg.PollInterval),
		zap.Duration("timeout", a.cfg.VendResultTimeout),
	)

	deadline := time.Now().Add(a.cfg.VendResultTimeout)
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pi, err := call(ctx, &a.stats, "get payment intent", func(ctx context.Context) (*PaymentIntent, error) {
			return a.api.GetPaymentIntent(ctx, intentID)
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			a.logger.Warn("poll error", zap.Error(err))
		} else if a.observe(sessionID, pi) {
			return
		}

		if !time.Now().Before(deadline) {
			a.expire(ctx, sessionID, intentID)
			return
		}
	}
}

func waiting(st model.State) bool {
	return st == model.StateCreatingIntent || st == model.StateWaitingPayment || st == model.StateAuthorizing
}

// observe применяет статус PaymentIntent и сообщает, закончено ли ожидание.
func (a *Adapter) observe(sessionID string, pi *PaymentIntent) bool {
	done := false
	_ = a.machine.Update(func(tx *payment.Tx) error {
		s := tx.Session()
		if s == nil || s.SessionID != sessionID || !waiting(tx.State()) {
			done = true
			return nil
		}

		switch pi.Status {
		case StatusRequiresCapture:
			a.authorize(tx, pi.ID, pi.MethodDetails(), pi.AmountCapturable)
			done = true
		case StatusSucceeded:
			applyCard(s, pi.MethodDetails())
			s.CapturedAmount = pi.AmountReceived
			if s.CapturedAmount == 0 {
				s.CapturedAmount = s.TotalPrice
			}
			s.AuthorizedAmount = s.CapturedAmount
			s.TransactionID = pi.ChargeID()
			s.PaymentResult = model.ResultCaptured
			a.logger.Info("payment auto-captured", zap.Int("captured", s.CapturedAmount), zap.String("charge", s.TransactionID))
			tx.Emit(payment.EventPaymentCaptured)
			tx.Complete(model.ResultCaptured, "")
			done = true
		case StatusCanceled, "cancelled":
			a.logger.Info("payment cancelled during polling")
			tx.Complete(model.ResultCancelled, "Payment cancelled")
			done = true
		case StatusRequiresPaymentMethod:
			// Пока карта не предъявлена, PaymentIntent тоже ждёт способ оплаты; отказ отличает last_payment_error.
			if pi.LastPaymentError == nil {
				return nil
			}
			msg := pi.LastPaymentError.Message
			if msg == "" {
				msg = "Payment failed"
			}
			a.deny(tx, msg)
			done = true
		case StatusProcessing, StatusRequiresConfirmation:
			if tx.State() == model.StateWaitingPayment {
				tx.SetState(model.StateAuthorizing)
			}
		}
		return nil
	})
	return done
}

// authorize переводит сессию в PaymentAuthorized. Повторный вызов для той же сессии ничего не делает,
// поэтому вебхук и опрос дают ровно одно событие авторизации.
func (a *Adapter) authorize(tx *payment.Tx, intentID string, details *PaymentMethodDetails, capturable int) {
	s := tx.Session()
	if s == nil || !waiting(tx.State()) {
		return
	}
	if intentID != "" {
		s.PaymentIntentID = intentID
	}
	applyCard(s, details)
	s.AuthorizedAmount = s.TotalPrice
	if capturable > 0 {
		s.AuthorizedAmount = capturable
	}
	s.PaymentResult = model.ResultAuthorized
	a.logger.Info("payment authorized",
		zap.String("payment_intent_id", s.PaymentIntentID),
		zap.String("brand", s.CardBrand),
		zap.String("last4", s.CardLast4),
		zap.Bool("interac", s.IsInterac),
	)
	tx.SetState(model.StatePaymentAuthorized)
	tx.Emit(payment.EventPaymentApproved)
}

func (a *Adapter) deny(tx *payment.Tx, msg string) {
	s := tx.Session()
	s.PaymentResult = model.ResultDenied
	s.Error = msg
	a.logger.Warn("payment denied", zap.String("reason", msg))
	tx.SetState(model.StateError)
	tx.Emit(payment.EventPaymentDenied)
}

// applyCard переносит данные карты в сессию. Interac не поддерживает увеличение авторизации.
func applyCard(s *model.VendSession, d *PaymentMethodDetails) {
	if d == nil {
		return
	}
	switch {
	case d.InteracPresent != nil && d.InteracPresent.Last4 != "":
		s.IsInterac = true
		s.CardLast4 = d.InteracPresent.Last4
		s.CardBrand = "interac"
		s.IncrementalSupported = false
	case d.CardPresent != nil && d.CardPresent.Last4 != "":
		s.CardLast4 = d.CardPresent.Last4
		s.CardBrand = d.CardPresent.Brand
		s.IncrementalSupported = d.CardPresent.IncrementalAuthorizationSupported
	}
}

// expire завершает ожидание по таймауту и отменяет PaymentIntent.
func (a *Adapter) expire(ctx context.Context, sessionID, intentID string) {
	msg := fmt.Sprintf("Timeout: no card tap after %v", a.cfg.VendResultTimeout)
	expired := false
	_ = a.machine.Update(func(tx *payment.Tx) error {
		s := tx.Session()
		if s == nil || s.SessionID != sessionID || !waiting(tx.State()) {
			return nil
		}
		a.logger.Warn("poll timeout, cancelling", zap.Duration("timeout", a.cfg.VendResultTimeout))
		s.PaymentResult = model.ResultTimeout
		s.Error = msg
		tx.SetState(model.StateError)
		tx.Fail(msg)
		expired = true
		return nil
	})
	if expired {
		a.cancelIntent(ctx, intentID, "")
	}
}

// AddItem добавляет товар к авторизованной сессии и увеличивает авторизацию.
// При отказе Stripe товар удаляется, и сумма возвращается к прежней.
func (a *Adapter) AddItem(ctx context.Context, item model.VendItem) (*model.VendSession, error) {
	a.opMu.Lock()
	defer a.opMu.Unlock()

	var (
		s        *model.VendSession
		newTotal int
		count    int
	)
	err := a.machine.Update(func(tx *payment.Tx) error {
		cur := tx.Session()
		if cur == nil {
			return payment.ErrNoSession
		}
		if tx.State() != model.StatePaymentAuthorized {
			return payment.NewStateError("add item", tx.State())
		}
		oldTotal := cur.TotalPrice
		newTotal = oldTotal + item.Normalize().Subtotal()
		if a.cfg.PreauthMaxAmount > 0 && newTotal > a.cfg.PreauthMaxAmount {
			return fmt.Errorf("%w: %d > %d", payment.ErrAmountLimit, newTotal, a.cfg.PreauthMaxAmount)
		}
		if (cur.IsInterac || !cur.IncrementalSupported) && newTotal > oldTotal {
			a.logger.Warn("incremental authorization not supported", zap.Bool("interac", cur.IsInterac))
			return payment.ErrIncrementUnsupported
		}
		cur.AddItem(item, tx.Now())
		tx.Touch()
		count = len(cur.Items)
		s = cur.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	a.logger.Info("adding item", zap.Int("code", item.Code), zap.Int("price", item.Price), zap.Int("new_total", newTotal))

	if newTotal <= s.AuthorizedAmount {
		return s, nil
	}

	pi, err := call(ctx, &a.stats, "increment authorization", func(ctx context.Context) (*PaymentIntent, error) {
		return a.api.IncrementAuthorization(ctx, s.PaymentIntentID, newTotal)
	})

	var out *model.VendSession
	_ = a.machine.Update(func(tx *payment.Tx) error {
		cur := tx.Session()
		if cur == nil || cur.SessionID != s.SessionID {
			return nil
		}
		if err != nil {
			if len(cur.Items) == count {
				cur.RemoveLastItem(tx.Now())
				tx.Touch()
			}
			return nil
		}
		cur.AuthorizedAmount = newTotal
		if pi.Amount > 0 {
			cur.AuthorizedAmount = pi.Amount
		}
		tx.Touch()
		out = cur.Clone()
		return nil
	})
	if err != nil {
		a.logger.Error("increment authorization error", zap.Error(err))
		return nil, fmt.Errorf("increment authorization: %w", err)
	}
	// Сессию могли сбросить, пока шёл запрос.
	if out == nil {
		a.logger.Warn("session reset during increment authorization", zap.String("session_id", s.SessionID))
		return nil, payment.ErrNoSession
	}
	a.logger.Info("authorization incremented", zap.Int("authorized", out.AuthorizedAmount))
	return out, nil
}

// VendSuccess списывает авторизованную сумму. Interac уже списан при оплате.
// Если Stripe недоступен, сессия завершается с результатом authorized и текстом ошибки:
// авторизация остаётся на карте, списание сверяется вручную.
func (a *Adapter) VendSuccess(ctx context.Context, sessionID string) error {
	a.opMu.Lock()
	defer a.opMu.Unlock()

	var s *model.VendSession
	err := a.machine.Update(func(tx *payment.Tx) error {
		cur, err := tx.Resolve(sessionID)
		if err != nil {
			return err
		}
		st := tx.State()
		if st != model.StatePaymentAuthorized && st != model.StateDispensing {
			return payment.NewStateError("report vend success", st)
		}
		tx.SetState(model.StateCapturing)
		s = cur.Clone()
		return nil
	})
	if err != nil {
		return err
	}
	a.logger.Info("vend success", zap.String("session_id", s.SessionID))

	if s.IsInterac {
		return a.finishCapture(s.SessionID, s.TotalPrice, "", nil)
	}

	pi, err := call(ctx, &a.stats, "capture payment intent", func(ctx context.Context) (*PaymentIntent, error) {
		return a.api.CapturePaymentIntent(ctx, s.PaymentIntentID, s.TotalPrice)
	})
	if err != nil {
		return a.finishCapture(s.SessionID, 0, "", err)
	}
	captured := pi.AmountReceived
	if captured == 0 {
		captured = s.TotalPrice
	}
	return a.finishCapture(s.SessionID, captured, pi.ChargeID(), nil)
}

func (a *Adapter) finishCapture(sessionID string, captured int, chargeID string, captureErr error) error {
	return a.machine.Update(func(tx *payment.Tx) error {
		s := tx.Session()
		if s == nil || s.SessionID != sessionID || tx.State() != model.StateCapturing {
			return nil
		}

		switch {
		case captureErr == nil:
			s.CapturedAmount = captured
			if chargeID != "" {
				s.TransactionID = chargeID
			}
			s.PaymentResult = model.ResultCaptured
			a.logger.Info("payment captured", zap.Int("captured", captured), zap.String("charge", s.TransactionID))
			tx.Emit(payment.EventPaymentCaptured)
			tx.Complete(model.ResultCaptured, "")
		case errors.Is(captureErr, payment.ErrTransport):
			msg := "Capture API error: " + captureErr.Error()
			a.logger.Error("capture error, completing with authorization only", zap.Error(captureErr))
			tx.Complete(model.ResultAuthorized, msg)
			tx.Fail(msg)
		default:
			a.logger.Error("capture rejected", zap.Error(captureErr))
			s.Error = captureErr.Error()
			tx.SetState(model.StateError)
			tx.Fail(s.Error)
		}
		return nil
	})
}

// VendFailure отменяет платёж после неудачной выдачи. Interac уже списан: отмена невозможна,
// сессия завершается как captured с пометкой о необходимости возврата.
func (a *Adapter) VendFailure(ctx context.Context, sessionID string) error {
	a.opMu.Lock()
	defer a.opMu.Unlock()

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
	a.stopTask()
	a.logger.Info("vend failure", zap.String("session_id", s.SessionID))

	if s.IsInterac {
		a.logger.Warn("interac payment already captured, refund required", zap.String("session_id", s.SessionID))
		return a.complete(s.SessionID, model.ResultCaptured, reasonInteracRefund)
	}
	if s.PaymentIntentID != "" {
		a.cancelIntent(ctx, s.PaymentIntentID, reasonDispensing)
	}
	return a.complete(s.SessionID, model.ResultCancelled, reasonDispensing)
}

// CancelSession прерывает ожидание оплаты и отменяет PaymentIntent. Списанный Interac не отменяется:
// сессия завершается как captured с пометкой о возврате. Повторный вызов ничего не делает.
func (a *Adapter) CancelSession(ctx context.Context) error {
	a.stopTask()

	a.opMu.Lock()
	defer a.opMu.Unlock()

	_, s := a.machine.View()
	if s == nil || s.State.IsTerminal() {
		return nil
	}
	if s.IsInterac {
		a.logger.Warn("interac payment already captured, refund required", zap.String("session_id", s.SessionID))
		return a.complete(s.SessionID, model.ResultCaptured, reasonInteracCancelRefund)
	}
	if s.PaymentIntentID != "" {
		a.cancelIntent(ctx, s.PaymentIntentID, reasonOperator)
	}
	return a.complete(s.SessionID, model.ResultCancelled, reasonOperator)
}

func (a *Adapter) complete(sessionID string, result model.PaymentResult, msg string) error {
	return a.machine.Update(func(tx *payment.Tx) error {
		s := tx.Session()
		if s == nil || s.SessionID != sessionID || tx.State().IsTerminal() {
			return nil
		}
		a.logger.Info("session complete", zap.String("session_id", sessionID), zap.String("result", string(result)), zap.String("reason", msg))
		tx.Complete(result, msg)
		return nil
	})
}

// cancelIntent отменяет PaymentIntent. Ошибка только журналируется: сессия завершается в любом случае.
func (a *Adapter) cancelIntent(ctx context.Context, intentID, reason string) {
	if _, err := call(ctx, &a.stats, "cancel payment intent", func(ctx context.Context) (*PaymentIntent, error) {
		return a.api.CancelPaymentIntent(ctx, intentID, reason)
	}); err != nil {
		a.logger.Error("cancel payment intent error", zap.String("payment_intent_id", intentID), zap.Error(err))
	}
}

// Reset прерывает фоновую задачу, сбрасывает сессию и возвращает адаптер в Idle.
func (a *Adapter) Reset() {
	a.stopTask()
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

// call выполняет вызов API с учётом статистики.
func call[T any](ctx context.Context, stats *payment.APICounter, op string, fn func(context.Context) (*T, error)) (*T, error) {
	stats.Call()
	v, err := fn(ctx)
	if err != nil {
		stats.Fail()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return v, nil
}
