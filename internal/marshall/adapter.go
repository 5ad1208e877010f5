package marshall

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/shaka-agent/internal/model"
	"github.com/mmeshcher/shaka-agent/internal/payment"
)

// Config содержит параметры адаптера Marshall.
type Config struct {
	PortName         string
	Baud             int
	Simulation       bool
	SimAutoApprove   bool
	SimApprovalDelay time.Duration
	SimPollInterval  time.Duration
	PollTimeout      time.Duration
	SettleDelay      time.Duration
	SessionDoneDelay time.Duration
	ReadRetryDelay   time.Duration
	StateFile        string
}

// DefaultConfig возвращает параметры по умолчанию для устройства на /dev/ttyUSB0.
func DefaultConfig() Config {
	return Config{
		PortName:         "/dev/ttyUSB0",
		Baud:             115200,
		SimAutoApprove:   true,
		SimApprovalDelay: 3 * time.Second,
		SimPollInterval:  100 * time.Millisecond,
		PollTimeout:      5 * time.Second,
		SettleDelay:      2 * time.Second,
		SessionDoneDelay: time.Second,
		ReadRetryDelay:   time.Second,
	}
}

type response struct {
	flags byte
	data  [4]byte
}

var idleResponse = response{flags: FlagAck, data: VMCIdleData}

// Adapter отвечает на опросы устройства Nayax и ведёт платёжную сессию.
type Adapter struct {
	cfg     Config
	machine *payment.Machine
	logger  *zap.Logger
	open    Opener

	respMu sync.Mutex
	resp   response

	linkMu sync.Mutex
	link   payment.LinkStats

	runMu sync.Mutex
	port  Port
	stop  context.CancelFunc
	done  chan struct{}

	settleMu     sync.Mutex
	settleCancel context.CancelFunc
}

// Option настраивает Adapter.
type Option func(*Adapter)

// WithOpener подменяет способ открытия порта.
func WithOpener(open Opener) Option {
	return func(a *Adapter) { a.open = open }
}

// New создаёт адаптер. В режиме симуляции порт заменяется имитатором устройства.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Adapter {
	a := &Adapter{
		cfg:    cfg,
		logger: logger,
		open:   OpenSerial,
		resp:   idleResponse,
	}
	if cfg.Simulation {
		a.open = func(string, int) (Port, error) {
			return newSimDevice(cfg.SimPollInterval, cfg.SimApprovalDelay, cfg.SimAutoApprove), nil
		}
	}
	for _, opt := range opts {
		opt(a)
	}

	mopts := []payment.MachineOption{payment.WithDecorator(a.decorate)}
	if cfg.StateFile != "" {
		mopts = append(mopts, payment.WithStateFile(payment.NewStateFile(cfg.StateFile)))
	}
	a.machine = payment.NewMachine(payment.ProtocolMarshall, cfg.Simulation, logger, mopts...)
	return a
}

// Protocol возвращает название протокола.
func (a *Adapter) Protocol() string {
	return payment.ProtocolMarshall
}

// On регистрирует обработчик события.
func (a *Adapter) On(t payment.EventType, h payment.Handler) {
	a.machine.On(t, h)
}

// Connected сообщает, открыт ли канал к устройству.
func (a *Adapter) Connected() bool {
	return a.machine.Connected()
}

// Snapshot возвращает снимок состояния со статистикой канала.
func (a *Adapter) Snapshot() payment.Snapshot {
	return a.machine.Snapshot()
}

// Connect открывает порт и запускает ответчик на опросы. Ожидает первый опрос не дольше PollTimeout;
// если устройство молчит, адаптер всё равно считается подключённым.
func (a *Adapter) Connect(ctx context.Context) error {
	a.runMu.Lock()
	if a.done != nil {
		a.runMu.Unlock()
		return nil
	}

	port, err := a.open(a.cfg.PortName, a.cfg.Baud)
	if err != nil {
		a.runMu.Unlock()
		a.logger.Error("nayax connection failed", zap.String("port", a.cfg.PortName), zap.Error(err))
		_ = a.machine.Update(func(tx *payment.Tx) error {
			tx.SetState(model.StateError)
			tx.Fail(err.Error())
			return nil
		})
		return fmt.Errorf("%w: %w", payment.ErrTransport, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	a.port, a.stop, a.done = port, cancel, done
	a.runMu.Unlock()

	a.linkMu.Lock()
	a.link = payment.LinkStats{}
	a.linkMu.Unlock()

	go a.respond(runCtx, port, done)
	a.logger.Info("poll responder started",
		zap.String("port", a.cfg.PortName),
		zap.Int("baud", a.cfg.Baud),
		zap.Bool("simulation", a.cfg.Simulation),
	)

	if a.waitLink(ctx) {
		a.logger.Info("link established, receiving polls from nayax device")
	} else {
		a.logger.Warn("no polls received within timeout, device may not be ready")
	}

	return a.machine.Update(func(tx *payment.Tx) error {
		tx.SetConnected(true)
		tx.SetState(model.StateIdle)
		return nil
	})
}

func (a *Adapter) waitLink(ctx context.Context) bool {
	deadline := time.NewTimer(a.cfg.PollTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()

	for {
		if a.linkReady() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return a.linkReady()
		case <-tick.C:
		}
	}
}

// Disconnect останавливает ответчик и закрывает порт.
func (a *Adapter) Disconnect() {
	a.cancelSettle()

	a.runMu.Lock()
	stop, done, port := a.stop, a.done, a.port
	a.stop, a.done, a.port = nil, nil, nil
	a.runMu.Unlock()

	if stop != nil {
		stop()
		if err := port.Close(); err != nil {
			a.logger.Warn("close serial port error", zap.Error(err))
		}
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			a.logger.Warn("poll responder did not stop in time")
		}
	}

	a.linkMu.Lock()
	a.link.LinkReady = false
	a.linkMu.Unlock()
	a.setResponse(idleResponse)

	_ = a.machine.Update(func(tx *payment.Tx) error {
		tx.SetConnected(false)
		tx.SetState(model.StateDisconnected)
		return nil
	})
	a.logger.Info("nayax disconnected")
}

// StartPayment начинает сессию и ставит запрос продажи в очередь ответов.
func (a *Adapter) StartPayment(_ context.Context, items []model.VendItem) (*model.VendSession, error) {
	var out *model.VendSession
	err := a.machine.Update(func(tx *payment.Tx) error {
		s, err := tx.BeginSession(items)
		if err != nil {
			return err
		}
		tx.SetState(model.StateWaitingPayment)
		a.cancelSettle()
		a.setResponse(response{flags: FlagVendRequest, data: vendData(s.TotalPrice, len(s.Items))})
		out = s.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}

	a.logger.Info("vend request queued",
		zap.String("session_id", out.SessionID),
		zap.Int("items", len(out.Items)),
		zap.Int("total", out.TotalPrice),
	)
	return out, nil
}

// AddItem не поддерживается: Marshall работает с предварительным выбором товаров.
func (a *Adapter) AddItem(context.Context, model.VendItem) (*model.VendSession, error) {
	return nil, payment.ErrUnsupported
}

// VendSuccess сообщает устройству об успешной выдаче и планирует завершение сессии.
func (a *Adapter) VendSuccess(_ context.Context, sessionID string) error {
	var id string
	err := a.machine.Update(func(tx *payment.Tx) error {
		s, err := tx.Resolve(sessionID)
		if err != nil {
			return err
		}
		st := tx.State()
		if st != model.StateVendApproved && st != model.StateDispensing {
			return payment.NewStateError("report vend success", st)
		}
		tx.SetState(model.StateSettling)
		a.setResponse(response{flags: FlagVendOK, data: vendData(s.TotalPrice, len(s.Items))})
		id = s.SessionID
		return nil
	})
	if err != nil {
		return err
	}

	a.logger.Info("vend success queued", zap.String("session_id", id))
	a.scheduleSettle(id)
	return nil
}

// VendFailure сообщает устройству о неудачной выдаче и завершает сессию с ошибкой.
func (a *Adapter) VendFailure(_ context.Context, sessionID string) error {
	return a.machine.Update(func(tx *payment.Tx) error {
		s, err := tx.Resolve(sessionID)
		if err != nil {
			return err
		}
		if tx.State().IsTerminal() {
			return payment.NewStateError("report vend failure", tx.State())
		}
		a.setResponse(response{flags: FlagVendFail, data: vendData(s.TotalPrice, len(s.Items))})
		a.logger.Info("vend failure queued", zap.String("session_id", s.SessionID))
		tx.Complete(model.ResultError, "Dispensing failed")
		return nil
	})
}

// CancelSession отменяет текущую сессию. Повторный вызов ничего не делает.
func (a *Adapter) CancelSession(context.Context) error {
	a.cancelSettle()
	return a.machine.Update(func(tx *payment.Tx) error {
		s := tx.Session()
		if s == nil || tx.State().IsTerminal() {
			return nil
		}
		a.setResponse(response{flags: FlagCancel, data: VMCIdleData})
		a.logger.Info("session cancelled", zap.String("session_id", s.SessionID))
		tx.Complete(model.ResultCancelled, "Cancelled by operator")
		return nil
	})
}

// Reset сбрасывает сессию и возвращает адаптер в Idle.
func (a *Adapter) Reset() {
	a.cancelSettle()
	a.setResponse(idleResponse)
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

// HandleWebhook не поддерживается: события приходят по последовательному каналу.
func (a *Adapter) HandleWebhook(context.Context, string, json.RawMessage) (map[string]any, error) {
	return nil, payment.ErrUnsupported
}

func (a *Adapter) scheduleSettle(sessionID string) {
	ctx, cancel := context.WithCancel(context.Background())

	a.settleMu.Lock()
	if a.settleCancel != nil {
		a.settleCancel()
	}
	a.settleCancel = cancel
	a.settleMu.Unlock()

	go func() {
		if !sleepCtx(ctx, a.cfg.SettleDelay) {
			return
		}
		if !a.settleResponse(ctx, response{flags: FlagSessionDone, data: VMCIdleData}) {
			return
		}
		if !sleepCtx(ctx, a.cfg.SessionDoneDelay) {
			return
		}
		_ = a.machine.Update(func(tx *payment.Tx) error {
			s := tx.Session()
			if s == nil || s.SessionID != sessionID || tx.State().IsTerminal() {
				return nil
			}
			if s.PaymentResult == model.ResultPending {
				s.PaymentResult = model.ResultApproved
			}
			tx.Complete(s.PaymentResult, "")
			return nil
		})
	}()
}

// settleResponse ставит ответ таймера завершения, только если таймер ещё не отменён.
// Проверка и запись идут под settleMu, поэтому после cancelSettle таймер не перезапишет ответ.
func (a *Adapter) settleResponse(ctx context.Context, r response) bool {
	a.settleMu.Lock()
	defer a.settleMu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	a.setResponse(r)
	return true
}

func (a *Adapter) cancelSettle() {
	a.settleMu.Lock()
	defer a.settleMu.Unlock()
	if a.settleCancel != nil {
		a.settleCancel()
		a.settleCancel = nil
	}
}

func (a *Adapter) setResponse(r response) {
	a.respMu.Lock()
	a.resp = r
	a.respMu.Unlock()
}

// takeResponse возвращает ответ на текущий опрос. Неидл-ответ отправляется ровно один раз.
func (a *Adapter) takeResponse() response {
	a.respMu.Lock()
	defer a.respMu.Unlock()
	r := a.resp
	if r.flags != FlagAck {
		a.resp = idleResponse
	}
	return r
}

func (a *Adapter) respond(ctx context.Context, port Port, done chan struct{}) {
	defer close(done)
	defer a.logger.Info("poll responder stopped")

	var sc Scanner
	buf := make([]byte, 64)
	for {
		if ctx.Err() != nil {
			return
		}

		n, err := port.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.linkMu.Lock()
			a.link.CommErrors++
			a.linkMu.Unlock()
			a.logger.Error("poll responder read error", zap.Error(err))
			if !sleepCtx(ctx, a.cfg.ReadRetryDelay) {
				return
			}
			continue
		}

		if n > 0 {
			sc.Feed(buf[:n])
			a.drain(&sc, port)
		}
		a.checkLiveness()
	}
}

func (a *Adapter) drain(sc *Scanner, port Port) {
	for {
		f, err := sc.Next()
		if errors.Is(err, ErrIncomplete) {
			return
		}
		if err != nil {
			a.linkMu.Lock()
			a.link.CRCErrors++
			a.linkMu.Unlock()
			a.logger.Debug("dropped frame", zap.Error(err))
			continue
		}

		a.recordPoll()
		a.apply(f)

		r := a.takeResponse()
		if _, err := port.Write(Encode(f.Seq, r.data, r.flags)); err != nil {
			a.linkMu.Lock()
			a.link.CommErrors++
			a.linkMu.Unlock()
			a.logger.Error("write response error", zap.Error(err))
			continue
		}
		if r.flags != FlagAck {
			a.logger.Info("response sent",
				zap.String("flag", FlagName(r.flags, false)),
				zap.String("data", hex.EncodeToString(r.data[:])),
			)
		}
	}
}

func (a *Adapter) recordPoll() {
	a.linkMu.Lock()
	defer a.linkMu.Unlock()
	a.link.PollCount++
	a.link.LastPoll = time.Now()
	if !a.link.LinkReady {
		a.link.LinkReady = true
		a.logger.Info("first poll received, link is up")
	}
}

func (a *Adapter) checkLiveness() {
	a.linkMu.Lock()
	expired := a.link.LinkReady && time.Since(a.link.LastPoll) > a.cfg.PollTimeout
	if expired {
		a.link.LinkReady = false
		a.link.CommErrors++
	}
	a.linkMu.Unlock()

	if !expired {
		return
	}
	a.logger.Warn("communication timeout, no polls received", zap.Duration("timeout", a.cfg.PollTimeout))
	_ = a.machine.Update(func(tx *payment.Tx) error {
		tx.Touch()
		tx.Fail("Communication timeout")
		return nil
	})
}

func (a *Adapter) linkReady() bool {
	a.linkMu.Lock()
	defer a.linkMu.Unlock()
	return a.link.LinkReady
}

// LinkStats возвращает копию статистики канала.
func (a *Adapter) LinkStats() payment.LinkStats {
	a.linkMu.Lock()
	defer a.linkMu.Unlock()
	return a.link
}

func (a *Adapter) decorate(s *payment.Snapshot) {
	stats := a.LinkStats()
	s.LinkStats = &stats
}

// apply применяет кадр устройства к автомату по таблице переходов.
func (a *Adapter) apply(f Frame) {
	if f.IsIdlePoll() {
		return
	}
	a.logger.Info("device event",
		zap.String("flag", FlagName(f.Flags, true)),
		zap.String("data", hex.EncodeToString(f.Data[:])),
	)

	_ = a.machine.Update(func(tx *payment.Tx) error {
		s := tx.Session()
		st := tx.State()
		active := s != nil && !st.IsTerminal()

		switch f.Flags {
		case FlagPoll:
		case FlagSession:
			if active && st == model.StateWaitingPayment {
				tx.SetState(model.StateAuthorizing)
			}
		case FlagTxnInfo:
			if active {
				s.TransactionID = fmt.Sprintf("NX-%d", f.Uint32())
				tx.Touch()
				tx.Emit(payment.EventTransactionInfo)
			}
		case FlagApproved:
			if active && (st == model.StateWaitingPayment || st == model.StateAuthorizing) {
				s.PaymentResult = model.ResultApproved
				s.AuthorizedAmount = s.TotalPrice
				tx.SetState(model.StateVendApproved)
				tx.Emit(payment.EventPaymentApproved)
			}
		case FlagDenied:
			if active {
				s.PaymentResult = model.ResultDenied
				s.Error = "Payment denied by Nayax"
				tx.SetState(model.StateError)
				tx.Emit(payment.EventPaymentDenied)
			}
		case FlagSettled:
			if active {
				tx.Complete(s.PaymentResult, "")
			}
		case FlagCancelled:
			if active {
				tx.Complete(model.ResultCancelled, "Cancelled by Nayax device")
			}
		default:
			a.logger.Debug("unknown device flag", zap.Uint8("flags", f.Flags))
		}
		return nil
	})
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
