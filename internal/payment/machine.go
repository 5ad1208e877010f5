package payment

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/shaka-agent/internal/model"
)

// Machine хранит состояние бэкенда, текущую сессию и признак подключения под одной блокировкой.
// Все переходы выполняются через Update, события рассылаются после снятия блокировки.
type Machine struct {
	mu         sync.Mutex
	protocol   string
	simulation bool
	state      model.State
	session    *model.VendSession
	connected  bool

	emitter  *Emitter
	store    *StateFile
	logger   *zap.Logger
	now      func() time.Time
	decorate func(*Snapshot)
}

// MachineOption настраивает Machine.
type MachineOption func(*Machine)

// WithStateFile включает сохранение снимка после каждого перехода.
func WithStateFile(f *StateFile) MachineOption {
	return func(m *Machine) { m.store = f }
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) MachineOption {
	return func(m *Machine) { m.now = now }
}

// WithDecorator добавляет в снимок данные протокола (статистику канала, идентификатор ридера).
func WithDecorator(fn func(*Snapshot)) MachineOption {
	return func(m *Machine) { m.decorate = fn }
}

// NewMachine создаёт автомат в состоянии Disconnected.
func NewMachine(protocol string, simulation bool, logger *zap.Logger, opts ...MachineOption) *Machine {
	m := &Machine{
		protocol:   protocol,
		simulation: simulation,
		state:      model.StateDisconnected,
		emitter:    NewEmitter(logger),
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// On регистрирует обработчик события.
func (m *Machine) On(t EventType, h Handler) {
	m.emitter.On(t, h)
}

// Now возвращает текущее время по часам автомата.
func (m *Machine) Now() time.Time {
	return m.now()
}

// Update выполняет переход под блокировкой, сохраняет снимок и рассылает накопленные события.
// События отправляются даже если fn вернула ошибку.
func (m *Machine) Update(fn func(tx *Tx) error) error {
	m.mu.Lock()
	tx := &Tx{m: m}
	err := fn(tx)
	if tx.dirty {
		m.persistLocked()
	}
	events := tx.events
	m.mu.Unlock()

	m.emitter.Dispatch(events)
	return err
}

// View возвращает текущее состояние и копию сессии.
func (m *Machine) View() (model.State, *model.VendSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.session.Clone()
}

// State возвращает текущее состояние.
func (m *Machine) State() model.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connected сообщает, подключён ли бэкенд.
func (m *Machine) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Snapshot возвращает снимок состояния.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Persist принудительно сохраняет снимок в файл состояния.
func (m *Machine) Persist() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.store == nil {
		return nil
	}
	return m.store.Save(m.snapshotLocked())
}

func (m *Machine) snapshotLocked() Snapshot {
	s := Snapshot{
		Connected:  m.connected,
		Simulation: m.simulation,
		Protocol:   m.protocol,
		State:      m.state,
		Session:    m.session.Clone(),
		Timestamp:  m.now().UTC(),
	}
	if m.decorate != nil {
		m.decorate(&s)
	}
	return s
}

func (m *Machine) persistLocked() {
	if m.store == nil {
		return
	}
	if err := m.store.Save(m.snapshotLocked()); err != nil {
		m.logger.Error("persist state error", zap.String("path", m.store.Path()), zap.Error(err))
	}
}

// Tx даёт доступ к состоянию внутри Update.
type Tx struct {
	m      *Machine
	events []Event
	dirty  bool
}

// State возвращает текущее состояние.
func (tx *Tx) State() model.State {
	return tx.m.state
}

// Session возвращает текущую сессию для изменения внутри перехода. Может быть nil.
func (tx *Tx) Session() *model.VendSession {
	return tx.m.session
}

// Connected сообщает, подключён ли бэкенд.
func (tx *Tx) Connected() bool {
	return tx.m.connected
}

// Now возвращает текущее время по часам автомата.
func (tx *Tx) Now() time.Time {
	return tx.m.now()
}

// SetConnected меняет признак подключения.
func (tx *Tx) SetConnected(v bool) {
	tx.m.connected = v
	tx.dirty = true
}

// SetSession делает сессию текущей.
func (tx *Tx) SetSession(s *model.VendSession) {
	tx.m.session = s
	tx.dirty = true
}

// Touch отмечает, что сессия изменена без смены состояния.
func (tx *Tx) Touch() {
	if tx.m.session != nil {
		tx.m.session.UpdatedAt = tx.m.now()
	}
	tx.dirty = true
}

// SetState выполняет переход и ставит в очередь событие state_change.
func (tx *Tx) SetState(to model.State) {
	from := tx.m.state
	tx.m.state = to
	tx.dirty = true
	if s := tx.m.session; s != nil {
		s.State = to
		s.UpdatedAt = tx.m.now()
	}
	if from == to {
		return
	}

	tx.m.logger.Info("state transition",
		zap.String("protocol", tx.m.protocol),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	tx.events = append(tx.events, Event{
		Type:     EventStateChange,
		Protocol: tx.m.protocol,
		From:     from,
		State:    to,
		Session:  tx.m.session.Clone(),
		At:       tx.m.now(),
	})
}

// Emit ставит в очередь событие с копией текущей сессии.
func (tx *Tx) Emit(t EventType) {
	tx.events = append(tx.events, Event{
		Type:     t,
		Protocol: tx.m.protocol,
		State:    tx.m.state,
		Session:  tx.m.session.Clone(),
		At:       tx.m.now(),
	})
}

// Fail ставит в очередь событие error с текстом ошибки.
func (tx *Tx) Fail(msg string) {
	tx.events = append(tx.events, Event{
		Type:     EventError,
		Protocol: tx.m.protocol,
		State:    tx.m.state,
		Session:  tx.m.session.Clone(),
		Message:  msg,
		At:       tx.m.now(),
	})
}

// Resolve возвращает текущую сессию, проверяя идентификатор, если он указан.
func (tx *Tx) Resolve(sessionID string) (*model.VendSession, error) {
	s := tx.m.session
	if s == nil {
		return nil, ErrNoSession
	}
	if sessionID != "" && sessionID != s.SessionID {
		return nil, ErrSessionMismatch
	}
	return s, nil
}

// Complete завершает сессию с указанным результатом и ставит в очередь session_complete.
func (tx *Tx) Complete(result model.PaymentResult, errMsg string) {
	if s := tx.m.session; s != nil {
		s.PaymentResult = result
		if errMsg != "" {
			s.Error = errMsg
		}
	}
	tx.SetState(model.StateSessionComplete)
	tx.Emit(EventSessionComplete)
}

// BeginSession проверяет, что новую сессию можно начать, и делает её текущей.
func (tx *Tx) BeginSession(items []model.VendItem) (*model.VendSession, error) {
	if !tx.m.connected {
		return nil, ErrNotConnected
	}
	if !tx.m.state.CanStart() {
		return nil, NewStateError("start payment", tx.m.state)
	}
	s := model.NewSession(items, tx.m.now())
	tx.SetSession(s)
	return s, nil
}
