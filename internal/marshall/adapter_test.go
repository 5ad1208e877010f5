package marshall

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/shaka-agent/internal/model"
	"github.com/mmeshcher/shaka-agent/internal/payment"
)

var _ payment.Backend = (*Adapter)(nil)

// scriptPort передаёт адаптеру кадры из теста и запоминает ответы.
type scriptPort struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	written []byte
	pending []byte
}

func newScriptPort() *scriptPort {
	return &scriptPort{
		in:     make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (p *scriptPort) Read(b []byte) (int, error) {
	if len(p.pending) == 0 {
		select {
		case <-p.closed:
			return 0, io.ErrClosedPipe
		case chunk := <-p.in:
			p.pending = chunk
		case <-time.After(5 * time.Millisecond):
			return 0, nil
		}
	}
	n := copy(b, p.pending)
	p.pending = p.pending[n:]
	return n, nil
}

func (p *scriptPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.written = append(p.written, b...)
	return len(b), nil
}

func (p *scriptPort) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *scriptPort) send(seq uint32, flags byte, data [4]byte) {
	p.in <- Encode(SeqFromUint32(seq), data, flags)
}

func (p *scriptPort) responses() []Frame {
	p.mu.Lock()
	defer p.mu.Unlock()

	var sc Scanner
	sc.Feed(p.written)
	var out []Frame
	for {
		f, err := sc.Next()
		if err == ErrIncomplete {
			return out
		}
		if err == nil {
			out = append(out, f)
		}
	}
}

// exchange отправляет кадр и ждёт ответ с тем же номером.
func (p *scriptPort) exchange(t *testing.T, seq uint32, flags byte, data [4]byte) Frame {
	t.Helper()
	p.send(seq, flags, data)

	var got Frame
	require.Eventually(t, func() bool {
		for _, f := range p.responses() {
			if f.SeqNum() == seq {
				got = f
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)
	return got
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PollTimeout = 200 * time.Millisecond
	cfg.SettleDelay = 10 * time.Millisecond
	cfg.SessionDoneDelay = 10 * time.Millisecond
	cfg.ReadRetryDelay = 5 * time.Millisecond
	cfg.SimPollInterval = 5 * time.Millisecond
	cfg.SimApprovalDelay = 20 * time.Millisecond
	return cfg
}

func newScripted(t *testing.T, cfg Config) (*Adapter, *scriptPort) {
	t.Helper()
	port := newScriptPort()
	a := New(cfg, zap.NewNop(), WithOpener(func(string, int) (Port, error) { return port, nil }))

	go port.send(0, FlagPoll, DeviceIdleData)
	require.NoError(t, a.Connect(context.Background()))
	t.Cleanup(a.Disconnect)
	return a, port
}

func items() []model.VendItem {
	return []model.VendItem{
		{Code: 1, Price: 250, Qty: 1},
		{Code: 2, Price: 100, Qty: 2},
	}
}

func TestAdapter_ConnectMarksLinkReady(t *testing.T) {
	a, _ := newScripted(t, testConfig())

	snap := a.Snapshot()
	assert.True(t, snap.Connected)
	assert.Equal(t, model.StateIdle, snap.State)
	require.NotNil(t, snap.LinkStats)
	assert.True(t, snap.LinkStats.LinkReady)
	assert.EqualValues(t, 1, snap.LinkStats.PollCount)
}

func TestAdapter_IdlePollGetsIdleAck(t *testing.T) {
	a, port := newScripted(t, testConfig())

	resp := port.exchange(t, 5, FlagPoll, DeviceIdleData)

	assert.Equal(t, FlagAck, resp.Flags)
	assert.Equal(t, VMCIdleData, resp.Data)
	assert.Equal(t, model.StateIdle, a.machine.State())
}

func TestAdapter_VendRequestSentOnce(t *testing.T) {
	a, port := newScripted(t, testConfig())

	s, err := a.StartPayment(context.Background(), items())
	require.NoError(t, err)
	assert.Equal(t, 450, s.TotalPrice)
	assert.Equal(t, model.StateWaitingPayment, a.machine.State())

	first := port.exchange(t, 10, FlagPoll, DeviceIdleData)
	assert.Equal(t, FlagVendRequest, first.Flags)
	assert.Equal(t, [4]byte{0x01, 0xC2, 0x00, 0x02}, first.Data)

	second := port.exchange(t, 11, FlagPoll, DeviceIdleData)
	assert.Equal(t, FlagAck, second.Flags)
	assert.Equal(t, VMCIdleData, second.Data)
}

func TestAdapter_StartPaymentRejectedWhileActive(t *testing.T) {
	a, _ := newScripted(t, testConfig())

	_, err := a.StartPayment(context.Background(), items())
	require.NoError(t, err)

	_, err = a.StartPayment(context.Background(), items())
	assert.ErrorIs(t, err, payment.ErrState)
	assert.Equal(t, model.StateWaitingPayment, a.machine.State())
}

func TestAdapter_FullFlow(t *testing.T) {
	cfg := testConfig()
	cfg.SettleDelay = 100 * time.Millisecond
	a, port := newScripted(t, cfg)

	var mu sync.Mutex
	var events []payment.EventType
	for _, et := range payment.EventTypes {
		a.On(et, func(ev payment.Event) {
			mu.Lock()
			events = append(events, ev.Type)
			mu.Unlock()
		})
	}

	_, err := a.StartPayment(context.Background(), items())
	require.NoError(t, err)
	port.exchange(t, 1, FlagPoll, DeviceIdleData)

	port.exchange(t, 2, FlagSession, DeviceIdleData)
	assert.Equal(t, model.StateAuthorizing, a.machine.State())

	port.exchange(t, 3, FlagTxnInfo, [4]byte{0, 0, 0, 42})
	port.exchange(t, 4, FlagApproved, DeviceIdleData)

	state, s := a.machine.View()
	assert.Equal(t, model.StateVendApproved, state)
	assert.Equal(t, "NX-42", s.TransactionID)
	assert.Equal(t, model.ResultApproved, s.PaymentResult)

	require.NoError(t, a.VendSuccess(context.Background(), s.SessionID))
	assert.Equal(t, model.StateSettling, a.machine.State())

	ok := port.exchange(t, 5, FlagPoll, DeviceIdleData)
	assert.Equal(t, FlagVendOK, ok.Flags)

	require.Eventually(t, func() bool {
		port.send(6, FlagPoll, DeviceIdleData)
		for _, f := range port.responses() {
			if f.Flags == FlagSessionDone {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return a.machine.State() == model.StateSessionComplete
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, events, payment.EventTransactionInfo)
	assert.Contains(t, events, payment.EventPaymentApproved)
	assert.Contains(t, events, payment.EventSessionComplete)
}

func TestAdapter_DeviceOutcomes(t *testing.T) {
	tests := []struct {
		name       string
		flags      byte
		wantState  model.State
		wantResult model.PaymentResult
		wantError  string
	}{
		{
			name:       "denied",
			flags:      FlagDenied,
			wantState:  model.StateError,
			wantResult: model.ResultDenied,
			wantError:  "Payment denied by Nayax",
		},
		{
			name:       "cancelled by device",
			flags:      FlagCancelled,
			wantState:  model.StateSessionComplete,
			wantResult: model.ResultCancelled,
			wantError:  "Cancelled by Nayax device",
		},
		{
			name:       "settled",
			flags:      FlagSettled,
			wantState:  model.StateSessionComplete,
			wantResult: model.ResultPending,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, port := newScripted(t, testConfig())

			_, err := a.StartPayment(context.Background(), items())
			require.NoError(t, err)

			port.exchange(t, 1, tt.flags, DeviceIdleData)

			state, s := a.machine.View()
			assert.Equal(t, tt.wantState, state)
			assert.Equal(t, tt.wantResult, s.PaymentResult)
			assert.Equal(t, tt.wantError, s.Error)
		})
	}
}

func TestAdapter_DeviceEventsWithoutSessionIgnored(t *testing.T) {
	a, port := newScripted(t, testConfig())

	port.exchange(t, 1, FlagApproved, DeviceIdleData)
	port.exchange(t, 2, FlagSession, DeviceIdleData)

	state, s := a.machine.View()
	assert.Equal(t, model.StateIdle, state)
	assert.Nil(t, s)
}

func TestAdapter_SettleTimerCancelled(t *testing.T) {
	a := New(testConfig(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	a.settleMu.Lock()
	a.settleCancel = cancel
	a.settleMu.Unlock()

	a.setResponse(response{flags: FlagVendRequest, data: vendData(450, 2)})
	a.cancelSettle()

	assert.False(t, a.settleResponse(ctx, response{flags: FlagSessionDone, data: VMCIdleData}))
	assert.Equal(t, FlagVendRequest, a.takeResponse().flags)
}

func TestAdapter_NewVendRequestSurvivesPreviousSettle(t *testing.T) {
	a, port := newScripted(t, testConfig())

	_, err := a.StartPayment(context.Background(), items())
	require.NoError(t, err)
	port.exchange(t, 1, FlagPoll, DeviceIdleData)
	port.exchange(t, 2, FlagApproved, DeviceIdleData)

	_, s := a.machine.View()
	require.NoError(t, a.VendSuccess(context.Background(), s.SessionID))
	a.Reset()

	_, err = a.StartPayment(context.Background(), items())
	require.NoError(t, err)

	time.Sleep(5 * (testConfig().SettleDelay + testConfig().SessionDoneDelay))

	resp := port.exchange(t, 3, FlagPoll, DeviceIdleData)
	assert.Equal(t, FlagVendRequest, resp.Flags)
	assert.Equal(t, model.StateWaitingPayment, a.machine.State())
}

func TestAdapter_CRCErrorsCountedAndDropped(t *testing.T) {
	a, port := newScripted(t, testConfig())

	bad := Encode(SeqFromUint32(7), DeviceIdleData, FlagPoll)
	bad[10] ^= 0xFF
	port.in <- bad

	resp := port.exchange(t, 8, FlagPoll, DeviceIdleData)
	assert.Equal(t, FlagAck, resp.Flags)

	for _, f := range port.responses() {
		assert.NotEqual(t, uint32(7), f.SeqNum())
	}
	assert.Equal(t, int64(1), a.LinkStats().CRCErrors)
}

func TestAdapter_CommunicationTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.PollTimeout = 30 * time.Millisecond

	port := newScriptPort()
	a := New(cfg, zap.NewNop(), WithOpener(func(string, int) (Port, error) { return port, nil }))

	errs := make(chan string, 1)
	a.On(payment.EventError, func(ev payment.Event) {
		select {
		case errs <- ev.Message:
		default:
		}
	})

	go port.send(0, FlagPoll, DeviceIdleData)
	require.NoError(t, a.Connect(context.Background()))
	defer a.Disconnect()

	select {
	case msg := <-errs:
		assert.Equal(t, "Communication timeout", msg)
	case <-time.After(time.Second):
		t.Fatal("no communication timeout event")
	}

	stats := a.LinkStats()
	assert.False(t, stats.LinkReady)
	assert.EqualValues(t, 1, stats.CommErrors)
}

func TestAdapter_CancelIsIdempotent(t *testing.T) {
	a, port := newScripted(t, testConfig())

	completions := 0
	a.On(payment.EventSessionComplete, func(payment.Event) { completions++ })

	_, err := a.StartPayment(context.Background(), items())
	require.NoError(t, err)

	require.NoError(t, a.CancelSession(context.Background()))
	require.NoError(t, a.CancelSession(context.Background()))

	resp := port.exchange(t, 1, FlagPoll, DeviceIdleData)
	assert.Equal(t, FlagCancel, resp.Flags)

	port.exchange(t, 2, FlagCancelled, DeviceIdleData)

	_, s := a.machine.View()
	assert.Equal(t, model.ResultCancelled, s.PaymentResult)
	assert.Equal(t, "Cancelled by operator", s.Error)
	assert.Equal(t, 1, completions)
}

func TestAdapter_VendFailure(t *testing.T) {
	a, port := newScripted(t, testConfig())

	_, err := a.StartPayment(context.Background(), items())
	require.NoError(t, err)
	port.exchange(t, 1, FlagApproved, DeviceIdleData)

	require.NoError(t, a.VendFailure(context.Background(), ""))

	resp := port.exchange(t, 2, FlagPoll, DeviceIdleData)
	assert.Equal(t, FlagVendFail, resp.Flags)

	state, s := a.machine.View()
	assert.Equal(t, model.StateSessionComplete, state)
	assert.Equal(t, model.ResultError, s.PaymentResult)
	assert.Equal(t, "Dispensing failed", s.Error)
}

func TestAdapter_VendSuccessRequiresApproval(t *testing.T) {
	a, _ := newScripted(t, testConfig())

	err := a.VendSuccess(context.Background(), "")
	assert.ErrorIs(t, err, payment.ErrNoSession)

	s, err := a.StartPayment(context.Background(), items())
	require.NoError(t, err)

	err = a.VendSuccess(context.Background(), s.SessionID)
	assert.ErrorIs(t, err, payment.ErrState)

	err = a.VendSuccess(context.Background(), "sess-unknown")
	assert.ErrorIs(t, err, payment.ErrSessionMismatch)
}

func TestAdapter_AddItemUnsupported(t *testing.T) {
	a, _ := newScripted(t, testConfig())

	_, err := a.AddItem(context.Background(), model.VendItem{Code: 3, Price: 100})
	assert.ErrorIs(t, err, payment.ErrUnsupported)
}

func TestAdapter_ResetAndDisconnect(t *testing.T) {
	a, _ := newScripted(t, testConfig())

	_, err := a.StartPayment(context.Background(), items())
	require.NoError(t, err)

	a.Reset()
	state, s := a.machine.View()
	assert.Equal(t, model.StateIdle, state)
	assert.Nil(t, s)

	a.Disconnect()
	assert.False(t, a.Connected())
	assert.Equal(t, model.StateDisconnected, a.machine.State())
	assert.False(t, a.LinkStats().LinkReady)
}

func TestAdapter_ConnectFailure(t *testing.T) {
	a := New(testConfig(), zap.NewNop(), WithOpener(func(string, int) (Port, error) {
		return nil, io.ErrUnexpectedEOF
	}))

	err := a.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, payment.ErrTransport)
	assert.Equal(t, model.StateError, a.machine.State())
	assert.False(t, a.Connected())
}

func TestAdapter_SimulatedDeviceFlow(t *testing.T) {
	cfg := testConfig()
	cfg.Simulation = true
	a := New(cfg, zap.NewNop())
	require.NoError(t, a.Connect(context.Background()))
	defer a.Disconnect()

	s, err := a.StartPayment(context.Background(), items())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return a.machine.State() == model.StateVendApproved
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, a.VendSuccess(context.Background(), s.SessionID))

	require.Eventually(t, func() bool {
		return a.machine.State() == model.StateSessionComplete
	}, 2*time.Second, 5*time.Millisecond)

	_, done := a.machine.View()
	assert.Equal(t, model.ResultApproved, done.PaymentResult)
	assert.Contains(t, done.TransactionID, "NX-")
	assert.True(t, a.Snapshot().Simulation)
}

func TestAdapter_SimulatedDenial(t *testing.T) {
	cfg := testConfig()
	cfg.Simulation = true
	cfg.SimAutoApprove = false
	a := New(cfg, zap.NewNop())
	require.NoError(t, a.Connect(context.Background()))
	defer a.Disconnect()

	_, err := a.StartPayment(context.Background(), items())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return a.machine.State() == model.StateError
	}, 2*time.Second, 5*time.Millisecond)

	_, s := a.machine.View()
	assert.Equal(t, model.ResultDenied, s.PaymentResult)
}
