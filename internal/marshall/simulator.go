package marshall

import (
	"encoding/binary"
	"errors"
	"io"
	"math/rand/v2"
	"sync"
	"time"
)

var _ Port = (*simDevice)(nil)

const simReadTimeout = 50 * time.Millisecond

// simDevice имитирует устройство Nayax: регулярно опрашивает VMC и отвечает на запросы продажи.
type simDevice struct {
	approvalDelay time.Duration
	autoApprove   bool

	out    chan []byte
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	pending []response
	seq     uint32
	sc      Scanner

	readBuf []byte
}

func newSimDevice(pollInterval, approvalDelay time.Duration, autoApprove bool) *simDevice {
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}
	d := &simDevice{
		approvalDelay: approvalDelay,
		autoApprove:   autoApprove,
		out:           make(chan []byte, 16),
		closed:        make(chan struct{}),
	}
	go d.poll(pollInterval)
	return d
}

func (d *simDevice) poll(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-d.closed:
			return
		case <-t.C:
		}

		d.mu.Lock()
		ev := response{flags: FlagPoll, data: DeviceIdleData}
		if len(d.pending) > 0 {
			ev = d.pending[0]
			d.pending = d.pending[1:]
		}
		d.seq = (d.seq + 1) & 0xFFFFFF
		frame := Encode(SeqFromUint32(d.seq), ev.data, ev.flags)
		d.mu.Unlock()

		select {
		case d.out <- frame:
		case <-d.closed:
			return
		default:
		}
	}
}

func (d *simDevice) Read(p []byte) (int, error) {
	if len(d.readBuf) == 0 {
		select {
		case <-d.closed:
			return 0, io.ErrClosedPipe
		case fr := <-d.out:
			d.readBuf = fr
		case <-time.After(simReadTimeout):
			return 0, nil
		}
	}
	n := copy(p, d.readBuf)
	d.readBuf = d.readBuf[n:]
	return n, nil
}

func (d *simDevice) Write(p []byte) (int, error) {
	select {
	case <-d.closed:
		return 0, io.ErrClosedPipe
	default:
	}

	d.mu.Lock()
	d.sc.Feed(p)
	var frames []Frame
	for {
		f, err := d.sc.Next()
		if errors.Is(err, ErrIncomplete) {
			break
		}
		if err == nil {
			frames = append(frames, f)
		}
	}
	d.mu.Unlock()

	for _, f := range frames {
		d.react(f)
	}
	return len(p), nil
}

func (d *simDevice) Close() error {
	d.once.Do(func() { close(d.closed) })
	return nil
}

func (d *simDevice) enqueue(flags byte, data [4]byte) {
	d.mu.Lock()
	d.pending = append(d.pending, response{flags: flags, data: data})
	d.mu.Unlock()
}

func (d *simDevice) after(delay time.Duration, fn func()) {
	go func() {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-d.closed:
		case <-t.C:
			fn()
		}
	}()
}

func (d *simDevice) react(f Frame) {
	switch f.Flags {
	case FlagVendRequest:
		d.after(d.approvalDelay/2, func() {
			d.enqueue(FlagSession, DeviceIdleData)
			d.after(d.approvalDelay/2, func() {
				if !d.autoApprove {
					d.enqueue(FlagDenied, DeviceIdleData)
					return
				}
				var txn [4]byte
				binary.BigEndian.PutUint32(txn[:], rand.Uint32N(1_000_000))
				d.enqueue(FlagTxnInfo, txn)
				d.enqueue(FlagApproved, f.Data)
			})
		})
	case FlagSessionDone:
		d.enqueue(FlagSettled, DeviceIdleData)
	case FlagCancel:
		d.enqueue(FlagCancelled, DeviceIdleData)
	}
}
