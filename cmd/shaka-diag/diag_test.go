package main

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/shaka-agent/internal/marshall"
	"github.com/mmeshcher/shaka-agent/internal/middleware"
	"github.com/mmeshcher/shaka-agent/internal/model"
	"github.com/mmeshcher/shaka-agent/internal/payment"
)

// executeCommand runs the command with args and captures combined output.
func executeCommand(root *cobra.Command, args ...string) (string, error) {
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	_, err := root.ExecuteC()
	return buf.String(), err
}

func TestCRC(t *testing.T) {
	data := []byte{0x09, 0x00, 0x00, 0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0x01}
	out, err := executeCommand(newRootCmd(), "crc", "09 00 00 01", "FF:FF:FF:FF", "01")
	require.NoError(t, err)
	assert.Contains(t, out, fmt.Sprintf("crc16=0x%04X", marshall.CRC16(data)))
}

func TestEncodeDecode(t *testing.T) {
	out, err := executeCommand(newRootCmd(), "encode", "--seq", "5", "--data", "01C20001", "--flags", "0x10")
	require.NoError(t, err)
	want := marshall.Encode(marshall.SeqFromUint32(5), [4]byte{0x01, 0xC2, 0x00, 0x01}, marshall.FlagVendRequest)
	assert.Equal(t, fmt.Sprintf("% X", want), strings.TrimSpace(out))

	out, err = executeCommand(newRootCmd(), "decode", strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Contains(t, out, "seq=000005")
	assert.Contains(t, out, "flags=0x10 name=VEND_REQUEST")
}

func TestDecode(t *testing.T) {
	poll := marshall.Encode(marshall.SeqFromUint32(1), marshall.DeviceIdleData, marshall.FlagPoll)
	ack := marshall.Encode(marshall.SeqFromUint32(1), marshall.VMCIdleData, marshall.FlagAck)
	corrupt := append([]byte(nil), poll...)
	corrupt[5] ^= 0xFF

	tests := []struct {
		name    string
		frame   []byte
		want    []string
		wantErr string
	}{
		{name: "idle poll", frame: poll, want: []string{"name=POLL", "idle poll"}},
		{name: "ack", frame: ack, want: []string{"name=ACK"}},
		{name: "crc mismatch", frame: corrupt, wantErr: "crc mismatch"},
		{name: "too short", frame: poll[:5], wantErr: "shorter than 11 bytes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := executeCommand(newRootCmd(), "decode", fmt.Sprintf("%X", tt.frame))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			for _, w := range tt.want {
				assert.Contains(t, out, w)
			}
		})
	}
}

func TestEncode_BadInput(t *testing.T) {
	_, err := executeCommand(newRootCmd(), "encode", "--data", "0102")
	assert.Error(t, err)

	_, err = executeCommand(newRootCmd(), "encode", "--flags", "0x1FF")
	assert.Error(t, err)
}

func TestStatus(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	out, err := executeCommand(newRootCmd(), "status", "--file", path)
	require.NoError(t, err)
	assert.Contains(t, out, "no state file")

	sess := model.NewSession([]model.VendItem{{Code: 1, Price: 450}}, time.Now())
	require.NoError(t, payment.NewStateFile(path).Save(payment.Snapshot{
		Connected: true,
		Protocol:  payment.ProtocolMarshall,
		State:     model.StateDispensing,
		Session:   sess,
		Timestamp: time.Now(),
		LinkStats: &payment.LinkStats{LinkReady: true, PollCount: 12, CRCErrors: 1},
	}))

	out, err = executeCommand(newRootCmd(), "status", "--file", path)
	require.NoError(t, err)
	assert.Contains(t, out, "state:      dispensing")
	assert.Contains(t, out, "polls=12 crc_errors=1")
	assert.Contains(t, out, sess.SessionID+" $4.50")

	out, err = executeCommand(newRootCmd(), "status", "--file", path, "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"state": "dispensing"`)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestWatchState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	sf := payment.NewStateFile(path)
	require.NoError(t, sf.Save(payment.Snapshot{Protocol: payment.ProtocolStripe, State: model.StateIdle}))

	out := &lockedBuffer{}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- watchState(ctx, path, 1, out) }()

	require.Eventually(t, func() bool { return strings.Contains(out.String(), "watching") }, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, out.String(), "state idle")

	require.NoError(t, sf.Save(payment.Snapshot{
		Protocol:  payment.ProtocolStripe,
		State:     model.StateWaitingPayment,
		Session:   &model.VendSession{SessionID: "sess-1", TotalDisplay: "$4.50", PaymentResult: model.ResultPending},
		Timestamp: time.Now(),
	}))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("watch did not report the transition")
	}
	assert.Contains(t, out.String(), "idle -> waiting_payment session=sess-1 total=$4.50 result=pending")
}

type fakePort struct {
	mu      sync.Mutex
	chunks  [][]byte
	written [][]byte
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	if len(p.chunks) == 0 {
		p.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		return 0, nil
	}
	n := copy(b, p.chunks[0])
	if n < len(p.chunks[0]) {
		p.chunks[0] = p.chunks[0][n:]
	} else {
		p.chunks = p.chunks[1:]
	}
	p.mu.Unlock()
	return n, nil
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.written = append(p.written, append([]byte(nil), b...))
	return len(b), nil
}

func (p *fakePort) Close() error {
	return nil
}

func TestListen(t *testing.T) {
	seq := marshall.SeqFromUint32(0x000102)
	poll := marshall.Encode(seq, marshall.DeviceIdleData, marshall.FlagPoll)
	approved := marshall.Encode(marshall.SeqFromUint32(0x000103), [4]byte{0, 0, 0x01, 0xC2}, marshall.FlagApproved)
	corrupt := append([]byte(nil), poll...)
	corrupt[4] = 0x00

	port := &fakePort{chunks: [][]byte{corrupt, poll[:4], poll[4:], approved}}
	out := &lockedBuffer{}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	sum, err := listen(ctx, port, out)
	require.NoError(t, err)

	assert.Equal(t, 2, sum.Frames)
	assert.Equal(t, 1, sum.Polls)
	assert.GreaterOrEqual(t, sum.CRCErrors, 1)

	require.Len(t, port.written, 1)
	assert.Equal(t, marshall.Encode(seq, marshall.VMCIdleData, marshall.FlagAck), port.written[0])
	assert.Contains(t, out.String(), "POLL")
	assert.Contains(t, out.String(), "APPROVED")
}

func TestToken(t *testing.T) {
	out, err := executeCommand(newRootCmd(), "token", "--secret", "s3cret", "--machine-id", "m-7")
	require.NoError(t, err)

	claims, err := middleware.NewRelayAuth("s3cret", "m-7").Parse(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.NotNil(t, claims)

	t.Setenv("FLEET_WEBHOOK_SECRET", "")
	_, err = executeCommand(newRootCmd(), "token", "--secret", "")
	assert.Error(t, err)
}
