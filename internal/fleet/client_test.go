package fleet

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/shaka-agent/internal/httpclient"
)

func testHTTP() httpclient.Config {
	return httpclient.Config{
		Timeout:      time.Second,
		RetryMax:     2,
		RetryWaitMin: time.Millisecond,
		RetryWaitMax: 2 * time.Millisecond,
	}
}

func TestSendHeartbeat_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != HeartbeatPath {
			t.Fatalf("path = %s, want %s", r.URL.Path, HeartbeatPath)
		}
		if got := r.Header.Get("X-API-Key"); got != "key-1" {
			t.Fatalf("X-API-Key = %q, want key-1", got)
		}
		if got := r.Header.Get("User-Agent"); got != "ShakaAgent/2.1.0 (m-7)" {
			t.Fatalf("User-Agent = %q", got)
		}

		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body["machineId"] != "m-7" {
			t.Fatalf("machineId = %v, want m-7", body["machineId"])
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "key-1", "m-7", "2.1.0", testHTTP(), zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	code, retry, err := client.SendHeartbeat(ctx, map[string]any{"machineId": "m-7"})
	if err != nil {
		t.Fatalf("SendHeartbeat error: %v", err)
	}
	if code != http.StatusOK {
		t.Fatalf("status code = %d, want %d", code, http.StatusOK)
	}
	if retry != 0 {
		t.Fatalf("retryAfter = %v, want 0", retry)
	}
}

func TestSendHeartbeat_TooManyRequests(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "", "m-7", "2.1.0", testHTTP(), zap.NewNop())

	code, retry, err := client.SendHeartbeat(context.Background(), map[string]any{})
	if err != nil {
		t.Fatalf("SendHeartbeat error: %v", err)
	}
	if code != http.StatusTooManyRequests {
		t.Fatalf("status code = %d, want %d", code, http.StatusTooManyRequests)
	}
	if retry < 5*time.Second {
		t.Fatalf("retryAfter = %v, want at least 5s", retry)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("calls = %d, want 1", n)
	}
}

func TestSendHeartbeat_Failures(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantCalls int32
	}{
		{name: "server error retried", status: http.StatusBadGateway, body: ``, wantCalls: 3},
		{name: "rejected", status: http.StatusOK, body: `{"ok":false,"error":"unknown machine"}`, wantCalls: 1},
		{name: "bad request", status: http.StatusBadRequest, body: `{}`, wantCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer ts.Close()

			client := NewClient(ts.URL, "", "m-7", "2.1.0", testHTTP(), zap.NewNop())

			if _, _, err := client.SendHeartbeat(context.Background(), map[string]any{}); err == nil {
				t.Fatalf("expected error")
			}
			if n := calls.Load(); n != tt.wantCalls {
				t.Fatalf("calls = %d, want %d", n, tt.wantCalls)
			}
		})
	}
}

func TestSendHeartbeat_NotConfigured(t *testing.T) {
	client := NewClient("", "", "m-7", "2.1.0", testHTTP(), zap.NewNop())
	if _, _, err := client.SendHeartbeat(context.Background(), nil); err == nil {
		t.Fatalf("expected error for empty fleet url")
	}
}

func TestWebSocketURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "https://fleet.example.com", want: "wss://fleet.example.com/ws"},
		{in: "http://127.0.0.1:8080/", want: "ws://127.0.0.1:8080/ws"},
		{in: "fleet.example.com", want: "wss://fleet.example.com/ws"},
		{in: "", want: ""},
	}

	for _, tt := range tests {
		if got := WebSocketURL(tt.in); got != tt.want {
			t.Fatalf("WebSocketURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
