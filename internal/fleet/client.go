// Package fleet предоставляет клиент для менеджера флота автоматов.
package fleet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/mmeshcher/shaka-agent/internal/httpclient"
)

// HeartbeatPath путь приёма heartbeat на менеджере флота.
const HeartbeatPath = "/api/heartbeat"

// Client инкапсулирует HTTP-взаимодействие с менеджером флота.
type Client struct {
	baseURL    string
	apiKey     string
	userAgent  string
	httpClient *retryablehttp.Client
}

type ackResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// NewClient создаёт клиент менеджера флота. Ответ 429 не повторяется, а возвращается
// вызывающему вместе с Retry-After.
func NewClient(baseURL, apiKey, machineID, firmware string, cfg httpclient.Config, logger *zap.Logger) *Client {
	cfg.NoRetryOnRateLimit = true
	return &Client{
		baseURL:    normalizeURL(baseURL),
		apiKey:     apiKey,
		userAgent:  fmt.Sprintf("ShakaAgent/%s (%s)", firmware, machineID),
		httpClient: httpclient.New(cfg, logger),
	}
}

func normalizeURL(u string) string {
	u = strings.TrimRight(u, "/")
	if u != "" && !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		u = "https://" + u
	}
	return u
}

// SendHeartbeat отправляет heartbeat. Для ответа 429 возвращает код и паузу из Retry-After без ошибки.
func (c *Client) SendHeartbeat(ctx context.Context, payload any) (int, time.Duration, error) {
	if c == nil || c.baseURL == "" {
		return 0, 0, fmt.Errorf("fleet client not configured")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return 0, 0, fmt.Errorf("marshal heartbeat: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+HeartbeatPath, bytes.NewReader(body))
	if err != nil {
		return 0, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := time.Duration(0)
		if v := resp.Header.Get("Retry-After"); v != "" {
			if seconds, parseErr := strconv.Atoi(v); parseErr == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return resp.StatusCode, retryAfter, nil
	}

	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, 0, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var ack ackResponse
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return resp.StatusCode, 0, fmt.Errorf("decode response: %w", err)
	}
	if !ack.OK {
		return resp.StatusCode, 0, fmt.Errorf("heartbeat rejected: %s", ack.Error)
	}

	return resp.StatusCode, 0, nil
}

// WebSocketURL строит адрес WebSocket менеджера флота: https → wss, http → ws, путь /ws.
func WebSocketURL(baseURL string) string {
	u := strings.TrimRight(baseURL, "/")
	switch {
	case u == "":
		return ""
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://") + "/ws"
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://") + "/ws"
	}
	return "wss://" + u + "/ws"
}
