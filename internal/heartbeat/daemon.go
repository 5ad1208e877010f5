package heartbeat

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sender отправляет heartbeat по HTTP. Для ответа 429 возвращает паузу из Retry-After.
type Sender interface {
	SendHeartbeat(ctx context.Context, payload any) (int, time.Duration, error)
}

// Channel канал доставки heartbeat, которому отдаётся предпочтение перед HTTP.
type Channel interface {
	Ready() bool
	Send(payload any) error
}

// Daemon каждые interval собирает и отправляет heartbeat: сначала по WebSocket, при
// недоступности канала по HTTP.
type Daemon struct {
	interval  time.Duration
	collector *Collector
	http      Sender
	ws        Channel
	logger    *zap.Logger

	sent        int
	failures    int
	pausedUntil time.Time
}

// NewDaemon создаёт демон. ws может быть nil, тогда heartbeat отправляется только по HTTP.
func NewDaemon(interval time.Duration, collector *Collector, http Sender, ws Channel, logger *zap.Logger) *Daemon {
	return &Daemon{
		interval:  interval,
		collector: collector,
		http:      http,
		ws:        ws,
		logger:    logger,
	}
}

// Run отправляет первый heartbeat сразу и затем каждые interval до отмены ctx.
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.Info("heartbeat daemon started", zap.Duration("interval", d.interval), zap.Bool("websocket", d.ws != nil))

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		d.Beat(ctx)
		select {
		case <-ctx.Done():
			d.logger.Info("heartbeat daemon stopped", zap.Int("sent", d.sent))
			return nil
		case <-ticker.C:
		}
	}
}

// Beat собирает и отправляет один heartbeat. Возвращает, был ли он доставлен.
func (d *Daemon) Beat(ctx context.Context) bool {
	payload := d.collector.Collect(ctx)

	if d.ws != nil && d.ws.Ready() {
		err := d.ws.Send(payload)
		if err == nil {
			d.delivered("ws", payload)
			return true
		}
		d.logger.Debug("ws send failed", zap.Error(err))
	}

	if time.Now().Before(d.pausedUntil) {
		d.logger.Debug("heartbeat skipped, fleet rate limit", zap.Time("until", d.pausedUntil))
		return false
	}

	code, retryAfter, err := d.http.SendHeartbeat(ctx, payload)
	switch {
	case err != nil:
		d.failed(err)
		return false
	case retryAfter > 0 || code == 429:
		d.pausedUntil = time.Now().Add(retryAfter)
		d.logger.Warn("fleet rate limited heartbeat", zap.Duration("retry_after", retryAfter))
		return false
	}
	d.delivered("http", payload)
	return true
}

func (d *Daemon) delivered(via string, p Payload) {
	d.sent++
	if d.failures > 0 {
		d.logger.Info("heartbeat restored", zap.String("via", via), zap.Int("after_failures", d.failures))
	}
	d.failures = 0
	if d.sent == 1 || d.sent%10 == 0 {
		d.logger.Info("heartbeat sent",
			zap.Int("count", d.sent),
			zap.String("via", via),
			zap.String("machine_id", p.MachineID),
			zap.String("status", p.Status),
		)
	}
}

func (d *Daemon) failed(err error) {
	d.failures++
	if d.failures == 1 || d.failures%10 == 0 {
		d.logger.Warn("heartbeat failed",
			zap.Int("consecutive", d.failures),
			zap.Bool("ws_ready", d.ws != nil && d.ws.Ready()),
			zap.Error(err),
		)
	}
}

// Sent возвращает число доставленных heartbeat.
func (d *Daemon) Sent() int {
	return d.sent
}
