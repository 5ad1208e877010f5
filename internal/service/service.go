// Package service держит платёжный бэкенд подключённым, пишет его события в лог и
// сохраняет завершённые сессии в журнал.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/shaka-agent/internal/model"
	"github.com/mmeshcher/shaka-agent/internal/payment"
)

const (
	journalQueueSize   = 64
	journalSaveTimeout = 5 * time.Second
)

// ErrNoJournal возвращается, если журнал сессий не настроен.
var ErrNoJournal = errors.New("session journal is not configured")

// Repository описывает журнал сессий.
type Repository interface {
	Close() error
	SaveSession(ctx context.Context, protocol, machineID string, s *model.VendSession) error
	ListSessions(ctx context.Context, limit int) ([]model.VendSession, error)
}

// Options задаёт интервалы супервизора.
type Options struct {
	MachineID         string
	ReconnectInterval time.Duration
	PersistInterval   time.Duration
	// StateFile, если задан, перезаписывается снимком бэкенда каждые PersistInterval.
	StateFile *payment.StateFile
}

// Service супервизор одного платёжного бэкенда.
type Service struct {
	backend payment.Backend
	repo    Repository
	opts    Options
	logger  *zap.Logger

	journal chan *model.VendSession
}

// NewService создаёт супервизор и подписывается на все события бэкенда. repo может быть nil.
func NewService(backend payment.Backend, repo Repository, opts Options, logger *zap.Logger) *Service {
	s := &Service{
		backend: backend,
		repo:    repo,
		opts:    opts,
		logger:  logger.With(zap.String("protocol", backend.Protocol())),
		journal: make(chan *model.VendSession, journalQueueSize),
	}
	for _, t := range payment.EventTypes {
		backend.On(t, s.onEvent)
	}
	return s
}

// Backend возвращает управляемый бэкенд.
func (s *Service) Backend() payment.Backend {
	return s.backend
}

// Close закрывает журнал.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

func (s *Service) onEvent(ev payment.Event) {
	fields := []zap.Field{
		zap.String("event", string(ev.Type)),
		zap.String("state", string(ev.State)),
	}
	if ev.Session != nil {
		fields = append(fields,
			zap.String("session_id", ev.Session.SessionID),
			zap.String("result", string(ev.Session.PaymentResult)),
			zap.Int("total", ev.Session.TotalPrice),
		)
	}
	if ev.Message != "" {
		fields = append(fields, zap.String("message", ev.Message))
	}

	switch ev.Type {
	case payment.EventStateChange:
		s.logger.Info("state changed", append(fields, zap.String("from", string(ev.From)))...)
	case payment.EventError:
		s.logger.Warn("payment error", fields...)
	default:
		s.logger.Info("payment event", fields...)
	}

	if ev.Session == nil || s.repo == nil {
		return
	}
	if ev.Type == payment.EventSessionComplete || ev.Type == payment.EventError {
		select {
		case s.journal <- ev.Session:
		default:
			s.logger.Warn("journal queue full, session dropped", zap.String("session_id", ev.Session.SessionID))
		}
	}
}

// Run подключает бэкенд, переподключает его при потере связи и периодически сохраняет снимок
// до отмены ctx. При остановке отключает бэкенд.
func (s *Service) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.runJournal(gctx)
		return nil
	})

	g.Go(func() error {
		s.supervise(gctx)
		return nil
	})

	err := g.Wait()
	s.backend.Disconnect()
	s.logger.Info("payment backend disconnected")
	return err
}

func (s *Service) supervise(ctx context.Context) {
	s.connect(ctx)

	ticker := time.NewTicker(s.opts.PersistInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.backend.Connected() {
				s.logger.Warn("payment backend disconnected, reconnecting")
				s.connect(ctx)
				continue
			}
			s.persist()
		}
	}
}

// connect повторяет Connect с постоянной паузой, пока бэкенд не подключится или ctx не отменят.
func (s *Service) connect(ctx context.Context) {
	attempt := 0
	backoff := retry.NewConstant(s.opts.ReconnectInterval)

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if err := s.backend.Connect(ctx); err != nil {
			s.logger.Warn("connect payment backend failed", zap.Int("attempt", attempt), zap.Error(err))
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return
	}

	snap := s.backend.Snapshot()
	s.logger.Info("payment backend connected",
		zap.Int("attempts", attempt),
		zap.Bool("simulation", snap.Simulation),
		zap.String("state", string(snap.State)),
	)
}

func (s *Service) persist() {
	if s.opts.StateFile == nil {
		return
	}
	if err := s.opts.StateFile.Save(s.backend.Snapshot()); err != nil {
		s.logger.Warn("persist state failed", zap.String("path", s.opts.StateFile.Path()), zap.Error(err))
	}
}

func (s *Service) runJournal(ctx context.Context) {
	for {
		select {
		case sess := <-s.journal:
			s.save(ctx, sess)
		case <-ctx.Done():
			s.drainJournal()
			return
		}
	}
}

func (s *Service) drainJournal() {
	ctx, cancel := context.WithTimeout(context.Background(), journalSaveTimeout)
	defer cancel()
	for {
		select {
		case sess := <-s.journal:
			s.save(ctx, sess)
		default:
			return
		}
	}
}

func (s *Service) save(ctx context.Context, sess *model.VendSession) {
	saveCtx, cancel := context.WithTimeout(ctx, journalSaveTimeout)
	defer cancel()

	if err := s.repo.SaveSession(saveCtx, s.backend.Protocol(), s.opts.MachineID, sess); err != nil {
		s.logger.Error("journal session failed", zap.String("session_id", sess.SessionID), zap.Error(err))
		return
	}
	s.logger.Debug("session journaled", zap.String("session_id", sess.SessionID))
}

// ListSessions возвращает последние сессии из журнала.
func (s *Service) ListSessions(ctx context.Context, limit int) ([]model.VendSession, error) {
	if s.repo == nil {
		return nil, ErrNoJournal
	}
	return s.repo.ListSessions(ctx, limit)
}
