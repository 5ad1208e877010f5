// Package main запускает агент вендингового автомата: платёжный бэкенд, HTTP-сервер
// и heartbeat менеджеру флота.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/shaka-agent/internal/config"
	"github.com/mmeshcher/shaka-agent/internal/fleet"
	"github.com/mmeshcher/shaka-agent/internal/handler"
	"github.com/mmeshcher/shaka-agent/internal/heartbeat"
	"github.com/mmeshcher/shaka-agent/internal/httpclient"
	"github.com/mmeshcher/shaka-agent/internal/marshall"
	"github.com/mmeshcher/shaka-agent/internal/middleware"
	"github.com/mmeshcher/shaka-agent/internal/payment"
	"github.com/mmeshcher/shaka-agent/internal/repository"
	"github.com/mmeshcher/shaka-agent/internal/service"
	"github.com/mmeshcher/shaka-agent/internal/spark"
	"github.com/mmeshcher/shaka-agent/internal/stripe"
)

func main() {
	logger, _ := zap.NewProduction()

	cfg, err := config.Parse()
	if err != nil {
		logger.Sugar().Fatalw("configuration error", "error", err.Error())
	}
	if err := cfg.Validate(); err != nil {
		logger.Sugar().Fatalw("configuration error", "error", err.Error())
	}
	if cfg.LogLevel == "debug" {
		logger, _ = zap.NewDevelopment()
	}
	defer logger.Sync()

	sugar := logger.Sugar()

	backend := newBackend(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var repo service.Repository
	if cfg.DatabaseURI != "" {
		pg, err := repository.NewPostgresRepository(ctx, cfg.DatabaseURI)
		if err != nil {
			sugar.Fatalw("database initialization error", "error", err.Error())
		}
		repo = pg
	}

	svc := service.NewService(backend, repo, service.Options{
		MachineID:         cfg.MachineID,
		ReconnectInterval: cfg.Service.ReconnectInterval,
		PersistInterval:   cfg.Service.PersistInterval,
		StateFile:         payment.NewStateFile(cfg.StateFile()),
	}, logger)
	defer svc.Close()

	var sessions handler.Sessions
	if repo != nil {
		sessions = svc
	}

	relay := middleware.NewRelayAuth(cfg.Fleet.WebhookSecret, cfg.MachineID)
	h := handler.NewHandler(backend, sessions, relay, cfg.StateFile(), logger)

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	// Подключение бэкенда и журнал сессий
	g.Go(func() error {
		return svc.Run(ctx)
	})

	if cfg.Fleet.HeartbeatEnabled && cfg.Fleet.URL != "" {
		startHeartbeat(ctx, g, cfg, backend, logger)
	} else {
		sugar.Infow("heartbeat disabled", "fleet_url", cfg.Fleet.URL)
	}

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting vend server",
			"addr", cfg.RunAddress,
			"backend", cfg.Backend,
			"protocol", backend.Protocol(),
			"routes", "/"+payment.RoutePrefix(backend.Protocol()),
			"relay_auth", relay.Enabled(),
			"journal", repo != nil,
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}

func newBackend(cfg *config.Config, logger *zap.Logger) payment.Backend {
	switch cfg.Backend {
	case config.BackendMarshall:
		mc := marshall.DefaultConfig()
		mc.PortName = cfg.Marshall.SerialPort
		mc.Baud = cfg.Marshall.Baud
		mc.Simulation = cfg.Marshall.Simulation
		mc.PollTimeout = cfg.Marshall.PollTimeout
		mc.SettleDelay = cfg.Marshall.SettleDelay
		mc.SessionDoneDelay = cfg.Marshall.SessionDoneDelay
		mc.StateFile = cfg.Marshall.StateFile
		return marshall.New(mc, logger)

	case config.BackendSpark:
		sc := spark.DefaultConfig()
		sc.APIURL = cfg.Spark.APIURL
		sc.Credentials = spark.Credentials{
			SignKey:    cfg.Spark.SignKey,
			SignKeyID:  cfg.Spark.SignKeyID,
			TokenID:    cfg.Spark.TokenID,
			TerminalID: cfg.Spark.TerminalID,
		}
		sc.Currency = cfg.Spark.Currency
		sc.Simulation = cfg.Spark.Simulation
		sc.StateFile = cfg.Spark.StateFile
		return spark.New(sc, logger)

	default:
		sc := stripe.DefaultConfig()
		sc.APIURL = cfg.Stripe.APIURL
		sc.SecretKey = cfg.Stripe.SecretKey
		sc.ReaderID = cfg.Stripe.ReaderID
		sc.MachineID = cfg.MachineID
		sc.Currency = cfg.Stripe.Currency
		sc.PollInterval = cfg.Stripe.PollInterval
		sc.VendResultTimeout = cfg.Stripe.VendResultTimeout
		sc.PreauthMaxAmount = cfg.Stripe.PreauthMaxAmount
		sc.Simulation = cfg.Stripe.Simulation
		sc.SimApprovalDelay = cfg.Stripe.SimApprovalDelay
		sc.StateFile = cfg.Stripe.StateFile
		return stripe.New(sc, logger)
	}
}

func startHeartbeat(ctx context.Context, g *errgroup.Group, cfg *config.Config, backend payment.Backend, logger *zap.Logger) {
	client := fleet.NewClient(cfg.Fleet.URL, cfg.Fleet.APIKey, cfg.MachineID, cfg.FirmwareVersion, httpclient.DefaultConfig(), logger)
	collector := heartbeat.NewCollector(cfg.MachineID, cfg.FirmwareVersion, cfg.Fleet.Location, cfg.StateFile(),
		backend.Snapshot, heartbeat.SystemProbe{}, logger)

	wsURL := cfg.Fleet.WSURL
	if wsURL == "" {
		wsURL = fleet.WebSocketURL(cfg.Fleet.URL)
	}

	// nil интерфейс, а не nil *Link: демон проверяет канал на nil.
	var ws heartbeat.Channel
	if wsURL != config.WebSocketOff {
		link := heartbeat.NewLink(wsURL, cfg.MachineID, cfg.Fleet.APIKey, logger)
		g.Go(func() error {
			link.Run(ctx)
			return nil
		})
		ws = link
	}

	daemon := heartbeat.NewDaemon(cfg.Fleet.HeartbeatInterval, collector, client, ws, logger)
	g.Go(func() error {
		return daemon.Run(ctx)
	})
}
