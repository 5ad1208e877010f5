// Package main содержит диагностическую утилиту агента: разбор кадров Nayax Marshall,
// просмотр файла состояния и прослушивание последовательного порта.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mmeshcher/shaka-agent/internal/config"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "shaka-diag",
		Short:        "Diagnostics for the vending payment agent",
		SilenceUsage: true,
	}
	root.AddCommand(
		newCRCCmd(),
		newEncodeCmd(),
		newDecodeCmd(),
		newStatusCmd(),
		newWatchCmd(),
		newListenCmd(),
		newPortsCmd(),
		newTokenCmd(),
	)
	return root
}

// defaultStateFile возвращает путь файла состояния бэкенда из PAYMENT_BACKEND.
func defaultStateFile() string {
	cfg := config.Default()
	if b := os.Getenv("PAYMENT_BACKEND"); b != "" {
		cfg.Backend = b
	}
	return cfg.StateFile()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
