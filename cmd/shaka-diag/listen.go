package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/mmeshcher/shaka-agent/internal/marshall"
)

type listenSummary struct {
	Frames    int
	Polls     int
	CRCErrors int
	Skipped   int
}

func newListenCmd() *cobra.Command {
	var (
		port     string
		baud     int
		duration time.Duration
	)
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Open the serial port, ACK every poll and print received frames",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := marshall.OpenSerial(port, baud)
			if err != nil {
				return err
			}
			defer p.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), duration)
			defer cancel()

			cmd.Printf("listening on %s @ %d for %s\n", port, baud, duration)
			sum, err := listen(ctx, p, cmd.OutOrStdout())
			cmd.Printf("frames=%d polls=%d crc_errors=%d skipped_bytes=%d\n",
				sum.Frames, sum.Polls, sum.CRCErrors, sum.Skipped)
			return err
		},
	}
	cmd.Flags().StringVar(&port, "port", "/dev/ttyUSB0", "serial port")
	cmd.Flags().IntVar(&baud, "baud", 115200, "baud rate")
	cmd.Flags().DurationVar(&duration, "duration", 10*time.Second, "how long to listen")
	return cmd
}

// listen читает кадры до отмены ctx и отвечает пустым ACK на каждый опрос.
// Read порта должен возвращаться по таймауту, иначе отмена ctx не будет замечена.
func listen(ctx context.Context, port marshall.Port, w io.Writer) (listenSummary, error) {
	var (
		sum listenSummary
		sc  marshall.Scanner
		buf = make([]byte, 64)
	)
	for ctx.Err() == nil {
		n, err := port.Read(buf)
		if n > 0 {
			sc.Feed(buf[:n])
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return sum, fmt.Errorf("read serial: %w", err)
		}

		for {
			f, err := sc.Next()
			if errors.Is(err, marshall.ErrIncomplete) {
				break
			}
			if errors.Is(err, marshall.ErrCRCMismatch) {
				sum.CRCErrors++
				fmt.Fprintf(w, "crc error: %v\n", err)
				continue
			}
			if err != nil {
				continue
			}

			sum.Frames++
			fmt.Fprintf(w, "%s %s %s\n", time.Now().Format("15:04:05.000"), f, flagName(f.Flags))
			if f.Flags != marshall.FlagPoll {
				continue
			}
			sum.Polls++
			if _, err := port.Write(marshall.Encode(f.Seq, marshall.VMCIdleData, marshall.FlagAck)); err != nil {
				return sum, fmt.Errorf("write ack: %w", err)
			}
		}
	}
	sum.Skipped = sc.Skipped()
	return sum, nil
}

func newPortsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List available serial ports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ports, err := marshall.ListPorts()
			if err != nil {
				return err
			}
			if len(ports) == 0 {
				cmd.Println("no serial ports found")
			}
			for _, p := range ports {
				cmd.Println(p)
			}
			return nil
		},
	}
}
