package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/mmeshcher/shaka-agent/internal/model"
	"github.com/mmeshcher/shaka-agent/internal/payment"
)

func newStatusCmd() *cobra.Command {
	var (
		path    string
		rawJSON bool
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the payment backend state file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			snap, err := payment.LoadSnapshot(path)
			if errors.Is(err, payment.ErrNoState) {
				cmd.Printf("no state file at %s\n", path)
				return nil
			}
			if err != nil {
				return err
			}

			if rawJSON {
				data, err := json.MarshalIndent(snap, "", "  ")
				if err != nil {
					return err
				}
				cmd.Println(string(data))
				return nil
			}
			printSnapshot(cmd.OutOrStdout(), snap)
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "file", defaultStateFile(), "state file path")
	cmd.Flags().BoolVar(&rawJSON, "json", false, "print raw JSON")
	return cmd
}

func printSnapshot(w io.Writer, s *payment.Snapshot) {
	fmt.Fprintf(w, "protocol:   %s\n", s.Protocol)
	fmt.Fprintf(w, "connected:  %t (simulation %t)\n", s.Connected, s.Simulation)
	fmt.Fprintf(w, "state:      %s\n", s.State)
	fmt.Fprintf(w, "updated:    %s (%s ago)\n", s.Timestamp.Format(time.RFC3339), time.Since(s.Timestamp).Round(time.Second))
	if s.ReaderID != "" {
		fmt.Fprintf(w, "reader:     %s\n", s.ReaderID)
	}
	if l := s.LinkStats; l != nil {
		fmt.Fprintf(w, "link:       ready=%t polls=%d crc_errors=%d comm_errors=%d\n",
			l.LinkReady, l.PollCount, l.CRCErrors, l.CommErrors)
	}
	if a := s.APIStats; a != nil {
		fmt.Fprintf(w, "api:        calls=%d errors=%d\n", a.Calls, a.Errors)
	}
	if sess := s.Session; sess != nil {
		fmt.Fprintf(w, "session:    %s %s result=%s items=%d\n",
			sess.SessionID, sess.TotalDisplay, sess.PaymentResult, len(sess.Items))
		if sess.Error != "" {
			fmt.Fprintf(w, "error:      %s\n", sess.Error)
		}
	}
}

func newWatchCmd() *cobra.Command {
	var (
		path  string
		count int
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the state file and print state transitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return watchState(cmd.Context(), path, count, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&path, "file", defaultStateFile(), "state file path")
	cmd.Flags().IntVar(&count, "count", 0, "exit after this many transitions (0 = until interrupted)")
	return cmd
}

// watchState следит за каталогом файла состояния: файл заменяется переименованием,
// поэтому наблюдение за самим файлом теряется после первой записи.
func watchState(ctx context.Context, path string, count int, w io.Writer) error {
	path = filepath.Clean(path)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	var last model.State
	if snap, err := payment.LoadSnapshot(path); err == nil {
		last = snap.State
		fmt.Fprintf(w, "watching %s, state %s\n", path, last)
	} else {
		fmt.Fprintf(w, "watching %s, no state yet\n", path)
	}

	seen := 0
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path || !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
				continue
			}
			snap, err := payment.LoadSnapshot(path)
			if err != nil || snap.State == last {
				continue
			}

			line := fmt.Sprintf("%s %s -> %s", snap.Timestamp.Format("15:04:05"), last, snap.State)
			if s := snap.Session; s != nil {
				line += fmt.Sprintf(" session=%s total=%s result=%s", s.SessionID, s.TotalDisplay, s.PaymentResult)
				if s.Error != "" {
					line += fmt.Sprintf(" error=%q", s.Error)
				}
			}
			fmt.Fprintln(w, line)
			last = snap.State

			seen++
			if count > 0 && seen >= count {
				return nil
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(w, "watch error: %v\n", err)
		}
	}
}
