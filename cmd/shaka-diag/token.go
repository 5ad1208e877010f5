package main

import (
	"errors"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mmeshcher/shaka-agent/internal/middleware"
)

func newTokenCmd() *cobra.Command {
	var (
		secret    string
		machineID string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a relay token for testing webhook routes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if secret == "" {
				return errors.New("secret is required (--secret or FLEET_WEBHOOK_SECRET)")
			}
			token, err := middleware.NewRelayAuth(secret, machineID).Sign(machineID, time.Now())
			if err != nil {
				return err
			}
			cmd.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", os.Getenv("FLEET_WEBHOOK_SECRET"), "relay signing secret")
	cmd.Flags().StringVar(&machineID, "machine-id", os.Getenv("MACHINE_ID"), "machine_id claim")
	return cmd
}
