package main

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mmeshcher/shaka-agent/internal/marshall"
)

// parseHex принимает байты в виде "09 00 00 01", "09:00:00:01" или "09000001".
func parseHex(s string) ([]byte, error) {
	s = strings.NewReplacer(" ", "", ":", "", "0x", "", "0X", "").Replace(s)
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("parse hex: %w", err)
	}
	return b, nil
}

func newCRCCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "crc <hex>",
		Short: "Print CRC-16/XMODEM of the given bytes",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := parseHex(strings.Join(args, ""))
			if err != nil {
				return err
			}
			crc := marshall.CRC16(b)
			cmd.Printf("crc16=0x%04X le=%02X %02X\n", crc, byte(crc), byte(crc>>8))
			return nil
		},
	}
}

func newEncodeCmd() *cobra.Command {
	var (
		seq   uint32
		data  string
		flags string
	)
	cmd := &cobra.Command{
		Use:   "encode",
		Short: "Encode a Marshall frame",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := parseHex(data)
			if err != nil {
				return err
			}
			if len(d) != 4 {
				return fmt.Errorf("data must be 4 bytes, got %d", len(d))
			}
			f, err := strconv.ParseUint(flags, 0, 8)
			if err != nil {
				return fmt.Errorf("parse flags: %w", err)
			}

			var payload [4]byte
			copy(payload[:], d)
			frame := marshall.Encode(marshall.SeqFromUint32(seq), payload, byte(f))
			cmd.Printf("% X\n", frame)
			return nil
		},
	}
	cmd.Flags().Uint32Var(&seq, "seq", 1, "sequence number (24 bits)")
	cmd.Flags().StringVar(&data, "data", "00000000", "4 data bytes in hex")
	cmd.Flags().StringVar(&flags, "flags", "0x00", "flags byte")
	return cmd
}

func newDecodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decode <hex>",
		Short: "Decode one Marshall frame and name its flag",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := parseHex(strings.Join(args, ""))
			if err != nil {
				return err
			}
			f, err := marshall.Decode(b)
			if err != nil {
				return err
			}
			cmd.Printf("%s name=%s\n", f, flagName(f.Flags))
			if f.IsIdlePoll() {
				cmd.Println("idle poll")
			}
			return nil
		},
	}
}

// flagName называет флаг: 0x01..0x0F приходят от устройства, остальные от VMC.
func flagName(flags byte) string {
	return marshall.FlagName(flags, flags >= marshall.FlagPoll && flags < marshall.FlagVendRequest)
}
