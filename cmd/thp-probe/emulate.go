package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/opd-ai/thp"
	"github.com/opd-ai/thp/emulator"
	"github.com/spf13/cobra"
)

func newEmulateCmd(p *probe) *cobra.Command {
	var (
		locked bool
		state  uint8
	)
	cmd := &cobra.Command{
		Use:   "emulate",
		Short: "Serve the device emulator on a UDP address",
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, err := thp.ParseDeviceState([]byte{state})
			if err != nil {
				return fmt.Errorf("invalid --state value: %w", err)
			}
			opts := []emulator.Option{
				emulator.WithState(ds),
				emulator.WithPacketLen(p.cfg.PacketSize),
			}
			if locked {
				opts = append(opts, emulator.WithLocked())
			}
			dev, err := emulator.New(opts...)
			if err != nil {
				return err
			}

			pc, err := net.ListenPacket("udp", p.cfg.Address)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "emulating device %x on %s\n", dev.StaticKey(), pc.LocalAddr())

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			err = dev.ServePacketConn(ctx, pc)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&locked, "locked", false, "refuse handshakes that do not ask to unlock")
	cmd.Flags().Uint8Var(&state, "state", uint8(thp.DevicePaired), "device state: 0 unpaired, 1 paired, 2 paired-autoconnect")
	return cmd
}
