package main

import (
	"github.com/opd-ai/thp/config"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// probe is the state shared by all subcommands.
type probe struct {
	cfgFile string
	verbose bool
	v       *viper.Viper
	cfg     *config.Config
}

func newRootCmd() *cobra.Command {
	p := &probe{v: config.New()}

	root := &cobra.Command{
		Use:   "thp-probe",
		Short: "Exercise THP channels over UDP",
		Long: `thp-probe allocates a THP channel, runs the Noise XX handshake and
exchanges encrypted messages with a device. It can also act as the device
by serving the built-in emulator.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if p.verbose {
				logrus.SetLevel(logrus.DebugLevel)
			}
			cfg, err := config.Load(p.v, p.cfgFile)
			if err != nil {
				return err
			}
			p.cfg = cfg
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&p.cfgFile, "config", "", "config file (default is ~/.thp/config.yaml)")
	flags.BoolVarP(&p.verbose, "verbose", "v", false, "log datagram flow and state transitions")
	flags.String("address", config.DefaultAddress, "UDP address of the device")
	flags.Int("packet-size", 0, "datagram size in bytes")
	_ = p.v.BindPFlag(config.KeyAddress, flags.Lookup("address"))
	_ = p.v.BindPFlag(config.KeyPacketSize, flags.Lookup("packet-size"))

	root.AddCommand(newHandshakeCmd(p), newEmulateCmd(p))
	return root
}
