package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"

	"github.com/opd-ai/thp/channel"
	"github.com/opd-ai/thp/config"
	"github.com/opd-ai/thp/credential"
	"github.com/opd-ai/thp/crypto"
	"github.com/opd-ai/thp/transport"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newHandshakeCmd(p *probe) *cobra.Command {
	var (
		unlock   bool
		pairing  string
		messages []string
	)
	cmd := &cobra.Command{
		Use:   "handshake",
		Short: "Allocate a channel and run the handshake",
		Long: `handshake allocates a channel, runs the handshake and prints the
resulting channel id, device state and handshake hash. Each --send value is
then sent as an encrypted message and the device's answer is printed.

When credentials.dir is configured, known pairings are resumed from the
encrypted credential store and new ones are saved to it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			blob, err := hex.DecodeString(pairing)
			if err != nil {
				return fmt.Errorf("invalid --credential value: %w", err)
			}
			return p.handshake(cmd, blob, messages)
		},
	}
	cmd.Flags().BoolVar(&unlock, "unlock", false, "ask a locked device to unlock")
	cmd.Flags().StringVar(&pairing, "credential", "", "hex pairing credential sent on first contact")
	cmd.Flags().StringArrayVar(&messages, "send", nil, "message to send after the handshake (repeatable)")
	_ = p.v.BindPFlag(config.KeyTryToUnlock, cmd.Flags().Lookup("unlock"))
	return cmd
}

func (p *probe) handshake(cmd *cobra.Command, pairing []byte, messages []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	backend := crypto.NewBackend()
	opts := []channel.Option{
		channel.WithBackend(backend),
		channel.WithPairingCredential(pairing),
		channel.WithBufferSize(channel.DefaultBufferSize * 4),
	}

	var store *credential.EncryptedStore
	if p.cfg.CredentialsDir != "" {
		password, err := p.cfg.Password()
		if err != nil {
			return err
		}
		store, err = credential.OpenEncryptedStore(p.cfg.CredentialsDir, []byte(password), backend.CipherSuite())
		if err != nil {
			return err
		}
		defer store.Close()
		opts = append(opts, channel.WithCredentialStore(store))
	}

	host := channel.NewHost(opts...)
	link, err := transport.Dial(ctx, p.cfg.Address, host, transport.WithConfig(p.cfg.Link()))
	if err != nil {
		return err
	}
	defer link.Close()

	if err := link.Handshake(ctx, p.cfg.TryToUnlock); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "channel:      0x%04x\n", host.ChannelID())
	fmt.Fprintf(out, "state:        %s\n", host.State())
	fmt.Fprintf(out, "device state: %s\n", host.DeviceState())
	fmt.Fprintf(out, "hash:         %x\n", host.HandshakeHash())

	if store != nil {
		if err := remember(store, host, pairing); err != nil {
			return err
		}
	}

	if host.State() != channel.HostEncryptedTransport {
		return nil
	}
	for _, msg := range messages {
		reply, err := link.Call(ctx, []byte(msg))
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "reply:        %q\n", reply)
	}
	return nil
}

// remember saves the pairing unless the store already knows the device.
func remember(store *credential.EncryptedStore, host *channel.Host, blob []byte) error {
	remote := host.RemoteStatic()
	for _, c := range store.Entries() {
		if bytes.Equal(c.DeviceStatic, remote) {
			return nil
		}
	}
	logrus.WithFields(logrus.Fields{
		"function":   "remember",
		"package":    "main",
		"channel_id": host.ChannelID(),
	}).Info("Saving new pairing")
	return store.Add(credential.Credential{
		DeviceStatic: remote,
		HostPrivate:  host.LocalStatic().Private,
		Blob:         blob,
	})
}
