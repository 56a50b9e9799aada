package emulator

import (
	"context"
	"net"

	"github.com/sirupsen/logrus"
)

// maxDatagramLen is the read buffer size; larger datagrams are truncated by
// the socket and then rejected by the checksum.
const maxDatagramLen = 2048

// ServeConn answers datagrams arriving on a connected socket until ctx is
// done or the connection fails. The connection is closed when ctx ends.
func (d *Device) ServeConn(ctx context.Context, conn net.Conn) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	buf := make([]byte, maxDatagramLen)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		for _, reply := range d.handleLogged(buf[:n], conn.RemoteAddr()) {
			if _, err := conn.Write(reply); err != nil {
				return err
			}
		}
	}
}

// ServePacketConn answers datagrams from any number of hosts on an
// unconnected socket, replying to each sender.
func (d *Device) ServePacketConn(ctx context.Context, pc net.PacketConn) error {
	stop := context.AfterFunc(ctx, func() { pc.Close() })
	defer stop()

	logrus.WithFields(logrus.Fields{
		"function": "ServePacketConn",
		"package":  domain,
		"address":  pc.LocalAddr().String(),
	}).Info("Emulator listening")

	buf := make([]byte, maxDatagramLen)
	for {
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		for _, reply := range d.handleLogged(buf[:n], addr) {
			if _, err := pc.WriteTo(reply, addr); err != nil {
				return err
			}
		}
	}
}

func (d *Device) handleLogged(datagram []byte, from net.Addr) [][]byte {
	replies, err := d.Handle(datagram)
	if err != nil {
		fields := logrus.Fields{
			"function": "Handle",
			"package":  domain,
			"error":    err.Error(),
		}
		if from != nil {
			fields["remote"] = from.String()
		}
		logrus.WithFields(fields).Debug("Dropping datagram")
	}
	return replies
}
