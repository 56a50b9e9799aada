package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/opd-ai/thp"
	"github.com/opd-ai/thp/channel"
	"github.com/opd-ai/thp/wire"
	"github.com/samber/oops"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	domain = "transport"

	maxDatagramLen = 2048

	// DefaultRetransmitTimeout is how long the link waits for an answer
	// before sending the last message again.
	DefaultRetransmitTimeout = 200 * time.Millisecond
	// DefaultMaxRetransmits bounds retransmissions of one message.
	DefaultMaxRetransmits = 5
)

var (
	// ErrTimeout means the peer stayed silent through every retransmission.
	ErrTimeout = errors.New("transport: peer did not answer")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("transport: link closed")
)

// Config holds the tunables of a Link.
type Config struct {
	PacketLen         int
	RetransmitTimeout time.Duration
	MaxRetransmits    int
	// Rate limits outbound datagrams per second. Zero means unlimited.
	Rate  float64
	Burst int
}

// DefaultConfig returns the configuration used when no options are given.
func DefaultConfig() Config {
	return Config{
		PacketLen:         wire.DefaultPacketLen,
		RetransmitTimeout: DefaultRetransmitTimeout,
		MaxRetransmits:    DefaultMaxRetransmits,
		Burst:             1,
	}
}

// Option modifies a Config.
type Option func(*Config)

// WithConfig replaces the whole configuration.
func WithConfig(c Config) Option {
	return func(dst *Config) { *dst = c }
}

// WithPacketLen sets the datagram size.
func WithPacketLen(n int) Option {
	return func(c *Config) { c.PacketLen = n }
}

// WithRetransmitTimeout sets the wait before a retransmission.
func WithRetransmitTimeout(d time.Duration) Option {
	return func(c *Config) { c.RetransmitTimeout = d }
}

// WithMaxRetransmits sets how often one message is sent again.
func WithMaxRetransmits(n int) Option {
	return func(c *Config) { c.MaxRetransmits = n }
}

// WithRate paces outbound datagrams.
func WithRate(perSecond float64, burst int) Option {
	return func(c *Config) {
		c.Rate = perSecond
		c.Burst = burst
	}
}

// Link runs the pump of a host channel over a datagram connection. It
// retransmits the last message when the device stays silent, which is the
// only recovery the channel itself does not perform.
//
// Methods of a Link must not be called concurrently.
type Link struct {
	conn    net.Conn
	host    *channel.Host
	cfg     Config
	limiter *rate.Limiter

	incoming chan []byte
	readErr  chan error
	closed   chan struct{}
	once     sync.Once

	last [][]byte
}

// NewLink wraps conn and starts reading from it.
func NewLink(conn net.Conn, host *channel.Host, opts ...Option) *Link {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.PacketLen < wire.MinPacketLen {
		cfg.PacketLen = wire.DefaultPacketLen
	}
	if cfg.RetransmitTimeout <= 0 {
		cfg.RetransmitTimeout = DefaultRetransmitTimeout
	}
	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}

	l := &Link{
		conn:     conn,
		host:     host,
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, cfg.Burst),
		incoming: make(chan []byte, 16),
		readErr:  make(chan error, 1),
		closed:   make(chan struct{}),
	}
	go l.readLoop()
	return l
}

// Dial connects to a device over UDP.
func Dial(ctx context.Context, address string, host *channel.Host, opts ...Option) (*Link, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", address)
	if err != nil {
		return nil, oops.In(domain).With("address", address).Wrapf(err, "dial device")
	}
	return NewLink(conn, host, opts...), nil
}

// Host returns the channel driven by the link.
func (l *Link) Host() *channel.Host { return l.host }

// Close stops the link and closes the connection.
func (l *Link) Close() error {
	var err error
	l.once.Do(func() {
		close(l.closed)
		err = l.conn.Close()
	})
	return err
}

func (l *Link) readLoop() {
	buf := make([]byte, maxDatagramLen)
	for {
		n, err := l.conn.Read(buf)
		if err != nil {
			select {
			case l.readErr <- err:
			case <-l.closed:
			}
			return
		}
		datagram := append([]byte(nil), buf[:n]...)
		select {
		case l.incoming <- datagram:
		case <-l.closed:
			return
		}
	}
}

func (l *Link) logger(function string) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"function":   function,
		"package":    domain,
		"channel_id": l.host.ChannelID(),
		"state":      l.host.State().String(),
	})
}

// Handshake allocates a channel and runs the handshake to completion.
func (l *Link) Handshake(ctx context.Context, tryToUnlock bool) error {
	if err := l.host.Alloc(tryToUnlock); err != nil {
		return err
	}
	for !l.host.HandshakeDone() {
		if err := l.flush(ctx); err != nil {
			return err
		}
		if err := l.await(ctx, messageComplete); err != nil {
			return err
		}
	}
	l.logger("Handshake").
		WithField("device_state", l.host.DeviceState().String()).
		Info("Handshake complete")
	// acknowledge the completion response
	return l.flush(ctx)
}

// Send transmits one application message and waits for its acknowledgment.
func (l *Link) Send(ctx context.Context, payload []byte) error {
	if err := l.host.Send(payload); err != nil {
		return err
	}
	if err := l.flush(ctx); err != nil {
		return err
	}
	return l.await(ctx, func(bool) bool { return !l.host.AwaitingAck() })
}

// Receive waits for the next application message and acknowledges it.
func (l *Link) Receive(ctx context.Context) ([]byte, error) {
	for {
		if msg, ok := l.host.Receive(); ok {
			return msg, l.flush(ctx)
		}
		if err := l.await(ctx, messageComplete); err != nil {
			return nil, err
		}
	}
}

// Call sends payload and returns the device's answer.
func (l *Link) Call(ctx context.Context, payload []byte) ([]byte, error) {
	if err := l.Send(ctx, payload); err != nil {
		return nil, err
	}
	return l.Receive(ctx)
}

func messageComplete(more bool) bool { return !more }

// flush writes everything the channel has queued and remembers it for
// retransmission.
func (l *Link) flush(ctx context.Context) error {
	var out [][]byte
	for {
		pkt := make([]byte, l.cfg.PacketLen)
		more, err := l.host.DataOut(pkt)
		if err != nil {
			return err
		}
		if !more {
			break
		}
		out = append(out, pkt)
	}
	if len(out) == 0 {
		return nil
	}
	l.last = out
	return l.write(ctx, out)
}

func (l *Link) write(ctx context.Context, datagrams [][]byte) error {
	for _, d := range datagrams {
		if err := l.limiter.Wait(ctx); err != nil {
			return err
		}
		if _, err := l.conn.Write(d); err != nil {
			return oops.In(domain).Wrapf(err, "write datagram")
		}
	}
	return nil
}

// await feeds inbound datagrams to the channel until done reports true for
// a pump result, retransmitting the last flush on silence.
func (l *Link) await(ctx context.Context, done func(more bool) bool) error {
	timer := time.NewTimer(l.cfg.RetransmitTimeout)
	defer timer.Stop()
	retransmits := 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.closed:
			return ErrClosed
		case err := <-l.readErr:
			return oops.In(domain).Wrapf(err, "read datagram")
		case d := <-l.incoming:
			more, err := l.host.DataIn(d)
			if err != nil {
				if !l.recoverable(err) {
					return err
				}
				l.logger("await").WithField("error", err.Error()).Debug("Dropping bad datagram")
				continue
			}
			if done(more) {
				return nil
			}
			timer.Reset(l.cfg.RetransmitTimeout)
		case <-timer.C:
			if retransmits >= l.cfg.MaxRetransmits {
				return oops.In(domain).Code("timeout").Wrapf(ErrTimeout, "no answer after %d retransmissions", retransmits)
			}
			retransmits++
			l.logger("await").
				WithField("attempt", retransmits).
				WithField("datagrams", len(l.last)).
				Warn("Retransmitting")
			if err := l.write(ctx, l.last); err != nil {
				return err
			}
			timer.Reset(l.cfg.RetransmitTimeout)
		}
	}
}

// recoverable reports whether a DataIn error only concerns one datagram.
func (l *Link) recoverable(err error) bool {
	if l.host.State() == channel.HostInvalidated {
		return false
	}
	return errors.Is(err, thp.ErrMalformedData) || errors.Is(err, thp.ErrInvalidDigest)
}
