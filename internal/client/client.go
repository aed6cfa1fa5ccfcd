package client

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"valx.pw/postern/internal/config"
	"valx.pw/postern/internal/netcfg"
	"valx.pw/postern/pkg/protocol"
)

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

type Options struct {
	Params Params

	MTU          int
	SubnetMask   string
	DefaultRoute bool
	DNSServers   []netip.Addr

	HandshakeTimeout time.Duration
	Reconnect        bool
	// MaxRetries bounds consecutive failed attempts; zero retries forever.
	MaxRetries int

	Logger   *logrus.Logger
	Resolver HostResolver
	Dial     DialFunc
	Applier  netcfg.Applier
	Packets  PacketIO
}

func OptionsFromConfig(cfg *config.Client) (Options, error) {
	dnsServers := make([]netip.Addr, 0, len(cfg.TUN.DNSServers))
	for _, s := range cfg.TUN.DNSServers {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return Options{}, fmt.Errorf("dns server %q: %w", s, err)
		}
		dnsServers = append(dnsServers, addr)
	}

	return Options{
		Params:           ParamsFromConfig(cfg),
		MTU:              cfg.TUN.MTU,
		SubnetMask:       cfg.TUN.SubnetMask,
		DefaultRoute:     cfg.TUN.DefaultRoute,
		DNSServers:       dnsServers,
		HandshakeTimeout: cfg.Session.HandshakeTimeout,
		Reconnect:        cfg.Session.Reconnect,
		MaxRetries:       cfg.Session.MaxRetries,
	}, nil
}

// Client keeps a tunnel up by running sessions one after another.
type Client struct {
	opts   Options
	logger *logrus.Logger

	mu      sync.Mutex
	session *Session
	cancel  context.CancelFunc
	stopped bool
}

func New(opts Options) (*Client, error) {
	if err := opts.Params.validate(); err != nil {
		return nil, fmt.Errorf("invalid session parameters: %w", err)
	}
	if opts.Packets == nil {
		return nil, errors.New("no packet source configured")
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.InfoLevel)
	}

	return &Client{
		opts:   opts,
		logger: logger,
	}, nil
}

// Run connects and relays until ctx ends or Stop is called. With Reconnect
// enabled failed sessions are replaced after an exponential backoff.
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.cancel = cancel
	c.mu.Unlock()

	backoff := initialBackoff
	attempt := 0
	for {
		established, err := c.runSession(ctx)
		if ctx.Err() != nil {
			c.logger.Info("client stopped")
			return nil
		}
		if err == nil {
			return nil
		}
		if !c.opts.Reconnect || permanent(err) {
			return err
		}

		if established {
			attempt = 0
			backoff = initialBackoff
		}
		attempt++
		if c.opts.MaxRetries > 0 && attempt > c.opts.MaxRetries {
			return fmt.Errorf("giving up after %d attempts: %w", attempt-1, err)
		}

		c.logger.WithFields(logrus.Fields{
			"attempt": attempt,
			"delay":   backoff,
		}).WithError(err).Info("reconnecting")

		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *Client) runSession(ctx context.Context) (established bool, err error) {
	session, err := NewSession(c.opts.Params,
		WithLogger(c.logger),
		WithResolver(c.opts.Resolver),
		WithDialFunc(c.opts.Dial),
	)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	c.session = session
	c.mu.Unlock()
	defer session.Close()

	connectCtx := ctx
	if c.opts.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, c.opts.HandshakeTimeout)
		defer cancel()
	}

	addr, err := session.Connect(connectCtx)
	if err != nil {
		return false, err
	}

	if c.opts.Applier != nil {
		settings := netcfg.Settings{
			RemoteAddress: session.RemoteAddress(),
			MTU:           c.opts.MTU,
			LocalAddress:  addr,
			SubnetMask:    c.opts.SubnetMask,
			DefaultRoute:  c.opts.DefaultRoute,
			DNSServers:    c.opts.DNSServers,
		}
		if err := c.opts.Applier.Apply(ctx, settings); err != nil {
			return true, fmt.Errorf("apply network settings: %w", err)
		}
	}

	c.logger.WithFields(logrus.Fields{
		"session": session.ID(),
		"addr":    addr.String(),
	}).Info("tunnel up")

	err = session.Relay(ctx, c.opts.Packets)

	stats := session.Stats()
	c.logger.WithFields(logrus.Fields{
		"session":     session.ID(),
		"packets_in":  stats.PacketsIn,
		"packets_out": stats.PacketsOut,
		"bytes_in":    stats.BytesIn,
		"bytes_out":   stats.BytesOut,
	}).Info("tunnel down")

	if err == nil && ctx.Err() == nil {
		return true, ErrSessionClosed
	}
	return true, err
}

// Stop ends Run and closes the active session.
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopped = true
	if c.cancel != nil {
		c.cancel()
	}
	if c.session != nil {
		c.session.Close()
	}
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return StateCreated
	}
	return c.session.State()
}

func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return Stats{}
	}
	return c.session.Stats()
}

// permanent reports errors that a fresh session cannot fix.
func permanent(err error) bool {
	return protocol.IsKind(err, protocol.KindEncryptionFailed) ||
		protocol.IsKind(err, protocol.KindSerializationFailed)
}
