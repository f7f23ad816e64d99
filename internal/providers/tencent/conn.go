package tencent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"whisperdeck/internal/domain"
	"whisperdeck/internal/ports"
)

// ConnConfig tunes connection lifecycle timing.
type ConnConfig struct {
	ConnectTimeout time.Duration
	KeepaliveTick  time.Duration
	PingAfter      time.Duration
	IdleCeiling    time.Duration
}

// DefaultConnConfig matches the backend's session-keeping expectations.
func DefaultConnConfig() ConnConfig {
	return ConnConfig{
		ConnectTimeout: 15 * time.Second,
		KeepaliveTick:  3 * time.Second,
		PingAfter:      8 * time.Second,
		IdleCeiling:    60 * time.Second,
	}
}

func (c ConnConfig) withDefaults() ConnConfig {
	def := DefaultConnConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.KeepaliveTick <= 0 {
		c.KeepaliveTick = def.KeepaliveTick
	}
	if c.PingAfter <= 0 {
		c.PingAfter = def.PingAfter
	}
	if c.IdleCeiling <= 0 {
		c.IdleCeiling = def.IdleCeiling
	}
	return c
}

// CloseInfo describes why a connection finished. Valid once Done is closed.
type CloseInfo struct {
	// Err is nil for a locally requested or idle-ceiling close.
	Err error
	// Idle is true when the idle ceiling closed the session.
	Idle bool
}

// Conn owns one authenticated duplex connection: connect, keepalive pings,
// idle detection, and close. Inbound payloads are surfaced unparsed; message
// semantics belong to the owning client.
type Conn struct {
	dialer ports.Dialer
	url    string
	cfg    ConnConfig
	clk    clock.Clock
	logger *zap.Logger

	mu        sync.Mutex
	state     domain.ConnectionState
	wire      ports.WireConn
	openedAt  time.Time
	lastAudio time.Time
	sentAudio bool
	localStop bool
	idleStop  bool
	closeErr  error

	inbound  chan ports.WireMessage
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	doneOnce sync.Once
}

// NewConn prepares a connection for the given signed URL. No network work
// happens until Connect.
func NewConn(dialer ports.Dialer, url string, cfg ConnConfig, clk clock.Clock, logger *zap.Logger) *Conn {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Conn{
		dialer:  dialer,
		url:     url,
		cfg:     cfg.withDefaults(),
		clk:     clk,
		logger:  logger.Named("session_conn"),
		state:   domain.ConnStateIdle,
		inbound: make(chan ports.WireMessage, 64),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// State reports the current lifecycle state.
func (c *Conn) State() domain.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Inbound delivers raw backend messages in arrival order.
func (c *Conn) Inbound() <-chan ports.WireMessage { return c.inbound }

// Done is closed once the connection has fully finished, for any reason.
func (c *Conn) Done() <-chan struct{} { return c.done }

// CloseInfo reports the close cause. Call only after Done is closed.
func (c *Conn) CloseInfo() CloseInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CloseInfo{Err: c.closeErr, Idle: c.idleStop}
}

// Connect opens the transport and starts the read and keepalive loops.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != domain.ConnStateIdle {
		c.mu.Unlock()
		return fmt.Errorf("connect called in state %s", c.state)
	}
	c.state = domain.ConnStateConnecting
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()
	go func() {
		select {
		case <-c.stopCh:
			cancel()
		case <-dialCtx.Done():
		}
	}()

	wire, err := c.dialer.DialContext(dialCtx, c.url)
	if err != nil {
		c.mu.Lock()
		if c.localStop {
			c.state = domain.ConnStateClosed
			c.mu.Unlock()
			c.finish()
			return nil
		}
		connErr := domain.ConnectionErr(classifyDialError(err), false)
		c.state = domain.ConnStateFailed
		c.closeErr = connErr
		c.mu.Unlock()
		c.finish()
		return connErr
	}

	now := c.clk.Now()
	c.mu.Lock()
	if c.localStop {
		c.state = domain.ConnStateClosed
		c.mu.Unlock()
		_ = wire.Close()
		c.finish()
		return nil
	}
	c.wire = wire
	c.state = domain.ConnStateOpen
	c.openedAt = now
	c.lastAudio = now
	c.mu.Unlock()

	go c.readLoop(wire)
	go c.keepaliveLoop(wire)
	return nil
}

// SendFrame transmits one binary audio frame.
func (c *Conn) SendFrame(payload []byte) error {
	c.mu.Lock()
	if c.state != domain.ConnStateOpen {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("cannot send audio in state %s", state)
	}
	wire := c.wire
	c.mu.Unlock()

	if err := wire.WriteBinary(payload); err != nil {
		return fmt.Errorf("failed to send audio frame: %w", err)
	}

	c.mu.Lock()
	c.lastAudio = c.clk.Now()
	c.sentAudio = true
	c.mu.Unlock()
	return nil
}

// Stop sends the end-of-stream marker when the transport is still open, then
// closes it. Idempotent; a Stop on an already closed connection is a no-op.
func (c *Conn) Stop() error {
	c.stop(false)
	return nil
}

func (c *Conn) stop(idle bool) {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		wire := c.wire
		open := c.state == domain.ConnStateOpen
		c.localStop = true
		c.idleStop = idle
		if open {
			c.state = domain.ConnStateClosing
		}
		c.mu.Unlock()

		close(c.stopCh)

		if wire == nil {
			c.mu.Lock()
			if c.state != domain.ConnStateFailed {
				c.state = domain.ConnStateClosed
			}
			c.mu.Unlock()
			c.finish()
			return
		}

		if open {
			if err := wire.WriteText(EndMarker); err != nil {
				c.logger.Debug("end marker write failed", zap.Error(err))
			}
		}
		// The read loop observes the close and completes the transition.
		_ = wire.Close()
	})
}

func (c *Conn) readLoop(wire ports.WireConn) {
	for {
		msg, err := wire.Read()
		if err != nil {
			c.mu.Lock()
			if c.localStop {
				c.state = domain.ConnStateClosed
			} else {
				c.state = domain.ConnStateFailed
				c.closeErr = domain.ConnectionErr(
					fmt.Sprintf("connection closed unexpectedly: %v", err), false)
			}
			c.mu.Unlock()
			c.finish()
			return
		}

		select {
		case c.inbound <- msg:
		case <-c.stopCh:
			// Stop already requested; late messages are discarded.
		}
	}
}

func (c *Conn) keepaliveLoop(wire ports.WireConn) {
	ticker := c.clk.Ticker(c.cfg.KeepaliveTick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-c.stopCh:
			return
		case <-c.done:
			return
		}

		c.mu.Lock()
		if c.state != domain.ConnStateOpen {
			c.mu.Unlock()
			return
		}
		now := c.clk.Now()
		neverSent := !c.sentAudio
		sinceAudio := now.Sub(c.lastAudio)
		sinceOpen := now.Sub(c.openedAt)
		c.mu.Unlock()

		if neverSent && sinceOpen >= c.cfg.IdleCeiling {
			c.logger.Info("closing idle session", zap.Duration("idle", sinceOpen))
			c.stop(true)
			return
		}
		if sinceAudio >= c.cfg.PingAfter {
			if err := wire.Ping(); err != nil {
				c.logger.Debug("keepalive ping failed", zap.Error(err))
			}
		}
	}
}

func (c *Conn) finish() {
	c.doneOnce.Do(func() { close(c.done) })
}

// classifyDialError produces a human-readable cause for connect failures.
func classifyDialError(err error) string {
	var dnsErr *net.DNSError
	switch {
	case errors.As(err, &dnsErr):
		return fmt.Sprintf("dns lookup failed: %v", err)
	case errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err):
		return fmt.Sprintf("connect timed out: %v", err)
	case errors.Is(err, syscall.ECONNREFUSED):
		return fmt.Sprintf("connection refused: %v", err)
	default:
		return fmt.Sprintf("connect failed: %v", err)
	}
}
