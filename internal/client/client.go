// Package client connects to a vigil server over a secure session and
// sends requests of the line protocol.
package client

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/vigil/config"
	"github.com/xtxerr/vigil/internal/errors"
	"github.com/xtxerr/vigil/internal/history"
	"github.com/xtxerr/vigil/internal/logging"
	"github.com/xtxerr/vigil/internal/secure"
)

var log = logging.Component("client")

// =============================================================================
// State Machine
// =============================================================================

// ClientState represents the connection state of a client.
type ClientState int32

const (
	StateDisconnected ClientState = iota
	StateConnecting
	StateConnected
	StateClosing
	StateClosed
)

// String returns the human-readable name of the state.
func (s ClientState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

type stateTransition struct {
	from ClientState
	to   ClientState
}

var validTransitions = map[stateTransition]bool{
	{StateDisconnected, StateConnecting}: true,
	{StateDisconnected, StateClosed}:     true,

	{StateConnecting, StateConnected}:    true,
	{StateConnecting, StateDisconnected}: true,

	{StateConnected, StateDisconnected}: true,
	{StateConnected, StateClosing}:      true,

	{StateClosing, StateClosed}: true,
}

// =============================================================================
// Errors
// =============================================================================

var (
	ErrClientClosed      = errors.New("client is closed")
	ErrNotConnected      = errors.New("not connected")
	ErrAlreadyConnected  = errors.New("already connected")
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrRemote wraps an ERROR reply of the server.
	ErrRemote = errors.New("server error")
)

// =============================================================================
// Client
// =============================================================================

// Config holds client configuration.
type Config struct {
	// Addr is the server address (e.g., "localhost:10051").
	Addr string

	// Security secures the connection (required).
	Security *secure.SecurityContext

	// Params select the connection type and the expected server identity.
	Params secure.ConnectParams

	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// DefaultConfig returns default client configuration.
func DefaultConfig() Config {
	return Config{
		Addr:           "localhost:10051",
		Params:         secure.ConnectParams{Mode: secure.ModeUnencrypted},
		ConnectTimeout: 10 * time.Second,
		RequestTimeout: time.Duration(config.DefaultTLSTimeoutSec) * time.Second,
	}
}

// Client sends requests over one secure session at a time. Requests are
// serialized.
type Client struct {
	cfg Config

	// Connection - protected by mu
	mu      sync.Mutex
	session *secure.Session
	reader  *bufio.Reader

	state atomic.Int32
}

// New creates a new client. It does not connect.
func New(cfg Config) (*Client, error) {
	if cfg.Security == nil {
		return nil, fmt.Errorf("security context is required: %w", errors.ErrConfiguration)
	}
	def := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.Params.Mode == 0 {
		cfg.Params.Mode = def.Params.Mode
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	return &Client{cfg: cfg}, nil
}

// Dial creates a client and connects it.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	c, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) getState() ClientState {
	return ClientState(c.state.Load())
}

func (c *Client) transitionFrom(from, to ClientState) bool {
	if !validTransitions[stateTransition{from: from, to: to}] {
		return false
	}
	return c.state.CompareAndSwap(int32(from), int32(to))
}

// =============================================================================
// Connection Management
// =============================================================================

// Connect dials the server and performs the handshake.
func (c *Client) Connect(ctx context.Context) error {
	switch c.getState() {
	case StateClosed, StateClosing:
		return ErrClientClosed
	case StateConnected:
		return ErrAlreadyConnected
	}
	if !c.transitionFrom(StateDisconnected, StateConnecting) {
		return fmt.Errorf("cannot connect in state %s: %w", c.getState(), ErrInvalidTransition)
	}

	success := false
	defer func() {
		if !success {
			c.transitionFrom(StateConnecting, StateDisconnected)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		return fmt.Errorf("dial %s: %v: %w", c.cfg.Addr, err, errors.ErrIO)
	}

	sess, err := c.cfg.Security.Connect(ctx, conn, c.cfg.Params)
	if err != nil {
		return err
	}
	sess.SetTimeout(c.cfg.RequestTimeout)

	c.mu.Lock()
	c.session = sess
	c.reader = bufio.NewReader(sess)
	c.mu.Unlock()

	if !c.transitionFrom(StateConnecting, StateConnected) {
		sess.Close()
		return ErrClientClosed
	}
	success = true

	log.Debug("connected", "address", c.cfg.Addr, "session_id", sess.ID,
		"connection", sess.ConnectionType(), "cipher", sess.CipherSuiteName())
	return nil
}

// Close says goodbye and closes the session. The client cannot be used
// afterwards.
func (c *Client) Close() error {
	for {
		switch st := c.getState(); st {
		case StateClosed, StateClosing:
			return nil
		case StateDisconnected:
			if c.transitionFrom(StateDisconnected, StateClosed) {
				return nil
			}
		case StateConnected:
			if !c.transitionFrom(StateConnected, StateClosing) {
				continue
			}
			c.mu.Lock()
			if c.session != nil {
				c.session.Write([]byte("quit\n"))
				c.session.Close()
				c.session, c.reader = nil, nil
			}
			c.mu.Unlock()
			c.transitionFrom(StateClosing, StateClosed)
			return nil
		default:
			// Connecting; wait for the outcome.
			time.Sleep(time.Millisecond)
		}
	}
}

// Reconnect drops the current session, if any, and connects again.
func (c *Client) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.getState() == StateConnected && c.transitionFrom(StateConnected, StateDisconnected) {
		c.session.Close()
		c.session, c.reader = nil, nil
	}
	c.mu.Unlock()
	return c.Connect(ctx)
}

// =============================================================================
// State Queries
// =============================================================================

// SessionID returns the id of the current session.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.ID
}

// IsConnected returns true if connected.
func (c *Client) IsConnected() bool {
	return c.getState() == StateConnected
}

// State returns the current state.
func (c *Client) State() ClientState {
	return c.getState()
}

// =============================================================================
// Requests
// =============================================================================

// Request sends one request line and returns the value of an OK reply.
// An ERROR reply is returned as an error wrapping ErrRemote; the session
// stays usable. Transport errors drop the session.
func (c *Client) Request(ctx context.Context, line string) (string, error) {
	if strings.ContainsAny(line, "\r\n") {
		return "", fmt.Errorf("request contains a line break: %w", errors.ErrValidation)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.getState() != StateConnected || c.session == nil {
		return "", ErrNotConnected
	}

	timeout := c.cfg.RequestTimeout
	if d, ok := ctx.Deadline(); ok {
		timeout = time.Until(d)
		if timeout <= 0 {
			return "", fmt.Errorf("request: %w", errors.ErrTimeout)
		}
	}
	c.session.SetTimeout(timeout)

	if _, err := c.session.Write([]byte(line + "\n")); err != nil {
		c.dropLocked()
		return "", err
	}
	reply, err := c.reader.ReadString('\n')
	if err != nil {
		c.dropLocked()
		return "", err
	}
	return parseReply(strings.TrimRight(reply, "\r\n"))
}

func (c *Client) dropLocked() {
	if c.transitionFrom(StateConnected, StateDisconnected) {
		c.session.Close()
		c.session, c.reader = nil, nil
	}
}

func parseReply(reply string) (string, error) {
	switch {
	case strings.HasPrefix(reply, "OK "):
		return reply[3:], nil
	case reply == "OK":
		return "", nil
	case strings.HasPrefix(reply, "ERROR "):
		return "", fmt.Errorf("%s: %w", reply[6:], ErrRemote)
	}
	return "", fmt.Errorf("malformed reply %q: %w", reply, errors.ErrParse)
}

// Eval evaluates function on the item key of host and returns the result.
func (c *Client) Eval(ctx context.Context, host, key, function, params string) (string, error) {
	return c.Request(ctx, fmt.Sprintf("eval %s:%s.%s(%s)", host, key, function, params))
}

// Put sends one value of the item key of host.
func (c *Client) Put(ctx context.Context, host, key string, ts history.Timespec, value string) error {
	clock := fmt.Sprintf("%d", ts.Sec)
	if ts.NS != 0 {
		clock = fmt.Sprintf("%d.%09d", ts.Sec, ts.NS)
	}
	_, err := c.Request(ctx, fmt.Sprintf("put %s %s %s %s", host, key, clock, value))
	return err
}
