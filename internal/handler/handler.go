// Package handler serves requests arriving on established secure sessions.
//
// The protocol is line based, one request per line:
//
//	eval <host>:<key>.<function>(<parameters>)
//	put <host> <key> <clock> <value>
//	quit
//
// Replies are "OK <value>" or "ERROR <message>". Before a request touching
// a host is served, the peer is authorized against that host's transport
// settings: accepted connection types, certificate issuer and subject, and
// PSK identity.
package handler

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/xtxerr/vigil/config"
	"github.com/xtxerr/vigil/internal/errors"
	"github.com/xtxerr/vigil/internal/evalfunc"
	"github.com/xtxerr/vigil/internal/history"
	"github.com/xtxerr/vigil/internal/logging"
	"github.com/xtxerr/vigil/internal/metrics"
	"github.com/xtxerr/vigil/internal/secure"
	"github.com/xtxerr/vigil/internal/store"
)

var log = logging.Component("handler")

// =============================================================================
// Collaborators
// =============================================================================

// Peer is the authenticated side of a session.
type Peer interface {
	ConnectionType() secure.Mode
	PeerPSKIdentity() (string, error)
	VerifyPeerCert(issuer, subject string) error
}

// Conn is a session requests are read from.
type Conn interface {
	Peer
	io.ReadWriter
	Close() error
}

// Hosts looks up host transport settings.
type Hosts interface {
	HostByName(ctx context.Context, name string) (*store.Host, error)
}

// Items resolves enabled items.
type Items interface {
	ItemByKey(host, key string) (*evalfunc.Item, error)
}

// Values receives history records.
type Values interface {
	Add(itemID uint64, vt history.ValueType, rec history.Record) error
}

// Evaluator evaluates a function on an item now.
type Evaluator interface {
	EvaluateMacroFunction(host, key, name, params string) (string, error)
}

// Config holds the collaborators of a Handler.
type Config struct {
	Hosts     Hosts
	Items     Items
	Values    Values
	Evaluator Evaluator

	// MaxRequestSize limits one request line.
	MaxRequestSize int
}

// =============================================================================
// Handler
// =============================================================================

// Handler serves requests.
//
// Handler is safe for concurrent use when its collaborators are.
type Handler struct {
	hosts   Hosts
	items   Items
	values  Values
	eval    Evaluator
	maxLine int
}

// New creates a Handler.
func New(cfg Config) (*Handler, error) {
	if cfg.Hosts == nil || cfg.Items == nil {
		return nil, fmt.Errorf("host and item sources are required: %w", errors.ErrConfiguration)
	}
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = config.DefaultMaxRequestSize
	}
	return &Handler{
		hosts:   cfg.Hosts,
		items:   cfg.Items,
		values:  cfg.Values,
		eval:    cfg.Evaluator,
		maxLine: cfg.MaxRequestSize,
	}, nil
}

// Serve reads requests from conn until the peer leaves, sends quit, ctx
// is done or a connection level error occurs. The connection is closed on
// return.
func (h *Handler) Serve(ctx context.Context, conn Conn) error {
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, min(4096, h.maxLine)), h.maxLine)

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if line == "quit" {
			return nil
		}

		value, err := h.Handle(ctx, conn, line)
		reply := "OK " + value
		if err != nil {
			reply = "ERROR " + err.Error()
		}
		_, werr := io.WriteString(conn, reply+"\n")
		if errors.Is(err, errors.ErrPeerVerification) {
			// Unauthorized peers get one reply; certificate sessions are
			// already closed by VerifyPeerCert.
			return err
		}
		if werr != nil {
			return werr
		}
	}

	err := scanner.Err()
	switch {
	case err == nil, errors.Is(err, errors.ErrConnectionClosed), ctx.Err() != nil:
		return nil
	case err == bufio.ErrTooLong:
		io.WriteString(conn, "ERROR request too large\n")
		return fmt.Errorf("request exceeds %d bytes: %w", h.maxLine, errors.ErrValidation)
	}
	return err
}

// Handle serves one request line.
func (h *Handler) Handle(ctx context.Context, peer Peer, line string) (string, error) {
	start := time.Now()
	cmd, args, _ := strings.Cut(strings.TrimSpace(line), " ")

	var (
		value string
		err   error
	)
	switch cmd {
	case "eval":
		value, err = h.handleEval(ctx, peer, strings.TrimSpace(args))
	case "put":
		value, err = h.handlePut(ctx, peer, args)
	default:
		err = fmt.Errorf("unknown command %q: %w", cmd, errors.ErrValidation)
	}

	metrics.Requests.WithLabelValues(cmd, errors.Kind(err)).Inc()
	if err != nil {
		log.Debug("request failed", "command", cmd, "error", err, "duration", time.Since(start))
	}
	return value, err
}

// =============================================================================
// Authorization
// =============================================================================

// Authorize checks that peer may act for host. For certificate sessions
// a mismatching issuer or subject closes the session.
func Authorize(peer Peer, host *store.Host) error {
	mode := peer.ConnectionType()
	if int(mode)&host.TLSAccept == 0 {
		return fmt.Errorf("connection type %s is not allowed for host %s (accepts %s): %w",
			mode, host.Name, secure.Mode(host.TLSAccept), errors.ErrPeerVerification)
	}

	switch mode {
	case secure.ModeCert:
		if err := peer.VerifyPeerCert(host.TLSIssuer, host.TLSSubject); err != nil {
			return fmt.Errorf("host %s: %w", host.Name, err)
		}
	case secure.ModePSK:
		if host.TLSPSKIdentity == "" {
			return nil
		}
		identity, err := peer.PeerPSKIdentity()
		if err != nil {
			return err
		}
		if identity != host.TLSPSKIdentity {
			return fmt.Errorf("PSK identity %q is not configured for host %s: %w",
				identity, host.Name, errors.ErrPeerVerification)
		}
	}
	return nil
}

func (h *Handler) authorize(ctx context.Context, peer Peer, hostName string) error {
	host, err := h.hosts.HostByName(ctx, hostName)
	if err != nil {
		return err
	}
	if host.Status != store.StatusEnabled {
		return fmt.Errorf("host %s is disabled: %w", hostName, errors.ErrNotFound)
	}
	if err := Authorize(peer, host); err != nil {
		log.Warn("peer rejected", "host", hostName, "connection", peer.ConnectionType(), "error", err)
		return err
	}
	return nil
}

// =============================================================================
// eval
// =============================================================================

// FunctionCall is a parsed host:key.function(params) reference.
type FunctionCall struct {
	Host     string
	Key      string
	Function string
	Params   string
}

// ParseFunctionCall splits host:key.function(params). Item keys may carry
// bracketed parameters containing dots and parentheses.
func ParseFunctionCall(s string) (FunctionCall, error) {
	var fc FunctionCall

	host, rest, ok := strings.Cut(s, ":")
	if !ok || host == "" {
		return fc, fmt.Errorf("missing host in %q: %w", s, errors.ErrParse)
	}
	if !strings.HasSuffix(rest, ")") {
		return fc, fmt.Errorf("missing closing parenthesis in %q: %w", s, errors.ErrParse)
	}

	depth := 0
	quoted := false
	for i := 0; i < len(rest); i++ {
		c := rest[i]
		switch {
		case quoted:
			if c == '\\' {
				i++
			} else if c == '"' {
				quoted = false
			}
		case c == '"' && depth > 0:
			quoted = true
		case c == '[':
			depth++
		case c == ']':
			depth--
		case c == '.' && depth == 0 && i > 0:
			name, ok := functionName(rest[i+1:])
			if !ok {
				continue
			}
			fc.Host = host
			fc.Key = rest[:i]
			fc.Function = name
			fc.Params = rest[i+1+len(name)+1 : len(rest)-1]
			return fc, nil
		}
	}
	return fc, fmt.Errorf("missing function in %q: %w", s, errors.ErrParse)
}

// functionName returns the lowercase identifier at the start of s when it
// is directly followed by '('.
func functionName(s string) (string, bool) {
	i := 0
	for i < len(s) && s[i] >= 'a' && s[i] <= 'z' {
		i++
	}
	if i == 0 || i >= len(s) || s[i] != '(' {
		return "", false
	}
	return s[:i], true
}

func (h *Handler) handleEval(ctx context.Context, peer Peer, args string) (string, error) {
	if h.eval == nil {
		return "", fmt.Errorf("evaluation is not available: %w", errors.ErrConfiguration)
	}
	fc, err := ParseFunctionCall(args)
	if err != nil {
		return "", err
	}
	if err := h.authorize(ctx, peer, fc.Host); err != nil {
		return "", err
	}
	return h.eval.EvaluateMacroFunction(fc.Host, fc.Key, fc.Function, fc.Params)
}

// =============================================================================
// put
// =============================================================================

func (h *Handler) handlePut(ctx context.Context, peer Peer, args string) (string, error) {
	if h.values == nil {
		return "", fmt.Errorf("value cache is not available: %w", errors.ErrConfiguration)
	}

	fields := strings.SplitN(strings.TrimLeft(args, " "), " ", 4)
	if len(fields) != 4 {
		return "", fmt.Errorf("put needs host, key, clock and value: %w", errors.ErrParse)
	}
	hostName, key, clock, raw := fields[0], fields[1], fields[2], fields[3]

	ts, err := ParseClock(clock)
	if err != nil {
		return "", err
	}
	if err := h.authorize(ctx, peer, hostName); err != nil {
		return "", err
	}

	item, err := h.items.ItemByKey(hostName, key)
	if err != nil {
		return "", err
	}
	value, err := ParseValue(item.ValueType, raw)
	if err != nil {
		return "", fmt.Errorf("item %s:%s: %w", hostName, key, err)
	}
	if err := h.values.Add(item.ID, item.ValueType, history.Record{Timestamp: ts, Value: value}); err != nil {
		return "", err
	}
	metrics.ValuesAdded.Inc()
	return "1", nil
}

// ParseClock parses "sec" or "sec.ns".
func ParseClock(s string) (history.Timespec, error) {
	secStr, nsStr, hasNS := strings.Cut(s, ".")
	sec, err := strconv.ParseInt(secStr, 10, 64)
	if err != nil || sec < 0 {
		return history.Timespec{}, fmt.Errorf("invalid clock %q: %w", s, errors.ErrParse)
	}
	ts := history.Timespec{Sec: sec}
	if hasNS {
		ns, err := strconv.ParseInt(nsStr, 10, 32)
		if err != nil || ns < 0 || ns >= int64(time.Second) {
			return history.Timespec{}, fmt.Errorf("invalid clock %q: %w", s, errors.ErrParse)
		}
		ts.NS = int32(ns)
	}
	return ts, nil
}

// ParseValue converts the textual value of an item of type vt.
func ParseValue(vt history.ValueType, s string) (history.Value, error) {
	switch vt {
	case history.ValueTypeFloat:
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return history.Value{}, fmt.Errorf("invalid float %q: %w", s, errors.ErrValueType)
		}
		return history.Value{Float: f}, nil
	case history.ValueTypeUint64:
		u, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return history.Value{}, fmt.Errorf("invalid unsigned integer %q: %w", s, errors.ErrValueType)
		}
		return history.Value{Uint64: u}, nil
	case history.ValueTypeLog:
		return history.Value{Log: &history.LogValue{Value: s}}, nil
	case history.ValueTypeStr, history.ValueTypeText:
		return history.Value{Str: s}, nil
	}
	return history.Value{}, fmt.Errorf("value type %d: %w", vt, errors.ErrValueType)
}
