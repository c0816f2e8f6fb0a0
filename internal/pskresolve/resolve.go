// Package pskresolve finds the pre-shared key of an identity offered by an
// inbound peer: first the locally configured key, then, for roles that
// have one, the dynamic identity cache.
package pskresolve

import (
	"context"
	"time"

	"github.com/xtxerr/vigil/config"
	"github.com/xtxerr/vigil/internal/credentials"
	"github.com/xtxerr/vigil/internal/logging"
	"github.com/xtxerr/vigil/internal/pskcache"
)

var log = logging.Component("pskresolve")

// Role is the kind of process accepting connections.
type Role int

const (
	// RoleServer and RoleProxy resolve identities of hosts through the
	// dynamic cache.
	RoleServer Role = iota
	RoleProxy

	// RoleAgent accepts only its own configured identity.
	RoleAgent
)

func (r Role) String() string {
	switch r {
	case RoleServer:
		return "server"
	case RoleProxy:
		return "proxy"
	default:
		return "agent"
	}
}

// Resolver implements the server side PSK lookup hook.
//
// Resolver is safe for concurrent use when Dynamic is.
type Resolver struct {
	Local   *credentials.PSKBundle
	Dynamic pskcache.Source
	Role    Role

	// Timeout bounds one dynamic lookup. Zero means one second.
	Timeout time.Duration
}

// Resolve returns the key for identity. A miss must fail the handshake;
// there is no default key.
func (r *Resolver) Resolve(identity string) ([]byte, bool) {
	if r.Local != nil && r.Local.Identity == identity {
		return r.Local.Key, true
	}
	if r.Dynamic == nil || r.Role == RoleAgent {
		log.Debug("unknown PSK identity", "identity", identity, "role", r.Role)
		return nil, false
	}

	if len(identity) > config.PSKIdentityMaxLen {
		log.Warn("PSK identity too long, rejecting",
			"length", len(identity), "max", config.PSKIdentityMaxLen)
		return nil, false
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	hexKey, ok, err := r.Dynamic.LookupPSK(ctx, identity)
	if err != nil {
		log.Warn("PSK lookup failed", "identity", identity, "error", err)
		return nil, false
	}
	if !ok {
		log.Debug("PSK identity not found", "identity", identity)
		return nil, false
	}

	key, err := credentials.DecodePSK(hexKey)
	if err != nil {
		log.Error("stored PSK is invalid", "identity", identity, "error", err)
		return nil, false
	}
	return key, true
}
