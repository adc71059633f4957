// Package domain defines the core data types shared across the tunnel
// server's registry, SSH, and ingress layers.
package domain

import (
	"context"
	"crypto"
	"regexp"
)

// AccessScheme controls whether ingress traffic to a tunnel requires
// authentication before it is proxied.
type AccessScheme string

// Access scheme constants. The scheme is fixed at forward-request time and
// immutable for the tunnel's lifetime.
const (
	AccessPublic  AccessScheme = "public"
	AccessPrivate AccessScheme = "private"
)

// ScriptInjection describes a single <script> tag to insert into HTML
// responses proxied for a tunnel. PathRegex, when non-nil, restricts the
// injection to request paths it matches; it is compiled once when the
// forward request is parsed.
type ScriptInjection struct {
	Src       string
	Async     bool
	Defer     bool
	PathRegex *regexp.Regexp
}

// TunnelOwner is the capability set the registry and collision logic need
// from the SSH connection that owns a tunnel. Implementations live in the
// SSH server; everything else depends only on this interface.
type TunnelOwner interface {
	// ID uniquely identifies one transport connection. Two tunnels share an
	// owner exactly when their IDs are equal.
	ID() string
	// Ping probes connection liveness, bounded by ctx.
	Ping(ctx context.Context) error
	// Close tears down the transport connection and everything it owns.
	Close() error
}

// ActiveTunnel is the central entity of the broker: one accepted reverse
// forward, addressable by its registry key until torn down or evicted.
type ActiveTunnel struct {
	Key        string
	EnvID      string
	ClientID   string
	TunnelPath string

	// Target is the unix socket path the ingress proxy dials for this
	// tunnel. The SSH server owns it and keeps the listener behind it live
	// for the tunnel's entire lifetime.
	Target string

	PublicKey           crypto.PublicKey
	PublicKeyThumbprint string

	Access AccessScheme

	// Meta carries opaque client-supplied annotations; the broker never
	// interprets them.
	Meta map[string]any

	Inject []ScriptInjection

	Client TunnelOwner
}
