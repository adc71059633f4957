// Package sshserver implements the broker's SSH forwarding server: it
// authenticates clients by public key, turns streamlocal forward requests
// into registered tunnels backed by local unix sockets, and bridges every
// inbound connection on those sockets to a reverse channel opened back to
// the client.
package sshserver

import (
	"context"
	"crypto/sha256"
	"encoding/base32"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/im7mortal/kmutex"
	"golang.org/x/crypto/ssh"

	"github.com/livecycle/tunnel-server/internal/domain"
	"github.com/livecycle/tunnel-server/internal/metrics"
	"github.com/livecycle/tunnel-server/internal/registry"
	"github.com/livecycle/tunnel-server/internal/store/sqlite"
)

// clientIDEncoding is DNS-label-safe base32, as used for tunnel endpoint
// ids derived from key hashes.
var clientIDEncoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

const clientIDLength = 8

// AuditLog records tunnel lifecycle events; [*sqlite.Store] implements it.
// A nil log disables auditing.
type AuditLog interface {
	RecordEvent(ctx context.Context, ev sqlite.Event) error
}

// Config carries the SSH server's settings.
type Config struct {
	Listen    string
	HostKey   ssh.Signer
	BaseURL   *url.URL
	SocketDir string

	KeepaliveInterval time.Duration
	ProbeTimeout      time.Duration
	EvictionWait      time.Duration
}

// Server is the SSH forwarding server.
type Server struct {
	cfg      Config
	registry *registry.Store
	audit    AuditLog
	metrics  *metrics.Metrics
	log      *slog.Logger

	sshConfig *ssh.ServerConfig
	// claimLocks serializes collision handling per key so concurrent
	// claimants never both run the eviction sequence.
	claimLocks *kmutex.Kmutex
	connSeq    atomic.Uint64
}

// New creates the SSH server. audit may be nil.
func New(cfg Config, reg *registry.Store, audit AuditLog, m *metrics.Metrics, logger *slog.Logger) *Server {
	s := &Server{
		cfg:        cfg,
		registry:   reg,
		audit:      audit,
		metrics:    m,
		log:        logger,
		claimLocks: kmutex.New(),
	}

	s.sshConfig = &ssh.ServerConfig{
		ServerVersion: "SSH-2.0-tunnel-server",
		// Only the public-key method is offered. The transport library
		// replies to bare "is this key acceptable" probes without calling
		// the connection authenticated; only a verified signature does.
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			return &ssh.Permissions{
				Extensions: map[string]string{
					"client-id":  ClientIDFromKey(key),
					"thumbprint": Thumbprint(key),
					"pubkey":     base64.StdEncoding.EncodeToString(key.Marshal()),
				},
			}, nil
		},
	}
	s.sshConfig.AddHostKey(cfg.HostKey)
	return s
}

// ClientIDFromKey derives the stable, DNS-safe client id for a public key.
// Reconnects with the same key map to the same id.
func ClientIDFromKey(key ssh.PublicKey) string {
	sum := sha256.Sum256(key.Marshal())
	return clientIDEncoding.EncodeToString(sum[:])[:clientIDLength]
}

// Thumbprint returns the stable fingerprint used to index and authenticate
// tunnel ownership.
func Thumbprint(key ssh.PublicKey) string {
	return ssh.FingerprintSHA256(key)
}

// Serve listens on the configured address and accepts SSH connections
// until ctx is canceled.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("ssh listen: %w", err)
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener accepts SSH connections from ln until ctx is canceled.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	s.log.Info("ssh server listening", "addr", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("ssh accept: %w", err)
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetKeepAlive(true)
			_ = tc.SetKeepAlivePeriod(3 * time.Minute)
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, nConn net.Conn) {
	defer func() { _ = nConn.Close() }()

	// A peer that stalls mid-handshake must not pin the goroutine.
	_ = nConn.SetDeadline(time.Now().Add(30 * time.Second))
	sconn, chans, reqs, err := ssh.NewServerConn(nConn, s.sshConfig)
	if err != nil {
		s.log.Debug("ssh handshake failed", "remote", nConn.RemoteAddr().String(), "err", err)
		return
	}
	_ = nConn.SetDeadline(time.Time{})

	c, err := s.newClientConn(sconn)
	if err != nil {
		s.log.Warn("rejecting connection", "remote", nConn.RemoteAddr().String(), "err", err)
		_ = sconn.Close()
		return
	}

	s.metrics.SSHConnections.Inc()
	defer s.metrics.SSHConnections.Dec()
	c.log.Info("client connected", "env", c.envID)

	go c.handleChannels(chans)
	go c.handleGlobalRequests(ctx, reqs)
	go c.keepaliveLoop(ctx)

	_ = sconn.Wait()
	c.teardown()
	c.log.Info("client disconnected")
}

// urlFor computes the externally resolvable URL for a tunnel key, purely
// from naming convention.
func (s *Server) urlFor(key string) string {
	u := *s.cfg.BaseURL
	host := key + "." + u.Hostname()
	if port := u.Port(); port != "" {
		host = net.JoinHostPort(host, port)
	}
	u.Host = host
	u.Path = ""
	return u.String()
}

func (s *Server) recordEvent(eventType, key, clientID, envID, thumbprint string) {
	if s.audit == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.audit.RecordEvent(ctx, sqlite.Event{
		Type:       eventType,
		Key:        key,
		ClientID:   clientID,
		EnvID:      envID,
		Thumbprint: thumbprint,
	})
	if err != nil {
		s.log.Warn("audit event not recorded", "type", eventType, "key", key, "err", err)
	}
}

// claim registers tun under key, running the collision/eviction protocol
// when the key is occupied: probe the current owner's liveness; evict it
// only when the probe fails; await the entry's deletion (bounded); then
// retry the claim exactly once. A live owner, or the same connection
// re-registering its own path, is never displaced.
func (s *Server) claim(ctx context.Context, key string, tun *domain.ActiveTunnel) (registry.Tx, *registry.Watcher, error) {
	s.claimLocks.Lock(key)
	defer s.claimLocks.Unlock(key)

	tx, w, err := s.registry.Set(key, tun)
	if err == nil {
		return tx, w, nil
	}
	if !errors.Is(err, domain.ErrTunnelOccupied) {
		return 0, nil, err
	}

	existing, ok := s.registry.Get(key)
	if ok {
		if existing.Client.ID() == tun.Client.ID() {
			return 0, nil, &domain.CollisionError{Key: key, SameClient: true}
		}

		probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
		pingErr := existing.Client.Ping(probeCtx)
		cancel()
		if pingErr == nil {
			return 0, nil, &domain.CollisionError{Key: key}
		}

		s.log.Info("evicting stale tunnel", "key", key, "stale_client", existing.ClientID, "probe_err", pingErr)
		_ = existing.Client.Close()
		select {
		case <-s.registry.Watch(key):
		case <-time.After(s.cfg.EvictionWait):
			s.log.Warn("timed out awaiting stale tunnel deletion", "key", key)
		case <-ctx.Done():
			return 0, nil, ctx.Err()
		}
		s.recordEvent(sqlite.EventTunnelEvicted, key, existing.ClientID, existing.EnvID, existing.PublicKeyThumbprint)
	}

	tx, w, err = s.registry.Set(key, tun)
	if errors.Is(err, domain.ErrTunnelOccupied) {
		return 0, nil, &domain.CollisionError{Key: key}
	}
	return tx, w, err
}
