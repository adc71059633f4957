package sshserver

import (
	"context"
	"crypto"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"

	"github.com/livecycle/tunnel-server/internal/domain"
	"github.com/livecycle/tunnel-server/internal/forwardproto"
	"github.com/livecycle/tunnel-server/internal/registry"
	"github.com/livecycle/tunnel-server/internal/store/sqlite"
	"github.com/livecycle/tunnel-server/internal/tunnelkey"
)

// Wire structs for streamlocal forwarding, per the OpenSSH protocol
// extensions.
type streamlocalForwardPayload struct {
	SocketPath string
}

type forwardedStreamlocalPayload struct {
	SocketPath string
	Reserved   string
}

// forwardListener ties one accepted forward request to its unix socket
// listener and registry occupancy.
type forwardListener struct {
	requestPath string // raw socket path from the forward request
	tunnelPath  string // parsed logical path
	key         string
	tx          registry.Tx
	tunnel      *domain.ActiveTunnel
	ln          net.Listener
	done        chan struct{}
}

// handleForward parses a forward request, claims its registry key, opens
// the backing unix socket, and starts serving it. Nothing is registered
// when any step fails.
func (c *clientConn) handleForward(ctx context.Context, rawPath string) error {
	req, err := forwardproto.Parse(rawPath)
	if err != nil {
		return err
	}
	key, err := tunnelkey.ForTunnel(c.clientID, req.Path)
	if err != nil {
		return err
	}

	s := c.server
	tun := &domain.ActiveTunnel{
		Key:                 key,
		EnvID:               c.envID,
		ClientID:            c.clientID,
		TunnelPath:          req.Path,
		Target:              filepath.Join(s.cfg.SocketDir, key+".sock"),
		PublicKey:           cryptoKey(c.publicKey),
		PublicKeyThumbprint: c.thumbprint,
		Access:              req.Access,
		Meta:                req.Meta,
		Inject:              req.Inject,
		Client:              c,
	}

	tx, watcher, err := s.claim(ctx, key, tun)
	if err != nil {
		s.recordEvent(sqlite.EventTunnelRejected, key, c.clientID, c.envID, c.thumbprint)
		return err
	}

	ln, err := listenUnix(tun.Target)
	if err != nil {
		s.registry.Delete(key, tx)
		return fmt.Errorf("tunnel socket: %w", err)
	}

	fl := &forwardListener{
		requestPath: rawPath,
		tunnelPath:  req.Path,
		key:         key,
		tx:          tx,
		tunnel:      tun,
		ln:          ln,
		done:        make(chan struct{}),
	}
	c.mu.Lock()
	c.forwards[rawPath] = fl
	c.mu.Unlock()

	s.metrics.OpenTunnels.WithLabelValues(c.clientID).Inc()
	s.recordEvent(sqlite.EventTunnelOpened, key, c.clientID, c.envID, c.thumbprint)
	c.log.Info("tunnel open", "key", key, "path", req.Path, "access", string(tun.Access))

	// Registry deletion, however triggered, must close the socket; the
	// accept loop handles the reverse direction.
	go func() {
		select {
		case <-watcher.Done():
			_ = ln.Close()
		case <-fl.done:
		}
	}()
	go c.serveForward(fl)
	return nil
}

// serveForward bridges every connection accepted on the tunnel's socket to
// a reverse channel on the owning SSH connection, then releases the
// tunnel's resources when the listener closes.
func (c *clientConn) serveForward(fl *forwardListener) {
	defer c.releaseForward(fl)
	for {
		conn, err := fl.ln.Accept()
		if err != nil {
			return
		}
		go c.bridge(conn, fl.requestPath)
	}
}

func (c *clientConn) bridge(conn net.Conn, socketPath string) {
	defer func() { _ = conn.Close() }()

	payload := ssh.Marshal(forwardedStreamlocalPayload{SocketPath: socketPath})
	ch, reqs, err := c.sconn.OpenChannel("forwarded-streamlocal@openssh.com", payload)
	if err != nil {
		c.log.Warn("reverse channel rejected", "path", socketPath, "err", err)
		return
	}
	go ssh.DiscardRequests(reqs)
	defer func() { _ = ch.Close() }()

	go func() {
		_, _ = io.Copy(ch, conn)
		_ = ch.CloseWrite()
	}()
	_, _ = io.Copy(conn, ch)
}

// releaseForward deletes the registry entry (only while it still belongs
// to this occupancy), removes the socket file, and signals completion.
func (c *clientConn) releaseForward(fl *forwardListener) {
	s := c.server
	if s.registry.Delete(fl.key, fl.tx) {
		s.metrics.OpenTunnels.WithLabelValues(c.clientID).Dec()
		s.recordEvent(sqlite.EventTunnelClosed, fl.key, c.clientID, c.envID, c.thumbprint)
		c.log.Info("tunnel closed", "key", fl.key)
	}
	_ = os.Remove(fl.tunnel.Target)

	c.mu.Lock()
	delete(c.forwards, fl.requestPath)
	c.mu.Unlock()
	close(fl.done)
}

// cancelForward closes the listener registered for socketPath and reports
// success only after it has fully closed. Unknown paths are rejected.
func (c *clientConn) cancelForward(socketPath string) bool {
	c.mu.Lock()
	fl := c.forwards[socketPath]
	c.mu.Unlock()
	if fl == nil {
		c.log.Warn("cancel for unknown forward", "path", socketPath)
		return false
	}
	_ = fl.ln.Close()
	<-fl.done
	return true
}

func listenUnix(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	// A previous process may have left the socket file behind.
	_ = os.Remove(path)
	return net.Listen("unix", path)
}

// cryptoKey extracts the standard-library public key used for JWT
// verification during private-tunnel authentication.
func cryptoKey(key ssh.PublicKey) crypto.PublicKey {
	if ck, ok := key.(ssh.CryptoPublicKey); ok {
		return ck.CryptoPublicKey()
	}
	return nil
}
