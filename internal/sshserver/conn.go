package sshserver

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/livecycle/tunnel-server/internal/domain"
	"github.com/livecycle/tunnel-server/internal/tunnelkey"
)

// clientConn is one authenticated SSH connection. It implements
// [domain.TunnelOwner] for the tunnels it registers.
type clientConn struct {
	id     string
	server *Server
	sconn  *ssh.ServerConn
	log    *slog.Logger

	clientID   string
	envID      string
	thumbprint string
	publicKey  ssh.PublicKey

	mu sync.Mutex
	// forwards is keyed by the raw requested socket path, which is also
	// how cancel requests refer to them.
	forwards map[string]*forwardListener
}

func (s *Server) newClientConn(sconn *ssh.ServerConn) (*clientConn, error) {
	ext := sconn.Permissions.Extensions
	clientID := ext["client-id"]
	if err := tunnelkey.ValidateClientID(clientID); err != nil {
		return nil, err
	}
	rawKey, err := base64.StdEncoding.DecodeString(ext["pubkey"])
	if err != nil {
		return nil, fmt.Errorf("decode session public key: %w", err)
	}
	pubKey, err := ssh.ParsePublicKey(rawKey)
	if err != nil {
		return nil, fmt.Errorf("parse session public key: %w", err)
	}

	id := clientID + "-" + strconv.FormatUint(s.connSeq.Add(1), 10)
	return &clientConn{
		id:         id,
		server:     s,
		sconn:      sconn,
		log:        s.log.With("conn", id),
		clientID:   clientID,
		envID:      sconn.User(),
		thumbprint: ext["thumbprint"],
		publicKey:  pubKey,
		forwards:   make(map[string]*forwardListener),
	}, nil
}

// ID implements [domain.TunnelOwner]. Two tunnels share an owner exactly
// when they were registered over the same transport connection.
func (c *clientConn) ID() string {
	return c.id
}

// Ping implements [domain.TunnelOwner] via an application-level keepalive
// request, bounded by ctx.
func (c *clientConn) Ping(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		_, _, err := c.sconn.SendRequest("keepalive@openssh.com", true, nil)
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close implements [domain.TunnelOwner]. Closing the transport triggers
// teardown of every listener and registry entry the connection owns.
func (c *clientConn) Close() error {
	return c.sconn.Close()
}

// replyOutcome is the resolution of one global request.
type replyOutcome struct {
	ok      bool
	payload []byte
}

type replySlot struct {
	send   func(bool, []byte) error
	result chan replyOutcome
}

// resolve records the request's outcome; the sequencer emits it once every
// earlier request has been answered.
func (slot *replySlot) resolve(ok bool, payload []byte) {
	slot.result <- replyOutcome{ok: ok, payload: payload}
}

// replySequencer emits global-request replies strictly in request arrival
// order while the requests themselves are handled concurrently. Clients
// match wantReply answers to requests FIFO (RFC 4254 §4), so a fast
// keepalive reply must never overtake the reply to a forward that is still
// held up in collision handling.
type replySequencer struct {
	queue chan *replySlot
}

func newReplySequencer() *replySequencer {
	s := &replySequencer{queue: make(chan *replySlot, 32)}
	go func() {
		for slot := range s.queue {
			out := <-slot.result
			_ = slot.send(out.ok, out.payload)
		}
	}()
	return s
}

// enqueue reserves the next reply slot.
func (s *replySequencer) enqueue(send func(bool, []byte) error) *replySlot {
	slot := &replySlot{send: send, result: make(chan replyOutcome, 1)}
	s.queue <- slot
	return slot
}

func (s *replySequencer) close() {
	close(s.queue)
}

func (c *clientConn) handleGlobalRequests(ctx context.Context, reqs <-chan *ssh.Request) {
	seq := newReplySequencer()
	defer seq.close()

	for req := range reqs {
		slot := seq.enqueue(req.Reply)
		switch req.Type {
		case "streamlocal-forward@openssh.com":
			var payload streamlocalForwardPayload
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				slot.resolve(false, nil)
				continue
			}
			go func() {
				if err := c.handleForward(ctx, payload.SocketPath); err != nil {
					c.log.Warn("forward request rejected", "path", payload.SocketPath, "err", err)
					slot.resolve(false, []byte(err.Error()))
					return
				}
				slot.resolve(true, nil)
			}()

		case "cancel-streamlocal-forward@openssh.com":
			var payload streamlocalForwardPayload
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				slot.resolve(false, nil)
				continue
			}
			go func() {
				// Cancellation is acknowledged only once the listener has
				// actually closed; an unknown path is rejected.
				slot.resolve(c.cancelForward(payload.SocketPath), nil)
			}()

		case "keepalive@openssh.com":
			slot.resolve(true, nil)

		default:
			slot.resolve(false, nil)
		}
	}
}

// keepaliveLoop probes the client periodically; a failed probe closes the
// connection, which in turn releases every resource it owns.
func (c *clientConn) keepaliveLoop(ctx context.Context) {
	interval := c.server.cfg.KeepaliveInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = c.sconn.Close()
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, c.server.cfg.ProbeTimeout)
			err := c.Ping(pingCtx)
			cancel()
			if err != nil {
				c.log.Info("keepalive failed, closing connection", "err", err)
				_ = c.sconn.Close()
				return
			}
		}
	}
}

func (c *clientConn) handleChannels(chans <-chan ssh.NewChannel) {
	for newCh := range chans {
		switch newCh.ChannelType() {
		case "session":
			go c.handleSession(newCh)
		default:
			_ = newCh.Reject(ssh.UnknownChannelType, "unsupported channel type")
		}
	}
}

// teardown closes every listening socket the connection opened. Each
// close drains through the listener's accept loop, which deletes the
// registry entry if and only if it still belongs to this connection's
// transaction.
func (c *clientConn) teardown() {
	c.mu.Lock()
	fls := make([]*forwardListener, 0, len(c.forwards))
	for _, fl := range c.forwards {
		fls = append(fls, fl)
	}
	c.mu.Unlock()

	for _, fl := range fls {
		_ = fl.ln.Close()
		<-fl.done
	}
}

func (c *clientConn) openForwards() map[string]*domain.ActiveTunnel {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]*domain.ActiveTunnel, len(c.forwards))
	for _, fl := range c.forwards {
		out[fl.tunnelPath] = fl.tunnel
	}
	return out
}
