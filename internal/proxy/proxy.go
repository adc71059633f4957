// Package proxy implements the broker's ingress surface: it routes inbound
// HTTP requests to active tunnels by hostname or path convention, enforces
// per-tunnel access policy, and forwards traffic — including WebSocket and
// raw-TCP upgrades — to the tunnel's local socket.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/livecycle/tunnel-server/internal/domain"
	"github.com/livecycle/tunnel-server/internal/htmlinject"
	"github.com/livecycle/tunnel-server/internal/metrics"
	"github.com/livecycle/tunnel-server/internal/registry"
	"github.com/livecycle/tunnel-server/internal/sessionauth"
)

const upstreamDialTimeout = 10 * time.Second

// Config carries the ingress handler's settings.
type Config struct {
	// BaseHost is the broker's base hostname, already normalized; the
	// first label of matching Host headers is treated as a tunnel key.
	BaseHost string
	// LoginURL, when set, is where unauthenticated browser requests for
	// private tunnels are redirected.
	LoginURL string
}

// Handler is the ingress HTTP handler.
type Handler struct {
	cfg      Config
	registry *registry.Store
	auth     *sessionauth.Authenticator
	metrics  *metrics.Metrics
	log      *slog.Logger

	rp *httputil.ReverseProxy
}

type tunnelCtxKey struct{}

func tunnelFrom(ctx context.Context) *domain.ActiveTunnel {
	tun, _ := ctx.Value(tunnelCtxKey{}).(*domain.ActiveTunnel)
	return tun
}

// New creates the ingress handler.
func New(cfg Config, reg *registry.Store, auth *sessionauth.Authenticator, m *metrics.Metrics, logger *slog.Logger) *Handler {
	h := &Handler{
		cfg:      cfg,
		registry: reg,
		auth:     auth,
		metrics:  m,
		log:      logger,
	}

	transport := &http.Transport{
		// The host part of the outbound URL is the tunnel key, so the
		// transport's connection pool is naturally partitioned per tunnel.
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			tun := tunnelFrom(ctx)
			if tun == nil {
				return nil, fmt.Errorf("no tunnel bound to request")
			}
			d := net.Dialer{Timeout: upstreamDialTimeout}
			return d.DialContext(ctx, "unix", tun.Target)
		},
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: 0,
	}

	h.rp = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			tun := tunnelFrom(pr.In.Context())
			pr.Out.URL.Scheme = "http"
			pr.Out.URL.Host = tun.Key
			// The upstream behind the socket sees the original Host.
			pr.Out.Host = pr.In.Host
			pr.SetXForwarded()
		},
		Transport:      transport,
		ModifyResponse: h.modifyResponse,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			tun := tunnelFrom(r.Context())
			key := ""
			if tun != nil {
				key = tun.Key
			}
			h.log.Warn("upstream error", "key", key, "path", r.URL.Path, "err", err)
			http.Error(w, "upstream unavailable", http.StatusBadGateway)
		},
		FlushInterval: -1,
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt, ok := extractRoute(r, h.cfg.BaseHost)
	if !ok {
		h.serveControl(w, r)
		return
	}

	tun, found := h.registry.Get(rt.key)
	if !found {
		h.log.Warn("no tunnel for route", "key", rt.key, "host", r.Host, "path", r.URL.Path)
		if rt.viaHost {
			http.Error(w, "tunnel not available", http.StatusBadGateway)
		} else {
			http.Error(w, "not found", http.StatusNotFound)
		}
		return
	}

	if tun.Access == domain.AccessPrivate && !h.authorize(w, r, tun) {
		return
	}

	h.metrics.ProxiedRequests.WithLabelValues(tun.ClientID).Inc()

	r2 := r.Clone(context.WithValue(r.Context(), tunnelCtxKey{}, tun))
	r2.URL.Path = rt.path
	r2.URL.RawPath = ""

	switch {
	case websocket.IsWebSocketUpgrade(r):
		h.serveWebSocket(w, r2, tun)
		return
	case r.Header.Get("Upgrade") != "":
		h.serveUpgrade(w, r2, tun)
		return
	}

	if markup := htmlinject.MarkupFor(tun.Inject, rt.path); len(markup) > 0 {
		// The upstream must not answer 304 against an injected-variant
		// validator, and must answer in a coding the transform can rewrite.
		htmlinject.StripConditionalTags(r2.Header)
		r2.Header.Set("Accept-Encoding", "gzip, deflate, br")
	}

	h.rp.ServeHTTP(w, r2)
}

// authorize enforces the private-tunnel access policy. It reports whether
// the request may proceed; when it may not, the response has been written.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request, tun *domain.ActiveTunnel) bool {
	res, err := h.auth.Authenticate(r, tun)
	if err != nil {
		h.log.Debug("authentication failed", "key", tun.Key, "err", err)
		switch {
		case sessionauth.WantsBasicChallenge(r):
			w.Header().Set("WWW-Authenticate", `Basic realm="tunnel"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
		case h.cfg.LoginURL != "":
			q := url.Values{}
			q.Set("env", tun.EnvID)
			q.Set("returnPath", r.URL.Path)
			http.Redirect(w, r, h.cfg.LoginURL+"?"+q.Encode(), http.StatusTemporaryRedirect)
		default:
			http.Error(w, "unauthorized", http.StatusUnauthorized)
		}
		return false
	}

	// A fresh bearer credential on a plain browser GET becomes a session
	// cookie and a redirect, so the token never rides along on subsequent
	// same-origin requests.
	if !res.ViaCookie && r.Method == http.MethodGet && r.Header.Get("Upgrade") == "" {
		cookie, err := h.auth.IssueSessionCookie(tun.PublicKeyThumbprint, res.Role)
		if err != nil {
			h.log.Error("issuing session cookie", "key", tun.Key, "err", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return false
		}
		http.SetCookie(w, cookie)
		http.Redirect(w, r, sessionRedirectTarget(r), http.StatusTemporaryRedirect)
		return false
	}
	return true
}

// sessionRedirectTarget is the post-login destination: the same URL minus
// the credential and hint query parameters.
func sessionRedirectTarget(r *http.Request) string {
	u := *r.URL
	q := u.Query()
	q.Del(sessionauth.BasicAuthHintParam)
	q.Del("authorization")
	u.RawQuery = q.Encode()
	if u.Path == "" {
		u.Path = "/"
	}
	return u.RequestURI()
}

func (h *Handler) modifyResponse(resp *http.Response) error {
	tun := tunnelFrom(resp.Request.Context())
	if tun == nil {
		return nil
	}
	markup := htmlinject.MarkupFor(tun.Inject, resp.Request.URL.Path)
	if !htmlinject.ShouldTransform(resp, markup) {
		return nil
	}
	applied, err := htmlinject.TransformResponse(resp, markup)
	if err != nil {
		return err
	}
	if !applied {
		h.log.Debug("skipping injection, unsupported content coding",
			"key", tun.Key, "encoding", resp.Header.Get("Content-Encoding"))
	}
	return nil
}

// wsUpgrader terminates the client side of a WebSocket upgrade. Origin
// policy is the upstream's call, so cross-origin handshakes pass through.
var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// serveWebSocket terminates the WebSocket handshake on both legs and relays
// complete messages between them. The upstream leg is dialed first so its
// negotiated subprotocol can be offered back to the client.
func (h *Handler) serveWebSocket(w http.ResponseWriter, r *http.Request, tun *domain.ActiveTunnel) {
	backendURL := url.URL{
		Scheme:   "ws",
		Host:     tun.Key,
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
	}
	// The dialer supplies its own handshake headers; only end-to-end
	// headers may be carried over, plus Host so the upstream sees the
	// original virtual host.
	header := http.Header{}
	header.Set("Host", r.Host)
	for _, k := range []string{"Cookie", "Origin", "User-Agent"} {
		if vs := r.Header.Values(k); len(vs) > 0 {
			header[k] = vs
		}
	}
	dialer := websocket.Dialer{
		NetDialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			d := net.Dialer{Timeout: upstreamDialTimeout}
			return d.DialContext(ctx, "unix", tun.Target)
		},
		HandshakeTimeout: upstreamDialTimeout,
		Subprotocols:     websocket.Subprotocols(r),
	}

	upstream, resp, err := dialer.DialContext(r.Context(), backendURL.String(), header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		h.log.Warn("upstream websocket handshake", "key", tun.Key, "status", status, "err", err)
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
		return
	}
	defer func() { _ = upstream.Close() }()

	respHeader := http.Header{}
	if sp := upstream.Subprotocol(); sp != "" {
		respHeader.Set("Sec-Websocket-Protocol", sp)
	}
	client, err := wsUpgrader.Upgrade(w, r, respHeader)
	if err != nil {
		// Upgrade has already written the error response.
		h.log.Warn("client websocket handshake", "key", tun.Key, "err", err)
		return
	}
	defer func() { _ = client.Close() }()

	errc := make(chan error, 2)
	go relayWebSocket(upstream, client, errc)
	go relayWebSocket(client, upstream, errc)
	if err := <-errc; err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		h.log.Debug("websocket relay ended", "key", tun.Key, "err", err)
	}
}

// relayWebSocket copies messages from src to dst until src fails, then
// forwards the close condition so the peer sees the same status code.
func relayWebSocket(dst, src *websocket.Conn, errc chan<- error) {
	for {
		mt, rd, err := src.NextReader()
		if err != nil {
			code := websocket.CloseNormalClosure
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code != websocket.CloseNoStatusReceived {
				code = ce.Code
			}
			msg := websocket.FormatCloseMessage(code, "")
			deadline := time.Now().Add(5 * time.Second)
			_ = dst.WriteControl(websocket.CloseMessage, msg, deadline)
			errc <- err
			return
		}
		wr, err := dst.NextWriter(mt)
		if err != nil {
			errc <- err
			return
		}
		if _, err := io.Copy(wr, rd); err != nil {
			errc <- err
			return
		}
		if err := wr.Close(); err != nil {
			errc <- err
			return
		}
	}
}

// serveUpgrade hijacks the client connection and splices it to the tunnel
// socket, replaying the upgrade request verbatim. From here on the brokers
// sees opaque bytes in both directions.
func (h *Handler) serveUpgrade(w http.ResponseWriter, r *http.Request, tun *domain.ActiveTunnel) {
	upstream, err := net.DialTimeout("unix", tun.Target, upstreamDialTimeout)
	if err != nil {
		h.log.Warn("upstream dial for upgrade", "key", tun.Key, "err", err)
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
		return
	}
	defer func() { _ = upstream.Close() }()

	hj, ok := w.(http.Hijacker)
	if !ok {
		h.log.Error("response writer does not support hijacking")
		http.Error(w, "upgrade not supported", http.StatusBadGateway)
		return
	}
	client, buf, err := hj.Hijack()
	if err != nil {
		h.log.Warn("hijack failed", "key", tun.Key, "err", err)
		return
	}
	defer func() { _ = client.Close() }()

	if err := r.Write(upstream); err != nil {
		h.log.Warn("replaying upgrade request", "key", tun.Key, "err", err)
		return
	}
	// Bytes the server already buffered past the request head belong to
	// the upstream stream.
	if n := buf.Reader.Buffered(); n > 0 {
		if _, err := io.CopyN(upstream, buf.Reader, int64(n)); err != nil {
			return
		}
	}

	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(upstream, client)
		if uc, ok := upstream.(*net.UnixConn); ok {
			_ = uc.CloseWrite()
		}
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(client, upstream)
		done <- struct{}{}
	}()
	<-done
}
