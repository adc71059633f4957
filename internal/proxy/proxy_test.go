package proxy

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/livecycle/tunnel-server/internal/domain"
	"github.com/livecycle/tunnel-server/internal/metrics"
	"github.com/livecycle/tunnel-server/internal/registry"
	"github.com/livecycle/tunnel-server/internal/sessionauth"
)

const testBaseHost = "tuns.example.com"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startUpstream serves an HTTP handler on a unix socket and returns the
// socket path.
func startUpstream(t *testing.T, fn http.HandlerFunc) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "up.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatal(err)
	}
	srv := &http.Server{Handler: fn}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Close() })
	return path
}

func newTestHandler(t *testing.T, loginURL string) (*Handler, *registry.Store) {
	t.Helper()
	reg := registry.New(discardLogger())
	auth := sessionauth.New([]byte("test-cookie-secret"), nil, "", discardLogger())
	h := New(Config{BaseHost: testBaseHost, LoginURL: loginURL},
		reg, auth, metrics.New(), discardLogger())
	return h, reg
}

func registerTunnel(t *testing.T, reg *registry.Store, tun *domain.ActiveTunnel) {
	t.Helper()
	if _, _, err := reg.Set(tun.Key, tun); err != nil {
		t.Fatal(err)
	}
}

func TestExtractRoute(t *testing.T) {
	t.Parallel()

	tests := []struct {
		host, path string
		wantKey    string
		wantPath   string
		wantOK     bool
	}{
		{"web-abc.tuns.example.com", "/x/y", "web-abc", "/x/y", true},
		{"web-abc.tuns.example.com:8080", "/", "web-abc", "/", true},
		{"WEB-abc.TUNS.example.COM", "/", "web-abc", "/", true},
		{"tuns.example.com", "/proxy/web-abc/inner/path", "web-abc", "/inner/path", true},
		{"tuns.example.com", "/proxy/web-abc", "", "", false},
		{"tuns.example.com", "/healthz", "", "", false},
		{"other.example.com", "/", "", "", false},
		{"deep.web-abc.tuns.example.com", "/", "", "", false},
	}
	for _, tc := range tests {
		r := httptest.NewRequest(http.MethodGet, "http://placeholder"+tc.path, nil)
		r.Host = tc.host
		rt, ok := extractRoute(r, testBaseHost)
		if ok != tc.wantOK {
			t.Errorf("extractRoute(%q, %q) ok = %v, want %v", tc.host, tc.path, ok, tc.wantOK)
			continue
		}
		if ok && (rt.key != tc.wantKey || rt.path != tc.wantPath) {
			t.Errorf("extractRoute(%q, %q) = (%q, %q), want (%q, %q)",
				tc.host, tc.path, rt.key, rt.path, tc.wantKey, tc.wantPath)
		}
	}
}

func TestProxyPublicTunnel(t *testing.T) {
	t.Parallel()

	pathCh := make(chan string, 1)
	target := startUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		pathCh <- r.URL.Path
		_, _ = w.Write([]byte("hello from upstream"))
	})
	h, reg := newTestHandler(t, "")
	registerTunnel(t, reg, &domain.ActiveTunnel{
		Key: "web-abc", ClientID: "abc", Target: target, Access: domain.AccessPublic,
	})

	req := httptest.NewRequest(http.MethodGet, "http://web-abc.tuns.example.com/hello?x=1", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %q", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "hello from upstream" {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
	if got := <-pathCh; got != "/hello" {
		t.Fatalf("upstream saw path %q", got)
	}
}

func TestProxyPathRouting(t *testing.T) {
	t.Parallel()

	pathCh := make(chan string, 1)
	target := startUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		pathCh <- r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	})
	h, reg := newTestHandler(t, "")
	registerTunnel(t, reg, &domain.ActiveTunnel{
		Key: "web-abc", ClientID: "abc", Target: target, Access: domain.AccessPublic,
	})

	req := httptest.NewRequest(http.MethodGet, "http://tuns.example.com/proxy/web-abc/inner/path", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := <-pathCh; got != "/inner/path" {
		t.Fatalf("upstream saw path %q, want /inner/path", got)
	}
}

func TestProxyUnknownTunnel(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandler(t, "")

	req := httptest.NewRequest(http.MethodGet, "http://ghost.tuns.example.com/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("hostname route miss: status = %d, want 502", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "http://tuns.example.com/proxy/ghost/x", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("path route miss: status = %d, want 404", rec.Code)
	}
}

func TestPrivateTunnelWithoutCredentials(t *testing.T) {
	t.Parallel()

	var reached atomic.Bool
	target := startUpstream(t, func(w http.ResponseWriter, r *http.Request) { reached.Store(true) })
	h, reg := newTestHandler(t, "https://login.example.com/sso")
	registerTunnel(t, reg, &domain.ActiveTunnel{
		Key: "web-abc", ClientID: "abc", EnvID: "env1", Target: target,
		Access: domain.AccessPrivate, PublicKeyThumbprint: "SHA256:tp",
	})

	// Browser-style request: redirected to the login flow.
	req := httptest.NewRequest(http.MethodGet, "http://web-abc.tuns.example.com/secret", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTemporaryRedirect {
		t.Fatalf("status = %d, want 307", rec.Code)
	}
	loc := rec.Header().Get("Location")
	if !strings.HasPrefix(loc, "https://login.example.com/sso?") ||
		!strings.Contains(loc, "env=env1") || !strings.Contains(loc, "returnPath=%2Fsecret") {
		t.Fatalf("unexpected login redirect %q", loc)
	}

	// Programmatic client: basic-auth hint selects a 401 challenge.
	req = httptest.NewRequest(http.MethodGet,
		"http://web-abc.tuns.example.com/secret?_preevy_auth_hint=basic", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if !strings.HasPrefix(rec.Header().Get("WWW-Authenticate"), "Basic") {
		t.Fatal("missing basic challenge")
	}

	if reached.Load() {
		t.Fatal("unauthenticated request must never reach the upstream")
	}
}

func signTunnelToken(t *testing.T, priv ed25519.PrivateKey, thumbprint string) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Issuer:    sessionauth.TunnelIssuer(thumbprint),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(priv)
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func TestPrivateTunnelBearerFlow(t *testing.T) {
	t.Parallel()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	const thumbprint = "SHA256:test-thumbprint"

	var reached atomic.Int32
	target := startUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		reached.Add(1)
		_, _ = w.Write([]byte("secret content"))
	})
	h, reg := newTestHandler(t, "")
	registerTunnel(t, reg, &domain.ActiveTunnel{
		Key: "web-abc", ClientID: "abc", Target: target,
		Access: domain.AccessPrivate, PublicKey: pub, PublicKeyThumbprint: thumbprint,
	})
	token := signTunnelToken(t, priv, thumbprint)

	// Plain GET with a fresh bearer: cookie is set and the token is
	// dropped via redirect before anything is proxied.
	req := httptest.NewRequest(http.MethodGet, "http://web-abc.tuns.example.com/secret", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTemporaryRedirect {
		t.Fatalf("status = %d, want 307; body %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Location") != "/secret" {
		t.Fatalf("redirect location = %q", rec.Header().Get("Location"))
	}
	cookies := rec.Result().Cookies()
	var session *http.Cookie
	for _, c := range cookies {
		if c.Name == sessionauth.CookieName {
			session = c
		}
	}
	if session == nil {
		t.Fatal("no session cookie issued")
	}
	if reached.Load() != 0 {
		t.Fatal("redirect response must not proxy")
	}

	// The follow-up request rides on the cookie.
	req = httptest.NewRequest(http.MethodGet, "http://web-abc.tuns.example.com/secret", nil)
	req.AddCookie(session)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "secret content" {
		t.Fatalf("status = %d, body = %q", rec.Code, rec.Body.String())
	}

	// Non-GET verbs proceed immediately on the bearer, no redirect.
	req = httptest.NewRequest(http.MethodPost, "http://web-abc.tuns.example.com/api", strings.NewReader("{}"))
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST with bearer: status = %d", rec.Code)
	}
}

func TestProxyInjectsScripts(t *testing.T) {
	t.Parallel()

	const page = `<html><head><title>t</title></head><body>hi</body></html>`
	target := startUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		if v := r.Header.Get("If-None-Match"); strings.Contains(v, ";inj=") {
			t.Errorf("injected-variant validator leaked upstream: %q", v)
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(page))
	})
	h, reg := newTestHandler(t, "")
	registerTunnel(t, reg, &domain.ActiveTunnel{
		Key: "web-abc", ClientID: "abc", Target: target, Access: domain.AccessPublic,
		Inject: []domain.ScriptInjection{{Src: "https://cdn.example.com/probe.js", Defer: true}},
	})

	req := httptest.NewRequest(http.MethodGet, "http://web-abc.tuns.example.com/", nil)
	req.Header.Set("If-None-Match", `"v1;inj=deadbeef"`)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	want := `<head><script src="https://cdn.example.com/probe.js" defer></script><title>t</title>`
	if !strings.Contains(body, want) {
		t.Fatalf("script not injected after <head>: %q", body)
	}
}

func TestProxyInjectionScopedByPathRegex(t *testing.T) {
	t.Parallel()

	const page = `<html><head></head><body></body></html>`
	target := startUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(page))
	})
	h, reg := newTestHandler(t, "")
	registerTunnel(t, reg, &domain.ActiveTunnel{
		Key: "web-abc", ClientID: "abc", Target: target, Access: domain.AccessPublic,
		Inject: []domain.ScriptInjection{{
			Src:       "https://cdn.example.com/admin.js",
			PathRegex: mustCompile(t, `^/admin`),
		}},
	})

	req := httptest.NewRequest(http.MethodGet, "http://web-abc.tuns.example.com/public", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if strings.Contains(rec.Body.String(), "admin.js") {
		t.Fatal("injection applied outside its path scope")
	}

	req = httptest.NewRequest(http.MethodGet, "http://web-abc.tuns.example.com/admin/x", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if !strings.Contains(rec.Body.String(), "admin.js") {
		t.Fatal("injection missing on matching path")
	}
}

func TestControlEndpoints(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandler(t, "https://login.example.com/sso")

	req := httptest.NewRequest(http.MethodGet, "http://tuns.example.com/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "ok\n" {
		t.Fatalf("healthz: %d %q", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet,
		"http://tuns.example.com/login?env=env1&returnPath=/back", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTemporaryRedirect {
		t.Fatalf("login: status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "http://tuns.example.com/login?env=env1", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("login without returnPath: status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "http://tuns.example.com/nope", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("fallthrough: status = %d", rec.Code)
	}
}

// startWSEchoUpstream serves a WebSocket echo endpoint on a unix socket,
// reporting each handshake's request path on pathCh.
func startWSEchoUpstream(t *testing.T, pathCh chan<- string) string {
	t.Helper()
	var up websocket.Upgrader
	return startUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case pathCh <- r.URL.Path:
		default:
		}
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = c.Close() }()
		for {
			mt, msg, err := c.ReadMessage()
			if err != nil {
				return
			}
			if err := c.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	})
}

func TestWebSocketEchoThroughProxy(t *testing.T) {
	t.Parallel()

	pathCh := make(chan string, 1)
	target := startWSEchoUpstream(t, pathCh)
	h, reg := newTestHandler(t, "")
	registerTunnel(t, reg, &domain.ActiveTunnel{
		Key: "web-abc", ClientID: "abc", Target: target, Access: domain.AccessPublic,
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	d := websocket.Dialer{
		NetDialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			var nd net.Dialer
			return nd.DialContext(ctx, network, strings.TrimPrefix(srv.URL, "http://"))
		},
		HandshakeTimeout: 5 * time.Second,
	}
	conn, resp, err := d.Dial("ws://web-abc.tuns.example.com/echo?x=1", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close() }()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("handshake status = %d", resp.StatusCode)
	}
	if got := <-pathCh; got != "/echo" {
		t.Fatalf("upstream saw path %q", got)
	}

	for _, msg := range []string{"ping", "a longer message crossing frames?"} {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			t.Fatal(err)
		}
		mt, got, err := conn.ReadMessage()
		if err != nil {
			t.Fatal(err)
		}
		if mt != websocket.TextMessage || string(got) != msg {
			t.Fatalf("echoed (%d, %q), want text %q", mt, got, msg)
		}
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal closure back, got %v", err)
	}
}

func TestWebSocketHandshakeWithoutKeyRejected(t *testing.T) {
	t.Parallel()

	target := startWSEchoUpstream(t, make(chan string, 1))
	h, reg := newTestHandler(t, "")
	registerTunnel(t, reg, &domain.ActiveTunnel{
		Key: "web-abc", ClientID: "abc", Target: target, Access: domain.AccessPublic,
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	conn, err := net.Dial("tcp", strings.TrimPrefix(srv.URL, "http://"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = conn.Close() }()
	req := "GET /echo HTTP/1.1\r\nHost: web-abc.tuns.example.com\r\n" +
		"Upgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Version: 13\r\n\r\n"
	if _, err := conn.Write([]byte(req)); err != nil {
		t.Fatal(err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("handshake missing Sec-WebSocket-Key: status = %d, want 400", resp.StatusCode)
	}
}

func TestRawUpgradeBridge(t *testing.T) {
	t.Parallel()

	// The upstream answers the upgrade by hand and then echoes bytes.
	sock := filepath.Join(t.TempDir(), "up.sock")
	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		br := bufio.NewReader(conn)
		if _, err := http.ReadRequest(br); err != nil {
			return
		}
		_, _ = conn.Write([]byte("HTTP/1.1 101 Switching Protocols\r\nUpgrade: raw\r\nConnection: Upgrade\r\n\r\n"))
		_, _ = io.Copy(conn, br)
	}()

	h, reg := newTestHandler(t, "")
	registerTunnel(t, reg, &domain.ActiveTunnel{
		Key: "web-abc", ClientID: "abc", Target: sock, Access: domain.AccessPublic,
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	conn, err := net.Dial("tcp", strings.TrimPrefix(srv.URL, "http://"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = conn.Close() }()
	req := "GET /stream HTTP/1.1\r\nHost: web-abc.tuns.example.com\r\nUpgrade: raw\r\nConnection: Upgrade\r\n\r\n"
	if _, err := conn.Write([]byte(req)); err != nil {
		t.Fatal(err)
	}

	br := bufio.NewReader(conn)
	status, err := br.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(status, "101") {
		t.Fatalf("status line %q, want 101", status)
	}
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatal(err)
		}
		if line == "\r\n" {
			break
		}
	}

	if _, err := conn.Write([]byte("ping\n")); err != nil {
		t.Fatal(err)
	}
	echoed, err := br.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if echoed != "ping\n" {
		t.Fatalf("echoed %q", echoed)
	}
}

func mustCompile(t *testing.T, expr string) *regexp.Regexp {
	t.Helper()
	re, err := regexp.Compile(expr)
	if err != nil {
		t.Fatal(err)
	}
	return re
}
