// Package cli wires the tunnel-server process together: configuration,
// logging, the SSH forwarding server, the HTTP ingress, and the ops
// listener, supervised until an interrupt arrives.
package cli

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"

	"github.com/livecycle/tunnel-server/internal/config"
	ilog "github.com/livecycle/tunnel-server/internal/log"
	"github.com/livecycle/tunnel-server/internal/metrics"
	"github.com/livecycle/tunnel-server/internal/opshttp"
	"github.com/livecycle/tunnel-server/internal/proxy"
	"github.com/livecycle/tunnel-server/internal/registry"
	"github.com/livecycle/tunnel-server/internal/sessionauth"
	"github.com/livecycle/tunnel-server/internal/sshserver"
	"github.com/livecycle/tunnel-server/internal/store/sqlite"
)

func Run(args []string) int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if len(args) > 0 {
		switch args[0] {
		case "server":
			return runServer(ctx, args[1:])
		case "-h", "--help", "help":
			printUsage()
			return 0
		}
	}
	return runServer(ctx, args)
}

func runServer(ctx context.Context, args []string) int {
	cfg, err := config.ParseServerFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "server config error:", err)
		return 2
	}
	logger := ilog.New(cfg.LogLevel, cfg.LogFormat)

	hostKey, err := loadHostKey(cfg.HostKeyFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "host key error:", err)
		return 2
	}

	var saasKey crypto.PublicKey
	if cfg.SaaSPublicKeyFile != "" {
		saasKey, err = loadPublicKey(cfg.SaaSPublicKeyFile)
		if err != nil {
			fmt.Fprintln(os.Stderr, "saas public key error:", err)
			return 2
		}
	}

	var audit sshserver.AuditLog
	if cfg.DBPath != "" {
		store, err := sqlite.Open(cfg.DBPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "db error:", err)
			return 1
		}
		defer func() { _ = store.Close() }()
		audit = store
	}

	baseURL, err := url.Parse(cfg.BaseURL)
	if err != nil {
		fmt.Fprintln(os.Stderr, "server config error:", err)
		return 2
	}

	m := metrics.New()
	reg := registry.New(ilog.Component(logger, "registry"))
	auth := sessionauth.New([]byte(cfg.CookieSecret), saasKey, cfg.SaaSIssuer,
		ilog.Component(logger, "auth"))

	sshSrv := sshserver.New(sshserver.Config{
		Listen:            cfg.ListenSSH,
		HostKey:           hostKey,
		BaseURL:           baseURL,
		SocketDir:         cfg.SocketDir,
		KeepaliveInterval: cfg.SSHKeepaliveInterval,
		ProbeTimeout:      cfg.ProbeTimeout,
		EvictionWait:      cfg.EvictionWaitTimeout,
	}, reg, audit, m, ilog.Component(logger, "ssh"))

	ingress := proxy.New(proxy.Config{
		BaseHost: cfg.BaseHost(),
		LoginURL: cfg.LoginURL,
	}, reg, auth, m, ilog.Component(logger, "proxy"))

	if err := opshttp.Start(ctx, cfg.ListenOps, m.Handler(), ilog.Component(logger, "ops")); err != nil {
		fmt.Fprintln(os.Stderr, "ops server error:", err)
		return 1
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sshSrv.Serve(ctx) })
	g.Go(func() error {
		return serveHTTP(ctx, cfg.ListenHTTP, ingress, cfg.ShutdownTimeout,
			ilog.Component(logger, "proxy"))
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "server error:", err)
		return 1
	}
	return 0
}

func serveHTTP(ctx context.Context, addr string, handler http.Handler, shutdownTimeout time.Duration, log *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	log.Info("http ingress listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errc:
		return fmt.Errorf("http ingress: %w", err)
	}
}

func loadHostKey(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return signer, nil
}

func loadPublicKey(path string) (crypto.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%s: no PEM block found", path)
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return key, nil
}

func printUsage() {
	fmt.Println(`tunnel-server - multi-tenant SSH reverse-tunnel ingress broker

Usage:
  tunnel-server [server] [flags]

Flags:
  -base-url          Public base URL, e.g. https://tunnels.example.com (required)
  -host-key          SSH host private key PEM file (required)
  -listen-ssh        SSH listen address (default :2222)
  -listen-http       HTTP ingress listen address (default :8080)
  -listen-ops        Metrics/pprof/health listen address (default :8888)
  -socket-dir        Directory for per-tunnel unix sockets
  -db                SQLite audit log path (empty disables)
  -saas-public-key   Delegated SaaS issuer public key PEM file
  -saas-issuer       Delegated SaaS JWT issuer
  -login-url         SaaS login URL for the SSO bounce
  -cookie-secret     Session cookie signing secret
  -config            YAML config file
  -log-level         debug|info|warn|error (default info)
  -log-format        text|json (default text)

Environment variables (TUNNEL_SERVER_*) provide defaults; flags override.`)
}
