package proxy

import (
	"net/http"
	"net/url"
	"strings"
)

// serveControl handles requests that matched no tunnel route: the broker's
// own small control surface.
func (h *Handler) serveControl(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/healthz":
		// Liveness probes are frequent and boring; keep them out of the
		// normal request logs.
		h.log.Debug("healthz", "remote", r.RemoteAddr)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))

	case "/login":
		h.serveLogin(w, r)

	default:
		h.log.Warn("unroutable request", "host", r.Host, "path", r.URL.Path)
		http.Error(w, "not found", http.StatusNotFound)
	}
}

// serveLogin bounces the browser to the configured SSO login page, carrying
// the environment id and the in-tunnel path to return to. The login flow
// lands back on the tunnel with a bearer token, which the private-tunnel
// path converts into a session cookie.
func (h *Handler) serveLogin(w http.ResponseWriter, r *http.Request) {
	if h.cfg.LoginURL == "" {
		http.Error(w, "login not configured", http.StatusNotFound)
		return
	}
	env := r.URL.Query().Get("env")
	returnPath := r.URL.Query().Get("returnPath")
	if env == "" || !strings.HasPrefix(returnPath, "/") {
		http.Error(w, "env and returnPath query parameters are required", http.StatusBadRequest)
		return
	}

	q := url.Values{}
	q.Set("env", env)
	q.Set("returnPath", returnPath)
	http.Redirect(w, r, h.cfg.LoginURL+"?"+q.Encode(), http.StatusTemporaryRedirect)
}
