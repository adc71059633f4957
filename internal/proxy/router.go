package proxy

import (
	"net/http"
	"strings"

	"github.com/livecycle/tunnel-server/internal/netutil"
)

// proxyPathPrefix is the path-based routing form: /proxy/{key}/...
const proxyPathPrefix = "/proxy/"

// route is a candidate tunnel address extracted from a request. Extraction
// is pure string work; the registry lookup happens afterwards.
type route struct {
	key string
	// path is the upstream-bound request path, with the routing prefix
	// stripped in the path-based form.
	path string
	// viaHost distinguishes hostname routing from path routing, which
	// differ in their no-such-tunnel status code.
	viaHost bool
}

// extractRoute tries hostname routing first: the first DNS label of the
// Host header is the key when the remaining labels equal the broker's base
// hostname. Otherwise the /proxy/{key}/... path form applies. Requests
// matching neither are not proxy traffic.
func extractRoute(r *http.Request, baseHost string) (route, bool) {
	if host := netutil.NormalizeHost(r.Host); host != "" {
		if label, rest, ok := netutil.FirstLabel(host); ok && rest == baseHost {
			return route{key: label, path: r.URL.Path, viaHost: true}, true
		}
	}

	if rest, ok := strings.CutPrefix(r.URL.Path, proxyPathPrefix); ok {
		key, remainder, _ := strings.Cut(rest, "/")
		if key != "" {
			return route{key: key, path: "/" + remainder}, true
		}
	}

	return route{}, false
}
