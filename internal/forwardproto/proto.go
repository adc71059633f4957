// Package forwardproto decodes the payload carried by streamlocal forward
// requests: a socket path of the form `path[#param=value;param=value...]`.
//
// Recognized params:
//
//	access  public|private (default public)
//	meta    base64url-encoded JSON object, passed through opaquely
//	inject  base64url-encoded JSON array of script injection specs
//
// Malformed base64/JSON or an unrecognized param name fails the whole
// request; nothing is partially applied.
package forwardproto

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/livecycle/tunnel-server/internal/domain"
)

// Request is the decoded forward request payload.
type Request struct {
	// Path is the tunnel's logical path with the leading '/' stripped.
	Path   string
	Access domain.AccessScheme
	Meta   map[string]any
	Inject []domain.ScriptInjection
}

type injectSpec struct {
	Src       string `json:"src"`
	Async     bool   `json:"async,omitempty"`
	Defer     bool   `json:"defer,omitempty"`
	PathRegex string `json:"pathRegex,omitempty"`
}

// Parse decodes a raw forward request socket path.
func Parse(raw string) (Request, error) {
	path, params, hasParams := strings.Cut(raw, "#")
	req := Request{
		Path:   strings.TrimPrefix(path, "/"),
		Access: domain.AccessPublic,
	}
	if !hasParams {
		return req, nil
	}

	for _, kv := range strings.Split(params, ";") {
		name, value, ok := strings.Cut(kv, "=")
		if !ok {
			return Request{}, fmt.Errorf("%w: malformed param %q", domain.ErrBadForwardRequest, kv)
		}
		switch name {
		case "access":
			switch domain.AccessScheme(value) {
			case domain.AccessPublic, domain.AccessPrivate:
				req.Access = domain.AccessScheme(value)
			default:
				return Request{}, fmt.Errorf("%w: unknown access scheme %q", domain.ErrBadForwardRequest, value)
			}
		case "meta":
			meta, err := decodeJSONParam[map[string]any](value)
			if err != nil {
				return Request{}, fmt.Errorf("%w: meta: %v", domain.ErrBadForwardRequest, err)
			}
			req.Meta = meta
		case "inject":
			specs, err := decodeJSONParam[[]injectSpec](value)
			if err != nil {
				return Request{}, fmt.Errorf("%w: inject: %v", domain.ErrBadForwardRequest, err)
			}
			inject, err := compileInjects(specs)
			if err != nil {
				return Request{}, fmt.Errorf("%w: inject: %v", domain.ErrBadForwardRequest, err)
			}
			req.Inject = inject
		default:
			return Request{}, fmt.Errorf("%w: unrecognized param %q", domain.ErrBadForwardRequest, name)
		}
	}
	return req, nil
}

func decodeJSONParam[T any](value string) (T, error) {
	var out T
	decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(value, "="))
	if err != nil {
		return out, fmt.Errorf("base64: %w", err)
	}
	if err := json.Unmarshal(decoded, &out); err != nil {
		return out, fmt.Errorf("json: %w", err)
	}
	return out, nil
}

func compileInjects(specs []injectSpec) ([]domain.ScriptInjection, error) {
	out := make([]domain.ScriptInjection, 0, len(specs))
	for _, spec := range specs {
		if spec.Src == "" {
			return nil, fmt.Errorf("injection spec missing src")
		}
		inj := domain.ScriptInjection{
			Src:   spec.Src,
			Async: spec.Async,
			Defer: spec.Defer,
		}
		if spec.PathRegex != "" {
			re, err := regexp.Compile(spec.PathRegex)
			if err != nil {
				return nil, fmt.Errorf("pathRegex: %w", err)
			}
			inj.PathRegex = re
		}
		out = append(out, inj)
	}
	return out, nil
}
