// Package htmlinject implements a streaming filter that inserts <script>
// tags into proxied HTML responses without buffering the body.
package htmlinject

import (
	"bytes"
	"html"
	"io"

	"github.com/livecycle/tunnel-server/internal/domain"
)

// MarkupFor renders the <script> tags to inject for a request path. Specs
// with a PathRegex that does not match the path are skipped; the result is
// nil when nothing applies.
func MarkupFor(specs []domain.ScriptInjection, path string) []byte {
	var buf bytes.Buffer
	for _, spec := range specs {
		if spec.PathRegex != nil && !spec.PathRegex.MatchString(path) {
			continue
		}
		buf.WriteString(`<script src="`)
		buf.WriteString(html.EscapeString(spec.Src))
		buf.WriteString(`"`)
		if spec.Async {
			buf.WriteString(" async")
		}
		if spec.Defer {
			buf.WriteString(" defer")
		}
		buf.WriteString(`></script>`)
	}
	if buf.Len() == 0 {
		return nil
	}
	return buf.Bytes()
}

// Filter is an io.WriteCloser that scans a decoded HTML stream for the
// injection site and inserts the configured markup exactly once. The output
// is byte-identical to the input everywhere else, regardless of how the
// input is split across writes.
//
// The injection site is the first of, in stream order: the offset right
// after an opening <head...> tag (bare script tags), the offset of an
// opening <body tag, or the offset of the closing </html> tag (both wrapped
// in a synthetic <head>...</head>). If none of the markers ever appear, a
// synthetic head block is appended at end of stream.
type Filter struct {
	dst     io.Writer
	scripts []byte

	pending  []byte
	injected bool
}

// NewFilter creates a Filter writing the rewritten stream to dst.
func NewFilter(dst io.Writer, scripts []byte) *Filter {
	return &Filter{dst: dst, scripts: scripts}
}

func (f *Filter) Write(p []byte) (int, error) {
	if f.injected {
		if err := writeAll(f.dst, p); err != nil {
			return 0, err
		}
		return len(p), nil
	}
	f.pending = append(f.pending, p...)
	if err := f.process(false); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close flushes any held-back bytes and, when no marker was ever seen,
// appends the synthetic head block.
func (f *Filter) Close() error {
	if f.injected {
		return nil
	}
	if err := f.process(true); err != nil {
		return err
	}
	if !f.injected {
		if err := writeAll(f.dst, f.pending); err != nil {
			return err
		}
		f.pending = nil
		if err := writeAll(f.dst, f.wrapped()); err != nil {
			return err
		}
		f.injected = true
	}
	return nil
}

func (f *Filter) wrapped() []byte {
	out := make([]byte, 0, len(f.scripts)+13)
	out = append(out, "<head>"...)
	out = append(out, f.scripts...)
	out = append(out, "</head>"...)
	return out
}

func (f *Filter) process(eof bool) error {
	m, hold := findMarker(f.pending, eof)
	switch m.kind {
	case markerNone:
		if eof {
			return nil
		}
		// Flush everything that can no longer be part of a marker.
		if hold > 0 {
			if err := writeAll(f.dst, f.pending[:hold]); err != nil {
				return err
			}
			f.pending = append(f.pending[:0], f.pending[hold:]...)
		}
		return nil
	case markerHeadOpen:
		if err := writeAll(f.dst, f.pending[:m.end]); err != nil {
			return err
		}
		if err := writeAll(f.dst, f.scripts); err != nil {
			return err
		}
	default: // markerBodyOpen, markerHTMLClose: synthetic head before the tag
		if err := writeAll(f.dst, f.pending[:m.start]); err != nil {
			return err
		}
		if err := writeAll(f.dst, f.wrapped()); err != nil {
			return err
		}
		if err := writeAll(f.dst, f.pending[m.start:m.end]); err != nil {
			return err
		}
	}
	rest := f.pending[m.end:]
	if err := writeAll(f.dst, rest); err != nil {
		return err
	}
	f.pending = nil
	f.injected = true
	return nil
}

type markerKind int

const (
	markerNone markerKind = iota
	markerHeadOpen
	markerBodyOpen
	markerHTMLClose
)

type marker struct {
	kind       markerKind
	start, end int
}

// findMarker locates the first complete marker in b. When none is complete
// it returns the index up to which bytes are safe to flush: everything
// before the earliest position that could still grow into a marker once
// more input arrives (len(b) if no such position). With eof set, partial
// matches can never complete and are skipped.
func findMarker(b []byte, eof bool) (marker, int) {
	i := 0
	for {
		j := bytes.IndexByte(b[i:], '<')
		if j < 0 {
			return marker{}, len(b)
		}
		i += j
		rest := b[i:]

		if full, partial := matchFold(rest, "</html>"); full {
			return marker{markerHTMLClose, i, i + len("</html>")}, 0
		} else if partial && !eof {
			return marker{}, i
		}

		if m, hold := matchOpenTag(rest, "<head", eof); hold {
			return marker{}, i
		} else if m >= 0 {
			// m is the offset just past the tag's closing '>'. The first
			// '>' ends the tag, as in the reference scanner; '>' inside
			// attribute values is not special-cased.
			return marker{markerHeadOpen, i, i + m}, 0
		}

		if full, partial := matchFold(rest, "<body"); partial && !eof {
			return marker{}, i
		} else if full {
			if len(rest) == len("<body") {
				if !eof {
					return marker{}, i
				}
			} else if isTagDelim(rest[len("<body")]) {
				return marker{markerBodyOpen, i, i + len("<body")}, 0
			}
		}

		i++
	}
}

// matchOpenTag checks for tag (e.g. "<head") followed by a delimiter and a
// closing '>'. It returns the offset past '>' when matched, -1 when this is
// definitely not the tag, and hold=true when more input is needed.
func matchOpenTag(rest []byte, tag string, eof bool) (int, bool) {
	full, partial := matchFold(rest, tag)
	if partial {
		return -1, !eof
	}
	if !full {
		return -1, false
	}
	if len(rest) == len(tag) {
		return -1, !eof
	}
	if !isTagDelim(rest[len(tag)]) {
		return -1, false
	}
	k := bytes.IndexByte(rest, '>')
	if k < 0 {
		return -1, !eof
	}
	return k + 1, false
}

// matchFold compares the head of b against pat, ASCII case-insensitively.
// full means pat is entirely present; partial means b ran out while still
// matching.
func matchFold(b []byte, pat string) (full, partial bool) {
	n := len(b)
	if n > len(pat) {
		n = len(pat)
	}
	for i := 0; i < n; i++ {
		if lowerASCII(b[i]) != pat[i] {
			return false, false
		}
	}
	if n == len(pat) {
		return true, false
	}
	return false, true
}

func isTagDelim(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\r', '\f', '/', '>':
		return true
	}
	return false
}

func lowerASCII(c byte) byte {
	if c >= 'A' && c <= 'Z' {
		return c - 'A' + 'a'
	}
	return c
}

func writeAll(w io.Writer, p []byte) error {
	if len(p) == 0 {
		return nil
	}
	_, err := w.Write(p)
	return err
}
