package htmlinject

import (
	"compress/flate"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"net/http"
	"regexp"
	"strings"

	"github.com/andybalholm/brotli"
)

// etagSuffixRe matches the variant tag appended by TagETag, so it can be
// stripped from client-supplied conditional validators before they are
// forwarded upstream.
var etagSuffixRe = regexp.MustCompile(`;inj=[0-9a-f]{8}`)

// ShouldTransform reports whether a response is eligible for injection:
// a non-empty markup and an HTML content type.
func ShouldTransform(resp *http.Response, markup []byte) bool {
	if len(markup) == 0 {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return false
	}
	return mediaType == "text/html"
}

// TransformResponse replaces resp.Body with a stream that injects markup,
// decompressing and recompressing in the response's own content coding.
// Length/framing headers that assume an unmodified body are stripped and
// the outgoing ETag is tagged with the injected-variant suffix. It reports
// whether the transform was applied; responses in an unsupported content
// coding pass through untouched.
func TransformResponse(resp *http.Response, markup []byte) (bool, error) {
	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	switch encoding {
	case "", "identity", "gzip", "x-gzip", "deflate", "br":
	default:
		return false, nil
	}

	src := resp.Body
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(rewrite(pw, src, encoding, markup))
		_ = src.Close()
	}()
	resp.Body = pr

	resp.ContentLength = -1
	resp.Header.Del("Content-Length")
	resp.Header.Del("Transfer-Encoding")
	resp.TransferEncoding = nil
	TagETag(resp.Header, markup)
	return true, nil
}

// rewrite decodes src per encoding, streams it through a Filter, and
// re-encodes the result onto dst.
func rewrite(dst io.Writer, src io.Reader, encoding string, markup []byte) error {
	var (
		reader io.Reader
		closer func() error = func() error { return nil }
	)
	switch encoding {
	case "gzip", "x-gzip":
		gr, err := gzip.NewReader(src)
		if err != nil {
			return fmt.Errorf("gzip decode: %w", err)
		}
		reader, closer = gr, gr.Close
	case "deflate":
		fr := flate.NewReader(src)
		reader, closer = fr, fr.Close
	case "br":
		reader = brotli.NewReader(src)
	default:
		reader = src
	}

	var (
		writer   io.Writer = dst
		flushEnc func() error
	)
	switch encoding {
	case "gzip", "x-gzip":
		gw := gzip.NewWriter(dst)
		writer, flushEnc = gw, gw.Close
	case "deflate":
		fw, err := flate.NewWriter(dst, flate.DefaultCompression)
		if err != nil {
			return fmt.Errorf("deflate encode: %w", err)
		}
		writer, flushEnc = fw, fw.Close
	case "br":
		bw := brotli.NewWriter(dst)
		writer, flushEnc = bw, bw.Close
	}

	filter := NewFilter(writer, markup)
	if _, err := io.Copy(filter, reader); err != nil {
		_ = closer()
		return err
	}
	if err := filter.Close(); err != nil {
		_ = closer()
		return err
	}
	if err := closer(); err != nil {
		return err
	}
	if flushEnc != nil {
		return flushEnc()
	}
	return nil
}

// TagETag appends the injected-variant suffix to the response ETag so that
// caches never confuse injected and non-injected variants of a resource.
func TagETag(h http.Header, markup []byte) {
	etag := h.Get("ETag")
	if etag == "" {
		return
	}
	suffix := ";inj=" + markupHash(markup)
	if strings.HasSuffix(etag, `"`) {
		etag = etag[:len(etag)-1] + suffix + `"`
	} else {
		etag += suffix
	}
	h.Set("ETag", etag)
}

// StripConditionalTags removes the injected-variant suffix from
// If-None-Match / If-Match validators on the upstream-bound request.
func StripConditionalTags(h http.Header) {
	for _, name := range []string{"If-None-Match", "If-Match"} {
		values := h.Values(name)
		if len(values) == 0 {
			continue
		}
		out := make([]string, 0, len(values))
		for _, v := range values {
			out = append(out, etagSuffixRe.ReplaceAllString(v, ""))
		}
		h.Del(name)
		for _, v := range out {
			h.Add(name, v)
		}
	}
}

func markupHash(markup []byte) string {
	sum := sha256.Sum256(markup)
	return hex.EncodeToString(sum[:])[:8]
}
