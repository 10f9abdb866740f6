package forwardtap

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
)

// spoolThreshold is the in-memory ceiling for the HTTP/1.0 buffered
// response path (spec.md §4.E/§9): bodies at or under this size are held
// in a growing byte buffer; larger bodies spill to a temp file so a
// slow/large origin response can't pin unbounded memory per tunnel.
const spoolThreshold = 1 << 20 // 1MiB

// finishResponse drives an App to completion, choosing one of the three
// framing strategies from spec.md §4.E the moment the app calls
// WriteStatus:
//
//   - the app sets Content-Length itself: status/headers flush
//     immediately, body bytes stream straight through. The body is not
//     checked against the declared length: extra bytes are written as
//     well, and a short body is not padded.
//   - no Content-Length and the client is HTTP/1.1: status/headers flush
//     immediately with Transfer-Encoding: chunked, body bytes are
//     chunk-framed as they arrive.
//   - no Content-Length and the client is HTTP/1.0: nothing is written
//     until the app closes the response — the body is spooled (memory,
//     then temp file past 1MiB) so Content-Length can be computed before
//     the first header byte goes out. This is Open Question 3 resolved:
//     buffered mode never flushes headers before Content-Length is known.
func (mw *Middleware) finishResponse(ctx context.Context, w io.Writer, env *Env, protocol string) error {
	bw := bufio.NewWriter(w)
	rw := &responseRecorder{w: bw, protocol: protocol}
	appErr := mw.dispatch(ctx, rw, env)
	if appErr != nil && appErr != ErrNotHandled && rw.status == "" {
		rw.WriteStatus("502 Bad Gateway", http.Header{"Content-Type": {"text/plain; charset=utf-8"}})
		fmt.Fprintf(rw, "forwardtap: upstream app error: %v", appErr)
	}
	if rw.status == "" {
		rw.WriteStatus("404 Not Found", http.Header{})
	}
	if err := rw.Close(); err != nil {
		return err
	}
	return bw.Flush()
}

type frameMode int

const (
	framePassthrough frameMode = iota
	frameChunked
	frameSpooled
)

// responseRecorder implements ResponseWriter, choosing and then
// committing to one of the three wire framings as soon as WriteStatus is
// called.
type responseRecorder struct {
	w        *bufio.Writer
	protocol string

	status  string
	mode    frameMode
	body    io.Writer // streaming body sink for passthrough/chunked
	closed  bool

	spoolBuf  []byte
	spoolFile *os.File
	spoolHdr  http.Header
	spooled   int64
}

func (r *responseRecorder) WriteStatus(status string, header http.Header) {
	if r.status != "" {
		return
	}
	if header == nil {
		header = http.Header{}
	}
	r.status = status

	if _, ok := headerValue(header, "Content-Length"); ok {
		r.mode = framePassthrough
		writeStatusAndHeaders(r.w, r.protocol, status, header)
		r.body = r.w
		return
	}
	if strings.HasPrefix(r.protocol, "HTTP/1.1") {
		r.mode = frameChunked
		h := header.Clone()
		h.Del("Content-Length")
		h.Set("Transfer-Encoding", "chunked")
		writeStatusAndHeaders(r.w, r.protocol, status, h)
		r.body = &chunkedWriter{w: r.w}
		return
	}
	r.mode = frameSpooled
	r.spoolHdr = header.Clone()
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	if r.status == "" {
		r.WriteStatus("200 OK", http.Header{})
	}
	if r.mode == frameSpooled {
		return r.spoolWrite(p)
	}
	return r.body.Write(p)
}

func (r *responseRecorder) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	if r.status == "" {
		r.WriteStatus("204 No Content", http.Header{})
	}
	switch r.mode {
	case frameChunked:
		return r.body.(*chunkedWriter).Close()
	case frameSpooled:
		r.spoolHdr.Set("Content-Length", strconv.FormatInt(r.spooled, 10))
		writeStatusAndHeaders(r.w, r.protocol, r.status, r.spoolHdr)
		return copySpool(r.w, r)
	default:
		return nil
	}
}

func (r *responseRecorder) spoolWrite(p []byte) (int, error) {
	if r.spoolFile != nil {
		n, err := r.spoolFile.Write(p)
		r.spooled += int64(n)
		return n, err
	}
	if r.spooled+int64(len(p)) > spoolThreshold {
		f, err := os.CreateTemp("", "forwardtap-spool-*")
		if err != nil {
			return 0, fmt.Errorf("forwardtap: spooling response to disk: %w", err)
		}
		if _, err := f.Write(r.spoolBuf); err != nil {
			return 0, err
		}
		r.spoolFile = f
		r.spoolBuf = nil
		n, err := f.Write(p)
		r.spooled += int64(n)
		return n, err
	}
	r.spoolBuf = append(r.spoolBuf, p...)
	r.spooled += int64(len(p))
	return len(p), nil
}

func headerValue(h http.Header, key string) (string, bool) {
	v, ok := h[http.CanonicalHeaderKey(key)]
	if !ok || len(v) == 0 {
		return "", false
	}
	return v[0], true
}

func writeStatusAndHeaders(w *bufio.Writer, protocol, status string, header http.Header) {
	fmt.Fprintf(w, "%s %s\r\n", protocol, status)
	for k, vs := range header {
		for _, v := range vs {
			fmt.Fprintf(w, "%s: %s\r\n", k, v)
		}
	}
	w.WriteString("\r\n")
}

func copySpool(w io.Writer, r *responseRecorder) error {
	if r.spoolFile != nil {
		if _, err := r.spoolFile.Seek(0, io.SeekStart); err != nil {
			return err
		}
		_, err := io.Copy(w, r.spoolFile)
		r.spoolFile.Close()
		os.Remove(r.spoolFile.Name())
		return err
	}
	_, err := w.Write(r.spoolBuf)
	return err
}

// chunkedWriter implements HTTP/1.1 chunked transfer-encoding: each Write
// becomes one hex-length-prefixed chunk; Close emits the terminating
// zero-length chunk. A zero-byte Write is dropped rather than emitted as
// a (premature) terminating chunk.
type chunkedWriter struct {
	w      io.Writer
	closed bool
}

func (c *chunkedWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if _, err := fmt.Fprintf(c.w, "%x\r\n", len(p)); err != nil {
		return 0, err
	}
	n, err := c.w.Write(p)
	if err != nil {
		return n, err
	}
	if _, err := io.WriteString(c.w, "\r\n"); err != nil {
		return n, err
	}
	return n, nil
}

func (c *chunkedWriter) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	_, err := io.WriteString(c.w, "0\r\n\r\n")
	return err
}
