package forwardtap

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// serveHTTPProxy implements the plain (non-TLS-intercepted) HTTP Proxy
// Handler from spec.md §4.D: a client that already knows it's talking to
// an HTTP proxy sends an absolute-form request line directly, without a
// CONNECT tunnel. The handler parses the absolute URL, strips the
// proxy-only headers, resolves the target, and dispatches to the same
// aux-app-then-inner-app chain the CONNECT path uses.
func (mw *Middleware) serveHTTPProxy(w http.ResponseWriter, r *http.Request) {
	if !r.URL.IsAbs() {
		http.Error(w, "forwardtap: expected an absolute-URI proxy request", http.StatusBadRequest)
		return
	}

	header := r.Header.Clone()
	header.Del("Proxy-Connection")
	header.Del("Proxy-Authorization")

	env := &Env{
		Method:        r.Method,
		Protocol:      r.Proto,
		Scheme:        r.URL.Scheme,
		Header:        header,
		ContentLength: r.ContentLength,
		ContentType:   header.Get("Content-Type"),
		Input:         r.Body,
		Vars:          map[string]string{},
	}

	if realm, required := mw.requireAuth(env); required {
		w.Header().Set("Proxy-Authenticate", fmt.Sprintf("Basic realm=%q", realm))
		http.Error(w, "Proxy Authentication Required", http.StatusProxyAuthRequired)
		return
	}

	if err := mw.routeRequest(r.URL.String(), env); err != nil {
		http.Error(w, fmt.Sprintf("forwardtap: %v", err), http.StatusBadGateway)
		return
	}

	rw := &httpResponseWriter{w: w}
	defer rw.Close()
	appErr := mw.dispatch(r.Context(), rw, env)
	if appErr != nil && appErr != ErrNotHandled {
		if !rw.wroteHeader {
			http.Error(w, fmt.Sprintf("forwardtap: upstream app error: %v", appErr), http.StatusBadGateway)
		}
		return
	}
	if !rw.wroteHeader {
		rw.WriteStatus("404 Not Found", http.Header{})
	}
}

// httpResponseWriter adapts ResponseWriter onto a standard
// http.ResponseWriter for the plain-proxy path, where net/http's own
// server already owns response framing (chunked vs. Content-Length vs.
// connection-close) and there is no tunnel socket to hand-frame onto.
type httpResponseWriter struct {
	w           http.ResponseWriter
	wroteHeader bool
}

func (h *httpResponseWriter) WriteStatus(status string, header http.Header) {
	if h.wroteHeader {
		return
	}
	h.wroteHeader = true
	dst := h.w.Header()
	for k, vs := range header {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	// spec.md §4.D: "append Proxy-Connection: close to every response",
	// signaling to the client that this proxy does not keep plain
	// (non-tunneled) proxy connections alive across requests.
	dst.Set("Proxy-Connection", "close")

	code := http.StatusOK
	if fields := strings.Fields(status); len(fields) > 0 {
		if n, err := strconv.Atoi(fields[0]); err == nil {
			code = n
		}
	}
	h.w.WriteHeader(code)
}

func (h *httpResponseWriter) Write(p []byte) (int, error) {
	if !h.wroteHeader {
		h.WriteStatus("200 OK", http.Header{})
	}
	return h.w.Write(p)
}

func (h *httpResponseWriter) Close() error { return nil }

var _ ResponseWriter = (*httpResponseWriter)(nil)
