package forwardtap

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"

	"github.com/caddyserver/forwardtap/ca"
	"github.com/caddyserver/forwardtap/internal/metrics"
	"github.com/caddyserver/forwardtap/tapio"
	"go.uber.org/zap"
)

// Middleware is the top-level Proxy Middleware from spec.md §4.F: an
// http.Handler that recognizes CONNECT requests (spinning up a tunnel
// per spec.md §4.E) and plain absolute-URL proxy requests (§4.D),
// dispatching decoded requests through the auxiliary-app table to an
// inner App.
type Middleware struct {
	opts      Options
	authority *ca.Authority
	resolver  Resolver
	innerApp  App
	auxApps   map[string]App // nil value means "matched, pass through to innerApp"
	logger    *zap.Logger

	openTunnels atomic.Int64
	certsMinted atomic.Int64
}

// NewMiddleware wires a Middleware from opts: it builds (or loads) the
// certificate authority, selects the configured Resolver, and assembles
// the auxiliary-app table (the proxy's own host, plus the cert-download
// app when enabled) described in spec.md §4.G.
func NewMiddleware(opts Options, inner App, logger *zap.Logger) (*Middleware, error) {
	opts = opts.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	var store ca.Store
	if opts.CAFileCache != "" {
		store = ca.FileStore{Path: opts.CAFileCache}
	} else {
		store = &ca.MemoryStore{}
	}

	authority, err := ca.NewAuthority(ca.Options{
		CommonName:   opts.CAName,
		Store:        store,
		LeafLifetime: opts.LeafCertLifetime,
		Logger:       logger.Named("ca"),
	})
	if err != nil {
		return nil, fmt.Errorf("forwardtap: initializing certificate authority: %w", err)
	}

	resolver, err := opts.buildResolver()
	if err != nil {
		return nil, err
	}

	mw := &Middleware{
		opts:      opts,
		authority: authority,
		resolver:  resolver,
		innerApp:  inner,
		auxApps:   map[string]App{},
		logger:    logger,
	}

	mw.auxApps[opts.ProxyHost] = nil
	if opts.certDownloadEnabled() {
		mw.auxApps[opts.ProxyHost] = &downloaderApp{authority: authority}
	}

	return mw, nil
}

// Authority exposes the certificate authority, e.g. so cmd/forwardtap's
// ca-fingerprint command can print the root certificate's PEM.
func (mw *Middleware) Authority() *ca.Authority { return mw.authority }

// OpenTunnels reports the current live-tunnel count, for metrics.
func (mw *Middleware) OpenTunnels() int64 { return mw.openTunnels.Load() }

// ServeHTTP dispatches by method: CONNECT establishes a tunnel, anything
// else is treated as a plain (non-TLS-intercepted) absolute-URL proxy
// request per spec.md §4.D.
func (mw *Middleware) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		mw.serveConnect(w, r)
		return
	}
	mw.serveHTTPProxy(w, r)
}

// serveConnect implements spec.md §4.E's PRE_TLS/TLS_HANDSHAKE stages:
// hijack the raw socket, gate on proxy auth, mint (or reuse) a leaf
// certificate for the CONNECT host, and hand off to a tunnel for the
// REQ_READ/REQ_DISPATCH/RESP_WRITE loop.
func (mw *Middleware) serveConnect(w http.ResponseWriter, r *http.Request) {
	host, port, err := net.SplitHostPort(r.Host)
	if err != nil {
		host, port = r.Host, ""
	}

	authEnv := &Env{Header: r.Header}
	if realm, required := mw.requireAuth(authEnv); required {
		w.Header().Set("Proxy-Authenticate", fmt.Sprintf("Basic realm=%q", realm))
		http.Error(w, "Proxy Authentication Required", http.StatusProxyAuthRequired)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "proxying requires a hijackable connection", http.StatusInternalServerError)
		return
	}
	conn, brw, err := hj.Hijack()
	if err != nil {
		mw.logger.Error("hijack failed", zap.Error(err))
		return
	}
	applyTCPKeepalive(conn, mw.opts)
	if brw != nil {
		_ = brw.Writer.Flush()
		// Hijack can return with bytes the server's own bufio.Reader
		// already pulled off the wire past the CONNECT request (e.g. a
		// client that pipelines its TLS ClientHello immediately after
		// CONNECT); reading conn directly from here would silently drop
		// them, mirroring the same hazard caddy's reverse proxy hijack
		// path guards against.
		if n := brw.Reader.Buffered(); n > 0 {
			conn = &bufferedConn{Conn: conn, br: brw.Reader}
		}
	}

	if _, err := conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		conn.Close()
		return
	}

	connectHost := host
	scheme, rawConn, reader, effectiveHost, err := mw.negotiateTunnelTransport(conn, connectHost, port)
	if err != nil {
		mw.logger.Debug("tunnel transport negotiation failed", zap.Error(err))
		conn.Close()
		return
	}

	t := &tunnel{
		mw:          mw,
		conn:        rawConn,
		reader:      reader,
		writer:      tapio.NewWriter(rawConn),
		logger:      mw.logger,
		scheme:      scheme,
		connectHost: effectiveHost,
		connectPort: nonDefaultPort(scheme, port),
	}
	t.run(r.Context())
}

// negotiateTunnelTransport decides, and if needed performs, the TLS
// handshake inside a freshly-established CONNECT tunnel. Per spec.md
// §4.E: port 443 always means TLS, port 80 always means plain HTTP, and
// any other port is disambiguated with a non-consuming 16-byte peek for a
// leading "GET "/"POST "/etc plaintext request line.
//
// The peek is performed through a single *tapio.Reader that is threaded
// all the way into the returned tunnel reader (or, on the TLS branch,
// into the net.Conn the TLS handshake reads from via bufferedConn) so the
// peeked bytes are never consumed off the wire and then discarded.
//
// The returned host is connectHost, unless the TLS ClientHello carried a
// differing SNI, in which case it is the SNI — spec.md §4.E installs "a
// new per-SNI context" and overwrites wsgiprox.connect_host to match, and
// the caller must use this value (not the original connectHost) when
// building the tunnel's Env.
func (mw *Middleware) negotiateTunnelTransport(conn net.Conn, connectHost, port string) (string, net.Conn, *tapio.Reader, string, error) {
	br := tapio.NewReader(conn)
	effectiveHost := connectHost
	wantsTLS := true
	switch port {
	case "80":
		wantsTLS = false
	case "443", "":
		wantsTLS = true
	default:
		peeked, err := br.Peek16()
		if err == nil && looksLikePlaintextRequest(peeked) {
			wantsTLS = false
		}
	}

	if !wantsTLS {
		return "http", conn, br, effectiveHost, nil
	}

	tlsConn := tls.Server(&bufferedConn{Conn: conn, br: br.Reader}, &tls.Config{
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			if hello.ServerName != "" {
				effectiveHost = hello.ServerName
			}
			cert, err := mw.authority.MintLeaf(effectiveHost, mw.opts.wildcardCertsEnabled(), false)
			if err != nil {
				return nil, err
			}
			mw.certsMinted.Add(1)
			metrics.Tunnel.LeafCertsMinted.Inc()
			return &cert, nil
		},
	})
	if err := tlsConn.HandshakeContext(context.Background()); err != nil {
		return "", nil, nil, "", fmt.Errorf("tls handshake: %w", err)
	}
	return "https", tlsConn, tapio.NewReader(tlsConn), effectiveHost, nil
}

// bufferedConn lets a net.Conn consumer (here, tls.Server) read through a
// *bufio.Reader that may already hold bytes peeked off the wire before
// the TLS handshake began, instead of reading the raw conn directly and
// missing them.
type bufferedConn struct {
	net.Conn
	br *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.br.Read(p) }

func looksLikePlaintextRequest(peeked []byte) bool {
	for _, m := range [][]byte{[]byte("GET "), []byte("POST "), []byte("HEAD "), []byte("PUT "), []byte("OPTIONS ")} {
		if len(peeked) >= len(m) && string(peeked[:len(m)]) == string(m) {
			return true
		}
	}
	return false
}

func nonDefaultPort(scheme, port string) string {
	if port == "" {
		return ""
	}
	if (scheme == "https" && port == "443") || (scheme == "http" && port == "80") {
		return ""
	}
	return port
}

// routeRequest computes RequestURI either via auxiliary-host matching or,
// failing that, the configured Resolver, per spec.md §4.F: "the
// dispatcher to the inner app first consults the auxiliary-app table,
// keyed by the request's target host; only a miss falls through to the
// resolver."
func (mw *Middleware) routeRequest(fullURI string, env *Env) error {
	u, err := parseURLHost(fullURI)
	if err != nil {
		return err
	}

	// ProxyHost (wsgiprox.proxy_host) is unconditional: it names the
	// proxy's own configured virtual host regardless of whether this
	// particular request matched an alias in the auxiliary-app table.
	env.ProxyHost = mw.opts.ProxyHost
	env.QueryString = u.query

	if _, matched := mw.lookupAux(u.host); matched {
		env.ProxyHost = u.host
		env.MatchedProxyHost = u.host
		env.RequestURI = u.pathAndQuery()
		return nil
	}

	rewritten, err := mw.resolver.Resolve(fullURI, env)
	if err != nil {
		return err
	}
	env.RequestURI = rewritten
	return nil
}

func (mw *Middleware) lookupAux(host string) (App, bool) {
	app, ok := mw.auxApps[host]
	return app, ok
}

// requireAuth consults the resolver's optional AuthRequirer.
func (mw *Middleware) requireAuth(env *Env) (realm string, required bool) {
	if ar, ok := mw.resolver.(AuthRequirer); ok {
		return ar.RequireAuth(env)
	}
	return "", false
}

// dispatch is the shared aux-app-then-inner-app call used by both the
// CONNECT tunnel loop and the plain HTTP proxy handler.
func (mw *Middleware) dispatch(ctx context.Context, rw ResponseWriter, env *Env) error {
	metrics.Tunnel.RequestsTotal.WithLabelValues(env.Scheme, env.MatchedProxyHost).Inc()
	if env.MatchedProxyHost != "" {
		if app, ok := mw.auxApps[env.MatchedProxyHost]; ok && app != nil {
			err := app.ServeProxy(ctx, rw, env)
			if !errors.Is(err, ErrNotHandled) {
				return err
			}
		}
	}
	if mw.innerApp == nil {
		return ErrNotHandled
	}
	return mw.innerApp.ServeProxy(ctx, rw, env)
}

type splitURL struct {
	host  string
	path  string
	query string
}

func (u splitURL) pathAndQuery() string {
	if u.query == "" {
		return u.path
	}
	return u.path + "?" + u.query
}

// parseURLHost extracts the host and path+query from an absolute URL
// without pulling in the full net/url.Parse normalization (which would,
// e.g., lower-case percent-escapes the Resolver may want untouched).
func parseURLHost(absoluteURL string) (splitURL, error) {
	rest := absoluteURL
	for _, scheme := range []string{"https://", "http://", "ws://", "wss://"} {
		if len(rest) > len(scheme) && rest[:len(scheme)] == scheme {
			rest = rest[len(scheme):]
			goto found
		}
	}
	return splitURL{}, fmt.Errorf("forwardtap: not an absolute URL: %q", absoluteURL)
found:
	slash := len(rest)
	for i, c := range rest {
		if c == '/' {
			slash = i
			break
		}
	}
	host := rest[:slash]
	pathAndQuery := rest[slash:]
	if pathAndQuery == "" {
		pathAndQuery = "/"
	}
	path, query := pathAndQuery, ""
	if idx := indexByte(pathAndQuery, '?'); idx >= 0 {
		path, query = pathAndQuery[:idx], pathAndQuery[idx+1:]
	}
	return splitURL{host: host, path: path, query: query}, nil
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}
