package forwardtap

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/caddyserver/forwardtap/internal/metrics"
	"github.com/caddyserver/forwardtap/tapio"
	"go.uber.org/zap"
)

// tunnel is the per-CONNECT state machine described in spec.md §4.E: a
// small embedded HTTP/1.x server reading requests directly off the
// decrypted (or, for plain-HTTP-in-tunnel, undecrypted) stream and
// dispatching each to the middleware's App, one goroutine per tunnel.
type tunnel struct {
	mw     *Middleware
	conn   net.Conn
	reader *tapio.Reader
	writer *tapio.Writer
	logger *zap.Logger

	scheme      string // "http" or "https"
	connectHost string
	connectPort string
	proxyScheme string // not set by serveConnect and not read anywhere
}

// run drives the tunnel's request loop until keep-alive ends or the
// connection is closed, per the state machine: PRE_TLS/TLS_HANDSHAKE have
// already happened by the time run is called; each loop iteration is
// REQ_READ -> REQ_DISPATCH -> RESP_WRITE -> (REQ_READ | CLOSED), or
// REQ_READ -> WS_OPEN (terminal) on a successful WebSocket upgrade.
func (t *tunnel) run(ctx context.Context) {
	t.mw.openTunnels.Add(1)
	metrics.Tunnel.OpenTunnels.Inc()
	metrics.Tunnel.TunnelsTotal.WithLabelValues("established").Inc()
	defer func() {
		t.mw.openTunnels.Add(-1)
		metrics.Tunnel.OpenTunnels.Dec()
		t.conn.Close()
	}()

	for {
		cont, err := t.serveOne(ctx)
		if err != nil {
			if err != io.EOF {
				t.logger.Debug("tunnel request aborted", zap.Error(err))
			}
			return
		}
		if !cont {
			return
		}
		if !keepAliveAllowed(t.mw.opts.KeepaliveMax, t.mw.openTunnels.Load()) {
			return
		}
	}
}

// serveOne reads and serves exactly one request. It returns (true, nil) if
// the tunnel should attempt another request, (false, nil) after a clean
// upgrade or a request whose Connection header wasn't keep-alive, and a
// non-nil error (possibly io.EOF for a clean close between requests) to
// abort the tunnel.
func (t *tunnel) serveOne(ctx context.Context) (bool, error) {
	rl, err := t.reader.ReadRequestLine()
	if err != nil {
		return false, err
	}

	env := &Env{
		Method:      rl.Method,
		Protocol:    rl.Version,
		Scheme:      t.scheme,
		ConnectHost: t.connectHost,
		ConnectPort: t.connectPort,
		Header:      http.Header{},
		Vars:        map[string]string{},
	}

	headers, err := t.reader.ReadHeaders()
	if err != nil {
		return false, fmt.Errorf("forwardtap: reading headers: %w", err)
	}
	applyHeaders(env, headers)

	fullURI := t.fullURL(rl.URI)
	if err := t.mw.routeRequest(fullURI, env); err != nil {
		return false, fmt.Errorf("forwardtap: resolving request: %w", err)
	}

	env.Input = io.LimitReader(t.reader, env.ContentLength)
	if env.ContentLength < 0 {
		env.Input = t.reader
	}

	if t.mw.opts.websocketsEnabled() && isWebsocketUpgrade(env.Header) {
		if err := t.handleWebsocket(ctx, env); err != nil {
			t.logger.Debug("websocket upgrade failed", zap.Error(err))
		}
		return false, nil
	}

	isKeepAlive := strings.EqualFold(env.Header.Get("Connection"), "keep-alive")

	if err := t.mw.finishResponse(ctx, t.writer, env, rl.Version); err != nil {
		t.logger.Debug("error writing tunnel response", zap.Error(err))
		return false, nil
	}

	return isKeepAlive, nil
}

// fullURL reconstructs the absolute URL the resolver and the rest of the
// pipeline operate on (spec.md §4.E: "compute full_uri = scheme "://"
// host [":" port] request_uri").
func (t *tunnel) fullURL(requestURI string) string {
	host := t.connectHost
	if t.connectPort != "" {
		host = net.JoinHostPort(host, t.connectPort)
	}
	return t.scheme + "://" + host + requestURI
}

// filterReqHeaders lists the proxy-only headers spec.md §4.E drops before
// the inner app sees the environment.
var filterReqHeaders = map[string]bool{
	"Proxy-Connection":    true,
	"Proxy-Authorization": true,
}

func applyHeaders(env *Env, headers []tapio.Header) {
	haveContentLength := false
	for _, h := range headers {
		switch strings.ToLower(h.Name) {
		case "content-length":
			if n, err := strconv.ParseInt(strings.TrimSpace(h.Value), 10, 64); err == nil {
				env.ContentLength = n
				haveContentLength = true
			}
			continue
		case "content-type":
			env.ContentType = h.Value
			continue
		}
		if filterReqHeaders[http.CanonicalHeaderKey(h.Name)] {
			continue
		}
		env.Header.Add(h.Name, h.Value)
	}
	if !haveContentLength {
		env.ContentLength = -1
	}
}

func isWebsocketUpgrade(h http.Header) bool {
	return strings.EqualFold(h.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(h.Get("Connection")), "upgrade")
}
