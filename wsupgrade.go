package forwardtap

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"github.com/caddyserver/forwardtap/internal/metrics"
	"github.com/gorilla/websocket"
)

// Websocket is what Env.Websocket holds after a successful RFC 6455
// upgrade: the now-hijacked tunnel connection, framed for WebSocket I/O.
// The inner App drives the actual relay (typically dialing the origin's
// own ws:// endpoint and pumping frames both ways); forwardtap's job ends
// at handing over a working *websocket.Conn.
type Websocket = websocket.Conn

var wsUpgrader = websocket.Upgrader{
	// The tunnel's origin has already been chosen by the CONNECT/SNI
	// handshake; there is no separate browser-origin check to apply
	// here the way a same-process WS server would.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWebsocket performs the upgrade handshake on the tunnel's
// already-open connection via a synthetic http.Hijacker, then dispatches
// the request to the App with env.Websocket populated so it can take over
// the raw connection for the session's remaining lifetime.
func (t *tunnel) handleWebsocket(ctx context.Context, env *Env) error {
	reqURL, err := url.ParseRequestURI(env.RequestURI)
	if err != nil {
		reqURL = &url.URL{Path: env.RequestURI}
	}

	req := &http.Request{
		Method:     http.MethodGet,
		URL:        reqURL,
		Proto:      env.Protocol,
		Header:     env.Header,
		Host:       env.Header.Get("Host"),
		RemoteAddr: t.conn.RemoteAddr().String(),
	}

	hrw := &hijackResponseWriter{
		conn:   t.conn,
		brw:    bufio.NewReadWriter(t.reader.Reader, bufio.NewWriter(t.conn)),
		header: http.Header{},
	}

	conn, err := wsUpgrader.Upgrade(hrw, req, nil)
	if err != nil {
		return fmt.Errorf("forwardtap: websocket upgrade: %w", err)
	}

	env.Websocket = conn
	metrics.Tunnel.WebsocketUpgrades.Inc()
	if err := t.mw.dispatch(ctx, discardResponseWriter{}, env); err != nil && err != ErrNotHandled {
		return err
	}
	return nil
}

// hijackResponseWriter lets gorilla/websocket.Upgrader.Upgrade drive the
// 101 handshake directly over a connection forwardtap already owns,
// without gorilla needing to know this isn't a conn from net/http's own
// server loop.
type hijackResponseWriter struct {
	conn   net.Conn
	brw    *bufio.ReadWriter
	header http.Header
}

func (h *hijackResponseWriter) Header() http.Header       { return h.header }
func (h *hijackResponseWriter) Write(p []byte) (int, error) { return h.brw.Write(p) }
func (h *hijackResponseWriter) WriteHeader(int)            {}

func (h *hijackResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return h.conn, h.brw, nil
}

var _ http.Hijacker = (*hijackResponseWriter)(nil)
var _ http.ResponseWriter = (*hijackResponseWriter)(nil)

// discardResponseWriter satisfies ResponseWriter for the post-upgrade
// dispatch, where the wire response was already written by the upgrader
// and the App's real work happens on env.Websocket instead.
type discardResponseWriter struct{}

func (discardResponseWriter) WriteStatus(string, http.Header) {}
func (discardResponseWriter) Write(p []byte) (int, error)     { return len(p), nil }
func (discardResponseWriter) Close() error                    { return nil }

var _ ResponseWriter = discardResponseWriter{}
