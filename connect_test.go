package forwardtap

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/caddyserver/forwardtap/ca"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// newTunnelMiddleware builds a Middleware with a real *ca.Authority (so
// TLS/SNI tests can perform an actual handshake against it) but without
// going through NewMiddleware's resolver registry lookup, which would
// require blank-importing the resolve package into this internal test
// file and cycle back through it.
func newTunnelMiddleware(t *testing.T, inner App) *Middleware {
	t.Helper()
	authority, err := ca.NewAuthority(ca.Options{Store: &ca.MemoryStore{}})
	require.NoError(t, err)
	return &Middleware{
		opts:      Options{}.withDefaults(),
		authority: authority,
		resolver:  passthroughResolver{},
		innerApp:  inner,
		auxApps:   map[string]App{},
		logger:    zap.NewNop(),
	}
}

// fakeHijackWriter adapts a net.Conn into the http.ResponseWriter +
// http.Hijacker pair serveConnect needs, so these tests can drive the
// CONNECT tunnel state machine directly without a real net/http.Server
// listening on a socket.
type fakeHijackWriter struct {
	header http.Header
	conn   net.Conn
}

func (f *fakeHijackWriter) Header() http.Header         { return f.header }
func (f *fakeHijackWriter) Write(p []byte) (int, error) { return f.conn.Write(p) }
func (f *fakeHijackWriter) WriteHeader(int)             {}
func (f *fakeHijackWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return f.conn, bufio.NewReadWriter(bufio.NewReader(f.conn), bufio.NewWriter(f.conn)), nil
}

func connectRequest(t *testing.T, hostport string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodConnect, "http://"+hostport, nil)
	require.NoError(t, err)
	req.Host = hostport
	return req
}

// readConnectEstablished drains the "HTTP/1.1 200 Connection
// Established\r\n\r\n" banner serveConnect writes immediately after
// hijacking, before the client proceeds to either a TLS handshake or
// plaintext requests inside the tunnel.
func readConnectEstablished(t *testing.T, r *bufio.Reader) {
	t.Helper()
	statusLine, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "HTTP/1.1 200 Connection Established\r\n", statusLine)
	blank, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "\r\n", blank)
}

// echoApp is a minimal inner App used to exercise a full request/response
// round trip through a tunnel: it echoes the request body back verbatim
// with an explicit Content-Length, taking the passthrough framing path.
type echoApp struct{}

func (echoApp) ServeProxy(_ context.Context, rw ResponseWriter, env *Env) error {
	body, err := io.ReadAll(env.Input)
	if err != nil {
		return err
	}
	rw.WriteStatus("200 OK", http.Header{"Content-Length": {strconv.Itoa(len(body))}})
	_, err = rw.Write(body)
	return err
}

func TestServeConnect_PlaintextRoundTripAndKeepAlive(t *testing.T) {
	mw := newTunnelMiddleware(t, echoApp{})
	server, client := net.Pipe()
	w := &fakeHijackWriter{header: http.Header{}, conn: server}
	req := connectRequest(t, "example.com:80")

	done := make(chan struct{})
	go func() {
		mw.ServeHTTP(w, req)
		close(done)
	}()

	cr := bufio.NewReader(client)
	readConnectEstablished(t, cr)

	// first request on the tunnel, Connection: keep-alive
	_, err := client.Write([]byte("GET /echo HTTP/1.1\r\nHost: example.com\r\nConnection: keep-alive\r\nContent-Length: 5\r\n\r\nhello"))
	require.NoError(t, err)
	resp, err := http.ReadResponse(cr, nil)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "hello", string(body))

	// second request reuses the same tunnel (Testable Property #7); a
	// fresh tunnel per request would instead see a closed pipe here.
	_, err = client.Write([]byte("GET /echo HTTP/1.1\r\nHost: example.com\r\nConnection: close\r\nContent-Length: 2\r\n\r\nhi"))
	require.NoError(t, err)
	resp2, err := http.ReadResponse(cr, nil)
	require.NoError(t, err)
	body2, err := io.ReadAll(resp2.Body)
	require.NoError(t, err)
	require.Equal(t, "hi", string(body2))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tunnel did not exit after a non-keep-alive request")
	}
}

func TestServeConnect_SNIOverridesConnectHost(t *testing.T) {
	var gotHost string
	mw := newTunnelMiddleware(t, AppFunc(func(_ context.Context, rw ResponseWriter, env *Env) error {
		gotHost = env.ConnectHost
		rw.WriteStatus("200 OK", http.Header{"Content-Length": {"0"}})
		return nil
	}))

	pool := x509.NewCertPool()
	rootPEM, err := mw.authority.RootPEM()
	require.NoError(t, err)
	require.True(t, pool.AppendCertsFromPEM(rootPEM))

	server, client := net.Pipe()
	w := &fakeHijackWriter{header: http.Header{}, conn: server}
	// the literal CONNECT target is a bare IP:port; the SNI sent during
	// the TLS handshake below names a different host entirely.
	req := connectRequest(t, "198.51.100.1:443")

	done := make(chan struct{})
	go func() {
		mw.ServeHTTP(w, req)
		close(done)
	}()

	cr := bufio.NewReader(client)
	readConnectEstablished(t, cr)

	tlsClient := tls.Client(client, &tls.Config{ServerName: "example.com", RootCAs: pool})
	require.NoError(t, tlsClient.HandshakeContext(context.Background()))

	_, err = tlsClient.Write([]byte("GET / HTTP/1.1\r\nHost: example.com\r\nConnection: close\r\n\r\n"))
	require.NoError(t, err)
	resp, err := http.ReadResponse(bufio.NewReader(tlsClient), nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tunnel did not exit")
	}

	require.Equal(t, "example.com", gotHost, "wsgiprox.connect_host must be overwritten by the TLS ClientHello's SNI, not the literal CONNECT host")
}

func TestServeConnect_LeafCertCachedAcrossTunnelsForSameSNI(t *testing.T) {
	mw := newTunnelMiddleware(t, AppFunc(func(_ context.Context, rw ResponseWriter, _ *Env) error {
		rw.WriteStatus("200 OK", http.Header{"Content-Length": {"0"}})
		return nil
	}))

	pool := x509.NewCertPool()
	rootPEM, err := mw.authority.RootPEM()
	require.NoError(t, err)
	require.True(t, pool.AppendCertsFromPEM(rootPEM))

	dial := func() []byte {
		server, client := net.Pipe()
		w := &fakeHijackWriter{header: http.Header{}, conn: server}
		req := connectRequest(t, "198.51.100.9:443")

		done := make(chan struct{})
		go func() {
			mw.ServeHTTP(w, req)
			close(done)
		}()

		cr := bufio.NewReader(client)
		readConnectEstablished(t, cr)

		tlsClient := tls.Client(client, &tls.Config{ServerName: "cached.example.com", RootCAs: pool})
		require.NoError(t, tlsClient.HandshakeContext(context.Background()))
		raw := tlsClient.ConnectionState().PeerCertificates[0].Raw
		tlsClient.Close()

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("tunnel did not exit after the client closed its side")
		}
		return raw
	}

	first := dial()
	second := dial()
	require.Equal(t, first, second, "a second tunnel for the same SNI must reuse the cached leaf certificate (Testable Property #10)")
}

// wsEchoApp relays exactly one frame back to the sender, enough to prove
// the upgrade handshake and the resulting *websocket.Conn both work.
type wsEchoApp struct{}

func (wsEchoApp) ServeProxy(_ context.Context, _ ResponseWriter, env *Env) error {
	conn, ok := env.Websocket.(*websocket.Conn)
	if !ok {
		return ErrNotHandled
	}
	mt, msg, err := conn.ReadMessage()
	if err != nil {
		return nil
	}
	return conn.WriteMessage(mt, msg)
}

func TestServeConnect_WebsocketUpgradeAndEcho(t *testing.T) {
	mw := newTunnelMiddleware(t, wsEchoApp{})
	server, client := net.Pipe()
	w := &fakeHijackWriter{header: http.Header{}, conn: server}
	req := connectRequest(t, "example.com:80")

	done := make(chan struct{})
	go func() {
		mw.ServeHTTP(w, req)
		close(done)
	}()

	cr := bufio.NewReader(client)
	readConnectEstablished(t, cr)

	u, err := url.Parse("ws://example.com/ws/echo")
	require.NoError(t, err)
	wsConn, resp, err := websocket.NewClient(client, u, http.Header{}, 4096, 4096)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	require.NoError(t, wsConn.WriteMessage(websocket.TextMessage, []byte("ping")))
	mt, msg, err := wsConn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, mt)
	require.Equal(t, "ping", string(msg))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tunnel did not exit after the websocket exchange completed")
	}
}
