// Package fixtureapp provides a small reference App, the Go analogue of
// wsgiprox's test/fixture_app.py, used by cmd/forwardtap as the inner
// application the proxy dispatches to. The module's tests use their own
// small inner apps instead.
package fixtureapp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/caddyserver/forwardtap"
	"github.com/gorilla/websocket"
)

// App answers a handful of fixed routes useful for exercising the
// proxy pipeline end to end:
//
//   - GET/POST /echo      - echoes the request body back verbatim
//   - GET /status/<code>  - responds with the given status and no body
//   - GET /headers        - dumps the received request headers as text
//   - GET /ws/echo        - echoes back each frame on the already-upgraded
//     env.Websocket (the upgrade itself is done by the tunnel)
//   - anything else       - a small fixed 200 OK body naming the request
type App struct{}

func (App) ServeProxy(_ context.Context, rw forwardtap.ResponseWriter, env *forwardtap.Env) error {
	path := env.RequestURI
	if idx := strings.IndexByte(path, '?'); idx >= 0 {
		path = path[:idx]
	}

	switch {
	case path == "/echo":
		body, err := io.ReadAll(env.Input)
		if err != nil {
			rw.WriteStatus("500 Internal Server Error", http.Header{})
			return err
		}
		header := http.Header{
			"Content-Type":    {"text/plain; charset=utf-8"},
			"Content-Length":  {strconv.Itoa(len(body))},
			"X-Echo-Method":   {env.Method},
		}
		rw.WriteStatus("200 OK", header)
		_, err = rw.Write(body)
		return err

	case strings.HasPrefix(path, "/status/"):
		code := strings.TrimPrefix(path, "/status/")
		status := code + " " + http.StatusText(atoiOrZero(code))
		rw.WriteStatus(status, http.Header{})
		return nil

	case path == "/headers":
		var b strings.Builder
		for k, vs := range env.Header {
			for _, v := range vs {
				fmt.Fprintf(&b, "%s: %s\n", k, v)
			}
		}
		body := []byte(b.String())
		header := http.Header{
			"Content-Type":   {"text/plain; charset=utf-8"},
			"Content-Length": {strconv.Itoa(len(body))},
		}
		rw.WriteStatus("200 OK", header)
		_, err := rw.Write(body)
		return err

	case path == "/ws/echo":
		return echoWebsocket(env)

	default:
		body := []byte(fmt.Sprintf("forwardtap fixture app: %s %s%s\n", env.Method, env.Scheme, env.RequestURI))
		header := http.Header{
			"Content-Type":   {"text/plain; charset=utf-8"},
			"Content-Length": {strconv.Itoa(len(body))},
		}
		rw.WriteStatus("200 OK", header)
		_, err := rw.Write(body)
		return err
	}
}

// echoWebsocket is reached only after wsupgrade.go has already completed
// the RFC 6455 handshake and stashed the resulting connection on
// env.Websocket; it relays every text/binary frame back to the sender
// until the peer closes.
func echoWebsocket(env *forwardtap.Env) error {
	conn, ok := env.Websocket.(*websocket.Conn)
	if !ok || conn == nil {
		return forwardtap.ErrNotHandled
	}
	defer conn.Close()
	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			return nil
		}
		if err := conn.WriteMessage(mt, msg); err != nil {
			return nil
		}
	}
}

func atoiOrZero(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

var _ forwardtap.App = App{}
