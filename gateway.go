package forwardtap

import (
	"context"
	"errors"
	"net/http"
)

// ErrNotHandled is returned by an App's ServeProxy to signal that it
// declined to handle this request and the dispatcher should fall through
// to the next candidate (an auxiliary app falling through to the main
// inner app, or a cert-downloader app ignoring a path it doesn't
// recognize). This is the Go-native replacement for the WSGI convention
// of an auxiliary app returning None.
var ErrNotHandled = errors.New("forwardtap: request not handled, fall through")

// Env is the request environment handed to an App. It carries the same
// logical keys as the WSGI-style "environ" this proxy's design is modeled
// on (CONTENT_LENGTH, HTTP_* headers, wsgiprox.connect_host, ...), but as
// typed struct fields rather than a loosely-typed string map, per the
// Design Notes on replacing the WSGI environ/start_response duo with
// typed objects in a strongly-typed reimplementation.
type Env struct {
	// Method is the HTTP method of the request (GET, POST, CONNECT, ...).
	Method string

	// RequestURI is the rewritten path the inner app should treat as the
	// canonical request target. It is always set by a Resolver or by
	// auxiliary-host routing before an App sees the Env.
	RequestURI string

	// QueryString is the raw query string, without the leading '?'.
	QueryString string

	// Protocol is the request's HTTP version, e.g. "HTTP/1.1".
	Protocol string

	// Scheme is "http" or "https" (wsgi.url_scheme).
	Scheme string

	// Header holds the request headers, keyed as in net/http (canonical
	// MIME form), the Go analogue of the HTTP_* prefixed environ keys.
	Header http.Header

	// ContentLength mirrors the CONTENT_LENGTH environ key. -1 means
	// unknown/absent.
	ContentLength int64

	// ContentType mirrors the CONTENT_TYPE environ key.
	ContentType string

	// Input is the request body reader (wsgi.input).
	Input interface {
		Read(p []byte) (int, error)
	}

	// ConnectHost is the hostname from CONNECT, or the SNI override
	// (wsgiprox.connect_host).
	ConnectHost string

	// ConnectPort is the CONNECT port, set only when non-default for the
	// scheme (wsgiprox.connect_port).
	ConnectPort string

	// ProxyHost is the configured proxy virtual host name
	// (wsgiprox.proxy_host).
	ProxyHost string

	// MatchedProxyHost is set when an auxiliary-app host matched
	// (wsgiprox.matched_proxy_host).
	MatchedProxyHost string

	// Websocket is non-nil after a successful upgrade (wsgi.websocket).
	Websocket any

	// Vars is an escape hatch for additional proxy-specific keys that
	// don't warrant a dedicated field.
	Vars map[string]string
}

// ResponseWriter is the Go-native replacement for WSGI's start_response
// plus write callable: the handler drives WriteStatus once, then Write any
// number of times, then Close exactly once.
type ResponseWriter interface {
	// WriteStatus sends the status line and headers. It must be called
	// exactly once, before any call to Write.
	WriteStatus(status string, header http.Header)

	// Write streams a body chunk.
	Write(p []byte) (int, error)

	// Close finalizes the response. It is always invoked, including on
	// error paths, mirroring the WSGI convention that an iterable's
	// close() is always called.
	Close() error
}

// App is the gateway interface the proxy dispatches decoded requests to.
// It is the Go-native replacement for the WSGI app(env, start_response)
// contract.
type App interface {
	ServeProxy(ctx context.Context, rw ResponseWriter, env *Env) error
}

// AppFunc adapts a plain function to an App.
type AppFunc func(ctx context.Context, rw ResponseWriter, env *Env) error

func (f AppFunc) ServeProxy(ctx context.Context, rw ResponseWriter, env *Env) error {
	return f(ctx, rw, env)
}
