package forwardtap

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// passthroughResolver is a minimal stand-in for a configured Resolver,
// used so these tests don't need to blank-import the resolve package
// (which itself imports this package, and would cycle back through an
// internal test file).
type passthroughResolver struct{}

func (passthroughResolver) Resolve(url string, _ *Env) (string, error) { return url, nil }

func newTestMiddleware(t *testing.T, inner App) *Middleware {
	t.Helper()
	return &Middleware{
		opts:     Options{}.withDefaults(),
		resolver: passthroughResolver{},
		innerApp: inner,
		auxApps:  map[string]App{},
		logger:   zap.NewNop(),
	}
}

func TestServeHTTPProxy_RejectsRelativeRequestURI(t *testing.T) {
	mw := newTestMiddleware(t, AppFunc(func(context.Context, ResponseWriter, *Env) error {
		t.Fatal("inner app should not be reached for a non-absolute request")
		return nil
	}))

	req := httptest.NewRequest(http.MethodGet, "/not-absolute", nil)
	req.URL.Scheme = ""
	req.URL.Host = ""
	rec := httptest.NewRecorder()

	mw.serveHTTPProxy(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServeHTTPProxy_DispatchesToInnerApp(t *testing.T) {
	var gotURI string
	mw := newTestMiddleware(t, AppFunc(func(_ context.Context, rw ResponseWriter, env *Env) error {
		gotURI = env.RequestURI
		rw.WriteStatus("200 OK", http.Header{"Content-Length": {"2"}})
		_, err := rw.Write([]byte("ok"))
		return err
	}))

	req := httptest.NewRequest(http.MethodGet, "http://example.com/foo?bar=1", nil)
	rec := httptest.NewRecorder()

	mw.serveHTTPProxy(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())
	require.Equal(t, "close", rec.Header().Get("Proxy-Connection"))
	require.Contains(t, gotURI, "http://example.com/foo?bar=1")
}

func TestServeHTTPProxy_StripsHopByHopProxyHeaders(t *testing.T) {
	var sawProxyConnection, sawProxyAuth bool
	mw := newTestMiddleware(t, AppFunc(func(_ context.Context, rw ResponseWriter, env *Env) error {
		sawProxyConnection = env.Header.Get("Proxy-Connection") != ""
		sawProxyAuth = env.Header.Get("Proxy-Authorization") != ""
		rw.WriteStatus("204 No Content", http.Header{})
		return nil
	}))

	req := httptest.NewRequest(http.MethodGet, "http://example.com/foo", nil)
	req.Header.Set("Proxy-Connection", "keep-alive")
	req.Header.Set("Proxy-Authorization", "Basic dXNlcjpwYXNz")
	rec := httptest.NewRecorder()

	mw.serveHTTPProxy(rec, req)
	require.False(t, sawProxyConnection)
	require.False(t, sawProxyAuth)
}

func TestServeHTTPProxy_DefaultsTo404WhenAppDeclines(t *testing.T) {
	mw := newTestMiddleware(t, AppFunc(func(context.Context, ResponseWriter, *Env) error {
		return ErrNotHandled
	}))

	req := httptest.NewRequest(http.MethodGet, "http://example.com/foo", nil)
	rec := httptest.NewRecorder()

	mw.serveHTTPProxy(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
