package forwardtap

import (
	"bytes"
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func dispatchApp(fn AppFunc) *Middleware {
	return &Middleware{innerApp: fn, auxApps: map[string]App{}}
}

func TestFinishResponse_PassthroughStreamsImmediately(t *testing.T) {
	mw := dispatchApp(func(_ context.Context, rw ResponseWriter, _ *Env) error {
		rw.WriteStatus("200 OK", http.Header{"Content-Length": {"5"}})
		_, err := rw.Write([]byte("hello"))
		return err
	})

	var buf bytes.Buffer
	env := &Env{Header: http.Header{}}
	require.NoError(t, mw.finishResponse(context.Background(), &buf, env, "HTTP/1.1"))

	out := buf.String()
	require.True(t, strings.HasPrefix(out, "HTTP/1.1 200 OK\r\n"))
	require.Contains(t, out, "Content-Length: 5\r\n")
	require.True(t, strings.HasSuffix(out, "\r\n\r\nhello"))
}

func TestFinishResponse_ChunkedWhenNoContentLengthHTTP11(t *testing.T) {
	mw := dispatchApp(func(_ context.Context, rw ResponseWriter, _ *Env) error {
		rw.WriteStatus("200 OK", http.Header{})
		if _, err := rw.Write([]byte("ab")); err != nil {
			return err
		}
		_, err := rw.Write([]byte("cde"))
		return err
	})

	var buf bytes.Buffer
	env := &Env{Header: http.Header{}}
	require.NoError(t, mw.finishResponse(context.Background(), &buf, env, "HTTP/1.1"))

	out := buf.String()
	require.Contains(t, out, "Transfer-Encoding: chunked\r\n")
	require.Contains(t, out, "2\r\nab\r\n")
	require.Contains(t, out, "3\r\ncde\r\n")
	require.True(t, strings.HasSuffix(out, "0\r\n\r\n"))
}

func TestFinishResponse_SpooledDefersHeadersUntilClose(t *testing.T) {
	mw := dispatchApp(func(_ context.Context, rw ResponseWriter, _ *Env) error {
		rw.WriteStatus("200 OK", http.Header{})
		_, err := rw.Write([]byte("buffered body"))
		return err
	})

	var buf bytes.Buffer
	env := &Env{Header: http.Header{}}
	require.NoError(t, mw.finishResponse(context.Background(), &buf, env, "HTTP/1.0"))

	out := buf.String()
	require.Contains(t, out, "Content-Length: 13\r\n")
	require.True(t, strings.HasSuffix(out, "\r\n\r\nbuffered body"))
}

func TestFinishResponse_SpooledSpillsToDiskPastThreshold(t *testing.T) {
	big := bytes.Repeat([]byte("x"), spoolThreshold+1024)
	mw := dispatchApp(func(_ context.Context, rw ResponseWriter, _ *Env) error {
		rw.WriteStatus("200 OK", http.Header{})
		_, err := rw.Write(big)
		return err
	})

	var buf bytes.Buffer
	env := &Env{Header: http.Header{}}
	require.NoError(t, mw.finishResponse(context.Background(), &buf, env, "HTTP/1.0"))
	require.True(t, bytes.HasSuffix(buf.Bytes(), big))
}

func TestFinishResponse_NoWriteStatusDefaultsTo404(t *testing.T) {
	mw := dispatchApp(func(_ context.Context, rw ResponseWriter, _ *Env) error {
		return nil
	})

	var buf bytes.Buffer
	env := &Env{Header: http.Header{}}
	require.NoError(t, mw.finishResponse(context.Background(), &buf, env, "HTTP/1.1"))
	require.Contains(t, buf.String(), "404 Not Found")
}

func TestFinishResponse_AppErrorBecomes502(t *testing.T) {
	mw := dispatchApp(func(_ context.Context, rw ResponseWriter, _ *Env) error {
		return errBoom
	})

	var buf bytes.Buffer
	env := &Env{Header: http.Header{}}
	require.NoError(t, mw.finishResponse(context.Background(), &buf, env, "HTTP/1.1"))
	require.Contains(t, buf.String(), "502 Bad Gateway")
}

var errBoom = errBoomType{}

type errBoomType struct{}

func (errBoomType) Error() string { return "boom" }
