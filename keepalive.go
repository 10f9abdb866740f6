package forwardtap

import (
	"net"
	"syscall"
	"time"
)

// applyTCPKeepalive sets SO_KEEPALIVE and the configured timing knobs on
// conn's underlying socket, per spec.md §4.F: "TCP keep-alive socket
// options (SO_KEEPALIVE, and when available TCP_KEEPIDLE/TCP_KEEPINTVL/
// TCP_KEEPCNT) are set on the underlying socket using configured values."
// conn is whatever net/http's server hijacked for us — typically a
// *net.TCPConn, but a test harness may hand in something that doesn't
// expose these knobs (e.g. net.Pipe), which is left untouched rather than
// treated as an error.
func applyTCPKeepalive(conn net.Conn, opts Options) {
	kac, ok := conn.(interface {
		SetKeepAlive(bool) error
		SetKeepAlivePeriod(time.Duration) error
	})
	if !ok {
		return
	}
	if err := kac.SetKeepAlive(true); err != nil {
		return
	}
	_ = kac.SetKeepAlivePeriod(opts.TCPKeepIdle)

	if sc, ok := conn.(syscall.Conn); ok {
		setKeepaliveIntervalCount(sc, opts.TCPKeepInterval, opts.TCPKeepCount)
	}
}
