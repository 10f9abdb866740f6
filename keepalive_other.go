//go:build !linux

package forwardtap

import (
	"syscall"
	"time"
)

// setKeepaliveIntervalCount is a no-op outside Linux: TCP_KEEPINTVL and
// TCP_KEEPCNT aren't exposed through a portable API, and other platforms'
// nearest equivalents (e.g. Darwin's single TCP_KEEPALIVE) don't carry the
// same two-knob semantics, so there's nothing correct to set here. The
// SO_KEEPALIVE/idle-timer part applyTCPKeepalive already does via
// net.TCPConn still applies on every platform.
func setKeepaliveIntervalCount(syscall.Conn, time.Duration, int) {}
