//go:build linux

package forwardtap

import (
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// setKeepaliveIntervalCount sets TCP_KEEPINTVL/TCP_KEEPCNT directly via
// golang.org/x/sys/unix, the fine-grained knobs net.TCPConn's portable API
// doesn't expose (it only covers SO_KEEPALIVE and the idle timer), the
// same way caddy's listen_linux.go reaches past net.ListenConfig for
// SO_REUSEPORT.
func setKeepaliveIntervalCount(sc syscall.Conn, interval time.Duration, count int) {
	raw, err := sc.SyscallConn()
	if err != nil {
		return
	}
	_ = raw.Control(func(fd uintptr) {
		if interval > 0 {
			_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, int(interval.Seconds()))
		}
		if count > 0 {
			_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPCNT, count)
		}
	})
}
