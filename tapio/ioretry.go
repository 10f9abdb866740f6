package tapio

import "net"

// IOWaiter models the cooperative-scheduler I/O-retry hook described in
// spec.md §9: "on a would-block condition in any TLS operation, yield to
// the scheduler until the underlying fd is ready, then retry". Go's
// net/crypto/tls stack already blocks the calling goroutine and lets the
// runtime scheduler multiplex goroutines over OS threads, so there is
// nothing here for BlockingIO to retry — it exists so the abstraction
// boundary from the spec has a concrete, testable Go type, and so an
// alternate implementation (e.g. one driven by golang.org/x/sys/unix
// epoll directly, for an embedder that bypasses net.Conn) has somewhere
// to plug in without touching connect.go.
type IOWaiter interface {
	// WaitReadable blocks until conn is ready to read or returns an
	// error. BlockingIO's implementation is a no-op: the subsequent
	// conn.Read call already blocks correctly.
	WaitReadable(conn net.Conn) error

	// WaitWritable is the write-side counterpart of WaitReadable.
	WaitWritable(conn net.Conn) error
}

// BlockingIO is the IOWaiter used when the underlying TLS/socket stack is
// already safe to call from a blocking goroutine, which is always true
// for crypto/tls over net.Conn.
type BlockingIO struct{}

func (BlockingIO) WaitReadable(net.Conn) error { return nil }
func (BlockingIO) WaitWritable(net.Conn) error { return nil }

var _ IOWaiter = BlockingIO{}
