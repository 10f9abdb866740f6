package forwardtap

import (
	"net"
	"time"

	"github.com/pires/go-proxyproto"
)

// WrapProxyProtocol wraps ln so that each accepted connection is first
// parsed for a PROXY protocol v1/v2 header (as inserted by an L4 load
// balancer in front of forwardtap), with RemoteAddr() reporting the
// original client address rather than the balancer's. Plain connections
// without a PROXY header pass through untouched.
func WrapProxyProtocol(ln net.Listener) net.Listener {
	return &proxyproto.Listener{
		Listener:          ln,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
