// Package metrics defines the Prometheus instruments forwardtap exposes,
// grounded on caddy's own metrics.go: a package-level struct of
// promauto-registered collectors, built once at init.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func init() {
	initTunnelMetrics()
	prometheus.MustRegister(prometheus.NewBuildInfoCollector())
}

// Tunnel is the collection of metrics tracked for the CONNECT-tunnel and
// certificate-authority subsystems. Call initTunnelMetrics to
// (re)populate it; the zero value is unusable.
var Tunnel = struct {
	OpenTunnels      prometheus.Gauge
	TunnelsTotal     *prometheus.CounterVec
	LeafCertsMinted  prometheus.Counter
	RequestsTotal    *prometheus.CounterVec
	WebsocketUpgrades prometheus.Counter
}{}

func initTunnelMetrics() {
	const ns = "forwardtap"

	Tunnel.OpenTunnels = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "open_tunnels",
		Help:      "Number of currently live CONNECT tunnels.",
	})

	Tunnel.TunnelsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "tunnels_total",
		Help:      "Counter of CONNECT tunnels established, labeled by outcome.",
	}, []string{"outcome"})

	Tunnel.LeafCertsMinted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: "ca",
		Name:      "leaf_certs_minted_total",
		Help:      "Counter of leaf certificates minted by the on-demand certificate authority.",
	})

	Tunnel.RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "requests_total",
		Help:      "Counter of proxied requests, labeled by scheme and matched auxiliary host.",
	}, []string{"scheme", "matched_proxy_host"})

	Tunnel.WebsocketUpgrades = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "websocket_upgrades_total",
		Help:      "Counter of successful WebSocket upgrades performed inside tunnels.",
	})
}
