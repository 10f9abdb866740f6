package forwardtap

import (
	"fmt"
	"time"
)

// Options configures a Middleware. Every field mirrors a flat
// key in spec.md §6's configuration table; YAML tags let cmd/forwardtap
// load an Options from a config file the way a Caddyfile configures a
// Caddy module, without pulling in the full Caddy config-adaptation
// machinery this module doesn't otherwise need.
type Options struct {
	// CAName is the subject/issuer CN of the root CA when newly
	// generated.
	CAName string `yaml:"ca_name"`

	// CAFileCache is the filesystem path used to persist the root CA PEM.
	// When empty, the root is kept in an in-memory ca.MemoryStore and
	// never touches disk, so each process start generates a new root.
	CAFileCache string `yaml:"ca_file_cache"`

	// UseWildcardCerts enables parent-domain wildcard minting. Default
	// true.
	UseWildcardCerts *bool `yaml:"use_wildcard_certs"`

	// EnableWebsockets enables the RFC 6455 upgrade path inside MITM
	// tunnels. Default true.
	EnableWebsockets *bool `yaml:"enable_websockets"`

	// EnableCertDownload mounts the cert-downloader auxiliary app.
	// Default true.
	EnableCertDownload *bool `yaml:"enable_cert_download"`

	// ProxyHost is the virtual host name the proxy answers to for its own
	// auxiliary endpoints (e.g. cert download). Default "forwardtap".
	ProxyHost string `yaml:"proxy_host"`

	// KeepaliveMax bounds concurrent open tunnels allowed to continue
	// accepting a next keep-alive request: negative disables keep-alive
	// entirely (one request per tunnel), zero is unbounded, positive caps
	// it.
	KeepaliveMax int `yaml:"keepalive_max"`

	// TCPKeepIdle/TCPKeepInterval/TCPKeepCount configure the underlying
	// socket's TCP keep-alive probe cadence, where the platform exposes
	// the fine-grained knobs.
	TCPKeepIdle     time.Duration `yaml:"tcp_keepidle"`
	TCPKeepInterval time.Duration `yaml:"tcp_keepintval"`
	TCPKeepCount    int           `yaml:"tcp_keepcnt"`

	// LeafCertLifetime is how long minted leaf certs remain valid.
	// Default 14 days.
	LeafCertLifetime time.Duration `yaml:"leaf_cert_lifetime"`

	// Resolver selects and configures the Resolver used for non-aux-host
	// requests.
	Resolver ResolverConfig `yaml:"resolver"`

	// MetricsAddr, if set, serves Prometheus metrics on this address.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel is one of "debug", "info", "warn", "error". Default
	// "info".
	LogLevel string `yaml:"log_level"`
}

// ResolverConfig names a registered resolver and carries its
// implementation-specific fields.
type ResolverConfig struct {
	Kind   string         `yaml:"kind"`
	Config map[string]any `yaml:"config"`
}

func boolDefault(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

// withDefaults returns a copy of o with zero-valued fields replaced by
// their documented defaults.
func (o Options) withDefaults() Options {
	if o.CAName == "" {
		o.CAName = "forwardtap intercepting proxy CA"
	}
	if o.ProxyHost == "" {
		o.ProxyHost = "forwardtap"
	}
	if o.LeafCertLifetime <= 0 {
		o.LeafCertLifetime = 14 * 24 * time.Hour
	}
	if o.TCPKeepIdle <= 0 {
		o.TCPKeepIdle = 60 * time.Second
	}
	if o.TCPKeepInterval <= 0 {
		o.TCPKeepInterval = 15 * time.Second
	}
	if o.TCPKeepCount == 0 {
		o.TCPKeepCount = 4
	}
	if o.LogLevel == "" {
		o.LogLevel = "info"
	}
	return o
}

func (o Options) wildcardCertsEnabled() bool  { return boolDefault(o.UseWildcardCerts, true) }
func (o Options) websocketsEnabled() bool     { return boolDefault(o.EnableWebsockets, true) }
func (o Options) certDownloadEnabled() bool   { return boolDefault(o.EnableCertDownload, true) }

func (o Options) buildResolver() (Resolver, error) {
	kind := o.Resolver.Kind
	if kind == "" {
		kind = "fixed_prefix"
	}
	r, err := NewResolver(kind, o.Resolver.Config)
	if err != nil {
		return nil, fmt.Errorf("forwardtap: building resolver: %w", err)
	}
	return r, nil
}

// keepAliveAllowed implements the three-way keepalive_max policy from
// spec.md §4.F: negative disables keep-alive, zero is unbounded,
// otherwise continue only while openTunnels <= keepalive_max.
func keepAliveAllowed(keepaliveMax int, openTunnels int64) bool {
	switch {
	case keepaliveMax < 0:
		return false
	case keepaliveMax == 0:
		return true
	default:
		return openTunnels <= int64(keepaliveMax)
	}
}
