package forwardtap

import "fmt"

// Resolver maps an absolute URL, plus the request environment, to the
// rewritten path the inner application should receive. It is a pure
// function of its inputs and of any state the concrete resolver carries
// (e.g. a fixed prefix).
type Resolver interface {
	Resolve(url string, env *Env) (string, error)
}

// AuthRequirer is implemented by resolvers that may reject a request for
// missing or invalid proxy authentication. If required is true, realm
// should be used in a 407 Proxy-Authenticate challenge.
type AuthRequirer interface {
	RequireAuth(env *Env) (realm string, required bool)
}

// ResolverConstructor builds a Resolver from a raw YAML/JSON config
// fragment already unmarshaled into a generic map.
type ResolverConstructor func(config map[string]any) (Resolver, error)

var resolverRegistry = map[string]ResolverConstructor{}

// RegisterResolver registers a named resolver constructor so config.go can
// select a resolver implementation by name without this package importing
// its subpackages directly — the same inversion caddy.RegisterModule uses
// to let modules live in leaf packages while the core stays dependency-free.
func RegisterResolver(name string, ctor ResolverConstructor) {
	if _, ok := resolverRegistry[name]; ok {
		panic(fmt.Sprintf("forwardtap: resolver %q already registered", name))
	}
	resolverRegistry[name] = ctor
}

// NewResolver looks up a registered resolver constructor by name and
// invokes it.
func NewResolver(name string, config map[string]any) (Resolver, error) {
	ctor, ok := resolverRegistry[name]
	if !ok {
		return nil, fmt.Errorf("forwardtap: unknown resolver %q (is its package blank-imported?)", name)
	}
	return ctor(config)
}
