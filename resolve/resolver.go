// Package resolve provides the built-in Resolver implementations: a fixed
// URL prefix rewrite, and a proxy-basic-auth username rewrite. Importing
// this package for side effect registers both under the names "fixed_prefix"
// and "proxy_auth" so config.go can select one by name.
package resolve

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/caddyserver/forwardtap"
)

func init() {
	forwardtap.RegisterResolver("fixed_prefix", func(config map[string]any) (forwardtap.Resolver, error) {
		prefix, _ := config["prefix"].(string)
		if prefix == "" {
			prefix = "/prefix/"
		}
		return FixedPrefixResolver{Prefix: prefix}, nil
	})
	forwardtap.RegisterResolver("proxy_auth", func(config map[string]any) (forwardtap.Resolver, error) {
		realm, _ := config["realm"].(string)
		r := ProxyAuthResolver{Realm: realm}
		if raw, ok := config["accounts"].([]any); ok {
			r.Accounts = map[string]Account{}
			for _, entry := range raw {
				m, ok := entry.(map[string]any)
				if !ok {
					continue
				}
				username, _ := m["username"].(string)
				passwordHash, _ := m["password"].(string)
				if username == "" {
					continue
				}
				r.Accounts[username] = Account{Username: username, Password: []byte(passwordHash)}
			}
		}
		return r, nil
	})
}

// FixedPrefixResolver rewrites every URL to Prefix+url.
type FixedPrefixResolver struct {
	Prefix string
}

func (r FixedPrefixResolver) Resolve(url string, _ *forwardtap.Env) (string, error) {
	return r.Prefix + url, nil
}

// ProxyAuthResolver extracts the basic-auth username from
// Proxy-Authorization and rewrites the URL to "/"+username+"/"+url,
// ignoring the password. It demands auth via RequireAuth when the header
// is absent or malformed.
//
// When Accounts is empty, any well-formed "Basic <base64>" header is
// accepted (the original wsgiprox.ProxyAuthResolver behavior, which only
// ever used the username for the path rewrite). When Accounts is
// populated, RequireAuth also validates the password against the
// account's bcrypt hash via Hash, adapted from caddyauth's
// HTTPBasicAuth.Authenticate (modules/caddyhttp/caddyauth/basicauth.go).
type ProxyAuthResolver struct {
	// Realm is returned by RequireAuth; defaults to "Proxy" when empty.
	Realm string

	// Accounts, if non-nil, gates RequireAuth on a real password check
	// rather than merely requiring *a* Proxy-Authorization header.
	Accounts map[string]Account

	// Hash compares a candidate password against an Account's stored
	// hash. Defaults to BcryptComparer{}.
	Hash Comparer
}

func (r ProxyAuthResolver) Resolve(url string, env *forwardtap.Env) (string, error) {
	username, _, ok := decodeProxyBasicAuth(env.Header.Get("Proxy-Authorization"))
	if !ok {
		// Resolve is only reached after RequireAuth has already gated the
		// request, but be defensive: an empty username still produces a
		// deterministic (if useless) rewrite rather than a panic.
		username = ""
	}
	return fmt.Sprintf("/%s/%s", username, url), nil
}

func (r ProxyAuthResolver) RequireAuth(env *forwardtap.Env) (string, bool) {
	realm := r.Realm
	if realm == "" {
		realm = "Proxy"
	}

	username, password, ok := decodeProxyBasicAuth(env.Header.Get("Proxy-Authorization"))
	if !ok {
		return realm, true
	}
	if len(r.Accounts) == 0 {
		return "", false
	}

	account, exists := r.Accounts[username]
	hash := r.Hash
	if hash == nil {
		hash = BcryptComparer{}
	}
	// don't short-circuit on !exists before calling Compare: always
	// hashing avoids leaking account existence through response timing.
	same, err := hash.Compare(account.Password, []byte(password))
	if err != nil || !same || !exists {
		return realm, true
	}
	return "", false
}

// decodeProxyBasicAuth decodes the "Basic <base64>" form of a
// Proxy-Authorization header value into (username, password, ok).
func decodeProxyBasicAuth(header string) (string, string, bool) {
	const prefix = "Basic "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", "", false
	}
	raw, err := base64.StdEncoding.DecodeString(header[len(prefix):])
	if err != nil {
		return "", "", false
	}
	creds := string(raw)
	idx := strings.IndexByte(creds, ':')
	if idx < 0 {
		return "", "", false
	}
	return creds[:idx], creds[idx+1:], true
}

// Interface guards
var (
	_ forwardtap.Resolver     = FixedPrefixResolver{}
	_ forwardtap.Resolver     = ProxyAuthResolver{}
	_ forwardtap.AuthRequirer = ProxyAuthResolver{}
)
