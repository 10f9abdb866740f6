package resolve

import (
	"encoding/base64"
	"net/http"
	"testing"

	"github.com/caddyserver/forwardtap"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestFixedPrefixResolver(t *testing.T) {
	r := FixedPrefixResolver{Prefix: "/prefix/"}
	env := &forwardtap.Env{Header: http.Header{}}

	out, err := r.Resolve("https://example.com/path/file?foo=bar", env)
	require.NoError(t, err)
	require.Equal(t, "/prefix/https://example.com/path/file?foo=bar", out)
}

func TestProxyAuthResolver_RequireAuth(t *testing.T) {
	r := ProxyAuthResolver{Realm: "forwardtap"}
	env := &forwardtap.Env{Header: http.Header{}}

	realm, required := r.RequireAuth(env)
	require.True(t, required)
	require.Equal(t, "forwardtap", realm)

	creds := base64.StdEncoding.EncodeToString([]byte("user:pass"))
	env.Header.Set("Proxy-Authorization", "Basic "+creds)
	_, required = r.RequireAuth(env)
	require.False(t, required)
}

func TestProxyAuthResolver_Resolve(t *testing.T) {
	r := ProxyAuthResolver{}
	creds := base64.StdEncoding.EncodeToString([]byte("user:pass"))
	env := &forwardtap.Env{Header: http.Header{"Proxy-Authorization": {"Basic " + creds}}}

	out, err := r.Resolve("https://example.com/path", env)
	require.NoError(t, err)
	require.Equal(t, "/user/https://example.com/path", out)
}

func TestProxyAuthResolver_MalformedHeader(t *testing.T) {
	r := ProxyAuthResolver{}
	env := &forwardtap.Env{Header: http.Header{"Proxy-Authorization": {"garbage"}}}

	realm, required := r.RequireAuth(env)
	require.True(t, required)
	require.NotEmpty(t, realm)
}

func TestProxyAuthResolver_AccountsGatePassword(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("correct-horse"), bcrypt.MinCost)
	require.NoError(t, err)

	r := ProxyAuthResolver{
		Realm:    "forwardtap",
		Accounts: map[string]Account{"alice": {Username: "alice", Password: hash}},
	}

	good := base64.StdEncoding.EncodeToString([]byte("alice:correct-horse"))
	env := &forwardtap.Env{Header: http.Header{"Proxy-Authorization": {"Basic " + good}}}
	_, required := r.RequireAuth(env)
	require.False(t, required)

	bad := base64.StdEncoding.EncodeToString([]byte("alice:wrong"))
	env = &forwardtap.Env{Header: http.Header{"Proxy-Authorization": {"Basic " + bad}}}
	realm, required := r.RequireAuth(env)
	require.True(t, required)
	require.Equal(t, "forwardtap", realm)

	unknown := base64.StdEncoding.EncodeToString([]byte("mallory:whatever"))
	env = &forwardtap.Env{Header: http.Header{"Proxy-Authorization": {"Basic " + unknown}}}
	_, required = r.RequireAuth(env)
	require.True(t, required)
}
