// Package ca implements the on-demand certificate authority: loading or
// generating a root key+cert, and minting per-hostname leaf certificates
// signed by that root, with wildcard collapsing and a bounded cache.
package ca

import (
	"crypto"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.step.sm/crypto/keyutil"
	"go.step.sm/crypto/pemutil"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// leafNotBeforeSkew tolerates client clock skew, mirroring certauth's
// notBefore = now - 1h for both root and leaf certificates.
const leafNotBeforeSkew = time.Hour

// Options configures an Authority.
type Options struct {
	// CommonName is the subject/issuer CN used when a root is newly
	// generated. Ignored when an existing root is loaded.
	CommonName string

	// Store persists the root key+cert. If nil, a Store backed by
	// nothing is used and a root is generated fresh on every process
	// start (useful only for tests).
	Store Store

	// LeafLifetime is how long minted leaf certificates remain valid for,
	// measured from the moment of minting (NotAfter = now + LeafLifetime).
	LeafLifetime time.Duration

	// LeafCacheSize bounds the number of distinct leaf certs held at
	// once. Default 1024.
	LeafCacheSize int

	// Logger receives debug/error events. A no-op logger is used if nil.
	Logger *zap.Logger
}

func (o *Options) setDefaults() {
	if o.CommonName == "" {
		o.CommonName = "forwardtap intercepting proxy CA"
	}
	if o.LeafLifetime <= 0 {
		o.LeafLifetime = 14 * 24 * time.Hour
	}
	if o.LeafCacheSize <= 0 {
		o.LeafCacheSize = 1024
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Authority loads/creates a root CA and mints per-host leaf certificates
// from it, caching the results.
type Authority struct {
	opts Options

	rootCert *x509.Certificate
	rootKey  crypto.Signer

	leafCache *lru.Cache[string, *leafEntry]
	inflight  singleflight.Group
}

type leafEntry struct {
	cert tls.Certificate
}

// NewAuthority loads the root key+cert from opts.Store, generating and
// persisting a new self-signed root if the store is empty.
func NewAuthority(opts Options) (*Authority, error) {
	opts.setDefaults()

	a := &Authority{opts: opts}

	cache, err := lru.New[string, *leafEntry](opts.LeafCacheSize)
	if err != nil {
		return nil, fmt.Errorf("forwardtap/ca: allocating leaf cache: %w", err)
	}
	a.leafCache = cache

	if opts.Store != nil {
		certPEM, keyPEM, err := opts.Store.Load()
		switch {
		case err == nil:
			if err := a.loadRoot(certPEM, keyPEM); err != nil {
				return nil, fmt.Errorf("forwardtap/ca: loading root: %w", err)
			}
			opts.Logger.Debug("loaded existing root CA")
			return a, nil
		case errors.Is(err, ErrNotExist):
			// fall through to generation below
		default:
			return nil, fmt.Errorf("forwardtap/ca: reading root store: %w", err)
		}
	}

	if err := a.generateRoot(); err != nil {
		return nil, fmt.Errorf("forwardtap/ca: generating root: %w", err)
	}

	if opts.Store != nil {
		certPEM, keyPEM, err := a.marshalRoot()
		if err != nil {
			return nil, fmt.Errorf("forwardtap/ca: marshaling new root: %w", err)
		}
		if err := opts.Store.Save(certPEM, keyPEM); err != nil {
			return nil, fmt.Errorf("forwardtap/ca: persisting new root: %w", err)
		}
	}
	opts.Logger.Info("generated new root CA", zap.String("common_name", opts.CommonName))

	return a, nil
}

func (a *Authority) loadRoot(certPEM, keyPEM []byte) error {
	cert, err := pemutil.ParseCertificate(certPEM)
	if err != nil {
		return err
	}
	// FileStore and MemoryStore hand back one combined PEM for both
	// arguments, so skip any certificate blocks ahead of the key block.
	for rest := keyPEM; ; {
		block, next := pem.Decode(rest)
		if block == nil {
			return fmt.Errorf("no private key block in root PEM")
		}
		rest = next
		if block.Type != "CERTIFICATE" {
			keyPEM = pem.EncodeToMemory(block)
			break
		}
	}
	key, err := pemutil.Parse(keyPEM)
	if err != nil {
		return err
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return fmt.Errorf("root key does not implement crypto.Signer")
	}
	a.rootCert = cert
	a.rootKey = signer
	return nil
}

func (a *Authority) generateRoot() error {
	signer, err := keyutil.GenerateDefaultSigner()
	if err != nil {
		return err
	}

	serial, err := randomSerial()
	if err != nil {
		return err
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: a.opts.CommonName, Organization: []string{"forwardtap"}},
		NotBefore:             now.Add(-leafNotBeforeSkew),
		NotAfter:              now.AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        false,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, signer.Public(), signer)
	if err != nil {
		return err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return err
	}

	a.rootCert = cert
	a.rootKey = signer
	return nil
}

func (a *Authority) marshalRoot() (certPEM, keyPEM []byte, err error) {
	certBlock, err := pemutil.Serialize(a.rootCert)
	if err != nil {
		return nil, nil, err
	}
	keyBlock, err := pemutil.Serialize(a.rootKey)
	if err != nil {
		return nil, nil, err
	}
	return pemEncode(certBlock), pemEncode(keyBlock), nil
}

// MintLeaf returns a leaf certificate for hostname, signed by the root.
// If wildcard is true and hostname has at least two DNS labels, the
// effective subject becomes "*.parent-domain" and the cache key collapses
// to the parent domain, so every subdomain of the same parent shares one
// minted certificate. wildcardUseParent is accepted but has no effect:
// neither the subject, the SAN list nor the cache key depends on it.
func (a *Authority) MintLeaf(hostname string, wildcard, wildcardUseParent bool) (tls.Certificate, error) {
	subject, cacheKey := leafSubject(hostname, wildcard, wildcardUseParent)

	if entry, ok := a.leafCache.Get(cacheKey); ok {
		return entry.cert, nil
	}

	v, err, _ := a.inflight.Do(cacheKey, func() (any, error) {
		// Re-check after winning the singleflight race: another caller
		// may have finished minting this key while we were blocked.
		if entry, ok := a.leafCache.Get(cacheKey); ok {
			return entry, nil
		}
		entry, err := a.mintLeafLocked(hostname, subject)
		if err != nil {
			return nil, err
		}
		a.leafCache.Add(cacheKey, entry)
		return entry, nil
	})
	if err != nil {
		return tls.Certificate{}, err
	}
	return v.(*leafEntry).cert, nil
}

func (a *Authority) mintLeafLocked(hostname, subject string) (*leafEntry, error) {
	signer, err := keyutil.GenerateDefaultSigner()
	if err != nil {
		return nil, err
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: subject},
		NotBefore:    now.Add(-leafNotBeforeSkew),
		NotAfter:     now.Add(a.opts.LeafLifetime),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(hostname); ip != nil {
		tmpl.IPAddresses = []net.IP{ip}
	} else {
		tmpl.DNSNames = []string{subject}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, a.rootCert, signer.Public(), a.rootKey)
	if err != nil {
		return nil, err
	}

	a.opts.Logger.Debug("minted leaf certificate", zap.String("subject", subject), zap.String("hostname", hostname))

	return &leafEntry{
		cert: tls.Certificate{
			Certificate: [][]byte{der, a.rootCert.Raw},
			PrivateKey:  signer,
			Leaf:        nil, // left nil; crypto/tls parses it lazily when needed
		},
	}, nil
}

// leafSubject applies the wildcard-collapsing rule from the spec: with
// wildcard minting enabled and a hostname carrying at least two labels,
// the subject becomes "*.parent" and the cache key is the parent domain;
// otherwise both subject and cache key are the literal hostname.
func leafSubject(hostname string, wildcard, wildcardUseParent bool) (subject, cacheKey string) {
	if !wildcard || net.ParseIP(hostname) != nil {
		return hostname, hostname
	}
	labels := strings.Split(hostname, ".")
	if len(labels) < 2 {
		return hostname, hostname
	}
	parent := strings.Join(labels[1:], ".")
	if wildcardUseParent {
		return "*." + parent, parent
	}
	return "*." + parent, parent
}

// RootPEM returns the root certificate in PEM form, for the cert
// downloader app.
func (a *Authority) RootPEM() ([]byte, error) {
	block, err := pemutil.Serialize(a.rootCert)
	if err != nil {
		return nil, err
	}
	return pemEncode(block), nil
}

// RootCert returns the parsed root certificate.
func (a *Authority) RootCert() *x509.Certificate { return a.rootCert }

func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	return rand.Int(rand.Reader, limit)
}

func pemEncode(block *pem.Block) []byte {
	return pem.EncodeToMemory(block)
}
