package ca

import (
	"crypto/rand"
	"crypto/x509"

	"software.sslmate.com/src/go-pkcs12"
)

// RootPKCS12 encodes the root certificate as a trust-store-only PFX
// bundle (certificate, no key) suitable for import into a client trust
// store, per spec.md §4.G's "/download/p12" endpoint. password protects
// the bundle; most browsers/OSes accept an empty password for a
// trust-store-only import.
func (a *Authority) RootPKCS12(password string) ([]byte, error) {
	return pkcs12.EncodeTrustStore(rand.Reader, []*x509.Certificate{a.RootCert()}, password)
}
