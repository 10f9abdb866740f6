package forwardtap

import (
	"context"
	"net/http"

	"github.com/caddyserver/forwardtap/ca"
)

// pemMIME and p12MIME are the MIME types spec.md §4.G and §6 require for
// the two download endpoints.
const (
	pemMIME = "application/x-x509-ca-cert"
	p12MIME = "application/x-pkcs12"
)

// downloaderApp is the auxiliary App (spec.md §4.G) mounted on the
// proxy's own host, recognizing exactly "/download/pem" and
// "/download/p12"; any other path falls through via ErrNotHandled. It
// lives here rather than in package ca so that ca — which middleware.go
// imports — never needs to import this package back for the
// ResponseWriter/Env contract.
type downloaderApp struct {
	authority      *ca.Authority
	pkcs12Password string
}

func (d *downloaderApp) ServeProxy(_ context.Context, rw ResponseWriter, env *Env) error {
	switch env.RequestURI {
	case "/download/pem":
		body, err := d.authority.RootPEM()
		if err != nil {
			rw.WriteStatus("500 Internal Server Error", http.Header{})
			return err
		}
		header := http.Header{"Content-Type": {pemMIME}}
		rw.WriteStatus("200 OK", header)
		_, err = rw.Write(body)
		return err

	case "/download/p12":
		body, err := d.authority.RootPKCS12(d.pkcs12Password)
		if err != nil {
			rw.WriteStatus("500 Internal Server Error", http.Header{})
			return err
		}
		header := http.Header{"Content-Type": {p12MIME}}
		rw.WriteStatus("200 OK", header)
		_, err = rw.Write(body)
		return err

	default:
		return ErrNotHandled
	}
}

var _ App = (*downloaderApp)(nil)
