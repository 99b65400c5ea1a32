package main

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"

	"github.com/siphon-tunnel/siphon/internal/config"
	"github.com/siphon-tunnel/siphon/internal/secret"
)

// loadControlTLS builds the mTLS config for the control listener: the
// relay's own certificate plus a client CA pool every tunnel client's
// leaf certificate must chain to (§4.1 transport security).
func loadControlTLS(cfg *config.ServerConfig, resolver secret.Resolver) (*tls.Config, error) {
	cert, err := loadKeyPair(resolver, cfg.CertURI, cfg.KeyURI)
	if err != nil {
		return nil, fmt.Errorf("control cert: %w", err)
	}
	caPEM, err := resolver.Resolve(cfg.CACertURI)
	if err != nil {
		return nil, fmt.Errorf("control ca cert: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("control ca cert: no certificates parsed from %s", cfg.CACertURI)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
	}, nil
}

// loadPublicTLS builds the server-only TLS config for the public HTTP
// data plane (no client certificate required).
func loadPublicTLS(cfg *config.ServerConfig, resolver secret.Resolver) (*tls.Config, error) {
	cert, err := loadKeyPair(resolver, cfg.HTTPCertURI, cfg.HTTPKeyURI)
	if err != nil {
		return nil, fmt.Errorf("public cert: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

func loadKeyPair(resolver secret.Resolver, certURI, keyURI string) (tls.Certificate, error) {
	certPEM, err := resolver.Resolve(certURI)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("resolve cert: %w", err)
	}
	keyPEM, err := resolver.Resolve(keyURI)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("resolve key: %w", err)
	}
	return tls.X509KeyPair(certPEM, keyPEM)
}
