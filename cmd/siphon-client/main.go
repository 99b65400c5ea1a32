package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/siphon-tunnel/siphon/internal/client"
	"github.com/siphon-tunnel/siphon/internal/config"
	"github.com/siphon-tunnel/siphon/internal/obs"
	"github.com/siphon-tunnel/siphon/internal/secret"
	"github.com/siphon-tunnel/siphon/internal/wire"
)

func main() {
	cfg := config.LoadClientConfig()
	if cfg.Debug {
		obs.EnableDebug(true)
	}
	obs.Info("client.start", obs.Fields{"server": cfg.ServerAddr, "kind": cfg.Kind, "target": cfg.Target})

	resolver := secret.New()
	tlsConfig, err := loadClientTLS(cfg, resolver)
	if err != nil {
		obs.Error("client.tls", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}

	kind := wire.KindHTTP
	if cfg.Kind == "tcp" {
		kind = wire.KindTCP
	}

	c := client.New(client.Config{
		ServerAddr:         cfg.ServerAddr,
		TLSConfig:          tlsConfig,
		Kind:               kind,
		RequestedSubdomain: cfg.Subdomain,
		Target:             cfg.Target,
		DialTimeout:        cfg.DialTimeout,
		MaxInFlight:        cfg.MaxInFlight,
		ReconnectBackoff:   cfg.ReconnectBackoff,
		StripHost:          cfg.StripHost,
		HostRewrite:        cfg.HostRewrite,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c.Run(ctx)
	obs.Info("client.shutdown.complete", obs.Fields{})
}

func loadClientTLS(cfg *config.ClientConfig, resolver secret.Resolver) (*tls.Config, error) {
	certPEM, err := resolver.Resolve(cfg.CertURI)
	if err != nil {
		return nil, fmt.Errorf("resolve client cert: %w", err)
	}
	keyPEM, err := resolver.Resolve(cfg.KeyURI)
	if err != nil {
		return nil, fmt.Errorf("resolve client key: %w", err)
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse client keypair: %w", err)
	}

	caPEM, err := resolver.Resolve(cfg.CACertURI)
	if err != nil {
		return nil, fmt.Errorf("resolve server ca cert: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("server ca cert: no certificates parsed from %s", cfg.CACertURI)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
	}, nil
}
