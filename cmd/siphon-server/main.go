package main

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/siphon-tunnel/siphon/internal/config"
	"github.com/siphon-tunnel/siphon/internal/controlplane"
	"github.com/siphon-tunnel/siphon/internal/dataplane"
	"github.com/siphon-tunnel/siphon/internal/dnsprovider"
	"github.com/siphon-tunnel/siphon/internal/obs"
	"github.com/siphon-tunnel/siphon/internal/ratelimit"
	"github.com/siphon-tunnel/siphon/internal/registry"
	"github.com/siphon-tunnel/siphon/internal/secret"
)

func main() {
	cfg := config.LoadServerConfig()
	if cfg.Debug {
		obs.EnableDebug(true)
	}
	obs.Info("server.start", obs.Fields{"control": cfg.ControlPort, "http": cfg.HTTPPort, "domain": cfg.BaseDomain})

	resolver := secret.New()
	controlTLS, err := loadControlTLS(cfg, resolver)
	if err != nil {
		obs.Error("server.tls.control", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
	publicTLS, err := loadPublicTLS(cfg, resolver)
	if err != nil {
		obs.Error("server.tls.public", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}

	reg, err := newRegistry(cfg)
	if err != nil {
		obs.Error("server.registry", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
	pool := registry.NewPortPool(cfg.TCPPortStart, cfg.TCPPortEnd)

	var dns dnsprovider.Provisioner
	if cfg.CloudflareAPIToken != "" && cfg.CloudflareZoneID != "" {
		token, err := resolver.Resolve(cfg.CloudflareAPIToken)
		if err != nil {
			obs.Error("server.dns.token", obs.Fields{"err": err.Error()})
			os.Exit(1)
		}
		target := dnsprovider.DNSTarget{IP: cfg.ServerIP, CNAME: cfg.ServerCNAME}
		dns = dnsprovider.NewCloudflareProvisioner(string(token), cfg.CloudflareZoneID, cfg.BaseDomain, target, true)
	}

	rl := ratelimit.NewRateLimiter(cfg.GlobalConnLimit, cfg.PerTunnelConnLimit, cfg.GlobalReqLimit, cfg.PerTunnelReqLimit, cfg.RateLimitBurst)
	tcpFront := dataplane.NewTCPFront(cfg.BindHost, rl)
	httpFront := dataplane.NewHTTPFront(reg, cfg.BaseDomain, dataplane.WithRateLimit(rl))

	cp := controlplane.New(controlplane.Config{
		TLSConfig:        controlTLS,
		Registry:         reg,
		PortPool:         pool,
		DNS:              dns,
		DNSTarget:        cfg.ServerIP,
		RateLimit:        rl,
		TCPFront:         tcpFront,
		HandshakeTimeout: cfg.HandshakeTimeout,
		PingInterval:     cfg.PingInterval,
		PongTimeout:      cfg.PongTimeout,
		GoawayDrain:      cfg.GoawayDrain,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	controlLn, err := net.Listen("tcp", net.JoinHostPort(cfg.BindHost, trimColon(cfg.ControlPort)))
	if err != nil {
		obs.Error("server.listen.control", obs.Fields{"err": err.Error(), "addr": cfg.ControlPort})
		os.Exit(1)
	}
	publicLn, err := net.Listen("tcp", net.JoinHostPort(cfg.BindHost, trimColon(cfg.HTTPPort)))
	if err != nil {
		obs.Error("server.listen.public", obs.Fields{"err": err.Error(), "addr": cfg.HTTPPort})
		os.Exit(1)
	}
	publicTLSLn := tls.NewListener(publicLn, publicTLS)

	var ready atomic.Bool
	go startMetricsServer(cfg.MetricsAddr, &ready)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = cp.Serve(ctx, controlLn) }()
	go func() { defer wg.Done(); _ = httpFront.Serve(ctx, publicTLSLn) }()

	ready.Store(true)
	obs.Info("server.ready", obs.Fields{})

	<-ctx.Done()
	obs.Info("server.shutdown.signal", obs.Fields{})
	_ = controlLn.Close()
	_ = publicLn.Close()
	cp.Close()
	wg.Wait()
	obs.Info("server.shutdown.complete", obs.Fields{})
}

func newRegistry(cfg *config.ServerConfig) (registry.Store, error) {
	if cfg.RedisAddr == "" {
		return registry.NewMemory(), nil
	}
	return registry.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
}

func trimColon(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		return addr[1:]
	}
	return addr
}

func startMetricsServer(addr string, ready *atomic.Bool) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		obs.Error("server.metrics", obs.Fields{"err": err.Error(), "addr": addr})
	}
}
