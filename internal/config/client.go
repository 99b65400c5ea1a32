package config

import (
	"flag"
	"time"
)

// ClientConfig holds client-side runtime configuration: where to dial
// the relay, what to expose locally, and how hard to retry.
type ClientConfig struct {
	ServerAddr string
	Kind       string // "http" | "tcp"
	Subdomain  string
	Target     string

	CertURI   string
	KeyURI    string
	CACertURI string

	DialTimeout      time.Duration
	MaxInFlight      int
	ReconnectBackoff time.Duration
	Debug            bool

	StripHost   bool
	HostRewrite string
}

// LoadClientConfig resolves client configuration the same
// environment-first way as LoadServerConfig, generalizing the
// teacher's cmd/client/config.go init()-registers-then-Parse pattern.
func LoadClientConfig() *ClientConfig {
	c := &ClientConfig{
		ServerAddr:       envOr("SIPHON_SERVER_ADDR", "127.0.0.1:9000"),
		Kind:             envOr("SIPHON_KIND", "http"),
		Subdomain:        envOr("SIPHON_SUBDOMAIN", ""),
		Target:           envOr("SIPHON_TARGET", "127.0.0.1:3000"),
		CertURI:          envOr("SIPHON_CLIENT_CERT", ""),
		KeyURI:           envOr("SIPHON_CLIENT_KEY", ""),
		CACertURI:        envOr("SIPHON_CLIENT_CA_CERT", ""),
		DialTimeout:      500 * time.Millisecond,
		MaxInFlight:      1024,
		ReconnectBackoff: 2 * time.Second,
		Debug:            envBoolOr("SIPHON_DEBUG", false),
		StripHost:        envBoolOr("SIPHON_STRIP_HOST", false),
		HostRewrite:      envOr("SIPHON_HOST_REWRITE", ""),
	}

	flag.StringVar(&c.ServerAddr, "server", c.ServerAddr, "relay server control address")
	flag.StringVar(&c.Kind, "kind", c.Kind, "tunnel kind: http or tcp")
	flag.StringVar(&c.Subdomain, "subdomain", c.Subdomain, "requested subdomain for an http tunnel")
	flag.StringVar(&c.Target, "target", c.Target, "local address to expose")
	flag.StringVar(&c.CertURI, "cert", c.CertURI, "client mTLS certificate secret reference")
	flag.StringVar(&c.KeyURI, "key", c.KeyURI, "client mTLS private key secret reference")
	flag.StringVar(&c.CACertURI, "ca-cert", c.CACertURI, "server CA certificate secret reference")
	flag.DurationVar(&c.DialTimeout, "dial-timeout", c.DialTimeout, "timeout dialing the local target per stream")
	flag.IntVar(&c.MaxInFlight, "max-in-flight", c.MaxInFlight, "maximum concurrent relayed streams")
	flag.DurationVar(&c.ReconnectBackoff, "reconnect-backoff", c.ReconnectBackoff, "delay between reconnect attempts")
	flag.BoolVar(&c.Debug, "debug", c.Debug, "enable debug logs")
	flag.BoolVar(&c.StripHost, "strip-host", c.StripHost, "remove Host header before forwarding to the local target")
	flag.StringVar(&c.HostRewrite, "host-rewrite", c.HostRewrite, "rewrite Host header to this value before forwarding")
	flag.Parse()

	return c
}
