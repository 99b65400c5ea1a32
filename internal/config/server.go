// Package config resolves server and client runtime configuration:
// environment variables supply each option's default and a flag given
// on the command line overrides it (§6, §9.1), generalizing the teacher's cmd/server/config.go and
// cmd/client/config.go flag-registration pattern onto an env-lookup
// layer with the SIPHON_ prefix.
package config

import (
	"flag"
	"os"
	"strconv"
	"time"
)

// ServerConfig holds every server-side option from spec §6's table.
type ServerConfig struct {
	BaseDomain    string
	ControlPort   string
	HTTPPort      string
	TCPPortStart  uint16
	TCPPortEnd    uint16
	BindHost      string

	CertURI   string
	KeyURI    string
	CACertURI string

	HTTPCertURI string
	HTTPKeyURI  string

	AutoOriginCA bool

	CloudflareAPIToken string
	CloudflareZoneID   string

	ServerIP     string
	ServerCNAME  string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	MetricsAddr string
	Debug       bool

	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	PongTimeout      time.Duration
	GoawayDrain      time.Duration

	GlobalConnLimit    int
	PerTunnelConnLimit int
	GlobalReqLimit     int
	PerTunnelReqLimit  int
	RateLimitBurst     int
}

// LoadServerConfig resolves a ServerConfig from the environment first
// (SIPHON_<UPPER_SNAKE>), then registers a flag for each option (some
// under shorter names, e.g. -domain, -control, -http, -bind) so a
// developer running the binary locally can override without exporting
// variables (teacher's init()-registers-then-Parse pattern).
func LoadServerConfig() *ServerConfig {
	c := &ServerConfig{
		ControlPort:      envOr("SIPHON_CONTROL_PORT", ":9000"),
		HTTPPort:         envOr("SIPHON_HTTP_PORT", ":8443"),
		BindHost:         envOr("SIPHON_BIND_HOST", "0.0.0.0"),
		TCPPortStart:     envUint16Or("SIPHON_TCP_PORT_START", 10000),
		TCPPortEnd:       envUint16Or("SIPHON_TCP_PORT_END", 10999),
		BaseDomain:       envOr("SIPHON_BASE_DOMAIN", ""),
		CertURI:          envOr("SIPHON_CERT", ""),
		KeyURI:           envOr("SIPHON_KEY", ""),
		CACertURI:        envOr("SIPHON_CA_CERT", ""),
		HTTPCertURI:      envOr("SIPHON_HTTP_CERT", ""),
		HTTPKeyURI:       envOr("SIPHON_HTTP_KEY", ""),
		AutoOriginCA:     envBoolOr("SIPHON_AUTO_ORIGIN_CA", false),
		CloudflareAPIToken: envOr("SIPHON_CLOUDFLARE_API_TOKEN", ""),
		CloudflareZoneID:   envOr("SIPHON_CLOUDFLARE_ZONE_ID", ""),
		ServerIP:         envOr("SIPHON_SERVER_IP", ""),
		ServerCNAME:      envOr("SIPHON_SERVER_CNAME", ""),
		RedisAddr:        envOr("SIPHON_REDIS_ADDR", ""),
		RedisPassword:    envOr("SIPHON_REDIS_PASSWORD", ""),
		RedisDB:          int(envUint16Or("SIPHON_REDIS_DB", 0)),
		MetricsAddr:      envOr("SIPHON_METRICS_ADDR", ":9100"),
		Debug:            envBoolOr("SIPHON_DEBUG", false),
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		PongTimeout:      10 * time.Second,
		GoawayDrain:      30 * time.Second,

		GlobalConnLimit:    int(envUint16Or("SIPHON_GLOBAL_CONN_LIMIT", 0)),
		PerTunnelConnLimit: int(envUint16Or("SIPHON_PER_TUNNEL_CONN_LIMIT", 5)),
		GlobalReqLimit:     int(envUint16Or("SIPHON_GLOBAL_REQ_LIMIT", 0)),
		PerTunnelReqLimit:  int(envUint16Or("SIPHON_PER_TUNNEL_REQ_LIMIT", 200)),
		RateLimitBurst:     int(envUint16Or("SIPHON_RATE_LIMIT_BURST", 20)),
	}

	flag.StringVar(&c.BaseDomain, "domain", c.BaseDomain, "base wildcard domain for HTTP tunnel subdomains")
	flag.StringVar(&c.ControlPort, "control", c.ControlPort, "address for client control connections")
	flag.StringVar(&c.HTTPPort, "http", c.HTTPPort, "public HTTP data plane listen address")
	flag.StringVar(&c.BindHost, "bind", c.BindHost, "bind address for all listeners")
	flag.StringVar(&c.CertURI, "cert", c.CertURI, "server mTLS certificate secret reference")
	flag.StringVar(&c.KeyURI, "key", c.KeyURI, "server mTLS private key secret reference")
	flag.StringVar(&c.CACertURI, "ca-cert", c.CACertURI, "client certificate CA secret reference")
	flag.StringVar(&c.HTTPCertURI, "http-cert", c.HTTPCertURI, "public HTTP data plane certificate secret reference")
	flag.StringVar(&c.HTTPKeyURI, "http-key", c.HTTPKeyURI, "public HTTP data plane private key secret reference")
	flag.BoolVar(&c.AutoOriginCA, "auto-origin-ca", c.AutoOriginCA, "parsed but not acted on: public TLS material always comes from -http-cert/-http-key")
	flag.StringVar(&c.CloudflareAPIToken, "cloudflare-api-token", c.CloudflareAPIToken, "Cloudflare API token secret reference")
	flag.StringVar(&c.CloudflareZoneID, "cloudflare-zone-id", c.CloudflareZoneID, "Cloudflare zone id")
	flag.StringVar(&c.ServerIP, "server-ip", c.ServerIP, "DNS target A record IP for HTTP subdomains")
	flag.StringVar(&c.ServerCNAME, "server-cname", c.ServerCNAME, "DNS target CNAME for HTTP subdomains")
	flag.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "Redis address for horizontally-scaled registry (empty = in-memory)")
	flag.StringVar(&c.RedisPassword, "redis-password", c.RedisPassword, "Redis password")
	flag.StringVar(&c.MetricsAddr, "metrics", c.MetricsAddr, "metrics and health listen address")
	flag.BoolVar(&c.Debug, "debug", c.Debug, "enable debug logs")

	var tcpStart, tcpEnd uint
	flag.UintVar(&tcpStart, "tcp-port-start", uint(c.TCPPortStart), "start of the TCP tunnel port pool (inclusive)")
	flag.UintVar(&tcpEnd, "tcp-port-end", uint(c.TCPPortEnd), "end of the TCP tunnel port pool (inclusive)")
	flag.IntVar(&c.GlobalConnLimit, "global-conn-limit", c.GlobalConnLimit, "global control-connection rate limit per second (0 disables)")
	flag.IntVar(&c.PerTunnelConnLimit, "per-tunnel-conn-limit", c.PerTunnelConnLimit, "per-tunnel control-connection rate limit per second (0 disables)")
	flag.IntVar(&c.GlobalReqLimit, "global-req-limit", c.GlobalReqLimit, "global stream-open rate limit per second (0 disables)")
	flag.IntVar(&c.PerTunnelReqLimit, "per-tunnel-req-limit", c.PerTunnelReqLimit, "per-tunnel stream-open rate limit per second (0 disables)")
	flag.IntVar(&c.RateLimitBurst, "rate-limit-burst", c.RateLimitBurst, "token bucket burst size shared by all rate limits")
	flag.Parse()
	c.TCPPortStart = uint16(tcpStart)
	c.TCPPortEnd = uint16(tcpEnd)

	return c
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func envBoolOr(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envUint16Or(key string, fallback uint16) uint16 {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.ParseUint(v, 10, 16)
	if err != nil {
		return fallback
	}
	return uint16(n)
}
