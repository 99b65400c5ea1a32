package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveTunnels            = promauto.NewGauge(prometheus.GaugeOpts{Name: "siphon_active_tunnels", Help: "Currently registered tunnels"})
	ActiveStreams            = promauto.NewGauge(prometheus.GaugeOpts{Name: "siphon_active_streams", Help: "Currently open logical streams across all tunnels"})
	TunnelEstablishedTotal   = promauto.NewCounter(prometheus.CounterOpts{Name: "siphon_tunnel_established_total", Help: "Tunnels successfully handshaked"})
	TunnelHandshakeErrTotal  = promauto.NewCounterVec(prometheus.CounterOpts{Name: "siphon_tunnel_handshake_errors_total", Help: "Handshake rejections by error code"}, []string{"code"})
	StreamResetTotal         = promauto.NewCounterVec(prometheus.CounterOpts{Name: "siphon_stream_reset_total", Help: "Streams reset by reason"}, []string{"reason"})
	BytesTotal               = promauto.NewCounterVec(prometheus.CounterOpts{Name: "siphon_bytes_total", Help: "Bytes relayed by direction"}, []string{"direction"})
	TunnelDurationSeconds    = promauto.NewHistogram(prometheus.HistogramOpts{Name: "siphon_tunnel_duration_seconds", Help: "Tunnel lifetime seconds", Buckets: prometheus.ExponentialBuckets(1, 2, 16)})
	ErrorsTotal              = promauto.NewCounterVec(prometheus.CounterOpts{Name: "siphon_errors_total", Help: "Errors by kind"}, []string{"kind"})
)
