package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions        = promauto.NewGauge(prometheus.GaugeOpts{Name: "portbroker_active_sessions", Help: "Connected client sessions"})
	ActiveListeners       = promauto.NewGauge(prometheus.GaugeOpts{Name: "portbroker_active_listeners", Help: "Listeners in the Active state"})
	ActiveBridges         = promauto.NewGauge(prometheus.GaugeOpts{Name: "portbroker_active_bridges", Help: "Inbound connection bridges currently registered"})
	OpenSockets           = promauto.NewGauge(prometheus.GaugeOpts{Name: "portbroker_open_sockets", Help: "Listening sockets held by the data plane"})
	RegistrationsTotal    = promauto.NewCounterVec(prometheus.CounterOpts{Name: "portbroker_registrations_total", Help: "Registration responses by kind and result code"}, []string{"kind", "result"})
	ListenerTransitions   = promauto.NewCounterVec(prometheus.CounterOpts{Name: "portbroker_listener_transitions_total", Help: "Listener lifecycle transitions"}, []string{"to"})
	BridgeEstablished     = promauto.NewCounter(prometheus.CounterOpts{Name: "portbroker_bridge_established_total", Help: "Bridges spliced to a client data connection"})
	BridgeTimeoutTotal    = promauto.NewCounter(prometheus.CounterOpts{Name: "portbroker_bridge_timeout_total", Help: "Bridges closed before the client dialed back"})
	ErrorsTotal           = promauto.NewCounterVec(prometheus.CounterOpts{Name: "portbroker_errors_total", Help: "Errors by type"}, []string{"type"})
	BridgeDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{Name: "portbroker_bridge_duration_seconds", Help: "Bridge lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
)
