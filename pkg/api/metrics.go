package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	metricSessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hatchpod",
		Name:      "sessions_created_total",
		Help:      "Sessions created since process start.",
	})
	metricActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "hatchpod",
		Name:      "sessions_active",
		Help:      "Live sessions currently held by the registry.",
	})
	metricWSClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "hatchpod",
		Name:      "ws_clients",
		Help:      "WebSocket clients currently attached to session streams.",
	})
	metricApprovals = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hatchpod",
		Name:      "tool_approvals_total",
		Help:      "Tool approval decisions by outcome.",
	}, []string{"outcome"})
	metricFramesSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hatchpod",
		Name:      "frames_sent_total",
		Help:      "Frames delivered to WebSocket subscribers.",
	})
)

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	metricActiveSessions.Set(float64(s.registry.Live()))
	promhttp.Handler().ServeHTTP(w, r)
}
