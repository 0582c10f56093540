package monitoring

import (
	"time"

	"callkit/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	sessionsActive   prometheus.Gauge
	networkMode      prometheus.Gauge
	degradationLevel prometheus.Gauge
	lanPeers         prometheus.Gauge

	reconnectsTotal     prometheus.Counter
	fallbacksTotal      prometheus.Counter
	signalBytesSaved    prometheus.Counter
	killSwitchTriggered prometheus.Counter

	callDuration  prometheus.Histogram
	setupDuration prometheus.Histogram
	iceRTT        prometheus.Histogram

	callState *prometheus.GaugeVec
}

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		sessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "callkit_sessions_active",
			Help: "Number of live call sessions",
		}),

		networkMode: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "callkit_network_mode",
			Help: "Current network mode (0=offline .. 4=high)",
		}),

		degradationLevel: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "callkit_degradation_level",
			Help: "Current degradation ladder level (0=store-forward .. 5=hd-video)",
		}),

		lanPeers: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "callkit_lan_peers",
			Help: "Peers currently visible on the LAN",
		}),

		reconnectsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "callkit_ice_reconnects_total",
			Help: "Total ICE recovery attempts",
		}),

		fallbacksTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "callkit_degradation_fallbacks_total",
			Help: "Total times the degradation ladder started stepping down",
		}),

		signalBytesSaved: promauto.NewCounter(prometheus.CounterOpts{
			Name: "callkit_signal_bytes_saved_total",
			Help: "Bytes removed from signaling by compression and pruning",
		}),

		killSwitchTriggered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "callkit_video_killswitch_total",
			Help: "Times the video kill-switch disabled outbound video",
		}),

		callDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "callkit_call_duration_seconds",
			Help:    "Duration of completed calls",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),

		setupDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "callkit_call_setup_duration_seconds",
			Help:    "Time from start to connected",
			Buckets: []float64{0.5, 1, 2, 5, 10, 15, 30},
		}),

		iceRTT: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "callkit_ice_rtt_seconds",
			Help:    "Round-trip time sampled from the active candidate pair",
			Buckets: []float64{0.01, 0.05, 0.1, 0.3, 0.5, 1, 2},
		}),

		callState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "callkit_call_state",
			Help: "Per-call lifecycle state (1 = in this state)",
		}, []string{"call_id", "state"}),
	}
}

func (p *PrometheusCollector) RecordSessionStarted(callID string) {
	p.sessionsActive.Inc()
	p.callState.WithLabelValues(callID, string(domain.CallConnecting)).Set(1)
}

func (p *PrometheusCollector) RecordSessionState(callID string, state domain.CallState) {
	for _, s := range []domain.CallState{domain.CallConnecting, domain.CallWaiting, domain.CallConnected, domain.CallFailed, domain.CallEnded} {
		p.callState.WithLabelValues(callID, string(s)).Set(0)
	}
	p.callState.WithLabelValues(callID, string(state)).Set(1)
}

func (p *PrometheusCollector) RecordSessionEnded(callID string, duration time.Duration) {
	p.sessionsActive.Dec()
	p.callDuration.Observe(duration.Seconds())

	for _, s := range []domain.CallState{domain.CallConnecting, domain.CallWaiting, domain.CallConnected, domain.CallFailed, domain.CallEnded} {
		p.callState.DeleteLabelValues(callID, string(s))
	}
}

func (p *PrometheusCollector) RecordSetupDuration(duration time.Duration) {
	p.setupDuration.Observe(duration.Seconds())
}

func (p *PrometheusCollector) RecordNetworkMode(mode domain.NetworkMode) {
	p.networkMode.Set(float64(mode))
}

func (p *PrometheusCollector) RecordDegradationLevel(level domain.DegradationLevel) {
	p.degradationLevel.Set(float64(level))
}

func (p *PrometheusCollector) RecordFallback() {
	p.fallbacksTotal.Inc()
}

func (p *PrometheusCollector) RecordReconnectAttempt() {
	p.reconnectsTotal.Inc()
}

func (p *PrometheusCollector) RecordKillSwitch() {
	p.killSwitchTriggered.Inc()
}

func (p *PrometheusCollector) RecordSignalBytesSaved(bytes int) {
	if bytes > 0 {
		p.signalBytesSaved.Add(float64(bytes))
	}
}

func (p *PrometheusCollector) RecordLANPeers(count int) {
	p.lanPeers.Set(float64(count))
}

func (p *PrometheusCollector) RecordICERTT(rtt time.Duration) {
	p.iceRTT.Observe(rtt.Seconds())
}
