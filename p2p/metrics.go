package p2p

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "chainnet/p2p"

var (
	metricsInitOnce sync.Once
	sharedMetrics   *networkMetrics
)

type networkMetrics struct {
	sessions       *prometheus.GaugeVec
	disconnects    *prometheus.CounterVec
	peerScore      *prometheus.GaugeVec
	peerLatency    *prometheus.GaugeVec
	knownPeers     prometheus.Gauge
	activeBans     prometheus.Gauge
	penalties      *prometheus.CounterVec
	messages       *prometheus.CounterVec
	dials          *prometheus.CounterVec
	discovered     *prometheus.CounterVec
	storeDegraded  prometheus.Gauge
	storeErrors    *prometheus.CounterVec
	eventsDropped  prometheus.Counter
	admissionFails *prometheus.CounterVec

	messageCounter metric.Int64Counter
	dialCounter    metric.Int64Counter
	rttHistogram   metric.Float64Histogram
}

func newNetworkMetrics() *networkMetrics {
	metricsInitOnce.Do(func() {
		nm := &networkMetrics{
			sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "chainnet_p2p_sessions",
				Help: "Live sessions by direction.",
			}, []string{"direction"}),
			disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "chainnet_p2p_disconnects_total",
				Help: "Closed sessions by reason.",
			}, []string{"reason"}),
			peerScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "chainnet_p2p_peer_score",
				Help: "Reputation score per connected peer.",
			}, []string{"peer"}),
			peerLatency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "chainnet_p2p_peer_latency_ms",
				Help: "Ping round-trip exponential moving average per connected peer.",
			}, []string{"peer"}),
			knownPeers: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "chainnet_p2p_known_peers",
				Help: "Peers tracked by the peer store.",
			}),
			activeBans: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "chainnet_p2p_active_bans",
				Help: "Ban entries currently installed.",
			}),
			penalties: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "chainnet_p2p_penalties_total",
				Help: "Score penalties applied by kind.",
			}, []string{"kind"}),
			messages: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "chainnet_p2p_messages_total",
				Help: "Frames routed by direction and protocol.",
			}, []string{"direction", "protocol"}),
			dials: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "chainnet_p2p_dials_total",
				Help: "Outbound dial outcomes.",
			}, []string{"result"}),
			discovered: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "chainnet_p2p_discovery_addresses_total",
				Help: "Gossiped addresses by outcome.",
			}, []string{"result"}),
			storeDegraded: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "chainnet_p2p_store_degraded",
				Help: "1 when the address book is running without durable persistence.",
			}),
			storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "chainnet_p2p_store_errors_total",
				Help: "Address book persistence failures by operation.",
			}, []string{"op"}),
			eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "chainnet_p2p_events_dropped_total",
				Help: "Network events dropped because a subscriber fell behind.",
			}),
			admissionFails: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "chainnet_p2p_admission_rejected_total",
				Help: "Connections rejected at admission by cause.",
			}, []string{"cause"}),
		}
		prometheus.MustRegister(nm.sessions, nm.disconnects, nm.peerScore, nm.peerLatency,
			nm.knownPeers, nm.activeBans, nm.penalties, nm.messages, nm.dials, nm.discovered,
			nm.storeDegraded, nm.storeErrors, nm.eventsDropped, nm.admissionFails)
		nm.initMeter()
		sharedMetrics = nm
	})
	return sharedMetrics
}

func (m *networkMetrics) initMeter() {
	meter := otel.GetMeterProvider().Meter(meterName)
	fallback := noop.NewMeterProvider().Meter(meterName)
	var err error
	if m.messageCounter, err = meter.Int64Counter("chainnet.p2p.messages"); err != nil {
		m.messageCounter, _ = fallback.Int64Counter("chainnet.p2p.messages")
	}
	if m.dialCounter, err = meter.Int64Counter("chainnet.p2p.dials"); err != nil {
		m.dialCounter, _ = fallback.Int64Counter("chainnet.p2p.dials")
	}
	if m.rttHistogram, err = meter.Float64Histogram("chainnet.p2p.ping_rtt_ms"); err != nil {
		m.rttHistogram, _ = fallback.Float64Histogram("chainnet.p2p.ping_rtt_ms")
	}
}

func (m *networkMetrics) setSessions(inbound, outbound int) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(DirectionInbound.String()).Set(float64(inbound))
	m.sessions.WithLabelValues(DirectionOutbound.String()).Set(float64(outbound))
}

func (m *networkMetrics) recordDisconnect(reason DisconnectReason) {
	if m == nil {
		return
	}
	m.disconnects.WithLabelValues(string(reason)).Inc()
}

func (m *networkMetrics) observePeer(rec PeerRecord) {
	if m == nil || rec.ID == "" {
		return
	}
	m.peerScore.WithLabelValues(string(rec.ID)).Set(float64(rec.Score))
	if rec.LatencyEWMA > 0 {
		m.peerLatency.WithLabelValues(string(rec.ID)).Set(float64(rec.LatencyEWMA) / float64(time.Millisecond))
	}
}

func (m *networkMetrics) removePeer(id NodeID) {
	if m == nil || id == "" {
		return
	}
	m.peerScore.DeleteLabelValues(string(id))
	m.peerLatency.DeleteLabelValues(string(id))
}

func (m *networkMetrics) setKnownPeers(n int) {
	if m == nil {
		return
	}
	m.knownPeers.Set(float64(n))
}

func (m *networkMetrics) setActiveBans(n int) {
	if m == nil {
		return
	}
	m.activeBans.Set(float64(n))
}

func (m *networkMetrics) recordPenalty(kind string) {
	if m == nil {
		return
	}
	m.penalties.WithLabelValues(kind).Inc()
}

func (m *networkMetrics) recordMessage(direction string, protocol ProtocolID) {
	if m == nil {
		return
	}
	label := protocol.String()
	m.messages.WithLabelValues(direction, label).Inc()
	if m.messageCounter != nil {
		m.messageCounter.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("direction", direction),
			attribute.String("protocol", label),
		))
	}
}

func (m *networkMetrics) recordDial(result string) {
	if m == nil {
		return
	}
	m.dials.WithLabelValues(result).Inc()
	if m.dialCounter != nil {
		m.dialCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("result", result)))
	}
}

func (m *networkMetrics) recordRTT(rtt time.Duration) {
	if m == nil || m.rttHistogram == nil {
		return
	}
	m.rttHistogram.Record(context.Background(), float64(rtt)/float64(time.Millisecond))
}

func (m *networkMetrics) recordDiscovered(result string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.discovered.WithLabelValues(result).Add(float64(n))
}

func (m *networkMetrics) setStoreDegraded(degraded bool) {
	if m == nil {
		return
	}
	if degraded {
		m.storeDegraded.Set(1)
		return
	}
	m.storeDegraded.Set(0)
}

func (m *networkMetrics) recordStoreError(op string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(op).Inc()
}

func (m *networkMetrics) recordEventDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}

func (m *networkMetrics) recordAdmissionRejected(cause string) {
	if m == nil {
		return
	}
	m.admissionFails.WithLabelValues(cause).Inc()
}
