package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Event names. Everything the relay counts goes through one counter vector
// with an `event` label.
const (
	EventConnOpened   = "conn_opened"
	EventConnClosed   = "conn_closed"
	EventJoin         = "join"
	EventRejoin       = "rejoin"
	EventLeave        = "leave"
	EventRoomFull     = "room_full"
	EventRoomCreated  = "room_created"
	EventRoomPruned   = "room_pruned"
	EventSignalDirect = "signal_direct"
	EventSignalQueued = "signal_queued"
	EventSignalFanout = "signal_fanout"
	EventFanoutError  = "fanout_error"
	EventQueueFlushed = "queue_flushed"

	DropReasonMalformed       = "drop_malformed"
	DropReasonBinaryFrame     = "drop_binary_frame"
	DropReasonOversize        = "drop_oversize"
	DropReasonNotJoined       = "drop_not_joined"
	DropReasonAlreadyJoined   = "drop_already_joined"
	DropReasonMissingPeerID   = "drop_missing_peer_id"
	DropReasonIDTooLong       = "drop_id_too_long"
	DropReasonUnknownType     = "drop_unknown_type"
	DropReasonNoTarget        = "drop_no_target"
	DropReasonSelfTarget      = "drop_self_target"
	DropReasonRateLimited     = "drop_rate_limited"
	DropReasonTransport       = "drop_transport"
	DropReasonSlowConsumer    = "drop_slow_consumer"
	DropReasonOriginForbidden = "drop_origin_forbidden"
)

// Metrics owns a private Prometheus registry so tests and multiple servers in
// one process never collide on the default registerer.
//
// All methods are safe on a nil receiver.
type Metrics struct {
	reg    *prometheus.Registry
	events *prometheus.CounterVec
	rooms  prometheus.Gauge
	peers  prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aero_webrtc_signaling_events_total",
			Help: "Signaling relay event counters.",
		}, []string{"event"}),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aero_webrtc_signaling_rooms",
			Help: "Rooms currently held by the registry.",
		}),
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aero_webrtc_signaling_peers",
			Help: "Peers currently registered across all rooms.",
		}),
	}
	m.reg.MustRegister(m.events, m.rooms, m.peers)
	return m
}

func (m *Metrics) Inc(name string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(name).Inc()
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(name).Add(float64(delta))
}

// Get returns the current value of an event counter.
func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	var out dto.Metric
	if err := m.events.WithLabelValues(name).Write(&out); err != nil {
		return 0
	}
	return uint64(out.GetCounter().GetValue())
}

func (m *Metrics) RoomOpened() {
	if m != nil {
		m.rooms.Inc()
	}
}

func (m *Metrics) RoomClosed() {
	if m != nil {
		m.rooms.Dec()
	}
}

func (m *Metrics) PeerAdded() {
	if m != nil {
		m.peers.Inc()
	}
}

func (m *Metrics) PeerRemoved() {
	if m != nil {
		m.peers.Dec()
	}
}

// Gauges returns the current room and peer gauges.
func (m *Metrics) Gauges() (rooms, peers int) {
	if m == nil {
		return 0, 0
	}
	var r, p dto.Metric
	_ = m.rooms.Write(&r)
	_ = m.peers.Write(&p)
	return int(r.GetGauge().GetValue()), int(p.GetGauge().GetValue())
}

// Handler serves the registry in Prometheus' exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
		})
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
