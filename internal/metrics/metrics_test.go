package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMetrics_CountersAndGauges(t *testing.T) {
	m := New()
	m.Inc(EventJoin)
	m.Inc(EventJoin)
	m.Add(DropReasonMalformed, 3)
	m.RoomOpened()
	m.PeerAdded()
	m.PeerAdded()
	m.PeerRemoved()

	if got := m.Get(EventJoin); got != 2 {
		t.Fatalf("join=%d, want 2", got)
	}
	if got := m.Get(DropReasonMalformed); got != 3 {
		t.Fatalf("malformed=%d, want 3", got)
	}
	if got := m.Get("never_seen"); got != 0 {
		t.Fatalf("never_seen=%d, want 0", got)
	}
	rooms, peers := m.Gauges()
	if rooms != 1 || peers != 1 {
		t.Fatalf("gauges rooms=%d peers=%d, want 1 1", rooms, peers)
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.Inc(EventJoin)
	m.RoomOpened()
	if got := m.Get(EventJoin); got != 0 {
		t.Fatalf("nil Get=%d", got)
	}

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d, want %d", rr.Code, http.StatusInternalServerError)
	}
}

func TestHandler_ExposesRegistry(t *testing.T) {
	m := New()
	m.Inc(EventRoomFull)
	m.RoomOpened()

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d, want %d", rr.Code, http.StatusOK)
	}

	body := rr.Body.String()
	for _, want := range []string{
		"# TYPE aero_webrtc_signaling_events_total counter",
		`aero_webrtc_signaling_events_total{event="room_full"} 1`,
		"aero_webrtc_signaling_rooms 1",
		"aero_webrtc_signaling_peers 0",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in:\n%s", want, body)
		}
	}
}
