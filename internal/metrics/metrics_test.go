package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/bianca-health/wellcall/internal/call"
	"github.com/bianca-health/wellcall/internal/database/models"
	"github.com/bianca-health/wellcall/internal/media"
	"github.com/bianca-health/wellcall/internal/sip"
)

type fakeCalls struct{ st call.Stats }

func (f fakeCalls) Stats() call.Stats { return f.st }

type fakeMedia struct{}

func (fakeMedia) ActiveCount() int      { return 2 }
func (fakeMedia) ReleasedCount() uint64 { return 7 }
func (fakeMedia) AggregateStats() media.Stats {
	return media.Stats{PacketsIn: 100, PacketsOut: 90, BytesIn: 17200, BytesOut: 15480, Dropped: 3}
}

type fakeEvents struct{}

func (fakeEvents) Connected() bool    { return true }
func (fakeEvents) Duplicates() uint64 { return 4 }

type fakeProbe struct{ st sip.ProbeStatus }

func (f fakeProbe) Status() sip.ProbeStatus { return f.st }

func gather(t *testing.T, c prometheus.Collector) map[string][]*dto.Metric {
	t.Helper()
	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	out := make(map[string][]*dto.Metric)
	for _, f := range families {
		out[f.GetName()] = f.GetMetric()
	}
	return out
}

func labelValue(m *dto.Metric, name string) string {
	for _, l := range m.GetLabel() {
		if l.GetName() == name {
			return l.GetValue()
		}
	}
	return ""
}

func TestCollector(t *testing.T) {
	calls := fakeCalls{st: call.Stats{
		Active:           1,
		Started:          12,
		Outcomes:         map[models.Outcome]uint64{models.OutcomeCompleted: 8, models.OutcomeBusy: 3},
		AlertsCreated:    2,
		AlertsUpdated:    5,
		RetriesScheduled: 3,
	}}
	probe := fakeProbe{st: sip.ProbeStatus{Healthy: true, CheckedAt: time.Now(), Latency: 20 * time.Millisecond}}
	c := NewCollector(calls, fakeMedia{}, fakeEvents{}, probe, time.Now().Add(-time.Minute))

	got := gather(t, c)

	if v := got["wellcall_active_calls"][0].GetGauge().GetValue(); v != 1 {
		t.Errorf("wellcall_active_calls = %v, want 1", v)
	}
	outcomes := got["wellcall_calls_total"]
	if len(outcomes) != len(models.Outcomes) {
		t.Fatalf("wellcall_calls_total has %d series, want %d", len(outcomes), len(models.Outcomes))
	}
	for _, m := range outcomes {
		want := map[string]float64{"completed": 8, "busy": 3}[labelValue(m, "outcome")]
		if v := m.GetCounter().GetValue(); v != want {
			t.Errorf("calls_total{outcome=%q} = %v, want %v", labelValue(m, "outcome"), v, want)
		}
	}
	if v := got["wellcall_rtp_endpoints_active"][0].GetGauge().GetValue(); v != 2 {
		t.Errorf("wellcall_rtp_endpoints_active = %v, want 2", v)
	}
	if v := got["wellcall_rtp_packets_dropped_total"][0].GetCounter().GetValue(); v != 3 {
		t.Errorf("wellcall_rtp_packets_dropped_total = %v, want 3", v)
	}
	if v := got["wellcall_ari_event_stream_up"][0].GetGauge().GetValue(); v != 1 {
		t.Errorf("wellcall_ari_event_stream_up = %v, want 1", v)
	}
	if v := got["wellcall_media_server_up"][0].GetGauge().GetValue(); v != 1 {
		t.Errorf("wellcall_media_server_up = %v, want 1", v)
	}
	if v := got["wellcall_uptime_seconds"][0].GetGauge().GetValue(); v < 59 {
		t.Errorf("wellcall_uptime_seconds = %v, want >= 59", v)
	}
}

func TestCollectorNilProviders(t *testing.T) {
	got := gather(t, NewCollector(nil, nil, nil, nil, time.Now()))
	if len(got) != 1 {
		names := make([]string, 0, len(got))
		for n := range got {
			names = append(names, n)
		}
		t.Errorf("families = %s, want only uptime", strings.Join(names, ","))
	}
}

func TestCollectorSkipsUncheckedProbe(t *testing.T) {
	got := gather(t, NewCollector(nil, nil, nil, fakeProbe{}, time.Now()))
	if _, ok := got["wellcall_media_server_up"]; ok {
		t.Error("probe metrics should be absent before the first check")
	}
}
