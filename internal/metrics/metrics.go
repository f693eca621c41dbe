// Package metrics exposes wellcall state as Prometheus metrics gathered at
// scrape time.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bianca-health/wellcall/internal/call"
	"github.com/bianca-health/wellcall/internal/database/models"
	"github.com/bianca-health/wellcall/internal/media"
	"github.com/bianca-health/wellcall/internal/sip"
)

// CallStatsProvider exposes call manager counters.
type CallStatsProvider interface {
	Stats() call.Stats
}

// MediaStatsProvider exposes RTP endpoint counters.
type MediaStatsProvider interface {
	ActiveCount() int
	ReleasedCount() uint64
	AggregateStats() media.Stats
}

// EventStreamStatus exposes the call-control event stream health.
type EventStreamStatus interface {
	Connected() bool
	Duplicates() uint64
}

// ProbeStatusProvider exposes the media server probe result.
type ProbeStatusProvider interface {
	Status() sip.ProbeStatus
}

// Collector is a prometheus.Collector that gathers wellcall metrics at
// scrape time.
type Collector struct {
	calls     CallStatsProvider
	media     MediaStatsProvider
	events    EventStreamStatus
	probe     ProbeStatusProvider
	startTime time.Time

	activeCallsDesc      *prometheus.Desc
	callsStartedDesc     *prometheus.Desc
	callOutcomesDesc     *prometheus.Desc
	alertsDesc           *prometheus.Desc
	retriesDesc          *prometheus.Desc
	rtpEndpointsDesc     *prometheus.Desc
	rtpReleasedDesc      *prometheus.Desc
	rtpPacketsDesc       *prometheus.Desc
	rtpBytesDesc         *prometheus.Desc
	rtpDroppedDesc       *prometheus.Desc
	eventStreamUpDesc    *prometheus.Desc
	eventDuplicatesDesc  *prometheus.Desc
	mediaServerUpDesc    *prometheus.Desc
	mediaServerProbeDesc *prometheus.Desc
	uptimeDesc           *prometheus.Desc
}

// NewCollector creates a collector. Any provider may be nil if unavailable.
func NewCollector(calls CallStatsProvider, media MediaStatsProvider, events EventStreamStatus, probe ProbeStatusProvider, startTime time.Time) *Collector {
	return &Collector{
		calls:     calls,
		media:     media,
		events:    events,
		probe:     probe,
		startTime: startTime,

		activeCallsDesc: prometheus.NewDesc(
			"wellcall_active_calls",
			"Number of call attempts currently in progress",
			nil, nil,
		),
		callsStartedDesc: prometheus.NewDesc(
			"wellcall_calls_started_total",
			"Total dial attempts started",
			nil, nil,
		),
		callOutcomesDesc: prometheus.NewDesc(
			"wellcall_calls_total",
			"Total call attempts by terminal outcome",
			[]string{"outcome"}, nil,
		),
		alertsDesc: prometheus.NewDesc(
			"wellcall_alerts_total",
			"Emergency alert changes by kind",
			[]string{"kind"}, nil,
		),
		retriesDesc: prometheus.NewDesc(
			"wellcall_retries_total",
			"Retry decisions by result",
			[]string{"result"}, nil,
		),
		rtpEndpointsDesc: prometheus.NewDesc(
			"wellcall_rtp_endpoints_active",
			"Number of open RTP endpoints",
			nil, nil,
		),
		rtpReleasedDesc: prometheus.NewDesc(
			"wellcall_rtp_endpoints_released_total",
			"Total RTP endpoints released",
			nil, nil,
		),
		rtpPacketsDesc: prometheus.NewDesc(
			"wellcall_rtp_packets_total",
			"Total RTP packets by direction",
			[]string{"direction"}, nil,
		),
		rtpBytesDesc: prometheus.NewDesc(
			"wellcall_rtp_bytes_total",
			"Total RTP bytes by direction",
			[]string{"direction"}, nil,
		),
		rtpDroppedDesc: prometheus.NewDesc(
			"wellcall_rtp_packets_dropped_total",
			"Total RTP packets dropped",
			nil, nil,
		),
		eventStreamUpDesc: prometheus.NewDesc(
			"wellcall_ari_event_stream_up",
			"Whether the call-control event stream is connected (1) or not (0)",
			nil, nil,
		),
		eventDuplicatesDesc: prometheus.NewDesc(
			"wellcall_ari_duplicate_events_total",
			"Total redelivered call-control events filtered",
			nil, nil,
		),
		mediaServerUpDesc: prometheus.NewDesc(
			"wellcall_media_server_up",
			"Result of the last media server OPTIONS probe (1=healthy)",
			nil, nil,
		),
		mediaServerProbeDesc: prometheus.NewDesc(
			"wellcall_media_server_probe_seconds",
			"Latency of the last media server OPTIONS probe",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"wellcall_uptime_seconds",
			"Seconds since the wellcall process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.callsStartedDesc
	ch <- c.callOutcomesDesc
	ch <- c.alertsDesc
	ch <- c.retriesDesc
	ch <- c.rtpEndpointsDesc
	ch <- c.rtpReleasedDesc
	ch <- c.rtpPacketsDesc
	ch <- c.rtpBytesDesc
	ch <- c.rtpDroppedDesc
	ch <- c.eventStreamUpDesc
	ch <- c.eventDuplicatesDesc
	ch <- c.mediaServerUpDesc
	ch <- c.mediaServerProbeDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.calls != nil {
		st := c.calls.Stats()
		ch <- prometheus.MustNewConstMetric(c.activeCallsDesc, prometheus.GaugeValue, float64(st.Active))
		ch <- prometheus.MustNewConstMetric(c.callsStartedDesc, prometheus.CounterValue, float64(st.Started))
		for _, o := range models.Outcomes {
			ch <- prometheus.MustNewConstMetric(c.callOutcomesDesc, prometheus.CounterValue,
				float64(st.Outcomes[o]), string(o))
		}
		ch <- prometheus.MustNewConstMetric(c.alertsDesc, prometheus.CounterValue, float64(st.AlertsCreated), "created")
		ch <- prometheus.MustNewConstMetric(c.alertsDesc, prometheus.CounterValue, float64(st.AlertsUpdated), "updated")
		ch <- prometheus.MustNewConstMetric(c.retriesDesc, prometheus.CounterValue, float64(st.RetriesScheduled), "scheduled")
		ch <- prometheus.MustNewConstMetric(c.retriesDesc, prometheus.CounterValue, float64(st.RetriesExhausted), "exhausted")
	}

	if c.media != nil {
		st := c.media.AggregateStats()
		ch <- prometheus.MustNewConstMetric(c.rtpEndpointsDesc, prometheus.GaugeValue, float64(c.media.ActiveCount()))
		ch <- prometheus.MustNewConstMetric(c.rtpReleasedDesc, prometheus.CounterValue, float64(c.media.ReleasedCount()))
		ch <- prometheus.MustNewConstMetric(c.rtpPacketsDesc, prometheus.CounterValue, float64(st.PacketsIn), "in")
		ch <- prometheus.MustNewConstMetric(c.rtpPacketsDesc, prometheus.CounterValue, float64(st.PacketsOut), "out")
		ch <- prometheus.MustNewConstMetric(c.rtpBytesDesc, prometheus.CounterValue, float64(st.BytesIn), "in")
		ch <- prometheus.MustNewConstMetric(c.rtpBytesDesc, prometheus.CounterValue, float64(st.BytesOut), "out")
		ch <- prometheus.MustNewConstMetric(c.rtpDroppedDesc, prometheus.CounterValue, float64(st.Dropped))
	}

	if c.events != nil {
		ch <- prometheus.MustNewConstMetric(c.eventStreamUpDesc, prometheus.GaugeValue, boolValue(c.events.Connected()))
		ch <- prometheus.MustNewConstMetric(c.eventDuplicatesDesc, prometheus.CounterValue, float64(c.events.Duplicates()))
	}

	if c.probe != nil {
		st := c.probe.Status()
		if !st.CheckedAt.IsZero() {
			ch <- prometheus.MustNewConstMetric(c.mediaServerUpDesc, prometheus.GaugeValue, boolValue(st.Healthy))
			ch <- prometheus.MustNewConstMetric(c.mediaServerProbeDesc, prometheus.GaugeValue, st.Latency.Seconds())
		}
	}

	ch <- prometheus.MustNewConstMetric(c.uptimeDesc, prometheus.GaugeValue, time.Since(c.startTime).Seconds())
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
