package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/flowpbx/voicerelay/internal/extract"
	"github.com/flowpbx/voicerelay/internal/relay"
	"github.com/flowpbx/voicerelay/internal/webhook"
)

// ActiveRelaysProvider exposes the number of calls currently relayed.
type ActiveRelaysProvider interface {
	Count() int
}

// StoreCounter exposes the size of the session store.
type StoreCounter interface {
	Counts() (sessions, records int)
}

// RelayStatsProvider exposes relay counters.
type RelayStatsProvider interface {
	Stats() *relay.Stats
}

// ExtractStatsProvider exposes extraction counters.
type ExtractStatsProvider interface {
	Stats() *extract.Stats
}

// WebhookStatsProvider exposes webhook delivery counts.
type WebhookStatsProvider interface {
	Snapshot(kind webhook.Kind) (delivered, failed uint64)
}

// Collector is a prometheus.Collector that gathers relay metrics at scrape time.
type Collector struct {
	activeRelays ActiveRelaysProvider
	store        StoreCounter
	relays       RelayStatsProvider
	extraction   ExtractStatsProvider
	webhooks     WebhookStatsProvider
	startTime    time.Time

	activeRelaysDesc *prometheus.Desc
	sessionsDesc     *prometheus.Desc
	recordsDesc      *prometheus.Desc
	relaysDesc       *prometheus.Desc
	framesDesc       *prometheus.Desc
	hangUpsDesc      *prometheus.Desc
	handoffsDesc     *prometheus.Desc
	extractionsDesc  *prometheus.Desc
	webhooksDesc     *prometheus.Desc
	uptimeDesc       *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if unavailable.
func NewCollector(
	activeRelays ActiveRelaysProvider,
	store StoreCounter,
	relays RelayStatsProvider,
	extraction ExtractStatsProvider,
	webhooks WebhookStatsProvider,
	startTime time.Time,
) *Collector {
	return &Collector{
		activeRelays: activeRelays,
		store:        store,
		relays:       relays,
		extraction:   extraction,
		webhooks:     webhooks,
		startTime:    startTime,

		activeRelaysDesc: prometheus.NewDesc(
			"voicerelay_active_relays",
			"Number of calls whose audio is currently relayed to the AI",
			nil, nil,
		),
		sessionsDesc: prometheus.NewDesc(
			"voicerelay_bound_sessions",
			"Number of media stream sessions bound to a call",
			nil, nil,
		),
		recordsDesc: prometheus.NewDesc(
			"voicerelay_call_records",
			"Number of call records awaiting finalization",
			nil, nil,
		),
		relaysDesc: prometheus.NewDesc(
			"voicerelay_relays_total",
			"Media stream connections by outcome",
			[]string{"outcome"}, nil,
		),
		framesDesc: prometheus.NewDesc(
			"voicerelay_relay_frames_total",
			"Audio frames relayed by direction",
			[]string{"direction"}, nil,
		),
		hangUpsDesc: prometheus.NewDesc(
			"voicerelay_agent_hangups_total",
			"Calls hung up at the agent's request",
			nil, nil,
		),
		handoffsDesc: prometheus.NewDesc(
			"voicerelay_transcript_handoffs_total",
			"Transcripts handed to the extraction pipeline",
			nil, nil,
		),
		extractionsDesc: prometheus.NewDesc(
			"voicerelay_extractions_total",
			"Transcript extractions by outcome",
			[]string{"outcome"}, nil,
		),
		webhooksDesc: prometheus.NewDesc(
			"voicerelay_webhooks_total",
			"Webhook deliveries by endpoint and outcome",
			[]string{"kind", "outcome"}, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"voicerelay_uptime_seconds",
			"Seconds since the process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeRelaysDesc
	ch <- c.sessionsDesc
	ch <- c.recordsDesc
	ch <- c.relaysDesc
	ch <- c.framesDesc
	ch <- c.hangUpsDesc
	ch <- c.handoffsDesc
	ch <- c.extractionsDesc
	ch <- c.webhooksDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.activeRelays != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeRelaysDesc, prometheus.GaugeValue,
			float64(c.activeRelays.Count()),
		)
	}

	if c.store != nil {
		sessions, records := c.store.Counts()
		ch <- prometheus.MustNewConstMetric(c.sessionsDesc, prometheus.GaugeValue, float64(sessions))
		ch <- prometheus.MustNewConstMetric(c.recordsDesc, prometheus.GaugeValue, float64(records))
	}

	if c.relays != nil {
		st := c.relays.Stats()
		counter := func(desc *prometheus.Desc, v uint64, labels ...string) {
			ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v), labels...)
		}
		counter(c.relaysDesc, st.Started.Load(), "started")
		counter(c.relaysDesc, st.Rejected.Load(), "rejected")
		counter(c.framesDesc, st.FramesToAI.Load(), "to_ai")
		counter(c.framesDesc, st.FramesToCaller.Load(), "to_caller")
		counter(c.framesDesc, st.FramesDropped.Load(), "dropped")
		counter(c.hangUpsDesc, st.HangUps.Load())
		counter(c.handoffsDesc, st.Handoffs.Load())
	}

	if c.extraction != nil {
		st := c.extraction.Stats()
		for outcome, v := range map[string]uint64{
			"succeeded": st.Succeeded.Load(),
			"rejected":  st.Rejected.Load(),
			"failed":    st.Failed.Load(),
			"orphaned":  st.Orphaned.Load(),
		} {
			ch <- prometheus.MustNewConstMetric(c.extractionsDesc, prometheus.CounterValue, float64(v), outcome)
		}
	}

	if c.webhooks != nil {
		for _, kind := range []webhook.Kind{webhook.KindResult, webhook.KindStatus} {
			delivered, failed := c.webhooks.Snapshot(kind)
			ch <- prometheus.MustNewConstMetric(c.webhooksDesc, prometheus.CounterValue, float64(delivered), string(kind), "delivered")
			ch <- prometheus.MustNewConstMetric(c.webhooksDesc, prometheus.CounterValue, float64(failed), string(kind), "failed")
		}
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
