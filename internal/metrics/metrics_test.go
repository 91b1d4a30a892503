package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowpbx/voicerelay/internal/extract"
	"github.com/flowpbx/voicerelay/internal/relay"
	"github.com/flowpbx/voicerelay/internal/webhook"
)

type fixedRelays int

func (n fixedRelays) Count() int { return int(n) }

type fixedStore struct{ sessions, records int }

func (s fixedStore) Counts() (int, int) { return s.sessions, s.records }

type relayStats struct{ st relay.Stats }

func (r *relayStats) Stats() *relay.Stats { return &r.st }

type extractStats struct{ st extract.Stats }

func (e *extractStats) Stats() *extract.Stats { return &e.st }

type webhookStats map[webhook.Kind][2]uint64

func (w webhookStats) Snapshot(kind webhook.Kind) (uint64, uint64) {
	return w[kind][0], w[kind][1]
}

func scrape(t *testing.T, c prometheus.Collector) string {
	t.Helper()
	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("Register: %v", err)
	}
	srv := httptest.NewServer(promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return string(body)
}

func TestCollector(t *testing.T) {
	rs := &relayStats{}
	rs.st.Started.Add(3)
	rs.st.Rejected.Add(1)
	rs.st.FramesToAI.Add(120)
	rs.st.FramesToCaller.Add(80)
	rs.st.HangUps.Add(1)
	rs.st.Handoffs.Add(2)

	es := &extractStats{}
	es.st.Succeeded.Add(2)
	es.st.Rejected.Add(1)

	c := NewCollector(fixedRelays(2), fixedStore{3, 4}, rs, es,
		webhookStats{webhook.KindResult: {2, 0}, webhook.KindStatus: {5, 1}},
		time.Now().Add(-time.Minute))

	body := scrape(t, c)
	for _, want := range []string{
		"voicerelay_active_relays 2",
		"voicerelay_bound_sessions 3",
		"voicerelay_call_records 4",
		`voicerelay_relays_total{outcome="started"} 3`,
		`voicerelay_relays_total{outcome="rejected"} 1`,
		`voicerelay_relay_frames_total{direction="to_ai"} 120`,
		`voicerelay_relay_frames_total{direction="to_caller"} 80`,
		`voicerelay_relay_frames_total{direction="dropped"} 0`,
		"voicerelay_agent_hangups_total 1",
		"voicerelay_transcript_handoffs_total 2",
		`voicerelay_extractions_total{outcome="succeeded"} 2`,
		`voicerelay_extractions_total{outcome="rejected"} 1`,
		`voicerelay_webhooks_total{kind="call-status",outcome="delivered"} 5`,
		`voicerelay_webhooks_total{kind="call-status",outcome="failed"} 1`,
		"voicerelay_uptime_seconds",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestCollectorNilProviders(t *testing.T) {
	body := scrape(t, NewCollector(nil, nil, nil, nil, nil, time.Now()))
	if !strings.Contains(body, "voicerelay_uptime_seconds") {
		t.Error("uptime missing")
	}
	if strings.Contains(body, "voicerelay_active_relays") {
		t.Error("active relays reported without a provider")
	}
}
