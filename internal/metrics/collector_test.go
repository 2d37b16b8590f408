package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistry_SeriesAreShared(t *testing.T) {
	r := NewRegistry()
	r.Counter("x_total", "x").Inc()
	r.Counter("x_total", "x").Add(2)
	require.Equal(t, int64(3), r.Counter("x_total", "x").Value())

	vec := r.GaugeVec("subs", "subs", "channel")
	vec.With("messages").Inc()
	vec.With("messages").Inc()
	vec.With("emails").Inc()
	require.Equal(t, int64(2), vec.With("messages").Value())
}

func TestRegistry_KindMismatchPanics(t *testing.T) {
	r := NewRegistry()
	r.Counter("dup", "d")
	require.Panics(t, func() { r.Gauge("dup", "d") })
}

func TestRegistry_TextExposition(t *testing.T) {
	req := require.New(t)
	r := NewRegistry()
	r.CounterVec("relay_webhooks_total", "webhooks", "kind").With("call").Inc()
	r.GaugeVec("relay_subscribers", "subs", "channel").With("messages").Set(4)
	h := r.HistogramVec("relay_latency_seconds", "latency", "provider", []float64{5, 1, 1})
	h.With("twilio").Observe(2)
	h.With("twilio").Observe(0.5)
	h.With("twilio").Observe(30)

	rec := httptest.NewRecorder()
	r.Handler()(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()

	req.Contains(rec.Header().Get("Content-Type"), "text/plain")
	req.Contains(body, `relay_webhooks_total{kind="call"} 1`)
	req.Contains(body, `relay_subscribers{channel="messages"} 4`)
	req.Contains(body, `relay_latency_seconds_bucket{provider="twilio",le="1"} 1`)
	req.Contains(body, `relay_latency_seconds_bucket{provider="twilio",le="5"} 2`)
	req.Contains(body, `relay_latency_seconds_bucket{provider="twilio",le="+Inf"} 3`)
	req.Contains(body, `relay_latency_seconds_count{provider="twilio"} 3`)
	req.Contains(body, `relay_latency_seconds_sum{provider="twilio"} 32.5`)
	req.Contains(body, "commsrelay_uptime_seconds")

	// families render in name order
	req.Less(strings.Index(body, "relay_latency_seconds"), strings.Index(body, "relay_subscribers"))
	req.Less(strings.Index(body, "relay_subscribers"), strings.Index(body, "relay_webhooks_total"))
}

func TestRegistry_EmptyFamilyOmitted(t *testing.T) {
	r := NewRegistry()
	r.CounterVec("unused_total", "never touched", "channel")

	var sb strings.Builder
	require.NoError(t, r.WriteText(&sb))
	require.NotContains(t, sb.String(), "unused_total")
}

func TestLabelValuesEscaped(t *testing.T) {
	r := NewRegistry()
	r.CounterVec("esc_total", "e", "name").With(`a"b`).Inc()

	var sb strings.Builder
	require.NoError(t, r.WriteText(&sb))
	require.Contains(t, sb.String(), `esc_total{name="a\"b"} 1`)
}
