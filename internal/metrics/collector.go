// Package metrics keeps the relay's counters, gauges and histograms and
// renders them in the Prometheus text exposition format.
package metrics

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector is the process-wide registry served on the metrics route.
var Collector = NewRegistry()

type kind string

const (
	kindCounter   kind = "counter"
	kindGauge     kind = "gauge"
	kindHistogram kind = "histogram"
)

// Registry holds metric families keyed by name. A family has at most one
// label; unlabeled metrics are the series with an empty label value.
type Registry struct {
	mu       sync.Mutex
	families map[string]*family
	start    time.Time
}

func NewRegistry() *Registry {
	return &Registry{families: make(map[string]*family), start: time.Now()}
}

type family struct {
	name    string
	help    string
	kind    kind
	label   string
	buckets []float64

	mu     sync.Mutex
	series map[string]any
}

// family returns the registered family or creates it. Re-registering a
// name with a different kind panics; that is a programming error.
func (r *Registry) family(name, help string, k kind, label string, buckets []float64) *family {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.families[name]; ok {
		if f.kind != k || f.label != label {
			panic(fmt.Sprintf("metrics: %s re-registered as %s{%s}", name, k, label))
		}
		return f
	}
	f := &family{name: name, help: help, kind: k, label: label, buckets: buckets, series: make(map[string]any)}
	r.families[name] = f
	return f
}

func (f *family) with(value string) any {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.series[value]; ok {
		return s
	}
	var s any
	switch f.kind {
	case kindCounter:
		s = &Counter{}
	case kindGauge:
		s = &Gauge{}
	case kindHistogram:
		s = &Histogram{bounds: f.buckets, counts: make([]uint64, len(f.buckets))}
	}
	f.series[value] = s
	return s
}

// Counter only goes up.
type Counter struct{ v atomic.Int64 }

func (c *Counter) Inc() { c.v.Add(1) }
func (c *Counter) Add(n int64) { c.v.Add(n) }
func (c *Counter) Value() int64 { return c.v.Load() }

type Gauge struct{ v atomic.Int64 }

func (g *Gauge) Set(n int64) { g.v.Store(n) }
func (g *Gauge) Inc() { g.v.Add(1) }
func (g *Gauge) Dec() { g.v.Add(-1) }
func (g *Gauge) Value() int64 { return g.v.Load() }

// Histogram counts observations per upper bound. Counts are stored per
// bucket and made cumulative when rendered.
type Histogram struct {
	mu     sync.Mutex
	bounds []float64
	counts []uint64
	total  uint64
	sum    float64
}

func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.total++
	h.sum += v
	if i := sort.SearchFloat64s(h.bounds, v); i < len(h.bounds) {
		h.counts[i]++
	}
}

// Count returns the number of observations.
func (h *Histogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.total
}

type CounterVec struct{ f *family }

func (v CounterVec) With(value string) *Counter { return v.f.with(value).(*Counter) }

type GaugeVec struct{ f *family }

func (v GaugeVec) With(value string) *Gauge { return v.f.with(value).(*Gauge) }

type HistogramVec struct{ f *family }

func (v HistogramVec) With(value string) *Histogram { return v.f.with(value).(*Histogram) }

func (r *Registry) Counter(name, help string) *Counter {
	return r.family(name, help, kindCounter, "", nil).with("").(*Counter)
}

func (r *Registry) CounterVec(name, help, label string) CounterVec {
	return CounterVec{r.family(name, help, kindCounter, label, nil)}
}

func (r *Registry) Gauge(name, help string) *Gauge {
	return r.family(name, help, kindGauge, "", nil).with("").(*Gauge)
}

func (r *Registry) GaugeVec(name, help, label string) GaugeVec {
	return GaugeVec{r.family(name, help, kindGauge, label, nil)}
}

func (r *Registry) Histogram(name, help string, buckets []float64) *Histogram {
	return r.family(name, help, kindHistogram, "", sortedBounds(buckets)).with("").(*Histogram)
}

func (r *Registry) HistogramVec(name, help, label string, buckets []float64) HistogramVec {
	return HistogramVec{r.family(name, help, kindHistogram, label, sortedBounds(buckets))}
}

func sortedBounds(b []float64) []float64 {
	out := slices.Clone(b)
	slices.Sort(out)
	return slices.Compact(out)
}

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

// labels renders {label="value"} with extra pairs appended, or "" when
// there is nothing to render.
func (f *family) labels(value string, extra ...string) string {
	var pairs []string
	if f.label != "" {
		pairs = append(pairs, f.label+`="`+labelEscaper.Replace(value)+`"`)
	}
	for i := 0; i+1 < len(extra); i += 2 {
		pairs = append(pairs, extra[i]+`="`+extra[i+1]+`"`)
	}
	if len(pairs) == 0 {
		return ""
	}
	return "{" + strings.Join(pairs, ",") + "}"
}

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

func (f *family) write(w *bufio.Writer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.series) == 0 {
		return
	}
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s %s\n", f.name, f.help, f.name, f.kind)

	values := make([]string, 0, len(f.series))
	for v := range f.series {
		values = append(values, v)
	}
	sort.Strings(values)

	for _, v := range values {
		switch s := f.series[v].(type) {
		case *Counter:
			fmt.Fprintf(w, "%s%s %d\n", f.name, f.labels(v), s.Value())
		case *Gauge:
			fmt.Fprintf(w, "%s%s %d\n", f.name, f.labels(v), s.Value())
		case *Histogram:
			s.mu.Lock()
			var cum uint64
			for i, le := range s.bounds {
				cum += s.counts[i]
				fmt.Fprintf(w, "%s_bucket%s %d\n", f.name, f.labels(v, "le", formatFloat(le)), cum)
			}
			fmt.Fprintf(w, "%s_bucket%s %d\n", f.name, f.labels(v, "le", "+Inf"), s.total)
			fmt.Fprintf(w, "%s_sum%s %s\n", f.name, f.labels(v), formatFloat(s.sum))
			fmt.Fprintf(w, "%s_count%s %d\n", f.name, f.labels(v), s.total)
			s.mu.Unlock()
		}
	}
}

// WriteText renders every family, sorted by name, after the uptime gauge.
func (r *Registry) WriteText(out io.Writer) error {
	r.mu.Lock()
	names := make([]string, 0, len(r.families))
	for name := range r.families {
		names = append(names, name)
	}
	r.mu.Unlock()
	sort.Strings(names)

	w := bufio.NewWriter(out)
	fmt.Fprintf(w, "# HELP commsrelay_uptime_seconds Seconds since the relay started\n")
	fmt.Fprintf(w, "# TYPE commsrelay_uptime_seconds gauge\n")
	fmt.Fprintf(w, "commsrelay_uptime_seconds %d\n", int64(time.Since(r.start).Seconds()))
	for _, name := range names {
		r.mu.Lock()
		f := r.families[name]
		r.mu.Unlock()
		f.write(w)
	}
	return w.Flush()
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_ = r.WriteText(w)
	}
}

var (
	WebhooksTotal     = Collector.CounterVec("commsrelay_webhooks_total", "Provider notifications received", "kind")
	BroadcastsTotal   = Collector.CounterVec("commsrelay_broadcasts_total", "Broadcasts issued", "channel")
	DeliveriesDropped = Collector.CounterVec("commsrelay_deliveries_dropped_total", "Subscriber writes that failed", "channel")
	Subscribers       = Collector.GaugeVec("commsrelay_subscribers", "Open streaming subscribers", "channel")

	ParticipantsAdded = Collector.Counter("commsrelay_participants_added_total", "Participants added to conversations")
	EmailsIngested    = Collector.Counter("commsrelay_emails_ingested_total", "Email records produced")
	AttachmentsSaved  = Collector.Counter("commsrelay_attachments_saved_total", "Attachments written to storage")
	AttachmentsFailed = Collector.Counter("commsrelay_attachments_failed_total", "Attachments that could not be stored")

	IngestLatency = Collector.Histogram("commsrelay_ingest_seconds", "Mailbox ingestion latency",
		[]float64{0.5, 1, 2, 5, 10, 30, 60, 120})
	ProviderLatency = Collector.HistogramVec("commsrelay_provider_request_seconds", "Provider request latency", "provider",
		[]float64{0.1, 0.25, 0.5, 1, 2, 5, 10})
)
