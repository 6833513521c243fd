// Package metrics provides a lightweight Prometheus-compatible metrics
// registry for BatchQ. It avoids prometheus/client_golang so the binary keeps
// a small dependency set.
//
// # Counter naming convention
//
// Every counter uses a tab-separated string as its label key so that a single
// sync.Map can hold all label combinations without additional map nesting.
//
//	Outcomes / SendDurMs / SendDurCnt  →  key = "kind\tstatus"
//	Attempts                           →  key = "kind"
//	Rounds                             →  key = "result"
//	InFlight (gauge)                   →  key = "kind"
//	HTTPReqs                           →  key = "method\tpath\tstatus"
//	HTTPDurMs / HTTPDurCnt             →  key = "method\tpath"
//
// # Prometheus text output
//
// Calling Registry.Handler() returns an http.Handler that renders all counters
// in the Prometheus exposition format (text/plain; version=0.0.4).
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// ─── labelCounter ─────────────────────────────────────────────────────────────

// labelCounter is a lock-free, label-keyed counter map backed by sync.Map and
// atomic.Int64 values.
type labelCounter struct {
	vals sync.Map // key string → *atomic.Int64
}

func (lc *labelCounter) get(key string) *atomic.Int64 {
	v, _ := lc.vals.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// Inc increments the counter for key by 1.
func (lc *labelCounter) Inc(key string) { lc.get(key).Add(1) }

// Dec decrements the counter for key by 1. Only meaningful for gauges.
func (lc *labelCounter) Dec(key string) { lc.get(key).Add(-1) }

// Add increments the counter for key by n.
func (lc *labelCounter) Add(key string, n int64) { lc.get(key).Add(n) }

// Value returns the current value for key.
func (lc *labelCounter) Value(key string) int64 {
	v, ok := lc.vals.Load(key)
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load()
}

// Each calls fn for every key/value pair in key order.
func (lc *labelCounter) Each(fn func(key string, val int64)) {
	var keys []string
	lc.vals.Range(func(k, _ any) bool {
		keys = append(keys, k.(string))
		return true
	})
	sort.Strings(keys)
	for _, k := range keys {
		fn(k, lc.Value(k))
	}
}

// ─── Registry ─────────────────────────────────────────────────────────────────

// Registry holds all BatchQ application metrics.
type Registry struct {
	// Dispatch counters.
	Outcomes   labelCounter // classified send results
	Attempts   labelCounter // sends started
	Rounds     labelCounter // completed / cancelled rounds
	InFlight   labelCounter // gauge: sends outstanding right now
	SendDurMs  labelCounter // sum of send durations in milliseconds
	SendDurCnt labelCounter // number of observed send durations

	// Inspection API counters.
	HTTPReqs   labelCounter
	HTTPDurMs  labelCounter
	HTTPDurCnt labelCounter
}

// family describes one rendered metric family.
type family struct {
	name, help, typ string
	counter         *labelCounter
	labels          []string // label names for the tab-separated key parts
}

func (r *Registry) families() []family {
	return []family{
		{"batchq_item_outcomes_total", "Classified send results by kind and status", "counter", &r.Outcomes, []string{"kind", "status"}},
		{"batchq_send_attempts_total", "Send attempts started", "counter", &r.Attempts, []string{"kind"}},
		{"batchq_rounds_total", "Send rounds by result", "counter", &r.Rounds, []string{"result"}},
		{"batchq_sends_in_flight", "Sends currently outstanding", "gauge", &r.InFlight, []string{"kind"}},
		{"batchq_send_duration_milliseconds_sum", "Sum of send durations in milliseconds", "counter", &r.SendDurMs, []string{"kind", "status"}},
		{"batchq_send_duration_milliseconds_count", "Count of observed send durations", "counter", &r.SendDurCnt, []string{"kind", "status"}},
		{"batchq_http_requests_total", "Total HTTP requests by method, path, and status code", "counter", &r.HTTPReqs, []string{"method", "path", "status"}},
		{"batchq_http_request_duration_milliseconds_sum", "Sum of HTTP request durations in milliseconds", "counter", &r.HTTPDurMs, []string{"method", "path"}},
		{"batchq_http_request_duration_milliseconds_count", "Count of observed HTTP request durations", "counter", &r.HTTPDurCnt, []string{"method", "path"}},
	}
}

// ─── Prometheus text serialisation ────────────────────────────────────────────

// Handler returns an http.Handler that renders all metrics in the Prometheus
// plain-text exposition format (text/plain; version=0.0.4).
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, r.Render())
	})
}

// Render returns the exposition text for every non-empty family.
func (r *Registry) Render() string {
	var b strings.Builder
	for _, f := range r.families() {
		writeFamily(&b, f)
	}
	return b.String()
}

// ─── helpers ──────────────────────────────────────────────────────────────────

// writeFamily writes a single Prometheus metric family to b, skipping the
// header when the family has no samples.
func writeFamily(b *strings.Builder, f family) {
	var lines []string
	f.counter.Each(func(key string, val int64) {
		lines = append(lines, fmt.Sprintf("%s{%s} %d\n", f.name, labelPairs(f.labels, key), val))
	})
	if len(lines) == 0 {
		return
	}
	fmt.Fprintf(b, "# HELP %s %s\n", f.name, f.help)
	fmt.Fprintf(b, "# TYPE %s %s\n", f.name, f.typ)
	for _, l := range lines {
		b.WriteString(l)
	}
}

// labelPairs zips label names with the tab-separated parts of key. Missing
// parts render as empty strings.
func labelPairs(names []string, key string) string {
	parts := strings.SplitN(key, "\t", len(names))
	pairs := make([]string, len(names))
	for i, n := range names {
		v := ""
		if i < len(parts) {
			v = parts[i]
		}
		pairs[i] = fmt.Sprintf("%s=%q", n, v)
	}
	return strings.Join(pairs, ",")
}

// ─── Convenience key builders ─────────────────────────────────────────────────

// OutcomeKey builds the label key used by Outcomes and SendDur*.
func OutcomeKey(kind, status string) string {
	return kind + "\t" + status
}

// HTTPKey builds the label key used by HTTPReqs.
func HTTPKey(method, path, status string) string {
	return method + "\t" + path + "\t" + status
}

// HTTPDurKey builds the label key used by HTTPDurMs / HTTPDurCnt.
func HTTPDurKey(method, path string) string {
	return method + "\t" + path
}
