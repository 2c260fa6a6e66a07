// Package metrics exposes the relay's counters in Prometheus text format.
// Every metric is registered once at package init and rendered in
// registration order.
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Registry holds a fixed set of unlabelled metrics.
type Registry struct {
	mu      sync.Mutex
	metrics []metric
	names   map[string]bool
	started time.Time
}

type metric interface {
	write(w io.Writer)
}

func NewRegistry() *Registry {
	return &Registry{names: make(map[string]bool), started: time.Now()}
}

// register panics on a duplicate name: metrics are declared as package
// variables, so a clash is a programming error.
func (r *Registry) register(name string, m metric) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.names[name] {
		panic("metrics: duplicate metric " + name)
	}
	r.names[name] = true
	r.metrics = append(r.metrics, m)
}

type Counter struct {
	name, help string
	value      atomic.Int64
}

func (r *Registry) Counter(name, help string) *Counter {
	c := &Counter{name: name, help: help}
	r.register(name, c)
	return c
}

func (c *Counter) Inc()         { c.value.Add(1) }
func (c *Counter) Add(n int64)  { c.value.Add(n) }
func (c *Counter) Value() int64 { return c.value.Load() }

func (c *Counter) write(w io.Writer) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n%s %d\n", c.name, c.help, c.name, c.name, c.Value())
}

type Gauge struct {
	name, help string
	value      atomic.Int64
}

func (r *Registry) Gauge(name, help string) *Gauge {
	g := &Gauge{name: name, help: help}
	r.register(name, g)
	return g
}

func (g *Gauge) Set(v int64)  { g.value.Store(v) }
func (g *Gauge) Inc()         { g.value.Add(1) }
func (g *Gauge) Dec()         { g.value.Add(-1) }
func (g *Gauge) Value() int64 { return g.value.Load() }

func (g *Gauge) write(w io.Writer) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s gauge\n%s %d\n", g.name, g.help, g.name, g.name, g.Value())
}

// Histogram records durations in seconds. Bucket counts are cumulative.
type Histogram struct {
	name, help string

	mu     sync.Mutex
	bounds []float64
	counts []int64
	count  int64
	sum    float64
}

func (r *Registry) Histogram(name, help string, bounds ...float64) *Histogram {
	bounds = append([]float64(nil), bounds...)
	sort.Float64s(bounds)
	h := &Histogram{name: name, help: help, bounds: bounds, counts: make([]int64, len(bounds))}
	r.register(name, h)
	return h
}

func (h *Histogram) ObserveDuration(d time.Duration) {
	v := d.Seconds()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i, le := range h.bounds {
		if v <= le {
			h.counts[i]++
		}
	}
}

func (h *Histogram) write(w io.Writer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s histogram\n", h.name, h.help, h.name)
	for i, le := range h.bounds {
		fmt.Fprintf(w, "%s_bucket{le=\"%g\"} %d\n", h.name, le, h.counts[i])
	}
	fmt.Fprintf(w, "%s_bucket{le=\"+Inf\"} %d\n", h.name, h.count)
	fmt.Fprintf(w, "%s_sum %f\n%s_count %d\n", h.name, h.sum, h.name, h.count)
}

// WriteTo renders every metric, preceded by the process uptime.
func (r *Registry) WriteTo(w io.Writer) (int64, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# HELP wagpt_uptime_seconds Time since start in seconds\n")
	fmt.Fprintf(&sb, "# TYPE wagpt_uptime_seconds gauge\n")
	fmt.Fprintf(&sb, "wagpt_uptime_seconds %d\n", int64(time.Since(r.started).Seconds()))

	r.mu.Lock()
	ms := append([]metric(nil), r.metrics...)
	r.mu.Unlock()
	for _, m := range ms {
		m.write(&sb)
	}
	n, err := io.WriteString(w, sb.String())
	return int64(n), err
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		r.WriteTo(w)
	}
}

// Default holds the relay metrics below.
var Default = NewRegistry()

var (
	MessagesReceived = Default.Counter("wagpt_messages_received_total", "Inbound messages delivered by the transport")
	MessagesIgnored  = Default.Counter("wagpt_messages_ignored_total", "Inbound messages dropped (own, duplicate or non-text)")
	RepliesSent      = Default.Counter("wagpt_replies_sent_total", "Replies delivered to the transport")
	SendFailures     = Default.Counter("wagpt_send_failures_total", "Replies the transport failed to send")

	CompletionRequests  = Default.Counter("wagpt_completion_requests_total", "Completion calls issued")
	CompletionErrors    = Default.Counter("wagpt_completion_errors_total", "Completion calls that failed")
	CompletionFallbacks = Default.Counter("wagpt_completion_fallbacks_total", "Replies that used a canned fallback text")
	CompletionLatency   = Default.Histogram("wagpt_completion_latency_seconds", "Completion request latency in seconds",
		0.5, 1, 2, 5, 10, 30, 60, 120)

	Reconnects       = Default.Counter("wagpt_reconnects_total", "Reconnect attempts scheduled")
	CredentialSaves  = Default.Counter("wagpt_credential_saves_total", "Credential updates persisted")
	ConnectionOpen   = Default.Gauge("wagpt_connection_open", "1 while the transport connection is open")
	InFlightMessages = Default.Gauge("wagpt_inflight_messages", "Messages currently awaiting a completion")
)
