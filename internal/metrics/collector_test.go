package metrics

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"
)

func TestHandler_RendersCountersAndHistograms(t *testing.T) {
	r := NewRegistry()
	r.Counter("test_total", "a counter").Add(3)
	r.Gauge("test_gauge", "a gauge").Set(7)
	r.Histogram("test_latency", "a histogram", 5, 1).ObserveDuration(2 * time.Second)

	rec := httptest.NewRecorder()
	r.Handler()(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	for _, want := range []string{
		"# TYPE test_total counter",
		"test_total 3",
		"test_gauge 7",
		`test_latency_bucket{le="1"} 0`,
		`test_latency_bucket{le="5"} 1`,
		`test_latency_bucket{le="+Inf"} 1`,
		"test_latency_sum 2.000000",
		"test_latency_count 1",
		"wagpt_uptime_seconds",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q in output:\n%s", want, body)
		}
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("unexpected content type %q", ct)
	}
}

func TestHistogram_BucketsAreCumulative(t *testing.T) {
	h := NewRegistry().Histogram("h", "", 1, 2, 4)
	for _, d := range []time.Duration{500 * time.Millisecond, 1500 * time.Millisecond, 3 * time.Second, 10 * time.Second} {
		h.ObserveDuration(d)
	}
	var buf bytes.Buffer
	h.write(&buf)
	for _, want := range []string{
		`h_bucket{le="1"} 1`,
		`h_bucket{le="2"} 2`,
		`h_bucket{le="4"} 3`,
		`h_bucket{le="+Inf"} 4`,
		"h_count 4",
	} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("missing %q in output:\n%s", want, buf.String())
		}
	}
}

func TestRegistry_RendersInRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	r.Counter("zz_total", "")
	r.Counter("aa_total", "")
	var buf bytes.Buffer
	if _, err := r.WriteTo(&buf); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if strings.Index(out, "zz_total") > strings.Index(out, "aa_total") {
		t.Fatalf("expected zz_total before aa_total:\n%s", out)
	}
	if !strings.HasPrefix(out, "# HELP wagpt_uptime_seconds") {
		t.Fatalf("uptime should come first:\n%s", out)
	}
}

func TestRegistry_DuplicateNamePanics(t *testing.T) {
	r := NewRegistry()
	r.Counter("dup_total", "")
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate metric name")
		}
	}()
	r.Gauge("dup_total", "")
}

func TestGauge_IncDec(t *testing.T) {
	g := NewRegistry().Gauge("g", "")
	g.Inc()
	g.Inc()
	g.Dec()
	if g.Value() != 1 {
		t.Fatalf("expected 1, got %d", g.Value())
	}
}

func TestServeListener_ExposesMetrics(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	go func() { done <- serveListener(ctx, ln, logger) }()

	RepliesSent.Inc()
	resp, err := http.Get("http://" + ln.Addr().String() + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(data), "wagpt_replies_sent_total") {
		t.Fatalf("expected relay metrics, got:\n%s", data)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
