package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMetricsPerRunRegistry(t *testing.T) {
	a := NewMetrics("run-a")
	b := NewMetrics("run-b")
	a.ObserveFetch("h2", 0.5)
	a.FetchFailed("h2")
	a.SpawnFailed("traffic")
	a.QueueDepth.Set(42)

	b.QueueDepth.Set(7)

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`bufferbloat_queue_depth_packets{run_id="run-a"} 42`,
		`bufferbloat_spawn_failures_total{component="traffic",run_id="run-a"} 1`,
		`bufferbloat_fetch_duration_seconds_count{client="h2",run_id="run-a"} 1`,
		`bufferbloat_fetch_failures_total{client="h2",run_id="run-a"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("exposition missing %q:\n%s", want, body)
		}
	}
	if strings.Contains(body, "run-b") {
		t.Fatalf("run-a registry exposes run-b series")
	}
}
