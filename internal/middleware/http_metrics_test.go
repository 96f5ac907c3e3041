package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	m := NewMetrics()
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	return m, reg
}

func TestHTTPMetrics_RecordsRoutePattern(t *testing.T) {
	m, reg := newTestMetrics(t)
	handler := HTTPMetrics(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/accept") {
			w.WriteHeader(http.StatusConflict)
			return
		}
		_, _ = w.Write([]byte(`{"id":"s1","version":2}`))
	}))

	for _, path := range []string{"/streams/s1/join", "/streams/s2/join", "/streams/s1/cohost/accept", "/wp-login.php"} {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, path, nil))
	}

	tests := []struct {
		route, status string
		want          float64
	}{
		{"/streams/{id}/join", "200", 2},
		{"/streams/{id}/cohost/accept", "409", 1},
		{"other", "200", 1},
	}
	for _, tt := range tests {
		got := testutil.ToFloat64(m.requests.WithLabelValues(http.MethodPost, tt.route, tt.status))
		if got != tt.want {
			t.Errorf("requests{%s,%s} = %v, want %v", tt.route, tt.status, got, tt.want)
		}
	}
	if n := testutil.CollectAndCount(m.requests); n != 3 {
		t.Errorf("request series = %d, want 3", n)
	}
	if n, err := testutil.GatherAndCount(reg, MetricHTTPRequestDuration); err != nil || n != 3 {
		t.Errorf("duration series = %d (err %v), want 3", n, err)
	}
}

func TestHTTPMetrics_SkipsHealthProbes(t *testing.T) {
	m, _ := newTestMetrics(t)
	handler := HTTPMetrics(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health/live", nil))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	if n := testutil.CollectAndCount(m.requests); n != 0 {
		t.Errorf("request series = %d, want 0", n)
	}
}

func TestHTTPMetrics_InFlightDuringRequest(t *testing.T) {
	m, _ := newTestMetrics(t)
	var during float64
	handler := HTTPMetrics(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		during = testutil.ToFloat64(m.inFlight)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/streams/s1", nil))

	if during != 1 {
		t.Errorf("in flight while serving = %v, want 1", during)
	}
	if after := testutil.ToFloat64(m.inFlight); after != 0 {
		t.Errorf("in flight after = %v, want 0", after)
	}
}

func TestStatusRecorder(t *testing.T) {
	rr := httptest.NewRecorder()
	sr := &statusRecorder{ResponseWriter: rr, status: http.StatusOK}

	sr.WriteHeader(http.StatusCreated)
	sr.WriteHeader(http.StatusInternalServerError)
	_, _ = sr.Write([]byte("abc"))
	_, _ = sr.Write([]byte("de"))

	if sr.status != http.StatusCreated || rr.Code != http.StatusCreated {
		t.Errorf("status = %d (recorder %d), want 201", sr.status, rr.Code)
	}
	if sr.size != 5 {
		t.Errorf("size = %d, want 5", sr.size)
	}
}
