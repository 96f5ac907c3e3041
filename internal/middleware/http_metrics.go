// Package middleware holds the HTTP chain of the livestage API: request ids,
// tracing, logging, metrics, CORS, authentication, per-actor rate limits and
// idempotent replays.
package middleware

import (
	"bufio"
	"net"
	"net/http"
	"strings"
	"time"
)

// staticRoutes are recorded as-is.
var staticRoutes = map[string]bool{
	"/":             true,
	"/streams":      true,
	"/health/live":  true,
	"/health/ready": true,
	"/metrics":      true,
}

// streamActions are the single-segment actions under /streams/{id}.
var streamActions = map[string]bool{
	"end":   true,
	"lock":  true,
	"join":  true,
	"leave": true,
	"token": true,
	"feed":  true,
}

// streamSubActions are the two-segment actions under /streams/{id}.
var streamSubActions = map[string]map[string]bool{
	"cohost":      {"invite": true, "accept": true, "decline": true},
	"screenshare": {"start": true, "stop": true},
}

// normalizePath converts paths with dynamic segments to route patterns to prevent
// cardinality explosion in metrics. This maps paths like /streams/abc/join to
// /streams/{id}/join. Unknown paths collapse to "other".
func normalizePath(path string) string {
	if staticRoutes[path] {
		return path
	}

	if room, ok := strings.CutPrefix(path, "/rooms/"); ok {
		if id, tail, _ := strings.Cut(room, "/"); id != "" && tail == "stream" {
			return "/rooms/{room_id}/stream"
		}
		return "other"
	}

	rest, ok := strings.CutPrefix(path, "/streams/")
	if !ok {
		return "other"
	}
	parts := strings.Split(rest, "/")
	if parts[0] == "" {
		return "other"
	}

	switch len(parts) {
	case 1:
		return "/streams/{id}"
	case 2:
		if streamActions[parts[1]] {
			return "/streams/{id}/" + parts[1]
		}
	case 3:
		if streamSubActions[parts[1]][parts[2]] {
			return "/streams/{id}/" + parts[1] + "/" + parts[2]
		}
	case 4:
		// /streams/{id}/participants/{participant_id}/remove
		if parts[1] == "participants" && parts[2] != "" && parts[3] == "remove" {
			return "/streams/{id}/participants/{participant_id}/remove"
		}
	}
	return "other"
}

// statusRecorder captures the status and body size for HTTPMetrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
	size   int64
	sent   bool
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.sent {
		return
	}
	sr.status, sr.sent = code, true
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	sr.sent = true
	n, err := sr.ResponseWriter.Write(b)
	sr.size += int64(n)
	return n, err
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

// Hijack records feed upgrades as 101.
func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	conn, buf, err := http.NewResponseController(sr.ResponseWriter).Hijack()
	if err == nil && !sr.sent {
		sr.status, sr.sent = http.StatusSwitchingProtocols, true
	}
	return conn, buf, err
}

// HTTPMetrics records every request under its route pattern. Health probes
// are skipped since orchestrators poll them continuously.
func HTTPMetrics(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, "/health/") {
				next.ServeHTTP(w, r)
				return
			}

			metrics.inFlight.Inc()
			defer metrics.inFlight.Dec()

			start := time.Now()
			sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sr, r)
			metrics.observeRequest(r.Method, normalizePath(r.URL.Path), sr.status, time.Since(start), sr.size)
		})
	}
}
