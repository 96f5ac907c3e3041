package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Budget is a request allowance counted per caller over a fixed window.
type Budget struct {
	Name   string
	Limit  int
	Window time.Duration
}

// Validate rejects budgets that would block or admit everything.
func (b Budget) Validate() error {
	if b.Name == "" {
		return fmt.Errorf("budget name is required")
	}
	if b.Limit <= 0 {
		return fmt.Errorf("budget %s: limit must be > 0 (got %d)", b.Name, b.Limit)
	}
	if b.Window <= 0 {
		return fmt.Errorf("budget %s: window must be > 0 (got %s)", b.Name, b.Window)
	}
	return nil
}

// Budgets partitions /streams traffic. RTC tokens are the scarcest since
// each one admits a media connection.
type Budgets struct {
	Token    Budget
	Mutation Budget
	Read     Budget
}

// DefaultBudgets returns the per-actor allowances used by the API server.
func DefaultBudgets() Budgets {
	return Budgets{
		Token:    Budget{Name: "token", Limit: 10, Window: time.Minute},
		Mutation: Budget{Name: "mutation", Limit: 30, Window: time.Minute},
		Read:     Budget{Name: "read", Limit: 100, Window: time.Minute},
	}
}

// For picks the budget r draws from: token issuance, then reads (including
// the feed upgrade), then every other write.
func (b Budgets) For(r *http.Request) Budget {
	switch {
	case strings.HasSuffix(r.URL.Path, "/token"):
		return b.Token
	case r.Method == http.MethodGet || r.Method == http.MethodHead:
		return b.Read
	default:
		return b.Mutation
	}
}

// RateLimitStore counts hits per key. retryAfter is zero when allowed.
type RateLimitStore interface {
	Allow(ctx context.Context, key string, budget Budget) (allowed bool, retryAfter time.Duration)
}

type window struct {
	hits int
	ends time.Time
}

// InMemoryRateLimitStore is a single-process RateLimitStore.
type InMemoryRateLimitStore struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

// NewInMemoryRateLimitStore creates an empty store.
func NewInMemoryRateLimitStore() *InMemoryRateLimitStore {
	return &InMemoryRateLimitStore{windows: make(map[string]*window), now: time.Now}
}

// Allow implements RateLimitStore.
func (s *InMemoryRateLimitStore) Allow(_ context.Context, key string, budget Budget) (bool, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	w, ok := s.windows[key]
	if !ok || !now.Before(w.ends) {
		s.windows[key] = &window{hits: 1, ends: now.Add(budget.Window)}
		return true, 0
	}
	if w.hits < budget.Limit {
		w.hits++
		return true, 0
	}
	return false, w.ends.Sub(now)
}

// Cleanup drops closed windows and returns how many it removed.
func (s *InMemoryRateLimitStore) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for key, w := range s.windows {
		if !now.Before(w.ends) {
			delete(s.windows, key)
			removed++
		}
	}
	return removed
}

// RateLimitKey scopes budget to the acting participant, or to the client
// address on routes that run before authentication.
func RateLimitKey(r *http.Request, budget Budget) string {
	if id := GetActorID(r.Context()); id != "" {
		return "actor:" + id + ":" + budget.Name
	}
	return "ip:" + clientIP(r) + ":" + budget.Name
}

// clientIP prefers the first X-Forwarded-For hop, then X-Real-IP.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// RateLimit charges each request to the budget budgets.For selects and
// answers 429 with Retry-After once it is spent. Place it after RequireAuth
// so callers are counted by participant. A nil metrics disables counting.
func RateLimit(store RateLimitStore, budgets Budgets, metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			budget := budgets.For(r)
			key := RateLimitKey(r, budget)
			allowed, retryAfter := store.Allow(r.Context(), key, budget)
			if metrics != nil {
				metrics.rateLimitChecked(budget.Name, keyKind(key), !allowed)
			}
			if allowed {
				next.ServeHTTP(w, r)
				return
			}

			secs := int((retryAfter + time.Second - 1) / time.Second)
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(budget.Limit))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Duration(secs)*time.Second).Unix(), 10))
			writeMiddlewareError(w, r, http.StatusTooManyRequests, "rate_limited",
				fmt.Sprintf("Too many %s requests, retry in %ds", budget.Name, secs))
		})
	}
}

// keyKind is the key_type label: actor or ip.
func keyKind(key string) string {
	kind, _, _ := strings.Cut(key, ":")
	return kind
}
