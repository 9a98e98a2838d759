package proxy

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/time/rate"

	"github.com/openshift/portal-gateway/pkg/identity"
	"github.com/openshift/portal-gateway/pkg/refresh"
)

type ErrLimitReached string

func (e ErrLimitReached) Error() string {
	return fmt.Sprintf("request limit reached for key %q", string(e))
}

// Ratelimit allows one request per limit for every caller, with bursts of
// up to burst requests. Callers are told apart by their refresh key.
func Ratelimit(logger log.Logger, limit time.Duration, burst int, now func() time.Time, next http.Handler) http.Handler {
	if burst < 1 {
		burst = 1
	}
	s := newRatelimitStore(burst)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, ok := identity.FromContext(r.Context())
		if !ok {
			level.Error(logger).Log("msg", "no caller in request context")
			writeFailure(w, http.StatusInternalServerError, "failed to identify caller")
			return
		}

		if err := s.Limit(limit, now(), refresh.Key(caller)); err != nil {
			level.Debug(logger).Log("msg", "rate limited", "err", err)
			writeFailure(w, http.StatusTooManyRequests, err.Error())
			return
		}

		next.ServeHTTP(w, r)
	})
}

// maxLimiters bounds the number of callers tracked at once.
const maxLimiters = 10000

type limiterEntry struct {
	limiter *rate.Limiter
	seen    time.Time
}

type ratelimitStore struct {
	burst int
	max   int

	mu        sync.Mutex
	limits    map[string]*limiterEntry
	lastPrune time.Time
}

func newRatelimitStore(burst int) *ratelimitStore {
	return &ratelimitStore{
		burst:  burst,
		max:    maxLimiters,
		limits: make(map[string]*limiterEntry),
	}
}

func (s *ratelimitStore) Limit(limit time.Duration, now time.Time, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A bucket refills completely after burst intervals.
	if refill := limit * time.Duration(s.burst); now.Sub(s.lastPrune) >= refill {
		s.pruneLocked(now)
	}

	e, ok := s.limits[key]
	if !ok {
		if len(s.limits) >= s.max {
			s.evictOldestLocked()
		}
		e = &limiterEntry{limiter: rate.NewLimiter(rate.Every(limit), s.burst)}
		s.limits[key] = e
	}
	e.seen = now

	if !e.limiter.AllowN(now, 1) {
		return ErrLimitReached(key)
	}

	return nil
}

// pruneLocked drops limiters whose bucket is full again. A new limiter
// for the same key would behave identically.
func (s *ratelimitStore) pruneLocked(now time.Time) {
	for k, e := range s.limits {
		if e.limiter.TokensAt(now) >= float64(s.burst) {
			delete(s.limits, k)
		}
	}
	s.lastPrune = now
}

// evictOldestLocked drops the least recently seen half of the limiters.
func (s *ratelimitStore) evictOldestLocked() {
	keys := make([]string, 0, len(s.limits))
	for k := range s.limits {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return s.limits[keys[i]].seen.Before(s.limits[keys[j]].seen)
	})
	n := len(keys) / 2
	if n == 0 {
		n = len(keys)
	}
	for _, k := range keys[:n] {
		delete(s.limits, k)
	}
}

func (s *ratelimitStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limits)
}
