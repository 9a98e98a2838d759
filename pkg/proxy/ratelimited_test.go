package proxy

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-kit/log"

	"github.com/openshift/portal-gateway/pkg/identity"
	"github.com/openshift/portal-gateway/pkg/refresh"
)

func TestRatelimit(t *testing.T) {
	now := time.Time{}.Add(time.Hour)
	clock := func() time.Time { return now }

	h := Caller(identity.NewExtractor(nil, nil))(
		Ratelimit(log.NewNopLogger(), time.Minute, 1, clock,
			http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}),
		),
	)

	for _, tc := range []struct {
		name           string
		advance        time.Duration
		deviceID       string
		expectedStatus int
	}{
		{name: "SuccessForA", deviceID: "device-aaaaaaaa", expectedStatus: http.StatusOK},
		{name: "SuccessForB", deviceID: "device-bbbbbbbb", expectedStatus: http.StatusOK},
		{name: "FailAfter1sForA", advance: time.Second, deviceID: "device-aaaaaaaa", expectedStatus: http.StatusTooManyRequests},
		{name: "SuccessAfter1mForA", advance: time.Minute, deviceID: "device-aaaaaaaa", expectedStatus: http.StatusOK},
	} {
		t.Run(tc.name, func(t *testing.T) {
			now = now.Add(tc.advance)

			req := httptest.NewRequest(http.MethodGet, "http://portal.example.com/api/bills", nil)
			req.Header.Set(identity.HeaderDeviceID, tc.deviceID)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tc.expectedStatus {
				t.Errorf("expected status %d and got %d: %s", tc.expectedStatus, rec.Code, rec.Body.String())
			}
			if tc.expectedStatus == http.StatusTooManyRequests {
				var body failure
				if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
					t.Fatal(err)
				}
				want := ErrLimitReached(refresh.Key(identity.CallerContext{Host: "portal.example.com", DeviceID: tc.deviceID}))
				if body.Message != want.Error() {
					t.Errorf("expected message %q, got %q", want.Error(), body.Message)
				}
			}
		})
	}
}

func TestRatelimitWithoutCaller(t *testing.T) {
	h := Ratelimit(log.NewNopLogger(), time.Minute, 1, time.Now, http.NotFoundHandler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/bills", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("want 500 without a caller, got %d", rec.Code)
	}
}

func TestRatelimitStore_Limit(t *testing.T) {
	s := newRatelimitStore(2)

	now := time.Time{}.Add(time.Hour)

	for _, tc := range []struct {
		name    string
		advance time.Duration
		key     string
		err     error
	}{
		{name: "first", key: "a"},
		{name: "burst", key: "a"},
		{name: "1sfails", advance: time.Second, key: "a", err: ErrLimitReached("a")},
		{name: "10sfails", advance: 10 * time.Second, key: "a", err: ErrLimitReached("a")},
		{name: "10sSuccessForB", advance: 10 * time.Second, key: "b"},
		{name: "1mSuccessForA", advance: time.Minute, key: "a"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			now = now.Add(tc.advance)

			err := s.Limit(time.Minute, now, tc.key)
			if err != tc.err {
				t.Errorf("expected err %v, got %v", tc.err, err)
			}
		})
	}
}

func TestRatelimitStoreForgetsIdleCallers(t *testing.T) {
	s := newRatelimitStore(1)
	now := time.Time{}.Add(time.Hour)

	for i := 0; i < 5000; i++ {
		if err := s.Limit(time.Second, now, fmt.Sprintf("portal.example.com|device-%08d", i)); err != nil {
			t.Fatalf("first request of caller %d: %v", i, err)
		}
	}
	if got := s.Len(); got != 5000 {
		t.Fatalf("want 5000 tracked callers, got %d", got)
	}

	// Every bucket has refilled, so the next call drops them all.
	now = now.Add(time.Second)
	if err := s.Limit(time.Second, now, "portal.example.com|device-new00000"); err != nil {
		t.Fatal(err)
	}
	if got := s.Len(); got != 1 {
		t.Errorf("want only the latest caller tracked, got %d", got)
	}
}

func TestRatelimitStoreKeepsLimitedCallers(t *testing.T) {
	s := newRatelimitStore(1)
	now := time.Time{}.Add(time.Hour)

	if err := s.Limit(time.Minute, now, "a"); err != nil {
		t.Fatal(err)
	}
	now = now.Add(time.Minute)
	if err := s.Limit(time.Minute, now, "a"); err != nil {
		t.Fatal(err)
	}
	// The bucket of a was just drained, so pruning must keep it.
	now = now.Add(time.Minute - time.Second)
	s.lastPrune = time.Time{}
	if err := s.Limit(time.Minute, now, "a"); err != ErrLimitReached("a") {
		t.Errorf("expected a to stay limited, got %v", err)
	}
}

func TestRatelimitStoreCap(t *testing.T) {
	s := newRatelimitStore(1)
	s.max = 10
	now := time.Time{}.Add(time.Hour)

	for i := 0; i < 11; i++ {
		now = now.Add(time.Millisecond)
		if err := s.Limit(time.Hour, now, fmt.Sprintf("k%02d", i)); err != nil {
			t.Fatal(err)
		}
	}
	if got := s.Len(); got != 6 {
		t.Errorf("want the oldest half evicted, got %d callers", got)
	}
	s.mu.Lock()
	_, oldest := s.limits["k00"]
	_, newest := s.limits["k10"]
	s.mu.Unlock()
	if oldest || !newest {
		t.Errorf("expected k00 evicted and k10 kept, got k00=%v k10=%v", oldest, newest)
	}
}
