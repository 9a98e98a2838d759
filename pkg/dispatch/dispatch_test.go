package dispatch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/goleak"
	"golang.org/x/oauth2"

	gatewayhttp "github.com/openshift/portal-gateway/pkg/http"
	"github.com/openshift/portal-gateway/pkg/identity"
	"github.com/openshift/portal-gateway/pkg/refresh"
	"github.com/openshift/portal-gateway/pkg/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const host = "portal.example.com"

var callerA = identity.CallerContext{Host: host, DeviceID: "device-abc123", UserAgent: "Mozilla/5.0", SourceIP: "192.0.2.1"}

// fakeRefresher issues "fresh" credentials, optionally after gate is closed.
type fakeRefresher struct {
	calls atomic.Int32
	gate  chan struct{}
	fail  bool
}

func (f *fakeRefresher) Refresh(ctx context.Context, _ refresh.Request) (*refresh.Response, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.fail {
		return &refresh.Response{StatusCode: http.StatusUnauthorized}, nil
	}
	return &refresh.Response{
		StatusCode: http.StatusOK,
		Body:       refresh.ResponseBody{IsSuccess: true, Data: &refresh.TokenPair{AccessToken: "fresh", RefreshToken: "fresh-refresh"}},
	}, nil
}

// recorded is what upstream saw on one attempt.
type recorded struct {
	header http.Header
	body   string
}

type upstream struct {
	*httptest.Server

	mu       sync.Mutex
	attempts []recorded
}

// newUpstream answers 401 unless the request carries the "fresh" token, or
// always when stubborn is set.
func newUpstream(t *testing.T, stubborn bool) *upstream {
	t.Helper()
	u := &upstream{}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		u.mu.Lock()
		u.attempts = append(u.attempts, recorded{header: r.Header.Clone(), body: string(body)})
		n := len(u.attempts)
		u.mu.Unlock()

		http.SetCookie(w, &http.Cookie{Name: "upstream", Value: "v"})
		if stubborn || r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			io.WriteString(w, "unauthorized-"+string(rune('0'+n)))
			return
		}
		io.WriteString(w, `{"ok":true}`)
	}))
	t.Cleanup(u.Close)
	return u
}

func (u *upstream) Attempts() []recorded {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]recorded(nil), u.attempts...)
}

type fixture struct {
	factory     *Factory
	coordinator *refresh.Coordinator
	sessions    *session.MemoryStore
	refresher   *fakeRefresher
	reg         *prometheus.Registry
}

func newFixture(t *testing.T, r *fakeRefresher) *fixture {
	t.Helper()
	reg := prometheus.NewRegistry()
	pools := gatewayhttp.NewPools(gatewayhttp.DefaultPoolConfig(), nil)
	c := refresh.NewCoordinator(refresh.DefaultOptions(), nil, reg)
	sessions := session.NewMemoryStore("")
	sessions.Put("s1", oauth2.Token{AccessToken: "expired", RefreshToken: "r1"})
	sessions.Put("s2", oauth2.Token{AccessToken: "expired", RefreshToken: "r2"})
	t.Cleanup(func() {
		c.Close()
		pools.Close()
	})

	return &fixture{
		factory: NewFactory(Config{
			Transport:   pools.Ordinary(),
			Coordinator: c,
			Sessions:    sessions,
			Refresher:   r,
			Registerer:  reg,
		}),
		coordinator: c,
		sessions:    sessions,
		refresher:   r,
		reg:         reg,
	}
}

func inbound(sessionID string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "http://"+host+"/api/bills", nil)
	if sessionID != "" {
		r.AddCookie(&http.Cookie{Name: session.DefaultCookieName, Value: sessionID})
	}
	return r
}

func outbound(t *testing.T, method, url, body string) *http.Request {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatal(err)
	}
	return req
}

func counterValue(t *testing.T, reg prometheus.Gatherer, name, label, value string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestPassthrough(t *testing.T) {
	f := newFixture(t, &fakeRefresher{})
	f.sessions.Put("s1", oauth2.Token{AccessToken: "fresh", RefreshToken: "r1"})
	up := newUpstream(t, false)

	resp, err := f.factory.New(inbound("s1"), callerA).Dispatch(outbound(t, http.MethodPost, up.URL+"/bills", `{"q":1}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("want 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Values("Set-Cookie"); len(got) != 1 {
		t.Errorf("expected the upstream cookie to pass through, got %v", got)
	}

	attempts := up.Attempts()
	if len(attempts) != 1 {
		t.Fatalf("want a single attempt, got %d", len(attempts))
	}
	h := attempts[0].header
	for k, want := range map[string]string{
		"Authorization":         "Bearer fresh",
		"Content-Type":          "application/json",
		identity.HeaderDeviceID: "device-abc123",
		"User-Agent":            "Mozilla/5.0",
		identity.HeaderRealIP:   "192.0.2.1",
	} {
		if got := h.Get(k); got != want {
			t.Errorf("header %s: want %q, got %q", k, want, got)
		}
	}
	if f.refresher.calls.Load() != 0 {
		t.Error("expected no refresh")
	}
}

func TestRetryKeepsHeaders(t *testing.T) {
	f := newFixture(t, &fakeRefresher{})
	up := newUpstream(t, false)

	resp, err := f.factory.New(inbound("s1"), callerA).Dispatch(outbound(t, http.MethodPut, up.URL+"/profile", `{"name":"a"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("want the retried response, got %d", resp.StatusCode)
	}
	attempts := up.Attempts()
	if len(attempts) != 2 {
		t.Fatalf("want two attempts, got %d", len(attempts))
	}
	if got := attempts[0].header.Get("Authorization"); got != "Bearer expired" {
		t.Errorf("want the stored token on the first attempt, got %q", got)
	}

	retry := attempts[1]
	if got := retry.header.Get("Authorization"); got != "Bearer fresh" {
		t.Errorf("want the refreshed token on retry, got %q", got)
	}
	for k, want := range map[string]string{
		identity.HeaderDeviceID: callerA.DeviceID,
		"User-Agent":            callerA.UserAgent,
		identity.HeaderRealIP:   callerA.SourceIP,
	} {
		if got := retry.header.Get(k); got != want {
			t.Errorf("retry header %s: want %q, got %q", k, want, got)
		}
	}
	if retry.body != `{"name":"a"}` {
		t.Errorf("expected the body to be replayed, got %q", retry.body)
	}

	tok, err := f.sessions.Lookup(inbound("s1"))
	if err != nil || tok == nil || tok.AccessToken != "fresh" {
		t.Errorf("expected the refreshed token to be stored, got %+v, %v", tok, err)
	}
	if got := counterValue(t, f.reg, "portal_gateway_dispatch_unauthorized_total", "result", "retried"); got != 1 {
		t.Errorf("want one retry counted, got %v", got)
	}
}

func TestBoundedRetry(t *testing.T) {
	f := newFixture(t, &fakeRefresher{})
	up := newUpstream(t, true)

	resp, err := f.factory.New(inbound("s1"), callerA).Dispatch(outbound(t, http.MethodGet, up.URL+"/bills", ""))
	if resp != nil {
		t.Error("expected no response besides the error")
	}

	var derr *Error
	if !errors.As(err, &derr) || derr.Kind != KindUnauthorized {
		t.Fatalf("want an unauthorized error, got %v", err)
	}
	if derr.Response.StatusCode != http.StatusUnauthorized {
		t.Errorf("want the original status, got %d", derr.Response.StatusCode)
	}
	body, _ := io.ReadAll(derr.Response.Body)
	if string(body) != "unauthorized-1" {
		t.Errorf("want the first 401 body, got %q", body)
	}
	if got := len(up.Attempts()); got != 2 {
		t.Errorf("want exactly one retry, got %d attempts", got)
	}
	if got := f.refresher.calls.Load(); got != 1 {
		t.Errorf("want one refresh, got %d", got)
	}
	if got := counterValue(t, f.reg, "portal_gateway_dispatch_unauthorized_total", "result", "exhausted"); got != 1 {
		t.Errorf("want the exhausted retry counted, got %v", got)
	}
}

func TestRefreshFailure(t *testing.T) {
	for _, tc := range []struct {
		name      string
		sessionID string
		refresher *fakeRefresher
		noStore   bool
		calls     int32
	}{
		{name: "rejected", sessionID: "s1", refresher: &fakeRefresher{fail: true}, calls: 1},
		{name: "logged out", refresher: &fakeRefresher{}, calls: 0},
		{name: "no session store", sessionID: "s1", refresher: &fakeRefresher{}, noStore: true, calls: 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.refresher)
			if tc.noStore {
				cfg := f.factory.cfg
				cfg.Sessions = nil
				cfg.Registerer = nil
				f.factory = NewFactory(cfg)
			}
			up := newUpstream(t, false)

			_, err := f.factory.New(inbound(tc.sessionID), callerA).Dispatch(outbound(t, http.MethodGet, up.URL+"/bills", ""))
			var derr *Error
			if !errors.As(err, &derr) || derr.Kind != KindUnauthorized {
				t.Fatalf("want an unauthorized error, got %v", err)
			}
			if got := derr.Response.Header.Values("Set-Cookie"); len(got) != 1 {
				t.Errorf("expected cookies on the error response, got %v", got)
			}
			attempts := up.Attempts()
			if got := len(attempts); got != 1 {
				t.Fatalf("want no retry, got %d attempts", got)
			}
			if got := attempts[0].header.Get("Content-Type"); got != "application/json" {
				t.Errorf("want a JSON content type without a body, got %q", got)
			}
			if got := tc.refresher.calls.Load(); got != tc.calls {
				t.Errorf("want %d refresh calls, got %d", tc.calls, got)
			}
		})
	}
}

func TestSkipBearer(t *testing.T) {
	f := newFixture(t, &fakeRefresher{})
	f.sessions.Put("s1", oauth2.Token{AccessToken: "fresh", RefreshToken: "r1"})

	headers := make(chan http.Header, 1)
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers <- r.Header.Clone()
	}))
	defer s.Close()

	req := outbound(t, http.MethodPost, s.URL+"/auth/token", `{"otp":"123456"}`)
	req.Header.Set("Authorization", "Bearer leaked")
	resp, err := f.factory.New(inbound("s1"), callerA).Dispatch(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	got := <-headers
	if v := got.Get("Authorization"); v != "" {
		t.Errorf("expected no bearer on the token endpoint, got %q", v)
	}
	if v := got.Get(identity.HeaderDeviceID); v != callerA.DeviceID {
		t.Errorf("expected identity headers anyway, got %q", v)
	}
}

func TestTransportError(t *testing.T) {
	f := newFixture(t, &fakeRefresher{})
	s := httptest.NewServer(http.NotFoundHandler())
	url := s.URL
	s.Close()

	_, err := f.factory.New(inbound("s1"), callerA).Dispatch(outbound(t, http.MethodGet, url+"/bills", ""))
	var derr *Error
	if !errors.As(err, &derr) || derr.Kind != KindTransport {
		t.Fatalf("want a transport error, got %v", err)
	}
	if derr.Unwrap() == nil {
		t.Error("expected the cause to be kept")
	}
}

func TestRedirectIsNotFollowed(t *testing.T) {
	f := newFixture(t, &fakeRefresher{})
	s := httptest.NewServer(http.RedirectHandler("/elsewhere", http.StatusFound))
	defer s.Close()

	resp, err := f.factory.New(inbound("s1"), callerA).Dispatch(outbound(t, http.MethodGet, s.URL+"/bills", ""))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Errorf("want the redirect passed through, got %d", resp.StatusCode)
	}
}

func TestSharedDeviceRefreshesOnce(t *testing.T) {
	r := &fakeRefresher{gate: make(chan struct{})}
	f := newFixture(t, r)
	up := newUpstream(t, false)

	callerB := callerA
	callerB.SourceIP = "192.0.2.2"

	type result struct {
		resp *http.Response
		err  error
	}
	results := make(chan result, 2)
	for _, c := range []struct {
		session string
		caller  identity.CallerContext
	}{{"s1", callerA}, {"s2", callerB}} {
		client := f.factory.New(inbound(c.session), c.caller)
		req := outbound(t, http.MethodGet, up.URL+"/bills", "")
		go func() {
			resp, err := client.Dispatch(req)
			results <- result{resp, err}
		}()
	}

	deadline := time.Now().Add(5 * time.Second)
	for counterValue(t, f.reg, "portal_gateway_refresh_requests_total", "result", "deduplicated") != 1 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for both callers to share the refresh")
		}
		time.Sleep(time.Millisecond)
	}
	close(r.gate)

	for i := 0; i < 2; i++ {
		res := <-results
		if res.err != nil {
			t.Fatalf("unexpected error: %v", res.err)
		}
		res.resp.Body.Close()
		if res.resp.StatusCode != http.StatusOK {
			t.Errorf("want retried success, got %d", res.resp.StatusCode)
		}
	}

	if got := r.calls.Load(); got != 1 {
		t.Errorf("want a single refresh, got %d", got)
	}
	var retried int
	for _, a := range up.Attempts() {
		if a.header.Get("Authorization") == "Bearer fresh" {
			retried++
		}
	}
	if retried != 2 {
		t.Errorf("want both retries to carry the refreshed token, got %d", retried)
	}
	for _, id := range []string{"s1", "s2"} {
		if tok, _ := f.sessions.Lookup(inbound(id)); tok == nil || tok.AccessToken != "fresh" {
			t.Errorf("session %s: expected the refreshed token to be stored, got %+v", id, tok)
		}
	}
}

func TestRetryState(t *testing.T) {
	var s RetryState
	if s.Exhausted() {
		t.Fatal("expected a fresh state to allow a retry")
	}
	next := s.Next()
	if !next.Exhausted() || next.Count != 1 || !next.Attempted {
		t.Errorf("unexpected state after one retry: %+v", next)
	}
	if s.Attempted || s.Count != 0 {
		t.Error("expected Next to leave the receiver unchanged")
	}
}
