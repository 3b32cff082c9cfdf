package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestAllowRefills(t *testing.T) {
	l := New(2, time.Minute)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		if ok, _ := l.Allow("key-1"); !ok {
			t.Fatalf("request %d should pass", i)
		}
	}
	ok, wait := l.Allow("key-1")
	if ok {
		t.Fatal("third request should be limited")
	}
	if wait <= 0 || wait > 30*time.Second {
		t.Errorf("wait = %v", wait)
	}
	if ok, _ := l.Allow("key-2"); !ok {
		t.Error("keys must not share a bucket")
	}

	now = now.Add(30 * time.Second)
	if ok, _ := l.Allow("key-1"); !ok {
		t.Error("bucket should refill one token after half the window")
	}
}

func TestSweepDropsIdleBuckets(t *testing.T) {
	l := New(1, time.Minute)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	l.Allow("key-1")

	now = now.Add(3 * time.Minute)
	l.sweep()
	if len(l.buckets) != 0 {
		t.Errorf("expected idle bucket to be dropped, have %d", len(l.buckets))
	}
}

func TestMiddleware(t *testing.T) {
	l := New(1, time.Hour)
	h := Middleware(l)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	codes := []int{http.StatusOK, http.StatusTooManyRequests}
	for i, want := range codes {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/process", nil)
		req.RemoteAddr = "10.0.0.1:5000"
		h.ServeHTTP(rec, req)
		if rec.Code != want {
			t.Fatalf("request %d: status = %d, want %d", i, rec.Code, want)
		}
		if want == http.StatusTooManyRequests && rec.Header().Get("Retry-After") == "" {
			t.Error("expected Retry-After header")
		}
	}
}
