package alert

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestPager(url string, retries int) *Pager {
	return NewPager(url, retries, time.Second, 0, zap.NewNop())
}

func TestSendAlert_Success(t *testing.T) {
	var body atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		body.Store(string(b))
	}))
	defer srv.Close()

	p := newTestPager(srv.URL, 10)
	if err := p.SendAlert(context.Background(), "853291", "20240804082600"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := body.Load(); got != "853291,20240804082600" {
		t.Errorf("expected body 'mrn,timestamp', got %q", got)
	}
}

func TestSendAlert_RetriesOnBadStatus(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	p := newTestPager(srv.URL, 10)
	if err := p.SendAlert(context.Background(), "1", "20240101000000"); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestSendAlert_ExhaustsBudgetOnStatus(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := newTestPager(srv.URL, 3)
	if err := p.SendAlert(context.Background(), "1", "20240101000000"); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestSendAlert_TransportError(t *testing.T) {
	// Point at a closed server so every attempt fails at the transport.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	p := newTestPager(url, 2)
	if err := p.SendAlert(context.Background(), "1", "20240101000000"); err == nil {
		t.Fatal("expected error for unreachable pager")
	}
}

func TestSendAlert_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := NewPager(srv.URL, 10, time.Second, time.Minute, zap.NewNop())
	start := time.Now()
	if err := p.SendAlert(ctx, "1", "20240101000000"); err == nil {
		t.Fatal("expected error for cancelled context")
	}
	if time.Since(start) > 5*time.Second {
		t.Error("cancelled context did not short-circuit the retry sleep")
	}
}
