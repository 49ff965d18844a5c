package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jaennil/guide_helper/backend/tileloader/pkg/clock"
)

func TestGetReturnsBodyAndHeaders(t *testing.T) {
	var gotUA, gotReferer, gotCustom string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotReferer = r.Header.Get("Referer")
		gotCustom = r.Header.Get("X-Api-Key")
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("tile-bytes"))
	}))
	defer srv.Close()

	tr := NewHTTPTransport(WithUserAgent("test-agent"), WithReferer("https://ref.example"))

	resp, err := tr.Get(context.Background(), srv.URL, Options{Headers: map[string]string{"X-Api-Key": "k"}})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	if string(resp.Data) != "tile-bytes" || resp.Status != http.StatusOK {
		t.Fatalf("unexpected response: %d %q", resp.Status, resp.Data)
	}
	if resp.Header.Get("Content-Type") != "image/png" {
		t.Errorf("Content-Type = %q", resp.Header.Get("Content-Type"))
	}
	if gotUA != "test-agent" || gotReferer != "https://ref.example" || gotCustom != "k" {
		t.Errorf("headers not forwarded: ua=%q referer=%q custom=%q", gotUA, gotReferer, gotCustom)
	}
}

func TestNonSuccessStatusIsStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewHTTPTransport().Get(context.Background(), srv.URL, Options{})

	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if statusErr.Status != http.StatusNotFound {
		t.Errorf("Status = %d", statusErr.Status)
	}
}

func TestBodyLargerThanLimitIsRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 2048))
	}))
	defer srv.Close()

	_, err := NewHTTPTransport(WithMaxBodySize(1024)).Get(context.Background(), srv.URL, Options{})
	if !errors.Is(err, ErrBodyTooLarge) {
		t.Fatalf("expected ErrBodyTooLarge, got %v", err)
	}

	resp, err := NewHTTPTransport(WithMaxBodySize(2048)).Get(context.Background(), srv.URL, Options{})
	if err != nil || len(resp.Data) != 2048 {
		t.Fatalf("body at the limit should be accepted: %v", err)
	}
}

func TestRetriesWithDoublingDelay(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	clk := clock.NewManual(time.Unix(0, 0))
	tr := NewHTTPTransport(WithClock(clk))

	resp, err := tr.Get(context.Background(), srv.URL, Options{Retries: 3, RetryDelay: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(resp.Data) != "ok" || calls.Load() != 3 {
		t.Fatalf("data=%q calls=%d", resp.Data, calls.Load())
	}

	waited := clk.Waited()
	if len(waited) != 2 || waited[0] != 100*time.Millisecond || waited[1] != 200*time.Millisecond {
		t.Fatalf("waited = %v", waited)
	}
}

func TestTimeoutIsDeadlineExceeded(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	_, err := NewHTTPTransport().Get(context.Background(), srv.URL, Options{Timeout: 20 * time.Millisecond})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestCancelledContextAborts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := NewHTTPTransport().Get(ctx, srv.URL, Options{Retries: 5, RetryDelay: time.Hour})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestConcurrencyGate(t *testing.T) {
	var (
		mu      sync.Mutex
		current int
		peak    int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		current++
		if current > peak {
			peak = current
		}
		mu.Unlock()

		time.Sleep(10 * time.Millisecond)

		mu.Lock()
		current--
		mu.Unlock()
	}))
	defer srv.Close()

	tr := NewHTTPTransport(WithMaxConcurrent(2))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.Get(context.Background(), srv.URL, Options{})
		}()
	}
	wg.Wait()

	if peak > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", peak)
	}
}
