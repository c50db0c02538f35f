package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/crawlgrid/crawlgrid/internal/task"
	"github.com/crawlgrid/crawlgrid/internal/worker"
)

func TestExecuteSuccess(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		_, _ = w.Write([]byte("<html>hello</html>"))
	}))
	defer srv.Close()

	f := New(5 * time.Second)
	res, err := f.Execute(context.Background(), task.Payload{URL: srv.URL + "/page"}, "")
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if res.Bytes != len("<html>hello</html>") {
		t.Errorf("expected %d bytes, got %d", len("<html>hello</html>"), res.Bytes)
	}
	if gotUA != "crawlgrid/1.0" {
		t.Errorf("expected crawlgrid user agent, got %q", gotUA)
	}
}

func TestExecuteStatusClassification(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		wantErr      bool
		wantTerminal bool
	}{
		{"ok", http.StatusOK, false, false},
		{"server error", http.StatusInternalServerError, true, false},
		{"bad gateway", http.StatusBadGateway, true, false},
		{"throttled", http.StatusTooManyRequests, true, false},
		{"request timeout", http.StatusRequestTimeout, true, false},
		{"not found", http.StatusNotFound, true, true},
		{"gone", http.StatusGone, true, true},
		{"forbidden", http.StatusForbidden, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			f := New(5 * time.Second)
			_, err := f.Execute(context.Background(), task.Payload{URL: srv.URL}, "")
			if (err != nil) != tt.wantErr {
				t.Fatalf("status %d: err = %v, wantErr %v", tt.status, err, tt.wantErr)
			}
			if err != nil && worker.IsTerminal(err) != tt.wantTerminal {
				t.Errorf("status %d: IsTerminal = %v, want %v", tt.status, worker.IsTerminal(err), tt.wantTerminal)
			}
		})
	}
}

func TestExecuteInvalidURLTerminal(t *testing.T) {
	f := New(time.Second)

	for _, target := range []string{"", "not a url", "ftp://example.com/file"} {
		_, err := f.Execute(context.Background(), task.Payload{URL: target}, "")
		if err == nil {
			t.Errorf("url %q: expected error", target)
			continue
		}
		if !worker.IsTerminal(err) {
			t.Errorf("url %q: expected terminal error, got %v", target, err)
		}
	}
}

func TestExecuteNetworkErrorRetriable(t *testing.T) {
	// Grab a port that nothing listens on.
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	deadURL := srv.URL
	srv.Close()

	f := New(time.Second)
	_, err := f.Execute(context.Background(), task.Payload{URL: deadURL}, "")
	if err == nil {
		t.Fatal("expected connection error")
	}
	if worker.IsTerminal(err) {
		t.Errorf("network error must be retriable, got terminal: %v", err)
	}
}

func TestExecuteBodyCap(t *testing.T) {
	big := make([]byte, maxBodyBytes+4096)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(big)
	}))
	defer srv.Close()

	f := New(10 * time.Second)
	res, err := f.Execute(context.Background(), task.Payload{URL: srv.URL}, "")
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if res.Bytes != maxBodyBytes {
		t.Errorf("expected body capped at %d bytes, got %d", maxBodyBytes, res.Bytes)
	}
}
