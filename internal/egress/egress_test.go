package egress

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestEndpointAvailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/endpoint" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"url":"http://10.0.0.5:3128"}`))
	}))
	defer srv.Close()

	p := New(srv.URL, time.Second)
	url, ok, err := p.Endpoint(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected an endpoint")
	}
	if url != "http://10.0.0.5:3128" {
		t.Errorf("unexpected endpoint %q", url)
	}
}

func TestEndpointNoneAvailable(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"no content", http.StatusNoContent, ""},
		{"not found", http.StatusNotFound, ""},
		{"empty url", http.StatusOK, `{"url":""}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				if tt.body != "" {
					_, _ = w.Write([]byte(tt.body))
				}
			}))
			defer srv.Close()

			p := New(srv.URL, time.Second)
			_, ok, err := p.Endpoint(context.Background())
			if err != nil {
				t.Fatalf("none-available must not error, got %v", err)
			}
			if ok {
				t.Error("expected no endpoint")
			}
		})
	}
}

func TestEndpointServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := New(srv.URL, time.Second)
	_, ok, err := p.Endpoint(context.Background())
	if err == nil {
		t.Fatal("expected error on provider 5xx")
	}
	if ok {
		t.Error("errored call must not report an endpoint")
	}
}

func TestEndpointProviderDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	deadURL := srv.URL
	srv.Close()

	p := New(deadURL, 500*time.Millisecond)
	_, ok, err := p.Endpoint(context.Background())
	if err == nil {
		t.Fatal("expected connection error")
	}
	if ok {
		t.Error("errored call must not report an endpoint")
	}
}
