// fake-target is a local test origin for end-to-end runs: it serves pages,
// can fail the first N requests to exercise retries, and can sleep to
// exercise lease extension and task timeouts.
package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"
)

var (
	mu         sync.Mutex
	failFirstN = 0
	reqCount   = 0
	delay      time.Duration
)

func main() {
	if v := os.Getenv("FAIL_FIRST_N"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			failFirstN = n
		}
	}
	if v := os.Getenv("RESPONSE_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			delay = d
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("/page/", handlePage)
	mux.HandleFunc("/gone", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	})
	mux.HandleFunc("/throttle", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "1")
		http.Error(w, "slow down", http.StatusTooManyRequests)
	})

	addr := os.Getenv("FAKE_TARGET_ADDR")
	if addr == "" {
		addr = ":8090"
	}
	log.Printf("fake-target listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, mux))
}

func handlePage(w http.ResponseWriter, r *http.Request) {
	mu.Lock()
	reqCount++
	n := reqCount
	mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	// Simulate flakiness: first N requests -> 500
	if n <= failFirstN {
		log.Printf("FAILING (%d/%d) %s", n, failFirstN, r.URL.Path)
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	log.Printf("fake-target OK %s", r.URL.Path)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, "<html><head><title>%s</title></head><body><p>request %d</p></body></html>", r.URL.Path, n)
}
