package main

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"
)

var (
	failFirstN    = 0
	reqCount      = 0
	responseDelay time.Duration
	authHeader    = ""
	authValue     = ""
)

// fake-endpoint is a local delivery target for exercising the gateway:
// flaky for the first N requests, optionally slow, optionally demanding an
// auth header.
func main() {
	if v := os.Getenv("FAIL_FIRST_N"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			failFirstN = n
		}
	}
	if v := os.Getenv("RESPONSE_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			responseDelay = d
		}
	}
	authHeader = os.Getenv("REQUIRE_AUTH_HEADER")
	authValue = os.Getenv("REQUIRE_AUTH_VALUE")

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("/hook", handleHook)
	mux.HandleFunc("/stream", handleStream)

	addr := ":" + getenv("FAKE_ENDPOINT_PORT", "8081")
	log.Printf("fake-endpoint listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, mux))
}

func handleHook(w http.ResponseWriter, r *http.Request) {
	reqCount++
	b, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	if responseDelay > 0 {
		time.Sleep(responseDelay)
	}

	if authHeader != "" && r.Header.Get(authHeader) != authValue {
		log.Printf("fake-endpoint rejecting %s: missing or wrong %s header", r.URL.Path, authHeader)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	// Simulate flakiness: first N requests -> 500
	if reqCount <= failFirstN {
		log.Printf("FAILING (%d/%d) %s headers=%d body=%s", reqCount, failFirstN, r.URL.Path, len(r.Header), truncate(string(b), 160))
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	log.Printf("fake-endpoint OK %s headers=%d body=%q", r.URL.Path, len(r.Header), truncate(string(b), 160))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, `{"received":true,"bytes":%d}`, len(b))
}

// handleStream dribbles chunks out slowly so streamed proxying is visible.
func handleStream(w http.ResponseWriter, r *http.Request) {
	_, _ = io.Copy(io.Discard, r.Body)
	defer r.Body.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	for i := 0; i < 5; i++ {
		_, _ = fmt.Fprintf(w, `{"chunk":%d}`+"\n", i)
		flusher.Flush()
		time.Sleep(200 * time.Millisecond)
	}
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
