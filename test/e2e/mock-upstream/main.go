// ABOUTME: Mock generation API HTTP server for e2e testing
// ABOUTME: Answers by bearer token prefix so tests can steer health outcomes
package main

import (
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Token prefixes that force an upstream answer
const (
	prefixLimited = "limited-"
	prefixRevoked = "revoked-"
	prefixBroken  = "broken-"
)

type GenerateResponse struct {
	ID        string `json:"id"`
	BodyBytes int    `json:"body_bytes"`
}

type StatsResponse struct {
	Calls map[string]int `json:"calls"`
	Total int            `json:"total"`
}

var (
	calls = make(map[string]int)
	total int
	mu    sync.Mutex
)

func bearer(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(header, "Bearer ")
}

func generateHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	token := bearer(r)
	if token == "" {
		http.Error(w, "Missing bearer token", http.StatusUnauthorized)
		return
	}

	var body json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	mu.Lock()
	calls[token]++
	total++
	mu.Unlock()

	switch {
	case strings.HasPrefix(token, prefixLimited):
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
		return
	case strings.HasPrefix(token, prefixRevoked):
		http.Error(w, `{"error":"invalid api key"}`, http.StatusUnauthorized)
		return
	case strings.HasPrefix(token, prefixBroken):
		http.Error(w, `{"error":"internal"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(GenerateResponse{ID: uuid.NewString(), BodyBytes: len(body)})
}

func statsHandler(w http.ResponseWriter, r *http.Request) {
	mu.Lock()
	defer mu.Unlock()

	snapshot := make(map[string]int, len(calls))
	for token, n := range calls {
		snapshot[token] = n
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(StatsResponse{Calls: snapshot, Total: total})
}

func resetHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	mu.Lock()
	defer mu.Unlock()

	calls = make(map[string]int)
	total = 0
	log.Println("Reset: cleared call counters")

	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"reset"}`))
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy"}`))
}

func main() {
	addr := flag.String("addr", ":8090", "Listen address")
	flag.Parse()

	http.HandleFunc("/health", healthHandler)
	http.HandleFunc("/reset", resetHandler)
	http.HandleFunc("/stats", statsHandler)
	http.HandleFunc("/v1/generate", generateHandler)

	log.Printf("Mock generation API starting on %s", *addr)
	if err := http.ListenAndServe(*addr, nil); err != nil {
		log.Fatal(err)
	}
}
