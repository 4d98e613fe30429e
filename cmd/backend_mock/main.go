// Command backend_mock is a stand-in backend for local runs of the proxy.
// FAIL_MODE=503 makes every route answer 503 so the mock fallback can be tried.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "5001"
	}
	failing := os.Getenv("FAIL_MODE") == "503"

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
	})
	mux.HandleFunc("/download-tool", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ToolName string `json:"toolName"`
			Action   string `json:"action"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON in request"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"message": fmt.Sprintf("Installed %s", req.ToolName),
			"status":  "completed",
			"action":  req.Action,
		})
	})

	var handler http.Handler = mux
	if failing {
		handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		})
	}

	addr := fmt.Sprintf(":%s", port)
	log.Printf("Mock backend running on %s (fail mode: %t)", addr, failing)
	if err := http.ListenAndServe(addr, handler); err != nil {
		log.Fatalf("Failed to start mock backend: %v", err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
