package server

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"
)

// startHTTPServer serves /metrics and /healthz on the metrics port
func (s *Server) startHTTPServer() error {
	addr := fmt.Sprintf(":%d", s.config.MetricsPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.HealthHandler)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}

	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errorLog.Printf("Metrics server error: %v", err)
		}
	}()

	log.Printf("Metrics server listening on %s", ln.Addr())
	return nil
}

// HealthHandler serves health check status
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":           "healthy",
		"uptime_seconds":   int64(time.Since(s.startTime).Seconds()),
		"active_sessions":  s.sessions.Count(),
		"bound_identities": s.registry.Count(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(health); err != nil {
		errorLog.Printf("Error encoding health JSON: %v", err)
	}
}
