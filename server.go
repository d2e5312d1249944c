package main

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"paperminder/server/rollout"
	"paperminder/server/storage"
	"paperminder/server/ws"
)

// Server wires the store, the connection registry, and the rollout engine
// behind the HTTP surface. Tests construct a fresh Server per case.
type Server struct {
	cfg         *Config
	store       storage.Store
	registry    *ws.Registry
	evaluator   *rollout.Evaluator
	tracker     *rollout.Tracker
	scheduler   *rollout.Scheduler
	connLimiter *ConnRateLimiter
	sendTimeout time.Duration
}

func newServer(cfg *Config, store storage.Store) *Server {
	registry := ws.NewRegistry()
	sendTimeout := time.Duration(cfg.WebSocket.SendTimeoutSeconds) * time.Second

	evaluator := rollout.NewEvaluator(store, registry, cfg.Server.BaseURL, sendTimeout)
	tracker := rollout.NewTracker(store)
	scheduler := rollout.NewScheduler(store, evaluator, registry, rollout.SchedulerConfig{
		TickInterval:   time.Duration(cfg.Rollout.TickSeconds) * time.Second,
		CacheRetention: time.Duration(cfg.Rollout.CacheRetentionDays) * 24 * time.Hour,
	})

	var limiter *ConnRateLimiter
	if cfg.Security.RateLimitEnabled {
		limiter = NewConnRateLimiter(
			cfg.Security.RateLimitMaxAttempts,
			time.Duration(cfg.Security.RateLimitBlockMinutes)*time.Minute,
			time.Duration(cfg.Security.RateLimitWindowMinutes)*time.Minute,
		)
	}

	return &Server{
		cfg:         cfg,
		store:       store,
		registry:    registry,
		evaluator:   evaluator,
		tracker:     tracker,
		scheduler:   scheduler,
		connLimiter: limiter,
		sendTimeout: sendTimeout,
	}
}

// shutdown stops the background pieces. Socket sessions observe their
// closed connections and tear themselves down.
func (s *Server) shutdown() {
	s.scheduler.Stop()
	if s.connLimiter != nil {
		s.connLimiter.Stop()
	}
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/version", handleVersion)

	mux.HandleFunc("/ws/", s.handleWebSocket)

	mux.HandleFunc("/api/firmware", s.handleFirmwareList)
	mux.HandleFunc("/api/firmware/upload", s.handleFirmwareUpload)
	mux.HandleFunc("/api/firmware/download/", s.handleFirmwareDownload)

	mux.HandleFunc("/api/rollouts", s.handleRollouts)
	mux.HandleFunc("/api/rollouts/", s.handleRolloutByID)

	mux.HandleFunc("/api/printers", s.handlePrintersList)
	mux.HandleFunc("/api/printers/", s.handlePrinterAction)

	return s.corsMiddleware(mux)
}

// corsMiddleware applies the configured origin allow-list to browser
// requests. Requests without an Origin header pass through untouched.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if !s.cfg.OriginAllowed(origin) {
				http.Error(w, "Origin not allowed", http.StatusForbidden)
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handlePrintersList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	printers, err := s.store.ListPrinters(r.Context())
	if err != nil {
		logError("Failed to list printers", "error", err)
		http.Error(w, "Failed to list printers", http.StatusInternalServerError)
		return
	}
	for _, p := range printers {
		p.Online = s.registry.IsConnected(p.ID)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"printers": printers})
}

// handlePrinterAction routes /api/printers/{id}/... subpaths.
func (s *Server) handlePrinterAction(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/printers/")
	parts := strings.SplitN(rest, "/", 2)
	printerID := parts[0]
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch {
	case action == "print-bitmap" && r.Method == http.MethodPost:
		s.handlePrintBitmap(w, r, printerID)
	case action == "print-test" && r.Method == http.MethodPost:
		s.handlePrintTestPattern(w, r, printerID)
	case action == "" && r.Method == http.MethodGet:
		printer, err := s.store.GetPrinter(r.Context(), printerID)
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "Printer not found", http.StatusNotFound)
			return
		}
		if err != nil {
			logError("Failed to load printer", "printer_id", printerID, "error", err)
			http.Error(w, "Failed to load printer", http.StatusInternalServerError)
			return
		}
		printer.Online = s.registry.IsConnected(printer.ID)
		writeJSON(w, http.StatusOK, printer)
	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logWarn("Failed to encode JSON response", "error", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// getRealIP extracts the client IP, preferring X-Forwarded-For when the
// server sits behind a reverse proxy.
func getRealIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.Index(fwd, ","); idx >= 0 {
			fwd = fwd[:idx]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
