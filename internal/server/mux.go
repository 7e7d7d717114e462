// Package server provides HTTP server construction for the admin
// endpoint.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/ledger-sync/internal/auth"
	"github.com/alexjbarnes/ledger-sync/internal/models"
)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	APIKey     string
	MCPHandler http.Handler
	Logger     *slog.Logger

	// Status reports the sync state for the health endpoint.
	Status func() models.SyncState
}

// healthResponse is the body of /healthz.
type healthResponse struct {
	OK      bool          `json:"ok"`
	Status  models.Status `json:"status"`
	Pending int           `json:"pending"`
}

// NewMux builds the HTTP mux with the health and MCP endpoints. The MCP
// endpoint is protected by the API key middleware.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealth(cfg.Status))

	authMiddleware := auth.Middleware(cfg.APIKey, cfg.Logger)
	mux.Handle("/mcp", authMiddleware(logRequests(cfg.Logger, cfg.MCPHandler)))

	return mux
}

// logRequests logs each authenticated admin request at debug level.
func logRequests(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.Debug("admin request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("ip", auth.RequestRemoteIP(r.Context())),
		)

		next.ServeHTTP(w, r)
	})
}

func handleHealth(status func() models.SyncState) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		resp := healthResponse{OK: true}

		if status != nil {
			s := status()
			resp.Status = s.Status
			resp.Pending = s.PendingCount
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}
