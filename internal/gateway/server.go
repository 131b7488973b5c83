package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"courier/internal/version"
	"courier/pkg/protocol"
)

// Serve runs the management HTTP surface until ctx is cancelled, then
// shuts the gateway down.
func (g *Gateway) Serve(ctx context.Context) error {
	if err := g.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize gateway: %w", err)
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /ws", g.hub.ServeWS)

	mux.HandleFunc("GET /api/plugins", func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, g.PluginStatuses())
	})
	mux.HandleFunc("POST /api/plugins", g.handleUpsertPlugin)
	mux.HandleFunc("POST /api/plugins/test", g.handleTestPlugin)
	mux.HandleFunc("POST /api/plugins/{id}/enable", func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, g.EnablePlugin(r.Context(), r.PathValue("id")))
	})
	mux.HandleFunc("POST /api/plugins/{id}/disable", func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, g.DisablePlugin(r.PathValue("id")))
	})
	mux.HandleFunc("DELETE /api/plugins/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, g.RemovePlugin(r.PathValue("id")))
	})

	mux.HandleFunc("GET /api/pairings", func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, g.ListPairings())
	})
	mux.HandleFunc("POST /api/pairings/{code}/approve", func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, g.ApprovePairing(r.PathValue("code")))
	})
	mux.HandleFunc("POST /api/pairings/{code}/reject", func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, g.RejectPairing(r.PathValue("code")))
	})

	mux.HandleFunc("GET /api/users", func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, g.ListUsers())
	})
	mux.HandleFunc("DELETE /api/users/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, g.RevokeUser(r.PathValue("id")))
	})

	mux.HandleFunc("GET /api/sessions", func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, g.ListSessions())
	})
	mux.HandleFunc("DELETE /api/conversations/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, g.CleanupConversation(r.PathValue("id")))
	})

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", g.cfg.Port),
		Handler: mux,
	}

	go func() {
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[Gateway] HTTP server error: %v", err)
		}
	}()

	log.Printf("[Gateway] Management server listening on port %d", g.cfg.Port)

	<-ctx.Done()

	log.Println("[Gateway] Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Gateway] Server shutdown error: %v", err)
	}

	g.Shutdown()
	return nil
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"version":  version.Info(),
		"sessions": len(g.sessions.List()),
		"clients":  g.hub.ClientCount(),
	})
}

func (g *Gateway) handleUpsertPlugin(w http.ResponseWriter, r *http.Request) {
	var req UpsertPluginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, fail(fmt.Errorf("invalid request body: %w", err)))
		return
	}
	writeResult(w, g.UpsertPlugin(r.Context(), req))
}

func (g *Gateway) handleTestPlugin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type  protocol.Platform `json:"type"`
		Token string            `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, fail(fmt.Errorf("invalid request body: %w", err)))
		return
	}
	writeResult(w, g.TestPlugin(r.Context(), req.Type, req.Token))
}

func writeResult(w http.ResponseWriter, res Result) {
	status := http.StatusOK
	if !res.Success {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[Gateway] Failed to encode response: %v", err)
	}
}
