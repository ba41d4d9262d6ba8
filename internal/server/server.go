// Package server provides HTTP server initialization and lifecycle management
// for the sketchmatch web API.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/scrypster/sketchmatch/internal/config"
	"github.com/scrypster/sketchmatch/web/handlers"
)

// Handlers groups the endpoint implementations the server routes to.
type Handlers struct {
	Composer *handlers.ComposerHandlers
	Match    *handlers.MatchHandlers
}

// securityHeadersMiddleware adds security headers to all HTTP responses.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// NewHandler builds the routing tree. Everything below /api/ except the
// health check, plus saved sketches and reference photos, requires the API
// token in production mode.
func NewHandler(cfg *config.Config, h Handlers, hub *handlers.WebSocketHub) http.Handler {
	mux := http.NewServeMux()
	protected := http.NewServeMux()

	protected.HandleFunc("GET /api/categories", h.Composer.ListCategories)
	protected.HandleFunc("GET /api/assets/{category}", h.Composer.ListAssets)

	protected.HandleFunc("POST /api/sessions", h.Composer.CreateSession)
	protected.HandleFunc("GET /api/sessions/{id}", h.Composer.GetSession)
	protected.HandleFunc("DELETE /api/sessions/{id}", h.Composer.DeleteSession)
	protected.HandleFunc("POST /api/sessions/{id}/layers", h.Composer.PlaceLayer)
	protected.HandleFunc("POST /api/sessions/{id}/layers/{category}/move", h.Composer.MoveLayer)
	protected.HandleFunc("POST /api/sessions/{id}/layers/{category}/resize", h.Composer.ResizeLayer)
	protected.HandleFunc("DELETE /api/sessions/{id}/layers/{category}", h.Composer.RemoveLayer)
	protected.HandleFunc("POST /api/sessions/{id}/clear", h.Composer.ClearSession)
	protected.HandleFunc("GET /api/sessions/{id}/image", h.Composer.GetImage)
	protected.HandleFunc("POST /api/sessions/{id}/save", h.Composer.SaveSketch)
	protected.HandleFunc("POST /api/sessions/{id}/compare", h.Match.CompareSession)
	protected.HandleFunc("GET /api/sketches", h.Composer.ListSketches)
	protected.HandleFunc("GET /api/sketches/{id}", h.Composer.GetSketch)
	protected.HandleFunc("POST /api/sketches/{id}/session", h.Composer.OpenSketch)

	protected.HandleFunc("POST /api/compare", h.Match.Compare)
	protected.HandleFunc("POST /api/match", h.Match.Match)
	protected.HandleFunc("POST /api/cache/invalidate", h.Match.InvalidateCache)
	protected.HandleFunc("GET /api/cache/stats", h.Match.CacheStats)

	protected.HandleFunc("GET /output/{filename}", h.Composer.DownloadOutput)
	protected.HandleFunc("GET /reference-image/{path...}", h.Match.ReferenceImage)

	auth := handlers.RequireAuth(protected, cfg)
	mux.Handle("/api/", auth)
	mux.Handle("/output/", auth)
	mux.Handle("/reference-image/", auth)

	// Health endpoint: no auth required, used by monitoring.
	mux.HandleFunc("GET /api/health", h.Match.Health)

	// Feature assets are public catalog images.
	mux.HandleFunc("GET /assets/{category}/{filename}", h.Composer.GetAsset)

	// WebSocket endpoint (no auth required - origin validation handles security)
	if hub != nil {
		mux.Handle("/ws", hub)
	}

	handler := handlers.TimeoutMiddleware(mux, cfg.Server.RequestTimeout)
	if cfg.Security.RateLimit > 0 {
		handler = handlers.RateLimitMiddleware(handler, handlers.NewRateLimiter(cfg.Security.RateLimit, max(cfg.Security.RateBurst, 1)))
	}
	return securityHeadersMiddleware(handler)
}

// Start initializes and starts the HTTP server.
// Returns the actual address being listened on (useful for testing with port 0)
// and the WebSocketHub for wiring search progress broadcasts. The server shuts
// down when ctx is canceled.
func Start(ctx context.Context, cfg *config.Config, h Handlers) (string, *handlers.WebSocketHub, error) {
	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, fmt.Errorf("server: failed to listen on %s: %w", addr, err)
	}
	actualAddr := listener.Addr().String()
	_, port, _ := net.SplitHostPort(actualAddr)

	wsHub := handlers.NewWebSocketHub(
		actualAddr,
		net.JoinHostPort("localhost", port),
		net.JoinHostPort("127.0.0.1", port),
	)
	go wsHub.Run()

	writeTimeout := 30 * time.Second
	if cfg.Server.RequestTimeout > 0 {
		writeTimeout = cfg.Server.RequestTimeout + 10*time.Second
	}
	server := &http.Server{
		Handler:      NewHandler(cfg, h, wsHub),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: writeTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("server: serve error: %v", err)
		}
	}()

	// Handle graceful shutdown
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("server: shutdown error: %v", err)
		}
		wsHub.Stop()
	}()

	log.Printf("server: listening on %s", actualAddr)
	return actualAddr, wsHub, nil
}
