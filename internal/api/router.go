// Package api assembles the HTTP surface: middleware chain, CORS policy,
// and the route table over the handler set.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/percolationlabs/percolate/internal/api/handlers"
	"github.com/percolationlabs/percolate/internal/api/middleware"
	"github.com/percolationlabs/percolate/internal/auth"
	"github.com/percolationlabs/percolate/internal/config"
)

// defaultOrigins is always allowed; CORS_ORIGINS adds to it rather than
// replacing it.
var defaultOrigins = []string{
	"http://localhost:3000",
	"http://localhost:5008",
	"http://localhost:5173",
}

// NewRouter creates the HTTP router with all API routes.
func NewRouter(h *handlers.Handlers, resolver *auth.Resolver, cfg *config.Config) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins(cfg),
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "PATCH", "HEAD", "OPTIONS"},
		AllowedHeaders: []string{
			"Accept", "Authorization", "Content-Type", "X-Request-Id",
			"X-User-Email", "X-Session-Id",
			"Tus-Resumable", "Upload-Length", "Upload-Offset", "Upload-Metadata",
		},
		ExposedHeaders: []string{
			"X-Request-Id", "Location",
			"Tus-Resumable", "Tus-Version", "Tus-Max-Size",
			"Upload-Offset", "Upload-Length",
		},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	require := middleware.Require(resolver)
	optional := middleware.Optional(resolver)

	// Health & info
	r.Get("/health", h.Health)
	r.Get("/version", h.Version)

	// OAuth discovery & token endpoints
	r.Get("/.well-known/oauth-authorization-server", h.AuthorizationServerMetadata)
	r.Get("/.well-known/oauth-protected-resource", h.ProtectedResourceMetadata)
	r.Route("/auth", func(r chi.Router) {
		r.With(require).Get("/authorize", h.Authorize)
		r.Post("/token", h.Token)
		r.Post("/introspect", h.Introspect)
		r.With(require).Get("/ping", h.Ping)
		r.Post("/logout", h.Logout)
	})

	// Chat
	r.Route("/chat", func(r chi.Router) {
		r.Use(optional)
		r.Post("/completions", h.ChatCompletions)
		r.Post("/agent/{name}/completions", h.AgentCompletions)
	})

	// Entities: agents, semantic search, tool discovery
	r.Route("/entities", func(r chi.Router) {
		r.Use(optional)
		r.Get("/", h.ListAgents)
		r.With(require).Post("/", h.RegisterAgent)
		r.Post("/search", h.SearchEntities)
		r.Get("/functions", h.SearchFunctions)
		r.Get("/{name}", h.GetAgent)
		r.With(require).Delete("/{name}", h.DeleteAgent)
	})

	// Resumable uploads
	r.Route("/tus", func(r chi.Router) {
		r.Use(optional)
		r.Post("/", h.CreateUpload)
		r.Head("/{id}", h.HeadUpload)
		r.Patch("/{id}", h.PatchUpload)
		r.Delete("/{id}", h.DeleteUpload)
		r.Get("/{id}/status", h.GetUploadStatus)
	})

	// Memories (always caller-scoped)
	r.Route("/memory", func(r chi.Router) {
		r.Use(require)
		r.Post("/", h.CreateMemory)
		r.Get("/", h.ListMemories)
		r.Get("/{name}", h.GetMemory)
		r.Delete("/{name}", h.DeleteMemory)
	})

	// Admin
	r.Route("/admin", func(r chi.Router) {
		r.Use(require)
		r.Get("/audit", h.ListAudit)
		r.Post("/content/upload", h.UploadContent)
		r.Get("/schedules", h.ListSchedules)
		r.Post("/sync/schedule", h.CreateSchedule)
	})

	// External integrations
	r.Route("/x", func(r chi.Router) {
		r.Use(require)
		r.Post("/web/search", h.WebSearch)
		r.Post("/web/fetch", h.WebFetch)
		r.Post("/mail/fetch", h.MailFetch)
	})

	// MCP streamable HTTP transport
	r.With(require).Handle("/mcp", http.HandlerFunc(h.MCP))

	return r
}

// corsOrigins merges the built-in development origins with configured ones.
func corsOrigins(cfg *config.Config) []string {
	seen := map[string]bool{}
	origins := make([]string, 0, len(defaultOrigins)+len(cfg.CORS.Origins))
	for _, o := range defaultOrigins {
		seen[o] = true
		origins = append(origins, o)
	}
	for _, o := range cfg.CORS.Origins {
		if o != "" && !seen[o] {
			seen[o] = true
			origins = append(origins, o)
		}
	}
	return origins
}
