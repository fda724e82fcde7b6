// Package server is the public composition root for the Percolate core
// server. It lives in pkg/ (not internal/) so downstream distributions can
// import it and wrap the handler with their own middleware.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":5008", srv.Handler)
package server

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/percolationlabs/percolate/internal/agent"
	"github.com/percolationlabs/percolate/internal/api"
	"github.com/percolationlabs/percolate/internal/api/handlers"
	"github.com/percolationlabs/percolate/internal/auth"
	"github.com/percolationlabs/percolate/internal/blob"
	"github.com/percolationlabs/percolate/internal/config"
	"github.com/percolationlabs/percolate/internal/embeddings"
	"github.com/percolationlabs/percolate/internal/ingest"
	"github.com/percolationlabs/percolate/internal/integrations"
	"github.com/percolationlabs/percolate/internal/jobs"
	"github.com/percolationlabs/percolate/internal/llm"
	"github.com/percolationlabs/percolate/internal/oauth"
	"github.com/percolationlabs/percolate/internal/scheduler"
	"github.com/percolationlabs/percolate/internal/store"
	"github.com/percolationlabs/percolate/internal/telemetry"
	"github.com/percolationlabs/percolate/internal/tools"
	"github.com/percolationlabs/percolate/internal/tus"
	"github.com/percolationlabs/percolate/internal/vectorstore"
	"github.com/percolationlabs/percolate/pkg/models"
)

// Server holds the initialized Percolate core server.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the data store (Postgres, or in-memory fallback).
	Store store.Store

	// Config is the resolved configuration.
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc drains background work and flushes telemetry. Call it
	// on graceful shutdown.
	ShutdownFunc func(context.Context) error
}

// New loads configuration from the environment and initializes the server.
func New(ctx context.Context) (*Server, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewWithConfig(ctx, cfg)
}

// NewWithConfig initializes the server with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdownTelemetry, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	// Storage: Postgres with row-level scope in production, in-memory for
	// zero-config development.
	var (
		dataStore store.Store
		index     vectorstore.Index
	)
	pg, err := store.NewPostgresStore(ctx, cfg.Database.URL, cfg.Database.MaxConnections)
	if err != nil {
		log.Warn().Err(err).Msg("postgres unavailable, using in-memory store")
		dataStore = store.NewMemoryStore()
		index = vectorstore.NewEmbeddedIndex()
	} else {
		dataStore = pg
		pgIndex, err := vectorstore.NewPgvectorIndex(ctx, cfg.Database.URL, cfg.LLM.EmbeddingDims)
		if err != nil {
			log.Warn().Err(err).Msg("pgvector unavailable, using embedded index")
			index = vectorstore.NewEmbeddedIndex()
		} else {
			index = pgIndex
		}
		log.Info().Msg("postgres store initialized")
	}

	embedder := embeddings.NewClient(cfg.LLM.OpenAIBaseURL, cfg.LLM.OpenAIKey, cfg.LLM.EmbeddingModel, cfg.LLM.EmbeddingDims)

	// Auth: session key survives restarts; the JWT secret falls back to
	// the system token, then to the session key, so single-key deployments
	// keep working.
	sessionKey, err := auth.LoadOrCreateSessionKey(cfg.Auth.SessionKey, cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("session key: %w", err)
	}
	jwtSecret := cfg.Auth.JWTSecret
	if jwtSecret == "" {
		jwtSecret = cfg.Auth.SystemToken
	}
	if jwtSecret == "" {
		jwtSecret = hex.EncodeToString(sessionKey)
	}
	issuer := auth.NewTokenIssuer(jwtSecret, cfg.Auth.Issuer, cfg.Auth.Audience, cfg.Auth.TokenTTL)
	sessions := auth.NewSessions(sessionKey, cfg.Auth.SessionTTL)
	resolver := auth.NewResolver(dataStore, cfg.Auth, issuer, sessions)
	resolver.AllowQueryParam = cfg.Auth.AllowQueryParam
	oauthSrv := oauth.NewServer(issuer)

	// LLM providers, tools, agent runtime
	providers := llm.NewRegistry(cfg.LLM)
	pool := jobs.NewPool(4, 128)
	registry := tools.NewRegistry(dataStore, index, embedder, cfg.LLM.ToolTimeout)
	loader := agent.NewLoader(dataStore)
	loader.AddStatic(defaultAgent())
	runtime := agent.NewRuntime(dataStore, loader, providers, registry, pool, cfg.LLM.DefaultModel)

	// Ingestion + uploads
	pipeline := ingest.NewPipeline(dataStore, index, embedder)
	blobStore, err := newBlobStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	uploads, err := tus.NewManager(dataStore, blobStore, pipeline, pool, cfg.TUS)
	if err != nil {
		return nil, fmt.Errorf("init uploads: %w", err)
	}

	// External integrations + native tools
	web := integrations.NewWebClient(cfg.Integrations)
	var mail integrations.MailProvider = integrations.NoopMailProvider{}
	registerNativeTools(ctx, registry, web, mail)

	// Background loops share a lifetime context cancelled at shutdown.
	bgCtx, cancelBG := context.WithCancel(context.Background())
	go tus.NewJanitor(uploads, time.Hour).Start(bgCtx)

	sched := scheduler.New(dataStore, cfg.Scheduler)
	scheduler.RegisterBuiltins(sched, dataStore, pipeline, syncProviders(web), cfg.Version)
	if cfg.Scheduler.Enabled {
		go sched.Start(bgCtx)
	}

	h := handlers.New(dataStore, cfg, resolver, oauthSrv, runtime, registry, uploads, pipeline, web, mail)
	router := api.NewRouter(h, resolver, cfg)

	shutdown := func(ctx context.Context) error {
		cancelBG()
		pool.Shutdown(10 * time.Second)
		return shutdownTelemetry(ctx)
	}

	return &Server{
		Handler:      router,
		Store:        dataStore,
		Config:       cfg,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}

// defaultAgent is the abstract agent behind bare /chat/completions calls.
func defaultAgent() *models.Agent {
	name := models.QualifyName("default")
	return &models.Agent{
		ID:          models.AgentIDForName(name),
		Name:        name,
		Description: "You are a helpful assistant.",
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
}

// newBlobStore prefers S3; falls back to local disk when the endpoint is
// unreachable or unconfigured.
func newBlobStore(ctx context.Context, cfg *config.Config) (blob.Store, error) {
	if cfg.Blob.AccessKey != "" {
		s3, err := blob.NewS3Store(ctx, cfg.Blob)
		if err == nil {
			log.Info().Str("bucket", cfg.Blob.Bucket).Msg("object store initialized")
			return s3, nil
		}
		log.Warn().Err(err).Msg("object store unavailable, using local blob store")
	}
	root := cfg.DataDir
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			root = os.TempDir()
		} else {
			root = filepath.Join(home, ".percolate")
		}
	}
	return blob.NewFSStore(filepath.Join(root, "blobs"))
}

// registerNativeTools publishes the built-in integration tools into the
// function registry so agents can discover and call them.
func registerNativeTools(ctx context.Context, registry *tools.Registry, web *integrations.WebClient, mail integrations.MailProvider) {
	now := time.Now().UTC()

	specs := []struct {
		fn   models.Function
		impl tools.NativeFunc
	}{
		{
			fn: models.Function{
				Name:        "web_search",
				Description: "Search the web and return titles, URLs, and snippets.",
				FunctionSpec: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"query":       map[string]any{"type": "string"},
						"max_results": map[string]any{"type": "integer"},
					},
					"required": []string{"query"},
				},
				AccessRequired: models.RoleLevelPublic,
			},
			impl: func(ctx context.Context, args map[string]any) (any, error) {
				query, _ := args["query"].(string)
				max := 0
				if n, ok := args["max_results"].(float64); ok {
					max = int(n)
				}
				return web.Search(ctx, query, max)
			},
		},
		{
			fn: models.Function{
				Name:        "web_fetch",
				Description: "Fetch a web page and return its raw content.",
				FunctionSpec: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"url": map[string]any{"type": "string"},
					},
					"required": []string{"url"},
				},
				AccessRequired: models.RoleLevelPublic,
			},
			impl: func(ctx context.Context, args map[string]any) (any, error) {
				pageURL, _ := args["url"].(string)
				return web.Fetch(ctx, pageURL)
			},
		},
		{
			fn: models.Function{
				Name:        "mail_fetch",
				Description: "Fetch recent mail for the calling user.",
				FunctionSpec: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"email": map[string]any{"type": "string"},
						"limit": map[string]any{"type": "integer"},
					},
					"required": []string{"email"},
				},
				AccessRequired: models.RoleLevelInternal,
			},
			impl: func(ctx context.Context, args map[string]any) (any, error) {
				email, _ := args["email"].(string)
				limit := 20
				if n, ok := args["limit"].(float64); ok && n > 0 {
					limit = int(n)
				}
				return mail.Fetch(ctx, email, limit)
			},
		},
	}

	sysCtx := store.WithUserContext(ctx, store.UserContext{RoleLevel: models.RoleLevelAdmin})
	for _, spec := range specs {
		fn := spec.fn
		fn.CreatedAt = now
		fn.UpdatedAt = now
		if err := registry.Register(sysCtx, &fn, spec.impl); err != nil {
			log.Warn().Err(err).Str("tool", fn.Name).Msg("native tool registration failed")
		}
	}
}

// syncProviders exposes web fetch as a file-sync source: a root URI lists
// itself and fetch pulls the page body.
func syncProviders(web *integrations.WebClient) map[string]scheduler.SyncProvider {
	return map[string]scheduler.SyncProvider{
		"web": webSyncProvider{web: web},
	}
}

type webSyncProvider struct {
	web *integrations.WebClient
}

func (p webSyncProvider) List(ctx context.Context, root string) ([]string, error) {
	return []string{root}, nil
}

func (p webSyncProvider) Fetch(ctx context.Context, uri string) (string, error) {
	return p.web.Fetch(ctx, uri)
}
