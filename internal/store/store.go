// Package store provides the storage interface and implementations for the
// Percolate core server. The in-memory backend serves tests and embedded
// runs; PostgreSQL is the production backend, with entities under the p8
// schema and companion embedding tables under p8_embeddings.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/percolationlabs/percolate/pkg/models"
)

// Store is the primary storage interface. All handler and runtime code
// depends on this interface, making it easy to swap between in-memory
// (tests) and PostgreSQL (production) implementations.
type Store interface {
	UserStore
	AgentStore
	FunctionStore
	ResourceStore
	UploadStore
	ScheduleStore
	MemoryNoteStore
	AuditStore

	// RunOnLoad executes an agent's on_load SQL under the caller's row-level
	// context and returns the result set as generic rows.
	RunOnLoad(ctx context.Context, query string) ([]map[string]any, error)

	// GetUserContext reports the row-level security variables applied to the
	// current connection. Probe for tests.
	GetUserContext(ctx context.Context) (UserContext, error)

	// Ping checks if the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error

	// Migrate creates or updates the schema.
	Migrate(ctx context.Context) error
}

// UserContext carries the row-level scope applied to reads. On Postgres it
// maps to the percolate.user_id / percolate.user_groups /
// percolate.role_level session settings; every read issued with a context
// built by WithUserContext runs with these applied.
type UserContext struct {
	UserID    string
	Groups    []string
	RoleLevel int
}

type userContextKey struct{}

// WithUserContext attaches row-level scope to the request context.
func WithUserContext(ctx context.Context, uc UserContext) context.Context {
	return context.WithValue(ctx, userContextKey{}, uc)
}

// UserContextFrom extracts the row-level scope, if any.
func UserContextFrom(ctx context.Context) (UserContext, bool) {
	uc, ok := ctx.Value(userContextKey{}).(UserContext)
	return uc, ok
}

// ── User store ──────────────────────────────────────────────

type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	UpsertUser(ctx context.Context, user *models.User) error

	// FindUserByToken resolves a stored bearer token, rejecting expired
	// tokens with ErrTokenExpired.
	FindUserByToken(ctx context.Context, token string) (*models.User, error)
}

// ── Agent store ─────────────────────────────────────────────

type AgentStore interface {
	ListAgents(ctx context.Context) ([]models.Agent, error)
	GetAgent(ctx context.Context, name string) (*models.Agent, error)

	// RegisterAgent upserts the agent and, when companion is non-nil, the
	// discoverable proxy function in one transaction.
	RegisterAgent(ctx context.Context, agent *models.Agent, companion *models.Function) error

	// DeleteAgent removes the agent and its child functions.
	DeleteAgent(ctx context.Context, name string) error
}

// ── Function store ──────────────────────────────────────────

type FunctionStore interface {
	UpsertFunction(ctx context.Context, fn *models.Function) error
	GetFunction(ctx context.Context, name string) (*models.Function, error)
	ListFunctions(ctx context.Context) ([]models.Function, error)

	// SearchFunctions is the keyword half of hybrid tool search: ILIKE over
	// name and description.
	SearchFunctions(ctx context.Context, query string, limit int) ([]models.Function, error)

	// FunctionsForRoleLevel returns functions the given role level may use
	// (level <= access_required).
	FunctionsForRoleLevel(ctx context.Context, level int) ([]models.Function, error)
}

// ── Resource store ──────────────────────────────────────────

// ResourceFilter translates to equality predicates; slice values become
// IN (...) clauses.
type ResourceFilter map[string]any

type ResourceStore interface {
	// UpsertResources writes document chunks. Embedding updates are handled
	// separately by the vector store and need not be atomic with the rows.
	UpsertResources(ctx context.Context, records []models.Resource) error

	SelectResources(ctx context.Context, filter ResourceFilter, orderBy string, limit int) ([]models.Resource, error)

	GetResourcesByURI(ctx context.Context, uri string) ([]models.Resource, error)

	// RecentResourcesByUser returns the caller's latest chunks, newest
	// first.
	RecentResourcesByUser(ctx context.Context, userID uuid.UUID, limit int) ([]models.Resource, error)
}

// ── Upload store ────────────────────────────────────────────

type UploadStore interface {
	CreateUpload(ctx context.Context, u *models.Upload) error
	GetUpload(ctx context.Context, uploadID string) (*models.Upload, error)
	UpdateUpload(ctx context.Context, u *models.Upload) error
	DeleteUpload(ctx context.Context, uploadID string) error

	// ListExpiredUploads returns uploads past their expiry in any of the
	// given states, for garbage collection.
	ListExpiredUploads(ctx context.Context, cutoff time.Time, statuses []models.UploadStatus) ([]models.Upload, error)
}

// ── Schedule store ──────────────────────────────────────────

type ScheduleStore interface {
	ListSchedules(ctx context.Context, enabledOnly bool) ([]models.Schedule, error)
	GetSchedule(ctx context.Context, id uuid.UUID) (*models.Schedule, error)
	UpsertSchedule(ctx context.Context, s *models.Schedule) error
	DisableSchedule(ctx context.Context, id uuid.UUID, at time.Time) error
}

// ── Memory store ────────────────────────────────────────────

// MemoryNoteStore persists per-user memory notes. Named distinctly from the
// in-memory backend struct.
type MemoryNoteStore interface {
	UpsertMemory(ctx context.Context, m *models.Memory) error
	GetMemory(ctx context.Context, userID uuid.UUID, name string) (*models.Memory, error)
	ListMemories(ctx context.Context, userID uuid.UUID, limit int) ([]models.Memory, error)
	DeleteMemory(ctx context.Context, userID uuid.UUID, name string) error
}

// ── Audit store ─────────────────────────────────────────────

// AuditFilter narrows audit listings.
type AuditFilter struct {
	SessionID string
	UserID    *uuid.UUID
	Since     *time.Time
	Limit     int
}

type AuditStore interface {
	// CreateAIResponse appends one audited LLM turn.
	CreateAIResponse(ctx context.Context, r *models.AIResponse) error

	ListAIResponses(ctx context.Context, filter AuditFilter) ([]models.AIResponse, error)
}

// ── Errors ──────────────────────────────────────────────────

// ErrTokenExpired is returned by FindUserByToken when the stored token
// matched but is past its expiry.
var ErrTokenExpired = errors.New("token expired")

// ErrNotFound is returned when a requested entity does not exist. Distinct
// from operational errors so callers can map it to 404.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// IsNotFound reports whether err is an ErrNotFound.
func IsNotFound(err error) bool {
	_, ok := err.(*ErrNotFound)
	return ok
}
