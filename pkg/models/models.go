// Package models defines the shared entity and wire types for the Percolate
// core server: identity, agents, tools, resources, uploads, schedules, and
// the audit trail. Entities persist under the p8 schema; companion embedding
// rows live under p8_embeddings.
package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// IdentityNamespace seeds deterministic user IDs. A user's ID is always the
// UUIDv5 of their lower-cased email in this namespace, so identity survives
// token rotation.
var IdentityNamespace = uuid.MustParse("97e50f5a-0a30-4a4f-9c3a-8f4d2c7b1e60")

// UserIDForEmail derives the stable user ID for an email address.
func UserIDForEmail(email string) uuid.UUID {
	return uuid.NewSHA1(IdentityNamespace, []byte(strings.ToLower(strings.TrimSpace(email))))
}

// DefaultNamespace is prepended to agent names that lack one.
const DefaultNamespace = "public"

// QualifyName ensures an agent name carries exactly one namespace segment.
func QualifyName(name string) string {
	if !strings.Contains(name, ".") {
		return DefaultNamespace + "." + name
	}
	return name
}

// AgentIDForName derives the stable agent ID for a qualified name.
func AgentIDForName(name string) uuid.UUID {
	return uuid.NewSHA1(IdentityNamespace, []byte("agent:"+name))
}

// ── Identity ────────────────────────────────────────────────

// Role levels: lower is more privileged. 1 is admin-class, 100 is the
// unauthenticated/public class.
const (
	RoleLevelAdmin    = 1
	RoleLevelInternal = 10
	RoleLevelPublic   = 100
)

type User struct {
	ID          uuid.UUID  `json:"id"`
	Email       string     `json:"email"`
	Name        string     `json:"name,omitempty"`
	Token       *string    `json:"-"`
	TokenExpiry *time.Time `json:"token_expiry,omitempty"`
	RoleLevel   int        `json:"role_level"`
	Groups      []string   `json:"groups,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// InGroup reports whether the user belongs to the named group.
func (u *User) InGroup(group string) bool {
	for _, g := range u.Groups {
		if g == group {
			return true
		}
	}
	return false
}

// Session is a cookie-backed browser session. The signing key is stable
// across restarts (loaded from a key file) so sessions survive deploys.
type Session struct {
	SessionID string    `json:"session_id"`
	UserID    uuid.UUID `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ── Agents & tools ──────────────────────────────────────────

// Agent is a schema-defined conversational unit. Name is always
// namespace-qualified ("public.sales-bot"); Spec is a JSON Schema describing
// the agent's structured output, Functions maps tool names to descriptions.
type Agent struct {
	ID          uuid.UUID         `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Spec        map[string]any    `json:"spec,omitempty"`
	Functions   map[string]string `json:"functions,omitempty"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// OnLoadSQL returns the optional SQL statement executed when the agent is
// instantiated for a request. Stored under metadata["on_load"].
func (a *Agent) OnLoadSQL() string {
	if a.Metadata == nil {
		return ""
	}
	s, _ := a.Metadata["on_load"].(string)
	return s
}

// SystemPrompt returns the agent's prompt template, falling back to the
// description when none is set.
func (a *Agent) SystemPrompt() string {
	if a.Metadata != nil {
		if p, ok := a.Metadata["system_prompt"].(string); ok && p != "" {
			return p
		}
	}
	return a.Description
}

// AgentProxyPrefix marks a function whose proxy URI dispatches to another
// agent rather than an HTTP endpoint.
const AgentProxyPrefix = "p8agent/"

// Function is an invocable capability: a native callable, an HTTP endpoint
// (ProxyURI), or an agent proxy (ProxyURI = "p8agent/<agent.name>").
type Function struct {
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	ProxyURI       string         `json:"proxy_uri,omitempty"`
	FunctionSpec   map[string]any `json:"function_spec,omitempty"`
	AccessRequired int            `json:"access_required"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// IsAgentProxy reports whether invoking this function recurses into another
// agent.
func (f *Function) IsAgentProxy() bool {
	return strings.HasPrefix(f.ProxyURI, AgentProxyPrefix)
}

// AllowedFor applies the platform-wide access rule: a caller may use a
// function when its role level is at or below the function's threshold
// (numerically lower = more privileged).
func (f *Function) AllowedFor(roleLevel int) bool {
	return roleLevel <= f.AccessRequired
}

// ── Resources ───────────────────────────────────────────────

// Resource is one chunk of a logical document. Chunks of the same document
// share URI and are ordered by Ordinal. Row visibility follows the policy:
// public (no owner), owned by the caller, shared via group, or open to the
// caller's role level.
type Resource struct {
	ID          uuid.UUID      `json:"id"`
	URI         string         `json:"uri"`
	Name        string         `json:"name,omitempty"`
	Content     string         `json:"content,omitempty"`
	Category    string         `json:"category,omitempty"`
	Ordinal     int            `json:"ordinal"`
	UserID      *uuid.UUID     `json:"userid,omitempty"`
	GroupID     string         `json:"groupid,omitempty"`
	AccessLevel int            `json:"access_level"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// ── Uploads ─────────────────────────────────────────────────

type UploadStatus string

const (
	UploadCreated    UploadStatus = "CREATED"
	UploadInProgress UploadStatus = "IN_PROGRESS"
	UploadAssembled  UploadStatus = "ASSEMBLED"
	UploadPromoted   UploadStatus = "PROMOTED"
	UploadIngested   UploadStatus = "INGESTED"
	UploadFailed     UploadStatus = "FAILED"
)

// Terminal reports whether the upload has reached a final state.
func (s UploadStatus) Terminal() bool {
	return s == UploadIngested || s == UploadFailed
}

// Upload tracks a resumable (TUS) upload through staging, promotion to the
// object store, and ingestion into resources. Invariant: Offset <= Size.
type Upload struct {
	UploadID  string            `json:"upload_id"`
	Filename  string            `json:"filename"`
	Size      int64             `json:"size"`
	Offset    int64             `json:"offset"`
	Status    UploadStatus      `json:"status"`
	S3URI     string            `json:"s3_uri,omitempty"`
	LocalPath string            `json:"local_path,omitempty"`
	UserID    *uuid.UUID        `json:"user_id,omitempty"`
	GroupID   string            `json:"groupid,omitempty"`
	Project   string            `json:"project,omitempty"`
	Error     string            `json:"error,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	ExpiresAt time.Time         `json:"expires_at"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// ── Audit ───────────────────────────────────────────────────

// AIResponse is one audited LLM turn. Append-only.
type AIResponse struct {
	ID            uuid.UUID  `json:"id"`
	SessionID     string     `json:"session_id,omitempty"`
	UserID        *uuid.UUID `json:"user_id,omitempty"`
	Role          string     `json:"role"`
	Content       string     `json:"content,omitempty"`
	ToolCalls     []ToolCall `json:"tool_calls,omitempty"`
	ToolResponses []string   `json:"tool_responses,omitempty"`
	TokensIn      int        `json:"tokens_in"`
	TokensOut     int        `json:"tokens_out"`
	ModelName     string     `json:"model_name,omitempty"`
	Status        string     `json:"status,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// ── Schedules ───────────────────────────────────────────────

// Schedule is a recurring task definition. Spec carries at minimum
// "task_type" plus handler parameters; Cron is a standard 5-field
// expression.
type Schedule struct {
	ID         uuid.UUID      `json:"id"`
	UserID     *uuid.UUID     `json:"userid,omitempty"`
	Name       string         `json:"name"`
	Spec       map[string]any `json:"spec"`
	Cron       string         `json:"cron"`
	DisabledAt *time.Time     `json:"disabled_at,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// TaskType reads the handler selector out of the spec.
func (s *Schedule) TaskType() string {
	t, _ := s.Spec["task_type"].(string)
	return t
}

// MaxRetries reads the per-task retry budget (default 0).
func (s *Schedule) MaxRetries() int {
	switch v := s.Spec["max_retries"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// ── Memories ────────────────────────────────────────────────

const DefaultMemoryCategory = "user_memory"

// Memory is a per-user note written by the user or the digest task. Name is
// unique per user and auto-generated as <email_prefix>_<ts> when absent.
type Memory struct {
	ID        uuid.UUID      `json:"id"`
	UserID    uuid.UUID      `json:"userid"`
	Name      string         `json:"name"`
	Category  string         `json:"category"`
	Content   string         `json:"content"`
	Summary   string         `json:"summary,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}
