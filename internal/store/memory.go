package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/percolationlabs/percolate/pkg/models"
)

// MemoryStore is a mutex-guarded in-memory Store. It backs tests and
// zero-configuration embedded runs; it honors the same row-level visibility
// rules the Postgres backend applies through session settings.
type MemoryStore struct {
	mu        sync.RWMutex
	users     map[uuid.UUID]*models.User
	agents    map[string]*models.Agent
	functions map[string]*models.Function
	resources map[uuid.UUID]*models.Resource
	uploads   map[string]*models.Upload
	schedules map[uuid.UUID]*models.Schedule
	memories  map[uuid.UUID]map[string]*models.Memory
	audits    []models.AIResponse
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[uuid.UUID]*models.User),
		agents:    make(map[string]*models.Agent),
		functions: make(map[string]*models.Function),
		resources: make(map[uuid.UUID]*models.Resource),
		uploads:   make(map[string]*models.Upload),
		schedules: make(map[uuid.UUID]*models.Schedule),
		memories:  make(map[uuid.UUID]map[string]*models.Memory),
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error    { return nil }
func (s *MemoryStore) Close() error                      { return nil }
func (s *MemoryStore) Migrate(ctx context.Context) error { return nil }

// RunOnLoad has no SQL engine behind it; embedded runs get no on_load data.
func (s *MemoryStore) RunOnLoad(ctx context.Context, query string) ([]map[string]any, error) {
	return nil, nil
}

// GetUserContext echoes back the context attached to ctx, mirroring what the
// Postgres backend reads from current_setting.
func (s *MemoryStore) GetUserContext(ctx context.Context) (UserContext, error) {
	uc, _ := UserContextFrom(ctx)
	return uc, nil
}

// ── Users ───────────────────────────────────────────────────

func (s *MemoryStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	email = strings.ToLower(strings.TrimSpace(email))
	for _, u := range s.users {
		if strings.ToLower(u.Email) == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, &ErrNotFound{Entity: "user", Key: email}
}

func (s *MemoryStore) GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "user", Key: id.String()}
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) UpsertUser(ctx context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if user.ID == uuid.Nil {
		user.ID = models.UserIDForEmail(user.Email)
	}
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now
	cp := *user
	s.users[user.ID] = &cp
	return nil
}

func (s *MemoryStore) FindUserByToken(ctx context.Context, token string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.Token != nil && *u.Token == token {
			if u.TokenExpiry != nil && u.TokenExpiry.Before(time.Now()) {
				return nil, ErrTokenExpired
			}
			cp := *u
			return &cp, nil
		}
	}
	return nil, &ErrNotFound{Entity: "user", Key: "token"}
}

// ── Agents ──────────────────────────────────────────────────

func (s *MemoryStore) ListAgents(ctx context.Context) ([]models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) GetAgent(ctx context.Context, name string) (*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[models.QualifyName(name)]
	if !ok {
		return nil, &ErrNotFound{Entity: "agent", Key: name}
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) RegisterAgent(ctx context.Context, agent *models.Agent, companion *models.Function) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	agent.Name = models.QualifyName(agent.Name)
	if agent.ID == uuid.Nil {
		agent.ID = uuid.New()
	}
	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now
	cp := *agent
	s.agents[agent.Name] = &cp
	if companion != nil {
		fcp := *companion
		fcp.UpdatedAt = now
		if fcp.CreatedAt.IsZero() {
			fcp.CreatedAt = now
		}
		s.functions[fcp.Name] = &fcp
	}
	return nil
}

func (s *MemoryStore) DeleteAgent(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	name = models.QualifyName(name)
	a, ok := s.agents[name]
	if !ok {
		return &ErrNotFound{Entity: "agent", Key: name}
	}
	delete(s.agents, name)
	// Child functions go with the parent.
	proxy := models.AgentProxyPrefix + a.Name
	for fname, f := range s.functions {
		if f.ProxyURI == proxy {
			delete(s.functions, fname)
		}
	}
	return nil
}

// ── Functions ───────────────────────────────────────────────

func (s *MemoryStore) UpsertFunction(ctx context.Context, fn *models.Function) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn.AccessRequired == 0 {
		fn.AccessRequired = models.RoleLevelPublic
	}
	now := time.Now().UTC()
	if fn.CreatedAt.IsZero() {
		fn.CreatedAt = now
	}
	fn.UpdatedAt = now
	cp := *fn
	s.functions[fn.Name] = &cp
	return nil
}

func (s *MemoryStore) GetFunction(ctx context.Context, name string) (*models.Function, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.functions[name]
	if !ok {
		return nil, &ErrNotFound{Entity: "function", Key: name}
	}
	cp := *f
	return &cp, nil
}

func (s *MemoryStore) ListFunctions(ctx context.Context) ([]models.Function, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Function, 0, len(s.functions))
	for _, f := range s.functions {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) SearchFunctions(ctx context.Context, query string, limit int) ([]models.Function, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q := strings.ToLower(query)
	var out []models.Function
	for _, f := range s.functions {
		if strings.Contains(strings.ToLower(f.Name), q) || strings.Contains(strings.ToLower(f.Description), q) {
			out = append(out, *f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) FunctionsForRoleLevel(ctx context.Context, level int) ([]models.Function, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Function
	for _, f := range s.functions {
		if f.AllowedFor(level) {
			out = append(out, *f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ── Resources ───────────────────────────────────────────────

// visibleTo applies the row policy: public, owned, group-shared, or open to
// the caller's role level.
func visibleTo(r *models.Resource, uc UserContext, scoped bool) bool {
	if !scoped {
		return true
	}
	if r.UserID == nil {
		return true
	}
	if uc.UserID != "" && r.UserID.String() == uc.UserID {
		return true
	}
	if r.GroupID != "" {
		for _, g := range uc.Groups {
			if g == r.GroupID {
				return true
			}
		}
	}
	return uc.RoleLevel <= r.AccessLevel && uc.RoleLevel > 0
}

func (s *MemoryStore) UpsertResources(ctx context.Context, records []models.Resource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for i := range records {
		r := records[i]
		if r.ID == uuid.Nil {
			r.ID = uuid.New()
			records[i].ID = r.ID
		}
		if r.AccessLevel == 0 {
			r.AccessLevel = models.RoleLevelPublic
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		r.UpdatedAt = now
		cp := r
		s.resources[r.ID] = &cp
	}
	return nil
}

func matchesFilter(r *models.Resource, filter ResourceFilter) bool {
	fields := map[string]any{
		"id":       r.ID.String(),
		"uri":      r.URI,
		"name":     r.Name,
		"category": r.Category,
		"groupid":  r.GroupID,
	}
	if r.UserID != nil {
		fields["userid"] = r.UserID.String()
	} else {
		fields["userid"] = ""
	}
	for k, want := range filter {
		got, ok := fields[k]
		if !ok {
			return false
		}
		switch w := want.(type) {
		case []string:
			found := false
			for _, v := range w {
				if got == v {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		default:
			if got != want {
				return false
			}
		}
	}
	return true
}

func (s *MemoryStore) SelectResources(ctx context.Context, filter ResourceFilter, orderBy string, limit int) ([]models.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	uc, scoped := UserContextFrom(ctx)
	var out []models.Resource
	for _, r := range s.resources {
		if !visibleTo(r, uc, scoped) {
			continue
		}
		if !matchesFilter(r, filter) {
			continue
		}
		out = append(out, *r)
	}
	switch orderBy {
	case "created_at DESC":
		sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	default:
		sort.Slice(out, func(i, j int) bool {
			if out[i].URI != out[j].URI {
				return out[i].URI < out[j].URI
			}
			return out[i].Ordinal < out[j].Ordinal
		})
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) GetResourcesByURI(ctx context.Context, uri string) ([]models.Resource, error) {
	return s.SelectResources(ctx, ResourceFilter{"uri": uri}, "", 0)
}

func (s *MemoryStore) RecentResourcesByUser(ctx context.Context, userID uuid.UUID, limit int) ([]models.Resource, error) {
	return s.SelectResources(ctx, ResourceFilter{"userid": userID.String()}, "created_at DESC", limit)
}

// ── Uploads ─────────────────────────────────────────────────

func (s *MemoryStore) CreateUpload(ctx context.Context, u *models.Upload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	cp := *u
	s.uploads[u.UploadID] = &cp
	return nil
}

func (s *MemoryStore) GetUpload(ctx context.Context, uploadID string) (*models.Upload, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.uploads[uploadID]
	if !ok {
		return nil, &ErrNotFound{Entity: "upload", Key: uploadID}
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) UpdateUpload(ctx context.Context, u *models.Upload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.uploads[u.UploadID]; !ok {
		return &ErrNotFound{Entity: "upload", Key: u.UploadID}
	}
	u.UpdatedAt = time.Now().UTC()
	cp := *u
	s.uploads[u.UploadID] = &cp
	return nil
}

func (s *MemoryStore) DeleteUpload(ctx context.Context, uploadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.uploads[uploadID]; !ok {
		return &ErrNotFound{Entity: "upload", Key: uploadID}
	}
	delete(s.uploads, uploadID)
	return nil
}

func (s *MemoryStore) ListExpiredUploads(ctx context.Context, cutoff time.Time, statuses []models.UploadStatus) ([]models.Upload, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Upload
	for _, u := range s.uploads {
		if !u.ExpiresAt.Before(cutoff) {
			continue
		}
		for _, st := range statuses {
			if u.Status == st {
				out = append(out, *u)
				break
			}
		}
	}
	return out, nil
}

// ── Schedules ───────────────────────────────────────────────

func (s *MemoryStore) ListSchedules(ctx context.Context, enabledOnly bool) ([]models.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Schedule
	for _, sc := range s.schedules {
		if enabledOnly && sc.DisabledAt != nil {
			continue
		}
		out = append(out, *sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) GetSchedule(ctx context.Context, id uuid.UUID) (*models.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.schedules[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "schedule", Key: id.String()}
	}
	cp := *sc
	return &cp, nil
}

func (s *MemoryStore) UpsertSchedule(ctx context.Context, sc *models.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sc.ID == uuid.Nil {
		sc.ID = uuid.New()
	}
	now := time.Now().UTC()
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = now
	}
	sc.UpdatedAt = now
	cp := *sc
	s.schedules[sc.ID] = &cp
	return nil
}

func (s *MemoryStore) DisableSchedule(ctx context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.schedules[id]
	if !ok {
		return &ErrNotFound{Entity: "schedule", Key: id.String()}
	}
	sc.DisabledAt = &at
	sc.UpdatedAt = time.Now().UTC()
	return nil
}

// ── Memories ────────────────────────────────────────────────

func (s *MemoryStore) UpsertMemory(ctx context.Context, m *models.Memory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.Category == "" {
		m.Category = models.DefaultMemoryCategory
	}
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	byName, ok := s.memories[m.UserID]
	if !ok {
		byName = make(map[string]*models.Memory)
		s.memories[m.UserID] = byName
	}
	cp := *m
	byName[m.Name] = &cp
	return nil
}

func (s *MemoryStore) GetMemory(ctx context.Context, userID uuid.UUID, name string) (*models.Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.memories[userID][name]
	if !ok {
		return nil, &ErrNotFound{Entity: "memory", Key: name}
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) ListMemories(ctx context.Context, userID uuid.UUID, limit int) ([]models.Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Memory
	for _, m := range s.memories[userID] {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) DeleteMemory(ctx context.Context, userID uuid.UUID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.memories[userID][name]; !ok {
		return &ErrNotFound{Entity: "memory", Key: name}
	}
	delete(s.memories[userID], name)
	return nil
}

// ── Audit ───────────────────────────────────────────────────

func (s *MemoryStore) CreateAIResponse(ctx context.Context, r *models.AIResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	s.audits = append(s.audits, *r)
	return nil
}

func (s *MemoryStore) ListAIResponses(ctx context.Context, filter AuditFilter) ([]models.AIResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.AIResponse
	for i := len(s.audits) - 1; i >= 0; i-- {
		r := s.audits[i]
		if filter.SessionID != "" && r.SessionID != filter.SessionID {
			continue
		}
		if filter.UserID != nil && (r.UserID == nil || *r.UserID != *filter.UserID) {
			continue
		}
		if filter.Since != nil && r.CreatedAt.Before(*filter.Since) {
			continue
		}
		out = append(out, r)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
