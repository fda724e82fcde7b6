package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/percolationlabs/percolate/pkg/models"
)

// PostgresStore implements Store on pgx. Every acquired connection gets the
// caller's row-level context applied as session settings before queries run,
// so the scope predicates in resource reads always see fresh values, even
// after a connection restart.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects, pings, and migrates.
func NewPostgresStore(ctx context.Context, connURL string, maxConns int) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connURL)
	if err != nil {
		return nil, fmt.Errorf("postgres parse config: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	log.Info().Int("max_conns", maxConns).Msg("postgres store initialized")
	return s, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	ddl := `
	CREATE SCHEMA IF NOT EXISTS p8;
	CREATE SCHEMA IF NOT EXISTS p8_embeddings;

	CREATE TABLE IF NOT EXISTS p8."User" (
		id           UUID PRIMARY KEY,
		email        TEXT NOT NULL UNIQUE,
		name         TEXT NOT NULL DEFAULT '',
		token        TEXT,
		token_expiry TIMESTAMPTZ,
		role_level   INT NOT NULL DEFAULT 100,
		groups       TEXT[] NOT NULL DEFAULT '{}',
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS p8."Agent" (
		id          UUID PRIMARY KEY,
		name        TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		spec        JSONB NOT NULL DEFAULT '{}',
		functions   JSONB NOT NULL DEFAULT '{}',
		metadata    JSONB NOT NULL DEFAULT '{}',
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS p8."Function" (
		name            TEXT PRIMARY KEY,
		description     TEXT NOT NULL DEFAULT '',
		proxy_uri       TEXT NOT NULL DEFAULT '',
		function_spec   JSONB NOT NULL DEFAULT '{}',
		access_required INT NOT NULL DEFAULT 100,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS p8."Resource" (
		id           UUID PRIMARY KEY,
		uri          TEXT NOT NULL,
		name         TEXT NOT NULL DEFAULT '',
		content      TEXT NOT NULL DEFAULT '',
		category     TEXT NOT NULL DEFAULT '',
		ordinal      INT NOT NULL DEFAULT 0,
		userid       UUID,
		groupid      TEXT NOT NULL DEFAULT '',
		access_level INT NOT NULL DEFAULT 100,
		metadata     JSONB NOT NULL DEFAULT '{}',
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_resource_uri ON p8."Resource" (uri, ordinal);
	CREATE INDEX IF NOT EXISTS idx_resource_user ON p8."Resource" (userid, created_at DESC);

	CREATE TABLE IF NOT EXISTS p8."Upload" (
		upload_id  TEXT PRIMARY KEY,
		filename   TEXT NOT NULL,
		size       BIGINT NOT NULL,
		"offset"   BIGINT NOT NULL DEFAULT 0,
		status     TEXT NOT NULL,
		s3_uri     TEXT NOT NULL DEFAULT '',
		local_path TEXT NOT NULL DEFAULT '',
		user_id    UUID,
		groupid    TEXT NOT NULL DEFAULT '',
		project    TEXT NOT NULL DEFAULT '',
		error      TEXT NOT NULL DEFAULT '',
		metadata   JSONB NOT NULL DEFAULT '{}',
		expires_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS p8."Schedule" (
		id          UUID PRIMARY KEY,
		userid      UUID,
		name        TEXT NOT NULL,
		spec        JSONB NOT NULL DEFAULT '{}',
		cron        TEXT NOT NULL,
		disabled_at TIMESTAMPTZ,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS p8."Memory" (
		id         UUID PRIMARY KEY,
		userid     UUID NOT NULL,
		name       TEXT NOT NULL,
		category   TEXT NOT NULL DEFAULT 'user_memory',
		content    TEXT NOT NULL DEFAULT '',
		summary    TEXT NOT NULL DEFAULT '',
		metadata   JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (userid, name)
	);

	CREATE TABLE IF NOT EXISTS p8."AIResponse" (
		id             UUID PRIMARY KEY,
		session_id     TEXT NOT NULL DEFAULT '',
		user_id        UUID,
		role           TEXT NOT NULL DEFAULT 'assistant',
		content        TEXT NOT NULL DEFAULT '',
		tool_calls     JSONB NOT NULL DEFAULT '[]',
		tool_responses JSONB NOT NULL DEFAULT '[]',
		tokens_in      INT NOT NULL DEFAULT 0,
		tokens_out     INT NOT NULL DEFAULT 0,
		model_name     TEXT NOT NULL DEFAULT '',
		status         TEXT NOT NULL DEFAULT '',
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_airesponse_session ON p8."AIResponse" (session_id, created_at);
	`
	_, err := s.pool.Exec(ctx, ddl)
	return err
}

// applyUserContext pushes the caller's scope into session settings. Always
// called on acquisition so a recycled connection never carries a previous
// request's scope.
func applyUserContext(ctx context.Context, conn *pgxpool.Conn) error {
	uc, _ := UserContextFrom(ctx)
	_, err := conn.Exec(ctx,
		`SELECT set_config('percolate.user_id', $1, false),
		        set_config('percolate.user_groups', $2, false),
		        set_config('percolate.role_level', $3, false)`,
		uc.UserID, strings.Join(uc.Groups, ","), strconv.Itoa(uc.RoleLevel))
	return err
}

// withConn acquires a connection, applies the user context, and runs fn.
func (s *PostgresStore) withConn(ctx context.Context, fn func(conn *pgxpool.Conn) error) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()
	if err := applyUserContext(ctx, conn); err != nil {
		return fmt.Errorf("apply user context: %w", err)
	}
	return fn(conn)
}

// GetUserContext reads the session settings back. Probe for tests.
func (s *PostgresStore) GetUserContext(ctx context.Context) (UserContext, error) {
	var uc UserContext
	err := s.withConn(ctx, func(conn *pgxpool.Conn) error {
		var userID, groups, level string
		if err := conn.QueryRow(ctx,
			`SELECT current_setting('percolate.user_id', true),
			        current_setting('percolate.user_groups', true),
			        current_setting('percolate.role_level', true)`).
			Scan(&userID, &groups, &level); err != nil {
			return err
		}
		uc.UserID = userID
		if groups != "" {
			uc.Groups = strings.Split(groups, ",")
		}
		uc.RoleLevel, _ = strconv.Atoi(level)
		return nil
	})
	return uc, err
}

// RunOnLoad executes an agent's on_load SQL under the caller's context.
func (s *PostgresStore) RunOnLoad(ctx context.Context, query string) ([]map[string]any, error) {
	var out []map[string]any
	err := s.withConn(ctx, func(conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, query)
		if err != nil {
			return fmt.Errorf("on_load query: %w", err)
		}
		defer rows.Close()
		fields := rows.FieldDescriptions()
		for rows.Next() {
			values, err := rows.Values()
			if err != nil {
				return err
			}
			row := make(map[string]any, len(fields))
			for i, fd := range fields {
				row[string(fd.Name)] = values[i]
			}
			out = append(out, row)
		}
		return rows.Err()
	})
	return out, err
}

// resourceScope is the row-level visibility predicate applied to every
// resource read: public rows, rows the caller owns, rows shared with one of
// the caller's groups, or rows open at the caller's role level.
const resourceScope = `(
	userid IS NULL
	OR userid::text = current_setting('percolate.user_id', true)
	OR (groupid <> '' AND groupid = ANY(string_to_array(current_setting('percolate.user_groups', true), ',')))
	OR COALESCE(NULLIF(current_setting('percolate.role_level', true), '')::int, 100) <= access_level
)`

// ── Users ───────────────────────────────────────────────────

const userColumns = `id, email, name, token, token_expiry, role_level, groups, created_at, updated_at`

func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.Token, &u.TokenExpiry, &u.RoleLevel, &u.Groups, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var u *models.User
	err := s.withConn(ctx, func(conn *pgxpool.Conn) error {
		var err error
		u, err = scanUser(conn.QueryRow(ctx,
			`SELECT `+userColumns+` FROM p8."User" WHERE lower(email) = lower($1)`, email))
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "user", Key: email}
	}
	return u, err
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var u *models.User
	err := s.withConn(ctx, func(conn *pgxpool.Conn) error {
		var err error
		u, err = scanUser(conn.QueryRow(ctx,
			`SELECT `+userColumns+` FROM p8."User" WHERE id = $1`, id))
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "user", Key: id.String()}
	}
	return u, err
}

func (s *PostgresStore) UpsertUser(ctx context.Context, user *models.User) error {
	if user.ID == uuid.Nil {
		user.ID = models.UserIDForEmail(user.Email)
	}
	if user.Groups == nil {
		user.Groups = []string{}
	}
	return s.withConn(ctx, func(conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, `
			INSERT INTO p8."User" (id, email, name, token, token_expiry, role_level, groups)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				token = EXCLUDED.token,
				token_expiry = EXCLUDED.token_expiry,
				role_level = EXCLUDED.role_level,
				groups = EXCLUDED.groups,
				updated_at = NOW()`,
			user.ID, user.Email, user.Name, user.Token, user.TokenExpiry, user.RoleLevel, user.Groups)
		return err
	})
}

func (s *PostgresStore) FindUserByToken(ctx context.Context, token string) (*models.User, error) {
	var u *models.User
	err := s.withConn(ctx, func(conn *pgxpool.Conn) error {
		var err error
		u, err = scanUser(conn.QueryRow(ctx,
			`SELECT `+userColumns+` FROM p8."User" WHERE token = $1`, token))
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "user", Key: "token"}
	}
	if err != nil {
		return nil, err
	}
	if u.TokenExpiry != nil && u.TokenExpiry.Before(time.Now()) {
		return nil, ErrTokenExpired
	}
	return u, nil
}

// ── Agents ──────────────────────────────────────────────────

const agentColumns = `id, name, description, spec, functions, metadata, created_at, updated_at`

func scanAgent(row pgx.Row) (*models.Agent, error) {
	var a models.Agent
	err := row.Scan(&a.ID, &a.Name, &a.Description, &a.Spec, &a.Functions, &a.Metadata, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) ListAgents(ctx context.Context) ([]models.Agent, error) {
	var out []models.Agent
	err := s.withConn(ctx, func(conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, `SELECT `+agentColumns+` FROM p8."Agent" ORDER BY name`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			a, err := scanAgent(rows)
			if err != nil {
				return err
			}
			out = append(out, *a)
		}
		return rows.Err()
	})
	return out, err
}

func (s *PostgresStore) GetAgent(ctx context.Context, name string) (*models.Agent, error) {
	var a *models.Agent
	err := s.withConn(ctx, func(conn *pgxpool.Conn) error {
		var err error
		a, err = scanAgent(conn.QueryRow(ctx,
			`SELECT `+agentColumns+` FROM p8."Agent" WHERE name = $1`, models.QualifyName(name)))
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "agent", Key: name}
	}
	return a, err
}

func (s *PostgresStore) RegisterAgent(ctx context.Context, agent *models.Agent, companion *models.Function) error {
	agent.Name = models.QualifyName(agent.Name)
	if agent.ID == uuid.Nil {
		agent.ID = uuid.New()
	}
	return s.withConn(ctx, func(conn *pgxpool.Conn) error {
		tx, err := conn.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		_, err = tx.Exec(ctx, `
			INSERT INTO p8."Agent" (id, name, description, spec, functions, metadata)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (name) DO UPDATE SET
				description = EXCLUDED.description,
				spec = EXCLUDED.spec,
				functions = EXCLUDED.functions,
				metadata = EXCLUDED.metadata,
				updated_at = NOW()`,
			agent.ID, agent.Name, agent.Description, jsonOrEmpty(agent.Spec), jsonOrEmptyStr(agent.Functions), jsonOrEmpty(agent.Metadata))
		if err != nil {
			return fmt.Errorf("upsert agent: %w", err)
		}

		if companion != nil {
			if companion.AccessRequired == 0 {
				companion.AccessRequired = models.RoleLevelPublic
			}
			_, err = tx.Exec(ctx, `
				INSERT INTO p8."Function" (name, description, proxy_uri, function_spec, access_required)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (name) DO UPDATE SET
					description = EXCLUDED.description,
					proxy_uri = EXCLUDED.proxy_uri,
					function_spec = EXCLUDED.function_spec,
					access_required = EXCLUDED.access_required,
					updated_at = NOW()`,
				companion.Name, companion.Description, companion.ProxyURI, jsonOrEmpty(companion.FunctionSpec), companion.AccessRequired)
			if err != nil {
				return fmt.Errorf("upsert companion function: %w", err)
			}
		}
		return tx.Commit(ctx)
	})
}

func (s *PostgresStore) DeleteAgent(ctx context.Context, name string) error {
	name = models.QualifyName(name)
	return s.withConn(ctx, func(conn *pgxpool.Conn) error {
		tx, err := conn.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		tag, err := tx.Exec(ctx, `DELETE FROM p8."Agent" WHERE name = $1`, name)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return &ErrNotFound{Entity: "agent", Key: name}
		}
		if _, err := tx.Exec(ctx, `DELETE FROM p8."Function" WHERE proxy_uri = $1`, models.AgentProxyPrefix+name); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
}

// ── Functions ───────────────────────────────────────────────

const functionColumns = `name, description, proxy_uri, function_spec, access_required, created_at, updated_at`

func scanFunction(row pgx.Row) (*models.Function, error) {
	var f models.Function
	err := row.Scan(&f.Name, &f.Description, &f.ProxyURI, &f.FunctionSpec, &f.AccessRequired, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *PostgresStore) UpsertFunction(ctx context.Context, fn *models.Function) error {
	if fn.AccessRequired == 0 {
		fn.AccessRequired = models.RoleLevelPublic
	}
	return s.withConn(ctx, func(conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, `
			INSERT INTO p8."Function" (name, description, proxy_uri, function_spec, access_required)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (name) DO UPDATE SET
				description = EXCLUDED.description,
				proxy_uri = EXCLUDED.proxy_uri,
				function_spec = EXCLUDED.function_spec,
				access_required = EXCLUDED.access_required,
				updated_at = NOW()`,
			fn.Name, fn.Description, fn.ProxyURI, jsonOrEmpty(fn.FunctionSpec), fn.AccessRequired)
		return err
	})
}

func (s *PostgresStore) GetFunction(ctx context.Context, name string) (*models.Function, error) {
	var f *models.Function
	err := s.withConn(ctx, func(conn *pgxpool.Conn) error {
		var err error
		f, err = scanFunction(conn.QueryRow(ctx,
			`SELECT `+functionColumns+` FROM p8."Function" WHERE name = $1`, name))
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "function", Key: name}
	}
	return f, err
}

func (s *PostgresStore) queryFunctions(ctx context.Context, query string, args ...any) ([]models.Function, error) {
	var out []models.Function
	err := s.withConn(ctx, func(conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			f, err := scanFunction(rows)
			if err != nil {
				return err
			}
			out = append(out, *f)
		}
		return rows.Err()
	})
	return out, err
}

func (s *PostgresStore) ListFunctions(ctx context.Context) ([]models.Function, error) {
	return s.queryFunctions(ctx, `SELECT `+functionColumns+` FROM p8."Function" ORDER BY name`)
}

func (s *PostgresStore) SearchFunctions(ctx context.Context, query string, limit int) ([]models.Function, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.queryFunctions(ctx,
		`SELECT `+functionColumns+` FROM p8."Function"
		 WHERE name ILIKE '%' || $1 || '%' OR description ILIKE '%' || $1 || '%'
		 ORDER BY name LIMIT $2`, query, limit)
}

func (s *PostgresStore) FunctionsForRoleLevel(ctx context.Context, level int) ([]models.Function, error) {
	return s.queryFunctions(ctx,
		`SELECT `+functionColumns+` FROM p8."Function" WHERE access_required >= $1 ORDER BY name`, level)
}

// ── Resources ───────────────────────────────────────────────

const resourceColumns = `id, uri, name, content, category, ordinal, userid, groupid, access_level, metadata, created_at, updated_at`

func scanResource(row pgx.Row) (*models.Resource, error) {
	var r models.Resource
	err := row.Scan(&r.ID, &r.URI, &r.Name, &r.Content, &r.Category, &r.Ordinal,
		&r.UserID, &r.GroupID, &r.AccessLevel, &r.Metadata, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) UpsertResources(ctx context.Context, records []models.Resource) error {
	if len(records) == 0 {
		return nil
	}
	return s.withConn(ctx, func(conn *pgxpool.Conn) error {
		batch := &pgx.Batch{}
		for i := range records {
			r := &records[i]
			if r.ID == uuid.Nil {
				r.ID = uuid.New()
			}
			if r.AccessLevel == 0 {
				r.AccessLevel = models.RoleLevelPublic
			}
			batch.Queue(`
				INSERT INTO p8."Resource" (id, uri, name, content, category, ordinal, userid, groupid, access_level, metadata)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
				ON CONFLICT (id) DO UPDATE SET
					content = EXCLUDED.content,
					category = EXCLUDED.category,
					ordinal = EXCLUDED.ordinal,
					groupid = EXCLUDED.groupid,
					access_level = EXCLUDED.access_level,
					metadata = EXCLUDED.metadata,
					updated_at = NOW()`,
				r.ID, r.URI, r.Name, r.Content, r.Category, r.Ordinal, r.UserID, r.GroupID, r.AccessLevel, jsonOrEmpty(r.Metadata))
		}
		return conn.SendBatch(ctx, batch).Close()
	})
}

func (s *PostgresStore) SelectResources(ctx context.Context, filter ResourceFilter, orderBy string, limit int) ([]models.Resource, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + resourceColumns + ` FROM p8."Resource" WHERE ` + resourceScope)

	var args []any
	for field, value := range filter {
		switch field {
		case "id", "uri", "name", "category", "groupid", "userid":
		default:
			return nil, fmt.Errorf("unsupported filter field %q", field)
		}
		switch v := value.(type) {
		case []string:
			args = append(args, v)
			fmt.Fprintf(&sb, " AND %s = ANY($%d)", field, len(args))
		default:
			args = append(args, v)
			fmt.Fprintf(&sb, " AND %s::text = $%d::text", field, len(args))
		}
	}

	switch orderBy {
	case "created_at DESC":
		sb.WriteString(" ORDER BY created_at DESC")
	default:
		sb.WriteString(" ORDER BY uri, ordinal")
	}
	if limit > 0 {
		args = append(args, limit)
		fmt.Fprintf(&sb, " LIMIT $%d", len(args))
	}

	var out []models.Resource
	err := s.withConn(ctx, func(conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, sb.String(), args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			r, err := scanResource(rows)
			if err != nil {
				return err
			}
			out = append(out, *r)
		}
		return rows.Err()
	})
	return out, err
}

func (s *PostgresStore) GetResourcesByURI(ctx context.Context, uri string) ([]models.Resource, error) {
	return s.SelectResources(ctx, ResourceFilter{"uri": uri}, "", 0)
}

func (s *PostgresStore) RecentResourcesByUser(ctx context.Context, userID uuid.UUID, limit int) ([]models.Resource, error) {
	return s.SelectResources(ctx, ResourceFilter{"userid": userID.String()}, "created_at DESC", limit)
}

// ── Uploads ─────────────────────────────────────────────────

const uploadColumns = `upload_id, filename, size, "offset", status, s3_uri, local_path, user_id, groupid, project, error, metadata, expires_at, created_at, updated_at`

func scanUpload(row pgx.Row) (*models.Upload, error) {
	var u models.Upload
	err := row.Scan(&u.UploadID, &u.Filename, &u.Size, &u.Offset, &u.Status, &u.S3URI, &u.LocalPath,
		&u.UserID, &u.GroupID, &u.Project, &u.Error, &u.Metadata, &u.ExpiresAt, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *PostgresStore) CreateUpload(ctx context.Context, u *models.Upload) error {
	return s.withConn(ctx, func(conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, `
			INSERT INTO p8."Upload" (upload_id, filename, size, "offset", status, s3_uri, local_path, user_id, groupid, project, error, metadata, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			u.UploadID, u.Filename, u.Size, u.Offset, u.Status, u.S3URI, u.LocalPath,
			u.UserID, u.GroupID, u.Project, u.Error, metaOrEmpty(u.Metadata), u.ExpiresAt)
		return err
	})
}

func (s *PostgresStore) GetUpload(ctx context.Context, uploadID string) (*models.Upload, error) {
	var u *models.Upload
	err := s.withConn(ctx, func(conn *pgxpool.Conn) error {
		var err error
		u, err = scanUpload(conn.QueryRow(ctx,
			`SELECT `+uploadColumns+` FROM p8."Upload" WHERE upload_id = $1`, uploadID))
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "upload", Key: uploadID}
	}
	return u, err
}

func (s *PostgresStore) UpdateUpload(ctx context.Context, u *models.Upload) error {
	return s.withConn(ctx, func(conn *pgxpool.Conn) error {
		tag, err := conn.Exec(ctx, `
			UPDATE p8."Upload" SET
				"offset" = $2, status = $3, s3_uri = $4, local_path = $5,
				error = $6, metadata = $7, updated_at = NOW()
			WHERE upload_id = $1`,
			u.UploadID, u.Offset, u.Status, u.S3URI, u.LocalPath, u.Error, metaOrEmpty(u.Metadata))
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return &ErrNotFound{Entity: "upload", Key: u.UploadID}
		}
		return nil
	})
}

func (s *PostgresStore) DeleteUpload(ctx context.Context, uploadID string) error {
	return s.withConn(ctx, func(conn *pgxpool.Conn) error {
		tag, err := conn.Exec(ctx, `DELETE FROM p8."Upload" WHERE upload_id = $1`, uploadID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return &ErrNotFound{Entity: "upload", Key: uploadID}
		}
		return nil
	})
}

func (s *PostgresStore) ListExpiredUploads(ctx context.Context, cutoff time.Time, statuses []models.UploadStatus) ([]models.Upload, error) {
	strs := make([]string, len(statuses))
	for i, st := range statuses {
		strs[i] = string(st)
	}
	var out []models.Upload
	err := s.withConn(ctx, func(conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx,
			`SELECT `+uploadColumns+` FROM p8."Upload" WHERE expires_at < $1 AND status = ANY($2)`,
			cutoff, strs)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			u, err := scanUpload(rows)
			if err != nil {
				return err
			}
			out = append(out, *u)
		}
		return rows.Err()
	})
	return out, err
}

// ── Schedules ───────────────────────────────────────────────

const scheduleColumns = `id, userid, name, spec, cron, disabled_at, created_at, updated_at`

func scanSchedule(row pgx.Row) (*models.Schedule, error) {
	var sc models.Schedule
	err := row.Scan(&sc.ID, &sc.UserID, &sc.Name, &sc.Spec, &sc.Cron, &sc.DisabledAt, &sc.CreatedAt, &sc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &sc, nil
}

func (s *PostgresStore) ListSchedules(ctx context.Context, enabledOnly bool) ([]models.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM p8."Schedule"`
	if enabledOnly {
		query += ` WHERE disabled_at IS NULL`
	}
	query += ` ORDER BY name`
	var out []models.Schedule
	err := s.withConn(ctx, func(conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, query)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			sc, err := scanSchedule(rows)
			if err != nil {
				return err
			}
			out = append(out, *sc)
		}
		return rows.Err()
	})
	return out, err
}

func (s *PostgresStore) GetSchedule(ctx context.Context, id uuid.UUID) (*models.Schedule, error) {
	var sc *models.Schedule
	err := s.withConn(ctx, func(conn *pgxpool.Conn) error {
		var err error
		sc, err = scanSchedule(conn.QueryRow(ctx,
			`SELECT `+scheduleColumns+` FROM p8."Schedule" WHERE id = $1`, id))
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "schedule", Key: id.String()}
	}
	return sc, err
}

func (s *PostgresStore) UpsertSchedule(ctx context.Context, sc *models.Schedule) error {
	if sc.ID == uuid.Nil {
		sc.ID = uuid.New()
	}
	return s.withConn(ctx, func(conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, `
			INSERT INTO p8."Schedule" (id, userid, name, spec, cron, disabled_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				spec = EXCLUDED.spec,
				cron = EXCLUDED.cron,
				disabled_at = EXCLUDED.disabled_at,
				updated_at = NOW()`,
			sc.ID, sc.UserID, sc.Name, jsonOrEmpty(sc.Spec), sc.Cron, sc.DisabledAt)
		return err
	})
}

func (s *PostgresStore) DisableSchedule(ctx context.Context, id uuid.UUID, at time.Time) error {
	return s.withConn(ctx, func(conn *pgxpool.Conn) error {
		tag, err := conn.Exec(ctx,
			`UPDATE p8."Schedule" SET disabled_at = $2, updated_at = NOW() WHERE id = $1`, id, at)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return &ErrNotFound{Entity: "schedule", Key: id.String()}
		}
		return nil
	})
}

// ── Memories ────────────────────────────────────────────────

const memoryColumns = `id, userid, name, category, content, summary, metadata, created_at, updated_at`

func scanMemory(row pgx.Row) (*models.Memory, error) {
	var m models.Memory
	err := row.Scan(&m.ID, &m.UserID, &m.Name, &m.Category, &m.Content, &m.Summary, &m.Metadata, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) UpsertMemory(ctx context.Context, m *models.Memory) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.Category == "" {
		m.Category = models.DefaultMemoryCategory
	}
	return s.withConn(ctx, func(conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, `
			INSERT INTO p8."Memory" (id, userid, name, category, content, summary, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (userid, name) DO UPDATE SET
				category = EXCLUDED.category,
				content = EXCLUDED.content,
				summary = EXCLUDED.summary,
				metadata = EXCLUDED.metadata,
				updated_at = NOW()`,
			m.ID, m.UserID, m.Name, m.Category, m.Content, m.Summary, jsonOrEmpty(m.Metadata))
		return err
	})
}

func (s *PostgresStore) GetMemory(ctx context.Context, userID uuid.UUID, name string) (*models.Memory, error) {
	var m *models.Memory
	err := s.withConn(ctx, func(conn *pgxpool.Conn) error {
		var err error
		m, err = scanMemory(conn.QueryRow(ctx,
			`SELECT `+memoryColumns+` FROM p8."Memory" WHERE userid = $1 AND name = $2`, userID, name))
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "memory", Key: name}
	}
	return m, err
}

func (s *PostgresStore) ListMemories(ctx context.Context, userID uuid.UUID, limit int) ([]models.Memory, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []models.Memory
	err := s.withConn(ctx, func(conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx,
			`SELECT `+memoryColumns+` FROM p8."Memory" WHERE userid = $1 ORDER BY created_at DESC LIMIT $2`,
			userID, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			m, err := scanMemory(rows)
			if err != nil {
				return err
			}
			out = append(out, *m)
		}
		return rows.Err()
	})
	return out, err
}

func (s *PostgresStore) DeleteMemory(ctx context.Context, userID uuid.UUID, name string) error {
	return s.withConn(ctx, func(conn *pgxpool.Conn) error {
		tag, err := conn.Exec(ctx,
			`DELETE FROM p8."Memory" WHERE userid = $1 AND name = $2`, userID, name)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return &ErrNotFound{Entity: "memory", Key: name}
		}
		return nil
	})
}

// ── Audit ───────────────────────────────────────────────────

func (s *PostgresStore) CreateAIResponse(ctx context.Context, r *models.AIResponse) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return s.withConn(ctx, func(conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, `
			INSERT INTO p8."AIResponse" (id, session_id, user_id, role, content, tool_calls, tool_responses, tokens_in, tokens_out, model_name, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			r.ID, r.SessionID, r.UserID, r.Role, r.Content,
			sliceOrEmpty(r.ToolCalls), sliceOrEmpty(r.ToolResponses),
			r.TokensIn, r.TokensOut, r.ModelName, r.Status)
		return err
	})
}

func (s *PostgresStore) ListAIResponses(ctx context.Context, filter AuditFilter) ([]models.AIResponse, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT id, session_id, user_id, role, content, tool_calls, tool_responses, tokens_in, tokens_out, model_name, status, created_at
		FROM p8."AIResponse" WHERE TRUE`)
	var args []any
	if filter.SessionID != "" {
		args = append(args, filter.SessionID)
		fmt.Fprintf(&sb, " AND session_id = $%d", len(args))
	}
	if filter.UserID != nil {
		args = append(args, *filter.UserID)
		fmt.Fprintf(&sb, " AND user_id = $%d", len(args))
	}
	if filter.Since != nil {
		args = append(args, *filter.Since)
		fmt.Fprintf(&sb, " AND created_at >= $%d", len(args))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	fmt.Fprintf(&sb, " ORDER BY created_at DESC LIMIT $%d", len(args))

	var out []models.AIResponse
	err := s.withConn(ctx, func(conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, sb.String(), args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var r models.AIResponse
			if err := rows.Scan(&r.ID, &r.SessionID, &r.UserID, &r.Role, &r.Content,
				&r.ToolCalls, &r.ToolResponses, &r.TokensIn, &r.TokensOut,
				&r.ModelName, &r.Status, &r.CreatedAt); err != nil {
				return err
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	return out, err
}

// jsonOrEmpty keeps JSONB columns non-null.
func jsonOrEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func jsonOrEmptyStr(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func metaOrEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func sliceOrEmpty[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}

var _ Store = (*PostgresStore)(nil)
