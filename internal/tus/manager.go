// Package tus manages resumable uploads: staged chunk writes with offset
// verification, background finalization (assemble, promote to object
// storage, ingest into resources), and garbage collection of expired
// uploads.
package tus

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/percolationlabs/percolate/internal/blob"
	"github.com/percolationlabs/percolate/internal/config"
	"github.com/percolationlabs/percolate/internal/ingest"
	"github.com/percolationlabs/percolate/internal/jobs"
	"github.com/percolationlabs/percolate/internal/store"
	"github.com/percolationlabs/percolate/pkg/models"
)

// Version is the protocol version served in Tus-Resumable.
const Version = "1.0.0"

var (
	// ErrOffsetMismatch means the client's Upload-Offset disagrees with the
	// server's; the client must HEAD and resume from the server's offset.
	ErrOffsetMismatch = errors.New("upload offset mismatch")

	// ErrSizeExceeded means a patch would grow the upload past its declared
	// size or the server cap.
	ErrSizeExceeded = errors.New("upload size exceeded")

	// ErrTerminal means the upload already finished or failed.
	ErrTerminal = errors.New("upload in terminal state")
)

// Manager owns upload lifecycle. A per-upload lock serializes PATCH
// traffic; concurrent patches to one upload are a protocol violation but
// must not corrupt the staging file.
type Manager struct {
	store    store.Store
	blob     blob.Store
	pipeline *ingest.Pipeline
	jobs     *jobs.Pool
	cfg      config.TUSConfig

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager wires the manager and ensures the staging directory exists.
func NewManager(st store.Store, blobStore blob.Store, pipeline *ingest.Pipeline, pool *jobs.Pool, cfg config.TUSConfig) (*Manager, error) {
	if cfg.StagingDir == "" {
		cfg.StagingDir = filepath.Join(os.TempDir(), "percolate-tus")
	}
	if err := os.MkdirAll(cfg.StagingDir, 0o750); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	return &Manager{
		store:    st,
		blob:     blobStore,
		pipeline: pipeline,
		jobs:     pool,
		cfg:      cfg,
		locks:    map[string]*sync.Mutex{},
	}, nil
}

// MaxSize is the server-wide upload cap.
func (m *Manager) MaxSize() int64 { return m.cfg.MaxSize }

func (m *Manager) lock(uploadID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[uploadID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[uploadID] = l
	}
	return l
}

func (m *Manager) dropLock(uploadID string) {
	m.mu.Lock()
	delete(m.locks, uploadID)
	m.mu.Unlock()
}

// Create registers a new upload and its empty staging file.
func (m *Manager) Create(ctx context.Context, size int64, metadata map[string]string, identity *uuid.UUID, groupID string) (*models.Upload, error) {
	if m.cfg.MaxSize > 0 && size > m.cfg.MaxSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrSizeExceeded, size, m.cfg.MaxSize)
	}
	uploadID := uuid.NewString()
	filename := metadata["filename"]
	if filename == "" {
		filename = uploadID
	}

	now := time.Now().UTC()
	up := &models.Upload{
		UploadID:  uploadID,
		Filename:  filename,
		Size:      size,
		Offset:    0,
		Status:    models.UploadCreated,
		LocalPath: filepath.Join(m.cfg.StagingDir, uploadID),
		UserID:    identity,
		GroupID:   groupID,
		Project:   metadata["project"],
		Metadata:  metadata,
		ExpiresAt: now.Add(m.cfg.UploadTTL),
		CreatedAt: now,
		UpdatedAt: now,
	}

	f, err := os.OpenFile(up.LocalPath, os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("create staging file: %w", err)
	}
	f.Close()

	if err := m.store.CreateUpload(ctx, up); err != nil {
		os.Remove(up.LocalPath)
		return nil, err
	}
	log.Info().Str("upload_id", uploadID).Int64("size", size).Str("filename", filename).Msg("upload created")
	return up, nil
}

// Get returns current upload state for HEAD.
func (m *Manager) Get(ctx context.Context, uploadID string) (*models.Upload, error) {
	return m.store.GetUpload(ctx, uploadID)
}

// Patch appends a chunk at the given offset. On success it returns the new
// offset; when the upload completes it schedules finalization.
func (m *Manager) Patch(ctx context.Context, uploadID string, offset int64, body io.Reader) (int64, error) {
	l := m.lock(uploadID)
	l.Lock()
	defer l.Unlock()

	up, err := m.store.GetUpload(ctx, uploadID)
	if err != nil {
		return 0, err
	}
	if up.Status.Terminal() || up.Status == models.UploadAssembled || up.Status == models.UploadPromoted {
		return up.Offset, ErrTerminal
	}
	if up.Offset != offset {
		return up.Offset, fmt.Errorf("%w: server at %d, client at %d", ErrOffsetMismatch, up.Offset, offset)
	}

	f, err := os.OpenFile(up.LocalPath, os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return up.Offset, fmt.Errorf("open staging file: %w", err)
	}
	written, copyErr := io.Copy(f, io.LimitReader(body, up.Size-up.Offset+1))
	closeErr := f.Close()

	up.Offset += written
	up.Status = models.UploadInProgress
	up.UpdatedAt = time.Now().UTC()

	if up.Offset > up.Size {
		up.Status = models.UploadFailed
		up.Error = "payload exceeds declared size"
		_ = m.store.UpdateUpload(ctx, up)
		return up.Offset, ErrSizeExceeded
	}
	if err := m.store.UpdateUpload(ctx, up); err != nil {
		return up.Offset, err
	}
	if copyErr != nil {
		return up.Offset, fmt.Errorf("write chunk: %w", copyErr)
	}
	if closeErr != nil {
		return up.Offset, fmt.Errorf("close staging file: %w", closeErr)
	}

	if up.Offset == up.Size {
		m.scheduleFinalize(up.UploadID)
	}
	return up.Offset, nil
}

// Delete terminates an upload and removes its staging file.
func (m *Manager) Delete(ctx context.Context, uploadID string) error {
	up, err := m.store.GetUpload(ctx, uploadID)
	if err != nil {
		return err
	}
	if up.LocalPath != "" {
		if err := os.Remove(up.LocalPath); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("upload_id", uploadID).Msg("remove staging file failed")
		}
	}
	m.dropLock(uploadID)
	return m.store.DeleteUpload(ctx, uploadID)
}

// scheduleFinalize queues the assemble/promote/ingest chain.
func (m *Manager) scheduleFinalize(uploadID string) {
	err := m.jobs.Submit(func(ctx context.Context) {
		if err := m.Finalize(ctx, uploadID); err != nil {
			log.Error().Err(err).Str("upload_id", uploadID).Msg("upload finalization failed")
		}
	})
	if err != nil {
		log.Warn().Err(err).Str("upload_id", uploadID).Msg("finalize deferred to janitor")
	}
}

// Finalize walks a complete upload through ASSEMBLED, PROMOTED, and
// INGESTED. Failures mark the upload FAILED with the error recorded; the
// staging file stays for the janitor so a retry remains possible.
func (m *Manager) Finalize(ctx context.Context, uploadID string) error {
	up, err := m.store.GetUpload(ctx, uploadID)
	if err != nil {
		return err
	}
	if up.Status.Terminal() {
		return nil
	}
	if up.Offset != up.Size {
		return fmt.Errorf("upload %s incomplete: %d/%d", uploadID, up.Offset, up.Size)
	}

	if err := m.transition(ctx, up, models.UploadAssembled); err != nil {
		return err
	}

	if err := m.promote(ctx, up); err != nil {
		return m.fail(ctx, up, err)
	}
	if err := m.transition(ctx, up, models.UploadPromoted); err != nil {
		return err
	}

	if err := m.ingest(ctx, up); err != nil {
		return m.fail(ctx, up, err)
	}
	if err := m.transition(ctx, up, models.UploadIngested); err != nil {
		return err
	}

	if err := os.Remove(up.LocalPath); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("upload_id", uploadID).Msg("remove staging file failed")
	}
	m.dropLock(uploadID)
	log.Info().Str("upload_id", uploadID).Str("s3_uri", up.S3URI).Msg("upload ingested")
	return nil
}

// promote copies the staged payload into object storage under
// {owner}/{project}/{upload_id}/{filename}.
func (m *Manager) promote(ctx context.Context, up *models.Upload) error {
	f, err := os.Open(up.LocalPath)
	if err != nil {
		return fmt.Errorf("open staged payload: %w", err)
	}
	defer f.Close()

	owner := "anonymous"
	if up.UserID != nil {
		owner = up.UserID.String()
	}
	project := up.Project
	if project == "" {
		project = "default"
	}
	key := fmt.Sprintf("%s/%s/%s/%s", owner, project, up.UploadID, up.Filename)

	uri, err := m.blob.Put(ctx, key, f, up.Size, up.Metadata["filetype"])
	if err != nil {
		return fmt.Errorf("promote upload: %w", err)
	}
	up.S3URI = uri
	return nil
}

// ingest runs the staged payload through the resource pipeline. Binary
// payloads that do not decode as text are stored but not chunked.
func (m *Manager) ingest(ctx context.Context, up *models.Upload) error {
	raw, err := os.ReadFile(up.LocalPath)
	if err != nil {
		return fmt.Errorf("read staged payload: %w", err)
	}
	if !utf8.Valid(raw) {
		log.Info().Str("upload_id", up.UploadID).Msg("binary payload, skipping resource ingestion")
		return nil
	}

	accessLevel := models.RoleLevelPublic
	if up.UserID != nil {
		// owned uploads default to owner-only visibility
		accessLevel = models.RoleLevelAdmin
	}
	_, err = m.pipeline.Ingest(ctx, ingest.Document{
		URI:         up.S3URI,
		Name:        up.Filename,
		Content:     string(raw),
		Category:    "upload",
		UserID:      up.UserID,
		GroupID:     up.GroupID,
		AccessLevel: accessLevel,
		Metadata:    map[string]any{"upload_id": up.UploadID},
	})
	return err
}

func (m *Manager) transition(ctx context.Context, up *models.Upload, status models.UploadStatus) error {
	up.Status = status
	up.UpdatedAt = time.Now().UTC()
	return m.store.UpdateUpload(ctx, up)
}

func (m *Manager) fail(ctx context.Context, up *models.Upload, cause error) error {
	up.Status = models.UploadFailed
	up.Error = cause.Error()
	up.UpdatedAt = time.Now().UTC()
	if err := m.store.UpdateUpload(ctx, up); err != nil {
		log.Error().Err(err).Str("upload_id", up.UploadID).Msg("record upload failure")
	}
	return cause
}

// ── Metadata ────────────────────────────────────────────────

// ParseMetadata decodes an Upload-Metadata header: comma-separated
// "key base64value" pairs, value optional.
func ParseMetadata(header string) map[string]string {
	out := map[string]string{}
	for _, pair := range strings.Split(header, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, encoded, _ := strings.Cut(pair, " ")
		if key == "" {
			continue
		}
		if encoded == "" {
			out[key] = ""
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			continue
		}
		out[key] = string(decoded)
	}
	return out
}
