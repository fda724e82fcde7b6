package tus_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/percolationlabs/percolate/internal/config"
	"github.com/percolationlabs/percolate/internal/ingest"
	"github.com/percolationlabs/percolate/internal/jobs"
	"github.com/percolationlabs/percolate/internal/store"
	"github.com/percolationlabs/percolate/internal/tus"
	"github.com/percolationlabs/percolate/internal/vectorstore"
	"github.com/percolationlabs/percolate/pkg/models"
)

// memBlob is an in-memory object store fake.
type memBlob struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemBlob() *memBlob { return &memBlob{objects: map[string][]byte{}} }

func (b *memBlob) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	b.mu.Lock()
	b.objects[key] = data
	b.mu.Unlock()
	return "s3://test-bucket/" + key, nil
}

func (b *memBlob) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return io.NopCloser(bytes.NewReader(b.objects[key])), nil
}

func (b *memBlob) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	delete(b.objects, key)
	b.mu.Unlock()
	return nil
}

func (b *memBlob) object(key string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[key]
	return data, ok
}

func newTestManager(t *testing.T) (*tus.Manager, store.Store, *memBlob) {
	t.Helper()
	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })

	blobStore := newMemBlob()
	pipeline := ingest.NewPipeline(st, vectorstore.NewEmbeddedIndex(), nil)
	pool := jobs.NewPool(1, 8)
	t.Cleanup(func() { pool.Shutdown(time.Second) })

	mgr, err := tus.NewManager(st, blobStore, pipeline, pool, config.TUSConfig{
		StagingDir: t.TempDir(),
		UploadTTL:  time.Hour,
		MaxSize:    1 << 20,
	})
	require.NoError(t, err)
	return mgr, st, blobStore
}

func sysCtx(t *testing.T) context.Context {
	return store.WithUserContext(t.Context(), store.UserContext{RoleLevel: models.RoleLevelAdmin})
}

func TestCreateAndHead(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := sysCtx(t)

	up, err := mgr.Create(ctx, 10, map[string]string{"filename": "notes.txt"}, nil, "")
	require.NoError(t, err)
	assert.Equal(t, models.UploadCreated, up.Status)
	assert.Equal(t, "notes.txt", up.Filename)
	assert.EqualValues(t, 0, up.Offset)

	got, err := mgr.Get(ctx, up.UploadID)
	require.NoError(t, err)
	assert.EqualValues(t, 10, got.Size)
}

func TestCreateRejectsOversize(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	_, err := mgr.Create(sysCtx(t), 2<<20, nil, nil, "")
	assert.ErrorIs(t, err, tus.ErrSizeExceeded)
}

func TestPatchSequenceAndFinalize(t *testing.T) {
	mgr, st, blobStore := newTestManager(t)
	ctx := sysCtx(t)
	owner := models.UserIDForEmail("uploader@example.com")

	content := "hello resumable world"
	up, err := mgr.Create(ctx, int64(len(content)), map[string]string{
		"filename": "greeting.txt",
		"filetype": "text/plain",
		"project":  "docs",
	}, &owner, "engineering")
	require.NoError(t, err)

	// two sequential chunks
	offset, err := mgr.Patch(ctx, up.UploadID, 0, strings.NewReader(content[:5]))
	require.NoError(t, err)
	assert.EqualValues(t, 5, offset)

	offset, err = mgr.Patch(ctx, up.UploadID, 5, strings.NewReader(content[5:]))
	require.NoError(t, err)
	assert.EqualValues(t, len(content), offset)

	// finalization runs on the worker pool
	require.Eventually(t, func() bool {
		got, err := st.GetUpload(ctx, up.UploadID)
		return err == nil && got.Status == models.UploadIngested
	}, 5*time.Second, 10*time.Millisecond)

	got, err := st.GetUpload(ctx, up.UploadID)
	require.NoError(t, err)
	assert.Equal(t, "s3://test-bucket/"+owner.String()+"/docs/"+up.UploadID+"/greeting.txt", got.S3URI)

	data, ok := blobStore.object(owner.String() + "/docs/" + up.UploadID + "/greeting.txt")
	require.True(t, ok)
	assert.Equal(t, content, string(data))

	// the payload was chunked into resources
	resources, err := st.GetResourcesByURI(ctx, got.S3URI)
	require.NoError(t, err)
	require.NotEmpty(t, resources)
	assert.Equal(t, "upload", resources[0].Category)
	assert.Equal(t, models.RoleLevelAdmin, resources[0].AccessLevel, "owned uploads are owner-only")
}

func TestPatchOffsetMismatch(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := sysCtx(t)

	up, err := mgr.Create(ctx, 10, nil, nil, "")
	require.NoError(t, err)

	_, err = mgr.Patch(ctx, up.UploadID, 0, strings.NewReader("abcde"))
	require.NoError(t, err)

	// stale retry at offset 0 conflicts and reports the server offset
	offset, err := mgr.Patch(ctx, up.UploadID, 0, strings.NewReader("abcde"))
	assert.ErrorIs(t, err, tus.ErrOffsetMismatch)
	assert.EqualValues(t, 5, offset)
}

func TestPatchOverflowFailsUpload(t *testing.T) {
	mgr, st, _ := newTestManager(t)
	ctx := sysCtx(t)

	up, err := mgr.Create(ctx, 4, nil, nil, "")
	require.NoError(t, err)

	_, err = mgr.Patch(ctx, up.UploadID, 0, strings.NewReader("too long"))
	assert.ErrorIs(t, err, tus.ErrSizeExceeded)

	got, err := st.GetUpload(ctx, up.UploadID)
	require.NoError(t, err)
	assert.Equal(t, models.UploadFailed, got.Status)
}

func TestPatchTerminalUpload(t *testing.T) {
	mgr, st, _ := newTestManager(t)
	ctx := sysCtx(t)

	up, err := mgr.Create(ctx, 5, nil, nil, "")
	require.NoError(t, err)
	_, err = mgr.Patch(ctx, up.UploadID, 0, strings.NewReader("hello"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := st.GetUpload(ctx, up.UploadID)
		return err == nil && got.Status == models.UploadIngested
	}, 5*time.Second, 10*time.Millisecond)

	_, err = mgr.Patch(ctx, up.UploadID, 5, strings.NewReader("more"))
	assert.ErrorIs(t, err, tus.ErrTerminal)
}

func TestDeleteRemovesUpload(t *testing.T) {
	mgr, st, _ := newTestManager(t)
	ctx := sysCtx(t)

	up, err := mgr.Create(ctx, 10, nil, nil, "")
	require.NoError(t, err)
	require.NoError(t, mgr.Delete(ctx, up.UploadID))

	_, err = st.GetUpload(ctx, up.UploadID)
	assert.True(t, store.IsNotFound(err))
}

func TestBinaryPayloadSkipsIngestion(t *testing.T) {
	mgr, st, _ := newTestManager(t)
	ctx := sysCtx(t)

	payload := []byte{0xff, 0xfe, 0x00, 0x01}
	up, err := mgr.Create(ctx, int64(len(payload)), map[string]string{"filename": "blob.bin"}, nil, "")
	require.NoError(t, err)
	_, err = mgr.Patch(ctx, up.UploadID, 0, bytes.NewReader(payload))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := st.GetUpload(ctx, up.UploadID)
		return err == nil && got.Status == models.UploadIngested
	}, 5*time.Second, 10*time.Millisecond)

	got, err := st.GetUpload(ctx, up.UploadID)
	require.NoError(t, err)
	resources, err := st.GetResourcesByURI(ctx, got.S3URI)
	require.NoError(t, err)
	assert.Empty(t, resources, "binary payloads promote but do not chunk")
}

func TestParseMetadata(t *testing.T) {
	header := "filename " + base64.StdEncoding.EncodeToString([]byte("report.pdf")) +
		",filetype " + base64.StdEncoding.EncodeToString([]byte("application/pdf")) +
		",is_confidential"

	meta := tus.ParseMetadata(header)
	assert.Equal(t, "report.pdf", meta["filename"])
	assert.Equal(t, "application/pdf", meta["filetype"])
	assert.Equal(t, "", meta["is_confidential"])

	assert.Empty(t, tus.ParseMetadata(""))
}
