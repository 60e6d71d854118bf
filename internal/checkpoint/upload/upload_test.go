package upload_test

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PostHog/posthog-sub013/internal/checkpoint/blobstore"
	"github.com/PostHog/posthog-sub013/internal/checkpoint/export"
	"github.com/PostHog/posthog-sub013/internal/checkpoint/upload"
	"github.com/PostHog/posthog-sub013/internal/store/kv"
	"github.com/PostHog/posthog-sub013/internal/tracker"
)

// memStore is an in-memory blobstore.BlobStore used by checkpoint
// tests in place of a real S3 bucket.
type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
}

func newMemStore() *memStore { return &memStore{objects: make(map[string][]byte)} }

func (m *memStore) Put(_ context.Context, key string, body io.Reader, _ int64) error {
	var b, err = io.ReadAll(body)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = b
	m.puts++
	return nil
}

func (m *memStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[key]
	if !ok {
		return nil, os.ErrNotExist
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *memStore) List(_ context.Context, prefix string) ([]blobstore.ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []blobstore.ObjectInfo
	for k, v := range m.objects {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, blobstore.ObjectInfo{Key: k, Size: int64(len(v))})
		}
	}
	return out, nil
}

func buildPlan(t *testing.T, partition tracker.PartitionKey) (export.Plan, *kv.Store) {
	t.Helper()
	var dir = t.TempDir()
	store, err := kv.Open(filepath.Join(dir, "store"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.Put([]byte("a"), []byte("1")))
	require.NoError(t, store.Put([]byte("b"), []byte("2")))

	plan, snap, err := export.Build(store, partition, 1, 99, false, "events/0", filepath.Join(dir, "snapshot"), func() int64 { return 5000 })
	require.NoError(t, err)
	t.Cleanup(func() { _ = snap.Release() })
	return plan, store
}

// TestScenarioS3 reproduces spec §8 S3: a single-partition checkpoint
// upload writes every blob and, last, the manifest.
func TestScenarioS3SinglePartitionUpload(t *testing.T) {
	var part = tracker.PartitionKey{Topic: "events", Partition: 0}
	plan, _ := buildPlan(t, part)

	var store = newMemStore()
	var u = upload.New(store, 4)

	keys, err := u.UploadWithPlan(context.Background(), plan)
	require.NoError(t, err)

	assert.Contains(t, keys, plan.ManifestKey)
	ok, err := store.Exists(context.Background(), plan.ManifestKey)
	require.NoError(t, err)
	assert.True(t, ok)

	for _, b := range plan.Blobs {
		ok, err := store.Exists(context.Background(), b.ObjectKey)
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestUploadIsIdempotent(t *testing.T) {
	var part = tracker.PartitionKey{Topic: "events", Partition: 1}
	plan, _ := buildPlan(t, part)

	var store = newMemStore()
	var u = upload.New(store, 4)

	_, err := u.UploadWithPlan(context.Background(), plan)
	require.NoError(t, err)
	var firstPuts = store.puts

	_, err = u.UploadWithPlan(context.Background(), plan)
	require.NoError(t, err)

	// Re-running the same plan must skip blobs already present, and the
	// manifest too (its key is timestamp-based and unchanged here), so
	// no further puts are made.
	assert.Equal(t, firstPuts, store.puts)
}

// TestScenarioS5 reproduces spec §8 S5: cancelling mid-upload leaves
// no manifest behind, so a subsequent upload with the same plan
// succeeds cleanly.
func TestScenarioS5CancelLeavesNoManifest(t *testing.T) {
	var part = tracker.PartitionKey{Topic: "events", Partition: 2}
	plan, _ := buildPlan(t, part)

	var store = newMemStore()
	var u = upload.New(store, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancelled before the upload starts

	_, err := u.UploadWithPlan(ctx, plan)
	assert.Error(t, err)

	ok, err := store.Exists(context.Background(), plan.ManifestKey)
	require.NoError(t, err)
	assert.False(t, ok, "manifest must not exist after a cancelled upload")

	keys, err := u.UploadWithPlan(context.Background(), plan)
	require.NoError(t, err)
	assert.Contains(t, keys, plan.ManifestKey)
}
