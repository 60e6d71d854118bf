package restore_test

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
	"github.com/PostHog/posthog-sub013/internal/checkpoint/restore"
	"github.com/PostHog/posthog-sub013/internal/checkpoint/upload"
	"github.com/PostHog/posthog-sub013/internal/store/kv"
	"github.com/PostHog/posthog-sub013/internal/tracker"
)

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
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

func (m *memStore) corrupt(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append(m.objects[key], 0xff)
}

func uploadFixture(t *testing.T, store *memStore, partition tracker.PartitionKey, nowMs int64) export.Plan {
	t.Helper()
	var dir = t.TempDir()
	kvs, err := kv.Open(filepath.Join(dir, "store"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kvs.Close() })

	require.NoError(t, kvs.Put([]byte("k1"), []byte("value-one")))
	require.NoError(t, kvs.Put([]byte("k2"), []byte("value-two")))

	plan, snap, err := export.Build(kvs, partition, 1, 77, false, "events/0", filepath.Join(dir, "snapshot"), func() int64 { return nowMs })
	require.NoError(t, err)
	t.Cleanup(func() { _ = snap.Release() })

	var u = upload.New(store, 4)
	_, err = u.UploadWithPlan(context.Background(), plan)
	require.NoError(t, err)

	return plan
}

// TestScenarioP4 reproduces spec §8 P4: a checkpoint uploaded for a
// partition can be listed, downloaded, and its blobs verify against
// their recorded checksums — a full checkpoint round-trip.
func TestScenarioP4CheckpointRoundTrip(t *testing.T) {
	var store = newMemStore()
	var partition = tracker.PartitionKey{Topic: "events", Partition: 0}
	var plan = uploadFixture(t, store, partition, 1000)

	var client = restore.NewClient(store)

	infos, err := client.List(context.Background(), partition)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, plan.ManifestKey, infos[0].ManifestKey)
	assert.Equal(t, int64(1), infos[0].Generation)

	var destDir = t.TempDir()
	require.NoError(t, client.Download(context.Background(), infos[0], destDir))

	for _, blob := range plan.Blobs {
		data, err := os.ReadFile(filepath.Join(destDir, blob.Name))
		require.NoError(t, err)
		assert.NotEmpty(t, data)
	}
}

func TestListOrdersByCreationTimeDescending(t *testing.T) {
	var store = newMemStore()
	var partition = tracker.PartitionKey{Topic: "events", Partition: 0}

	var older = uploadFixture(t, store, partition, 1000)
	var newer = uploadFixture(t, store, partition, 2000)

	var client = restore.NewClient(store)
	infos, err := client.List(context.Background(), partition)
	require.NoError(t, err)
	require.Len(t, infos, 2)

	assert.Equal(t, newer.ManifestKey, infos[0].ManifestKey)
	assert.Equal(t, older.ManifestKey, infos[1].ManifestKey)
}

func TestDownloadAbortsOnChecksumMismatch(t *testing.T) {
	var store = newMemStore()
	var partition = tracker.PartitionKey{Topic: "events", Partition: 0}
	var plan = uploadFixture(t, store, partition, 1000)

	store.corrupt(plan.Blobs[0].ObjectKey)

	var client = restore.NewClient(store)
	infos, err := client.List(context.Background(), partition)
	require.NoError(t, err)
	require.Len(t, infos, 1)

	var destDir = t.TempDir()
	// Pre-seed the destination to assert it is left untouched on failure.
	require.NoError(t, os.MkdirAll(destDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(destDir, "sentinel"), []byte("x"), 0o644))

	err = client.Download(context.Background(), infos[0], destDir)
	assert.Error(t, err)

	entries, err := os.ReadDir(destDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "destination directory must be untouched after a checksum mismatch")
}

func TestRestorerSkipsAlreadyAppliedCheckpoint(t *testing.T) {
	var store = newMemStore()
	var partition = tracker.PartitionKey{Topic: "events", Partition: 0}
	var plan = uploadFixture(t, store, partition, 1000)

	var client = restore.NewClient(store)
	var localDir = t.TempDir()
	var r = restore.NewRestorer(client, func(tracker.PartitionKey) string { return localDir })

	require.NoError(t, r.RestoreIfNewer(context.Background(), partition))
	entries, err := os.ReadDir(localDir)
	require.NoError(t, err)
	assert.NotEmpty(t, entries)

	// A second call with nothing new uploaded must not re-download: a
	// corrupted blob would fail checksum verification if it were fetched.
	store.corrupt(plan.Blobs[0].ObjectKey)
	require.NoError(t, r.RestoreIfNewer(context.Background(), partition))
}
