// Package restore implements the checkpoint client (spec §4.H): list
// available checkpoints for a partition, fetch their metadata,
// download and checksum-verify their blobs, and a Restorer that the
// rebalance coordinator invokes on assignment. Grounded on the
// original source's CheckpointClient trait
// (original_source/.conflict-side-1/rust/kafka-deduplicator/src/checkpoint/client.rs:
// list_checkpoint_metadata, download_checkpoint, get_checkpoint_metadata,
// checkpoint_exists).
package restore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/PostHog/posthog-sub013/internal/checkpoint/blobstore"
	"github.com/PostHog/posthog-sub013/internal/checkpoint/export"
	"github.com/PostHog/posthog-sub013/internal/errs"
	"github.com/PostHog/posthog-sub013/internal/tracker"
)

// Info identifies one checkpoint available in remote storage.
type Info struct {
	ManifestKey string
	Partition   tracker.PartitionKey
	Generation  int64
	CreatedAtMs int64
}

// Client discovers and downloads checkpoints for partitions.
type Client struct {
	store blobstore.BlobStore
}

// NewClient returns a checkpoint Client reading from store.
func NewClient(store blobstore.BlobStore) *Client {
	return &Client{store: store}
}

func keyPrefix(partition tracker.PartitionKey) string {
	return fmt.Sprintf("%s/%d", partition.Topic, partition.Partition)
}

// List returns every checkpoint available for partition, ordered by
// creation time descending (spec §4.H).
func (c *Client) List(ctx context.Context, partition tracker.PartitionKey) ([]Info, error) {
	var objs, err = c.store.List(ctx, keyPrefix(partition)+"/manifests/")
	if err != nil {
		return nil, errors.Wrap(err, "listing checkpoint manifests")
	}

	var infos = make([]Info, 0, len(objs))
	for _, obj := range objs {
		md, err := c.Metadata(ctx, obj.Key)
		if err != nil {
			return nil, errors.Wrapf(err, "reading manifest %s", obj.Key)
		}
		infos = append(infos, Info{
			ManifestKey: obj.Key,
			Partition:   partition,
			Generation:  md.Generation,
			CreatedAtMs: md.CreatedAtMs,
		})
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].CreatedAtMs > infos[j].CreatedAtMs })
	return infos, nil
}

// Metadata fetches and decodes the manifest stored at key.
func (c *Client) Metadata(ctx context.Context, key string) (export.Manifest, error) {
	var rc, err = c.store.Get(ctx, key)
	if err != nil {
		return export.Manifest{}, errors.Wrapf(err, "fetching manifest %s", key)
	}
	defer rc.Close()

	var raw, readErr = io.ReadAll(rc)
	if readErr != nil {
		return export.Manifest{}, errors.Wrapf(readErr, "reading manifest %s", key)
	}

	var m export.Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return export.Manifest{}, errs.New(errs.Corruption, errors.Wrapf(err, "decoding manifest %s", key))
	}
	return m, nil
}

// Exists reports whether info's manifest is still present.
func (c *Client) Exists(ctx context.Context, info Info) (bool, error) {
	return c.store.Exists(ctx, info.ManifestKey)
}

// Download fetches every blob named in info's manifest into localDir,
// verifying each blob's checksum. A checksum mismatch aborts the
// restore without modifying any file already present in localDir
// (spec §4.H: "a blob mismatch aborts the restore without modifying
// any local state") — blobs are staged into a sibling temp directory
// and only moved into localDir once every blob has verified clean.
func (c *Client) Download(ctx context.Context, info Info, localDir string) error {
	var manifest, err = c.Metadata(ctx, info.ManifestKey)
	if err != nil {
		return err
	}

	var stageDir = localDir + ".restore-stage"
	if err := os.RemoveAll(stageDir); err != nil {
		return errors.Wrap(err, "clearing restore staging directory")
	}
	if err := os.MkdirAll(stageDir, 0o755); err != nil {
		return errors.Wrap(err, "creating restore staging directory")
	}
	defer os.RemoveAll(stageDir)

	for _, blob := range manifest.Blobs {
		if err := c.downloadAndVerify(ctx, blob, stageDir); err != nil {
			return errors.Wrapf(err, "downloading blob %s", blob.Name)
		}
	}

	if err := os.MkdirAll(localDir, 0o755); err != nil {
		return errors.Wrap(err, "creating restore target directory")
	}
	for _, blob := range manifest.Blobs {
		var src = filepath.Join(stageDir, blob.Name)
		var dst = filepath.Join(localDir, blob.Name)
		if err := os.Rename(src, dst); err != nil {
			return errors.Wrapf(err, "installing restored blob %s", blob.Name)
		}
	}
	return nil
}

func (c *Client) downloadAndVerify(ctx context.Context, blob export.ManifestBlob, stageDir string) error {
	var rc, err = c.store.Get(ctx, blob.ObjectKey)
	if err != nil {
		return err
	}
	defer rc.Close()

	var dst = filepath.Join(stageDir, blob.Name)
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer f.Close()

	var h = sha256.New()
	if _, err := io.Copy(io.MultiWriter(f, h), rc); err != nil {
		return err
	}

	var sum = hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(sum, blob.Checksum) {
		return errs.Newf(errs.Corruption, "checksum mismatch for %s: got %s, want %s", blob.Name, sum, blob.Checksum)
	}
	return nil
}

// Restorer adapts Client to the rebalance coordinator's Restorer
// interface: it restores the newest available checkpoint into the
// partition's local directory if one hasn't already been applied,
// logging a warning when that checkpoint is flagged partial.
type Restorer struct {
	client      *Client
	localDirFor func(partition tracker.PartitionKey) string
}

// NewRestorer returns a Restorer that stages checkpoints into
// localDirFor(partition) — the same directory the kv store will Open
// immediately afterward.
func NewRestorer(client *Client, localDirFor func(tracker.PartitionKey) string) *Restorer {
	return &Restorer{client: client, localDirFor: localDirFor}
}

// RestoreIfNewer implements rebalance.Restorer.
func (r *Restorer) RestoreIfNewer(ctx context.Context, partition tracker.PartitionKey) error {
	var infos, err = r.client.List(ctx, partition)
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		return nil
	}

	var latest = infos[0]
	var dir = r.localDirFor(partition)
	var marker = filepath.Join(dir, ".checkpoint-manifest")

	if raw, err := os.ReadFile(marker); err == nil && strings.TrimSpace(string(raw)) == latest.ManifestKey {
		return nil
	}

	if md, err := r.client.Metadata(ctx, latest.ManifestKey); err == nil && md.Partial {
		log.WithField("partition", partition).WithField("manifest", latest.ManifestKey).
			Warn("restoring a partial checkpoint; offsets past its watermark will be reprocessed")
	}

	if err := r.client.Download(ctx, latest, dir); err != nil {
		return err
	}
	return os.WriteFile(marker, []byte(latest.ManifestKey), 0o644)
}
