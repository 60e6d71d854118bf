// Package export builds a CheckpointPlan from a consistent kv.Store
// snapshot (spec §4.F): content-addressed blob names, a manifest
// carrying the highest committed offset at snapshot time, and the
// object keys the uploader must write to. Grounded on the original
// source's CheckpointExporter
// (original_source/rust/kafka-deduplicator/src/checkpoint/mod.rs) and
// on the teacher's fragment-store idea of content addressing
// immutable files by checksum (broker/fragment's Fragment naming,
// referenced from append_fsm.go's clientSummer hashing).
package export

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/pkg/errors"

	"github.com/PostHog/posthog-sub013/internal/store/kv"
	"github.com/PostHog/posthog-sub013/internal/tracker"
)

// Blob is one immutable file within a Plan.
type Blob struct {
	LocalPath string
	Name      string // original file name within the snapshot
	ObjectKey string // content-addressed remote key
	Checksum  string // sha256, hex-encoded
	Size      int64
}

// ManifestBlob is the manifest's record of one uploaded Blob.
type ManifestBlob struct {
	Name      string `json:"name"`
	ObjectKey string `json:"object_key"`
	Checksum  string `json:"checksum"`
	Size      int64  `json:"size"`
}

// manifestVersion is the checkpoint manifest schema version (spec §3
// Data Model, §6 manifest format). Bump it whenever a field is added,
// renamed, or reinterpreted in a way that changes how an older reader
// must decode it.
const manifestVersion = 1

// Manifest is the object written last by the uploader, once every
// blob has been confirmed present (spec §4.G).
type Manifest struct {
	Version                int            `json:"version"`
	Topic                  string         `json:"topic"`
	Partition              int32          `json:"partition"`
	Generation             int64          `json:"generation"`
	HighestCommittedOffset int64          `json:"highest_committed_offset"`
	CreatedAtMs            int64          `json:"created_at_ms"`
	Partial                bool           `json:"partial"`
	Blobs                  []ManifestBlob `json:"blobs"`
	TotalBytes             int64          `json:"total_bytes"`
}

// Plan is the single unit consumed by the uploader (spec §4.F: "the
// plan is the single unit consumed by 4.G").
type Plan struct {
	Partition     tracker.PartitionKey
	Generation    int64
	KeyPrefix     string
	Blobs         []Blob
	ManifestKey   string
	ManifestBytes []byte
}

// NowFunc supplies the wall-clock time recorded on the manifest; a
// seam for deterministic tests.
type NowFunc func() int64

// Build snapshots store, checksums every resulting file, and composes
// a Plan. keyPrefix namespaces the partition's objects within the
// bucket (e.g. "events/0"). partial flags a checkpoint forced out by
// a fencing drain timeout (spec §4.E failure semantics).
func Build(store *kv.Store, partition tracker.PartitionKey, generation, highestCommittedOffset int64, partial bool, keyPrefix, snapshotDir string, now NowFunc) (Plan, *kv.Snapshot, error) {
	snap, err := store.Snapshot(snapshotDir)
	if err != nil {
		return Plan{}, nil, errors.Wrap(err, "creating snapshot")
	}

	var nowMs = now()
	var blobs = make([]Blob, 0, len(snap.Files))
	var manifestBlobs = make([]ManifestBlob, 0, len(snap.Files))

	for _, f := range snap.Files {
		var localPath = path.Join(snapshotDir, f.Name)
		sum, err := checksumFile(localPath)
		if err != nil {
			return Plan{}, snap, errors.Wrapf(err, "checksumming %s", f.Name)
		}

		var objectKey = fmt.Sprintf("%s/blobs/%s-%s", keyPrefix, sum, f.Name)
		blobs = append(blobs, Blob{
			LocalPath: localPath,
			Name:      f.Name,
			ObjectKey: objectKey,
			Checksum:  sum,
			Size:      f.Size,
		})
		manifestBlobs = append(manifestBlobs, ManifestBlob{
			Name:      f.Name,
			ObjectKey: objectKey,
			Checksum:  sum,
			Size:      f.Size,
		})
	}

	var totalBytes int64
	for _, b := range manifestBlobs {
		totalBytes += b.Size
	}

	var manifest = Manifest{
		Version:                manifestVersion,
		Topic:                  partition.Topic,
		Partition:              partition.Partition,
		Generation:             generation,
		HighestCommittedOffset: highestCommittedOffset,
		CreatedAtMs:            nowMs,
		Partial:                partial,
		Blobs:                  manifestBlobs,
		TotalBytes:             totalBytes,
	}
	manifestBytes, err := json.Marshal(manifest)
	if err != nil {
		return Plan{}, snap, errors.Wrap(err, "marshaling manifest")
	}

	var manifestKey = fmt.Sprintf("%s/manifests/%020d.json", keyPrefix, nowMs)

	return Plan{
		Partition:     partition,
		Generation:    generation,
		KeyPrefix:     keyPrefix,
		Blobs:         blobs,
		ManifestKey:   manifestKey,
		ManifestBytes: manifestBytes,
	}, snap, nil
}

func checksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var h = sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
