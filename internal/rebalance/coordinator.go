// Package rebalance implements the rebalance coordinator (spec §4.E):
// a partition state machine — Assigned, Active, Fenced, Revoked — with
// one goroutine-safe entry per partition so operations on distinct
// partitions proceed concurrently while a single partition's
// transitions stay ordered.
//
// The state-machine shape is grounded on the teacher's
// consumer/resolver.go Resolver (one entry per shard, a WaitGroup per
// shard guarding in-flight resolutions, updateResolutions driving
// create/cancel) and consumer/service.go's task.Group composition; the
// callback signature (func(ctx, topic-partitions)) is carried from the
// Kafka-native rebalance listener shape in
// rodaine-franz-go/pkg/kgo/txn.go's cfg.onRevoked/cfg.onLost.
package rebalance

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/PostHog/posthog-sub013/internal/tracker"
)

// PartitionKey identifies a single topic-partition.
type PartitionKey = tracker.PartitionKey

// State is a partition's position in the Assigned → Active → Fenced →
// Revoked state machine (spec §4.E).
type State int

const (
	Assigned State = iota
	Active
	Fenced
	Revoked
)

func (s State) String() string {
	switch s {
	case Assigned:
		return "assigned"
	case Active:
		return "active"
	case Fenced:
		return "fenced"
	case Revoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// Opener prepares partition-local storage (the kv store and dedup
// store, spec components A and B) ahead of a partition transitioning
// to Active.
type Opener interface {
	Open(ctx context.Context, partition PartitionKey, generation int64) error
}

// Closer releases partition-local storage opened by Opener.
type Closer interface {
	Close(partition PartitionKey) error
}

// Restorer downloads and applies a remote checkpoint newer than local
// state, ahead of opening a partition (spec component H).
type Restorer interface {
	RestoreIfNewer(ctx context.Context, partition PartitionKey) error
}

// Uploader produces and uploads a final checkpoint on revoke (spec
// components F and G). partial is set when the fencing drain did not
// complete before its timeout.
type Uploader interface {
	UploadFinal(ctx context.Context, partition PartitionKey, partial bool) error
}

type entry struct {
	mu          sync.Mutex
	state       State
	generation  int64
	cleanupDone chan struct{} // non-nil while a Revoked/Lost cleanup is in flight; closed when done
}

// Coordinator drives the partition state machine described in spec
// §4.E across every partition currently owned by this process.
type Coordinator struct {
	tracker  *tracker.Tracker
	opener   Opener
	closer   Closer
	restorer Restorer
	uploader Uploader

	fenceDrainTimeout time.Duration

	genCounter int64

	mu         sync.Mutex
	partitions map[PartitionKey]*entry
}

// New returns a Coordinator. fenceDrainTimeout bounds how long
// OnPartitionsRevoked waits for in-flight offsets to complete before
// forcing a partial checkpoint upload (spec §4.E failure semantics;
// see DESIGN.md Open Question 3 — this is operator-configured, with no
// algorithmic default).
func New(t *tracker.Tracker, opener Opener, closer Closer, restorer Restorer, uploader Uploader, fenceDrainTimeout time.Duration) *Coordinator {
	return &Coordinator{
		tracker:           t,
		opener:            opener,
		closer:            closer,
		restorer:          restorer,
		uploader:          uploader,
		fenceDrainTimeout: fenceDrainTimeout,
		partitions:        make(map[PartitionKey]*entry),
	}
}

func (c *Coordinator) entryFor(partition PartitionKey) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	var e = c.partitions[partition]
	if e == nil {
		e = &entry{}
		c.partitions[partition] = e
	}
	return e
}

// StateOf reports the current state of partition, for observability
// and tests. It returns Revoked for a partition with no entry.
func (c *Coordinator) StateOf(partition PartitionKey) State {
	c.mu.Lock()
	e, ok := c.partitions[partition]
	c.mu.Unlock()
	if !ok {
		return Revoked
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// OnPartitionsAssigned handles newly assigned partitions (spec §4.E
// onAssign): it waits out any still-running Revoked cleanup for the
// same partition, restores from a newer remote checkpoint if one
// exists, opens local storage, and transitions to Active.
func (c *Coordinator) OnPartitionsAssigned(ctx context.Context, assigned map[string][]int32) {
	for topic, parts := range assigned {
		for _, p := range parts {
			c.assignOne(ctx, PartitionKey{Topic: topic, Partition: p})
		}
	}
}

func (c *Coordinator) assignOne(ctx context.Context, partition PartitionKey) {
	var e = c.entryFor(partition)

	e.mu.Lock()
	var priorCleanup = e.cleanupDone
	e.mu.Unlock()

	if priorCleanup != nil {
		select {
		case <-priorCleanup:
		case <-ctx.Done():
			log.WithField("partition", partition).Warn("assign arrived before prior revoke cleanup finished and context expired first")
			return
		}
	}

	var generation = atomic.AddInt64(&c.genCounter, 1)

	e.mu.Lock()
	e.state = Assigned
	e.generation = generation
	e.cleanupDone = nil
	e.mu.Unlock()

	c.tracker.Assign(partition, generation)

	if err := c.restorer.RestoreIfNewer(ctx, partition); err != nil {
		// Spec §4.E failure semantics: continue from empty local state;
		// duplicates during the backfill window are accepted.
		log.WithError(err).WithField("partition", partition).
			Warn("checkpoint restore failed on assignment; continuing from empty local state")
	}

	if err := c.opener.Open(ctx, partition, generation); err != nil {
		log.WithError(err).WithField("partition", partition).Error("failed to open partition storage")
		return
	}

	e.mu.Lock()
	e.state = Active
	e.mu.Unlock()
}

// OnPartitionsRevoked handles a cooperative revoke (spec §4.E
// onRevoke): it fences the partition against new registrations,
// drains in-flight offsets up to the configured timeout, uploads a
// final checkpoint (forcing partial=true if the drain timed out), and
// closes local storage.
func (c *Coordinator) OnPartitionsRevoked(ctx context.Context, revoked map[string][]int32) {
	for topic, parts := range revoked {
		for _, p := range parts {
			c.revokeOne(ctx, PartitionKey{Topic: topic, Partition: p}, true)
		}
	}
}

// OnPartitionsLost handles an uncooperative loss of ownership (spec
// §4.E onLost): identical to revoke, but skips the final checkpoint
// upload since ownership is no longer certain.
func (c *Coordinator) OnPartitionsLost(ctx context.Context, lost map[string][]int32) {
	for topic, parts := range lost {
		for _, p := range parts {
			c.revokeOne(ctx, PartitionKey{Topic: topic, Partition: p}, false)
		}
	}
}

func (c *Coordinator) revokeOne(ctx context.Context, partition PartitionKey, upload bool) {
	var e = c.entryFor(partition)

	e.mu.Lock()
	e.state = Fenced
	var generation = e.generation
	var cleanupDone = make(chan struct{})
	e.cleanupDone = cleanupDone
	e.mu.Unlock()

	c.tracker.Deactivate(partition)

	var drainCtx, cancel = context.WithTimeout(ctx, c.fenceDrainTimeout)
	defer cancel()

	var partial bool
	if _, err := c.tracker.Drain(drainCtx, partition); err != nil {
		partial = true
		log.WithField("partition", partition).WithField("generation", generation).
			Warn("fencing drain timed out; uploading partial checkpoint")
	}

	if upload {
		if err := c.uploader.UploadFinal(ctx, partition, partial); err != nil {
			log.WithError(err).WithField("partition", partition).Error("final checkpoint upload failed")
		}
	}

	if err := c.closer.Close(partition); err != nil {
		log.WithError(err).WithField("partition", partition).Error("failed to close partition storage")
	}

	c.tracker.Forget(partition)

	e.mu.Lock()
	e.state = Revoked
	e.mu.Unlock()

	close(cleanupDone)
}
