// Package tracker implements the in-flight message tracker (spec
// §4.D): per partition, it tracks which broker offsets have been
// registered and acked, and computes the commit watermark — the
// largest offset below which every predecessor has completed.
//
// Violated invariants (a non-increasing offset, a registration on a
// fenced partition) are reported as errs-tagged errors, not panics.
// The operation names (register/ack/committable/drain)
// are carried from the original source's MessageHandle and Tracker
// naming (original_source/rust/kafka-deduplicator/src/kafka/tracker.rs,
// src/kafka/mod.rs). The tracker is strictly in-memory and is rebuilt
// empty on every process start or partition assignment.
package tracker

import (
	"context"
	"sync"

	"github.com/PostHog/posthog-sub013/internal/errs"
)

// PartitionKey identifies a single topic-partition.
type PartitionKey struct {
	Topic     string
	Partition int32
}

// Handle is returned by register and consumed exactly once by ack.
// It carries the generation the registration was made under, so a
// late ack arriving after a fence is recognized as stale rather than
// silently corrupting the next generation's state.
type Handle struct {
	key        PartitionKey
	generation int64
	offset     int64
}

// Offset reports the broker offset this handle was registered for.
func (h Handle) Offset() int64 { return h.offset }

type entry struct {
	offset    int64
	completed bool
}

// InFlightStats is a point-in-time observability snapshot (spec §4.D
// "snapshot(partition) → InFlightStats").
type InFlightStats struct {
	Generation      int64
	InFlightCount   int
	OldestOffset    int64
	HasOldestOffset bool
	Watermark       int64
	HasWatermark    bool
}

type partitionState struct {
	mu sync.Mutex
	cv *sync.Cond

	generation     int64
	active         bool
	entries        []entry // ordered ascending by offset; offsets are strictly increasing
	lastRegistered int64
	hasRegistered  bool
	watermark      int64
	hasWatermark   bool
}

func newPartitionState() *partitionState {
	var p = &partitionState{}
	p.cv = sync.NewCond(&p.mu)
	return p
}

// Tracker owns one partitionState per assigned partition.
type Tracker struct {
	mu         sync.Mutex
	partitions map[PartitionKey]*partitionState
}

// New returns an empty Tracker.
func New() *Tracker {
	return &Tracker{partitions: make(map[PartitionKey]*partitionState)}
}

// Assign creates an empty in-flight set for partition under
// generation, replacing any prior state for that key. Handles issued
// under a previous generation become inert: ack is a no-op for them.
func (t *Tracker) Assign(partition PartitionKey, generation int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var p = newPartitionState()
	p.generation = generation
	p.active = true
	t.partitions[partition] = p
}

// Deactivate marks partition as no longer accepting new registrations
// (spec §4.E onRevoke transitions Active→Fenced). It does not discard
// in-flight state: drain and committable still operate against it.
func (t *Tracker) Deactivate(partition PartitionKey) {
	var p = t.lookup(partition)
	if p == nil {
		return
	}
	p.mu.Lock()
	p.active = false
	p.cv.Broadcast()
	p.mu.Unlock()
}

// IsActive reports whether partition currently accepts registrations.
// It is the same activeness check Register applies internally, and is
// suitable as a dedup store's ActiveChecker so that a single fence
// decision governs both the tracker and the dedup store.
func (t *Tracker) IsActive(partition PartitionKey) bool {
	var p = t.lookup(partition)
	if p == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Forget discards all state for partition (spec §4.E, after a
// partition's Revoked cleanup completes or its ownership is lost).
func (t *Tracker) Forget(partition PartitionKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.partitions, partition)
}

func (t *Tracker) lookup(partition PartitionKey) *partitionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.partitions[partition]
}

// Register records that offset is in flight for partition, returning
// a Handle that must eventually be passed to Ack. It fails if the
// partition is not active or if offset does not strictly exceed the
// previously registered offset (spec §4.D edge case).
func (t *Tracker) Register(partition PartitionKey, offset int64) (Handle, error) {
	var p = t.lookup(partition)
	if p == nil {
		return Handle{}, errs.Newf(errs.PartitionInactive, "partition %+v is not assigned", partition)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.active {
		return Handle{}, errs.Newf(errs.PartitionInactive, "partition %+v is fenced", partition)
	}
	if p.hasRegistered && offset <= p.lastRegistered {
		return Handle{}, errs.Newf(errs.Fatal,
			"offset %d is not strictly greater than previously registered offset %d on partition %+v",
			offset, p.lastRegistered, partition)
	}

	p.entries = append(p.entries, entry{offset: offset})
	p.lastRegistered = offset
	p.hasRegistered = true

	return Handle{key: partition, generation: p.generation, offset: offset}, nil
}

// Ack marks h's offset completed. It is idempotent, and a no-op if
// the partition's generation has since changed (spec §4.D).
func (t *Tracker) Ack(h Handle) {
	var p = t.lookup(h.key)
	if p == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.generation != h.generation {
		return
	}
	for i := range p.entries {
		if p.entries[i].offset == h.offset {
			p.entries[i].completed = true
			break
		}
	}
	p.cv.Broadcast()
}

// Committable returns the commit watermark for partition — the
// largest offset with every predecessor completed — and advances
// past it, pruning completed entries from memory. The second return
// value is false if nothing is committable.
func (t *Tracker) Committable(partition PartitionKey) (int64, bool) {
	var p = t.lookup(partition)
	if p == nil {
		return 0, false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.advanceWatermarkLocked()
}

// advanceWatermarkLocked pops the completed prefix of p.entries,
// recording the last popped offset as the new watermark. Must be
// called with p.mu held.
func (p *partitionState) advanceWatermarkLocked() (int64, bool) {
	var i int
	for i < len(p.entries) && p.entries[i].completed {
		p.watermark = p.entries[i].offset
		p.hasWatermark = true
		i++
	}
	if i > 0 {
		p.entries = p.entries[i:]
	}
	return p.watermark, p.hasWatermark
}

// Drain blocks until every registered offset on partition is
// completed, or until ctx is done, whichever comes first (spec §4.D,
// used by the rebalance coordinator's fencing drain). It returns the
// final watermark on success.
func (t *Tracker) Drain(ctx context.Context, partition PartitionKey) (int64, error) {
	var p = t.lookup(partition)
	if p == nil {
		return 0, nil
	}

	// A goroutine bridges ctx cancellation into the condition
	// variable, since sync.Cond has no context-aware wait.
	var done = make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			p.mu.Lock()
			p.cv.Broadcast()
			p.mu.Unlock()
		case <-done:
		}
	}()

	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		var allDone = true
		for _, e := range p.entries {
			if !e.completed {
				allDone = false
				break
			}
		}
		if allDone {
			var wm, _ = p.advanceWatermarkLocked()
			return wm, nil
		}
		if err := ctx.Err(); err != nil {
			return p.watermark, errs.New(errs.Transient, err)
		}
		p.cv.Wait()
	}
}

// Snapshot reports a point-in-time view of partition's in-flight set.
func (t *Tracker) Snapshot(partition PartitionKey) InFlightStats {
	var p = t.lookup(partition)
	if p == nil {
		return InFlightStats{}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var stats = InFlightStats{
		Generation:    p.generation,
		InFlightCount: len(p.entries),
		Watermark:     p.watermark,
		HasWatermark:  p.hasWatermark,
	}
	if len(p.entries) > 0 {
		stats.OldestOffset = p.entries[0].offset
		stats.HasOldestOffset = true
	}
	return stats
}
