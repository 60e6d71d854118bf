package rebalance_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PostHog/posthog-sub013/internal/rebalance"
	"github.com/PostHog/posthog-sub013/internal/tracker"
)

type fakeOpener struct {
	mu    sync.Mutex
	opens []rebalance.PartitionKey
	err   error
}

func (f *fakeOpener) Open(_ context.Context, partition rebalance.PartitionKey, _ int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens = append(f.opens, partition)
	return f.err
}

type fakeCloser struct {
	mu     sync.Mutex
	closes []rebalance.PartitionKey
}

func (f *fakeCloser) Close(partition rebalance.PartitionKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes = append(f.closes, partition)
	return nil
}

type fakeRestorer struct{ err error }

func (f *fakeRestorer) RestoreIfNewer(context.Context, rebalance.PartitionKey) error { return f.err }

type fakeUploader struct {
	mu       sync.Mutex
	uploads  int
	partials []bool
	delay    time.Duration
}

func (f *fakeUploader) UploadFinal(_ context.Context, _ rebalance.PartitionKey, partial bool) error {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads++
	f.partials = append(f.partials, partial)
	return nil
}

var part0 = rebalance.PartitionKey{Topic: "events", Partition: 0}

func newCoordinator(drainTimeout time.Duration) (*rebalance.Coordinator, *tracker.Tracker, *fakeOpener, *fakeCloser, *fakeUploader) {
	var tr = tracker.New()
	var opener = &fakeOpener{}
	var closer = &fakeCloser{}
	var uploader = &fakeUploader{}
	var c = rebalance.New(tr, opener, closer, &fakeRestorer{}, uploader, drainTimeout)
	return c, tr, opener, closer, uploader
}

func TestAssignTransitionsToActive(t *testing.T) {
	var c, _, opener, _, _ = newCoordinator(time.Second)

	c.OnPartitionsAssigned(context.Background(), map[string][]int32{"events": {0}})

	assert.Equal(t, rebalance.Active, c.StateOf(part0))
	assert.Len(t, opener.opens, 1)
}

// TestScenarioP6 reproduces spec §8 P6: once a partition is fenced, no
// further registrations succeed and the final upload happens only
// after the drain completes.
func TestScenarioP6FencingCorrectness(t *testing.T) {
	var c, tr, _, closer, uploader = newCoordinator(time.Second)

	c.OnPartitionsAssigned(context.Background(), map[string][]int32{"events": {0}})

	h, err := tr.Register(part0, 1)
	require.NoError(t, err)

	var ackDone = make(chan struct{})
	go func() {
		time.Sleep(10 * time.Millisecond)
		tr.Ack(h)
		close(ackDone)
	}()

	c.OnPartitionsRevoked(context.Background(), map[string][]int32{"events": {0}})

	<-ackDone
	assert.Equal(t, rebalance.Revoked, c.StateOf(part0))

	_, err = tr.Register(part0, 2)
	assert.Error(t, err, "registrations after fencing must fail")

	assert.Len(t, closer.closes, 1)
	assert.Equal(t, 1, uploader.uploads)
	assert.Equal(t, []bool{false}, uploader.partials, "drain completed before timeout; upload must not be partial")
}

func TestRevokeForcesPartialOnDrainTimeout(t *testing.T) {
	var c, tr, _, _, uploader = newCoordinator(20 * time.Millisecond)

	c.OnPartitionsAssigned(context.Background(), map[string][]int32{"events": {0}})

	_, err := tr.Register(part0, 1) // never acked
	require.NoError(t, err)

	c.OnPartitionsRevoked(context.Background(), map[string][]int32{"events": {0}})

	assert.Equal(t, []bool{true}, uploader.partials)
}

func TestLostSkipsUpload(t *testing.T) {
	var c, _, _, closer, uploader = newCoordinator(time.Second)

	c.OnPartitionsAssigned(context.Background(), map[string][]int32{"events": {0}})
	c.OnPartitionsLost(context.Background(), map[string][]int32{"events": {0}})

	assert.Equal(t, 0, uploader.uploads)
	assert.Len(t, closer.closes, 1)
}

// TestScenarioS4 reproduces spec §8 S4: a handle registered under an
// old generation is a no-op once the partition has been reassigned a
// new generation (split-brain protection across a revoke/assign
// cycle).
func TestScenarioS4SplitBrainGeneration(t *testing.T) {
	var c, tr, _, _, _ = newCoordinator(time.Second)

	c.OnPartitionsAssigned(context.Background(), map[string][]int32{"events": {0}})
	var staleHandle, err = tr.Register(part0, 1)
	require.NoError(t, err)

	c.OnPartitionsRevoked(context.Background(), map[string][]int32{"events": {0}})
	c.OnPartitionsAssigned(context.Background(), map[string][]int32{"events": {0}})

	// The stale handle belongs to the prior generation; acking it must
	// not affect the new generation's in-flight state.
	tr.Ack(staleHandle)

	h2, err := tr.Register(part0, 1)
	require.NoError(t, err)
	_, ok := tr.Committable(part0)
	assert.False(t, ok, "stale ack must not advance the new generation's watermark")

	tr.Ack(h2)
	wm, ok := tr.Committable(part0)
	require.True(t, ok)
	assert.Equal(t, int64(1), wm)
}

func TestAssignWaitsForPriorRevokeCleanup(t *testing.T) {
	var c, _, opener, _, uploader = newCoordinator(time.Second)
	uploader.delay = 30 * time.Millisecond

	c.OnPartitionsAssigned(context.Background(), map[string][]int32{"events": {0}})

	var revokeDone = make(chan struct{})
	go func() {
		c.OnPartitionsRevoked(context.Background(), map[string][]int32{"events": {0}})
		close(revokeDone)
	}()

	// Give the revoke goroutine a moment to reach Fenced before assigning again.
	time.Sleep(5 * time.Millisecond)
	c.OnPartitionsAssigned(context.Background(), map[string][]int32{"events": {0}})

	<-revokeDone
	assert.Equal(t, rebalance.Active, c.StateOf(part0))
	assert.Len(t, opener.opens, 2)
}
