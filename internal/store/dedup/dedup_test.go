package dedup_test

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PostHog/posthog-sub013/internal/pipeline/clickhouse"
	"github.com/PostHog/posthog-sub013/internal/pipeline/ingestion"
	"github.com/PostHog/posthog-sub013/internal/store/dedup"
	"github.com/PostHog/posthog-sub013/internal/store/kv"
)

func alwaysActive() bool { return true }

func fixedClock(ms int64) func() int64 { return func() int64 { return ms } }

func openStore(t *testing.T) *kv.Store {
	var s, err = kv.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func ingestionWire(t *testing.T, id string) []byte {
	var b, err = json.Marshal(ingestion.CapturedEvent{
		UUID:       id,
		DistinctID: "user-1",
		Event:      "$pageview",
		TeamID:     1,
	})
	require.NoError(t, err)
	return b
}

// TestScenarioS1 reproduces spec §8 S1: UUIDs [A, B, A, C, B, A] yield
// FirstSeen, FirstSeen, Duplicate(count=2), FirstSeen, Duplicate(count=2),
// Duplicate(count=3).
func TestScenarioS1(t *testing.T) {
	var store = dedup.New(openStore(t), ingestion.New(), alwaysActive, fixedClock(0))

	var a, b, c = uuid.New().String(), uuid.New().String(), uuid.New().String()
	var sequence = []string{a, b, a, c, b, a}
	var expectFirstSeen = []bool{true, true, false, true, false, false}
	var expectCount = []int64{0, 0, 2, 0, 2, 3}

	for i, id := range sequence {
		out, err := store.Record(ingestionWire(t, id), int64(i))
		require.NoError(t, err)

		if expectFirstSeen[i] {
			assert.Equal(t, dedup.FirstSeen, out.Kind, "event %d", i)
		} else {
			assert.Equal(t, dedup.Duplicate, out.Kind, "event %d", i)
			assert.Equal(t, expectCount[i], out.PriorMetadata.Occurrences(), "event %d", i)
			assert.Equal(t, 1.0, out.SimilarityScore)
		}
	}
}

// TestScenarioS6 reproduces spec §8 S6: two events sharing
// (timestamp_ms, event_name, distinct_id, team_id) but differing
// properties yield FirstSeen then Duplicate with score < 1.0, and the
// stored metadata reflects first-seen properties.
func TestScenarioS6(t *testing.T) {
	var store = dedup.New(openStore(t), clickhouse.New(), alwaysActive, fixedClock(1000))

	var first = mustMarshal(t, clickhouse.WireEvent{
		UUID: uuid.New().String(), DistinctID: "d1", TeamID: 7,
		Event: "signup", TimestampMs: 500,
		Properties: map[string]any{"plan": "free"},
	})
	var second = mustMarshal(t, clickhouse.WireEvent{
		UUID: uuid.New().String(), DistinctID: "d1", TeamID: 7,
		Event: "signup", TimestampMs: 500,
		Properties: map[string]any{"plan": "pro"},
	})

	out1, err := store.Record(first, 10)
	require.NoError(t, err)
	assert.Equal(t, dedup.FirstSeen, out1.Kind)

	out2, err := store.Record(second, 11)
	require.NoError(t, err)
	assert.Equal(t, dedup.Duplicate, out2.Kind)
	assert.Less(t, out2.SimilarityScore, 1.0)

	md := out2.PriorMetadata.(*clickhouse.Metadata)
	assert.Equal(t, "free", md.Properties["plan"], "stored metadata reflects first-seen properties")
	assert.Equal(t, int64(1000), md.LastSeenMs)
}

func TestEmptyKeyRejected(t *testing.T) {
	var store = dedup.New(openStore(t), clickhouse.New(), alwaysActive, fixedClock(0))

	var wire = mustMarshal(t, clickhouse.WireEvent{DistinctID: "", Event: ""})
	_, err := store.Record(wire, 0)
	assert.Error(t, err)
}

func TestPartitionInactiveRejected(t *testing.T) {
	var store = dedup.New(openStore(t), ingestion.New(), func() bool { return false }, fixedClock(0))

	_, err := store.Record(ingestionWire(t, uuid.New().String()), 0)
	assert.Error(t, err)
}

func mustMarshal(t *testing.T, v any) []byte {
	var b, err = json.Marshal(v)
	require.NoError(t, err)
	return b
}
