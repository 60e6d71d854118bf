// Package clickhouse implements the timestamp-schema dedup pipeline for
// events produced by the ingestion pipeline and destined for
// ClickHouse (spec §4.C "clickhouse events"), grounded on the original
// source's ClickHouseEvent / DeduplicatableEvent split
// (original_source/rust/kafka-deduplicator/src/pipelines/clickhouse_events/mod.rs).
package clickhouse

import (
	"encoding/binary"
	"encoding/json"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"

	"github.com/PostHog/posthog-sub013/internal/pipeline"
)

// WireEvent is the wire format read from the clickhouse_events_json
// topic: a fully-processed event awaiting a ClickHouse write.
type WireEvent struct {
	UUID         string         `json:"uuid"`
	DistinctID   string         `json:"distinct_id"`
	TeamID       int64          `json:"team_id"`
	Event        string         `json:"event"`
	TimestampMs  int64          `json:"timestamp_ms"`
	IngestOffset int64          `json:"-"`
	Properties   map[string]any `json:"properties,omitempty"`
}

// Event is the parsed domain event.
type Event struct {
	UUID        string
	DistinctID  string
	TeamID      int64
	Name        string
	TimestampMs int64
	Properties  map[string]any
}

// Parser parses line-delimited JSON WireEvents.
type Parser struct{}

func (Parser) Parse(wire []byte) (pipeline.Event, error) {
	var we WireEvent
	if err := json.Unmarshal(wire, &we); err != nil {
		return nil, errors.Wrap(err, "unmarshal clickhouse event")
	}
	return &Event{
		UUID:        we.UUID,
		DistinctID:  we.DistinctID,
		TeamID:      we.TeamID,
		Name:        we.Event,
		TimestampMs: we.TimestampMs,
		Properties:  we.Properties,
	}, nil
}

// Metadata is the timestamp-schema stored value (spec §3): first-seen
// UUID, first-seen offset, occurrence count, last-seen timestamp, and
// a bounded similarity summary (see DESIGN.md Open Question 1).
type Metadata struct {
	FirstSeenUUID   string `json:"first_seen_uuid"`
	FirstSeenOffset int64  `json:"first_seen_offset"`
	Count           int64  `json:"count"`
	LastSeenMs      int64  `json:"last_seen_ms"`
	LastTag         string `json:"last_tag,omitempty"`

	// properties holds the first-seen property set, used only by the
	// Scorer for in-process comparisons; it is not part of the wire
	// contract callers rely on and is repopulated by DecodeMetadata
	// only when present in raw (older records may omit it).
	Properties map[string]any `json:"properties,omitempty"`
}

func (m *Metadata) Bump(occurredAtMs int64, tag string) {
	m.Count++
	m.LastSeenMs = occurredAtMs
	m.LastTag = tag
}

func (m *Metadata) Occurrences() int64 { return m.Count }

func (m *Metadata) Marshal() ([]byte, error) { return json.Marshal(m) }

// Keys composes SORT(timestamp_ms, event_name, distinct_id, team_id)
// as the dedup key (spec §3).
type Keys struct{}

func (Keys) Extract(ev pipeline.Event) (pipeline.ExtractedKey, error) {
	var e = ev.(*Event)
	if e.Name == "" || e.DistinctID == "" {
		return pipeline.ExtractedKey{}, pipeline.ErrEmptyKey
	}

	var key = make([]byte, 0, 8+len(e.Name)+1+len(e.DistinctID)+1+8)
	key = binary.BigEndian.AppendUint64(key, uint64(e.TimestampMs))
	key = append(key, e.Name...)
	key = append(key, 0x00)
	key = append(key, e.DistinctID...)
	key = append(key, 0x00)
	key = binary.BigEndian.AppendUint64(key, uint64(e.TeamID))

	return pipeline.ExtractedKey{Schema: pipeline.SchemaTimestamp, Key: key}, nil
}

func (Keys) NewMetadata(ev pipeline.Event, offset int64) (pipeline.Metadata, error) {
	var e = ev.(*Event)
	return &Metadata{
		FirstSeenUUID:   e.UUID,
		FirstSeenOffset: offset,
		Count:           1,
		LastSeenMs:      e.TimestampMs,
		Properties:      e.Properties,
	}, nil
}

func (Keys) DecodeMetadata(raw []byte) (pipeline.Metadata, error) {
	var m Metadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errors.Wrap(err, "unmarshal timestamp metadata")
	}
	return &m, nil
}

// Scorer compares the new event's property set against the first-seen
// property set, returning 1.0 for an exact match and a lower score
// proportional to the symmetric difference otherwise.
type Scorer struct{}

func (Scorer) Score(ev pipeline.Event, stored pipeline.Metadata) (float64, string, error) {
	var e = ev.(*Event)
	var md = stored.(*Metadata)

	if cmp.Equal(e.Properties, md.Properties) {
		return 1.0, "properties_identical", nil
	}

	var diff = cmp.Diff(md.Properties, e.Properties)
	var total = len(md.Properties) + len(e.Properties)
	if total == 0 {
		return 1.0, "properties_identical", nil
	}

	// Score inversely proportional to how much of the combined property
	// set differs; a coarse but stable signal, not a precise metric.
	var changed = countChangedLines(diff)
	var score = 1.0 - float64(changed)/float64(total+changed)
	if score < 0 {
		score = 0
	}
	return score, "properties_differ", nil
}

func countChangedLines(diff string) int {
	var n int
	for _, r := range diff {
		if r == '\n' {
			n++
		}
	}
	if n == 0 && diff != "" {
		n = 1
	}
	return n
}

// New returns the configured clickhouse-events Pipeline.
func New() pipeline.Pipeline {
	return pipeline.Pipeline{
		Name:   "clickhouse_events",
		Parser: Parser{},
		Keys:   Keys{},
		Scorer: Scorer{},
	}
}
