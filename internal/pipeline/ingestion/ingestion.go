// Package ingestion implements the uuid-schema dedup pipeline for raw
// capture events (spec §4.C "ingestion events"), grounded on the
// original source's EventData struct
// (original_source/rust/kafka-deduplicator/src/event.rs) and
// pipelines/mod.rs layout, and on the teacher's JSONFraming
// (message/json_framing.go) for line-delimited JSON wire encoding.
package ingestion

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/PostHog/posthog-sub013/internal/pipeline"
)

// CapturedEvent is the wire format read from the ingestion topic.
type CapturedEvent struct {
	UUID       string         `json:"uuid"`
	DistinctID string         `json:"distinct_id"`
	Token      string         `json:"token"`
	Event      string         `json:"event"`
	TeamID     int64          `json:"team_id"`
	Timestamp  int64          `json:"timestamp_ms"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Event is the parsed domain event used throughout this pipeline.
type Event struct {
	UUID       uuid.UUID
	DistinctID string
	Name       string
	TeamID     int64
	TimestampM int64
	Properties map[string]any
}

// Parser parses line-delimited JSON CapturedEvents.
type Parser struct{}

func (Parser) Parse(wire []byte) (pipeline.Event, error) {
	var ce CapturedEvent
	if err := json.Unmarshal(wire, &ce); err != nil {
		return nil, errors.Wrap(err, "unmarshal captured event")
	}

	var id, err = uuid.Parse(ce.UUID)
	if err != nil {
		return nil, errors.Wrap(err, "parsing event uuid")
	}

	return &Event{
		UUID:       id,
		DistinctID: ce.DistinctID,
		Name:       ce.Event,
		TeamID:     ce.TeamID,
		TimestampM: ce.Timestamp,
		Properties: ce.Properties,
	}, nil
}

// Metadata is the uuid-schema stored value (spec §3 "Dedup record
// (uuid schema)"): first-seen offset and occurrence count.
type Metadata struct {
	FirstSeenOffset int64  `json:"first_seen_offset"`
	Count           int64  `json:"count"`
	LastTag         string `json:"last_tag,omitempty"`
}

func (m *Metadata) Bump(_ int64, tag string) {
	m.Count++
	m.LastTag = tag
}

func (m *Metadata) Occurrences() int64 { return m.Count }

func (m *Metadata) Marshal() ([]byte, error) { return json.Marshal(m) }

// Keys extracts the event UUID as the dedup key (key space is exactly
// 16 raw bytes, disjoint from the timestamp schema by the schema
// prefix byte composed outside this package).
type Keys struct{}

func (Keys) Extract(ev pipeline.Event) (pipeline.ExtractedKey, error) {
	var e = ev.(*Event)
	if e.UUID == uuid.Nil {
		return pipeline.ExtractedKey{}, pipeline.ErrEmptyKey
	}
	var raw = e.UUID // [16]byte array value
	return pipeline.ExtractedKey{Schema: pipeline.SchemaUUID, Key: raw[:]}, nil
}

func (Keys) NewMetadata(ev pipeline.Event, offset int64) (pipeline.Metadata, error) {
	return &Metadata{FirstSeenOffset: offset, Count: 1}, nil
}

func (Keys) DecodeMetadata(raw []byte) (pipeline.Metadata, error) {
	var m Metadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errors.Wrap(err, "unmarshal uuid metadata")
	}
	return &m, nil
}

// Scorer returns 1.0 whenever the duplicate's UUID matches the key
// (which, for the uuid schema, it always does by construction — the
// key itself *is* the UUID). Per spec §4.C: "scorer returns 1.0 when
// UUIDs match".
type Scorer struct{}

func (Scorer) Score(ev pipeline.Event, stored pipeline.Metadata) (float64, string, error) {
	var _ = ev.(*Event) // Assert shape; the uuid schema has nothing further to compare.
	return 1.0, "uuid_match", nil
}

// New returns the configured ingestion-events Pipeline.
func New() pipeline.Pipeline {
	return pipeline.Pipeline{
		Name:   "ingestion_events",
		Parser: Parser{},
		Keys:   Keys{},
		Scorer: Scorer{},
	}
}
