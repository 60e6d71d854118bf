// Package pipeline defines the triple a dedup store plugs in to become
// event-specific (spec §4.C): EventParser, DeduplicationKeyExtractor,
// and SimilarityScorer. The interface shape is grounded on the
// teacher's message.Message / message.Framing split in
// message/interfaces.go, and the names below are carried directly from
// the original Rust traits in
// original_source/rust/kafka-deduplicator/src/event_parser.rs and
// src/pipelines/mod.rs.
//
// Pipelines are stateless: every method takes all the state it needs
// as arguments and returns a new value, so a single Pipeline value can
// be shared (read-only) across every partition worker.
package pipeline

import "github.com/pkg/errors"

// Schema distinguishes the two supported dedup key spaces. The byte
// value becomes the leading byte of the composed store key, keeping
// the schemas' key spaces disjoint within one store (spec §3).
type Schema byte

const (
	// SchemaTimestamp is used by the clickhouse-events pipeline: keys
	// are SORT(timestamp_ms, event_name, distinct_id, team_id).
	SchemaTimestamp Schema = 1
	// SchemaUUID is used by the ingestion-events pipeline: keys are a
	// 16-byte event UUID.
	SchemaUUID Schema = 2
)

func (s Schema) String() string {
	switch s {
	case SchemaTimestamp:
		return "timestamp"
	case SchemaUUID:
		return "uuid"
	default:
		return "unknown"
	}
}

// Event is an opaque domain event produced by an EventParser. The
// dedup store never inspects it directly; it's only ever passed back
// into the same pipeline's KeyExtractor and SimilarityScorer.
type Event interface{}

// Metadata is the per-key stored value. Implementations are the two
// schema-specific Metadata types in packages clickhouse (timestamp
// schema) and ingestion (uuid schema).
type Metadata interface {
	// Bump records a repeat occurrence: increments the occurrence
	// count, records tag as the (bounded, single-sample) similarity
	// summary of the most recent duplicate (see DESIGN.md Open Question
	// 1), and notes occurredAtMs as the new last-seen timestamp
	// (ignored by schemas, like uuid, that don't track one).
	Bump(occurredAtMs int64, tag string)
	// Occurrences returns the current occurrence count.
	Occurrences() int64
	// Marshal serializes Metadata for storage.
	Marshal() ([]byte, error)
}

// ExtractedKey is the result of extracting a dedup key from an Event.
type ExtractedKey struct {
	Schema Schema
	Key    []byte // Schema-specific key bytes, excluding the schema prefix.
}

// EventParser turns wire bytes into a domain Event.
type EventParser interface {
	Parse(wire []byte) (Event, error)
}

// KeyExtractor extracts a dedup key from an Event and constructs the
// Metadata value to store on first sight of that key.
type KeyExtractor interface {
	Extract(ev Event) (ExtractedKey, error)
	// NewMetadata builds the Metadata to store the first time a key is
	// seen. offset is the ingestion offset at which ev was observed.
	NewMetadata(ev Event, offset int64) (Metadata, error)
	// DecodeMetadata deserializes a previously-stored Metadata value.
	DecodeMetadata(raw []byte) (Metadata, error)
}

// SimilarityScorer compares a newly-seen duplicate Event against the
// Metadata recorded for its key, returning a score in [0, 1] and a
// short descriptive tag.
type SimilarityScorer interface {
	Score(ev Event, stored Metadata) (score float64, tag string, err error)
}

// Pipeline composes the three plug-in points required to deduplicate
// one event type.
type Pipeline struct {
	Name   string
	Parser EventParser
	Keys   KeyExtractor
	Scorer SimilarityScorer
}

// ErrEmptyKey is returned by a KeyExtractor when it would otherwise
// produce a zero-length key, which spec §4.B rejects as a pipeline
// error rather than letting it collide across events at the empty key.
var ErrEmptyKey = errors.New("dedup key extractor produced an empty key")
