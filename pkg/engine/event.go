// Package engine holds the deterministic kernel's data model: immutable
// events, the state container, and the pure reducer.
package engine

import (
	"fmt"
)

// Meta keys with engine-defined meaning. Unknown optional keys are preserved
// on read; other meta keys (such as the adapter's source and resource) carry
// no engine-defined meaning.
const (
	MetaWriterID     = "writer_id"
	MetaHashVersion  = "hash_version"
	MetaFencingToken = "fencing_token"
)

// Hash chain versions. Absence of meta.hash_version means V1.
const (
	HashV1 = "v1"
	HashV2 = "v2"
)

// SeqUnassigned marks an event that has not been appended yet.
const SeqUnassigned int64 = -1

// Event is an immutable record of something observed or decided. Payload and
// meta are restricted to the canonical value domain: string-keyed maps,
// arrays, strings, integers, booleans, null. No floats.
type Event struct {
	Type        string         `json:"type"`
	AggregateID string         `json:"aggregate_id"`
	Seq         int64          `json:"seq"`
	Ts          int64          `json:"ts"`
	Payload     map[string]any `json:"payload"`
	Meta        map[string]any `json:"meta"`
}

// NewEvent builds an unassigned event. Callers treat the result as frozen.
func NewEvent(typ, aggregateID string, ts int64, payload, meta map[string]any) Event {
	if payload == nil {
		payload = map[string]any{}
	}
	if meta == nil {
		meta = map[string]any{}
	}
	return Event{
		Type:        typ,
		AggregateID: aggregateID,
		Seq:         SeqUnassigned,
		Ts:          ts,
		Payload:     payload,
		Meta:        meta,
	}
}

// WithSeq returns a copy of the event with seq assigned. Stores call this at
// append time; nothing else assigns sequence numbers.
func (e Event) WithSeq(seq int64) Event {
	e.Seq = seq
	return e
}

// WithMeta returns a copy with one meta key set, leaving the original alone.
func (e Event) WithMeta(key string, value any) Event {
	meta := make(map[string]any, len(e.Meta)+1)
	for k, v := range e.Meta {
		meta[k] = v
	}
	meta[key] = value
	e.Meta = meta
	return e
}

// HashVersion reports the chain version the event declares, defaulting to V1.
func (e Event) HashVersion() string {
	if v, ok := e.Meta[MetaHashVersion].(string); ok && v == HashV2 {
		return HashV2
	}
	return HashV1
}

// WriterID reports meta.writer_id, empty when absent.
func (e Event) WriterID() string {
	v, _ := e.Meta[MetaWriterID].(string)
	return v
}

// FencingToken reports meta.fencing_token, empty when absent. The token is
// forensic: it attributes the event to a leadership epoch, it does not guard
// the append.
func (e Event) FencingToken() string {
	v, _ := e.Meta[MetaFencingToken].(string)
	return v
}

// Validate rejects malformed events: empty type, empty aggregate id, a
// negative assigned seq, or a negative timestamp.
func (e Event) Validate() error {
	if e.Type == "" {
		return &MalformedEventError{Reason: "empty type"}
	}
	if e.AggregateID == "" {
		return &MalformedEventError{Reason: "empty aggregate_id"}
	}
	if e.Seq < 0 && e.Seq != SeqUnassigned {
		return &MalformedEventError{Reason: fmt.Sprintf("negative seq %d", e.Seq)}
	}
	if e.Ts < 0 {
		return &MalformedEventError{Reason: fmt.Sprintf("negative ts %d", e.Ts)}
	}
	return nil
}

// RequireSeq returns the assigned seq or fails for unassigned events.
func (e Event) RequireSeq() (int64, error) {
	if e.Seq == SeqUnassigned {
		return 0, &MalformedEventError{Reason: "seq not assigned"}
	}
	return e.Seq, nil
}
