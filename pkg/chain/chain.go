// Package chain implements the per-event hash commitment linking each record
// to its predecessor.
//
// Two hash versions coexist. v1 canonicalizes {type, aggregate_id, seq, ts,
// payload, meta} with meta always present. v2 stamps hash_version into the
// hashed object and omits meta when empty. The version is declared per event
// via meta.hash_version; absence means v1, so old logs verify unchanged.
package chain

import (
	"fmt"
	"strings"

	"github.com/rynxs-labs/rynxs-core/pkg/canonical"
	"github.com/rynxs-labs/rynxs-core/pkg/engine"
)

// ZeroHash is the prev_hash of the genesis record.
const ZeroHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Record is the stored wrapper around an event.
type Record struct {
	PrevHash  string       `json:"prev_hash"`
	EventHash string       `json:"event_hash"`
	Event     engine.Event `json:"event"`
}

// hashSurface builds the canonicalizable object committed by the event hash.
func hashSurface(ev engine.Event) map[string]any {
	data := map[string]any{
		"type":         ev.Type,
		"aggregate_id": ev.AggregateID,
		"seq":          ev.Seq,
		"ts":           ev.Ts,
		"payload":      ev.Payload,
	}
	if ev.HashVersion() == engine.HashV2 {
		// The version marker is hoisted out of meta into the hashed object, so
		// "empty meta" means no keys besides the marker itself.
		data["hash_version"] = engine.HashV2
		meta := make(map[string]any, len(ev.Meta))
		for k, v := range ev.Meta {
			if k == engine.MetaHashVersion {
				continue
			}
			meta[k] = v
		}
		if len(meta) > 0 {
			data["meta"] = meta
		}
	} else {
		meta := ev.Meta
		if meta == nil {
			meta = map[string]any{}
		}
		data["meta"] = meta
	}
	return data
}

// HashEvent computes the chained commitment for an event:
// SHA256(prev_hash || canonical(event surface)).
func HashEvent(prevHash string, ev engine.Event) (string, error) {
	if err := validatePrevHash(prevHash); err != nil {
		return "", err
	}
	body, err := canonical.JSONBytes(hashSurface(ev))
	if err != nil {
		return "", err
	}
	buf := make([]byte, 0, len(prevHash)+len(body))
	buf = append(buf, prevHash...)
	buf = append(buf, body...)
	return canonical.HashBytes(buf), nil
}

// NewRecord links an event to its predecessor and returns the stored form.
func NewRecord(prevHash string, ev engine.Event) (Record, error) {
	h, err := HashEvent(prevHash, ev)
	if err != nil {
		return Record{}, err
	}
	return Record{PrevHash: prevHash, EventHash: h, Event: ev}, nil
}

// Verify recomputes the record's hash under the version the event declares
// and checks the link to the expected predecessor.
func Verify(rec Record, expectedPrevHash string) error {
	if rec.PrevHash != expectedPrevHash {
		return &engine.IntegrityError{
			Seq:    rec.Event.Seq,
			Reason: fmt.Sprintf("prev_hash mismatch: expected %s, got %s", short(expectedPrevHash), short(rec.PrevHash)),
		}
	}
	computed, err := HashEvent(rec.PrevHash, rec.Event)
	if err != nil {
		return err
	}
	if computed != rec.EventHash {
		return &engine.IntegrityError{
			Seq:    rec.Event.Seq,
			Reason: fmt.Sprintf("event_hash mismatch: expected %s, recomputed %s", short(rec.EventHash), short(computed)),
		}
	}
	return nil
}

// MarshalWire serializes the record as canonical JSON, the exact bytes that
// go on disk or into an object body.
func MarshalWire(rec Record) ([]byte, error) {
	surface := map[string]any{
		"prev_hash":  rec.PrevHash,
		"event_hash": rec.EventHash,
		"event":      hashSurface(rec.Event),
	}
	return canonical.JSONBytes(surface)
}

// UnmarshalWire decodes a stored record. Unknown optional meta fields are
// preserved; floats anywhere fail.
func UnmarshalWire(b []byte) (Record, error) {
	v, err := canonical.FromJSON(b)
	if err != nil {
		return Record{}, &engine.IntegrityError{Seq: -1, Reason: "malformed record: " + err.Error()}
	}
	m, ok := v.(map[string]any)
	if !ok {
		return Record{}, &engine.IntegrityError{Seq: -1, Reason: "record is not an object"}
	}
	prev, _ := m["prev_hash"].(string)
	eventHash, _ := m["event_hash"].(string)
	evm, ok := m["event"].(map[string]any)
	if !ok {
		return Record{}, &engine.IntegrityError{Seq: -1, Reason: "record missing event"}
	}

	ev := engine.Event{Seq: engine.SeqUnassigned}
	ev.Type, _ = evm["type"].(string)
	ev.AggregateID, _ = evm["aggregate_id"].(string)
	if seq, ok := evm["seq"].(int64); ok {
		ev.Seq = seq
	}
	ev.Ts, _ = evm["ts"].(int64)
	if p, ok := evm["payload"].(map[string]any); ok {
		ev.Payload = p
	} else {
		ev.Payload = map[string]any{}
	}
	if mm, ok := evm["meta"].(map[string]any); ok {
		ev.Meta = mm
	} else {
		ev.Meta = map[string]any{}
	}
	// A v2 surface stamps the version into the hashed object; restore it into
	// meta so re-hashing selects the right rule.
	if hv, ok := evm["hash_version"].(string); ok && hv == engine.HashV2 {
		if _, present := ev.Meta[engine.MetaHashVersion]; !present {
			ev = ev.WithMeta(engine.MetaHashVersion, engine.HashV2)
		}
	}

	if ev.Type == "" || prev == "" || eventHash == "" {
		return Record{}, &engine.IntegrityError{Seq: ev.Seq, Reason: "record missing mandatory fields"}
	}
	return Record{PrevHash: prev, EventHash: eventHash, Event: ev}, nil
}

func validatePrevHash(h string) error {
	if len(h) != 64 {
		return &engine.IntegrityError{Seq: -1, Reason: fmt.Sprintf("prev_hash length %d, want 64", len(h))}
	}
	if strings.Trim(h, "0123456789abcdef") != "" {
		return &engine.IntegrityError{Seq: -1, Reason: "prev_hash is not lowercase hex"}
	}
	return nil
}

func short(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
