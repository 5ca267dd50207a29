package engine

import (
	"github.com/rynxs-labs/rynxs-core/pkg/canonical"
)

// State is the derived view of the log: a version counter equal to the number
// of events folded in, and aggregates grouped by namespace. State values are
// frozen; With returns a new State sharing untouched namespaces.
type State struct {
	Version    int64
	Aggregates map[string]map[string]any
}

// NewState returns the empty state, version 0.
func NewState() State {
	return State{Version: 0, Aggregates: map[string]map[string]any{}}
}

// Get returns the aggregate value under (namespace, id), nil and false when
// absent.
func (s State) Get(namespace, id string) (any, bool) {
	ns, ok := s.Aggregates[namespace]
	if !ok {
		return nil, false
	}
	v, ok := ns[id]
	return v, ok
}

// With returns a new State with the aggregate set and version bumped by one.
// The receiver is untouched; only the affected namespace map is copied.
func (s State) With(namespace, id string, value any) State {
	aggs := make(map[string]map[string]any, len(s.Aggregates)+1)
	for n, m := range s.Aggregates {
		aggs[n] = m
	}
	ns := make(map[string]any, len(s.Aggregates[namespace])+1)
	for k, v := range s.Aggregates[namespace] {
		ns[k] = v
	}
	ns[id] = value
	aggs[namespace] = ns
	return State{Version: s.Version + 1, Aggregates: aggs}
}

// withVersion pins the version without touching aggregates. The reducer uses
// it to keep version == events folded regardless of handler shape.
func (s State) withVersion(v int64) State {
	return State{Version: v, Aggregates: s.Aggregates}
}

// canonicalForm is the hashed shape of the state.
func (s State) canonicalForm() map[string]any {
	aggs := make(map[string]any, len(s.Aggregates))
	for ns, m := range s.Aggregates {
		inner := make(map[string]any, len(m))
		for id, v := range m {
			inner[id] = v
		}
		aggs[ns] = inner
	}
	return map[string]any{
		"version":    s.Version,
		"aggregates": aggs,
	}
}

// Bytes returns the canonical serialization of the state.
func (s State) Bytes() ([]byte, error) {
	return canonical.JSONBytes(s.canonicalForm())
}

// Hash returns the canonical state hash. Identical logs produce identical
// state hashes on every host.
func (s State) Hash() (string, error) {
	b, err := s.Bytes()
	if err != nil {
		return "", err
	}
	return canonical.HashBytes(b), nil
}

// StateFromBytes rebuilds a State from its canonical serialization.
func StateFromBytes(b []byte) (State, error) {
	v, err := canonical.FromJSON(b)
	if err != nil {
		return State{}, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return State{}, &MalformedEventError{Reason: "state is not an object"}
	}
	version, _ := m["version"].(int64)
	st := State{Version: version, Aggregates: map[string]map[string]any{}}
	aggs, _ := m["aggregates"].(map[string]any)
	for ns, inner := range aggs {
		im, ok := inner.(map[string]any)
		if !ok {
			return State{}, &MalformedEventError{Reason: "aggregate namespace is not an object"}
		}
		nsMap := make(map[string]any, len(im))
		for id, val := range im {
			nsMap[id] = val
		}
		st.Aggregates[ns] = nsMap
	}
	return st, nil
}
