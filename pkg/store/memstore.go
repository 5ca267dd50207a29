package store

import (
	"context"
	"errors"
	"sync"

	"github.com/rynxs-labs/rynxs-core/pkg/chain"
	"github.com/rynxs-labs/rynxs-core/pkg/engine"
)

// MemStore is the in-memory reference implementation of the contract. It
// backs tests and doubles as the executable specification of Append/Read
// semantics for the durable backends.
type MemStore struct {
	mu      sync.RWMutex
	records []chain.Record
}

// NewMemStore returns an empty in-memory log.
func NewMemStore() *MemStore {
	return &MemStore{}
}

func (m *MemStore) Append(ctx context.Context, ev engine.Event, expectedPrevHash string) (chain.Record, error) {
	if err := ev.Validate(); err != nil {
		return chain.Record{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	lastSeq, lastHash := int64(-1), chain.ZeroHash
	if n := len(m.records); n > 0 {
		lastSeq = m.records[n-1].Event.Seq
		lastHash = m.records[n-1].EventHash
	}
	if expectedPrevHash != lastHash {
		return chain.Record{}, &ConflictError{
			ExpectedPrevHash: expectedPrevHash,
			ObservedPrevHash: lastHash,
			ObservedSeq:      lastSeq,
		}
	}

	rec, err := chain.NewRecord(lastHash, ev.WithSeq(lastSeq+1))
	if err != nil {
		return chain.Record{}, err
	}
	m.records = append(m.records, rec)
	return rec, nil
}

func (m *MemStore) Read(ctx context.Context, fromSeq, toSeq int64) ([]chain.Record, error) {
	var out []chain.Record
	err := m.Scan(ctx, 0, func(rec chain.Record) error {
		seq := rec.Event.Seq
		if toSeq >= 0 && seq > toSeq {
			return ErrStopScan
		}
		if seq >= fromSeq {
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (m *MemStore) Scan(ctx context.Context, fromSeq int64, fn func(chain.Record) error) error {
	m.mu.RLock()
	records := make([]chain.Record, len(m.records))
	copy(records, m.records)
	m.mu.RUnlock()

	validator := NewChainValidator()
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := validator.Check(rec); err != nil {
			return err
		}
		if rec.Event.Seq < fromSeq {
			continue
		}
		if err := fn(rec); err != nil {
			if errors.Is(err, ErrStopScan) {
				return nil
			}
			return err
		}
	}
	return validator.Finalize()
}

func (m *MemStore) Tail(ctx context.Context) (int64, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if n := len(m.records); n > 0 {
		return m.records[n-1].Event.Seq, m.records[n-1].EventHash, nil
	}
	return -1, chain.ZeroHash, nil
}

// Corrupt overwrites the payload at seq, for tamper-detection tests only.
func (m *MemStore) Corrupt(seq int64, payload map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.records {
		if m.records[i].Event.Seq == seq {
			m.records[i].Event.Payload = payload
		}
	}
}
