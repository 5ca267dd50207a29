// Package sqlstore implements the event log contract on an embedded SQLite
// database. The seq primary key doubles as the conditional create: a second
// writer inserting the same seq hits the uniqueness constraint and observes a
// conflict, same as the object-store backends.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/rynxs-labs/rynxs-core/pkg/chain"
	"github.com/rynxs-labs/rynxs-core/pkg/engine"
	"github.com/rynxs-labs/rynxs-core/pkg/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	seq INTEGER PRIMARY KEY,
	prev_hash TEXT NOT NULL,
	event_hash TEXT NOT NULL,
	body BLOB NOT NULL
);
`

// SQLStore implements store.EventStore on SQLite.
type SQLStore struct {
	db     *sql.DB
	logger *slog.Logger

	mu sync.Mutex
}

// Open opens (or creates) the database at path. ":memory:" works for tests.
func Open(ctx context.Context, path string, logger *slog.Logger) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &store.BackendError{Kind: store.BackendNetwork, Op: "open", Err: err}
	}
	// SQLite handles one writer; serialize on a single connection so the
	// in-process mutex is the only queue.
	db.SetMaxOpenConns(1)
	if logger == nil {
		logger = slog.Default()
	}
	s := &SQLStore{db: db, logger: logger}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, &store.BackendError{Kind: store.BackendNetwork, Op: "init", Err: err}
	}
	return s, nil
}

// Close releases the database handle.
func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) Append(ctx context.Context, ev engine.Event, expectedPrevHash string) (chain.Record, error) {
	if err := ev.Validate(); err != nil {
		return chain.Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	lastSeq, lastHash, err := s.tail(ctx)
	if err != nil {
		return chain.Record{}, err
	}
	if expectedPrevHash != lastHash {
		return chain.Record{}, &store.ConflictError{
			ExpectedPrevHash: expectedPrevHash,
			ObservedPrevHash: lastHash,
			ObservedSeq:      lastSeq,
		}
	}

	rec, err := chain.NewRecord(lastHash, ev.WithSeq(lastSeq+1))
	if err != nil {
		return chain.Record{}, err
	}
	wire, err := chain.MarshalWire(rec)
	if err != nil {
		return chain.Record{}, err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO records (seq, prev_hash, event_hash, body) VALUES (?, ?, ?, ?)`,
		rec.Event.Seq, rec.PrevHash, rec.EventHash, wire,
	)
	if err != nil {
		if isUniqueViolation(err) {
			observedSeq, observedHash, tailErr := s.tail(ctx)
			if tailErr != nil {
				return chain.Record{}, tailErr
			}
			return chain.Record{}, &store.ConflictError{
				ExpectedPrevHash: expectedPrevHash,
				ObservedPrevHash: observedHash,
				ObservedSeq:      observedSeq,
			}
		}
		return chain.Record{}, &store.BackendError{Kind: store.BackendNetwork, Op: "insert", Err: err}
	}
	s.logger.Debug("appended event", "seq", rec.Event.Seq, "type", rec.Event.Type)
	return rec, nil
}

func (s *SQLStore) tail(ctx context.Context) (int64, string, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT seq, event_hash FROM records ORDER BY seq DESC LIMIT 1`)
	var seq int64
	var hash string
	if err := row.Scan(&seq, &hash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return -1, chain.ZeroHash, nil
		}
		return 0, "", &store.BackendError{Kind: store.BackendNetwork, Op: "tail", Err: err}
	}
	return seq, hash, nil
}

func (s *SQLStore) Read(ctx context.Context, fromSeq, toSeq int64) ([]chain.Record, error) {
	var out []chain.Record
	err := s.Scan(ctx, 0, func(rec chain.Record) error {
		seq := rec.Event.Seq
		if toSeq >= 0 && seq > toSeq {
			return store.ErrStopScan
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

func (s *SQLStore) Scan(ctx context.Context, fromSeq int64, fn func(chain.Record) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, body FROM records ORDER BY seq ASC`)
	if err != nil {
		return &store.BackendError{Kind: store.BackendNetwork, Op: "scan", Err: err}
	}
	defer rows.Close()

	validator := store.NewChainValidator()
	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		var seq int64
		var body []byte
		if err := rows.Scan(&seq, &body); err != nil {
			return &store.BackendError{Kind: store.BackendNetwork, Op: "scan", Err: err}
		}
		rec, err := chain.UnmarshalWire(body)
		if err != nil {
			return err
		}
		if rec.Event.Seq != seq {
			return &engine.IntegrityError{
				Seq:    seq,
				Reason: fmt.Sprintf("row %d holds seq %d", seq, rec.Event.Seq),
			}
		}
		if err := validator.Check(rec); err != nil {
			return err
		}
		if rec.Event.Seq < fromSeq {
			continue
		}
		if err := fn(rec); err != nil {
			if errors.Is(err, store.ErrStopScan) {
				return nil
			}
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return &store.BackendError{Kind: store.BackendNetwork, Op: "scan", Err: err}
	}
	return validator.Finalize()
}

func (s *SQLStore) Tail(ctx context.Context) (int64, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tail(ctx)
}

// isUniqueViolation distinguishes the CAS conflict (another writer took the
// seq) from a genuine backend failure, by SQLite result code rather than
// error text.
func isUniqueViolation(err error) bool {
	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return false
	}
	switch serr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	}
	return false
}
