// Package filestore is the single-host event log backend: newline-delimited
// JSON segments, fsync after every record, an advisory lock serializing local
// writers. Cross-host single-writer discipline belongs to the leader gate.
package filestore

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rynxs-labs/rynxs-core/pkg/chain"
	"github.com/rynxs-labs/rynxs-core/pkg/engine"
	"github.com/rynxs-labs/rynxs-core/pkg/store"
)

const segmentPattern = "events-%06d.log"

// Options tune the file backend.
type Options struct {
	// SegmentMaxBytes rotates the active segment once it would exceed this
	// size. Zero disables byte-based rotation.
	SegmentMaxBytes int64
	// SegmentMaxCount rotates the active segment once it holds this many
	// records. Zero disables count-based rotation.
	SegmentMaxCount int64
	Logger          *slog.Logger
}

// FileStore implements store.EventStore on a directory of JSONL segments.
type FileStore struct {
	dir             string
	segmentMaxBytes int64
	segmentMaxCount int64
	logger          *slog.Logger
	tracer          trace.Tracer

	mu          sync.Mutex
	tailSeq     int64
	tailHash    string
	loaded      bool
	activeCount int64 // records in the active segment
}

// New opens (or initializes) a file store rooted at dir.
func New(dir string, opts Options) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &store.BackendError{Kind: store.BackendNetwork, Op: "mkdir", Err: err}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{
		dir:             dir,
		segmentMaxBytes: opts.SegmentMaxBytes,
		segmentMaxCount: opts.SegmentMaxCount,
		logger:          logger,
		tracer:          otel.Tracer("rynxs-core/store/filestore"),
	}, nil
}

// segments returns segment filenames in numeric order.
func (f *FileStore) segments() ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, &store.BackendError{Kind: store.BackendNetwork, Op: "readdir", Err: err}
	}
	var names []string
	for _, e := range entries {
		var n int
		if _, err := fmt.Sscanf(e.Name(), segmentPattern, &n); err == nil {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (f *FileStore) Append(ctx context.Context, ev engine.Event, expectedPrevHash string) (chain.Record, error) {
	if err := ev.Validate(); err != nil {
		return chain.Record{}, err
	}
	ctx, span := f.tracer.Start(ctx, "filestore.append")
	defer span.End()

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.loadTailLocked(ctx); err != nil {
		return chain.Record{}, err
	}
	if expectedPrevHash != f.tailHash {
		return chain.Record{}, &store.ConflictError{
			ExpectedPrevHash: expectedPrevHash,
			ObservedPrevHash: f.tailHash,
			ObservedSeq:      f.tailSeq,
		}
	}

	rec, err := chain.NewRecord(f.tailHash, ev.WithSeq(f.tailSeq+1))
	if err != nil {
		return chain.Record{}, err
	}
	wire, err := chain.MarshalWire(rec)
	if err != nil {
		return chain.Record{}, err
	}
	line := append(wire, '\n')

	name, rotated, err := f.activeSegmentLocked(int64(len(line)))
	if err != nil {
		return chain.Record{}, err
	}
	if err := f.writeLocked(name, line); err != nil {
		return chain.Record{}, err
	}

	if rotated {
		f.activeCount = 0
	}
	f.activeCount++
	f.tailSeq = rec.Event.Seq
	f.tailHash = rec.EventHash
	span.SetAttributes(attribute.Int64("seq", rec.Event.Seq))
	f.logger.Debug("appended event",
		"seq", rec.Event.Seq, "type", rec.Event.Type, "segment", name)
	return rec, nil
}

// activeSegmentLocked picks the segment the next record goes to, rotating
// when the write would push the active one past the byte or record
// threshold. The first record of a fresh segment keeps its prev_hash link to
// the previous segment's tail, so the chain crosses rotation boundaries
// unbroken.
func (f *FileStore) activeSegmentLocked(incoming int64) (string, bool, error) {
	names, err := f.segments()
	if err != nil {
		return "", false, err
	}
	if len(names) == 0 {
		return fmt.Sprintf(segmentPattern, 1), false, nil
	}
	active := names[len(names)-1]

	rotate := false
	if f.segmentMaxBytes > 0 {
		info, err := os.Stat(filepath.Join(f.dir, active))
		if err != nil {
			return "", false, &store.BackendError{Kind: store.BackendNetwork, Op: "stat", Err: err}
		}
		rotate = info.Size() > 0 && info.Size()+incoming > f.segmentMaxBytes
	}
	if !rotate && f.segmentMaxCount > 0 && f.activeCount >= f.segmentMaxCount {
		rotate = true
	}
	if !rotate {
		return active, false, nil
	}

	var n int
	if _, err := fmt.Sscanf(active, segmentPattern, &n); err != nil {
		return "", false, &engine.IntegrityError{Seq: f.tailSeq, Reason: "unparseable segment name " + active}
	}
	next := fmt.Sprintf(segmentPattern, n+1)
	f.logger.Info("rotating segment", "from", active, "to", next)
	return next, true, nil
}

// writeLocked appends one line under an exclusive advisory lock and fsyncs
// before releasing it.
func (f *FileStore) writeLocked(name string, line []byte) error {
	path := filepath.Join(f.dir, name)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return &store.BackendError{Kind: store.BackendAccessDenied, Op: "open", Err: err}
	}
	defer file.Close()

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX); err != nil {
		return &store.BackendError{Kind: store.BackendNetwork, Op: "flock", Err: err}
	}
	defer func() { _ = syscall.Flock(int(file.Fd()), syscall.LOCK_UN) }()

	if _, err := file.Write(line); err != nil {
		return &store.BackendError{Kind: store.BackendNetwork, Op: "write", Err: err}
	}
	if err := file.Sync(); err != nil {
		return &store.BackendError{Kind: store.BackendNetwork, Op: "fsync", Err: err}
	}
	return nil
}

func (f *FileStore) Read(ctx context.Context, fromSeq, toSeq int64) ([]chain.Record, error) {
	var out []chain.Record
	err := f.Scan(ctx, 0, func(rec chain.Record) error {
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

func (f *FileStore) Scan(ctx context.Context, fromSeq int64, fn func(chain.Record) error) error {
	ctx, span := f.tracer.Start(ctx, "filestore.scan")
	defer span.End()

	names, err := f.segments()
	if err != nil {
		return err
	}
	validator := store.NewChainValidator()
	for _, name := range names {
		stopped, err := f.scanSegment(ctx, name, validator, fromSeq, fn)
		if err != nil {
			return err
		}
		if stopped {
			return nil
		}
	}
	return validator.Finalize()
}

func (f *FileStore) scanSegment(ctx context.Context, name string, validator *store.ChainValidator, fromSeq int64, fn func(chain.Record) error) (bool, error) {
	file, err := os.Open(filepath.Join(f.dir, name))
	if err != nil {
		return false, &store.BackendError{Kind: store.BackendAccessDenied, Op: "open", Err: err}
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		rec, err := chain.UnmarshalWire(line)
		if err != nil {
			return false, err
		}
		if err := validator.Check(rec); err != nil {
			return false, err
		}
		if rec.Event.Seq < fromSeq {
			continue
		}
		if err := fn(rec); err != nil {
			if errors.Is(err, store.ErrStopScan) {
				return true, nil
			}
			return false, err
		}
	}
	if err := scanner.Err(); err != nil {
		return false, &store.BackendError{Kind: store.BackendNetwork, Op: "scan", Err: err}
	}
	return false, nil
}

func (f *FileStore) Tail(ctx context.Context) (int64, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.loadTailLocked(ctx); err != nil {
		return 0, "", err
	}
	return f.tailSeq, f.tailHash, nil
}

// loadTailLocked rebuilds the cached head from a full validated scan. After
// the first load, appends keep it current.
func (f *FileStore) loadTailLocked(ctx context.Context) error {
	if f.loaded {
		return nil
	}
	names, err := f.segments()
	if err != nil {
		return err
	}
	validator := store.NewChainValidator()
	var lastSegmentCount int64
	for _, name := range names {
		lastSegmentCount = 0
		if _, err := f.scanSegment(ctx, name, validator, 0, func(chain.Record) error {
			lastSegmentCount++
			return nil
		}); err != nil {
			return err
		}
	}
	if err := validator.Finalize(); err != nil {
		return err
	}
	f.tailSeq, f.tailHash = validator.Position()
	f.activeCount = lastSegmentCount
	f.loaded = true
	return nil
}
