// Package gcsstore implements the event log contract on Google Cloud
// Storage. Same key scheme as the S3 backend; the conditional create rides on
// a DoesNotExist precondition.
package gcsstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"

	"cloud.google.com/go/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"github.com/rynxs-labs/rynxs-core/pkg/canonical"
	"github.com/rynxs-labs/rynxs-core/pkg/chain"
	"github.com/rynxs-labs/rynxs-core/pkg/engine"
	"github.com/rynxs-labs/rynxs-core/pkg/store"
)

// Config locates the backing bucket.
type Config struct {
	Bucket string
	Prefix string
	Logger *slog.Logger
}

// GCSStore implements store.EventStore on a GCS bucket.
type GCSStore struct {
	bucket  *storage.BucketHandle
	prefix  string
	headKey string
	logger  *slog.Logger
	tracer  trace.Tracer

	mu       sync.Mutex
	headSeq  int64
	headHash string
	headOK   bool
}

// New builds a store from application default credentials.
func New(ctx context.Context, cfg Config) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, &store.BackendError{Kind: store.BackendNetwork, Op: "client", Err: err}
	}
	return NewWithBucket(client.Bucket(cfg.Bucket), cfg), nil
}

// NewWithBucket wires an existing bucket handle.
func NewWithBucket(bucket *storage.BucketHandle, cfg Config) *GCSStore {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	prefix := strings.TrimSuffix(cfg.Prefix, "/")
	if prefix == "" {
		prefix = "events"
	}
	return &GCSStore{
		bucket:  bucket,
		prefix:  prefix,
		headKey: prefix + "/_head.json",
		logger:  logger,
		tracer:  otel.Tracer("rynxs-core/store/gcsstore"),
		headSeq: -1,
	}
}

func (g *GCSStore) keyForSeq(seq int64) string {
	return fmt.Sprintf("%s/%010d.json", g.prefix, seq)
}

func (g *GCSStore) seqFromKey(key string) (int64, bool) {
	rest, ok := strings.CutPrefix(key, g.prefix+"/")
	if !ok {
		return 0, false
	}
	base, ok := strings.CutSuffix(rest, ".json")
	if !ok || strings.Contains(base, "/") {
		return 0, false
	}
	n, err := strconv.ParseInt(base, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func (g *GCSStore) Append(ctx context.Context, ev engine.Event, expectedPrevHash string) (chain.Record, error) {
	if err := ev.Validate(); err != nil {
		return chain.Record{}, err
	}
	ctx, span := g.tracer.Start(ctx, "gcsstore.append")
	defer span.End()

	g.mu.Lock()
	defer g.mu.Unlock()

	lastSeq, lastHash, err := g.tailLocked(ctx)
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

	obj := g.bucket.Object(g.keyForSeq(rec.Event.Seq)).If(storage.Conditions{DoesNotExist: true})
	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(wire); err != nil {
		_ = w.Close()
		return chain.Record{}, classify("put", err)
	}
	if err := w.Close(); err != nil {
		berr := classify("put", err)
		if berr.Kind == store.BackendPreconditionFailed {
			g.headOK = false
			observedSeq, observedHash, scanErr := g.scanTail(ctx)
			if scanErr != nil {
				return chain.Record{}, scanErr
			}
			g.setHead(observedSeq, observedHash)
			return chain.Record{}, &store.ConflictError{
				ExpectedPrevHash: expectedPrevHash,
				ObservedPrevHash: observedHash,
				ObservedSeq:      observedSeq,
			}
		}
		return chain.Record{}, berr
	}

	g.setHead(rec.Event.Seq, rec.EventHash)
	g.writeHeadObject(ctx, rec.Event.Seq, rec.EventHash)
	span.SetAttributes(attribute.Int64("seq", rec.Event.Seq))
	g.logger.Debug("appended event", "seq", rec.Event.Seq, "type", rec.Event.Type)
	return rec, nil
}

func (g *GCSStore) setHead(seq int64, hash string) {
	g.headSeq, g.headHash, g.headOK = seq, hash, true
}

func (g *GCSStore) tailLocked(ctx context.Context) (int64, string, error) {
	if g.headOK {
		return g.headSeq, g.headHash, nil
	}
	if seq, hash, ok := g.readHeadObject(ctx); ok {
		g.setHead(seq, hash)
		return seq, hash, nil
	}
	seq, hash, err := g.scanTail(ctx)
	if err != nil {
		return 0, "", err
	}
	g.setHead(seq, hash)
	return seq, hash, nil
}

func (g *GCSStore) scanTail(ctx context.Context) (int64, string, error) {
	lastSeq := int64(-1)
	if err := g.listKeys(ctx, func(seq int64, key string) {
		if seq > lastSeq {
			lastSeq = seq
		}
	}); err != nil {
		return 0, "", err
	}
	if lastSeq < 0 {
		return -1, chain.ZeroHash, nil
	}
	rec, err := g.getRecord(ctx, g.keyForSeq(lastSeq))
	if err != nil {
		return 0, "", err
	}
	return rec.Event.Seq, rec.EventHash, nil
}

func (g *GCSStore) listKeys(ctx context.Context, fn func(seq int64, key string)) error {
	it := g.bucket.Objects(ctx, &storage.Query{Prefix: g.prefix + "/"})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return classify("list", err)
		}
		if seq, ok := g.seqFromKey(attrs.Name); ok {
			fn(seq, attrs.Name)
		}
	}
}

func (g *GCSStore) getRecord(ctx context.Context, key string) (chain.Record, error) {
	r, err := g.bucket.Object(key).NewReader(ctx)
	if err != nil {
		return chain.Record{}, classify("get", err)
	}
	defer r.Close()
	body, err := io.ReadAll(r)
	if err != nil {
		return chain.Record{}, &store.BackendError{Kind: store.BackendNetwork, Op: "get", Err: err}
	}
	return chain.UnmarshalWire(body)
}

func (g *GCSStore) readHeadObject(ctx context.Context) (int64, string, bool) {
	r, err := g.bucket.Object(g.headKey).NewReader(ctx)
	if err != nil {
		return 0, "", false
	}
	defer r.Close()
	body, err := io.ReadAll(r)
	if err != nil {
		return 0, "", false
	}
	v, err := canonical.FromJSON(body)
	if err != nil {
		return 0, "", false
	}
	m, ok := v.(map[string]any)
	if !ok {
		return 0, "", false
	}
	seq, ok := m["last_seq"].(int64)
	if !ok {
		return 0, "", false
	}
	hash, ok := m["last_hash"].(string)
	if !ok || len(hash) != 64 {
		return 0, "", false
	}
	return seq, hash, true
}

func (g *GCSStore) writeHeadObject(ctx context.Context, seq int64, hash string) {
	body, err := canonical.JSONBytes(map[string]any{"last_seq": seq, "last_hash": hash})
	if err != nil {
		return
	}
	w := g.bucket.Object(g.headKey).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		g.logger.Warn("head cache update failed", "seq", seq, "err", err)
		return
	}
	if err := w.Close(); err != nil {
		g.logger.Warn("head cache update failed", "seq", seq, "err", err)
	}
}

func (g *GCSStore) Read(ctx context.Context, fromSeq, toSeq int64) ([]chain.Record, error) {
	var out []chain.Record
	err := g.Scan(ctx, 0, func(rec chain.Record) error {
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

func (g *GCSStore) Scan(ctx context.Context, fromSeq int64, fn func(chain.Record) error) error {
	ctx, span := g.tracer.Start(ctx, "gcsstore.scan")
	defer span.End()

	type entry struct {
		seq int64
		key string
	}
	var entries []entry
	if err := g.listKeys(ctx, func(seq int64, key string) {
		entries = append(entries, entry{seq, key})
	}); err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	validator := store.NewChainValidator()
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := g.getRecord(ctx, e.key)
		if err != nil {
			return err
		}
		if rec.Event.Seq != e.seq {
			return &engine.IntegrityError{
				Seq:    e.seq,
				Reason: fmt.Sprintf("key %s holds seq %d", e.key, rec.Event.Seq),
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
	return validator.Finalize()
}

func (g *GCSStore) Tail(ctx context.Context) (int64, string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tailLocked(ctx)
}

// Invalidate drops the in-process head cache.
func (g *GCSStore) Invalidate() {
	g.mu.Lock()
	g.headOK = false
	g.mu.Unlock()
}

func classify(op string, err error) *store.BackendError {
	kind := store.BackendNetwork
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusForbidden, http.StatusUnauthorized:
			kind = store.BackendAccessDenied
		case http.StatusPreconditionFailed:
			kind = store.BackendPreconditionFailed
		case http.StatusNotFound:
			if strings.Contains(strings.ToLower(apiErr.Message), "bucket") {
				kind = store.BackendNoSuchBucket
			}
		}
	}
	if errors.Is(err, storage.ErrBucketNotExist) {
		kind = store.BackendNoSuchBucket
	}
	return &store.BackendError{Kind: kind, Op: op, Err: err}
}
