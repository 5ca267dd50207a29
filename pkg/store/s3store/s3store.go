// Package s3store is the object-store event log backend: one object per
// event, keyed so lexicographic order equals sequence order, appended with a
// conditional create so concurrent writers cannot collide on a seq.
package s3store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rynxs-labs/rynxs-core/pkg/canonical"
	"github.com/rynxs-labs/rynxs-core/pkg/chain"
	"github.com/rynxs-labs/rynxs-core/pkg/engine"
	"github.com/rynxs-labs/rynxs-core/pkg/store"
)

// listPageSize is the S3 maximum; full scans must paginate.
const listPageSize = 1000

// Client is the slice of the S3 API the store uses. *s3.Client satisfies it;
// tests substitute a fake.
type Client interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Config locates the backing bucket.
type Config struct {
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string // custom endpoint for MinIO/LocalStack; forces path style
	Logger   *slog.Logger
	// DisableHeadCache forces a full listing on every tail fetch.
	DisableHeadCache bool
}

// S3Store implements store.EventStore on an S3-compatible bucket.
type S3Store struct {
	client  Client
	bucket  string
	prefix  string
	headKey string
	useHead bool
	logger  *slog.Logger
	tracer  trace.Tracer

	mu       sync.Mutex
	headSeq  int64
	headHash string
	headOK   bool
}

// New builds a store from default AWS credentials.
func New(ctx context.Context, cfg Config) (*S3Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, &store.BackendError{Kind: store.BackendNetwork, Op: "load-config", Err: err}
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewWithClient(client, cfg), nil
}

// NewWithClient wires an existing client, used by tests.
func NewWithClient(client Client, cfg Config) *S3Store {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	prefix := strings.TrimSuffix(cfg.Prefix, "/")
	if prefix == "" {
		prefix = "events"
	}
	return &S3Store{
		client:  client,
		bucket:  cfg.Bucket,
		prefix:  prefix,
		headKey: prefix + "/_head.json",
		useHead: !cfg.DisableHeadCache,
		logger:  logger,
		tracer:  otel.Tracer("rynxs-core/store/s3store"),
		headSeq: -1,
	}
}

// keyForSeq zero-pads to ten digits so lexicographic order equals numeric
// order up to 9,999,999,999 events.
func (s *S3Store) keyForSeq(seq int64) string {
	return fmt.Sprintf("%s/%010d.json", s.prefix, seq)
}

func (s *S3Store) seqFromKey(key string) (int64, bool) {
	rest, ok := strings.CutPrefix(key, s.prefix+"/")
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

func (s *S3Store) Append(ctx context.Context, ev engine.Event, expectedPrevHash string) (chain.Record, error) {
	if err := ev.Validate(); err != nil {
		return chain.Record{}, err
	}
	ctx, span := s.tracer.Start(ctx, "s3store.append")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	lastSeq, lastHash, err := s.tailLocked(ctx)
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

	key := s.keyForSeq(rec.Event.Seq)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(wire),
		ContentType: aws.String("application/json"),
		IfNoneMatch: aws.String("*"),
	})
	if err != nil {
		berr := classify("put", err)
		if berr.Kind == store.BackendPreconditionFailed {
			// A concurrent writer created the key first. The cached head is
			// now suspect; rebuild it from the listing and report the race.
			s.headOK = false
			observedSeq, observedHash, scanErr := s.scanTail(ctx)
			if scanErr != nil {
				return chain.Record{}, scanErr
			}
			s.setHead(observedSeq, observedHash)
			return chain.Record{}, &store.ConflictError{
				ExpectedPrevHash: expectedPrevHash,
				ObservedPrevHash: observedHash,
				ObservedSeq:      observedSeq,
			}
		}
		return chain.Record{}, berr
	}

	s.setHead(rec.Event.Seq, rec.EventHash)
	s.writeHeadObject(ctx, rec.Event.Seq, rec.EventHash)
	span.SetAttributes(attribute.Int64("seq", rec.Event.Seq))
	s.logger.Debug("appended event", "seq", rec.Event.Seq, "type", rec.Event.Type, "key", key)
	return rec, nil
}

func (s *S3Store) setHead(seq int64, hash string) {
	s.headSeq, s.headHash, s.headOK = seq, hash, true
}

// tailLocked prefers the in-process cache, then the head object, then a full
// paginated scan. The head object is a hint; a mismatch with the listing is
// resolved in favor of the listing.
func (s *S3Store) tailLocked(ctx context.Context) (int64, string, error) {
	if s.headOK {
		return s.headSeq, s.headHash, nil
	}
	if s.useHead {
		if seq, hash, ok := s.readHeadObject(ctx); ok {
			s.setHead(seq, hash)
			return seq, hash, nil
		}
	}
	seq, hash, err := s.scanTail(ctx)
	if err != nil {
		return 0, "", err
	}
	s.setHead(seq, hash)
	return seq, hash, nil
}

// scanTail lists every event key to find the highest seq, then fetches it.
func (s *S3Store) scanTail(ctx context.Context) (int64, string, error) {
	lastSeq := int64(-1)
	err := s.listKeys(ctx, func(seq int64, key string) {
		if seq > lastSeq {
			lastSeq = seq
		}
	})
	if err != nil {
		return 0, "", err
	}
	if lastSeq < 0 {
		return -1, chain.ZeroHash, nil
	}
	rec, err := s.getRecord(ctx, s.keyForSeq(lastSeq))
	if err != nil {
		return 0, "", err
	}
	return rec.Event.Seq, rec.EventHash, nil
}

func (s *S3Store) listKeys(ctx context.Context, fn func(seq int64, key string)) error {
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(s.prefix + "/"),
			MaxKeys:           aws.Int32(listPageSize),
			ContinuationToken: token,
		})
		if err != nil {
			return classify("list", err)
		}
		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			if seq, ok := s.seqFromKey(key); ok {
				fn(seq, key)
			}
		}
		if !aws.ToBool(out.IsTruncated) {
			return nil
		}
		token = out.NextContinuationToken
	}
}

func (s *S3Store) getRecord(ctx context.Context, key string) (chain.Record, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return chain.Record{}, classify("get", err)
	}
	defer out.Body.Close()
	body, err := io.ReadAll(out.Body)
	if err != nil {
		return chain.Record{}, &store.BackendError{Kind: store.BackendNetwork, Op: "get", Err: err}
	}
	return chain.UnmarshalWire(body)
}

// readHeadObject loads the cached head hint; any failure falls back to the
// listing.
func (s *S3Store) readHeadObject(ctx context.Context) (int64, string, bool) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.headKey),
	})
	if err != nil {
		return 0, "", false
	}
	defer out.Body.Close()
	body, err := io.ReadAll(out.Body)
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

// writeHeadObject refreshes the hint. Best effort: stale heads only cost a
// listing later, so errors are logged and dropped.
func (s *S3Store) writeHeadObject(ctx context.Context, seq int64, hash string) {
	if !s.useHead {
		return
	}
	body, err := canonical.JSONBytes(map[string]any{"last_seq": seq, "last_hash": hash})
	if err != nil {
		return
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.headKey),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		s.logger.Warn("head cache update failed", "seq", seq, "err", err)
	}
}

func (s *S3Store) Read(ctx context.Context, fromSeq, toSeq int64) ([]chain.Record, error) {
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

func (s *S3Store) Scan(ctx context.Context, fromSeq int64, fn func(chain.Record) error) error {
	ctx, span := s.tracer.Start(ctx, "s3store.scan")
	defer span.End()

	// Collect and sort keys; lexicographic listing order should already be
	// numeric, sorting is cheap insurance against non-conforming backends.
	type entry struct {
		seq int64
		key string
	}
	var entries []entry
	if err := s.listKeys(ctx, func(seq int64, key string) {
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
		rec, err := s.getRecord(ctx, e.key)
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

func (s *S3Store) Tail(ctx context.Context) (int64, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tailLocked(ctx)
}

// Invalidate drops the in-process head cache, forcing the next tail fetch to
// re-check the backing store.
func (s *S3Store) Invalidate() {
	s.mu.Lock()
	s.headOK = false
	s.mu.Unlock()
}

// classify maps transport errors onto the backend taxonomy. The kinds drive
// different operator responses: credentials drift, capacity, or transient
// network.
func classify(op string, err error) *store.BackendError {
	kind := store.BackendNetwork
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			kind = store.BackendAccessDenied
		case "PreconditionFailed", "412":
			kind = store.BackendPreconditionFailed
		case "NoSuchBucket":
			kind = store.BackendNoSuchBucket
		}
	}
	var nsb *s3types.NoSuchBucket
	if errors.As(err, &nsb) {
		kind = store.BackendNoSuchBucket
	}
	return &store.BackendError{Kind: kind, Op: op, Err: err}
}
