// Package modelstore persists trained regression artifacts in a blob bucket.
// Each artifact is one zstd-compressed JSON object stored under its training
// run; a small per-segment manifest names the run that is live. The bucket can
// be a local directory, S3 or GCS depending on the URL it was opened with.
package modelstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob" // GCS driver
	_ "gocloud.dev/blob/memblob" // mem:// for local runs
	_ "gocloud.dev/blob/s3blob"  // S3 driver
	"gocloud.dev/gcerrors"

	"github.com/Simplici0/lpbf-planner/internal/regression"
	"github.com/Simplici0/lpbf-planner/internal/segment"
)

// Target names the quantity a model predicts.
type Target string

const (
	TargetPrice Target = "price"
	TargetTime  Target = "time"
)

// ErrNotFound is returned when a segment has no published run, or when a
// run's artifact is gone.
var ErrNotFound = errors.New("model artifact not found")

// Artifact is the unit written to the bucket.
type Artifact struct {
	Segment   string            `json:"segment"`
	Target    Target            `json:"target"`
	Samples   int               `json:"samples"`
	MAE       float64           `json:"mae"`
	TrainedAt time.Time         `json:"trained_at"`
	RunID     string            `json:"run_id"`
	Model     *regression.Model `json:"model"`
}

// Manifest names the training run whose artifacts a segment serves. It is
// written only after every artifact of the run is saved.
type Manifest struct {
	Segment   string    `json:"segment"`
	RunID     string    `json:"run_id"`
	TrainedAt time.Time `json:"trained_at"`
}

// Store is the persistence contract the estimator depends on.
type Store interface {
	// Exists reports whether the segment has a published run.
	Exists(ctx context.Context, key segment.Key) (bool, error)
	Current(ctx context.Context, key segment.Key) (*Manifest, error)
	Load(ctx context.Context, key segment.Key, runID string, target Target) (*Artifact, error)
	Save(ctx context.Context, key segment.Key, a *Artifact) error
	Publish(ctx context.Context, key segment.Key, m *Manifest) error
	Remove(ctx context.Context, key segment.Key, runID string) error
}

// BlobStore implements Store on a gocloud bucket.
type BlobStore struct {
	bucket *blob.Bucket
	prefix string
	enc    *zstd.Encoder
	dec    *zstd.Decoder
}

// Open opens a bucket by URL (s3://, gs://, file://, mem://). An empty URL falls
// back to a local directory created on demand.
func Open(ctx context.Context, bucketURL, dir string) (*BlobStore, error) {
	if bucketURL == "" {
		bucket, err := fileblob.OpenBucket(dir, &fileblob.Options{CreateDir: true})
		if err != nil {
			return nil, fmt.Errorf("open model dir %s: %w", dir, err)
		}
		return New(bucket, "")
	}

	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open model bucket %s: %w", bucketURL, err)
	}
	return New(bucket, "")
}

// New wraps an already opened bucket. Objects are written under prefix.
func New(bucket *blob.Bucket, prefix string) (*BlobStore, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &BlobStore{bucket: bucket, prefix: prefix, enc: enc, dec: dec}, nil
}

// ObjectKey is the bucket key of one artifact of one run.
func (s *BlobStore) ObjectKey(key segment.Key, runID string, target Target) string {
	return s.prefix + safeName(key.String()) + "/" + safeName(runID) + "_" + string(target) + ".model.zst"
}

// ManifestKey is the bucket key of a segment's manifest.
func (s *BlobStore) ManifestKey(key segment.Key) string {
	return s.prefix + safeName(key.String()) + "/current.json"
}

// Exists checks for a published run without reading it.
func (s *BlobStore) Exists(ctx context.Context, key segment.Key) (bool, error) {
	ok, err := s.bucket.Exists(ctx, s.ManifestKey(key))
	if err != nil {
		return false, fmt.Errorf("check model %s: %w", key, err)
	}
	return ok, nil
}

// Current reads the segment's manifest.
func (s *BlobStore) Current(ctx context.Context, key segment.Key) (*Manifest, error) {
	path := s.ManifestKey(key)
	raw, err := s.bucket.ReadAll(ctx, path)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if m.RunID == "" {
		return nil, fmt.Errorf("decode %s: manifest has no run id", path)
	}
	return &m, nil
}

// Load reads and decodes one artifact of a run.
func (s *BlobStore) Load(ctx context.Context, key segment.Key, runID string, target Target) (*Artifact, error) {
	path := s.ObjectKey(key, runID, target)
	raw, err := s.bucket.ReadAll(ctx, path)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	data, err := s.dec.DecodeAll(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress %s: %w", path, err)
	}
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if a.Model == nil {
		return nil, fmt.Errorf("decode %s: artifact has no model", path)
	}
	return &a, nil
}

// Save writes one artifact under its run id. Nothing reads it until a
// manifest naming the run is published.
func (s *BlobStore) Save(ctx context.Context, key segment.Key, a *Artifact) error {
	if a.RunID == "" {
		return fmt.Errorf("save %s/%s: artifact has no run id", key, a.Target)
	}
	path := s.ObjectKey(key, a.RunID, a.Target)
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return s.put(ctx, path, "application/zstd", s.enc.EncodeAll(data, nil))
}

// Publish points the segment at m.RunID.
func (s *BlobStore) Publish(ctx context.Context, key segment.Key, m *Manifest) error {
	path := s.ManifestKey(key)
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return s.put(ctx, path, "application/json", data)
}

// Remove deletes every artifact of a run. Missing artifacts are ignored.
func (s *BlobStore) Remove(ctx context.Context, key segment.Key, runID string) error {
	var errs []error
	for _, target := range []Target{TargetPrice, TargetTime} {
		path := s.ObjectKey(key, runID, target)
		if err := s.bucket.Delete(ctx, path); err != nil && gcerrors.Code(err) != gcerrors.NotFound {
			errs = append(errs, fmt.Errorf("delete %s: %w", path, err))
		}
	}
	return errors.Join(errs...)
}

// put writes one object. It only becomes visible when the writer closes
// successfully; a failed write is aborted by cancelling its context.
func (s *BlobStore) put(ctx context.Context, path, contentType string, data []byte) error {
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	w, err := s.bucket.NewWriter(wctx, path, &blob.WriterOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", path, err)
	}
	if _, err := w.Write(data); err != nil {
		cancel()
		w.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", path, err)
	}
	return nil
}

// Close releases the bucket and codecs.
func (s *BlobStore) Close() error {
	s.dec.Close()
	if err := s.enc.Close(); err != nil {
		return err
	}
	if s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}

func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-', r == '.':
			return r
		default:
			return '_'
		}
	}, s)
}
