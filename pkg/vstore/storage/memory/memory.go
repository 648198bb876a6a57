// Package memory provides an in-memory, versioning-enabled S3 backend. It
// implements vstore.S3API and is used in developer mode and in tests.
package memory

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/tendant/vstore/pkg/vstore"
)

const defaultPageSize = 1000

type version struct {
	id           string
	body         []byte
	meta         map[string]string
	modified     time.Time
	deleteMarker bool
}

// versions of one key, oldest first
type history []*version

func (h history) latest() *version {
	if len(h) == 0 {
		return nil
	}
	return h[len(h)-1]
}

func (h history) find(versionID string) *version {
	for _, v := range h {
		if v.id == versionID {
			return v
		}
	}
	return nil
}

// Backend is an in-memory implementation of the vstore.S3API interface
type Backend struct {
	mu       sync.RWMutex
	buckets  map[string]map[string]history
	now      func() time.Time
	pageSize int
	latency  time.Duration

	statsMu  sync.Mutex
	calls    map[string]int
	failures map[string][]error
}

// Option configures the in-memory backend
type Option func(*Backend)

// WithClock sets the clock used for LastModified timestamps
func WithClock(now func() time.Time) Option {
	return func(b *Backend) {
		b.now = now
	}
}

// WithPageSize caps the number of entries returned by listing calls
func WithPageSize(n int) Option {
	return func(b *Backend) {
		if n > 0 {
			b.pageSize = n
		}
	}
}

// WithLatency delays every GetObject call, honouring context cancellation
func WithLatency(d time.Duration) Option {
	return func(b *Backend) {
		b.latency = d
	}
}

// New creates a new in-memory storage backend
func New(opts ...Option) *Backend {
	b := &Backend{
		buckets:  make(map[string]map[string]history),
		now:      time.Now,
		pageSize: defaultPageSize,
		calls:    make(map[string]int),
		failures: make(map[string][]error),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

var _ vstore.S3API = (*Backend)(nil)

// Calls returns how many times the named operation (e.g. "GetObject") was invoked
func (b *Backend) Calls(op string) int {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	return b.calls[op]
}

// FailNext makes the next invocation of op return err
func (b *Backend) FailNext(op string, err error) {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	b.failures[op] = append(b.failures[op], err)
}

func (b *Backend) enter(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	b.calls[op]++
	if queued := b.failures[op]; len(queued) > 0 {
		b.failures[op] = queued[1:]
		return queued[0]
	}
	return nil
}

func (b *Backend) bucket(name string) map[string]history {
	objects, ok := b.buckets[name]
	if !ok {
		objects = make(map[string]history)
		b.buckets[name] = objects
	}
	return objects
}

func sortedKeys(objects map[string]history, prefix string) []string {
	keys := make([]string, 0, len(objects))
	for k := range objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func (b *Backend) limit(maxKeys *int32) int {
	if maxKeys != nil && *maxKeys > 0 && int(*maxKeys) < b.pageSize {
		return int(*maxKeys)
	}
	return b.pageSize
}

func noSuchVersion(versionID string) error {
	return &smithy.GenericAPIError{
		Code:    "NoSuchVersion",
		Message: "The specified version " + versionID + " does not exist.",
	}
}

// PutObject stores a new version of the key
func (b *Backend) PutObject(ctx context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if err := b.enter(ctx, "PutObject"); err != nil {
		return nil, err
	}
	var body []byte
	if params.Body != nil {
		data, err := io.ReadAll(params.Body)
		if err != nil {
			return nil, err
		}
		body = data
	}
	meta := make(map[string]string, len(params.Metadata))
	for k, v := range params.Metadata {
		meta[strings.ToLower(k)] = v
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	objects := b.bucket(aws.ToString(params.Bucket))
	key := aws.ToString(params.Key)
	v := &version{id: uuid.NewString(), body: body, meta: meta, modified: b.now().UTC()}
	objects[key] = append(objects[key], v)
	return &s3.PutObjectOutput{VersionId: aws.String(v.id)}, nil
}

func (b *Backend) resolve(bucket, key, versionID string, notFound error) (*version, error) {
	h := b.buckets[bucket][key]
	if versionID == "" {
		v := h.latest()
		if v == nil || v.deleteMarker {
			return nil, notFound
		}
		return v, nil
	}
	v := h.find(versionID)
	if v == nil || v.deleteMarker {
		return nil, noSuchVersion(versionID)
	}
	return v, nil
}

// GetObject returns the body and user metadata of a version
func (b *Backend) GetObject(ctx context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if err := b.enter(ctx, "GetObject"); err != nil {
		return nil, err
	}
	if b.latency > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(b.latency):
		}
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	v, err := b.resolve(aws.ToString(params.Bucket), aws.ToString(params.Key), aws.ToString(params.VersionId), &types.NoSuchKey{})
	if err != nil {
		return nil, err
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(v.body)),
		ContentLength: aws.Int64(int64(len(v.body))),
		LastModified:  aws.Time(v.modified),
		Metadata:      copyMeta(v.meta),
		VersionId:     aws.String(v.id),
	}, nil
}

// HeadObject returns the metadata of a version without its body
func (b *Backend) HeadObject(ctx context.Context, params *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if err := b.enter(ctx, "HeadObject"); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	v, err := b.resolve(aws.ToString(params.Bucket), aws.ToString(params.Key), aws.ToString(params.VersionId), &types.NotFound{})
	if err != nil {
		return nil, err
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(v.body))),
		LastModified:  aws.Time(v.modified),
		Metadata:      copyMeta(v.meta),
		VersionId:     aws.String(v.id),
	}, nil
}

// DeleteObject removes a specific version, or places a delete marker on the
// key when no version is given. Deleting an absent key is a no-op.
func (b *Backend) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	if err := b.enter(ctx, "DeleteObject"); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	objects := b.bucket(aws.ToString(params.Bucket))
	key := aws.ToString(params.Key)
	h, ok := objects[key]
	if !ok {
		return &s3.DeleteObjectOutput{}, nil
	}

	if versionID := aws.ToString(params.VersionId); versionID != "" {
		kept := h[:0]
		for _, v := range h {
			if v.id != versionID {
				kept = append(kept, v)
			}
		}
		if len(kept) == 0 {
			delete(objects, key)
		} else {
			objects[key] = kept
		}
		return &s3.DeleteObjectOutput{VersionId: aws.String(versionID)}, nil
	}

	if latest := h.latest(); latest.deleteMarker {
		return &s3.DeleteObjectOutput{DeleteMarker: aws.Bool(true), VersionId: aws.String(latest.id)}, nil
	}
	marker := &version{id: uuid.NewString(), modified: b.now().UTC(), deleteMarker: true}
	objects[key] = append(h, marker)
	return &s3.DeleteObjectOutput{DeleteMarker: aws.Bool(true), VersionId: aws.String(marker.id)}, nil
}

// ListObjects lists current objects after Marker. Like S3 without a
// delimiter, NextMarker is never set; callers continue from the last key.
func (b *Backend) ListObjects(ctx context.Context, params *s3.ListObjectsInput, _ ...func(*s3.Options)) (*s3.ListObjectsOutput, error) {
	if err := b.enter(ctx, "ListObjects"); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	contents, truncated := b.listCurrent(aws.ToString(params.Bucket), aws.ToString(params.Prefix), aws.ToString(params.Marker), b.limit(params.MaxKeys))
	return &s3.ListObjectsOutput{
		Name:        params.Bucket,
		Prefix:      params.Prefix,
		Marker:      params.Marker,
		Contents:    contents,
		IsTruncated: aws.Bool(truncated),
	}, nil
}

// ListObjectsV2 lists current objects using continuation tokens
func (b *Backend) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	if err := b.enter(ctx, "ListObjectsV2"); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	after := aws.ToString(params.StartAfter)
	if token := aws.ToString(params.ContinuationToken); token != "" {
		after = token
	}
	contents, truncated := b.listCurrent(aws.ToString(params.Bucket), aws.ToString(params.Prefix), after, b.limit(params.MaxKeys))
	out := &s3.ListObjectsV2Output{
		Name:              params.Bucket,
		Prefix:            params.Prefix,
		ContinuationToken: params.ContinuationToken,
		Contents:          contents,
		KeyCount:          aws.Int32(int32(len(contents))),
		IsTruncated:       aws.Bool(truncated),
	}
	if truncated {
		out.NextContinuationToken = contents[len(contents)-1].Key
	}
	return out, nil
}

func (b *Backend) listCurrent(bucket, prefix, after string, limit int) ([]types.Object, bool) {
	objects := b.buckets[bucket]
	var contents []types.Object
	for _, key := range sortedKeys(objects, prefix) {
		if key <= after {
			continue
		}
		latest := objects[key].latest()
		if latest == nil || latest.deleteMarker {
			continue
		}
		if len(contents) == limit {
			return contents, true
		}
		contents = append(contents, types.Object{
			Key:          aws.String(key),
			LastModified: aws.Time(latest.modified),
			Size:         aws.Int64(int64(len(latest.body))),
		})
	}
	return contents, false
}

type listedVersion struct {
	key      string
	v        *version
	isLatest bool
}

// ListObjectVersions lists every version and delete marker under Prefix.
// Keys come in ascending order and the versions of a key newest first.
func (b *Backend) ListObjectVersions(ctx context.Context, params *s3.ListObjectVersionsInput, _ ...func(*s3.Options)) (*s3.ListObjectVersionsOutput, error) {
	if err := b.enter(ctx, "ListObjectVersions"); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	objects := b.buckets[aws.ToString(params.Bucket)]
	var all []listedVersion
	for _, key := range sortedKeys(objects, aws.ToString(params.Prefix)) {
		h := objects[key]
		for i := len(h) - 1; i >= 0; i-- {
			all = append(all, listedVersion{key: key, v: h[i], isLatest: i == len(h)-1})
		}
	}

	start := 0
	keyMarker := aws.ToString(params.KeyMarker)
	versionMarker := aws.ToString(params.VersionIdMarker)
	if keyMarker != "" {
		start = len(all)
		for i, lv := range all {
			if lv.key < keyMarker {
				continue
			}
			if lv.key == keyMarker {
				if versionMarker != "" && lv.v.id == versionMarker {
					start = i + 1
					break
				}
				continue
			}
			start = i
			break
		}
	}

	limit := b.limit(params.MaxKeys)
	end := min(start+limit, len(all))
	out := &s3.ListObjectVersionsOutput{
		Name:            params.Bucket,
		Prefix:          params.Prefix,
		KeyMarker:       params.KeyMarker,
		VersionIdMarker: params.VersionIdMarker,
		IsTruncated:     aws.Bool(end < len(all)),
	}
	for _, lv := range all[start:end] {
		if lv.v.deleteMarker {
			out.DeleteMarkers = append(out.DeleteMarkers, types.DeleteMarkerEntry{
				Key:          aws.String(lv.key),
				VersionId:    aws.String(lv.v.id),
				IsLatest:     aws.Bool(lv.isLatest),
				LastModified: aws.Time(lv.v.modified),
			})
			continue
		}
		out.Versions = append(out.Versions, types.ObjectVersion{
			Key:          aws.String(lv.key),
			VersionId:    aws.String(lv.v.id),
			IsLatest:     aws.Bool(lv.isLatest),
			LastModified: aws.Time(lv.v.modified),
			Size:         aws.Int64(int64(len(lv.v.body))),
		})
	}
	if end < len(all) && end > start {
		last := all[end-1]
		out.NextKeyMarker = aws.String(last.key)
		out.NextVersionIdMarker = aws.String(last.v.id)
	}
	return out, nil
}

func copyMeta(meta map[string]string) map[string]string {
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
