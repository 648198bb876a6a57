// Package reader implements the versioned storage reader: one generic engine
// resolving latest versions, listing version history, hydrating and caching
// descriptors, instantiated for templates and objects.
package reader

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/samber/lo"

	"github.com/tendant/vstore/pkg/vstore"
)

// DefaultDegreeOfParallelism is the number of workers used for batch fan-out
const DefaultDegreeOfParallelism = 4

// DecodeFunc parses a stored body into a descriptor. The header carries the
// identity reported by the backend.
type DecodeFunc[D vstore.Descriptor] func(h vstore.Header, body []byte) (D, error)

type options struct {
	name      string
	dop       int
	logger    *slog.Logger
	templates *Templates
}

// Option configures a Store
type Option func(*options)

// WithDegreeOfParallelism sets the number of concurrent workers for batch reads
func WithDegreeOfParallelism(n int) Option {
	return func(o *options) {
		o.dop = n
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithName sets the store name used in metrics labels
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// WithTemplates lets an objects reader resolve the templates its objects
// are built from. Other stores ignore it.
func WithTemplates(t *Templates) Option {
	return func(o *options) {
		o.templates = t
	}
}

func newOptions(opts []Option) options {
	o := options{dop: DefaultDegreeOfParallelism, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.dop <= 0 {
		o.dop = 1
	}
	return o
}

// Store reads versioned descriptors of one shape from one bucket
type Store[D vstore.Cloner[D]] struct {
	client vstore.S3API
	bucket string
	decode DecodeFunc[D]
	dop    int
	logger *slog.Logger
	cache  *cache[D]
}

// New creates a store reading bucket through client
func New[D vstore.Cloner[D]](client vstore.S3API, bucket string, decode DecodeFunc[D], opts ...Option) *Store[D] {
	o := newOptions(append([]Option{WithName(bucket)}, opts...))
	return &Store[D]{
		client: client,
		bucket: bucket,
		decode: decode,
		dop:    o.dop,
		logger: o.logger.With("bucket", bucket),
		cache:  newCache[D](o.name),
	}
}

// Bucket returns the bucket the store reads from
func (s *Store[D]) Bucket() string {
	return s.bucket
}

// CacheLen returns the number of cached descriptor versions
func (s *Store[D]) CacheLen() int {
	return s.cache.len()
}

func (s *Store[D]) resourceError(op string, id int64, versionID string, err error) error {
	return &vstore.ResourceError{Bucket: s.bucket, ID: id, VersionID: versionID, Op: op, Err: vstore.TranslateBackendError(err)}
}

// List returns one page of resources. An empty token starts from the
// beginning; keys that are not resource ids are skipped.
func (s *Store[D]) List(ctx context.Context, token string) (vstore.Page[vstore.ResourceRecord], error) {
	input := &s3.ListObjectsInput{Bucket: aws.String(s.bucket)}
	if token != "" {
		input.Marker = aws.String(token)
	}
	out, err := s.client.ListObjects(ctx, input)
	if err != nil {
		return vstore.Page[vstore.ResourceRecord]{}, &vstore.StorageError{Bucket: s.bucket, Key: token, Op: "list", Err: vstore.TranslateBackendError(err)}
	}

	page := vstore.Page[vstore.ResourceRecord]{Items: make([]vstore.ResourceRecord, 0, len(out.Contents))}
	for _, obj := range out.Contents {
		id, ok := vstore.ParseKey(aws.ToString(obj.Key))
		if !ok {
			continue
		}
		page.Items = append(page.Items, vstore.ResourceRecord{ID: id, LastModified: aws.ToTime(obj.LastModified)})
	}
	if aws.ToBool(out.IsTruncated) {
		page.NextToken = aws.ToString(out.NextMarker)
		if page.NextToken == "" && len(out.Contents) > 0 {
			page.NextToken = aws.ToString(out.Contents[len(out.Contents)-1].Key)
		}
	}
	return page, nil
}

// ListHistory returns one page of resources that have at least one
// surviving version, including resources whose latest entry is a delete
// marker. LastModified is the newest surviving version on the page. A
// resource whose versions span a page boundary appears on both pages.
func (s *Store[D]) ListHistory(ctx context.Context, token string) (vstore.Page[vstore.ResourceRecord], error) {
	input := &s3.ListObjectVersionsInput{Bucket: aws.String(s.bucket)}
	if token != "" {
		markers, err := url.ParseQuery(token)
		if err != nil {
			return vstore.Page[vstore.ResourceRecord]{}, fmt.Errorf("invalid history token %q: %w", token, err)
		}
		input.KeyMarker = aws.String(markers.Get("key"))
		if v := markers.Get("version"); v != "" {
			input.VersionIdMarker = aws.String(v)
		}
	}
	out, err := s.client.ListObjectVersions(ctx, input)
	if err != nil {
		return vstore.Page[vstore.ResourceRecord]{}, &vstore.StorageError{Bucket: s.bucket, Key: token, Op: "list history", Err: vstore.TranslateBackendError(err)}
	}

	var page vstore.Page[vstore.ResourceRecord]
	index := make(map[int64]int)
	for _, v := range out.Versions {
		id, ok := vstore.ParseKey(aws.ToString(v.Key))
		if !ok {
			continue
		}
		modified := aws.ToTime(v.LastModified)
		if i, seen := index[id]; seen {
			if modified.After(page.Items[i].LastModified) {
				page.Items[i].LastModified = modified
			}
			continue
		}
		index[id] = len(page.Items)
		page.Items = append(page.Items, vstore.ResourceRecord{ID: id, LastModified: modified})
	}
	sort.Slice(page.Items, func(i, j int) bool { return page.Items[i].ID < page.Items[j].ID })

	if aws.ToBool(out.IsTruncated) && out.NextKeyMarker != nil {
		markers := url.Values{"key": {aws.ToString(out.NextKeyMarker)}}
		if v := aws.ToString(out.NextVersionIdMarker); v != "" {
			markers.Set("version", v)
		}
		page.NextToken = markers.Encode()
	}
	return page, nil
}

// versionRef is one raw entry of the per-key version listing
type versionRef struct {
	versionID    string
	isLatest     bool
	deleteMarker bool
	lastModified time.Time
	seq          int
}

// forEachVersion walks the version listing of the exact key of id, page by
// page, until fn returns false or the listing is exhausted. Sibling keys
// sharing the prefix (42 vs 420) are ignored.
func (s *Store[D]) forEachVersion(ctx context.Context, id int64, fn func(versionRef) bool) error {
	key := vstore.Key(id)
	input := &s3.ListObjectVersionsInput{Bucket: aws.String(s.bucket), Prefix: aws.String(key)}
	seq := 0
	for {
		out, err := s.client.ListObjectVersions(ctx, input)
		if err != nil {
			return err
		}
		for _, v := range out.Versions {
			if aws.ToString(v.Key) != key {
				continue
			}
			ref := versionRef{
				versionID:    aws.ToString(v.VersionId),
				isLatest:     aws.ToBool(v.IsLatest),
				lastModified: aws.ToTime(v.LastModified),
				seq:          seq,
			}
			seq++
			if !fn(ref) {
				return nil
			}
		}
		for _, m := range out.DeleteMarkers {
			if aws.ToString(m.Key) != key {
				continue
			}
			ref := versionRef{
				versionID:    aws.ToString(m.VersionId),
				isLatest:     aws.ToBool(m.IsLatest),
				deleteMarker: true,
				lastModified: aws.ToTime(m.LastModified),
			}
			if !fn(ref) {
				return nil
			}
		}

		nextKey := aws.ToString(out.NextKeyMarker)
		if !aws.ToBool(out.IsTruncated) || nextKey > key {
			return nil
		}
		input.KeyMarker = out.NextKeyMarker
		input.VersionIdMarker = out.NextVersionIdMarker
	}
}

// GetLatestVersion returns the id of the current, non-deleted version
func (s *Store[D]) GetLatestVersion(ctx context.Context, id int64) (string, error) {
	var latest string
	found := false
	err := s.forEachVersion(ctx, id, func(ref versionRef) bool {
		if !ref.isLatest {
			return true
		}
		if !ref.deleteMarker {
			latest, found = ref.versionID, true
		}
		return false
	})
	if err != nil {
		return "", s.resourceError("get latest version", id, "", err)
	}
	if !found {
		return "", s.resourceError("get latest version", id, "", vstore.ErrNotFound)
	}
	return latest, nil
}

// GetDescriptor returns the descriptor of a version; an empty versionID means
// the latest one. Descriptors are cached forever once loaded and every caller
// receives its own copy.
func (s *Store[D]) GetDescriptor(ctx context.Context, id int64, versionID string) (D, error) {
	if versionID == "" {
		latest, err := s.GetLatestVersion(ctx, id)
		if err != nil {
			var zero D
			return zero, err
		}
		versionID = latest
	}
	d, err := s.cache.get(ctx, versionKey{id: id, versionID: versionID}, func(ctx context.Context) (D, error) {
		d, err := s.fetch(ctx, id, versionID)
		if err != nil {
			return d, s.resourceError("get descriptor", id, versionID, err)
		}
		return d, nil
	})
	if err != nil {
		return d, err
	}
	return d.Clone(), nil
}

func (s *Store[D]) fetch(ctx context.Context, id int64, versionID string) (D, error) {
	var zero D
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket:    aws.String(s.bucket),
		Key:       aws.String(vstore.Key(id)),
		VersionId: aws.String(versionID),
	})
	if err != nil {
		return zero, err
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return zero, fmt.Errorf("failed to read body: %w", err)
	}
	h := vstore.Header{
		ID:           id,
		VersionID:    versionID,
		LastModified: aws.ToTime(out.LastModified),
		Author:       vstore.DecodeAuthor(out.Metadata),
	}
	return s.decode(h, body)
}

// GetVersions returns every surviving version of id, oldest first, with
// VersionIndex 0 for the oldest. An id whose versions were all deleted yields
// an empty slice; an id that never existed yields ErrNotFound.
func (s *Store[D]) GetVersions(ctx context.Context, id int64) ([]vstore.VersionRecord[D], error) {
	var refs []versionRef
	sawMarker := false
	err := s.forEachVersion(ctx, id, func(ref versionRef) bool {
		if ref.deleteMarker {
			sawMarker = true
		} else {
			refs = append(refs, ref)
		}
		return true
	})
	if err != nil {
		return nil, s.resourceError("list versions", id, "", err)
	}

	if len(refs) == 0 {
		if sawMarker {
			return []vstore.VersionRecord[D]{}, nil
		}
		exists, err := s.Exists(ctx, id)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, s.resourceError("list versions", id, "", vstore.ErrNotFound)
		}
		return []vstore.VersionRecord[D]{}, nil
	}

	orderOldestFirst(refs)

	records := make([]vstore.VersionRecord[D], len(refs))
	err = forEachPartitioned(ctx, len(refs), s.dop, func(ctx context.Context, i int) error {
		d, err := s.GetDescriptor(ctx, id, refs[i].versionID)
		if err != nil {
			return err
		}
		records[i] = vstore.VersionRecord[D]{Descriptor: d, VersionIndex: i}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// orderOldestFirst sorts refs by LastModified ascending. Ties are broken by
// listing position, whose direction is detected from the listing itself:
// S3 lists newest first, but the order is verified rather than assumed.
func orderOldestFirst(refs []versionRef) {
	newestFirst := true
	if n := len(refs); n > 1 {
		first, last := refs[0].lastModified, refs[n-1].lastModified
		switch {
		case first.Before(last):
			newestFirst = false
		case first.After(last):
			newestFirst = true
		default:
			newestFirst = !refs[n-1].isLatest
		}
	}
	sort.SliceStable(refs, func(i, j int) bool {
		a, b := refs[i], refs[j]
		if !a.lastModified.Equal(b.lastModified) {
			return a.lastModified.Before(b.lastModified)
		}
		if newestFirst {
			return a.seq > b.seq
		}
		return a.seq < b.seq
	})
}

// Exists reports whether the current listing holds the exact key of id
func (s *Store[D]) Exists(ctx context.Context, id int64) (bool, error) {
	key := vstore.Key(id)
	// the exact key sorts before every longer key sharing its prefix
	out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(key),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return false, s.resourceError("exists", id, "", err)
	}
	for _, obj := range out.Contents {
		if aws.ToString(obj.Key) == key {
			return true, nil
		}
	}
	return false, nil
}

// GetMetadatas returns the latest-version metadata of each distinct id.
// Missing ids are left out; any other failure fails the whole batch. The
// result order is unspecified.
func (s *Store[D]) GetMetadatas(ctx context.Context, ids []int64) ([]vstore.MetadataRecord, error) {
	ids = lo.Uniq(ids)
	slots := make([]*vstore.MetadataRecord, len(ids))
	err := forEachPartitioned(ctx, len(ids), s.dop, func(ctx context.Context, i int) error {
		rec, err := s.metadata(ctx, ids[i])
		if vstore.IsNotFound(err) {
			s.logger.DebugContext(ctx, "skipping missing resource", "id", ids[i])
			return nil
		}
		if err != nil {
			return err
		}
		slots[i] = &rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lo.FilterMap(slots, func(rec *vstore.MetadataRecord, _ int) (vstore.MetadataRecord, bool) {
		if rec == nil {
			return vstore.MetadataRecord{}, false
		}
		return *rec, true
	}), nil
}

func (s *Store[D]) metadata(ctx context.Context, id int64) (vstore.MetadataRecord, error) {
	versionID, err := s.GetLatestVersion(ctx, id)
	if err != nil {
		return vstore.MetadataRecord{}, err
	}
	out, err := s.head(ctx, id, versionID)
	if err != nil {
		return vstore.MetadataRecord{}, s.resourceError("get metadata", id, versionID, err)
	}
	return vstore.MetadataRecord{
		ID:           id,
		VersionID:    versionID,
		LastModified: aws.ToTime(out.LastModified),
		Author:       vstore.DecodeAuthor(out.Metadata),
	}, nil
}

func (s *Store[D]) head(ctx context.Context, id int64, versionID string) (*s3.HeadObjectOutput, error) {
	return s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket:    aws.String(s.bucket),
		Key:       aws.String(vstore.Key(id)),
		VersionId: aws.String(versionID),
	})
}

// GetVersionLastModified returns when a specific version was written
func (s *Store[D]) GetVersionLastModified(ctx context.Context, id int64, versionID string) (time.Time, error) {
	out, err := s.head(ctx, id, versionID)
	if err != nil {
		return time.Time{}, s.resourceError("get version last modified", id, versionID, err)
	}
	return aws.ToTime(out.LastModified), nil
}
