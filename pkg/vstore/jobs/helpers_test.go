package jobs_test

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/require"

	"github.com/tendant/vstore/pkg/vstore"
	"github.com/tendant/vstore/pkg/vstore/storage/memory"
)

const (
	objectsBucket  = "objects"
	binariesBucket = "binaries"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// clock is a manually advanced clock.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock(t time.Time) *clock {
	return &clock{now: t}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// fixture is an in-memory storage with a controllable write clock.
type fixture struct {
	t       *testing.T
	backend *memory.Backend
	writes  *clock
}

func newFixture(t *testing.T) *fixture {
	writes := newClock(epoch)
	return &fixture{
		t:       t,
		backend: memory.New(memory.WithClock(writes.Now)),
		writes:  writes,
	}
}

func image(code int, keys ...string) vstore.ObjectElement {
	value := map[string]any{"raw": keys[0]}
	if len(keys) > 1 {
		var sizes []map[string]string
		for _, k := range keys[1:] {
			sizes = append(sizes, map[string]string{"raw": k})
		}
		value["sizeSpecificImages"] = sizes
	}
	data, _ := json.Marshal(value)
	return vstore.ObjectElement{ID: int64(code), TemplateCode: code, Type: vstore.ElementBitmapImage, Value: data}
}

func text(code int, s string) vstore.ObjectElement {
	data, _ := json.Marshal(s)
	return vstore.ObjectElement{ID: int64(code), TemplateCode: code, Type: vstore.ElementPlainText, Value: data}
}

// putObject writes a new object version at time at.
func (f *fixture) putObject(id int64, at time.Time, elements ...vstore.ObjectElement) string {
	f.t.Helper()
	body, err := vstore.EncodeObject(vstore.ObjectDescriptor{
		TemplateID:        3,
		TemplateVersionID: "tv1",
		Properties:        json.RawMessage(`{}`),
		Elements:          elements,
	})
	require.NoError(f.t, err)
	return f.put(objectsBucket, vstore.Key(id), at, string(body))
}

// deleteObject puts a delete marker on object id at time at.
func (f *fixture) deleteObject(id int64, at time.Time) {
	f.t.Helper()
	f.writes.Set(at)
	_, err := f.backend.DeleteObject(context.Background(), &s3.DeleteObjectInput{
		Bucket: aws.String(objectsBucket),
		Key:    aws.String(vstore.Key(id)),
	})
	require.NoError(f.t, err)
}

// putBinary writes a binary file at time at.
func (f *fixture) putBinary(key string, at time.Time) {
	f.t.Helper()
	f.put(binariesBucket, key, at, "data")
}

func (f *fixture) put(bucket, key string, at time.Time, body string) string {
	f.t.Helper()
	f.writes.Set(at)
	out, err := f.backend.PutObject(context.Background(), &s3.PutObjectInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(key),
		Body:     strings.NewReader(body),
		Metadata: vstore.EncodeAuthor(vstore.AuthorInfo{Author: "u1", AuthorLogin: "jdoe", AuthorName: "J Doe"}),
	})
	require.NoError(f.t, err)
	return aws.ToString(out.VersionId)
}

// binaries returns the keys currently present in the binaries bucket.
func (f *fixture) binaries() []string {
	f.t.Helper()
	out, err := f.backend.ListObjectsV2(context.Background(), &s3.ListObjectsV2Input{Bucket: aws.String(binariesBucket)})
	require.NoError(f.t, err)
	keys := make([]string, 0, len(out.Contents))
	for _, obj := range out.Contents {
		keys = append(keys, aws.ToString(obj.Key))
	}
	return keys
}

// runInBackground runs fn until the returned stop function is called, then
// returns fn's error.
func runInBackground(ctx context.Context, fn func(ctx context.Context) error) (stop func() error) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- fn(ctx)
	}()
	return func() error {
		cancel()
		return <-done
	}
}
