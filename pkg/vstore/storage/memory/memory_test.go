package memory_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/vstore/pkg/vstore"
	"github.com/tendant/vstore/pkg/vstore/storage/memory"
)

func put(t *testing.T, b *memory.Backend, bucket, key, body string) string {
	t.Helper()
	out, err := b.PutObject(context.Background(), &s3.PutObjectInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(key),
		Body:     strings.NewReader(body),
		Metadata: map[string]string{"Author": "tester"},
	})
	require.NoError(t, err)
	return aws.ToString(out.VersionId)
}

func TestMemoryBackendVersions(t *testing.T) {
	ctx := context.Background()
	clock := time.Unix(1000, 0)
	backend := memory.New(memory.WithClock(func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}))

	v1 := put(t, backend, "objects", "42", `{"a":1}`)
	v2 := put(t, backend, "objects", "42", `{"a":2}`)
	require.NotEqual(t, v1, v2)

	t.Run("GetObject latest", func(t *testing.T) {
		out, err := backend.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String("objects"), Key: aws.String("42")})
		require.NoError(t, err)
		defer out.Body.Close()
		body, err := io.ReadAll(out.Body)
		require.NoError(t, err)
		assert.Equal(t, `{"a":2}`, string(body))
		assert.Equal(t, v2, aws.ToString(out.VersionId))
		assert.Equal(t, "tester", out.Metadata["author"])
	})

	t.Run("GetObject specific version", func(t *testing.T) {
		out, err := backend.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String("objects"), Key: aws.String("42"), VersionId: aws.String(v1)})
		require.NoError(t, err)
		body, _ := io.ReadAll(out.Body)
		assert.Equal(t, `{"a":1}`, string(body))
	})

	t.Run("unknown version is not found", func(t *testing.T) {
		_, err := backend.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String("objects"), Key: aws.String("42"), VersionId: aws.String("nope")})
		assert.True(t, vstore.IsBackendNotFound(err))
		_, err = backend.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String("objects"), Key: aws.String("7")})
		assert.True(t, vstore.IsBackendNotFound(err))
	})

	t.Run("versions listed newest first", func(t *testing.T) {
		out, err := backend.ListObjectVersions(ctx, &s3.ListObjectVersionsInput{Bucket: aws.String("objects"), Prefix: aws.String("42")})
		require.NoError(t, err)
		require.Len(t, out.Versions, 2)
		assert.Equal(t, v2, aws.ToString(out.Versions[0].VersionId))
		assert.True(t, aws.ToBool(out.Versions[0].IsLatest))
		assert.Equal(t, v1, aws.ToString(out.Versions[1].VersionId))
		assert.False(t, aws.ToBool(out.IsTruncated))
	})

	t.Run("delete adds a marker", func(t *testing.T) {
		_, err := backend.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String("objects"), Key: aws.String("42")})
		require.NoError(t, err)

		_, err = backend.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String("objects"), Key: aws.String("42")})
		assert.True(t, vstore.IsBackendNotFound(err))

		versions, err := backend.ListObjectVersions(ctx, &s3.ListObjectVersionsInput{Bucket: aws.String("objects"), Prefix: aws.String("42")})
		require.NoError(t, err)
		assert.Len(t, versions.Versions, 2)
		require.Len(t, versions.DeleteMarkers, 1)
		assert.True(t, aws.ToBool(versions.DeleteMarkers[0].IsLatest))

		listed, err := backend.ListObjects(ctx, &s3.ListObjectsInput{Bucket: aws.String("objects")})
		require.NoError(t, err)
		assert.Empty(t, listed.Contents)
	})

	t.Run("delete of absent key is a no-op", func(t *testing.T) {
		_, err := backend.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String("objects"), Key: aws.String("missing")})
		assert.NoError(t, err)
	})
}

func TestMemoryBackendPagination(t *testing.T) {
	ctx := context.Background()
	backend := memory.New(memory.WithPageSize(2))
	for _, key := range []string{"1", "2", "3", "4", "5"} {
		put(t, backend, "b", key, "x")
	}
	put(t, backend, "b", "3", "y")

	t.Run("ListObjectsV2", func(t *testing.T) {
		var keys []string
		var token *string
		for {
			out, err := backend.ListObjectsV2(ctx, &s3.ListObjectsV2Input{Bucket: aws.String("b"), ContinuationToken: token})
			require.NoError(t, err)
			for _, o := range out.Contents {
				keys = append(keys, aws.ToString(o.Key))
			}
			if !aws.ToBool(out.IsTruncated) {
				break
			}
			token = out.NextContinuationToken
		}
		assert.Equal(t, []string{"1", "2", "3", "4", "5"}, keys)
	})

	t.Run("ListObjectVersions", func(t *testing.T) {
		count := 0
		var keyMarker, versionMarker *string
		for {
			out, err := backend.ListObjectVersions(ctx, &s3.ListObjectVersionsInput{
				Bucket:          aws.String("b"),
				KeyMarker:       keyMarker,
				VersionIdMarker: versionMarker,
			})
			require.NoError(t, err)
			count += len(out.Versions)
			if !aws.ToBool(out.IsTruncated) {
				break
			}
			keyMarker, versionMarker = out.NextKeyMarker, out.NextVersionIdMarker
		}
		assert.Equal(t, 6, count)
	})
}

func TestMemoryBackendFailureInjection(t *testing.T) {
	backend := memory.New()
	boom := errors.New("boom")
	backend.FailNext("HeadObject", boom)

	_, err := backend.HeadObject(context.Background(), &s3.HeadObjectInput{Bucket: aws.String("b"), Key: aws.String("1")})
	assert.ErrorIs(t, err, boom)
	_, err = backend.HeadObject(context.Background(), &s3.HeadObjectInput{Bucket: aws.String("b"), Key: aws.String("1")})
	assert.True(t, vstore.IsBackendNotFound(err))
	assert.Equal(t, 2, backend.Calls("HeadObject"))
}
