package s3_test

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/vstore/pkg/vstore/metrics"
	"github.com/tendant/vstore/pkg/vstore/storage/memory"
	s3storage "github.com/tendant/vstore/pkg/vstore/storage/s3"
)

type fakeBuckets struct {
	exists     bool
	headErr    error
	created    []string
	versioned  []string
	createErr  error
	locationOf map[string]types.BucketLocationConstraint
}

func (f *fakeBuckets) HeadBucket(ctx context.Context, params *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if f.exists {
		return &s3.HeadBucketOutput{}, nil
	}
	if f.headErr != nil {
		return nil, f.headErr
	}
	return nil, &types.NotFound{}
}

func (f *fakeBuckets) CreateBucket(ctx context.Context, params *s3.CreateBucketInput, _ ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	name := aws.ToString(params.Bucket)
	f.created = append(f.created, name)
	if params.CreateBucketConfiguration != nil {
		if f.locationOf == nil {
			f.locationOf = make(map[string]types.BucketLocationConstraint)
		}
		f.locationOf[name] = params.CreateBucketConfiguration.LocationConstraint
	}
	return &s3.CreateBucketOutput{}, nil
}

func (f *fakeBuckets) PutBucketVersioning(ctx context.Context, params *s3.PutBucketVersioningInput, _ ...func(*s3.Options)) (*s3.PutBucketVersioningOutput, error) {
	f.versioned = append(f.versioned, aws.ToString(params.Bucket))
	return &s3.PutBucketVersioningOutput{}, nil
}

func TestEnsureBucket(t *testing.T) {
	ctx := context.Background()

	t.Run("creates missing bucket with versioning", func(t *testing.T) {
		fake := &fakeBuckets{}
		require.NoError(t, s3storage.EnsureBucket(ctx, fake, "objects", "eu-west-1"))
		assert.Equal(t, []string{"objects"}, fake.created)
		assert.Equal(t, []string{"objects"}, fake.versioned)
		assert.Equal(t, types.BucketLocationConstraint("eu-west-1"), fake.locationOf["objects"])
	})

	t.Run("existing bucket only enables versioning", func(t *testing.T) {
		fake := &fakeBuckets{exists: true}
		require.NoError(t, s3storage.EnsureBucket(ctx, fake, "objects", "us-east-1"))
		assert.Empty(t, fake.created)
		assert.Equal(t, []string{"objects"}, fake.versioned)
	})

	t.Run("already owned is not an error", func(t *testing.T) {
		fake := &fakeBuckets{createErr: errors.New("BucketAlreadyOwnedByYou: yours")}
		assert.NoError(t, s3storage.EnsureBucket(ctx, fake, "objects", ""))
	})

	t.Run("unexpected head error", func(t *testing.T) {
		fake := &fakeBuckets{headErr: errors.New("AccessDenied")}
		assert.Error(t, s3storage.EnsureBucket(ctx, fake, "objects", ""))
	})
}

func TestInstrument(t *testing.T) {
	ctx := context.Background()
	client := s3storage.Instrument(memory.New())

	notFound := metrics.S3OperationsTotal.WithLabelValues("GetObject", "not_found")
	before := testutil.ToFloat64(notFound)

	_, err := client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String("b"), Key: aws.String("missing")})
	require.Error(t, err)
	assert.Equal(t, before+1, testutil.ToFloat64(notFound))

	success := metrics.S3OperationsTotal.WithLabelValues("PutObject", "success")
	before = testutil.ToFloat64(success)
	_, err = client.PutObject(ctx, &s3.PutObjectInput{Bucket: aws.String("b"), Key: aws.String("1")})
	require.NoError(t, err)
	assert.Equal(t, before+1, testutil.ToFloat64(success))
}
