package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/tendant/vstore/pkg/vstore"
	"github.com/tendant/vstore/pkg/vstore/metrics"
	"github.com/tendant/vstore/pkg/vstore/reader"
	"github.com/tendant/vstore/pkg/vstore/scan"
)

// CleanupJobName is the registry name of the cleanup job
const CleanupJobName = "binaries"

// CleanupConfig holds the dependencies of the cleanup job
type CleanupConfig struct {
	Objects          *reader.Objects
	Client           vstore.S3API
	BinariesBucket   string
	BinaryExpiration time.Duration
	Logger           *slog.Logger
	Now              func() time.Time
}

// CleanupJob deletes binaries that no surviving object version references
// and that are older than the expiration. Every pass re-derives its
// candidates from storage; nothing is persisted between passes.
type CleanupJob struct {
	config    CleanupConfig
	batchSize int
	loop      *loop
}

// NewCleanupFactory returns the factory of the cleanup job. It takes the
// arguments <batchSize> <delay>.
func NewCleanupFactory(config CleanupConfig, opts ...Option) Factory {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return func(args []string) (Job, error) {
		batchSize, delay, err := ParseCleanupArgs(args)
		if err != nil {
			return nil, err
		}
		return NewCleanupJob(config, batchSize, delay, opts...), nil
	}
}

// NewCleanupJob creates a cleanup job
func NewCleanupJob(config CleanupConfig, batchSize int, delay time.Duration, opts ...Option) *CleanupJob {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	opts = append([]Option{WithLogger(config.Logger)}, opts...)
	return &CleanupJob{
		config:    config,
		batchSize: batchSize,
		loop:      newLoop(CleanupJobName, delay, opts),
	}
}

// Run implements Job
func (j *CleanupJob) Run(ctx context.Context) error {
	return j.loop.run(ctx, func(ctx context.Context) error {
		_, err := j.RunOnce(ctx)
		return err
	})
}

// RunOnce performs a single pass and returns the number of deleted binaries.
// The reference set is complete before anything is deleted.
func (j *CleanupJob) RunOnce(ctx context.Context) (int, error) {
	referenced, err := j.referencedKeys(ctx)
	if err != nil {
		return 0, err
	}

	candidates, err := j.candidates(ctx, referenced)
	if err != nil {
		return 0, err
	}

	j.loop.set(StateProcessing)
	deleted := 0
	for _, key := range candidates {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		if err := j.delete(ctx, key); err != nil {
			return deleted, err
		}
		deleted++
		metrics.BinariesDeletedTotal.Inc()
	}

	j.config.Logger.InfoContext(ctx, "cleanup pass finished",
		"job", CleanupJobName,
		"referenced", len(referenced),
		"candidates", len(candidates),
		"deleted", deleted,
	)
	return deleted, nil
}

// referencedKeys returns the file keys referenced by any surviving version
// of any object, delete-marked objects included.
func (j *CleanupJob) referencedKeys(ctx context.Context) (map[string]struct{}, error) {
	referenced := make(map[string]struct{})
	seen := make(map[int64]struct{})
	scanner := scan.New(scan.ListerFunc(j.config.Objects.ListHistory), j.config.Logger)

	_, err := scanner.ForEach(ctx, func(ctx context.Context, rec vstore.ResourceRecord) error {
		if _, ok := seen[rec.ID]; ok {
			return nil
		}
		seen[rec.ID] = struct{}{}
		versions, err := j.config.Objects.GetVersions(ctx, rec.ID)
		if err != nil {
			if vstore.IsNotFound(err) {
				return nil
			}
			return err
		}
		for _, v := range versions {
			for _, ref := range v.Descriptor.BinaryReferences() {
				referenced[ref.FileKey] = struct{}{}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to collect binary references: %w", err)
	}
	return referenced, nil
}

// candidates lists the binaries bucket and returns up to batchSize keys that
// are unreferenced and expired.
func (j *CleanupJob) candidates(ctx context.Context, referenced map[string]struct{}) ([]string, error) {
	threshold := j.config.Now().Add(-j.config.BinaryExpiration)
	var keys []string
	var token *string

	for {
		out, err := j.config.Client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(j.config.BinariesBucket),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, &vstore.StorageError{
				Bucket: j.config.BinariesBucket,
				Op:     "list binaries",
				Err:    vstore.TranslateBackendError(err),
			}
		}

		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			if _, ok := referenced[key]; ok {
				continue
			}
			if !aws.ToTime(obj.LastModified).Before(threshold) {
				continue
			}
			keys = append(keys, key)
			if len(keys) == j.batchSize {
				return keys, nil
			}
		}

		if !aws.ToBool(out.IsTruncated) || out.NextContinuationToken == nil {
			return keys, nil
		}
		token = out.NextContinuationToken
	}
}

func (j *CleanupJob) delete(ctx context.Context, key string) error {
	_, err := j.config.Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(j.config.BinariesBucket),
		Key:    aws.String(key),
	})
	if err == nil {
		j.config.Logger.DebugContext(ctx, "binary deleted", "bucket", j.config.BinariesBucket, "key", key)
		return nil
	}

	err = vstore.TranslateBackendError(err)
	if errors.Is(err, vstore.ErrNotFound) {
		return nil
	}
	return &vstore.StorageError{Bucket: j.config.BinariesBucket, Key: key, Op: "delete binary", Err: err}
}
