// Package s3 builds S3-compatible clients for the content store and wraps
// them with Prometheus instrumentation.
package s3

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Config options for the S3 client
type Config struct {
	Region          string // AWS region
	AccessKeyID     string // AWS access key ID
	SecretAccessKey string // AWS secret access key
	Endpoint        string // Optional custom endpoint for S3-compatible services
	UsePathStyle    bool   // Use path-style addressing (default: false)

	// MinIO/S3-compatible service options
	CreateBucketIfNotExist bool     // Create buckets (with versioning) if they don't exist
	Buckets                []string // Buckets checked when CreateBucketIfNotExist is set
}

// NewClient creates a new S3 client from config
func NewClient(ctx context.Context, config Config) (*s3.Client, error) {
	if config.Region == "" {
		config.Region = "us-east-1"
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(config.Region)}
	if config.AccessKeyID != "" && config.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			config.AccessKeyID,
			config.SecretAccessKey,
			"",
		)))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Options []func(*s3.Options)
	if config.Endpoint != "" {
		s3Options = append(s3Options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(config.Endpoint)
			o.UsePathStyle = config.UsePathStyle
		})
	}
	client := s3.NewFromConfig(awsCfg, s3Options...)

	if config.CreateBucketIfNotExist {
		for _, bucket := range config.Buckets {
			if err := EnsureBucket(ctx, client, bucket, config.Region); err != nil {
				return nil, fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
	}
	return client, nil
}

// BucketAPI is the subset of the S3 client used to provision buckets
type BucketAPI interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	PutBucketVersioning(ctx context.Context, params *s3.PutBucketVersioningInput, optFns ...func(*s3.Options)) (*s3.PutBucketVersioningOutput, error)
}

// EnsureBucket creates the bucket if it doesn't exist and enables versioning on it
func EnsureBucket(ctx context.Context, client BucketAPI, bucket, region string) error {
	_, err := client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(bucket),
	})
	if err != nil {
		// handle multiple error types for MinIO compatibility
		var notFound *types.NotFound
		var noSuchBucket *types.NoSuchBucket
		if !errors.As(err, &notFound) && !errors.As(err, &noSuchBucket) &&
			!strings.Contains(err.Error(), "BadRequest") &&
			!strings.Contains(err.Error(), "NoSuchBucket") {
			return fmt.Errorf("failed to check bucket: %w", err)
		}

		createInput := &s3.CreateBucketInput{
			Bucket: aws.String(bucket),
		}
		if region != "" && region != "us-east-1" {
			createInput.CreateBucketConfiguration = &types.CreateBucketConfiguration{
				LocationConstraint: types.BucketLocationConstraint(region),
			}
		}
		if _, err := client.CreateBucket(ctx, createInput); err != nil &&
			!strings.Contains(err.Error(), "BucketAlreadyExists") &&
			!strings.Contains(err.Error(), "BucketAlreadyOwnedByYou") {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	_, err = client.PutBucketVersioning(ctx, &s3.PutBucketVersioningInput{
		Bucket: aws.String(bucket),
		VersioningConfiguration: &types.VersioningConfiguration{
			Status: types.BucketVersioningStatusEnabled,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to enable versioning: %w", err)
	}
	return nil
}
