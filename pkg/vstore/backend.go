package vstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3API is the subset of the S3 client the core consumes. *s3.Client
// satisfies it, as do the instrumented decorator and the in-memory backend.
type S3API interface {
	ListObjects(ctx context.Context, params *s3.ListObjectsInput, optFns ...func(*s3.Options)) (*s3.ListObjectsOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	ListObjectVersions(ctx context.Context, params *s3.ListObjectVersionsInput, optFns ...func(*s3.Options)) (*s3.ListObjectVersionsOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// retryableCodes are S3 error codes worth another attempt.
var retryableCodes = map[string]bool{
	"InternalError":        true,
	"ServiceUnavailable":   true,
	"SlowDown":             true,
	"RequestTimeout":       true,
	"RequestTimeTooSkewed": true,
	"Throttling":           true,
	"ThrottlingException":  true,
}

// IsBackendNotFound reports whether err is an S3 "no such key/version" response.
func IsBackendNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NoSuchVersion", "NotFound":
			return true
		}
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound {
		return true
	}
	return false
}

// IsTransient reports whether err is worth retrying after a delay.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransientBackend) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && retryableCodes[apiErr.ErrorCode()] {
		return true
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		code := respErr.HTTPStatusCode()
		if code == http.StatusTooManyRequests || code >= http.StatusInternalServerError {
			return true
		}
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// TranslateBackendError maps an S3 error into the domain taxonomy. The
// returned error never wraps an SDK error type; errors that carry none are
// returned unchanged.
func TranslateBackendError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return context.Canceled
	case IsBackendNotFound(err):
		return ErrNotFound
	case !isSDKError(err):
		return err
	case IsTransient(err):
		return fmt.Errorf("%w: %v", ErrTransientBackend, err)
	default:
		return errors.New(err.Error())
	}
}

func isSDKError(err error) bool {
	var apiErr smithy.APIError
	var opErr *smithy.OperationError
	var respErr *awshttp.ResponseError
	return errors.As(err, &apiErr) || errors.As(err, &opErr) || errors.As(err, &respErr)
}
