package s3

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/tendant/vstore/pkg/vstore"
	"github.com/tendant/vstore/pkg/vstore/metrics"
)

// Instrumented records count, outcome and latency of every call to the wrapped client
type Instrumented struct {
	next vstore.S3API
}

// Instrument wraps client with Prometheus instrumentation
func Instrument(client vstore.S3API) *Instrumented {
	return &Instrumented{next: client}
}

var _ vstore.S3API = (*Instrumented)(nil)

func observe(op string, start time.Time, err error) {
	status := "success"
	switch {
	case err == nil:
	case vstore.IsBackendNotFound(err):
		status = "not_found"
	default:
		status = "error"
	}
	metrics.S3OperationsTotal.WithLabelValues(op, status).Inc()
	metrics.S3OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (i *Instrumented) ListObjects(ctx context.Context, params *s3.ListObjectsInput, optFns ...func(*s3.Options)) (out *s3.ListObjectsOutput, err error) {
	defer func(start time.Time) { observe("ListObjects", start, err) }(time.Now())
	return i.next.ListObjects(ctx, params, optFns...)
}

func (i *Instrumented) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (out *s3.ListObjectsV2Output, err error) {
	defer func(start time.Time) { observe("ListObjectsV2", start, err) }(time.Now())
	return i.next.ListObjectsV2(ctx, params, optFns...)
}

func (i *Instrumented) ListObjectVersions(ctx context.Context, params *s3.ListObjectVersionsInput, optFns ...func(*s3.Options)) (out *s3.ListObjectVersionsOutput, err error) {
	defer func(start time.Time) { observe("ListObjectVersions", start, err) }(time.Now())
	return i.next.ListObjectVersions(ctx, params, optFns...)
}

func (i *Instrumented) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (out *s3.GetObjectOutput, err error) {
	defer func(start time.Time) { observe("GetObject", start, err) }(time.Now())
	return i.next.GetObject(ctx, params, optFns...)
}

func (i *Instrumented) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (out *s3.HeadObjectOutput, err error) {
	defer func(start time.Time) { observe("HeadObject", start, err) }(time.Now())
	return i.next.HeadObject(ctx, params, optFns...)
}

func (i *Instrumented) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (out *s3.PutObjectOutput, err error) {
	defer func(start time.Time) { observe("PutObject", start, err) }(time.Now())
	return i.next.PutObject(ctx, params, optFns...)
}

func (i *Instrumented) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (out *s3.DeleteObjectOutput, err error) {
	defer func(start time.Time) { observe("DeleteObject", start, err) }(time.Now())
	return i.next.DeleteObject(ctx, params, optFns...)
}
