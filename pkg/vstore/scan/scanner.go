// Package scan walks a resource listing page by page and hands each
// resource to a processor.
package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tendant/vstore/pkg/vstore"
)

// Lister is a continuation-token listing of resources, such as reader.Store.List
type Lister interface {
	List(ctx context.Context, token string) (vstore.Page[vstore.ResourceRecord], error)
}

// ListerFunc adapts a listing method, such as reader.Store.ListHistory, to Lister
type ListerFunc func(ctx context.Context, token string) (vstore.Page[vstore.ResourceRecord], error)

// List implements Lister
func (f ListerFunc) List(ctx context.Context, token string) (vstore.Page[vstore.ResourceRecord], error) {
	return f(ctx, token)
}

// Scanner lists resources and processes them with the provided processor.
type Scanner struct {
	lister Lister
	logger *slog.Logger
}

// New creates a new Scanner instance.
func New(lister Lister, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{lister: lister, logger: logger}
}

// ScanOptions configures the scan operation.
type ScanOptions struct {
	// Processor defines the processing logic (required)
	Processor ResourceProcessor

	// ModifiedSince skips resources whose latest write is before it (zero: no filter)
	ModifiedSince time.Time

	// ContinueOnError records processor failures and keeps scanning
	ContinueOnError bool

	// OnProgress is called after each page is processed (optional)
	OnProgress func(processed, found int64)
}

// ScanResult contains statistics about the scan operation.
type ScanResult struct {
	// TotalFound is the number of listed resources
	TotalFound int64

	// TotalProcessed is the number of resources successfully processed
	TotalProcessed int64

	// TotalFailed is the number of resources that failed processing
	TotalFailed int64

	// TotalSkipped is the number of resources filtered out by ModifiedSince
	TotalSkipped int64

	// FailedIDs contains the ids of resources that failed processing
	FailedIDs []int64
}

// Scan lists every resource and processes each one. The context is checked
// before every resource.
func (s *Scanner) Scan(ctx context.Context, opts ScanOptions) (*ScanResult, error) {
	result := &ScanResult{}

	if opts.Processor == nil {
		return result, errors.New("processor is required")
	}

	token := ""
	for {
		page, err := s.lister.List(ctx, token)
		if err != nil {
			return result, fmt.Errorf("failed to list resources: %w", err)
		}

		result.TotalFound += int64(len(page.Items))

		for _, rec := range page.Items {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			if !opts.ModifiedSince.IsZero() && rec.LastModified.Before(opts.ModifiedSince) {
				result.TotalSkipped++
				continue
			}

			if err := opts.Processor.Process(ctx, rec); err != nil {
				if !opts.ContinueOnError {
					return result, err
				}
				result.TotalFailed++
				result.FailedIDs = append(result.FailedIDs, rec.ID)
				s.logger.WarnContext(ctx, "failed to process resource", "id", rec.ID, "err", err)
				continue
			}

			result.TotalProcessed++
		}

		if opts.OnProgress != nil {
			opts.OnProgress(result.TotalProcessed+result.TotalFailed, result.TotalFound)
		}

		if page.Done() {
			break
		}
		token = page.NextToken
	}

	return result, nil
}

// ForEach is a convenience method that processes each resource with a callback function.
//
// Example:
//
//	scanner.ForEach(ctx, func(ctx context.Context, rec vstore.ResourceRecord) error {
//	    return collect(ctx, rec.ID)
//	})
func (s *Scanner) ForEach(ctx context.Context, fn func(context.Context, vstore.ResourceRecord) error) (*ScanResult, error) {
	return s.Scan(ctx, ScanOptions{Processor: ProcessorFunc(fn)})
}
