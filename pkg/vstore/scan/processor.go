package scan

import (
	"context"

	"github.com/tendant/vstore/pkg/vstore"
)

// ResourceProcessor processes individual resources of a listing.
//
// Implementations in this module:
//   - the cleanup job, collecting binary references of every object
//   - the event production job, collecting versions after its cursor
type ResourceProcessor interface {
	// Process is called for each listed resource. Returning an error stops
	// the scan unless ContinueOnError is set.
	Process(ctx context.Context, rec vstore.ResourceRecord) error
}

// ProcessorFunc adapts a function to the ResourceProcessor interface.
type ProcessorFunc func(ctx context.Context, rec vstore.ResourceRecord) error

// Process calls f(ctx, rec).
func (f ProcessorFunc) Process(ctx context.Context, rec vstore.ResourceRecord) error {
	return f(ctx, rec)
}
