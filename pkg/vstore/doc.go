// Package vstore provides the core of a versioned content store: template and
// object descriptors persisted as immutable versions in an S3-compatible
// bucket with versioning enabled.
//
// The package itself holds the domain model (descriptors, version records,
// continuation pages, job cursors), the error taxonomy, and the narrow
// contracts the core consumes from its collaborators: the object storage
// client (S3API), the append-log publisher (Publisher) and the job cursor
// store (CursorStore). Implementations live in subpackages:
//
//   - reader: the generic versioned storage-reader engine and its template and
//     object instantiations
//   - locks: the distributed write-lock coordinator (quorum and in-memory)
//   - jobs: the job registry and runner, binaries cleanup and event production
//   - storage/s3, storage/memory: S3 clients (real and in-memory)
//   - events, cursor: publishers and cursor stores
//
// Descriptor Immutability
//
// A given (ID, VersionID) pair always yields the same descriptor. Readers
// cache descriptors forever and share them between goroutines; callers must
// treat descriptor values, including their slices and raw JSON, as read-only.
package vstore
