package vstore

import (
	"errors"
	"fmt"
	"strconv"
)

// Error types
var (
	// ErrNotFound indicates a resource or a version of it does not exist
	ErrNotFound = errors.New("not found")

	// ErrLockConflict indicates the resource is held by another live lease
	ErrLockConflict = errors.New("lock conflict")

	// ErrJobNotFound indicates an unknown job name was requested
	ErrJobNotFound = errors.New("job not found")

	// ErrArgumentParsing indicates malformed job arguments
	ErrArgumentParsing = errors.New("argument parsing error")

	// ErrTransientBackend indicates a retryable network or backend failure
	ErrTransientBackend = errors.New("transient backend error")

	// ErrInvalidDescriptor indicates a stored body that cannot be parsed as a descriptor
	ErrInvalidDescriptor = errors.New("invalid descriptor")
)

// ResourceError represents an error related to a versioned resource
type ResourceError struct {
	Bucket    string
	ID        int64
	VersionID string
	Op        string
	Err       error
}

func (e *ResourceError) Error() string {
	if e.VersionID == "" {
		return fmt.Sprintf("%s of resource %d in bucket %s failed: %v", e.Op, e.ID, e.Bucket, e.Err)
	}
	return fmt.Sprintf("%s of resource %d version %s in bucket %s failed: %v", e.Op, e.ID, e.VersionID, e.Bucket, e.Err)
}

func (e *ResourceError) Unwrap() error {
	return e.Err
}

// StorageError represents an error related to storage operations
type StorageError struct {
	Bucket string
	Key    string
	Op     string
	Err    error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage operation %s failed for key %q in bucket %s: %v", e.Op, e.Key, e.Bucket, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// LockError represents an error related to lock operations
type LockError struct {
	Key string
	Op  string
	Err error
}

func (e *LockError) Error() string {
	return fmt.Sprintf("lock operation %s failed for key %s: %v", e.Op, e.Key, e.Err)
}

func (e *LockError) Unwrap() error {
	return e.Err
}

// JobError represents an error raised while running a job
type JobError struct {
	Job string
	Op  string
	Err error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("job %s: %s failed: %v", e.Job, e.Op, e.Err)
}

func (e *JobError) Unwrap() error {
	return e.Err
}

// ArgumentError describes a single malformed job argument. It always matches
// ErrArgumentParsing with errors.Is.
type ArgumentError struct {
	Job   string
	Arg   string
	Value string
	Err   error
}

func (e *ArgumentError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("job %s: invalid argument %s=%q", e.Job, e.Arg, e.Value)
	}
	return fmt.Sprintf("job %s: invalid argument %s=%q: %v", e.Job, e.Arg, e.Value, e.Err)
}

func (e *ArgumentError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrArgumentParsing}
	}
	return []error{ErrArgumentParsing, e.Err}
}

// IsNotFound reports whether err means the resource or version is absent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Key returns the storage key for a resource id.
func Key(id int64) string {
	return strconv.FormatInt(id, 10)
}

// ParseKey parses a storage key back into a resource id.
func ParseKey(key string) (int64, bool) {
	id, err := strconv.ParseInt(key, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
