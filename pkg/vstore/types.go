package vstore

import (
	"cmp"
	"time"
)

// AuthorInfo identifies who wrote a version
type AuthorInfo struct {
	Author      string `json:"author"`
	AuthorLogin string `json:"authorLogin"`
	AuthorName  string `json:"authorName"`
}

// Header carries the storage-level identity of a descriptor version. It is
// filled from the backend response, never from the stored body.
type Header struct {
	ID           int64      `json:"id"`
	VersionID    string     `json:"versionId"`
	LastModified time.Time  `json:"lastModified"`
	Author       AuthorInfo `json:"author"`
}

// Meta returns the header itself; it makes every type embedding Header a Descriptor.
func (h Header) Meta() Header {
	return h
}

// Descriptor is implemented by every versioned descriptor shape.
type Descriptor interface {
	Meta() Header
}

// Cloner is a descriptor that returns deep copies of itself. Readers hand
// out copies so callers never share a cached value.
type Cloner[D any] interface {
	Descriptor
	Clone() D
}

// ResourceRecord is one entry of a flat resource listing
type ResourceRecord struct {
	ID           int64     `json:"id"`
	LastModified time.Time `json:"lastModified"`
}

// MetadataRecord is the lightweight metadata of a resource's latest version
type MetadataRecord struct {
	ID           int64      `json:"id"`
	VersionID    string     `json:"versionId"`
	LastModified time.Time  `json:"lastModified"`
	Author       AuthorInfo `json:"author"`
}

// VersionRecord pairs a hydrated descriptor with its ordinal in the version history.
// VersionIndex 0 is the oldest surviving version.
type VersionRecord[D Descriptor] struct {
	Descriptor   D   `json:"descriptor"`
	VersionIndex int `json:"versionIndex"`
}

// ID returns the resource id of the version.
func (r VersionRecord[D]) ID() int64 {
	return r.Descriptor.Meta().ID
}

// VersionID returns the backend version id.
func (r VersionRecord[D]) VersionID() string {
	return r.Descriptor.Meta().VersionID
}

// LastModified returns the time the version was written.
func (r VersionRecord[D]) LastModified() time.Time {
	return r.Descriptor.Meta().LastModified
}

// Page is one page of a continuation-token listing.
type Page[T any] struct {
	Items     []T    `json:"items"`
	NextToken string `json:"nextToken,omitempty"`
}

// Done reports whether this is the last page.
func (p Page[T]) Done() bool {
	return p.NextToken == ""
}

// BinaryReference is a binary file referenced by an object version element
type BinaryReference struct {
	ObjectID     int64  `json:"objectId"`
	VersionID    string `json:"versionId"`
	TemplateCode int    `json:"templateCode"`
	FileKey      string `json:"fileKey"`
}

// Cursor is the persisted position of an event production job. Positions are
// totally ordered by (LastModified, ID, VersionIndex).
type Cursor struct {
	LastModified time.Time `json:"lastModified"`
	ID           int64     `json:"id"`
	VersionIndex int       `json:"versionIndex"`
	VersionID    string    `json:"versionId,omitempty"`
}

// CursorAt returns the cursor position of a version record.
func CursorAt[D Descriptor](r VersionRecord[D]) Cursor {
	h := r.Descriptor.Meta()
	return Cursor{
		LastModified: h.LastModified,
		ID:           h.ID,
		VersionIndex: r.VersionIndex,
		VersionID:    h.VersionID,
	}
}

// Compare orders two cursor positions.
func (c Cursor) Compare(other Cursor) int {
	if r := c.LastModified.Compare(other.LastModified); r != 0 {
		return r
	}
	if r := cmp.Compare(c.ID, other.ID); r != 0 {
		return r
	}
	return cmp.Compare(c.VersionIndex, other.VersionIndex)
}

// Before reports whether c is strictly before other.
func (c Cursor) Before(other Cursor) bool {
	return c.Compare(other) < 0
}

// IsZero reports whether the cursor has never been advanced.
func (c Cursor) IsZero() bool {
	return c.LastModified.IsZero() && c.ID == 0 && c.VersionIndex == 0
}
