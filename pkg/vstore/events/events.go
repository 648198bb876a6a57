// Package events builds the CloudEvents payloads emitted by the event
// production job and provides vstore.Publisher implementations.
package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cloudevents/sdk-go/v2/event"
	"github.com/google/uuid"

	"github.com/tendant/vstore/pkg/vstore"
)

const (
	// Source is the CloudEvents source of every event.
	Source = "vstore"

	TypeVersionCreated   = "vstore.object.version.created"
	TypeBinaryReferenced = "vstore.binary.referenced"
)

// idNamespace scopes the deterministic event ids.
var idNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:vstore:events"))

// VersionCreated is the data of a version created event
type VersionCreated struct {
	ID                int64             `json:"id"`
	VersionID         string            `json:"versionId"`
	VersionIndex      int               `json:"versionIndex"`
	LastModified      time.Time         `json:"lastModified"`
	Author            vstore.AuthorInfo `json:"author"`
	TemplateID        int64             `json:"templateId"`
	TemplateVersionID string            `json:"templateVersionId"`
	ModifiedElements  []int             `json:"modifiedElements"`
}

// BinaryReferenced is the data of a binary referenced event
type BinaryReferenced struct {
	ObjectID     int64     `json:"objectId"`
	VersionID    string    `json:"versionId"`
	TemplateCode int       `json:"templateCode"`
	FileKey      string    `json:"fileKey"`
	ReferencedAt time.Time `json:"referencedAt"`
}

// NewVersionCreated builds the event for an object version. prev is the
// version right before it, nil for the first surviving version.
func NewVersionCreated(rec vstore.VersionRecord[vstore.ObjectDescriptor], prev *vstore.ObjectDescriptor) VersionCreated {
	d := rec.Descriptor
	return VersionCreated{
		ID:                d.ID,
		VersionID:         d.VersionID,
		VersionIndex:      rec.VersionIndex,
		LastModified:      d.LastModified,
		Author:            d.Author,
		TemplateID:        d.TemplateID,
		TemplateVersionID: d.TemplateVersionID,
		ModifiedElements:  vstore.ModifiedElements(prev, d),
	}
}

// NewBinaryReferenced builds the event for one binary reference.
func NewBinaryReferenced(ref vstore.BinaryReference, at time.Time) BinaryReferenced {
	return BinaryReferenced{
		ObjectID:     ref.ObjectID,
		VersionID:    ref.VersionID,
		TemplateCode: ref.TemplateCode,
		FileKey:      ref.FileKey,
		ReferencedAt: at,
	}
}

// EventID returns the deterministic id of an event. Re-emitting the same
// fact yields the same id so consumers can drop duplicates.
func EventID(eventType string, id int64, versionID, fileKey string) string {
	name := strings.Join([]string{eventType, vstore.Key(id), versionID, fileKey}, "|")
	return uuid.NewSHA1(idNamespace, []byte(name)).String()
}

// PartitionKey returns the partition key of events about an object.
func PartitionKey(id int64) string {
	return vstore.Key(id)
}

// Encode wraps v in a CloudEvents envelope and returns its JSON encoding.
func Encode(v any) ([]byte, error) {
	e := event.New()
	e.SetSource(Source)

	switch data := v.(type) {
	case VersionCreated:
		e.SetType(TypeVersionCreated)
		e.SetID(EventID(TypeVersionCreated, data.ID, data.VersionID, ""))
		e.SetSubject(vstore.Key(data.ID))
		e.SetTime(data.LastModified)
	case BinaryReferenced:
		e.SetType(TypeBinaryReferenced)
		e.SetID(EventID(TypeBinaryReferenced, data.ObjectID, data.VersionID, data.FileKey))
		e.SetSubject(data.FileKey)
		e.SetTime(data.ReferencedAt)
	default:
		return nil, fmt.Errorf("unsupported event data %T", v)
	}

	if err := e.SetData(event.ApplicationJSON, v); err != nil {
		return nil, fmt.Errorf("failed to set event data: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("invalid event: %w", err)
	}
	return json.Marshal(e)
}

// Decode parses a CloudEvents JSON payload
func Decode(payload []byte) (event.Event, error) {
	var e event.Event
	if err := json.Unmarshal(payload, &e); err != nil {
		return e, fmt.Errorf("failed to decode event: %w", err)
	}
	return e, nil
}
