package reader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tendant/vstore/pkg/vstore"
)

// Templates reads template descriptors
type Templates = Store[vstore.TemplateDescriptor]

// NewTemplates creates a reader over the templates bucket
func NewTemplates(client vstore.S3API, bucket string, opts ...Option) *Templates {
	return New(client, bucket, vstore.DecodeTemplate, append([]Option{WithName("templates")}, opts...)...)
}

// ErrNoTemplates is returned by template lookups on an objects reader built
// without WithTemplates.
var ErrNoTemplates = errors.New("objects reader has no templates reader")

// Objects reads object descriptors, the binaries they reference and the
// templates they are built from
type Objects struct {
	*Store[vstore.ObjectDescriptor]
	templates *Templates
}

// NewObjects creates a reader over the objects bucket
func NewObjects(client vstore.S3API, bucket string, opts ...Option) *Objects {
	opts = append([]Option{WithName("objects")}, opts...)
	return &Objects{
		Store:     New(client, bucket, vstore.DecodeObject, opts...),
		templates: newOptions(opts).templates,
	}
}

// BinaryReferences returns the binary file keys referenced by one object
// version. An empty versionID means the latest version.
func (o *Objects) BinaryReferences(ctx context.Context, id int64, versionID string) ([]vstore.BinaryReference, error) {
	d, err := o.GetDescriptor(ctx, id, versionID)
	if err != nil {
		return nil, err
	}
	return d.BinaryReferences(), nil
}

// GetVersionsAfter returns the surviving versions of id written after
// initialVersionID, oldest first. Version indexes are those of the full
// history. An empty initialVersionID returns the whole history; an
// initialVersionID that is not a surviving version yields ErrNotFound.
func (o *Objects) GetVersionsAfter(ctx context.Context, id int64, initialVersionID string) ([]vstore.VersionRecord[vstore.ObjectDescriptor], error) {
	versions, err := o.GetVersions(ctx, id)
	if err != nil || initialVersionID == "" {
		return versions, err
	}
	for i, v := range versions {
		if v.VersionID() == initialVersionID {
			return versions[i+1:], nil
		}
	}
	return nil, o.resourceError("get versions after", id, initialVersionID, vstore.ErrNotFound)
}

// ElementVersion tells in which object version an element last changed
type ElementVersion struct {
	ElementID    int64     `json:"elementId"`
	TemplateCode int       `json:"templateCode"`
	VersionID    string    `json:"versionId"`
	LastModified time.Time `json:"lastModified"`
}

// ElementsLatestVersions returns, for every element of the latest version of
// id, the version in which its value last changed.
func (o *Objects) ElementsLatestVersions(ctx context.Context, id int64) ([]ElementVersion, error) {
	versions, err := o.GetVersions(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, o.resourceError("get elements latest versions", id, "", vstore.ErrNotFound)
	}

	changed := make(map[int]vstore.Header)
	var prev *vstore.ObjectDescriptor
	for _, v := range versions {
		for _, code := range vstore.ModifiedElements(prev, v.Descriptor) {
			changed[code] = v.Descriptor.Header
		}
		d := v.Descriptor
		prev = &d
	}

	latest := versions[len(versions)-1].Descriptor
	out := make([]ElementVersion, 0, len(latest.Elements))
	for _, e := range latest.Elements {
		h := changed[e.TemplateCode]
		out = append(out, ElementVersion{
			ElementID:    e.ID,
			TemplateCode: e.TemplateCode,
			VersionID:    h.VersionID,
			LastModified: h.LastModified,
		})
	}
	return out, nil
}

// ImageSize is the pixel size of a size-specific image
type ImageSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// SizeSpecificImage is one pre-rendered size of an image element
type SizeSpecificImage struct {
	Raw  string    `json:"raw"`
	Size ImageSize `json:"size"`
}

// ImageElementValue is the value of an image element
type ImageElementValue struct {
	Raw                string              `json:"raw"`
	Filename           string              `json:"filename,omitempty"`
	Filesize           int64               `json:"filesize,omitempty"`
	SizeSpecificImages []SizeSpecificImage `json:"sizeSpecificImages,omitempty"`
}

func isImage(t vstore.ElementType) bool {
	switch t {
	case vstore.ElementBitmapImage, vstore.ElementVectorImage,
		vstore.ElementCompositeBitmapImage, vstore.ElementScalableBitmapImage:
		return true
	default:
		return false
	}
}

// GetImageElementValue returns the value of the image element with
// templateCode in one object version. A missing element yields ErrNotFound;
// an element that is not an image or holds no parsable value yields
// ErrInvalidDescriptor.
func (o *Objects) GetImageElementValue(ctx context.Context, id int64, versionID string, templateCode int) (ImageElementValue, error) {
	d, err := o.GetDescriptor(ctx, id, versionID)
	if err != nil {
		return ImageElementValue{}, err
	}
	for _, e := range d.Elements {
		if e.TemplateCode != templateCode {
			continue
		}
		if !isImage(e.Type) {
			return ImageElementValue{}, o.resourceError("get image element", id, d.VersionID,
				fmt.Errorf("%w: element %d is %s, not an image", vstore.ErrInvalidDescriptor, templateCode, e.Type))
		}
		var v ImageElementValue
		if err := json.Unmarshal(e.Value, &v); err != nil {
			return ImageElementValue{}, o.resourceError("get image element", id, d.VersionID,
				fmt.Errorf("%w: malformed value of element %d: %v", vstore.ErrInvalidDescriptor, templateCode, err))
		}
		return v, nil
	}
	return ImageElementValue{}, o.resourceError("get image element", id, d.VersionID,
		fmt.Errorf("element %d: %w", templateCode, vstore.ErrNotFound))
}

// GetTemplateDescriptor returns a template version through the templates
// reader given with WithTemplates.
func (o *Objects) GetTemplateDescriptor(ctx context.Context, templateID int64, versionID string) (vstore.TemplateDescriptor, error) {
	if o.templates == nil {
		return vstore.TemplateDescriptor{}, ErrNoTemplates
	}
	return o.templates.GetDescriptor(ctx, templateID, versionID)
}

// ObjectTemplate returns the template version an object version was built
// from.
func (o *Objects) ObjectTemplate(ctx context.Context, id int64, versionID string) (vstore.TemplateDescriptor, error) {
	d, err := o.GetDescriptor(ctx, id, versionID)
	if err != nil {
		return vstore.TemplateDescriptor{}, err
	}
	return o.GetTemplateDescriptor(ctx, d.TemplateID, d.TemplateVersionID)
}
