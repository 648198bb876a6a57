package vstore

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ElementType is the kind of a template or object element
type ElementType string

const (
	ElementPlainText            ElementType = "plainText"
	ElementFormattedText        ElementType = "formattedText"
	ElementFasComment           ElementType = "fasComment"
	ElementLink                 ElementType = "link"
	ElementBitmapImage          ElementType = "bitmapImage"
	ElementVectorImage          ElementType = "vectorImage"
	ElementArticle              ElementType = "article"
	ElementDate                 ElementType = "date"
	ElementPhone                ElementType = "phone"
	ElementColorCode            ElementType = "colorCode"
	ElementCompositeBitmapImage ElementType = "compositeBitmapImage"
	ElementScalableBitmapImage  ElementType = "scalableBitmapImage"
)

// IsBinary reports whether values of this element type reference binary files.
func (t ElementType) IsBinary() bool {
	switch t {
	case ElementBitmapImage, ElementVectorImage, ElementArticle,
		ElementCompositeBitmapImage, ElementScalableBitmapImage:
		return true
	default:
		return false
	}
}

// TemplateElement describes one element slot of a template
type TemplateElement struct {
	TemplateCode int             `json:"templateCode"`
	Type         ElementType     `json:"type"`
	Properties   json.RawMessage `json:"properties,omitempty"`
	Constraints  json.RawMessage `json:"constraints,omitempty"`
}

// ObjectElement is a filled element of an object
type ObjectElement struct {
	ID           int64           `json:"id"`
	TemplateCode int             `json:"templateCode"`
	Type         ElementType     `json:"type"`
	Properties   json.RawMessage `json:"properties,omitempty"`
	Constraints  json.RawMessage `json:"constraints,omitempty"`
	Value        json.RawMessage `json:"value,omitempty"`
}

// TemplateDescriptor is one immutable version of a template
type TemplateDescriptor struct {
	Header
	Properties json.RawMessage   `json:"properties"`
	Elements   []TemplateElement `json:"elements"`
}

// ObjectDescriptor is one immutable version of an object
type ObjectDescriptor struct {
	Header
	TemplateID        int64           `json:"templateId"`
	TemplateVersionID string          `json:"templateVersionId"`
	Language          string          `json:"language,omitempty"`
	Properties        json.RawMessage `json:"properties"`
	Elements          []ObjectElement `json:"elements"`
}

// Clone returns a deep copy of d
func (d TemplateDescriptor) Clone() TemplateDescriptor {
	d.Properties = cloneRaw(d.Properties)
	if d.Elements != nil {
		elements := make([]TemplateElement, len(d.Elements))
		for i, e := range d.Elements {
			e.Properties = cloneRaw(e.Properties)
			e.Constraints = cloneRaw(e.Constraints)
			elements[i] = e
		}
		d.Elements = elements
	}
	return d
}

// Clone returns a deep copy of d
func (d ObjectDescriptor) Clone() ObjectDescriptor {
	d.Properties = cloneRaw(d.Properties)
	if d.Elements != nil {
		elements := make([]ObjectElement, len(d.Elements))
		for i, e := range d.Elements {
			elements[i] = e.clone()
		}
		d.Elements = elements
	}
	return d
}

func (e ObjectElement) clone() ObjectElement {
	e.Properties = cloneRaw(e.Properties)
	e.Constraints = cloneRaw(e.Constraints)
	e.Value = cloneRaw(e.Value)
	return e
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

type templateBody struct {
	Properties json.RawMessage `json:"properties"`
	Elements   json.RawMessage `json:"elements"`
}

type objectBody struct {
	TemplateID        int64           `json:"templateId"`
	TemplateVersionID string          `json:"templateVersionId"`
	Language          string          `json:"language,omitempty"`
	Properties        json.RawMessage `json:"properties"`
	Elements          json.RawMessage `json:"elements"`
}

func decodeElements(raw json.RawMessage, v any) error {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return fmt.Errorf("%w: descriptor doesn't contain 'elements'", ErrInvalidDescriptor)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: malformed elements: %v", ErrInvalidDescriptor, err)
	}
	return nil
}

// DecodeTemplate parses a stored template body. Identity comes from h.
func DecodeTemplate(h Header, body []byte) (TemplateDescriptor, error) {
	var b templateBody
	if err := json.Unmarshal(body, &b); err != nil {
		return TemplateDescriptor{}, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}
	d := TemplateDescriptor{Header: h, Properties: b.Properties}
	if err := decodeElements(b.Elements, &d.Elements); err != nil {
		return TemplateDescriptor{}, err
	}
	return d, nil
}

// EncodeTemplate renders the stored body of a template. Header fields are not part of it.
func EncodeTemplate(d TemplateDescriptor) ([]byte, error) {
	elements, err := json.Marshal(nonNil(d.Elements))
	if err != nil {
		return nil, err
	}
	return json.Marshal(templateBody{Properties: d.Properties, Elements: elements})
}

// DecodeObject parses a stored object body. Identity comes from h.
func DecodeObject(h Header, body []byte) (ObjectDescriptor, error) {
	var b objectBody
	if err := json.Unmarshal(body, &b); err != nil {
		return ObjectDescriptor{}, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}
	d := ObjectDescriptor{
		Header:            h,
		TemplateID:        b.TemplateID,
		TemplateVersionID: b.TemplateVersionID,
		Language:          b.Language,
		Properties:        b.Properties,
	}
	if err := decodeElements(b.Elements, &d.Elements); err != nil {
		return ObjectDescriptor{}, err
	}
	return d, nil
}

// EncodeObject renders the stored body of an object.
func EncodeObject(d ObjectDescriptor) ([]byte, error) {
	elements, err := json.Marshal(nonNil(d.Elements))
	if err != nil {
		return nil, err
	}
	return json.Marshal(objectBody{
		TemplateID:        d.TemplateID,
		TemplateVersionID: d.TemplateVersionID,
		Language:          d.Language,
		Properties:        d.Properties,
		Elements:          elements,
	})
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

type binaryValue struct {
	Raw                string `json:"raw"`
	SizeSpecificImages []struct {
		Raw string `json:"raw"`
	} `json:"sizeSpecificImages"`
}

// BinaryReferences returns the binary file keys referenced by the object's
// binary elements. Elements with empty or unparsable values are skipped.
func (d ObjectDescriptor) BinaryReferences() []BinaryReference {
	var refs []BinaryReference
	for _, e := range d.Elements {
		if !e.Type.IsBinary() || len(e.Value) == 0 {
			continue
		}
		var v binaryValue
		if err := json.Unmarshal(e.Value, &v); err != nil {
			continue
		}
		add := func(key string) {
			if key == "" {
				return
			}
			refs = append(refs, BinaryReference{
				ObjectID:     d.ID,
				VersionID:    d.VersionID,
				TemplateCode: e.TemplateCode,
				FileKey:      key,
			})
		}
		add(v.Raw)
		for _, img := range v.SizeSpecificImages {
			add(img.Raw)
		}
	}
	return refs
}

// ModifiedElements returns the template codes of elements whose value differs
// from prev. With no previous version every element counts as modified.
func ModifiedElements(prev *ObjectDescriptor, cur ObjectDescriptor) []int {
	codes := make([]int, 0, len(cur.Elements))
	if prev == nil {
		for _, e := range cur.Elements {
			codes = append(codes, e.TemplateCode)
		}
		return codes
	}
	before := make(map[int]json.RawMessage, len(prev.Elements))
	for _, e := range prev.Elements {
		before[e.TemplateCode] = e.Value
	}
	for _, e := range cur.Elements {
		old, ok := before[e.TemplateCode]
		if !ok || !sameJSON(old, e.Value) {
			codes = append(codes, e.TemplateCode)
		}
	}
	return codes
}

func sameJSON(a, b json.RawMessage) bool {
	var ca, cb bytes.Buffer
	if json.Compact(&ca, a) != nil || json.Compact(&cb, b) != nil {
		return bytes.Equal(a, b)
	}
	return bytes.Equal(ca.Bytes(), cb.Bytes())
}
