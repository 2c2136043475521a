package model

import (
	"maps"
	"sort"
)

// Item is the unit of data flowing between stages.
//
// The execution engine only relies on ID. Value and Attrs are payload that
// stage implementations agree on; a stage that does not understand them
// passes them through untouched.
type Item struct {
	// ID is the stable identity of the item, e.g. a file path or a row key.
	ID string `json:"id"`

	// Stage is the name of the stage that produced the item.
	Stage string `json:"stage"`

	// Value is the primary textual payload.
	Value string `json:"value,omitempty"`

	// Attrs holds secondary payload such as EXIF tag names or SQL columns.
	Attrs map[string]string `json:"attrs,omitempty"`
}

// NewItem creates an Item whose value equals its identity.
func NewItem(stage, id string) Item {
	return Item{ID: id, Stage: stage, Value: id}
}

// WithAttr returns a copy of the item with the attribute set.
// The receiver is not modified so items can be shared between stages.
func (i Item) WithAttr(key, value string) Item {
	attrs := make(map[string]string, len(i.Attrs)+1)
	maps.Copy(attrs, i.Attrs)
	attrs[key] = value
	i.Attrs = attrs
	return i
}

// Attr returns the attribute value or an empty string.
func (i Item) Attr(key string) string {
	return i.Attrs[key]
}

// AttrKeys returns the attribute names in sorted order.
func (i Item) AttrKeys() []string {
	keys := make([]string, 0, len(i.Attrs))
	for k := range i.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// IsZero reports whether the item carries no identity.
func (i Item) IsZero() bool {
	return i.ID == "" && i.Stage == "" && i.Value == "" && len(i.Attrs) == 0
}
