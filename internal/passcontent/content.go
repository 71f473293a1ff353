package passcontent

import (
	"bytes"
	"encoding/json"
	"fmt"

	"wallet-pass-backend/internal/model"
)

// MaxContentBytes is the hard ceiling on serialized pass content.
const MaxContentBytes = 10240

// Field is one entry of a field group. Attributes other than key, label,
// value and changeMessage (textAlignment, dateStyle, ...) are kept in Extra.
type Field struct {
	Key           string
	Label         string
	Value         any
	ChangeMessage string
	Extra         map[string]any
}

// MarshalJSON writes the field back with its extra attributes.
func (f Field) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(f.Extra)+4)
	for k, v := range f.Extra {
		out[k] = v
	}
	out["key"] = f.Key
	if f.Label != "" {
		out["label"] = f.Label
	}
	out["value"] = f.Value
	if f.ChangeMessage != "" {
		out["changeMessage"] = f.ChangeMessage
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads a field, keeping unknown attributes. Numbers are kept
// as json.Number so they are written back digit for digit.
func (f *Field) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	*f = Field{}
	for k, v := range raw {
		switch k {
		case "key":
			s, ok := v.(string)
			if !ok {
				return fmt.Errorf("field key must be a string, got %T", v)
			}
			f.Key = s
		case "label":
			if v != nil {
				f.Label = fmt.Sprint(v)
			}
		case "value":
			f.Value = v
		case "changeMessage":
			if v != nil {
				f.ChangeMessage = fmt.Sprint(v)
			}
		default:
			if f.Extra == nil {
				f.Extra = make(map[string]any)
			}
			f.Extra[k] = v
		}
	}
	return nil
}

// Locator addresses one field inside a Content.
type Locator struct {
	Group model.FieldGroup
	Index int
}

// Content is the structured body of a pass: five ordered field groups plus
// any other top-level keys, which are carried through untouched.
type Content struct {
	groups map[model.FieldGroup][]Field
	extra  map[string]json.RawMessage
}

// GroupKey returns the JSON key of a field group ("primaryFields", ...).
func GroupKey(g model.FieldGroup) string {
	return string(g) + "Fields"
}

// Parse decodes stored pass content. Empty input yields empty content.
func Parse(raw string) (*Content, error) {
	c := &Content{
		groups: make(map[model.FieldGroup][]Field),
		extra:  make(map[string]json.RawMessage),
	}
	if raw == "" {
		return c, nil
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &top); err != nil {
		return nil, fmt.Errorf("failed to decode pass content: %w", err)
	}

	for key, value := range top {
		group, ok := groupForKey(key)
		if !ok {
			c.extra[key] = value
			continue
		}
		var fields []Field
		if err := json.Unmarshal(value, &fields); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", key, err)
		}
		if fields == nil {
			fields = []Field{}
		}
		c.groups[group] = fields
	}
	return c, nil
}

func groupForKey(key string) (model.FieldGroup, bool) {
	for _, g := range model.FieldGroups {
		if GroupKey(g) == key {
			return g, true
		}
	}
	return "", false
}

// Marshal serializes the content. Groups that were never present stay absent.
func (c *Content) Marshal() ([]byte, error) {
	out := make(map[string]any, len(c.extra)+len(c.groups))
	for k, v := range c.extra {
		out[k] = v
	}
	for g, fields := range c.groups {
		out[GroupKey(g)] = fields
	}
	return json.Marshal(out)
}

// Fields returns the fields of one group.
func (c *Content) Fields(g model.FieldGroup) []Field {
	return c.groups[g]
}

// Locate finds a key by group priority; the first match wins.
func (c *Content) Locate(key string) (Locator, bool) {
	for _, g := range model.FieldGroups {
		for i, f := range c.groups[g] {
			if f.Key == key {
				return Locator{Group: g, Index: i}, true
			}
		}
	}
	return Locator{}, false
}

// At returns the field a locator points at.
func (c *Content) At(loc Locator) *Field {
	return &c.groups[loc.Group][loc.Index]
}

// Append adds a field at the end of a group and returns its locator.
func (c *Content) Append(g model.FieldGroup, f Field) Locator {
	c.groups[g] = append(c.groups[g], f)
	return Locator{Group: g, Index: len(c.groups[g]) - 1}
}

// Get returns the value of a key, if present.
func (c *Content) Get(key string) (any, bool) {
	loc, ok := c.Locate(key)
	if !ok {
		return nil, false
	}
	return c.At(loc).Value, true
}
