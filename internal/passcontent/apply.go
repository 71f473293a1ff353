package passcontent

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"wallet-pass-backend/internal/model"
)

var (
	// ErrUnknownField is returned when a key is not permitted by the template.
	ErrUnknownField = errors.New("field not defined by template")
	// ErrContentTooLarge is returned when mutated content exceeds MaxContentBytes.
	ErrContentTooLarge = errors.New("pass content exceeds size limit")
)

// UnknownFieldError lists every rejected key.
type UnknownFieldError struct {
	Keys []string
}

func (e *UnknownFieldError) Error() string {
	return fmt.Sprintf("%v: %s", ErrUnknownField, strings.Join(e.Keys, ", "))
}

func (e *UnknownFieldError) Unwrap() error {
	return ErrUnknownField
}

// PermittedKeys maps every key a template allows to the group it is declared
// in. A key declared in several groups resolves to the highest-priority one.
func PermittedKeys(fields model.TemplateFields) map[string]model.FieldDefinition {
	permitted := make(map[string]model.FieldDefinition)
	for _, g := range model.FieldGroups {
		for _, def := range fields[g] {
			if _, seen := permitted[def.Key]; !seen {
				permitted[def.Key] = def
			}
		}
	}
	return permitted
}

func declaredGroup(fields model.TemplateFields, key string) model.FieldGroup {
	for _, g := range model.FieldGroups {
		for _, def := range fields[g] {
			if def.Key == key {
				return g
			}
		}
	}
	return ""
}

// Validate rejects the whole key set if any key is not template-permitted.
func Validate(fields model.TemplateFields, keys []string) error {
	permitted := PermittedKeys(fields)
	var unknown []string
	for _, k := range keys {
		if _, ok := permitted[k]; !ok {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return &UnknownFieldError{Keys: unknown}
	}
	return nil
}

// Apply validates values against the template and writes them into content.
// Keys missing from content are appended to the group the template declares.
// Nothing is written unless every key is valid.
func Apply(c *Content, fields model.TemplateFields, values map[string]string, changeMessages map[string]string) (model.FieldDiff, error) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	if err := Validate(fields, keys); err != nil {
		return nil, err
	}
	permitted := PermittedKeys(fields)

	diff := make(model.FieldDiff, len(keys))
	for _, key := range keys {
		newValue := values[key]
		loc, ok := c.Locate(key)
		if !ok {
			def := permitted[key]
			loc = c.Append(declaredGroup(fields, key), Field{Key: key, Label: def.Label})
		}
		field := c.At(loc)
		diff[key] = model.FieldChange{Old: field.Value, New: newValue}
		field.Value = newValue
		if msg, ok := changeMessages[key]; ok && msg != "" {
			field.ChangeMessage = msg
		}
	}
	return diff, nil
}

// Serialize marshals content and enforces MaxContentBytes.
func Serialize(c *Content) (string, error) {
	b, err := c.Marshal()
	if err != nil {
		return "", fmt.Errorf("failed to encode pass content: %w", err)
	}
	if len(b) > MaxContentBytes {
		return "", fmt.Errorf("%w: %d bytes (max %d)", ErrContentTooLarge, len(b), MaxContentBytes)
	}
	return string(b), nil
}
