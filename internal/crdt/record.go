package crdt

import (
	"fmt"

	"boardcraft/internal/codec"
)

// Fields are the field values passed to Document.Set. Every value must
// be encodable as CBOR.
type Fields map[string]any

// Record is the merged state of one element: field name to the raw
// CBOR value of its winning register.
type Record map[string]codec.RawMessage

// Decode unpacks the record into v, which is typically a pointer to a
// struct with json or cbor field tags.
func (r Record) Decode(v any) error {
	data, err := codec.Marshal(map[string]codec.RawMessage(r))
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	if err := codec.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	return nil
}

// Field decodes the value of a single field into v. It reports false if
// the field is absent.
func (r Record) Field(name string, v any) (bool, error) {
	raw, ok := r[name]
	if !ok {
		return false, nil
	}
	if err := codec.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("decode field %q: %w", name, err)
	}
	return true, nil
}
