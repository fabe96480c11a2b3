// Package codec holds the CBOR configuration shared by every binary
// protocol in boardcraft: replication updates, snapshots and the relay
// cluster envelope.
//
// Encoding uses Core Deterministic Encoding (RFC 8949 §4.2) so that the
// same logical value always produces the same bytes. Snapshots of equal
// documents are therefore byte-identical.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Field values decoded into any must be usable as JSON, so maps
		// come back keyed by string.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		// Frames come from the network; cap nesting well below the
		// library default.
		MaxNestedLevels: 16,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// RawMessage is a raw encoded CBOR item.
type RawMessage = cbor.RawMessage

// Marshal encodes v with deterministic encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Wellformed reports whether data is exactly one well-formed CBOR item.
func Wellformed(data []byte) error {
	return decMode.Wellformed(data)
}
