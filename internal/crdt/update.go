package crdt

import (
	"errors"
	"fmt"

	"boardcraft/internal/codec"
)

// updateVersion is written into every encoded update. Decoders reject
// any other value.
const updateVersion = 1

// MaxClock is the largest Lamport clock a timestamp may carry. Decoders
// reject anything above it, so a single hostile frame cannot push a
// replica's clock to the point where local writes would overflow.
const MaxClock uint64 = 1<<53 - 1

// ErrMalformedUpdate is returned when an update cannot be decoded or
// fails validation. Document state is untouched when it is returned.
var ErrMalformedUpdate = errors.New("malformed update")

// Timestamp is a Lamport timestamp. Clock orders writes causally and
// PeerID breaks ties between concurrent writes with the same clock, so
// any two distinct timestamps are totally ordered.
type Timestamp struct {
	Clock  uint64 `cbor:"clock"`
	PeerID string `cbor:"peer"`
}

// After reports whether t wins over other under last-writer-wins.
func (t Timestamp) After(other Timestamp) bool {
	if t.Clock != other.Clock {
		return t.Clock > other.Clock
	}
	return t.PeerID > other.PeerID
}

// Update is the decoded form of a replication update. The same shape
// carries incremental deltas and full snapshots.
type Update struct {
	Version uint8      `cbor:"v"`
	Peer    string     `cbor:"peer"`
	Sets    []FieldSet `cbor:"sets,omitempty"`
	Removes []Removal  `cbor:"removes,omitempty"`
}

// FieldSet writes one field of one element.
type FieldSet struct {
	ID    string           `cbor:"id"`
	Field string           `cbor:"field"`
	Value codec.RawMessage `cbor:"value"`
	At    Timestamp        `cbor:"at"`
}

// Removal tombstones one element.
type Removal struct {
	ID string    `cbor:"id"`
	At Timestamp `cbor:"at"`
}

// EncodeUpdate stamps the current version on u and encodes it.
func EncodeUpdate(u Update) ([]byte, error) {
	u.Version = updateVersion
	data, err := codec.Marshal(u)
	if err != nil {
		return nil, fmt.Errorf("encode update: %w", err)
	}
	return data, nil
}

// DecodeUpdate decodes and validates an encoded update. Every failure
// wraps ErrMalformedUpdate.
func DecodeUpdate(data []byte) (Update, error) {
	var u Update
	if len(data) == 0 {
		return u, fmt.Errorf("%w: empty payload", ErrMalformedUpdate)
	}
	if err := codec.Unmarshal(data, &u); err != nil {
		return Update{}, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	if err := u.validate(); err != nil {
		return Update{}, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	return u, nil
}

func (u *Update) validate() error {
	if u.Version != updateVersion {
		return fmt.Errorf("unsupported version %d", u.Version)
	}
	for i, set := range u.Sets {
		switch {
		case set.ID == "":
			return fmt.Errorf("set %d: empty element id", i)
		case set.Field == "":
			return fmt.Errorf("set %d: empty field name", i)
		case len(set.Value) == 0:
			return fmt.Errorf("set %d: missing value", i)
		}
		if err := set.At.validate(); err != nil {
			return fmt.Errorf("set %d: %w", i, err)
		}
	}
	for i, removal := range u.Removes {
		if removal.ID == "" {
			return fmt.Errorf("remove %d: empty element id", i)
		}
		if err := removal.At.validate(); err != nil {
			return fmt.Errorf("remove %d: %w", i, err)
		}
	}
	return nil
}

func (t Timestamp) validate() error {
	if t.Clock == 0 {
		return errors.New("zero clock")
	}
	if t.Clock > MaxClock {
		return fmt.Errorf("clock %d above limit", t.Clock)
	}
	if t.PeerID == "" {
		return errors.New("empty peer id")
	}
	return nil
}
