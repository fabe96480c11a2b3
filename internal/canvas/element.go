// Package canvas defines the shape records drawn on a board and the
// local store that holds them for the UI.
package canvas

import (
	"errors"
	"fmt"

	"boardcraft/internal/crdt"
)

// ShapeType enumerates the kinds of element a board can hold.
type ShapeType string

const (
	Rect   ShapeType = "rect"
	Circle ShapeType = "circle"
	Text   ShapeType = "text"
)

// ErrInvalidElement is returned by Validate.
var ErrInvalidElement = errors.New("invalid element")

// Element is one positioned shape. ID is assigned once and never
// changes; every other field is mutable and replicated.
type Element struct {
	ID       string    `json:"id"`
	Type     ShapeType `json:"type"`
	X        float64   `json:"x"`
	Y        float64   `json:"y"`
	Rotation float64   `json:"rotation"`
	ScaleX   float64   `json:"scaleX"`
	ScaleY   float64   `json:"scaleY"`
	Width    float64   `json:"width,omitempty"`
	Height   float64   `json:"height,omitempty"`
	Radius   float64   `json:"radius,omitempty"`
	Text     string    `json:"text,omitempty"`
	FontSize float64   `json:"fontSize,omitempty"`
	Fill     string    `json:"fill"`
}

// Field names as they appear in the replicated document.
const (
	FieldType     = "type"
	FieldX        = "x"
	FieldY        = "y"
	FieldRotation = "rotation"
	FieldScaleX   = "scaleX"
	FieldScaleY   = "scaleY"
	FieldWidth    = "width"
	FieldHeight   = "height"
	FieldRadius   = "radius"
	FieldText     = "text"
	FieldFontSize = "fontSize"
	FieldFill     = "fill"
)

// WithDefaults fills the transform fields a freshly added shape leaves
// unset: no rotation, unit scale.
func (e Element) WithDefaults() Element {
	if e.ScaleX == 0 {
		e.ScaleX = 1
	}
	if e.ScaleY == 0 {
		e.ScaleY = 1
	}
	return e
}

// Validate checks that the element has an id, a known type and the
// fields its type needs.
func (e Element) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidElement)
	}
	switch e.Type {
	case Rect:
		if e.Width <= 0 || e.Height <= 0 {
			return fmt.Errorf("%w: rect %s needs positive width and height", ErrInvalidElement, e.ID)
		}
	case Circle:
		if e.Radius <= 0 {
			return fmt.Errorf("%w: circle %s needs a positive radius", ErrInvalidElement, e.ID)
		}
	case Text:
		if e.FontSize <= 0 {
			return fmt.Errorf("%w: text %s needs a positive font size", ErrInvalidElement, e.ID)
		}
	default:
		return fmt.Errorf("%w: unknown type %q for %s", ErrInvalidElement, e.Type, e.ID)
	}
	return nil
}

// Fields returns every replicated field of the element. Shape-specific
// fields are only included for the matching type.
func (e Element) Fields() crdt.Fields {
	fields := crdt.Fields{
		FieldType:     string(e.Type),
		FieldX:        e.X,
		FieldY:        e.Y,
		FieldRotation: e.Rotation,
		FieldScaleX:   e.ScaleX,
		FieldScaleY:   e.ScaleY,
		FieldFill:     e.Fill,
	}
	switch e.Type {
	case Rect:
		fields[FieldWidth] = e.Width
		fields[FieldHeight] = e.Height
	case Circle:
		fields[FieldRadius] = e.Radius
	case Text:
		fields[FieldText] = e.Text
		fields[FieldFontSize] = e.FontSize
	}
	return fields
}

// FromRecord rebuilds an element from its merged document record.
func FromRecord(id string, record crdt.Record) (Element, error) {
	var e Element
	if err := record.Decode(&e); err != nil {
		return Element{}, fmt.Errorf("element %s: %w", id, err)
	}
	e.ID = id
	return e, nil
}

// Patch is a partial update keyed by document field name.
type Patch map[string]any

// Apply returns a copy of e with the patch applied. Unknown keys are
// ignored.
func (p Patch) Apply(e Element) Element {
	for key, value := range p {
		switch key {
		case FieldType:
			if v, ok := value.(ShapeType); ok {
				e.Type = v
			} else if v, ok := value.(string); ok {
				e.Type = ShapeType(v)
			}
		case FieldText:
			if v, ok := value.(string); ok {
				e.Text = v
			}
		case FieldFill:
			if v, ok := value.(string); ok {
				e.Fill = v
			}
		default:
			if target := e.number(key); target != nil {
				if v, ok := toFloat(value); ok {
					*target = v
				}
			}
		}
	}
	return e
}

// Fields converts the patch into document fields, normalising numbers
// to float64 and rejecting keys that are not element fields.
func (p Patch) Fields() (crdt.Fields, error) {
	fields := make(crdt.Fields, len(p))
	var probe Element
	for key, value := range p {
		switch key {
		case FieldType:
			switch v := value.(type) {
			case ShapeType:
				fields[key] = string(v)
			case string:
				fields[key] = v
			default:
				return nil, fmt.Errorf("%w: %s must be a string", ErrInvalidElement, key)
			}
		case FieldText, FieldFill:
			v, ok := value.(string)
			if !ok {
				return nil, fmt.Errorf("%w: %s must be a string", ErrInvalidElement, key)
			}
			fields[key] = v
		default:
			if probe.number(key) == nil {
				return nil, fmt.Errorf("%w: unknown field %q", ErrInvalidElement, key)
			}
			v, ok := toFloat(value)
			if !ok {
				return nil, fmt.Errorf("%w: %s must be a number", ErrInvalidElement, key)
			}
			fields[key] = v
		}
	}
	return fields, nil
}

func (e *Element) number(field string) *float64 {
	switch field {
	case FieldX:
		return &e.X
	case FieldY:
		return &e.Y
	case FieldRotation:
		return &e.Rotation
	case FieldScaleX:
		return &e.ScaleX
	case FieldScaleY:
		return &e.ScaleY
	case FieldWidth:
		return &e.Width
	case FieldHeight:
		return &e.Height
	case FieldRadius:
		return &e.Radius
	case FieldFontSize:
		return &e.FontSize
	}
	return nil
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	}
	return 0, false
}

// DefaultElements returns the shapes a fresh board starts with.
func DefaultElements() []Element {
	return []Element{
		{ID: "1", Type: Rect, X: 100, Y: 100, Width: 100, Height: 80, Fill: "#ef4444", ScaleX: 1, ScaleY: 1},
		{ID: "2", Type: Circle, X: 300, Y: 150, Radius: 50, Fill: "#3b82f6", ScaleX: 1, ScaleY: 1},
		{ID: "3", Type: Text, X: 150, Y: 300, Text: "Hello BoardCraft!", FontSize: 24, Fill: "#333", ScaleX: 1, ScaleY: 1},
	}
}
