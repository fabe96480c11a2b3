package main

import (
	"fmt"
	"strconv"
	"strings"

	"boardcraft/internal/canvas"
	"boardcraft/internal/collab"
)

// edit is one command-line change to the board.
type edit struct {
	id     string
	field  string
	value  any
	remove bool
}

// parseEdits turns --set id.field=value and --remove id flags into edits,
// sets first. Numeric values of numeric fields become numbers.
func parseEdits(sets, removes []string) ([]edit, error) {
	edits := make([]edit, 0, len(sets)+len(removes))
	for _, raw := range sets {
		target, value, ok := strings.Cut(raw, "=")
		if !ok {
			return nil, fmt.Errorf("--set %q: want id.field=value", raw)
		}
		dot := strings.LastIndex(target, ".")
		if dot <= 0 || dot == len(target)-1 {
			return nil, fmt.Errorf("--set %q: want id.field=value", raw)
		}
		e := edit{id: target[:dot], field: target[dot+1:], value: value}
		if !textField(e.field) {
			if n, err := strconv.ParseFloat(value, 64); err == nil {
				e.value = n
			}
		}
		edits = append(edits, e)
	}
	for _, id := range removes {
		if id == "" {
			return nil, fmt.Errorf("--remove: empty id")
		}
		edits = append(edits, edit{id: id, remove: true})
	}
	return edits, nil
}

func textField(field string) bool {
	switch field {
	case canvas.FieldType, canvas.FieldText, canvas.FieldFill:
		return true
	}
	return false
}

func (e edit) apply(adapter *collab.Adapter) error {
	if e.remove {
		return adapter.RemoveElement(e.id)
	}
	return adapter.UpdateElement(e.id, canvas.Patch{e.field: e.value})
}

func (e edit) String() string {
	if e.remove {
		return "remove " + e.id
	}
	return fmt.Sprintf("%s.%s=%v", e.id, e.field, e.value)
}
