package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// TriState is a boolean the server may not have disclosed. Reblogged and
// favourited are only known when the viewer is authenticated; Unknown must
// never be read as False.
type TriState uint8

const (
	Unknown TriState = iota
	True
	False
)

// TriStateOf converts a known boolean.
func TriStateOf(b bool) TriState {
	if b {
		return True
	}
	return False
}

// Known reports whether the value was disclosed.
func (t TriState) Known() bool {
	return t == True || t == False
}

// Bool returns the value and whether it is known.
func (t TriState) Bool() (value, ok bool) {
	return t == True, t.Known()
}

func (t TriState) String() string {
	switch t {
	case True:
		return "true"
	case False:
		return "false"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes Unknown as null.
func (t TriState) MarshalJSON() ([]byte, error) {
	switch t {
	case True:
		return []byte("true"), nil
	case False:
		return []byte("false"), nil
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON accepts true, false and null.
func (t *TriState) UnmarshalJSON(data []byte) error {
	switch string(bytes.TrimSpace(data)) {
	case "true":
		*t = True
	case "false":
		*t = False
	case "null":
		*t = Unknown
	default:
		return fmt.Errorf("invalid tri-state value %s", data)
	}
	return nil
}

var _ json.Unmarshaler = (*TriState)(nil)
