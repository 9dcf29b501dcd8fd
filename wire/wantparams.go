package wire

import (
	"encoding/json"
	"fmt"
)

// ValueKind tags the concrete type of a WantValue. Kinds are part of the
// wire contract: integers are always 64-bit on the wire regardless of the
// in-memory width either side uses locally.
type ValueKind string

const (
	KindString ValueKind = "string"
	KindInt    ValueKind = "int"
	KindDouble ValueKind = "double"
	KindBool   ValueKind = "bool"
	KindBytes  ValueKind = "bytes"
)

// WantValue is one typed entry of a parameter bag. Exactly the field
// selected by Kind is meaningful.
type WantValue struct {
	Kind   ValueKind `json:"kind"`
	Str    string    `json:"str,omitempty"`
	Int    int64     `json:"int,omitempty"`
	Double float64   `json:"dbl,omitempty"`
	Bool   bool      `json:"bool,omitempty"`
	Bytes  []byte    `json:"bytes,omitempty"`
}

// WantParams is the typed key-value payload container that survives
// cross-device transfer. It is carried opaquely by Data commands; the engine
// never interprets entries.
type WantParams map[string]WantValue

func StringValue(v string) WantValue  { return WantValue{Kind: KindString, Str: v} }
func IntValue(v int64) WantValue      { return WantValue{Kind: KindInt, Int: v} }
func DoubleValue(v float64) WantValue { return WantValue{Kind: KindDouble, Double: v} }
func BoolValue(v bool) WantValue      { return WantValue{Kind: KindBool, Bool: v} }
func BytesValue(v []byte) WantValue   { return WantValue{Kind: KindBytes, Bytes: v} }

// UnmarshalJSON validates the kind tag so a malformed bag is rejected at
// decode time rather than surfacing as a zero value later.
func (v *WantValue) UnmarshalJSON(data []byte) error {
	type raw WantValue
	var r raw
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	switch r.Kind {
	case KindString, KindInt, KindDouble, KindBool, KindBytes:
	default:
		return fmt.Errorf("unknown want value kind %q", r.Kind)
	}
	*v = WantValue(r)
	return nil
}
