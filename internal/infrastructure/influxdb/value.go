package influxdb

import "strconv"

// maxSafeInteger is the largest integer a float64 can hold without loss.
// Integers beyond this keep their own integer series rather than being
// silently rounded.
const maxSafeInteger = int64(1) << 53

// Kind identifies the scalar type of a telemetry value.
//
// The store pins one kind per (device, measurement) series at first
// write; later writes must match or be coercible.
type Kind int

const (
	// KindUnknown is the zero value; no series exists yet.
	KindUnknown Kind = iota
	KindInt
	KindFloat
	KindBool
	KindText
)

// String returns the kind name used in rejection reasons and logs.
func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindText:
		return "text"
	default:
		return "unknown"
	}
}

// Value is a tagged scalar telemetry value.
//
// All type coercion between kinds happens through this type, so the
// coercion rules exist in exactly one place.
type Value struct {
	kind Kind
	i    int64
	f    float64
	b    bool
	s    string
}

// IntValue returns a Value holding an integer.
func IntValue(v int64) Value { return Value{kind: KindInt, i: v} }

// FloatValue returns a Value holding a float.
func FloatValue(v float64) Value { return Value{kind: KindFloat, f: v} }

// BoolValue returns a Value holding a bool.
func BoolValue(v bool) Value { return Value{kind: KindBool, b: v} }

// TextValue returns a Value holding a string.
func TextValue(v string) Value { return Value{kind: KindText, s: v} }

// Kind returns the value's scalar type.
func (v Value) Kind() Kind { return v.kind }

// Int returns the integer payload. Valid only for KindInt.
func (v Value) Int() int64 { return v.i }

// Float returns the float payload. Valid only for KindFloat.
func (v Value) Float() float64 { return v.f }

// Bool returns the bool payload. Valid only for KindBool.
func (v Value) Bool() bool { return v.b }

// Text returns the string payload. Valid only for KindText.
func (v Value) Text() string { return v.s }

// Interface returns the payload as the native Go type the store client
// expects in a field map.
func (v Value) Interface() interface{} {
	switch v.kind {
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindBool:
		return v.b
	case KindText:
		return v.s
	default:
		return nil
	}
}

// String renders the payload for logs and rejection messages.
func (v Value) String() string {
	switch v.kind {
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindText:
		return v.s
	default:
		return ""
	}
}

// Canonical returns the value as written to a brand-new series.
//
// Integers that fit a float64 without loss become floats, so a series
// that starts with "21" can still accept "21.5" later (the int-then-float
// hazard). Integers beyond 2^53 keep their integer kind to preserve
// precision; everything else passes through unchanged.
func (v Value) Canonical() Value {
	if v.kind == KindInt && fitsFloat(v.i) {
		return FloatValue(float64(v.i))
	}
	return v
}

// CoerceTo attempts to convert the value to the series' pinned kind.
//
// The only permitted conversion is int → float for integers that a
// float64 represents exactly. Every other cross-kind write is a
// permanent type conflict.
func (v Value) CoerceTo(k Kind) (Value, bool) {
	if v.kind == k {
		return v, true
	}
	if v.kind == KindInt && k == KindFloat && fitsFloat(v.i) {
		return FloatValue(float64(v.i)), true
	}
	return Value{}, false
}

// fitsFloat reports whether i survives a round trip through float64.
func fitsFloat(i int64) bool {
	return i >= -maxSafeInteger && i <= maxSafeInteger
}
