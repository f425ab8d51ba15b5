// Package canon defines the plain-data value model shared by both ends of a
// session and the canonical JSON form used on the wire and in archives.
//
// A canonical value is one of nil, bool, float64, string, []any or
// map[string]any (recursively). Every payload crossing the session boundary
// is converted to this form first so that the local side observes exactly
// what the remote side will observe after decoding.
package canon

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"unicode/utf8"
)

type undefined struct{}

func (undefined) String() string { return "undefined" }

// Undefined marks an absent value. It is only meaningful at the top level of
// an encode call; inside containers it is rejected.
var Undefined any = undefined{}

// IsUndefined reports whether v is the absent-value marker.
func IsUndefined(v any) bool {
	_, ok := v.(undefined)
	return ok
}

// maxSafeInteger is the largest integer exactly representable as a float64
// without loss of neighbouring values.
const maxSafeInteger = 1<<53 - 1

// RoundTripError reports a value that would not survive encode then decode
// unchanged.
type RoundTripError struct {
	Path   string
	Reason string
}

func (e *RoundTripError) Error() string {
	return fmt.Sprintf("value at %s cannot round-trip: %s", e.Path, e.Reason)
}

// IsRoundTripError reports whether err is (or wraps) a RoundTripError.
func IsRoundTripError(err error) bool {
	var rt *RoundTripError
	return asError(err, &rt)
}

// Canonicalize returns a deep copy of v made only of canonical values.
//
// Integers are accepted when exactly representable as float64. NaN, the
// infinities, negative zero, cycles, invalid UTF-8, Undefined inside a
// container, and anything that is not plain data (structs without a
// json.Marshaler, pointers, funcs, channels) are rejected with a
// *RoundTripError.
func Canonicalize(v any) (any, error) {
	if IsUndefined(v) {
		return Undefined, nil
	}
	c := canonicalizer{onPath: make(map[visit]bool)}
	return c.value(v, "$")
}

type visit struct {
	ptr  uintptr
	kind reflect.Kind
	n    int
}

type canonicalizer struct {
	onPath map[visit]bool
}

func (c *canonicalizer) value(v any, path string) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case undefined:
		return nil, &RoundTripError{Path: path, Reason: "undefined inside a container"}
	case bool:
		return x, nil
	case string:
		if !utf8.ValidString(x) {
			return nil, &RoundTripError{Path: path, Reason: "string is not valid UTF-8"}
		}
		return x, nil
	case float64:
		return checkFloat(x, path)
	case float32:
		return checkFloat(float64(x), path)
	case int:
		return checkInt(int64(x), path)
	case int8:
		return float64(x), nil
	case int16:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int64:
		return checkInt(x, path)
	case uint:
		return checkUint(uint64(x), path)
	case uint8:
		return float64(x), nil
	case uint16:
		return float64(x), nil
	case uint32:
		return float64(x), nil
	case uint64:
		return checkUint(x, path)
	case json.Number:
		f, err := strconv.ParseFloat(string(x), 64)
		if err != nil {
			return nil, &RoundTripError{Path: path, Reason: "number out of range"}
		}
		return checkFloat(f, path)
	case json.RawMessage:
		return parseAt(x, path)
	case json.Marshaler:
		data, err := x.MarshalJSON()
		if err != nil {
			return nil, &RoundTripError{Path: path, Reason: err.Error()}
		}
		return parseAt(data, path)
	case []any:
		return c.slice(reflect.ValueOf(x), path)
	case map[string]any:
		return c.object(reflect.ValueOf(x), path)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		return c.slice(rv, path)
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, &RoundTripError{Path: path, Reason: "map keys must be strings"}
		}
		return c.object(rv, path)
	case reflect.String:
		return c.value(rv.String(), path)
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.Float32, reflect.Float64:
		return checkFloat(rv.Float(), path)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return checkInt(rv.Int(), path)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return checkUint(rv.Uint(), path)
	}
	return nil, &RoundTripError{Path: path, Reason: fmt.Sprintf("%T is not plain data", v)}
}

func (c *canonicalizer) enter(rv reflect.Value, path string) (visit, error) {
	if rv.Kind() == reflect.Array || rv.Len() == 0 {
		return visit{}, nil
	}
	key := visit{ptr: rv.Pointer(), kind: rv.Kind(), n: rv.Len()}
	if c.onPath[key] {
		return visit{}, &RoundTripError{Path: path, Reason: "cyclic reference"}
	}
	c.onPath[key] = true
	return key, nil
}

func (c *canonicalizer) leave(key visit) {
	if key.ptr != 0 {
		delete(c.onPath, key)
	}
}

func (c *canonicalizer) slice(rv reflect.Value, path string) (any, error) {
	if rv.Kind() == reflect.Slice && rv.IsNil() {
		return []any{}, nil
	}
	key, err := c.enter(rv, path)
	if err != nil {
		return nil, err
	}
	defer c.leave(key)

	out := make([]any, rv.Len())
	for i := range out {
		elem, err := c.value(rv.Index(i).Interface(), path+"["+strconv.Itoa(i)+"]")
		if err != nil {
			return nil, err
		}
		out[i] = elem
	}
	return out, nil
}

func (c *canonicalizer) object(rv reflect.Value, path string) (any, error) {
	if rv.IsNil() {
		return map[string]any{}, nil
	}
	key, err := c.enter(rv, path)
	if err != nil {
		return nil, err
	}
	defer c.leave(key)

	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		k := iter.Key().String()
		if !utf8.ValidString(k) {
			return nil, &RoundTripError{Path: path, Reason: "key is not valid UTF-8"}
		}
		elem, err := c.value(iter.Value().Interface(), path+"."+k)
		if err != nil {
			return nil, err
		}
		out[k] = elem
	}
	return out, nil
}

func checkFloat(f float64, path string) (any, error) {
	switch {
	case math.IsNaN(f):
		return nil, &RoundTripError{Path: path, Reason: "NaN"}
	case math.IsInf(f, 0):
		return nil, &RoundTripError{Path: path, Reason: "infinite number"}
	case f == 0 && math.Signbit(f):
		return nil, &RoundTripError{Path: path, Reason: "negative zero"}
	}
	return f, nil
}

func checkInt(n int64, path string) (any, error) {
	if n > maxSafeInteger || n < -maxSafeInteger {
		return nil, &RoundTripError{Path: path, Reason: "integer exceeds 2^53"}
	}
	return float64(n), nil
}

func checkUint(n uint64, path string) (any, error) {
	if n > maxSafeInteger {
		return nil, &RoundTripError{Path: path, Reason: "integer exceeds 2^53"}
	}
	return float64(n), nil
}
