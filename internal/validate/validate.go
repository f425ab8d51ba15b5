// Package validate provides the payload validators applied to every value a
// session receives from its peer.
package validate

import (
	"fmt"
	"math"
	"slices"
	"strings"
)

// Error codes (V100-V199).
const (
	CodeWrongType    = "V100" // value has the wrong JSON type
	CodeMissingField = "V101" // required object field is absent
	CodeUnknownField = "V102" // object carries a field not in the shape
	CodeOutOfRange   = "V103" // number or length outside the allowed bounds
	CodeNotAllowed   = "V104" // value not in the allowed set
	CodeSchema       = "V110" // value does not satisfy a CUE schema
)

// Func checks a canonical value and returns an *Error when it is rejected.
type Func func(v any) error

// Error describes why a value was rejected.
type Error struct {
	Path    string `json:"path"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Path, e.Message)
}

// Check runs f on v. A nil f rejects every value.
func Check(f Func, v any) error {
	if f == nil {
		return &Error{Path: "$", Message: "no validator configured", Code: CodeNotAllowed}
	}
	return f(v)
}

func errorf(code, path, format string, args ...any) error {
	return &Error{Path: path, Message: fmt.Sprintf(format, args...), Code: code}
}

// at re-roots errors produced by a nested validator under path.
func at(path string, err error) error {
	if e, ok := err.(*Error); ok {
		return &Error{Path: path + strings.TrimPrefix(e.Path, "$"), Message: e.Message, Code: e.Code}
	}
	return err
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case float64:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	}
	return fmt.Sprintf("%T", v)
}

// Any accepts every value.
func Any() Func {
	return func(any) error { return nil }
}

// String accepts strings.
func String() Func {
	return func(v any) error {
		if _, ok := v.(string); !ok {
			return errorf(CodeWrongType, "$", "expected string, got %s", typeName(v))
		}
		return nil
	}
}

// Number accepts any number.
func Number() Func {
	return func(v any) error {
		if _, ok := v.(float64); !ok {
			return errorf(CodeWrongType, "$", "expected number, got %s", typeName(v))
		}
		return nil
	}
}

// Integer accepts numbers without a fractional part.
func Integer() Func {
	return func(v any) error {
		f, ok := v.(float64)
		if !ok {
			return errorf(CodeWrongType, "$", "expected integer, got %s", typeName(v))
		}
		if f != math.Trunc(f) {
			return errorf(CodeWrongType, "$", "expected integer, got %v", f)
		}
		return nil
	}
}

// Range accepts numbers within [lo, hi).
func Range(lo, hi float64) Func {
	return func(v any) error {
		f, ok := v.(float64)
		if !ok {
			return errorf(CodeWrongType, "$", "expected number, got %s", typeName(v))
		}
		if f < lo || f >= hi {
			return errorf(CodeOutOfRange, "$", "%v outside [%v, %v)", f, lo, hi)
		}
		return nil
	}
}

// Bool accepts booleans.
func Bool() Func {
	return func(v any) error {
		if _, ok := v.(bool); !ok {
			return errorf(CodeWrongType, "$", "expected boolean, got %s", typeName(v))
		}
		return nil
	}
}

// MaxLength accepts strings of at most n runes.
func MaxLength(n int) Func {
	return func(v any) error {
		s, ok := v.(string)
		if !ok {
			return errorf(CodeWrongType, "$", "expected string, got %s", typeName(v))
		}
		if got := len([]rune(s)); got > n {
			return errorf(CodeOutOfRange, "$", "length %d exceeds %d", got, n)
		}
		return nil
	}
}

// Enum accepts exactly the listed strings.
func Enum(allowed ...string) Func {
	return func(v any) error {
		s, ok := v.(string)
		if !ok {
			return errorf(CodeWrongType, "$", "expected string, got %s", typeName(v))
		}
		if !slices.Contains(allowed, s) {
			return errorf(CodeNotAllowed, "$", "%q is not one of %v", s, allowed)
		}
		return nil
	}
}

// Optional accepts null or whatever f accepts.
func Optional(f Func) Func {
	return func(v any) error {
		if v == nil {
			return nil
		}
		return f(v)
	}
}

// ArrayOf accepts arrays whose every element satisfies elem.
func ArrayOf(elem Func) Func {
	return func(v any) error {
		arr, ok := v.([]any)
		if !ok {
			return errorf(CodeWrongType, "$", "expected array, got %s", typeName(v))
		}
		for i, e := range arr {
			if err := elem(e); err != nil {
				return at(fmt.Sprintf("$[%d]", i), err)
			}
		}
		return nil
	}
}

// Object accepts objects with exactly the given fields. Fields wrapped in
// Optional may be absent.
func Object(fields map[string]Func) Func {
	return func(v any) error {
		obj, ok := v.(map[string]any)
		if !ok {
			return errorf(CodeWrongType, "$", "expected object, got %s", typeName(v))
		}
		for _, k := range sortedNames(obj) {
			if _, known := fields[k]; !known {
				return errorf(CodeUnknownField, "$."+k, "unexpected field")
			}
		}
		for _, k := range sortedNames(fields) {
			val, present := obj[k]
			if err := fields[k](val); err != nil {
				if !present {
					return errorf(CodeMissingField, "$."+k, "required field is missing")
				}
				return at("$."+k, err)
			}
		}
		return nil
	}
}

// OneOf accepts values satisfying at least one of the alternatives.
func OneOf(alternatives ...Func) Func {
	return func(v any) error {
		var first error
		for _, alt := range alternatives {
			err := alt(v)
			if err == nil {
				return nil
			}
			if first == nil {
				first = err
			}
		}
		if first == nil {
			return errorf(CodeNotAllowed, "$", "no alternatives")
		}
		return first
	}
}

func sortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}
