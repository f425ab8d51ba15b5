package validate

import (
	"fmt"
	"math"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
)

// SchemaError reports a CUE schema that failed to compile.
type SchemaError struct {
	Message string
	Pos     token.Pos
}

func (e *SchemaError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("schema:%d:%d: %s", e.Pos.Line(), e.Pos.Column(), e.Message)
	}
	return "schema: " + e.Message
}

// Schema compiles CUE source into a validator. When the source defines
// #Payload, values are checked against that definition; otherwise against
// the whole file. Values must unify to a concrete result.
//
//	v, err := validate.Schema(`#Payload: {name: string, age: int & >=0}`)
func Schema(src string) (Func, error) {
	ctx := cuecontext.New()
	root := ctx.CompileString(src, cue.Filename("schema"))
	if err := root.Err(); err != nil {
		return nil, schemaError(err)
	}
	schema := root
	if def := root.LookupPath(cue.ParsePath("#Payload")); def.Exists() {
		schema = def
	}

	// A cue.Context is not safe for concurrent use.
	var mu sync.Mutex
	return func(v any) error {
		mu.Lock()
		defer mu.Unlock()

		val := ctx.Encode(integralize(v))
		if err := val.Err(); err != nil {
			return &Error{Path: "$", Message: err.Error(), Code: CodeSchema}
		}
		if err := schema.Unify(val).Validate(cue.Concrete(true)); err != nil {
			return &Error{Path: "$", Message: firstMessage(err), Code: CodeSchema}
		}
		return nil
	}, nil
}

// MustSchema is Schema for schemas known to compile.
func MustSchema(src string) Func {
	f, err := Schema(src)
	if err != nil {
		panic(err)
	}
	return f
}

// integralize turns whole float64 values into int64 so they unify with CUE's
// int kind.
func integralize(v any) any {
	switch x := v.(type) {
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			return int64(x)
		}
		return x
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = integralize(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = integralize(e)
		}
		return out
	}
	return v
}

func schemaError(err error) error {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return &SchemaError{Message: err.Error()}
	}
	out := &SchemaError{Message: errs[0].Error()}
	if pos := errors.Positions(errs[0]); len(pos) > 0 {
		out.Pos = pos[0]
	}
	return out
}

func firstMessage(err error) string {
	if errs := errors.Errors(err); len(errs) > 0 {
		return errs[0].Error()
	}
	return err.Error()
}
