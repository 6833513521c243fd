// Package validate holds the validator capability injected into the queue.
//
// A Validator inspects an item's destination and payload at append time. The
// queue never hard-codes message shapes: callers build a Validator from a
// structural Schema, a plain predicate (Func), or combine several with All.
package validate

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/snehjoshi/batchq/internal/types"
)

// Validator checks one item before it is queued.
type Validator interface {
	Validate(dest types.Destination, payload []byte) error
}

// Func adapts an ordinary function to Validator.
type Func func(dest types.Destination, payload []byte) error

// Validate calls f.
func (f Func) Validate(dest types.Destination, payload []byte) error { return f(dest, payload) }

// Predicate adapts a boolean payload check to Validator.
func Predicate(ok func(payload []byte) bool) Validator {
	return Func(func(_ types.Destination, payload []byte) error {
		if !ok(payload) {
			return errors.New("payload rejected")
		}
		return nil
	})
}

// All returns a Validator that runs every non-nil validator in order and
// returns the first failure.
func All(vs ...Validator) Validator {
	return Func(func(dest types.Destination, payload []byte) error {
		for _, v := range vs {
			if v == nil {
				continue
			}
			if err := v.Validate(dest, payload); err != nil {
				return err
			}
		}
		return nil
	})
}

// URLPart reports whether s can be used verbatim as one URL path segment:
// non-empty and made only of letters, digits, '-' and '_'.
func URLPart(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' {
			continue
		}
		return false
	}
	return true
}

// RequireParams returns a Validator that fails unless every key is present
// and non-empty in the destination parameters.
func RequireParams(keys ...string) Validator {
	return Func(func(dest types.Destination, _ []byte) error {
		var missing []string
		for _, k := range keys {
			if dest.Params[k] == "" {
				missing = append(missing, k)
			}
		}
		if len(missing) > 0 {
			return fmt.Errorf("destination is missing %s", strings.Join(missing, ", "))
		}
		return nil
	})
}

// NonEmpty rejects empty payloads.
var NonEmpty Validator = Func(func(_ types.Destination, payload []byte) error {
	if len(payload) == 0 {
		return errors.New("payload must not be empty")
	}
	return nil
})

// ─── Structural schemas ──────────────────────────────────────────────────────

// Kind is the JSON type a Schema node expects.
type Kind uint8

const (
	KindAny Kind = iota
	KindString
	KindNumber
	KindBool
	KindObject
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindObject:
		return "object"
	case KindList:
		return "list"
	default:
		return "any"
	}
}

// Schema describes the required shape of a JSON document. Object schemas list
// required fields; extra fields are allowed. List schemas constrain every
// element.
type Schema struct {
	Kind   Kind
	Fields map[string]Schema
	Elem   *Schema
}

// String, Number, Bool and Any are leaf schemas.
var (
	String = Schema{Kind: KindString}
	Number = Schema{Kind: KindNumber}
	Bool   = Schema{Kind: KindBool}
	Any    = Schema{Kind: KindAny}
)

// Object returns an object schema with the given required fields.
func Object(fields map[string]Schema) Schema { return Schema{Kind: KindObject, Fields: fields} }

// List returns a list schema whose elements follow elem.
func List(elem Schema) Schema { return Schema{Kind: KindList, Elem: &elem} }

// Check reports the first place where doc does not follow s.
func (s Schema) Check(doc any) error { return s.check("$", doc) }

func (s Schema) check(path string, doc any) error {
	switch s.Kind {
	case KindAny:
		return nil
	case KindString:
		if _, ok := doc.(string); !ok {
			return mismatch(path, s.Kind, doc)
		}
	case KindNumber:
		if _, ok := doc.(float64); !ok {
			return mismatch(path, s.Kind, doc)
		}
	case KindBool:
		if _, ok := doc.(bool); !ok {
			return mismatch(path, s.Kind, doc)
		}
	case KindObject:
		obj, ok := doc.(map[string]any)
		if !ok {
			return mismatch(path, s.Kind, doc)
		}
		keys := make([]string, 0, len(s.Fields))
		for k := range s.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			v, ok := obj[k]
			if !ok {
				return fmt.Errorf("%s.%s: required field missing", path, k)
			}
			if err := s.Fields[k].check(path+"."+k, v); err != nil {
				return err
			}
		}
	case KindList:
		list, ok := doc.([]any)
		if !ok {
			return mismatch(path, s.Kind, doc)
		}
		if s.Elem == nil {
			return nil
		}
		for i, v := range list {
			if err := s.Elem.check(fmt.Sprintf("%s[%d]", path, i), v); err != nil {
				return err
			}
		}
	}
	return nil
}

func mismatch(path string, want Kind, got any) error {
	return fmt.Errorf("%s: want %s, got %T", path, want, got)
}

// Validate decodes payload as JSON and checks it against s.
func (s Schema) Validate(_ types.Destination, payload []byte) error {
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("payload is not valid JSON: %w", err)
	}
	return s.Check(doc)
}

// Ensure Schema satisfies the interface at compile time.
var _ Validator = Schema{}
