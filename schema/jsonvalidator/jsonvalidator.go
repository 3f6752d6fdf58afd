// Package jsonvalidator implements schema.ValidatorAdapter on top of
// santhosh-tekuri/jsonschema. Schema handles may be precompiled
// *jsonschema.Schema values, raw JSON schema documents ([]byte or string),
// or already-unmarshaled documents (map[string]any). Raw documents are
// compiled once and cached by identity of the handle.
package jsonvalidator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/wskit/wskit/schema"
)

// Adapter validates values against JSON Schema documents.
type Adapter struct {
	mu       sync.Mutex
	compiled map[any]*jsonschema.Schema
}

// New returns an empty adapter. Compilation happens lazily on first use of
// each schema handle.
func New() *Adapter {
	return &Adapter{compiled: make(map[any]*jsonschema.Schema)}
}

// MustCompile compiles a raw JSON schema document into a handle suitable for
// schema.Descriptor fields. Panics on malformed schemas; intended for
// package-level descriptor declarations.
func MustCompile(doc string) *jsonschema.Schema {
	s, err := Compile([]byte(doc))
	if err != nil {
		panic(err)
	}
	return s
}

// Compile compiles a raw JSON schema document.
func Compile(doc []byte) (*jsonschema.Schema, error) {
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", parsed); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	s, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return s, nil
}

// Validate implements schema.ValidatorAdapter.
func (a *Adapter) Validate(sch any, value any) schema.Result {
	return a.validate(sch, value)
}

// ValidateOutgoing implements schema.ValidatorAdapter. Egress frames are
// validated with the same semantics as ingress.
func (a *Adapter) ValidateOutgoing(sch any, value any) schema.Result {
	return a.validate(sch, value)
}

func (a *Adapter) validate(sch any, value any) schema.Result {
	if sch == nil {
		return schema.Valid(value)
	}
	compiled, err := a.resolve(sch)
	if err != nil {
		return schema.Invalid(schema.Issue{Path: "", Message: err.Error()})
	}

	// jsonschema validates decoded JSON values. Values produced by the
	// router's JSON decode path already have that shape; everything else
	// (handler-built structs on the egress path) is round-tripped.
	doc, err := toJSONValue(value)
	if err != nil {
		return schema.Invalid(schema.Issue{Path: "", Message: err.Error()})
	}
	if err := compiled.Validate(doc); err != nil {
		return schema.Invalid(toIssues(err)...)
	}
	return schema.Valid(doc)
}

func (a *Adapter) resolve(sch any) (*jsonschema.Schema, error) {
	if s, ok := sch.(*jsonschema.Schema); ok {
		return s, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	key := cacheKey(sch)
	if s, ok := a.compiled[key]; ok {
		return s, nil
	}

	var doc []byte
	switch v := sch.(type) {
	case []byte:
		doc = v
	case string:
		doc = []byte(v)
	case json.RawMessage:
		doc = []byte(v)
	default:
		// Unmarshaled schema document.
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("unsupported schema handle %T: %w", sch, err)
		}
		doc = b
	}

	s, err := Compile(doc)
	if err != nil {
		return nil, err
	}
	a.compiled[key] = s
	return s, nil
}

// cacheKey maps unhashable handle types onto hashable cache keys.
func cacheKey(sch any) any {
	switch v := sch.(type) {
	case []byte:
		return string(v)
	case json.RawMessage:
		return string(v)
	case string:
		return v
	default:
		if b, err := json.Marshal(v); err == nil {
			return string(b)
		}
		return fmt.Sprintf("%T", v)
	}
}

func toJSONValue(value any) (any, error) {
	switch v := value.(type) {
	case nil, bool, float64, string, map[string]any, []any:
		return v, nil
	case json.RawMessage:
		return jsonschema.UnmarshalJSON(bytes.NewReader(v))
	case []byte:
		return jsonschema.UnmarshalJSON(bytes.NewReader(v))
	default:
		b, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("marshal value for validation: %w", err)
		}
		return jsonschema.UnmarshalJSON(bytes.NewReader(b))
	}
}

func toIssues(err error) []schema.Issue {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []schema.Issue{{Path: "", Message: err.Error()}}
	}
	var issues []schema.Issue
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			issues = append(issues, schema.Issue{
				Path:    "/" + strings.Join(e.InstanceLocation, "/"),
				Message: e.Error(),
			})
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(verr)
	if len(issues) == 0 {
		issues = []schema.Issue{{Path: "/", Message: verr.Error()}}
	}
	return issues
}
