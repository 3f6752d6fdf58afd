package jsonvalidator

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const personSchema = `{
	"type": "object",
	"required": ["name"],
	"additionalProperties": false,
	"properties": {
		"name": {"type": "string", "minLength": 1},
		"age": {"type": "integer", "minimum": 0}
	}
}`

func TestValidateAcceptsConformingValue(t *testing.T) {
	a := New()
	res := a.Validate(personSchema, map[string]any{"name": "ada", "age": float64(36)})
	require.True(t, res.OK)
	assert.Empty(t, res.Issues)
	assert.NotNil(t, res.Data)
}

func TestValidateRejectsWithIssues(t *testing.T) {
	a := New()
	res := a.Validate(personSchema, map[string]any{"age": float64(-1)})
	require.False(t, res.OK)
	require.NotEmpty(t, res.Issues)
	for _, issue := range res.Issues {
		assert.NotEmpty(t, issue.Message)
	}
}

func TestIssuePathsPointAtOffendingField(t *testing.T) {
	a := New()
	res := a.Validate(personSchema, map[string]any{"name": "ada", "age": float64(-5)})
	require.False(t, res.OK)

	found := false
	for _, issue := range res.Issues {
		if issue.Path == "/age" {
			found = true
		}
	}
	assert.True(t, found, "expected an issue at /age, got %+v", res.Issues)
}

func TestNilSchemaPassesEverything(t *testing.T) {
	a := New()
	res := a.Validate(nil, map[string]any{"anything": "goes"})
	require.True(t, res.OK)
	assert.Equal(t, map[string]any{"anything": "goes"}, res.Data)
}

func TestSchemaHandleShapes(t *testing.T) {
	a := New()
	value := map[string]any{"name": "ada"}

	// string document
	assert.True(t, a.Validate(personSchema, value).OK)
	// []byte document
	assert.True(t, a.Validate([]byte(personSchema), value).OK)
	// json.RawMessage document
	assert.True(t, a.Validate(json.RawMessage(personSchema), value).OK)
	// unmarshaled document
	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(personSchema), &doc))
	assert.True(t, a.Validate(doc, value).OK)
	// precompiled handle
	compiled := MustCompile(personSchema)
	assert.True(t, a.Validate(compiled, value).OK)
}

func TestMalformedSchemaReportsIssueNotPanic(t *testing.T) {
	a := New()
	res := a.Validate(`{"type": 42}`, map[string]any{})
	require.False(t, res.OK)
	require.NotEmpty(t, res.Issues)
}

func TestValidateRoundTripsNonJSONShapedValues(t *testing.T) {
	a := New()
	type person struct {
		Name string `json:"name"`
	}
	res := a.ValidateOutgoing(personSchema, person{Name: "ada"})
	require.True(t, res.OK)

	res = a.ValidateOutgoing(personSchema, person{Name: ""})
	require.False(t, res.OK)
}

func TestRawPayloadValidation(t *testing.T) {
	a := New()
	res := a.Validate(personSchema, json.RawMessage(`{"name":"ada","age":1}`))
	require.True(t, res.OK)

	res = a.Validate(personSchema, json.RawMessage(`{"extra":true}`))
	require.False(t, res.OK)
}

func TestCompileRejectsInvalidJSON(t *testing.T) {
	_, err := Compile([]byte(`{not json`))
	require.Error(t, err)

	assert.Panics(t, func() { MustCompile(`{not json`) })
}

func TestCompiledSchemasAreCached(t *testing.T) {
	a := New()
	require.True(t, a.Validate(personSchema, map[string]any{"name": "x"}).OK)
	require.True(t, a.Validate(personSchema, map[string]any{"name": "y"}).OK)

	a.mu.Lock()
	defer a.mu.Unlock()
	assert.Len(t, a.compiled, 1)
}
