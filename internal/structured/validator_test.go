package structured

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func summarySchema() *Schema {
	return Object(map[string]*Schema{
		"summary": String(),
	}, "summary")
}

func TestValidate_DirectJSON(t *testing.T) {
	v := NewValidator(testLogger())

	value, err := v.Validate(`{"summary": "5 years in backend engineering"}`, summarySchema())
	require.NoError(t, err)

	obj, ok := value.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "5 years in backend engineering", obj["summary"])
}

func TestValidate_NilSchemaAcceptsAnyJSON(t *testing.T) {
	v := NewValidator(testLogger())

	value, err := v.Validate(`[1, 2, 3]`, nil)
	require.NoError(t, err)
	assert.Len(t, value, 3)
}

func TestValidate_FencedJSON(t *testing.T) {
	v := NewValidator(testLogger())

	raw := "Here is the summary you asked for:\n```json\n{\"summary\": \"ok\"}\n```\nLet me know if you need more."
	value, err := v.Validate(raw, summarySchema())
	require.NoError(t, err)

	obj := value.(map[string]interface{})
	assert.Equal(t, "ok", obj["summary"])
}

func TestValidate_ProseEmbeddedJSON(t *testing.T) {
	v := NewValidator(testLogger())

	raw := `Sure! The result is {"summary": "embedded"} — hope that helps.`
	value, err := v.Validate(raw, summarySchema())
	require.NoError(t, err)

	obj := value.(map[string]interface{})
	assert.Equal(t, "embedded", obj["summary"])
}

func TestValidate_TrailingCommaRepaired(t *testing.T) {
	v := NewValidator(testLogger())

	raw := `Result: {"summary": "trailing",}`
	value, err := v.Validate(raw, summarySchema())
	require.NoError(t, err)

	obj := value.(map[string]interface{})
	assert.Equal(t, "trailing", obj["summary"])
}

func TestValidate_FailureReturnsParseError(t *testing.T) {
	v := NewValidator(testLogger())

	raw := "I could not produce any JSON for that request."
	_, err := v.Validate(raw, summarySchema())
	require.Error(t, err)

	var parseErr *ParseError
	require.True(t, errors.As(err, &parseErr))
	assert.Equal(t, raw, parseErr.RawText)
	assert.NotEmpty(t, parseErr.Diagnostic)
}

func TestValidate_SchemaViolationReportedInDiagnostic(t *testing.T) {
	v := NewValidator(testLogger())

	// Valid JSON, wrong shape, and no better candidate embedded.
	_, err := v.Validate(`{"wrong": 1}`, summarySchema())
	require.Error(t, err)

	var parseErr *ParseError
	require.True(t, errors.As(err, &parseErr))
	assert.Contains(t, parseErr.Diagnostic, "summary")
}

func TestValidate_Idempotent(t *testing.T) {
	v := NewValidator(testLogger())
	schema := summarySchema()

	first, err := v.Validate("```json\n{\"summary\": \"stable\"}\n```", schema)
	require.NoError(t, err)

	reserialized, err := json.Marshal(first)
	require.NoError(t, err)

	second, err := v.Validate(string(reserialized), schema)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestCheckValue_TypeAndConstraintViolations(t *testing.T) {
	minLen := 3
	max := 10.0

	tests := []struct {
		name    string
		raw     string
		schema  *Schema
		wantErr bool
	}{
		{"string ok", `"abc"`, &Schema{Type: "string", MinLength: &minLen}, false},
		{"string too short", `"ab"`, &Schema{Type: "string", MinLength: &minLen}, true},
		{"integer ok", `7`, &Schema{Type: "integer", Maximum: &max}, false},
		{"integer fractional", `7.5`, &Schema{Type: "integer"}, true},
		{"integer above maximum", `11`, &Schema{Type: "integer", Maximum: &max}, true},
		{"boolean wrong type", `"true"`, &Schema{Type: "boolean"}, true},
		{"enum ok", `"red"`, &Schema{Type: "string", Enum: []interface{}{"red", "blue"}}, false},
		{"enum miss", `"green"`, &Schema{Type: "string", Enum: []interface{}{"red", "blue"}}, true},
		{"array items checked", `[1, "two"]`, &Schema{Type: "array", Items: &Schema{Type: "integer"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var value interface{}
			require.NoError(t, json.Unmarshal([]byte(tt.raw), &value))

			issues := checkValue(value, tt.schema, "$")
			if tt.wantErr {
				assert.NotEmpty(t, issues)
			} else {
				assert.Empty(t, issues)
			}
		})
	}
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{"plain object", `noise {"a": 1} noise`, `{"a": 1}`, true},
		{"largest span wins", `{"a": 1} and {"b": {"c": 2}}`, `{"b": {"c": 2}}`, true},
		{"array", `result: [1, 2, 3]`, `[1, 2, 3]`, true},
		{"fenced preferred", "{\"outer\": 1}\n```json\n{\"inner\": 2}\n```", `{"inner": 2}`, true},
		{"braces inside strings ignored", `{"text": "not a } closer"}`, `{"text": "not a } closer"}`, true},
		{"no candidate", "nothing here", "", false},
		{"unbalanced", `{"a": 1`, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractJSON(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
