package structured

import (
	"encoding/json"
	"strings"
)

// PromptWithSchema appends formatting instructions and the schema text
// to a prompt, for models without a native structured-output mode.
func PromptWithSchema(prompt string, schema *Schema) string {
	if schema == nil {
		return prompt
	}

	schemaJSON, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return prompt
	}

	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString("\n\nRespond with a single JSON value conforming to this schema, with no surrounding prose:\n")
	b.Write(schemaJSON)
	return b.String()
}
