package structured

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
)

// ParseError reports that model output could not be parsed against the
// requested schema, after the one permitted repair pass. It always
// carries the original raw text and a diagnostic naming what failed.
type ParseError struct {
	RawText    string `json:"raw_text"`
	Diagnostic string `json:"diagnostic"`
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("structured output parse failed: %s", e.Diagnostic)
}

// Issue is one schema violation found at a JSON path.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	return i.Path + ": " + i.Message
}

// Validator parses raw model output against a Schema.
//
// The repair heuristic is deliberately conservative and applied at most
// once: strip a Markdown code fence if present, otherwise take the
// largest balanced {...} or [...] span, then drop trailing commas.
// Nothing else is rewritten and there is no iterative re-prompting; if
// the repaired candidate still fails, the caller gets a ParseError.
type Validator struct {
	logger *logrus.Logger
}

// NewValidator creates a Validator. A nil logger falls back to the
// logrus standard logger.
func NewValidator(logger *logrus.Logger) *Validator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Validator{logger: logger}
}

// Validate parses rawText against schema. On success it returns the
// parsed value (JSON-generic: map[string]interface{}, []interface{},
// string, float64, bool, nil). On failure it returns a *ParseError; the
// error is always structural, never a panic or an opaque failure.
//
// Validate is idempotent: re-validating the JSON re-serialization of a
// successful parse yields an equivalent value.
func (v *Validator) Validate(rawText string, schema *Schema) (interface{}, error) {
	value, issues, parseErr := v.tryParse(rawText, schema)
	if parseErr == nil && len(issues) == 0 {
		return value, nil
	}
	primary := describeFailure(issues, parseErr)

	candidate, ok := ExtractJSON(rawText)
	if !ok {
		return nil, &ParseError{
			RawText:    rawText,
			Diagnostic: fmt.Sprintf("%s; no embedded JSON candidate found", primary),
		}
	}

	value, issues, parseErr = v.tryParse(candidate, schema)
	if parseErr == nil && len(issues) == 0 {
		v.logger.WithField("candidate_len", len(candidate)).Debug("structured output repaired from embedded JSON")
		return value, nil
	}

	return nil, &ParseError{
		RawText:    rawText,
		Diagnostic: fmt.Sprintf("%s; repair candidate also failed: %s", primary, describeFailure(issues, parseErr)),
	}
}

func (v *Validator) tryParse(text string, schema *Schema) (interface{}, []Issue, error) {
	var value interface{}
	if err := json.Unmarshal([]byte(text), &value); err != nil {
		return nil, nil, err
	}
	return value, checkValue(value, schema, "$"), nil
}

func describeFailure(issues []Issue, parseErr error) string {
	if parseErr != nil {
		return fmt.Sprintf("invalid JSON: %v", parseErr)
	}
	parts := make([]string, 0, len(issues))
	for _, i := range issues {
		parts = append(parts, i.String())
	}
	return "schema violations: " + strings.Join(parts, "; ")
}

// checkValue validates a parsed JSON value against schema, collecting
// one Issue per violation.
func checkValue(value interface{}, schema *Schema, path string) []Issue {
	var issues []Issue
	if schema == nil {
		return issues
	}

	switch schema.Type {
	case "string":
		str, ok := value.(string)
		if !ok {
			return append(issues, Issue{path, fmt.Sprintf("expected string, got %T", value)})
		}
		if schema.MinLength != nil && len(str) < *schema.MinLength {
			issues = append(issues, Issue{path, fmt.Sprintf("string shorter than minLength %d", *schema.MinLength)})
		}
		if schema.MaxLength != nil && len(str) > *schema.MaxLength {
			issues = append(issues, Issue{path, fmt.Sprintf("string longer than maxLength %d", *schema.MaxLength)})
		}
		if schema.Pattern != "" {
			if matched, _ := regexp.MatchString(schema.Pattern, str); !matched {
				issues = append(issues, Issue{path, "string does not match pattern " + schema.Pattern})
			}
		}
		if len(schema.Enum) > 0 && !enumContains(schema.Enum, str) {
			issues = append(issues, Issue{path, fmt.Sprintf("value not in enum %v", schema.Enum)})
		}

	case "integer":
		num, ok := value.(float64)
		if !ok {
			return append(issues, Issue{path, fmt.Sprintf("expected integer, got %T", value)})
		}
		if num != float64(int64(num)) {
			issues = append(issues, Issue{path, "expected integer, got fractional number"})
		}
		issues = append(issues, checkBounds(num, schema, path)...)

	case "number":
		num, ok := value.(float64)
		if !ok {
			return append(issues, Issue{path, fmt.Sprintf("expected number, got %T", value)})
		}
		issues = append(issues, checkBounds(num, schema, path)...)

	case "boolean":
		if _, ok := value.(bool); !ok {
			issues = append(issues, Issue{path, fmt.Sprintf("expected boolean, got %T", value)})
		}

	case "array":
		arr, ok := value.([]interface{})
		if !ok {
			return append(issues, Issue{path, fmt.Sprintf("expected array, got %T", value)})
		}
		if schema.Items != nil {
			for i, item := range arr {
				issues = append(issues, checkValue(item, schema.Items, fmt.Sprintf("%s[%d]", path, i))...)
			}
		}

	case "object":
		obj, ok := value.(map[string]interface{})
		if !ok {
			return append(issues, Issue{path, fmt.Sprintf("expected object, got %T", value)})
		}
		for _, req := range schema.Required {
			if _, exists := obj[req]; !exists {
				issues = append(issues, Issue{path + "." + req, "required property missing"})
			}
		}
		for name, prop := range schema.Properties {
			if pv, exists := obj[name]; exists {
				issues = append(issues, checkValue(pv, prop, path+"."+name)...)
			}
		}
	}

	return issues
}

func checkBounds(num float64, schema *Schema, path string) []Issue {
	var issues []Issue
	if schema.Minimum != nil && num < *schema.Minimum {
		issues = append(issues, Issue{path, fmt.Sprintf("value below minimum %v", *schema.Minimum)})
	}
	if schema.Maximum != nil && num > *schema.Maximum {
		issues = append(issues, Issue{path, fmt.Sprintf("value above maximum %v", *schema.Maximum)})
	}
	return issues
}

func enumContains(enum []interface{}, v interface{}) bool {
	for _, e := range enum {
		if e == v {
			return true
		}
	}
	return false
}

var (
	fencedJSONRe  = regexp.MustCompile("```(?:json)?\\s*\\n([\\s\\S]*?)\\n\\s*```")
	trailingComma = regexp.MustCompile(`,\s*([\]}])`)
)

// ExtractJSON locates the single best JSON candidate embedded in s.
// Preference order: the first fenced code block, else the largest
// balanced {...} or [...] span. Trailing commas before a closing
// bracket are removed. Returns false when no candidate exists.
func ExtractJSON(s string) (string, bool) {
	if m := fencedJSONRe.FindStringSubmatch(s); len(m) > 1 {
		candidate := strings.TrimSpace(m[1])
		if candidate != "" {
			return trailingComma.ReplaceAllString(candidate, "$1"), true
		}
	}

	candidate := largestBalancedSpan(s)
	if candidate == "" {
		return "", false
	}
	return trailingComma.ReplaceAllString(candidate, "$1"), true
}

// largestBalancedSpan scans s for balanced {...} and [...] spans,
// ignoring brackets inside JSON string literals, and returns the longest.
func largestBalancedSpan(s string) string {
	best := ""
	for i := 0; i < len(s); i++ {
		open := s[i]
		if open != '{' && open != '[' {
			continue
		}
		if end := matchSpan(s, i); end > i {
			if span := s[i : end+1]; len(span) > len(best) {
				best = span
			}
			// Nested spans are covered by the enclosing one.
			i = end
		}
	}
	return best
}

func matchSpan(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
