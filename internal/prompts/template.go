package prompts

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
)

// Base defaults applied to every render before domain and call-time
// variables. Values match the delimiters the extraction prompts expect.
var baseVariables = map[string]string{
	"tuple_delimiter":      "|",
	"record_delimiter":     "##",
	"completion_delimiter": "<|COMPLETE|>",
	"max_entities":         "10",
	"language":             "English",
	"domain":               "general",
}

// Placeholders are bare identifiers in braces. Braced content with
// quotes, colons, or whitespace is literal text (JSON examples embedded
// in prompt bodies), not a substitution site.
var placeholderPattern = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Template is a fetched prompt body plus the metadata needed for cache
// bookkeeping and rendering.
type Template struct {
	Key       string   `json:"key"`
	Content   string   `json:"content"`
	Version   int      `json:"version,omitempty"`
	Label     string   `json:"label,omitempty"`
	Variables []string `json:"variables,omitempty"`
}

// ExtractVariables returns the sorted set of placeholder names in content.
func ExtractVariables(content string) []string {
	matches := placeholderPattern.FindAllStringSubmatch(content, -1)
	seen := make(map[string]bool, len(matches))
	for _, m := range matches {
		seen[m[1]] = true
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Render substitutes {name} placeholders with values. Precedence, lowest
// to highest: base defaults, then the supplied values. Any placeholder
// left without a value fails with a FormatError naming every missing
// variable.
func (t *Template) Render(values map[string]string) (string, error) {
	merged := make(map[string]string, len(baseVariables)+len(values))
	for k, v := range baseVariables {
		merged[k] = v
	}
	for k, v := range values {
		merged[k] = v
	}

	missing := make(map[string]bool)
	rendered := placeholderPattern.ReplaceAllStringFunc(t.Content, func(m string) string {
		name := m[1 : len(m)-1]
		if v, ok := merged[name]; ok {
			return v
		}
		missing[name] = true
		return m
	})

	if len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for name := range missing {
			names = append(names, name)
		}
		sort.Strings(names)
		return "", &FormatError{Key: t.Key, Missing: names}
	}

	return rendered, nil
}

// Stringify converts call-time variable values for substitution.
// Primitives use their natural formatting; composite values marshal to
// JSON so list-valued variables stay machine-readable in the prompt.
func Stringify(vars map[string]any) (map[string]string, error) {
	out := make(map[string]string, len(vars))
	for k, v := range vars {
		switch val := v.(type) {
		case string:
			out[k] = val
		case nil:
			out[k] = ""
		case bool, int, int64, float64:
			out[k] = fmt.Sprintf("%v", val)
		default:
			data, err := json.Marshal(val)
			if err != nil {
				return nil, fmt.Errorf("variable %q: %w", k, err)
			}
			out[k] = string(data)
		}
	}
	return out, nil
}
