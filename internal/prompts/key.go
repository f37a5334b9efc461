package prompts

import "strings"

// Key identifies a prompt request. Name is the logical prompt name;
// Language and Domain narrow the lookup and may be empty.
type Key struct {
	Name     string `json:"name"`
	Language string `json:"language,omitempty"`
	Domain   string `json:"domain,omitempty"`
}

// Candidates returns the lookup keys in precedence order, most specific
// first: name-domain-language, name-language, name-domain, name. Empty
// dimensions drop their candidates, so the list always ends with the
// bare name.
func (k Key) Candidates() []string {
	out := make([]string, 0, 4)
	if k.Domain != "" && k.Language != "" {
		out = append(out, join(k.Name, k.Domain, k.Language))
	}
	if k.Language != "" {
		out = append(out, join(k.Name, k.Language))
	}
	if k.Domain != "" {
		out = append(out, join(k.Name, k.Domain))
	}
	return append(out, k.Name)
}

func join(parts ...string) string {
	return strings.Join(parts, "-")
}
