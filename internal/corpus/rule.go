package corpus

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Kind classifies why a rule fragment was not loaded.
type Kind int

const (
	MalformedRule          Kind = iota + 1 // fragment does not parse
	UnsupportedRuleFeature                 // parses, but uses a construct the engine cannot evaluate
	DuplicateRule                          // identity already loaded
)

// String returns a short label for the kind.
func (k Kind) String() string {
	switch k {
	case MalformedRule:
		return "malformed_rule"
	case UnsupportedRuleFeature:
		return "unsupported_rule_feature"
	case DuplicateRule:
		return "duplicate_rule"
	default:
		return "unknown"
	}
}

// LoadError reports one fragment the engine refused.
type LoadError struct {
	Kind   Kind
	Rule   string // rule id or title when known
	Source string
	Path   string
	Index  int
	Err    error
}

func (e *LoadError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Path != "" {
		fmt.Fprintf(&b, " %s#%d", e.Path, e.Index)
	}
	if e.Rule != "" {
		fmt.Fprintf(&b, " (%s)", e.Rule)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *LoadError) Unwrap() error { return e.Err }

// Header is the metadata block of one rule fragment.
type Header struct {
	ID              string         `yaml:"id"`
	Title           string         `yaml:"title"`
	Status          string         `yaml:"status"`
	Level           string         `yaml:"level"`
	Tags            []string       `yaml:"tags"`
	SignatureSource string         `yaml:"signature_source"`
	Detection       map[string]any `yaml:"detection"`
}

// Identity is the rule's grouping key: its id, or its title when it has none.
func (h Header) Identity() string {
	if h.ID != "" {
		return h.ID
	}
	return h.Title
}

// ParseHeader reads the metadata of one rule fragment. A fragment that is not
// a YAML mapping, or that has neither id nor title, is malformed.
func ParseHeader(text string) (Header, error) {
	var h Header
	if err := yaml.Unmarshal([]byte(text), &h); err != nil {
		return Header{}, &LoadError{Kind: MalformedRule, Err: err}
	}
	if h.ID == "" && h.Title == "" {
		return Header{}, &LoadError{Kind: MalformedRule, Err: errors.New("rule has neither id nor title")}
	}
	if len(h.Detection) == 0 {
		return h, &LoadError{Kind: MalformedRule, Rule: h.Identity(), Err: errors.New("rule has no detection")}
	}
	if _, ok := h.Detection["condition"]; !ok {
		return h, &LoadError{Kind: MalformedRule, Rule: h.Identity(), Err: errors.New("detection has no condition")}
	}
	if reason := h.unsupported(); reason != "" {
		return h, &LoadError{Kind: UnsupportedRuleFeature, Rule: h.Identity(), Err: errors.New(reason)}
	}
	return h, nil
}

// unsupported names a detection construct that per-event evaluation cannot
// honour: correlation windows and aggregation pipes.
func (h Header) unsupported() string {
	if _, ok := h.Detection["timeframe"]; ok {
		return "timeframe correlation"
	}
	for _, cond := range conditions(h.Detection["condition"]) {
		if strings.Contains(cond, "|") {
			return "aggregation condition: " + cond
		}
	}
	return ""
}

func conditions(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// Deployment maps a rule status to the state an imported rule is stored in.
func Deployment(status string) string {
	switch strings.ToLower(status) {
	case "test", "experimental":
		return "NOISY"
	case "deprecated", "unsupported":
		return "DISABLED"
	default:
		return "DEPLOYED"
	}
}
