package sigma

// Alert records one rule firing on one event record.
type Alert struct {
	RuleID string   `json:"rule_id,omitempty"`
	Title  string   `json:"title"`
	Level  string   `json:"level,omitempty"` // informational | low | medium | high | critical
	Status string   `json:"status,omitempty"`
	Tags   []string `json:"tags,omitempty"`
	Source string   `json:"signature_source,omitempty"` // corpus directory the rule came from
}

// Key is the grouping key of the alert's rule: its id, or its title when the
// rule has none.
func (a Alert) Key() string {
	if a.RuleID != "" {
		return a.RuleID
	}
	return a.Title
}
