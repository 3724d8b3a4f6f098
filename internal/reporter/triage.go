// Package reporter renders scan findings as HTML and JSON reports and packages
// the output directory for handoff.
package reporter

import (
	"fmt"
	"slices"
	"strings"

	"github.com/iyulab/sigma-triage/internal/aggregate"
	"github.com/iyulab/sigma-triage/internal/indicator"
)

// Verdict is the triage decision for one scanned file.
type Verdict struct {
	Escalate bool   `json:"escalate"`
	Urgency  string `json:"urgency"` // immediate, urgent, investigate, monitor, none
	Reason   string `json:"reason"`
	Banner   string `json:"banner"` // red, yellow, green
}

// Triage computes the verdict for a file from its findings.
type Triage struct{}

// Assess ranks findings by heuristic level. Unscored findings never escalate
// on their own but keep the verdict out of "none".
func (t *Triage) Assess(findings []aggregate.Finding) Verdict {
	for _, f := range findings {
		if f.Heuristic == 1 {
			return Verdict{
				Escalate: true,
				Urgency:  "immediate",
				Reason:   f.Title,
				Banner:   "red",
			}
		}
	}

	high := countByHeuristic(findings, 2)
	if high >= 2 {
		return Verdict{
			Escalate: true,
			Urgency:  "urgent",
			Reason:   fmt.Sprintf("%d high-severity rules matched", high),
			Banner:   "red",
		}
	}
	if high == 1 {
		return Verdict{
			Urgency: "investigate",
			Reason:  "One high-severity rule matched: " + firstTitle(findings, 2),
			Banner:  "yellow",
		}
	}

	if countByHeuristic(findings, 3) > 0 {
		return Verdict{
			Urgency: "monitor",
			Reason:  "Medium-severity rules matched",
			Banner:  "yellow",
		}
	}

	if len(findings) > 0 {
		return Verdict{
			Urgency: "monitor",
			Reason:  fmt.Sprintf("%d low-severity or unscored rule(s) matched", len(findings)),
			Banner:  "green",
		}
	}

	return Verdict{
		Urgency: "none",
		Reason:  "No rule matched",
		Banner:  "green",
	}
}

func countByHeuristic(findings []aggregate.Finding, level int) int {
	count := 0
	for _, f := range findings {
		if f.Heuristic == level {
			count++
		}
	}
	return count
}

func firstTitle(findings []aggregate.Finding, level int) string {
	for _, f := range findings {
		if f.Heuristic == level {
			return f.Title
		}
	}
	return ""
}

// SeveritySummary counts findings by severity for display.
type SeveritySummary struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
	Unset    int `json:"unset"`
	Unscored int `json:"unscored"`
	Events   int `json:"events"`
	Entities int `json:"entities"`
}

// Summarize counts findings by heuristic level.
func Summarize(findings []aggregate.Finding) SeveritySummary {
	var s SeveritySummary
	for _, f := range findings {
		switch f.Heuristic {
		case 1:
			s.Critical++
		case 2:
			s.High++
		case 3:
			s.Medium++
		case 4:
			s.Low++
		case 5:
			s.Unset++
		default:
			s.Unscored++
		}
		s.Events += len(f.Events)
		s.Entities += len(f.Attributes)
	}
	return s
}

// IndicatorEntry is one indicator value surfaced across findings.
type IndicatorEntry struct {
	Type      string `json:"type"` // uri | process
	Value     string `json:"value"`
	Rule      string `json:"rule"`
	Heuristic int    `json:"heuristic"`
}

// CollectIndicators gathers network locators and process images from all
// findings. When a value appears under several rules, the most severe rule
// is kept. Entries are sorted by type then value.
func CollectIndicators(findings []aggregate.Finding) []IndicatorEntry {
	type key struct {
		typ   string
		value string
	}
	best := make(map[key]IndicatorEntry)

	add := func(e IndicatorEntry) {
		k := key{typ: e.Type, value: e.Value}
		if existing, ok := best[k]; ok && !moreSevere(e.Heuristic, existing.Heuristic) {
			return
		}
		best[k] = e
	}

	for _, f := range findings {
		for _, u := range f.Tags[indicator.TagURI] {
			add(IndicatorEntry{Type: "uri", Value: u, Rule: f.Title, Heuristic: f.Heuristic})
		}
		for _, a := range f.Attributes {
			if a.Source != nil && a.Source.Image != "" {
				add(IndicatorEntry{Type: "process", Value: a.Source.Image, Rule: f.Title, Heuristic: f.Heuristic})
			}
			if a.Target != nil && a.Target.Image != "" {
				add(IndicatorEntry{Type: "process", Value: a.Target.Image, Rule: f.Title, Heuristic: f.Heuristic})
			}
		}
	}

	entries := make([]IndicatorEntry, 0, len(best))
	for _, e := range best {
		entries = append(entries, e)
	}
	slices.SortFunc(entries, func(a, b IndicatorEntry) int {
		if c := strings.Compare(a.Type, b.Type); c != 0 {
			return c
		}
		return strings.Compare(a.Value, b.Value)
	})
	return entries
}

// moreSevere reports whether heuristic a outranks b. Lower levels are more
// severe; unscored ranks last.
func moreSevere(a, b int) bool {
	if a == aggregate.Unscored {
		return false
	}
	if b == aggregate.Unscored {
		return true
	}
	return a < b
}
