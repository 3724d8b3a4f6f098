// Package aggregate groups rule matches by rule identity for one processing
// run and turns each group into an enriched, scored finding.
package aggregate

import (
	"log/slog"

	"github.com/iyulab/sigma-triage/internal/entity"
	"github.com/iyulab/sigma-triage/internal/event"
	"github.com/iyulab/sigma-triage/internal/indicator"
	"github.com/iyulab/sigma-triage/internal/sigma"
)

// TagSignature is the tag carrying the "<source>.<title>" label of a rule.
const TagSignature = "file.rule.sigma"

// EventSectionTitle is the title of every per-event detail block.
const EventSectionTitle = "Event Data"

// HitGroup holds every record one rule matched during a run.
type HitGroup struct {
	Key     string
	Alert   sigma.Alert
	Records []event.Record
	Seen    *entity.Set // identifiers already attached to the finding
}

// Run owns the hit groups of one processing run. Create one per file; a Run
// is never reused across files.
type Run struct {
	groups map[string]*HitGroup
	order  []string
	logger *slog.Logger
}

// NewRun returns an empty Run.
func NewRun(logger *slog.Logger) *Run {
	if logger == nil {
		logger = slog.Default()
	}
	return &Run{
		groups: make(map[string]*HitGroup),
		logger: logger.With("component", "aggregate"),
	}
}

// Record stores one (alert, record) pair. The record is deep-copied before it
// is stamped, so the caller may reuse rec afterwards. Record never fails.
func (r *Run) Record(alert sigma.Alert, rec event.Record) {
	key := alert.Key()
	g, ok := r.groups[key]
	if !ok {
		g = &HitGroup{Key: key, Alert: alert, Seen: entity.NewSet()}
		r.groups[key] = g
		r.order = append(r.order, key)
	}

	cp := rec.Clone()
	if cp == nil {
		cp = event.Record{}
	}
	if alert.Level != "" {
		cp["score"] = alert.Level
	} else {
		cp["score"] = nil
	}
	cp["signature_source"] = alert.Source
	g.Records = append(g.Records, cp)
}

// Groups returns the hit groups in the order their rules first matched.
func (r *Run) Groups() []*HitGroup {
	out := make([]*HitGroup, 0, len(r.order))
	for _, k := range r.order {
		out = append(out, r.groups[k])
	}
	return out
}

// Len returns the number of distinct rules that matched.
func (r *Run) Len() int { return len(r.order) }

// EventSection is the key/value detail block rendered for one matched record.
type EventSection struct {
	Title string         `json:"title"`
	Body  map[string]any `json:"body"`
	URIs  []string       `json:"uris,omitempty"`
}

// Finding is the enriched result for one rule.
type Finding struct {
	RuleID     string              `json:"rule_id,omitempty"`
	Title      string              `json:"title"`
	Source     string              `json:"signature_source,omitempty"`
	Signature  string              `json:"signature"`
	Severity   string              `json:"severity,omitempty"`
	Heuristic  int                 `json:"heuristic"` // Unscored when severity is unmapped
	AttackID   string              `json:"attack_id,omitempty"`
	RuleTags   []string            `json:"rule_tags,omitempty"`
	Tags       map[string][]string `json:"tags"`
	Attributes []*entity.Attribute `json:"attributes,omitempty"`
	Events     []EventSection      `json:"events"`
}

// Scored reports whether the finding carries a heuristic level.
func (f Finding) Scored() bool { return f.Heuristic != Unscored }

// Findings enriches every hit group and returns one finding per rule, in the
// order the rules first matched. Enrichment failures for one record are
// logged; the record still produces its event section.
func (r *Run) Findings() []Finding {
	findings := make([]Finding, 0, len(r.order))
	for _, g := range r.Groups() {
		findings = append(findings, r.enrich(g))
	}
	return findings
}

func (r *Run) enrich(g *HitGroup) Finding {
	a := g.Alert
	f := Finding{
		RuleID:    a.RuleID,
		Title:     a.Title,
		Source:    a.Source,
		Signature: a.Source + "." + a.Title,
		Severity:  a.Level,
		AttackID:  AttackID(a.Tags),
		RuleTags:  a.Tags,
		Tags:      map[string][]string{},
	}
	f.Tags[TagSignature] = []string{f.Signature}

	if h, ok := Heuristic(a.Level); ok {
		f.Heuristic = h
	} else {
		r.logger.Warn("unmapped severity", "rule", g.Key, "severity", a.Level)
	}

	g.Seen = entity.NewSet()
	uris := map[string]bool{}
	var uriOrder []string

	for i, rec := range g.Records {
		n := event.Normalize(rec)
		if n.Shape == event.ShapeUnknown {
			r.logger.Debug("malformed event", "rule", g.Key, "record", i)
		}

		attr, err := entity.Extract(n.Fields, n.EventID())
		if err != nil {
			r.logger.Warn("entity extraction failed", "rule", g.Key, "record", i, "error", err)
		} else if attr != nil && g.Seen.Add(attr.Key()) {
			f.Attributes = append(f.Attributes, attr)
		}

		body := n.Body()
		found := indicator.URIs(body)
		for _, u := range found {
			if !uris[u] {
				uris[u] = true
				uriOrder = append(uriOrder, u)
			}
		}
		f.Events = append(f.Events, EventSection{Title: EventSectionTitle, Body: body, URIs: found})
	}

	if len(uriOrder) > 0 {
		f.Tags[indicator.TagURI] = uriOrder
	}
	return f
}
