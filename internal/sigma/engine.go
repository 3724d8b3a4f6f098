// Package sigma evaluates Sigma detection rules against normalized event records.
package sigma

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	sigmalib "github.com/bradleyjkemp/sigma-go"
	"github.com/bradleyjkemp/sigma-go/evaluator"

	"github.com/iyulab/sigma-triage/internal/corpus"
	"github.com/iyulab/sigma-triage/internal/event"
)

const modulePath = "github.com/bradleyjkemp/sigma-go"

type compiled struct {
	eval   evaluator.RuleEvaluator
	header corpus.Header
}

// Engine holds the loaded rule set and evaluates records against it.
// Rules are evaluated in load order.
type Engine struct {
	rules  []compiled
	byKey  map[string]int
	logger *slog.Logger

	mu     sync.Mutex
	failed map[string]bool // rules that errored at match time, warned once
}

// New creates an empty Engine. Rules are added with Load, usually through
// corpus.Corpus.Load.
func New(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		byKey:  make(map[string]int),
		failed: make(map[string]bool),
		logger: logger.With("component", "sigma"),
	}
}

// Load compiles one tagged rule fragment. It returns a *corpus.LoadError when
// the fragment is malformed, uses an unsupported feature, or repeats the
// identity of a rule already loaded. The first loaded rule wins.
func (e *Engine) Load(text string) error {
	h, err := corpus.ParseHeader(text)
	if err != nil {
		return err
	}
	key := h.Identity()
	if _, dup := e.byKey[key]; dup {
		return &corpus.LoadError{Kind: corpus.DuplicateRule, Rule: key, Source: h.SignatureSource,
			Err: fmt.Errorf("rule %q already loaded", key)}
	}
	rule, err := sigmalib.ParseRule([]byte(text))
	if err != nil {
		return &corpus.LoadError{Kind: corpus.MalformedRule, Rule: key, Source: h.SignatureSource, Err: err}
	}
	e.byKey[key] = len(e.rules)
	e.rules = append(e.rules, compiled{eval: *evaluator.ForRule(rule), header: h})
	return nil
}

// Len returns the number of loaded rules.
func (e *Engine) Len() int { return len(e.rules) }

// Rule returns the header of the rule loaded under key.
func (e *Engine) Rule(key string) (corpus.Header, bool) {
	i, ok := e.byKey[key]
	if !ok {
		return corpus.Header{}, false
	}
	return e.rules[i].header, true
}

// Evaluate runs every loaded rule against rec and returns one Alert per rule
// that matched. A rule that errors while matching is treated as an
// unsupported feature: it is reported once and never fires.
func (e *Engine) Evaluate(ctx context.Context, rec event.Record) []Alert {
	fields := event.Normalize(rec).MatchFields()

	var alerts []Alert
	for _, r := range e.rules {
		if ctx.Err() != nil {
			return alerts
		}
		res, err := r.eval.Matches(ctx, fields)
		if err != nil {
			e.reportFailure(r.header, err)
			continue
		}
		if !res.Match {
			continue
		}
		alerts = append(alerts, alertFor(r.header))
	}
	return alerts
}

func (e *Engine) reportFailure(h corpus.Header, err error) {
	key := h.Identity()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failed[key] {
		return
	}
	e.failed[key] = true
	e.logger.Warn("rule cannot be evaluated",
		"kind", corpus.UnsupportedRuleFeature.String(), "rule", key, "source", h.SignatureSource, "error", err)
}

func alertFor(h corpus.Header) Alert {
	return Alert{
		RuleID: h.ID,
		Title:  h.Title,
		Level:  h.Level,
		Status: h.Status,
		Tags:   append([]string(nil), h.Tags...),
		Source: h.SignatureSource,
	}
}

// Version reports the version of the linked rule engine module, or "devel"
// when build information is unavailable.
func Version() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "devel"
	}
	for _, dep := range info.Deps {
		if dep.Path != modulePath {
			continue
		}
		if dep.Replace != nil && dep.Replace.Version != "" {
			return dep.Replace.Version
		}
		if dep.Version != "" {
			return dep.Version
		}
	}
	return "devel"
}
