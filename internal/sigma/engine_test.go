package sigma

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"testing/fstest"

	"github.com/iyulab/sigma-triage/internal/corpus"
	"github.com/iyulab/sigma-triage/internal/event"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testRule builds a minimal Sigma rule YAML for testing.
func testRule(id, title, field, value string) string {
	return `title: ` + title + `
id: ` + id + `
status: experimental
level: high
tags:
  - attack.execution
  - attack.t1059
logsource:
  product: windows
  category: process_creation
detection:
  selection:
    ` + field + `|contains: '` + value + `'
  condition: selection
`
}

// flatEvent builds a record in the flat EventData.Data layout.
func flatEvent(fields map[string]string) event.Record {
	var data []any
	for k, v := range fields {
		data = append(data, map[string]any{"@Name": k, "#text": v})
	}
	return event.Record{
		"System":    map[string]any{"Channel": "Microsoft-Windows-Sysmon/Operational", "EventID": "1"},
		"EventData": map[string]any{"Data": data},
	}
}

// wrappedEvent builds a record in the Event.EventData layout.
func wrappedEvent(fields map[string]string) event.Record {
	data := map[string]any{}
	for k, v := range fields {
		data[k] = v
	}
	return event.Record{"Event": map[string]any{
		"System":    map[string]any{"Channel": "Microsoft-Windows-Sysmon/Operational", "EventID": "1"},
		"EventData": data,
	}}
}

func loadedEngine(t *testing.T, rules ...string) *Engine {
	t.Helper()
	eng := New(quietLogger())
	for _, r := range rules {
		if err := eng.Load(corpus.Tag(r, "community")); err != nil {
			t.Fatalf("Load: %v", err)
		}
	}
	return eng
}

func TestEngine_Load(t *testing.T) {
	eng := loadedEngine(t, testRule("r-1", "Mimikatz", "CommandLine", "mimikatz"))
	if eng.Len() != 1 {
		t.Fatalf("expected 1 rule, got %d", eng.Len())
	}
	h, ok := eng.Rule("r-1")
	if !ok {
		t.Fatal("rule r-1 not found")
	}
	if h.SignatureSource != "community" {
		t.Errorf("SignatureSource = %q", h.SignatureSource)
	}
}

func TestEngine_Load_Duplicate(t *testing.T) {
	eng := loadedEngine(t, testRule("r-1", "First", "CommandLine", "a"))
	err := eng.Load(testRule("r-1", "Second", "CommandLine", "b"))

	var le *corpus.LoadError
	if !errors.As(err, &le) || le.Kind != corpus.DuplicateRule {
		t.Fatalf("err = %v, want DuplicateRule", err)
	}
	h, _ := eng.Rule("r-1")
	if h.Title != "First" {
		t.Errorf("duplicate replaced the first rule: %q", h.Title)
	}
}

func TestEngine_Load_Unsupported(t *testing.T) {
	text := `title: Burst
id: burst
detection:
  selection:
    EventID: 4625
  condition: selection | count() > 10
`
	err := New(quietLogger()).Load(text)
	var le *corpus.LoadError
	if !errors.As(err, &le) || le.Kind != corpus.UnsupportedRuleFeature {
		t.Fatalf("err = %v, want UnsupportedRuleFeature", err)
	}
}

func TestEngine_Evaluate_Hit(t *testing.T) {
	eng := loadedEngine(t, testRule("r-1", "Mimikatz", "CommandLine", "mimikatz"))

	alerts := eng.Evaluate(context.Background(), flatEvent(map[string]string{
		"CommandLine": "mimikatz.exe privilege::debug",
		"Image":       `C:\Temp\m.exe`,
	}))
	if len(alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(alerts))
	}
	a := alerts[0]
	if a.Title != "Mimikatz" || a.Level != "high" || a.Source != "community" {
		t.Errorf("alert = %+v", a)
	}
	if a.Key() != "r-1" {
		t.Errorf("Key = %q", a.Key())
	}
	if len(a.Tags) != 2 {
		t.Errorf("Tags = %v", a.Tags)
	}
}

func TestEngine_Evaluate_ShapeInvariant(t *testing.T) {
	eng := loadedEngine(t, testRule("r-1", "Mimikatz", "CommandLine", "mimikatz"))
	fields := map[string]string{"CommandLine": "mimikatz.exe"}

	flat := eng.Evaluate(context.Background(), flatEvent(fields))
	wrapped := eng.Evaluate(context.Background(), wrappedEvent(fields))
	if len(flat) != 1 || len(wrapped) != 1 {
		t.Errorf("flat=%d wrapped=%d, want 1 each", len(flat), len(wrapped))
	}
}

func TestEngine_Evaluate_Miss(t *testing.T) {
	eng := loadedEngine(t, testRule("r-1", "Mimikatz", "CommandLine", "mimikatz"))
	alerts := eng.Evaluate(context.Background(), flatEvent(map[string]string{"CommandLine": "notepad.exe"}))
	if len(alerts) != 0 {
		t.Errorf("expected 0 alerts, got %d", len(alerts))
	}
}

func TestEngine_Evaluate_Malformed(t *testing.T) {
	eng := loadedEngine(t, testRule("r-1", "Mimikatz", "CommandLine", "mimikatz"))
	alerts := eng.Evaluate(context.Background(), event.Record{"garbage": 1})
	if len(alerts) != 0 {
		t.Errorf("expected 0 alerts for malformed record, got %d", len(alerts))
	}
}

func TestEngine_Evaluate_LoadOrder(t *testing.T) {
	eng := loadedEngine(t,
		testRule("r-b", "Second", "CommandLine", "evil"),
		testRule("r-a", "First", "CommandLine", "evil"),
	)
	alerts := eng.Evaluate(context.Background(), flatEvent(map[string]string{"CommandLine": "evil"}))
	if len(alerts) != 2 || alerts[0].RuleID != "r-b" || alerts[1].RuleID != "r-a" {
		t.Errorf("alerts = %+v", alerts)
	}
}

func TestEngine_CorpusLoad(t *testing.T) {
	bundle := testRule("r-1", "One", "CommandLine", "a") + "\n\n\n" +
		"title: [broken\n\n\n" +
		testRule("r-1", "Dup", "CommandLine", "b")
	fsys := fstest.MapFS{"sysmon/bundle.yml": {Data: []byte(bundle)}}

	c, err := corpus.New(fsys, "rules")
	if err != nil {
		t.Fatal(err)
	}
	eng := New(quietLogger())
	report, err := c.Load(eng, quietLogger())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if report.Loaded != 1 || len(report.Failed) != 2 {
		t.Fatalf("report = %+v", report)
	}
	if report.Failed[1].Kind != corpus.DuplicateRule {
		t.Errorf("second failure kind = %v", report.Failed[1].Kind)
	}
	h, _ := eng.Rule("r-1")
	if h.SignatureSource != "sysmon" {
		t.Errorf("SignatureSource = %q", h.SignatureSource)
	}
}

func TestVersion(t *testing.T) {
	if Version() == "" {
		t.Error("Version is empty")
	}
}
