package orchestrator

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/iyulab/sigma-triage/internal/config"
	"github.com/iyulab/sigma-triage/internal/corpus"
	"github.com/iyulab/sigma-triage/internal/reporter"
)

const r1Rule = `title: Suspicious Whoami
id: R1
status: stable
level: high
tags:
  - attack.discovery
  - attack.t1033
logsource:
  product: windows
  category: process_creation
detection:
  selection:
    CommandLine|contains: 'whoami'
  condition: selection
`

const quietRule = `title: Never Fires
id: R2
level: low
detection:
  selection:
    CommandLine|contains: 'no-such-command'
  condition: selection
`

// processLine is one wrapped Sysmon process-creation record as a JSON line.
func processLine(guid, cmd string) string {
	rec := map[string]any{"Event": map[string]any{
		"System": map[string]any{"Channel": "Microsoft-Windows-Sysmon/Operational", "EventID": 1},
		"EventData": map[string]any{
			"ProcessGuid": guid,
			"Image":       `C:\Windows\System32\cmd.exe`,
			"UtcTime":     "2024-01-01 10:00:00.000",
			"CommandLine": cmd,
		},
	}}
	b, _ := json.Marshal(rec)
	return string(b)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFile(t *testing.T, path, content string) string {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

// setup writes a two-rule corpus and returns a config pointing at it.
func setup(t *testing.T) (*config.Config, string) {
	t.Helper()
	root := t.TempDir()
	rulesDir := filepath.Join(root, "rules")
	writeFile(t, filepath.Join(rulesDir, "sysmon", "bundle.yml"), r1Rule+"\n\n\n"+quietRule)

	cfg := config.Default()
	cfg.Rules.Dir = rulesDir
	cfg.Output.Dir = filepath.Join(root, "out")
	return cfg, root
}

func newTestOrchestrator(cfg *config.Config, opts Options) *Orchestrator {
	o := New(cfg, opts, quietLogger())
	o.SetProgress(io.Discard)
	return o
}

func readReport(t *testing.T, htmlPath string) reporter.ReportData {
	t.Helper()
	jsonPath := strings.TrimSuffix(htmlPath, ".html") + ".json"
	data, err := os.ReadFile(jsonPath)
	if err != nil {
		t.Fatalf("read json report: %v", err)
	}
	var rd reporter.ReportData
	if err := json.Unmarshal(data, &rd); err != nil {
		t.Fatalf("decode json report: %v", err)
	}
	return rd
}

func TestRun_SameRuleTwice(t *testing.T) {
	cfg, root := setup(t)
	events := writeFile(t, filepath.Join(root, "sysmon.jsonl"), strings.Join([]string{
		processLine("{G1}", "cmd /c whoami"),
		processLine("{G1}", "cmd /c whoami /all"),
		processLine("{G2}", "notepad.exe"),
	}, "\n")+"\n")

	o := newTestOrchestrator(cfg, Options{DumpEvents: true})
	res, err := o.Run(context.Background(), []Request{{Path: events}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Reports) != 1 {
		t.Fatalf("expected 1 report, got %d", len(res.Reports))
	}
	if !strings.Contains(res.ToolVersion, ".r") {
		t.Errorf("ToolVersion = %q, want fingerprint suffix", res.ToolVersion)
	}

	rd := readReport(t, res.Reports[0])
	if rd.Records != 3 || rd.Alerts != 2 {
		t.Errorf("records=%d alerts=%d, want 3 and 2", rd.Records, rd.Alerts)
	}
	if rd.RulesLoaded != 2 {
		t.Errorf("rules loaded = %d, want 2", rd.RulesLoaded)
	}
	if len(rd.Findings) != 1 {
		t.Fatalf("expected 1 finding, got %d", len(rd.Findings))
	}
	f := rd.Findings[0]
	if len(f.Events) != 2 {
		t.Errorf("expected 2 event sections, got %d", len(f.Events))
	}
	if len(f.Attributes) != 1 {
		t.Errorf("expected 1 entity, got %d", len(f.Attributes))
	}
	if f.Heuristic != 2 || f.AttackID != "T1033" {
		t.Errorf("heuristic=%d attack=%q", f.Heuristic, f.AttackID)
	}
	if f.Signature != "sysmon.Suspicious Whoami" {
		t.Errorf("signature = %q", f.Signature)
	}
	if rd.Verdict.Urgency != "investigate" {
		t.Errorf("urgency = %q, want investigate", rd.Verdict.Urgency)
	}

	if len(rd.Supplementary) != 1 {
		t.Fatalf("expected event dump attachment, got %v", rd.Supplementary)
	}
	dump, err := os.ReadFile(filepath.Join(res.OutputDir, filepath.FromSlash(rd.Supplementary[0].File)))
	if err != nil {
		t.Fatalf("read dump: %v", err)
	}
	if n := strings.Count(string(dump), "\n"); n != 3 {
		t.Errorf("dump has %d lines, want 3", n)
	}

	for _, name := range []string{"run_meta.json", "manifest.json"} {
		if _, err := os.Stat(filepath.Join(res.OutputDir, name)); err != nil {
			t.Errorf("%s missing: %v", name, err)
		}
	}
	if res.Meta.Succeeded != 1 || res.Meta.Failed != 0 {
		t.Errorf("meta = %+v", res.Meta)
	}
}

func TestRun_NoMatchesStillReports(t *testing.T) {
	cfg, root := setup(t)
	events := writeFile(t, filepath.Join(root, "quiet.jsonl"), processLine("{G9}", "notepad.exe")+"\n")

	res, err := newTestOrchestrator(cfg, Options{}).Run(context.Background(), []Request{{Path: events, Name: "quiet"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	rd := readReport(t, res.Reports[0])
	if len(rd.Findings) != 0 || rd.Verdict.Urgency != "none" {
		t.Errorf("findings=%d urgency=%q", len(rd.Findings), rd.Verdict.Urgency)
	}
	if len(rd.Supplementary) != 0 {
		t.Errorf("dump attached with DumpEvents off: %v", rd.Supplementary)
	}
	if filepath.Base(res.Reports[0]) != "quiet.report.html" {
		t.Errorf("report path = %s", res.Reports[0])
	}
}

func TestRun_UnreadableFileStillReports(t *testing.T) {
	cfg, root := setup(t)
	missing := filepath.Join(root, "gone.evtx")

	res, err := newTestOrchestrator(cfg, Options{}).Run(context.Background(), []Request{{Path: missing}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Reports) != 1 {
		t.Fatalf("expected a report for the failed file, got %d", len(res.Reports))
	}
	if res.Meta.Failed != 1 || res.Meta.Files[0].Error == "" {
		t.Errorf("meta = %+v", res.Meta)
	}
}

func TestRun_Package(t *testing.T) {
	cfg, root := setup(t)
	events := writeFile(t, filepath.Join(root, "a.jsonl"), processLine("{G1}", "whoami")+"\n")

	res, err := newTestOrchestrator(cfg, Options{Package: true}).Run(context.Background(), []Request{{Path: events}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Package == "" {
		t.Fatal("expected evidence package path")
	}
	zr, err := zip.OpenReader(res.Package)
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	defer zr.Close()
	var names []string
	for _, f := range zr.File {
		names = append(names, filepath.Base(f.Name))
	}
	joined := strings.Join(names, ",")
	for _, want := range []string{"a.jsonl.report.html", "a.jsonl.report.json", "package_info.json"} {
		if !strings.Contains(joined, want) {
			t.Errorf("zip missing %s: %v", want, names)
		}
	}
}

func TestRun_Canceled(t *testing.T) {
	cfg, root := setup(t)
	events := writeFile(t, filepath.Join(root, "a.jsonl"), processLine("{G1}", "whoami")+"\n")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := newTestOrchestrator(cfg, Options{}).Run(ctx, []Request{{Path: events}, {Path: events}})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(res.Meta.Files) != 1 {
		t.Errorf("expected the run to stop after the first file, got %d", len(res.Meta.Files))
	}
}

func TestInit_MissingRulesDirectory(t *testing.T) {
	cfg := config.Default()
	cfg.Rules.Dir = filepath.Join(t.TempDir(), "absent")
	err := newTestOrchestrator(cfg, Options{}).Init()
	if !errors.Is(err, corpus.ErrMissingRulesDirectory) {
		t.Errorf("err = %v, want ErrMissingRulesDirectory", err)
	}
}

func TestInit_NoLoadableRules(t *testing.T) {
	cfg, _ := setup(t)
	cfg.Rules.Dir = filepath.Join(t.TempDir(), "broken")
	writeFile(t, filepath.Join(cfg.Rules.Dir, "bad.yml"), "title: [unterminated\n")
	err := newTestOrchestrator(cfg, Options{}).Init()
	if !errors.Is(err, corpus.ErrNoRules) {
		t.Errorf("err = %v, want ErrNoRules", err)
	}
}

func TestUniqueNames(t *testing.T) {
	got := uniqueNames([]Request{
		{Path: "/a/Security.evtx"},
		{Path: "/b/Security.evtx"},
		{Path: "/c/x.json", Name: "custom"},
	})
	want := []string{"Security.evtx", "Security.evtx_2", "custom"}
	for i, r := range got {
		if r.Name != want[i] {
			t.Errorf("name[%d] = %q, want %q", i, r.Name, want[i])
		}
	}
}

func TestUniqueNames_SuffixSkipsTakenNames(t *testing.T) {
	got := uniqueNames([]Request{
		{Path: "x/a"},
		{Path: "y/a"},
		{Path: "a_2"},
	})
	want := []string{"a", "a_3", "a_2"}
	seen := map[string]bool{}
	for i, r := range got {
		if r.Name != want[i] {
			t.Errorf("name[%d] = %q, want %q", i, r.Name, want[i])
		}
		if seen[r.Name] {
			t.Errorf("duplicate report name %q", r.Name)
		}
		seen[r.Name] = true
	}
}

func TestRun_LogsMatchedRules(t *testing.T) {
	cfg, root := setup(t)
	events := writeFile(t, filepath.Join(root, "a.jsonl"), processLine("{G1}", "whoami")+"\n")

	var buf strings.Builder
	o := New(cfg, Options{}, slog.New(slog.NewTextHandler(&buf, nil)))
	o.SetProgress(io.Discard)
	if _, err := o.Run(context.Background(), []Request{{Path: events}}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(buf.String(), "rules_matched=1") {
		t.Errorf("scan log missing matched rule count:\n%s", buf.String())
	}
}
