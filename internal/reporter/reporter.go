package reporter

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/iyulab/sigma-triage/internal/aggregate"
	"github.com/iyulab/sigma-triage/internal/event"
	"github.com/iyulab/sigma-triage/internal/output"
)

//go:embed templates/*.tmpl
var templates embed.FS

// ReportData is the complete data model for one scanned file. It is rendered
// by the HTML template and serialized as the JSON report.
type ReportData struct {
	// Header
	ReportID    string    `json:"report_id"`
	Name        string    `json:"name"`
	Path        string    `json:"path"`
	Hostname    string    `json:"hostname"`
	GeneratedAt time.Time `json:"generated_at"`
	ToolVersion string    `json:"tool_version"`

	// Rule corpus
	RulesFingerprint string `json:"rules_fingerprint"`
	RulesLoaded      int    `json:"rules_loaded"`

	// Triage decision
	Verdict Verdict         `json:"verdict"`
	Summary SeveritySummary `json:"summary"`

	// Findings, one per matched rule
	Findings   []aggregate.Finding `json:"findings"`
	Indicators []IndicatorEntry    `json:"indicators"`

	// Scan statistics
	Records      int    `json:"records"`
	RecordErrors int    `json:"record_errors,omitempty"`
	Alerts       int    `json:"alerts"`
	ScanDuration string `json:"scan_duration"`

	// Supplementary files attached with the report
	Supplementary []output.Supplementary `json:"supplementary,omitempty"`
}

// NewReportData builds the report for one file from its findings. Findings
// may be empty; a report is produced regardless.
func NewReportData(name, path string, findings []aggregate.Finding) ReportData {
	if findings == nil {
		findings = []aggregate.Finding{}
	}
	t := &Triage{}
	return ReportData{
		ReportID:    uuid.NewString(),
		Name:        name,
		Path:        path,
		GeneratedAt: time.Now().UTC(),
		Verdict:     t.Assess(findings),
		Summary:     Summarize(findings),
		Findings:    findings,
		Indicators:  CollectIndicators(findings),
	}
}

// Reporter generates HTML and JSON reports.
type Reporter struct {
	tmpl *template.Template
}

// New creates a Reporter with the embedded HTML template.
func New() (*Reporter, error) {
	funcMap := template.FuncMap{
		"bannerClass": func(v Verdict) string {
			if v.Banner == "red" && v.Urgency == "immediate" {
				return "banner-critical"
			}
			switch v.Banner {
			case "red":
				return "banner-red"
			case "yellow":
				return "banner-yellow"
			default:
				return "banner-green"
			}
		},
		"levelClass": func(level string) string {
			switch strings.ToLower(level) {
			case "critical":
				return "level-critical"
			case "high":
				return "level-high"
			case "medium":
				return "level-medium"
			case "low":
				return "level-low"
			default:
				return "level-info"
			}
		},
		"heuristic": func(h int) string {
			if h == aggregate.Unscored {
				return "unscored"
			}
			return fmt.Sprintf("H%d", h)
		},
		"sortedKeys": sortedKeys,
		"text":       event.Text,
		"join":       strings.Join,
	}

	tmpl, err := template.New("report.html.tmpl").Funcs(funcMap).ParseFS(templates, "templates/report.html.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}

	return &Reporter{tmpl: tmpl}, nil
}

// GenerateString renders the HTML template to a string.
func (r *Reporter) GenerateString(data ReportData) (string, error) {
	var buf strings.Builder
	if err := r.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render report: %w", err)
	}
	return buf.String(), nil
}

// Generate renders the HTML and JSON reports for data through w and returns
// the HTML report path.
func (r *Reporter) Generate(data ReportData, w *output.Writer) (string, error) {
	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render report: %w", err)
	}
	htmlPath, err := w.SaveReport(data.Name+".report.html", buf.Bytes())
	if err != nil {
		return "", fmt.Errorf("save report: %w", err)
	}

	js, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal report: %w", err)
	}
	if _, err := w.SaveReport(data.Name+".report.json", js); err != nil {
		return "", fmt.Errorf("save report: %w", err)
	}
	return htmlPath, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
