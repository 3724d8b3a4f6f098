// Package orchestrator coordinates the Load → Scan → Report pipeline.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/iyulab/sigma-triage/internal/aggregate"
	"github.com/iyulab/sigma-triage/internal/config"
	"github.com/iyulab/sigma-triage/internal/corpus"
	"github.com/iyulab/sigma-triage/internal/output"
	"github.com/iyulab/sigma-triage/internal/reporter"
	"github.com/iyulab/sigma-triage/internal/sigma"
	"github.com/iyulab/sigma-triage/internal/source"
)

// Options holds CLI flags for the orchestrator.
type Options struct {
	DumpEvents bool
	Package    bool
	Verbose    bool
}

// Request names one event log to scan. Name defaults to the file's base name
// and becomes the report file name.
type Request struct {
	Path string
	Name string
}

// Result summarizes a completed run.
type Result struct {
	OutputDir   string
	ToolVersion string
	Reports     []string
	Verdicts    []reporter.Verdict
	Package     string // empty when packaging was off or failed
	Meta        output.RunMeta
}

// Orchestrator runs the pipeline. Init loads the rule corpus once; Run then
// scans files sequentially with a fresh aggregation per file.
type Orchestrator struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger
	stderr io.Writer

	engine      *sigma.Engine
	rules       corpus.LoadReport
	fingerprint string
	toolVersion string
	rep         *reporter.Reporter
}

// New creates an Orchestrator. Rules are not loaded until Init or Run.
func New(cfg *config.Config, opts Options, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:    cfg,
		opts:   opts,
		logger: logger.With("component", "orchestrator"),
		stderr: os.Stderr,
	}
}

// SetProgress redirects progress output (used in tests).
func (o *Orchestrator) SetProgress(w io.Writer) {
	o.stderr = w
}

// Init loads and fingerprints the rule corpus. A missing rules directory or a
// corpus with no loadable rule is fatal.
func (o *Orchestrator) Init() error {
	c, err := corpus.Open(o.cfg.Rules.Dir)
	if err != nil {
		return err
	}
	engine := sigma.New(o.logger)
	report, err := c.Load(engine, o.logger)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	fp, err := c.Fingerprint()
	if err != nil {
		return fmt.Errorf("fingerprint rules: %w", err)
	}
	rep, err := reporter.New()
	if err != nil {
		return fmt.Errorf("create reporter: %w", err)
	}

	o.engine = engine
	o.rules = report
	o.fingerprint = fp
	o.toolVersion = corpus.ToolVersion(sigma.Version(), fp)
	o.rep = rep

	fmt.Fprintf(o.stderr, "[*] Rules: %d loaded, %d skipped (%s)\n", report.Loaded, len(report.Failed), o.toolVersion)
	return nil
}

// ToolVersion returns the engine version and corpus fingerprint. It is empty
// before Init.
func (o *Orchestrator) ToolVersion() string {
	return o.toolVersion
}

// Run scans every request in order and writes one report per file, plus run
// metadata and the hash manifest. A file that cannot be read still gets a
// report. Cancellation stops the run after the current record.
func (o *Orchestrator) Run(ctx context.Context, reqs []Request) (*Result, error) {
	if o.engine == nil {
		if err := o.Init(); err != nil {
			return nil, err
		}
	}

	hostname, _ := os.Hostname()
	outputDir := output.GenerateOutputDir(o.cfg.Output.Dir)
	if o.opts.Verbose {
		fmt.Fprintf(o.stderr, "[orchestrator] output: %s\n", outputDir)
	}
	w, err := output.NewWriter(outputDir)
	if err != nil {
		return nil, fmt.Errorf("create writer: %w", err)
	}

	res := &Result{OutputDir: outputDir, ToolVersion: o.toolVersion}
	meta := output.RunMeta{
		Hostname:         hostname,
		ToolVersion:      o.toolVersion,
		RulesFingerprint: o.fingerprint,
		RulesLoaded:      o.rules.Loaded,
		RulesFailed:      len(o.rules.Failed),
		StartedAt:        time.Now().UTC(),
	}

	reqs = uniqueNames(reqs)
	fmt.Fprintf(o.stderr, "[*] Scanning %d file(s)...\n", len(reqs))
	width := len(strconv.Itoa(len(reqs)))
	for i, req := range reqs {
		fm, data := o.scanFile(ctx, w, hostname, req)
		meta.Files = append(meta.Files, fm)
		if fm.Report != "" {
			res.Reports = append(res.Reports, fm.Report)
			res.Verdicts = append(res.Verdicts, data.Verdict)
		}

		status := "✓"
		if fm.Error != "" {
			status = "✗"
		}
		fmt.Fprintf(o.stderr, "  [%*d/%d] %-22s %s  %d finding(s)  %s\n",
			width, i+1, len(reqs), req.Name, status, fm.Findings, fm.Duration)

		if ctx.Err() != nil {
			break
		}
	}

	meta.Finish()
	if err := w.SaveMeta(meta); err != nil {
		fmt.Fprintf(o.stderr, "[orchestrator] warning: %v\n", err)
	}
	if err := w.SaveManifest(hostname, o.toolVersion); err != nil {
		fmt.Fprintf(o.stderr, "[orchestrator] warning: manifest: %v\n", err)
	}
	res.Meta = meta

	if o.opts.Package {
		fmt.Fprintf(o.stderr, "[*] Creating evidence package...\n")
		zipPath, err := reporter.ExportEvidence(outputDir, hostname, o.toolVersion, o.fingerprint)
		if err != nil {
			fmt.Fprintf(o.stderr, "[orchestrator] warning: evidence export: %v\n", err)
		} else {
			res.Package = zipPath
			fmt.Fprintf(o.stderr, "[*] Evidence package: %s\n", zipPath)
		}
	}

	fmt.Fprintf(o.stderr, "[*] Total time: %s\n", meta.Duration)
	return res, ctx.Err()
}

// scanFile runs one file through engine and aggregation and writes its
// report. The aggregation state lives only for this call.
func (o *Orchestrator) scanFile(ctx context.Context, w *output.Writer, hostname string, req Request) (output.FileMeta, reporter.ReportData) {
	start := time.Now()
	fm := output.FileMeta{Name: req.Name, Path: req.Path}
	log := o.logger.With("file", req.Name)

	run := aggregate.NewRun(o.logger)
	var dump bytes.Buffer
	enc := json.NewEncoder(&dump)

	if err := o.scan(ctx, req, run, enc, &fm, log); err != nil {
		fm.Error = err.Error()
		log.Warn("scan failed", "error", err)
	}

	findings := run.Findings()
	fm.Findings = len(findings)
	fm.Duration = time.Since(start).Round(time.Millisecond).String()
	log.Info("scan complete", "records", fm.Records, "alerts", fm.Alerts, "rules_matched", run.Len())

	data := reporter.NewReportData(req.Name, req.Path, findings)
	data.Hostname = hostname
	data.ToolVersion = o.toolVersion
	data.RulesFingerprint = o.fingerprint
	data.RulesLoaded = o.rules.Loaded
	data.Records = fm.Records
	data.RecordErrors = fm.RecordErrors
	data.Alerts = fm.Alerts
	data.ScanDuration = fm.Duration

	if o.opts.DumpEvents && dump.Len() > 0 {
		name := req.Name + "_event_dump"
		if err := w.SaveSupplementary(name, "Decoded event records, one JSON object per line", dump.Bytes()); err != nil {
			fmt.Fprintf(o.stderr, "[orchestrator] warning: event dump: %v\n", err)
		} else {
			supp := w.Supplementaries()
			data.Supplementary = append(data.Supplementary, supp[len(supp)-1])
		}
	}

	path, err := o.rep.Generate(data, w)
	if err != nil {
		fmt.Fprintf(o.stderr, "[orchestrator] warning: report %s: %v\n", req.Name, err)
		if fm.Error == "" {
			fm.Error = err.Error()
		}
		return fm, data
	}
	fm.Report = path
	return fm, data
}

// scan streams the records of one file into run. Per-record decode errors are
// counted and skipped.
func (o *Orchestrator) scan(ctx context.Context, req Request, run *aggregate.Run, enc *json.Encoder, fm *output.FileMeta, log *slog.Logger) error {
	format, err := source.Detect(req.Path)
	if err != nil {
		return err
	}
	fm.Format = string(format)

	src, err := source.Open(req.Path)
	if err != nil {
		return err
	}
	defer src.Close()

	for rec, err := range src.Records() {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			fm.RecordErrors++
			log.Debug("record skipped", "error", err)
			continue
		}
		fm.Records++
		if o.opts.DumpEvents {
			if err := enc.Encode(rec); err != nil {
				log.Debug("event dump skipped record", "error", err)
			}
		}
		for _, alert := range o.engine.Evaluate(ctx, rec) {
			fm.Alerts++
			run.Record(alert, rec)
		}
	}
	if fm.RecordErrors > 0 {
		log.Warn("records could not be decoded", "count", fm.RecordErrors)
	}
	return nil
}

// uniqueNames fills empty names from the path and suffixes repeated names so
// each file gets its own report. A suffix never takes a name another request
// already carries.
func uniqueNames(reqs []Request) []Request {
	out := make([]Request, len(reqs))
	claimed := make(map[string]bool, len(reqs))
	for i, r := range reqs {
		if r.Name == "" {
			r.Name = filepath.Base(r.Path)
		}
		out[i] = r
		claimed[r.Name] = true
	}

	used := make(map[string]bool, len(reqs))
	for i := range out {
		name := out[i].Name
		if used[name] {
			base := name
			for n := 2; ; n++ {
				name = fmt.Sprintf("%s_%d", base, n)
				if !used[name] && !claimed[name] {
					break
				}
			}
		}
		used[name] = true
		out[i].Name = name
	}
	return out
}
