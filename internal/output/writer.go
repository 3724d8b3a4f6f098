// Package output writes scan results to disk and records their hashes.
package output

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// SupplementaryDir is the subdirectory holding supplementary files.
const SupplementaryDir = "supplementary"

// Writer saves scan outputs under one directory.
// Thread-safe: multiple goroutines may save files concurrently.
type Writer struct {
	outputDir string
	mu        sync.Mutex
	hashes    []FileHash // accumulated hashes for manifest
	supp      []Supplementary
}

// FileHash records the SHA-256 hash of a saved file.
type FileHash struct {
	File   string `json:"file"`
	SHA256 string `json:"sha256"`
	Size   int    `json:"size"`
}

// Supplementary describes a file attached alongside a report.
type Supplementary struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	File        string `json:"file"`
}

// NewWriter creates a Writer for the given output directory.
func NewWriter(outputDir string) (*Writer, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &Writer{outputDir: outputDir}, nil
}

// OutputDir returns the output directory path.
func (w *Writer) OutputDir() string {
	return w.outputDir
}

// SaveSupplementary attaches data under supplementary/<name>.
func (w *Writer) SaveSupplementary(name, description string, data []byte) error {
	rel := filepath.Join(SupplementaryDir, SafeName(name))
	if err := w.save(rel, data); err != nil {
		return err
	}
	w.mu.Lock()
	w.supp = append(w.supp, Supplementary{Name: name, Description: description, File: filepath.ToSlash(rel)})
	w.mu.Unlock()
	return nil
}

// SaveReport writes a report file at the top of the output directory and
// returns its path.
func (w *Writer) SaveReport(filename string, data []byte) (string, error) {
	filename = SafeName(filename)
	if err := w.save(filename, data); err != nil {
		return "", err
	}
	return filepath.Join(w.outputDir, filename), nil
}

// SaveJSON marshals v with indentation and saves it as a report file.
func (w *Writer) SaveJSON(filename string, v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", filename, err)
	}
	return w.SaveReport(filename, data)
}

func (w *Writer) save(rel string, data []byte) error {
	path := filepath.Join(w.outputDir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create dir for %s: %w", rel, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	w.mu.Lock()
	w.hashes = append(w.hashes, FileHash{
		File:   filepath.ToSlash(rel),
		SHA256: sha256Hex(data),
		Size:   len(data),
	})
	w.mu.Unlock()
	return nil
}

// sha256Hex computes the SHA-256 hex digest of data.
func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Supplementaries returns the attached supplementary files.
func (w *Writer) Supplementaries() []Supplementary {
	w.mu.Lock()
	defer w.mu.Unlock()
	cp := make([]Supplementary, len(w.supp))
	copy(cp, w.supp)
	return cp
}

// Hashes returns the accumulated file hashes.
func (w *Writer) Hashes() []FileHash {
	w.mu.Lock()
	defer w.mu.Unlock()
	cp := make([]FileHash, len(w.hashes))
	copy(cp, w.hashes)
	return cp
}

// Manifest records all output file hashes for integrity verification.
type Manifest struct {
	GeneratedAt time.Time  `json:"generated_at"`
	Hostname    string     `json:"hostname"`
	ToolVersion string     `json:"tool_version"`
	Files       []FileHash `json:"files"`
}

// SaveManifest writes the hash manifest to manifest.json. The manifest does
// not list itself.
func (w *Writer) SaveManifest(hostname, toolVersion string) error {
	manifest := Manifest{
		GeneratedAt: time.Now().UTC(),
		Hostname:    hostname,
		ToolVersion: toolVersion,
		Files:       w.Hashes(),
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	path := filepath.Join(w.outputDir, "manifest.json")
	return os.WriteFile(path, data, 0644)
}

// RunMeta holds metadata about one scan run.
type RunMeta struct {
	Hostname         string     `json:"hostname"`
	ToolVersion      string     `json:"tool_version"`
	RulesFingerprint string     `json:"rules_fingerprint"`
	RulesLoaded      int        `json:"rules_loaded"`
	RulesFailed      int        `json:"rules_failed"`
	StartedAt        time.Time  `json:"started_at"`
	CompletedAt      time.Time  `json:"completed_at"`
	Duration         string     `json:"duration"`
	Files            []FileMeta `json:"files"`
	TotalFiles       int        `json:"total_files"`
	Succeeded        int        `json:"succeeded"`
	Failed           int        `json:"failed"`
}

// FileMeta holds metadata about one scanned file.
type FileMeta struct {
	Name         string `json:"name"`
	Path         string `json:"path"`
	Format       string `json:"format,omitempty"`
	Duration     string `json:"duration"`
	Records      int    `json:"records"`
	RecordErrors int    `json:"record_errors,omitempty"`
	Alerts       int    `json:"alerts"`
	Findings     int    `json:"findings"`
	Report       string `json:"report,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Finish fills the completion fields and counters of m.
func (m *RunMeta) Finish() {
	m.CompletedAt = time.Now().UTC()
	m.Duration = m.CompletedAt.Sub(m.StartedAt).String()
	m.TotalFiles = len(m.Files)
	m.Succeeded, m.Failed = 0, 0
	for _, f := range m.Files {
		if f.Error != "" {
			m.Failed++
		} else {
			m.Succeeded++
		}
	}
}

// SaveMeta writes the run metadata to run_meta.json.
func (w *Writer) SaveMeta(meta RunMeta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	path := filepath.Join(w.outputDir, "run_meta.json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write meta: %w", err)
	}
	return nil
}

// GenerateOutputDir creates a timestamped output directory path under baseDir.
func GenerateOutputDir(baseDir string) string {
	ts := time.Now().Format("2006-01-02T15-04-05")
	return filepath.Join(baseDir, ts)
}

// SafeName replaces path separators and other characters unsafe in file
// names with underscores.
func SafeName(name string) string {
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, name)
	if name == "" || name == "." || name == ".." {
		return "_"
	}
	return name
}
