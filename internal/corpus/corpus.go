// Package corpus prepares rule files for the engine and versions the active
// rule set.
package corpus

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
)

// FingerprintLength is the number of hex characters kept in a fingerprint.
const FingerprintLength = 7

// ErrMissingRulesDirectory is returned when the corpus location is absent.
var ErrMissingRulesDirectory = errors.New("rules directory not found")

// ErrNoRules is returned when a corpus yields no loadable rule.
var ErrNoRules = errors.New("no rules loaded")

// delimiter separates logical rules bundled in one file: two or more blank
// lines, i.e. three consecutive line breaks.
var delimiter = regexp.MustCompile(`(?:\r?\n[ \t]*){3,}`)

// Fragment is one logical rule cut from a rule file.
type Fragment struct {
	Path   string // file the fragment came from, relative to the corpus root
	Source string // signature source name
	Index  int    // position within the file
	Text   string // fragment text, already tagged with its source
}

// Split cuts a rule file into its logical rule fragments. Whitespace-only
// fragments are dropped.
func Split(text string) []string {
	var out []string
	for _, part := range delimiter.Split(text, -1) {
		if strings.TrimSpace(part) == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

// Tag appends the signature_source line naming where fragment came from.
func Tag(fragment, source string) string {
	return strings.TrimRight(fragment, "\r\n") + "\nsignature_source: " + source + "\n"
}

// Loader is the engine-side consumer of tagged fragments.
type Loader interface {
	Load(text string) error
}

// Corpus is a set of rule files rooted at one directory.
type Corpus struct {
	fsys  fs.FS
	name  string
	files []string
}

// Open returns the corpus under dir. A missing dir is fatal to
// initialization and reported as ErrMissingRulesDirectory.
func Open(dir string) (*Corpus, error) {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrMissingRulesDirectory, dir)
		}
		return nil, fmt.Errorf("stat rules directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrMissingRulesDirectory, dir)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = dir
	}
	return New(os.DirFS(dir), filepath.Base(abs))
}

// New returns the corpus of all .yml/.yaml files in fsys. name is the source
// name given to files at the root of fsys.
func New(fsys fs.FS, name string) (*Corpus, error) {
	var files []string
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		ext := path.Ext(p)
		if ext != ".yml" && ext != ".yaml" {
			return nil
		}
		files = append(files, p)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk rules: %w", err)
	}
	return &Corpus{fsys: fsys, name: name, files: files}, nil
}

// Files returns the rule file paths in walk order.
func (c *Corpus) Files() []string {
	return slices.Clone(c.files)
}

// SourceName is the signature source of a rule file: the name of its parent
// directory.
func (c *Corpus) SourceName(p string) string {
	dir := path.Dir(p)
	if dir == "." {
		return c.name
	}
	return path.Base(dir)
}

// Fragments reads every rule file, splits it, and tags each fragment.
func (c *Corpus) Fragments() ([]Fragment, error) {
	var out []Fragment
	for _, p := range c.files {
		data, err := fs.ReadFile(c.fsys, p)
		if err != nil {
			return nil, fmt.Errorf("read rule %s: %w", p, err)
		}
		source := c.SourceName(p)
		for i, text := range Split(string(data)) {
			out = append(out, Fragment{Path: p, Source: source, Index: i, Text: Tag(text, source)})
		}
	}
	return out, nil
}

// LoadReport summarizes one corpus load.
type LoadReport struct {
	Files     int
	Fragments int
	Loaded    int
	Failed    []*LoadError
}

// Load hands every fragment to l. A fragment that fails to load is logged
// and skipped; one bad rule never aborts the load. Load fails only when the
// files cannot be read or nothing loaded at all.
func (c *Corpus) Load(l Loader, logger *slog.Logger) (LoadReport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	report := LoadReport{Files: len(c.files)}

	frags, err := c.Fragments()
	if err != nil {
		return report, err
	}
	report.Fragments = len(frags)
	logger.Info("loading rules", "files", report.Files, "fragments", report.Fragments)

	for _, f := range frags {
		err := l.Load(f.Text)
		if err == nil {
			report.Loaded++
			continue
		}
		var le *LoadError
		if !errors.As(err, &le) {
			le = &LoadError{Kind: MalformedRule, Err: err}
		}
		le.Path = f.Path
		le.Index = f.Index
		if le.Source == "" {
			le.Source = f.Source
		}
		report.Failed = append(report.Failed, le)
		logger.Warn("rule skipped", "kind", le.Kind.String(), "path", f.Path, "fragment", f.Index, "error", le.Err)
	}

	logger.Info("rules loaded", "loaded", report.Loaded, "failed", len(report.Failed))
	if report.Loaded == 0 {
		return report, fmt.Errorf("%w: %d fragment(s) in %d file(s)", ErrNoRules, report.Fragments, report.Files)
	}
	return report, nil
}

// Hashes returns the SHA-256 hex digest of every rule file.
func (c *Corpus) Hashes() ([]string, error) {
	hashes := make([]string, 0, len(c.files))
	for _, p := range c.files {
		data, err := fs.ReadFile(c.fsys, p)
		if err != nil {
			return nil, fmt.Errorf("hash rule %s: %w", p, err)
		}
		hashes = append(hashes, sha256Hex(data))
	}
	return hashes, nil
}

// Fingerprint returns the short version fingerprint of the corpus.
func (c *Corpus) Fingerprint() (string, error) {
	hashes, err := c.Hashes()
	if err != nil {
		return "", err
	}
	return Fingerprint(hashes), nil
}

// Fingerprint combines per-file content hashes into a short, order
// independent fingerprint. A single file keeps a prefix of its own hash.
func Fingerprint(hashes []string) string {
	switch len(hashes) {
	case 0:
		return ""
	case 1:
		return prefix(hashes[0])
	}
	sorted := slices.Clone(hashes)
	slices.Sort(sorted)
	return prefix(sha256Hex([]byte(strings.Join(sorted, " "))))
}

// ToolVersion is the version reported with every result: the engine version
// and the corpus fingerprint.
func ToolVersion(engineVersion, fingerprint string) string {
	if fingerprint == "" {
		return engineVersion
	}
	return engineVersion + ".r" + fingerprint
}

func prefix(h string) string {
	if len(h) > FingerprintLength {
		return h[:FingerprintLength]
	}
	return h
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
