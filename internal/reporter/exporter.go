package reporter

import (
	"archive/zip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// EvidencePackage represents the metadata for an evidence package.
type EvidencePackage struct {
	Version          string        `json:"version"`
	Hostname         string        `json:"hostname"`
	CreatedAt        time.Time     `json:"created_at"`
	ToolVersion      string        `json:"tool_version"`
	RulesFingerprint string        `json:"rules_fingerprint"`
	Files            []PackageFile `json:"files"`
}

// PackageFile records a file included in the evidence package.
type PackageFile struct {
	Name   string `json:"name"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// ExportEvidence creates a ZIP archive of the output directory for handoff.
// The archive includes reports, supplementary event dumps, run metadata and
// the manifest. Returns the path to the created ZIP file.
func ExportEvidence(outputDir, hostname, toolVersion, fingerprint string) (string, error) {
	zipPath := outputDir + ".zip"

	zipFile, err := os.Create(zipPath)
	if err != nil {
		return "", fmt.Errorf("create zip: %w", err)
	}
	defer zipFile.Close()

	w := zip.NewWriter(zipFile)
	defer w.Close()

	var files []PackageFile
	dirBase := filepath.Base(outputDir)

	err = filepath.WalkDir(outputDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(outputDir, path)
		if err != nil {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return nil
		}

		name := filepath.ToSlash(rel)
		zf, err := w.Create(dirBase + "/" + name)
		if err != nil {
			return fmt.Errorf("zip create %s: %w", name, err)
		}
		if _, err := zf.Write(content); err != nil {
			return fmt.Errorf("zip write %s: %w", name, err)
		}

		h := sha256.Sum256(content)
		files = append(files, PackageFile{
			Name:   name,
			SHA256: hex.EncodeToString(h[:]),
			Size:   int64(len(content)),
		})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("read output dir: %w", err)
	}

	pkg := EvidencePackage{
		Version:          "1.0",
		Hostname:         hostname,
		CreatedAt:        time.Now().UTC(),
		ToolVersion:      toolVersion,
		RulesFingerprint: fingerprint,
		Files:            files,
	}
	pkgJSON, err := json.MarshalIndent(pkg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal package info: %w", err)
	}

	zf, err := w.Create(dirBase + "/package_info.json")
	if err != nil {
		return "", fmt.Errorf("zip create package_info: %w", err)
	}
	if _, err := zf.Write(pkgJSON); err != nil {
		return "", fmt.Errorf("zip write package_info: %w", err)
	}

	// Flush before returning so the archive is complete on disk
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close zip writer: %w", err)
	}
	if err := zipFile.Close(); err != nil {
		return "", fmt.Errorf("close zip file: %w", err)
	}

	return zipPath, nil
}
