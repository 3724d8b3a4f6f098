package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/iyulab/sigma-triage/internal/corpus"
	"github.com/iyulab/sigma-triage/internal/sigma"
)

// RuleType is the signature type of imported rules.
const RuleType = "sigma"

// DefaultBatchSize bounds one AddOrUpdate call.
const DefaultBatchSize = 1000

// Importer validates rule files and uploads them to a Store in batches.
type Importer struct {
	store          *Store
	batchSize      int
	classification string
	logger         *slog.Logger
}

// NewImporter returns an Importer writing to s. batchSize <= 0 selects
// DefaultBatchSize.
func NewImporter(s *Store, batchSize int, classification string, logger *slog.Logger) *Importer {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Importer{
		store:          s,
		batchSize:      batchSize,
		classification: classification,
		logger:         logger.With("component", "importer"),
	}
}

// ImportResult summarizes one import.
type ImportResult struct {
	Files     int      `json:"files"`
	Skipped   []string `json:"skipped,omitempty"`
	Records   int      `json:"records"`
	Imported  int      `json:"imported"`
	Batches   int      `json:"batches"`
	BatchSize int      `json:"batch_size"`
}

// Validate reports whether every rule in the file at path can be loaded by
// the engine.
func Validate(path string, logger *slog.Logger) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read rule %s: %w", path, err)
	}
	frags := corpus.Split(string(data))
	if len(frags) == 0 {
		return fmt.Errorf("%w: %s is empty", corpus.ErrNoRules, filepath.Base(path))
	}
	eng := sigma.New(logger)
	for i, frag := range frags {
		if err := eng.Load(frag); err != nil {
			return fmt.Errorf("%s#%d: %w", filepath.Base(path), i, err)
		}
	}
	return nil
}

// Import validates files and stores every rule they contain under source.
// Files that fail validation are skipped and logged.
func (im *Importer) Import(ctx context.Context, files []string, source string) (ImportResult, error) {
	res := ImportResult{Files: len(files), BatchSize: im.batchSize}

	var batch []Signature
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		im.logger.Info("sending batch to signature store", "source", source, "size", len(batch))
		n, err := im.store.AddOrUpdate(ctx, source, RuleType, batch, false)
		if err != nil {
			return fmt.Errorf("import batch: %w", err)
		}
		res.Imported += n
		res.Batches++
		batch = batch[:0]
		return nil
	}

	order := 0
	for _, path := range files {
		if err := Validate(path, im.logger); err != nil {
			im.logger.Warn("rule file skipped", "path", path, "error", err)
			res.Skipped = append(res.Skipped, path)
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return res, fmt.Errorf("read rule %s: %w", path, err)
		}
		for _, frag := range corpus.Split(string(data)) {
			h, err := corpus.ParseHeader(frag)
			if err != nil {
				continue
			}
			order++
			sid := h.ID
			if sid == "" {
				sid = h.Title
			}
			batch = append(batch, Signature{
				Source:         source,
				Type:           RuleType,
				Name:           h.Title,
				SignatureID:    sid,
				Status:         corpus.Deployment(h.Status),
				Classification: im.classification,
				Order:          order,
				Data:           frag,
			})
			res.Records++
			if len(batch) >= im.batchSize {
				if err := flush(); err != nil {
					return res, err
				}
			}
		}
	}
	if err := flush(); err != nil {
		return res, err
	}

	im.logger.Info("import complete", "source", source, "imported", res.Imported, "records", res.Records, "skipped", len(res.Skipped))
	return res, nil
}
