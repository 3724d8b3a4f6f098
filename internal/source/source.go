// Package source reads Windows event records from exported log files.
package source

import (
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strings"

	"github.com/iyulab/sigma-triage/internal/event"
)

// ErrUnsupportedFormat is returned by Open for a file extension no reader
// handles.
var ErrUnsupportedFormat = errors.New("unsupported event log format")

// Source is an opened event log. Records yields each decoded record once; a
// Source is not restartable. A non-nil error from Records concerns one record
// only and the sequence continues.
type Source interface {
	Records() iter.Seq2[event.Record, error]
	Close() error
}

// Format names a supported log format.
type Format string

const (
	FormatEVTX  Format = "evtx"
	FormatJSONL Format = "jsonl"
	FormatJSON  Format = "json"
	FormatXML   Format = "xml"
)

// Detect returns the format implied by the file extension of path.
func Detect(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".evtx":
		return FormatEVTX, nil
	case ".jsonl", ".ndjson":
		return FormatJSONL, nil
	case ".json":
		return FormatJSON, nil
	case ".xml":
		return FormatXML, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Base(path))
	}
}

// Open opens path with the reader for its format.
func Open(path string) (Source, error) {
	format, err := Detect(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	switch format {
	case FormatEVTX:
		s, err := newEVTX(f)
		if err != nil {
			f.Close()
			return nil, err
		}
		return s, nil
	case FormatJSONL:
		return &jsonlSource{f: f}, nil
	case FormatJSON:
		return &jsonSource{f: f}, nil
	default:
		return &xmlSource{f: f}, nil
	}
}
