package source

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"iter"
	"os"

	"github.com/iyulab/sigma-triage/internal/event"
)

// maxLine bounds one JSON line; Sysmon records with long command lines can
// exceed bufio's default.
const maxLine = 4 * 1024 * 1024

// jsonlSource reads one JSON object per line. Blank lines are skipped; a line
// that does not decode yields an error and reading continues.
type jsonlSource struct {
	f *os.File
}

func (s *jsonlSource) Records() iter.Seq2[event.Record, error] {
	return func(yield func(event.Record, error) bool) {
		sc := bufio.NewScanner(s.f)
		sc.Buffer(make([]byte, 64*1024), maxLine)
		line := 0
		for sc.Scan() {
			line++
			b := bytes.TrimSpace(sc.Bytes())
			if len(b) == 0 {
				continue
			}
			var rec event.Record
			if err := decodeLine(b, &rec); err != nil {
				if !yield(nil, fmt.Errorf("line %d: %w", line, err)) {
					return
				}
				continue
			}
			if !yield(rec, nil) {
				return
			}
		}
		if err := sc.Err(); err != nil {
			yield(nil, fmt.Errorf("read jsonl: %w", err))
		}
	}
}

func (s *jsonlSource) Close() error { return s.f.Close() }

// decodeLine decodes one JSON line. Numbers stay json.Number so large ids
// such as process ids keep their exact digits.
func decodeLine(b []byte, rec *event.Record) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	return dec.Decode(rec)
}

// jsonSource reads a JSON array of records, or a single record object.
type jsonSource struct {
	f *os.File
}

func (s *jsonSource) Records() iter.Seq2[event.Record, error] {
	return func(yield func(event.Record, error) bool) {
		dec := json.NewDecoder(bufio.NewReader(s.f))
		dec.UseNumber()
		tok, err := dec.Token()
		if err != nil {
			yield(nil, fmt.Errorf("read json: %w", err))
			return
		}
		if delim, ok := tok.(json.Delim); !ok || (delim != '[' && delim != '{') {
			yield(nil, fmt.Errorf("read json: expected array or object, got %v", tok))
			return
		}

		if tok == json.Delim('{') {
			rec, err := decodeObjectRest(dec)
			yield(rec, err)
			return
		}

		index := 0
		for dec.More() {
			var rec event.Record
			if err := dec.Decode(&rec); err != nil {
				// the decoder cannot resync inside an array
				yield(nil, fmt.Errorf("element %d: %w", index, err))
				return
			}
			index++
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// decodeObjectRest decodes the members of an object whose opening brace has
// already been consumed.
func decodeObjectRest(dec *json.Decoder) (event.Record, error) {
	rec := event.Record{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("read json: %w", err)
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("read json: unexpected token %v", tok)
		}
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, fmt.Errorf("read json member %q: %w", key, err)
		}
		rec[key] = v
	}
	return rec, nil
}

func (s *jsonSource) Close() error { return s.f.Close() }
