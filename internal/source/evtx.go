package source

import (
	"fmt"
	"iter"
	"os"

	"github.com/0xrawsec/golang-evtx/evtx"

	"github.com/iyulab/sigma-triage/internal/event"
)

// evtxSource decodes a binary .evtx file. Records come out in the wrapped
// layout: {Event: {System, EventData: {name: value}}}.
type evtxSource struct {
	f  *os.File
	ef evtx.File
}

func newEVTX(f *os.File) (*evtxSource, error) {
	ef, err := evtx.New(f)
	if err != nil {
		return nil, fmt.Errorf("parse evtx file: %w", err)
	}
	return &evtxSource{f: f, ef: ef}, nil
}

func (s *evtxSource) Records() iter.Seq2[event.Record, error] {
	return func(yield func(event.Record, error) bool) {
		ch := s.ef.FastEvents()
		for e := range ch {
			if e == nil {
				continue
			}
			if !yield(fromEvtx(e), nil) {
				// the decoder goroutines stop only once the channel is drained
				for range ch {
				}
				return
			}
		}
	}
}

func (s *evtxSource) Close() error { return s.f.Close() }

// fromEvtx converts a decoded event into plain nested maps so downstream code
// never sees library types.
func fromEvtx(e *evtx.GoEvtxMap) event.Record {
	rec := event.Record(plainMap(map[string]interface{}(*e)))
	if inner, ok := rec["Event"].(map[string]any); ok {
		if sys, ok := inner["System"].(map[string]any); ok {
			// EventID with qualifiers decodes as {Qualifiers, Value}
			if id, ok := sys["EventID"].(map[string]any); ok {
				if v, ok := id["Value"]; ok {
					sys["EventID"] = v
				}
			}
		}
	}
	return rec
}

func plainMap(m map[string]interface{}) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = plainValue(v)
	}
	return out
}

func plainValue(v interface{}) any {
	switch t := v.(type) {
	case evtx.GoEvtxMap:
		return plainMap(map[string]interface{}(t))
	case *evtx.GoEvtxMap:
		if t == nil {
			return nil
		}
		return plainMap(map[string]interface{}(*t))
	case map[string]interface{}:
		return plainMap(t)
	case []interface{}:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = plainValue(e)
		}
		return out
	default:
		return v
	}
}
