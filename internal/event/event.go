// Package event resolves raw Windows event records into a system block and a
// flat field map.
package event

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// Record is one raw decoded event record as produced by an event-log reader.
type Record map[string]any

// Shape identifies which accepted layout a Record uses.
type Shape int

const (
	ShapeUnknown Shape = iota // neither layout matched (malformed event)
	ShapeWrapped              // {Event: {System, EventData: {name: value}}}
	ShapeFlat                 // {System, EventData: {Data: [{@Name, #text}]}}
)

// String returns a short label for the shape.
func (s Shape) String() string {
	switch s {
	case ShapeWrapped:
		return "wrapped"
	case ShapeFlat:
		return "flat"
	default:
		return "unknown"
	}
}

// Normalized is a record resolved into its System block and field map.
// Downstream code reads Fields and never inspects the raw layout again.
type Normalized struct {
	Shape  Shape
	System map[string]any
	Fields map[string]any
}

// systemKeys are copied from System into the rendered body.
var systemKeys = []string{"Channel", "EventID"}

// Normalize resolves rec into its canonical form. A record matching neither
// layout yields ShapeUnknown and an empty field map; it never fails.
func Normalize(rec Record) Normalized {
	if raw, ok := rec["Event"]; ok {
		inner, ok := asMap(raw)
		if !ok {
			return unknown(nil)
		}
		system, _ := asMap(inner["System"])
		data, ok := asMap(inner["EventData"])
		if !ok {
			return unknown(system)
		}
		fields := make(map[string]any, len(data))
		for k, v := range data {
			fields[k] = v
		}
		return Normalized{Shape: ShapeWrapped, System: system, Fields: fields}
	}

	system, _ := asMap(rec["System"])
	eventData, ok := asMap(rec["EventData"])
	if !ok {
		return unknown(system)
	}
	items, ok := dataItems(eventData["Data"])
	if !ok {
		return unknown(system)
	}
	fields := make(map[string]any, len(items))
	for _, item := range items {
		name, ok := item["@Name"].(string)
		if !ok || name == "" {
			continue
		}
		// missing #text stays nil
		fields[name] = item["#text"]
	}
	return Normalized{Shape: ShapeFlat, System: system, Fields: fields}
}

func unknown(system map[string]any) Normalized {
	if system == nil {
		system = map[string]any{}
	}
	return Normalized{Shape: ShapeUnknown, System: system, Fields: map[string]any{}}
}

// Body returns the key/value body rendered for one event: the field map plus
// Channel and EventID from System, with every empty value dropped.
func (n Normalized) Body() map[string]any {
	body := make(map[string]any, len(n.Fields)+len(systemKeys))
	for k, v := range n.Fields {
		body[k] = v
	}
	for _, k := range systemKeys {
		if v, ok := n.System[k]; ok {
			body[k] = textNode(v)
		}
	}
	for k, v := range body {
		if IsEmpty(v) {
			delete(body, k)
		}
	}
	return body
}

// EventID returns the System EventID as text, or "" when absent.
func (n Normalized) EventID() string {
	return Text(textNode(n.System["EventID"]))
}

// MatchFields returns the map handed to the rule engine: the field map with
// Channel and EventID merged in. Empty values are kept so that rules testing
// for null fields still evaluate.
func (n Normalized) MatchFields() map[string]any {
	out := make(map[string]any, len(n.Fields)+len(systemKeys))
	for k, v := range n.Fields {
		out[k] = matchValue(v)
	}
	for _, k := range systemKeys {
		if v, ok := n.System[k]; ok {
			out[k] = matchValue(textNode(v))
		}
	}
	return out
}

// matchValue hands decoded JSON numbers to the engine as their literal text.
func matchValue(v any) any {
	if num, ok := v.(json.Number); ok {
		return num.String()
	}
	return v
}

// Text renders a field value as a string. nil becomes "".
func Text(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

// IsEmpty reports whether v is nil or the zero value of its kind, or an
// empty string, map or slice.
func IsEmpty(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String, reflect.Map, reflect.Slice, reflect.Array:
		return rv.Len() == 0
	case reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	default:
		return rv.IsZero()
	}
}

// Clone returns a deep copy of r. Nested maps and slices are copied; scalar
// leaves are shared.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	return Record(cloneMap(r))
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case Record:
		return Record(cloneMap(t))
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []map[string]any:
		out := make([]map[string]any, len(t))
		for i, e := range t {
			out[i] = cloneMap(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

func asMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case Record:
		return t, true
	default:
		return nil, false
	}
}

// dataItems accepts the Data list in any of the forms decoders produce,
// including a single object when the record has one Data element.
func dataItems(v any) ([]map[string]any, bool) {
	switch t := v.(type) {
	case []map[string]any:
		return t, true
	case []any:
		items := make([]map[string]any, 0, len(t))
		for _, e := range t {
			if m, ok := asMap(e); ok {
				items = append(items, m)
			}
		}
		return items, true
	case map[string]any:
		return []map[string]any{t}, true
	case nil:
		return nil, true
	default:
		return nil, false
	}
}

// textNode unwraps {"#text": value} nodes such as an EventID carrying
// qualifier attributes.
func textNode(v any) any {
	if m, ok := asMap(v); ok {
		if t, ok := m["#text"]; ok {
			return t
		}
	}
	return v
}
