// Package entity reconstructs process entities from normalized event fields
// and derives the content identifiers used to deduplicate them.
package entity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/iyulab/sigma-triage/internal/event"
)

// ErrMalformedEntity is returned when an identifying field holds a value that
// cannot be read as text (a nested object or list).
var ErrMalformedEntity = errors.New("malformed entity field")

// Kind distinguishes the entity layouts an event can produce.
type Kind int

const (
	KindProcess Kind = iota + 1 // single process creation
	KindAccess                  // source process accessing a target process
)

// String returns a short label for the kind.
func (k Kind) String() string {
	switch k {
	case KindProcess:
		return "process"
	case KindAccess:
		return "process_access"
	default:
		return "unknown"
	}
}

// Process is a reconstructed process entity.
type Process struct {
	ObjectID          string `json:"object_id"`
	GUID              string `json:"guid,omitempty"`
	Tag               string `json:"tag,omitempty"`
	Image             string `json:"image,omitempty"`
	PID               string `json:"pid,omitempty"`
	CommandLine       string `json:"command_line,omitempty"`
	ParentGUID        string `json:"parent_guid,omitempty"`
	ParentImage       string `json:"parent_image,omitempty"`
	ParentPID         string `json:"parent_pid,omitempty"`
	ParentCommandLine string `json:"parent_command_line,omitempty"`
	StartTime         string `json:"start_time,omitempty"`
	IntegrityLevel    string `json:"integrity_level,omitempty"`
	OriginalFileName  string `json:"original_file_name,omitempty"`
}

// Attribute is the entity observation attached to a finding. Target is set
// only for process-access events.
type Attribute struct {
	Kind    Kind     `json:"-"`
	Type    string   `json:"type"`
	EventID string   `json:"event_id,omitempty"`
	Source  *Process `json:"source_process"`
	Target  *Process `json:"target_process,omitempty"`
}

// Key is the deduplication key of the attribute.
func (a *Attribute) Key() string {
	if a.Target != nil {
		return a.Source.ObjectID + ":" + a.Target.ObjectID
	}
	return a.Source.ObjectID
}

// Extract builds the entity carried by fields. A CallTrace field marks a
// cross-process access and yields a source/target pair; otherwise a
// ProcessGuid yields a single process. Anything else yields nil.
func Extract(fields map[string]any, eventID string) (*Attribute, error) {
	r := reader{fields: fields}

	if _, ok := fields["CallTrace"]; ok {
		src := r.accessProcess("Source")
		tgt := r.accessProcess("Target")
		if r.err != nil {
			return nil, r.err
		}
		return &Attribute{Kind: KindAccess, Type: KindAccess.String(), EventID: eventID, Source: src, Target: tgt}, nil
	}

	if _, ok := fields["ProcessGuid"]; ok {
		p := r.process()
		if r.err != nil {
			return nil, r.err
		}
		return &Attribute{Kind: KindProcess, Type: KindProcess.String(), EventID: eventID, Source: p}, nil
	}

	return nil, nil
}

// ID returns the content identifier of a process: a SHA-256 over its guid,
// image basename and start time. Equal inputs always give equal identifiers.
func ID(guid, image, startTime string) string {
	h := sha256.New()
	for _, part := range []string{guid, Basename(image), startTime} {
		h.Write([]byte(part))
		h.Write([]byte{0x1f})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Basename returns the segment after the last path separator of image,
// accepting both Windows and POSIX separators. Case is preserved.
func Basename(image string) string {
	if i := strings.LastIndexAny(image, `\/`); i >= 0 {
		return image[i+1:]
	}
	return image
}

type reader struct {
	fields map[string]any
	err    error
}

func (r *reader) get(key string) string {
	v, ok := r.fields[key]
	if !ok || v == nil {
		return ""
	}
	switch v.(type) {
	case map[string]any, []any:
		if r.err == nil {
			r.err = fmt.Errorf("%w: %s", ErrMalformedEntity, key)
		}
		return ""
	}
	return event.Text(v)
}

func (r *reader) process() *Process {
	p := &Process{
		GUID:              r.get("ProcessGuid"),
		Image:             r.get("Image"),
		PID:               r.get("ProcessId"),
		CommandLine:       r.get("CommandLine"),
		ParentGUID:        r.get("ParentProcessGuid"),
		ParentImage:       r.get("ParentImage"),
		ParentPID:         r.get("ParentProcessId"),
		ParentCommandLine: r.get("ParentCommandLine"),
		StartTime:         r.get("UtcTime"),
		IntegrityLevel:    r.get("IntegrityLevel"),
		OriginalFileName:  r.get("OriginalFileName"),
	}
	p.Tag = Basename(p.Image)
	p.ObjectID = ID(p.GUID, p.Image, p.StartTime)
	return p
}

// accessProcess reads one side of a process-access event. Sysmon spells the
// guid field ProcessGUID on these events.
func (r *reader) accessProcess(prefix string) *Process {
	guid := r.get(prefix + "ProcessGUID")
	if guid == "" {
		guid = r.get(prefix + "ProcessGuid")
	}
	p := &Process{
		GUID:      guid,
		Image:     r.get(prefix + "Image"),
		PID:       r.get(prefix + "ProcessId"),
		StartTime: r.get("UtcTime"),
	}
	p.Tag = Basename(p.Image)
	p.ObjectID = ID(p.GUID, p.Image, p.StartTime)
	return p
}

// Set records entity keys already attached to one rule's finding.
type Set struct {
	seen map[string]struct{}
}

// NewSet returns an empty Set.
func NewSet() *Set {
	return &Set{seen: make(map[string]struct{})}
}

// Add records key and reports whether it was new.
func (s *Set) Add(key string) bool {
	if _, ok := s.seen[key]; ok {
		return false
	}
	s.seen[key] = struct{}{}
	return true
}

// Len returns the number of distinct keys recorded.
func (s *Set) Len() int {
	return len(s.seen)
}
