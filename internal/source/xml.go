package source

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"strings"

	"github.com/iyulab/sigma-triage/internal/event"
)

// XML structures for exported Windows event logs (wevtutil qe /f:xml,
// Get-WinEvent | ConvertTo-Xml). Records come out in the flat layout:
// {System, EventData: {Data: [{@Name, #text}]}}.
type xmlEvent struct {
	System    xmlSystem    `xml:"System"`
	EventData xmlEventData `xml:"EventData"`
}

type xmlSystem struct {
	Provider      xmlProvider  `xml:"Provider"`
	EventID       string       `xml:"EventID"`
	Level         string       `xml:"Level"`
	TimeCreated   xmlTime      `xml:"TimeCreated"`
	EventRecordID string       `xml:"EventRecordID"`
	Execution     xmlExecution `xml:"Execution"`
	Channel       string       `xml:"Channel"`
	Computer      string       `xml:"Computer"`
	Security      xmlSecurity  `xml:"Security"`
}

type xmlProvider struct {
	Name string `xml:"Name,attr"`
	Guid string `xml:"Guid,attr"`
}

type xmlTime struct {
	SystemTime string `xml:"SystemTime,attr"`
}

type xmlExecution struct {
	ProcessID string `xml:"ProcessID,attr"`
	ThreadID  string `xml:"ThreadID,attr"`
}

type xmlSecurity struct {
	UserID string `xml:"UserID,attr"`
}

type xmlEventData struct {
	Data []xmlData `xml:"Data"`
}

type xmlData struct {
	Name  string `xml:"Name,attr"`
	Value string `xml:",chardata"`
}

// xmlSource streams <Event> elements, wrapped in <Events> or not. An element
// that fails to decode yields an error and the scan moves on.
type xmlSource struct {
	f *os.File
}

func (s *xmlSource) Records() iter.Seq2[event.Record, error] {
	return func(yield func(event.Record, error) bool) {
		dec := xml.NewDecoder(s.f)
		index := 0
		for {
			tok, err := dec.Token()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, fmt.Errorf("read xml: %w", err))
				return
			}
			se, ok := tok.(xml.StartElement)
			if !ok || se.Name.Local != "Event" {
				continue
			}
			index++
			var xe xmlEvent
			if err := dec.DecodeElement(&xe, &se); err != nil {
				if !yield(nil, fmt.Errorf("event %d: %w", index, err)) {
					return
				}
				continue
			}
			if !yield(xe.record(), nil) {
				return
			}
		}
	}
}

func (s *xmlSource) Close() error { return s.f.Close() }

func (xe *xmlEvent) record() event.Record {
	sys := xe.System
	system := map[string]any{
		"Provider":      map[string]any{"Name": sys.Provider.Name, "Guid": sys.Provider.Guid},
		"EventID":       strings.TrimSpace(sys.EventID),
		"Level":         strings.TrimSpace(sys.Level),
		"TimeCreated":   map[string]any{"SystemTime": sys.TimeCreated.SystemTime},
		"EventRecordID": strings.TrimSpace(sys.EventRecordID),
		"Execution":     map[string]any{"ProcessID": sys.Execution.ProcessID, "ThreadID": sys.Execution.ThreadID},
		"Channel":       sys.Channel,
		"Computer":      sys.Computer,
		"Security":      map[string]any{"UserID": sys.Security.UserID},
	}

	data := make([]any, 0, len(xe.EventData.Data))
	for _, d := range xe.EventData.Data {
		item := map[string]any{"@Name": d.Name}
		// <Data Name="x"/> carries no #text
		if d.Value != "" {
			item["#text"] = d.Value
		}
		data = append(data, item)
	}

	return event.Record{
		"System":    system,
		"EventData": map[string]any{"Data": data},
	}
}
