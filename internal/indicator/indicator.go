// Package indicator scans command-line fields for embedded network locators.
package indicator

import (
	"regexp"
	"slices"
	"strings"

	"github.com/iyulab/sigma-triage/internal/event"
)

// TagURI is the tag under which extracted locators are reported.
const TagURI = "network.dynamic.uri"

// Fields lists the body keys scanned for locators.
var Fields = []string{"CommandLine", "ParentCommandLine"}

// uriPattern matches a network locator with an optional scheme: optional
// userinfo, an IPv4 address or a dotted host name, optional port and path.
var uriPattern = regexp.MustCompile(`(?i)(?:(?:[a-z][a-z0-9+.\-]*:)?//)?` +
	`(?:[^\s:@/"',]+(?::[^\s:@/"',]*)?@)?` +
	`(?:(?:\d{1,3}\.){3}\d{1,3}|(?:[a-z0-9](?:[a-z0-9\-]*[a-z0-9])?\.)+[a-z]{2,})` +
	`(?::\d{2,5})?` +
	`(?:/[^\s]*)?`)

// trimChars are stripped from both ends of every match.
const trimChars = `"',()`

// fileSuffixes are final host labels that, without an explicit scheme, name
// a file rather than a host (cmd.exe, payload.ps1).
var fileSuffixes = map[string]bool{
	"exe": true, "dll": true, "sys": true, "bat": true, "cmd": true,
	"ps1": true, "psm1": true, "vbs": true, "js": true, "hta": true,
	"msi": true, "lnk": true, "tmp": true, "log": true, "txt": true,
	"ini": true, "dat": true, "xml": true, "cpl": true, "scr": true,
}

// URIs returns the unique locators found in the CommandLine and
// ParentCommandLine values of body, sorted. Absent fields are skipped.
func URIs(body map[string]any) []string {
	seen := make(map[string]struct{})
	for _, key := range Fields {
		v := event.Text(body[key])
		if v == "" {
			continue
		}
		for _, u := range Find(v) {
			seen[u] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for u := range seen {
		out = append(out, u)
	}
	slices.Sort(out)
	return out
}

// Find returns every locator in text, trimmed, in order of appearance.
func Find(text string) []string {
	var out []string
	for _, m := range uriPattern.FindAllString(text, -1) {
		m = strings.Trim(m, trimChars)
		if m == "" || looksLikeFile(m) || looksLikeTypeName(m) {
			continue
		}
		out = append(out, m)
	}
	return out
}

func looksLikeFile(m string) bool {
	label, ok := lastLabel(m)
	return ok && fileSuffixes[strings.ToLower(label)]
}

// looksLikeTypeName reports a schemeless match whose final label is mixed
// case past its first letter, as in Net.WebClient or System.IO.MemoryStream.
func looksLikeTypeName(m string) bool {
	label, ok := lastLabel(m)
	if !ok || len(label) < 2 {
		return false
	}
	rest := label[1:]
	return strings.ToLower(rest) != rest && strings.ToUpper(rest) != rest
}

// lastLabel returns the final dotted label of a schemeless match's host.
func lastLabel(m string) (string, bool) {
	if strings.Contains(m, "//") {
		return "", false
	}
	host := m
	if i := strings.LastIndexByte(host, '@'); i >= 0 {
		host = host[i+1:]
	}
	if i := strings.IndexAny(host, ":/"); i >= 0 {
		host = host[:i]
	}
	dot := strings.LastIndexByte(host, '.')
	if dot < 0 {
		return "", false
	}
	return host[dot+1:], true
}
