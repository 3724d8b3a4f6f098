package entity

import (
	"errors"
	"testing"
)

func processFields(guid, image, start string) map[string]any {
	return map[string]any{
		"ProcessGuid":       guid,
		"Image":             image,
		"UtcTime":           start,
		"ProcessId":         "4242",
		"CommandLine":       "cmd.exe /c whoami",
		"ParentImage":       `C:\Windows\explorer.exe`,
		"ParentProcessGuid": "{PARENT}",
	}
}

func TestExtract_Process(t *testing.T) {
	attr, err := Extract(processFields("{G1}", `C:\Windows\System32\cmd.exe`, "2024-01-01 00:00:00.000"), "1")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if attr == nil {
		t.Fatal("expected an attribute")
	}
	if attr.Kind != KindProcess || attr.Target != nil {
		t.Errorf("kind = %v target = %v, want single process", attr.Kind, attr.Target)
	}
	if attr.Source.Tag != "cmd.exe" {
		t.Errorf("Tag = %q, want cmd.exe", attr.Source.Tag)
	}
	if attr.Source.ParentGUID != "{PARENT}" {
		t.Errorf("ParentGUID = %q", attr.Source.ParentGUID)
	}
	if attr.EventID != "1" {
		t.Errorf("EventID = %q", attr.EventID)
	}
}

func TestExtract_Access(t *testing.T) {
	fields := map[string]any{
		"CallTrace":         `C:\Windows\SYSTEM32\ntdll.dll+9d4c4`,
		"SourceProcessGUID": "{SRC}",
		"SourceImage":       `C:\Tools\procdump.exe`,
		"SourceProcessId":   "100",
		"TargetProcessGUID": "{TGT}",
		"TargetImage":       `C:\Windows\system32\lsass.exe`,
		"TargetProcessId":   "600",
		"UtcTime":           "2024-01-01 00:00:01.000",
		"ProcessGuid":       "{IGNORED}",
	}
	attr, err := Extract(fields, "10")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if attr.Kind != KindAccess {
		t.Fatalf("kind = %v, want access", attr.Kind)
	}
	if attr.Source.Tag != "procdump.exe" || attr.Target.Tag != "lsass.exe" {
		t.Errorf("tags = %q / %q", attr.Source.Tag, attr.Target.Tag)
	}
	if attr.Key() != attr.Source.ObjectID+":"+attr.Target.ObjectID {
		t.Errorf("Key = %q", attr.Key())
	}
}

func TestExtract_Nothing(t *testing.T) {
	attr, err := Extract(map[string]any{"Channel": "Security", "TargetUserName": "bob"}, "4624")
	if err != nil || attr != nil {
		t.Errorf("got attr=%v err=%v, want nil, nil", attr, err)
	}
}

func TestExtract_Malformed(t *testing.T) {
	fields := processFields("{G1}", `C:\a.exe`, "t")
	fields["Image"] = map[string]any{"nested": true}
	_, err := Extract(fields, "1")
	if !errors.Is(err, ErrMalformedEntity) {
		t.Errorf("err = %v, want ErrMalformedEntity", err)
	}
}

func TestID_Deterministic(t *testing.T) {
	a := ID("{G1}", `C:\Windows\cmd.exe`, "t1")
	b := ID("{G1}", `D:\other\cmd.exe`, "t1")
	if a != b {
		t.Errorf("same guid/basename/time gave %q and %q", a, b)
	}
}

func TestID_Distinct(t *testing.T) {
	base := ID("{G1}", `C:\cmd.exe`, "t1")
	variants := []string{
		ID("{G2}", `C:\cmd.exe`, "t1"),
		ID("{G1}", `C:\CMD.exe`, "t1"),
		ID("{G1}", `C:\cmd.exe`, "t2"),
		// separator keeps field boundaries apart
		ID("{G1}cmd.exe", "", "t1"),
	}
	for i, v := range variants {
		if v == base {
			t.Errorf("variant %d collided with base", i)
		}
	}
}

func TestBasename(t *testing.T) {
	tests := map[string]string{
		`C:\Windows\System32\cmd.exe`: "cmd.exe",
		"/usr/bin/bash":               "bash",
		"notepad.exe":                 "notepad.exe",
		"":                            "",
		`C:\Mixed/Sep\Tool.EXE`:       "Tool.EXE",
	}
	for in, want := range tests {
		if got := Basename(in); got != want {
			t.Errorf("Basename(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSet_Idempotent(t *testing.T) {
	s := NewSet()
	keys := []string{"a", "b", "a", "a", "c", "b"}
	added := 0
	for _, k := range keys {
		if s.Add(k) {
			added++
		}
	}
	if added != 3 || s.Len() != 3 {
		t.Errorf("added=%d len=%d, want 3/3", added, s.Len())
	}
}
