package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/detsandbox/sandbox/internal/diagnostics"
)

func sampleMessages() []diagnostics.Message {
	return []diagnostics.Message{
		{Text: "native method stubbed", Severity: diagnostics.Info, Location: diagnostics.Location{ClassName: "com/example/Foo", MemberName: "run"}},
		{Text: "disallowed reflection call", Severity: diagnostics.Error, Location: diagnostics.Location{ClassName: "com/example/Bar"}},
	}
}

func TestPrintMessagesTextIncludesSeverityAndLocation(t *testing.T) {
	var buf bytes.Buffer
	if err := printMessages(&buf, sampleMessages(), "text"); err != nil {
		t.Fatalf("printMessages: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "ERROR") || !strings.Contains(out, "com/example/Bar") {
		t.Errorf("got %q", out)
	}
	if !strings.Contains(out, "INFO") || !strings.Contains(out, "com/example/Foo.run") {
		t.Errorf("got %q", out)
	}
}

func TestPrintMessagesJSONRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	msgs := sampleMessages()
	if err := printMessages(&buf, msgs, "json"); err != nil {
		t.Fatalf("printMessages: %v", err)
	}
	var got []diagnostics.Message
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(got) != len(msgs) {
		t.Fatalf("got %d messages, want %d", len(got), len(msgs))
	}
}

func TestPrintMessagesDefaultsToJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := printMessages(&buf, sampleMessages(), ""); err != nil {
		t.Fatalf("printMessages: %v", err)
	}
	if !strings.HasPrefix(strings.TrimSpace(buf.String()), "[") {
		t.Errorf("want JSON array output for empty format, got %q", buf.String())
	}
}

func TestPrintMessagesRejectsUnknownFormat(t *testing.T) {
	var buf bytes.Buffer
	if err := printMessages(&buf, sampleMessages(), "xml"); err == nil {
		t.Error("want an error for an unrecognized --report format")
	}
}

func TestPrintMessagesSortsBeforeRendering(t *testing.T) {
	var buf bytes.Buffer
	msgs := []diagnostics.Message{
		{Text: "second", Location: diagnostics.Location{ClassName: "com/example/Zeta"}},
		{Text: "first", Location: diagnostics.Location{ClassName: "com/example/Alpha"}},
	}
	if err := printMessages(&buf, msgs, "text"); err != nil {
		t.Fatalf("printMessages: %v", err)
	}
	out := buf.String()
	if strings.Index(out, "first") > strings.Index(out, "second") {
		t.Errorf("want Alpha's message before Zeta's, got %q", out)
	}
}
