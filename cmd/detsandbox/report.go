package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/detsandbox/sandbox/internal/diagnostics"
)

// printMessages renders diagnostics.Message slice per --report, mirroring
// spec.md §6's "Diagnostics" output contract (sorted, severity-tagged,
// location-pinned).
func printMessages(w io.Writer, messages []diagnostics.Message, format string) error {
	diagnostics.Sort(messages)
	switch format {
	case "json", "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(messages)
	case "text":
		for _, m := range messages {
			fmt.Fprintf(w, "%s\t%s\t%s\n", m.Severity, m.Location, m.Text)
		}
		return nil
	default:
		return fmt.Errorf("--report must be 'text' or 'json', got %q", format)
	}
}
