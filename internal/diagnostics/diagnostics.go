// Package diagnostics holds the severity-tagged messages the rule engine,
// rewriter, and reference validator accumulate during a session, plus the
// sort order and aggregate error type callers see when a session aborts.
package diagnostics

import (
	"fmt"
	"sort"

	"github.com/hashicorp/go-multierror"
)

// Severity ranks a Message. Order matters: it is part of the sort key in
// Sort, so INFO sorts before ERROR at the same location.
type Severity int

const (
	Info Severity = iota
	Trace
	Warning
	Error
)

func (s Severity) String() string {
	switch s {
	case Info:
		return "INFO"
	case Trace:
		return "TRACE"
	case Warning:
		return "WARNING"
	case Error:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Location pins a Message to the analyzed entity it concerns. MemberName and
// Offset are zero-valued for class-scoped messages.
type Location struct {
	ClassName  string
	MemberName string
	Offset     int
}

func (l Location) String() string {
	if l.MemberName == "" {
		return l.ClassName
	}
	if l.Offset == 0 {
		return fmt.Sprintf("%s.%s", l.ClassName, l.MemberName)
	}
	return fmt.Sprintf("%s.%s@%d", l.ClassName, l.MemberName, l.Offset)
}

// Message is one diagnostic emitted by a rule, provider, emitter, or
// validator during analysis.
type Message struct {
	Text     string
	Severity Severity
	Location Location
}

func (m Message) Error() string {
	return fmt.Sprintf("%s: %s (%s)", m.Severity, m.Text, m.Location)
}

// Sort orders messages by (location.ClassName, location.MemberName, Offset,
// Severity), per the reporting contract: diagnostics for a class are
// grouped together and ordered by where in the class they occurred.
func Sort(messages []Message) {
	sort.SliceStable(messages, func(i, j int) bool {
		a, b := messages[i].Location, messages[j].Location
		if a.ClassName != b.ClassName {
			return a.ClassName < b.ClassName
		}
		if a.MemberName != b.MemberName {
			return a.MemberName < b.MemberName
		}
		if a.Offset != b.Offset {
			return a.Offset < b.Offset
		}
		return messages[i].Severity < messages[j].Severity
	})
}

// ErrorCount counts ERROR-severity messages.
func ErrorCount(messages []Message) int {
	n := 0
	for _, m := range messages {
		if m.Severity == Error {
			n++
		}
	}
	return n
}

// Aggregate turns every ERROR-severity message into an errors.Is/As-walkable
// chain via go-multierror, for callers that want Go error semantics in
// addition to the ordered, grouped Message slice.
func Aggregate(messages []Message) error {
	var result *multierror.Error
	for _, m := range messages {
		if m.Severity == Error {
			result = multierror.Append(result, m)
		}
	}
	if result == nil {
		return nil
	}
	return result
}
