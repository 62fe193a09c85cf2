package diagnostics

import "testing"

func TestSortGroupsByClassThenMemberThenOffsetThenSeverity(t *testing.T) {
	messages := []Message{
		{Text: "z", Severity: Warning, Location: Location{ClassName: "B", MemberName: "m", Offset: 5}},
		{Text: "a", Severity: Error, Location: Location{ClassName: "A", MemberName: "m", Offset: 0}},
		{Text: "b", Severity: Info, Location: Location{ClassName: "A", MemberName: "m", Offset: 0}},
		{Text: "c", Severity: Error, Location: Location{ClassName: "A", MemberName: "n", Offset: 1}},
	}
	Sort(messages)

	want := []string{"b", "a", "c", "z"}
	for i, w := range want {
		if messages[i].Text != w {
			t.Fatalf("position %d: got %q, want %q (order: %v)", i, messages[i].Text, w, messages)
		}
	}
}

func TestErrorCount(t *testing.T) {
	messages := []Message{
		{Severity: Info},
		{Severity: Error},
		{Severity: Warning},
		{Severity: Error},
	}
	if got := ErrorCount(messages); got != 2 {
		t.Errorf("ErrorCount: got %d, want 2", got)
	}
}

func TestAggregateNilOnNoErrors(t *testing.T) {
	if err := Aggregate([]Message{{Severity: Warning}}); err != nil {
		t.Errorf("Aggregate with no errors: got %v, want nil", err)
	}
}

func TestAggregateWalkableChain(t *testing.T) {
	messages := []Message{
		{Text: "first", Severity: Error, Location: Location{ClassName: "A"}},
		{Text: "second", Severity: Error, Location: Location{ClassName: "B"}},
	}
	err := Aggregate(messages)
	if err == nil {
		t.Fatal("Aggregate with errors: got nil, want non-nil")
	}
}

func TestLocationString(t *testing.T) {
	cases := []struct {
		loc  Location
		want string
	}{
		{Location{ClassName: "A"}, "A"},
		{Location{ClassName: "A", MemberName: "m"}, "A.m"},
		{Location{ClassName: "A", MemberName: "m", Offset: 12}, "A.m@12"},
	}
	for _, c := range cases {
		if got := c.loc.String(); got != c.want {
			t.Errorf("Location.String(%+v): got %q, want %q", c.loc, got, c.want)
		}
	}
}
