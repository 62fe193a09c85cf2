package session

import (
	"testing"

	"github.com/spf13/afero"

	"github.com/detsandbox/sandbox/internal/diagnostics"
	"github.com/detsandbox/sandbox/internal/policy"
	"github.com/detsandbox/sandbox/pkg/classfile"
)

func testPolicy() *policy.Policy {
	return &policy.Policy{
		Classpath:     []string{"/classes"},
		PinnedClasses: map[string]bool{},
		Whitelist:     policy.Whitelist{Exact: []string{"com/example/Trusted"}},
	}
}

func TestNewWithFsBuildsResolverFromPolicyWhitelist(t *testing.T) {
	fs := afero.NewMemMapFs()
	sess, err := NewWithFs(testPolicy(), fs)
	if err != nil {
		t.Fatalf("NewWithFs: %v", err)
	}
	defer sess.Close()

	if !sess.Resolver.IsWhitelisted("com/example/Trusted") {
		t.Error("want the session's resolver seeded from policy.Whitelist.Exact")
	}
}

func TestNewWithFsReadsClassesThroughLoader(t *testing.T) {
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/classes/com/example/Foo.class", []byte("data"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	sess, err := NewWithFs(testPolicy(), fs)
	if err != nil {
		t.Fatalf("NewWithFs: %v", err)
	}
	defer sess.Close()

	got, err := sess.Loader.ReadClass("com/example/Foo")
	if err != nil {
		t.Fatalf("ReadClass: %v", err)
	}
	if string(got) != "data" {
		t.Errorf("got %q", got)
	}
}

func TestAnalysisContextRecordClassIsIdempotent(t *testing.T) {
	ctx := NewAnalysisContext()
	cf := &classfile.ClassFile{}
	first := ctx.RecordClass("com/example/Foo", cf)
	second := ctx.RecordClass("com/example/Foo", &classfile.ClassFile{})
	if first != second {
		t.Error("want RecordClass to return the already-recorded image on a repeat call")
	}
	if len(ctx.Classes) != 1 {
		t.Errorf("got %d classes, want 1", len(ctx.Classes))
	}
}

func TestAnalysisContextRecordReferenceTracksFirstOrigin(t *testing.T) {
	ctx := NewAnalysisContext()
	ref := EntityReference{Kind: ReferenceClass, ClassName: "com/example/Bar"}
	ctx.RecordReference(ref, "com/example/Foo")
	ctx.RecordReference(ref, "com/example/Baz")

	if len(ctx.References) != 2 {
		t.Errorf("got %d references, want 2", len(ctx.References))
	}
	if ctx.ClassOrigins["com/example/Bar"] != "com/example/Foo" {
		t.Errorf("origin should stick to the first recorder, got %q", ctx.ClassOrigins["com/example/Bar"])
	}
}

func TestAnalysisContextRecordMessageAppends(t *testing.T) {
	ctx := NewAnalysisContext()
	ctx.RecordMessage(diagnostics.Message{Text: "first"})
	ctx.RecordMessage(diagnostics.Message{Text: "second"})
	if len(ctx.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(ctx.Messages))
	}
	if ctx.Messages[0].Text != "first" || ctx.Messages[1].Text != "second" {
		t.Errorf("got %+v", ctx.Messages)
	}
}

func TestReasonCodeString(t *testing.T) {
	cases := map[ReasonCode]string{
		ReasonNone:              "NONE",
		ReasonNonExistentClass:  "NON_EXISTENT_CLASS",
		ReasonNonExistentMember: "NON_EXISTENT_MEMBER",
		ReasonNotWhitelisted:    "NOT_WHITELISTED",
		ReasonAnnotated:         "ANNOTATED",
		ReasonInvalidClass:      "INVALID_CLASS",
	}
	for code, want := range cases {
		if got := code.String(); got != want {
			t.Errorf("code %d: got %q, want %q", code, got, want)
		}
	}
}
