// Package session wires one policy, one resolver, one source loader, and
// one analysis context into the unit of work spec.md §5 describes: "created
// per analysis session; never shared across executions", not thread-safe by
// contract (no mutex — the absence is the contract, not an oversight,
// mirroring the teacher's Frame being a single-goroutine structure with no
// synchronization of its own).
package session

import (
	"fmt"

	"github.com/spf13/afero"

	"github.com/detsandbox/sandbox/internal/diagnostics"
	"github.com/detsandbox/sandbox/internal/policy"
	"github.com/detsandbox/sandbox/internal/resolver"
	"github.com/detsandbox/sandbox/internal/sourceloader"
	"github.com/detsandbox/sandbox/pkg/classfile"
)

// ReferenceKind distinguishes the two EntityReference variants.
type ReferenceKind int

const (
	ReferenceClass ReferenceKind = iota
	ReferenceMember
)

// EntityReference is the sum of ClassReference{className} and
// MemberReference{className, memberName, signature} from spec.md §3,
// recorded with the location it was discovered at and which user class
// first pulled it in.
type EntityReference struct {
	Kind      ReferenceKind
	ClassName string
	Member    string // ReferenceMember only
	Signature string // ReferenceMember only
	Location  diagnostics.Location
}

// ReasonCode enumerates why a reference failed validation (spec.md §3).
type ReasonCode int

const (
	ReasonNone ReasonCode = iota
	ReasonNonExistentClass
	ReasonNonExistentMember
	ReasonNotWhitelisted
	ReasonAnnotated
	ReasonInvalidClass
)

func (c ReasonCode) String() string {
	switch c {
	case ReasonNonExistentClass:
		return "NON_EXISTENT_CLASS"
	case ReasonNonExistentMember:
		return "NON_EXISTENT_MEMBER"
	case ReasonNotWhitelisted:
		return "NOT_WHITELISTED"
	case ReasonAnnotated:
		return "ANNOTATED"
	case ReasonInvalidClass:
		return "INVALID_CLASS"
	default:
		return "NONE"
	}
}

// Reason pairs a ReasonCode with human-readable detail.
type Reason struct {
	Code   ReasonCode
	Detail string
}

// ClassImage is a materialized, parsed class keyed by its original
// (pre-resolve) internal name.
type ClassImage struct {
	OriginalName string
	ClassFile    *classfile.ClassFile
}

// AnalysisContext accumulates everything an analysis/validation/rewrite
// pass observes about a class and its transitive dependencies. Append-only
// by contract: entries are never removed or mutated once added, matching
// spec.md §3's "Analysis Context" data model exactly.
type AnalysisContext struct {
	Messages     []diagnostics.Message
	Classes      map[string]*ClassImage
	References   []EntityReference
	ClassOrigins map[string]string // dependency original name -> originating user class
}

// NewAnalysisContext returns an empty, ready-to-use context.
func NewAnalysisContext() *AnalysisContext {
	return &AnalysisContext{
		Classes:      make(map[string]*ClassImage),
		ClassOrigins: make(map[string]string),
	}
}

// RecordMessage appends a diagnostic.
func (c *AnalysisContext) RecordMessage(m diagnostics.Message) {
	c.Messages = append(c.Messages, m)
}

// RecordClass materializes a class image if not already present, returning
// the (possibly pre-existing) entry.
func (c *AnalysisContext) RecordClass(originalName string, cf *classfile.ClassFile) *ClassImage {
	if img, ok := c.Classes[originalName]; ok {
		return img
	}
	img := &ClassImage{OriginalName: originalName, ClassFile: cf}
	c.Classes[originalName] = img
	return img
}

// RecordReference appends a reference and, if this is the first time
// dependency is seen, records origin as its discovering class.
func (c *AnalysisContext) RecordReference(ref EntityReference, origin string) {
	c.References = append(c.References, ref)
	if _, ok := c.ClassOrigins[ref.ClassName]; !ok {
		c.ClassOrigins[ref.ClassName] = origin
	}
}

// Session is the unit of work binding a Policy to a live classpath and
// resolver for the duration of one load/analyze/validate/rewrite
// invocation. Not safe for concurrent use; one Session belongs to one
// goroutine for its entire lifetime.
type Session struct {
	Policy   *policy.Policy
	Resolver *resolver.Resolver
	Loader   *sourceloader.Classpath
	Context  *AnalysisContext
}

// New builds a Session from a validated Policy, opening its classpath
// against the real filesystem.
func New(pol *policy.Policy) (*Session, error) {
	return newSession(pol, afero.NewOsFs())
}

// NewWithFs is New with an explicit afero.Fs, for tests that exercise a
// session against an in-memory classpath.
func NewWithFs(pol *policy.Policy, fs afero.Fs) (*Session, error) {
	return newSession(pol, fs)
}

func newSession(pol *policy.Policy, fs afero.Fs) (*Session, error) {
	loader, err := sourceloader.New(fs, pol.Classpath)
	if err != nil {
		return nil, fmt.Errorf("session: opening classpath: %w", err)
	}
	return &Session{
		Policy:   pol,
		Resolver: resolver.New(pol.Whitelist.Exact, pol.Whitelist.Prefixes),
		Loader:   loader,
		Context:  NewAnalysisContext(),
	}, nil
}

// Close releases every classpath resource the session opened. It is safe
// to call exactly once; the Session must not be used afterward.
func (s *Session) Close() error {
	return s.Loader.Close()
}
