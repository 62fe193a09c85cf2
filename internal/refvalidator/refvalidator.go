// Package refvalidator implements the reference validator (C10 in the
// design): a work-queue fixed point over every class transitively reachable
// from the references an analysis pass recorded, per spec.md §4.10 and its
// "Reference validator fixed point" design note. Grounded on the teacher's
// pkg/vm/vm.go:isInstanceOfWithVisited (visited-set recursion guard over a
// class hierarchy) and pkg/vm/vm.go:resolveMethod (superclass/interface
// member lookup), generalized from "walk the hierarchy looking for one
// thing" to "walk the hierarchy recording a verdict for everything found".
package refvalidator

import (
	"bytes"
	"fmt"

	"github.com/detsandbox/sandbox/internal/policy"
	"github.com/detsandbox/sandbox/internal/session"
	"github.com/detsandbox/sandbox/pkg/classfile"
)

// Verdict is a class's OK/BAD marking. A class's own verdict depends only
// on its own properties (whitelist membership, markers) never on an
// ancestor's verdict, so unlike a general graph fixed point this validator
// needs no separate PENDING state: ancestors and member owners are
// enqueued rather than recursed into, and the classes-map guard (checking
// v.verdicts for an existing entry before processing) is what keeps a
// cyclic ancestor chain from being evaluated more than once.
type Verdict int

const (
	OK Verdict = iota
	BAD
)

// Summary is the ReferenceValidationSummary spec.md §6 names: a verdict per
// evaluated class, the Reason behind every BAD verdict, and the class that
// first pulled each dependency in (carried over from the analysis context).
type Summary struct {
	Verdicts     map[string]Verdict
	Reasons      map[string]session.Reason
	ClassOrigins map[string]string
}

// Loader is the minimal class-fetching capability the validator needs: a
// parsed class by original name, or an error if it cannot be found.
type Loader interface {
	LoadClassFile(name string) (*classfile.ClassFile, error)
}

// sessionLoader adapts a session's classpath to Loader, parsing bytes on
// demand and caching the result in the session's own analysis context so
// the validator and the sandbox loader never parse the same class twice.
type sessionLoader struct {
	sess *session.Session
}

func (l *sessionLoader) LoadClassFile(name string) (*classfile.ClassFile, error) {
	if img, ok := l.sess.Context.Classes[name]; ok {
		return img.ClassFile, nil
	}
	raw, err := l.sess.Loader.ReadClass(name)
	if err != nil {
		return nil, err
	}
	cf, err := classfile.Parse(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	l.sess.Context.RecordClass(name, cf)
	return cf, nil
}

// memberKey identifies one (class, member, signature) reference so
// validateMember can be deduplicated independently of the class-level
// verdicts map: two different members on the same class must each run their
// own existence check even though the class itself is only ever verdicted
// once.
type memberKey struct {
	class, member, signature string
}

// Validator runs the fixed point over one session's recorded references.
type Validator struct {
	pol         *policy.Policy
	loader      Loader
	verdicts    map[string]Verdict
	reasons     map[string]session.Reason
	seenMembers map[memberKey]bool
}

// New builds a Validator bound to sess's classpath and policy.
func New(sess *session.Session) *Validator {
	return &Validator{
		pol:         sess.Policy,
		loader:      &sessionLoader{sess: sess},
		verdicts:    make(map[string]Verdict),
		reasons:     make(map[string]session.Reason),
		seenMembers: make(map[memberKey]bool),
	}
}

// Validate seeds the work queue from refs and runs until it drains,
// returning the accumulated verdicts and origins.
func (v *Validator) Validate(refs []session.EntityReference, origins map[string]string) Summary {
	queue := make([]session.EntityReference, len(refs))
	copy(queue, refs)

	for len(queue) > 0 {
		ref := queue[0]
		queue = queue[1:]

		switch ref.Kind {
		case session.ReferenceClass:
			queue = append(queue, v.validateClass(ref.ClassName)...)
		case session.ReferenceMember:
			key := memberKey{class: ref.ClassName, member: ref.Member, signature: ref.Signature}
			if v.seenMembers[key] {
				continue // this exact member reference was already evaluated
			}
			v.seenMembers[key] = true
			queue = append(queue, v.validateMember(ref)...)
		}
	}

	return Summary{Verdicts: v.verdicts, Reasons: v.reasons, ClassOrigins: origins}
}

// validateClass evaluates a single ClassReference and returns any further
// references (ancestors) that must themselves be enqueued. A class already
// carrying a verdict is not re-evaluated (its ancestors were already
// enqueued the first time), but that guard lives here rather than in
// Validate's dispatch loop so a member reference on an already-verdicted
// class can still reach validateMember's own existence check.
func (v *Validator) validateClass(className string) []session.EntityReference {
	if _, done := v.verdicts[className]; done {
		return nil
	}
	if v.pol.Whitelist.Matches(className) {
		v.verdicts[className] = OK
		return nil
	}

	cf, err := v.loader.LoadClassFile(className)
	if err != nil {
		v.reject(className, session.ReasonNonExistentClass, err.Error())
		return nil
	}

	if v.pol.NonDeterministicMarkers[className] {
		v.reject(className, session.ReasonAnnotated, "class is marked non-deterministic")
		return v.ancestorRefs(className, cf)
	}
	if v.pol.Whitelist.InNamespace(className) && !v.pol.DeterministicMarkers[className] {
		v.reject(className, session.ReasonNotWhitelisted, "class is inside the whitelist namespace but carries no deterministic marker")
		return v.ancestorRefs(className, cf)
	}

	v.verdicts[className] = OK
	return v.ancestorRefs(className, cf)
}

// ancestorRefs always enqueues a class's superclass and interfaces,
// regardless of its own verdict, per spec.md §4.10: "Ancestors... are
// always recursively loaded."
func (v *Validator) ancestorRefs(className string, cf *classfile.ClassFile) []session.EntityReference {
	var out []session.EntityReference
	if super := cf.SuperClassName(); super != "" {
		out = append(out, session.EntityReference{Kind: session.ReferenceClass, ClassName: super})
	}
	ifaces, err := cf.InterfaceNames()
	if err == nil {
		for _, iface := range ifaces {
			out = append(out, session.EntityReference{Kind: session.ReferenceClass, ClassName: iface})
		}
	}
	return out
}

// validateMember evaluates a MemberReference: load the owning class, find
// the member (a method by name and descriptor, or a field by name with a
// matching descriptor), then validate the owning class like any class
// reference, recording INVALID_CLASS against it if that class is BAD, and
// return the owning class's ancestors. The member's body is not walked: the
// classes its own code references are not evaluated here.
func (v *Validator) validateMember(ref session.EntityReference) []session.EntityReference {
	cf, err := v.loader.LoadClassFile(ref.ClassName)
	if err != nil {
		v.reject(ref.ClassName, session.ReasonNonExistentClass, err.Error())
		return nil
	}

	var found bool
	if m := cf.FindMethod(ref.Member, ref.Signature); m != nil {
		found = true
	} else if f := cf.FindField(ref.Member); f != nil && f.Descriptor == ref.Signature {
		found = true
	}
	if !found {
		v.reject(ref.ClassName, session.ReasonNonExistentMember,
			fmt.Sprintf("member %s:%s not found on %s", ref.Member, ref.Signature, ref.ClassName))
		return nil
	}

	refs := v.validateClass(ref.ClassName)
	if v.verdicts[ref.ClassName] == BAD {
		v.reject(ref.ClassName, session.ReasonInvalidClass,
			fmt.Sprintf("member %s:%s belongs to a non-deterministic class", ref.Member, ref.Signature))
	}
	return refs
}

func (v *Validator) reject(className string, code session.ReasonCode, detail string) {
	v.verdicts[className] = BAD
	v.reasons[className] = session.Reason{Code: code, Detail: detail}
}
