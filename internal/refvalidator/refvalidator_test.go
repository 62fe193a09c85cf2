package refvalidator

import (
	"errors"
	"testing"

	"github.com/detsandbox/sandbox/internal/policy"
	"github.com/detsandbox/sandbox/internal/session"
	"github.com/detsandbox/sandbox/pkg/classfile"
)

type fakeLoader struct {
	classes map[string]*classfile.ClassFile
}

func (f *fakeLoader) LoadClassFile(name string) (*classfile.ClassFile, error) {
	cf, ok := f.classes[name]
	if !ok {
		return nil, errors.New("not found")
	}
	return cf, nil
}

func classWithSuper(thisClass, super uint16, pool []classfile.ConstantPoolEntry) *classfile.ClassFile {
	return &classfile.ClassFile{
		ConstantPool: pool,
		ThisClass:    thisClass,
		SuperClass:   super,
	}
}

// buildPool constructs a constant pool where entries are indexed by
// position: pool[1] is the Utf8 name, pool[2] the Class referencing it, and
// so on for each name in names, so validateClass's SuperClassName/FindMethod
// lookups resolve without needing the full Writer/Parse round trip.
func buildPool(names ...string) (pool []classfile.ConstantPoolEntry, classIdx []uint16) {
	pool = append(pool, nil) // index 0 unused
	for _, n := range names {
		utf8Idx := uint16(len(pool))
		pool = append(pool, &classfile.ConstantUtf8{Value: n})
		clsIdx := uint16(len(pool))
		pool = append(pool, &classfile.ConstantClass{NameIndex: utf8Idx})
		classIdx = append(classIdx, clsIdx)
	}
	return pool, classIdx
}

func newValidator(loader Loader, pol *policy.Policy) *Validator {
	return &Validator{
		pol:         pol,
		loader:      loader,
		verdicts:    make(map[string]Verdict),
		reasons:     make(map[string]session.Reason),
		seenMembers: make(map[memberKey]bool),
	}
}

func TestValidateClassWhitelistedIsOK(t *testing.T) {
	pol := &policy.Policy{Whitelist: policy.Whitelist{Exact: []string{"com/example/Trusted"}}}
	v := newValidator(&fakeLoader{}, pol)
	refs := v.validateClass("com/example/Trusted")
	if v.verdicts["com/example/Trusted"] != OK {
		t.Errorf("verdict: got %v, want OK", v.verdicts["com/example/Trusted"])
	}
	if refs != nil {
		t.Errorf("want no ancestor refs for a whitelisted class, got %v", refs)
	}
}

func TestValidateClassNotFoundIsBad(t *testing.T) {
	pol := &policy.Policy{}
	v := newValidator(&fakeLoader{classes: map[string]*classfile.ClassFile{}}, pol)
	v.validateClass("com/example/Missing")
	if v.verdicts["com/example/Missing"] != BAD {
		t.Error("want BAD for a class the loader cannot find")
	}
	if v.reasons["com/example/Missing"].Code != session.ReasonNonExistentClass {
		t.Errorf("reason: got %v", v.reasons["com/example/Missing"].Code)
	}
}

func TestValidateClassNonDeterministicMarkerIsBadButStillWalksAncestors(t *testing.T) {
	pool, classIdx := buildPool("com/example/Foo", "com/example/Base")
	cf := classWithSuper(classIdx[0], classIdx[1], pool)
	pol := &policy.Policy{NonDeterministicMarkers: map[string]bool{"com/example/Foo": true}}
	v := newValidator(&fakeLoader{classes: map[string]*classfile.ClassFile{"com/example/Foo": cf}}, pol)

	refs := v.validateClass("com/example/Foo")
	if v.verdicts["com/example/Foo"] != BAD {
		t.Error("want BAD for a non-deterministic-marked class")
	}
	if v.reasons["com/example/Foo"].Code != session.ReasonAnnotated {
		t.Errorf("reason: got %v", v.reasons["com/example/Foo"].Code)
	}
	if len(refs) != 1 || refs[0].ClassName != "com/example/Base" {
		t.Errorf("want the superclass still enqueued, got %v", refs)
	}
}

func TestValidateClassInNamespaceWithoutMarkerIsNotWhitelisted(t *testing.T) {
	pool, classIdx := buildPool("com/example/plugins/Foo", "java/lang/Object")
	cf := classWithSuper(classIdx[0], classIdx[1], pool)
	pol := &policy.Policy{Whitelist: policy.Whitelist{NamespacePrefixes: []string{"com/example/plugins/"}}}
	v := newValidator(&fakeLoader{classes: map[string]*classfile.ClassFile{"com/example/plugins/Foo": cf}}, pol)

	v.validateClass("com/example/plugins/Foo")
	if v.verdicts["com/example/plugins/Foo"] != BAD {
		t.Error("want BAD inside the namespace zone without a deterministic marker")
	}
	if v.reasons["com/example/plugins/Foo"].Code != session.ReasonNotWhitelisted {
		t.Errorf("reason: got %v", v.reasons["com/example/plugins/Foo"].Code)
	}
}

func TestValidateClassInNamespaceWithMarkerIsOK(t *testing.T) {
	pool, classIdx := buildPool("com/example/plugins/Foo", "java/lang/Object")
	cf := classWithSuper(classIdx[0], classIdx[1], pool)
	pol := &policy.Policy{
		Whitelist:            policy.Whitelist{NamespacePrefixes: []string{"com/example/plugins/"}},
		DeterministicMarkers: map[string]bool{"com/example/plugins/Foo": true},
	}
	v := newValidator(&fakeLoader{classes: map[string]*classfile.ClassFile{"com/example/plugins/Foo": cf}}, pol)

	v.validateClass("com/example/plugins/Foo")
	if v.verdicts["com/example/plugins/Foo"] != OK {
		t.Error("want OK when the namespace class carries a deterministic marker")
	}
}

func TestValidateMemberNotFoundIsBad(t *testing.T) {
	pool, classIdx := buildPool("com/example/Foo")
	cf := &classfile.ClassFile{ConstantPool: pool, ThisClass: classIdx[0]}
	pol := &policy.Policy{}
	v := newValidator(&fakeLoader{classes: map[string]*classfile.ClassFile{"com/example/Foo": cf}}, pol)

	ref := session.EntityReference{Kind: session.ReferenceMember, ClassName: "com/example/Foo", Member: "missing", Signature: "()V"}
	v.validateMember(ref)
	if v.verdicts["com/example/Foo"] != BAD {
		t.Error("want BAD for a reference to a nonexistent member")
	}
	if v.reasons["com/example/Foo"].Code != session.ReasonNonExistentMember {
		t.Errorf("reason: got %v", v.reasons["com/example/Foo"].Code)
	}
}

func TestValidateMemberOnNonDeterministicClassIsInvalid(t *testing.T) {
	pool, classIdx := buildPool("com/example/Foo", "java/lang/Object")
	cf := &classfile.ClassFile{
		ConstantPool: pool,
		ThisClass:    classIdx[0],
		SuperClass:   classIdx[1],
		Methods:      []classfile.MethodInfo{{Name: "bar", Descriptor: "()V"}},
	}
	pol := &policy.Policy{NonDeterministicMarkers: map[string]bool{"com/example/Foo": true}}
	v := newValidator(&fakeLoader{classes: map[string]*classfile.ClassFile{"com/example/Foo": cf}}, pol)

	ref := session.EntityReference{Kind: session.ReferenceMember, ClassName: "com/example/Foo", Member: "bar", Signature: "()V"}
	v.validateMember(ref)
	if v.reasons["com/example/Foo"].Code != session.ReasonInvalidClass {
		t.Errorf("reason: got %v, want ReasonInvalidClass", v.reasons["com/example/Foo"].Code)
	}
}

func TestValidateChecksEveryMemberReferenceOnAClassNotJustTheFirst(t *testing.T) {
	pool, classIdx := buildPool("com/example/Foo", "java/lang/Object")
	cf := &classfile.ClassFile{
		ConstantPool: pool,
		ThisClass:    classIdx[0],
		SuperClass:   classIdx[1],
		Methods:      []classfile.MethodInfo{{Name: "foo", Descriptor: "()V"}},
	}
	pol := &policy.Policy{}
	v := newValidator(&fakeLoader{classes: map[string]*classfile.ClassFile{"com/example/Foo": cf}}, pol)

	refs := []session.EntityReference{
		{Kind: session.ReferenceMember, ClassName: "com/example/Foo", Member: "foo", Signature: "()V"},
		{Kind: session.ReferenceMember, ClassName: "com/example/Foo", Member: "bar", Signature: "()V"},
	}
	summary := v.Validate(refs, map[string]string{})

	if summary.Verdicts["com/example/Foo"] != BAD {
		t.Fatal("want BAD once any member reference on the class is missing")
	}
	if summary.Reasons["com/example/Foo"].Code != session.ReasonNonExistentMember {
		t.Errorf("reason: got %v, want ReasonNonExistentMember for the second, missing member reference", summary.Reasons["com/example/Foo"].Code)
	}
}

func TestValidateRunsToFixedPointOverAncestorChain(t *testing.T) {
	poolFoo, classIdxFoo := buildPool("com/example/Foo", "com/example/Base")
	cfFoo := classWithSuper(classIdxFoo[0], classIdxFoo[1], poolFoo)
	poolBase, classIdxBase := buildPool("com/example/Base", "java/lang/Object")
	cfBase := classWithSuper(classIdxBase[0], classIdxBase[1], poolBase)

	pol := &policy.Policy{}
	v := newValidator(&fakeLoader{classes: map[string]*classfile.ClassFile{
		"com/example/Foo": cfFoo, "com/example/Base": cfBase,
	}}, pol)
	summary := v.Validate([]session.EntityReference{{Kind: session.ReferenceClass, ClassName: "com/example/Foo"}}, map[string]string{})

	if summary.Verdicts["com/example/Foo"] != OK || summary.Verdicts["com/example/Base"] != OK {
		t.Errorf("want both classes validated OK, got %+v", summary.Verdicts)
	}
}
