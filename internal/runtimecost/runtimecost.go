// Package runtimecost names the stable, injected-runtime contract the
// cost-accounting emitter (C6) generates calls against. It specifies names
// and descriptors only; per spec.md's Non-goals and §1's "out of scope"
// list, the actual thread-local counting and threshold enforcement runtime
// is an external collaborator this module never implements.
package runtimecost

// AccounterClass is the fully qualified internal name of the injected
// runtime class the emitter's synthetic calls target, per spec.md §9's
// design note: "specify it as <sandbox-runtime>/RuntimeCostAccounter...
// with fixed descriptors."
const AccounterClass = "sandbox-runtime/RuntimeCostAccounter"

// ThresholdViolationException is the fully qualified internal name of the
// exception the accounter throws when a cost category exceeds its
// configured budget (spec.md's GLOSSARY: "Threshold violation"). Sandboxed
// code must never catch it undifferentiated from Throwable/Error — see
// internal/rules.DisallowThreadDeathCatch and internal/emitter's
// catch-block rewrite.
const ThresholdViolationException = AccounterClass + "$ThresholdViolationException"

// RuleViolationException is the fully qualified internal name of the
// exception a native-method stub throws on entry (spec.md §4.5).
const RuleViolationException = AccounterClass + "$RuleViolationException"

// Method names the four cost categories from spec.md's executionProfile,
// each a contract method on AccounterClass taking the category's cost as an
// int and returning void: "(I)V".
type Method string

const (
	RecordAllocation Method = "recordAllocation"
	RecordJump        Method = "recordJump"
	RecordInvocation  Method = "recordInvocation"
	RecordThrow       Method = "recordThrow"
)

// Descriptor is the fixed descriptor shared by all four accounting methods.
const Descriptor = "(I)V"

// CostProfile is the per-category cost the emitter bakes into each injected
// accounting call as a literal int argument, sourced from a policy's
// executionProfile (spec.md §6). The accounter, not this module, compares
// accumulated cost against a threshold; these are per-occurrence weights,
// not budgets.
type CostProfile struct {
	AllocationCost int32
	InvocationCost int32
	JumpCost       int32
	ThrowCost      int32
}

// DefaultCostProfile is used when a session supplies no explicit profile,
// weighting every instrumented site equally.
var DefaultCostProfile = CostProfile{AllocationCost: 1, InvocationCost: 1, JumpCost: 1, ThrowCost: 1}
