// Package jvmnames holds the small set of namespace predicates shared
// across the rule engine, definition providers, and reference validator,
// so "what counts as JVM-internal" has exactly one definition.
package jvmnames

import "strings"

// internalPrefixes are the namespaces exempt from sandboxing: the host
// runtime's own bootstrap classes, which are trusted by construction.
var internalPrefixes = []string{"java/", "javax/", "jdk/", "sun/"}

// IsInternal reports whether className belongs to the trusted host
// namespace exempted from the dynamic-invocation, reflection, and
// native-stub rules.
func IsInternal(className string) bool {
	for _, p := range internalPrefixes {
		if strings.HasPrefix(className, p) {
			return true
		}
	}
	return false
}
