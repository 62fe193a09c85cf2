// Package policy loads and holds the immutable per-session configuration:
// classpath, whitelist, pinned classes, deterministic/non-deterministic
// marker sets, and the execution cost profile (spec.md §6). The rule,
// definition-provider and emitter lists are not part of the policy: the
// rewriter and sandbox loader always use rules.NewEngine,
// defprovider.DefaultProviders and emitter.DefaultEmitters. Grounded on the config-loading
// shape used across the pack's CLI-fronted services (cobra+viper pairing),
// loaded through github.com/spf13/viper so a session can be configured from
// YAML, JSON, or TOML without this package caring which.
package policy

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/detsandbox/sandbox/internal/runtimecost"
)

// Config is the raw, decoded shape of a policy file, tagged for viper's
// mapstructure-based decode.
type Config struct {
	Classpath                  []string      `mapstructure:"classpath"`
	WhitelistExact             []string      `mapstructure:"whitelist_exact"`
	WhitelistPrefixes          []string      `mapstructure:"whitelist_prefixes"`
	WhitelistNamespacePrefixes []string      `mapstructure:"whitelist_namespace_prefixes"`
	DeterministicMarkers       []string      `mapstructure:"deterministic_markers"`
	NonDeterministicMarkers    []string      `mapstructure:"non_deterministic_markers"`
	PinnedClasses              []string      `mapstructure:"pinned_classes"`
	ExecutionProfile           ProfileConfig `mapstructure:"execution_profile"`
}

// ProfileConfig is the decoded executionProfile block from spec.md §6:
// per-category cost weights plus a threshold the injected runtime enforces
// (this module only emits calls against that contract; it never enforces
// the threshold itself).
type ProfileConfig struct {
	AllocationCost       int32          `mapstructure:"allocation_cost"`
	InvocationCost       int32          `mapstructure:"invocation_cost"`
	JumpCost             int32          `mapstructure:"jump_cost"`
	ThrowCost            int32          `mapstructure:"throw_cost"`
	ThresholdPerCategory map[string]int64 `mapstructure:"threshold_per_category"`
}

// Policy is the validated, ready-to-use form of Config: a session builds one
// Resolver-compatible whitelist and a pinned-class set out of it once, at
// load time, instead of re-deriving them on every class load.
type Policy struct {
	Classpath               []string
	Whitelist               Whitelist
	PinnedClasses           map[string]bool
	DeterministicMarkers    map[string]bool
	NonDeterministicMarkers map[string]bool
	CostProfile             runtimecost.CostProfile
}

// Whitelist is the raw exact/prefix pair a session hands to
// internal/resolver.New; kept here (not inside resolver) because the
// policy, not the resolver, owns where the sets come from.
//
// NamespacePrefixes is the broader "whitelist namespace" spec.md §3
// describes: a zone wider than the trusted Exact/Prefixes set whose members
// are not automatically accepted but, if carrying a deterministic marker,
// may still pass reference validation (internal/refvalidator) instead of
// failing NOT_WHITELISTED.
type Whitelist struct {
	Exact             []string
	Prefixes          []string
	NamespacePrefixes []string
}

// Matches reports whether name is in the trusted Exact/Prefixes whitelist
// (not the broader namespace zone — see InNamespace).
func (w Whitelist) Matches(name string) bool {
	for _, e := range w.Exact {
		if e == name {
			return true
		}
	}
	for _, p := range w.Prefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// InNamespace reports whether name falls under one of the namespace
// prefixes (but says nothing about whether it is trusted outright).
func (w Whitelist) InNamespace(name string) bool {
	for _, p := range w.NamespacePrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// Load reads a policy file at path (any format viper supports by extension)
// and returns a validated Policy.
func Load(path string) (*Policy, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("policy: reading %s: %w", path, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("policy: decoding %s: %w", path, err)
	}
	return fromConfig(cfg)
}

func fromConfig(cfg Config) (*Policy, error) {
	if len(cfg.Classpath) == 0 {
		return nil, fmt.Errorf("policy: classpath must not be empty")
	}
	pinned := toSet(cfg.PinnedClasses)
	deterministic := toSet(cfg.DeterministicMarkers)
	nonDeterministic := toSet(cfg.NonDeterministicMarkers)
	profile := runtimecost.DefaultCostProfile
	if p := cfg.ExecutionProfile; p.AllocationCost != 0 || p.InvocationCost != 0 || p.JumpCost != 0 || p.ThrowCost != 0 {
		profile = runtimecost.CostProfile{
			AllocationCost: p.AllocationCost,
			InvocationCost: p.InvocationCost,
			JumpCost:       p.JumpCost,
			ThrowCost:      p.ThrowCost,
		}
	}
	return &Policy{
		Classpath: cfg.Classpath,
		Whitelist: Whitelist{
			Exact:             cfg.WhitelistExact,
			Prefixes:          cfg.WhitelistPrefixes,
			NamespacePrefixes: cfg.WhitelistNamespacePrefixes,
		},
		PinnedClasses:           pinned,
		DeterministicMarkers:    deterministic,
		NonDeterministicMarkers: nonDeterministic,
		CostProfile:             profile,
	}, nil
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}

// IsPinned reports whether className is in the pinned set: left untouched
// and loaded via the host loader, bypassing analysis and rewriting entirely.
func (p *Policy) IsPinned(className string) bool {
	return p.PinnedClasses[className]
}

// MergeWhitelistFile adds one prefix/exact-name whitelist entry per
// non-blank, non-comment line of path into p's trusted Prefixes set,
// supplementing the main config file per spec.md §6's classpath/whitelist
// input shape. Entries ending in "/" are treated the same as any other
// prefix; the distinction between Exact and Prefixes is left to the main
// config, since a flag-supplied list is typically bulk prefix data.
func (p *Policy) MergeWhitelistFile(path string) error {
	lines, err := readLines(path)
	if err != nil {
		return fmt.Errorf("policy: whitelist file %s: %w", path, err)
	}
	p.Whitelist.Prefixes = append(p.Whitelist.Prefixes, lines...)
	return nil
}

// MergePinnedFile adds one pinned class name per non-blank, non-comment
// line of path into p's pinned set.
func (p *Policy) MergePinnedFile(path string) error {
	lines, err := readLines(path)
	if err != nil {
		return fmt.Errorf("policy: pinned file %s: %w", path, err)
	}
	for _, l := range lines {
		p.PinnedClasses[l] = true
	}
	return nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}
