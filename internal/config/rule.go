package config

import (
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Rule is one media-download rule slot: either a plain boolean or a regex
// pattern matched case-insensitively against a post's plain text. An absent
// slot evaluates to false.
type Rule struct {
	set     bool
	boolean bool
	pattern string
}

// BoolRule returns a constant rule.
func BoolRule(v bool) Rule { return Rule{set: true, boolean: v} }

// PatternRule returns a pattern rule.
func PatternRule(p string) Rule { return Rule{set: true, pattern: p} }

// IsSet reports whether the slot was configured at all.
func (r Rule) IsSet() bool { return r.set }

// IsPattern reports whether the slot holds a regex pattern.
func (r Rule) IsPattern() bool { return r.set && r.pattern != "" }

// UnmarshalYAML accepts `true`, `false`, or a pattern string.
func (r *Rule) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("rule must be a boolean or a pattern string")
	}

	var b bool
	if err := value.Decode(&b); err == nil {
		*r = BoolRule(b)
		return nil
	}

	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("rule must be a boolean or a pattern string: %w", err)
	}
	if s == "" {
		*r = Rule{}
		return nil
	}
	*r = PatternRule(s)
	return nil
}

// CompiledRule is a Rule with its pattern compiled for repeated evaluation.
// Rules are compiled once per board per loop.
type CompiledRule struct {
	constant bool
	re       *regexp.Regexp
}

// Compile prepares the rule. Pattern rules full-match case-insensitively,
// with `.` crossing newlines, mirroring how the rest of the rule slots treat
// multi-line comments.
func (r Rule) Compile() (CompiledRule, error) {
	if !r.set {
		return CompiledRule{}, nil
	}
	if r.pattern == "" {
		return CompiledRule{constant: r.boolean}, nil
	}
	re, err := regexp.Compile(`(?is)\A(?:` + r.pattern + `)\z`)
	if err != nil {
		return CompiledRule{}, fmt.Errorf("compile rule pattern %q: %w", r.pattern, err)
	}
	return CompiledRule{re: re}, nil
}

// Match evaluates the rule against a post's plain text.
func (c CompiledRule) Match(text string) bool {
	if c.re == nil {
		return c.constant
	}
	return c.re.MatchString(text)
}
