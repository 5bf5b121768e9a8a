package aptparse

import (
	"strings"

	"github.com/KyoshiHikari/apt-ng/internal/model"
)

// ParseDependsField parses a raw Depends (or Conflicts) field value into a
// flattened list of DependencyRules, per spec §4.6:
//
//	comma-separated top-level terms; each term is pipe-separated
//	alternatives; each alternative is "name [(op version)]".
//
// Alternatives of the same term share the same Slot so the solver can tell
// "any one of these satisfies the dependency" apart from "all of these must
// be satisfied".
func ParseDependsField(value string) []model.DependencyRule {
	if value == "" {
		return nil
	}

	var rules []model.DependencyRule
	terms := strings.Split(value, ",")
	for slot, term := range terms {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		alts := strings.Split(term, "|")
		for _, alt := range alts {
			if rule, ok := parseAlternative(strings.TrimSpace(alt)); ok {
				rule.Slot = slot
				rules = append(rules, rule)
			}
		}
	}
	return rules
}

// parseAlternative parses "name", "name (op version)", or "name:arch (op version)".
func parseAlternative(alt string) (model.DependencyRule, bool) {
	if alt == "" {
		return model.DependencyRule{}, false
	}

	rule := model.DependencyRule{}
	rest := alt

	if idx := strings.Index(rest, "("); idx != -1 {
		end := strings.Index(rest, ")")
		if end > idx {
			constraint := strings.TrimSpace(rest[idx+1 : end])
			rule.VersionConstraint = normalizeConstraint(constraint)
			rest = strings.TrimSpace(rest[:idx])
		}
	}

	if idx := strings.Index(rest, ":"); idx != -1 {
		rule.Arch = strings.TrimSpace(rest[idx+1:])
		rest = strings.TrimSpace(rest[:idx])
	}

	rule.Name = strings.TrimSpace(rest)
	if rule.Name == "" {
		return model.DependencyRule{}, false
	}
	return rule, true
}

// normalizeConstraint turns "op version" ("<<", "<=", "=", ">=", ">>", "<",
// ">") into a canonical "op version" string with a single space, defaulting
// a bare version (no operator) to equality.
func normalizeConstraint(c string) string {
	ops := []string{"<<", "<=", ">=", ">>", "=", "<", ">"}
	for _, op := range ops {
		if strings.HasPrefix(c, op) {
			v := strings.TrimSpace(strings.TrimPrefix(c, op))
			return op + " " + v
		}
	}
	return "= " + strings.TrimSpace(c)
}
