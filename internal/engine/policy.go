package engine

import "sort"

// DefaultScope is exempt from required-predicate rules.
const DefaultScope = "default"

func isDefaultScope(scope string) bool {
	return scope == "" || scope == DefaultScope
}

// requiredPolicy maps a scope to the predicates every search in that scope
// must carry at the top level.
type requiredPolicy map[string][]string

// validate returns a RequiredPredicateError listing the missing names, in
// declaration order. Scopes without a rule pass.
func (p requiredPolicy) validate(scope string, predicates map[string]any) error {
	if isDefaultScope(scope) {
		return nil
	}
	var missing []string
	for _, name := range p[scope] {
		if v, ok := predicates[name]; !ok || isNil(v) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return &RequiredPredicateError{Scope: scope, Missing: missing}
	}
	return nil
}

func (p requiredPolicy) scopes() []string {
	out := make([]string, 0, len(p))
	for scope := range p {
		out = append(out, scope)
	}
	sort.Strings(out)
	return out
}
