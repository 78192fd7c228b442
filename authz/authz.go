package authz

import (
	"ponte/auth"
	"ponte/config"
	"ponte/router"
)

// Outcome of an authorization decision.
type Outcome int

const (
	// Allow admits the request to the dispatcher.
	Allow Outcome = iota
	// DenyUnauthenticated rejects a request with no verified principal.
	DenyUnauthenticated
	// DenyForbidden rejects a verified principal lacking a required role.
	DenyForbidden
)

// Decision is the result of evaluating the policy table for a request.
type Decision struct {
	Outcome Outcome
	Rule    string // Pattern of the matched rule; "" for the implicit catch-all.
	Role    string // Role that was required, when relevant.
}

// Allowed reports whether the request may proceed.
func (d Decision) Allowed() bool {
	return d.Outcome == Allow
}

// Table is the compiled, immutable authorization policy table. Rules are
// evaluated in declared order, first match wins, with an implicit
// trailing "authenticated" catch-all so unmatched paths fail closed.
type Table struct {
	rules []config.AuthRuleConfig
}

// NewTable builds a policy table from validated configuration.
func NewTable(rules []config.AuthRuleConfig) *Table {
	return &Table{rules: rules}
}

// Authorize evaluates a path against the policy table. principal is nil
// when the request carried no credentials or carried credentials the
// verifier rejected. Pure function: no I/O, safe for unsynchronized
// concurrent use.
func (t *Table) Authorize(path string, principal *auth.Principal) Decision {
	for _, rule := range t.rules {
		if !router.Match(rule.Path, path) {
			continue
		}
		switch rule.Require {
		case config.RequirePublic:
			return Decision{Outcome: Allow, Rule: rule.Path}
		case config.RequireAuthenticated:
			if principal == nil {
				return Decision{Outcome: DenyUnauthenticated, Rule: rule.Path}
			}
			return Decision{Outcome: Allow, Rule: rule.Path}
		case config.RequireRole:
			if principal == nil {
				return Decision{Outcome: DenyUnauthenticated, Rule: rule.Path, Role: rule.Role}
			}
			if !principal.HasRole(rule.Role) {
				return Decision{Outcome: DenyForbidden, Rule: rule.Path, Role: rule.Role}
			}
			return Decision{Outcome: Allow, Rule: rule.Path}
		}
	}

	// Fail-closed default: anything not covered by an explicit rule
	// requires an authenticated principal.
	if principal == nil {
		return Decision{Outcome: DenyUnauthenticated}
	}
	return Decision{Outcome: Allow}
}

// Len returns the number of explicit rules in the table.
func (t *Table) Len() int {
	return len(t.rules)
}
