package acl

import (
	"context"
	"slices"
)

type Action string

const (
	ActionRead   Action = "read"
	ActionWrite  Action = "write"
	ActionDelete Action = "delete"
	ActionAdmin  Action = "admin"
)

// Wildcard matches any namespace or principal in Rules.
const Wildcard = "*"

// Authorizer decides whether principal may perform action in namespace.
type Authorizer interface {
	Authorize(ctx context.Context, namespace string, action Action, principal string) bool
}

// AllowAll grants everything.
type AllowAll struct{}

func (AllowAll) Authorize(context.Context, string, Action, string) bool {
	return true
}

// Rules maps namespace to principal to the actions that principal may
// perform. Either key may be Wildcard.
type Rules map[string]map[string][]Action

// Static authorizes against a fixed rule set.
type Static struct {
	rules Rules
}

func NewStatic(rules Rules) *Static {
	return &Static{rules: rules}
}

func (s *Static) Authorize(_ context.Context, namespace string, action Action, principal string) bool {
	for _, ns := range []string{namespace, Wildcard} {
		principals, ok := s.rules[ns]
		if !ok {
			continue
		}
		for _, p := range []string{principal, Wildcard} {
			actions := principals[p]
			if slices.Contains(actions, action) || slices.Contains(actions, ActionAdmin) {
				return true
			}
		}
	}
	return false
}
