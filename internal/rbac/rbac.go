// Package rbac decides whether an API key may invoke a given agent,
// and what role that key carries for downstream tool-gating.
package rbac

import "context"

// RoleMap resolves an API key to the set of agent IDs it may invoke
// and the role name attached to it. A key absent from the map has no
// access.
type RoleMap interface {
	// Allowed reports whether apiKey may invoke agentID.
	Allowed(ctx context.Context, apiKey, agentID string) (bool, error)
	// RoleFor returns the role name bound to apiKey, or "" if unknown.
	RoleFor(ctx context.Context, apiKey string) (string, error)
	// Reload re-reads the backing store, if the implementation
	// supports it. Implementations for which reload is a no-op
	// (e.g. a live database-backed map) return nil.
	Reload(ctx context.Context) error
}

const wildcardAgent = "*"
