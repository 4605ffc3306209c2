package domain

import "context"

// AuthRole is retained only as a coarse connection-level label (e.g. for
// audit logging); the gateway does not gate individual operations on it.
// Fine-grained per-method authorization lives outside the gateway core.
type AuthRole string

const (
	AuthRoleNode  AuthRole = "node"
	AuthRoleAdmin AuthRole = "admin"
)

// Authenticated reports whether the caller completed the gateway's
// connection-level handshake. It carries no notion of permission beyond
// that: anyone past Authenticate can issue any connect-scoped message.
type Authenticated struct {
	ClientID string
	Roles    []string
}

const rolesCtxKey ctxKey = "gateway_roles"
const clientIDCtxKey ctxKey = "gateway_client_id"

// ContextWithRoles returns a new context carrying the given connection-level
// role labels. Present for audit/logging purposes only.
func ContextWithRoles(ctx context.Context, roles []string) context.Context {
	return context.WithValue(ctx, rolesCtxKey, roles)
}

// RolesFromContext extracts connection-level role labels from the context.
func RolesFromContext(ctx context.Context) []string {
	if v, ok := ctx.Value(rolesCtxKey).([]string); ok {
		return v
	}
	return nil
}

// ContextWithClientID returns a new context carrying the authenticated
// client's identifier.
func ContextWithClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, clientIDCtxKey, clientID)
}

// ClientIDFromContext extracts the authenticated client identifier, if any.
func ClientIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(clientIDCtxKey).(string); ok {
		return v
	}
	return ""
}
