package model

import (
	"context"
	"errors"
)

// SystemActorID identifies work performed by the engine itself.
const SystemActorID = "system"

// Actor is the authenticated caller of an engine operation. It is passed
// explicitly into every call; the engine never reads an ambient user.
type Actor struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Roles []Role `json:"roles"`
}

// SystemActor holds every role and acts for automatic steps.
func SystemActor() Actor {
	return Actor{ID: SystemActorID, Roles: append([]Role(nil), AllRoles...)}
}

// Validate checks that the actor carries an identity.
func (a Actor) Validate() error {
	if a.ID == "" {
		return errors.New("actor id is required")
	}
	return nil
}

// HasRole returns true if the actor holds the given role.
func (a Actor) HasRole(role Role) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// RequestContext carries the identity and tracing information for the
// lifetime of an authenticated HTTP request. It is immutable after
// construction.
type RequestContext struct {
	Actor         Actor
	Claims        map[string]any
	CorrelationID string
	TraceID       string
}

type contextKey struct{}

// WithRequestContext attaches a RequestContext to the given context.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom extracts the RequestContext from the context, or returns
// nil if not present.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}
