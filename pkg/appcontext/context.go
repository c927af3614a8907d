// Package appcontext provides utility functions for working with context in the application.
package appcontext

import (
	"context"

	"github.com/retailpoint/storesync/pkg/models"
)

type contextKey string

// String returns the string representation of the context key.
func (c contextKey) String() string {
	return string(c)
}

var (
	// ContextSession carries the authenticated session of the collaborator.
	ContextSession = contextKey("session")

	// ContextStoreID carries the scope a collaborator operates in.
	ContextStoreID = contextKey("storeID")
)

// WithSession returns a new context with the provided session.
func WithSession(ctx context.Context, s models.Session) context.Context {
	return context.WithValue(ctx, ContextSession, s)
}

// GetSession retrieves the session from the context.
func GetSession(ctx context.Context) (models.Session, bool) {
	s, ok := ctx.Value(ContextSession).(models.Session)
	return s, ok
}

// WithStoreID returns a new context with the provided store scope.
func WithStoreID(ctx context.Context, storeID string) context.Context {
	return context.WithValue(ctx, ContextStoreID, storeID)
}

// GetStoreID retrieves the store scope from the context.
func GetStoreID(ctx context.Context) (string, bool) {
	storeID, ok := ctx.Value(ContextStoreID).(string)
	return storeID, ok
}
