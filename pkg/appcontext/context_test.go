package appcontext_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/retailpoint/storesync/pkg/appcontext"
	"github.com/retailpoint/storesync/pkg/models"
)

func TestSessionRoundTrip(t *testing.T) {
	ctx := context.Background()

	_, ok := appcontext.GetSession(ctx)
	assert.False(t, ok)

	session := models.Session{Email: "owner@example.com", StoreID: "3", Role: "admin"}
	ctx = appcontext.WithSession(ctx, session)

	got, ok := appcontext.GetSession(ctx)
	assert.True(t, ok)
	assert.Equal(t, session, got)
}

func TestStoreIDRoundTrip(t *testing.T) {
	ctx := context.Background()

	_, ok := appcontext.GetStoreID(ctx)
	assert.False(t, ok)

	ctx = appcontext.WithStoreID(ctx, "3")
	got, ok := appcontext.GetStoreID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "3", got)
}
