package authctx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithPrincipal_RoundTrips(t *testing.T) {
	ctx := WithPrincipal(context.Background(), Principal{UserID: 7, Role: "user"})
	assert.True(t, HasPrincipal(ctx))

	p, err := FromContextSafe(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), p.UserID)

	assert.Equal(t, p, FromContext(ctx))
}

func TestFromContextSafe_MissingPrincipal(t *testing.T) {
	_, err := FromContextSafe(context.Background())
	require.Error(t, err)
	assert.False(t, HasPrincipal(context.Background()))
}

func TestFromContext_PanicsWhenMissing(t *testing.T) {
	assert.Panics(t, func() {
		FromContext(context.Background())
	})
}

func TestIsAdmin(t *testing.T) {
	assert.True(t, Principal{Role: "admin"}.IsAdmin())
	assert.True(t, Principal{Role: "superadmin"}.IsAdmin())
	assert.False(t, Principal{Role: "user"}.IsAdmin())
}
