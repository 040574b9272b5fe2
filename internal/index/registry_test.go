package index

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	derrors "github.com/Aman-CERP/divan/internal/errors"
)

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()

	users, err := OpenMapIndex(ctx, Options{Name: "Users"}, identityMap)
	require.NoError(t, err)
	cities, err := OpenMapReduceIndex(ctx, Options{Name: "Cities"}, byCity, reduceCount)
	require.NoError(t, err)

	require.NoError(t, reg.Add(users))
	require.NoError(t, reg.Add(cities))

	// duplicate names are rejected
	err = reg.Add(users)
	assert.Equal(t, derrors.ErrCodeInvalidDefinition, derrors.GetCode(err))

	got, err := reg.Get("Users")
	require.NoError(t, err)
	assert.Same(t, users, got)

	_, err = reg.Get("Nope")
	assert.Equal(t, derrors.ErrCodeIndexNotFound, derrors.GetCode(err))

	assert.Equal(t, []string{"Cities", "Users"}, reg.Names())

	// Close shuts every index down and empties the registry
	require.NoError(t, reg.Close(ctx))
	assert.Empty(t, reg.Names())

	_, err = users.QueryAll(ctx, &IndexQuery{PageSize: 1})
	assert.Equal(t, derrors.ErrCodeIndexClosed, derrors.GetCode(err))
}
