package auth

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "sub", "credentials.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore_RoundTrip(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	_, ok, err := store.Load(ctx, "entry")
	require.NoError(t, err)
	require.False(t, ok)

	cred := Credential{
		JWT:          "jwt-1",
		UserID:       "user-1",
		Email:        "someone@example.com",
		AccessToken:  "at",
		RefreshToken: "rt",
		ExpiresAt:    time.Now().Add(time.Hour).Truncate(time.Second),
		Environment:  EnvProduction,
	}
	require.NoError(t, store.Save(ctx, "entry", cred))

	got, ok, err := store.Load(ctx, "entry")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, cred.JWT, got.JWT)
	require.Equal(t, cred.RefreshToken, got.RefreshToken)
	require.Equal(t, cred.Environment, got.Environment)
	require.True(t, cred.ExpiresAt.Equal(got.ExpiresAt))
}

func TestSQLiteStore_UpsertAndDelete(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	cred := Credential{JWT: "v1", RefreshToken: "rt", ExpiresAt: time.Now()}
	require.NoError(t, store.Save(ctx, "entry", cred))

	cred.JWT = "v2"
	require.NoError(t, store.Save(ctx, "entry", cred))

	got, ok, err := store.Load(ctx, "entry")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v2", got.JWT)

	require.NoError(t, store.Delete(ctx, "entry"))
	_, ok, err = store.Load(ctx, "entry")
	require.NoError(t, err)
	require.False(t, ok)

	// Deleting an absent entry is not an error.
	require.NoError(t, store.Delete(ctx, "entry"))
}

func TestSQLiteStore_EntriesAreIndependent(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "a", Credential{JWT: "jwt-a", ExpiresAt: time.Now()}))
	require.NoError(t, store.Save(ctx, "b", Credential{JWT: "jwt-b", ExpiresAt: time.Now()}))

	require.NoError(t, store.Delete(ctx, "a"))

	got, ok, err := store.Load(ctx, "b")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "jwt-b", got.JWT)
}
