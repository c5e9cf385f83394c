package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSQLiteTokenLifecycle(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "nested", "docchat.db"))
	require.NoError(t, err)
	defer func() { require.NoError(t, s.Close()) }()

	_, err = s.LoadToken(ctx)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SaveToken(ctx, "first"))
	require.NoError(t, s.SaveToken(ctx, "second"))

	got, err := s.LoadToken(ctx)
	require.NoError(t, err)
	require.Equal(t, "second", got)

	require.NoError(t, s.DeleteToken(ctx))
	require.NoError(t, s.DeleteToken(ctx), "deleting an absent token is not an error")

	_, err = s.LoadToken(ctx)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteTokenSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "docchat.db")

	s, err := NewSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.SaveToken(ctx, "abc123"))
	require.NoError(t, s.Close())

	reopened, err := NewSQLite(path)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	got, err := reopened.LoadToken(ctx)
	require.NoError(t, err)
	require.Equal(t, "abc123", got)
	require.NoError(t, reopened.Ping(ctx))
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.LoadToken(ctx)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.SaveToken(ctx, ""))
	got, err := m.LoadToken(ctx)
	require.NoError(t, err, "an empty token is still a stored value")
	require.Empty(t, got)

	require.NoError(t, m.DeleteToken(ctx))
	_, err = m.LoadToken(ctx)
	require.ErrorIs(t, err, ErrNotFound)
}
