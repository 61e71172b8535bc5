package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/offline/store"
)

func TestStorageOpenDeleteKeys(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()

	a, err := s.Open(ctx, "static-v3")
	require.NoError(t, err)
	_, err = s.Open(ctx, "dynamic-v3")
	require.NoError(t, err)

	again, err := s.Open(ctx, "static-v3")
	require.NoError(t, err)
	assert.Same(t, a, again)

	names, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"static-v3", "dynamic-v3"}, names)

	deleted, err := s.Delete(ctx, "static-v3")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = s.Delete(ctx, "static-v3")
	require.NoError(t, err)
	assert.False(t, deleted)

	names, err = s.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"dynamic-v3"}, names)
}

func TestStorageRejectsInvalidName(t *testing.T) {
	t.Parallel()

	_, err := New().Open(context.Background(), "../escape")
	assert.ErrorIs(t, err, store.ErrInvalidName)
}

func TestStorePutOverwrites(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st, err := New().Open(ctx, "dynamic-v1")
	require.NoError(t, err)

	key := "https://app.example.com/api/reminders"
	require.NoError(t, st.Put(ctx, key, &store.Response{Status: 200, Body: []byte("old")}))
	require.NoError(t, st.Put(ctx, key, &store.Response{Status: 200, Body: []byte("new")}))

	got, ok := st.Match(ctx, key)
	require.True(t, ok)
	assert.Equal(t, []byte("new"), got.Body)
	assert.Equal(t, key, got.URL)
	assert.NotEmpty(t, got.Digest)

	// Mutating the returned copy does not reach the store.
	got.Body[0] = 'x'
	again, _ := st.Match(ctx, key)
	assert.Equal(t, []byte("new"), again.Body)

	require.NoError(t, st.Delete(ctx, key))
	_, ok = st.Match(ctx, key)
	assert.False(t, ok)
}
