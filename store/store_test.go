package store_test

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/offline/store"
	"github.com/meigma/offline/store/memory"
)

func TestKeyDropsFragment(t *testing.T) {
	t.Parallel()

	u, err := url.Parse("https://app.example.com/static/js/app.js?v=2#top")
	require.NoError(t, err)
	assert.Equal(t, "https://app.example.com/static/js/app.js?v=2", store.Key(u))
	assert.Equal(t, "", store.Key(nil))
}

func TestResponseSealVerify(t *testing.T) {
	t.Parallel()

	resp := &store.Response{Status: 200, Body: []byte("shell")}
	resp.Seal(time.Unix(100, 0))
	require.NotEmpty(t, resp.Digest)
	assert.Equal(t, time.Unix(100, 0).UTC(), resp.StoredAt)
	require.NoError(t, resp.Verify())

	resp.Body = []byte("tampered")
	assert.ErrorIs(t, resp.Verify(), store.ErrCorrupt)
}

func TestResponseClone(t *testing.T) {
	t.Parallel()

	resp := &store.Response{Status: 200, Body: []byte("a")}
	resp.Header = map[string][]string{"Content-Type": {"text/html"}}

	clone := resp.Clone()
	clone.Body[0] = 'b'
	clone.Header.Set("Content-Type", "text/plain")

	assert.Equal(t, []byte("a"), resp.Body)
	assert.Equal(t, "text/html", resp.Header.Get("Content-Type"))
}

func TestMatchAnySearchesInCreationOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := memory.New()

	first, err := s.Open(ctx, "static-v1")
	require.NoError(t, err)
	second, err := s.Open(ctx, "dynamic-v1")
	require.NoError(t, err)

	require.NoError(t, second.Put(ctx, "https://a/x", &store.Response{Status: 200, Body: []byte("second")}))
	require.NoError(t, first.Put(ctx, "https://a/x", &store.Response{Status: 200, Body: []byte("first")}))

	resp, ok := store.MatchAny(ctx, s, "https://a/x")
	require.True(t, ok)
	assert.Equal(t, []byte("first"), resp.Body)

	_, ok = store.MatchAny(ctx, s, "https://a/missing")
	assert.False(t, ok)
}

func TestValidName(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"static-v3", "smartreminder_v2", "a.b"} {
		assert.True(t, store.ValidName(name), name)
	}
	for _, name := range []string{"", ".", "..", "a/b", "a b", "v3?"} {
		assert.False(t, store.ValidName(name), name)
	}
}
