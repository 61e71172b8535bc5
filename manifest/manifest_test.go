package manifest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const v3YAML = `
static_cache: static-v3
dynamic_cache: dynamic-v3
static:
  - /
  - /offline
  - /static/css/style.css
allowed_origins:
  - cdn.jsdelivr.net
`

func TestParse(t *testing.T) {
	t.Parallel()

	m, err := Parse([]byte(v3YAML))
	require.NoError(t, err)
	assert.Equal(t, "static-v3", m.StaticCache)
	assert.Equal(t, "dynamic-v3", m.DynamicCache)
	assert.Equal(t, DefaultOfflinePage, m.OfflinePage)
	assert.Equal(t, []string{"/", "/offline", "/static/css/style.css"}, m.Static)
	assert.True(t, m.Allowed("cdn.jsdelivr.net"))
	assert.False(t, m.Allowed("evil.example.com"))
	assert.True(t, m.Current("static-v3"))
	assert.True(t, m.Current("dynamic-v3"))
	assert.False(t, m.Current("static-v2"))
}

func TestParseRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		yaml string
	}{
		{"unknown field", "static_cache: s\ndynamic_cache: d\nstatic: [/offline]\nbogus: 1\n"},
		{"missing static tag", "dynamic_cache: d\nstatic: [/offline]\n"},
		{"same tags", "static_cache: v\ndynamic_cache: v\nstatic: [/offline]\n"},
		{"bad tag", "static_cache: static/v3\ndynamic_cache: d\nstatic: [/offline]\n"},
		{"empty static", "static_cache: s\ndynamic_cache: d\nstatic: []\n"},
		{"duplicate url", "static_cache: s\ndynamic_cache: d\nstatic: [/offline, /offline]\n"},
		{"offline page missing", "static_cache: s\ndynamic_cache: d\nstatic: [/]\n"},
		{"not yaml", "::::"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(tt.yaml))
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestDefaultIsValid(t *testing.T) {
	t.Parallel()

	m := Default()
	require.NoError(t, m.Validate())
	assert.Contains(t, m.Static, m.OfflinePage)
	assert.Len(t, m.Static, 10)
}

func TestEqual(t *testing.T) {
	t.Parallel()

	a := Default()
	b := Default()
	assert.True(t, a.Equal(b))

	b.StaticCache = "static-v4"
	assert.False(t, a.Equal(b))

	var nilManifest *Manifest
	assert.True(t, nilManifest.Equal(nil))
	assert.False(t, a.Equal(nil))
}

func TestLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "manifest.yaml")
	require.NoError(t, os.WriteFile(path, []byte(v3YAML), 0o600))

	m, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "static-v3", m.StaticCache)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestWatchReloadsOnChange(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.yaml")
	require.NoError(t, os.WriteFile(path, []byte(v3YAML), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *Manifest, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, nil, func(m *Manifest) { got <- m })
	}()

	v4 := []byte(`
static_cache: static-v4
dynamic_cache: dynamic-v4
static: [/, /offline]
`)
	// The watcher may not be registered yet; keep rewriting until it reports.
	deadline := time.After(5 * time.Second)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		require.NoError(t, os.WriteFile(path, v4, 0o600))
		select {
		case m := <-got:
			assert.Equal(t, "static-v4", m.StaticCache)
			cancel()
			require.NoError(t, <-done)
			return
		case <-ticker.C:
		case <-deadline:
			t.Fatal("Watch did not report the updated manifest")
		}
	}
}
