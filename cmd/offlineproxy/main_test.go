package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/offline"
	"github.com/meigma/offline/internal/config"
	"github.com/meigma/offline/internal/testutil"
	"github.com/meigma/offline/manifest"
	"github.com/meigma/offline/store"
	"github.com/meigma/offline/store/memory"
)

const origin = "https://app.example.com"

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()

	net := testutil.NewNetwork(map[string]testutil.Page{
		origin + "/":        {ContentType: "text/html", Body: "home"},
		origin + "/offline": {ContentType: "text/html", Body: "offline"},
	})
	u, err := url.Parse(origin)
	require.NoError(t, err)
	reg, err := offline.NewRegistration(u, memory.New(), offline.WithFetcher(net))
	require.NoError(t, err)
	_, err = reg.Register(context.Background(), &manifest.Manifest{
		StaticCache:  "static-v1",
		DynamicCache: "dynamic-v1",
		OfflinePage:  "/offline",
		Static:       []string{"/", "/offline"},
	})
	require.NoError(t, err)
	return newRouter(reg, slog.New(slog.DiscardHandler))
}

func serve(h http.Handler, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestRouterStatus(t *testing.T) {
	t.Parallel()

	rec := serve(newTestRouter(t), "/_offline/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got struct {
		Active *struct {
			ID          uint64 `json:"id"`
			State       string `json:"state"`
			StaticCache string `json:"static_cache"`
		} `json:"active"`
		Waiting json.RawMessage `json:"waiting"`
		Stores  []string        `json:"stores"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.NotNil(t, got.Active)
	assert.Equal(t, uint64(1), got.Active.ID)
	assert.Equal(t, "activated", got.Active.State)
	assert.Equal(t, "static-v1", got.Active.StaticCache)
	assert.JSONEq(t, "null", string(got.Waiting))
	assert.Equal(t, []string{"static-v1", "dynamic-v1"}, got.Stores)
}

func TestRouterStoreListing(t *testing.T) {
	t.Parallel()

	h := newTestRouter(t)

	rec := serve(h, "/_offline/stores/static-v1")
	require.Equal(t, http.StatusOK, rec.Code)
	var listing storeListing
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	assert.Equal(t, "static-v1", listing.Name)
	assert.ElementsMatch(t, []string{origin + "/", origin + "/offline"}, listing.Keys)

	rec = serve(h, "/_offline/stores/dynamic-v1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"name":"dynamic-v1","keys":[]}`, rec.Body.String())

	assert.Equal(t, http.StatusNotFound, serve(h, "/_offline/stores/static-v0").Code)
	assert.Equal(t, http.StatusBadRequest, serve(h, "/_offline/stores/bad$name").Code)

	// A 404 lookup must not create the store.
	rec = serve(h, "/_offline/status")
	assert.NotContains(t, rec.Body.String(), "static-v0")
}

func TestRouterProxiesEverythingElse(t *testing.T) {
	t.Parallel()

	rec := serve(newTestRouter(t), "/")
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, "home", string(body))
}

func TestParseFlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("OFFLINE_ORIGIN", "https://env.example.com")
	t.Setenv("OFFLINE_STORAGE", "disk")
	t.Setenv("OFFLINE_STORAGE_PATH", "/tmp/env")

	cfg, err := config.Load()
	require.NoError(t, err)

	f, err := parseFlags([]string{
		"-origin", "https://flag.example.com",
		"-storage", "sqlite",
		"-sqlite-driver", "sqlite3",
	}, &cfg, io.Discard)
	require.NoError(t, err)

	assert.Equal(t, "https://flag.example.com", cfg.Origin)
	assert.Equal(t, config.StorageSQLite, cfg.Storage)
	assert.Equal(t, "/tmp/env", cfg.StoragePath, "unset flags keep the environment value")
	assert.Equal(t, "sqlite3", f.sqliteDriver)
	require.NoError(t, cfg.Validate())
}

func TestParseFlagsRejectsUnknown(t *testing.T) {
	t.Parallel()

	var cfg config.Config
	_, err := parseFlags([]string{"-nope"}, &cfg, io.Discard)
	assert.Error(t, err)
}

func TestOpenStorage(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	for _, kind := range []string{config.StorageMemory, config.StorageDisk, config.StorageSQLite} {
		t.Run(kind, func(t *testing.T) {
			t.Parallel()

			path := t.TempDir()
			if kind == config.StorageSQLite {
				path += "/cache.db"
			}
			var static staticCaches
			s, closeFn, err := openStorage(config.Config{Storage: kind, StoragePath: path}, "sqlite", static.has)
			require.NoError(t, err)
			defer func() { require.NoError(t, closeFn()) }()

			_, err = s.Open(ctx, "static-v1")
			require.NoError(t, err)
			names, err := s.Keys(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"static-v1"}, names)
		})
	}
}

func TestOpenStorageLimitsOnlyDynamicCaches(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	var static staticCaches
	static.add(manifest.Default())
	cfg := config.Config{Storage: config.StorageDisk, StoragePath: t.TempDir(), MaxStoreBytes: 64}
	s, closeFn, err := openStorage(cfg, "sqlite", static.has)
	require.NoError(t, err)
	defer func() { require.NoError(t, closeFn()) }()

	body := make([]byte, 4096)
	_, err = rand.Read(body)
	require.NoError(t, err)
	big := &store.Response{Status: http.StatusOK, Body: body}
	tests := []struct {
		name    string
		wantErr error
	}{
		{name: manifest.Default().StaticCache},
		{name: manifest.Default().DynamicCache, wantErr: store.ErrQuotaExceeded},
	}
	for _, tt := range tests {
		st, err := s.Open(ctx, tt.name)
		require.NoError(t, err)
		err = st.Put(ctx, origin+"/", big)
		if tt.wantErr != nil {
			assert.ErrorIs(t, err, tt.wantErr, tt.name)
			continue
		}
		assert.NoError(t, err, tt.name)
	}
}
