package offline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/meigma/offline/manifest"
	"github.com/meigma/offline/store"
)

// Fetcher sends a request to the network.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Manager applies one version's caching policy.
//
// A Manager holds no cache state of its own; everything it caches lives in
// the injected store.Storage, so several managers (versions) can share one
// storage and any number of HandleFetch calls may run concurrently.
type Manager struct {
	origin             *url.URL
	manifest           *manifest.Manifest
	storage            store.Storage
	fetcher            Fetcher
	logger             *slog.Logger
	tracer             trace.Tracer
	installConcurrency int

	fetchGroup singleflight.Group
}

// New creates a Manager for the version described by m, serving origin.
func New(origin *url.URL, m *manifest.Manifest, storage store.Storage, opts ...Option) (*Manager, error) {
	return newManager(origin, m, storage, buildOptions(opts))
}

func newManager(origin *url.URL, m *manifest.Manifest, storage store.Storage, o options) (*Manager, error) {
	if origin == nil || origin.Scheme == "" || origin.Host == "" {
		return nil, ErrNoOrigin
	}
	if storage == nil {
		return nil, errors.New("offline: storage is required")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &Manager{
		origin:             &url.URL{Scheme: origin.Scheme, Host: origin.Host},
		manifest:           m,
		storage:            storage,
		fetcher:            o.fetcher,
		logger:             o.logger.With(slog.String("version", m.Version())),
		tracer:             o.tracerProvider.Tracer(tracerName),
		installConcurrency: o.installConcurrency,
	}, nil
}

// Manifest returns the manifest the manager was built from.
func (m *Manager) Manifest() *manifest.Manifest {
	return m.manifest
}

// Install fetches every static manifest URL and stores the responses in the
// static store.
//
// Install is all-or-nothing: if any fetch fails or returns a non-2xx status,
// nothing is stored and the returned error wraps ErrInstallFailed. It also
// fails when the static store cannot hold every entry at once.
func (m *Manager) Install(ctx context.Context) (err error) {
	ctx, span := m.tracer.Start(ctx, "offline.Install",
		trace.WithAttributes(attribute.String("offline.cache.static", m.manifest.StaticCache)))
	defer func() { endSpan(span, err) }()

	st, err := m.storage.Open(ctx, m.manifest.StaticCache)
	if err != nil {
		return fmt.Errorf("%w: open %s: %w", ErrInstallFailed, m.manifest.StaticCache, err)
	}

	keys := make([]string, len(m.manifest.Static))
	entries := make([]*store.Response, len(m.manifest.Static))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.installConcurrency)
	for i, ref := range m.manifest.Static {
		g.Go(func() error {
			u, err := resolveRef(m.origin, ref)
			if err != nil {
				return fmt.Errorf("resolve %q: %w", ref, err)
			}
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, u.String(), nil)
			if err != nil {
				return err
			}
			resp, err := m.fetcher.Fetch(gctx, req)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", u, err)
			}
			defer resp.Body.Close()
			if resp.StatusCode < 200 || resp.StatusCode > 299 {
				return fmt.Errorf("fetch %s: %s", u, resp.Status)
			}
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("read %s: %w", u, err)
			}
			keys[i] = store.Key(u)
			entries[i] = &store.Response{
				Status: resp.StatusCode,
				Header: resp.Header.Clone(),
				Body:   body,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		m.logger.Warn("install failed", slog.Any("error", err))
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	for i, key := range keys {
		if err := st.Put(ctx, key, entries[i]); err != nil {
			m.logger.Warn("install failed", slog.String("url", key), slog.Any("error", err))
			return fmt.Errorf("%w: store %s: %w", ErrInstallFailed, key, err)
		}
	}
	// A size-limited store may evict earlier entries to make room for later ones.
	for _, key := range keys {
		if _, ok := st.Match(ctx, key); !ok {
			m.logger.Warn("install failed", slog.String("url", key), slog.String("reason", "evicted"))
			return fmt.Errorf("%w: %s evicted from %s", ErrInstallFailed, key, m.manifest.StaticCache)
		}
	}
	m.logger.Info("installed",
		slog.String("cache", m.manifest.StaticCache),
		slog.Int("entries", len(keys)))
	return nil
}

// Activate deletes every store that is not one of this version's generation
// tags, then makes sure both current stores exist. Calling it again with the
// same version changes nothing.
func (m *Manager) Activate(ctx context.Context) (err error) {
	ctx, span := m.tracer.Start(ctx, "offline.Activate")
	defer func() { endSpan(span, err) }()

	names, err := m.storage.Keys(ctx)
	if err != nil {
		return fmt.Errorf("list caches: %w", err)
	}
	for _, name := range names {
		if m.manifest.Current(name) {
			continue
		}
		if _, err := m.storage.Delete(ctx, name); err != nil {
			return fmt.Errorf("delete stale cache %q: %w", name, err)
		}
		m.logger.Info("deleted stale cache", slog.String("cache", name))
	}
	for _, name := range []string{m.manifest.StaticCache, m.manifest.DynamicCache} {
		if _, err := m.storage.Open(ctx, name); err != nil {
			return fmt.Errorf("open cache %q: %w", name, err)
		}
	}
	return nil
}

// HandleFetch answers req under the cache-first policy.
//
// It returns the cached response when any store holds one for the request
// URL, without touching the network. Otherwise it fetches from the network
// and stores status 200 responses in the dynamic store. When the network
// fails, HTML requests receive the cached offline page; other requests get
// an error wrapping ErrOffline and no response. Concurrent GET misses for
// the same URL share a single network fetch.
//
// The caller must close the returned response body.
func (m *Manager) HandleFetch(ctx context.Context, req *http.Request) (resp *http.Response, err error) {
	target := resolve(m.origin, req.URL)
	key := store.Key(target)

	ctx, span := m.tracer.Start(ctx, "offline.HandleFetch",
		trace.WithAttributes(
			attribute.String("http.request.method", req.Method),
			attribute.String("url.full", key),
		))
	defer func() { endSpan(span, err) }()

	if !m.intercepts(target) {
		span.SetAttributes(attribute.Bool("offline.intercepted", false))
		resp, err := m.fetch(ctx, req, target)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrOffline, key, err)
		}
		return resp, nil
	}

	if req.Method == http.MethodGet {
		if cached, ok := store.MatchAny(ctx, m.storage, key); ok {
			span.SetAttributes(attribute.Bool("offline.cache.hit", true))
			m.logger.Debug("cache hit", slog.String("url", key))
			return toHTTPResponse(cached, req), nil
		}
	}
	span.SetAttributes(attribute.Bool("offline.cache.hit", false))

	if req.Method != http.MethodGet {
		resp, err = m.fetch(ctx, req, target)
		if err != nil {
			m.logger.Debug("network failed", slog.String("url", key), slog.Any("error", err))
			return m.fallback(ctx, req, key, err)
		}
		if replaceable(resp.StatusCode) {
			if page, ok := m.errorPage(ctx, req); ok {
				_ = resp.Body.Close()
				return page, nil
			}
		}
		return resp, nil
	}

	fetched, err := m.fetchShared(ctx, req, target, key)
	if err != nil {
		m.logger.Debug("network failed", slog.String("url", key), slog.Any("error", err))
		return m.fallback(ctx, req, key, err)
	}
	if replaceable(fetched.Status) {
		if page, ok := m.errorPage(ctx, req); ok {
			return page, nil
		}
	}
	return toHTTPResponse(fetched, req), nil
}

// flight is the outcome of one network fetch for a GET miss.
type flight struct {
	resp     *store.Response
	storable bool
}

// fetchShared fetches a GET miss from the network and stores a storable 200
// response in the dynamic store. Concurrent misses for the same key share
// one fetch.
//
// The shared fetch runs detached from every caller, so one caller giving up
// does not fail the others; each caller stops waiting when its own ctx ends.
// Callers that joined another's fetch get the response without Set-Cookie,
// and fetch for themselves when the response is private to its requester.
func (m *Manager) fetchShared(ctx context.Context, req *http.Request, target *url.URL, key string) (*store.Response, error) {
	leader := false
	ch := m.fetchGroup.DoChan(key, func() (any, error) {
		leader = true
		fctx := context.WithoutCancel(ctx)
		// Another flight may have stored the response since our lookup.
		if cached, ok := store.MatchAny(fctx, m.storage, key); ok {
			return &flight{resp: cached, storable: true}, nil
		}
		fetched, err := m.download(fctx, req, target, key)
		if err != nil {
			return nil, err
		}
		f := &flight{resp: fetched, storable: storable(fetched.Header)}
		if fetched.Status == http.StatusOK && f.storable {
			m.put(fctx, key, shareable(fetched))
		}
		return f, nil
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return nil, res.Err
	}
	f, _ := res.Val.(*flight) //nolint:errcheck // always *flight when Err is nil
	if leader {
		return f.resp, nil
	}
	m.logger.Debug("shared fetch", slog.String("url", key))
	if !f.storable {
		return m.download(ctx, req, target, key)
	}
	return shareable(f.resp), nil
}

// download fetches target and reads the whole response.
func (m *Manager) download(ctx context.Context, req *http.Request, target *url.URL, key string) (*store.Response, error) {
	resp, err := m.fetch(ctx, req, target)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &store.Response{
		URL:    key,
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
		Body:   body,
	}, nil
}

// replaceable reports whether a network response with status may be
// swapped for the offline page. Redirects go to the client untouched.
func replaceable(status int) bool {
	if status >= 300 && status <= 399 {
		return false
	}
	return status != http.StatusOK
}

// errorPage returns the offline page in place of a non-200 network response
// for requests that accept HTML.
func (m *Manager) errorPage(ctx context.Context, req *http.Request) (*http.Response, bool) {
	if !AcceptsHTML(req) {
		return nil, false
	}
	return m.offlinePage(ctx, req)
}

// put stores a copy of a network response in the dynamic store.
// Failures are logged and dropped; the caller still gets its response.
func (m *Manager) put(ctx context.Context, key string, resp *store.Response) {
	st, err := m.storage.Open(ctx, m.manifest.DynamicCache)
	if err == nil {
		err = st.Put(ctx, key, resp)
	}
	if err != nil {
		m.logger.Warn("cache put failed",
			slog.String("cache", m.manifest.DynamicCache),
			slog.String("url", key),
			slog.Any("error", err))
		return
	}
	m.logger.Debug("cached", slog.String("cache", m.manifest.DynamicCache), slog.String("url", key))
}

func (m *Manager) fallback(ctx context.Context, req *http.Request, key string, cause error) (*http.Response, error) {
	if WantsHTML(req) {
		if page, ok := m.offlinePage(ctx, req); ok {
			return page, nil
		}
	}
	return nil, fmt.Errorf("%w: %s: %w", ErrOffline, key, cause)
}

func (m *Manager) offlinePage(ctx context.Context, req *http.Request) (*http.Response, bool) {
	u, err := resolveRef(m.origin, m.manifest.OfflinePage)
	if err != nil {
		return nil, false
	}
	cached, ok := store.MatchAny(ctx, m.storage, store.Key(u))
	if !ok {
		return nil, false
	}
	return toHTTPResponse(cached, req), true
}

func (m *Manager) fetch(ctx context.Context, req *http.Request, target *url.URL) (*http.Response, error) {
	out := req.Clone(ctx)
	out.URL = target
	out.RequestURI = ""
	return m.fetcher.Fetch(ctx, out)
}

// intercepts reports whether requests for u go through the cache.
func (m *Manager) intercepts(u *url.URL) bool {
	if isExtensionScheme(u) {
		return false
	}
	if sameOrigin(u, m.origin) {
		return true
	}
	return m.manifest.Allowed(u.Host)
}

func toHTTPResponse(cached *store.Response, req *http.Request) *http.Response {
	header := cached.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", cached.Status, http.StatusText(cached.Status)),
		StatusCode:    cached.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(cached.Body)),
		ContentLength: int64(len(cached.Body)),
		Request:       req,
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
