package offline

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/meigma/offline/manifest"
	"github.com/meigma/offline/store"
)

// Worker is one registered version and its lifecycle state.
type Worker struct {
	id      uint64
	manager *Manager
	state   atomic.Int32

	// inflight counts requests being served; guarded by Registration.mu.
	inflight int
}

// ID returns the registration-unique worker number.
func (w *Worker) ID() uint64 {
	return w.id
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	return State(w.state.Load())
}

// Manager returns the worker's cache manager.
func (w *Worker) Manager() *Manager {
	return w.manager
}

// Manifest returns the worker's manifest.
func (w *Worker) Manifest() *manifest.Manifest {
	return w.manager.manifest
}

// StateChangeFunc observes a worker state transition.
type StateChangeFunc func(w *Worker, from, to State)

// Registration hosts the workers of one origin.
//
// At most one worker is active and serving requests, and at most one is
// installed and waiting to replace it. A waiting worker activates as soon as
// the active worker has no requests in flight.
type Registration struct {
	origin  *url.URL
	storage store.Storage
	opts    options
	logger  *slog.Logger

	hooksMu sync.RWMutex
	hooks   []StateChangeFunc

	mu         sync.Mutex
	nextID     uint64
	installing *Worker
	waiting    *Worker
	active     *Worker
}

// NewRegistration creates an empty Registration for origin backed by storage.
func NewRegistration(origin *url.URL, storage store.Storage, opts ...Option) (*Registration, error) {
	if origin == nil || origin.Scheme == "" || origin.Host == "" {
		return nil, ErrNoOrigin
	}
	o := buildOptions(opts)
	return &Registration{
		origin:  origin,
		storage: storage,
		opts:    o,
		logger:  o.logger,
	}, nil
}

// OnStateChange registers fn to be called on every worker state transition.
// fn runs synchronously and must not call back into the Registration.
func (r *Registration) OnStateChange(fn StateChangeFunc) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.hooks = append(r.hooks, fn)
}

// Register installs the version described by m.
//
// If m is the same as the newest registered version, that worker is returned
// and nothing is installed. Otherwise a new worker is installed; if the
// install fails it becomes redundant and the error wraps ErrInstallFailed.
// On success the worker waits, or activates immediately when no request is
// being served by the current active worker.
func (r *Registration) Register(ctx context.Context, m *manifest.Manifest) (*Worker, error) {
	mgr, err := newManager(r.origin, m, r.storage, r.opts)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if newest := r.newestLocked(); newest != nil && newest.Manifest().Equal(m) {
		r.mu.Unlock()
		return newest, nil
	}
	r.nextID++
	w := &Worker{id: r.nextID, manager: mgr}
	w.state.Store(int32(StateRegistering))
	r.installing = w
	r.mu.Unlock()

	r.logger.Info("worker registered", slog.Uint64("worker", w.id), slog.String("version", m.Version()))
	r.transition(w, StateInstalling)
	installErr := mgr.Install(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.installing == w {
		r.installing = nil
	}
	if installErr != nil {
		r.transition(w, StateRedundant)
		return nil, installErr
	}
	if w.id != r.nextID {
		r.transition(w, StateRedundant)
		return nil, fmt.Errorf("%w: worker %d", ErrRedundant, w.id)
	}

	r.transition(w, StateInstalled)
	if r.waiting != nil {
		r.transition(r.waiting, StateRedundant)
	}
	r.waiting = w
	if r.active == nil || r.active.inflight == 0 {
		r.promoteLocked(ctx)
	}
	return w, nil
}

// Active returns the active worker, or nil.
func (r *Registration) Active() *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Waiting returns the installed worker waiting to activate, or nil.
func (r *Registration) Waiting() *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waiting
}

// Storage returns the storage shared by all workers.
func (r *Registration) Storage() store.Storage {
	return r.storage
}

// HandleFetch serves req with the active worker.
//
// The request counts as in flight until HandleFetch returns. Callers that
// stream the response body should use Handler instead, which holds the
// worker until the body is written.
func (r *Registration) HandleFetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	w, err := r.acquire()
	if err != nil {
		return nil, err
	}
	defer r.release(context.WithoutCancel(ctx), w)
	return w.manager.HandleFetch(ctx, req)
}

// Handler returns an http.Handler that proxies through the active worker.
func (r *Registration) Handler() *Handler {
	return &Handler{reg: r, logger: r.logger}
}

func (r *Registration) acquire() (*Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return nil, ErrNoActiveWorker
	}
	r.active.inflight++
	return r.active, nil
}

func (r *Registration) release(ctx context.Context, w *Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w.inflight--
	if w == r.active && w.inflight == 0 && r.waiting != nil {
		r.promoteLocked(ctx)
	}
}

// promoteLocked activates the waiting worker. Requests arriving meanwhile
// block on r.mu until activation is done.
func (r *Registration) promoteLocked(ctx context.Context) {
	w := r.waiting
	r.waiting = nil

	r.transition(w, StateActivating)
	if err := w.manager.Activate(ctx); err != nil {
		// A failed purge leaves stale stores behind but does not stop activation.
		r.logger.Warn("activate failed", slog.Uint64("worker", w.id), slog.Any("error", err))
	}

	previous := r.active
	r.active = w
	r.transition(w, StateActivated)
	if previous != nil {
		r.transition(previous, StateRedundant)
	}
}

func (r *Registration) newestLocked() *Worker {
	switch {
	case r.installing != nil:
		return r.installing
	case r.waiting != nil:
		return r.waiting
	default:
		return r.active
	}
}

func (r *Registration) transition(w *Worker, to State) {
	from := w.State()
	if !validTransition(from, to) {
		r.logger.Error("invalid worker transition",
			slog.Uint64("worker", w.id),
			slog.String("from", from.String()),
			slog.String("to", to.String()))
		return
	}
	w.state.Store(int32(to))
	r.logger.Info("worker state changed",
		slog.Uint64("worker", w.id),
		slog.String("version", w.Manifest().Version()),
		slog.String("from", from.String()),
		slog.String("to", to.String()))

	r.hooksMu.RLock()
	hooks := append([]StateChangeFunc(nil), r.hooks...)
	r.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(w, from, to)
	}
}
