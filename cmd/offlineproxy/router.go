package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"

	"github.com/felixge/fgprof"
	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"

	"github.com/meigma/offline"
	"github.com/meigma/offline/store"
)

type workerStatus struct {
	ID           uint64        `json:"id"`
	State        offline.State `json:"state"`
	StaticCache  string        `json:"static_cache"`
	DynamicCache string        `json:"dynamic_cache"`
}

type status struct {
	Active  *workerStatus `json:"active"`
	Waiting *workerStatus `json:"waiting"`
	Stores  []string      `json:"stores"`
}

type storeListing struct {
	Name string   `json:"name"`
	Keys []string `json:"keys"`
}

// newRouter serves the admin routes under /_offline and /debug, and proxies
// everything else through reg.
func newRouter(reg *offline.Registration, logger *slog.Logger) http.Handler {
	a := &admin{reg: reg, logger: logger}

	r := mux.NewRouter()
	r.Use(accessLog(logger))
	r.Methods(http.MethodGet).Path("/_offline/status").HandlerFunc(a.status)
	r.Methods(http.MethodGet).Path("/_offline/stores/{name}").HandlerFunc(a.store)
	r.Methods(http.MethodGet).Path("/debug/fgprof").Handler(fgprof.Handler())
	r.PathPrefix("/").Handler(reg.Handler())
	return r
}

func accessLog(logger *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			m := httpsnoop.CaptureMetrics(next, w, req)
			logger.Info("handled",
				slog.String("method", req.Method),
				slog.String("url", req.URL.String()),
				slog.Int("status", m.Code),
				slog.Int64("bytes", m.Written),
				slog.Duration("duration", m.Duration))
		})
	}
}

type admin struct {
	reg    *offline.Registration
	logger *slog.Logger
}

func (a *admin) status(w http.ResponseWriter, req *http.Request) {
	names, err := a.reg.Storage().Keys(req.Context())
	if err != nil {
		a.fail(w, err)
		return
	}
	a.writeJSON(w, status{
		Active:  describe(a.reg.Active()),
		Waiting: describe(a.reg.Waiting()),
		Stores:  names,
	})
}

func (a *admin) store(w http.ResponseWriter, req *http.Request) {
	name := mux.Vars(req)["name"]
	if !store.ValidName(name) {
		http.Error(w, store.ErrInvalidName.Error(), http.StatusBadRequest)
		return
	}
	// Open would create a missing store, so check it exists first.
	names, err := a.reg.Storage().Keys(req.Context())
	if err != nil {
		a.fail(w, err)
		return
	}
	if !slices.Contains(names, name) {
		http.NotFound(w, req)
		return
	}
	st, err := a.reg.Storage().Open(req.Context(), name)
	if err != nil {
		a.fail(w, err)
		return
	}
	keys, err := st.Keys(req.Context())
	if err != nil {
		a.fail(w, err)
		return
	}
	if keys == nil {
		keys = []string{}
	}
	a.writeJSON(w, storeListing{Name: name, Keys: keys})
}

func (a *admin) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Warn("write response failed", slog.Any("error", err))
	}
}

func (a *admin) fail(w http.ResponseWriter, err error) {
	a.logger.Error("admin request failed", slog.Any("error", err))
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}

func describe(w *offline.Worker) *workerStatus {
	if w == nil {
		return nil
	}
	m := w.Manifest()
	return &workerStatus{
		ID:           w.ID(),
		State:        w.State(),
		StaticCache:  m.StaticCache,
		DynamicCache: m.DynamicCache,
	}
}
