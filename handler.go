package offline

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// Handler proxies HTTP requests through a Registration's active worker.
//
// Origin-form requests ("GET /path") are resolved against the registration
// origin, so Handler can front the application as a reverse proxy.
// Absolute-form requests are served as a forward proxy.
type Handler struct {
	reg    *Registration
	logger *slog.Logger
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	w, err := h.reg.acquire()
	if err != nil {
		http.Error(rw, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer h.reg.release(context.WithoutCancel(req.Context()), w)

	resp, err := w.manager.HandleFetch(req.Context(), req)
	if err != nil || resp == nil {
		if req.Context().Err() != nil {
			return
		}
		h.logger.Debug("no response", slog.String("url", req.URL.String()), slog.Any("error", err))
		http.Error(rw, ErrOffline.Error(), http.StatusGatewayTimeout)
		return
	}
	defer resp.Body.Close()

	header := rw.Header()
	for key, values := range resp.Header {
		for _, value := range values {
			header.Add(key, value)
		}
	}
	for _, value := range resp.Header.Values("Connection") {
		for _, name := range strings.Split(value, ",") {
			if name = strings.TrimSpace(name); name != "" {
				header.Del(name)
			}
		}
	}
	for _, name := range []string{"Connection", "Keep-Alive", "Transfer-Encoding", "Trailer", "Upgrade", "Proxy-Connection"} {
		header.Del(name)
	}
	rw.WriteHeader(resp.StatusCode)
	if req.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(rw, resp.Body); err != nil {
		h.logger.Debug("copy response body", slog.String("url", req.URL.String()), slog.Any("error", err))
	}
}
