package coremain

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/pmkol/hostcache/pkg/host_filter"
	"github.com/pmkol/hostcache/pkg/resolver"
	"github.com/pmkol/hostcache/pkg/value"
)

const apiTimeout = 5 * time.Second

// cacheAPI is the part of *resolver.Resolver the http api uses.
type cacheAPI interface {
	Snapshot(ctx context.Context, includeStaleness bool) (value.List, error)
	Stats(ctx context.Context) (resolver.Stats, error)
	HasEntry(ctx context.Context, hostname string) (resolver.HasEntryResult, error)
	Clear(ctx context.Context) error
	ClearForHosts(ctx context.Context, filter func(hostname string) bool) error
}

type apiHandler struct {
	c             cacheAPI
	networkChange func()
	logger        *zap.Logger
}

func newAPIHandler(c cacheAPI, networkChange func(), lg *zap.Logger) *apiHandler {
	return &apiHandler{c: c, networkChange: networkChange, logger: lg}
}

func (h *apiHandler) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /cache", h.dumpCache)
	mux.HandleFunc("GET /cache/has", h.hasEntry)
	mux.HandleFunc("POST /cache/clear", h.clearCache)
	mux.HandleFunc("POST /network_change", h.triggerNetworkChange)
}

type cacheDump struct {
	Stats   resolver.Stats `json:"stats"`
	Entries value.List     `json:"entries"`
}

func (h *apiHandler) dumpCache(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), apiTimeout)
	defer cancel()

	stats, err := h.c.Stats(ctx)
	if err != nil {
		h.writeErr(w, http.StatusServiceUnavailable, err)
		return
	}
	l, err := h.c.Snapshot(ctx, true)
	if err != nil {
		h.writeErr(w, http.StatusServiceUnavailable, err)
		return
	}
	if l == nil {
		l = value.List{}
	}
	h.writeJSON(w, cacheDump{Stats: stats, Entries: l})
}

type hasEntryResp struct {
	Found          bool   `json:"found"`
	Source         string `json:"source,omitempty"`
	Stale          bool   `json:"stale"`
	ExpiredByMs    int64  `json:"expired_by_ms"`
	NetworkChanges int    `json:"network_changes"`
	StaleHits      int    `json:"stale_hits"`
}

func (h *apiHandler) hasEntry(w http.ResponseWriter, r *http.Request) {
	host := r.URL.Query().Get("host")
	if len(host) == 0 {
		http.Error(w, "missing host", http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), apiTimeout)
	defer cancel()

	res, err := h.c.HasEntry(ctx, host)
	if err != nil {
		h.writeErr(w, http.StatusServiceUnavailable, err)
		return
	}
	resp := hasEntryResp{Found: res.Found}
	if res.Found {
		resp.Source = res.Source.String()
		resp.Stale = res.Staleness.IsStale()
		resp.ExpiredByMs = res.Staleness.ExpiredBy.Milliseconds()
		resp.NetworkChanges = res.Staleness.NetworkChanges
		resp.StaleHits = res.Staleness.StaleHits
	}
	h.writeJSON(w, resp)
}

// clearCache clears the whole cache, or only hostnames under one of the
// "suffix" params and matching the "expr" param.
func (h *apiHandler) clearCache(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter, err := host_filter.New(q["suffix"], q.Get("expr"), h.logger)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), apiTimeout)
	defer cancel()

	if filter == nil {
		err = h.c.Clear(ctx)
	} else {
		err = h.c.ClearForHosts(ctx, filter)
	}
	if err != nil {
		h.writeErr(w, http.StatusServiceUnavailable, err)
		return
	}
	h.logger.Info("cache cleared", zap.Strings("suffix", q["suffix"]), zap.String("expr", q.Get("expr")))
	w.WriteHeader(http.StatusNoContent)
}

func (h *apiHandler) triggerNetworkChange(w http.ResponseWriter, _ *http.Request) {
	h.networkChange()
	w.WriteHeader(http.StatusAccepted)
}

func (h *apiHandler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("failed to write api response", zap.Error(err))
	}
}

func (h *apiHandler) writeErr(w http.ResponseWriter, code int, err error) {
	h.logger.Warn("api call failed", zap.Error(err))
	http.Error(w, err.Error(), code)
}
