package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/lukasbonthy/EaglerLink/internal/obs"
	"github.com/lukasbonthy/EaglerLink/internal/proto"
	"github.com/lukasbonthy/EaglerLink/internal/state"
	"github.com/lukasbonthy/EaglerLink/internal/web"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// startMetricsServer serves Prometheus metrics plus the dashboard and session endpoints.
func startMetricsServer(addr string, store state.Store) *http.Server {
	srv := &http.Server{Addr: addr, Handler: opsMux(store)}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			obs.Error("metrics.server", obs.Fields{"err": err.Error(), "addr": addr})
		}
	}()
	return srv
}

func opsMux(store state.Store) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/state", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, store.Stats())
	})
	mux.HandleFunc("/api/sessions", func(w http.ResponseWriter, r *http.Request) {
		sessions := store.List()
		if r.URL.Query().Get("scope") == "all" {
			cl, ok := store.(state.ClusterLister)
			if !ok {
				writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "registry is not shared"})
				return
			}
			all, err := cl.ListCluster(r.Context())
			if err != nil {
				obs.Error("api.sessions", obs.Fields{"err": err.Error()})
				writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
				return
			}
			sessions = all
		}
		if sessions == nil {
			sessions = []proto.SessionRecord{}
		}
		writeJSON(w, http.StatusOK, sessions)
	})
	mux.HandleFunc("/dashboard", func(w http.ResponseWriter, r *http.Request) {
		data := store.Stats().ToTemplateMap()
		data["Sessions"] = store.List()
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		if err := web.Render(w, "dashboard", data); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
		}
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if store.IsClosing() || !store.IsReady() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
