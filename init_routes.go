package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/akinalp/chatsync/pkg"
	"github.com/akinalp/chatsync/ws"
)

type healthData struct {
	Service       string `json:"service"`
	Version       string `json:"version"`
	Subscriptions int    `json:"subscriptions"`
}

// initRoutes registers the relay endpoints.
//
//	GET /api/health  liveness plus the hub's live subscription count
//	GET /metrics     Prometheus collectors of this process
//	GET /ws          change-feed relay; token in the query string
func initRoutes(mux *http.ServeMux, hub *ws.Hub, wsHandler *ws.Handler) {
	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		pkg.JSON(w, http.StatusOK, healthData{
			Service:       "chatsync-relay",
			Version:       version,
			Subscriptions: hub.Subscriptions(),
		})
	})

	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /ws", wsHandler.HandleConnection)

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		pkg.Error(w, pkg.ErrNotFound)
	})
}
