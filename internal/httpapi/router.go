// Package httpapi implements the controller's REST API: JSON
// request/response routing over the inventory, dispatched to the
// Operator, Network Manager, and Observer via the typed dependency
// carrier in internal/deps.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/blawesom/vm-manager/internal/deps"
	"github.com/blawesom/vm-manager/internal/vlog"
)

// NewRouter builds the full HTTP API router.
func NewRouter(d *deps.Deps) http.Handler {
	router := mux.NewRouter().StrictSlash(true)
	router.Use(loggingMiddleware)
	h := &handlers{deps: d}

	router.HandleFunc("/health", h.health).Methods("GET")
	router.HandleFunc("/observer/status", h.observerStatus).Methods("GET")
	router.HandleFunc("/network/config", h.networkConfig).Methods("GET")

	router.HandleFunc("/templates", h.createTemplate).Methods("POST")
	router.HandleFunc("/templates", h.listTemplates).Methods("GET")
	router.HandleFunc("/templates/{name}", h.deleteTemplate).Methods("DELETE")

	router.HandleFunc("/vms", h.createVM).Methods("POST")
	router.HandleFunc("/vms", h.listVMs).Methods("GET")
	router.HandleFunc("/vms/{id}", h.getVM).Methods("GET")
	router.HandleFunc("/vms/{id}", h.deleteVM).Methods("DELETE")
	router.HandleFunc("/vms/{id}/actions/{action}", h.vmAction).Methods("POST")
	router.HandleFunc("/vms/{id}/metadata", h.getMetadata).Methods("GET")
	router.HandleFunc("/vms/{id}/metadata", h.putMetadata).Methods("PUT")
	router.HandleFunc("/vms/{id}/metadata", h.deleteMetadata).Methods("DELETE")

	router.HandleFunc("/disks", h.createDisk).Methods("POST")
	router.HandleFunc("/disks", h.listDisks).Methods("GET")
	router.HandleFunc("/disks/{id}", h.getDisk).Methods("GET")
	router.HandleFunc("/disks/{id}", h.deleteDisk).Methods("DELETE")
	router.HandleFunc("/disks/{id}/attach", h.attachDisk).Methods("POST")
	router.HandleFunc("/disks/{id}/detach", h.detachDisk).Methods("POST")

	return router
}

type handlers struct {
	deps *deps.Deps
}

// statusWriter captures the status code written so loggingMiddleware can
// report it; http.ResponseWriter has no getter of its own.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// loggingMiddleware logs method, path, status, and duration for every
// request.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		vlog.Info("httpapi: %s %s %d %v", r.Method, r.URL.Path, sw.status, time.Since(start))
	})
}
