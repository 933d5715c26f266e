// Package httpapp is the JSON control API: job submission, inventory
// inspection and on-demand reconciliation.
package httpapp

import (
	"encoding/json"
	"net/http"

	"github.com/appliedgeo/gips/internal/driver"
	"github.com/appliedgeo/gips/internal/logger"
	"github.com/appliedgeo/gips/internal/query"
	"github.com/appliedgeo/gips/internal/rectify"
	"github.com/appliedgeo/gips/internal/store"
)

type Handler struct {
	DB         *store.DB
	Registry   *driver.Registry
	Query      *query.Service
	Reconciler *rectify.Reconciler
	Logger     *logger.Logger
}

func NewHandler(db *store.DB, reg *driver.Registry, qs *query.Service, rec *rectify.Reconciler, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Default()
	}
	return &Handler{
		DB:         db,
		Registry:   reg,
		Query:      qs,
		Reconciler: rec,
		Logger:     log.WithComponent("http"),
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.Logger.Error("Failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
