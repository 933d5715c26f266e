package httpapp

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/appliedgeo/gips/internal/domain"
	"github.com/appliedgeo/gips/internal/metrics"
	"github.com/appliedgeo/gips/internal/query"
	"github.com/appliedgeo/gips/internal/store"
)

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/jobs", h.CreateJob)
		r.Get("/jobs", h.ListJobs)
		r.Get("/jobs/{id}", h.GetJob)

		r.Get("/inventory/assets", h.ListAssets)
		r.Get("/inventory/products", h.ListProducts)

		r.Post("/query", h.RunQuery)
		r.Post("/rectify/{kind}/{driver}", h.Rectify)

		r.Get("/drivers", h.ListDrivers)
		r.Get("/stats", h.Stats)
	})
	r.Handle("/metrics", metrics.Handler())
}

type jobRequest struct {
	Site        string   `json:"site"`
	Driver      string   `json:"driver"`
	ProductType string   `json:"product_type"`
	Band        string   `json:"band"`
	Tiles       []string `json:"tiles"`
	StartDate   string   `json:"start_date"`
	EndDate     string   `json:"end_date"`
}

func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Driver == "" || req.ProductType == "" || len(req.Tiles) == 0 {
		h.writeError(w, http.StatusBadRequest, "driver, product_type and tiles are required")
		return
	}

	d, err := h.Registry.Get(req.Driver)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := d.RequiredAssets(req.ProductType); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	start, err := domain.ParseDay(req.StartDate)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "bad start_date: "+err.Error())
		return
	}
	end, err := domain.ParseDay(req.EndDate)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "bad end_date: "+err.Error())
		return
	}
	if end.Before(start) {
		h.writeError(w, http.StatusBadRequest, "end_date before start_date")
		return
	}

	now := time.Now()
	job := &domain.Job{
		ID:          uuid.New().String(),
		Site:        req.Site,
		Driver:      req.Driver,
		ProductType: req.ProductType,
		Band:        req.Band,
		Tiles:       req.Tiles,
		StartDate:   start,
		EndDate:     end,
		Status:      domain.StatusRequested,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := h.DB.CreateJob(job); err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.Logger.Info("Job created", "job_id", job.ID, "driver", job.Driver, "product_type", job.ProductType)
	h.writeJSON(w, http.StatusCreated, job)
}

func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	jobs, err := h.DB.ListJobs(limit)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, jobs)
}

func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := h.DB.GetJob(id)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if job == nil {
		h.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	chunks, err := h.DB.ListPostProcessJobs(id)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"job":    job,
		"chunks": chunks,
	})
}

func (h *Handler) ListAssets(w http.ResponseWriter, r *http.Request) {
	assets, err := h.DB.ListAssets(
		r.URL.Query().Get("driver"),
		domain.Status(r.URL.Query().Get("status")),
		queryInt(r, "limit", 500))
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, assets)
}

func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.DB.ListProducts(
		r.URL.Query().Get("driver"),
		domain.Status(r.URL.Query().Get("status")),
		queryInt(r, "limit", 500))
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, products)
}

type queryRequest struct {
	Driver    string   `json:"driver"`
	Products  []string `json:"products"`
	Tiles     []string `json:"tiles"`
	StartDate string   `json:"start_date"`
	EndDate   string   `json:"end_date"`
	Type      string   `json:"type"`
	Action    string   `json:"action"`
	Force     bool     `json:"force"`
}

// RunQuery runs a provider query synchronously. With the default get-info
// action it only reports availability; request actions also mark inventory
// rows requested for the scheduler to pick up.
func (h *Handler) RunQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	start, err := domain.ParseDay(req.StartDate)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "bad start_date: "+err.Error())
		return
	}
	end, err := domain.ParseDay(req.EndDate)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "bad end_date: "+err.Error())
		return
	}

	qtype := query.TypeMissing
	if req.Type != "" {
		qtype = query.Type(req.Type)
	}
	action := query.ActionInfo
	if req.Action != "" {
		action = query.Action(req.Action)
	}

	grouped, err := h.Query.Query(r.Context(), query.Request{
		Driver:   req.Driver,
		Products: req.Products,
		Tiles:    req.Tiles,
		Start:    start,
		End:      end,
		Type:     qtype,
		Action:   action,
		Force:    req.Force,
	})
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, grouped)
}

func (h *Handler) Rectify(w http.ResponseWriter, r *http.Request) {
	kind, err := store.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	driverName := chi.URLParam(r, "driver")
	if _, err := h.Registry.Get(driverName); err != nil {
		h.writeError(w, http.StatusNotFound, err.Error())
		return
	}

	result, err := h.Reconciler.Rectify(r.Context(), kind, driverName)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handler) ListDrivers(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.Registry.Names())
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	jobStats, err := h.DB.GetJobStats()
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	type driverStats struct {
		Assets   []store.StatusCount `json:"assets"`
		Products []store.StatusCount `json:"products"`
	}
	drivers := make(map[string]driverStats)
	for _, name := range h.Registry.Names() {
		assets, err := h.DB.CountAssetsByStatus(name)
		if err != nil {
			h.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		products, err := h.DB.CountProductsByStatus(name)
		if err != nil {
			h.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		drivers[name] = driverStats{Assets: assets, Products: products}
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":    jobStats,
		"drivers": drivers,
	})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}
