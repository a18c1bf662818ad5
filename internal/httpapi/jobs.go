package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"gend/pkg/types"
)

type handlers struct {
	svc Service
}

func (h *handlers) submit(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req types.JobRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	v, err := h.svc.Submit(req, requestOrigin(r))
	if err != nil {
		logRequest(r, writeError(w, err), start, err)
		return
	}
	w.Header().Set("Location", "/jobs/"+v.ID)
	writeJSON(w, http.StatusAccepted, v)
	logRequest(r, http.StatusAccepted, start, nil)
}

func (h *handlers) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeJSONError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	jobs, err := h.svc.ListJobs(q.Get("origin"), q.Get("status"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if jobs == nil {
		jobs = []types.JobView{}
	}
	writeJSON(w, http.StatusOK, types.JobsResponse{Jobs: jobs})
}

func (h *handlers) activeJobs(w http.ResponseWriter, r *http.Request) {
	jobs := h.svc.ActiveJobs()
	if jobs == nil {
		jobs = []types.JobView{}
	}
	writeJSON(w, http.StatusOK, types.JobsResponse{Jobs: jobs})
}

// clearJobs removes terminal jobs older than ?older_than (a Go duration).
// Without it every terminal job goes.
func (h *handlers) clearJobs(w http.ResponseWriter, r *http.Request) {
	var d time.Duration
	if s := r.URL.Query().Get("older_than"); s != "" {
		var err error
		d, err = time.ParseDuration(s)
		if err != nil || d < 0 {
			writeJSONError(w, http.StatusBadRequest, "older_than must be a non-negative duration like 10m")
			return
		}
	}
	writeJSON(w, http.StatusOK, types.ClearResponse{Removed: h.svc.Clear(d)})
}

func (h *handlers) getJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	v, ok := h.svc.GetJob(id)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "job not found: "+id)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *handlers) position(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	pos, ok := h.svc.Position(id)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "job not found: "+id)
		return
	}
	writeJSON(w, http.StatusOK, types.PositionResponse{ID: id, Position: pos})
}

// wait blocks until the job is terminal. The request context is the waiter's
// cancellation signal; ?timeout= bounds the wait.
func (h *handlers) wait(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id := chi.URLParam(r, "id")
	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()
	if s := r.URL.Query().Get("timeout"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			writeJSONError(w, http.StatusBadRequest, "timeout must be a positive duration like 30s")
			return
		}
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, d)
		defer stop()
	}
	v, err := h.svc.Wait(ctx, id)
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		if serverBaseCtx.Err() != nil {
			writeJSONError(w, http.StatusServiceUnavailable, "server shutting down")
			return
		}
		logRequest(r, writeError(w, err), start, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
	logRequest(r, http.StatusOK, start, nil)
}

func (h *handlers) cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := h.svc.Cancel(id)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if !ok {
		status = http.StatusConflict
	}
	writeJSON(w, status, types.CancelResponse{ID: id, Cancelled: ok})
}

// generate runs a request interactively and answers with its result.
func (h *handlers) generate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req types.JobRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()
	logDebug(r, "generate start", map[string]any{"kind": req.Kind, "model": req.Model})
	res, err := h.svc.Generate(ctx, req, requestOrigin(r))
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		if serverBaseCtx.Err() != nil {
			writeJSONError(w, http.StatusServiceUnavailable, "server shutting down")
			return
		}
		logRequest(r, writeError(w, err), start, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
	logRequest(r, http.StatusOK, start, nil)
}

func (h *handlers) unload(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req types.UnloadRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()
	n, err := h.svc.Unload(ctx, req)
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		logRequest(r, writeError(w, err), start, err)
		return
	}
	writeJSON(w, http.StatusOK, types.UnloadResponse{Unloaded: n})
	logRequest(r, http.StatusOK, start, nil)
}
