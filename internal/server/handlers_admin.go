package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/shisetsu-ai/bunki/internal/ctxutil"
	"github.com/shisetsu-ai/bunki/internal/model"
	"github.com/shisetsu-ai/bunki/internal/storage"
)

// HandleAddFunction handles POST /functions (admin). Acceptance answers
// 201 with the stored descriptor; any gate or admission failure answers
// with the kind-mapped status and a details block naming the reason.
func (h *Handlers) HandleAddFunction(w http.ResponseWriter, r *http.Request) {
	var req model.AddFunctionRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	// The admission compile runs caller-supplied source through the
	// interpreter, so it gets its own budget independent of the client
	// connection.
	ctx := r.Context()
	if h.compileTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.compileTimeout)
		defer cancel()
	}

	desc, err := h.registry.AddDynamic(ctx, model.DynamicFunction{
		Name:        req.Name,
		Source:      req.Source,
		Patterns:    req.Patterns,
		Description: req.Description,
		Parameters:  req.Parameters,
		Creator:     ctxutil.Creator(r.Context()),
	})
	if err != nil {
		h.writeRejection(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusCreated, model.FunctionCreatedResponse{
		Status:   "created",
		Function: desc,
	})
}

// HandleTrain handles POST /admin/train. Training runs on the job
// runner, never inline; the caller polls the returned job ID.
func (h *Handlers) HandleTrain(w http.ResponseWriter, r *http.Request) {
	run, err := h.runner.Enqueue(r.Context())
	if err != nil {
		h.writeKindError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, trainJobResponse(run))
}

// HandleGetJob handles GET /admin/jobs/{id}.
func (h *Handlers) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	run, err := h.runner.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeKindError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, trainJobResponse(run))
}

// HandleListJobs handles GET /admin/jobs.
func (h *Handlers) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	runs, err := h.runner.List(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		h.writeKindError(w, r, err)
		return
	}
	out := make([]model.TrainJobResponse, len(runs))
	for i, run := range runs {
		out[i] = trainJobResponse(run)
	}
	writeJSON(w, r, http.StatusOK, out)
}

// HandleFunctionAudit handles GET /admin/functions/{name}/audit. The
// trail covers rejections too, so an unregistered name with history is
// still answerable; no history is an empty list, not a 404.
func (h *Handlers) HandleFunctionAudit(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	entries, err := h.db.ListAuditByFunction(r.Context(), name, queryInt(r, "limit", 100))
	if err != nil {
		h.writeKindError(w, r, err)
		return
	}
	if entries == nil {
		entries = []model.FunctionAuditEntry{}
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"function": name,
		"entries":  entries,
	})
}

// writeRejection writes a gate or admission failure with the rejection
// details block catalog consumers key on.
func (h *Handlers) writeRejection(w http.ResponseWriter, r *http.Request, err error) {
	kind := model.KindOf(err)
	if kind == model.KindInternal {
		h.writeKindError(w, r, err)
		return
	}
	status, code := httpStatus(kind)
	reason := model.DetailOf(err)
	writeErrorDetails(w, r, status, code, reason, map[string]string{
		"status": "rejected",
		"reason": reason,
	})
}

func trainJobResponse(run storage.TrainingRun) model.TrainJobResponse {
	return model.TrainJobResponse{
		JobID:        run.ID,
		Status:       run.Status,
		EnqueuedAt:   run.EnqueuedAt,
		StartedAt:    run.StartedAt,
		FinishedAt:   run.FinishedAt,
		ExampleCount: run.ExampleCount,
		Metrics:      run.Metrics,
		Error:        run.Error,
	}
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}
