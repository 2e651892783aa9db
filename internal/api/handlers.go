// Package api exposes the notebook over HTTP: REST endpoints for editing,
// a run trigger, and two live event transports (SSE and WebSocket).
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"cellbook/internal/events"
	"cellbook/internal/graph"
	"cellbook/internal/notebook"
	"cellbook/internal/reactive"
)

// ProbeFunc checks that a DSN accepts connections. Injected so tests can
// stub the network away.
type ProbeFunc func(ctx context.Context, dsn string) error

// Deps carries everything the handlers share. One value is built at startup
// and closed over by every handler.
type Deps struct {
	Repo      notebook.Repository
	Bus       *events.Bus
	Scheduler *reactive.Scheduler
	Probe     ProbeFunc
	Log       *zap.Logger

	// RunCtx outlives any single request. Reactive runs and the background
	// re-runs after a cell delete bind to it rather than to the request
	// context, so a client disconnect never cancels a run mid-flight.
	RunCtx context.Context
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, errType, format string, args ...any) {
	respondJSON(w, status, map[string]any{
		"error": map[string]string{
			"type":    errType,
			"message": fmt.Sprintf(format, args...),
		},
	})
}

// publishState loads a fresh snapshot, broadcasts it as notebook_state, and
// returns it for the HTTP response. Every structural mutation goes through
// here so connected clients converge on the same notebook.
func publishState(ctx context.Context, deps Deps) (notebook.Notebook, error) {
	nb, err := deps.Repo.Notebook(ctx)
	if err != nil {
		return notebook.Notebook{}, err
	}
	deps.Bus.Publish(events.NotebookState(nb))
	return nb, nil
}

func handleGetNotebook(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		nb, err := deps.Repo.Notebook(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "internal", "loading notebook: %v", err)
			return
		}
		respondJSON(w, http.StatusOK, nb)
	}
}

func handleUpdateSettings(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var patch notebook.SettingsPatch
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			httpError(w, http.StatusBadRequest, "bad_request", "decoding settings: %v", err)
			return
		}
		if _, err := deps.Repo.UpdateSettings(r.Context(), patch); err != nil {
			httpError(w, http.StatusInternalServerError, "internal", "updating settings: %v", err)
			return
		}
		nb, err := publishState(r.Context(), deps)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "internal", "loading notebook: %v", err)
			return
		}
		respondJSON(w, http.StatusOK, nb)
	}
}

type createCellRequest struct {
	Kind   notebook.CellKind `json:"kind"`
	Source string            `json:"source"`
}

func handleCreateCell(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createCellRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "bad_request", "decoding cell: %v", err)
			return
		}
		if req.Kind == "" {
			req.Kind = notebook.KindScript
		}
		if req.Kind != notebook.KindScript && req.Kind != notebook.KindQuery {
			httpError(w, http.StatusBadRequest, "bad_request", "unknown cell kind %q", req.Kind)
			return
		}

		cell, err := deps.Repo.AddCell(r.Context(), req.Kind, req.Source)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "internal", "adding cell: %v", err)
			return
		}
		if _, err := publishState(r.Context(), deps); err != nil {
			loggerFrom(r.Context()).Warn("publishing notebook state", zap.Error(err))
		}
		respondJSON(w, http.StatusCreated, cell)
	}
}

func handleUpdateCell(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cellID := chi.URLParam(r, "cellID")

		var patch notebook.CellPatch
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			httpError(w, http.StatusBadRequest, "bad_request", "decoding cell patch: %v", err)
			return
		}
		if patch.Kind != nil && *patch.Kind != notebook.KindScript && *patch.Kind != notebook.KindQuery {
			httpError(w, http.StatusBadRequest, "bad_request", "unknown cell kind %q", *patch.Kind)
			return
		}

		cell, err := deps.Repo.UpdateCell(r.Context(), cellID, patch)
		if errors.Is(err, notebook.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "no cell %s", cellID)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "internal", "updating cell: %v", err)
			return
		}
		if _, err := publishState(r.Context(), deps); err != nil {
			loggerFrom(r.Context()).Warn("publishing notebook state", zap.Error(err))
		}
		respondJSON(w, http.StatusOK, cell)
	}
}

func handleDeleteCell(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cellID := chi.URLParam(r, "cellID")

		cells, err := deps.Repo.Cells(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "internal", "loading cells: %v", err)
			return
		}
		var target *notebook.Cell
		for i := range cells {
			if cells[i].ID == cellID {
				target = &cells[i]
				break
			}
		}
		if target == nil {
			httpError(w, http.StatusNotFound, "not_found", "no cell %s", cellID)
			return
		}

		// Direct dependents come from the stored analysis, computed before
		// the cell disappears. A graph that cannot be built (duplicate defs
		// elsewhere in the notebook) only costs the re-run, never the delete.
		var dependents []string
		if g, err := graph.Build(cells); err == nil {
			dependents = g.Dependents(cellID)
		} else {
			loggerFrom(r.Context()).Warn("skipping dependent re-run", zap.Error(err))
		}

		if target.Kind == notebook.KindScript {
			deps.Scheduler.Environment().Purge(target.Defs...)
		}

		if err := deps.Repo.DeleteCell(r.Context(), cellID); err != nil {
			httpError(w, http.StatusInternalServerError, "internal", "deleting cell: %v", err)
			return
		}
		if _, err := publishState(r.Context(), deps); err != nil {
			loggerFrom(r.Context()).Warn("publishing notebook state", zap.Error(err))
		}

		if len(dependents) > 0 {
			// Sequential on purpose: the scheduler serializes runs anyway,
			// and notebook order keeps the re-runs deterministic.
			go func() {
				for _, id := range dependents {
					if _, err := deps.Scheduler.RunCell(deps.RunCtx, id); err != nil {
						deps.Log.Warn("re-running dependent after delete",
							zap.String("cell_id", id), zap.Error(err))
					}
				}
			}()
		}

		respondJSON(w, http.StatusOK, map[string]any{
			"ok":            true,
			"affectedCells": len(dependents),
		})
	}
}

type runRequest struct {
	CellID string `json:"cellId"`
}

func handleRun(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req runRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "bad_request", "decoding run request: %v", err)
			return
		}
		if req.CellID == "" {
			httpError(w, http.StatusBadRequest, "bad_request", "cellId is required")
			return
		}

		runID, err := deps.Scheduler.RunCell(deps.RunCtx, req.CellID)
		if errors.Is(err, notebook.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "no cell %s", req.CellID)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "internal", "running cell: %v", err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]int64{"runId": runID})
	}
}

func handleTestConnection(deps Deps) http.HandlerFunc {
	type result struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		settings, err := deps.Repo.Settings(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "internal", "loading settings: %v", err)
			return
		}
		if settings.PostgresDSN == "" {
			respondJSON(w, http.StatusOK, result{Status: "error", Message: "No DSN configured"})
			return
		}
		if err := deps.Probe(r.Context(), settings.PostgresDSN); err != nil {
			respondJSON(w, http.StatusOK, result{Status: "error", Message: fmt.Sprintf("Connection failed: %v", err)})
			return
		}
		respondJSON(w, http.StatusOK, result{Status: "success", Message: "Connected successfully"})
	}
}

func handleHealthz() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
