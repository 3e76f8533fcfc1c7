package handlers

import (
	"net/http"

	"github.com/labuh/labuh/internal/apperr"
	"github.com/labuh/labuh/internal/models"
)

func (app *App) handleResourceList(w http.ResponseWriter, r *http.Request) {
	stack, err := app.userStack(r)
	if err != nil {
		writeError(w, err)
		return
	}
	limits, err := app.Resources.ListForStack(stack.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	if limits == nil {
		limits = []models.ContainerResource{}
	}
	writeJSON(w, http.StatusOK, limits)
}

// handleResourceUpsert stores per-service limits. Containers pick them up on
// the next redeploy.
func (app *App) handleResourceUpsert(w http.ResponseWriter, r *http.Request) {
	stack, err := app.userStack(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var body struct {
		ServiceName string  `json:"service_name"`
		CPULimit    float64 `json:"cpu_limit"`
		MemoryLimit int64   `json:"memory_limit"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.ServiceName == "" {
		writeError(w, apperr.E(apperr.Validation, "service_name required"))
		return
	}
	if body.CPULimit < 0 || body.MemoryLimit < 0 {
		writeError(w, apperr.E(apperr.Validation, "limits must not be negative"))
		return
	}

	limit := &models.ContainerResource{
		StackID:     stack.ID,
		ServiceName: body.ServiceName,
		CPULimit:    body.CPULimit,
		MemoryLimit: body.MemoryLimit,
	}
	if err := app.Resources.Upsert(limit); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (app *App) handleResourceDelete(w http.ResponseWriter, r *http.Request) {
	stack, err := app.userStack(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var body struct {
		ServiceName string `json:"service_name"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := app.Resources.Delete(stack.ID, body.ServiceName); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
