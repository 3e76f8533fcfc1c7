package handlers

import (
	"net/http"

	"github.com/labuh/labuh/internal/apperr"
	"github.com/labuh/labuh/internal/models"
)

type envResponse struct {
	ContainerName string `json:"container_name"`
	Key           string `json:"key"`
	Value         string `json:"value"`
	IsSecret      bool   `json:"is_secret"`
}

func (app *App) handleEnvList(w http.ResponseWriter, r *http.Request) {
	stack, err := app.userStack(r)
	if err != nil {
		writeError(w, err)
		return
	}
	vars, err := app.Envs.ListForStack(stack.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]envResponse, 0, len(vars))
	for _, v := range vars {
		out = append(out, envResponse{
			ContainerName: v.ContainerName,
			Key:           v.Key,
			Value:         v.DisplayValue(),
			IsSecret:      v.IsSecret,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (app *App) handleEnvUpsert(w http.ResponseWriter, r *http.Request) {
	stack, err := app.userStack(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var body struct {
		ContainerName string `json:"container_name"`
		Key           string `json:"key"`
		Value         string `json:"value"`
		IsSecret      bool   `json:"is_secret"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Key == "" {
		writeError(w, apperr.E(apperr.Validation, "key required"))
		return
	}

	v := &models.EnvVar{
		StackID:       stack.ID,
		ContainerName: body.ContainerName,
		Key:           body.Key,
		Value:         body.Value,
		IsSecret:      body.IsSecret,
	}
	if err := app.Envs.Upsert(v); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (app *App) handleEnvDelete(w http.ResponseWriter, r *http.Request) {
	stack, err := app.userStack(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var body struct {
		ContainerName string `json:"container_name"`
		Key           string `json:"key"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := app.Envs.Delete(stack.ID, body.ContainerName, body.Key); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
