package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/labuh/labuh/internal/apperr"
	"github.com/labuh/labuh/internal/models"
)

// requireRole checks the requester's team membership against a minimum role.
func (app *App) requireRole(r *http.Request, teamID string, min models.TeamRole) error {
	role, err := app.Teams.Role(teamID, userID(r))
	if err != nil {
		return err
	}
	if !role.AtLeast(min) {
		return apperr.Errorf(apperr.Forbidden, "requires %s role", min)
	}
	return nil
}

func (app *App) handleDNSConfigList(w http.ResponseWriter, r *http.Request) {
	teamID := r.URL.Query().Get("team_id")
	if err := app.requireRole(r, teamID, models.RoleViewer); err != nil {
		writeError(w, err)
		return
	}

	configs, err := app.DNSConfigs.ListForTeam(teamID)
	if err != nil {
		writeError(w, err)
		return
	}
	// Config blobs hold API tokens; only the provider names go out.
	providers := make([]models.DNSProvider, 0, len(configs))
	for _, c := range configs {
		providers = append(providers, c.Provider)
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": providers})
}

func (app *App) handleDNSConfigUpsert(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TeamID   string             `json:"team_id"`
		Provider models.DNSProvider `json:"provider"`
		Config   json.RawMessage    `json:"config"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Provider == "" || len(body.Config) == 0 {
		writeError(w, apperr.E(apperr.Validation, "provider and config required"))
		return
	}
	if err := app.requireRole(r, body.TeamID, models.RoleAdmin); err != nil {
		writeError(w, err)
		return
	}

	cfg := &models.DNSConfig{TeamID: body.TeamID, Provider: body.Provider, Config: body.Config}
	if err := app.DNSConfigs.Upsert(cfg); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (app *App) handleDNSConfigDelete(w http.ResponseWriter, r *http.Request) {
	teamID := r.URL.Query().Get("team_id")
	if err := app.requireRole(r, teamID, models.RoleAdmin); err != nil {
		writeError(w, err)
		return
	}
	provider := models.DNSProvider(r.PathValue("provider"))
	if err := app.DNSConfigs.Delete(teamID, provider); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type registryResponse struct {
	RegistryURL string `json:"registry_url"`
	Username    string `json:"username"`
}

func (app *App) handleRegistryList(w http.ResponseWriter, r *http.Request) {
	teamID := r.URL.Query().Get("team_id")
	if err := app.requireRole(r, teamID, models.RoleViewer); err != nil {
		writeError(w, err)
		return
	}

	creds, err := app.Registries.ListForTeam(teamID)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]registryResponse, 0, len(creds))
	for _, c := range creds {
		out = append(out, registryResponse{RegistryURL: c.RegistryURL, Username: c.Username})
	}
	writeJSON(w, http.StatusOK, out)
}

func (app *App) handleRegistryUpsert(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TeamID      string `json:"team_id"`
		RegistryURL string `json:"registry_url"`
		Username    string `json:"username"`
		Password    string `json:"password"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.RegistryURL == "" || body.Username == "" {
		writeError(w, apperr.E(apperr.Validation, "registry_url and username required"))
		return
	}
	if err := app.requireRole(r, body.TeamID, models.RoleAdmin); err != nil {
		writeError(w, err)
		return
	}

	cred := &models.RegistryCredential{
		TeamID:      body.TeamID,
		RegistryURL: body.RegistryURL,
		Username:    body.Username,
	}
	cred.EncodePassword(body.Password)
	if err := app.Registries.Upsert(cred); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (app *App) handleRegistryDelete(w http.ResponseWriter, r *http.Request) {
	teamID := r.URL.Query().Get("team_id")
	registryURL := r.URL.Query().Get("registry_url")
	if err := app.requireRole(r, teamID, models.RoleAdmin); err != nil {
		writeError(w, err)
		return
	}
	if err := app.Registries.Delete(teamID, registryURL); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
