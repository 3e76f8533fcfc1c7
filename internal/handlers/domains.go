package handlers

import (
	"net/http"

	"github.com/labuh/labuh/internal/apperr"
	"github.com/labuh/labuh/internal/models"
)

func (app *App) handleDomainList(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	stacks, err := app.Stacks.ListForUser(uid)
	if err != nil {
		writeError(w, err)
		return
	}

	out := []*models.Domain{}
	for _, s := range stacks {
		domains, err := app.Domains.ListForStack(s.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		out = append(out, domains...)
	}
	writeJSON(w, http.StatusOK, out)
}

func (app *App) handleDomainCreate(w http.ResponseWriter, r *http.Request) {
	stack, err := app.userStack(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var body struct {
		Domain        string             `json:"domain"`
		ContainerName string             `json:"container_name"`
		ContainerPort int                `json:"container_port"`
		Provider      models.DNSProvider `json:"provider"`
		Type          models.DomainType  `json:"type"`
		TunnelID      string             `json:"tunnel_id"`
		SSLEnabled    bool               `json:"ssl_enabled"`
		ShowBranding  bool               `json:"show_branding"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Domain == "" || body.ContainerName == "" || body.ContainerPort <= 0 {
		writeError(w, apperr.E(apperr.Validation, "domain, container_name, and container_port required"))
		return
	}
	if body.Provider == "" {
		body.Provider = models.ProviderCustom
	}
	if body.Type == "" {
		body.Type = models.DomainCaddy
	}
	if body.Type == models.DomainTunnel && body.TunnelID == "" {
		writeError(w, apperr.E(apperr.Validation, "tunnel_id required for tunnel domains"))
		return
	}

	d := &models.Domain{
		StackID:       stack.ID,
		ContainerName: body.ContainerName,
		ContainerPort: body.ContainerPort,
		Domain:        body.Domain,
		Provider:      body.Provider,
		Type:          body.Type,
		TunnelID:      body.TunnelID,
		SSLEnabled:    body.SSLEnabled,
		ShowBranding:  body.ShowBranding,
	}
	if err := app.Provisioner.Provision(r.Context(), stack.TeamID, d); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (app *App) handleDomainRemove(w http.ResponseWriter, r *http.Request) {
	fqdn := r.PathValue("fqdn")

	d, err := app.Domains.GetByName(fqdn)
	if err != nil {
		writeError(w, err)
		return
	}
	stack, err := app.Stacks.GetForUser(d.StackID, userID(r))
	if err != nil {
		writeError(w, err)
		return
	}

	if err := app.Provisioner.Remove(r.Context(), stack.TeamID, fqdn); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (app *App) handleDomainVerify(w http.ResponseWriter, r *http.Request) {
	d, err := app.Domains.GetByID(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := app.Stacks.GetForUser(d.StackID, userID(r)); err != nil {
		writeError(w, err)
		return
	}

	verified, err := app.Provisioner.VerifyDomain(r.Context(), d.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"verified": verified})
}
