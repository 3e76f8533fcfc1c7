package handlers

import "net/http"

func (app *App) handleTemplateList(w http.ResponseWriter, r *http.Request) {
	templates, err := app.Templates.List()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, templates)
}

func (app *App) handleTemplateGet(w http.ResponseWriter, r *http.Request) {
	tpl, err := app.Templates.Get(r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}
