package handlers

import (
	"net/http"

	"github.com/labuh/labuh/internal/apperr"
	"github.com/labuh/labuh/internal/models"
)

const minPasswordLength = 8

func (app *App) handleNeedSetup(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"needSetup": app.NeedSetup})
}

// handleSetup creates the first (and only self-service) user. Once a user
// exists the endpoint is closed.
func (app *App) handleSetup(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Username == "" || len(body.Password) < minPasswordLength {
		writeError(w, apperr.Errorf(apperr.Validation, "username required and password must be at least %d characters", minPasswordLength))
		return
	}

	count, err := app.Users.Count()
	if err != nil {
		writeError(w, err)
		return
	}
	if count > 0 {
		writeError(w, apperr.E(apperr.Forbidden, "setup already completed"))
		return
	}

	user, err := app.Users.Create(body.Username, body.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	app.NeedSetup = false

	token, err := models.CreateJWT(user, app.JWTSecret)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"token": token})
}

func (app *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}

	user, err := app.Users.FindByUsername(body.Username)
	if err != nil {
		writeError(w, err)
		return
	}
	if user == nil || !models.VerifyPassword(body.Password, user.Password) {
		writeError(w, apperr.E(apperr.InvalidCredentials, "incorrect username or password"))
		return
	}

	token, err := models.CreateJWT(user, app.JWTSecret)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (app *App) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if len(body.NewPassword) < minPasswordLength {
		writeError(w, apperr.Errorf(apperr.Validation, "password must be at least %d characters", minPasswordLength))
		return
	}

	user, err := app.Users.FindByID(userID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if user == nil || !models.VerifyPassword(body.CurrentPassword, user.Password) {
		writeError(w, apperr.E(apperr.InvalidCredentials, "current password incorrect"))
		return
	}

	if err := app.Users.ChangePassword(user.ID, body.NewPassword); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
