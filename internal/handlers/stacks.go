package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labuh/labuh/internal/apperr"
	"github.com/labuh/labuh/internal/compose"
	"github.com/labuh/labuh/internal/models"
)

// stackResponse hides the webhook token on list/get; the token is only
// returned by create and rotate.
type stackResponse struct {
	*models.Stack
	WebhookToken string `json:"webhook_token,omitempty"`
}

func redact(s *models.Stack) stackResponse {
	return stackResponse{Stack: s}
}

func (app *App) handleStackList(w http.ResponseWriter, r *http.Request) {
	stacks, err := app.Stacks.ListForUser(userID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]stackResponse, 0, len(stacks))
	for _, s := range stacks {
		out = append(out, redact(s))
	}
	writeJSON(w, http.StatusOK, out)
}

func (app *App) handleStackCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name         string `json:"name"`
		Compose      string `json:"compose"`
		TeamID       string `json:"team_id"`
		CronSchedule string `json:"cron_schedule"`
		Template     string `json:"template"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Name == "" {
		writeError(w, apperr.E(apperr.Validation, "stack name required"))
		return
	}

	if body.Template != "" {
		tpl, err := app.Templates.Get(body.Template)
		if err != nil {
			writeError(w, err)
			return
		}
		body.Compose = tpl.Compose
	}
	if body.Compose == "" {
		writeError(w, apperr.E(apperr.Validation, "compose manifest required"))
		return
	}

	stack := &models.Stack{
		Name:         body.Name,
		UserID:       userID(r),
		TeamID:       body.TeamID,
		Compose:      body.Compose,
		CronSchedule: body.CronSchedule,
	}
	if err := app.Engine.Create(r.Context(), stack); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, stackResponse{Stack: stack, WebhookToken: stack.WebhookToken})
}

func (app *App) handleStackGet(w http.ResponseWriter, r *http.Request) {
	stack, err := app.userStack(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, redact(stack))
}

// handleStackUpdate replaces the manifest and/or cron schedule. Containers
// are not touched; the next redeploy picks the new manifest up.
func (app *App) handleStackUpdate(w http.ResponseWriter, r *http.Request) {
	stack, err := app.userStack(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var body struct {
		Compose      *string `json:"compose"`
		CronSchedule *string `json:"cron_schedule"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Compose != nil {
		// Reject a broken manifest at write time instead of on the next redeploy.
		if _, err := compose.Parse(*body.Compose); err != nil {
			writeError(w, err)
			return
		}
		stack.Compose = *body.Compose
	}
	if body.CronSchedule != nil {
		stack.CronSchedule = *body.CronSchedule
	}

	if err := app.Stacks.Update(stack); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, redact(stack))
}

func (app *App) handleStackRemove(w http.ResponseWriter, r *http.Request) {
	stack, err := app.userStack(r)
	if err != nil {
		writeError(w, err)
		return
	}

	// Domains first so proxy routes and DNS records are compensated before
	// the row cascade.
	if err := app.Provisioner.RemoveForStack(r.Context(), stack.TeamID, stack.ID); err != nil {
		writeError(w, err)
		return
	}
	if err := app.DeployLogs.DeleteForStack(stack.ID); err != nil {
		writeError(w, err)
		return
	}
	if err := app.Engine.Remove(r.Context(), stack); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (app *App) handleStackStart(w http.ResponseWriter, r *http.Request) {
	stack, err := app.userStack(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := app.Engine.Start(context.WithoutCancel(r.Context()), stack); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(models.StackRunning)})
}

func (app *App) handleStackStop(w http.ResponseWriter, r *http.Request) {
	stack, err := app.userStack(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := app.Engine.Stop(context.WithoutCancel(r.Context()), stack); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(models.StackStopped)})
}

func (app *App) handleStackRedeploy(w http.ResponseWriter, r *http.Request) {
	stack, err := app.userStack(r)
	if err != nil {
		writeError(w, err)
		return
	}

	row, err := app.DeployLogs.Start(stack.ID, models.TriggerManual)
	if err != nil {
		writeError(w, err)
		return
	}
	// A client disconnect must not abort the in-flight redeploy; it runs to
	// completion or local failure.
	if err := app.Engine.RedeployStack(context.WithoutCancel(r.Context()), stack); err != nil {
		if ferr := app.DeployLogs.Finish(row, models.DeployFailed, err.Error()); ferr != nil {
			writeError(w, ferr)
			return
		}
		writeError(w, err)
		return
	}
	if err := app.DeployLogs.Finish(row, models.DeploySuccess, "manual redeploy completed"); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(models.StackRunning)})
}

func (app *App) handleServiceRedeploy(w http.ResponseWriter, r *http.Request) {
	stack, err := app.userStack(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := app.Engine.RedeployService(context.WithoutCancel(r.Context()), stack, r.PathValue("service")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(models.StackRunning)})
}

func (app *App) handleStackHealth(w http.ResponseWriter, r *http.Request) {
	stack, err := app.userStack(r)
	if err != nil {
		writeError(w, err)
		return
	}
	health, err := app.Engine.Health(r.Context(), stack)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, health)
}

func (app *App) handleTokenRotate(w http.ResponseWriter, r *http.Request) {
	token, err := app.Stacks.RotateToken(r.PathValue("id"), userID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"webhook_token": token})
}

func (app *App) handleDeployments(w http.ResponseWriter, r *http.Request) {
	stack, err := app.userStack(r)
	if err != nil {
		writeError(w, err)
		return
	}
	history, err := app.DeployLogs.ListForStack(stack.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (app *App) handleMetrics(w http.ResponseWriter, r *http.Request) {
	stack, err := app.userStack(r)
	if err != nil {
		writeError(w, err)
		return
	}

	since := time.Now().Add(-time.Hour)
	if v := r.URL.Query().Get("since"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, apperr.Wrap(apperr.BadRequest, "invalid since timestamp", err))
			return
		}
		since = parsed
	}

	samples, err := app.Metrics.ListForStack(stack.ID, since)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, samples)
}

func (app *App) handleContainerLogs(w http.ResponseWriter, r *http.Request) {
	stack, err := app.userStack(r)
	if err != nil {
		writeError(w, err)
		return
	}

	tail := 200
	if v := r.URL.Query().Get("tail"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, apperr.E(apperr.BadRequest, "invalid tail"))
			return
		}
		tail = n
	}

	lines, err := app.Engine.Logs(r.Context(), stack, r.PathValue("name"), tail)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"lines": lines})
}
