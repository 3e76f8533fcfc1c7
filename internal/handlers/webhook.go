package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/labuh/labuh/internal/models"
)

// handleWebhookDeploy triggers a redeploy from CI. Authentication is the
// per-stack token compared in constant time; the redeploy itself runs
// detached so the caller gets an immediate 202.
func (app *App) handleWebhookDeploy(w http.ResponseWriter, r *http.Request) {
	stack, err := app.Stacks.ValidateToken(r.PathValue("stackID"), r.PathValue("token"))
	if err != nil {
		writeError(w, err)
		return
	}

	row, err := app.DeployLogs.Start(stack.ID, models.TriggerWebhook)
	if err != nil {
		writeError(w, err)
		return
	}

	go func() {
		// Detached from the request; the redeploy outlives the response.
		ctx := context.WithoutCancel(r.Context())
		if err := app.Engine.RedeployStack(ctx, stack); err != nil {
			slog.Error("webhook redeploy failed", "stack", stack.Name, "err", err)
			if ferr := app.DeployLogs.Finish(row, models.DeployFailed, err.Error()); ferr != nil {
				slog.Error("webhook: close deployment log", "stack", stack.Name, "err", ferr)
			}
			return
		}
		if ferr := app.DeployLogs.Finish(row, models.DeploySuccess, "webhook redeploy completed"); ferr != nil {
			slog.Error("webhook: close deployment log", "stack", stack.Name, "err", ferr)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":     "deploying",
		"deployment": row.ID,
	})
}
