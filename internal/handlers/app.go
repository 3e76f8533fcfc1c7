// Package handlers is the REST adapter: it maps HTTP requests onto the stack
// engine, domain provisioner, and stores, and error kinds onto status codes.
package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labuh/labuh/internal/apperr"
	"github.com/labuh/labuh/internal/domain"
	"github.com/labuh/labuh/internal/models"
	"github.com/labuh/labuh/internal/runtime"
	"github.com/labuh/labuh/internal/stack"
	"github.com/labuh/labuh/internal/terminal"
)

// App holds shared dependencies for all handlers.
type App struct {
	Users       *models.UserStore
	Settings    *models.SettingStore
	Stacks      *models.StackStore
	Envs        *models.EnvVarStore
	Resources   *models.ContainerResourceStore
	Domains     *models.DomainStore
	DNSConfigs  *models.DNSConfigStore
	Registries  *models.RegistryCredentialStore
	DeployLogs  *models.DeploymentLogStore
	Metrics     *models.ResourceMetricStore
	Teams       *models.TeamStore
	Templates   *models.TemplateStore
	Engine      *stack.Engine
	Provisioner *domain.Provisioner
	Runtime     runtime.Port
	Terms       *terminal.Manager

	JWTSecret string
	NoAuth    bool
	NeedSetup bool
}

// Router builds the full API surface. The webhook endpoint authenticates by
// per-stack token, not by session, so it sits outside the auth middleware.
func (app *App) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/auth/need-setup", app.handleNeedSetup)
	mux.HandleFunc("POST /api/auth/setup", app.handleSetup)
	mux.HandleFunc("POST /api/auth/login", app.handleLogin)
	mux.HandleFunc("POST /api/webhooks/deploy/{stackID}/{token}", app.handleWebhookDeploy)

	authed := http.NewServeMux()
	authed.HandleFunc("POST /api/auth/change-password", app.handleChangePassword)

	authed.HandleFunc("GET /api/stacks", app.handleStackList)
	authed.HandleFunc("POST /api/stacks", app.handleStackCreate)
	authed.HandleFunc("GET /api/stacks/{id}", app.handleStackGet)
	authed.HandleFunc("PUT /api/stacks/{id}", app.handleStackUpdate)
	authed.HandleFunc("DELETE /api/stacks/{id}", app.handleStackRemove)
	authed.HandleFunc("POST /api/stacks/{id}/start", app.handleStackStart)
	authed.HandleFunc("POST /api/stacks/{id}/stop", app.handleStackStop)
	authed.HandleFunc("POST /api/stacks/{id}/redeploy", app.handleStackRedeploy)
	authed.HandleFunc("POST /api/stacks/{id}/services/{service}/redeploy", app.handleServiceRedeploy)
	authed.HandleFunc("GET /api/stacks/{id}/health", app.handleStackHealth)
	authed.HandleFunc("POST /api/stacks/{id}/token/rotate", app.handleTokenRotate)
	authed.HandleFunc("GET /api/stacks/{id}/deployments", app.handleDeployments)
	authed.HandleFunc("GET /api/stacks/{id}/metrics", app.handleMetrics)
	authed.HandleFunc("GET /api/stacks/{id}/containers/{name}/logs", app.handleContainerLogs)
	authed.HandleFunc("GET /api/stacks/{id}/containers/{name}/exec", app.handleExec)

	authed.HandleFunc("GET /api/stacks/{id}/env", app.handleEnvList)
	authed.HandleFunc("PUT /api/stacks/{id}/env", app.handleEnvUpsert)
	authed.HandleFunc("DELETE /api/stacks/{id}/env", app.handleEnvDelete)

	authed.HandleFunc("GET /api/stacks/{id}/resources", app.handleResourceList)
	authed.HandleFunc("PUT /api/stacks/{id}/resources", app.handleResourceUpsert)
	authed.HandleFunc("DELETE /api/stacks/{id}/resources", app.handleResourceDelete)

	authed.HandleFunc("GET /api/domains", app.handleDomainList)
	authed.HandleFunc("POST /api/stacks/{id}/domains", app.handleDomainCreate)
	authed.HandleFunc("DELETE /api/domains/{fqdn}", app.handleDomainRemove)
	authed.HandleFunc("POST /api/domains/{id}/verify", app.handleDomainVerify)

	authed.HandleFunc("GET /api/dns-configs", app.handleDNSConfigList)
	authed.HandleFunc("PUT /api/dns-configs", app.handleDNSConfigUpsert)
	authed.HandleFunc("DELETE /api/dns-configs/{provider}", app.handleDNSConfigDelete)

	authed.HandleFunc("GET /api/registries", app.handleRegistryList)
	authed.HandleFunc("PUT /api/registries", app.handleRegistryUpsert)
	authed.HandleFunc("DELETE /api/registries", app.handleRegistryDelete)

	authed.HandleFunc("GET /api/templates", app.handleTemplateList)
	authed.HandleFunc("GET /api/templates/{name}", app.handleTemplateGet)

	mux.Handle("/api/", app.requireAuth(authed))
	return mux
}

type ctxKey int

const userKey ctxKey = 0

// requireAuth validates the bearer token and stashes the user id in the
// request context. With --no-auth every request acts as user 1.
func (app *App) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if app.NoAuth {
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, 1)))
			return
		}

		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, apperr.E(apperr.Unauthorized, "missing bearer token"))
			return
		}
		claims, err := models.VerifyJWT(token, app.JWTSecret)
		if err != nil {
			writeError(w, apperr.Wrap(apperr.Unauthorized, "invalid token", err))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, claims.UserID)))
	})
}

// userID returns the authenticated user for a request.
func userID(r *http.Request) int {
	if id, ok := r.Context().Value(userKey).(int); ok {
		return id
	}
	return 0
}

// userStack loads the path's stack scoped to the requesting user.
func (app *App) userStack(r *http.Request) (*models.Stack, error) {
	return app.Stacks.GetForUser(r.PathValue("id"), userID(r))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "err", err)
	}
}

// writeError maps an error's kind to its HTTP status. Internal details are
// logged, not leaked.
func writeError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

// decode reads the JSON request body into v.
func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Wrap(apperr.BadRequest, "invalid request body", err)
	}
	return nil
}
