// Package testutil wires a full application against a temp database, the
// in-memory runtime fake, and a recording route programmer, exposed through a
// real HTTP test server.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	bolt "go.etcd.io/bbolt"

	"github.com/labuh/labuh/internal/db"
	"github.com/labuh/labuh/internal/domain"
	"github.com/labuh/labuh/internal/handlers"
	"github.com/labuh/labuh/internal/models"
	"github.com/labuh/labuh/internal/runtime"
	"github.com/labuh/labuh/internal/stack"
	"github.com/labuh/labuh/internal/terminal"
)

// PublicIP is the host address the test provisioner points DNS records at.
const PublicIP = "203.0.113.10"

// RouteRecorder implements the proxy route programmer against an in-memory
// map so tests can assert which domains are routed where.
type RouteRecorder struct {
	mu     sync.Mutex
	routes map[string]string // domain -> upstream
}

func NewRouteRecorder() *RouteRecorder {
	return &RouteRecorder{routes: make(map[string]string)}
}

func (r *RouteRecorder) AddRoute(_ context.Context, domain, upstream string, _ bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[domain] = upstream
	return nil
}

func (r *RouteRecorder) RemoveRoute(_ context.Context, domain string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.routes, domain)
	return nil
}

// Upstream returns the recorded upstream for a domain, or "".
func (r *RouteRecorder) Upstream(domain string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.routes[domain]
}

// TestEnv holds a fully wired application with temp DB and fake runtime.
type TestEnv struct {
	App     *handlers.App
	Server  *httptest.Server
	DB      *bolt.DB
	Runtime *runtime.Fake
	Routes  *RouteRecorder
}

// Setup builds the environment. Auth is real: call SeedAdmin and Login, or
// flip App.NoAuth for tests that don't care.
func Setup(t testing.TB) *TestEnv {
	t.Helper()

	database, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	users := models.NewUserStore(database)
	settings := models.NewSettingStore(database)
	stacks := models.NewStackStore(database)
	envs := models.NewEnvVarStore(database)
	resources := models.NewContainerResourceStore(database)
	domains := models.NewDomainStore(database)
	dnsConfigs := models.NewDNSConfigStore(database)
	registries := models.NewRegistryCredentialStore(database)
	deployLogs := models.NewDeploymentLogStore(database)
	metrics := models.NewResourceMetricStore(database)
	teams := models.NewTeamStore(database)
	templates := models.NewTemplateStore(database)

	jwtSecret, err := settings.EnsureJWTSecret()
	if err != nil {
		t.Fatal(err)
	}

	rt := runtime.NewFake()
	routes := NewRouteRecorder()
	engine := stack.NewEngine(stacks, envs, resources, registries, rt, "labuh")
	provisioner := domain.NewProvisioner(domains, dnsConfigs, routes, PublicIP)

	app := &handlers.App{
		Users:       users,
		Settings:    settings,
		Stacks:      stacks,
		Envs:        envs,
		Resources:   resources,
		Domains:     domains,
		DNSConfigs:  dnsConfigs,
		Registries:  registries,
		DeployLogs:  deployLogs,
		Metrics:     metrics,
		Teams:       teams,
		Templates:   templates,
		Engine:      engine,
		Provisioner: provisioner,
		Runtime:     rt,
		Terms:       terminal.NewManager(),
		JWTSecret:   jwtSecret,
		NeedSetup:   true,
	}

	server := httptest.NewServer(app.Router())
	t.Cleanup(func() {
		server.Close()
		database.Close()
	})

	return &TestEnv{App: app, Server: server, DB: database, Runtime: rt, Routes: routes}
}

// SeedAdmin creates the admin user directly in the store.
func (e *TestEnv) SeedAdmin(t testing.TB) {
	t.Helper()
	if _, err := e.App.Users.Create("admin", "testpass123"); err != nil {
		t.Fatal("seed admin:", err)
	}
	e.App.NeedSetup = false
}

// Login authenticates as the seeded admin and returns the JWT.
func (e *TestEnv) Login(t testing.TB) string {
	t.Helper()
	status, body := e.Do(t, http.MethodPost, "/api/auth/login", "",
		map[string]string{"username": "admin", "password": "testpass123"})
	if status != http.StatusOK {
		t.Fatalf("login: status %d: %v", status, body)
	}
	token, _ := body["token"].(string)
	if token == "" {
		t.Fatalf("login: no token in %v", body)
	}
	return token
}

// Do sends a JSON request and decodes the response body into a map. A nil
// payload sends no body; an empty token sends no Authorization header.
func (e *TestEnv) Do(t testing.TB, method, path, token string, payload any) (int, map[string]any) {
	t.Helper()

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatal("marshal payload:", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, e.Server.URL+path, body)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	out := map[string]any{}
	if len(data) > 0 {
		// Array responses land under "list" so callers get one shape.
		if data[0] == '[' {
			var list []any
			if err := json.Unmarshal(data, &list); err != nil {
				t.Fatalf("decode response %q: %v", data, err)
			}
			out["list"] = list
		} else if err := json.Unmarshal(data, &out); err != nil {
			t.Fatalf("decode response %q: %v", data, err)
		}
	}
	return resp.StatusCode, out
}

// CreateStack creates a stack over the API and returns its id and webhook token.
func (e *TestEnv) CreateStack(t testing.TB, token, name, compose string) (string, string) {
	t.Helper()
	status, body := e.Do(t, http.MethodPost, "/api/stacks", token,
		map[string]string{"name": name, "compose": compose})
	if status != http.StatusCreated {
		t.Fatalf("create stack: status %d: %v", status, body)
	}
	id, _ := body["id"].(string)
	webhook, _ := body["webhook_token"].(string)
	if id == "" || webhook == "" {
		t.Fatalf("create stack: incomplete response %v", body)
	}
	return id, webhook
}
