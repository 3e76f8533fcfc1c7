package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"

	"github.com/labuh/labuh/internal/runtime"
)

// fakeAdmin emulates the slice of the Caddy admin API the client uses.
type fakeAdmin struct {
	mu  sync.Mutex
	srv *server
}

func (f *fakeAdmin) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		switch {
		case r.URL.Path == "/config/apps/http" && r.Method == http.MethodPut:
			var body struct {
				Servers map[string]*server `json:"servers"`
			}
			json.NewDecoder(r.Body).Decode(&body)
			f.srv = body.Servers["srv0"]

		case r.URL.Path == srv0Path:
			switch r.Method {
			case http.MethodGet:
				if f.srv == nil {
					http.NotFound(w, r)
					return
				}
				json.NewEncoder(w).Encode(f.srv)
			case http.MethodPut:
				var s server
				json.NewDecoder(r.Body).Decode(&s)
				f.srv = &s
			}

		case r.URL.Path == routesPath && r.Method == http.MethodGet:
			if f.srv == nil {
				http.NotFound(w, r)
				return
			}
			json.NewEncoder(w).Encode(f.srv.Routes)

		case strings.HasPrefix(r.URL.Path, routesPath+"/"):
			if f.srv == nil {
				http.NotFound(w, r)
				return
			}
			idx, err := strconv.Atoi(strings.TrimPrefix(r.URL.Path, routesPath+"/"))
			if err != nil || idx < 0 {
				http.Error(w, "bad index", http.StatusBadRequest)
				return
			}
			switch r.Method {
			case http.MethodPost:
				var route Route
				json.NewDecoder(r.Body).Decode(&route)
				if idx > len(f.srv.Routes) {
					http.Error(w, "index out of range", http.StatusBadRequest)
					return
				}
				f.srv.Routes = append(f.srv.Routes[:idx],
					append([]Route{route}, f.srv.Routes[idx:]...)...)
			case http.MethodDelete:
				if idx >= len(f.srv.Routes) {
					http.Error(w, "index out of range", http.StatusBadRequest)
					return
				}
				f.srv.Routes = append(f.srv.Routes[:idx], f.srv.Routes[idx+1:]...)
			}

		default:
			http.NotFound(w, r)
		}
	})
}

func newTestClient(t *testing.T) (*Client, *fakeAdmin) {
	t.Helper()
	admin := &fakeAdmin{}
	ts := httptest.NewServer(admin.handler())
	t.Cleanup(ts.Close)
	return NewClient(ts.URL), admin
}

func (f *fakeAdmin) routes() []Route {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.srv == nil {
		return nil
	}
	return append([]Route(nil), f.srv.Routes...)
}

func TestEnsureSrv0(t *testing.T) {
	ctx := context.Background()

	t.Run("creates when absent", func(t *testing.T) {
		client, admin := newTestClient(t)
		if err := client.EnsureSrv0(ctx); err != nil {
			t.Fatalf("ensure: %v", err)
		}
		if admin.srv == nil {
			t.Fatal("srv0 not created")
		}
		if len(admin.srv.Listen) != 1 || admin.srv.Listen[0] != ":443" {
			t.Errorf("unexpected listen %v", admin.srv.Listen)
		}
	})

	t.Run("fixes listener keeping routes", func(t *testing.T) {
		client, admin := newTestClient(t)
		existing, _ := buildRoute("old.example.com", "old:80", false)
		admin.srv = &server{Listen: []string{":8080"}, Routes: []Route{*existing}}

		if err := client.EnsureSrv0(ctx); err != nil {
			t.Fatalf("ensure: %v", err)
		}
		if admin.srv.Listen[0] != ":443" {
			t.Errorf("listener not fixed: %v", admin.srv.Listen)
		}
		if len(admin.srv.Routes) != 1 || !admin.srv.Routes[0].matches("old.example.com") {
			t.Error("existing routes dropped")
		}
	})

	t.Run("noop when already correct", func(t *testing.T) {
		client, admin := newTestClient(t)
		admin.srv = &server{Listen: []string{":443"}}
		if err := client.EnsureSrv0(ctx); err != nil {
			t.Fatalf("ensure: %v", err)
		}
	})
}

func TestAddRoute(t *testing.T) {
	ctx := context.Background()

	t.Run("installs at index 0", func(t *testing.T) {
		client, admin := newTestClient(t)
		if err := client.AddRoute(ctx, "a.example.com", "blog-web:80", false); err != nil {
			t.Fatalf("add: %v", err)
		}
		if err := client.AddRoute(ctx, "b.example.com", "wiki-web:80", false); err != nil {
			t.Fatalf("add: %v", err)
		}

		routes := admin.routes()
		if len(routes) != 2 {
			t.Fatalf("expected 2 routes, got %d", len(routes))
		}
		if !routes[0].matches("b.example.com") {
			t.Error("newest route not at index 0")
		}
	})

	t.Run("idempotent for same domain", func(t *testing.T) {
		client, admin := newTestClient(t)
		for i := 0; i < 3; i++ {
			if err := client.AddRoute(ctx, "a.example.com", "blog-web:80", false); err != nil {
				t.Fatalf("add: %v", err)
			}
		}
		if got := len(admin.routes()); got != 1 {
			t.Errorf("expected 1 route after repeated adds, got %d", got)
		}
	})

	t.Run("branding wraps in subroute", func(t *testing.T) {
		client, admin := newTestClient(t)
		if err := client.AddRoute(ctx, "a.example.com", "blog-web:80", true); err != nil {
			t.Fatalf("add: %v", err)
		}
		routes := admin.routes()
		if len(routes) != 1 || len(routes[0].Handle) != 1 {
			t.Fatal("unexpected route shape")
		}
		raw := string(routes[0].Handle[0])
		if !strings.Contains(raw, `"subroute"`) {
			t.Error("expected subroute handler")
		}
		if !strings.Contains(raw, "handle_response") || !strings.Contains(raw, "</body>") {
			t.Error("expected body-rewriting handle_response")
		}
		if !strings.Contains(raw, "*text/html*") {
			t.Error("expected html content-type match")
		}
	})

	t.Run("plain route is bare reverse_proxy", func(t *testing.T) {
		client, admin := newTestClient(t)
		if err := client.AddRoute(ctx, "a.example.com", "blog-web:80", false); err != nil {
			t.Fatalf("add: %v", err)
		}
		raw := string(admin.routes()[0].Handle[0])
		if strings.Contains(raw, "subroute") {
			t.Error("unexpected subroute on unbranded domain")
		}
		if !strings.Contains(raw, `"dial":"blog-web:80"`) {
			t.Errorf("upstream missing: %s", raw)
		}
	})
}

func TestRemoveRoute(t *testing.T) {
	ctx := context.Background()

	t.Run("drains duplicates", func(t *testing.T) {
		client, admin := newTestClient(t)
		dup, _ := buildRoute("a.example.com", "blog-web:80", false)
		other, _ := buildRoute("b.example.com", "wiki-web:80", false)
		admin.srv = &server{
			Listen: []string{":443"},
			Routes: []Route{*dup, *other, *dup},
		}

		if err := client.RemoveRoute(ctx, "a.example.com"); err != nil {
			t.Fatalf("remove: %v", err)
		}
		routes := admin.routes()
		if len(routes) != 1 || !routes[0].matches("b.example.com") {
			t.Errorf("expected only b.example.com left, got %d routes", len(routes))
		}
	})

	t.Run("not found", func(t *testing.T) {
		client, admin := newTestClient(t)
		admin.srv = &server{Listen: []string{":443"}}
		if err := client.RemoveRoute(ctx, "missing.example.com"); err != ErrRouteNotFound {
			t.Errorf("expected ErrRouteNotFound, got %v", err)
		}
	})
}

func TestConnectionRefused(t *testing.T) {
	if connectionRefused(nil) {
		t.Error("nil error reported as refused")
	}
	if connectionRefused(errors.New("context deadline exceeded")) {
		t.Error("timeout reported as refused")
	}
	if !connectionRefused(syscall.ECONNREFUSED) {
		t.Error("raw ECONNREFUSED not detected")
	}
	if !connectionRefused(fmt.Errorf("dial tcp 127.0.0.1:2019: %w", syscall.ECONNREFUSED)) {
		t.Error("wrapped ECONNREFUSED not detected")
	}
	if !connectionRefused(errors.New(`Get "http://localhost:2019": dial tcp: connection refused`)) {
		t.Error("flattened message not detected")
	}
}

func TestBootstrap(t *testing.T) {
	ctx := context.Background()

	t.Run("creates from scratch", func(t *testing.T) {
		rt := runtime.NewFake()
		if err := Bootstrap(ctx, rt, "labuh-network", t.TempDir()); err != nil {
			t.Fatalf("bootstrap: %v", err)
		}
		if !rt.HasNetwork("labuh-network") {
			t.Error("network not ensured")
		}
		if len(rt.Pulled()) != 1 {
			t.Errorf("expected 1 pull, got %v", rt.Pulled())
		}

		c := rt.ContainerByName(ContainerName)
		if c == nil {
			t.Fatal("proxy container not created")
		}
		if c.State != "running" {
			t.Errorf("expected running, got %q", c.State)
		}
		if c.Labels[LabelManaged] != "true" || c.Labels[LabelVersion] != Version {
			t.Errorf("unexpected labels %v", c.Labels)
		}

		cfg := rt.ConfigByName(ContainerName)
		wantPorts := []string{"80:80", "443:443", "127.0.0.1:2019:2019"}
		if len(cfg.Ports) != len(wantPorts) {
			t.Fatalf("unexpected ports %v", cfg.Ports)
		}
		for i, p := range wantPorts {
			if cfg.Ports[i] != p {
				t.Errorf("port %d: got %q want %q", i, cfg.Ports[i], p)
			}
		}
		if cfg.RestartPolicy != "always" {
			t.Errorf("expected restart always, got %q", cfg.RestartPolicy)
		}
	})

	t.Run("current and running is a noop", func(t *testing.T) {
		rt := runtime.NewFake()
		rt.Seed(ContainerName, image, "running", map[string]string{LabelVersion: Version})
		if err := Bootstrap(ctx, rt, "labuh-network", t.TempDir()); err != nil {
			t.Fatalf("bootstrap: %v", err)
		}
		if len(rt.Pulled()) != 0 {
			t.Error("unexpected image pull for current proxy")
		}
	})

	t.Run("starts stopped current proxy", func(t *testing.T) {
		rt := runtime.NewFake()
		rt.Seed(ContainerName, image, "exited", map[string]string{LabelVersion: Version})
		if err := Bootstrap(ctx, rt, "labuh-network", t.TempDir()); err != nil {
			t.Fatalf("bootstrap: %v", err)
		}
		if c := rt.ContainerByName(ContainerName); c.State != "running" {
			t.Errorf("expected running, got %q", c.State)
		}
	})

	t.Run("replaces on version mismatch", func(t *testing.T) {
		rt := runtime.NewFake()
		old := rt.Seed(ContainerName, image, "running", map[string]string{LabelVersion: "0"})
		if err := Bootstrap(ctx, rt, "labuh-network", t.TempDir()); err != nil {
			t.Fatalf("bootstrap: %v", err)
		}
		c := rt.ContainerByName(ContainerName)
		if c == nil {
			t.Fatal("proxy container missing after replace")
		}
		if c.ID == old {
			t.Error("outdated container not replaced")
		}
		if c.Labels[LabelVersion] != Version {
			t.Errorf("expected version %s, got %s", Version, c.Labels[LabelVersion])
		}
	})
}

func TestEnsureConfigFile(t *testing.T) {
	t.Run("writes when absent", func(t *testing.T) {
		dir := t.TempDir()
		path, err := ensureConfigFile(dir)
		if err != nil {
			t.Fatalf("ensure: %v", err)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if !strings.Contains(string(data), "0.0.0.0:2019") {
			t.Errorf("admin listener missing: %s", data)
		}
	})

	t.Run("keeps existing content", func(t *testing.T) {
		dir := t.TempDir()
		if _, err := ensureConfigFile(dir); err != nil {
			t.Fatal(err)
		}
		custom := `{"admin":{"listen":"0.0.0.0:2019"},"custom":true}`
		if err := os.WriteFile(filepath.Join(dir, configFileName), []byte(custom), 0o644); err != nil {
			t.Fatal(err)
		}
		path, err := ensureConfigFile(dir)
		if err != nil {
			t.Fatalf("ensure: %v", err)
		}
		data, _ := os.ReadFile(path)
		if string(data) != custom {
			t.Error("existing config overwritten")
		}
	})
}
