package domain

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	bolt "go.etcd.io/bbolt"

	"github.com/labuh/labuh/internal/apperr"
	"github.com/labuh/labuh/internal/db"
	"github.com/labuh/labuh/internal/dns"
	"github.com/labuh/labuh/internal/models"
)

// fakeProvider records create/delete calls in memory.
type fakeProvider struct {
	mu      sync.Mutex
	nextID  int
	records map[string]string // record id -> target
	failOn  string            // "create" or "delete"
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{records: map[string]string{}}
}

func (f *fakeProvider) CreateRecord(_ context.Context, fqdn, target string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn == "create" {
		return "", apperr.E(apperr.ProviderError, "create refused")
	}
	f.nextID++
	id := "rec-" + fqdn
	f.records[id] = target
	return id, nil
}

func (f *fakeProvider) DeleteRecord(_ context.Context, recordID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn == "delete" {
		return apperr.E(apperr.ProviderError, "delete refused")
	}
	delete(f.records, recordID)
	return nil
}

// fakeRouter tracks installed routes by domain.
type fakeRouter struct {
	mu      sync.Mutex
	routes  map[string]string // domain -> upstream
	failAdd bool
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{routes: map[string]string{}}
}

func (f *fakeRouter) AddRoute(_ context.Context, domain, upstream string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAdd {
		return apperr.E(apperr.ProxyError, "admin api down")
	}
	f.routes[domain] = upstream
	return nil
}

func (f *fakeRouter) RemoveRoute(_ context.Context, domain string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.routes[domain]; !ok {
		return apperr.E(apperr.NotFound, "route not found")
	}
	delete(f.routes, domain)
	return nil
}

type staticVerifier struct{ result bool }

func (s staticVerifier) Verify(context.Context, string, string) bool { return s.result }

type fixture struct {
	prov     *Provisioner
	domains  *models.DomainStore
	configs  *models.DNSConfigStore
	provider *fakeProvider
	router   *fakeRouter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return newFixtureWithDB(t, database)
}

func newFixtureWithDB(t *testing.T, database *bolt.DB) *fixture {
	t.Helper()
	f := &fixture{
		domains:  models.NewDomainStore(database),
		configs:  models.NewDNSConfigStore(database),
		provider: newFakeProvider(),
		router:   newFakeRouter(),
	}
	if err := f.configs.Upsert(&models.DNSConfig{
		TeamID:   "t1",
		Provider: models.ProviderCloudflare,
		Config:   []byte(`{"api_token":"tok","zone_id":"z"}`),
	}); err != nil {
		t.Fatal(err)
	}

	f.prov = NewProvisioner(f.domains, f.configs, f.router, "203.0.113.7")
	f.prov.verifier = staticVerifier{result: true}
	f.prov.providerFor = func(p models.DNSProvider, _ json.RawMessage) (dns.Provider, error) {
		if p == models.ProviderCloudflare {
			return f.provider, nil
		}
		return nil, errors.New("unexpected provider")
	}
	return f
}

func caddyDomain(fqdn string) *models.Domain {
	return &models.Domain{
		StackID:       "s1",
		ContainerName: "blog-web",
		ContainerPort: 80,
		Domain:        fqdn,
		Provider:      models.ProviderCloudflare,
		Type:          models.DomainCaddy,
	}
}

func TestProvision(t *testing.T) {
	ctx := context.Background()

	t.Run("happy path", func(t *testing.T) {
		f := newFixture(t)
		d := caddyDomain("app.example.com")
		if err := f.prov.Provision(ctx, "t1", d); err != nil {
			t.Fatalf("provision: %v", err)
		}

		if d.DNSRecordID == "" {
			t.Error("record id not captured")
		}
		if target := f.provider.records[d.DNSRecordID]; target != "203.0.113.7" {
			t.Errorf("record points at %q, want public ip", target)
		}
		if f.router.routes["app.example.com"] != "blog-web:80" {
			t.Errorf("route not installed: %v", f.router.routes)
		}
		if _, err := f.domains.GetByName("app.example.com"); err != nil {
			t.Errorf("row not persisted: %v", err)
		}
	})

	t.Run("custom provider skips dns", func(t *testing.T) {
		f := newFixture(t)
		d := caddyDomain("manual.example.com")
		d.Provider = models.ProviderCustom
		if err := f.prov.Provision(ctx, "t1", d); err != nil {
			t.Fatalf("provision: %v", err)
		}
		if d.DNSRecordID != "" {
			t.Error("unexpected record id for Custom provider")
		}
		if len(f.provider.records) != 0 {
			t.Error("provider should not be called for Custom")
		}
		if f.router.routes["manual.example.com"] == "" {
			t.Error("route still expected for Custom Caddy domain")
		}
	})

	t.Run("tunnel target and no route", func(t *testing.T) {
		f := newFixture(t)
		d := caddyDomain("tun.example.com")
		d.Type = models.DomainTunnel
		d.TunnelID = "abc123"
		if err := f.prov.Provision(ctx, "t1", d); err != nil {
			t.Fatalf("provision: %v", err)
		}
		if target := f.provider.records[d.DNSRecordID]; target != "abc123.cfargotunnel.com" {
			t.Errorf("record points at %q, want tunnel hostname", target)
		}
		if len(f.router.routes) != 0 {
			t.Error("tunnel domain must not program the proxy")
		}
	})

	t.Run("step 1 failure leaves nothing", func(t *testing.T) {
		f := newFixture(t)
		f.provider.failOn = "create"
		err := f.prov.Provision(ctx, "t1", caddyDomain("app.example.com"))
		if apperr.KindOf(err) != apperr.ProviderError {
			t.Fatalf("expected ProviderError, got %v", err)
		}
		if _, err := f.domains.GetByName("app.example.com"); apperr.KindOf(err) != apperr.NotFound {
			t.Error("row persisted despite dns failure")
		}
		if len(f.router.routes) != 0 {
			t.Error("route installed despite dns failure")
		}
	})

	t.Run("step 2 failure compensates record", func(t *testing.T) {
		f := newFixture(t)
		// Occupy the FQDN so the row insert conflicts.
		if err := f.domains.Create(&models.Domain{StackID: "other", Domain: "app.example.com"}); err != nil {
			t.Fatal(err)
		}

		err := f.prov.Provision(ctx, "t1", caddyDomain("app.example.com"))
		if apperr.KindOf(err) != apperr.Conflict {
			t.Fatalf("expected Conflict, got %v", err)
		}
		if len(f.provider.records) != 0 {
			t.Error("dns record not compensated after row conflict")
		}
	})

	t.Run("step 3 failure compensates row and record", func(t *testing.T) {
		f := newFixture(t)
		f.router.failAdd = true

		err := f.prov.Provision(ctx, "t1", caddyDomain("app.example.com"))
		if apperr.KindOf(err) != apperr.ProxyError {
			t.Fatalf("expected ProxyError, got %v", err)
		}
		if _, err := f.domains.GetByName("app.example.com"); apperr.KindOf(err) != apperr.NotFound {
			t.Error("row not compensated after route failure")
		}
		if len(f.provider.records) != 0 {
			t.Error("dns record not compensated after route failure")
		}
	})

	t.Run("missing dns config", func(t *testing.T) {
		f := newFixture(t)
		d := caddyDomain("app.example.com")
		err := f.prov.Provision(ctx, "t-unknown", d)
		if apperr.KindOf(err) != apperr.NotFound {
			t.Fatalf("expected NotFound for missing config, got %v", err)
		}
	})
}

func TestRemove(t *testing.T) {
	ctx := context.Background()

	t.Run("reverse teardown", func(t *testing.T) {
		f := newFixture(t)
		d := caddyDomain("app.example.com")
		if err := f.prov.Provision(ctx, "t1", d); err != nil {
			t.Fatal(err)
		}

		if err := f.prov.Remove(ctx, "t1", "app.example.com"); err != nil {
			t.Fatalf("remove: %v", err)
		}
		if len(f.provider.records) != 0 {
			t.Error("dns record survived removal")
		}
		if len(f.router.routes) != 0 {
			t.Error("route survived removal")
		}
		if _, err := f.domains.GetByName("app.example.com"); apperr.KindOf(err) != apperr.NotFound {
			t.Error("row survived removal")
		}
	})

	t.Run("record delete failure is non-fatal", func(t *testing.T) {
		f := newFixture(t)
		d := caddyDomain("app.example.com")
		if err := f.prov.Provision(ctx, "t1", d); err != nil {
			t.Fatal(err)
		}
		f.provider.failOn = "delete"

		if err := f.prov.Remove(ctx, "t1", "app.example.com"); err != nil {
			t.Fatalf("remove should tolerate record errors: %v", err)
		}
		if _, err := f.domains.GetByName("app.example.com"); apperr.KindOf(err) != apperr.NotFound {
			t.Error("row survived removal")
		}
	})

	t.Run("unknown domain", func(t *testing.T) {
		f := newFixture(t)
		err := f.prov.Remove(ctx, "t1", "nope.example.com")
		if apperr.KindOf(err) != apperr.NotFound {
			t.Errorf("expected NotFound, got %v", err)
		}
	})
}

func TestRemoveForStack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for _, fqdn := range []string{"a.example.com", "b.example.com"} {
		if err := f.prov.Provision(ctx, "t1", caddyDomain(fqdn)); err != nil {
			t.Fatal(err)
		}
	}
	other := caddyDomain("c.example.com")
	other.StackID = "s2"
	if err := f.prov.Provision(ctx, "t1", other); err != nil {
		t.Fatal(err)
	}

	if err := f.prov.RemoveForStack(ctx, "t1", "s1"); err != nil {
		t.Fatalf("remove for stack: %v", err)
	}
	left, _ := f.domains.List()
	if len(left) != 1 || left[0].Domain != "c.example.com" {
		t.Errorf("expected only c.example.com left, got %d rows", len(left))
	}
}

func TestSyncAllRoutes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for _, fqdn := range []string{"a.example.com", "b.example.com"} {
		if err := f.prov.Provision(ctx, "t1", caddyDomain(fqdn)); err != nil {
			t.Fatal(err)
		}
	}
	tunnel := caddyDomain("t.example.com")
	tunnel.Type = models.DomainTunnel
	tunnel.TunnelID = "xyz"
	if err := f.prov.Provision(ctx, "t1", tunnel); err != nil {
		t.Fatal(err)
	}

	// Simulate a proxy restart losing its config.
	f.router.routes = map[string]string{}

	if err := f.prov.SyncAllRoutes(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(f.router.routes) != 2 {
		t.Errorf("expected 2 caddy routes, got %v", f.router.routes)
	}
	if f.router.routes["a.example.com"] != "blog-web:80" {
		t.Errorf("unexpected upstream %v", f.router.routes)
	}
}

func TestVerifyDomain(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	d := caddyDomain("app.example.com")
	if err := f.prov.Provision(ctx, "t1", d); err != nil {
		t.Fatal(err)
	}

	f.prov.verifier = staticVerifier{result: true}
	ok, err := f.prov.VerifyDomain(ctx, d.ID)
	if err != nil || !ok {
		t.Fatalf("verify: ok=%v err=%v", ok, err)
	}
	got, _ := f.domains.GetByID(d.ID)
	if !got.Verified {
		t.Error("verified flag not written")
	}

	f.prov.verifier = staticVerifier{result: false}
	ok, err = f.prov.VerifyDomain(ctx, d.ID)
	if err != nil || ok {
		t.Fatalf("verify: ok=%v err=%v", ok, err)
	}
	got, _ = f.domains.GetByID(d.ID)
	if got.Verified {
		t.Error("verified flag not cleared")
	}
}
