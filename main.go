package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labuh/labuh/internal/automation"
	"github.com/labuh/labuh/internal/config"
	"github.com/labuh/labuh/internal/db"
	"github.com/labuh/labuh/internal/domain"
	"github.com/labuh/labuh/internal/handlers"
	"github.com/labuh/labuh/internal/models"
	"github.com/labuh/labuh/internal/proxy"
	"github.com/labuh/labuh/internal/runtime"
	"github.com/labuh/labuh/internal/stack"
	"github.com/labuh/labuh/internal/templates"
	"github.com/labuh/labuh/internal/terminal"
)

// version is set at build time via -ldflags="-X main.version=..."
var version = "0.3.0"

func main() {
	// Quick healthcheck mode — used by Docker HEALTHCHECK from scratch image.
	// The binary starts in ~10ms, hits /healthz, and exits immediately.
	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		port := "8080"
		if v := os.Getenv("LABUH_PORT"); v != "" {
			port = v
		}
		resp, err := http.Get("http://127.0.0.1:" + port + "/healthz")
		if err != nil || resp.StatusCode != 200 {
			os.Exit(1)
		}
		os.Exit(0)
	}

	cfg := config.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	})))

	slog.Info("starting labuh",
		"version", version,
		"port", cfg.Port,
		"dataDir", cfg.DataDir,
		"network", cfg.NetworkName,
		"publicIP", cfg.PublicIP,
		"logLevel", cfg.LogLevel,
		"noAuth", cfg.NoAuth,
	)

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		slog.Error("database", "err", err)
		os.Exit(1)
	}
	defer database.Close()

	// Models
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
	templateStore := models.NewTemplateStore(database)

	// JWT secret (auto-generated on first run)
	jwtSecret, err := settings.EnsureJWTSecret()
	if err != nil {
		slog.Error("jwt secret", "err", err)
		os.Exit(1)
	}

	userCount, err := users.Count()
	if err != nil {
		slog.Error("user count", "err", err)
		os.Exit(1)
	}

	// Container runtime — connects to whatever DOCKER_HOST points to.
	rt, err := runtime.NewDockerPort()
	if err != nil {
		slog.Error("container runtime", "err", err)
		os.Exit(1)
	}
	defer rt.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Reverse proxy: make sure the managed Caddy container is up, then
	// reinstall a route for every known domain. A stale proxy config after a
	// Caddy restart heals here.
	if err := proxy.Bootstrap(ctx, rt, cfg.NetworkName, cfg.DataDir); err != nil {
		slog.Error("proxy bootstrap", "err", err)
		os.Exit(1)
	}
	router := proxy.NewClient(cfg.ProxyAdmin)
	provisioner := domain.NewProvisioner(domains, dnsConfigs, router, cfg.PublicIP)
	if err := provisioner.SyncAllRoutes(ctx); err != nil {
		slog.Warn("route sync", "err", err)
	}

	engine := stack.NewEngine(stacks, envs, resources, registries, rt, cfg.NetworkName)
	terms := terminal.NewManager()

	// Template library
	if cfg.TemplatesDir != "" {
		templates.Seed(cfg.TemplatesDir, templateStore)
		if err := templates.Watch(ctx, cfg.TemplatesDir, templateStore); err != nil {
			slog.Warn("template watcher failed to start", "err", err)
		}
	}

	// Background loops: cron redeploys and resource metric sweeps.
	scheduler := automation.NewScheduler(stacks, deployLogs, engine)
	collector := automation.NewCollector(stacks, metrics, rt)
	go scheduler.Start(ctx)
	go collector.Start(ctx)
	defer scheduler.Stop()
	defer collector.Stop()

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
		Templates:   templateStore,
		Engine:      engine,
		Provisioner: provisioner,
		Runtime:     rt,
		Terms:       terms,
		JWTSecret:   jwtSecret,
		NoAuth:      cfg.NoAuth,
		NeedSetup:   userCount == 0,
	}
	if cfg.NoAuth {
		slog.Warn("authentication disabled (--no-auth)")
	}

	mux := http.NewServeMux()
	mux.Handle("/api/", app.Router())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
}
