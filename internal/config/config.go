package config

import (
	"flag"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Port         int
	DataDir      string
	TemplatesDir string // directory of YAML template manifests seeded at startup
	ProxyAdmin   string // base URL of the Caddy admin API
	PublicIP     string // DNS target for Caddy-type domains
	NetworkName  string // shared overlay network all managed containers join
	LogLevel     slog.Level
	NoAuth       bool // Skip authentication (all endpoints open)
}

func Parse() *Config {
	cfg := &Config{}

	var logLevel string
	flag.IntVar(&cfg.Port, "port", 8080, "HTTP server port")
	flag.StringVar(&cfg.DataDir, "data-dir", "./data", "Path to data directory (BoltDB)")
	flag.StringVar(&cfg.TemplatesDir, "templates-dir", "", "Path to template manifests directory")
	flag.StringVar(&cfg.ProxyAdmin, "proxy-admin", "http://localhost:2019", "Caddy admin API base URL")
	flag.StringVar(&cfg.PublicIP, "public-ip", "", "Public IP used as DNS target for proxied domains")
	flag.StringVar(&cfg.NetworkName, "network", "labuh-network", "Shared container network name")
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.BoolVar(&cfg.NoAuth, "no-auth", false, "Disable authentication (all endpoints open)")
	flag.Parse()

	// Env vars override flags (if set)
	if v := os.Getenv("LABUH_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
		}
	}
	if v := os.Getenv("LABUH_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("LABUH_TEMPLATES_DIR"); v != "" {
		cfg.TemplatesDir = v
	}
	if v := os.Getenv("LABUH_PROXY_ADMIN"); v != "" {
		cfg.ProxyAdmin = v
	}
	if v := os.Getenv("LABUH_PUBLIC_IP"); v != "" {
		cfg.PublicIP = v
	}
	if v := os.Getenv("LABUH_NETWORK"); v != "" {
		cfg.NetworkName = v
	}
	if v := os.Getenv("LABUH_LOG_LEVEL"); v != "" {
		logLevel = v
	}
	if v := os.Getenv("LABUH_NO_AUTH"); v == "1" || v == "true" {
		cfg.NoAuth = true
	}

	if cfg.PublicIP == "" {
		cfg.PublicIP = "127.0.0.1"
	}

	cfg.LogLevel = parseLogLevel(logLevel)

	return cfg
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
