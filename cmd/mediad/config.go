package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/mediactl/internal/manager"
	"github.com/danmuck/mediactl/internal/media"
	"github.com/danmuck/mediactl/internal/protocol/session"
	"github.com/danmuck/mediactl/internal/server"
)

const defaultAdminAddr = "127.0.0.1:7400"

type fileConfig struct {
	Network         string   `toml:"network"`
	ListenAddr      string   `toml:"listen_addr"`
	AdminAddr       string   `toml:"admin_addr"`
	CORSOrigins     []string `toml:"cors_origins"`
	Token           string   `toml:"token"`
	Catalog         string   `toml:"catalog"`
	SessionCap      int      `toml:"session_cap"`
	MetadataCap     int      `toml:"metadata_cap"`
	MaxSlots        int      `toml:"max_slots_per_session"`
	DeliveryWorkers int      `toml:"delivery_workers"`
	PIDPollInterval string   `toml:"pid_poll_interval"`
	WriteTimeout    string   `toml:"write_timeout"`
	SecurityMode    string   `toml:"security_mode"`

	TLS session.TLSConfig `toml:"tls"`
}

type daemonConfig struct {
	Service         server.ServiceConfig
	AdminAddr       string
	CORSOrigins     []string
	CatalogPath     string
	Caps            map[media.SessionType]int
	MaxSlots        int
	DeliveryWorkers int
}

func defaultDaemonConfig() daemonConfig {
	return daemonConfig{
		Service:   server.DefaultServiceConfig(),
		AdminAddr: defaultAdminAddr,
		Caps:      manager.DefaultCaps(),
	}
}

// loadDaemonConfig reads path over the defaults. An empty path keeps the
// defaults untouched.
func loadDaemonConfig(path string) (daemonConfig, error) {
	cfg := defaultDaemonConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return daemonConfig{}, fmt.Errorf("load mediad config: %w", err)
	}

	if meta.IsDefined("network") {
		switch network := strings.TrimSpace(raw.Network); network {
		case server.NetworkUnix, server.NetworkTCP:
			cfg.Service.Network = network
		default:
			return daemonConfig{}, fmt.Errorf("parse network: unsupported %q", raw.Network)
		}
	}
	if meta.IsDefined("listen_addr") {
		cfg.Service.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = normalizeList(raw.CORSOrigins)
	}
	if meta.IsDefined("token") {
		cfg.Service.Token = strings.TrimSpace(raw.Token)
	}
	if meta.IsDefined("catalog") {
		cfg.CatalogPath = strings.TrimSpace(raw.Catalog)
	}

	if meta.IsDefined("session_cap") {
		if raw.SessionCap <= 0 {
			return daemonConfig{}, fmt.Errorf("parse session_cap: must be positive, got %d", raw.SessionCap)
		}
		for _, typ := range []media.SessionType{media.SessionPlayer, media.SessionRecorder, media.SessionCodec, media.SessionMuxer} {
			cfg.Caps[typ] = raw.SessionCap
		}
	}
	if meta.IsDefined("metadata_cap") {
		if raw.MetadataCap <= 0 {
			return daemonConfig{}, fmt.Errorf("parse metadata_cap: must be positive, got %d", raw.MetadataCap)
		}
		cfg.Caps[media.SessionMetadata] = raw.MetadataCap
	}
	if meta.IsDefined("max_slots_per_session") {
		cfg.MaxSlots = raw.MaxSlots
	}
	if meta.IsDefined("delivery_workers") {
		cfg.DeliveryWorkers = raw.DeliveryWorkers
	}

	if meta.IsDefined("pid_poll_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.PIDPollInterval))
		if err != nil {
			return daemonConfig{}, fmt.Errorf("parse pid_poll_interval: %w", err)
		}
		cfg.Service.PIDPollInterval = d
	}
	if meta.IsDefined("write_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.WriteTimeout))
		if err != nil {
			return daemonConfig{}, fmt.Errorf("parse write_timeout: %w", err)
		}
		cfg.Service.Session.WriteTimeout = d
	}

	if meta.IsDefined("security_mode") {
		cfg.Service.Session.SecurityMode = session.NormalizeSecurityMode(session.SecurityMode(strings.TrimSpace(raw.SecurityMode)))
	}
	if meta.IsDefined("tls") {
		cfg.Service.Session.TLS = raw.TLS
	}
	if err := cfg.Service.Session.ValidateServerTransport(); err != nil {
		return daemonConfig{}, fmt.Errorf("validate transport: %w", err)
	}

	return cfg, nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
