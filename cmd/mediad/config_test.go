package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/mediactl/internal/config"
	"github.com/danmuck/mediactl/internal/manager"
	"github.com/danmuck/mediactl/internal/media"
	"github.com/danmuck/mediactl/internal/rpc"
	"github.com/danmuck/mediactl/internal/server"
	"github.com/danmuck/mediactl/internal/testutil/testlog"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDaemonConfigTemplate(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "mediad.toml")
	if err := config.WriteTemplate(path, "mediad", false); err != nil {
		t.Fatalf("write template: %v", err)
	}

	cfg, err := loadDaemonConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Service.Network != server.NetworkUnix || cfg.Service.ListenAddr != "/tmp/mediad.sock" {
		t.Fatalf("unexpected listener: %s %s", cfg.Service.Network, cfg.Service.ListenAddr)
	}
	if cfg.AdminAddr != "127.0.0.1:7400" {
		t.Fatalf("unexpected admin addr: %q", cfg.AdminAddr)
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "http://localhost:3000" {
		t.Fatalf("unexpected cors origins: %+v", cfg.CORSOrigins)
	}
	if cfg.CatalogPath != "cmd/mediad/catalog.toml" {
		t.Fatalf("unexpected catalog: %q", cfg.CatalogPath)
	}
	if cfg.Caps[media.SessionCodec] != 16 || cfg.Caps[media.SessionMetadata] != 32 {
		t.Fatalf("unexpected caps: %+v", cfg.Caps)
	}
	if cfg.MaxSlots != 32 || cfg.DeliveryWorkers != 4 {
		t.Fatalf("unexpected slots/workers: %d %d", cfg.MaxSlots, cfg.DeliveryWorkers)
	}
	if cfg.Service.PIDPollInterval != 500*time.Millisecond {
		t.Fatalf("unexpected pid poll: %v", cfg.Service.PIDPollInterval)
	}
	if cfg.Service.Session.WriteTimeout != 10*time.Second {
		t.Fatalf("unexpected write timeout: %v", cfg.Service.Session.WriteTimeout)
	}
}

func TestLoadDaemonConfigEmptyPathKeepsDefaults(t *testing.T) {
	testlog.Start(t)
	cfg, err := loadDaemonConfig("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Service.PIDPollInterval != rpc.DefaultPIDInterval {
		t.Fatalf("unexpected pid poll: %v", cfg.Service.PIDPollInterval)
	}
	if cfg.Caps[media.SessionPlayer] != manager.DefaultSessionCap {
		t.Fatalf("unexpected player cap: %d", cfg.Caps[media.SessionPlayer])
	}
}

func TestLoadDaemonConfigOverrides(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
network = "tcp"
listen_addr = "127.0.0.1:7401"
session_cap = 2
token = " secret "
`)
	cfg, err := loadDaemonConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Service.Network != server.NetworkTCP || cfg.Service.ListenAddr != "127.0.0.1:7401" {
		t.Fatalf("unexpected listener: %s %s", cfg.Service.Network, cfg.Service.ListenAddr)
	}
	if cfg.Service.Token != "secret" {
		t.Fatalf("unexpected token: %q", cfg.Service.Token)
	}
	if cfg.Caps[media.SessionRecorder] != 2 || cfg.Caps[media.SessionMuxer] != 2 || cfg.Caps[media.SessionMetadata] != manager.DefaultMetadataCap {
		t.Fatalf("unexpected caps: %+v", cfg.Caps)
	}
	if cfg.AdminAddr != defaultAdminAddr {
		t.Fatalf("unexpected admin addr: %q", cfg.AdminAddr)
	}
}

func TestLoadDaemonConfigRejectsBadValues(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"duration":      `pid_poll_interval = "soon"`,
		"network":       `network = "udp"`,
		"cap":           `session_cap = 0`,
		"production":    `security_mode = "production"`,
		"security mode": `security_mode = "lax"`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := loadDaemonConfig(writeConfig(t, content)); err == nil {
				t.Fatalf("expected error for %s", content)
			}
		})
	}
}
