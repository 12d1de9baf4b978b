package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("VMS_AUTH_SECRET", "s3cret")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" || cfg.NotifyTimeout != 2*time.Second || cfg.AccessTTL != 15*time.Minute {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.LoginBurst != 8 || cfg.LoginWindow != 15*time.Minute {
		t.Fatalf("unexpected login limiter defaults: %d %v", cfg.LoginBurst, cfg.LoginWindow)
	}
	if cfg.BootstrapSuperAdmin() {
		t.Fatal("superadmin bootstrap enabled without credentials")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("VMS_AUTH_SECRET", "s3cret")
	t.Setenv("VMS_NOTIFY_TIMEOUT", "500ms")
	t.Setenv("VMS_CORS_ORIGINS", "http://localhost:3000,https://vms.example.com")
	t.Setenv("VMS_SUPERADMIN_SERVICE_NUMBER", "ROOT")
	t.Setenv("VMS_SUPERADMIN_PASSWORD", "pw")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.NotifyTimeout != 500*time.Millisecond {
		t.Fatalf("unexpected timeout %v", cfg.NotifyTimeout)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://vms.example.com" {
		t.Fatalf("unexpected origins %v", cfg.CORSOrigins)
	}
	if !cfg.BootstrapSuperAdmin() {
		t.Fatal("superadmin bootstrap disabled")
	}
}

func TestValidate(t *testing.T) {
	cfg := Config{RateBurst: 1, RatePerSec: 1, LoginBurst: 1, LoginWindow: time.Minute, SuperAdminServiceNumber: "ROOT"}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"VMS_AUTH_SECRET", "VMS_SUPERADMIN_PASSWORD"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %s", err, want)
		}
	}
}
