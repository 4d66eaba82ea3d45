package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	if errs := Default().Validate(); len(errs) != 0 {
		t.Fatalf("default config invalid: %v", errs)
	}
}

func TestLoadDefaults(t *testing.T) {
	v, err := NewViper("")
	if err != nil {
		t.Fatalf("new viper: %v", err)
	}
	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:8765" {
		t.Fatalf("unexpected addr %q", cfg.Server.Addr)
	}
	if cfg.Retention.Days != 30 || cfg.Retention.Interval != time.Hour {
		t.Fatalf("unexpected retention %+v", cfg.Retention)
	}
	if cfg.Messages.AckPolicy != "overwrite" {
		t.Fatalf("unexpected ack policy %q", cfg.Messages.AckPolicy)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("INTERMAIL_STORE_PATH", "/tmp/other.db")
	t.Setenv("INTERMAIL_RETENTION_DAYS", "7")
	t.Setenv("INTERMAIL_RESERVATIONS_DEFAULT_TTL", "15m")
	t.Setenv("INTERMAIL_MESSAGES_ACK_POLICY", "write_once")

	v, err := NewViper("")
	if err != nil {
		t.Fatalf("new viper: %v", err)
	}
	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.Path != "/tmp/other.db" {
		t.Errorf("store.path = %q", cfg.Store.Path)
	}
	if cfg.Retention.Days != 7 {
		t.Errorf("retention.days = %d", cfg.Retention.Days)
	}
	if cfg.Reservations.DefaultTTL != 15*time.Minute {
		t.Errorf("reservations.default_ttl = %v", cfg.Reservations.DefaultTTL)
	}
	if cfg.Messages.AckPolicy != "write_once" {
		t.Errorf("messages.ack_policy = %q", cfg.Messages.AckPolicy)
	}
}

func TestConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "intermail.yaml")
	body := "server:\n  addr: 127.0.0.1:9999\nlogging:\n  format: json\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	v, err := NewViper(path)
	if err != nil {
		t.Fatalf("new viper: %v", err)
	}
	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:9999" || cfg.Logging.Format != "json" {
		t.Fatalf("file values not applied: %+v %+v", cfg.Server, cfg.Logging)
	}
	// untouched keys keep defaults
	if cfg.Store.Path != "intermail.db" {
		t.Fatalf("store.path = %q", cfg.Store.Path)
	}
}

func TestMissingConfigFile(t *testing.T) {
	if _, err := NewViper(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for explicit missing config file")
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Messages.AckPolicy = "sometimes"
	cfg.Logging.Level = "loud"
	cfg.Retention.Interval = 0
	cfg.Server.Addr = "nope"
	cfg.Retention.Days = 200000

	errs := cfg.Validate()
	fields := make(map[string]bool)
	for _, e := range errs {
		fields[e.Field] = true
	}
	for _, want := range []string{"messages.ack_policy", "logging.level", "retention.interval", "retention.days", "server.addr"} {
		if !fields[want] {
			t.Errorf("expected validation error for %s, got %v", want, errs)
		}
	}
	if !strings.Contains(errs.Error(), "5 validation errors") {
		t.Errorf("unexpected message: %s", errs.Error())
	}
}

func TestValidationErrorsError(t *testing.T) {
	var none ValidationErrors
	if none.Error() != "" {
		t.Fatalf("empty errors should render empty, got %q", none.Error())
	}
	one := ValidationErrors{{Field: "store.path", Value: "", Message: "must not be empty"}}
	if got := one.Error(); got != "store.path: must not be empty (got: )" {
		t.Fatalf("unexpected single error text %q", got)
	}
}
