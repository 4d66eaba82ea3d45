package cli

import (
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/mistakeknot/intermail/internal/names"
)

type testKeysFile struct {
	DefaultPolicy struct {
		AllowLocalhostWithoutAuth bool `yaml:"allow_localhost_without_auth"`
	} `yaml:"default_policy"`
	Projects map[string]struct {
		Keys []string `yaml:"keys"`
	} `yaml:"projects"`
}

func readKeys(t *testing.T, path string) testKeysFile {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read keys file: %v", err)
	}
	var cfg testKeysFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("parse yaml: %v", err)
	}
	return cfg
}

func TestInitKeysFileCreatesProjectKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.yaml")
	res, err := InitKeysFile(path, "autarch")
	if err != nil {
		t.Fatalf("init failed: %v", err)
	}
	if res.Key == "" || !res.Created {
		t.Fatalf("expected a new key in a new file, got %+v", res)
	}
	cfg := readKeys(t, path)
	if !cfg.DefaultPolicy.AllowLocalhostWithoutAuth {
		t.Fatalf("expected localhost bypass to default on")
	}
	keys := cfg.Projects["autarch"].Keys
	if len(keys) != 1 || keys[0] != res.Key {
		t.Fatalf("expected autarch key %q, got %+v", res.Key, keys)
	}
}

func TestInitKeysFileBindsPathBySlug(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.yaml")
	res, err := InitKeysFile(path, "/home/dev/repo")
	if err != nil {
		t.Fatalf("init failed: %v", err)
	}
	want := names.ProjectSlug("/home/dev/repo", 0)
	if res.Project != want {
		t.Fatalf("expected slug %q, got %q", want, res.Project)
	}
	if keys := readKeys(t, path).Projects[want].Keys; len(keys) != 1 {
		t.Fatalf("expected one key under %q, got %+v", want, keys)
	}
}

func TestInitKeysFileValidation(t *testing.T) {
	if _, err := InitKeysFile(" ", "p"); err == nil {
		t.Fatalf("expected error for blank path")
	}
	if _, err := InitKeysFile(filepath.Join(t.TempDir(), "k.yaml"), ""); err == nil {
		t.Fatalf("expected error for blank project")
	}
}

func TestInitKeysFileIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.yaml")
	first, err := InitKeysFile(path, "autarch")
	if err != nil {
		t.Fatalf("init failed: %v", err)
	}
	again, err := InitKeysFile(path, "autarch")
	if err != nil {
		t.Fatalf("second init failed: %v", err)
	}
	if again.Created || again.Key != first.Key {
		t.Fatalf("expected existing key %q, got %+v", first.Key, again)
	}
	if keys := readKeys(t, path).Projects["autarch"].Keys; len(keys) != 1 {
		t.Fatalf("rerun appended keys: %+v", keys)
	}
}
