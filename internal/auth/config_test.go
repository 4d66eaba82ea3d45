package auth

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAddKeyCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.yaml")

	key, created, err := AddKey(path, "repo-1a2b3c4d")
	if err != nil {
		t.Fatalf("add key: %v", err)
	}
	if !created {
		t.Fatalf("expected created=true for a new file")
	}
	if !strings.HasPrefix(key, "im_") || len(key) != len("im_")+32 {
		t.Fatalf("unexpected key shape %q", key)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("keys file not created: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600, got %v", info.Mode().Perm())
	}

	ring, err := LoadKeyring(path)
	if err != nil {
		t.Fatalf("load keyring: %v", err)
	}
	if !ring.AllowLocalhostWithoutAuth {
		t.Fatalf("expected localhost bypass on by default")
	}
	proj, ok := ring.ProjectForKey(key)
	if !ok || proj != "repo-1a2b3c4d" {
		t.Fatalf("expected key to map to repo-1a2b3c4d, got %s ok=%v", proj, ok)
	}
}

func TestAddKeyReusesProjectKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.yaml")
	first, created, err := AddKey(path, "alpha")
	if err != nil || !created {
		t.Fatalf("first key: %q created=%v err=%v", first, created, err)
	}
	again, created, err := AddKey(path, "alpha")
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if created || again != first {
		t.Fatalf("expected the existing key %q back, got %q created=%v", first, again, created)
	}

	beta, created, err := AddKey(path, "beta")
	if err != nil {
		t.Fatalf("beta key: %v", err)
	}
	if !created || beta == first {
		t.Fatalf("a new project in an existing file needs its own key, got %q created=%v", beta, created)
	}
	ring, err := LoadKeyring(path)
	if err != nil {
		t.Fatalf("load keyring: %v", err)
	}
	if ring.Len() != 2 {
		t.Fatalf("expected 2 keys, got %d", ring.Len())
	}
}

func TestLoadKeyringMissingFile(t *testing.T) {
	ring, err := LoadKeyring(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load keyring: %v", err)
	}
	if !ring.AllowLocalhostWithoutAuth || ring.Len() != 0 {
		t.Fatalf("expected empty localhost keyring, got %+v", ring)
	}
}

func TestLoadKeyringRejectsReusedKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.yaml")
	data := "projects:\n  a:\n    keys: [shared]\n  b:\n    keys: [shared]\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadKeyring(path); err == nil {
		t.Fatalf("expected error for key reused across projects")
	}
}

func TestLoadKeyringPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.yaml")
	data := "default_policy:\n  allow_localhost_without_auth: false\nprojects:\n  a:\n    keys: [\" k1 \", \"\"]\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	ring, err := LoadKeyring(path)
	if err != nil {
		t.Fatalf("load keyring: %v", err)
	}
	if ring.AllowLocalhostWithoutAuth {
		t.Fatalf("expected localhost bypass disabled")
	}
	if p, ok := ring.ProjectForKey("k1"); !ok || p != "a" {
		t.Fatalf("expected trimmed key k1 -> a, got %q %v", p, ok)
	}
	if ring.Len() != 1 {
		t.Fatalf("blank keys should be skipped, got %d", ring.Len())
	}
}
