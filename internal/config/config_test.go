package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
}

func TestLoadForcesBuildVersion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.json")
	writeConfig(t, path, `{"client_secret":"s3cr3t","client_port":443,"build_version":1}`)

	store, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	snap := store.Snapshot()
	if snap.BuildVersion != buildVersion {
		t.Fatalf("expected build_version forced to %d, got %d", buildVersion, snap.BuildVersion)
	}
	if snap.ClientSecret != "s3cr3t" {
		t.Fatalf("unexpected secret: %q", snap.ClientSecret)
	}
}

func TestReloadSwapsSnapshotAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.json")
	writeConfig(t, path, `{"client_port":1}`)

	store, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	writeConfig(t, path, `{"client_port":2}`)
	if err := store.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if got := store.Snapshot().ClientPort; got != 2 {
		t.Fatalf("expected reloaded port 2, got %d", got)
	}
}

func TestWatchReloadsOnFileChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.json")
	writeConfig(t, path, `{"client_port":1}`)

	store, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := store.Watch(); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer store.Close()

	writeConfig(t, path, `{"client_port":9}`)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if store.Snapshot().ClientPort == 9 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected watcher to pick up change to client_port=9, got %d", store.Snapshot().ClientPort)
}
