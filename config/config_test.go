package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	t.Cleanup(func() {
		os.Chdir(wd)
		viper.Reset()
	})
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	return dir
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := chdirTemp(t)
	viper.Reset()
	yaml := "node:\n  id: n1\n  listen_tcp: 127.0.0.1:9000\nnetwork:\n  name: test-net\n"
	if err := os.WriteFile(filepath.Join(dir, "memo.yaml"), []byte(yaml), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Node.ID != "n1" {
		t.Fatalf("Node.ID = %q, want n1", cfg.Node.ID)
	}
	if cfg.Network.ReplicationFactor != 3 {
		t.Fatalf("Network.ReplicationFactor = %d, want default 3", cfg.Network.ReplicationFactor)
	}
	if cfg.Timeouts.Connect <= 0 {
		t.Fatalf("Timeouts.Connect default was not applied")
	}
}

func TestLoadMergesEnvOverlay(t *testing.T) {
	dir := chdirTemp(t)
	viper.Reset()
	base := "node:\n  id: n1\nnetwork:\n  replication_factor: 3\n"
	override := "network:\n  replication_factor: 5\n"
	if err := os.WriteFile(filepath.Join(dir, "memo.yaml"), []byte(base), 0o600); err != nil {
		t.Fatalf("WriteFile base: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "memo.prod.yaml"), []byte(override), 0o600); err != nil {
		t.Fatalf("WriteFile override: %v", err)
	}

	cfg, err := Load("prod")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Network.ReplicationFactor != 5 {
		t.Fatalf("Network.ReplicationFactor = %d, want overridden 5", cfg.Network.ReplicationFactor)
	}
	if cfg.Node.ID != "n1" {
		t.Fatalf("Node.ID = %q, want base value n1 to survive the merge", cfg.Node.ID)
	}
}

func TestLoadMissingConfigFileFails(t *testing.T) {
	chdirTemp(t)
	viper.Reset()
	if _, err := Load(""); err == nil {
		t.Fatalf("Load with no memo.yaml present should fail")
	}
}
