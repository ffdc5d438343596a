package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Store.Backend != "memory" {
		t.Errorf("Backend = %q", cfg.Store.Backend)
	}
	if cfg.Pool.IdleTTL.Std() != 60*time.Second {
		t.Errorf("IdleTTL = %v", cfg.Pool.IdleTTL)
	}
	if cfg.Deploy.MaxModuleBytes != 30<<20 {
		t.Errorf("MaxModuleBytes = %d", cfg.Deploy.MaxModuleBytes)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "faasta.yaml")
	raw := `
server:
  listen_addr: ":9999"
  base_domain: faasta.dev
store:
  backend: postgres
  dsn: postgres://localhost/faasta
pool:
  idle_ttl: 30s
  max_contexts: 16
deploy:
  tokens:
    secret-token: alice
`
	if err := os.WriteFile(path, []byte(raw), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.Server.ListenAddr != ":9999" {
		t.Errorf("ListenAddr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.BaseDomain != "faasta.dev" {
		t.Errorf("BaseDomain = %q", cfg.Server.BaseDomain)
	}
	if cfg.Store.Backend != "postgres" {
		t.Errorf("Backend = %q", cfg.Store.Backend)
	}
	if cfg.Pool.IdleTTL.Std() != 30*time.Second {
		t.Errorf("IdleTTL = %v", cfg.Pool.IdleTTL)
	}
	if cfg.Pool.MaxContexts != 16 {
		t.Errorf("MaxContexts = %d", cfg.Pool.MaxContexts)
	}
	// Unset fields keep defaults.
	if cfg.Server.OpsAddr != ":9090" {
		t.Errorf("OpsAddr = %q", cfg.Server.OpsAddr)
	}
	if cfg.Deploy.Tokens["secret-token"] != "alice" {
		t.Errorf("Tokens = %v", cfg.Deploy.Tokens)
	}
}

func TestLoadFromFileRejectsBadDuration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "faasta.yaml")
	os.WriteFile(path, []byte("pool:\n  idle_ttl: quickly\n"), 0644)

	if _, err := LoadFromFile(path); err == nil {
		t.Fatal("expected error for malformed duration")
	}
}

func TestLoadFromFileMissing(t *testing.T) {
	if _, err := LoadFromFile("/nonexistent/faasta.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("FAASTA_LISTEN_ADDR", ":7070")
	t.Setenv("FAASTA_BASE_DOMAIN", "fn.example.com")
	t.Setenv("FAASTA_REDIS_ADDR", "redis:6379")
	t.Setenv("FAASTA_REDIS_DB", "3")

	cfg := Default()
	LoadFromEnv(cfg)

	if cfg.Server.ListenAddr != ":7070" {
		t.Errorf("ListenAddr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.BaseDomain != "fn.example.com" {
		t.Errorf("BaseDomain = %q", cfg.Server.BaseDomain)
	}
	if cfg.Redis.Addr != "redis:6379" {
		t.Errorf("Redis.Addr = %q", cfg.Redis.Addr)
	}
	if cfg.Redis.DB != 3 {
		t.Errorf("Redis.DB = %d", cfg.Redis.DB)
	}
}
