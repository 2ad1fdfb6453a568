package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate(DefaultConfig()) = %v, want nil", err)
	}
}

func TestLoadFallsBackToDefaultWhenNoFileFound(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(wd)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") = %v", err)
	}
	if cfg.Port != DefaultConfig().Port {
		t.Fatalf("Load(\"\") port = %d, want default %d", cfg.Port, DefaultConfig().Port)
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg := DefaultConfig()
	cfg.Port = 9999
	cfg.EthRecvSize = 32

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Port != 9999 || loaded.EthRecvSize != 32 {
		t.Fatalf("round-tripped config = %+v, want Port=9999 EthRecvSize=32", loaded)
	}
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Port = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("Validate() with Port=0 = nil, want error")
	}
}
