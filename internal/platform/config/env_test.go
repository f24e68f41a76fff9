package config

import "testing"

type envTestConfig struct {
	Addr    string `env:"GRIDFORGE_TEST_ADDR" envDefault:":9000"`
	Enabled bool   `env:"GRIDFORGE_TEST_ENABLED" envDefault:"true"`
}

func TestParseEnvDefaults(t *testing.T) {
	var cfg envTestConfig
	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Addr != ":9000" {
		t.Fatalf("addr = %q, want %q", cfg.Addr, ":9000")
	}
	if !cfg.Enabled {
		t.Fatal("expected enabled default")
	}
}

func TestParseEnvOverrides(t *testing.T) {
	t.Setenv("GRIDFORGE_TEST_ADDR", ":7777")
	t.Setenv("GRIDFORGE_TEST_ENABLED", "false")

	var cfg envTestConfig
	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Addr != ":7777" {
		t.Fatalf("addr = %q, want %q", cfg.Addr, ":7777")
	}
	if cfg.Enabled {
		t.Fatal("expected enabled override to false")
	}
}
