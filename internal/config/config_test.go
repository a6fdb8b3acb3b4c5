package config

import (
	"flag"
	"os"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(flag.NewFlagSet("test", flag.ContinueOnError), nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.StoragePath != "/var/lib/vman" {
		t.Errorf("StoragePath = %q, want default", cfg.StoragePath)
	}
	if cfg.BridgeName != "br-vman" {
		t.Errorf("BridgeName = %q, want br-vman", cfg.BridgeName)
	}
	if cfg.ObserverInterval != 5.0 {
		t.Errorf("ObserverInterval = %v, want 5.0", cfg.ObserverInterval)
	}
	if len(cfg.DNS) != 2 {
		t.Errorf("DNS = %v, want 2 defaults", cfg.DNS)
	}
}

func TestLoadObserverIntervalIsCapped(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err := Load(fs, []string{"-observer-interval=30"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ObserverInterval != 5.0 {
		t.Errorf("ObserverInterval = %v, want capped to 5.0", cfg.ObserverInterval)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	os.Setenv("VMAN_BRIDGE_NAME", "br-custom")
	defer os.Unsetenv("VMAN_BRIDGE_NAME")

	cfg, err := Load(flag.NewFlagSet("test", flag.ContinueOnError), nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BridgeName != "br-custom" {
		t.Errorf("BridgeName = %q, want br-custom from env", cfg.BridgeName)
	}
}

func TestLoadDryRunFromEnv(t *testing.T) {
	os.Setenv("VMAN_OPERATOR_DRY_RUN", "1")
	defer os.Unsetenv("VMAN_OPERATOR_DRY_RUN")

	cfg, err := Load(flag.NewFlagSet("test", flag.ContinueOnError), nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.DryRun {
		t.Error("DryRun = false, want true when VMAN_OPERATOR_DRY_RUN=1")
	}
}
