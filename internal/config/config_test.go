package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sample = `
venues:
  evm:
    network: base
    rpc:
      url: https://rpc.example
      ws_url: wss://rpc.example
    contract: "0x5FbDB2315678afecb367f032d93F642f64180aa3"
    operator_key: ${TEST_EVM_OPERATOR_KEY}
  permissioned:
    connection_profile: connection.yaml
    channel: bullion
    chaincode: redemption
watcher:
  timeout: 2m
  interval: 3s
keyring: keys.yaml
history:
  cache_ttl: 1m
`

func TestLoad(t *testing.T) {
	t.Setenv("TEST_EVM_OPERATOR_KEY", "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")

	path := filepath.Join(t.TempDir(), "redeem.yaml")
	if err := os.WriteFile(path, []byte(sample), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	evm := cfg.Venues.EVM
	if evm == nil {
		t.Fatal("evm venue not configured")
	}
	if evm.ChainID != 8453 {
		t.Errorf("ChainID = %d, want 8453", evm.ChainID)
	}
	if evm.OperatorKey == "" || evm.RPC.URL != "https://rpc.example" {
		t.Errorf("evm config not decoded: %+v", evm.Config)
	}
	if evm.FinalityDepth != 12 {
		t.Errorf("FinalityDepth = %d, want default 12", evm.FinalityDepth)
	}
	if cfg.Venues.Solana != nil {
		t.Error("solana should be unconfigured")
	}
	if cfg.Venues.Permissioned.Decimals != 6 {
		t.Errorf("permissioned decimals = %d, want 6", cfg.Venues.Permissioned.Decimals)
	}
	if cfg.Watcher.Timeout != 2*time.Minute || cfg.Watcher.Interval != 3*time.Second {
		t.Errorf("watcher = %+v", cfg.Watcher)
	}
	if cfg.History.CacheTTL != time.Minute || !cfg.History.CacheEnabled {
		t.Errorf("history = %+v", cfg.History)
	}
	if cfg.Notifications.Topic != "redemption-events" {
		t.Errorf("topic = %s", cfg.Notifications.Topic)
	}
}

func TestDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Watcher.Timeout != 5*time.Minute {
		t.Errorf("default timeout = %s, want 5m", cfg.Watcher.Timeout)
	}
	if len(cfg.WatcherOptions()) != 2 {
		t.Error("expected watcher options")
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"evm without contract", "venues:\n  evm:\n    rpc:\n      url: http://x\n    operator_key: ab\n"},
		{"permissioned without channel", "venues:\n  permissioned:\n    connection_profile: c.yaml\n    chaincode: r\n"},
		{"interval above timeout", "watcher:\n  timeout: 1s\n  interval: 5s\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.yaml)); err == nil {
				t.Error("expected error")
			}
		})
	}
}
