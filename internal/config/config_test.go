package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func clearWatcherEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "WATCHER_") {
			key := strings.SplitN(kv, "=", 2)[0]
			os.Unsetenv(key)
			t.Cleanup(func() { os.Unsetenv(key) })
		}
	}
}

func TestLoadDefaultsWithNoHomes(t *testing.T) {
	clearWatcherEnv(t)
	s, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if s.IntervalSeconds != 15 {
		t.Errorf("interval = %d, want default 15", s.IntervalSeconds)
	}
	if len(s.Homes) != 0 {
		t.Errorf("expected no homes, got %d", len(s.Homes))
	}
}

func TestLoadParsesHomesFromCSV(t *testing.T) {
	clearWatcherEnv(t)
	os.Setenv("WATCHER_HOMES", "moonbeam, ethereum")
	os.Setenv("WATCHER_HOME_MOONBEAM_RPC_URL", "https://moonbeam.example")
	os.Setenv("WATCHER_HOME_MOONBEAM_DOMAIN", "1000")
	os.Setenv("WATCHER_HOME_ETHEREUM_RPC_URL", "https://ethereum.example")
	os.Setenv("WATCHER_HOME_ETHEREUM_PLATFORM", "evm")
	t.Cleanup(clearWatcherEnvNow)

	s, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(s.Homes) != 2 {
		t.Fatalf("got %d homes, want 2", len(s.Homes))
	}
	moonbeam, ok := s.Homes["moonbeam"]
	if !ok {
		t.Fatal("missing moonbeam home")
	}
	if moonbeam.RPCURL != "https://moonbeam.example" || moonbeam.Domain != 1000 {
		t.Errorf("moonbeam settings = %+v", moonbeam)
	}
	if moonbeam.Platform != "evm" {
		t.Errorf("platform default = %q, want evm", moonbeam.Platform)
	}
}

func clearWatcherEnvNow() {
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "WATCHER_") {
			os.Unsetenv(strings.SplitN(kv, "=", 2)[0])
		}
	}
}

func TestValidateRequiresSignerAndHomes(t *testing.T) {
	s := &Settings{}
	err := s.Validate()
	if err == nil {
		t.Fatal("expected validation error for empty settings")
	}
	if !strings.Contains(err.Error(), "WATCHER_SIGNER_KEY_REF") {
		t.Errorf("error missing signer complaint: %v", err)
	}
	if !strings.Contains(err.Error(), "WATCHER_HOMES") {
		t.Errorf("error missing homes complaint: %v", err)
	}
}

func TestValidateRejectsUnknownPlatform(t *testing.T) {
	s := &Settings{
		SignerKeyRef: "ref",
		Homes: map[string]ChainSettings{
			"moonbeam": {RPCURL: "https://x", Platform: "solana"},
		},
	}
	err := s.Validate()
	if err == nil || !strings.Contains(err.Error(), "unknown platform") {
		t.Errorf("got %v, want unknown platform error", err)
	}
}

func TestValidateRejectsManagerWithoutChain(t *testing.T) {
	s := &Settings{
		SignerKeyRef: "ref",
		Homes: map[string]ChainSettings{
			"moonbeam": {RPCURL: "https://x", Platform: "evm"},
		},
		Managers: map[string]ManagerSettings{
			"ethereum": {},
		},
	}
	err := s.Validate()
	if err == nil || !strings.Contains(err.Error(), "chain reference is required") {
		t.Errorf("got %v, want missing chain reference error", err)
	}
}

func TestValidateAccepts(t *testing.T) {
	s := &Settings{
		SignerKeyRef: "ref",
		Homes: map[string]ChainSettings{
			"moonbeam": {RPCURL: "https://x", Platform: "evm"},
		},
		Managers: map[string]ManagerSettings{
			"ethereum": {Chain: "moonbeam"},
		},
	}
	if err := s.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoadManagersFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "managers.yaml")
	content := `
ethereum:
  address: "0x1234"
  domain: 1
  chain: moonbeam
  finality: 20
  page_settings:
    page_size: 100
    from: 0
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	managers, err := LoadManagersFile(path)
	if err != nil {
		t.Fatal(err)
	}
	m, ok := managers["ethereum"]
	if !ok {
		t.Fatal("missing ethereum manager")
	}
	if m.Name != "ethereum" || m.Chain != "moonbeam" || m.Domain != 1 || m.PageSettings.PageSize != 100 {
		t.Errorf("got %+v", m)
	}
}
