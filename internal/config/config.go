// Package config loads the watcher's typed configuration surface from
// environment variables, plus a YAML-encoded managers file for the
// per-replica ConnectionManager settings. It is a thin, testable ambient
// component: exercised by the supervisor, not part of the fraud-detection
// core.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nomad-xyz/watcher/internal/nomaderr"
)

// ConnectionType is the chain driver's RPC transport kind.
type ConnectionType string

const (
	ConnectionHTTP ConnectionType = "Http"
	ConnectionWS   ConnectionType = "Ws"
)

// ChainSettings configures one Home this watcher indexes.
type ChainSettings struct {
	Name           string
	Domain         uint32
	Platform       string // "evm" or "substrate"
	RPCURL         string
	ConnectionType ConnectionType
	FinalityLag    uint64
	IndexPageSize  uint64
	DeployHeight   uint64
	ContractAddr   string
}

// PageSettings mirrors the original source's page_settings sub-table.
type PageSettings struct {
	PageSize uint64 `yaml:"page_size"`
	From     uint64 `yaml:"from"`
}

// ManagerSettings configures one ConnectionManager this watcher is
// authorized on, field-for-field with original_source's managers map.
type ManagerSettings struct {
	Name         string       `yaml:"name"`
	Address      string       `yaml:"address"`
	Domain       uint32       `yaml:"domain"`
	PageSettings PageSettings `yaml:"page_settings"`
	Finality     uint64       `yaml:"finality"`
	Chain        string       `yaml:"chain"`
}

// Settings is the watcher's full typed configuration surface.
type Settings struct {
	IntervalSeconds uint64
	SignerKeyRef    string

	Homes    map[string]ChainSettings
	Managers map[string]ManagerSettings
}

// Load reads the watcher's base configuration from environment variables.
// Managers are table-shaped rather than flat key/value pairs, so they come
// from the YAML file named by WATCHER_MANAGERS_FILE (decoded with
// LoadManagersFile); when that variable is unset, Managers is empty.
func Load() (*Settings, error) {
	s := &Settings{
		IntervalSeconds: getEnvUint("WATCHER_INTERVAL_SECONDS", 15),
		SignerKeyRef:    getEnv("WATCHER_SIGNER_KEY_REF", ""),
		Homes:           map[string]ChainSettings{},
		Managers:        map[string]ManagerSettings{},
	}

	names := splitCSV(getEnv("WATCHER_HOMES", ""))
	for _, name := range names {
		prefix := "WATCHER_HOME_" + strings.ToUpper(name) + "_"
		s.Homes[name] = ChainSettings{
			Name:           name,
			Domain:         uint32(getEnvUint(prefix+"DOMAIN", 0)),
			Platform:       getEnv(prefix+"PLATFORM", "evm"),
			RPCURL:         getEnv(prefix+"RPC_URL", ""),
			ConnectionType: ConnectionType(getEnv(prefix+"CONNECTION_TYPE", string(ConnectionHTTP))),
			FinalityLag:    getEnvUint(prefix+"FINALITY_LAG", 5),
			IndexPageSize:  getEnvUint(prefix+"INDEX_PAGE_SIZE", 2000),
			DeployHeight:   getEnvUint(prefix+"DEPLOY_HEIGHT", 0),
			ContractAddr:   getEnv(prefix+"CONTRACT_ADDRESS", ""),
		}
	}

	if managersFile := getEnv("WATCHER_MANAGERS_FILE", ""); managersFile != "" {
		managers, err := LoadManagersFile(managersFile)
		if err != nil {
			return nil, fmt.Errorf("config: loading managers file %s: %w", managersFile, err)
		}
		s.Managers = managers
	}

	return s, nil
}

// LoadManagersFile decodes a YAML document of the form
// `replica_name: {address, domain, page_settings, finality, chain}`.
func LoadManagersFile(path string) (map[string]ManagerSettings, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out map[string]ManagerSettings
	if err := yaml.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("config: decoding managers yaml: %w", err)
	}
	for name, m := range out {
		m.Name = name
		out[name] = m
	}
	return out, nil
}

// Validate checks that every recognized option required for startup is
// present: missing RPC, missing signer, an unknown platform, or a manager
// whose chain does not name a configured home are all ConfigErrors.
func (s *Settings) Validate() error {
	var errs []string

	if s.SignerKeyRef == "" {
		errs = append(errs, "WATCHER_SIGNER_KEY_REF is required but not set")
	}
	if len(s.Homes) == 0 {
		errs = append(errs, "WATCHER_HOMES must list at least one home")
	}
	for name, h := range s.Homes {
		if h.RPCURL == "" {
			errs = append(errs, fmt.Sprintf("home %q: RPC_URL is required but not set", name))
		}
		if h.Platform != "evm" && h.Platform != "substrate" {
			errs = append(errs, fmt.Sprintf("home %q: unknown platform %q", name, h.Platform))
		}
	}
	for name, m := range s.Managers {
		if m.Chain == "" {
			errs = append(errs, fmt.Sprintf("manager %q: chain reference is required", name))
		} else if _, ok := s.Homes[m.Chain]; !ok {
			errs = append(errs, fmt.Sprintf("manager %q: chain %q is not a configured home", name, m.Chain))
		}
	}

	if len(errs) > 0 {
		return nomaderr.Config("config: validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvUint(key string, defaultValue uint64) uint64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			return n
		}
	}
	return defaultValue
}

// IntervalDuration returns the configured sync cadence as a time.Duration.
func (s *Settings) IntervalDuration() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

func splitCSV(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
