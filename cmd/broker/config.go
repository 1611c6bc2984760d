package main

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// CLIConfig is the persistent CLI configuration. Flags beat config values,
// and the BROKER_* environment variables beat both (applied in newClient).
type CLIConfig struct {
	Address     string `yaml:"address"`
	OperatorKey string `yaml:"operator_key"`
	TLSCACert   string `yaml:"tls_ca_cert"`

	// Defaults are filled into commands when the corresponding flag
	// is not given, so operators working on a single project don't
	// have to repeat --project and --env on every invocation.
	Defaults struct {
		Project     string `yaml:"project"`
		Environment string `yaml:"environment"`
		Output      string `yaml:"output"`
	} `yaml:"defaults"`

	// WaitSeconds is the default long-poll duration for `access wait`.
	WaitSeconds int `yaml:"wait_seconds"`
}

var cfg CLIConfig

func defaultCLIConfig() CLIConfig {
	c := CLIConfig{
		Address:     "http://127.0.0.1:8300",
		WaitSeconds: 30,
	}
	c.Defaults.Output = "table"
	return c
}

// configPath returns the config file location, honoring BROKER_CONFIG.
func configPath() string {
	if p := os.Getenv("BROKER_CONFIG"); p != "" {
		return p
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".secretbroker", "config.yaml")
}

// loadConfig loads the CLI config from disk. A missing file is fine;
// a file that exists but does not parse is reported, since silently
// falling back to defaults would send commands to the wrong broker.
func loadConfig() {
	cfg = defaultCLIConfig()
	data, err := os.ReadFile(configPath())
	if err != nil {
		return
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "warning: ignoring malformed config %s: %v\n", configPath(), err)
		cfg = defaultCLIConfig()
	}
}

// saveConfig persists the CLI config. The file carries the operator key,
// so it is written owner-only.
func saveConfig() error {
	path := configPath()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
