// Package config loads the control service's and agent's YAML
// configuration files, per the on-disk schemas in §6 of the
// specification this core implements.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultAgentConfigPath is read once at agent startup.
const DefaultAgentConfigPath = "/etc/flocker/agent.yml"

// DefaultControlConfigPath is read once at control-service startup.
const DefaultControlConfigPath = "/etc/flocker/control.yml"

// ControlServiceRef names the control service an agent connects to.
type ControlServiceRef struct {
	Hostname string `yaml:"hostname"`
	Port     int    `yaml:"port"`
}

// DatasetBackendConfig names the backend an agent uses plus its
// backend-specific options, opaque to the agent itself.
type DatasetBackendConfig struct {
	Backend string                 `yaml:"backend"`
	Options map[string]interface{} `yaml:",inline"`
}

// AgentConfig is the parsed form of /etc/flocker/agent.yml.
type AgentConfig struct {
	Version       int                  `yaml:"version"`
	ControlService ControlServiceRef   `yaml:"control-service"`
	Dataset       DatasetBackendConfig `yaml:"dataset"`
	CertDir       string               `yaml:"cert-dir"`
	DataDir       string               `yaml:"data-dir"`
}

// LoadAgentConfig reads and parses an agent.yml file. Defaults are
// applied for omitted optional fields (port 4524, version 1).
func LoadAgentConfig(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agent config %s: %w", path, err)
	}

	cfg := &AgentConfig{Version: 1}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse agent config %s: %w", path, err)
	}
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if cfg.ControlService.Port == 0 {
		cfg.ControlService.Port = 4524
	}
	if cfg.CertDir == "" {
		cfg.CertDir = "/etc/flocker"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "/var/lib/flocker"
	}
	if cfg.ControlService.Hostname == "" {
		return nil, fmt.Errorf("parse agent config %s: control-service.hostname is required", path)
	}
	return cfg, nil
}

// ControlConfig is the parsed form of /etc/flocker/control.yml.
type ControlConfig struct {
	Version       int    `yaml:"version"`
	RESTAddr      string `yaml:"rest-addr"`
	AgentAddr     string `yaml:"agent-addr"`
	DataDir       string `yaml:"data-dir"`
	CertDir       string `yaml:"cert-dir"`
	DisconnectGracePeriodSeconds int `yaml:"disconnect-grace-period-seconds"`
}

// LoadControlConfig reads and parses a control.yml file.
func LoadControlConfig(path string) (*ControlConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read control config %s: %w", path, err)
	}

	cfg := &ControlConfig{Version: 1}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse control config %s: %w", path, err)
	}
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if cfg.RESTAddr == "" {
		cfg.RESTAddr = ":4523"
	}
	if cfg.AgentAddr == "" {
		cfg.AgentAddr = ":4524"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "/var/lib/flocker"
	}
	if cfg.CertDir == "" {
		cfg.CertDir = "/etc/flocker"
	}
	if cfg.DisconnectGracePeriodSeconds == 0 {
		cfg.DisconnectGracePeriodSeconds = 30
	}
	return cfg, nil
}
