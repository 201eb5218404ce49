// Package config loads the YAML configuration for the broker and agent
// daemons: read the file, unmarshal with yaml.v3, fill in defaults for
// anything left zero, then reject impossible values.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// BrokerConfig describes the five endpoints the broker binds, plus the
// ambient app-level fields every daemon in this module carries.
type BrokerConfig struct {
	AppName string `yaml:"app_name"`
	Debug   bool   `yaml:"debug"`

	Intake          EndpointConfig `yaml:"intake"`
	FanOut          EndpointConfig `yaml:"fan_out"`
	Sink            EndpointConfig `yaml:"sink"`
	ResultPublisher EndpointConfig `yaml:"result_publisher"`
	Management      EndpointConfig `yaml:"management"`

	IntakeTimeoutSeconds int `yaml:"intake_timeout_seconds"`
}

// AgentConfig describes the three endpoints an agent connects or binds to,
// plus the configured subscription prefixes on top of its two implicit
// ones (OS family, node name).
type AgentConfig struct {
	AppName string `yaml:"app_name"`
	Debug   bool   `yaml:"debug"`

	BrokerFanOut EndpointConfig `yaml:"broker_fan_out"`
	BrokerSink   EndpointConfig `yaml:"broker_sink"`
	Management   EndpointConfig `yaml:"management"`

	SubscribePrefixes []string `yaml:"subscribe_prefixes"`
}

// EndpointConfig names a TCP address an endpoint binds to or dials.
// Broker endpoints bind Address; the agent dials its broker endpoints and
// binds its management endpoint.
type EndpointConfig struct {
	Address string `yaml:"address"`
}

const (
	defaultIntakeAddr          = ":5701"
	defaultFanOutAddr          = ":5702"
	defaultSinkAddr            = ":5703"
	defaultResultPublisherAddr = ":5704"
	defaultBrokerMgmtAddr      = ":5705"
	defaultAgentMgmtAddr       = ":5706"
	defaultIntakeTimeoutSecs   = 10
)

// LoadBroker reads and validates a BrokerConfig from filename.
func LoadBroker(filename string) (*BrokerConfig, error) {
	var cfg BrokerConfig
	if err := readYAML(filename, &cfg); err != nil {
		return nil, err
	}

	if cfg.Intake.Address == "" {
		cfg.Intake.Address = defaultIntakeAddr
	}
	if cfg.FanOut.Address == "" {
		cfg.FanOut.Address = defaultFanOutAddr
	}
	if cfg.Sink.Address == "" {
		cfg.Sink.Address = defaultSinkAddr
	}
	if cfg.ResultPublisher.Address == "" {
		cfg.ResultPublisher.Address = defaultResultPublisherAddr
	}
	if cfg.Management.Address == "" {
		cfg.Management.Address = defaultBrokerMgmtAddr
	}
	if cfg.IntakeTimeoutSeconds == 0 {
		cfg.IntakeTimeoutSeconds = defaultIntakeTimeoutSecs
	}

	if cfg.IntakeTimeoutSeconds < 0 {
		return nil, fmt.Errorf("intake_timeout_seconds cannot be negative: %d", cfg.IntakeTimeoutSeconds)
	}

	return &cfg, nil
}

// LoadAgent reads and validates an AgentConfig from filename.
func LoadAgent(filename string) (*AgentConfig, error) {
	var cfg AgentConfig
	if err := readYAML(filename, &cfg); err != nil {
		return nil, err
	}

	if cfg.BrokerFanOut.Address == "" {
		cfg.BrokerFanOut.Address = defaultFanOutAddr
	}
	if cfg.BrokerSink.Address == "" {
		cfg.BrokerSink.Address = defaultSinkAddr
	}
	if cfg.Management.Address == "" {
		cfg.Management.Address = defaultAgentMgmtAddr
	}

	return &cfg, nil
}

func readYAML(filename string, out interface{}) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}
