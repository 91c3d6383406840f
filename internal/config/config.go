// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// EnvPrefix marks environment variables that override file values,
// e.g. BCI_ACTUATOR_PORT overrides ACTUATOR_PORT.
const EnvPrefix = "BCI_"

// Config holds all application configuration values.
type Config struct {
	// Sample stream
	StreamName string
	SourceKind string // "mqtt", "mock" or "replay"
	ReplayFile string

	// MQTT
	MQTTBroker             string
	MQTTClientIDController string
	MQTTClientIDConsole    string
	MQTTClientIDProducer   string
	MQTTClientIDPanel      string

	// Topics
	TopicSamples string // prefix; the stream name is appended
	TopicEvents  string

	// Actuator
	ActuatorPort     string
	ActuatorBaudRate int
	ActuatorCommand  string

	// Calibration and control
	EpochDurationSec   int
	EpochLeadInSec     int
	ActuationThreshold int
	CooldownSec        int
	PullTimeoutMs      int
	SplitSeed          uint64

	// Mock source
	MockChannels         int
	MockSampleIntervalMs int

	// Web Server
	WebServerPort int

	// Persistence
	ExportDir   string
	ModelPath   string
	JournalPath string

	// Display
	DisplayI2CAddr        uint16
	DisplayUpdateInterval int // milliseconds
}

// Package-level singleton: InitGlobal sets it once, Get reads it under a
// read lock.
var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.RWMutex
)

// Default returns the configuration used when a key is absent.
func Default() *Config {
	return &Config{
		StreamName:             "AURA_Power",
		SourceKind:             "mqtt",
		MQTTBroker:             "tcp://localhost:1883",
		MQTTClientIDController: "bci-controller",
		MQTTClientIDConsole:    "bci-console",
		MQTTClientIDProducer:   "bci-producer",
		MQTTClientIDPanel:      "bci-panel",
		TopicSamples:           "bci/samples",
		TopicEvents:            "bci/events",
		ActuatorBaudRate:       38400,
		ActuatorCommand:        "1",
		EpochDurationSec:       30,
		EpochLeadInSec:         5,
		ActuationThreshold:     700,
		CooldownSec:            5,
		PullTimeoutMs:          200,
		MockChannels:           8,
		MockSampleIntervalMs:   4,
		WebServerPort:          8080,
		DisplayI2CAddr:         0x3C,
		DisplayUpdateInterval:  250,
	}
}

// Load reads the configuration file on top of Default, then applies an
// optional .env file next to it and BCI_-prefixed environment overrides.
func Load(configPath string) (*Config, error) {
	file, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	cfg := Default()
	if err := cfg.parse(file); err != nil {
		return nil, err
	}

	// A missing .env is normal.
	_ = godotenv.Load(".env")

	if err := cfg.applyEnv(os.Environ()); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) parse(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Parse KEY=VALUE
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("invalid config line %d: %q", lineNum, line)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		if err := c.setValue(key, value); err != nil {
			return fmt.Errorf("config line %d: %w", lineNum, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}
	return nil
}

// applyEnv applies KEY=VALUE pairs whose key starts with EnvPrefix.
func (c *Config) applyEnv(environ []string) error {
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, EnvPrefix) {
			continue
		}
		if err := c.setValue(strings.TrimPrefix(key, EnvPrefix), value); err != nil {
			return fmt.Errorf("environment %s: %w", key, err)
		}
	}
	return nil
}

func parsePositive(key, value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %d", key, n)
	}
	return n, nil
}

// setValue sets a config value based on the key.
func (c *Config) setValue(key, value string) error {
	switch key {
	// Sample stream
	case "STREAM_NAME":
		c.StreamName = value
	case "SOURCE_KIND":
		switch value {
		case "mqtt", "mock", "replay":
			c.SourceKind = value
		default:
			return fmt.Errorf("SOURCE_KIND must be mqtt, mock or replay, got %q", value)
		}
	case "REPLAY_FILE":
		c.ReplayFile = value

	// MQTT
	case "MQTT_BROKER":
		c.MQTTBroker = value
	case "MQTT_CLIENT_ID_CONTROLLER":
		c.MQTTClientIDController = value
	case "MQTT_CLIENT_ID_CONSOLE":
		c.MQTTClientIDConsole = value
	case "MQTT_CLIENT_ID_PRODUCER":
		c.MQTTClientIDProducer = value
	case "MQTT_CLIENT_ID_PANEL":
		c.MQTTClientIDPanel = value

	// Topics
	case "TOPIC_SAMPLES":
		c.TopicSamples = value
	case "TOPIC_EVENTS":
		c.TopicEvents = value

	// Actuator
	case "ACTUATOR_PORT":
		c.ActuatorPort = value
	case "ACTUATOR_BAUD_RATE":
		rate, err := parsePositive(key, value)
		if err != nil {
			return err
		}
		c.ActuatorBaudRate = rate
	case "ACTUATOR_COMMAND":
		if value == "" {
			return fmt.Errorf("ACTUATOR_COMMAND must not be empty")
		}
		c.ActuatorCommand = value

	// Calibration and control
	case "EPOCH_DURATION_SEC":
		n, err := parsePositive(key, value)
		if err != nil {
			return err
		}
		c.EpochDurationSec = n
	case "EPOCH_LEAD_IN_SEC":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid EPOCH_LEAD_IN_SEC %q: %w", value, err)
		}
		if n < 0 {
			return fmt.Errorf("EPOCH_LEAD_IN_SEC must be >= 0, got %d", n)
		}
		c.EpochLeadInSec = n
	case "ACTUATION_THRESHOLD":
		n, err := parsePositive(key, value)
		if err != nil {
			return err
		}
		if n > 10000 {
			return fmt.Errorf("ACTUATION_THRESHOLD must be 1-10000, got %d", n)
		}
		c.ActuationThreshold = n
	case "COOLDOWN_SEC":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid COOLDOWN_SEC %q: %w", value, err)
		}
		if n < 0 {
			return fmt.Errorf("COOLDOWN_SEC must be >= 0, got %d", n)
		}
		c.CooldownSec = n
	case "PULL_TIMEOUT_MS":
		n, err := parsePositive(key, value)
		if err != nil {
			return err
		}
		c.PullTimeoutMs = n
	case "SPLIT_SEED":
		seed, err := strconv.ParseUint(value, 0, 64)
		if err != nil {
			return fmt.Errorf("invalid SPLIT_SEED %q: %w", value, err)
		}
		c.SplitSeed = seed

	// Mock source
	case "MOCK_CHANNELS":
		n, err := parsePositive(key, value)
		if err != nil {
			return err
		}
		c.MockChannels = n
	case "MOCK_SAMPLE_INTERVAL_MS":
		n, err := parsePositive(key, value)
		if err != nil {
			return err
		}
		c.MockSampleIntervalMs = n

	// Web Server
	case "WEB_SERVER_PORT":
		port, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid WEB_SERVER_PORT %q: %w", value, err)
		}
		c.WebServerPort = port

	// Persistence
	case "EXPORT_DIR":
		c.ExportDir = value
	case "MODEL_PATH":
		c.ModelPath = value
	case "JOURNAL_PATH":
		c.JournalPath = value

	// Display
	case "DISPLAY_I2C_ADDR":
		addr, err := strconv.ParseUint(value, 0, 16)
		if err != nil {
			return fmt.Errorf("invalid DISPLAY_I2C_ADDR %q: %w", value, err)
		}
		c.DisplayI2CAddr = uint16(addr)
	case "DISPLAY_UPDATE_INTERVAL":
		interval, err := parsePositive(key, value)
		if err != nil {
			return err
		}
		c.DisplayUpdateInterval = interval

	default:
		return fmt.Errorf("unknown config key: %q", key)
	}

	return nil
}

// validate checks that all required fields are set.
func (c *Config) validate() error {
	if c.StreamName == "" {
		return fmt.Errorf("STREAM_NAME is required")
	}
	if c.SourceKind == "mqtt" && c.MQTTBroker == "" {
		return fmt.Errorf("MQTT_BROKER is required for SOURCE_KIND=mqtt")
	}
	if c.SourceKind == "replay" && c.ReplayFile == "" {
		return fmt.Errorf("REPLAY_FILE is required for SOURCE_KIND=replay")
	}
	if c.WebServerPort <= 0 || c.WebServerPort > 65535 {
		return fmt.Errorf("WEB_SERVER_PORT must be 1-65535, got %d", c.WebServerPort)
	}
	return nil
}

// SampleTopic returns the full topic samples are published on.
func (c *Config) SampleTopic() string {
	if c.TopicSamples == "" {
		return c.StreamName
	}
	return c.TopicSamples + "/" + c.StreamName
}

// EpochDuration returns the calibration epoch length.
func (c *Config) EpochDuration() time.Duration {
	return time.Duration(c.EpochDurationSec) * time.Second
}

// LeadIn returns the countdown before each epoch.
func (c *Config) LeadIn() time.Duration {
	return time.Duration(c.EpochLeadInSec) * time.Second
}

// Cooldown returns the post-actuation quiet period.
func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.CooldownSec) * time.Second
}

// PullTimeout returns the bound on each blocking sample pull.
func (c *Config) PullTimeout() time.Duration {
	return time.Duration(c.PullTimeoutMs) * time.Millisecond
}

// MockInterval returns the mock source sample interval.
func (c *Config) MockInterval() time.Duration {
	return time.Duration(c.MockSampleIntervalMs) * time.Millisecond
}

// InitGlobal initializes the global configuration from file.
// Uses sync.Once to ensure this only runs once, even if called multiple times.
func InitGlobal(configPath string) error {
	var err error
	configOnce.Do(func() {
		configMu.Lock()
		defer configMu.Unlock()
		globalConfig, err = Load(configPath)
	})
	return err
}

// Get returns the global configuration instance.
// InitGlobal must be called first, or this will return nil.
func Get() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}
