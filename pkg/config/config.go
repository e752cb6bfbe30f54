// Copyright 2025 The Genesis Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the yaml configuration shared by every Genesis
// process kind. ${VAR} references are expanded from the environment at
// load time.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root document.
type Config struct {
	Fabric    FabricConfig    `yaml:"fabric"`
	Logging   LoggingConfig   `yaml:"logging"`
	Agent     AgentConfig     `yaml:"agent"`
	Service   ServiceConfig   `yaml:"service"`
	Interface InterfaceConfig `yaml:"interface"`
}

// FabricConfig locates the Redis deployment backing the fabric.
type FabricConfig struct {
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

// LoggingConfig controls slog setup.
type LoggingConfig struct {
	// Level is debug, info, warn, or error. Defaults to info.
	Level string `yaml:"level"`
	// Format is text or json. Defaults to text.
	Format string `yaml:"format"`
}

// ProviderConfig selects and configures the LLM adapter.
type ProviderConfig struct {
	// Type is anthropic or openai.
	Type      string `yaml:"type"`
	Model     string `yaml:"model"`
	APIKey    string `yaml:"api_key"`
	BaseURL   string `yaml:"base_url"`
	MaxTokens int    `yaml:"max_tokens"`
}

// MemoryConfig selects the conversation store backend.
type MemoryConfig struct {
	// Type is working, sqlite, postgres, or redis. Defaults to working.
	Type string `yaml:"type"`
	// DSN is the connection string for sqlite/postgres.
	DSN string `yaml:"dsn"`
	// Retain caps stored items per conversation. The working and redis
	// stores apply it on every write; the SQL stores apply it only when
	// Prune is called.
	Retain int `yaml:"retain"`
}

// AgentConfig configures one agent process. Timeouts are in seconds.
type AgentConfig struct {
	Name            string         `yaml:"name"`
	Endpoint        string         `yaml:"endpoint"`
	Description     string         `yaml:"description"`
	Specializations []string       `yaml:"specializations"`
	Capabilities    []string       `yaml:"capabilities"`
	Provider        ProviderConfig `yaml:"provider"`
	Memory          MemoryConfig   `yaml:"memory"`
	MaxTurns        int            `yaml:"max_turns"`
	MemoryWindow    int            `yaml:"memory_window"`
	GeneralPrompt   string         `yaml:"general_prompt"`
	FunctionPrompt  string         `yaml:"function_prompt"`
	FunctionTimeout int            `yaml:"function_timeout"`
	AgentTimeout    int            `yaml:"agent_timeout"`
	WarmupWindow    int            `yaml:"warmup_window"`
}

// FunctionTimeoutDuration converts the configured seconds to a duration;
// zero means the agent default.
func (c AgentConfig) FunctionTimeoutDuration() time.Duration {
	return time.Duration(c.FunctionTimeout) * time.Second
}

// AgentTimeoutDuration converts the configured seconds to a duration.
func (c AgentConfig) AgentTimeoutDuration() time.Duration {
	return time.Duration(c.AgentTimeout) * time.Second
}

// WarmupWindowDuration converts the configured seconds to a duration.
func (c AgentConfig) WarmupWindowDuration() time.Duration {
	return time.Duration(c.WarmupWindow) * time.Second
}

// ServiceConfig configures one service process.
type ServiceConfig struct {
	Name string `yaml:"name"`
}

// InterfaceConfig configures one interface process. The timeout is in
// seconds.
type InterfaceConfig struct {
	Name string `yaml:"name"`
	// Agent is the name or guid to connect to at startup.
	Agent          string `yaml:"agent"`
	RequestTimeout int    `yaml:"request_timeout"`
}

// RequestTimeoutDuration converts the configured seconds to a duration.
func (c InterfaceConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Second
}

// Load reads, expands, and validates the configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	expanded := os.Expand(string(raw), func(key string) string {
		return os.Getenv(key)
	})
	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.Fabric.RedisAddr == "" {
		c.Fabric.RedisAddr = os.Getenv("REDIS_ADDR")
	}
	if c.Fabric.RedisAddr == "" {
		c.Fabric.RedisAddr = "localhost:6379"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Agent.Memory.Type == "" {
		c.Agent.Memory.Type = "working"
	}
	if c.Agent.Provider.APIKey == "" {
		switch c.Agent.Provider.Type {
		case "anthropic":
			c.Agent.Provider.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		case "openai":
			c.Agent.Provider.APIKey = os.Getenv("OPENAI_API_KEY")
		}
	}
}

// Validate rejects configurations no process kind could run with.
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Logging.Format)
	}
	if c.Agent.Provider.Type != "" {
		switch c.Agent.Provider.Type {
		case "anthropic", "openai":
		default:
			return fmt.Errorf("config: unknown provider type %q", c.Agent.Provider.Type)
		}
	}
	switch c.Agent.Memory.Type {
	case "", "working", "sqlite", "postgres", "redis":
	default:
		return fmt.Errorf("config: unknown memory type %q", c.Agent.Memory.Type)
	}
	return nil
}
