// Copyright 2026 Galen Authors
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

// Package config defines the application configuration and its loader.
//
// Configuration is YAML with ${VAR} environment expansion. Every section
// implements SetDefaults and Validate; Load applies both.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	LLM           LLMConfig           `yaml:"llm"`
	Storage       StorageConfig       `yaml:"storage"`
	Agent         AgentConfig         `yaml:"agent"`
	Specialists   SpecialistsConfig   `yaml:"specialists"`
	Memory        MemoryConfig        `yaml:"memory"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// SetDefaults applies defaults to all sections.
func (c *Config) SetDefaults() {
	c.Server.SetDefaults()
	c.LLM.SetDefaults()
	c.Storage.SetDefaults()
	c.Agent.SetDefaults()
	c.Specialists.SetDefaults()
	c.Memory.SetDefaults()
	c.Observability.SetDefaults()
}

// Validate validates all sections.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.LLM.Validate(); err != nil {
		return fmt.Errorf("llm: %w", err)
	}
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if err := c.Agent.Validate(); err != nil {
		return fmt.Errorf("agent: %w", err)
	}
	if err := c.Specialists.Validate(); err != nil {
		return fmt.Errorf("specialists: %w", err)
	}
	return nil
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// SSEPollInterval bounds how long a stream handler blocks waiting for
	// a bus event before checking for client disconnect.
	SSEPollInterval time.Duration `yaml:"sse_poll_interval"`
}

func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.SSEPollInterval <= 0 || c.SSEPollInterval > time.Second {
		c.SSEPollInterval = time.Second
	}
}

func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	return nil
}

// Address returns the host:port listen address.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LLMConfig configures the LLM provider.
type LLMConfig struct {
	// BaseURL of an OpenAI-compatible chat completions API.
	BaseURL     string        `yaml:"base_url"`
	Model       string        `yaml:"model"`
	APIKey      string        `yaml:"api_key"`
	Temperature float64       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`

	// Streaming enables the streaming endpoint. When disabled the engine
	// degrades to non-streaming calls with a single synthetic content event.
	Streaming *bool `yaml:"streaming"`
}

func (c *LLMConfig) SetDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.openai.com/v1"
	}
	if c.Model == "" {
		c.Model = "gpt-4o"
	}
	if c.Temperature == 0 {
		c.Temperature = 0.7
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 4096
	}
	if c.Timeout <= 0 {
		c.Timeout = 120 * time.Second
	}
	if c.Streaming == nil {
		enabled := true
		c.Streaming = &enabled
	}
}

func (c *LLMConfig) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("api_key is required (set llm.api_key or the OPENAI_API_KEY environment variable)")
	}
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	return nil
}

// IsStreaming reports whether streaming mode is enabled.
func (c *LLMConfig) IsStreaming() bool {
	return c.Streaming == nil || *c.Streaming
}

// StorageConfig configures the SQL store.
type StorageConfig struct {
	// Backend is one of sqlite, postgres, mysql.
	Backend string `yaml:"backend"`
	// DSN is the driver-specific connection string. For sqlite this is a
	// file path; defaults to .galen/galen.db.
	DSN string `yaml:"dsn"`
}

func (c *StorageConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = "sqlite"
	}
	if c.DSN == "" && c.Backend == "sqlite" {
		c.DSN = ".galen/galen.db"
	}
}

func (c *StorageConfig) Validate() error {
	switch c.Backend {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("unknown storage backend: %s", c.Backend)
	}
	if c.DSN == "" {
		return fmt.Errorf("dsn is required for backend %s", c.Backend)
	}
	return nil
}

// AgentConfig configures the main agent loop.
type AgentConfig struct {
	// SystemPrompt overrides the built-in main system prompt.
	SystemPrompt string `yaml:"system_prompt"`
	// MaxIterations caps agent->tools->agent cycles per turn.
	MaxIterations int `yaml:"max_iterations"`
	// ToolTimeout is the hard timeout for HTTP-backed tool invocations.
	ToolTimeout time.Duration `yaml:"tool_timeout"`
	// FlushInterval and FlushEvents control incremental persistence: a
	// partial row is written when either threshold is crossed.
	FlushInterval time.Duration `yaml:"flush_interval"`
	FlushEvents   int           `yaml:"flush_events"`
	// WorkerCount is the number of turn workers. RetryLimit is the maximum
	// number of attempts per turn.
	WorkerCount int `yaml:"worker_count"`
	RetryLimit  int `yaml:"retry_limit"`
}

func (c *AgentConfig) SetDefaults() {
	if c.MaxIterations == 0 {
		c.MaxIterations = 10
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = 90 * time.Second
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.FlushEvents == 0 {
		c.FlushEvents = 50
	}
	if c.WorkerCount == 0 {
		c.WorkerCount = 4
	}
	if c.RetryLimit == 0 {
		c.RetryLimit = 3
	}
}

func (c *AgentConfig) Validate() error {
	if c.MaxIterations < 1 {
		return fmt.Errorf("max_iterations must be positive")
	}
	if c.WorkerCount < 1 {
		return fmt.Errorf("worker_count must be positive")
	}
	return nil
}

// SpecialistsConfig configures the consultation scheduler.
type SpecialistsConfig struct {
	// MaxConcurrent caps simultaneously running specialist workers.
	MaxConcurrent int `yaml:"max_concurrent"`
	// Timeout is the wall-clock deadline for a whole consultation batch.
	Timeout time.Duration `yaml:"timeout"`
}

func (c *SpecialistsConfig) SetDefaults() {
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = 5
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
}

func (c *SpecialistsConfig) Validate() error {
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be positive")
	}
	return nil
}

// MemoryConfig configures the optional recall store.
type MemoryConfig struct {
	Enabled bool `yaml:"enabled"`
	// TopK is the number of recall snippets injected per turn.
	TopK int `yaml:"top_k"`
}

func (c *MemoryConfig) SetDefaults() {
	if c.TopK == 0 {
		c.TopK = 3
	}
}

// ObservabilityConfig configures metrics and tracing.
type ObservabilityConfig struct {
	// Metrics exposes a Prometheus /metrics endpoint.
	Metrics bool `yaml:"metrics"`
	// Tracing enables OpenTelemetry spans. Exporter is "stdout" or "otlp".
	Tracing  bool   `yaml:"tracing"`
	Exporter string `yaml:"exporter"`
	// OTLPEndpoint is the gRPC collector endpoint for the otlp exporter.
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

func (c *ObservabilityConfig) SetDefaults() {
	if c.Exporter == "" {
		c.Exporter = "stdout"
	}
	if c.OTLPEndpoint == "" {
		c.OTLPEndpoint = "localhost:4317"
	}
}
