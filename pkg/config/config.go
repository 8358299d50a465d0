package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/adhocore/gronx"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Agent     AgentConfig     `json:"agent"`
	Providers ProvidersConfig `json:"providers"`
	Retrieval RetrievalConfig `json:"retrieval"`
	Memory    MemoryConfig    `json:"memory"`
	Gateway   GatewayConfig   `json:"gateway"`
	mu        sync.RWMutex
}

type AgentConfig struct {
	Workspace          string  `json:"workspace" env:"DOTRAG_AGENT_WORKSPACE"`
	QueryModel         string  `json:"query_model" env:"DOTRAG_AGENT_QUERY_MODEL"`
	ResponseModel      string  `json:"response_model" env:"DOTRAG_AGENT_RESPONSE_MODEL"`
	MaxTokens          int     `json:"max_tokens" env:"DOTRAG_AGENT_MAX_TOKENS"`
	Temperature        float64 `json:"temperature" env:"DOTRAG_AGENT_TEMPERATURE"`
	MaxPlanSteps       int     `json:"max_plan_steps" env:"DOTRAG_AGENT_MAX_PLAN_STEPS"`
	RetryAttempts      int     `json:"retry_attempts" env:"DOTRAG_AGENT_RETRY_ATTEMPTS"`
	RetryBaseDelayMS   int     `json:"retry_base_delay_ms" env:"DOTRAG_AGENT_RETRY_BASE_DELAY_MS"`
	ContextTokenBudget int     `json:"context_token_budget" env:"DOTRAG_AGENT_CONTEXT_TOKEN_BUDGET"`
	HistoryLimit       int     `json:"history_limit" env:"DOTRAG_AGENT_HISTORY_LIMIT"`
}

type ProvidersConfig struct {
	OpenRouter ProviderConfig       `json:"openrouter"`
	OpenAI     OpenAIProviderConfig `json:"openai"`
	Anthropic  AnthropicConfig      `json:"anthropic"`
	Ollama     OllamaConfig         `json:"ollama"`
}

type ProviderConfig struct {
	APIKey  string `json:"api_key" env:"DOTRAG_PROVIDERS_OPENROUTER_API_KEY"`
	APIBase string `json:"api_base" env:"DOTRAG_PROVIDERS_OPENROUTER_API_BASE"`
	Proxy   string `json:"proxy,omitempty" env:"DOTRAG_PROVIDERS_OPENROUTER_PROXY"`
}

type OpenAIProviderConfig struct {
	APIKey       string `json:"api_key" env:"DOTRAG_PROVIDERS_OPENAI_API_KEY"`
	APIBase      string `json:"api_base" env:"DOTRAG_PROVIDERS_OPENAI_API_BASE"`
	Organization string `json:"organization,omitempty" env:"DOTRAG_PROVIDERS_OPENAI_ORGANIZATION"`
}

type AnthropicConfig struct {
	APIKey  string `json:"api_key" env:"DOTRAG_PROVIDERS_ANTHROPIC_API_KEY"`
	APIBase string `json:"api_base,omitempty" env:"DOTRAG_PROVIDERS_ANTHROPIC_API_BASE"`
}

type OllamaConfig struct {
	APIBase string `json:"api_base" env:"DOTRAG_PROVIDERS_OLLAMA_API_BASE"`
}

type RetrievalConfig struct {
	Provider       string `json:"provider" env:"DOTRAG_RETRIEVAL_PROVIDER"`
	EmbeddingModel string `json:"embedding_model" env:"DOTRAG_RETRIEVAL_EMBEDDING_MODEL"`
	K              int    `json:"k" env:"DOTRAG_RETRIEVAL_K"`
	Collection     string `json:"collection" env:"DOTRAG_RETRIEVAL_COLLECTION"`
	ChromaPath     string `json:"chroma_path" env:"DOTRAG_RETRIEVAL_CHROMA_PATH"`
	QdrantURL      string `json:"qdrant_url" env:"DOTRAG_RETRIEVAL_QDRANT_URL"`
	QdrantAPIKey   string `json:"qdrant_api_key,omitempty" env:"DOTRAG_RETRIEVAL_QDRANT_API_KEY"`
	SQLitePath     string `json:"sqlite_path" env:"DOTRAG_RETRIEVAL_SQLITE_PATH"`
	EmbedCacheSize int    `json:"embed_cache_size" env:"DOTRAG_RETRIEVAL_EMBED_CACHE_SIZE"`
}

type MemoryConfig struct {
	UserID             string             `json:"user_id" env:"DOTRAG_MEMORY_USER_ID"`
	AssistantID        string             `json:"assistant_id" env:"DOTRAG_MEMORY_ASSISTANT_ID"`
	DelaySeconds       int                `json:"delay_seconds" env:"DOTRAG_MEMORY_DELAY_SECONDS"`
	SearchLimit        int                `json:"search_limit" env:"DOTRAG_MEMORY_SEARCH_LIMIT"`
	Types              []MemoryTypeConfig `json:"types,omitempty"`
	TypesFile          string             `json:"types_file,omitempty" env:"DOTRAG_MEMORY_TYPES_FILE"`
	DBPath             string             `json:"db_path" env:"DOTRAG_MEMORY_DB_PATH"`
	WorkerPollMS       int                `json:"worker_poll_ms" env:"DOTRAG_MEMORY_WORKER_POLL_MS"`
	WorkerLeaseSeconds int                `json:"worker_lease_seconds" env:"DOTRAG_MEMORY_WORKER_LEASE_SECONDS"`
	WorkerConcurrency  int                `json:"worker_concurrency" env:"DOTRAG_MEMORY_WORKER_CONCURRENCY"`
	JobRetentionDays   int                `json:"job_retention_days" env:"DOTRAG_MEMORY_JOB_RETENTION_DAYS"`
	SweepCron          string             `json:"sweep_cron" env:"DOTRAG_MEMORY_SWEEP_CRON"`
}

// MemoryTypeConfig is the on-disk shape of a memory type. The memory package
// validates it into an immutable spec.
type MemoryTypeConfig struct {
	Name         string        `json:"name" yaml:"name"`
	Description  string        `json:"description" yaml:"description"`
	Instructions string        `json:"instructions,omitempty" yaml:"instructions,omitempty"`
	UpdateMode   string        `json:"update_mode" yaml:"update_mode"`
	Fields       []FieldConfig `json:"fields" yaml:"fields"`
}

type FieldConfig struct {
	Name        string `json:"name" yaml:"name"`
	Type        string `json:"type" yaml:"type"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Unique      *bool  `json:"unique,omitempty" yaml:"unique,omitempty"`
}

type GatewayConfig struct {
	Host string `json:"host" env:"DOTRAG_GATEWAY_HOST"`
	Port int    `json:"port" env:"DOTRAG_GATEWAY_PORT"`
}

func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Workspace:          "~/.dotrag/workspace",
			QueryModel:         "openrouter/openai/gpt-5-mini",
			ResponseModel:      "openrouter/openai/gpt-5.2",
			MaxTokens:          4096,
			Temperature:        0.2,
			MaxPlanSteps:       8,
			RetryAttempts:      3,
			RetryBaseDelayMS:   500,
			ContextTokenBudget: 6000,
			HistoryLimit:       50,
		},
		Providers: ProvidersConfig{
			OpenRouter: ProviderConfig{},
			OpenAI:     OpenAIProviderConfig{},
			Anthropic:  AnthropicConfig{},
			Ollama: OllamaConfig{
				APIBase: "http://localhost:11434",
			},
		},
		Retrieval: RetrievalConfig{
			Provider:       "chroma",
			EmbeddingModel: "openai/text-embedding-3-small",
			K:              4,
			Collection:     "documents",
			ChromaPath:     "",
			QdrantURL:      "http://localhost:6333",
			SQLitePath:     "",
			EmbedCacheSize: 10000,
		},
		Memory: MemoryConfig{
			UserID:             "default",
			AssistantID:        "memory",
			DelaySeconds:       60,
			SearchLimit:        10,
			WorkerPollMS:       700,
			WorkerLeaseSeconds: 120,
			WorkerConcurrency:  4,
			JobRetentionDays:   30,
			SweepCron:          "@hourly",
		},
		Gateway: GatewayConfig{
			Host: "0.0.0.0",
			Port: 18790,
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Validate checks values that cannot be defaulted silently.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.Agent.MaxPlanSteps < 1 {
		return fmt.Errorf("agent.max_plan_steps must be at least 1, got %d", c.Agent.MaxPlanSteps)
	}
	if c.Agent.RetryAttempts < 1 {
		return fmt.Errorf("agent.retry_attempts must be at least 1, got %d", c.Agent.RetryAttempts)
	}
	if c.Memory.DelaySeconds < 0 {
		return fmt.Errorf("memory.delay_seconds must not be negative, got %d", c.Memory.DelaySeconds)
	}
	if expr := strings.TrimSpace(c.Memory.SweepCron); expr != "" && !gronx.New().IsValid(expr) {
		return fmt.Errorf("memory.sweep_cron %q is not a valid cron expression", expr)
	}
	return nil
}

func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Agent.Workspace)
}

// MemoryDBPath resolves the SQLite file backing memories, threads and jobs.
func (c *Config) MemoryDBPath() string {
	c.mu.RLock()
	path := strings.TrimSpace(c.Memory.DBPath)
	c.mu.RUnlock()
	if path != "" {
		return expandHome(path)
	}
	return filepath.Join(c.WorkspacePath(), "state", "memory.db")
}

// ChromaPath resolves the persistent chromem directory; empty keeps it in memory.
func (c *Config) ChromaPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(strings.TrimSpace(c.Retrieval.ChromaPath))
}

func (c *Config) RetrievalSQLitePath() string {
	c.mu.RLock()
	path := strings.TrimSpace(c.Retrieval.SQLitePath)
	c.mu.RUnlock()
	if path != "" {
		return expandHome(path)
	}
	return filepath.Join(c.WorkspacePath(), "state", "documents.db")
}

// MemoryTypes returns the configured memory types: the types file when set,
// else the inline list, else nil so callers fall back to built-in defaults.
func (c *Config) MemoryTypes() ([]MemoryTypeConfig, error) {
	c.mu.RLock()
	file := strings.TrimSpace(c.Memory.TypesFile)
	inline := append([]MemoryTypeConfig(nil), c.Memory.Types...)
	c.mu.RUnlock()

	if file == "" {
		return inline, nil
	}
	return LoadMemoryTypesFile(expandHome(file))
}

// LoadMemoryTypesFile reads a YAML document holding a list of memory types,
// either at the top level or under a "memory_types" key.
func LoadMemoryTypesFile(path string) ([]MemoryTypeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read memory types file: %w", err)
	}

	var wrapped struct {
		MemoryTypes []MemoryTypeConfig `yaml:"memory_types"`
	}
	if err := yaml.Unmarshal(data, &wrapped); err == nil && len(wrapped.MemoryTypes) > 0 {
		return wrapped.MemoryTypes, nil
	}

	var list []MemoryTypeConfig
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parse memory types file %s: %w", path, err)
	}
	return list, nil
}

// SaveMemoryTypesFile writes types in the format LoadMemoryTypesFile reads.
func SaveMemoryTypesFile(path string, types []MemoryTypeConfig) error {
	data, err := yaml.Marshal(map[string][]MemoryTypeConfig{"memory_types": types})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
