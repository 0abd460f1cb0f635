// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Partscout Contributors

package config

import (
	"errors"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/partscout/partscout/internal/security/scanner"
	pserr "github.com/partscout/partscout/pkg/errors"
)

// EnvPrefix is prepended to every environment override, e.g.
// PARTSCOUT_NETWORKING_LISTEN.
const EnvPrefix = "PARTSCOUT"

// Config is the top-level partscout configuration.
type Config struct {
	Networking  NetworkingConfig          `mapstructure:"networking"`
	Server      ServerConfig              `mapstructure:"server"`
	Providers   map[string]ProviderConfig `mapstructure:"providers"`
	Models      ModelsConfig              `mapstructure:"models"`
	Agent       AgentConfig               `mapstructure:"agent"`
	Permissions map[string][]string       `mapstructure:"permissions"`
	Credentials CredentialsConfig         `mapstructure:"credentials"`
	Storage     StorageConfig             `mapstructure:"storage"`
	Index       IndexConfig               `mapstructure:"index"`
	Tools       ToolsConfig               `mapstructure:"tools"`
	Prompts     PromptsConfig             `mapstructure:"prompts"`
	Audit       AuditConfig               `mapstructure:"audit"`
	Security    SecurityConfig            `mapstructure:"security"`
}

// NetworkingConfig controls where the HTTP API listens.
type NetworkingConfig struct {
	Listen string `mapstructure:"listen"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	CORSOrigins []string   `mapstructure:"cors_origins"`
	Auth        AuthConfig `mapstructure:"auth"`
}

// AuthConfig toggles HTTP basic auth against the credential file.
type AuthConfig struct {
	Required bool `mapstructure:"required"`
}

// ProviderConfig holds credentials and endpoint for an LLM provider.
type ProviderConfig struct {
	APIKey   string `mapstructure:"api_key"`
	Endpoint string `mapstructure:"endpoint"`
}

// ModelsConfig controls model selection.
type ModelsConfig struct {
	Default     string   `mapstructure:"default"`
	Failover    []string `mapstructure:"failover"`
	Embedding   string   `mapstructure:"embedding"`
	Temperature float32  `mapstructure:"temperature"`
	MaxTokens   int      `mapstructure:"max_tokens"`
}

// AgentConfig bounds the agent loop.
type AgentConfig struct {
	SystemPrompt        string        `mapstructure:"system_prompt"`
	MaxIterations       int           `mapstructure:"max_iterations"`
	MaxToolCallsPerTurn int           `mapstructure:"max_tool_calls_per_turn"`
	MaxParallelTools    int           `mapstructure:"max_parallel_tools"`
	ToolTimeout         time.Duration `mapstructure:"tool_timeout"`
}

// CredentialsConfig locates the user file.
type CredentialsConfig struct {
	Path string `mapstructure:"path"`
}

// StorageConfig selects the storage backend and its directory.
type StorageConfig struct {
	Backend string `mapstructure:"backend"`
	DataDir string `mapstructure:"data_dir"`
}

// IndexConfig describes the datasheet vector index.
type IndexConfig struct {
	Dimensions int `mapstructure:"dimensions"`
}

// ToolsConfig tunes the datasheet tools.
type ToolsConfig struct {
	Similar SimilarToolConfig `mapstructure:"similar"`
	Extract ExtractToolConfig `mapstructure:"extract"`
}

// SimilarToolConfig tunes find_similar_products.
type SimilarToolConfig struct {
	TopK int `mapstructure:"top_k"`
}

// ExtractToolConfig tunes extract_product_info.
type ExtractToolConfig struct {
	Model string `mapstructure:"model"`
}

// PromptsConfig points at optional prompt override files.
type PromptsConfig struct {
	Dir string `mapstructure:"dir"`
}

// AuditConfig controls audit failure handling.
type AuditConfig struct {
	FailClosed bool `mapstructure:"fail_closed"`
}

// SecurityConfig holds content scanning settings.
type SecurityConfig struct {
	Scanner ScannerConfig `mapstructure:"scanner"`
}

// ScannerConfig sets the scanner mode for user input and for tool output.
type ScannerConfig struct {
	Input string `mapstructure:"input"`
	Tool  string `mapstructure:"tool"`
}

// SetDefaults registers every default value on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("networking.listen", "127.0.0.1:8080")
	v.SetDefault("server.auth.required", false)
	v.SetDefault("models.default", "google/gemini-2.0-flash-001")
	v.SetDefault("models.embedding", "google/text-embedding-004")
	v.SetDefault("models.temperature", 0)
	v.SetDefault("models.max_tokens", 1024)
	v.SetDefault("agent.max_iterations", 8)
	v.SetDefault("agent.max_tool_calls_per_turn", 10)
	v.SetDefault("agent.max_parallel_tools", 4)
	v.SetDefault("agent.tool_timeout", "60s")
	v.SetDefault("permissions.admin", []string{"extract_product_info", "find_similar_products"})
	v.SetDefault("permissions.user", []string{"extract_product_info"})
	v.SetDefault("credentials.path", "db.json")
	v.SetDefault("storage.backend", "sqlite")
	v.SetDefault("storage.data_dir", "data")
	v.SetDefault("index.dimensions", 768)
	v.SetDefault("tools.similar.top_k", 10)
	v.SetDefault("audit.fail_closed", false)
	v.SetDefault("security.scanner.input", string(scanner.ModeFlag))
	v.SetDefault("security.scanner.tool", string(scanner.ModeRedact))
}

// providerEnv lists the vendor environment variables accepted as a fallback
// for each provider API key.
var providerEnv = map[string]string{
	"anthropic": "ANTHROPIC_API_KEY",
	"openai":    "OPENAI_API_KEY",
	"google":    "GOOGLE_API_KEY",
}

// SetupEnv enables PARTSCOUT_* environment overrides on v. Provider keys are
// bound explicitly so they reach Unmarshal without a config file entry.
func SetupEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for name, vendor := range providerEnv {
		key := "providers." + name
		_ = v.BindEnv(key+".api_key", envName(key+".api_key"), vendor)
		_ = v.BindEnv(key+".endpoint", envName(key+".endpoint"))
	}
}

func envName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// Load reads configuration from path (or defaults only when empty) with
// environment overrides, then validates it.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	SetupEnv(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, pserr.Wrapf(err, pserr.CodeConfigLoadReadFailure, "reading config %s", path)
		}
	}
	return FromViper(v)
}

// FromViper decodes and validates the configuration held by v.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, pserr.Wrap(err, pserr.CodeConfigParseInvalidFormat, "unmarshalling config")
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, pserr.Wrap(errors.Join(errs...), pserr.CodeConfigValidateInvalidValue, "validating config")
	}
	return &cfg, nil
}

// Validate checks the configuration for logical errors, collecting every
// problem rather than stopping at the first one.
func (c *Config) Validate() []error {
	var errs []error

	errs = append(errs, c.validateNetworking()...)
	errs = append(errs, c.validateStorage()...)
	errs = append(errs, c.validateModels()...)
	errs = append(errs, c.validateAgent()...)
	errs = append(errs, c.validatePermissions()...)
	errs = append(errs, c.validateTools()...)
	errs = append(errs, c.validateSecurity()...)

	return errs
}

func invalid(format string, args ...any) error {
	return pserr.Errorf(pserr.CodeConfigValidateInvalidValue, "config: "+format, args...)
}

func (c *Config) validateNetworking() []error {
	var errs []error

	if c.Networking.Listen == "" {
		return append(errs, invalid("networking.listen must not be empty"))
	}
	// Host may be empty, e.g. ":8080".
	_, portStr, err := net.SplitHostPort(c.Networking.Listen)
	if err != nil {
		return append(errs, invalid("networking.listen must be a valid host:port address, got %q: %v", c.Networking.Listen, err))
	}
	port, err := strconv.Atoi(portStr)
	switch {
	case err != nil:
		errs = append(errs, invalid("networking.listen port must be a number, got %q", portStr))
	case port < 1 || port > 65535:
		errs = append(errs, invalid("networking.listen port must be between 1 and 65535, got %d", port))
	}
	return errs
}

func (c *Config) validateStorage() []error {
	var errs []error

	if c.Storage.Backend != "sqlite" {
		errs = append(errs, invalid("storage.backend must be one of [sqlite], got %q", c.Storage.Backend))
	}
	if c.Storage.DataDir == "" {
		errs = append(errs, invalid("storage.data_dir must not be empty"))
	}
	if c.Credentials.Path == "" {
		errs = append(errs, invalid("credentials.path must not be empty"))
	}
	if c.Index.Dimensions <= 0 {
		errs = append(errs, invalid("index.dimensions must be greater than 0, got %d", c.Index.Dimensions))
	}
	return errs
}

func (c *Config) validateModels() []error {
	var errs []error

	if c.Models.Default == "" {
		errs = append(errs, invalid("models.default must not be empty"))
	} else {
		errs = append(errs, c.checkModelRef("models.default", c.Models.Default)...)
	}
	for i, ref := range c.Models.Failover {
		errs = append(errs, c.checkModelRef("models.failover["+strconv.Itoa(i)+"]", ref)...)
	}
	if c.Models.Embedding != "" {
		errs = append(errs, c.checkModelRef("models.embedding", c.Models.Embedding)...)
	}
	if c.Models.Temperature < 0 || c.Models.Temperature > 2 {
		errs = append(errs, invalid("models.temperature must be between 0 and 2, got %g", c.Models.Temperature))
	}
	if c.Models.MaxTokens < 0 {
		errs = append(errs, invalid("models.max_tokens must not be negative, got %d", c.Models.MaxTokens))
	}
	return errs
}

// checkModelRef validates a "provider/model" ref. Providers are only
// cross-checked when a providers section exists.
func (c *Config) checkModelRef(key, ref string) []error {
	prov, model, ok := strings.Cut(ref, "/")
	if !ok || prov == "" || model == "" {
		return []error{invalid("%s must be in \"provider/model\" format, got %q", key, ref)}
	}
	if c.Providers != nil {
		if _, ok := c.Providers[prov]; !ok {
			return []error{invalid("%s %q references provider %q which is not configured", key, ref, prov)}
		}
	}
	return nil
}

func (c *Config) validateAgent() []error {
	var errs []error

	if c.Agent.MaxIterations <= 0 {
		errs = append(errs, invalid("agent.max_iterations must be greater than 0, got %d", c.Agent.MaxIterations))
	}
	if c.Agent.MaxToolCallsPerTurn <= 0 {
		errs = append(errs, invalid("agent.max_tool_calls_per_turn must be greater than 0, got %d", c.Agent.MaxToolCallsPerTurn))
	}
	if c.Agent.MaxParallelTools <= 0 {
		errs = append(errs, invalid("agent.max_parallel_tools must be greater than 0, got %d", c.Agent.MaxParallelTools))
	}
	if c.Agent.ToolTimeout <= 0 {
		errs = append(errs, invalid("agent.tool_timeout must be a positive duration, got %s", c.Agent.ToolTimeout))
	}
	return errs
}

var roleName = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

func (c *Config) validatePermissions() []error {
	var errs []error

	for role, tools := range c.Permissions {
		if !roleName.MatchString(role) {
			errs = append(errs, invalid("permissions: role %q may only contain letters, digits, '.', '_' and '-'", role))
		}
		for i, tool := range tools {
			if strings.TrimSpace(tool) == "" {
				errs = append(errs, invalid("permissions.%s[%d] must not be empty", role, i))
			}
		}
	}
	return errs
}

func (c *Config) validateTools() []error {
	var errs []error

	if c.Tools.Similar.TopK <= 0 {
		errs = append(errs, invalid("tools.similar.top_k must be greater than 0, got %d", c.Tools.Similar.TopK))
	}
	if ref := c.Tools.Extract.Model; ref != "" {
		errs = append(errs, c.checkModelRef("tools.extract.model", ref)...)
	}
	return errs
}

func (c *Config) validateSecurity() []error {
	var errs []error
	for _, f := range []struct{ key, mode string }{
		{"security.scanner.input", c.Security.Scanner.Input},
		{"security.scanner.tool", c.Security.Scanner.Tool},
	} {
		if _, err := scanner.ParseMode(f.mode); err != nil {
			errs = append(errs, invalid("%s must be one of [block flag redact], got %q", f.key, f.mode))
		}
	}
	return errs
}
