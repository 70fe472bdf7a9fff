package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/coinwise-ai/coinwise/internal/handlers"
	"github.com/coinwise-ai/coinwise/internal/queue"
	"github.com/coinwise-ai/coinwise/internal/services"
	"gopkg.in/yaml.v3"
)

// advisorProviderConfig builds the configured advisor provider. The opener
// is non-nil only for the hosted provider, which exposes a raw relayable
// stream; titleGen may be nil when the provider cannot generate titles.
type advisorProviderConfig interface {
	advisor(systemPrompt string, tools []services.ToolDef, logger *slog.Logger) (handlers.Advisor, error)
	opener(logger *slog.Logger) handlers.StreamOpener
	titleGen(logger *slog.Logger) (handlers.TitleGenerator, error)
}

type config struct {
	Port             string   `yaml:"port"`
	LogLevel         string   `yaml:"logLevel"`
	DBPath           string   `yaml:"dbPath"`
	SystemPrompt     string   `yaml:"systemPrompt"`
	MaxContentLength int      `yaml:"maxContentLength"`
	JWTSecret        string   `yaml:"jwtSecret"`
	AllowedOrigins   []string `yaml:"allowedOrigins"`

	Queue   queueConfig           `yaml:"queue"`
	Advisor advisorProviderConfig `yaml:"advisor"`

	MCPSSEServers   map[string]mcpSSEServerConfig   `yaml:"mcpSSEServers"`
	MCPStdIOServers map[string]mcpStdIOServerConfig `yaml:"mcpStdIOServers"`
}

type queueConfig struct {
	MaxRetries     int      `yaml:"maxRetries"`
	BaseBackoff    duration `yaml:"baseBackoff"`
	MaxBackoff     duration `yaml:"maxBackoff"`
	AttemptTimeout duration `yaml:"attemptTimeout"`
}

func (q queueConfig) toQueue() queue.Config {
	return queue.Config{
		MaxRetries:     q.MaxRetries,
		BaseBackoff:    time.Duration(q.BaseBackoff),
		MaxBackoff:     time.Duration(q.MaxBackoff),
		AttemptTimeout: time.Duration(q.AttemptTimeout),
	}
}

// duration parses yaml values like "500ms" or "10s".
type duration time.Duration

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = duration(parsed)
	return nil
}

// baseAdvisorConfig contains the fields common to all providers.
type baseAdvisorConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

type hostedConfig struct {
	baseAdvisorConfig `yaml:",inline"`
	BaseURL           string   `yaml:"baseUrl"`
	APIKey            string   `yaml:"apiKey"`
	HeaderTimeout     duration `yaml:"headerTimeout"`
}

type openAIConfig struct {
	baseAdvisorConfig `yaml:",inline"`
	APIKey            string `yaml:"apiKey"`
	BaseURL           string `yaml:"baseUrl"`
}

type ollamaConfig struct {
	baseAdvisorConfig `yaml:",inline"`
	Host              string `yaml:"host"`
}

type mcpSSEServerConfig struct {
	URL string `yaml:"url"`
}

type mcpStdIOServerConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port             string   `yaml:"port"`
		LogLevel         string   `yaml:"logLevel"`
		DBPath           string   `yaml:"dbPath"`
		SystemPrompt     string   `yaml:"systemPrompt"`
		MaxContentLength int      `yaml:"maxContentLength"`
		JWTSecret        string   `yaml:"jwtSecret"`
		AllowedOrigins   []string `yaml:"allowedOrigins"`

		Queue   queueConfig    `yaml:"queue"`
		Advisor map[string]any `yaml:"advisor"`

		MCPSSEServers   map[string]mcpSSEServerConfig   `yaml:"mcpSSEServers"`
		MCPStdIOServers map[string]mcpStdIOServerConfig `yaml:"mcpStdIOServers"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	c.Port = rawConfig.Port
	c.LogLevel = rawConfig.LogLevel
	c.DBPath = rawConfig.DBPath
	c.SystemPrompt = rawConfig.SystemPrompt
	c.MaxContentLength = rawConfig.MaxContentLength
	c.JWTSecret = rawConfig.JWTSecret
	c.AllowedOrigins = rawConfig.AllowedOrigins
	c.Queue = rawConfig.Queue
	c.MCPSSEServers = rawConfig.MCPSSEServers
	c.MCPStdIOServers = rawConfig.MCPStdIOServers

	provider, ok := rawConfig.Advisor["provider"].(string)
	if !ok {
		return fmt.Errorf("advisor provider is required")
	}

	advisorRawYAML, err := yaml.Marshal(rawConfig.Advisor)
	if err != nil {
		return err
	}

	var advisor advisorProviderConfig
	switch provider {
	case "hosted":
		advisor = &hostedConfig{}
	case "openai":
		advisor = &openAIConfig{}
	case "ollama":
		advisor = &ollamaConfig{}
	default:
		return fmt.Errorf("unknown advisor provider: %s", provider)
	}

	if err := yaml.Unmarshal(advisorRawYAML, advisor); err != nil {
		return err
	}

	c.Advisor = advisor

	return nil
}

func (h *hostedConfig) newAdvisor(logger *slog.Logger) (services.Advisor, error) {
	if h.BaseURL == "" {
		return services.Advisor{}, fmt.Errorf("baseUrl is required")
	}

	apiKey := h.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("COINWISE_ADVISOR_API_KEY")
	}

	headerTimeout := time.Duration(h.HeaderTimeout)
	if headerTimeout == 0 {
		headerTimeout = 30 * time.Second
	}

	return services.NewAdvisor(h.BaseURL, apiKey, headerTimeout, logger), nil
}

func (h *hostedConfig) advisor(_ string, _ []services.ToolDef, logger *slog.Logger) (handlers.Advisor, error) {
	return h.newAdvisor(logger)
}

func (h *hostedConfig) opener(logger *slog.Logger) handlers.StreamOpener {
	adv, err := h.newAdvisor(logger)
	if err != nil {
		return nil
	}
	return adv
}

// The hosted advisor names conversations itself; no local title generation.
func (h *hostedConfig) titleGen(*slog.Logger) (handlers.TitleGenerator, error) {
	return nil, nil
}

func (o *openAIConfig) newOpenAI(systemPrompt string, tools []services.ToolDef, logger *slog.Logger) (services.OpenAI, error) {
	if o.Model == "" {
		return services.OpenAI{}, fmt.Errorf("model is required")
	}

	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	return services.NewOpenAI(apiKey, o.BaseURL, o.Model, systemPrompt, tools, logger), nil
}

func (o *openAIConfig) advisor(systemPrompt string, tools []services.ToolDef, logger *slog.Logger) (handlers.Advisor, error) {
	return o.newOpenAI(systemPrompt, tools, logger)
}

func (o *openAIConfig) opener(*slog.Logger) handlers.StreamOpener {
	return nil
}

func (o *openAIConfig) titleGen(logger *slog.Logger) (handlers.TitleGenerator, error) {
	return o.newOpenAI("", nil, logger)
}

func (o *ollamaConfig) newOllama(systemPrompt string) (services.Ollama, error) {
	if o.Model == "" {
		return services.Ollama{}, fmt.Errorf("model is required")
	}

	host := o.Host
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	return services.NewOllama(host, o.Model, systemPrompt)
}

func (o *ollamaConfig) advisor(systemPrompt string, _ []services.ToolDef, _ *slog.Logger) (handlers.Advisor, error) {
	return o.newOllama(systemPrompt)
}

func (o *ollamaConfig) opener(*slog.Logger) handlers.StreamOpener {
	return nil
}

func (o *ollamaConfig) titleGen(*slog.Logger) (handlers.TitleGenerator, error) {
	return o.newOllama("")
}
