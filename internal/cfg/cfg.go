package cfg

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/linnemanlabs/sift/internal/authmw"
)

// LLM provider names accepted by -llm-provider.
const (
	ProviderOpenAI = "openai"
	ProviderClaude = "claude"
)

// pgVectorDims is the width of the embedding column in the postgres schema.
const pgVectorDims = 1536

// Config adds sift-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int

	LLMProvider    string
	OpenAIAPIKey   string
	OpenAIModel    string
	OpenAIBaseURL  string
	EmbeddingModel string
	EmbeddingDims  int
	ClaudeAPIKey   string
	ClaudeModel    string
	LLMTimeout     time.Duration
	LLMMaxAttempts int

	DatabaseURL   string
	RedisURL      string
	EmbedCacheTTL time.Duration
	AMQPURL       string
	QueueName     string
	Workers       int

	SlackWebhookURL    string
	APITokens          string
	DefaultOwner       string
	TablesFile         string
	NeighborK          int
	DenyOverridesAllow bool
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")

	fs.StringVar(&c.LLMProvider, "llm-provider", ProviderOpenAI, "chat provider for classification and drafting (openai|claude)")
	fs.StringVar(&c.OpenAIAPIKey, "openai-api-key", "", "API key for the OpenAI-compatible provider (always used for embeddings)")
	fs.StringVar(&c.OpenAIModel, "openai-model", "gpt-4o-mini", "OpenAI chat model")
	fs.StringVar(&c.OpenAIBaseURL, "openai-base-url", "", "override the OpenAI API base URL (empty = api.openai.com)")
	fs.StringVar(&c.EmbeddingModel, "embedding-model", "text-embedding-3-small", "embedding model")
	fs.IntVar(&c.EmbeddingDims, "embedding-dims", pgVectorDims, "embedding vector dimensionality")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for accessing the Claude LLM provider")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model to use")
	fs.DurationVar(&c.LLMTimeout, "llm-timeout", 60*time.Second, "per-attempt timeout for provider calls")
	fs.IntVar(&c.LLMMaxAttempts, "llm-max-attempts", 3, "attempts per provider call including the first (1..10)")

	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.StringVar(&c.RedisURL, "redis-url", "", "Redis URL for the embedding cache and message locks (empty = disabled)")
	fs.DurationVar(&c.EmbedCacheTTL, "embed-cache-ttl", 7*24*time.Hour, "how long cached embeddings live")
	fs.StringVar(&c.AMQPURL, "amqp-url", "", "RabbitMQ URL for background triage (empty = process inline)")
	fs.StringVar(&c.QueueName, "queue-name", "sift.triage", "RabbitMQ work queue name")
	fs.IntVar(&c.Workers, "workers", 4, "concurrent queue workers (1..64)")

	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for review notifications")
	fs.StringVar(&c.APITokens, "api-tokens", "", "comma-separated owner:token pairs for bearer authentication")
	fs.StringVar(&c.DefaultOwner, "default-owner", "", "owner for unauthenticated requests when no api tokens are set")
	fs.StringVar(&c.TablesFile, "tables-file", "", "YAML file overriding the keyword and instruction tables")
	fs.IntVar(&c.NeighborK, "neighbor-k", 5, "similar messages retrieved per pass (1..50)")
	fs.BoolVar(&c.DenyOverridesAllow, "deny-overrides-allow", true, "a sender on both lists is treated as denied")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	// Embeddings always come from the OpenAI-compatible endpoint
	if c.OpenAIAPIKey == "" {
		errs = append(errs, errors.New("OPENAI_API_KEY is required"))
	}
	if c.EmbeddingModel == "" {
		errs = append(errs, errors.New("EMBEDDING_MODEL is required"))
	}
	if c.EmbeddingDims <= 0 {
		errs = append(errs, fmt.Errorf("invalid EMBEDDING_DIMS %d (must be positive)", c.EmbeddingDims))
	} else if c.DatabaseURL != "" && c.EmbeddingDims != pgVectorDims {
		errs = append(errs, fmt.Errorf("EMBEDDING_DIMS %d does not match the postgres vector column (%d)", c.EmbeddingDims, pgVectorDims))
	}

	switch c.LLMProvider {
	case ProviderOpenAI:
		if c.OpenAIModel == "" {
			errs = append(errs, errors.New("OPENAI_MODEL is required"))
		}
	case ProviderClaude:
		if c.ClaudeAPIKey == "" {
			errs = append(errs, errors.New("CLAUDE_API_KEY is required"))
		}
		if c.ClaudeModel == "" {
			errs = append(errs, errors.New("CLAUDE_MODEL is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid LLM_PROVIDER %q (must be openai or claude)", c.LLMProvider))
	}

	if c.LLMTimeout <= 0 || c.LLMTimeout > 10*time.Minute {
		errs = append(errs, fmt.Errorf("invalid LLM_TIMEOUT %s (must be >0 and <=10m)", c.LLMTimeout))
	}
	if c.LLMMaxAttempts < 1 || c.LLMMaxAttempts > 10 {
		errs = append(errs, fmt.Errorf("invalid LLM_MAX_ATTEMPTS %d (must be 1..10)", c.LLMMaxAttempts))
	}
	if c.EmbedCacheTTL < 0 {
		errs = append(errs, fmt.Errorf("invalid EMBED_CACHE_TTL %s (must not be negative)", c.EmbedCacheTTL))
	}

	if c.AMQPURL != "" {
		if c.QueueName == "" {
			errs = append(errs, errors.New("QUEUE_NAME is required with AMQP_URL"))
		}
		if c.Workers < 1 || c.Workers > 64 {
			errs = append(errs, fmt.Errorf("invalid WORKERS %d (must be 1..64)", c.Workers))
		}
	}

	if c.NeighborK < 1 || c.NeighborK > 50 {
		errs = append(errs, fmt.Errorf("invalid NEIGHBOR_K %d (must be 1..50)", c.NeighborK))
	}

	// Every request needs an owner: from a token or the single-user default
	if c.APITokens == "" && c.DefaultOwner == "" {
		errs = append(errs, errors.New("API_TOKENS or DEFAULT_OWNER is required"))
	}
	if c.APITokens != "" {
		if _, err := authmw.ParseTokens(c.APITokens); err != nil {
			errs = append(errs, fmt.Errorf("invalid API_TOKENS: %w", err))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
