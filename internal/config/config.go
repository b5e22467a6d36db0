package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Settings holds process-level configuration, loaded from the environment
// with the LLM_ROUTER prefix.
type Settings struct {
	DatabasePath string `envconfig:"DATABASE_PATH" default:"/app/data/llm-router.db"`
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8080"`
	AdminSecret  string `envconfig:"ADMIN_SECRET" default:""`
	LogLevel     string `envconfig:"LOG_LEVEL" default:"info"`

	// RoutingConfigPath points at an optional YAML file overriding the
	// built-in fallback tables, currencies, and exchange rates.
	RoutingConfigPath string `envconfig:"ROUTING_CONFIG" default:""`

	OpenAIAPIKey     string `envconfig:"OPENAI_API_KEY" default:""`
	OpenAIBaseURL    string `envconfig:"OPENAI_BASE_URL" default:""`
	AnthropicAPIKey  string `envconfig:"ANTHROPIC_API_KEY" default:""`
	AnthropicBaseURL string `envconfig:"ANTHROPIC_BASE_URL" default:""`

	// AttemptTimeout bounds a single provider invocation. DispatchTimeout
	// bounds the whole fallback chain for one request.
	AttemptTimeout  time.Duration `envconfig:"ATTEMPT_TIMEOUT" default:"60s"`
	DispatchTimeout time.Duration `envconfig:"DISPATCH_TIMEOUT" default:"120s"`

	CacheTTL time.Duration `envconfig:"CACHE_TTL" default:"24h"`

	// ExactTokenizer switches the token estimate from the word-count
	// heuristic to BPE encoding.
	ExactTokenizer bool `envconfig:"EXACT_TOKENIZER" default:"false"`
}

func Load() (Settings, error) {
	var s Settings
	if err := envconfig.Process("LLM_ROUTER", &s); err != nil {
		return Settings{}, fmt.Errorf("load config: %w", err)
	}
	return s, nil
}
