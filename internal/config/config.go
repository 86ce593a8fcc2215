package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

const (
	StoreBackendPostgres = "postgres"
	StoreBackendPebble   = "pebble"

	PartialReplyPersist = "persist"
	PartialReplyDiscard = "discard"
)

const defaultInstructions = `You are a helpful weather assistant that provides accurate weather information.
Always ask for a location if none is provided. If the location name isn't in English, translate it.
Include relevant details like humidity, wind conditions, and precipitation.
Keep responses concise but informative.`

var ErrInvalidConfig = errors.New("invalid config")

// Config centraliza la configuración del servicio.
type Config struct {
	HTTPPort           string        `env:"HTTP_PORT" envDefault:"8080"`
	StoreBackend       string        `env:"STORE_BACKEND" envDefault:"postgres"`
	DatabaseURL        string        `env:"DATABASE_URL"`
	PebblePath         string        `env:"PEBBLE_PATH" envDefault:"data/messages"`
	LLMAPIKey          string        `env:"LLM_API_KEY,required,notEmpty"`
	LLMBaseURL         string        `env:"LLM_BASE_URL" envDefault:"https://api.groq.com/openai/v1"`
	LLMModel           string        `env:"LLM_MODEL" envDefault:"llama-3.3-70b-versatile"`
	AgentInstructions  string        `env:"AGENT_INSTRUCTIONS"`
	HistoryLimit       int           `env:"HISTORY_LIMIT" envDefault:"50"`
	GenerationTimeout  time.Duration `env:"GENERATION_TIMEOUT" envDefault:"2m"`
	PartialReplyPolicy string        `env:"PARTIAL_REPLY_POLICY" envDefault:"persist"`
	MaxPromptTokens    int           `env:"MAX_PROMPT_TOKENS" envDefault:"4000"`
	DefaultResourceID  string        `env:"DEFAULT_RESOURCE_ID" envDefault:"user-1"`
	JWTSecret          string        `env:"JWT_SECRET"`
	JWTTTL             time.Duration `env:"JWT_TTL" envDefault:"24h"`
	RedisAddr          string        `env:"REDIS_ADDR"`
	RedisPassword      string        `env:"REDIS_PASSWORD"`
	RedisDB            int           `env:"REDIS_DB" envDefault:"0"`
	RateLimitWindow    time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1m"`
	RateLimitMax       int           `env:"RATE_LIMIT_MAX" envDefault:"20"`
	ShutdownTimeout    time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// LoadConfig carga la configuración desde variables de entorno.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate aplica las reglas que dependen de varios campos.
func (c *Config) Validate() error {
	c.StoreBackend = strings.ToLower(strings.TrimSpace(c.StoreBackend))
	c.PartialReplyPolicy = strings.ToLower(strings.TrimSpace(c.PartialReplyPolicy))

	switch c.StoreBackend {
	case StoreBackendPostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return fmt.Errorf("%w: DATABASE_URL is required for the postgres backend", ErrInvalidConfig)
		}
	case StoreBackendPebble:
		if strings.TrimSpace(c.PebblePath) == "" {
			return fmt.Errorf("%w: PEBBLE_PATH is required for the pebble backend", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown STORE_BACKEND %q", ErrInvalidConfig, c.StoreBackend)
	}

	switch c.PartialReplyPolicy {
	case PartialReplyPersist, PartialReplyDiscard:
	default:
		return fmt.Errorf("%w: unknown PARTIAL_REPLY_POLICY %q", ErrInvalidConfig, c.PartialReplyPolicy)
	}

	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 50
	}
	if strings.TrimSpace(c.AgentInstructions) == "" {
		c.AgentInstructions = defaultInstructions
	}
	if strings.TrimSpace(c.DefaultResourceID) == "" {
		return fmt.Errorf("%w: DEFAULT_RESOURCE_ID must not be empty", ErrInvalidConfig)
	}
	return nil
}

// PersistPartialReplies indica si las respuestas cortadas se guardan marcadas como detenidas.
func (c *Config) PersistPartialReplies() bool {
	return c.PartialReplyPolicy != PartialReplyDiscard
}
