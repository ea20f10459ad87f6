package config

import (
	"os"
	"strconv"
)

// ApplyEnv overrides selected settings from SHIORI_* environment variables.
// Secrets are usually supplied this way rather than written into the YAML file.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv("SHIORI_GENERATOR_API_KEY"); v != "" {
		cfg.Generator.APIKey = v
	} else if v := os.Getenv("GROQ_API_KEY"); v != "" && cfg.Generator.APIKey == "" {
		cfg.Generator.APIKey = v
	}
	if v := os.Getenv("SHIORI_GENERATOR_MODEL"); v != "" {
		cfg.Generator.Model = v
	}
	if v := os.Getenv("SHIORI_GENERATOR_PROVIDER"); v != "" {
		cfg.Generator.Provider = v
	}
	if v := os.Getenv("SHIORI_GENERATOR_BASE_URL"); v != "" {
		cfg.Generator.BaseURL = v
	}
	if v := os.Getenv("SHIORI_EMBEDDING_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv("SHIORI_REDIS_ADDR"); v != "" {
		cfg.Embedding.RedisAddr = v
	}
	if v := os.Getenv("SHIORI_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("SHIORI_DEBUG"); v != "" {
		if debug, err := strconv.ParseBool(v); err == nil {
			cfg.Debug = debug
		}
	}
}
