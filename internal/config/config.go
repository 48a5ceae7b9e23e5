// Package config loads pipeline configuration from an optional YAML
// file and the environment. Environment variables always win; an empty
// variable counts as unset.
package config

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds the whole pipeline configuration.
type Config struct {
	HTTPAddress string `yaml:"http_address"`
	AuthToken   string `yaml:"auth_token"` // empty leaves the gateway open

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	RecognitionURL string `yaml:"recognition_url"`
	RecognitionKey string `yaml:"recognition_api_key"`

	ChatBaseURL string `yaml:"chat_base_url"`
	ChatAPIKey  string `yaml:"chat_api_key"`

	SynthBaseURL string `yaml:"synth_base_url"`
	SynthAPIKey  string `yaml:"synth_api_key"`
	SynthVoiceID string `yaml:"synth_voice_id"`

	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`
	KafkaEnabled bool     `yaml:"kafka_enabled"`

	DisableAutoResume bool `yaml:"disable_auto_resume"`
}

func defaults() Config {
	return Config{
		HTTPAddress: ":8080",
		LogLevel:    "info",
		LogFormat:   "json",
		KafkaTopic:  "conversation.turns",
	}
}

// Load reads the optional YAML file at path, then applies environment
// overrides and returns the config with sane defaults filled in.
func Load(path string) Config {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file loaded")
	}

	cfg := defaults()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("config file unreadable, using env and defaults")
		} else if err := yaml.Unmarshal(raw, &cfg); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("config file invalid, using env and defaults")
		}
	}

	overrideString(&cfg.HTTPAddress, "HTTP_ADDRESS")
	overrideString(&cfg.AuthToken, "GATEWAY_AUTH_TOKEN")
	overrideString(&cfg.LogLevel, "LOG_LEVEL")
	overrideString(&cfg.LogFormat, "LOG_FORMAT")
	overrideString(&cfg.RecognitionURL, "RECOGNITION_URL")
	overrideString(&cfg.RecognitionKey, "RECOGNITION_API_KEY")
	overrideString(&cfg.ChatBaseURL, "CHAT_BASE_URL")
	overrideString(&cfg.ChatAPIKey, "CHAT_API_KEY")
	overrideString(&cfg.SynthBaseURL, "SYNTH_BASE_URL")
	overrideString(&cfg.SynthAPIKey, "SYNTH_API_KEY")
	overrideString(&cfg.SynthVoiceID, "SYNTH_VOICE_ID")
	overrideString(&cfg.KafkaTopic, "KAFKA_TOPIC")
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.KafkaBrokers = splitList(v)
	}
	overrideBool(&cfg.KafkaEnabled, "KAFKA_ENABLED")
	overrideBool(&cfg.DisableAutoResume, "DISABLE_AUTO_RESUME")

	if cfg.RecognitionURL == "" {
		log.Warn().Msg("RECOGNITION_URL not set - live transcription will not work")
	}
	if cfg.ChatBaseURL == "" {
		log.Warn().Msg("CHAT_BASE_URL not set - sending utterances will not work")
	}
	if cfg.SynthBaseURL == "" {
		log.Info().Msg("SYNTH_BASE_URL not set - replies use the local voice")
	}

	log.Info().Str("httpAddress", cfg.HTTPAddress).Msg("config loaded")
	return cfg
}

func overrideString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func overrideBool(dst *bool, key string) {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		*dst = true
	case "0", "false", "no", "off":
		*dst = false
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
