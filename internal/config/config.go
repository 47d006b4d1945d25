package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the voice relay service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool
	AllowedOrigins []string

	RelayMode string

	LogLevel  string
	LogFormat string

	GeminiAPIKey           string
	GeminiWSURL            string
	GeminiModel            string
	GeminiDefaultVoice     string
	GeminiResponseModality string
	GeminiTranscription    bool

	StoreDriver string
	DatabaseURL string
	AgentsFile  string

	LookupTimeout    time.Duration
	SetupGrace       time.Duration
	WriteTimeout     time.Duration
	ToolTimeout      time.Duration
	MaxPendingFrames int
	MaxPendingBytes  int
	PendingOverflow  string
	MaxMessageBytes  int

	CRMBaseURL          string
	CRMToken            string
	ImagePlaceholderURL string

	UsageProvider    string
	UsageServiceType string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:               envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:       envOrDefault("APP_METRICS_NAMESPACE", "voicerelay"),
		AllowedOrigins:         splitList(os.Getenv("APP_ALLOWED_ORIGINS")),
		RelayMode:              strings.ToLower(envOrDefault("RELAY_MODE", "service")),
		LogLevel:               strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
		LogFormat:              strings.ToLower(envOrDefault("LOG_FORMAT", "json")),
		GeminiAPIKey:           stringsTrimSpace("GEMINI_API_KEY"),
		GeminiWSURL:            envOrDefault("GEMINI_WS_URL", "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"),
		GeminiModel:            envOrDefault("GEMINI_MODEL", "models/gemini-2.0-flash-live-001"),
		GeminiDefaultVoice:     envOrDefault("GEMINI_DEFAULT_VOICE", "Puck"),
		GeminiResponseModality: strings.ToUpper(envOrDefault("GEMINI_RESPONSE_MODALITY", "AUDIO")),
		GeminiTranscription:    true,
		StoreDriver:            strings.ToLower(envOrDefault("STORE_DRIVER", "memory")),
		DatabaseURL:            stringsTrimSpace("DATABASE_URL"),
		AgentsFile:             stringsTrimSpace("AGENTS_FILE"),
		PendingOverflow:        strings.ToLower(envOrDefault("RELAY_PENDING_OVERFLOW", "drop_oldest")),
		CRMBaseURL:             stringsTrimSpace("CRM_BASE_URL"),
		CRMToken:               stringsTrimSpace("CRM_TOKEN"),
		ImagePlaceholderURL:    envOrDefault("IMAGE_PLACEHOLDER_URL", "https://placehold.co/1024x1024"),
		UsageProvider:          envOrDefault("USAGE_PROVIDER", "gemini"),
		UsageServiceType:       envOrDefault("USAGE_SERVICE_TYPE", "voice_relay"),
		ShutdownTimeout:        15 * time.Second,
		LookupTimeout:          5 * time.Second,
		// The upstream usually acknowledges setup well within this window; the
		// greeting goes out on setupComplete or when the grace runs out.
		SetupGrace:       500 * time.Millisecond,
		WriteTimeout:     10 * time.Second,
		ToolTimeout:      15 * time.Second,
		MaxPendingFrames: 256,
		MaxPendingBytes:  8 << 20,
		MaxMessageBytes:  4 << 20,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.LookupTimeout, err = durationFromEnv("RELAY_LOOKUP_TIMEOUT", cfg.LookupTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SetupGrace, err = durationFromEnv("RELAY_SETUP_GRACE", cfg.SetupGrace)
	if err != nil {
		return Config{}, err
	}
	cfg.WriteTimeout, err = durationFromEnv("RELAY_WRITE_TIMEOUT", cfg.WriteTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ToolTimeout, err = durationFromEnv("RELAY_TOOL_TIMEOUT", cfg.ToolTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxPendingFrames, err = intFromEnv("RELAY_MAX_PENDING_FRAMES", cfg.MaxPendingFrames)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxPendingBytes, err = intFromEnv("RELAY_MAX_PENDING_BYTES", cfg.MaxPendingBytes)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxMessageBytes, err = intFromEnv("RELAY_MAX_MESSAGE_BYTES", cfg.MaxMessageBytes)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.GeminiTranscription, err = boolFromEnv("GEMINI_TRANSCRIPTION", cfg.GeminiTranscription)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges and enumerations. It is also used after
// command-line flags have been applied on top of the environment.
func (c Config) Validate() error {
	switch c.RelayMode {
	case "service", "serverless":
	default:
		return fmt.Errorf("RELAY_MODE must be service or serverless, got %q", c.RelayMode)
	}
	switch c.StoreDriver {
	case "memory":
	case "postgres", "sqlite":
		if strings.TrimSpace(c.DatabaseURL) == "" && c.StoreDriver == "postgres" {
			return fmt.Errorf("DATABASE_URL is required for STORE_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be memory, postgres or sqlite, got %q", c.StoreDriver)
	}
	switch c.PendingOverflow {
	case "drop_oldest", "fail":
	default:
		return fmt.Errorf("RELAY_PENDING_OVERFLOW must be drop_oldest or fail, got %q", c.PendingOverflow)
	}
	switch c.GeminiResponseModality {
	case "AUDIO", "TEXT":
	default:
		return fmt.Errorf("GEMINI_RESPONSE_MODALITY must be AUDIO or TEXT, got %q", c.GeminiResponseModality)
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}
	if c.MaxPendingFrames <= 0 {
		return fmt.Errorf("RELAY_MAX_PENDING_FRAMES must be positive")
	}
	if c.MaxPendingBytes <= 0 {
		return fmt.Errorf("RELAY_MAX_PENDING_BYTES must be positive")
	}
	if c.MaxMessageBytes <= 0 {
		return fmt.Errorf("RELAY_MAX_MESSAGE_BYTES must be positive")
	}
	if c.MaxPendingBytes < c.MaxMessageBytes {
		return fmt.Errorf("RELAY_MAX_PENDING_BYTES (%d) must be >= RELAY_MAX_MESSAGE_BYTES (%d)", c.MaxPendingBytes, c.MaxMessageBytes)
	}
	if c.SetupGrace < 0 {
		return fmt.Errorf("RELAY_SETUP_GRACE must be >= 0")
	}
	if c.LookupTimeout <= 0 || c.WriteTimeout <= 0 || c.ToolTimeout <= 0 {
		return fmt.Errorf("relay timeouts must be positive")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
