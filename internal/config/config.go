package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Token handling modes. Cached keeps one process-wide token refreshed in the
// background; per-request fetches a fresh token for every inbound call.
const (
	TokenModeCached     = "cached"
	TokenModePerRequest = "per_request"
)

// Config is read once at startup from the environment (.env is loaded by the
// CLI before this runs). All durations and ceilings are policy defaults, not
// invariants.
type Config struct {
	Port        string
	ServiceName string
	Version     string

	// Source PBX API
	PBXBaseURL   string
	PBXUsername  string
	PBXPassword  string
	TokenPath    string
	ResolvePath  string
	DownloadPath string

	// Credential refresh policy
	TokenMode          string
	RefreshInterval    time.Duration
	RefreshCeiling     int
	RefreshBackoffBase time.Duration
	RefreshBackoffCap  time.Duration

	// Recording retrieval
	ResolveTimeout  time.Duration
	DownloadTimeout time.Duration
	MinAudioBytes   int
	MaxAudioBytes   int

	// Transcription service
	TranscribeURL      string
	TranscribeAPIKey   string
	TranscribeModel    string
	TranscribeLanguage string
	TranscribeTimeout  time.Duration

	// Downstream delivery
	ForwardURL     string
	ForwardTimeout time.Duration

	// Pipeline behaviour
	MaxAttempts      int
	RetryBackoffBase time.Duration
	RetryBackoffCap  time.Duration
	AsyncProcessing  bool
}

func FromEnv() Config {
	return Config{
		Port:        envOr("PORT", "8080"),
		ServiceName: envOr("SERVICE_NAME", "pbx-bridge-go"),
		Version:     envOr("SERVICE_VERSION", "dev"),

		PBXBaseURL:   os.Getenv("PBX_BASE_URL"),
		PBXUsername:  os.Getenv("PBX_USERNAME"),
		PBXPassword:  os.Getenv("PBX_PASSWORD"),
		TokenPath:    envOr("PBX_TOKEN_PATH", "/openapi/v1.0/get_token"),
		ResolvePath:  envOr("PBX_RESOLVE_PATH", "/openapi/v1.0/recording/get_random"),
		DownloadPath: envOr("PBX_DOWNLOAD_PATH", "/openapi/v1.0/recording/download"),

		TokenMode:          envOr("TOKEN_MODE", TokenModeCached),
		RefreshInterval:    envDuration("TOKEN_REFRESH_INTERVAL", 25*time.Minute),
		RefreshCeiling:     envInt("TOKEN_REFRESH_CEILING", 3),
		RefreshBackoffBase: envDuration("TOKEN_BACKOFF_BASE", time.Second),
		RefreshBackoffCap:  envDuration("TOKEN_BACKOFF_CAP", 30*time.Second),

		ResolveTimeout:  envDuration("RESOLVE_TIMEOUT", 30*time.Second),
		DownloadTimeout: envDuration("DOWNLOAD_TIMEOUT", 120*time.Second),
		MinAudioBytes:   envInt("MIN_AUDIO_BYTES", 1000),
		MaxAudioBytes:   envInt("MAX_AUDIO_BYTES", 25*1024*1024),

		TranscribeURL:      os.Getenv("TRANSCRIBE_URL"),
		TranscribeAPIKey:   os.Getenv("TRANSCRIBE_API_KEY"),
		TranscribeModel:    envOr("TRANSCRIBE_MODEL", "whisper-1"),
		TranscribeLanguage: envOr("TRANSCRIBE_LANGUAGE", "en"),
		TranscribeTimeout:  envDuration("TRANSCRIBE_TIMEOUT", 60*time.Second),

		ForwardURL:     os.Getenv("FORWARD_URL"),
		ForwardTimeout: envDuration("FORWARD_TIMEOUT", 30*time.Second),

		MaxAttempts:      envInt("PIPELINE_MAX_ATTEMPTS", 3),
		RetryBackoffBase: envDuration("RETRY_BACKOFF_BASE", time.Second),
		RetryBackoffCap:  envDuration("RETRY_BACKOFF_CAP", 10*time.Second),
		AsyncProcessing:  envBool("ASYNC_PROCESSING", false),
	}
}

// Validate catches configuration that can never work. Missing optional
// endpoints are reported through Readiness instead, so a partially configured
// bridge still starts and answers health checks.
func (c Config) Validate() error {
	if c.TokenMode != TokenModeCached && c.TokenMode != TokenModePerRequest {
		return fmt.Errorf("TOKEN_MODE must be %q or %q, got %q", TokenModeCached, TokenModePerRequest, c.TokenMode)
	}
	if p, err := strconv.Atoi(c.Port); err != nil || p <= 0 || p > 65535 {
		return fmt.Errorf("PORT must be a valid port number, got %q", c.Port)
	}
	if c.MinAudioBytes <= 0 {
		return fmt.Errorf("MIN_AUDIO_BYTES must be positive, got %d", c.MinAudioBytes)
	}
	if c.MaxAudioBytes <= c.MinAudioBytes {
		return fmt.Errorf("MAX_AUDIO_BYTES (%d) must exceed MIN_AUDIO_BYTES (%d)", c.MaxAudioBytes, c.MinAudioBytes)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("PIPELINE_MAX_ATTEMPTS must be at least 1, got %d", c.MaxAttempts)
	}
	if c.RefreshCeiling < 1 {
		return fmt.Errorf("TOKEN_REFRESH_CEILING must be at least 1, got %d", c.RefreshCeiling)
	}
	return nil
}

// Readiness reports which downstream dependencies are configured. Served on
// the health endpoint.
func (c Config) Readiness() map[string]bool {
	return map[string]bool{
		"pbx_credentials_configured": c.PBXBaseURL != "" && c.PBXUsername != "" && c.PBXPassword != "",
		"transcription_configured":   c.TranscribeURL != "" && c.TranscribeAPIKey != "",
		"forwarding_configured":      c.ForwardURL != "",
	}
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envBool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
