package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DefaultMediaServiceURL is the media service address used when
// MEDIA_SERVICE_URL is not set.
const DefaultMediaServiceURL = "http://localhost:8000"

// Playback modes accepted by PLAYBACK_MODE.
const (
	PlaybackAdaptive = "adaptive"
	PlaybackNative   = "native"
)

// Text transports accepted by TEXT_TRANSPORT.
const (
	TextOverHTTP      = "http"
	TextOverWebSocket = "ws"
)

// Config is the console configuration resolved from the environment.
type Config struct {
	Port             string
	MediaServiceURL  string
	DefaultStreamKey string
	PlaybackMode     string
	TextTransport    string
	HLSWindowSize    int
	HLSMaxBandwidth  int
	HLSMinPoll       time.Duration
	LogLevel         string
	LogFormat        string
}

// Load reads the .env file from the current working directory and sets
// environment variables. If .env does not exist, Load returns an error but
// callers can ignore it and use system env or defaults. Pass one or more paths
// to load from specific files; with no paths, ".env" is used.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// FromEnv builds a Config from the process environment, applying defaults for
// anything unset or invalid.
func FromEnv() Config {
	return Config{
		Port:             GetEnv("PORT", "8090"),
		MediaServiceURL:  strings.TrimRight(GetEnv("MEDIA_SERVICE_URL", DefaultMediaServiceURL), "/"),
		DefaultStreamKey: GetEnv("DEFAULT_STREAM_KEY", "demo-stream"),
		PlaybackMode:     oneOf(GetEnv("PLAYBACK_MODE", PlaybackAdaptive), PlaybackAdaptive, PlaybackNative),
		TextTransport:    oneOf(GetEnv("TEXT_TRANSPORT", TextOverHTTP), TextOverHTTP, TextOverWebSocket),
		HLSWindowSize:    GetEnvInt("HLS_WINDOW_SIZE", 6),
		HLSMaxBandwidth:  GetEnvInt("HLS_MAX_BANDWIDTH", 0),
		HLSMinPoll:       time.Duration(GetEnvInt("HLS_MIN_POLL_MS", 500)) * time.Millisecond,
		LogLevel:         GetEnv("LOG_LEVEL", "info"),
		LogFormat:        GetEnv("LOG_FORMAT", "json"),
	}
}

// GetEnv returns the value of the environment variable named by key, or fallback
// if the variable is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of the environment variable named by key,
// or fallback if the variable is unset, empty, or not a valid integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// oneOf lowercases v and returns it if it is one of allowed, otherwise the
// first allowed value.
func oneOf(v string, allowed ...string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	for _, a := range allowed {
		if v == a {
			return v
		}
	}
	return allowed[0]
}
