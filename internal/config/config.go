package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

// Defaults applied when the environment does not provide a usable value.
const (
	DefaultWebPort          = 3000
	DefaultWSPort           = 8081
	DefaultHost             = "localhost"
	DefaultStreamURL        = "wss://streaming.bitquery.io/graphql"
	DefaultPinnedKey        = "config:pinned_channels"
	DefaultPollIntervalSec  = 20
	DefaultMongoDatabase    = "bitquery_chart"
	DefaultLogLevel         = "info"
	DefaultMaxUpstreamChans = 25

	// EnvFileName is the optional override file read from the installation root.
	EnvFileName = ".env.local"
)

// RedisConfig holds Redis connection settings. An empty Addr disables Redis.
type RedisConfig struct {
	Addr            string
	Password        string
	PinnedKey       string // Redis set of channels kept subscribed upstream
	PollIntervalSec int    // Polling interval for the pinned set in seconds
}

// MongoConfig holds MongoDB connection settings. An empty URI disables MongoDB.
type MongoConfig struct {
	URI      string
	Database string
}

// BitqueryConfig holds the upstream streaming endpoint configuration.
type BitqueryConfig struct {
	StreamURL           string
	UseProxy            bool
	ProxyAddr           string
	MaxUpstreamChannels int
}

// AppConfig aggregates all runtime configuration. It is built once at startup
// and never mutated afterwards.
type AppConfig struct {
	WebPort int
	WSPort  int

	// APIKey is passed to the streaming delegate as-is. APIKeySet tells an
	// absent BITQUERY_OAUTH_TOKEN apart from an empty one.
	APIKey    string
	APIKeySet bool

	Host      string
	Root      string
	AssetsDir string
	VendorDir string
	LogLevel  string

	Bitquery BitqueryConfig
	Redis    RedisConfig
	MongoDB  MongoConfig
}

// Root returns the installation root: APP_ROOT when set, otherwise the
// directory holding the running executable.
func Root() string {
	if v := os.Getenv("APP_ROOT"); v != "" {
		return v
	}
	exe, err := os.Executable()
	if err != nil {
		wd, _ := os.Getwd()
		return wd
	}
	return filepath.Dir(exe)
}

// LoadFromEnv reads root/.env.local into the process environment without
// overwriting variables that are already set, then resolves the configuration
// from the process environment.
func LoadFromEnv(root string) AppConfig {
	if err := LoadEnvFile(filepath.Join(root, EnvFileName)); err != nil {
		log.WithError(err).Warn("Failed to load env override file")
	}
	return Resolve(Environ(), root)
}

// LoadEnvFile loads a dotenv file. A missing file is not an error.
func LoadEnvFile(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Environ snapshots the process environment as a map.
func Environ() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if ok {
			env[k] = v
		}
	}
	return env
}

// Resolve builds an AppConfig from env. It never fails: malformed values fall
// back to their defaults with a warning.
func Resolve(env map[string]string, root string) AppConfig {
	apiKey, apiKeySet := env["BITQUERY_OAUTH_TOKEN"]

	return AppConfig{
		WebPort:   portWithDefault(env, "PORT", DefaultWebPort),
		WSPort:    portWithDefault(env, "WS_PORT", DefaultWSPort),
		APIKey:    apiKey,
		APIKeySet: apiKeySet,
		Host:      withDefault(env, "HOST", DefaultHost),
		Root:      root,
		AssetsDir: withDefault(env, "ASSETS_DIR", filepath.Join(root, "public")),
		VendorDir: withDefault(env, "VENDOR_DIR", filepath.Join(root, "node_modules")),
		LogLevel:  withDefault(env, "LOG_LEVEL", DefaultLogLevel),
		Bitquery: BitqueryConfig{
			StreamURL:           withDefault(env, "BITQUERY_STREAM_URL", DefaultStreamURL),
			UseProxy:            boolWithDefault(env, "USE_PROXY", false),
			ProxyAddr:           env["PROXY_ADDR"],
			MaxUpstreamChannels: intWithDefault(env, "MAX_UPSTREAM_CHANNELS", DefaultMaxUpstreamChans),
		},
		Redis: RedisConfig{
			Addr:            env["REDIS_ADDR"],
			Password:        env["REDIS_PASSWORD"],
			PinnedKey:       withDefault(env, "REDIS_PINNED_KEY", DefaultPinnedKey),
			PollIntervalSec: intWithDefault(env, "PINNED_POLL_INTERVAL", DefaultPollIntervalSec),
		},
		MongoDB: MongoConfig{
			URI:      env["MONGO_URI"],
			Database: withDefault(env, "MONGO_DATABASE", DefaultMongoDatabase),
		},
	}
}

func withDefault(env map[string]string, key, def string) string {
	if v := env[key]; v != "" {
		return v
	}
	return def
}

func portWithDefault(env map[string]string, key string, def int) int {
	v, ok := env[key]
	if !ok || v == "" {
		return def
	}
	p, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || p < 0 || p > 65535 {
		log.WithFields(log.Fields{"var": key, "value": v, "default": def}).
			Warn("Malformed port, using default")
		return def
	}
	return p
}

func intWithDefault(env map[string]string, key string, def int) int {
	if v := env[key]; v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func boolWithDefault(env map[string]string, key string, def bool) bool {
	if v := env[key]; v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
