package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment variable the config reads,
// e.g. DEVPROXY_HTTP_PORT or DEVPROXY_BACKEND_PORT.
const EnvPrefix = "DEVPROXY"

// Config holds settings for the application.
type Config struct {
	HTTPPort        string            `yaml:"http_port"`        // Port for HTTP server (e.g., "3000")
	Backend         BackendConfig     `yaml:"backend"`          // Backend proxy settings
	Static          StaticConfig      `yaml:"static"`           // Static file settings
	ProxyPrefixes   []string          `yaml:"proxy_prefixes"`   // Path prefixes forwarded to the backend
	CORSHeaders     map[string]string `yaml:"cors_headers"`     // Headers applied to every response
	MaxConcurrent   int               `yaml:"max_concurrent"`   // In-flight request cap, 0 means unlimited
	ShutdownTimeout time.Duration     `yaml:"shutdown_timeout"` // Grace period for in-flight requests

	LogType   string `yaml:"log_type"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LogToFile bool   `yaml:"log_to_file"`
	LogFile   string `yaml:"log_file_path"`

	PrintConfig bool `yaml:"-"`
}

// BackendConfig holds settings for the proxied backend service.
type BackendConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	Timeout         time.Duration `yaml:"timeout"`          // Per-request timeout for proxied calls
	HealthPath      string        `yaml:"health_path"`      // Path probed by the health checker
	ProbeTimeout    time.Duration `yaml:"probe_timeout"`    // Timeout of a single health probe
	ProbeInterval   time.Duration `yaml:"probe_interval"`   // Periodic probe interval, 0 disables it
	SensitiveMarker string        `yaml:"sensitive_marker"` // Path fragment of the mock-backed endpoints
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`   // Upper bound for buffered request bodies
}

// StaticConfig holds settings for the static file store.
type StaticConfig struct {
	Root        string            `yaml:"root"`
	Index       string            `yaml:"index"`
	DefaultMIME string            `yaml:"default_mime"`
	MIMETypes   map[string]string `yaml:"mime_types"` // keyed by lowercase extension with the leading dot
}

// Addr returns host:port of the backend.
func (b BackendConfig) Addr() string {
	return net.JoinHostPort(b.Host, b.Port)
}

// URL returns the backend base URL.
func (b BackendConfig) URL() string {
	return "http://" + b.Addr()
}

// NewConfig initializes configuration with priority:
// 1. Command-line flags
// 2. Environment variables
// 3. Config file (YAML)
// 4. .env file
// 5. Defaults
func NewConfig(args []string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	flags := pflag.NewFlagSet("chatai-proxy", pflag.ContinueOnError)
	configFile := flags.String("config", "", "Path to a YAML config file (default ./config.yaml)")
	envFile := flags.String("env-file", ".env", "Path to an optional .env file")
	printConfig := flags.Bool("print-config", false, "Print the effective configuration as YAML and exit")
	flags.String("port", "", "HTTP server port")
	flags.String("backend-host", "", "Backend host")
	flags.String("backend-port", "", "Backend port")
	flags.Duration("timeout", 0, "Per-request backend timeout")
	flags.String("static-root", "", "Directory with the static site")
	flags.StringSlice("proxy-prefix", nil, "Path prefix forwarded to the backend (repeatable)")
	flags.Int("max-concurrent", 0, "Maximum in-flight requests, 0 for unlimited")
	flags.String("log-level", "", "Log level (debug, info, warn, error)")
	if err := flags.Parse(args); err != nil {
		return nil, fmt.Errorf("error parsing flags: %w", err)
	}

	bindings := map[string]string{
		"http_port":       "port",
		"backend.host":    "backend-host",
		"backend.port":    "backend-port",
		"backend.timeout": "timeout",
		"static.root":     "static-root",
		"proxy_prefixes":  "proxy-prefix",
		"max_concurrent":  "max-concurrent",
		"log_level":       "log-level",
	}
	for key, name := range bindings {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			return nil, fmt.Errorf("error binding flag %q: %w", name, err)
		}
	}

	if err := loadEnvFile(*envFile); err != nil {
		return nil, err
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if *configFile != "" {
		v.SetConfigFile(*configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := fromViper(v)
	cfg.PrintConfig = *printConfig

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Default returns the built-in configuration, ignoring flags, environment and files.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	return fromViper(v)
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		HTTPPort:        v.GetString("http_port"),
		Backend:         loadBackendConfig(v),
		Static:          loadStaticConfig(v),
		ProxyPrefixes:   v.GetStringSlice("proxy_prefixes"),
		CORSHeaders:     canonicalHeaders(v.GetStringMapString("cors_headers")),
		MaxConcurrent:   v.GetInt("max_concurrent"),
		ShutdownTimeout: v.GetDuration("shutdown_timeout"),
		LogType:         v.GetString("log_type"),
		LogLevel:        v.GetString("log_level"),
		LogFormat:       v.GetString("log_format"),
		LogToFile:       v.GetBool("log_to_file"),
		LogFile:         v.GetString("log_file_path"),
	}
}

// loadEnvFile preloads variables from a .env file without overriding the real environment.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("error loading env file %s: %w", path, err)
	}
	return nil
}

// loadBackendConfig loads configuration for the proxied backend.
func loadBackendConfig(v *viper.Viper) BackendConfig {
	return BackendConfig{
		Host:            v.GetString("backend.host"),
		Port:            v.GetString("backend.port"),
		Timeout:         v.GetDuration("backend.timeout"),
		HealthPath:      v.GetString("backend.health_path"),
		ProbeTimeout:    v.GetDuration("backend.probe_timeout"),
		ProbeInterval:   v.GetDuration("backend.probe_interval"),
		SensitiveMarker: v.GetString("backend.sensitive_marker"),
		MaxBodyBytes:    v.GetInt64("backend.max_body_bytes"),
	}
}

// loadStaticConfig loads configuration for the static file store.
// Viper splits keys on dots, so extensions are configured without one ("html")
// and normalized here.
func loadStaticConfig(v *viper.Viper) StaticConfig {
	mimeTypes := make(map[string]string)
	for ext, mime := range v.GetStringMapString("static.mime_types") {
		ext = strings.ToLower(strings.TrimPrefix(ext, "."))
		if ext == "" {
			continue
		}
		mimeTypes["."+ext] = mime
	}

	return StaticConfig{
		Root:        v.GetString("static.root"),
		Index:       v.GetString("static.index"),
		DefaultMIME: v.GetString("static.default_mime"),
		MIMETypes:   mimeTypes,
	}
}

func canonicalHeaders(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, val := range in {
		out[http.CanonicalHeaderKey(k)] = val
	}
	return out
}

// Validate reports the first setting that would leave the server unusable.
func (c *Config) Validate() error {
	switch {
	case c.HTTPPort == "":
		return errors.New("http_port is required")
	case c.Backend.Host == "":
		return errors.New("backend.host is required")
	case c.Backend.Port == "":
		return errors.New("backend.port is required")
	case c.Backend.Timeout <= 0:
		return errors.New("backend.timeout must be positive")
	case c.Backend.ProbeTimeout <= 0:
		return errors.New("backend.probe_timeout must be positive")
	case c.Backend.ProbeInterval < 0:
		return errors.New("backend.probe_interval must not be negative")
	case c.Backend.SensitiveMarker == "":
		return errors.New("backend.sensitive_marker is required")
	case c.Backend.MaxBodyBytes <= 0:
		return errors.New("backend.max_body_bytes must be positive")
	case c.Static.Index == "":
		return errors.New("static.index is required")
	case len(c.ProxyPrefixes) == 0:
		return errors.New("at least one proxy prefix is required")
	case c.MaxConcurrent < 0:
		return errors.New("max_concurrent must not be negative")
	}
	for _, p := range c.ProxyPrefixes {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("proxy prefix %q must start with /", p)
		}
	}
	return nil
}

// YAML renders the effective configuration.
func (c *Config) YAML() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("error encoding config: %w", err)
	}
	return out, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("http_port", "3000")
	v.SetDefault("backend.host", "localhost")
	v.SetDefault("backend.port", "5001")
	v.SetDefault("backend.timeout", 30*time.Second)
	v.SetDefault("backend.health_path", "/health")
	v.SetDefault("backend.probe_timeout", 5*time.Second)
	v.SetDefault("backend.probe_interval", time.Duration(0))
	v.SetDefault("backend.sensitive_marker", "download-tool")
	v.SetDefault("backend.max_body_bytes", 10<<20)
	v.SetDefault("static.root", "public")
	v.SetDefault("static.index", "index.html")
	v.SetDefault("static.default_mime", "text/plain")
	v.SetDefault("static.mime_types", map[string]string{
		"html": "text/html",
		"js":   "application/javascript",
		"css":  "text/css",
		"json": "application/json",
		"png":  "image/png",
		"jpg":  "image/jpeg",
		"gif":  "image/gif",
		"svg":  "image/svg+xml",
		"ico":  "image/x-icon",
	})
	v.SetDefault("proxy_prefixes", []string{"/api/", "/download-tool", "/models/", "/chat/", "/health", "/status"})
	v.SetDefault("cors_headers", map[string]string{
		"Access-Control-Allow-Origin":  "*",
		"Access-Control-Allow-Methods": "GET, POST, PUT, DELETE, OPTIONS",
		"Access-Control-Allow-Headers": "Content-Type, Authorization",
	})
	v.SetDefault("max_concurrent", 0)
	v.SetDefault("shutdown_timeout", 5*time.Second)
	v.SetDefault("log_type", "slog")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("log_to_file", false)
	v.SetDefault("log_file_path", "logs/proxy.log")
}
