package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	units "github.com/docker/go-units"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"judge-sandbox/internal/runtime"
)

// Environment variables recognized on top of the YAML file.
const (
	EnvTimeout     = "SANDBOX_TIMEOUT"      // seconds
	EnvMemoryLimit = "SANDBOX_MEMORY_LIMIT" // docker-style size, e.g. "128m"
	EnvPoolSize    = "SANDBOX_POOL_SIZE"
	EnvBackend     = "SANDBOX_BACKEND"
	EnvPort        = "PORT"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig              `yaml:"server"`
	Sandbox   SandboxConfig             `yaml:"sandbox"`
	Languages map[string]LanguageConfig `yaml:"languages"`
	Metrics   MetricsConfig             `yaml:"metrics"`
	Tracing   TracingConfig             `yaml:"tracing"`
	Security  SecurityConfig            `yaml:"security"`
	TLS       TLSConfig                 `yaml:"tls"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
	CORSOrigins     []string      `yaml:"cors_allowed_origins"`
}

type SandboxConfig struct {
	Backend          string `yaml:"backend"` // "auto" (default), "containerd", or "docker"
	ContainerdSocket string `yaml:"containerd_socket"`
	Namespace        string `yaml:"namespace"`

	// Timeout is the single wait deadline per execution. SANDBOX_TIMEOUT wins over it.
	Timeout time.Duration `yaml:"timeout"`

	// MemoryLimit is the per-unit ceiling ("128m"). SANDBOX_MEMORY_LIMIT wins over it.
	MemoryLimit string  `yaml:"memory_limit"`
	PidsLimit   int64   `yaml:"pids_limit"`
	CPUs        float64 `yaml:"cpus"`
	TmpfsMB     int64   `yaml:"tmpfs_mb"`

	PoolSize  int `yaml:"pool_size"`
	QueueSize int `yaml:"queue_size"`

	// QueueTimeout bounds the wait for a free worker; past it the
	// execution fails with QueueFull instead of outliving the HTTP request.
	QueueTimeout time.Duration `yaml:"queue_timeout"`

	WorkspaceDir        string        `yaml:"workspace_dir"`
	CleanupTimeout      time.Duration `yaml:"cleanup_timeout"`
	OrphanSweepInterval time.Duration `yaml:"orphan_sweep_interval"`
	MaxOutputBytes      int           `yaml:"max_output_bytes"`
	PullImagesOnStart   bool          `yaml:"pull_images_on_start"`
}

// LanguageConfig is one row of the per-language table; the map key is the id.
type LanguageConfig struct {
	Image     string   `yaml:"image"`
	Extension string   `yaml:"extension"`
	Command   []string `yaml:"command"`
	Strategy  string   `yaml:"strategy"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled bool    `yaml:"enabled"`
	Sample  float64 `yaml:"sample_rate"`
}

type SecurityConfig struct {
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
}

// TLSConfig controls HTTPS/TLS termination.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Load reads configuration from a YAML file, then applies environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// FromEnv returns defaults with environment overrides applied.
func FromEnv() (*Config, error) {
	cfg := DefaultConfig()
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	langs := make(map[string]LanguageConfig)
	for _, d := range runtime.DefaultLanguages() {
		langs[d.ID] = LanguageConfig{
			Image:     d.Image,
			Extension: d.Extension,
			Command:   d.Command,
			Strategy:  string(d.Strategy),
		}
	}

	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    45 * time.Second, // recomputed from the deadline in Validate
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  2 << 20, // 2MB, code itself is capped at 1MB
		},
		Sandbox: SandboxConfig{
			Backend:             "auto",
			ContainerdSocket:    "/run/containerd/containerd.sock",
			Namespace:           "judge-sandbox",
			Timeout:             30 * time.Second,
			MemoryLimit:         "128m",
			PidsLimit:           64,
			CPUs:                1,
			TmpfsMB:             64,
			PoolSize:            4,
			QueueSize:           64,
			QueueTimeout:        10 * time.Second,
			CleanupTimeout:      30 * time.Second,
			OrphanSweepInterval: 5 * time.Minute,
			MaxOutputBytes:      1 << 20,
		},
		Languages: langs,
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled: false,
			Sample:  0.1,
		},
		Security: SecurityConfig{
			RateLimitRPS:   20,
			RateLimitBurst: 40,
		},
	}
}

// ApplyEnv overrides config fields from the environment. Env always wins over YAML.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv(EnvTimeout); v != "" {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil || secs <= 0 {
			return fmt.Errorf("%s must be a positive number of seconds, got %q", EnvTimeout, v)
		}
		c.Sandbox.Timeout = time.Duration(secs * float64(time.Second))
	}
	if v := getenv(EnvMemoryLimit); v != "" {
		c.Sandbox.MemoryLimit = v
	}
	if v := getenv(EnvPoolSize); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s must be an integer, got %q", EnvPoolSize, v)
		}
		c.Sandbox.PoolSize = n
	}
	if v := getenv(EnvBackend); v != "" {
		c.Sandbox.Backend = v
	}
	if v := getenv(EnvPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s must be an integer, got %q", EnvPort, v)
		}
		c.Server.Port = port
	}
	return nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Sandbox.Timeout <= 0 {
		return fmt.Errorf("sandbox.timeout must be positive, got %s", c.Sandbox.Timeout)
	}
	mem, err := c.MemoryBytes()
	if err != nil {
		return err
	}
	if mem < 6*units.MiB {
		return fmt.Errorf("sandbox.memory_limit must be >= 6m (docker minimum), got %q", c.Sandbox.MemoryLimit)
	}
	if c.Sandbox.PoolSize < 1 {
		return fmt.Errorf("sandbox.pool_size must be >= 1")
	}
	if c.Sandbox.QueueSize < 0 {
		return fmt.Errorf("sandbox.queue_size must be >= 0")
	}
	if c.Sandbox.QueueTimeout <= 0 {
		return fmt.Errorf("sandbox.queue_timeout must be positive, got %s", c.Sandbox.QueueTimeout)
	}
	if c.Sandbox.PidsLimit < 1 {
		return fmt.Errorf("sandbox.pids_limit must be >= 1")
	}
	switch c.Sandbox.Backend {
	case "auto", "docker", "containerd":
	default:
		return fmt.Errorf("sandbox.backend must be auto, docker or containerd, got %q", c.Sandbox.Backend)
	}
	if c.Sandbox.WorkspaceDir != "" && !filepath.IsAbs(c.Sandbox.WorkspaceDir) {
		return fmt.Errorf("sandbox.workspace_dir: %q must be an absolute path", c.Sandbox.WorkspaceDir)
	}
	if len(c.Languages) == 0 {
		return fmt.Errorf("languages: at least one language is required")
	}
	if _, err := runtime.NewRegistry(c.Descriptors()...); err != nil {
		return fmt.Errorf("languages: %w", err)
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}
	// The HTTP write deadline has to outlive the queue wait plus the
	// execution deadline.
	if minWrite := c.Sandbox.QueueTimeout + c.Sandbox.Timeout + 15*time.Second; c.Server.WriteTimeout < minWrite {
		log.Debug().Dur("write_timeout", minWrite).Msg("raising server.write_timeout above sandbox.queue_timeout + sandbox.timeout")
		c.Server.WriteTimeout = minWrite
	}
	return nil
}

// MemoryBytes parses sandbox.memory_limit.
func (c *Config) MemoryBytes() (int64, error) {
	n, err := units.RAMInBytes(c.Sandbox.MemoryLimit)
	if err != nil {
		return 0, fmt.Errorf("sandbox.memory_limit %q: %w", c.Sandbox.MemoryLimit, err)
	}
	return n, nil
}

// Descriptors converts the language table into registry descriptors, sorted by id.
func (c *Config) Descriptors() []runtime.LanguageDescriptor {
	ids := make([]string, 0, len(c.Languages))
	for id := range c.Languages {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]runtime.LanguageDescriptor, 0, len(ids))
	for _, id := range ids {
		l := c.Languages[id]
		out = append(out, runtime.LanguageDescriptor{
			ID:        id,
			Image:     l.Image,
			Extension: l.Extension,
			Command:   l.Command,
			Strategy:  runtime.Strategy(strings.ToLower(l.Strategy)),
		})
	}
	return out
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
