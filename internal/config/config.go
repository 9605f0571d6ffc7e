package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// PLAYGROUND_SERVER_PORT or PLAYGROUND_TOOLCHAIN_BINARY.
const EnvPrefix = "PLAYGROUND"

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Toolchain ToolchainConfig `mapstructure:"toolchain"`
	Sandbox   SandboxConfig   `mapstructure:"sandbox"`
	Limiter   LimiterConfig   `mapstructure:"limiter"`
	Janitor   JanitorConfig   `mapstructure:"janitor"`
	Templates TemplatesConfig `mapstructure:"templates"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
	// Timeouts in seconds. WriteTimeout must exceed the longest toolchain timeout.
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
	IdleTimeout  int    `mapstructure:"idle_timeout"`
	CORSOrigin   string `mapstructure:"cors_origin"`
	MaxBodyBytes int64  `mapstructure:"max_body_bytes"`
	// TrustProxy keys clients by the first X-Forwarded-For hop instead of RemoteAddr.
	TrustProxy bool `mapstructure:"trust_proxy"`
}

type WorkspaceConfig struct {
	Root      string `mapstructure:"root"`
	Manifest  string `mapstructure:"manifest"`
	SourceDir string `mapstructure:"source_dir"`
	// BuildDir is skipped when reading a generated project back.
	BuildDir string `mapstructure:"build_dir"`
	MaxFiles int    `mapstructure:"max_files"`
	MaxBytes int64  `mapstructure:"max_bytes"`
}

type ToolchainConfig struct {
	Binary         string        `mapstructure:"binary"`
	BuildArgs      string        `mapstructure:"build_args"`
	TestArgs       string        `mapstructure:"test_args"`
	NewArgs        string        `mapstructure:"new_args"`
	BuildTimeout   time.Duration `mapstructure:"build_timeout"`
	TestTimeout    time.Duration `mapstructure:"test_timeout"`
	NewTimeout     time.Duration `mapstructure:"new_timeout"`
	MaxOutputBytes int           `mapstructure:"max_output_bytes"`
	// ManifestFormat is "toml" to syntax-check the manifest before running, or "" to skip.
	ManifestFormat string `mapstructure:"manifest_format"`
}

type SandboxConfig struct {
	// Backend is "process" or "docker".
	Backend  string `mapstructure:"backend"`
	Image    string `mapstructure:"image"`
	MemoryMB int    `mapstructure:"memory_mb"`
	// Network enables container networking for the docker backend.
	Network bool `mapstructure:"network"`
}

type LimiterConfig struct {
	Window    time.Duration `mapstructure:"window"`
	Max       int           `mapstructure:"max"`
	GlobalRPS float64       `mapstructure:"global_rps"`
}

type JanitorConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	Retention time.Duration `mapstructure:"retention"`
}

type TemplatesConfig struct {
	Dir string `mapstructure:"dir"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         "3001",
			ReadTimeout:  15,
			WriteTimeout: 150,
			IdleTimeout:  60,
			CORSOrigin:   "*",
			MaxBodyBytes: 4 << 20,
		},
		Workspace: WorkspaceConfig{
			Root:      "/tmp/playground-sessions",
			Manifest:  "Move.toml",
			SourceDir: "sources",
			BuildDir:  "build",
			MaxFiles:  200,
			MaxBytes:  2 << 20,
		},
		Toolchain: ToolchainConfig{
			Binary:         "sui",
			BuildArgs:      "move build",
			TestArgs:       "move test",
			NewArgs:        "move new",
			BuildTimeout:   60 * time.Second,
			TestTimeout:    120 * time.Second,
			NewTimeout:     30 * time.Second,
			MaxOutputBytes: 1 << 20,
			ManifestFormat: "toml",
		},
		Sandbox: SandboxConfig{
			Backend:  "process",
			Image:    "mysten/sui-tools:mainnet",
			MemoryMB: 1024,
		},
		Limiter: LimiterConfig{
			Window:    10 * time.Minute,
			Max:       10,
			GlobalRPS: 20,
		},
		Janitor: JanitorConfig{
			Interval:  10 * time.Minute,
			Retention: time.Hour,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// SetDefaults registers every key on v so that environment overrides and
// Unmarshal see the full key set.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", d.Server.IdleTimeout)
	v.SetDefault("server.cors_origin", d.Server.CORSOrigin)
	v.SetDefault("server.max_body_bytes", d.Server.MaxBodyBytes)
	v.SetDefault("server.trust_proxy", d.Server.TrustProxy)

	v.SetDefault("workspace.root", d.Workspace.Root)
	v.SetDefault("workspace.manifest", d.Workspace.Manifest)
	v.SetDefault("workspace.source_dir", d.Workspace.SourceDir)
	v.SetDefault("workspace.build_dir", d.Workspace.BuildDir)
	v.SetDefault("workspace.max_files", d.Workspace.MaxFiles)
	v.SetDefault("workspace.max_bytes", d.Workspace.MaxBytes)

	v.SetDefault("toolchain.binary", d.Toolchain.Binary)
	v.SetDefault("toolchain.build_args", d.Toolchain.BuildArgs)
	v.SetDefault("toolchain.test_args", d.Toolchain.TestArgs)
	v.SetDefault("toolchain.new_args", d.Toolchain.NewArgs)
	v.SetDefault("toolchain.build_timeout", d.Toolchain.BuildTimeout)
	v.SetDefault("toolchain.test_timeout", d.Toolchain.TestTimeout)
	v.SetDefault("toolchain.new_timeout", d.Toolchain.NewTimeout)
	v.SetDefault("toolchain.max_output_bytes", d.Toolchain.MaxOutputBytes)
	v.SetDefault("toolchain.manifest_format", d.Toolchain.ManifestFormat)

	v.SetDefault("sandbox.backend", d.Sandbox.Backend)
	v.SetDefault("sandbox.image", d.Sandbox.Image)
	v.SetDefault("sandbox.memory_mb", d.Sandbox.MemoryMB)
	v.SetDefault("sandbox.network", d.Sandbox.Network)

	v.SetDefault("limiter.window", d.Limiter.Window)
	v.SetDefault("limiter.max", d.Limiter.Max)
	v.SetDefault("limiter.global_rps", d.Limiter.GlobalRPS)

	v.SetDefault("janitor.interval", d.Janitor.Interval)
	v.SetDefault("janitor.retention", d.Janitor.Retention)

	v.SetDefault("templates.dir", d.Templates.Dir)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// LoadConfig reads .env (if present), the optional config file and
// PLAYGROUND_* environment variables into a validated Config.
func LoadConfig(v *viper.Viper, file string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", file, err)
		}
	}

	var conf Config
	if err := v.Unmarshal(&conf); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return &conf, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port == "" {
		errs = append(errs, errors.New("server.port must be set"))
	}
	if c.Server.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("server.max_body_bytes must be positive"))
	}
	if c.Workspace.Root == "" {
		errs = append(errs, errors.New("workspace.root must be set"))
	}
	if c.Workspace.Manifest == "" {
		errs = append(errs, errors.New("workspace.manifest must be set"))
	}
	if c.Workspace.MaxFiles <= 0 || c.Workspace.MaxBytes <= 0 {
		errs = append(errs, errors.New("workspace.max_files and workspace.max_bytes must be positive"))
	}
	if c.Toolchain.Binary == "" {
		errs = append(errs, errors.New("toolchain.binary must be set"))
	}
	if c.Toolchain.BuildTimeout <= 0 || c.Toolchain.TestTimeout <= 0 || c.Toolchain.NewTimeout <= 0 {
		errs = append(errs, errors.New("toolchain timeouts must be positive"))
	}
	switch c.Toolchain.ManifestFormat {
	case "", "toml":
	default:
		errs = append(errs, fmt.Errorf("toolchain.manifest_format %q is not supported", c.Toolchain.ManifestFormat))
	}
	switch c.Sandbox.Backend {
	case "process", "docker":
	default:
		errs = append(errs, fmt.Errorf("sandbox.backend %q must be process or docker", c.Sandbox.Backend))
	}
	if c.Limiter.Window <= 0 || c.Limiter.Max <= 0 {
		errs = append(errs, errors.New("limiter.window and limiter.max must be positive"))
	}
	if c.Janitor.Interval <= 0 || c.Janitor.Retention <= 0 {
		errs = append(errs, errors.New("janitor.interval and janitor.retention must be positive"))
	}

	// A response written after the write deadline is dropped, so the
	// longest run must finish before it.
	longest := max(c.Toolchain.BuildTimeout, c.Toolchain.TestTimeout, c.Toolchain.NewTimeout)
	if write := time.Duration(c.Server.WriteTimeout) * time.Second; write <= longest {
		errs = append(errs, fmt.Errorf("server.write_timeout (%s) must exceed the longest toolchain timeout (%s)", write, longest))
	}

	return errors.Join(errs...)
}
