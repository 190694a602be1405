package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures every runtime setting the build pipeline consumes. It is
// constructed once at process start and passed explicitly to the components
// that need it; nothing reads configuration through globals.
type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`
	APIKey     string `mapstructure:"api_key"`

	DatabaseURL  string `mapstructure:"database_url"`
	RedisURL     string `mapstructure:"redis_url"`
	GeneratorURL string `mapstructure:"generator_url"`

	FlutterRoot    string `mapstructure:"flutter_root"`
	AndroidSDKRoot string `mapstructure:"android_sdk_root"`
	JavaHome       string `mapstructure:"java_home"`

	BuildTimeout     time.Duration `mapstructure:"build_timeout"`
	CleanTimeout     time.Duration `mapstructure:"clean_timeout"`
	PubGetTimeout    time.Duration `mapstructure:"pub_get_timeout"`
	PreflightTimeout time.Duration `mapstructure:"preflight_timeout"`

	MaxConcurrentBuilds int           `mapstructure:"max_concurrent_builds"`
	StaleAfter          time.Duration `mapstructure:"stale_after"`
	RetentionDays       int           `mapstructure:"retention_days"`

	TempDir     string `mapstructure:"temp_dir"`
	ArtifactDir string `mapstructure:"artifact_dir"`

	SigningEnabled   bool   `mapstructure:"signing_enabled"`
	KeystorePath     string `mapstructure:"keystore_path"`
	KeystorePassword string `mapstructure:"keystore_password"`
	KeyAlias         string `mapstructure:"key_alias"`
	KeyPassword      string `mapstructure:"key_password"`

	PublishEnabled   bool   `mapstructure:"publish_enabled"`
	PublishHost      string `mapstructure:"publish_host"`
	PublishPort      int    `mapstructure:"publish_port"`
	PublishUser      string `mapstructure:"publish_user"`
	PublishKeyPath   string `mapstructure:"publish_key_path"`
	PublishRemoteDir string `mapstructure:"publish_remote_dir"`
}

// Load reads configuration from defaults, an optional config file, and
// BUILDD_* environment variables.
func Load() (Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath("./configs")
	v.SetEnvPrefix("BUILDD")
	v.AutomaticEnv()

	v.SetDefault("listen_addr", ":8085")
	v.SetDefault("redis_url", "redis://localhost:6379/0")
	v.SetDefault("generator_url", "http://localhost:8086")
	v.SetDefault("flutter_root", os.Getenv("FLUTTER_ROOT"))
	v.SetDefault("android_sdk_root", firstNonEmpty(os.Getenv("ANDROID_SDK_ROOT"), os.Getenv("ANDROID_HOME")))
	v.SetDefault("java_home", os.Getenv("JAVA_HOME"))
	v.SetDefault("build_timeout", 10*time.Minute)
	v.SetDefault("clean_timeout", time.Minute)
	v.SetDefault("pub_get_timeout", 2*time.Minute)
	v.SetDefault("preflight_timeout", 30*time.Second)
	v.SetDefault("max_concurrent_builds", 3)
	v.SetDefault("stale_after", time.Hour)
	v.SetDefault("retention_days", 30)
	v.SetDefault("temp_dir", filepath.Join(os.TempDir(), "appforge-builds"))
	v.SetDefault("artifact_dir", "./artifacts")
	v.SetDefault("publish_port", 22)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("load config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	for _, dir := range []string{cfg.TempDir, cfg.ArtifactDir} {
		if dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return Config{}, fmt.Errorf("create directory %s: %w", dir, err)
			}
		}
	}

	return cfg, nil
}

// FlutterExecutable resolves the flutter binary, falling back to PATH lookup
// when no SDK root is configured.
func (c Config) FlutterExecutable() string {
	if c.FlutterRoot == "" {
		return "flutter"
	}
	name := "flutter"
	if runtime.GOOS == "windows" {
		name = "flutter.bat"
	}
	candidate := filepath.Join(c.FlutterRoot, "bin", name)
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return "flutter"
}

// Environment returns the process environment for toolchain subprocesses,
// with SDK roots exported and their bin directories prepended to PATH.
func (c Config) Environment() []string {
	env := os.Environ()
	pathPrefix := ""

	if c.FlutterRoot != "" {
		env = append(env, "FLUTTER_ROOT="+c.FlutterRoot)
		pathPrefix = filepath.Join(c.FlutterRoot, "bin") + string(os.PathListSeparator) + pathPrefix
	}
	if c.AndroidSDKRoot != "" {
		env = append(env,
			"ANDROID_SDK_ROOT="+c.AndroidSDKRoot,
			"ANDROID_HOME="+c.AndroidSDKRoot,
		)
	}
	if c.JavaHome != "" {
		env = append(env, "JAVA_HOME="+c.JavaHome)
		pathPrefix = filepath.Join(c.JavaHome, "bin") + string(os.PathListSeparator) + pathPrefix
	}

	if pathPrefix != "" {
		for i, kv := range env {
			if strings.HasPrefix(kv, "PATH=") {
				env[i] = "PATH=" + pathPrefix + strings.TrimPrefix(kv, "PATH=")
				return env
			}
		}
		env = append(env, "PATH="+strings.TrimSuffix(pathPrefix, string(os.PathListSeparator)))
	}
	return env
}

// Validate reports configuration problems that would prevent builds from
// running. An empty slice means the configuration is usable.
func (c Config) Validate() []string {
	var problems []string

	if c.FlutterRoot != "" {
		if _, err := os.Stat(c.FlutterRoot); err != nil {
			problems = append(problems, fmt.Sprintf("flutter SDK not found at %s", c.FlutterRoot))
		}
	}
	if c.AndroidSDKRoot != "" {
		if _, err := os.Stat(c.AndroidSDKRoot); err != nil {
			problems = append(problems, fmt.Sprintf("android SDK not found at %s", c.AndroidSDKRoot))
		}
	}
	if c.JavaHome != "" {
		if _, err := os.Stat(c.JavaHome); err != nil {
			problems = append(problems, fmt.Sprintf("java home not found at %s", c.JavaHome))
		}
	}

	if c.SigningEnabled {
		if c.KeystorePath == "" {
			problems = append(problems, "signing enabled but keystore path not configured")
		} else if _, err := os.Stat(c.KeystorePath); err != nil {
			problems = append(problems, fmt.Sprintf("keystore not found at %s", c.KeystorePath))
		}
		if c.KeystorePassword == "" {
			problems = append(problems, "signing enabled but keystore password not configured")
		}
		if c.KeyAlias == "" {
			problems = append(problems, "signing enabled but key alias not configured")
		}
	}

	if c.MaxConcurrentBuilds < 1 {
		problems = append(problems, "max_concurrent_builds must be at least 1")
	}

	return problems
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
