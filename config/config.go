// Package config resolves the shared settings of the context-o-bot binaries from a
// YAML file, CONTEXTBOT_* environment variables and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/theimaginaryfoundation/context-o-bot/fileutils"
	"github.com/theimaginaryfoundation/context-o-bot/provider"
	"github.com/theimaginaryfoundation/context-o-bot/session"
	"gopkg.in/yaml.v3"
)

const (
	EnvPrefix     = "CONTEXTBOT"
	EnvConfigPath = "CONTEXTBOT_CONFIG"
	EnvOpenAIKey  = "OPENAI_API_KEY"

	DefaultConfigPath = "~/.context-o-bot/config.yaml"
)

type Config struct {
	DBPath      string `mapstructure:"db_path" yaml:"db_path"`
	BriefsDir   string `mapstructure:"briefs_dir" yaml:"briefs_dir"`
	ProjectsDir string `mapstructure:"projects_dir" yaml:"projects_dir"`

	LLM    LLMConfig    `mapstructure:"llm" yaml:"llm"`
	Import ImportConfig `mapstructure:"import" yaml:"import"`
	Worker WorkerConfig `mapstructure:"worker" yaml:"worker"`
	Brief  BriefConfig  `mapstructure:"brief" yaml:"brief"`
	Log    LogConfig    `mapstructure:"log" yaml:"log"`
}

type LLMConfig struct {
	Model             string        `mapstructure:"model" yaml:"model"`
	APIKey            string        `mapstructure:"api_key" yaml:"api_key"`
	Timeout           time.Duration `mapstructure:"timeout" yaml:"timeout"`
	TextTimeout       time.Duration `mapstructure:"text_timeout" yaml:"text_timeout"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
}

type ImportConfig struct {
	RetryWindow time.Duration `mapstructure:"retry_window" yaml:"retry_window"`
	Include     []string      `mapstructure:"include" yaml:"include"`
	Exclude     []string      `mapstructure:"exclude" yaml:"exclude"`
	Sidechains  bool          `mapstructure:"sidechains" yaml:"sidechains"`
	Concurrency int           `mapstructure:"concurrency" yaml:"concurrency"`
}

type WorkerConfig struct {
	BatchSize   int `mapstructure:"batch_size" yaml:"batch_size"`
	Concurrency int `mapstructure:"concurrency" yaml:"concurrency"`
}

type BriefConfig struct {
	TopK     int `mapstructure:"top_k" yaml:"top_k"`
	MapWidth int `mapstructure:"map_width" yaml:"map_width"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Default returns the built-in settings. Paths keep their ~ until Load expands them.
func Default() Config {
	return Config{
		DBPath:      "~/.context-o-bot/db/context.db",
		BriefsDir:   "~/.context-o-bot/briefs",
		ProjectsDir: "~/.claude/projects",
		LLM: LLMConfig{
			Model:             "gpt-5-mini",
			Timeout:           60 * time.Second,
			TextTimeout:       120 * time.Second,
			RequestsPerMinute: 60,
		},
		Import: ImportConfig{
			RetryWindow: 120 * time.Second,
			Include:     []string{"*.jsonl"},
			Exclude:     []string{"agent-*.jsonl"},
			Concurrency: 4,
		},
		Worker: WorkerConfig{BatchSize: 20, Concurrency: 4},
		Brief:  BriefConfig{TopK: 15, MapWidth: 4},
		Log:    LogConfig{Level: "info", Format: "text"},
	}
}

func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("db_path", cfg.DBPath)
	v.SetDefault("briefs_dir", cfg.BriefsDir)
	v.SetDefault("projects_dir", cfg.ProjectsDir)
	v.SetDefault("llm.model", cfg.LLM.Model)
	v.SetDefault("llm.api_key", cfg.LLM.APIKey)
	v.SetDefault("llm.timeout", cfg.LLM.Timeout)
	v.SetDefault("llm.text_timeout", cfg.LLM.TextTimeout)
	v.SetDefault("llm.requests_per_minute", cfg.LLM.RequestsPerMinute)
	v.SetDefault("import.retry_window", cfg.Import.RetryWindow)
	v.SetDefault("import.include", cfg.Import.Include)
	v.SetDefault("import.exclude", cfg.Import.Exclude)
	v.SetDefault("import.sidechains", cfg.Import.Sidechains)
	v.SetDefault("import.concurrency", cfg.Import.Concurrency)
	v.SetDefault("worker.batch_size", cfg.Worker.BatchSize)
	v.SetDefault("worker.concurrency", cfg.Worker.Concurrency)
	v.SetDefault("brief.top_k", cfg.Brief.TopK)
	v.SetDefault("brief.map_width", cfg.Brief.MapWidth)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
}

// ResolvePath picks the config file: the explicit path, then CONTEXTBOT_CONFIG, then
// the default location.
func ResolvePath(explicit string) string {
	path := explicit
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		path = DefaultConfigPath
	}
	return fileutils.ExpandHome(path)
}

// Load reads the config file at path (see ResolvePath), applies CONTEXTBOT_*
// overrides and fills the rest from Default. A missing file is not an error.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path = ResolvePath(path)
	if fileutils.FileExists(path) {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("Load: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("Load: decode %s: %w", path, err)
	}
	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = os.Getenv(EnvOpenAIKey)
	}
	cfg.DBPath = fileutils.ExpandHome(cfg.DBPath)
	cfg.BriefsDir = fileutils.ExpandHome(cfg.BriefsDir)
	cfg.ProjectsDir = fileutils.ExpandHome(cfg.ProjectsDir)
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.DBPath) == "" {
		errs = append(errs, errors.New("db_path is required"))
	}
	if strings.TrimSpace(c.BriefsDir) == "" {
		errs = append(errs, errors.New("briefs_dir is required"))
	}
	if c.LLM.Timeout <= 0 || c.LLM.TextTimeout <= 0 {
		errs = append(errs, errors.New("llm.timeout and llm.text_timeout must be > 0"))
	}
	if c.LLM.RequestsPerMinute <= 0 {
		errs = append(errs, errors.New("llm.requests_per_minute must be > 0"))
	}
	if c.Worker.BatchSize <= 0 || c.Worker.Concurrency <= 0 {
		errs = append(errs, errors.New("worker.batch_size and worker.concurrency must be > 0"))
	}
	if c.Import.Concurrency <= 0 {
		errs = append(errs, errors.New("import.concurrency must be > 0"))
	}
	if c.Brief.TopK <= 0 || c.Brief.MapWidth <= 0 {
		errs = append(errs, errors.New("brief.top_k and brief.map_width must be > 0"))
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// WriteDefault writes the default config as YAML. It never overwrites a file.
func WriteDefault(path string) error {
	path = fileutils.ExpandHome(path)
	if fileutils.FileExists(path) {
		return fmt.Errorf("WriteDefault: %s already exists", path)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("WriteDefault: %w", err)
	}
	return fileutils.WriteFileAtomic(path, data, 0o600)
}

// LoadDotEnv loads .env from the working directory when there is one. Variables
// already set in the environment win.
func LoadDotEnv() error {
	if !fileutils.FileExists(".env") {
		return nil
	}
	return godotenv.Load(".env")
}

// NewLogger builds the stderr logger the binaries share.
func (c Config) NewLogger(out io.Writer) (*logrus.Logger, error) {
	if out == nil {
		out = os.Stderr
	}
	logger := logrus.New()
	logger.SetOutput(out)
	level, err := logrus.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(level)
	if c.Log.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, DisableColors: true})
	}
	return logger, nil
}

func (c Config) OpenAI(logger logrus.FieldLogger) provider.OpenAIConfig {
	return provider.OpenAIConfig{
		APIKey:            c.LLM.APIKey,
		Model:             c.LLM.Model,
		Timeout:           c.LLM.Timeout,
		RequestsPerMinute: c.LLM.RequestsPerMinute,
		Logger:            logger,
	}
}

func (c Config) Discover() session.DiscoverOptions {
	return session.DiscoverOptions{Include: c.Import.Include, Exclude: c.Import.Exclude}
}
