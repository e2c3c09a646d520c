// ============================================================================
// Mesh-Dispatch CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Provides the meshd command line interface based on Cobra framework
//
// Command Structure:
//   meshd                          # Root command
//   ├── broker                     # Run a broker in the foreground
//   ├── workers                    # List discovered workers
//   ├── submit                     # Submit a meshing job
//   │   └── --file, -f            # Job data file
//   ├── status <job-id>            # One status query
//   ├── cancel <job-id>            # Cancel a queued or running job
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   ├── --env-file                 # .env file (default: .env)
//   └── --version / --help
//
// Configuration Management:
//   YAML config file with broker, registry and client sections. A missing
//   default config file falls back to built-in defaults; an explicit
//   --config path must exist.
//
//   Environment overrides (also read from the .env file):
//   - MESHD_ENDPOINT:    broker endpoint used by submit/status/cancel
//   - MESHD_SEARCH_DIRS: extra worker directories, os.PathListSeparator separated
//   - MESHD_MAX_WORKERS: concurrent worker processes
//
// Signal Handling:
//   broker command terminates the broker on SIGINT / SIGTERM; running
//   workers are killed and their jobs become FAILED.
//
// ============================================================================

package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ChuLiYu/mesh-dispatch/internal/broker"
	"github.com/ChuLiYu/mesh-dispatch/internal/registry"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Environment variable names
const (
	EnvEndpoint   = "MESHD_ENDPOINT"
	EnvSearchDirs = "MESHD_SEARCH_DIRS"
	EnvMaxWorkers = "MESHD_MAX_WORKERS"
)

const defaultConfigFile = "configs/default.yaml"

// Config represents the complete system configuration structure
// Maps config file fields through YAML tags
type Config struct {
	Broker struct {
		Host            string        `yaml:"host"`
		ClientPort      int           `yaml:"client_port"`
		WorkerPort      int           `yaml:"worker_port"`
		MaxWorkers      int           `yaml:"max_workers"`
		JobTimeout      time.Duration `yaml:"job_timeout"`
		MinPollInterval time.Duration `yaml:"min_poll_interval"`
		MaxPollInterval time.Duration `yaml:"max_poll_interval"`
	} `yaml:"broker"`

	Registry struct {
		SearchDirectories []string `yaml:"search_directories"`
		DefaultLocations  bool     `yaml:"default_locations"` // 附加執行檔旁的慣用位置
	} `yaml:"registry"`

	Client struct {
		Endpoint       string        `yaml:"endpoint"`
		ConnectTimeout time.Duration `yaml:"connect_timeout"`
		PollInterval   time.Duration `yaml:"poll_interval"`
	} `yaml:"client"`
}

var (
	configFile string
	envFile    string
)

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "meshd",
		Short: "meshd: remote meshing job dispatch",
		Long: `meshd runs a meshing job broker and talks to it:
- discovers worker executables from descriptor files
- queues submitted jobs and hands them to worker processes
- reports job status, progress and results over gRPC`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", defaultConfigFile, "config file path")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file with MESHD_* overrides")

	rootCmd.AddCommand(buildBrokerCommand())
	rootCmd.AddCommand(buildWorkersCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildCancelCommand())

	return rootCmd
}

// ============================================================================
// Configuration
// ============================================================================

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	return &cfg, nil
}

// resolveConfig loads the config file, the .env file and the environment
func resolveConfig() (*Config, error) {
	if err := loadEnvFile(envFile); err != nil {
		return nil, err
	}

	cfg, err := loadConfig(configFile)
	if err != nil {
		// 預設路徑不存在時使用內建預設值
		if configFile != defaultConfigFile || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = &Config{}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadEnvFile loads path into the environment; a missing file is ignored
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// applyEnv applies MESHD_* overrides
func applyEnv(cfg *Config) error {
	if v := strings.TrimSpace(os.Getenv(EnvEndpoint)); v != "" {
		cfg.Client.Endpoint = v
	}
	if v := os.Getenv(EnvSearchDirs); v != "" {
		for _, dir := range filepath.SplitList(v) {
			if dir = strings.TrimSpace(dir); dir != "" {
				cfg.Registry.SearchDirectories = append(cfg.Registry.SearchDirectories, dir)
			}
		}
	}
	if v := strings.TrimSpace(os.Getenv(EnvMaxWorkers)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid %s %q", EnvMaxWorkers, v)
		}
		cfg.Broker.MaxWorkers = n
	}
	return nil
}

// searchDirectories returns the configured directories, plus the default
// locations when requested or when nothing is configured
func (cfg *Config) searchDirectories() []string {
	dirs := append([]string{}, cfg.Registry.SearchDirectories...)
	if cfg.Registry.DefaultLocations || len(dirs) == 0 {
		dirs = append(dirs, registry.DefaultSearchLocations(registry.ExecutableDir())...)
	}
	return dirs
}

// brokerConfig maps the file config onto broker.Config
func (cfg *Config) brokerConfig() broker.Config {
	return broker.Config{
		Host:              cfg.Broker.Host,
		ClientPort:        cfg.Broker.ClientPort,
		WorkerPort:        cfg.Broker.WorkerPort,
		SearchDirectories: cfg.searchDirectories(),
		MaxWorkers:        cfg.Broker.MaxWorkers,
		JobTimeout:        cfg.Broker.JobTimeout,
		MinPollInterval:   cfg.Broker.MinPollInterval,
		MaxPollInterval:   cfg.Broker.MaxPollInterval,
	}
}
