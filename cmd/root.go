package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/cascade/internal/config"
	"github.com/zjrosen/cascade/internal/log"
)

var (
	version   = "dev"
	cfgFile   string
	debugFlag bool
	cfg       config.Config
)

var rootCmd = &cobra.Command{
	Use:     "cascade",
	Short:   "A distributed workflow orchestrator",
	Long:    `Cascade runs DAG-shaped workflows across a pool of websocket-connected workers, with retries, failure branches, and always-run cleanup jobs.`,
	Version: version,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: .cascade/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false,
		"enable debug logging")
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("listen_addr", defaults.ListenAddr)
	viper.SetDefault("database.enabled", defaults.Database.Enabled)
	viper.SetDefault("database.path", defaults.Database.Path)
	viper.SetDefault("redis.enabled", defaults.Redis.Enabled)
	viper.SetDefault("redis.addr", defaults.Redis.Addr)
	viper.SetDefault("heartbeat.check_interval", defaults.Heartbeat.CheckInterval)
	viper.SetDefault("heartbeat.timeout", defaults.Heartbeat.Timeout)
	viper.SetDefault("worker.coordinator_url", defaults.Worker.CoordinatorURL)
	viper.SetDefault("worker.heartbeat_interval", defaults.Worker.HeartbeatInterval)
	viper.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.otlp_endpoint", defaults.Tracing.OTLPEndpoint)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)
	viper.SetDefault("tracing.service_name", defaults.Tracing.ServiceName)

	viper.SetEnvPrefix("CASCADE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. .cascade/config.yaml (current directory)
		// 2. ~/.config/cascade/config.yaml (user config)
		if _, err := os.Stat(filepath.Join(".cascade", "config.yaml")); err == nil {
			viper.SetConfigFile(filepath.Join(".cascade", "config.yaml"))
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".config", "cascade"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		// No config file found anywhere; create a default one.
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			defaultPath := filepath.Join(".cascade", "config.yaml")
			if writeErr := config.WriteDefaultConfig(defaultPath); writeErr == nil {
				viper.SetConfigFile(defaultPath)
				_ = viper.ReadInConfig()
			}
		}
	}

	_ = viper.Unmarshal(&cfg)
}

// initLogging enables debug logging when requested via flag or env.
// Returns a cleanup function.
func initLogging(component string) (func(), error) {
	debug := debugFlag || os.Getenv("CASCADE_DEBUG") != ""
	if !debug {
		return func() {}, nil
	}

	logPath := os.Getenv("CASCADE_LOG")
	if logPath == "" {
		logPath = "debug.log"
	}

	cleanup, err := log.Init(logPath)
	if err != nil {
		return nil, fmt.Errorf("initializing logging: %w", err)
	}
	log.Info(log.CatConfig, "cascade starting", "component", component, "logPath", logPath)
	return cleanup, nil
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags).
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
