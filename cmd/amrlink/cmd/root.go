package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/amrlink/amrlink/pkg/amrlink/config"
	"github.com/amrlink/amrlink/pkg/amrlink/o11y"
	"github.com/amrlink/amrlink/pkg/amrlink/otel"
)

const version = "0.1.0"

var (
	verbose    bool
	debug      bool
	configPath string
	hostFlag   string
	logLevel   string
	telemetry  bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "amrlink",
	Short: "AMR robot transport client",
	Long: `amrlink talks the robot's binary frame protocol over its per-category
TCP ports. It is a transport-level debugging tool: you give it raw
command codes and JSON payloads, and it gives you back the robot's raw
JSON responses or its push stream.

Command semantics (what code 1004 means, what its payload looks like)
belong to the robot's manual, not to this tool.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "debug output")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to TOML config file")
	rootCmd.PersistentFlags().StringVar(&hostFlag, "host", "", "robot host (overrides config and AMRLINK_HOST)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&telemetry, "telemetry", false, "report metrics and traces through the global OpenTelemetry providers")
}

// telemetryBundle returns the OpenTelemetry-backed providers when
// --telemetry is set, or a zero bundle that disables instrumentation.
func telemetryBundle() o11y.Telemetry {
	if !telemetry {
		return o11y.Telemetry{}
	}
	return otel.NewProvider("amrlink", version).Telemetry()
}

// loadConfig assembles the effective configuration from file, environment
// and flags, in increasing precedence.
func loadConfig() (config.Config, error) {
	var (
		cfg config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.Load(configPath)
		if err != nil {
			return config.Config{}, err
		}
	} else {
		cfg = config.FromEnv()
	}
	if hostFlag != "" {
		cfg.Host = hostFlag
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func setupLogger() (*zap.Logger, error) {
	level := logLevel
	if debug {
		level = "debug"
	} else if verbose && level == "info" {
		level = "debug"
	}

	var zapLevel zap.AtomicLevel
	switch strings.ToLower(level) {
	case "debug":
		zapLevel = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn", "warning":
		zapLevel = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapLevel = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zapLevel
	zcfg.Development = debug
	zcfg.OutputPaths = []string{"stderr"}

	return zcfg.Build()
}

func stderrf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format, args...)
}
