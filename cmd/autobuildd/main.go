package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"git.home.luguber.info/inful/autobuildd/internal/config"
	"git.home.luguber.info/inful/autobuildd/internal/daemon"
)

var version = "dev"

var CLI struct {
	Config  string `short:"c" help:"Configuration file path" default:"config.yaml"`
	Verbose bool   `short:"v" help:"Enable verbose logging"`

	Daemon struct {
		DataDir string `short:"d" help:"Data directory override for daemon state"`
	} `cmd:"" help:"Start the build-orchestration daemon"`

	Init struct {
		Force bool `help:"Overwrite existing configuration file"`
	} `cmd:"" help:"Initialize a new configuration file"`

	Version struct{} `cmd:"" help:"Print the version"`
}

func main() {
	ctx := kong.Parse(&CLI)

	logLevel := slog.LevelInfo
	if CLI.Verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	switch ctx.Command() {
	case "daemon":
		if err := runDaemon(); err != nil {
			slog.Error("Daemon failed", "error", err)
			os.Exit(1)
		}
	case "init":
		if err := runInit(CLI.Config, CLI.Init.Force); err != nil {
			slog.Error("Init failed", "error", err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		slog.Error("Unknown command", "command", ctx.Command())
		os.Exit(1)
	}
}

func runDaemon() error {
	var cfg *config.Config
	if _, err := os.Stat(CLI.Config); err == nil {
		cfg, err = config.Load(CLI.Config)
		if err != nil {
			return err
		}
	} else {
		slog.Info("No configuration file found, using defaults", "path", CLI.Config)
		cfg = config.Default()
	}
	if CLI.Daemon.DataDir != "" {
		cfg.DataDir = CLI.Daemon.DataDir
	}

	d, err := daemon.New(cfg)
	if err != nil {
		return err
	}

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return d.Run(runCtx)
}

func runInit(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", path)
	}

	example := `# autobuildd configuration
data_dir: ./autobuildd-data

queue:
  slots: 2
  max_size: 100

watch:
  debounce_seconds: 5

http:
  listen: 127.0.0.1:5305

history:
  enabled: true

# nats:
#   enabled: true
#   url: nats://localhost:4222
#   subject: autobuildd.build

# schedules:
#   - profile: nightly-site
#     interval_minutes: 60
`
	if err := os.WriteFile(path, []byte(example), 0o644); err != nil {
		return fmt.Errorf("write configuration file: %w", err)
	}
	fmt.Printf("Configuration written to %s\n", path)
	return nil
}
