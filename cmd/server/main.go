// Package main provides the uploadguard entrypoint.
//
// Usage:
//
//	uploadguard [serve] [--config <path>]
//	uploadguard scan [--config <path>] <file>...
//
// Exit codes:
//   - 0: success, every scanned file allowed
//   - 1: startup or runtime failure
//   - 2: at least one scanned file blocked
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/uploadguard/backend/internal/config"
	"github.com/uploadguard/backend/internal/logging"
)

// Version info (set during build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

const (
	exitFailure = 1
	exitBlocked = 2
)

const defaultConfigName = "uploadguard.yaml"

func main() {
	app := &cli.App{
		Name:    "uploadguard",
		Usage:   "Streaming content-risk analysis for file uploads",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the YAML configuration file",
				EnvVars: []string{"UPLOADGUARD_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			scanCommand(),
			versionCommand(),
		},
		Action:         serveAction,
		ExitErrHandler: exitErrHandler,
	}

	if err := app.Run(os.Args); err != nil {
		os.Exit(exitFailure)
	}
}

// exitErrHandler prints the error and exits with its code.
func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}

	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()
		if msg != "" && msg != fmt.Sprintf("exit status %d", code) {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(code)
	}

	fmt.Fprintln(os.Stderr, err)
	os.Exit(exitFailure)
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show version information",
		Action: func(c *cli.Context) error {
			fmt.Fprintf(c.App.Writer, "uploadguard %s (built %s)\n", Version, BuildTime)
			return nil
		},
	}
}

// configPath returns --config, or the default file next to the executable.
func configPath(c *cli.Context) (string, error) {
	if p := c.String("config"); p != "" {
		return p, nil
	}
	exePath, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("failed to get executable path: %w", err)
	}
	return filepath.Join(filepath.Dir(exePath), defaultConfigName), nil
}

// loadRuntime loads the configuration and builds the logger from it.
func loadRuntime(c *cli.Context) (*config.AppConfig, string, *zap.Logger, error) {
	path, err := configPath(c)
	if err != nil {
		return nil, "", nil, cli.Exit(err.Error(), exitFailure)
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, "", nil, cli.Exit(fmt.Sprintf("failed to load configuration: %v", err), exitFailure)
	}
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, "", nil, cli.Exit(fmt.Sprintf("failed to build logger: %v", err), exitFailure)
	}
	return cfg, path, logger, nil
}
