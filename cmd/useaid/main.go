// Command useaid runs the session observer daemon. Without a subcommand
// it starts (or yields to) the daemon; the subcommands inspect a running
// instance over its local REST surface, except verify, which reads the
// chain files directly.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/deepnoodle-ai/wonton/cli"
	"github.com/useai-dev/useaid"
	"github.com/useai-dev/useaid/daemon"
	"github.com/useai-dev/useaid/slogger"
)

func main() {
	app := cli.New("useaid").
		Description("Local observer daemon for AI coding sessions").
		Version(useaid.Version).
		GlobalFlags(
			cli.String("root", "r").
				Env("USEAI_ROOT").
				Help("Data directory (defaults to ~/"+daemon.DefaultRootName+")"),
			cli.String("log-level", "").
				Default("info").
				Help("Log level (debug, info, warn, error)"),
		)

	app.Main().
		Flags(
			cli.Int("port", "p").
				Help("Listen port (overrides config.json and USEAI_PORT)"),
		).
		Run(runDaemon)

	registerStatusCommand(app)
	registerSessionsCommand(app)
	registerStatsCommand(app)
	registerVerifyCommand(app)
	registerSealActiveCommand(app)

	if err := app.Execute(); err != nil {
		if cli.IsHelpRequested(err) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}

func runDaemon(ctx *cli.Context) error {
	root, err := resolveRoot(ctx)
	if err != nil {
		return err
	}
	var addr string
	if port := ctx.Int("port"); port > 0 {
		addr = fmt.Sprintf("127.0.0.1:%d", port)
	}

	d, err := daemon.New(daemon.Options{
		RootDir: root,
		Addr:    addr,
		Logger:  slogger.New(slogger.LevelFromString(ctx.String("log-level"))),
	})
	if err != nil {
		return err
	}
	return d.Run(context.Background())
}

func resolveRoot(ctx *cli.Context) (string, error) {
	if root := ctx.String("root"); root != "" {
		return filepath.Abs(root)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, daemon.DefaultRootName), nil
}
