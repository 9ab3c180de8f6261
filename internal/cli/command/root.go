// Package command provides CLI command definitions for keybox-cli.
//
// keybox-cli is a local inspection and maintenance tool for keybox
// namespaces: it opens the namespace directory directly, so it must not
// run while another process holds the namespace.
package command

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v2"

	keybox "github.com/yndnr/keybox-go"
	"github.com/yndnr/keybox-go/internal/confloader"
)

// Build information, set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// App creates the CLI application.
func App() *cli.App {
	return &cli.App{
		Name:    "keybox-cli",
		Usage:   "keybox namespace management tool",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildTime),
		Flags:   globalFlags(),
		Commands: []*cli.Command{
			GetCommand(),
			SetCommand(),
			DelCommand(),
			KeysCommand(),
			EntriesCommand(),
			TTLCommand(),
			WatchCommand(),
			ClearCommand(),
			CompactCommand(),
			StatsCommand(),
		},
	}
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "Configuration file declaring namespaces",
			EnvVars: []string{"KEYBOX_CONFIG"},
		},
		&cli.StringFlag{
			Name:    "namespace",
			Aliases: []string{"n"},
			Usage:   "Namespace name from the configuration file",
			EnvVars: []string{"KEYBOX_NAMESPACE"},
			Value:   "default",
		},
		&cli.StringFlag{
			Name:    "dir",
			Aliases: []string{"d"},
			Usage:   "Namespace directory (bypasses the configuration file)",
			EnvVars: []string{"KEYBOX_DIR"},
		},
		&cli.StringFlag{
			Name:    "mode",
			Aliases: []string{"m"},
			Usage:   "Loading mode with --dir: eager, ondemand",
			Value:   "eager",
		},
		&cli.BoolFlag{
			Name:    "verbose",
			Aliases: []string{"V"},
			Usage:   "Enable verbose logging",
		},
	}
}

// engineConfig resolves the engine configuration from the global flags:
// --dir wins, otherwise the namespace comes from the configuration file.
func engineConfig(c *cli.Context) (keybox.Config, error) {
	level := slog.LevelWarn
	if c.Bool("verbose") {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if dir := c.String("dir"); dir != "" {
		cfg := keybox.DefaultConfig(dir)
		cfg.Name = c.String("namespace")
		cfg.Mode = keybox.Mode(c.String("mode"))
		cfg.Logger = logger
		return cfg, nil
	}

	path := c.String("config")
	if path == "" {
		return keybox.Config{}, fmt.Errorf("either --dir or --config is required")
	}

	loader := confloader.NewLoader(confloader.WithConfigFile(path))
	cfg, err := loader.Namespace(c.String("namespace"))
	if err != nil {
		return keybox.Config{}, err
	}
	cfg.Logger = logger
	return cfg, nil
}

// openEngine initializes an engine for the resolved namespace. The caller
// must Close it.
func openEngine(c *cli.Context) (*keybox.Engine, error) {
	cfg, err := engineConfig(c)
	if err != nil {
		return nil, err
	}

	e, err := keybox.New(cfg)
	if err != nil {
		return nil, err
	}
	if err := e.Initialize(c.Context); err != nil {
		return nil, err
	}
	return e, nil
}

// PrintError prints an error message to stderr.
func PrintError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
}
