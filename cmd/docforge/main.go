package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"

	"github.com/docforge/docforge/internal/config"
	"github.com/docforge/docforge/internal/version"
)

var CLI struct {
	Config  string `short:"c" help:"Configuration file path" default:"config.yaml"`
	Verbose bool   `short:"v" help:"Enable verbose logging"`

	Daemon struct {
	} `cmd:"" help:"Run the build daemon: sync the registry, build queued releases, serve the API"`

	Sync struct {
	} `cmd:"" help:"Run one registry synchronization pass and exit"`

	Status struct {
	} `cmd:"" help:"Show queue and checkpoint status"`

	Queue struct {
		Add struct {
			Name     string `arg:"" help:"Package name"`
			Version  string `arg:"" help:"Package version"`
			Priority int    `short:"p" default:"0" help:"Queue priority (lower builds first)"`
			Force    bool   `help:"Reset attempts and priority if already queued"`
		} `cmd:"" help:"Enqueue a release for building"`
		List struct {
		} `cmd:"" help:"List queued releases"`
		Lock struct {
		} `cmd:"" help:"Pause dequeuing"`
		Unlock struct {
		} `cmd:"" help:"Resume dequeuing"`
	} `cmd:"" help:"Build queue operations"`

	Blacklist struct {
		Add struct {
			Name string `arg:"" help:"Package name"`
		} `cmd:"" help:"Exclude a package from building"`
		Remove struct {
			Name string `arg:"" help:"Package name"`
		} `cmd:"" help:"Re-enable building for a package"`
		List struct {
		} `cmd:"" help:"List blacklisted packages"`
	} `cmd:"" help:"Blacklist operations"`

	Priority struct {
		Set struct {
			Pattern  string `arg:"" help:"Package name pattern (glob)"`
			Priority int    `arg:"" help:"Priority for matching packages"`
		} `cmd:"" help:"Create or update a priority rule"`
		Remove struct {
			Pattern string `arg:"" help:"Package name pattern"`
		} `cmd:"" help:"Delete a priority rule"`
		List struct {
		} `cmd:"" help:"List priority rules"`
	} `cmd:"" help:"Priority rule operations"`

	Limits struct {
		Set struct {
			Name    string `arg:"" help:"Package name"`
			Memory  int64  `help:"Memory limit in bytes (0 keeps default)"`
			Timeout int    `help:"Timeout in seconds (0 keeps default)"`
			Targets int    `help:"Maximum targets (0 keeps default)"`
		} `cmd:"" help:"Set per-package sandbox overrides"`
		Remove struct {
			Name string `arg:"" help:"Package name"`
		} `cmd:"" help:"Remove per-package sandbox overrides"`
		Show struct {
			Name string `arg:"" help:"Package name"`
		} `cmd:"" help:"Show effective overrides for a package"`
	} `cmd:"" help:"Sandbox limit overrides"`

	Checkpoint struct {
		Get struct {
		} `cmd:"" help:"Print the sync checkpoint"`
		Set struct {
			Reference string `arg:"" help:"Index commit hash"`
		} `cmd:"" help:"Set the sync checkpoint to a specific commit"`
		Head struct {
		} `cmd:"" help:"Reset the sync checkpoint to the current index head"`
	} `cmd:"" help:"Sync checkpoint operations"`

	Remove struct {
		Name string `arg:"" help:"Package name"`
	} `cmd:"" help:"Remove a package and all its local data"`

	Version struct {
	} `cmd:"" help:"Print version information"`
}

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("docforge"),
		kong.Description("Documentation build orchestrator for package registries"))

	logLevel := slog.LevelInfo
	if CLI.Verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	if ctx.Command() == "version" {
		fmt.Printf("docforge %s (commit %s, built %s)\n", version.Version, version.GitCommit, version.BuildTime)
		return
	}

	cfg, err := config.Load(CLI.Config)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	if err := run(ctx.Command(), cfg, logger); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}
