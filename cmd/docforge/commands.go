package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/docforge/docforge/internal/config"
	"github.com/docforge/docforge/internal/daemon"
	"github.com/docforge/docforge/internal/db"
	"github.com/docforge/docforge/internal/queue"
	"github.com/docforge/docforge/internal/registry"
	regsync "github.com/docforge/docforge/internal/sync"
)

func run(command string, cfg *config.Config, logger *slog.Logger) error {
	if command == "daemon" {
		return runDaemon(cfg, logger)
	}

	store, err := db.Open(cfg.Storage.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	buildQueue := queue.New(store, cfg.Build.MaxAttempts, cfg.Build.RetryDelay())

	switch command {
	case "sync":
		return runSync(ctx, cfg, store, buildQueue, logger)

	case "status":
		return printStatus(ctx, store, buildQueue)

	case "queue add <name> <version>":
		add := CLI.Queue.Add
		if add.Force {
			if err := buildQueue.AddForced(ctx, add.Name, add.Version, add.Priority, cfg.Registry.Name); err != nil {
				return err
			}
		} else {
			if err := buildQueue.Add(ctx, add.Name, add.Version, add.Priority, cfg.Registry.Name); err != nil {
				return err
			}
		}
		fmt.Printf("queued %s %s at priority %d\n", add.Name, add.Version, add.Priority)
		return nil

	case "queue list":
		entries, err := buildQueue.Entries(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tVERSION\tPRIORITY\tATTEMPT\tCLAIMED BY")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d/%d\t%s\n", e.Name, e.Version, e.Priority, e.Attempt, buildQueue.MaxAttempts(), e.ClaimedBy)
		}
		return w.Flush()

	case "queue lock":
		if err := buildQueue.Lock(ctx); err != nil {
			return err
		}
		fmt.Println("queue locked")
		return nil

	case "queue unlock":
		if err := buildQueue.Unlock(ctx); err != nil {
			return err
		}
		fmt.Println("queue unlocked")
		return nil

	case "blacklist add <name>":
		if err := store.AddToBlacklist(ctx, CLI.Blacklist.Add.Name); err != nil {
			return err
		}
		fmt.Printf("blacklisted %s\n", CLI.Blacklist.Add.Name)
		return nil

	case "blacklist remove <name>":
		if err := store.RemoveFromBlacklist(ctx, CLI.Blacklist.Remove.Name); err != nil {
			return err
		}
		fmt.Printf("removed %s from blacklist\n", CLI.Blacklist.Remove.Name)
		return nil

	case "blacklist list":
		names, err := store.ListBlacklist(ctx)
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return nil

	case "priority set <pattern> <priority>":
		set := CLI.Priority.Set
		if err := store.SetPriorityRule(ctx, set.Pattern, set.Priority); err != nil {
			return err
		}
		fmt.Printf("rule %q -> %d\n", set.Pattern, set.Priority)
		return nil

	case "priority remove <pattern>":
		removed, err := store.RemovePriorityRule(ctx, CLI.Priority.Remove.Pattern)
		if err != nil {
			return err
		}
		fmt.Printf("removed rule %q (was %d)\n", CLI.Priority.Remove.Pattern, removed)
		return nil

	case "priority list":
		rules, err := store.ListPriorityRules(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PATTERN\tPRIORITY")
		for _, rule := range rules {
			fmt.Fprintf(w, "%s\t%d\n", rule.Pattern, rule.Priority)
		}
		return w.Flush()

	case "limits set <name>":
		set := CLI.Limits.Set
		overrides := db.Overrides{}
		if set.Memory > 0 {
			overrides.MemoryBytes = &set.Memory
		}
		if set.Timeout > 0 {
			overrides.TimeoutSeconds = &set.Timeout
		}
		if set.Targets > 0 {
			overrides.MaxTargets = &set.Targets
		}
		if err := store.SaveOverrides(ctx, set.Name, overrides); err != nil {
			return err
		}
		fmt.Printf("overrides saved for %s\n", set.Name)
		return nil

	case "limits remove <name>":
		if err := store.RemoveOverrides(ctx, CLI.Limits.Remove.Name); err != nil {
			return err
		}
		fmt.Printf("overrides removed for %s\n", CLI.Limits.Remove.Name)
		return nil

	case "limits show <name>":
		overrides, err := store.OverridesForPackage(ctx, CLI.Limits.Show.Name)
		if err != nil {
			return err
		}
		if overrides == nil {
			fmt.Println("no overrides set")
			return nil
		}
		if overrides.MemoryBytes != nil {
			fmt.Printf("memory_bytes: %d\n", *overrides.MemoryBytes)
		}
		if overrides.TimeoutSeconds != nil {
			fmt.Printf("timeout_seconds: %d\n", *overrides.TimeoutSeconds)
		}
		if overrides.MaxTargets != nil {
			fmt.Printf("max_targets: %d\n", *overrides.MaxTargets)
		}
		return nil

	case "checkpoint get":
		value, found, err := store.GetConfig(ctx, db.ConfigLastSeenReference)
		if err != nil {
			return err
		}
		if !found {
			fmt.Println("no checkpoint set")
			return nil
		}
		fmt.Println(value)
		return nil

	case "checkpoint set <reference>":
		if err := store.SetConfig(ctx, db.ConfigLastSeenReference, CLI.Checkpoint.Set.Reference); err != nil {
			return err
		}
		fmt.Printf("checkpoint set to %s\n", CLI.Checkpoint.Set.Reference)
		return nil

	case "checkpoint head":
		index, err := registry.Open(cfg.Registry.IndexPath, cfg.Registry.IndexURL)
		if err != nil {
			return err
		}
		if err := index.Refresh(ctx); err != nil {
			return err
		}
		head, err := index.Head()
		if err != nil {
			return err
		}
		if err := store.SetConfig(ctx, db.ConfigLastSeenReference, head); err != nil {
			return err
		}
		fmt.Printf("checkpoint set to index head %s\n", head)
		return nil

	case "remove <name>":
		deleted, err := store.DeletePackage(ctx, CLI.Remove.Name)
		if err != nil {
			return err
		}
		if !deleted {
			return fmt.Errorf("package %s not found", CLI.Remove.Name)
		}
		fmt.Printf("removed %s and all local data\n", CLI.Remove.Name)
		return nil

	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func runDaemon(cfg *config.Config, logger *slog.Logger) error {
	d, err := daemon.New(cfg, CLI.Config, logger)
	if err != nil {
		return err
	}
	defer d.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return d.Run(ctx)
}

func runSync(ctx context.Context, cfg *config.Config, store *db.DB, buildQueue *queue.BuildQueue, logger *slog.Logger) error {
	index, err := registry.Open(cfg.Registry.IndexPath, cfg.Registry.IndexURL)
	if err != nil {
		return err
	}
	syncer := regsync.New(store, buildQueue, index, cfg.Registry.Name, cfg.Storage.LockPath, logger)
	stats, err := syncer.Run(ctx)
	if err != nil {
		return err
	}
	if stats.Skipped {
		fmt.Println("sync already running elsewhere, skipped")
		return nil
	}
	if stats.Baselined {
		fmt.Printf("baselined checkpoint at %s\n", stats.Checkpoint)
		return nil
	}
	fmt.Printf("enqueued %d, yank changes %d, checkpoint %s\n", stats.Enqueued, stats.Yanked, stats.Checkpoint)
	return nil
}

func printStatus(ctx context.Context, store *db.DB, buildQueue *queue.BuildQueue) error {
	counts, err := buildQueue.GetCounts(ctx)
	if err != nil {
		return err
	}
	locked, err := buildQueue.IsLocked(ctx)
	if err != nil {
		return err
	}
	checkpoint, found, err := store.GetConfig(ctx, db.ConfigLastSeenReference)
	if err != nil {
		return err
	}
	if !found {
		checkpoint = "(none)"
	}
	fmt.Printf("checkpoint: %s\n", checkpoint)
	fmt.Printf("queue locked: %v\n", locked)
	fmt.Printf("pending: %d\n", counts.Pending)
	fmt.Printf("failed: %d\n", counts.Failed)
	for priority, count := range counts.ByPriority {
		fmt.Printf("  priority %d: %d\n", priority, count)
	}
	return nil
}
