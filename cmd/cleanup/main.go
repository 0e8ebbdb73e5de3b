// Command cleanup deletes preview PDFs older than a cutoff. Signed documents
// are never touched. It is meant to run from cron.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"signflow/artifacts"
	"signflow/config"
)

func main() {
	configPath := flag.String("config", os.Getenv("SIGNFLOW_CONFIG"), "path to an optional YAML config file")
	maxAge := flag.Duration("max-age", 0, "delete previews older than this (default: preview_max_age from config)")
	dryRun := flag.Bool("dry-run", false, "list what would be deleted without deleting")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	// only the artifact settings matter here, so unrelated validation
	// problems such as a missing DATABASE_URL are ignored
	cfg, errs := config.Load(*configPath)
	if cfg == nil {
		for _, err := range errs {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
		}
		os.Exit(1)
	}
	if *maxAge <= 0 {
		*maxAge = cfg.PreviewMaxAge
	}

	if err := run(logger, cfg.ArtifactsDir, *maxAge, *dryRun, time.Now()); err != nil {
		logger.Error("preview cleanup failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, dir string, maxAge time.Duration, dryRun bool, now time.Time) error {
	store, err := artifacts.New(dir)
	if err != nil {
		return err
	}

	logger.Info("starting preview cleanup", "root", store.Root(), "max_age", maxAge, "dry_run", dryRun)
	res, err := store.CleanupPreviews(now, maxAge, dryRun)
	for _, p := range res.Removed {
		if dryRun {
			logger.Info("would remove preview", "path", p)
		} else {
			logger.Debug("removed preview", "path", p)
		}
	}
	if err != nil {
		return err
	}
	logger.Info("preview cleanup finished", "files", len(res.Removed), "bytes", res.Bytes, "dry_run", dryRun)
	return nil
}
