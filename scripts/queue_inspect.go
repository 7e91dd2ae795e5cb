package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"focusdeck/internal/database"
	"focusdeck/internal/export"

	"github.com/rs/zerolog"
)

// Offline maintenance tool for the local operation queue: prints per-status
// counts and parked operations, optionally purges old completed rows or
// dumps the parked queue to an xlsx report. Run only while the daemon is
// stopped.
func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	var (
		dbPath    = flag.String("db", "./data/focusdeck.db", "path to the queue database")
		cleanup   = flag.Bool("cleanup", false, "purge completed operations older than the grace window")
		olderThan = flag.Duration("older-than", time.Hour, "completed-row age for -cleanup")
		exportDir = flag.String("export", "", "write parked operations to an xlsx report in this directory")
	)
	flag.Parse()

	db, err := database.NewDB(*dbPath, &logger)
	if err != nil {
		return fmt.Errorf("open queue db: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stats, err := db.GetStats(ctx)
	if err != nil {
		return fmt.Errorf("read stats: %w", err)
	}
	fmt.Printf("pending=%d syncing=%d failed=%d conflict=%d completed=%d\n",
		stats.Pending, stats.Syncing, stats.Failed, stats.Conflict, stats.Completed)

	failed, err := db.GetFailedOperations(ctx)
	if err != nil {
		return fmt.Errorf("read failed operations: %w", err)
	}
	for _, op := range failed {
		lastError := ""
		if op.LastError != nil {
			lastError = *op.LastError
		}
		fmt.Printf("  #%d %s %s %s retries=%d error=%q\n",
			op.ID, op.EntityType, op.Op, op.EntityID, op.RetryCount, lastError)
	}

	if *exportDir != "" && len(failed) > 0 {
		path, err := export.SaveFailedReport(*exportDir, failed)
		if err != nil {
			return fmt.Errorf("export report: %w", err)
		}
		fmt.Printf("report written to %s\n", path)
	}

	if *cleanup {
		n, err := db.CleanupCompleted(ctx, *olderThan)
		if err != nil {
			return fmt.Errorf("cleanup: %w", err)
		}
		fmt.Printf("purged %d completed operations\n", n)
	}

	return nil
}
