// Command stage-sweeper deletes orphaned pool-owned stages upstream.
// Stages matching the pool prefix with no connected publisher and past
// the minimum age are removed; everything else is left alone.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"kidstream/internal/upstream"
)

type sweepOptions struct {
	Prefix string
	MinAge time.Duration
	Limit  int
	DryRun bool
	Now    func() time.Time
	Report func(format string, args ...any)
}

func main() {
	var (
		region string
		prefix string
		minAge time.Duration
		limit  int
		dryRun bool
	)

	flag.StringVar(&region, "region", "", "upstream AWS region")
	flag.StringVar(&prefix, "prefix", "kid-stream", "name prefix identifying pool-owned stages")
	flag.DurationVar(&minAge, "min-age", time.Hour, "only delete stages older than this")
	flag.IntVar(&limit, "limit", 0, "maximum deletions per run (0 = unlimited)")
	flag.BoolVar(&dryRun, "dry-run", false, "report candidates without deleting")
	flag.Parse()

	if region == "" {
		region = strings.TrimSpace(os.Getenv("KIDSTREAM_REGION"))
	}
	if region == "" {
		fatalf("--region or KIDSTREAM_REGION is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	api, err := upstream.NewIVS(ctx, upstream.IVSConfig{Region: region})
	if err != nil {
		fatalf("initialise upstream client: %v", err)
	}

	deleted, skipped, err := sweep(ctx, api, sweepOptions{
		Prefix: prefix,
		MinAge: minAge,
		Limit:  limit,
		DryRun: dryRun,
	})
	if err != nil {
		fatalf("sweep: %v", err)
	}
	fmt.Printf("Swept %d stages, skipped %d.\n", deleted, skipped)
}

func sweep(ctx context.Context, api upstream.API, opts sweepOptions) (deleted, skipped int, err error) {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	report := opts.Report
	if report == nil {
		report = func(format string, args ...any) { fmt.Printf(format+"\n", args...) }
	}

	stages, err := api.ListStages(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("list stages: %w", err)
	}

	cutoff := now().Add(-opts.MinAge)
	for _, stage := range stages {
		if !strings.HasPrefix(stage.Name, opts.Prefix+"-") {
			continue
		}
		if stage.ActiveSessionID != "" {
			skipped++
			continue
		}
		if createdAt, ok := stageCreatedAt(stage); ok && createdAt.After(cutoff) {
			skipped++
			continue
		}
		if opts.DryRun {
			report("would delete %s (%s)", stage.Name, stage.Arn)
			deleted++
		} else {
			if err := api.DeleteStage(ctx, stage.Arn); err != nil {
				return deleted, skipped, fmt.Errorf("delete stage %s: %w", stage.Arn, err)
			}
			report("deleted %s (%s)", stage.Name, stage.Arn)
			deleted++
		}
		if opts.Limit > 0 && deleted >= opts.Limit {
			break
		}
	}
	return deleted, skipped, nil
}

func stageCreatedAt(stage upstream.Stage) (time.Time, bool) {
	raw, ok := stage.Tags["createdAt"]
	if !ok {
		return time.Time{}, false
	}
	createdAt, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return createdAt, true
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
