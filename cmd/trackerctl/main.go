// Command trackerctl is the admin CLI of the SENAMHI tracker. It reads the
// same environment as the service.
//
// Usage:
//
//	trackerctl run warning -force -departments LIMA,CUSCO
//	trackerctl runs -kind forecast -status failed -limit 50 -format xlsx -o runs.xlsx
//	trackerctl warnings
//	trackerctl backfill-coordinates -overwrite
//	trackerctl cleanup-warnings -older-than 720h -dry-run
//	trackerctl repair-runs -grace 1h
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/senamhi-tracker-service/internal/app"
	"github.com/couchcryptid/senamhi-tracker-service/internal/config"
	"github.com/couchcryptid/senamhi-tracker-service/internal/coordinates"
	"github.com/couchcryptid/senamhi-tracker-service/internal/domain"
	"github.com/couchcryptid/senamhi-tracker-service/internal/export"
	"github.com/couchcryptid/senamhi-tracker-service/internal/jobs"
	"github.com/couchcryptid/senamhi-tracker-service/internal/observability"
	"github.com/couchcryptid/senamhi-tracker-service/internal/scheduler"
	"github.com/couchcryptid/senamhi-tracker-service/internal/store"
)

const usage = `usage: trackerctl <command> [flags]

commands:
  run <kind>             run a job now (forecast, warning, shapefile)
  runs                   list or export run history
  warnings               list active warnings
  backfill-coordinates   fill location coordinates from the catalog or mapbox
  cleanup-warnings       delete long expired warnings and their geometries
  repair-runs            close runs left running by a crashed process
`

var errUsage = errors.New("invalid usage")

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "failed to load .env:", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, observability.NewMetrics())
	stop()
	if errors.Is(err, errUsage) {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer, metrics *observability.Metrics) error {
	if len(args) == 0 {
		return errUsage
	}
	cmd, args := args[0], args[1:]

	var handler func(context.Context, *app.App, *config.Config, []string, io.Writer) error
	switch cmd {
	case "run":
		handler = runJob
	case "runs":
		handler = listRuns
	case "warnings":
		handler = listWarnings
	case "backfill-coordinates":
		handler = backfillCoordinates
	case "cleanup-warnings":
		handler = cleanupWarnings
	case "repair-runs":
		handler = repairRuns
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := observability.NewLoggerWriter(os.Stderr, cfg)
	a, err := app.New(ctx, cfg, clockwork.NewRealClock(), logger, metrics)
	if err != nil {
		return err
	}
	defer a.Close()

	return handler(ctx, a, cfg, args, stdout)
}

func runJob(ctx context.Context, a *app.App, _ *config.Config, args []string, stdout io.Writer) error {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		return fmt.Errorf("%w: run needs a job kind", errUsage)
	}
	kind, err := domain.ParseJobKind(args[0])
	if err != nil {
		return err
	}
	fset := flag.NewFlagSet("run", flag.ContinueOnError)
	force := fset.Bool("force", false, "replace today's forecasts / re-download synced geometries")
	departments := fset.String("departments", "", "comma separated departments, default is the configured set")
	if err := fset.Parse(args[1:]); err != nil {
		return errUsage
	}

	// The daemon's in-process lock does not reach this process; an open run
	// row in the shared store is the only sign of a concurrent run.
	open, err := a.Store.ListRuns(ctx, store.RunFilter{Kind: kind, Status: domain.RunRunning, Limit: 1})
	if err != nil {
		return err
	}
	if len(open) > 0 {
		return fmt.Errorf("%w: %s run %s open since %s (repair-runs closes runs left by a crash)",
			scheduler.ErrJobRunning, kind, open[0].ID, open[0].StartedAt.Format(time.RFC3339))
	}

	run, err := a.Scheduler.RunNow(ctx, kind, jobs.Options{Force: *force, Departments: splitList(*departments)})
	if encErr := writeJSON(stdout, run); encErr != nil {
		return encErr
	}
	return err
}

func listRuns(ctx context.Context, a *app.App, _ *config.Config, args []string, stdout io.Writer) error {
	fset := flag.NewFlagSet("runs", flag.ContinueOnError)
	kind := fset.String("kind", "", "filter by job kind")
	status := fset.String("status", "", "filter by status")
	limit := fset.Int("limit", store.DefaultRunLimit, "maximum number of runs")
	format := fset.String("format", "json", "json, csv or xlsx")
	out := fset.String("o", "", "output file, default stdout")
	if err := fset.Parse(args); err != nil {
		return errUsage
	}

	list, err := a.Service.ListRuns(ctx, store.RunFilter{
		Kind:   domain.JobKind(*kind),
		Status: domain.RunStatus(*status),
		Limit:  *limit,
	})
	if err != nil {
		return err
	}

	w := stdout
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	if *format == "json" {
		return writeJSON(w, list)
	}
	return export.Write(w, *format, list)
}

func listWarnings(ctx context.Context, a *app.App, _ *config.Config, args []string, stdout io.Writer) error {
	fset := flag.NewFlagSet("warnings", flag.ContinueOnError)
	if err := fset.Parse(args); err != nil {
		return errUsage
	}
	warnings, err := a.Service.ListActiveWarnings(ctx)
	if err != nil {
		return err
	}
	return writeJSON(stdout, warnings)
}

func backfillCoordinates(ctx context.Context, a *app.App, cfg *config.Config, args []string, stdout io.Writer) error {
	fset := flag.NewFlagSet("backfill-coordinates", flag.ContinueOnError)
	overwrite := fset.Bool("overwrite", false, "replace coordinates already set")
	file := fset.String("file", cfg.CoordinatesFile, "coordinates catalog")
	geocode := fset.Bool("geocode", true, "geocode locations missing from the catalog when MAPBOX_TOKEN is set")
	if err := fset.Parse(args); err != nil {
		return errUsage
	}

	catalog, err := coordinates.Load(*file)
	if err != nil {
		return err
	}
	var geocoder domain.Geocoder
	if *geocode {
		geocoder = a.Geocoder
	}
	stats, err := coordinates.Backfill(ctx, a.Store, catalog, geocoder, *overwrite, slog.Default())
	if err != nil {
		return err
	}
	return writeJSON(stdout, stats)
}

func cleanupWarnings(ctx context.Context, a *app.App, _ *config.Config, args []string, stdout io.Writer) error {
	fset := flag.NewFlagSet("cleanup-warnings", flag.ContinueOnError)
	olderThan := fset.Duration("older-than", 30*24*time.Hour, "delete warnings expired for longer than this")
	dryRun := fset.Bool("dry-run", false, "only report what would be deleted")
	if err := fset.Parse(args); err != nil {
		return errUsage
	}

	cutoff := time.Now().Add(-*olderThan)
	numbers, err := a.Store.DeleteExpiredWarnings(ctx, cutoff, *dryRun)
	if err != nil {
		return err
	}
	if numbers == nil {
		numbers = []int{}
	}
	return writeJSON(stdout, map[string]any{
		"dry_run":  *dryRun,
		"cutoff":   cutoff.UTC().Format(time.RFC3339),
		"warnings": numbers,
	})
}

func repairRuns(ctx context.Context, a *app.App, cfg *config.Config, args []string, stdout io.Writer) error {
	fset := flag.NewFlagSet("repair-runs", flag.ContinueOnError)
	grace := fset.Duration("grace", cfg.RunRepairGrace, "leave runs started within this window alone")
	if err := fset.Parse(args); err != nil {
		return errUsage
	}
	n, err := a.Tracker.Repair(ctx, *grace)
	if err != nil {
		return err
	}
	return writeJSON(stdout, map[string]int{"closed": n})
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
