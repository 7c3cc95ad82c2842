package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/multierr"

	"ledgersync/internal/app"
	"ledgersync/internal/config"
	"ledgersync/internal/etl"
	"ledgersync/internal/logger"
)

var version = "dev"

const usage = `usage: ledgersync [-config path] <command> [flags]

commands:
  sync    [-job name]             run one sync cycle for a job (all jobs when omitted)
  serve                           run schedule/file-watch triggers and the metrics endpoint
  mcp                             serve MCP tools on stdin/stdout
  show    -job name [-limit n]    print cached rows
  runs    [-job name] [-limit n]  print recent sync runs
  sources                         list source types
  version                         print the version
`

var errUsage = errors.New("invalid usage")

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cancel()
	if err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintln(os.Stderr, "ledgersync:", err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) (err error) {
	fs := flag.NewFlagSet("ledgersync", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprint(stderr, usage) }
	configPath := fs.String("config", "", "path to ledgersync.yaml")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errUsage
	}
	cmd, rest := fs.Arg(0), fs.Args()[1:]

	// Commands that need neither config nor cache.
	switch cmd {
	case "sources":
		return printJSON(stdout, etl.ListSources())
	case "version":
		fmt.Fprintln(stdout, version)
		return nil
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.LogLevel); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	a, err := app.New(cfg, nil)
	if err != nil {
		return err
	}
	defer func() {
		// Shutdown must outlive the signal that cancelled ctx.
		if serr := a.Shutdown(context.WithoutCancel(ctx)); serr != nil {
			err = multierr.Append(err, serr)
		}
	}()

	switch cmd {
	case "sync":
		return cmdSync(ctx, a, rest, stdout, stderr)
	case "serve":
		return a.Serve(ctx)
	case "mcp":
		return a.ServeMCP(version)
	case "show":
		return cmdShow(ctx, a, rest, stdout, stderr)
	case "runs":
		return cmdRuns(a, rest, stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", cmd, usage)
		return errUsage
	}
}

func cmdSync(ctx context.Context, a *app.App, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("sync", flag.ContinueOnError)
	fs.SetOutput(stderr)
	job := fs.String("job", "", "job name (all jobs when empty)")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	if *job != "" {
		report, err := a.Sync().RunJob(ctx, *job)
		if err != nil {
			return err
		}
		return printJSON(stdout, summarize(report))
	}

	reports, runErr := a.Sync().RunAll(ctx)
	out := make(map[string]any, len(reports))
	for name, r := range reports {
		out[name] = summarize(r)
	}
	if err := printJSON(stdout, out); err != nil {
		return multierr.Append(runErr, err)
	}
	return runErr
}

// summarize drops the full row set from a report; use `show` to print rows.
func summarize(r *etl.CycleReport) map[string]any {
	return map[string]any{
		"mode":      r.Mode,
		"watermark": r.Watermark,
		"fetched":   r.Fetched,
		"filtered":  r.Filtered,
		"inserted":  r.Inserted,
		"ignored":   r.Ignored,
		"skipped":   r.Skipped,
		"rows":      len(r.Rows),
		"duration":  r.Duration.String(),
	}
}

func cmdShow(ctx context.Context, a *app.App, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	fs.SetOutput(stderr)
	job := fs.String("job", "", "job name")
	limit := fs.Int("limit", 0, "maximum rows (0 prints all)")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if *job == "" {
		fmt.Fprintln(stderr, "show: -job is required")
		return errUsage
	}
	rows, err := a.Sync().ReadCache(ctx, *job, *limit)
	if err != nil {
		return err
	}
	return printJSON(stdout, rows)
}

func cmdRuns(a *app.App, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	fs.SetOutput(stderr)
	job := fs.String("job", "", "job name (all jobs when empty)")
	limit := fs.Int("limit", 20, "maximum runs")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	runs, err := a.Sync().ListRuns(*job, *limit)
	if err != nil {
		return err
	}
	return printJSON(stdout, runs)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
