package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/banshee-data/selfcal/internal/config"
	"github.com/banshee-data/selfcal/internal/db"
	"github.com/banshee-data/selfcal/internal/fsutil"
	"github.com/banshee-data/selfcal/internal/monitoring"
	"github.com/banshee-data/selfcal/internal/report"
	"github.com/banshee-data/selfcal/internal/runner"
	"github.com/banshee-data/selfcal/internal/selfcal"
	"github.com/banshee-data/selfcal/internal/version"
)

var debug = monitoring.Debug{Prefix: "[selfcal]"}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	if flag.NArg() < 1 {
		printUsage()
		os.Exit(1)
	}

	command := flag.Arg(0)
	args := flag.Args()[1:]

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch command {
	case "run":
		err = handleRun(ctx, args)
	case "rollback":
		err = handleRollback(ctx, args)
	case "history":
		err = handleHistory(ctx, os.Stdout, args)
	case "report":
		err = handleReport(ctx, args)
	case "migrate":
		err = handleMigrate(os.Stdout, args)
	case "version":
		fmt.Println(version.String())
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, config.ErrConfiguration) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`selfcal - iterative self-calibration of interferometric visibilities

Usage: selfcal <command> [options]

Commands:
  run        Run the configured phase and amplitude self-calibration loops
  rollback   Restore the flags of the dataset to a saved version
  history    List recorded runs with their image quality
  report     Re-render the quality report of a recorded run
  migrate    Manage the run ledger schema (up, down, status, force <version>)
  version    Show selfcal version
  help       Show this help message

Common Flags:
  --config <file>      Configuration file (.json, .yaml or .yml)
                       Defaults to config/selfcal.defaults.json
  --vis <path>         Visibility dataset, overrides the configuration
  --db <path>          Run ledger database, overrides the configuration
  --target <host>      Run toolkit tasks and the imager on a remote host over SSH
  --ssh-user <user>    SSH user for the remote host
  --ssh-key <path>     SSH private key path
  --dry-run            Print commands instead of executing them
  --debug              Log every command before it runs

Run Flags:
  --imager <name>      Imager backend: clean or gpuvmem
  --output <prefix>    Output prefix, the result is written to <prefix>.selfcal
  --want-plot <bool>   Emit calibration plots and the quality report (true or false)
  --overwrite          Replace an existing self-calibrated dataset

Examples:
  # Phase then amplitude+phase self-calibration with tclean
  selfcal run --config obs.yaml

  # Same run with the GPU optimizer on a remote host
  selfcal run --config obs.yaml --imager gpuvmem --target gpu01

  # Undo everything after the last completed iteration
  selfcal rollback --config obs.yaml --last

  # Restore the pre-calibration flags
  selfcal rollback --config obs.yaml --to before_phasecal`)
}

// commonFlags are shared by the commands that touch the dataset.
type commonFlags struct {
	configPath *string
	vis        *string
	dbPath     *string
	target     *string
	sshUser    *string
	sshKey     *string
	dryRun     *bool
	debug      *bool
}

func addCommonFlags(fs *flag.FlagSet) *commonFlags {
	return &commonFlags{
		configPath: fs.String("config", "", "Configuration file (defaults to "+config.DefaultConfigPath+")"),
		vis:        fs.String("vis", "", "Visibility dataset"),
		dbPath:     fs.String("db", "", "Run ledger database"),
		target:     fs.String("target", "", "Remote host for toolkit tasks"),
		sshUser:    fs.String("ssh-user", "", "SSH user"),
		sshKey:     fs.String("ssh-key", "", "SSH private key path"),
		dryRun:     fs.Bool("dry-run", false, "Print commands instead of executing them"),
		debug:      fs.Bool("debug", false, "Enable debug logging"),
	}
}

// load reads the configuration and applies command-line overrides.
func (c *commonFlags) load() (*config.SelfCalConfig, error) {
	var cfg *config.SelfCalConfig
	var err error
	if *c.configPath != "" {
		cfg, err = config.LoadSelfCalConfig(*c.configPath)
	} else {
		cfg, err = config.LoadSelfCalConfig(config.DefaultConfigPath)
	}
	if err != nil {
		return nil, err
	}
	if *c.vis != "" {
		cfg.Vis = c.vis
	}
	if *c.dbPath != "" {
		cfg.LedgerDB = c.dbPath
	}
	if cfg.Toolkit == nil {
		cfg.Toolkit = &config.ToolkitConfig{}
	}
	if *c.target != "" {
		cfg.Toolkit.Target = c.target
	}
	if *c.sshUser != "" {
		cfg.Toolkit.SSHUser = c.sshUser
	}
	if *c.sshKey != "" {
		cfg.Toolkit.SSHKey = c.sshKey
	}
	if *c.dryRun {
		cfg.Toolkit.DryRun = c.dryRun
	}
	return cfg, nil
}

// newExecutor builds the executor for toolkit tasks and external imagers.
// Remote targets may name a Host alias from ~/.ssh/config.
func (c *commonFlags) newExecutor(cfg *config.SelfCalConfig) (*runner.Executor, error) {
	tk := cfg.GetToolkit()
	exec := runner.NewExecutor(tk.GetTarget(), tk.GetSSHUser(), tk.GetSSHKey(), tk.GetDryRun())
	if *c.debug {
		exec.SetLogger(debug)
	}
	if err := exec.ResolveSSH(""); err != nil {
		return nil, err
	}
	return exec, nil
}

func openLedger(path string) (*db.DB, error) {
	if path == "" || path == "none" {
		return nil, nil
	}
	return db.NewDB(path)
}

func handleRun(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	common := addCommonFlags(fs)
	imager := fs.String("imager", "", "Imager backend: clean or gpuvmem")
	output := fs.String("output", "", "Output prefix for the self-calibrated dataset")
	wantPlot := fs.String("want-plot", "", "Emit calibration plots and the quality report (true or false)")
	overwrite := fs.Bool("overwrite", false, "Replace an existing self-calibrated dataset")
	fs.Parse(args)

	cfg, err := common.load()
	if err != nil {
		return err
	}
	if *imager != "" {
		cfg.Imager = imager
	}
	if *output != "" {
		cfg.Output = output
	}
	if *wantPlot != "" {
		plot, err := config.ParseBool(*wantPlot)
		if err != nil {
			return err
		}
		cfg.WantPlot = &plot
	}

	var ledger *db.DB
	if !cfg.GetToolkit().GetDryRun() {
		ledger, err = openLedger(cfg.GetLedgerDB())
		if err != nil {
			return err
		}
		if ledger != nil {
			defer ledger.Close()
		}
	}

	exec, err := common.newExecutor(cfg)
	if err != nil {
		return err
	}
	p := &pipeline{
		cfg:       cfg,
		cmd:       exec,
		proc:      exec,
		fs:        fsutil.OSFileSystem{},
		ledger:    ledger,
		overwrite: *overwrite,
	}
	start := time.Now()
	res, err := p.run(ctx)
	if res != nil {
		printSummary(os.Stdout, res, time.Since(start))
	}
	return err
}

func printSummary(w io.Writer, res *pipelineResult, elapsed time.Duration) {
	if res.Plan != nil {
		printPlan(w, res.Plan)
		return
	}
	if res.RunID != "" {
		fmt.Fprintf(w, "Run %s finished in %s\n", res.RunID, elapsed.Round(time.Second))
	}
	for _, l := range res.Loops {
		names := make([]string, len(l.Solutions))
		for i, s := range l.Solutions {
			names[i] = s.Name
		}
		fmt.Fprintf(w, "  %-16s %d/%d iteration(s) %v\n", l.Mode, l.LastCompleted+1, len(l.Ladder), names)
	}
	printQuality(w, res.History)
	if res.Output != "" {
		fmt.Fprintf(w, "Self-calibrated data: %s\n", res.Output)
	}
	for _, p := range res.Reports {
		fmt.Fprintf(w, "Report: %s\n", p)
	}
}

func printPlan(w io.Writer, plan *selfcal.RunPlan) {
	fmt.Fprintln(w, "Dry run, nothing was executed.")
	if plan.Baseline != "" {
		fmt.Fprintf(w, "  baseline flags: %s\n", plan.Baseline)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "  MODE\tIMAGE\tTABLE\tSOLINT\tCOMBINE\tAPPLY\tFLAGS")
	for _, s := range plan.Steps {
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%q\t%v\t%s\n", s.Mode, s.Image, s.Table, s.Solint, s.Combine, s.Apply, s.Snapshot)
	}
	tw.Flush()
	fmt.Fprintf(w, "Self-calibrated data would be written to %s\n", plan.Output)
}

func printQuality(w io.Writer, history []selfcal.Metric) {
	if len(history) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "  IMAGE\tPSNR\tPEAK\tRMS")
	for _, m := range history {
		fmt.Fprintf(tw, "  %s\t%.2f\t%.4g\t%.4g\n", m.ImageName, m.Quality.PSNR, m.Quality.Peak, m.Quality.Stdv)
	}
	tw.Flush()
}

func handleRollback(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("rollback", flag.ExitOnError)
	common := addCommonFlags(fs)
	to := fs.String("to", "", "Flag version to restore")
	last := fs.Bool("last", false, "Restore the newest flag version recorded in the run ledger")
	fs.Parse(args)

	if (*to == "") == !*last {
		return fmt.Errorf("%w: give exactly one of --to or --last", config.ErrConfiguration)
	}
	cfg, err := common.load()
	if err != nil {
		return err
	}
	var ledger *db.DB
	if *last {
		ledger, err = openLedger(cfg.GetLedgerDB())
		if err != nil {
			return err
		}
		if ledger != nil {
			defer ledger.Close()
		}
	}
	exec, err := common.newExecutor(cfg)
	if err != nil {
		return err
	}
	name, err := rollback(ctx, cfg, exec, fsutil.OSFileSystem{}, ledger, *to)
	if err != nil {
		return err
	}
	fmt.Printf("Restored flag version %s of %s\n", name, cfg.GetVis())
	return nil
}

func handleHistory(ctx context.Context, w io.Writer, args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	dbPath := fs.String("db", "selfcal_runs.db", "Run ledger database")
	vis := fs.String("vis", "", "Only show runs of this dataset")
	limit := fs.Int("limit", 20, "Maximum number of runs")
	fs.Parse(args)

	ledger, err := db.NewDB(*dbPath)
	if err != nil {
		return err
	}
	defer ledger.Close()
	return printHistory(ctx, w, ledger, *vis, *limit)
}

func printHistory(ctx context.Context, w io.Writer, ledger *db.DB, vis string, limit int) error {
	runs, err := ledger.ListRuns(ctx, vis, limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded")
		return nil
	}
	for _, r := range runs {
		fmt.Fprintf(w, "%s  %s  %-9s %s (%s)\n", r.ID, r.StartedAt.Format(time.RFC3339), r.Status, r.Vis, r.Imager)
		if r.Error != "" {
			fmt.Fprintf(w, "  error: %s\n", r.Error)
		}
		hist, err := ledger.QualityHistory(ctx, r.ID)
		if err != nil {
			return err
		}
		printQuality(w, hist)
	}
	return nil
}

func handleReport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	dbPath := fs.String("db", "selfcal_runs.db", "Run ledger database")
	runID := fs.String("run", "", "Run ID (required)")
	out := fs.String("out", "selfcal_report", "Output directory")
	fs.Parse(args)

	if *runID == "" {
		return fmt.Errorf("%w: --run is required", config.ErrConfiguration)
	}
	ledger, err := db.NewDB(*dbPath)
	if err != nil {
		return err
	}
	defer ledger.Close()

	paths, err := renderRunReport(ctx, ledger, fsutil.OSFileSystem{}, *runID, *out)
	if err != nil {
		return err
	}
	for _, p := range paths {
		fmt.Printf("Report: %s\n", p)
	}
	return nil
}

func renderRunReport(ctx context.Context, ledger *db.DB, fs fsutil.FileSystem, runID, out string) ([]string, error) {
	if _, err := ledger.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	hist, err := ledger.QualityHistory(ctx, runID)
	if err != nil {
		return nil, err
	}
	return report.Write(fs, filepath.Join(out, runID), runID, hist)
}

func handleMigrate(w io.Writer, args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	dbPath := fs.String("db", "selfcal_runs.db", "Run ledger database")
	fs.Parse(args)

	if fs.NArg() < 1 {
		return fmt.Errorf("%w: migrate needs an action: up, down, status or force <version>", config.ErrConfiguration)
	}
	ledger, err := db.OpenDB(*dbPath)
	if err != nil {
		return err
	}
	defer ledger.Close()
	return runMigrate(w, ledger, fs.Arg(0), fs.Args()[1:]...)
}

// runMigrate applies a schema action. force clears a dirty state left by a
// failed migration by pinning the recorded version.
func runMigrate(w io.Writer, ledger *db.DB, action string, args ...string) error {
	migrations := db.MigrationsFS()
	switch action {
	case "up":
		if err := ledger.MigrateUp(migrations); err != nil {
			return err
		}
	case "down":
		if err := ledger.MigrateDown(migrations); err != nil {
			return err
		}
	case "force":
		if len(args) != 1 {
			return fmt.Errorf("%w: migrate force needs a version", config.ErrConfiguration)
		}
		v, err := strconv.Atoi(args[0])
		if err != nil || v < -1 {
			return fmt.Errorf("%w: invalid migration version %q", config.ErrConfiguration, args[0])
		}
		if err := ledger.MigrateForce(migrations, v); err != nil {
			return err
		}
	case "status":
	default:
		return fmt.Errorf("%w: unknown migrate action %q", config.ErrConfiguration, action)
	}
	version, dirty, err := ledger.MigrateVersion(migrations)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Current version: %d (dirty: %v)\n", version, dirty)
	return nil
}
