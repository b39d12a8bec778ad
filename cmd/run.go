package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/signalnine/hporun/internal/config"
	"github.com/signalnine/hporun/internal/experiment"
	"github.com/signalnine/hporun/internal/logging"
	"github.com/signalnine/hporun/internal/progress"
	"github.com/signalnine/hporun/internal/runner"
	"github.com/signalnine/hporun/internal/trainer"
)

var (
	flagProgressAddr string
	flagParallel     int
)

func addRunFlags(fs *pflag.FlagSet) {
	fs.StringVar(&flagProgressAddr, "progress-addr", "", "stream trial progress over WebSocket on this address, e.g. :8765")
	fs.IntVar(&flagParallel, "parallel", 1, "max experiments running at once")
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [experiment...]",
		Short: "Run the HPO repeats of one or more experiments",
		RunE:  runExperiments,
	}
	addRunFlags(cmd.Flags())
	return cmd
}

// prepared is an experiment whose config passed every check.
type prepared struct {
	rc  *experiment.RunContext
	cfg *config.Config
}

func runExperiments(cmd *cobra.Command, args []string) error {
	names := args
	if len(names) == 0 {
		names = []string{experiment.DefaultName}
	}

	// Every config is checked before the first trial of any experiment.
	var runs []prepared
	for _, name := range names {
		p, err := prepare(name)
		if err != nil {
			return err
		}
		runs = append(runs, p)
	}

	log := newLogger(runs)
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var pub progress.Publisher = progress.Discard
	if flagProgressAddr != "" {
		hub := progress.NewHub(log)
		go func() {
			if err := hub.Serve(ctx, flagProgressAddr); err != nil {
				log.Error("progress server stopped", "err", err)
			}
		}()
		pub = hub
	}

	out := cmd.OutOrStdout()
	if flagParallel <= 1 || len(runs) == 1 {
		for _, p := range runs {
			if err := runOne(ctx, out, p, log, pub); err != nil {
				return err
			}
		}
		return nil
	}

	out = &lockedWriter{w: out}
	jobs := make([]runner.Job, len(runs))
	for i, p := range runs {
		jobs[i] = func(ctx context.Context) error {
			return runOne(ctx, out, p, log, pub)
		}
	}
	errs := runner.RunPool(ctx, flagParallel, jobs)
	for _, err := range errs {
		fmt.Fprintf(out, "  ERROR: %v\n", err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%d of %d experiments failed", len(errs), len(runs))
	}
	return nil
}

// prepare loads an experiment's config and runs the pre-flight checks. The
// config's hp_optimizer.seed replaces the --seed value.
func prepare(name string) (prepared, error) {
	rc := experiment.New(flagExperiments, name, flagSeed)
	cfg, err := config.Load(rc.ConfigPath())
	if err != nil {
		return prepared{}, err
	}
	if _, err := runner.Validate(cfg); err != nil {
		return prepared{}, fmt.Errorf("experiment %s: %w", name, err)
	}
	rc.Seed = cfg.Seed(flagSeed)
	return prepared{rc: rc, cfg: cfg}, nil
}

func runOne(ctx context.Context, out io.Writer, p prepared, log *slog.Logger, pub progress.Publisher) error {
	data, err := trainer.LoadData(p.cfg.Data, p.rc.Dir())
	if err != nil {
		return fmt.Errorf("experiment %s: %w", p.rc.Experiment, err)
	}
	tr, err := trainer.New(p.cfg.Trainer, trainer.Options{
		Seed:    p.rc.Seed,
		Data:    data,
		WorkDir: p.rc.OutputDir(),
		Logger:  log,
	})
	if err != nil {
		return fmt.Errorf("experiment %s: %w", p.rc.Experiment, err)
	}

	fmt.Fprintf(out, "Running %s with %s (%d repeats, budget %g)...\n",
		p.rc.Experiment, p.cfg.HPOptimizer.Name, p.cfg.HPOptimizer.HPORepeats, p.cfg.TotalBudget())
	summary, err := runner.Run(ctx, runner.Options{
		Run:       p.rc,
		Config:    p.cfg,
		Trainer:   tr,
		Logger:    log,
		Publisher: pub,
	})
	if summary != nil {
		printSummary(out, summary)
	}
	return err
}

func printSummary(out io.Writer, s *runner.Summary) {
	for _, m := range s.Repeats {
		best := "-"
		if m.BestLoss != nil {
			best = fmt.Sprintf("%.4f", *m.BestLoss)
		}
		fmt.Fprintf(out, "  repeat %d: %s (trials: %d, consumed: %g/%g, best loss: %s)\n",
			m.Repeat, m.Status, m.Trials, m.Consumed, m.Budget, best)
	}
}

// newLogger installs the process logger shared by every run.
func newLogger(runs []prepared) *slog.Logger {
	l := logging.New(logLevel(flagLogLevel, runs), flagLogFormat, os.Stderr)
	logging.SetDefault(l)
	return l
}

// logLevel picks the shared level: --log-level if set, otherwise the most
// verbose log_level among the experiments.
func logLevel(flag string, runs []prepared) string {
	if flag != "" {
		return flag
	}
	level := ""
	for _, p := range runs {
		if level == "" || logging.ParseLevel(p.cfg.LogLevel) < logging.ParseLevel(level) {
			level = p.cfg.LogLevel
		}
	}
	return level
}

// lockedWriter serializes output from concurrent experiments.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
