package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jnesss/pgcpu-recorder/config"
	"github.com/jnesss/pgcpu-recorder/database"
	"github.com/jnesss/pgcpu-recorder/log"
	"github.com/jnesss/pgcpu-recorder/platform"
	"github.com/jnesss/pgcpu-recorder/process"
	"github.com/jnesss/pgcpu-recorder/record"
	"github.com/jnesss/pgcpu-recorder/sigma"
	"github.com/jnesss/pgcpu-recorder/web"
)

type trackFlags struct {
	configPath string
	verbosity  int
	output     string
	database   string
	rulesDir   string
	metrics    string
	target     string
	strict     bool
	drop       bool
}

func newTrackCommand() *cobra.Command {
	var f trackFlags

	cmd := &cobra.Command{
		Use:   "track",
		Short: "Track postgres backends until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadTrackConfig(cmd, &f)
			if err != nil {
				return err
			}
			return runTrack(cmd.Context(), cfg)
		},
	}

	bindTrackFlags(cmd, &f)
	return cmd
}

func bindTrackFlags(cmd *cobra.Command, f *trackFlags) {
	flags := cmd.Flags()
	flags.StringVarP(&f.configPath, "config", "c", "", "Path to YAML config file")
	flags.CountVarP(&f.verbosity, "verbose", "v", "Increase diagnostic verbosity (repeatable)")
	flags.StringVarP(&f.output, "output", "o", "", "Record file, - for stdout")
	flags.StringVar(&f.database, "db", "", "Also store records in this sqlite file")
	flags.StringVar(&f.rulesDir, "rules", "", "Evaluate sigma rules from this directory")
	flags.StringVar(&f.metrics, "metrics-addr", "", "Serve /metrics and the record API on this address")
	flags.StringVar(&f.target, "target", "", "Command name of the tracked server")
	flags.BoolVar(&f.strict, "strict-title", false, "Require the '<target>:' title prefix")
	flags.BoolVar(&f.drop, "drop-privileges", false, "Switch to SUDO_USER after subscribing")
}

// loadTrackConfig applies flags the user set on top of the config file.
func loadTrackConfig(cmd *cobra.Command, f *trackFlags) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("verbose") {
		cfg.Log.Level = log.LevelForVerbosity(f.verbosity)
	}
	if flags.Changed("output") {
		cfg.Output = f.output
	}
	if flags.Changed("db") {
		cfg.Database = f.database
	}
	if flags.Changed("rules") {
		cfg.RulesDir = f.rulesDir
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = f.metrics
	}
	if flags.Changed("target") {
		cfg.TargetCommand = f.target
	}
	if flags.Changed("strict-title") {
		cfg.StrictTitle = f.strict
	}
	if flags.Changed("drop-privileges") {
		cfg.DropPrivileges = f.drop
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	logCfg := log.FromEnv()
	logCfg.Level = cfg.Log.Level
	logCfg.Format = log.Format(cfg.Log.Format)
	return log.New(logCfg)
}

func runTrack(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := newLogger(cfg)

	inspector, err := process.NewProcInspector(cfg.ProcMount)
	if err != nil {
		return err
	}

	out, closeOut, err := openOutput(cfg.Output)
	if err != nil {
		return err
	}
	defer closeOut()

	sinks := record.MultiSink{record.NewWriter(out)}

	var db *database.DB
	if cfg.Database != "" {
		if db, err = database.NewDB(cfg.Database); err != nil {
			return err
		}
		defer db.Close()
	}

	var detector *sigma.Detector
	if cfg.RulesDir != "" {
		if detector, err = newDetector(cfg.RulesDir, db, logger); err != nil {
			return err
		}
		defer detector.Close()
		go detector.Run(ctx)
	}
	if s := storeSink(db, detector); s != nil {
		sinks = append(sinks, s)
	}

	// The subscription must precede adoption so no fork is missed between
	// the process table scan and the first notification.
	conn, err := platform.Connect(logger)
	if err != nil {
		return fmt.Errorf("failed to open proc connector: %w", err)
	}
	defer conn.Close()
	if err := conn.Subscribe(); err != nil {
		return fmt.Errorf("failed to subscribe to process events: %w", err)
	}
	defer func() {
		if err := conn.Unsubscribe(); err != nil && !errors.Is(err, platform.ErrClosed) {
			logger.Debug("failed to unsubscribe", log.Error(err))
		}
	}()

	tracker := process.NewTracker(inspector, sinks, process.Options{
		Target:      cfg.TargetCommand,
		ReaperPID:   cfg.ReaperPID,
		TickScale:   cfg.TickScale,
		StrictTitle: cfg.StrictTitle,
		Logger:      logger,
	})
	if err := sinks.Start(tracker.Start()); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	if err := tracker.StartupAdopt(); err != nil {
		return err
	}

	if cfg.DropPrivileges {
		if err := dropPrivileges(); err != nil {
			logger.Warn("failed to drop privileges", log.Error(err))
		}
	}

	if cfg.MetricsAddr != "" {
		srv := web.NewServer(db, detector, cfg.MetricsAddr, logger)
		go func() {
			if err := srv.Start(ctx); err != nil {
				logger.Error("web server failed", log.Error(err))
			}
		}()
	}

	logger.Info("tracking started", "target", cfg.TargetCommand, "output", cfg.Output)
	runErr := process.Run(ctx, conn, tracker, cfg.TickInterval)

	tracker.ShutdownFlush()
	logger.Info("tracking stopped")
	return runErr
}

func openOutput(path string) (io.Writer, func(), error) {
	if path == "-" || path == "" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open output %s: %w", path, err)
	}
	return f, func() { f.Close() }, nil
}

func newDetector(rulesDir string, db *database.DB, logger *slog.Logger) (*sigma.Detector, error) {
	if db == nil {
		return sigma.NewDetector(rulesDir, nil, logger)
	}
	return sigma.NewDetector(rulesDir, db.Db, logger)
}

// storeSink stores a record and evaluates rules against the stored row, so
// matches reference the row they were raised for.
func storeSink(db *database.DB, detector *sigma.Detector) record.Sink {
	switch {
	case db == nil && detector == nil:
		return nil
	case detector == nil:
		return db
	case db == nil:
		return detector
	}
	return record.SinkFunc(func(rec record.Record) error {
		id, err := db.InsertRecord(rec)
		detector.Evaluate(context.Background(), rec, id)
		return err
	})
}
