package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"latsched/internal/classify"
	"latsched/internal/job"
	"latsched/internal/load"
	"latsched/internal/logging"
	"latsched/internal/sched"
	"latsched/internal/sim"
	"latsched/internal/topology"
)

const Version = "0.3.0"

func main() {
	logger := logging.GetLogger()

	var configFile, workloadFile, rulesFile, traceFile string
	var logLevel, logFormat string
	var cpus, threads, nodes int
	var seed int64
	var durationMS uint64
	var overrides flagOverrides
	var interval time.Duration
	var count int

	rootCmd := &cobra.Command{
		Use:     "latsched",
		Short:   "Latency-first CPU scheduling decision engine",
		Long:    "Simulate, validate and inspect the latsched scheduling policy",
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if logLevel != "" {
				if err := logging.SetLogLevel(logLevel); err != nil {
					return fmt.Errorf("invalid log level: %w", err)
				}
			}
			return setLogFormat(logFormat)
		},
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Set log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format (text, json)")
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to scheduler configuration file (defaults when empty)")

	simulateCmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a workload against the engine on a virtual clock",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, configFile, &overrides)
			if err != nil {
				return err
			}
			topo, err := simTopology(cpus, threads, nodes)
			if err != nil {
				return err
			}
			w, err := job.LoadWorkload(workloadFile)
			if err != nil {
				return err
			}
			if durationMS > 0 {
				w.DurationMS = durationMS
			}
			rules, err := classify.LoadRules(rulesFile)
			if err != nil {
				return err
			}
			return runSimulation(cmd.Context(), sim.Config{
				Engine:   cfg,
				Topology: topo,
				Workload: w,
				Rules:    rules,
				Seed:     seed,
				Logger:   logger,
			}, traceFile)
		},
	}
	simulateCmd.Flags().StringVarP(&workloadFile, "workload", "w", "", "Workload file (built-in game mix when empty)")
	simulateCmd.Flags().StringVar(&rulesFile, "rules", "", "Thread-name rule file (built-in rules when empty)")
	simulateCmd.Flags().StringVar(&traceFile, "trace", "", "Write every status event to this CSV file")
	simulateCmd.Flags().IntVar(&cpus, "cpus", 0, "Simulated CPUs (0 = detect host topology)")
	simulateCmd.Flags().IntVar(&threads, "threads-per-core", 1, "SMT threads per core for a simulated topology")
	simulateCmd.Flags().IntVar(&nodes, "nodes", 1, "NUMA nodes for a simulated topology")
	simulateCmd.Flags().Int64Var(&seed, "seed", 1, "Random seed")
	simulateCmd.Flags().Uint64Var(&durationMS, "duration-ms", 0, "Override the workload duration")
	overrides.register(simulateCmd)

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration, workload and rule files",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, configFile, &overrides)
			if err != nil {
				return err
			}
			logger.WithFields(logrus.Fields{
				"slice_us":     cfg.SliceUS,
				"slice_lag_us": cfg.SliceLagUS,
				"mig_max":      cfg.MigMax,
			}).Info("configuration is valid")
			if workloadFile != "" {
				w, err := job.LoadWorkload(workloadFile)
				if err != nil {
					return err
				}
				logger.WithField("behaviors", len(w.Tasks)).Info("workload is valid")
			}
			if rulesFile != "" {
				rules, err := classify.LoadRules(rulesFile)
				if err != nil {
					return err
				}
				logger.WithField("rules", len(rules)).Info("rules are valid")
			}
			return nil
		},
	}
	validateCmd.Flags().StringVarP(&workloadFile, "workload", "w", "", "Workload file to check")
	validateCmd.Flags().StringVar(&rulesFile, "rules", "", "Rule file to check")

	topologyCmd := &cobra.Command{
		Use:   "topology",
		Short: "Print the detected CPU topology",
		RunE: func(cmd *cobra.Command, args []string) error {
			topo, err := topology.Detect()
			if err != nil {
				return err
			}
			printTopology(cmd.OutOrStdout(), topo)
			return nil
		},
	}

	monitorCmd := &cobra.Command{
		Use:   "monitor",
		Short: "Follow host utilisation and the queueing mode it would select",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, configFile, &overrides)
			if err != nil {
				return err
			}
			return monitorHost(cmd.Context(), cfg, interval, count)
		},
	}
	monitorCmd.Flags().DurationVar(&interval, "interval", time.Second, "Sampling interval")
	monitorCmd.Flags().IntVar(&count, "count", 0, "Stop after this many samples (0 = until interrupted)")

	rootCmd.AddCommand(simulateCmd, validateCmd, topologyCmd, monitorCmd)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logger.WithError(err).Error("Command execution failed")
		stop()
		os.Exit(1)
	}
}

func setLogFormat(format string) error {
	switch format {
	case "", "text":
		return nil
	case "json":
		logging.SetFormatter(&logrus.JSONFormatter{})
		return nil
	default:
		return fmt.Errorf("invalid log format %q", format)
	}
}

// flagOverrides are config values that may be set on the command line.
type flagOverrides struct {
	sliceUS       uint64
	sliceLagUS    uint64
	migMax        int
	avoidSMT      bool
	numa          bool
	flatScan      bool
	preferredScan bool
	preferredCPUs string
}

func (o *flagOverrides) register(cmd *cobra.Command) {
	cmd.Flags().Uint64Var(&o.sliceUS, "slice-us", 0, "Override slice_us")
	cmd.Flags().Uint64Var(&o.sliceLagUS, "slice-lag-us", 0, "Override slice_lag_us")
	cmd.Flags().IntVar(&o.migMax, "mig-max", 0, "Override mig_max")
	cmd.Flags().BoolVar(&o.avoidSMT, "avoid-smt", false, "Override avoid_smt")
	cmd.Flags().BoolVar(&o.numa, "numa", false, "Override numa")
	cmd.Flags().BoolVar(&o.flatScan, "flat-idle-scan", false, "Override flat_idle_scan")
	cmd.Flags().BoolVar(&o.preferredScan, "preferred-idle-scan", false, "Override preferred_idle_scan")
	cmd.Flags().StringVar(&o.preferredCPUs, "preferred-cpus", "", "Override preferred_cpus")
}

func (o *flagOverrides) apply(cmd *cobra.Command, cfg *sched.Config) {
	f := cmd.Flags()
	if f.Changed("slice-us") {
		cfg.SliceUS = o.sliceUS
	}
	if f.Changed("slice-lag-us") {
		cfg.SliceLagUS = o.sliceLagUS
	}
	if f.Changed("mig-max") {
		cfg.MigMax = o.migMax
	}
	if f.Changed("avoid-smt") {
		cfg.AvoidSMT = o.avoidSMT
	}
	if f.Changed("numa") {
		cfg.NUMA = o.numa
	}
	if f.Changed("flat-idle-scan") {
		cfg.FlatIdleScan = o.flatScan
	}
	if f.Changed("preferred-idle-scan") {
		cfg.PreferredIdleScan = o.preferredScan
	}
	if f.Changed("preferred-cpus") {
		cfg.PreferredCPUs = o.preferredCPUs
	}
}

func loadConfig(cmd *cobra.Command, path string, o *flagOverrides) (sched.Config, error) {
	logger := logging.GetLogger()
	cfg, err := sched.Load(path)
	if err != nil {
		return cfg, err
	}
	o.apply(cmd, &cfg)
	cfg.Normalize(logger)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	if path != "" {
		logger.WithField("file", path).Debug("Loaded configuration")
	}
	return cfg, nil
}

func simTopology(cpus, threads, nodes int) (*topology.Topology, error) {
	if cpus <= 0 {
		return topology.Detect()
	}
	return topology.Synthetic(cpus, threads, nodes)
}

func runSimulation(ctx context.Context, cfg sim.Config, traceFile string) error {
	logger := logging.GetLogger()
	if traceFile != "" {
		tw, err := sched.NewTraceWriter(traceFile)
		if err != nil {
			return err
		}
		defer func() {
			if err := tw.Close(); err != nil {
				logger.WithError(err).Warn("Failed to close trace")
			}
		}()
		cfg.Trace = tw
	}

	s, err := sim.New(cfg)
	if err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"cpus":        cfg.Topology.NumCPUs(),
		"duration_ms": cfg.Workload.DurationMS,
		"seed":        cfg.Seed,
	}).Info("Starting simulation")

	start := time.Now()
	rep, err := s.Run(ctx)
	if rep != nil {
		if _, werr := rep.WriteTo(os.Stdout); werr != nil {
			logger.WithError(werr).Warn("Failed to print report")
		}
	}
	if err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"elapsed":    time.Since(start).Round(time.Millisecond),
		"trace_rows": rep.TraceRows,
	}).Info("Simulation finished")
	return rep.Check()
}

func monitorHost(ctx context.Context, cfg sched.Config, interval time.Duration, count int) error {
	logger := logging.GetLogger()
	topo, err := topology.Detect()
	if err != nil {
		return err
	}
	mon, err := load.NewMonitor(topo.NumCPUs(), cfg.LoadThresholds(), logger)
	if err != nil {
		return err
	}
	sampler := load.NewHostSampler()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for n := 0; count == 0 || n < count; n++ {
		samples, err := sampler.Sample()
		if err != nil {
			return err
		}
		mode := mon.Update(samples)
		logger.WithFields(logrus.Fields{
			"util_pct":     mon.Instant() * 100 / load.Scale,
			"smoothed_pct": mon.Utilisation() * 100 / load.Scale,
			"mode":         mode,
			"switches":     mon.Switches(),
		}).Info("host load")

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
	return nil
}
