package sched

import (
	"errors"
	"fmt"
	"os"

	yaml "github.com/goccy/go-yaml"
	"github.com/sirupsen/logrus"

	"latsched/internal/boost"
	"latsched/internal/load"
	"latsched/internal/migrate"
	"latsched/internal/mmcache"
	"latsched/internal/topology"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Config mirrors config.yml. Durations carry their unit in the key name.
type Config struct {
	SliceUS    uint64 `yaml:"slice_us"`     // base time slice
	SliceLagUS uint64 `yaml:"slice_lag_us"` // maximum fairness lag

	MigWindowMS uint64 `yaml:"mig_window_ms"`
	MigMax      int    `yaml:"mig_max"` // 0 disables the limiter

	InputWindowUS     uint64 `yaml:"input_window_us"`
	KeyboardBoostMS   uint64 `yaml:"keyboard_boost_ms"`
	MouseBoostMS      uint64 `yaml:"mouse_boost_ms"`
	ControllerBoostMS uint64 `yaml:"controller_boost_ms"`
	FrameWindowUS     uint64 `yaml:"frame_window_us"`
	NetworkWindowUS   uint64 `yaml:"network_window_us"`
	ContinuousEnterHz uint64 `yaml:"continuous_enter_hz"`
	ContinuousExitHz  uint64 `yaml:"continuous_exit_hz"`
	BoostDiscountUS   uint64 `yaml:"boost_discount_us"`

	LoadHighPct int    `yaml:"load_high_pct"`
	LoadLowPct  int    `yaml:"load_low_pct"`
	TickUS      uint64 `yaml:"tick_us"`
	WatchdogMS  uint64 `yaml:"watchdog_ms"` // 0 disables the watchdog

	PreferredCPUs     string `yaml:"preferred_cpus"` // e.g. "4-7,0-3"; empty = by capacity
	FlatIdleScan      bool   `yaml:"flat_idle_scan"`
	PreferredIdleScan bool   `yaml:"preferred_idle_scan"`
	AvoidSMT          bool   `yaml:"avoid_smt"`
	NUMA              bool   `yaml:"numa"`
	MMAffinity        bool   `yaml:"mm_affinity"`
	MMHint            bool   `yaml:"mm_hint"`
	MMHintSize        int    `yaml:"mm_hint_size"`
	NoWakeSync        bool   `yaml:"no_wake_sync"`
	PreferNAPI        bool   `yaml:"prefer_napi"`
	CPUFreq           bool   `yaml:"cpufreq"`
	ForegroundTGID    uint32 `yaml:"foreground_tgid"` // 0 = use detected foreground

	TaskCapacity       int `yaml:"task_capacity"`
	GlobalQueueCap     int `yaml:"global_queue_cap"`
	GlobalQueueRetries int `yaml:"global_queue_retries"`
	TriggerQueueLen    int `yaml:"trigger_queue_len"`
}

// DefaultConfig is used when no config file is given.
func DefaultConfig() Config {
	return Config{
		SliceUS:            1000,
		SliceLagUS:         20000,
		MigWindowMS:        50,
		MigMax:             3,
		InputWindowUS:      5000,
		KeyboardBoostMS:    1000,
		MouseBoostMS:       8,
		ControllerBoostMS:  500,
		FrameWindowUS:      4000,
		NetworkWindowUS:    5000,
		ContinuousEnterHz:  150,
		ContinuousExitHz:   75,
		BoostDiscountUS:    5000,
		LoadHighPct:        80,
		LoadLowPct:         75,
		TickUS:             1000,
		WatchdogMS:         5000,
		MMHint:             true,
		MMHintSize:         mmcache.DefaultCapacity,
		CPUFreq:            true,
		TaskCapacity:       4096,
		GlobalQueueCap:     4096,
		GlobalQueueRetries: 8,
		TriggerQueueLen:    256,
	}
}

// Load reads YAML and overrides defaults; empty path = defaults only.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.UnmarshalWithOptions(data, &cfg, yaml.Strict()); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Normalize applies the soft clamps and logs one warning per adjusted value.
func (c *Config) Normalize(log logrus.FieldLogger) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if n := mmcache.ClampCapacity(c.MMHintSize); n != c.MMHintSize {
		log.WithFields(logrus.Fields{"mm_hint_size": c.MMHintSize, "using": n}).Warn("mm hint size clamped")
		c.MMHintSize = n
	}
	if c.FlatIdleScan && c.PreferredIdleScan {
		log.Warn("flat_idle_scan and preferred_idle_scan both set, using flat scan")
		c.PreferredIdleScan = false
	}
	if c.MigMax > migrate.MaxPerWindowLimit {
		log.WithFields(logrus.Fields{"mig_max": c.MigMax, "using": migrate.MaxPerWindowLimit}).Warn("migration limit clamped")
		c.MigMax = migrate.MaxPerWindowLimit
	}
	if c.WatchdogMS > 0 && c.WatchdogMS*1000 < 2*c.TickUS {
		w := (2*c.TickUS + 999) / 1000
		log.WithFields(logrus.Fields{"watchdog_ms": c.WatchdogMS, "using": w}).Warn("watchdog shorter than two ticks")
		c.WatchdogMS = w
	}
}

// Validate rejects combinations the engine cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.SliceUS == 0:
		return fmt.Errorf("slice_us must be positive: %w", ErrInvalidConfig)
	case c.SliceLagUS < c.SliceUS:
		return fmt.Errorf("slice_lag_us (%d) below slice_us (%d): %w", c.SliceLagUS, c.SliceUS, ErrInvalidConfig)
	case c.MigMax < 0:
		return fmt.Errorf("mig_max must not be negative: %w", ErrInvalidConfig)
	case c.MigMax > 0 && c.MigWindowMS == 0:
		return fmt.Errorf("mig_window_ms must be positive when mig_max is set: %w", ErrInvalidConfig)
	case c.TickUS == 0:
		return fmt.Errorf("tick_us must be positive: %w", ErrInvalidConfig)
	case c.TaskCapacity <= 0:
		return fmt.Errorf("task_capacity must be positive: %w", ErrInvalidConfig)
	case c.GlobalQueueCap <= 0:
		return fmt.Errorf("global_queue_cap must be positive: %w", ErrInvalidConfig)
	case c.GlobalQueueRetries <= 0:
		return fmt.Errorf("global_queue_retries must be positive: %w", ErrInvalidConfig)
	case c.TriggerQueueLen <= 0:
		return fmt.Errorf("trigger_queue_len must be positive: %w", ErrInvalidConfig)
	case c.BoostDiscountUS > c.SliceLagUS:
		return fmt.Errorf("boost_discount_us (%d) above slice_lag_us (%d): %w", c.BoostDiscountUS, c.SliceLagUS, ErrInvalidConfig)
	}
	if c.LoadHighPct < 0 || c.LoadLowPct < 0 {
		return fmt.Errorf("load_high_pct/load_low_pct must not be negative: %w", ErrInvalidConfig)
	}
	if err := c.LoadThresholds().Validate(); err != nil {
		return fmt.Errorf("load_high_pct/load_low_pct: %v: %w", err, ErrInvalidConfig)
	}
	if err := c.boostParams().Validate(); err != nil {
		return fmt.Errorf("boost windows: %v: %w", err, ErrInvalidConfig)
	}
	if c.PreferredCPUs != "" {
		if _, err := topology.ParseCPUList(c.PreferredCPUs); err != nil {
			return fmt.Errorf("preferred_cpus: %v: %w", err, ErrInvalidConfig)
		}
	}
	return nil
}

const (
	nsPerUS = uint64(1000)
	nsPerMS = uint64(1000_000)
)

func (c *Config) migrationLimits() migrate.Limits {
	if c.MigMax == 0 {
		return migrate.Limits{}
	}
	return migrate.Limits{Window: c.MigWindowMS * nsPerMS, Max: c.MigMax}
}

func (c *Config) boostParams() boost.Params {
	p := boost.Params{
		InputWindow:       c.InputWindowUS * nsPerUS,
		FrameWindow:       c.FrameWindowUS * nsPerUS,
		NetworkWindow:     c.NetworkWindowUS * nsPerUS,
		ContinuousEnterHz: c.ContinuousEnterHz,
		ContinuousExitHz:  c.ContinuousExitHz,
	}
	p.LaneWindow[boost.Keyboard] = c.KeyboardBoostMS * nsPerMS
	p.LaneWindow[boost.Mouse] = c.MouseBoostMS * nsPerMS
	p.LaneWindow[boost.Controller] = c.ControllerBoostMS * nsPerMS
	return p
}

// LoadThresholds converts the load_*_pct settings for the load monitor.
func (c *Config) LoadThresholds() load.Thresholds {
	return load.Percent(c.LoadHighPct, c.LoadLowPct)
}

// params is the hot-reloadable part of Config in engine units.
type params struct {
	slice         uint64
	lag           uint64
	boostDiscount uint64
	watchdog      uint64
	retries       int

	// wake-frequency thresholds for per-task continuous mode, in wakeups per 100ms
	contEnter uint64
	contExit  uint64

	flatScan      bool
	preferredScan bool
	avoidSMT      bool
	numa          bool
	mmAffinity    bool
	mmHint        bool
	wakeSync      bool
	preferNAPI    bool
	cpufreq       bool
}

func (c *Config) params() *params {
	return &params{
		slice:         c.SliceUS * nsPerUS,
		lag:           c.SliceLagUS * nsPerUS,
		boostDiscount: c.BoostDiscountUS * nsPerUS,
		watchdog:      c.WatchdogMS * nsPerMS,
		retries:       c.GlobalQueueRetries,
		contEnter:     c.ContinuousEnterHz / 10,
		contExit:      c.ContinuousExitHz / 10,
		flatScan:      c.FlatIdleScan,
		preferredScan: c.PreferredIdleScan,
		avoidSMT:      c.AvoidSMT,
		numa:          c.NUMA,
		mmAffinity:    c.MMAffinity,
		mmHint:        c.MMHint,
		wakeSync:      !c.NoWakeSync,
		preferNAPI:    c.PreferNAPI,
		cpufreq:       c.CPUFreq,
	}
}

// fixedFields lists settings that only apply at engine construction.
func (c *Config) fixedFields(o *Config) []string {
	var changed []string
	if c.TaskCapacity != o.TaskCapacity {
		changed = append(changed, "task_capacity")
	}
	if c.GlobalQueueCap != o.GlobalQueueCap {
		changed = append(changed, "global_queue_cap")
	}
	if c.TriggerQueueLen != o.TriggerQueueLen {
		changed = append(changed, "trigger_queue_len")
	}
	if c.MMHintSize != o.MMHintSize {
		changed = append(changed, "mm_hint_size")
	}
	if c.TickUS != o.TickUS {
		changed = append(changed, "tick_us")
	}
	if c.PreferredCPUs != o.PreferredCPUs {
		changed = append(changed, "preferred_cpus")
	}
	return changed
}
