// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

// Package runtimecfg defines the Runtime's configuration surface and
// loads it from a TOML file, layered under sensible defaults.
//
// Grounded on the go-probe node's own config loader (probeconfig,
// naoina/toml-based TOML decode into a defaults-seeded struct), reused
// here verbatim for the library choice — a TOML config file is exactly
// the artifact a host embedding this runtime would hand-tune per
// deployment (GC thresholds, gas budgets, module search paths).
package runtimecfg

import (
	"os"

	"github.com/naoina/toml"
	"github.com/shirou/gopsutil/v3/mem"
)

// Config tunes every subsystem the Runtime owns.
type Config struct {
	// ModulePaths lists directories searched for script modules.
	ModulePaths []string `toml:"module_paths"`

	// WatchModulePaths enables rjeczalik/notify-backed filesystem watching
	// of ModulePaths; change events are logged, and the compile cache is
	// left as is. A development convenience, never required for correctness.
	WatchModulePaths bool `toml:"watch_module_paths"`

	// CompileCacheDir, when non-empty, enables the on-disk compiled-module
	// cache tier (goleveldb + snappy) under this directory, in front of
	// which an in-memory LRU layer always sits regardless of this setting.
	CompileCacheDir     string `toml:"compile_cache_dir"`
	CompileCacheEntries int    `toml:"compile_cache_entries"`

	// InitialHeapCommitted seeds the Script Heap's informational Committed
	// byte counter; no memory is reserved up front. Zero means "derive from host memory" via
	// gopsutil, at InitialHeapFraction of total system memory.
	InitialHeapCommitted int     `toml:"initial_heap_committed"`
	InitialHeapFraction  float64 `toml:"initial_heap_fraction"`

	// GC tuning.
	PromotionAge           uint8   `toml:"promotion_age"`
	YoungPressureThreshold float64 `toml:"young_pressure_threshold"`
	MarkStepBudget         int     `toml:"mark_step_budget"`
	SweepStepBudget        int     `toml:"sweep_step_budget"`

	// Tick policy: run a minor GC every FullMinorEveryTicks ticks, and
	// start a major cycle every MajorStartEveryTicks ticks. Zero disables
	// the corresponding tick-paced trigger (pressure-based triggers still
	// apply for minor GC regardless).
	FullMinorEveryTicks  int `toml:"full_minor_every_ticks"`
	MajorStartEveryTicks int `toml:"major_start_every_ticks"`

	// TickRateLimit, when non-zero, caps major-GC starts to at most this
	// many per second (golang.org/x/time/rate), for hosts that tick far
	// more often than their frame budget can absorb a major-GC start.
	TickRateLimit float64 `toml:"tick_rate_limit"`

	// DefaultGasBudget seeds ExecuteScript calls that don't specify one.
	DefaultGasBudget int `toml:"default_gas_budget"`
}

// Defaults returns the configuration a host gets with no file present.
func Defaults() Config {
	return Config{
		InitialHeapFraction:    0.01,
		PromotionAge:           2,
		YoungPressureThreshold: 0.25,
		MarkStepBudget:         256,
		SweepStepBudget:        256,
		FullMinorEveryTicks:    64,
		MajorStartEveryTicks:   512,
		CompileCacheEntries:    256,
		DefaultGasBudget:       100000,
	}
}

// LoadFile decodes path as TOML over Defaults(), so an incomplete file
// only overrides the keys it sets.
func LoadFile(path string) (Config, error) {
	cfg := Defaults()
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()
	if err := toml.NewDecoder(f).Decode(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ResolveInitialHeapCommitted returns cfg.InitialHeapCommitted if set, or
// derives a reservation from InitialHeapFraction of total host memory via
// gopsutil. Falls back to a fixed 32KiB floor if host memory stats are
// unavailable (e.g. in a sandboxed test environment).
func (c Config) ResolveInitialHeapCommitted() int {
	if c.InitialHeapCommitted > 0 {
		return c.InitialHeapCommitted
	}
	vm, err := mem.VirtualMemory()
	if err != nil || vm.Total == 0 {
		return 32 * 1024
	}
	frac := c.InitialHeapFraction
	if frac <= 0 {
		frac = 0.01
	}
	derived := int(float64(vm.Total) * frac)
	if derived < 32*1024 {
		derived = 32 * 1024
	}
	return derived
}
