// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

// Package runtime ties the handle pool, script heap, collector, propset
// manager, and virtual machine into the single owned object a host embeds:
// Runtime. It implements the module lifecycle (add_module_path,
// load_module, get_or_compile_module, execute_script) and the tick-driven
// GC scheduling policy.
//
// Grounded on the go-probe node's top-level `probe.Probe` struct (one
// struct owning every subsystem — database, txpool, miner, p2p — wired up
// in a single constructor and torn down by a single Stop/Close), reused
// here for a scripting runtime's much smaller subsystem set.
package runtime

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/rjeczalik/notify"
	"golang.org/x/time/rate"

	"github.com/haven-engine/scriptrt/bytecode"
	"github.com/haven-engine/scriptrt/gc"
	"github.com/haven-engine/scriptrt/handle"
	"github.com/haven-engine/scriptrt/heap"
	"github.com/haven-engine/scriptrt/internal/compilecache"
	"github.com/haven-engine/scriptrt/propset"
	"github.com/haven-engine/scriptrt/runtimecfg"
	"github.com/haven-engine/scriptrt/runtimelog"
	"github.com/haven-engine/scriptrt/value"
	"github.com/haven-engine/scriptrt/vm"
)

// Script identifies one loaded module instance with a process-unique id,
// distinct from the compile cache's content-hash key.
type Script struct {
	ID     uuid.UUID
	Module *bytecode.Module
}

// Runtime is the process-wide owning struct a host constructs once. All
// of its entry points (ExecuteScript, CollectMinor, MarkStep, GetPropset,
// Tick, ...) assume exclusive single-threaded access for their duration;
// no internal locking is performed, matching the cooperative scheduling
// model.
type Runtime struct {
	cfg runtimecfg.Config
	log runtimelog.Logger

	Types    *value.Table
	Heap     *heap.Heap
	Handles  *handle.Pool
	Registry *gc.HandleRegistry
	Cards    *gc.CardTable
	Propsets *propset.Manager
	Collector *gc.Collector
	VM       *vm.VM

	cache *compilecache.Cache

	scripts map[uuid.UUID]*Script

	watcher   chan notify.EventInfo
	watchOnce sync.Once
	limiter   *rate.Limiter
	tickCount int

	sweepCursor int32
}

// New constructs and wires a Runtime from cfg, the concrete constructor
// behind the conceptual "initialize" entry point.
func New(cfg runtimecfg.Config) (*Runtime, error) {
	types := value.NewTable()
	h := heap.New(cfg.ResolveInitialHeapCommitted())
	handles := handle.New()
	registry := gc.NewHandleRegistry()
	cards := gc.NewCardTable()
	propsets := propset.NewManager(types, h)

	gcCfg := gc.Config{
		PromotionAge:           cfg.PromotionAge,
		YoungPressureThreshold: cfg.YoungPressureThreshold,
		MarkStepBudget:         cfg.MarkStepBudget,
		SweepStepBudget:        cfg.SweepStepBudget,
	}

	machine := vm.New(h, types, nil, handles, registry, propsets)
	collector := gc.New(h, types, cards, registry, gcCfg, machine, propsets)
	machine.Collector = collector
	propsets.SetCollector(collector)

	var cache *compilecache.Cache
	if cfg.CompileCacheDir != "" || cfg.CompileCacheEntries > 0 {
		var err error
		cache, err = compilecache.Open(cfg.CompileCacheDir, cfg.CompileCacheEntries)
		if err != nil {
			return nil, fmt.Errorf("runtime: opening compile cache: %w", err)
		}
	}

	rt := &Runtime{
		cfg:       cfg,
		log:       runtimelog.New("component", "runtime"),
		Types:     types,
		Heap:      h,
		Handles:   handles,
		Registry:  registry,
		Cards:     cards,
		Propsets:  propsets,
		Collector: collector,
		VM:        machine,
		cache:     cache,
		scripts:   make(map[uuid.UUID]*Script),
		sweepCursor: -1,
	}
	if cfg.TickRateLimit > 0 {
		rt.limiter = rate.NewLimiter(rate.Limit(cfg.TickRateLimit), 1)
	}

	for _, p := range cfg.ModulePaths {
		if err := rt.AddModulePath(p); err != nil {
			return nil, err
		}
	}

	rt.log.Info("runtime initialized", "module_paths", len(cfg.ModulePaths))
	return rt, nil
}

// Shutdown releases the compile cache's on-disk handle and stops any
// active module-path watch. It does not (and per the no-persistence
// non-goal, must not) flush heap state anywhere.
func (rt *Runtime) Shutdown() error {
	if rt.watcher != nil {
		notify.Stop(rt.watcher)
	}
	if rt.cache != nil {
		return rt.cache.Close()
	}
	return nil
}

// AddModulePath registers dir as a module search path, optionally
// watching it for changes (Config.WatchModulePaths). The watch only logs
// change events; it evicts nothing from the compile cache, whose entries
// are keyed by source content hash, so an edited file compiles under a new
// key. Watching is purely a development convenience; correctness never
// depends on it.
func (rt *Runtime) AddModulePath(dir string) error {
	rt.cfg.ModulePaths = append(rt.cfg.ModulePaths, dir)
	if !rt.cfg.WatchModulePaths {
		return nil
	}
	if rt.watcher == nil {
		rt.watcher = make(chan notify.EventInfo, 32)
		go rt.watchLoop()
	}
	return notify.Watch(filepath.Join(dir, "..."), rt.watcher, notify.Write, notify.Remove, notify.Rename)
}

func (rt *Runtime) watchLoop() {
	for ev := range rt.watcher {
		rt.log.Debug("module path changed", "path", ev.Path(), "event", ev.Event())
	}
}

// LoadModuleFromSource compiles (or retrieves from cache) source as a new
// module named name, registers a Script id for it, and returns the Script.
// compile is the external compiler hook this runtime treats as a
// collaborator, never implemented here.
func (rt *Runtime) LoadModuleFromSource(name string, source []byte, compile func(name string, source []byte) (*bytecode.Module, error)) (*Script, error) {
	mod, err := rt.GetOrCompileModule(name, source, compile)
	if err != nil {
		return nil, err
	}
	s := &Script{ID: uuid.New(), Module: mod}
	rt.scripts[s.ID] = s
	return s, nil
}

// LoadModule reads path from disk and loads it via LoadModuleFromSource.
func (rt *Runtime) LoadModule(path string, compile func(name string, source []byte) (*bytecode.Module, error)) (*Script, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("runtime: reading module %q: %w", path, err)
	}
	return rt.LoadModuleFromSource(filepath.Base(path), source, compile)
}

// GetOrCompileModule returns a cached compiled module for source if
// present, otherwise invokes compile and stores the result.
func (rt *Runtime) GetOrCompileModule(name string, source []byte, compile func(name string, source []byte) (*bytecode.Module, error)) (*bytecode.Module, error) {
	if rt.cache != nil {
		if mod, err := rt.cache.Get(source); err == nil {
			rt.log.Debug("compile cache hit", "module", name)
			return mod, nil
		}
	}
	mod, err := compile(name, source)
	if err != nil {
		return nil, fmt.Errorf("runtime: compiling module %q: %w", name, err)
	}
	if err := bytecode.Verify(mod); err != nil {
		return nil, fmt.Errorf("runtime: verifying module %q: %w", name, err)
	}
	if rt.cache != nil {
		if err := rt.cache.Put(source, mod); err != nil {
			rt.log.Warn("compile cache store failed", "module", name, "err", err)
		}
	}
	return mod, nil
}

// ExecuteScript runs fnName in s's module with the given args, using
// Config.DefaultGasBudget unless gasBudget overrides it with a positive
// value.
func (rt *Runtime) ExecuteScript(s *Script, fnName string, args []value.Value, gasBudget int) vm.ExecutionResult {
	if gasBudget <= 0 {
		gasBudget = rt.cfg.DefaultGasBudget
	}
	return rt.VM.ExecuteScript(s.Module, fnName, args, gasBudget)
}

// GetPropset returns a propset view of obj for propset type typeID,
// allocating its backing slot on first use.
func (rt *Runtime) GetPropset(typeID value.TypeID, obj value.ObjectHandle) (value.Value, error) {
	return rt.Propsets.GetOrCreate(typeID, obj)
}

// CollectMinor runs a full young-generation collection and returns its
// statistics.
func (rt *Runtime) CollectMinor() gc.Stats {
	return rt.Collector.MinorGC()
}

// MarkStep advances the active (or newly started) major collection by one
// budgeted increment, automatically starting a new cycle and moving to
// sweep once marking completes. Returns the collector's phase after the
// step.
func (rt *Runtime) MarkStep() gc.Phase {
	if rt.Collector.Stats().Phase != gc.PhaseMarking && rt.Collector.Stats().Phase != gc.PhaseSweeping {
		rt.Collector.StartMajorCycle()
	}
	if rt.Collector.Stats().Phase == gc.PhaseMarking {
		if rt.Collector.MarkStep() {
			return rt.Collector.Stats().Phase
		}
		rt.sweepCursor = -1
	}
	rt.sweepCursor = rt.Collector.SweepStep(rt.sweepCursor)
	return rt.Collector.Stats().Phase
}

// Tick implements the host-driven scheduling policy: every
// FullMinorEveryTicks ticks (or sooner, if young-generation pressure
// crosses YoungPressureThreshold) a minor GC runs; every
// MajorStartEveryTicks ticks a major cycle is (re)stepped, subject to
// TickRateLimit when configured.
func (rt *Runtime) Tick() {
	rt.tickCount++

	if rt.Collector.ShouldRunMinor() || (rt.cfg.FullMinorEveryTicks > 0 && rt.tickCount%rt.cfg.FullMinorEveryTicks == 0) {
		rt.CollectMinor()
	}

	if rt.cfg.MajorStartEveryTicks <= 0 || rt.tickCount%rt.cfg.MajorStartEveryTicks != 0 {
		return
	}
	if rt.limiter != nil && !rt.limiter.Allow() {
		return
	}
	rt.MarkStep()
}

// PruneInvalidOwners sweeps propset slots whose owning engine object is no
// longer live, per isLive. Hosts call this as part of GC root enumeration,
// typically right before a minor or major collection.
func (rt *Runtime) PruneInvalidOwners(isLive func(value.ObjectHandle) bool) {
	rt.Propsets.PruneInvalidOwners(isLive)
}
