// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/haven-engine/scriptrt/bytecode"
	"github.com/haven-engine/scriptrt/gc"
	"github.com/haven-engine/scriptrt/runtimecfg"
	"github.com/haven-engine/scriptrt/value"
)

func fakeCompile(name string, source []byte) (*bytecode.Module, error) {
	mod := bytecode.NewModule(name)
	mod.AddFunction(bytecode.CompiledFunction{
		Name: "add",
		Instrs: []bytecode.Instruction{
			bytecode.NewABC(bytecode.OpADD, 2, 0, 1),
			bytecode.NewABC(bytecode.OpRET, 2, 0, 0),
		},
		NumParams:    2,
		NumRegisters: 3,
	})
	return mod, nil
}

func TestNewWiresEverySubsystem(t *testing.T) {
	rt, err := New(runtimecfg.Defaults())
	assert.NoError(t, err)
	defer rt.Shutdown()

	assert.NotNil(t, rt.Types)
	assert.NotNil(t, rt.Heap)
	assert.NotNil(t, rt.Handles)
	assert.NotNil(t, rt.Registry)
	assert.NotNil(t, rt.Cards)
	assert.NotNil(t, rt.Propsets)
	assert.NotNil(t, rt.Collector)
	assert.NotNil(t, rt.VM)
	assert.Same(t, rt.Collector, rt.VM.Collector)
}

func TestLoadModuleFromSourceAndExecuteScript(t *testing.T) {
	rt, err := New(runtimecfg.Defaults())
	assert.NoError(t, err)
	defer rt.Shutdown()

	script, err := rt.LoadModuleFromSource("demo", []byte("add(a, b) = a + b"), fakeCompile)
	assert.NoError(t, err)
	assert.NotEqual(t, script.ID.String(), "")

	i32, _ := rt.Types.ByName("int32")
	result := rt.ExecuteScript(script, "add", []value.Value{value.Int32(i32, 2), value.Int32(i32, 3)}, 0)
	assert.True(t, result.Ok)
	assert.Equal(t, int32(5), result.Value.I32)
}

func TestGetOrCompileModuleWithoutCacheAlwaysCompiles(t *testing.T) {
	cfg := runtimecfg.Defaults()
	cfg.CompileCacheDir = ""
	cfg.CompileCacheEntries = 0
	rt, err := New(cfg)
	assert.NoError(t, err)
	defer rt.Shutdown()

	calls := 0
	counting := func(name string, source []byte) (*bytecode.Module, error) {
		calls++
		return fakeCompile(name, source)
	}
	_, err = rt.GetOrCompileModule("demo", []byte("x"), counting)
	assert.NoError(t, err)
	_, err = rt.GetOrCompileModule("demo", []byte("x"), counting)
	assert.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestGetOrCompileModuleRejectsVerificationFailures(t *testing.T) {
	rt, err := New(runtimecfg.Defaults())
	assert.NoError(t, err)
	defer rt.Shutdown()

	malformed := func(name string, source []byte) (*bytecode.Module, error) {
		mod := bytecode.NewModule(name)
		mod.AddFunction(bytecode.CompiledFunction{
			Name:         "bad",
			Instrs:       []bytecode.Instruction{bytecode.NewABC(bytecode.OpRET, 200, 0, 0)},
			NumRegisters: 1,
		})
		return mod, nil
	}

	_, err = rt.GetOrCompileModule("bad", []byte("x"), malformed)
	assert.Error(t, err)
}

func TestGetPropsetAllocatesOnFirstUse(t *testing.T) {
	rt, err := New(runtimecfg.Defaults())
	assert.NoError(t, err)
	defer rt.Shutdown()

	i32, _ := rt.Types.ByName("int32")
	fields := []value.FieldInfo{{Name: "v", Offset: 0, Type: i32}}
	propType := rt.Types.RegisterStruct("Health", fields, true)

	owner := rt.Handles.Allocate(0, value.Value{})
	v1, err := rt.GetPropset(propType, owner)
	assert.NoError(t, err)
	v2, err := rt.GetPropset(propType, owner)
	assert.NoError(t, err)
	assert.Equal(t, v1, v2)
}

func TestCollectMinorReturnsStats(t *testing.T) {
	rt, err := New(runtimecfg.Defaults())
	assert.NoError(t, err)
	defer rt.Shutdown()

	i32, _ := rt.Types.ByName("int32")
	_, err = rt.Heap.Allocate(4, 4, i32)
	assert.NoError(t, err)

	stats := rt.CollectMinor()
	assert.Equal(t, uint64(1), stats.MinorCycles)
}

func TestMarkStepAdvancesThroughMarkingAndSweeping(t *testing.T) {
	rt, err := New(runtimecfg.Defaults())
	assert.NoError(t, err)
	defer rt.Shutdown()

	i32, _ := rt.Types.ByName("int32")
	_, err = rt.Heap.Allocate(4, 4, i32)
	assert.NoError(t, err)

	phase := rt.MarkStep()
	assert.Contains(t, []gc.Phase{gc.PhaseMarking, gc.PhaseSweeping, gc.PhaseIdle}, phase)

	for i := 0; i < 10 && rt.Collector.Stats().Phase != gc.PhaseIdle; i++ {
		rt.MarkStep()
	}
	assert.Equal(t, gc.PhaseIdle, rt.Collector.Stats().Phase)
}

func TestTickRunsMinorGCOnConfiguredCadence(t *testing.T) {
	cfg := runtimecfg.Defaults()
	cfg.FullMinorEveryTicks = 1
	cfg.MajorStartEveryTicks = 0
	cfg.YoungPressureThreshold = 1.1 // keep pressure trigger from firing independently
	rt, err := New(cfg)
	assert.NoError(t, err)
	defer rt.Shutdown()

	rt.Tick()
	assert.Equal(t, uint64(1), rt.Collector.Stats().MinorCycles)
}

func TestPruneInvalidOwnersDropsDeadOwners(t *testing.T) {
	rt, err := New(runtimecfg.Defaults())
	assert.NoError(t, err)
	defer rt.Shutdown()

	i32, _ := rt.Types.ByName("int32")
	fields := []value.FieldInfo{{Name: "v", Offset: 0, Type: i32}}
	propType := rt.Types.RegisterStruct("Health", fields, true)
	owner := rt.Handles.Allocate(0, value.Value{})
	_, err = rt.GetPropset(propType, owner)
	assert.NoError(t, err)

	assert.NotPanics(t, func() {
		rt.PruneInvalidOwners(func(value.ObjectHandle) bool { return false })
	})
}
