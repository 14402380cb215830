// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

// Command smalls is the runtime's standalone diagnostic tool. It builds a
// demo module in-process (this tree ships no source-language front end —
// compiling real scripts is the external compiler's job), disassembles
// it, runs it against the VM, and can step the collector over a live heap
// to print GC statistics, including a raw card-table dump.
//
// Usage:
//
//	smalls check       disassemble the demo module
//	smalls run         execute the demo module's entry function
//	smalls gcstats     allocate garbage, run a minor GC, print stats
//	smalls -version    print version and exit
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/olekukonko/tablewriter"

	"github.com/haven-engine/scriptrt/demo"
	"github.com/haven-engine/scriptrt/runtime"
	"github.com/haven-engine/scriptrt/runtimecfg"
	"github.com/haven-engine/scriptrt/runtimelog"
	"github.com/haven-engine/scriptrt/value"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var w io.Writer = colorable.NewColorableStdout()
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		color.NoColor = true
	}

	switch os.Args[1] {
	case "check":
		runCheck(w)
	case "run":
		runRun(w)
	case "gcstats":
		runGCStats(w)
	case "-version", "--version":
		fmt.Fprintf(w, "smalls %s\n", version)
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: smalls <check|run|gcstats>")
}

func runCheck(w io.Writer) {
	types := demo.Types()
	mod := demo.Module(types)
	fmt.Fprint(w, mod.Disassemble())
}

func runRun(w io.Writer) {
	cfg := runtimecfg.Defaults()
	rt, err := runtime.New(cfg)
	if err != nil {
		fatal(err)
	}
	defer rt.Shutdown()

	demo.RegisterTypes(rt.Types)
	mod := demo.Module(rt.Types)
	script := &runtime.Script{Module: mod}

	args := []value.Value{value.Int32(0, 19), value.Int32(0, 23)}
	result := rt.ExecuteScript(script, "add", args, 0)
	if !result.Ok {
		fatal(fmt.Errorf("%s: %s", result.ErrorKind, result.ErrorMessage))
	}
	fmt.Fprintf(w, "%s\n", color.GreenString("add(19, 23) = %d", result.Value.I32))
}

func runGCStats(w io.Writer) {
	cfg := runtimecfg.Defaults()
	rt, err := runtime.New(cfg)
	if err != nil {
		fatal(err)
	}
	defer rt.Shutdown()

	demo.RegisterTypes(rt.Types)
	vecType, _ := rt.Types.ByName("Vec2")
	for i := 0; i < 64; i++ {
		if _, err := rt.Heap.Allocate(8, 8, vecType); err != nil {
			runtimelog.Error("allocation failed", "i", i, "err", err)
			break
		}
	}

	before := rt.Heap.YoungPressure()
	stats := rt.CollectMinor()
	after := rt.Heap.YoungPressure()

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"metric", "value"})
	table.Append([]string{"phase", stats.Phase.String()})
	table.Append([]string{"minor_cycles", fmt.Sprint(stats.MinorCycles)})
	table.Append([]string{"objects_freed", fmt.Sprint(stats.ObjectsFreed)})
	table.Append([]string{"bytes_freed", fmt.Sprint(stats.BytesFreed)})
	table.Append([]string{"objects_promoted", fmt.Sprint(stats.ObjectsPromoted)})
	table.Append([]string{"young_pressure_before", fmt.Sprintf("%.3f", before)})
	table.Append([]string{"young_pressure_after", fmt.Sprintf("%.3f", after)})
	table.Render()

	fmt.Fprintln(w, rt.Cards.DumpASCII())
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, color.RedString("error: %v", err))
	os.Exit(1)
}
