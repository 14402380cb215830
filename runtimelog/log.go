// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

// Package runtimelog provides the leveled, structured logger used
// throughout the scripting runtime core. It is a small log15-flavored
// wrapper: each record carries a level, a message, and key/value context,
// and is rendered through a Handler. The default handler colorizes
// output when writing to a terminal.
package runtimelog

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/go-stack/stack"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Level is the severity of a log record, ordered from most to least severe.
type Level int

const (
	LvlFatal Level = iota
	LvlError
	LvlWarn
	LvlInfo
	LvlDebug
	LvlTrace
)

func (l Level) String() string {
	switch l {
	case LvlFatal:
		return "FATAL"
	case LvlError:
		return "ERROR"
	case LvlWarn:
		return "WARN"
	case LvlInfo:
		return "INFO"
	case LvlDebug:
		return "DEBUG"
	case LvlTrace:
		return "TRACE"
	default:
		return "LVL?"
	}
}

var levelColor = map[Level]*color.Color{
	LvlFatal: color.New(color.FgWhite, color.BgRed, color.Bold),
	LvlError: color.New(color.FgRed, color.Bold),
	LvlWarn:  color.New(color.FgYellow),
	LvlInfo:  color.New(color.FgGreen),
	LvlDebug: color.New(color.FgCyan),
	LvlTrace: color.New(color.FgMagenta),
}

// Record is a single emitted log event.
type Record struct {
	Time    time.Time
	Lvl     Level
	Msg     string
	Ctx     []interface{} // alternating key, value pairs
	Call    stack.Call    // caller frame, captured at Log() time
}

// Handler processes a Record. Handlers may be chained.
type Handler interface {
	Log(r *Record) error
}

// Logger emits leveled records with persistent context, attaching ctx to
// every record produced by this logger or its children (via New).
type Logger interface {
	New(ctx ...interface{}) Logger
	Fatal(msg string, ctx ...interface{})
	Error(msg string, ctx ...interface{})
	Warn(msg string, ctx ...interface{})
	Info(msg string, ctx ...interface{})
	Debug(msg string, ctx ...interface{})
	Trace(msg string, ctx ...interface{})
	SetHandler(h Handler)
}

type logger struct {
	ctx []interface{}
	mu  *sync.Mutex
	h   *swapHandler
}

type swapHandler struct {
	mu sync.RWMutex
	h  Handler
}

func (s *swapHandler) Log(r *Record) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.h.Log(r)
}

func (s *swapHandler) set(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.h = h
}

// Root is the default logger instance, pre-configured with a terminal
// handler writing to stderr.
var Root Logger = &logger{
	mu: &sync.Mutex{},
	h:  &swapHandler{h: TerminalHandler(os.Stderr)},
}

// New returns a child logger with ctx merged into Root's context.
func New(ctx ...interface{}) Logger { return Root.New(ctx...) }

func (l *logger) New(ctx ...interface{}) Logger {
	child := &logger{
		ctx: append(append([]interface{}{}, l.ctx...), ctx...),
		mu:  l.mu,
		h:   l.h,
	}
	return child
}

func (l *logger) SetHandler(h Handler) { l.h.set(h) }

func (l *logger) write(lvl Level, msg string, ctx []interface{}) {
	r := &Record{
		Time: time.Now(),
		Lvl:  lvl,
		Msg:  msg,
		Ctx:  append(append([]interface{}{}, l.ctx...), ctx...),
		Call: stack.Caller(2),
	}
	_ = l.h.Log(r)
	if lvl == LvlFatal {
		os.Exit(1)
	}
}

func (l *logger) Fatal(msg string, ctx ...interface{}) { l.write(LvlFatal, msg, ctx) }
func (l *logger) Error(msg string, ctx ...interface{}) { l.write(LvlError, msg, ctx) }
func (l *logger) Warn(msg string, ctx ...interface{})  { l.write(LvlWarn, msg, ctx) }
func (l *logger) Info(msg string, ctx ...interface{})  { l.write(LvlInfo, msg, ctx) }
func (l *logger) Debug(msg string, ctx ...interface{}) { l.write(LvlDebug, msg, ctx) }
func (l *logger) Trace(msg string, ctx ...interface{}) { l.write(LvlTrace, msg, ctx) }

// Package-level convenience wrappers over Root.
func Fatal(msg string, ctx ...interface{}) { Root.Fatal(msg, ctx...) }
func Error(msg string, ctx ...interface{}) { Root.Error(msg, ctx...) }
func Warn(msg string, ctx ...interface{})  { Root.Warn(msg, ctx...) }
func Info(msg string, ctx ...interface{})  { Root.Info(msg, ctx...) }
func Debug(msg string, ctx ...interface{}) { Root.Debug(msg, ctx...) }
func Trace(msg string, ctx ...interface{}) { Root.Trace(msg, ctx...) }

// ---- Terminal handler -------------------------------------------------------

type terminalHandler struct {
	w      io.Writer
	color  bool
	mu     sync.Mutex
}

// TerminalHandler returns a Handler that writes human-readable, optionally
// colorized records to w. Color is enabled automatically when w is a
// colorable terminal (checked via go-isatty), matching the convention the
// donor project uses for its own CLI output.
func TerminalHandler(w io.Writer) Handler {
	useColor := false
	if f, ok := w.(*os.File); ok {
		useColor = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
		if useColor {
			w = colorable.NewColorable(f)
		}
	}
	return &terminalHandler{w: w, color: useColor}
}

func (h *terminalHandler) Log(r *Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	lvl := r.Lvl.String()
	if h.color {
		lvl = levelColor[r.Lvl].Sprint(lvl)
	}

	fmt.Fprintf(h.w, "%s[%-5s] %s", r.Time.Format("15:04:05.000"), lvl, r.Msg)
	for i := 0; i+1 < len(r.Ctx); i += 2 {
		fmt.Fprintf(h.w, " %v=%v", r.Ctx[i], r.Ctx[i+1])
	}
	fmt.Fprintf(h.w, " (%n)\n", r.Call)
	return nil
}

// DiscardHandler drops every record; useful in tests.
func DiscardHandler() Handler { return discardHandler{} }

type discardHandler struct{}

func (discardHandler) Log(*Record) error { return nil }
