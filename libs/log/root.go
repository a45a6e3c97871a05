package log

import (
	"github.com/fatih/color"
	colorable "github.com/mattn/go-colorable"
)

var (
	root          = &logger{[]interface{}{}, new(swapHandler)}
	test          = &logger{[]interface{}{}, new(swapHandler)}
	base   Logger = root
	// StdoutHandler colors levels only when stdout is a terminal.
	StdoutHandler = StreamHandler(colorable.NewColorableStdout(), TerminalFormat(!color.NoColor))
	StderrHandler = StreamHandler(colorable.NewColorableStderr(), LogfmtFormat())
)

func init() {
	root.SetHandler(StdoutHandler)
	test.SetHandler(StdoutHandler)
}

// New returns a new logger with the given context.
// New is a convenient alias for Root().With
func New(ctx ...interface{}) Logger {
	return base.With(ctx...)
}

// Root returns the root logger
func Root() Logger {
	return root
}

// Test returns the logger used by package tests.
func Test() Logger {
	return test
}

// The following functions bypass the exported logger methods (logger.Debug,
// etc.) to keep the call depth the same for all paths to logger.write so
// runtime.Caller(2) always refers to the call site in client code.

// Trace is a convenient alias for Root().Trace
func Trace(msg string, ctx ...interface{}) {
	base.Trace(msg, ctx...)
}

// Debug is a convenient alias for Root().Debug
func Debug(msg string, ctx ...interface{}) {
	base.Debug(msg, ctx...)
}

// Info is a convenient alias for Root().Info
func Info(msg string, ctx ...interface{}) {
	base.Info(msg, ctx...)
}

// Warn is a convenient alias for Root().Warn
func Warn(msg string, ctx ...interface{}) {
	base.Warn(msg, ctx...)
}

// Error is a convenient alias for Root().Error
func Error(msg string, ctx ...interface{}) {
	base.Error(msg, ctx...)
}

// Crit is a convenient alias for Root().Crit
func Crit(msg string, ctx ...interface{}) {
	base.Crit(msg, ctx...)
}

// Output is a convenient alias for write, allowing for the modification of
// the calldepth (number of stack frames to skip).
// calldepth influences the reported line number of the log message.
// A calldepth of zero reports the immediate caller of Output.
func Output(msg string, lvl Lvl, calldepth int, ctx ...interface{}) {
	root.write(msg, lvl, ctx, calldepth+skipLevel)
}
