package fusion

import (
	"flag"
	"io"
	"log"
	"os"
	"sync"

	"github.com/google/uuid"
)

// fDebug mirrors the teacher's debug.go: debugging output is off by
// default and must be opted into with a flag.
var fDebug = flag.Bool(
	"fusion.debug",
	false,
	"Write Fusion dispatcher/card debugging messages to stderr.")

var (
	gDebugLogger *log.Logger
	gErrorLogger *log.Logger
	gLoggerOnce  sync.Once
)

func initLoggers() {
	if !flag.Parsed() {
		// Matches the teacher's behavior: initLogger panics if called before
		// flags are parsed, since *fDebug would otherwise silently read as
		// false regardless of what the command line says.
		panic("fusion: logging used before flag.Parse")
	}

	var debugWriter io.Writer = io.Discard
	if *fDebug {
		debugWriter = os.Stderr
	}

	const flags = log.Ldate | log.Ltime | log.Lmicroseconds | log.Lshortfile
	gDebugLogger = log.New(debugWriter, "fusion: ", flags)
	gErrorLogger = log.New(os.Stderr, "fusion: ", flags)
}

// DebugLogger returns the package-wide debug logger, initializing it (and
// panicking if flags have not yet been parsed) on first use.
func DebugLogger() *log.Logger {
	gLoggerOnce.Do(initLoggers)
	return gDebugLogger
}

// ErrorLogger returns the package-wide error logger.
func ErrorLogger() *log.Logger {
	gLoggerOnce.Do(initLoggers)
	return gErrorLogger
}

// SetDebugLogger overrides the debug logger, e.g. so an embedder can route
// Fusion's diagnostics into its own structured logging pipeline instead of
// stderr.
func SetDebugLogger(l *log.Logger) {
	gLoggerOnce.Do(initLoggers)
	gDebugLogger = l
}

// SetErrorLogger overrides the error logger.
func SetErrorLogger(l *log.Logger) {
	gLoggerOnce.Do(initLoggers)
	gErrorLogger = l
}

// Debugf writes a formatted line to the debug logger, a convenience
// wrapper every package under fusion/ uses instead of holding its own
// *log.Logger, mirroring how the teacher's other files call through
// debugLogger.Printf on the instance handed to them at construction.
func Debugf(format string, args ...any) {
	DebugLogger().Printf(format, args...)
}

// Errorf writes a formatted line to the error logger.
func Errorf(format string, args ...any) {
	ErrorLogger().Printf(format, args...)
}

// newSessionID mints a correlation id attached to every log line a single
// World emits, purely so a human reading interleaved output from several
// worlds in one process (common in tests, where master and slave share an
// address space over the inproc transport) can tell them apart. It is
// never part of the wire protocol or any persisted identifier.
func newSessionID() string {
	return uuid.NewString()
}
