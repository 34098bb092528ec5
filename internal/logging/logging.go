// Package logging builds the component loggers used across usersync.
//
// Every component logs through a *log.Logger with a bracketed prefix such
// as "[engine] ". When a log file is configured all loggers share one
// rotating writer backed by lumberjack; otherwise they write to stderr.
package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the shared log output.
type Options struct {
	// File enables rotating file output. Empty logs to stderr.
	File string

	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool

	// Verbose also copies file output to stderr.
	Verbose bool
}

// Factory hands out prefixed loggers that share one output.
type Factory struct {
	out    io.Writer
	closer io.Closer

	mu      sync.Mutex
	loggers map[string]*log.Logger
}

// New creates a factory for opts. Call Close to release the log file.
func New(opts Options) (*Factory, error) {
	f := &Factory{
		out:     os.Stderr,
		loggers: make(map[string]*log.Logger),
	}

	if opts.File == "" {
		return f, nil
	}

	if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
		return nil, err
	}

	rotator := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	}
	f.closer = rotator
	f.out = rotator
	if opts.Verbose {
		f.out = io.MultiWriter(rotator, os.Stderr)
	}
	return f, nil
}

// Discard returns a factory whose loggers drop everything.
func Discard() *Factory {
	return &Factory{out: io.Discard, loggers: make(map[string]*log.Logger)}
}

// Logger returns the logger for component, e.g. "engine" logs as
// "[engine] ...". Repeated calls return the same logger.
func (f *Factory) Logger(component string) *log.Logger {
	f.mu.Lock()
	defer f.mu.Unlock()

	if l, ok := f.loggers[component]; ok {
		return l
	}
	l := log.New(f.out, "["+component+"] ", log.LstdFlags)
	f.loggers[component] = l
	return l
}

// Writer returns the shared output.
func (f *Factory) Writer() io.Writer {
	return f.out
}

// Close closes the log file, if any.
func (f *Factory) Close() error {
	if f.closer == nil {
		return nil
	}
	return f.closer.Close()
}
