// Package logging provides categorized structured logging for atelier.
// Every subsystem logs through a named zap.SugaredLogger so log output can
// be filtered per category and the level can be raised or lowered at
// runtime without restarting the process.
package logging

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category names a logging subsystem.
type Category string

const (
	CategoryBoot         Category = "boot"
	CategoryConfig       Category = "config"
	CategoryScheduler    Category = "scheduler"
	CategoryProvider     Category = "provider"
	CategoryOrchestrator Category = "orchestrator"
	CategoryParser       Category = "parser"
	CategoryCanvas       Category = "canvas"
	CategoryVoice        Category = "voice"
	CategoryServer       Category = "server"
)

var (
	mu      sync.RWMutex
	root    *zap.Logger
	level   zap.AtomicLevel
	loggers = make(map[Category]*zap.SugaredLogger)
)

func init() {
	// A usable default so packages can log before Initialize runs (tests,
	// library use). Initialize replaces this with the configured logger.
	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	cfg := zap.NewProductionConfig()
	cfg.Level = level
	l, err := cfg.Build()
	if err != nil {
		l = zap.NewNop()
	}
	root = l
}

// Initialize installs the process-wide root logger. debug selects a
// development encoder and debug level.
func Initialize(debug bool) error {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
	}
	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if debug {
		level.SetLevel(zapcore.DebugLevel)
	}
	cfg.Level = level

	l, err := cfg.Build()
	if err != nil {
		return err
	}

	mu.Lock()
	defer mu.Unlock()
	root = l
	loggers = make(map[Category]*zap.SugaredLogger)
	return nil
}

// SetLevel changes the global level at runtime. Used by the config watcher.
func SetLevel(l zapcore.Level) {
	level.SetLevel(l)
}

// Level returns the current global level.
func Level() zapcore.Level {
	return level.Level()
}

// Get returns the logger for a category. Loggers are cached per category.
func Get(c Category) *zap.SugaredLogger {
	mu.RLock()
	if l, ok := loggers[c]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[c]; ok {
		return l
	}
	l := root.Named(string(c)).Sugar()
	loggers[c] = l
	return l
}

// Sync flushes buffered log entries. Called on shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = root.Sync()
}

// Convenience accessors for the hot-path categories. They keep call sites
// short: logging.Scheduler().Debugf(...).

func Boot() *zap.SugaredLogger         { return Get(CategoryBoot) }
func Scheduler() *zap.SugaredLogger    { return Get(CategoryScheduler) }
func Provider() *zap.SugaredLogger     { return Get(CategoryProvider) }
func Orchestrator() *zap.SugaredLogger { return Get(CategoryOrchestrator) }
func Parser() *zap.SugaredLogger       { return Get(CategoryParser) }
func Canvas() *zap.SugaredLogger       { return Get(CategoryCanvas) }
func Voice() *zap.SugaredLogger        { return Get(CategoryVoice) }
func Server() *zap.SugaredLogger       { return Get(CategoryServer) }
