package config

import (
	"context"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap/zapcore"

	"atelier/internal/logging"
)

// Watch monitors the config file and applies the logging level on change.
// Only the log level is hot-reloadable; everything else requires a restart
// because providers and the scheduler are constructed once. Watch blocks
// until ctx is cancelled.
func Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	log := logging.Get(logging.CategoryConfig)
	if err := watcher.Add(path); err != nil {
		// Running without a config file is supported; hot reload just
		// has nothing to watch.
		log.Warnw("config file not watchable, hot reload disabled", "path", path, "error", err)
		<-ctx.Done()
		return ctx.Err()
	}
	log.Infow("watching config file", "path", path)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			cfg, err := Load(path)
			if err != nil {
				log.Warnw("config reload failed", "error", err)
				continue
			}
			lvl := ParseLevel(cfg.Logging.Level)
			if lvl != logging.Level() {
				logging.SetLevel(lvl)
				log.Infow("log level changed", "level", lvl.String())
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warnw("config watcher error", "error", err)
		}
	}
}

// ParseLevel maps a config level string onto a zap level, defaulting to info.
func ParseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
