package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch reloads path whenever it changes and passes the result to onChange.
// The parent directory is watched so editors that replace the file by rename
// are still seen. Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, logger *zap.Logger, onChange func(Config)) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	resolved, err := expandPath(path)
	if err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(resolved)); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watch error", zap.Error(err))
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != resolved {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			cfg, err := Load(resolved)
			if err != nil {
				logger.Warn("config reload failed; keeping previous settings", zap.String("path", resolved), zap.Error(err))
				continue
			}
			if err := cfg.ApplyEnv(nil); err != nil {
				logger.Warn("config environment overrides rejected", zap.Error(err))
			}
			logger.Info("config reloaded", zap.String("path", resolved))
			if onChange != nil {
				onChange(cfg)
			}
		}
	}
}
