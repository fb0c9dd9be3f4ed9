package config

import (
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// WatchDaemon watches the YAML config file at path for writes and invokes
// onChange with the freshly reloaded config. tetherd applies
// max_clients_per_session and broadcast_capacity from it live; every
// other field, log_format and machine_id included, is read once at
// startup.
func WatchDaemon(path string, logger *slog.Logger, onChange func(*Daemon)) (*fsnotify.Watcher, error) {
	if path == "" {
		return nil, nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := LoadDaemon(path)
				if err != nil {
					logger.Warn("config: reload failed", "path", path, "error", err)
					continue
				}
				logger.Info("config: reloaded", "path", path)
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config: watch error", "error", err)
			}
		}
	}()

	return watcher, nil
}
