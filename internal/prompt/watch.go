package prompt

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// WatchPersona reloads a's persona from path whenever the file changes,
// until ctx is cancelled. The parent directory is watched so editors that
// replace the file by rename are picked up. A template that fails to parse
// is logged and the previous persona stays active, as does an empty file.
func WatchPersona(ctx context.Context, a *Assembler, path string, logger *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("persona watcher: %w", err)
	}
	defer watcher.Close()

	path = filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	logger.Info("watching persona template", "path", path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path || !event.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			data, err := os.ReadFile(path)
			if err != nil {
				logger.Warn("reading persona template failed", "path", path, "error", err)
				continue
			}
			// Truncating writes surface an empty file before the new content.
			if strings.TrimSpace(string(data)) == "" {
				continue
			}
			if err := a.SetPersona(string(data)); err != nil {
				logger.Warn("persona template rejected, keeping previous", "path", path, "error", err)
				continue
			}
			logger.Info("persona template reloaded", "path", path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("persona watcher error", "error", err)
		}
	}
}
