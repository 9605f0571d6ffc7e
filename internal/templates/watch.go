package templates

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 250 * time.Millisecond

// Watch reloads the catalog whenever the template directory changes,
// until ctx is done. It only works when the catalog reads the OS
// filesystem. A catalog without a directory returns immediately.
func (c *Catalog) Watch(ctx context.Context) error {
	if c.dir == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create template watcher: %w", err)
	}
	defer watcher.Close()

	if err := watchRecursive(watcher, c.dir); err != nil {
		return err
	}
	c.logger.Info().Str("dir", c.dir).Msg("watching template directory")

	// Debounce: editors emit several events per save
	debounceTimer := time.NewTimer(0)
	<-debounceTimer.C

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = watchRecursive(watcher, event.Name)
				}
			}
			debounceTimer.Reset(reloadDebounce)

		case <-debounceTimer.C:
			if err := c.Reload(); err != nil {
				c.logger.Error().Err(err).Msg("failed to reload templates")
				continue
			}
			c.logger.Info().Int("templates", len(c.List())).Msg("templates reloaded")

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.logger.Warn().Err(err).Msg("template watcher error")
		}
	}
}

// watchRecursive adds root and every non-hidden subdirectory to watcher.
func watchRecursive(watcher *fsnotify.Watcher, root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // Skip errors, continue walking
		}
		if !info.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(info.Name(), ".") {
			return filepath.SkipDir
		}
		if err := watcher.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}
