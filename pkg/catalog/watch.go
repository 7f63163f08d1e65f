package catalog

import (
	"context"
	"fmt"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Watch refreshes the index whenever a canonical document in the root
// directory changes. It blocks until ctx is done. The optional onRefresh
// callback runs after every refresh attempt.
func (c *Catalog) Watch(ctx context.Context, onRefresh func(error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(c.root); err != nil {
		return fmt.Errorf("failed to watch %s: %w", c.root, err)
	}

	c.logger.WithField("path", c.root).Info("watching pipeline directory")

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}

			c.logger.WithField("file", event.Name).WithField("op", event.Op.String()).Debug("pipeline file changed")
			err := c.Refresh()
			if err != nil {
				c.logger.WithError(err).Warn("catalog refresh failed")
			}
			if onRefresh != nil {
				onRefresh(err)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.logger.WithError(err).Warn("pipeline watcher error")
		}
	}
}
