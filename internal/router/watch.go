package router

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"cofounder/internal/config"
)

// Watch reloads the classifier's keyword lists whenever the config file
// changes, until ctx is canceled. Invalid edits are skipped and the last
// good rules stay in effect; onReload (optional) observes each attempt.
func (c *Classifier) Watch(ctx context.Context, configPath string, onReload func(err error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory: editors replace files on save, which drops a
	// watch registered on the file itself.
	if err := watcher.Add(filepath.Dir(configPath)); err != nil {
		return err
	}
	target := filepath.Clean(configPath)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			cfg, err := config.FromFile(target)
			if err == nil {
				c.SetRules(Rules{
					AutonomousKeywords: cfg.Routing.AutonomousKeywords,
					CategoryKeywords:   cfg.Routing.CategoryKeywords,
				})
			}
			if onReload != nil {
				onReload(err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if onReload != nil {
				onReload(err)
			}
		}
	}
}
