package engine

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/re-cinq/little-loops/internal/fileutil"
	"github.com/re-cinq/little-loops/internal/issue"
)

// WatchIssues blocks until new work appears under the watched issue
// directories or the context ends. Filesystem notifications are the fast
// path; a poll at the configured interval is the fallback for editors and
// filesystems that do not emit events.
func WatchIssues(ctx context.Context, repoDir string, categories []string, pollInterval time.Duration) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	for _, c := range categories {
		dir := fileutil.IssuesSubdir(repoDir, c)
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("watching %s: %w", dir, err)
		}
	}

	poll := time.NewTicker(pollInterval)
	defer poll.Stop()

	baseline, err := backlogSize(repoDir, categories)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				return nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fileutil.LogError("watch: %s", err)
		case <-poll.C:
			size, err := backlogSize(repoDir, categories)
			if err != nil {
				return err
			}
			if size != baseline {
				return nil
			}
		}
	}
}

func backlogSize(repoDir string, categories []string) (int, error) {
	total := 0
	for _, c := range categories {
		issues, err := issue.ScanCategory(repoDir, c)
		if err != nil {
			return 0, err
		}
		total += len(issues)
	}
	return total, nil
}
