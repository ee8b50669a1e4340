// Package memory manages the bridge's persistent notes file and the
// sqlite-backed recall store the HTTP API queries.
package memory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/HainanZhao/clawless/pkg/logger"
)

// defaultNotesTemplate seeds a fresh notes file.
const defaultNotesTemplate = `# Memory

Long-lived notes for the agent. The bridge injects this file's contents as
context; edit it freely, changes are picked up while running.
`

// Notes is the on-disk markdown notes file, reloaded on change.
type Notes struct {
	path string

	mu      sync.RWMutex
	content string

	log zerolog.Logger
}

// OpenNotes loads the notes file, creating it with a template if absent.
func OpenNotes(path string) (*Notes, error) {
	n := &Notes{path: path, log: logger.Component("memory")}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create notes dir: %w", err)
		}
		if err := os.WriteFile(path, []byte(defaultNotesTemplate), 0o600); err != nil {
			return nil, fmt.Errorf("create notes file: %w", err)
		}
		n.log.Info().Str("path", path).Msg("created notes file")
	}

	if err := n.reload(); err != nil {
		return nil, err
	}
	return n, nil
}

// Content returns the current notes text.
func (n *Notes) Content() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.content
}

// Path returns the file location.
func (n *Notes) Path() string { return n.path }

func (n *Notes) reload() error {
	data, err := os.ReadFile(n.path)
	if err != nil {
		return fmt.Errorf("read notes: %w", err)
	}
	n.mu.Lock()
	n.content = string(data)
	n.mu.Unlock()
	return nil
}

// Watch reloads the notes when the file changes, until ctx ends. Editors
// that replace the file (rename+create) are handled by re-adding the watch.
func (n *Notes) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("notes watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: many editors write via rename, which drops a
	// watch on the file itself.
	if err := watcher.Add(filepath.Dir(n.path)); err != nil {
		return fmt.Errorf("watch notes dir: %w", err)
	}

	var pending *time.Timer
	defer func() {
		if pending != nil {
			pending.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != n.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			// Debounce bursts from editors writing in several syscalls.
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(200*time.Millisecond, func() {
				if err := n.reload(); err != nil {
					n.log.Warn().Err(err).Msg("notes reload failed")
					return
				}
				n.log.Debug().Str("path", n.path).Msg("notes reloaded")
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			n.log.Warn().Err(err).Msg("notes watcher error")
		}
	}
}
