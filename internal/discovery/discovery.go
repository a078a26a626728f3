// Package discovery finds the session that most recently wrote to the
// shared logs directory, so a Wrapper can re-attach to the right agent
// session after a /compact or /resume restarts it under a new session
// id (spec §4.2 "session change handling").
package discovery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ehrlich-b/claude-slack-bridge/internal/logger"
)

var bufferFilePattern = regexp.MustCompile(`^claude_output_(.+)\.txt$`)

// ExtractSessionID returns the session id embedded in a buffer filename
// (claude_output_<id>.txt), or "" if filename doesn't match.
func ExtractSessionID(filename string) string {
	m := bufferFilePattern.FindStringSubmatch(filename)
	if m == nil {
		return ""
	}
	return m[1]
}

// FindActiveSession returns the session id of the most recently modified
// claude_output_*.txt file under logDir, or "" if none exist.
func FindActiveSession(logDir string) (string, error) {
	entries, err := os.ReadDir(logDir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read log dir: %w", err)
	}

	var bestName string
	var bestMtime time.Time
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if ExtractSessionID(e.Name()) == "" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue // file may have been removed between ReadDir and Info
		}
		if bestName == "" || info.ModTime().After(bestMtime) {
			bestName = e.Name()
			bestMtime = info.ModTime()
		}
	}
	if bestName == "" {
		return "", nil
	}
	return ExtractSessionID(bestName), nil
}

// Watcher maintains a live view of the most recently written buffer file
// under a logs directory, using fsnotify instead of polling the
// directory on every lookup.
type Watcher struct {
	watcher *fsnotify.Watcher
	mu      sync.RWMutex
	latest  string
	dir     string
}

// NewWatcher starts watching dir for buffer-file writes. The returned
// Watcher is seeded with whatever FindActiveSession currently reports.
func NewWatcher(dir string) (*Watcher, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("new fsnotify watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	w := &Watcher{watcher: fw, dir: dir}
	if sid, err := FindActiveSession(dir); err == nil {
		w.latest = sid
	}
	return w, nil
}

// Run processes filesystem events until ctx is canceled.
func (w *Watcher) Run(ctx context.Context) {
	log := logger.With("discovery")
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn("fsnotify error", "err", err)
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}
	sid := ExtractSessionID(filepath.Base(ev.Name))
	if sid == "" {
		return
	}
	w.mu.Lock()
	w.latest = sid
	w.mu.Unlock()
}

// Latest returns the most recently observed session id, or "" if none.
func (w *Watcher) Latest() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.latest
}

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
