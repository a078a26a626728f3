// Package responsefile implements the prompt response file protocol
// hooks and the Listener use to hand permission decisions and
// structured-question answers across process boundaries (spec.md §4.4,
// "Atomic read-and-delete").
package responsefile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// StaleAfter is how old a response file can get before a hook's
// cleanup pass removes it unread (spec.md §4.4.2 step 5).
const StaleAfter = 300 * time.Second

// Path returns the fixed response-file location for a pending prompt
// (spec.md §3 "Prompt response file").
func Path(dir, sessionID, requestID string) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%s.json", sessionID, requestID))
}

func lockPath(responsePath string) string {
	return responsePath + ".lock"
}

// withLock takes an exclusive advisory lock on path+".lock" for the
// duration of fn, creating the lock file if needed.
func withLock(path string, fn func() error) error {
	lf, err := os.OpenFile(lockPath(path), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	defer lf.Close()

	if err := unix.Flock(int(lf.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("flock: %w", err)
	}
	defer unix.Flock(int(lf.Fd()), unix.LOCK_UN)

	return fn()
}

// Write merges fields into the existing response file (if any) under
// lock, creating it if absent. This is how the Listener accumulates
// structured-question answers across multiple user actions (spec.md
// §4.4.2 step 3).
func Write(path string, fields map[string]any) error {
	return withLock(path, func() error {
		merged := map[string]any{}
		if existing, err := os.ReadFile(path); err == nil {
			_ = json.Unmarshal(existing, &merged) // corrupt existing content is discarded, not propagated
		}
		for k, v := range fields {
			merged[k] = v
		}
		b, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("marshal response: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("mkdir response dir: %w", err)
		}
		return os.WriteFile(path, b, 0o600)
	})
}

// ReadAndDelete atomically reads, removes, and parses the response
// file. A missing file returns (nil, nil). Corrupt JSON deletes the
// file and returns (nil, nil) rather than propagating the parse error
// (spec.md §4.4.2 "On corrupt JSON").
func ReadAndDelete(path string) (map[string]any, error) {
	var result map[string]any
	err := withLock(path, func() error {
		b, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return fmt.Errorf("read response file: %w", err)
		}

		var parsed map[string]any
		parseErr := json.Unmarshal(b, &parsed)

		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			return fmt.Errorf("remove response file: %w", rmErr)
		}
		os.Remove(lockPath(path)) // best-effort; the lock file itself is not load-bearing once unlocked

		if parseErr != nil {
			return nil // corrupt JSON: treat as no response
		}
		result = parsed
		return nil
	})
	return result, err
}

// HasAllQuestions reports whether fields contains "question_<i>" for
// every i in [0, numQuestions) — the completion test for an
// askuser-style accumulated response (spec.md §4.4.2 step 3).
func HasAllQuestions(fields map[string]any, numQuestions int) bool {
	if fields == nil {
		return false
	}
	for i := 0; i < numQuestions; i++ {
		if _, ok := fields[fmt.Sprintf("question_%d", i)]; !ok {
			return false
		}
	}
	return true
}

// CleanupStale removes response (and lock) files in dir older than
// StaleAfter, matching spec.md §4.4.2 step 5's cleanup pass.
func CleanupStale(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read response dir: %w", err)
	}
	cutoff := time.Now().Add(-StaleAfter)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			os.Remove(filepath.Join(dir, e.Name()))
		}
	}
	return nil
}
