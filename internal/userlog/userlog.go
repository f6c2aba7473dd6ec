// Package userlog keeps the per-user sync history as plain append-only text
// files. The format is one timestamped line per entry so the files stay
// readable with tail -f and friends:
//
//	[2025-11-03 06:00] sync complete: 42 created, 40 deleted, 3 filtered
package userlog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/calmirror/calmirror/internal/model"
)

const (
	timeLayout = "2006-01-02 15:04"

	// Rotation bounds. A log untouched for maxAge is started fresh; one
	// that outgrows maxSize is trimmed to its newest keepLines entries.
	maxAge    = 30 * 24 * time.Hour
	maxSize   = 1 << 20
	keepLines = 1000
)

// Log writes and reads per-user sync logs under <data_dir>/logs.
type Log struct {
	dir string
}

// New returns a Log rooted at dataDir.
func New(dataDir string) *Log {
	return &Log{dir: filepath.Join(dataDir, "logs")}
}

func (l *Log) path(userID string) string {
	return filepath.Join(l.dir, userID+".log")
}

// Append adds one timestamped line to the user's log. Each entry is a
// single write so concurrent readers never see a partial line.
func (l *Log) Append(userID, message string) error {
	if err := os.MkdirAll(l.dir, 0700); err != nil {
		return fmt.Errorf("failed to create log dir: %w", err)
	}

	path := l.path(userID)
	if err := rotate(path); err != nil {
		return err
	}

	// Keep the file line-oriented even if a message sneaks a newline in.
	message = strings.ReplaceAll(strings.TrimSpace(message), "\n", " ")
	line := fmt.Sprintf("[%s] %s\n", time.Now().Format(timeLayout), message)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open log for user %s: %w", userID, err)
	}
	defer f.Close()

	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("failed to append to log for user %s: %w", userID, err)
	}
	return nil
}

// AppendOutcome records the one-line summary of a finished run attempt.
func (l *Log) AppendOutcome(outcome *model.SyncOutcome) error {
	return l.Append(outcome.UserID, outcome.Summary())
}

// Tail returns the newest n lines of the user's log, oldest first. A user
// with no log yet has no lines.
func (l *Log) Tail(userID string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}

	data, err := os.ReadFile(l.path(userID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read log for user %s: %w", userID, err)
	}

	lines := splitLines(data)
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

// rotate keeps a user's log bounded. It runs before each append, so a log
// only grows past the limits by the one line being written.
func rotate(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to stat log: %w", err)
	}

	if time.Since(info.ModTime()) > maxAge {
		if err := os.Truncate(path, 0); err != nil {
			return fmt.Errorf("failed to reset stale log: %w", err)
		}
		return nil
	}

	if info.Size() <= maxSize {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read oversized log: %w", err)
	}
	lines := splitLines(data)
	if len(lines) > keepLines {
		lines = lines[len(lines)-keepLines:]
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".rotate-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create rotation temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.WriteString(strings.Join(lines, "\n") + "\n"); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write rotated log: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close rotated log: %w", err)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		return fmt.Errorf("failed to set rotated log permissions: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace rotated log: %w", err)
	}
	return nil
}

func splitLines(data []byte) []string {
	text := strings.TrimRight(string(data), "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}
