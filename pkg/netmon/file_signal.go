package netmon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// FileSignal reads connectivity from a small state file written by the host
// (a network manager hook, a test harness). The file holds one word:
// online/offline, up/down, true/false or 1/0. A missing or unreadable file
// means no signal.
type FileSignal struct {
	path   string
	logger *zap.Logger
}

func NewFileSignal(path string, logger *zap.Logger) *FileSignal {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileSignal{path: filepath.Clean(path), logger: logger}
}

func (s *FileSignal) Current() (bool, bool) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("read connectivity file", zap.String("path", s.path), zap.Error(err))
		}
		return true, false
	}
	return parseState(string(b))
}

// Watch blocks until ctx is done. The parent directory is watched so the
// file may be created, replaced or removed at any time; removal reads as
// reachable. An existing file without a recognizable state is ignored.
func (s *FileSignal) Watch(ctx context.Context, fn func(bool)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", s.path, err)
	}
	// Changes made before the watch was in place would otherwise be missed.
	if reachable, ok := s.Current(); ok {
		fn(reachable)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			reachable, known := s.Current()
			if !known && s.exists() {
				// Truncated or partly written file, the next write settles it.
				continue
			}
			s.logger.Debug("connectivity file changed",
				zap.String("operation", event.Op.String()),
				zap.Bool("reachable", reachable),
			)
			fn(reachable)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Error("connectivity watcher error", zap.Error(err))
		}
	}
}

func (s *FileSignal) exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

func parseState(s string) (reachable, ok bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "online", "up", "true", "1":
		return true, true
	case "offline", "down", "false", "0":
		return false, true
	}
	return true, false
}
