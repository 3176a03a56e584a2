package network

import (
	"context"
	stderrors "errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/wardrobekit/backend/internal/logging"
)

// FlagFileSource reads connectivity from a file. The file containing
// "offline" means offline; any other content, or no file, means online.
// Changes are picked up through fsnotify on the parent directory so the flag
// can be created, replaced and removed.
type FlagFileSource struct {
	path string
}

// NewFlagFileSource watches path.
func NewFlagFileSource(path string) *FlagFileSource {
	return &FlagFileSource{path: filepath.Clean(path)}
}

// WriteFlag atomically records the desired state at path.
func WriteFlag(path string, online bool) error {
	state := "online"
	if !online {
		state = "offline"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create flag directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(state+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write flag: %w", err)
	}
	return os.Rename(tmp, path)
}

func (s *FlagFileSource) read() (bool, error) {
	data, err := os.ReadFile(s.path)
	if stderrors.Is(err, fs.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return !strings.EqualFold(strings.TrimSpace(string(data)), "offline"), nil
}

// CurrentStatus implements Platform.
func (s *FlagFileSource) CurrentStatus(context.Context) (bool, error) {
	return s.read()
}

// Subscribe implements Platform.
func (s *FlagFileSource) Subscribe(ctx context.Context, fn func(bool)) (func(), error) {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create flag directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != s.path {
					continue
				}
				online, err := s.read()
				if err != nil {
					logging.Warn("failed to read connectivity flag", map[string]interface{}{
						"path":  s.path,
						"error": err.Error(),
					})
					continue
				}
				fn(online)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logging.Warn("connectivity flag watcher error", map[string]interface{}{"error": err.Error()})
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			watcher.Close()
			wg.Wait()
		})
	}, nil
}
