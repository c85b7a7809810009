package policy

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// =============================================================================
// SOURCE - Reloadable policy snapshot
// =============================================================================

// Source hands out the current policy. Consumers call Current() once per
// decision and use that snapshot for the whole decision, so a reload never
// changes rules half-way through a transition.
type Source struct {
	path    string
	current atomic.Pointer[Policy]
	logger  *zap.Logger

	mu        sync.Mutex
	listeners []func(*Policy)
}

// Static returns a Source that always serves p.
func Static(p *Policy) *Source {
	s := &Source{logger: zap.NewNop()}
	s.current.Store(p)
	return s
}

// Load reads the file at path. An empty path serves Default().
func Load(path string, logger *zap.Logger) (*Source, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Source{path: path, logger: logger}
	if path == "" {
		s.current.Store(Default())
		return s, nil
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Current returns the active policy snapshot.
func (s *Source) Current() *Policy { return s.current.Load() }

// Path returns the backing file, empty for static sources.
func (s *Source) Path() string { return s.path }

// OnChange registers fn to run after every successful reload.
func (s *Source) OnChange(fn func(*Policy)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Reload re-reads the backing file. A file that fails to parse leaves the
// previous policy active.
func (s *Source) Reload() error {
	if s.path == "" {
		return nil
	}
	p, err := ParseFile(s.path)
	if err != nil {
		return err
	}
	s.current.Store(p)
	s.logger.Info("policy loaded", zap.String("path", s.path), zap.String("name", p.Name))

	s.mu.Lock()
	listeners := append([]func(*Policy){}, s.listeners...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(p)
	}
	return nil
}

// Watch reloads the policy whenever its file changes, until ctx is done.
// The parent directory is watched so editors that replace the file on save
// are still picked up. Rapid successive events are coalesced.
func (s *Source) Watch(ctx context.Context) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create policy watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	target := filepath.Clean(s.path)

	const settle = 200 * time.Millisecond
	debounce := time.NewTimer(settle)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce.Reset(settle)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("policy watcher error", zap.Error(err))

		case <-debounce.C:
			if err := s.Reload(); err != nil {
				s.logger.Error("policy reload failed, keeping previous policy",
					zap.String("path", s.path), zap.Error(err))
			}
		}
	}
}
