// Package watch signals changes to a single file.
package watch

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"pkt.systems/pslog"

	"pkt.systems/mprepair/internal/loggingutil"
)

// Subscription delivers coalesced change signals for one file.
type Subscription struct {
	watcher *fsnotify.Watcher
	logger  pslog.Logger
	name    string
	events  chan struct{}
	stop    chan struct{}
	once    sync.Once
}

// File watches path. The parent directory is watched so that editors which
// replace the file via rename keep producing events. Watcher errors are
// logged and never reported as changes.
func File(path string, logger pslog.Logger) (*Subscription, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("watch: resolve %q: %w", path, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: create watcher: %w", err)
	}
	dir := filepath.Dir(abs)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch: watch directory %q: %w", dir, err)
	}
	sub := &Subscription{
		watcher: watcher,
		logger:  loggingutil.WithSubsystem(logger, "watch"),
		name:    abs,
		events:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
	go sub.run()
	return sub, nil
}

// Events is closed when the subscription ends.
func (s *Subscription) Events() <-chan struct{} {
	return s.events
}

// Close stops the watcher. Safe to call more than once.
func (s *Subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.stop)
		err = s.watcher.Close()
	})
	return err
}

func (s *Subscription) run() {
	defer close(s.events)
	for {
		select {
		case <-s.stop:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != s.name {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			s.signal()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.handleError(err)
		}
	}
}

func (s *Subscription) handleError(err error) {
	if err == nil {
		return
	}
	s.logger.Warn("watch.error", "path", s.name, "error", err)
}

func (s *Subscription) signal() {
	select {
	case s.events <- struct{}{}:
	default:
	}
}
