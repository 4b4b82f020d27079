package config

import (
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/pimux/muxd/internal/logging"
)

// Watcher reloads a config file on change and hands the rebuilt Built
// config to a callback. Grounded on the teacher's internal/vcs.Watcher
// (fsnotify.Watcher wrapped in a stopCh/doneCh pair, a started/mu guard,
// and a run() goroutine selecting over Events/Errors/stopCh), generalized
// from watching .git/HEAD for branch changes to watching a config file
// for option changes.
type Watcher struct {
	watcher *fsnotify.Watcher
	path    string
	onChange func(Built)

	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
	mu      sync.Mutex
}

// NewWatcher creates a config file watcher. onChange is invoked with the
// freshly rebuilt subsystem configs every time path changes and parses
// successfully; a parse failure is logged and the previous config is
// left in place.
func NewWatcher(path string, onChange func(Built)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, err
	}
	return &Watcher{
		watcher:  w,
		path:     path,
		onChange: onChange,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start begins watching in the background. Idempotent.
func (w *Watcher) Start() {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()
	go w.run()
}

func (w *Watcher) run() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.reload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Logger.Error().Err(err).Msg("config watcher error")
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		logging.Logger.Warn().Err(err).Str("path", w.path).Msg("config reload failed, keeping previous config")
		return
	}
	logging.Logger.Info().Str("path", w.path).Msg("config reloaded")
	w.onChange(Build(cfg))
}

// Stop stops the watcher and waits for run() to exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()

	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}

	if started {
		<-w.doneCh
	}
	return w.watcher.Close()
}
