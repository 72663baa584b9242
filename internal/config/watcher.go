package config

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches config.json for changes and, without a restart, hands
// the whole freshly parsed File to every OnReload callback; it applies no
// field itself, and the daemon decides what to apply (agentd applies only
// remote and token).
//
// Generalized from the teacher's PolicyWatcher (fsnotify + 500ms debounce +
// OnReload callback list), watching config.json instead of policy.yaml.
type Watcher struct {
	path   string
	logger *log.Logger
	fs     *fsnotify.Watcher

	mu       sync.RWMutex
	current  *File
	onReload []func(*File)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher creates a config file watcher seeded with the already-loaded
// initial File.
func NewWatcher(path string, initial *File, logger *log.Logger) (*Watcher, error) {
	if logger == nil {
		logger = log.New(os.Stdout, "[config] ", log.LstdFlags|log.Lmsgprefix)
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	return &Watcher{
		path:    path,
		logger:  logger,
		fs:      fsWatcher,
		current: initial,
	}, nil
}

// Start begins watching the config file for changes.
func (w *Watcher) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	if err := w.fs.Add(w.path); err != nil {
		dir := filepath.Dir(w.path)
		if err := w.fs.Add(dir); err != nil {
			return fmt.Errorf("watch config file/dir: %w", err)
		}
		w.logger.Printf("watching directory %s for config changes", dir)
	} else {
		w.logger.Printf("watching config file %s for changes", w.path)
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.watchLoop()
	}()

	return nil
}

// Stop gracefully shuts down the watcher.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	if w.fs != nil {
		w.fs.Close()
	}
	w.wg.Wait()
}

// OnReload registers a callback invoked with the freshly loaded File
// whenever config.json changes on disk.
func (w *Watcher) OnReload(cb func(*File)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onReload = append(w.onReload, cb)
}

// Current returns the most recently loaded File.
func (w *Watcher) Current() *File {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

func (w *Watcher) watchLoop() {
	var debounce *time.Timer
	const debounceDuration = 500 * time.Millisecond

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if event.Name != w.path {
				continue
			}
			if event.Op&fsnotify.Write == fsnotify.Write || event.Op&fsnotify.Create == fsnotify.Create {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(debounceDuration, w.reload)
			}

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Printf("watcher error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	reloaded, err := Load(w.path)
	if err != nil {
		w.logger.Printf("reload config: %v", err)
		return
	}

	w.mu.Lock()
	w.current = reloaded
	callbacks := make([]func(*File), len(w.onReload))
	copy(callbacks, w.onReload)
	w.mu.Unlock()

	w.logger.Printf("config reloaded from %s", w.path)
	for _, cb := range callbacks {
		cb(reloaded)
	}
}
