package confloader

import (
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher re-reads the configuration file when it changes on disk and
// hands the re-parsed result to registered callbacks. A parse failure is
// logged and the previous configuration stays in effect.
type Watcher struct {
	loader    *Loader
	watcher   *fsnotify.Watcher
	callbacks []func(FileConfig)
	mu        sync.RWMutex
	done      chan struct{}
	logger    *slog.Logger
}

// NewWatcher creates a watcher over the loader's configuration file.
func NewWatcher(loader *Loader, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// Watch the directory, not the file, to catch vim-style renames.
	if err := fsw.Add(filepath.Dir(loader.filePath)); err != nil {
		fsw.Close()
		return nil, err
	}

	return &Watcher{
		loader:  loader,
		watcher: fsw,
		done:    make(chan struct{}),
		logger:  logger,
	}, nil
}

// OnReload registers a callback invoked with the freshly parsed
// configuration after each successful reload.
func (w *Watcher) OnReload(callback func(FileConfig)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Start watches for changes until Stop. It blocks; use StartAsync for a
// background watcher.
func (w *Watcher) Start() {
	w.logger.Info("configuration watcher started", "file", w.loader.filePath)

	target := filepath.Base(w.loader.filePath)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				w.reload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("configuration watcher error", "error", err)
		case <-w.done:
			return
		}
	}
}

// StartAsync starts watching in a goroutine.
func (w *Watcher) StartAsync() {
	go w.Start()
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	close(w.done)
	if err := w.watcher.Close(); err != nil {
		return err
	}
	w.logger.Info("configuration watcher stopped")
	return nil
}

func (w *Watcher) reload() {
	// A fresh Koanf instance so removed file keys do not linger.
	fresh := NewLoader(WithEnvPrefix(w.loader.envPrefix), WithConfigFile(w.loader.filePath))
	cfg, err := fresh.Load()
	if err != nil {
		w.logger.Error("configuration reload failed, keeping previous",
			"file", w.loader.filePath,
			"error", err)
		return
	}

	w.logger.Info("configuration reloaded",
		"file", w.loader.filePath,
		"namespaces", len(cfg.Namespaces))

	w.mu.RLock()
	defer w.mu.RUnlock()
	for _, cb := range w.callbacks {
		cb(cfg)
	}
}
