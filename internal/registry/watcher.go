package registry

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

const reloadDebounce = 500 * time.Millisecond

// Watcher reloads the registry when the catalog file changes on disk.
// Editors typically emit bursts of write events, so reloads are
// debounced.
type Watcher struct {
	registry *Registry
	watcher  *fsnotify.Watcher
	path     string
	logger   *logrus.Logger
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewWatcher watches the catalog file at path. The containing directory
// is watched rather than the file itself so atomic rename-into-place
// saves are observed.
func NewWatcher(registry *Registry, path string, logger *logrus.Logger) (*Watcher, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsWatcher.Add(filepath.Dir(path)); err != nil {
		fsWatcher.Close()
		return nil, err
	}

	return &Watcher{
		registry: registry,
		watcher:  fsWatcher,
		path:     filepath.Clean(path),
		logger:   logger,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}, nil
}

// Start begins watching in a background goroutine.
func (w *Watcher) Start() {
	go w.watchLoop()
	w.logger.WithField("path", w.path).Info("Started catalog watcher")
}

// Stop ends watching and waits for the loop to exit.
func (w *Watcher) Stop() {
	close(w.stopChan)
	w.watcher.Close()
	<-w.doneChan
	w.logger.Info("Stopped catalog watcher")
}

func (w *Watcher) watchLoop() {
	defer close(w.doneChan)

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-w.stopChan:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, w.reload)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Error("Catalog watcher error")
		}
	}
}

func (w *Watcher) reload() {
	if err := w.registry.Reload(); err != nil {
		// Keep serving the previous snapshot.
		w.logger.WithError(err).Error("Catalog reload failed, keeping previous snapshot")
		return
	}
	w.logger.WithField("version", w.registry.Version()).Info("Catalog reloaded")
}
