package attachments

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher keeps an Index current as files appear in or leave the media store.
// fsnotify is not recursive, so every patient and entity directory gets its own watch.
type Watcher struct {
	root    string
	index   *Index
	logger  *zap.Logger
	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

func NewWatcher(store *MediaStore, index *Index, logger *zap.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		root:    store.Root,
		index:   index,
		logger:  logger,
		watcher: fsw,
		done:    make(chan struct{}),
	}, nil
}

func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return errors.New("watcher already running")
	}
	if err := os.MkdirAll(w.root, 0o700); err != nil {
		return err
	}
	if err := w.addTree(w.root); err != nil {
		return err
	}
	w.running = true
	w.wg.Add(1)
	go w.processEvents()
	return nil
}

// Stop blocks until the event loop has exited.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("media watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	switch {
	case event.Has(fsnotify.Create):
		info, err := os.Stat(event.Name)
		if err != nil {
			return
		}
		if info.IsDir() {
			// files may land before the watch is registered
			if err := w.addTree(event.Name); err != nil {
				w.logger.Warn("failed to watch media directory", zap.String("path", event.Name), zap.Error(err))
			}
			return
		}
		w.index.Add(event.Name)
	case event.Has(fsnotify.Write):
		w.index.Add(event.Name)
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		w.index.Remove(event.Name)
	}
}

func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			if depth(w.root, path) > 2 {
				return filepath.SkipDir
			}
			return w.watcher.Add(path)
		}
		w.index.Add(path)
		return nil
	})
}
