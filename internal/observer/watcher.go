package observer

import (
	"context"
	"log"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DropCallback is called with files that appeared in the watched directory
type DropCallback func(files []string)

// DropWatcher reports new files in a directory once they stop changing
type DropWatcher struct {
	watcher  *fsnotify.Watcher
	dir      string
	accept   func(path string) bool
	callback DropCallback
	debounce time.Duration

	// Debounce state
	pending map[string]struct{}
	seen    map[string]struct{}
	timer   *time.Timer
	mu      sync.Mutex

	cancel context.CancelFunc
}

// NewDropWatcher watches dir for files accepted by accept
func NewDropWatcher(dir string, accept func(path string) bool, callback DropCallback) (*DropWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	return &DropWatcher{
		watcher:  watcher,
		dir:      dir,
		accept:   accept,
		callback: callback,
		debounce: 500 * time.Millisecond, // files are often written in several chunks
		pending:  make(map[string]struct{}),
		seen:     make(map[string]struct{}),
	}, nil
}

// Start begins watching for file changes
func (dw *DropWatcher) Start(ctx context.Context) {
	ctx, dw.cancel = context.WithCancel(ctx)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-dw.watcher.Events:
				if !ok {
					return
				}
				dw.handleEvent(event)
			case err, ok := <-dw.watcher.Errors:
				if !ok {
					return
				}
				log.Printf("watching %s: %v", dw.dir, err)
			}
		}
	}()
}

// Stop stops watching for file changes
func (dw *DropWatcher) Stop() {
	if dw.cancel != nil {
		dw.cancel()
	}
	dw.watcher.Close()

	dw.mu.Lock()
	defer dw.mu.Unlock()
	if dw.timer != nil {
		dw.timer.Stop()
	}
}

// SetDebounce sets how long a file must be quiet before it is reported
func (dw *DropWatcher) SetDebounce(d time.Duration) {
	dw.mu.Lock()
	defer dw.mu.Unlock()
	dw.debounce = d
}

func (dw *DropWatcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}
	if dw.accept != nil && !dw.accept(event.Name) {
		return
	}
	path := filepath.Clean(event.Name)

	dw.mu.Lock()
	defer dw.mu.Unlock()

	if _, done := dw.seen[path]; done {
		return
	}
	dw.pending[path] = struct{}{}

	if dw.timer != nil {
		dw.timer.Stop()
	}
	dw.timer = time.AfterFunc(dw.debounce, dw.flush)
}

func (dw *DropWatcher) flush() {
	dw.mu.Lock()
	files := make([]string, 0, len(dw.pending))
	for f := range dw.pending {
		files = append(files, f)
		dw.seen[f] = struct{}{}
	}
	dw.pending = make(map[string]struct{})
	dw.mu.Unlock()

	if dw.callback == nil || len(files) == 0 {
		return
	}
	slices.Sort(files)
	dw.callback(files)
}
