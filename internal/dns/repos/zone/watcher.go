package zone

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/haukened/zonewalk/internal/dns/common/log"
	"github.com/haukened/zonewalk/internal/dns/domain"
)

// ApplyFunc receives a freshly reloaded zone.
type ApplyFunc func(*domain.Zone)

// Watcher reloads zone database files when they change on disk. Directories
// are watched rather than files so editors that replace a file by rename are
// still seen. A file that fails to parse leaves the previous zone in place.
type Watcher struct {
	fw    *fsnotify.Watcher
	mu    sync.Mutex
	files map[string]watched
	dirs  map[string]bool
	done  chan struct{}
	wg    sync.WaitGroup
}

type watched struct {
	apex  domain.Domain
	apply ApplyFunc
}

// NewWatcher starts an fsnotify watcher. Call Close to stop it.
func NewWatcher() (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create zone watcher: %w", err)
	}
	w := &Watcher{
		fw:    fw,
		files: make(map[string]watched),
		dirs:  make(map[string]bool),
		done:  make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// Add registers path, whose zone apex must stay apex, and the function that
// installs each reloaded version.
func (w *Watcher) Add(path string, apex domain.Domain, apply ApplyFunc) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	dir := filepath.Dir(abs)

	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.dirs[dir] {
		if err := w.fw.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		w.dirs[dir] = true
	}
	w.files[abs] = watched{apex: apex, apply: apply}
	return nil
}

// Close stops the watcher and waits for the event loop to exit.
func (w *Watcher) Close() error {
	close(w.done)
	err := w.fw.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			w.reload(ev.Name)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			log.Warn(map[string]any{"error": err.Error()}, "zone watcher error")
		}
	}
}

func (w *Watcher) reload(name string) {
	abs, err := filepath.Abs(name)
	if err != nil {
		return
	}
	w.mu.Lock()
	target, ok := w.files[abs]
	w.mu.Unlock()
	if !ok {
		return
	}

	z, err := LoadZoneFile(abs)
	if err != nil {
		log.Warn(map[string]any{"file": abs, "error": err.Error()}, "zone reload failed, keeping previous data")
		return
	}
	if z.Apex != target.apex {
		log.Warn(map[string]any{"file": abs, "zone": target.apex.String(), "found": z.Apex.String()}, "zone reload changed apex, ignored")
		return
	}
	log.Info(map[string]any{"zone": z.Apex.String(), "serial": z.SOA.Serial, "records": z.Len()}, "zone reloaded")
	target.apply(z)
}
