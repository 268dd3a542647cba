package stabilize

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// JobWatcher hands every *.json manifest written to a directory to a
// handler. Bursts of write events for one file are collapsed into a single
// call once the file has been quiet for Debounce.
type JobWatcher struct {
	Dir      string
	Debounce time.Duration

	watcher *fsnotify.Watcher
	handler func(path string)
	mu      sync.Mutex
	timers  map[string]*time.Timer
	wg      sync.WaitGroup
}

// NewJobWatcher creates a watcher for dir, creating the directory if needed
func NewJobWatcher(dir string, handler func(path string)) (*JobWatcher, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating job dir: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &JobWatcher{
		Dir:      dir,
		Debounce: 200 * time.Millisecond,
		watcher:  w,
		handler:  handler,
		timers:   make(map[string]*time.Timer),
	}, nil
}

// Start queues manifests already present, then watches until ctx is done
func (jw *JobWatcher) Start(ctx context.Context) error {
	if err := jw.watcher.Add(jw.Dir); err != nil {
		return fmt.Errorf("watching %s: %w", jw.Dir, err)
	}
	log.Printf("[WATCH] Watching job directory: %s", jw.Dir)

	existing, err := ExistingJobs(jw.Dir)
	if err != nil {
		return err
	}
	for _, path := range existing {
		jw.schedule(path)
	}

	jw.wg.Add(1)
	go jw.processEvents(ctx)
	return nil
}

// Stop closes the watcher and cancels pending calls
func (jw *JobWatcher) Stop() error {
	err := jw.watcher.Close()
	jw.wg.Wait()

	jw.mu.Lock()
	for path, t := range jw.timers {
		t.Stop()
		delete(jw.timers, path)
	}
	jw.mu.Unlock()
	return err
}

func (jw *JobWatcher) processEvents(ctx context.Context) {
	defer jw.wg.Done()
	for {
		select {
		case event, ok := <-jw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !isJobFile(event.Name) {
				continue
			}
			jw.schedule(event.Name)

		case err, ok := <-jw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[WATCH] Watcher error: %v", err)

		case <-ctx.Done():
			return
		}
	}
}

func (jw *JobWatcher) schedule(path string) {
	jw.mu.Lock()
	defer jw.mu.Unlock()
	if t, ok := jw.timers[path]; ok {
		t.Reset(jw.Debounce)
		return
	}
	jw.timers[path] = time.AfterFunc(jw.Debounce, func() {
		jw.mu.Lock()
		delete(jw.timers, path)
		jw.mu.Unlock()
		jw.handler(path)
	})
}

// ExistingJobs lists the manifests in dir in name order
func ExistingJobs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading job dir: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !isJobFile(e.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

// isJobFile skips editor temp files and dotfiles
func isJobFile(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	return strings.EqualFold(filepath.Ext(base), ".json")
}
