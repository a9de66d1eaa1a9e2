package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Registry holds the scripts available to the orchestrator, keyed by script
// ID. It can load a directory of YAML script files and hot-reload them when
// the directory changes.
type Registry struct {
	mu      sync.RWMutex
	scripts map[string]*Script

	watcher  *fsnotify.Watcher
	stopOnce sync.Once
	stopChan chan struct{}

	// OnReload, when set, is called after a watched file is re-read.
	OnReload func(id string, err error)
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		scripts:  make(map[string]*Script),
		stopChan: make(chan struct{}),
	}
}

// Register validates and stores a script. A script replaces an earlier
// registration with the same ID only if its version is not older.
func (r *Registry) Register(s *Script) error {
	if s == nil {
		return fmt.Errorf("nil script")
	}
	if err := s.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.scripts[s.ID]; ok && prev.Version > s.Version {
		return fmt.Errorf("script %s: version %d is older than registered %d",
			s.ID, s.Version, prev.Version)
	}
	r.scripts[s.ID] = s
	return nil
}

// Get returns a script by ID.
func (r *Registry) Get(id string) (*Script, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.scripts[id]
	return s, ok
}

// List returns all registered scripts sorted by ID.
func (r *Registry) List() []*Script {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Script, 0, len(r.scripts))
	for _, s := range r.scripts {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of registered scripts.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.scripts)
}

// LoadFile reads and registers one YAML script file.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read script: %w", err)
	}
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("parse script %s: %w", filepath.Base(path), err)
	}
	if err := r.Register(&s); err != nil {
		return fmt.Errorf("register script %s: %w", filepath.Base(path), err)
	}
	return nil
}

// LoadDir registers every *.yaml / *.yml file in dir. Files that fail to
// parse are reported together; valid files still register.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read workflow dir: %w", err)
	}
	var failures []string
	for _, entry := range entries {
		if entry.IsDir() || !isScriptFile(entry.Name()) {
			continue
		}
		if err := r.LoadFile(filepath.Join(dir, entry.Name())); err != nil {
			failures = append(failures, err.Error())
		}
	}
	if len(failures) > 0 {
		return fmt.Errorf("workflow dir %s: %s", dir, strings.Join(failures, "; "))
	}
	return nil
}

// Watch reloads script files in dir as they change. Call Stop to end the
// watch.
func (r *Registry) Watch(dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("workflow watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	r.mu.Lock()
	r.watcher = watcher
	r.mu.Unlock()

	go r.watchLoop(watcher)
	return nil
}

func (r *Registry) watchLoop(watcher *fsnotify.Watcher) {
	for {
		select {
		case <-r.stopChan:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if !isScriptFile(filepath.Base(event.Name)) {
				continue
			}
			err := r.LoadFile(event.Name)
			if r.OnReload != nil {
				r.OnReload(filepath.Base(event.Name), err)
			}
		case _, ok := <-watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// Stop ends the directory watch. Idempotent.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopChan)
		r.mu.Lock()
		if r.watcher != nil {
			r.watcher.Close()
			r.watcher = nil
		}
		r.mu.Unlock()
	})
}

func isScriptFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
