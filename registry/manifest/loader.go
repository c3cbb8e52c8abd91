// Package manifest loads service definitions from YAML manifest files and
// syncs them into the service catalog.
package manifest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/c360studio/triage/datastore"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Manifest is the on-disk manifest file format.
type Manifest struct {
	Services []datastore.ServiceDefinition `yaml:"services"`
}

// Sink receives loaded definitions. The datastore services collection
// satisfies this.
type Sink interface {
	Save(ctx context.Context, key string, def *datastore.ServiceDefinition) error
	Keys(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, key string) error
}

// Loader reads service manifests from a directory tree.
type Loader struct {
	dir     string
	pattern string
	stages  map[string]bool
	logger  *slog.Logger
}

// NewLoader creates a Loader for manifest files under dir matching the
// doublestar pattern. Definitions naming a stage outside the pipeline fail
// the load.
func NewLoader(dir, pattern string, stages []string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	stageSet := make(map[string]bool, len(stages))
	for _, stage := range stages {
		stageSet[stage] = true
	}
	return &Loader{dir: dir, pattern: pattern, stages: stageSet, logger: logger}
}

// Load parses every matching manifest file. Duplicate service names across
// files are an error.
func (l *Loader) Load() ([]datastore.ServiceDefinition, error) {
	matches, err := doublestar.FilepathGlob(filepath.Join(l.dir, l.pattern))
	if err != nil {
		return nil, fmt.Errorf("glob manifests: %w", err)
	}

	var defs []datastore.ServiceDefinition
	seen := make(map[string]string) // service name -> file
	for _, path := range matches {
		fileDefs, err := l.loadFile(path)
		if err != nil {
			return nil, err
		}
		for _, def := range fileDefs {
			if prev, dup := seen[def.Name]; dup {
				return nil, fmt.Errorf("service %q defined in both %s and %s", def.Name, prev, path)
			}
			seen[def.Name] = path
			defs = append(defs, def)
		}
	}
	return defs, nil
}

func (l *Loader) loadFile(path string) ([]datastore.ServiceDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}

	for i := range m.Services {
		def := &m.Services[i]
		if def.Name == "" {
			return nil, fmt.Errorf("manifest %s: service %d has no name", path, i)
		}
		if def.Category == "" {
			return nil, fmt.Errorf("manifest %s: service %q has no category", path, def.Name)
		}
		if !l.stages[def.Stage] {
			return nil, fmt.Errorf("manifest %s: service %q stage %q not in pipeline", path, def.Name, def.Stage)
		}
		def.ApplyDefaults()
	}
	return m.Services, nil
}

// Sync loads all manifests and reconciles the sink against them: loaded
// definitions are upserted and catalog entries with no manifest are removed.
func (l *Loader) Sync(ctx context.Context, sink Sink) error {
	defs, err := l.Load()
	if err != nil {
		return err
	}

	loaded := make(map[string]bool, len(defs))
	for i := range defs {
		def := defs[i]
		loaded[def.Name] = true
		if err := sink.Save(ctx, def.Name, &def); err != nil {
			return fmt.Errorf("save service %q: %w", def.Name, err)
		}
	}

	existing, err := sink.Keys(ctx)
	if err != nil {
		return fmt.Errorf("list catalog: %w", err)
	}
	for _, name := range existing {
		if loaded[name] {
			continue
		}
		l.logger.Info("removing service with no manifest", "service", name)
		if err := sink.Delete(ctx, name); err != nil {
			return fmt.Errorf("delete service %q: %w", name, err)
		}
	}

	l.logger.Info("service catalog synced", "services", len(defs))
	return nil
}

// Watch watches the manifest directory and calls onChange after file events
// settle for the debounce interval. It blocks until ctx is done.
func (l *Loader) Watch(ctx context.Context, debounce time.Duration, onChange func(context.Context)) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fsw.Close()

	if err := l.addWatchesRecursive(fsw, l.dir); err != nil {
		return err
	}

	var pendingMu sync.Mutex
	pending := false

	ticker := time.NewTicker(debounce)
	defer ticker.Stop()

	l.logger.Info("watching manifests", "dir", l.dir, "pattern", l.pattern)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := fsw.Add(event.Name); err != nil {
						l.logger.Warn("failed to watch new directory",
							"path", event.Name, "error", err)
					}
				}
			}
			pendingMu.Lock()
			pending = true
			pendingMu.Unlock()

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			l.logger.Error("manifest watcher error", "error", err)

		case <-ticker.C:
			pendingMu.Lock()
			fire := pending
			pending = false
			pendingMu.Unlock()
			if fire {
				onChange(ctx)
			}
		}
	}
}

func (l *Loader) addWatchesRecursive(fsw *fsnotify.Watcher, root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return nil
		}
		if err := fsw.Add(path); err != nil {
			l.logger.Warn("failed to watch directory", "path", path, "error", err)
		}
		return nil
	})
}
