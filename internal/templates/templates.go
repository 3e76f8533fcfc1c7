// Package templates seeds the template library from a directory of Compose
// manifests and keeps it in sync while the controller runs.
package templates

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/labuh/labuh/internal/compose"
	"github.com/labuh/labuh/internal/models"
)

// header is the optional metadata comment block templates may carry as a
// top-level x-labuh extension.
type header struct {
	XLabuh struct {
		Description string `yaml:"description"`
	} `yaml:"x-labuh"`
}

func isManifest(name string) bool {
	return strings.HasSuffix(name, ".yml") || strings.HasSuffix(name, ".yaml")
}

func templateName(filename string) string {
	name := filepath.Base(filename)
	name = strings.TrimSuffix(name, filepath.Ext(name))
	return name
}

// Seed loads every manifest in dir into the store, one detached task per
// file. A template that fails to parse is skipped with a warning so one bad
// file cannot block the library.
func Seed(dir string, store *models.TemplateStore) {
	if dir == "" {
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		slog.Warn("template seed: read dir", "dir", dir, "err", err)
		return
	}

	var wg sync.WaitGroup
	for _, entry := range entries {
		if entry.IsDir() || !isManifest(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		wg.Add(1)
		go func() {
			defer wg.Done()
			seedFile(path, store)
		}()
	}
	wg.Wait()
	slog.Info("template library seeded", "dir", dir)
}

func seedFile(path string, store *models.TemplateStore) {
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("template seed: read file", "path", path, "err", err)
		return
	}
	if _, err := compose.Parse(string(data)); err != nil {
		slog.Warn("template seed: manifest rejected", "path", path, "err", err)
		return
	}

	var meta header
	_ = yaml.Unmarshal(data, &meta)

	t := &models.Template{
		Name:        templateName(path),
		Description: meta.XLabuh.Description,
		Compose:     string(data),
	}
	if err := store.Upsert(t); err != nil {
		slog.Warn("template seed: store", "name", t.Name, "err", err)
		return
	}
	slog.Debug("template seeded", "name", t.Name)
}

// Watch re-seeds templates as files change under dir. Events for the same
// file within 200ms are coalesced.
func Watch(ctx context.Context, dir string, store *models.TemplateStore) error {
	if dir == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	go run(ctx, watcher, store)

	slog.Info("template watcher started", "dir", dir)
	return nil
}

func run(ctx context.Context, watcher *fsnotify.Watcher, store *models.TemplateStore) {
	defer watcher.Close()

	var debounceMu sync.Mutex
	pending := make(map[string]*time.Timer)

	trigger := func(path string) {
		debounceMu.Lock()
		defer debounceMu.Unlock()

		if timer, ok := pending[path]; ok {
			timer.Stop()
		}
		pending[path] = time.AfterFunc(200*time.Millisecond, func() {
			debounceMu.Lock()
			delete(pending, path)
			debounceMu.Unlock()

			if _, err := os.Stat(path); err != nil {
				if derr := store.Delete(templateName(path)); derr != nil {
					slog.Warn("template watcher: delete", "path", path, "err", derr)
				} else {
					slog.Debug("template removed", "name", templateName(path))
				}
				return
			}
			seedFile(path, store)
		})
	}

	for {
		select {
		case <-ctx.Done():
			debounceMu.Lock()
			for _, t := range pending {
				t.Stop()
			}
			debounceMu.Unlock()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !isManifest(filepath.Base(event.Name)) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				trigger(event.Name)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("template watcher error", "err", err)
		}
	}
}
