package plugin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/JakeFAU/scraper-runtime/internal/scraper"
)

// DefaultDebounce coalesces the burst of events an editor save produces.
const DefaultDebounce = 250 * time.Millisecond

// LoadDir registers every manifest in dir and its direct subdirectories. A
// bad manifest is logged and skipped; the joined error reports all of them.
func (h *Host) LoadDir(ctx context.Context, dir string) ([]scraper.Plugin, error) {
	paths, err := manifestPaths(dir)
	if err != nil {
		return nil, err
	}
	var (
		loaded []scraper.Plugin
		errs   []error
	)
	for _, path := range paths {
		p, err := h.LoadFile(ctx, path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		loaded = append(loaded, p)
	}
	return loaded, errors.Join(errs...)
}

// LoadFile reads and registers one manifest. A manifest that changed its
// id retires the plugin it used to define.
func (h *Host) LoadFile(ctx context.Context, path string) (scraper.Plugin, error) {
	path = filepath.Clean(path)
	m, err := ReadManifest(path)
	if err == nil {
		var p scraper.Plugin
		if p, err = h.Register(ctx, m); err == nil {
			for _, id := range h.idsFrom(path) {
				if id != p.ID {
					h.Unregister(id)
				}
			}
			return p, nil
		}
	}
	h.logger.Error("plugin load failed", zap.String("path", path), zap.Error(err))
	return scraper.Plugin{}, err
}

// Watch reloads plugins as files under dir change until ctx is done. A
// changed manifest re-registers its plugin, a changed entrypoint reloads
// every plugin that uses it, and a removed manifest unregisters its plugin.
// debounce <= 0 uses DefaultDebounce.
func (h *Host) Watch(ctx context.Context, dir string, debounce time.Duration) error {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	dirs, err := watchDirs(dir)
	if err != nil {
		return err
	}
	for _, d := range dirs {
		if err := watcher.Add(d); err != nil {
			return fmt.Errorf("watch %s: %w", d, err)
		}
	}

	pending := make(map[string]time.Time)
	timer := time.NewTimer(debounce)
	timer.Stop()
	armed := false

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op == fsnotify.Chmod {
				continue
			}
			pending[filepath.Clean(ev.Name)] = time.Now()
			if !armed {
				timer.Reset(debounce)
				armed = true
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			h.logger.Warn("plugin watcher error", zap.Error(err))
		case <-timer.C:
			armed = false
			now := time.Now()
			var wait time.Duration
			for path, at := range pending {
				if age := now.Sub(at); age < debounce {
					wait = max(wait, debounce-age)
					continue
				}
				delete(pending, path)
				h.applyChange(ctx, watcher, dir, path)
			}
			if len(pending) > 0 {
				timer.Reset(max(wait, time.Millisecond))
				armed = true
			}
		}
	}
}

func (h *Host) applyChange(ctx context.Context, watcher *fsnotify.Watcher, root, path string) {
	info, statErr := os.Stat(path)
	exists := statErr == nil

	switch {
	case exists && info.IsDir():
		// Only one level of plugin directories is scanned.
		if filepath.Dir(path) != filepath.Clean(root) {
			return
		}
		if err := watcher.Add(path); err != nil {
			h.logger.Warn("watch plugin dir", zap.String("path", path), zap.Error(err))
			return
		}
		manifests, _ := filepath.Glob(filepath.Join(path, "*"))
		for _, m := range manifests {
			if IsManifestFile(m) {
				_, _ = h.LoadFile(ctx, m)
			}
		}
	case IsManifestFile(path):
		if exists {
			_, _ = h.LoadFile(ctx, path)
			return
		}
		for _, id := range h.idsFrom(path) {
			h.Unregister(id)
		}
	default:
		if !exists {
			// Keep serving the loaded code until the manifest changes.
			return
		}
		for _, manifest := range h.manifestsUsing(path) {
			_, _ = h.LoadFile(ctx, manifest)
		}
	}
}

// idsFrom lists plugins registered from the manifest at path.
func (h *Host) idsFrom(path string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var ids []string
	for id, e := range h.plugins {
		if e.manifest.Path != "" && filepath.Clean(e.manifest.Path) == path {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// manifestsUsing lists the manifests whose entrypoint is path.
func (h *Host) manifestsUsing(path string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []string
	for _, e := range h.plugins {
		entry := e.manifest.EntrypointPath()
		if entry != "" && e.manifest.Path != "" && filepath.Clean(entry) == path {
			out = append(out, e.manifest.Path)
		}
	}
	sort.Strings(out)
	return out
}

func manifestPaths(dir string) ([]string, error) {
	dirs, err := watchDirs(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, d := range dirs {
		entries, err := os.ReadDir(d)
		if err != nil {
			return nil, fmt.Errorf("read plugin dir %s: %w", d, err)
		}
		for _, e := range entries {
			if !e.IsDir() && IsManifestFile(e.Name()) {
				out = append(out, filepath.Join(d, e.Name()))
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

// watchDirs returns dir and its direct subdirectories.
func watchDirs(dir string) ([]string, error) {
	dir = filepath.Clean(dir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read plugin dir %s: %w", dir, err)
	}
	dirs := []string{dir}
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, filepath.Join(dir, e.Name()))
		}
	}
	return dirs, nil
}
