package registry

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/Mindburn-Labs/ownables/pkg/artifacts"
)

const manifestGlob = "**/manifest.{yaml,yml,json}"

var manifestNames = []string{"manifest.yaml", "manifest.yml", "manifest.json"}

// ImportDir reads the package in dir, puts its module blob into store and
// returns the descriptor.
func ImportDir(ctx context.Context, dir string, store artifacts.Store) (*Package, error) {
	var data []byte
	var err error
	for _, name := range manifestNames {
		data, err = os.ReadFile(filepath.Join(dir, name))
		if err == nil {
			break
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read manifest: %w", err)
		}
	}
	if data == nil {
		return nil, fmt.Errorf("no manifest in %s", dir)
	}

	m, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", dir, err)
	}

	var moduleHash string
	if m.Module != "" {
		blob, err := os.ReadFile(filepath.Join(dir, m.Module)) //nolint:gosec // module name cannot contain separators
		if err != nil {
			return nil, fmt.Errorf("read module: %w", err)
		}
		if moduleHash, err = store.Put(ctx, blob); err != nil {
			return nil, fmt.Errorf("store module: %w", err)
		}
	}
	return Build(m, moduleHash)
}

// FSRegistry serves the packages found under a directory tree.
type FSRegistry struct {
	*MemoryRegistry
	root     string
	store    artifacts.Store
	logger   *slog.Logger
	debounce time.Duration
}

func NewFSRegistry(root string, store artifacts.Store) *FSRegistry {
	return &FSRegistry{
		MemoryRegistry: NewMemoryRegistry(),
		root:           root,
		store:          store,
		logger:         slog.Default().With("component", "registry", "root", root),
		debounce:       200 * time.Millisecond,
	}
}

// Load rescans the tree and replaces the registered set. Packages that fail
// to import are skipped; their errors are joined into the returned error.
func (r *FSRegistry) Load(ctx context.Context) ([]*Package, error) {
	matches, err := doublestar.Glob(os.DirFS(r.root), manifestGlob)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", r.root, err)
	}
	sort.Strings(matches)

	var (
		pkgs []*Package
		errs []error
		seen = map[string]bool{}
	)
	for _, match := range matches {
		dir := path.Dir(match)
		if seen[dir] {
			continue
		}
		seen[dir] = true

		pkg, err := ImportDir(ctx, filepath.Join(r.root, filepath.FromSlash(dir)), r.store)
		if err != nil {
			r.logger.WarnContext(ctx, "skipping package", "dir", dir, "error", err)
			errs = append(errs, err)
			continue
		}
		pkgs = append(pkgs, pkg)
	}

	r.Replace(pkgs)
	r.logger.InfoContext(ctx, "packages loaded", "count", len(pkgs), "failed", len(errs))
	return pkgs, errors.Join(errs...)
}

// Watch reloads the registry whenever files under the root change, calling
// onChange with the new package set. It blocks until ctx is done.
func (r *FSRegistry) Watch(ctx context.Context, onChange func([]*Package)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	err = filepath.WalkDir(r.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(p)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("watch %s: %w", r.root, err)
	}

	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = watcher.Add(ev.Name)
				}
			}
			if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) {
				continue
			}
			r.logger.DebugContext(ctx, "change detected", "name", ev.Name, "op", ev.Op.String())
			if timer == nil {
				timer = time.NewTimer(r.debounce)
			} else {
				timer.Reset(r.debounce)
			}
			timerC = timer.C

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.ErrorContext(ctx, "fsnotify error", "error", err)

		case <-timerC:
			timerC = nil
			pkgs, err := r.Load(ctx)
			if err != nil {
				r.logger.WarnContext(ctx, "reload had errors", "error", err)
			}
			if onChange != nil {
				onChange(pkgs)
			}
		}
	}
}
