// ============================================================================
// Mesh-Dispatch Worker Capability Registry
// ============================================================================
//
// Package: internal/registry
// File: registry.go
// Purpose: Discover worker executables on disk and index them by MeshIOType.
//
// How it works:
//   1. The broker registers an ordered set of search directories
//      (see DefaultSearchLocations) before it launches.
//   2. Discover() walks each directory once (not recursively) looking for
//      worker descriptor files (*.rw), parses the MeshIOType each declares
//      and resolves the executable next to it.
//   3. The result is frozen into a Catalog which the broker consults, never
//      mutates, while dispatching.
//
// Missing directories are skipped silently so partial installs and dev
// builds work. Finding zero workers is not an error: the catalog is empty
// and every requirements query returns an empty set.
//
// ============================================================================

package registry

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

var log = slog.Default()

// DescriptorExt worker 描述檔副檔名
const DescriptorExt = ".rw"

// Registry holds the set of directories scanned for workers.
type Registry struct {
	mu   sync.Mutex
	dirs []string
	seen map[string]struct{}
}

// New creates a registry seeded with dirs (duplicates are dropped).
func New(dirs ...string) *Registry {
	r := &Registry{seen: make(map[string]struct{})}
	for _, d := range dirs {
		r.RegisterSearchDirectory(d)
	}
	return r
}

// RegisterSearchDirectory adds path to the scan list. It reports false when
// the directory was already registered.
func (r *Registry) RegisterSearchDirectory(path string) bool {
	if strings.TrimSpace(path) == "" {
		return false
	}
	clean := filepath.Clean(path)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seen[clean]; ok {
		return false
	}
	r.seen[clean] = struct{}{}
	r.dirs = append(r.dirs, clean)
	return true
}

// SearchDirectories returns the registered directories in registration order.
func (r *Registry) SearchDirectories() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.dirs))
	copy(out, r.dirs)
	return out
}

// Discover scans every registered directory and returns the workers found.
// Directories that do not exist are skipped.
func (r *Registry) Discover() []WorkerDescriptor {
	found := make(map[string]WorkerDescriptor)

	for _, dir := range r.SearchDirectories() {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				log.Warn("Skipping unreadable worker directory", "dir", dir, "error", err)
			}
			continue
		}

		for _, entry := range entries {
			if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), DescriptorExt) {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			key := canonicalPath(path)
			if _, dup := found[key]; dup {
				continue
			}

			desc, err := LoadDescriptor(path)
			if err != nil {
				log.Warn("Ignoring worker descriptor", "path", path, "error", err)
				continue
			}
			found[key] = desc
		}
	}

	out := make([]WorkerDescriptor, 0, len(found))
	for _, d := range found {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].DescriptorPath < out[j].DescriptorPath
	})

	log.Info("Worker discovery completed",
		"directories", len(r.SearchDirectories()),
		"workers", len(out))
	return out
}

// Scan is Discover followed by NewCatalog.
func (r *Registry) Scan() *Catalog {
	return NewCatalog(r.Discover())
}

// canonicalPath 讓經由不同相對路徑到達的同一檔案只被計算一次
func canonicalPath(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return filepath.Clean(p)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return abs
}
