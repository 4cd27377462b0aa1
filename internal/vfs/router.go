package vfs

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Router dispatches a guest path to the longest-prefix-matching mounted
// provider, falling back to a base in-memory root. There is no
// synthetic-directory merge; mounts are always explicit, caller-declared
// paths.
type Router struct {
	root   *MemoryProvider
	mounts []mountEntry
}

type mountEntry struct {
	path     string
	provider Provider
}

func NewRouter(root *MemoryProvider) *Router {
	return &Router{root: root}
}

// Mount adds a volume at guestPath. Mount order does not matter; lookups
// always pick the longest matching prefix.
func (r *Router) Mount(guestPath string, p Provider) {
	r.mounts = append(r.mounts, mountEntry{path: filepath.Clean(guestPath), provider: p})
	sort.Slice(r.mounts, func(i, j int) bool {
		return len(r.mounts[i].path) > len(r.mounts[j].path)
	})
}

// resolve returns the provider that owns path and the path relative to
// that provider's root (or the full path, for the base root).
func (r *Router) resolve(path string) (Provider, string) {
	path = norm(path)
	for _, m := range r.mounts {
		if path == m.path {
			return m.provider, "/"
		}
		if strings.HasPrefix(path, m.path+"/") {
			return m.provider, strings.TrimPrefix(path, m.path)
		}
	}
	return r.root, path
}

func (r *Router) Stat(path string) (FileInfo, error) {
	p, rel := r.resolve(path)
	return p.Stat(rel)
}

func (r *Router) ReadDir(path string) ([]DirEntry, error) {
	p, rel := r.resolve(path)
	return p.ReadDir(rel)
}

func (r *Router) Open(path string, flags int, mode os.FileMode) (Handle, error) {
	p, rel := r.resolve(path)
	return p.Open(rel, flags, mode)
}

func (r *Router) Mkdir(path string, mode os.FileMode) error {
	p, rel := r.resolve(path)
	return p.Mkdir(rel, mode)
}

func (r *Router) Remove(path string) error {
	p, rel := r.resolve(path)
	return p.Remove(rel)
}

func (r *Router) Rename(oldPath, newPath string) error {
	po, relOld := r.resolve(oldPath)
	pn, relNew := r.resolve(newPath)
	if po != pn {
		return os.ErrInvalid
	}
	return po.Rename(relOld, relNew)
}
