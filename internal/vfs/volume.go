package vfs

import (
	"os"
	"path/filepath"
	"strings"
)

// ErrEscape is returned when a guest path would resolve outside its
// mounted root.
var ErrEscape = os.ErrPermission

// HostVolumeProvider roots guest I/O at a host directory. Writes are
// rejected with ErrReadOnly when readOnly is set; otherwise they pass
// through to the real host path.
type HostVolumeProvider struct {
	hostRoot string
	readOnly bool
}

func NewHostVolumeProvider(hostRoot string, readOnly bool) *HostVolumeProvider {
	return &HostVolumeProvider{hostRoot: filepath.Clean(hostRoot), readOnly: readOnly}
}

func (p *HostVolumeProvider) Readonly() bool { return p.readOnly }

// resolve maps a guest-relative path onto the host filesystem, rejecting
// any traversal that would climb above hostRoot.
func (p *HostVolumeProvider) resolve(guestPath string) (string, error) {
	full := filepath.Join(p.hostRoot, guestPath)
	if full != p.hostRoot && !strings.HasPrefix(full, p.hostRoot+string(filepath.Separator)) {
		return "", ErrEscape
	}
	return full, nil
}

func (p *HostVolumeProvider) Stat(path string) (FileInfo, error) {
	full, err := p.resolve(path)
	if err != nil {
		return FileInfo{}, err
	}
	info, err := os.Stat(full)
	if err != nil {
		return FileInfo{}, err
	}
	return FileInfo{Name: info.Name(), Size: info.Size(), Mode: info.Mode(), ModTime: info.ModTime(), IsDir: info.IsDir()}, nil
}

func (p *HostVolumeProvider) ReadDir(path string) ([]DirEntry, error) {
	full, err := p.resolve(path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		return nil, err
	}
	out := make([]DirEntry, 0, len(entries))
	for _, e := range entries {
		info, ierr := e.Info()
		if ierr != nil {
			continue
		}
		out = append(out, DirEntry{
			Name:  e.Name(),
			IsDir: e.IsDir(),
			Info:  FileInfo{Name: e.Name(), Size: info.Size(), Mode: info.Mode(), ModTime: info.ModTime(), IsDir: e.IsDir()},
		})
	}
	return out, nil
}

func (p *HostVolumeProvider) Open(path string, flags int, mode os.FileMode) (Handle, error) {
	full, err := p.resolve(path)
	if err != nil {
		return nil, err
	}
	if p.readOnly && flags&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_TRUNC|os.O_APPEND) != 0 {
		return nil, ErrReadOnly
	}
	f, err := os.OpenFile(full, flags, mode)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (p *HostVolumeProvider) Mkdir(path string, mode os.FileMode) error {
	if p.readOnly {
		return ErrReadOnly
	}
	full, err := p.resolve(path)
	if err != nil {
		return err
	}
	return os.MkdirAll(full, mode)
}

func (p *HostVolumeProvider) Remove(path string) error {
	if p.readOnly {
		return ErrReadOnly
	}
	full, err := p.resolve(path)
	if err != nil {
		return err
	}
	return os.Remove(full)
}

func (p *HostVolumeProvider) Rename(oldPath, newPath string) error {
	if p.readOnly {
		return ErrReadOnly
	}
	oldFull, err := p.resolve(oldPath)
	if err != nil {
		return err
	}
	newFull, err := p.resolve(newPath)
	if err != nil {
		return err
	}
	return os.Rename(oldFull, newFull)
}
