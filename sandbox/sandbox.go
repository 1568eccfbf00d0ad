package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrEscapesRoot is returned for any path that would lexically resolve
// outside the sandbox root. It is raised before any filesystem syscall.
var ErrEscapesRoot = errors.New("sandbox violation: path escapes sandbox root")

// ErrSymlinkDenied is returned when a non-privileged handle attempts to
// create a symlink whose target lies outside the sandbox root.
var ErrSymlinkDenied = errors.New("sandbox violation: symlink target outside sandbox root")

// PathError wraps a containment failure with the offending path.
type PathError struct {
	Path string
	Err  error
}

func (e *PathError) Error() string {
	return fmt.Sprintf("sandbox: %q: %v", e.Path, e.Err)
}

func (e *PathError) Unwrap() error { return e.Err }

// FS is a filesystem handle rooted at a single directory.
type FS struct {
	root       string
	privileged bool
}

// Option configures an FS handle.
type Option func(*FS)

// WithPrivilegedLinks allows CreateSymlink targets outside the root.
// Only the kernel holds privileged handles; handles granted to agents
// must not use this option.
func WithPrivilegedLinks() Option {
	return func(fs *FS) {
		fs.privileged = true
	}
}

// New creates (if needed) the root directory and returns a handle
// confined to it.
func New(root string, opts ...Option) (*FS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, err
	}
	fs := &FS{root: abs}
	for _, opt := range opts {
		opt(fs)
	}
	return fs, nil
}

// Root returns the sandbox root directory.
func (fs *FS) Root() string {
	return fs.root
}

// resolve maps a sandbox-relative (or absolute) path to a host path,
// enforcing lexical containment before any symlink resolution. Absolute
// paths are accepted only when they already lie inside the root.
func (fs *FS) resolve(path string) (string, error) {
	candidate := path
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(fs.root, candidate)
	}
	candidate = filepath.Clean(candidate)

	rel, err := filepath.Rel(fs.root, candidate)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &PathError{Path: path, Err: ErrEscapesRoot}
	}
	return candidate, nil
}

// Open opens a contained file for reading.
func (fs *FS) Open(path string) (*os.File, error) {
	p, err := fs.resolve(path)
	if err != nil {
		return nil, err
	}
	return os.Open(p)
}

// ReadText returns the contents of a contained file.
func (fs *FS) ReadText(path string) (string, error) {
	p, err := fs.resolve(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// WriteText writes a contained file, creating parent directories as
// needed.
func (fs *FS) WriteText(path, content string) error {
	p, err := fs.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p, []byte(content), 0o644)
}

// Exists reports whether a contained path exists.
func (fs *FS) Exists(path string) (bool, error) {
	p, err := fs.resolve(path)
	if err != nil {
		return false, err
	}
	if _, err := os.Lstat(p); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ListDir returns the entry names of a contained directory.
func (fs *FS) ListDir(path string) ([]string, error) {
	p, err := fs.resolve(path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(p)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	return names, nil
}

// Mkdir creates a contained directory and any missing parents.
func (fs *FS) Mkdir(path string) error {
	p, err := fs.resolve(path)
	if err != nil {
		return err
	}
	return os.MkdirAll(p, 0o755)
}

// Remove deletes a contained file or symlink.
func (fs *FS) Remove(path string) error {
	p, err := fs.resolve(path)
	if err != nil {
		return err
	}
	return os.Remove(p)
}

// RemoveDir deletes a contained directory. Non-recursive by default: a
// non-empty directory is an error unless recursive is set.
func (fs *FS) RemoveDir(path string, recursive bool) error {
	p, err := fs.resolve(path)
	if err != nil {
		return err
	}
	if p == fs.root {
		return &PathError{Path: path, Err: ErrEscapesRoot}
	}
	if recursive {
		return os.RemoveAll(p)
	}
	return os.Remove(p)
}

// CreateSymlink creates a symlink at newname pointing to oldname. The
// link location must be contained; a target outside the root requires a
// privileged handle.
func (fs *FS) CreateSymlink(oldname, newname string) error {
	link, err := fs.resolve(newname)
	if err != nil {
		return err
	}

	target := oldname
	if !filepath.IsAbs(target) {
		target = filepath.Join(filepath.Dir(link), target)
	}
	target = filepath.Clean(target)
	rel, err := filepath.Rel(fs.root, target)
	outside := err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator))
	if outside && !fs.privileged {
		return &PathError{Path: oldname, Err: ErrSymlinkDenied}
	}

	if err := os.MkdirAll(filepath.Dir(link), 0o755); err != nil {
		return err
	}
	return os.Symlink(oldname, link)
}
