// resolver.go - Maps client-supplied filenames to paths inside the storage root.
package transfer

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// MaxFileNameLength matches the common filesystem limit for a single entry.
const MaxFileNameLength = 255

// stagingPrefix marks in-progress uploads. Names carrying it are never
// resolvable, so a partial upload cannot be downloaded.
const stagingPrefix = ".pending-"

// Resolver confines filenames to a single root directory. Only flat names
// are accepted: no separators, no dot entries.
type Resolver struct {
	root string
}

// NewResolver makes root absolute and creates it if it does not exist.
func NewResolver(root string) (*Resolver, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("storage root is empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &Resolver{root: abs}, nil
}

// Root returns the absolute storage root.
func (r *Resolver) Root() string { return r.root }

// Resolve returns the absolute path for filename, or ErrInvalidName when the
// name could escape the root or collide with staging files.
func (r *Resolver) Resolve(filename string) (string, error) {
	if err := validateName(filename); err != nil {
		return "", err
	}

	p := filepath.Join(r.root, filename)
	// Belt and braces: the joined path must sit directly under root.
	if filepath.Dir(p) != r.root || filepath.Base(p) != filename {
		return "", fmt.Errorf("%w: %q escapes storage root", ErrInvalidName, filename)
	}
	return p, nil
}

// Exists reports whether path names a regular file.
func (r *Resolver) Exists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}

// Length returns the size of the regular file at path.
func (r *Resolver) Length(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("%w: stat: %w", ErrIO, err)
	}
	if !fi.Mode().IsRegular() {
		return 0, ErrNotFound
	}
	return fi.Size(), nil
}

func validateName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case len(name) > MaxFileNameLength:
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidName, MaxFileNameLength)
	case strings.ContainsAny(name, "/\\\x00"):
		return fmt.Errorf("%w: %q contains a path separator or NUL", ErrInvalidName, name)
	case strings.HasPrefix(name, stagingPrefix):
		return fmt.Errorf("%w: %q uses a reserved prefix", ErrInvalidName, name)
	}
	return nil
}
