package registry

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
)

var (
	// ErrNotFound means no live resource exists for the id, or the path
	// given at creation does not exist.
	ErrNotFound = errors.New("resource not found")
	// ErrExpired means the resource's deadline passed; it has been removed.
	ErrExpired = errors.New("resource expired")
	// ErrPackaging wraps failures turning a directory into an archive.
	ErrPackaging = errors.New("failed to package directory")
	// ErrInvalidPolicy rejects a download count or lifetime that cannot
	// produce a consumable resource.
	ErrInvalidPolicy = errors.New("invalid share policy")
	// ErrIDSpaceExhausted is returned when every drawn id collided with a
	// live entry.
	ErrIDSpaceExhausted = errors.New("failed to allocate a unique id")
)

// PathKind classifies why a location cannot be served.
type PathKind int

const (
	PathMissing PathKind = iota
	PathPermission
	PathOther
)

func (k PathKind) String() string {
	switch k {
	case PathMissing:
		return "missing"
	case PathPermission:
		return "permission denied"
	default:
		return "unreadable"
	}
}

// PathError reports a location that no longer exists or cannot be read.
type PathError struct {
	Kind PathKind
	Path string
	Err  error
}

func (e *PathError) Error() string {
	return fmt.Sprintf("path %s (%s): %v", e.Path, e.Kind, e.Err)
}

func (e *PathError) Unwrap() error { return e.Err }

var errNotShareable = errors.New("not a regular file or directory")

func classify(path string, err error) *PathError {
	kind := PathOther
	switch {
	case errors.Is(err, fs.ErrNotExist):
		kind = PathMissing
	case errors.Is(err, fs.ErrPermission):
		kind = PathPermission
	}
	return &PathError{Kind: kind, Path: path, Err: err}
}

// checkPath verifies that path exists and, for regular files, that it can
// be opened for reading. Directories are accepted as they are; anything
// else (devices, sockets, fifos) is refused.
func checkPath(path string) (fs.FileInfo, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, classify(path, err)
	}
	if info.IsDir() {
		return info, nil
	}
	if !info.Mode().IsRegular() {
		return nil, &PathError{Kind: PathOther, Path: path, Err: errNotShareable}
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, classify(path, err)
	}
	f.Close()
	return info, nil
}
