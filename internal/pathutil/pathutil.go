// Package pathutil provides the path-construction, existence/type-probe,
// and SELinux/xattr primitives the collector and mount executor build on.
// It deliberately mirrors the original implementation's "path utilities"
// layer rather than reaching for a filesystem abstraction library: every
// call here is a thin, single-purpose wrapper over one or two syscalls.
package pathutil

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/modbridge/overlayd/internal/tree"
)

// maxPathLen reproduces the original's PATH_MAX-based "join overflow"
// check; Go strings aren't NUL-bounded, but a path this system will ever
// legitimately construct under /system, /vendor, etc. never approaches it.
const maxPathLen = 4096

// Join concatenates base and name as a single path segment (name must not
// itself contain a slash; the executor only ever joins one node name at a
// time). Returns a *tree.PathError if the result would exceed the
// platform's practical path length.
func Join(base, name string) (string, error) {
	joined := filepath.Join(base, name)
	if len(joined) >= maxPathLen {
		return "", &tree.PathError{Path: joined, Op: "join", Err: fmt.Errorf("path exceeds %d bytes", maxPathLen)}
	}
	return joined, nil
}

// SafeJoin joins root with an untrusted path component — a module
// directory's own name — using SecureJoin so a maliciously crafted
// component cannot escape root via traversal sequences. Module
// contributions are semi-trusted (they come from third-party module
// authors, not the platform), so the collector applies this where it joins
// the modules root with a module directory name; entries inside a module's
// system/ tree are joined with filepath.Join.
func SafeJoin(root, unsafePath string) (string, error) {
	joined, err := securejoin.SecureJoin(root, unsafePath)
	if err != nil {
		return "", &tree.PathError{Path: filepath.Join(root, unsafePath), Op: "safe-join", Err: err}
	}
	return joined, nil
}

// Exists reports whether path exists, following symlinks. Used for marker
// file probes (disable/remove/skip_mount) and the executor's check that a
// live directory exists before enumerating it.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// LstatExists reports whether path exists without following a trailing
// symlink. Used wherever the original calls lstat purely to check presence
// (e.g. "does the live entry at this name exist at all").
func LstatExists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// IsDir reports whether path exists and is a directory, following
// symlinks — used by the promotion rules ("/<name> is a directory").
func IsDir(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}

// IsSymlink reports whether path exists and is itself a symlink (not
// followed) — used by the promotion rules ("/system/<name> is a symlink").
func IsSymlink(path string) bool {
	fi, err := os.Lstat(path)
	return err == nil && fi.Mode()&os.ModeSymlink != 0
}

// MkdirAll recursively creates dir and any missing parents, wrapping a
// failure as a *tree.PathError so it flows through the same taxonomy as
// the rest of the path layer.
func MkdirAll(dir string, perm os.FileMode) error {
	if err := os.MkdirAll(dir, perm); err != nil {
		return &tree.PathError{Path: dir, Op: "mkdir-p", Err: err}
	}
	return nil
}

// LstatKind probes path's on-disk type the way the collector's merge rule
// requires: lstat (never following a trailing symlink), classifying a
// character device with a zero rdev as a Whiteout. Returns an error only
// if the lstat call itself failed.
func LstatKind(path string) (tree.Kind, error) {
	var st syscall.Stat_t
	if err := syscall.Lstat(path, &st); err != nil {
		return 0, &tree.PathError{Path: path, Op: "lstat", Err: err}
	}
	mode := os.FileMode(st.Mode & 0o7777)
	switch st.Mode & syscall.S_IFMT {
	case syscall.S_IFREG:
		mode |= 0
	case syscall.S_IFDIR:
		mode |= os.ModeDir
	case syscall.S_IFLNK:
		mode |= os.ModeSymlink
	case syscall.S_IFCHR:
		mode |= os.ModeCharDevice
	default:
		mode |= os.ModeIrregular
	}
	return tree.KindFromFileMode(mode, uint64(st.Rdev)), nil
}

// ChownLikeStat applies the owner (uid/gid) recorded in fi to path. Best
// effort: a failure here (e.g. not running as root) is tolerated the same
// way the original treats a failed chown on a synthesized directory as
// non-fatal, since the mode and SELinux context are the fields callers
// actually rely on for correctness.
func ChownLikeStat(path string, fi os.FileInfo) {
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return
	}
	_ = os.Lchown(path, int(st.Uid), int(st.Gid))
}

// MetaSource picks the first path in candidates that can be lstat'd,
// returning its FileInfo. Used by the directory handler's "metadata
// source" rule: prefer the live directory's metadata, falling back to
// module_path's.
func MetaSource(candidates ...string) (string, os.FileInfo, error) {
	var lastErr error
	for _, c := range candidates {
		if c == "" {
			continue
		}
		fi, err := os.Lstat(c)
		if err == nil {
			return c, fi, nil
		}
		lastErr = err
	}
	return "", nil, lastErr
}
