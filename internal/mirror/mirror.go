package mirror

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/modbridge/overlayd/internal/mountsys"
	"github.com/modbridge/overlayd/internal/pathutil"
)

// Mirror recursively copies the structure and metadata of the live entry
// named name under path into the work tmpfs under work, substituting file
// content via bind mounts:
//
//   - Regular file: create an empty file with the source's mode, bind-mount
//     the source over it.
//   - Directory: mkdir with source mode, copy mode/owner/SELinux context,
//     recurse.
//   - Symlink: clone via CloneSymlink.
//   - Anything else: silently skipped.
//
// A failed lstat at the top of a call is treated as a race with a
// concurrent change on the live filesystem — a warning, not an error — and
// Mirror returns nil so the caller's enumeration loop continues.
func Mirror(mounter mountsys.Mounter, path, work, name string) error {
	src := filepath.Join(path, name)
	dst := filepath.Join(work, name)

	fi, err := os.Lstat(src)
	if err != nil {
		slog.Warn("live entry vanished before mirroring, skipping", "path", src, "error", err)
		return nil
	}

	switch {
	case fi.Mode().IsRegular():
		return mirrorRegular(mounter, src, dst, fi.Mode())
	case fi.IsDir():
		return mirrorDir(mounter, src, dst, fi.Mode())
	case fi.Mode()&os.ModeSymlink != 0:
		return CloneSymlink(src, dst)
	default:
		return nil
	}
}

func mirrorRegular(mounter mountsys.Mounter, src, dst string, mode os.FileMode) error {
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY, mode.Perm())
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	f.Close()

	if err := mounter.BindMount(src, dst); err != nil {
		return err
	}
	return nil
}

func mirrorDir(mounter mountsys.Mounter, src, dst string, mode os.FileMode) error {
	if err := os.Mkdir(dst, mode.Perm()); err != nil && !os.IsExist(err) {
		return fmt.Errorf("mkdir %s: %w", dst, err)
	}

	if err := copyDirMeta(src, dst); err != nil {
		return err
	}

	entries, err := os.ReadDir(src)
	if err != nil {
		return fmt.Errorf("opendir %s: %w", src, err)
	}

	for _, entry := range entries {
		if err := Mirror(mounter, src, dst, entry.Name()); err != nil {
			return err
		}
	}
	return nil
}

// copyDirMeta copies mode, owner, and SELinux context from src onto dst,
// the metadata fields a synthesized directory must preserve. The executor
// applies the same copy when a directory node itself becomes tmpfs.
func copyDirMeta(src, dst string) error {
	fi, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("stat %s: %w", src, err)
	}

	if err := os.Chmod(dst, fi.Mode().Perm()); err != nil {
		return fmt.Errorf("chmod %s: %w", dst, err)
	}
	pathutil.ChownLikeStat(dst, fi)

	if label, err := pathutil.GetSELinuxLabel(src); err == nil && label != "" {
		_ = pathutil.SetSELinuxLabel(dst, label)
	}
	return nil
}
