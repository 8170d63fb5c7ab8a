// Package mirror recursively materializes the live filesystem view of a
// directory into the work tmpfs, substituting content via bind mounts
// while preserving structure and metadata — used both to carry forward
// untouched live entries under a directory that has to become tmpfs, and
// to clone symlinks (which can never be bind-mounted in place).
package mirror

import (
	"fmt"
	"os"

	"github.com/modbridge/overlayd/internal/pathutil"
)

// CloneSymlink replicates the symlink at src into dst: reads its target,
// recreates it with symlink(2), and copies the SELinux context. Symlinks
// are never directly mount-substituted on the live tree; they only ever
// appear inside a work tmpfs that will later be moved into place.
func CloneSymlink(src, dst string) error {
	target, err := os.Readlink(src)
	if err != nil {
		return fmt.Errorf("readlink %s: %w", src, err)
	}

	if err := os.Symlink(target, dst); err != nil {
		return fmt.Errorf("symlink %s -> %s: %w", dst, target, err)
	}

	if label, err := pathutil.GetSELinuxLabel(src); err == nil && label != "" {
		_ = pathutil.SetSELinuxLabel(dst, label)
	}

	return nil
}
