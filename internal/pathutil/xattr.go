package pathutil

import (
	"bytes"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// replaceDirXattr is the overlay-opaque marker a module-provided directory
// carries to mean "discard the live directory's contents for this path".
const replaceDirXattr = "trusted.overlay.opaque"

// ReplaceMarkerFile is the filename form of the same marker, checked when
// the xattr is absent or unsupported by the module's storage.
const ReplaceMarkerFile = ".replace"

// IsReplaceDir reports whether the directory at path is marked as an
// overlay-opaque ("replace") directory: either the trusted.overlay.opaque
// xattr is present with value "y", or a file named .replace exists inside
// it.
func IsReplaceDir(path string) bool {
	buf := make([]byte, 8)
	n, err := unix.Lgetxattr(path, replaceDirXattr, buf)
	if err == nil && string(bytes.TrimRight(buf[:n], "\x00")) == "y" {
		return true
	}

	_, statErr := os.Stat(filepath.Join(path, ReplaceMarkerFile))
	return statErr == nil
}
