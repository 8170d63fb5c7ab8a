package pathutil

import (
	"bytes"

	"github.com/opencontainers/selinux/go-selinux"
	"golang.org/x/sys/unix"
)

// selinuxXattr is the xattr SELinux file contexts live under. Both
// directories and symlinks may carry their own context, so every call here
// operates on the link itself (never following a trailing symlink),
// matching the original's get_selinux/set_selinux pair.
const selinuxXattr = "security.selinux"

// GetSELinuxLabel reads path's SELinux context, or ("", nil) if the
// platform has SELinux disabled or the attribute is simply absent — both
// are "no context to propagate", not errors, mirroring the original's
// tolerant get_selinux() which only ever gates calling set_selinux() on a
// non-empty result.
func GetSELinuxLabel(path string) (string, error) {
	if !selinux.GetEnabled() {
		return "", nil
	}

	buf := make([]byte, 256)
	n, err := unix.Lgetxattr(path, selinuxXattr, buf)
	if err != nil {
		if err == unix.ENODATA || err == unix.ENOTSUP || err == unix.ERANGE {
			return "", nil
		}
		return "", err
	}
	// Contexts are stored NUL-terminated on disk.
	return string(bytes.TrimRight(buf[:n], "\x00")), nil
}

// SetSELinuxLabel writes label as path's SELinux context. A blank label is
// a no-op, matching the caller convention in mirror/clone/do_magic: only
// call this once GetSELinuxLabel returned a non-empty context.
func SetSELinuxLabel(path, label string) error {
	if label == "" || !selinux.GetEnabled() {
		return nil
	}
	return unix.Lsetxattr(path, selinuxXattr, []byte(label), 0)
}
