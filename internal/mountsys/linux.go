//go:build linux

package mountsys

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Linux is the production Mounter, issuing the real mount(2)/umount2(2)
// syscalls via golang.org/x/sys/unix.
type Linux struct{}

// New returns the production Mounter for the current platform.
func New() Mounter { return Linux{} }

func (Linux) BindMount(source, target string) error {
	if err := unix.Mount(source, target, "", unix.MS_BIND, ""); err != nil {
		return fmt.Errorf("bind %s -> %s: %w", source, target, err)
	}
	return nil
}

func (Linux) RemountReadOnly(target string) error {
	// Best-effort, like the original: a failed remount does not abort the
	// mount that already succeeded.
	_ = unix.Mount("", target, "", unix.MS_REMOUNT|unix.MS_BIND|unix.MS_RDONLY, "")
	return nil
}

func (Linux) BindSelf(path string) error {
	if err := unix.Mount(path, path, "", unix.MS_BIND, ""); err != nil {
		return fmt.Errorf("bind self %s: %w", path, err)
	}
	return nil
}

func (Linux) MountTmpfs(sourceLabel, target string) error {
	if err := unix.Mount(sourceLabel, target, "tmpfs", 0, ""); err != nil {
		return fmt.Errorf("mount tmpfs %s: %w", target, err)
	}
	return nil
}

func (Linux) Move(source, target string) error {
	if err := unix.Mount(source, target, "", unix.MS_MOVE, ""); err != nil {
		return fmt.Errorf("move %s -> %s: %w", source, target, err)
	}
	return nil
}

func (Linux) MakePrivate(target string) error {
	_ = unix.Mount("", target, "", unix.MS_REC|unix.MS_PRIVATE, "")
	return nil
}

func (Linux) LazyUnmount(target string) error {
	if err := unix.Unmount(target, unix.MNT_DETACH); err != nil {
		return fmt.Errorf("umount %s: %w", target, err)
	}
	return nil
}
