// Package notify implements the kernel-module notification channel: after
// each bind-mount onto a live path and after each directory graft, the
// engine tells the host kernel module to add that mountpoint to its
// try-unmount list, so the module stays aware of every mount it must be
// able to tear down later. The protocol is isolated behind a small
// capability interface for the same reason internal/mountsys isolates the
// mount syscalls: so the executor's decision logic is testable without a
// running kernel module.
package notify

import "strings"

// scaffoldMarker identifies a target path as living inside the scaffold
// tmpfs rather than the live namespace. Notifications are suppressed for
// any target containing it.
const scaffoldMarker = ".magic_mount/workdir/"

// Notifier is the capability the orchestrator acquires once and the
// executor calls repeatedly.
type Notifier interface {
	// Acquire obtains the notification handle. Acquiring is idempotent and
	// never fails outright: a handle of zero silently disables
	// notification, matching the original's "a zero handle disables
	// notification silently" contract.
	Acquire() error
	// Notify tells the kernel module to add mountpoint to its
	// try-unmount list. A no-op if Acquire produced a zero handle, or if
	// mountpoint is inside the scaffold tmpfs.
	Notify(mountpoint string)
}

// IsLivePath reports whether target is a live namespace path rather than a
// scaffold work path, per the same substring convention the original
// uses to gate notification.
func IsLivePath(target string) bool {
	return !strings.Contains(target, scaffoldMarker)
}
