// Package mountsys isolates every mount(2)/umount2(2) family call the
// engine issues behind a small capability interface, the same way the
// kernel-notifier protocol is isolated in internal/notify. This is what
// lets the planner in internal/mountexec be exercised in tests without
// root privilege or a real mount namespace.
package mountsys

// Mounter is the capability the mount executor, mirror, and orchestrator
// use for every mount-family syscall. The production implementation
// (linux.go) issues the exact flag combinations the filesystem marker and
// mount syscall discipline call for; tests use the recording fake in
// fake.go.
type Mounter interface {
	// BindMount performs mount(source, target, NULL, MS_BIND, NULL).
	BindMount(source, target string) error
	// RemountReadOnly performs mount(NULL, target, NULL,
	// MS_REMOUNT|MS_BIND|MS_RDONLY, NULL).
	RemountReadOnly(target string) error
	// BindSelf performs mount(path, path, NULL, MS_BIND, NULL), turning
	// path into its own mountpoint so it can later be MS_MOVEd.
	BindSelf(path string) error
	// MountTmpfs performs mount(sourceLabel, target, "tmpfs", 0, "").
	MountTmpfs(sourceLabel, target string) error
	// Move performs mount(source, target, NULL, MS_MOVE, NULL).
	Move(source, target string) error
	// MakePrivate performs mount(NULL, target, NULL, MS_REC|MS_PRIVATE,
	// NULL), issued after MountTmpfs on the scaffold and after each Move
	// graft.
	MakePrivate(target string) error
	// LazyUnmount performs umount2(target, MNT_DETACH).
	LazyUnmount(target string) error
}
