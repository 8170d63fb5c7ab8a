//go:build linux

package notify

import (
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Two sentinel cookies a patched reboot(2) syscall in the host kernel
// module recognizes as "hand back a file descriptor instead of rebooting".
// Reproduced bit-exact from the original.
const (
	installMagic1 = 0xDEADBEEF
	installMagic2 = 0xCAFEBABE
)

// addTryUmountCmd mirrors the fixed-layout ioctl record the kernel module
// expects: a pointer to the mountpoint C string, a flags word, and a mode
// byte (0: wipe list, 1: add to list, 2: delete entry). Field order and
// widths must match exactly since this crosses the ioctl boundary as raw
// bytes.
type addTryUmountCmd struct {
	arg   uint64
	flags uint32
	mode  uint8
	_     [3]byte // pad to the C struct's natural alignment
}

// ioctlAddTryUmount is the ioctl request code: a write-direction request,
// type 'K', number 18, size 0 — i.e. _IOC(_IOC_WRITE, 'K', 18, 0).
const (
	iocWrite     = 1
	iocDirShift  = 30
	iocTypeShift = 8
	iocNrShift   = 0
	iocSizeShift = 16

	ioctlAddTryUmount = uintptr(iocWrite<<iocDirShift) |
		uintptr('K')<<iocTypeShift |
		18<<iocNrShift |
		0<<iocSizeShift
)

// Linux is the production Notifier, talking to the host kernel module via
// the reboot(2)-handle-acquisition + ioctl(2) protocol.
type Linux struct {
	mu     sync.Mutex
	handle uintptr
}

// New returns a fresh, not-yet-acquired production Notifier.
func New() *Linux { return &Linux{} }

// Acquire obtains the notification handle via a patched reboot(2) syscall.
// A failure here is tolerated: the resulting zero handle just disables
// notification for the rest of the run, same as the original.
func (l *Linux) Acquire() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var fd int32
	_, _, errno := unix.Syscall6(unix.SYS_REBOOT, installMagic1, installMagic2, 0, uintptr(unsafe.Pointer(&fd)), 0, 0)
	if errno != 0 {
		l.handle = 0
		return nil
	}
	l.handle = uintptr(fd)
	return nil
}

// Notify tells the kernel module to add mountpoint to its try-unmount
// list. A no-op when the handle is zero or mountpoint lives in the
// scaffold tmpfs.
func (l *Linux) Notify(mountpoint string) {
	l.mu.Lock()
	handle := l.handle
	l.mu.Unlock()

	if handle == 0 || !IsLivePath(mountpoint) {
		return
	}

	cstr, err := unix.BytePtrFromString(mountpoint)
	if err != nil {
		return
	}

	cmd := addTryUmountCmd{
		arg:   uint64(uintptr(unsafe.Pointer(cstr))),
		flags: 0x2,
		mode:  1,
	}

	unix.Syscall(unix.SYS_IOCTL, handle, ioctlAddTryUmount, uintptr(unsafe.Pointer(&cmd)))
}
