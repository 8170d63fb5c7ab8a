package mountexec

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modbridge/overlayd/internal/mountsys"
	"github.com/modbridge/overlayd/internal/notify"
	"github.com/modbridge/overlayd/internal/tree"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// workRoot builds a scaffold root path that contains the notify package's
// scaffold marker, the same way the orchestrator lays it out, so
// IsLivePath correctly distinguishes work paths from live paths in tests
// run directly against the executor (bypassing the orchestrator).
func workRoot(t *testing.T) string {
	t.Helper()
	root := filepath.Join(t.TempDir(), ".magic_mount", "workdir")
	require.NoError(t, os.MkdirAll(root, 0o755))
	return root
}

func newTestExecutor() (*Executor, *mountsys.Fake, *notify.Fake) {
	m := mountsys.NewFake()
	n := notify.NewFake()
	return New(m, n, discardLogger()), m, n
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
}

// TestSingleFileOverlayBindsDirectly: a regular-file contribution whose
// kind matches the pre-existing live
// file binds straight onto the live path, with no tmpfs touch on /etc.
func TestSingleFileOverlayBindsDirectly(t *testing.T) {
	liveRoot := t.TempDir()
	moduleRoot := t.TempDir()
	writeFile(t, filepath.Join(liveRoot, "etc", "hosts"), "old")
	hostsSrc := filepath.Join(moduleRoot, "hosts")
	writeFile(t, hostsSrc, "127.0.0.1 x")

	etc := tree.NewNode("etc", tree.Directory)
	hosts := tree.NewNode("hosts", tree.Regular)
	hosts.ModulePath = hostsSrc
	hosts.ModuleName = "A"
	etc.AddChild(hosts)

	root := tree.NewNode("", tree.Directory)
	root.AddChild(etc)

	exec, m, _ := newTestExecutor()
	ctx := tree.NewContext(nil)
	work := workRoot(t)

	err := exec.DoMagic(ctx, liveRoot, work, root, false)
	require.NoError(t, err)

	var bindCalls, moveCalls, tmpfsCalls int
	for _, c := range m.Calls {
		switch c.Op {
		case "BindMount":
			bindCalls++
			assert.Equal(t, hostsSrc, c.Source)
			assert.Equal(t, filepath.Join(liveRoot, "etc", "hosts"), c.Target)
		case "Move", "MountTmpfs":
			if c.Target == filepath.Join(liveRoot, "etc") {
				tmpfsCalls++
			}
			moveCalls++
		}
	}
	assert.Equal(t, 1, bindCalls)
	assert.Equal(t, 0, tmpfsCalls)
	assert.GreaterOrEqual(t, ctx.Stats.NodesMounted, 1)
}

// TestSymlinkForcesTmpfsOnParent exercises scenario 2: a symlink
// contribution always demands tmpfs, so its parent directory is replaced
// wholesale and every pre-existing sibling is mirrored forward.
func TestSymlinkForcesTmpfsOnParent(t *testing.T) {
	liveRoot := t.TempDir()
	moduleRoot := t.TempDir()
	writeFile(t, filepath.Join(liveRoot, "bin", "ls"), "live-ls")
	fooSrc := filepath.Join(moduleRoot, "foo")
	require.NoError(t, os.Symlink("../xbin/foo", fooSrc))

	bin := tree.NewNode("bin", tree.Directory)
	bin.ModulePath = filepath.Join(moduleRoot) // module A also contributes the bin/ directory itself
	bin.ModuleName = "A"
	foo := tree.NewNode("foo", tree.Symlink)
	foo.ModulePath = fooSrc
	foo.ModuleName = "A"
	bin.AddChild(foo)

	root := tree.NewNode("", tree.Directory)
	root.AddChild(bin)

	exec, m, _ := newTestExecutor()
	ctx := tree.NewContext(nil)
	work := workRoot(t)

	err := exec.DoMagic(ctx, liveRoot, work, root, false)
	require.NoError(t, err)

	liveBin := filepath.Join(liveRoot, "bin")
	workBin := filepath.Join(work, "bin")

	var moved bool
	for _, c := range m.Calls {
		if c.Op == "Move" && c.Source == workBin && c.Target == liveBin {
			moved = true
		}
	}
	assert.True(t, moved, "expected Move(%s, %s)", workBin, liveBin)

	target, err := os.Readlink(filepath.Join(workBin, "foo"))
	require.NoError(t, err)
	assert.Equal(t, "../xbin/foo", target)

	assert.True(t, pathExists(filepath.Join(workBin, "ls")), "pre-existing sibling should be mirrored forward")
}

func pathExists(p string) bool {
	_, err := os.Lstat(p)
	return err == nil
}

// TestWhiteoutHidesLiveEntry exercises scenario 3: a whiteout node demands
// tmpfs on its parent and is never mirrored forward, so the pre-existing
// live file it targets disappears from the synthesized directory.
func TestWhiteoutHidesLiveEntry(t *testing.T) {
	liveRoot := t.TempDir()
	moduleRoot := t.TempDir()
	writeFile(t, filepath.Join(liveRoot, "etc", "badfile"), "still-here")
	writeFile(t, filepath.Join(liveRoot, "etc", "keepme"), "keep")

	etc := tree.NewNode("etc", tree.Directory)
	etc.ModulePath = moduleRoot // module A also contributes the etc/ directory itself
	etc.ModuleName = "A"
	badfile := tree.NewNode("badfile", tree.Whiteout)
	badfile.ModuleName = "A"
	etc.AddChild(badfile)

	root := tree.NewNode("", tree.Directory)
	root.AddChild(etc)

	exec, _, _ := newTestExecutor()
	ctx := tree.NewContext(nil)
	work := workRoot(t)

	err := exec.DoMagic(ctx, liveRoot, work, root, false)
	require.NoError(t, err)

	workEtc := filepath.Join(work, "etc")
	assert.False(t, pathExists(filepath.Join(workEtc, "badfile")))
	assert.True(t, pathExists(filepath.Join(workEtc, "keepme")))
	assert.Equal(t, 1, ctx.Stats.NodesWhiteout)
}

// TestReplaceDirectorySuppressesLiveEnumeration exercises scenario 4: a
// replace-marked directory's synthesized node set is exactly its module
// contents, never mixed with the pre-existing live directory's entries.
func TestReplaceDirectorySuppressesLiveEnumeration(t *testing.T) {
	liveRoot := t.TempDir()
	moduleRoot := t.TempDir()
	writeFile(t, filepath.Join(liveRoot, "app", "MyApp", "y.apk"), "y")
	writeFile(t, filepath.Join(liveRoot, "app", "MyApp", "z.apk"), "z")
	xapk := filepath.Join(moduleRoot, "x.apk")
	writeFile(t, xapk, "x")

	app := tree.NewNode("app", tree.Directory)
	myApp := tree.NewNode("MyApp", tree.Directory)
	myApp.ModulePath = filepath.Join(moduleRoot)
	myApp.ModuleName = "A"
	myApp.Replace = true
	x := tree.NewNode("x.apk", tree.Regular)
	x.ModulePath = xapk
	x.ModuleName = "A"
	myApp.AddChild(x)
	app.AddChild(myApp)

	root := tree.NewNode("", tree.Directory)
	root.AddChild(app)

	exec, _, _ := newTestExecutor()
	ctx := tree.NewContext(nil)
	work := workRoot(t)

	err := exec.DoMagic(ctx, liveRoot, work, root, false)
	require.NoError(t, err)

	workMyApp := filepath.Join(work, "app", "MyApp")
	entries, err := os.ReadDir(workMyApp)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"x.apk"}, names)
}

// TestBindFailureWithoutTmpfsToleratedAndAttributed: on a live directory
// extended per-file, one failing bind is attributed to its module and the
// remaining children still mount.
func TestBindFailureWithoutTmpfsToleratedAndAttributed(t *testing.T) {
	liveRoot := t.TempDir()
	moduleRoot := t.TempDir()
	writeFile(t, filepath.Join(liveRoot, "etc", "hosts"), "old")
	writeFile(t, filepath.Join(liveRoot, "etc", "fstab"), "old")
	hostsSrc := filepath.Join(moduleRoot, "hosts")
	fstabSrc := filepath.Join(moduleRoot, "fstab")
	writeFile(t, hostsSrc, "new-hosts")
	writeFile(t, fstabSrc, "new-fstab")

	etc := tree.NewNode("etc", tree.Directory)
	hosts := tree.NewNode("hosts", tree.Regular)
	hosts.ModulePath = hostsSrc
	hosts.ModuleName = "brokenmod"
	fstab := tree.NewNode("fstab", tree.Regular)
	fstab.ModulePath = fstabSrc
	fstab.ModuleName = "goodmod"
	etc.AddChild(hosts)
	etc.AddChild(fstab)

	root := tree.NewNode("", tree.Directory)
	root.AddChild(etc)

	exec, m, _ := newTestExecutor()
	m.FailOn("BindMount", filepath.Join(liveRoot, "etc", "hosts"), os.ErrPermission)
	ctx := tree.NewContext(nil)

	err := exec.DoMagic(ctx, liveRoot, workRoot(t), root, false)
	require.NoError(t, err)

	assert.Equal(t, []string{"brokenmod"}, ctx.FailedModules())
	assert.Equal(t, 1, ctx.Stats.NodesFail)

	var fstabBound bool
	for _, c := range m.Calls {
		if c.Op == "BindMount" && c.Target == filepath.Join(liveRoot, "etc", "fstab") {
			fstabBound = true
		}
	}
	assert.True(t, fstabBound, "sibling should still mount after a tolerated failure")
}

// TestFailureUnderTmpfsAbortsSubtree: once a directory is being assembled
// in the scaffold, any child failure aborts it before the graft, so a
// half-built directory is never moved into place.
func TestFailureUnderTmpfsAbortsSubtree(t *testing.T) {
	liveRoot := t.TempDir()
	moduleRoot := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(liveRoot, "app", "MyApp"), 0o755))
	xapk := filepath.Join(moduleRoot, "x.apk")
	writeFile(t, xapk, "x")

	app := tree.NewNode("app", tree.Directory)
	myApp := tree.NewNode("MyApp", tree.Directory)
	myApp.ModulePath = moduleRoot
	myApp.ModuleName = "A"
	myApp.Replace = true
	x := tree.NewNode("x.apk", tree.Regular)
	x.ModulePath = xapk
	x.ModuleName = "A"
	myApp.AddChild(x)
	app.AddChild(myApp)

	root := tree.NewNode("", tree.Directory)
	root.AddChild(app)

	exec, m, _ := newTestExecutor()
	ctx := tree.NewContext(nil)
	work := workRoot(t)
	m.FailOn("BindMount", filepath.Join(work, "app", "MyApp", "x.apk"), os.ErrPermission)

	// The abort is absorbed by the nearest non-tmpfs ancestor, so the
	// top-level call still succeeds; the graft simply never happens.
	err := exec.DoMagic(ctx, liveRoot, work, root, false)
	require.NoError(t, err)

	assert.Contains(t, ctx.FailedModules(), "A")
	assert.GreaterOrEqual(t, ctx.Stats.NodesFail, 1)
	for _, c := range m.Calls {
		assert.NotEqual(t, "Move", c.Op, "an aborted subtree must never be grafted")
	}
}

// TestNotifySuppressedForWorkPaths: the kernel module hears about binds on
// live paths and grafted directories, never about scaffold-internal binds.
func TestNotifySuppressedForWorkPaths(t *testing.T) {
	liveRoot := t.TempDir()
	moduleRoot := t.TempDir()
	writeFile(t, filepath.Join(liveRoot, "bin", "ls"), "live-ls")
	fooSrc := filepath.Join(moduleRoot, "foo")
	writeFile(t, fooSrc, "module-foo")
	require.NoError(t, os.Symlink("../xbin/x", filepath.Join(moduleRoot, "link")))

	bin := tree.NewNode("bin", tree.Directory)
	bin.ModulePath = moduleRoot
	bin.ModuleName = "A"
	foo := tree.NewNode("foo", tree.Regular)
	foo.ModulePath = fooSrc
	foo.ModuleName = "A"
	link := tree.NewNode("link", tree.Symlink)
	link.ModulePath = filepath.Join(moduleRoot, "link")
	link.ModuleName = "A"
	bin.AddChild(foo)
	bin.AddChild(link)

	root := tree.NewNode("", tree.Directory)
	root.AddChild(bin)

	exec, _, n := newTestExecutor()
	ctx := tree.NewContext(nil)

	err := exec.DoMagic(ctx, liveRoot, workRoot(t), root, false)
	require.NoError(t, err)

	// The symlink forced /bin into the scaffold: foo's bind targeted a
	// work path (suppressed), only the final graft of /bin is notified.
	assert.Equal(t, []string{filepath.Join(liveRoot, "bin")}, n.Notified)
}

// TestBindIsLockedReadOnly asserts the remount-read-only discipline: every
// successful bind is immediately followed by a read-only remount of the
// same target.
func TestBindIsLockedReadOnly(t *testing.T) {
	liveRoot := t.TempDir()
	moduleRoot := t.TempDir()
	writeFile(t, filepath.Join(liveRoot, "etc", "hosts"), "old")
	hostsSrc := filepath.Join(moduleRoot, "hosts")
	writeFile(t, hostsSrc, "127.0.0.1 x")

	etc := tree.NewNode("etc", tree.Directory)
	hosts := tree.NewNode("hosts", tree.Regular)
	hosts.ModulePath = hostsSrc
	hosts.ModuleName = "A"
	etc.AddChild(hosts)

	root := tree.NewNode("", tree.Directory)
	root.AddChild(etc)

	exec, m, _ := newTestExecutor()
	ctx := tree.NewContext(nil)
	require.NoError(t, exec.DoMagic(ctx, liveRoot, workRoot(t), root, false))

	target := filepath.Join(liveRoot, "etc", "hosts")
	for i, c := range m.Calls {
		if c.Op == "BindMount" && c.Target == target {
			require.Less(t, i+1, len(m.Calls), "bind must be followed by a remount")
			next := m.Calls[i+1]
			assert.Equal(t, "RemountReadOnly", next.Op)
			assert.Equal(t, target, next.Target)
			return
		}
	}
	t.Fatalf("no bind recorded for %s", target)
}

// TestDemandsTmpfsOnlyOnMismatch confirms a child whose live counterpart
// is already the same kind (here a directory over a live directory) does
// not force tmpfs, while a live-kind mismatch (a regular file over a live
// directory) does.
func TestDemandsTmpfsOnlyOnMismatch(t *testing.T) {
	liveRoot := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(liveRoot, "etc", "conflict"), 0o755))

	exec, _, _ := newTestExecutor()
	regularChild := tree.NewNode("conflict", tree.Regular)
	assert.True(t, exec.demandsTmpfs(regularChild, filepath.Join(liveRoot, "etc")))

	matchingChild := tree.NewNode("conflict", tree.Directory)
	assert.False(t, exec.demandsTmpfs(matchingChild, filepath.Join(liveRoot, "etc")))
}
