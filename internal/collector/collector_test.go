package collector

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modbridge/overlayd/internal/pathutil"
	"github.com/modbridge/overlayd/internal/tree"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
}

func TestCollectSingleFileOverlay(t *testing.T) {
	moduleRoot := t.TempDir()
	writeFile(t, filepath.Join(moduleRoot, "A", "system", "etc", "hosts"), "127.0.0.1 x")

	ctx := tree.NewContext(nil)
	root, err := Collect(ctx, discardLogger(), moduleRoot, t.TempDir())
	require.NoError(t, err)
	require.NotNil(t, root)

	system := root.FindChild("system")
	require.NotNil(t, system)
	etc := system.FindChild("etc")
	require.NotNil(t, etc)
	hosts := etc.FindChild("hosts")
	require.NotNil(t, hosts)
	assert.Equal(t, tree.Regular, hosts.Kind)
	assert.Equal(t, "A", hosts.ModuleName)
	assert.Equal(t, filepath.Join(moduleRoot, "A", "system", "etc", "hosts"), hosts.ModulePath)
	assert.Equal(t, 1, ctx.Stats.ModulesTotal)
}

func TestCollectDisabledModuleContributesNothing(t *testing.T) {
	moduleRoot := t.TempDir()
	writeFile(t, filepath.Join(moduleRoot, "A", "system", "etc", "hosts"), "127.0.0.1 x")
	writeFile(t, filepath.Join(moduleRoot, "B", "system", "etc", "other"), "nope")
	writeFile(t, filepath.Join(moduleRoot, "B", "disable"), "")

	ctx := tree.NewContext(nil)
	root, err := Collect(ctx, discardLogger(), moduleRoot, t.TempDir())
	require.NoError(t, err)
	require.NotNil(t, root)

	system := root.FindChild("system")
	require.NotNil(t, system)
	assert.NotNil(t, system.FindChild("etc").FindChild("hosts"))
	assert.Nil(t, system.FindChild("etc").FindChild("other"))
	assert.Equal(t, 1, ctx.Stats.ModulesTotal)
}

func TestCollectSkipMountMarkerDisablesModule(t *testing.T) {
	moduleRoot := t.TempDir()
	writeFile(t, filepath.Join(moduleRoot, "A", "system", "etc", "hosts"), "x")
	writeFile(t, filepath.Join(moduleRoot, "A", "skip_mount"), "")

	ctx := tree.NewContext(nil)
	root, err := Collect(ctx, discardLogger(), moduleRoot, t.TempDir())
	require.NoError(t, err)
	assert.Nil(t, root)
	assert.Equal(t, 0, ctx.Stats.ModulesTotal)
}

func TestCollectModuleWithoutSystemDirSkipped(t *testing.T) {
	moduleRoot := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(moduleRoot, "A"), 0o755))

	ctx := tree.NewContext(nil)
	root, err := Collect(ctx, discardLogger(), moduleRoot, t.TempDir())
	require.NoError(t, err)
	assert.Nil(t, root)
}

func TestCollectEmptyModuleNotCounted(t *testing.T) {
	moduleRoot := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(moduleRoot, "A", "system"), 0o755))

	ctx := tree.NewContext(nil)
	root, err := Collect(ctx, discardLogger(), moduleRoot, t.TempDir())
	require.NoError(t, err)
	assert.Nil(t, root)
	assert.Equal(t, 0, ctx.Stats.ModulesTotal)
}

func TestCollectFirstWriterWins(t *testing.T) {
	moduleRoot := t.TempDir()
	writeFile(t, filepath.Join(moduleRoot, "A", "system", "etc", "hosts"), "from-a")
	writeFile(t, filepath.Join(moduleRoot, "B", "system", "etc", "hosts"), "from-b")

	ctx := tree.NewContext(nil)
	root, err := Collect(ctx, discardLogger(), moduleRoot, t.TempDir())
	require.NoError(t, err)
	require.NotNil(t, root)

	hosts := root.FindChild("system").FindChild("etc").FindChild("hosts")
	require.NotNil(t, hosts)
	assert.Equal(t, "A", hosts.ModuleName)
	// B's whole etc/ subtree is dropped, so B contributed nothing and is
	// not counted.
	assert.Equal(t, 1, ctx.Stats.ModulesTotal)
}

func TestCollectReplaceDirectoryMarkedEvenWhenEmpty(t *testing.T) {
	moduleRoot := t.TempDir()
	appDir := filepath.Join(moduleRoot, "A", "system", "app", "MyApp")
	require.NoError(t, os.MkdirAll(appDir, 0o755))
	writeFile(t, filepath.Join(appDir, pathutil.ReplaceMarkerFile), "")

	ctx := tree.NewContext(nil)
	root, err := Collect(ctx, discardLogger(), moduleRoot, t.TempDir())
	require.NoError(t, err)
	require.NotNil(t, root)

	myApp := root.FindChild("system").FindChild("app").FindChild("MyApp")
	require.NotNil(t, myApp)
	assert.True(t, myApp.Replace)
	assert.Equal(t, 1, ctx.Stats.ModulesTotal)
}

func TestCollectPromotesVendorWhenSymlinkedFromSystem(t *testing.T) {
	moduleRoot := t.TempDir()
	writeFile(t, filepath.Join(moduleRoot, "A", "system", "vendor", "lib", "libfoo.so"), "bin")

	liveRoot := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(liveRoot, "vendor"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(liveRoot, "system"), 0o755))
	require.NoError(t, os.Symlink(filepath.Join(liveRoot, "vendor"), filepath.Join(liveRoot, "system", "vendor")))

	ctx := tree.NewContext(nil)
	root, err := Collect(ctx, discardLogger(), moduleRoot, liveRoot)
	require.NoError(t, err)
	require.NotNil(t, root)

	assert.Nil(t, root.FindChild("system").FindChild("vendor"))
	vendor := root.FindChild("vendor")
	require.NotNil(t, vendor)
	assert.NotNil(t, vendor.FindChild("lib").FindChild("libfoo.so"))
}

func TestCollectDoesNotPromoteVendorWithoutSymlink(t *testing.T) {
	moduleRoot := t.TempDir()
	writeFile(t, filepath.Join(moduleRoot, "A", "system", "vendor", "lib", "libfoo.so"), "bin")

	liveRoot := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(liveRoot, "vendor"), 0o755))
	// No /system/vendor symlink this time.

	ctx := tree.NewContext(nil)
	root, err := Collect(ctx, discardLogger(), moduleRoot, liveRoot)
	require.NoError(t, err)
	require.NotNil(t, root)

	assert.Nil(t, root.FindChild("vendor"))
	assert.NotNil(t, root.FindChild("system").FindChild("vendor"))
}

func TestCollectPromotesOdmWithoutSymlinkRequirement(t *testing.T) {
	moduleRoot := t.TempDir()
	writeFile(t, filepath.Join(moduleRoot, "A", "system", "odm", "etc", "cfg"), "x")

	liveRoot := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(liveRoot, "odm"), 0o755))

	ctx := tree.NewContext(nil)
	root, err := Collect(ctx, discardLogger(), moduleRoot, liveRoot)
	require.NoError(t, err)
	require.NotNil(t, root)

	assert.Nil(t, root.FindChild("system").FindChild("odm"))
	assert.NotNil(t, root.FindChild("odm"))
}

func TestCollectPromotesConfiguredExtraPart(t *testing.T) {
	moduleRoot := t.TempDir()
	writeFile(t, filepath.Join(moduleRoot, "A", "system", "my_part", "etc", "cfg"), "x")

	liveRoot := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(liveRoot, "my_part"), 0o755))

	ctx := tree.NewContext([]string{"my_part"})
	root, err := Collect(ctx, discardLogger(), moduleRoot, liveRoot)
	require.NoError(t, err)
	require.NotNil(t, root)

	assert.Nil(t, root.FindChild("system").FindChild("my_part"))
	assert.NotNil(t, root.FindChild("my_part"))
}

func TestCollectSymlinkEntry(t *testing.T) {
	moduleRoot := t.TempDir()
	moduleSystem := filepath.Join(moduleRoot, "A", "system", "etc")
	require.NoError(t, os.MkdirAll(moduleSystem, 0o755))
	require.NoError(t, os.Symlink("/vendor/etc/foo.conf", filepath.Join(moduleSystem, "foo.conf")))

	ctx := tree.NewContext(nil)
	root, err := Collect(ctx, discardLogger(), moduleRoot, t.TempDir())
	require.NoError(t, err)
	require.NotNil(t, root)

	link := root.FindChild("system").FindChild("etc").FindChild("foo.conf")
	require.NotNil(t, link)
	assert.Equal(t, tree.Symlink, link.Kind)
}
