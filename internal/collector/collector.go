// Package collector walks each enabled module's system/ tree and merges
// them into a single unified Node tree rooted at "/", the input the mount
// executor plans against.
package collector

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/modbridge/overlayd/internal/pathutil"
	"github.com/modbridge/overlayd/internal/tree"
	"github.com/modbridge/overlayd/lib/paths"
)

// disableMarkers are the per-module marker files that exclude a module
// from collection entirely.
var disableMarkers = []string{paths.MarkerDisable, paths.MarkerRemove, paths.MarkerSkipMount}

// builtinPromotions are the always-on top-level partitions, in the order
// the promotion pass considers them. product/system_ext/vendor additionally
// require a legacy /system/<name> symlink; odm does not.
var builtinPromotions = []string{"vendor", "system_ext", "product", "odm"}

var symlinkRequired = map[string]bool{
	"vendor":     true,
	"system_ext": true,
	"product":    true,
}

// Collect scans moduleRoot for enabled modules, merges their system/ trees
// into a unified tree, and promotes top-level partitions out of /system.
// liveRoot is the filesystem root promotion decisions are probed against
// ("/" in production; an arbitrary directory in tests, so the engine
// never needs real root privilege or a real "/" to be unit tested).
// Returns a root Node, or nil if no module contributed anything.
func Collect(ctx *tree.Context, log *slog.Logger, moduleRoot, liveRoot string) (*tree.Node, error) {
	root := tree.NewNode("", tree.Directory)
	systemNode := tree.NewNode("system", tree.Directory)
	root.AddChild(systemNode)

	entries, err := os.ReadDir(moduleRoot)
	if err != nil {
		return nil, &tree.PathError{Path: moduleRoot, Op: "opendir", Err: err}
	}

	contributed := false
	for _, entry := range entries {
		moduleName := entry.Name()
		moduleDir, err := pathutil.SafeJoin(moduleRoot, moduleName)
		if err != nil {
			log.Warn("skipping module with unsafe directory name", "module", moduleName, "error", err)
			continue
		}
		// Follows symlinks, so a symlinked module directory still counts.
		if !pathutil.IsDir(moduleDir) {
			continue
		}

		if moduleDisabled(moduleDir) {
			log.Debug("module disabled, skipping", "module", moduleName)
			continue
		}

		systemDir := filepath.Join(moduleDir, "system")
		if !pathutil.IsDir(systemDir) {
			log.Debug("module has no system/ tree, skipping", "module", moduleName)
			continue
		}

		added := false
		if err := mergeSystemTree(ctx, log, systemNode, moduleName, systemDir, "system", &added); err != nil {
			return nil, err
		}
		if added {
			contributed = true
			ctx.Stats.ModulesTotal++
		} else {
			log.Debug("module contributed nothing, not counted", "module", moduleName)
		}
	}

	if !contributed {
		return nil, nil
	}

	promotePartitions(ctx, root, systemNode, liveRoot)
	return root, nil
}

// moduleDisabled reports whether any of the per-module disable markers
// exists at the top level of moduleDir.
func moduleDisabled(moduleDir string) bool {
	for _, marker := range disableMarkers {
		if pathutil.Exists(filepath.Join(moduleDir, marker)) {
			return true
		}
	}
	return false
}

// mergeSystemTree merges srcDir (a module's system/ tree, or a subtree of
// it) into dst, applying first-writer-wins per entry name. relPath is the
// unified-tree path of dst, used only for log records. added is set true
// whenever this call (or a nested recursive call) adds a node that itself
// counts as a contribution: any non-directory node, or a directory
// explicitly marked replace.
func mergeSystemTree(ctx *tree.Context, log *slog.Logger, dst *tree.Node, moduleName, srcDir, relPath string, added *bool) error {
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		log.Warn("failed to enumerate module subtree", "module", moduleName, "path", srcDir, "error", err)
		return nil
	}

	for _, entry := range entries {
		name := entry.Name()
		srcPath := filepath.Join(srcDir, name)

		if existing := dst.FindChild(name); existing != nil {
			log.Debug("first-writer-wins: later module contribution dropped",
				"path", filepath.Join(relPath, name),
				"winning_module", existing.ModuleName, "losing_module", moduleName)
			continue
		}

		kind, err := pathutil.LstatKind(srcPath)
		if err != nil {
			log.Warn("lstat failed during collection, skipping entry", "path", srcPath, "error", err)
			continue
		}

		node := tree.NewNode(name, kind)
		node.ModulePath = srcPath
		node.ModuleName = moduleName

		switch kind {
		case tree.Regular, tree.Symlink, tree.Whiteout:
			dst.AddChild(node)
			*added = true
		case tree.Directory:
			node.Replace = pathutil.IsReplaceDir(srcPath)
			if node.Replace {
				*added = true
			}
			dst.AddChild(node)
			if err := mergeSystemTree(ctx, log, node, moduleName, srcPath, filepath.Join(relPath, name), added); err != nil {
				return err
			}
		default:
			// Anything not regular/directory/symlink/char-device is ignored.
		}
	}
	return nil
}

// promotePartitions lifts built-in and configured top-level partitions out
// of the system Node, attaching them as siblings of system under root.
func promotePartitions(ctx *tree.Context, root, systemNode *tree.Node, liveRoot string) {
	for _, name := range builtinPromotions {
		if shouldPromote(liveRoot, name, symlinkRequired[name]) {
			promote(root, systemNode, name)
		}
	}
	for _, name := range ctx.ExtraParts {
		if shouldPromote(liveRoot, name, false) {
			promote(root, systemNode, name)
		}
	}
}

// shouldPromote reports whether the top-level partition name qualifies for
// promotion: /<name> must be a live directory, and (for the built-ins that
// require it) /system/<name> must be a live symlink.
func shouldPromote(liveRoot, name string, requireSymlink bool) bool {
	if !pathutil.IsDir(filepath.Join(liveRoot, name)) {
		return false
	}
	if requireSymlink && !pathutil.IsSymlink(filepath.Join(liveRoot, "system", name)) {
		return false
	}
	return true
}

// promote detaches the child named name from systemNode (if present) and
// attaches it as a sibling of system under root. A partition with no
// module contribution simply has nothing to detach; promotion only
// matters for partitions that modules actually touched.
func promote(root, systemNode *tree.Node, name string) {
	child := systemNode.TakeChild(name)
	if child == nil {
		return
	}
	root.AddChild(child)
}
