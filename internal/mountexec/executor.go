// Package mountexec implements the recursive planner/executor (do_magic in
// the original) that walks the unified Node tree built by the collector
// and applies a per-node mount strategy: targeted per-file bind mounts
// where possible, or a freshly synthesized tmpfs directory grafted into
// place via MS_MOVE where the live directory can't be extended in place.
package mountexec

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/modbridge/overlayd/internal/mirror"
	"github.com/modbridge/overlayd/internal/mountsys"
	"github.com/modbridge/overlayd/internal/notify"
	"github.com/modbridge/overlayd/internal/pathutil"
	"github.com/modbridge/overlayd/internal/tree"
)

// defaultFileMode is used for a bind placeholder only when the module-side
// file can't be stat'd between collection and mounting (a race with a
// concurrent module change); the bind itself still decides what's visible.
const defaultFileMode = 0o644

// Executor walks a unified Node tree and applies it to the live namespace,
// isolating the mount(2) family and kernel-notifier protocol behind the
// Mounter and Notifier capabilities so it can be driven in tests without
// root privilege.
type Executor struct {
	Mounter  mountsys.Mounter
	Notifier notify.Notifier
	Log      *slog.Logger
}

// New returns an Executor wired to the given capabilities.
func New(mounter mountsys.Mounter, notifier notify.Notifier, log *slog.Logger) *Executor {
	return &Executor{Mounter: mounter, Notifier: notifier, Log: log}
}

// DoMagic applies node into the live namespace relative to baseLive, with
// baseWork designating the corresponding path inside the scaffold tmpfs.
// parentUsesTmpfs indicates whether the parent directory has been (or
// will be) materialized as a fresh tmpfs directory to be moved into place.
func (e *Executor) DoMagic(ctx *tree.Context, baseLive, baseWork string, node *tree.Node, parentUsesTmpfs bool) error {
	livePath, err := pathutil.Join(baseLive, node.Name)
	if err != nil {
		return err
	}
	workPath, err := pathutil.Join(baseWork, node.Name)
	if err != nil {
		return err
	}

	switch node.Kind {
	case tree.Regular:
		return e.applyRegular(ctx, livePath, workPath, node, parentUsesTmpfs)
	case tree.Symlink:
		return e.applySymlink(ctx, workPath, node)
	case tree.Whiteout:
		ctx.Stats.NodesTotal++
		ctx.Stats.NodesWhiteout++
		return nil
	case tree.Directory:
		return e.applyDirectory(ctx, livePath, workPath, node, parentUsesTmpfs)
	default:
		return nil
	}
}

// applyRegular binds node.ModulePath onto the live path directly, or onto
// an empty placeholder inside the scaffold tmpfs when the parent is
// already (or about to become) tmpfs, then locks the bind read-only and
// notifies the kernel module if the target is a live path.
func (e *Executor) applyRegular(ctx *tree.Context, livePath, workPath string, node *tree.Node, parentUsesTmpfs bool) error {
	ctx.Stats.NodesTotal++

	if node.ModulePath == "" {
		return &tree.PathError{Path: livePath, Op: "bind", Err: errors.New("no module file")}
	}

	var target string
	if parentUsesTmpfs {
		mode := os.FileMode(defaultFileMode)
		if fi, err := os.Lstat(node.ModulePath); err == nil {
			mode = fi.Mode().Perm()
		}
		f, err := os.OpenFile(workPath, os.O_CREATE|os.O_WRONLY, mode)
		if err != nil {
			return &tree.PathError{Path: workPath, Op: "create", Err: err}
		}
		f.Close()

		if err := e.Mounter.BindMount(node.ModulePath, workPath); err != nil {
			return &tree.MountError{Op: "bind", Source: node.ModulePath, Target: workPath, Module: node.ModuleName, Err: err}
		}
		target = workPath
	} else {
		if err := e.Mounter.BindMount(node.ModulePath, livePath); err != nil {
			return &tree.MountError{Op: "bind", Source: node.ModulePath, Target: livePath, Module: node.ModuleName, Err: err}
		}
		target = livePath
	}

	if err := e.Mounter.RemountReadOnly(target); err != nil {
		e.Log.Warn("remount read-only failed", "target", target, "error", err)
	}
	if notify.IsLivePath(target) {
		e.Notifier.Notify(target)
	}

	ctx.Stats.NodesMounted++
	return nil
}

// applySymlink clones node.ModulePath into the scaffold tmpfs. Symlinks
// are never bind-mounted in place; they only ever appear inside a tmpfs
// directory that will later be moved into place, so workPath is always
// the target here.
func (e *Executor) applySymlink(ctx *tree.Context, workPath string, node *tree.Node) error {
	ctx.Stats.NodesTotal++
	if err := mirror.CloneSymlink(node.ModulePath, workPath); err != nil {
		return &tree.MountError{Op: "symlink", Target: workPath, Module: node.ModuleName, Err: err}
	}
	ctx.Stats.NodesMounted++
	return nil
}

// applyDirectory is the core policy decision: whether this directory can
// be extended via targeted per-file binds on the live tree, or must be
// synthesized fresh in the scaffold tmpfs and grafted into place.
func (e *Executor) applyDirectory(ctx *tree.Context, livePath, workPath string, node *tree.Node, parentUsesTmpfs bool) error {
	ctx.Stats.NodesTotal++

	hasTmpfs := parentUsesTmpfs
	createTmp := !hasTmpfs && node.Replace && node.ModulePath != ""

	if !hasTmpfs && !createTmp {
		for _, child := range node.Children() {
			if !e.demandsTmpfs(child, livePath) {
				continue
			}
			if node.ModulePath != "" {
				createTmp = true
				break
			}
			child.Skip = true
			ctx.Stats.NodesSkipped++
		}
	}

	nowTmp := hasTmpfs || createTmp

	if nowTmp {
		if err := e.materializeWorkDir(livePath, workPath, node); err != nil {
			return err
		}
	}

	if createTmp {
		if err := e.Mounter.BindSelf(workPath); err != nil {
			return &tree.MountError{Op: "bind-self", Target: workPath, Module: node.ModuleName, Err: err}
		}
	}

	if pathutil.Exists(livePath) && !node.Replace {
		if err := e.enumerateLiveSide(ctx, livePath, workPath, node, nowTmp); err != nil {
			return err
		}
	}

	for _, child := range node.Children() {
		if child.Done || child.Skip {
			continue
		}
		if err := e.DoMagic(ctx, livePath, workPath, child, nowTmp); err != nil {
			if nowTmp {
				return e.attributeFailure(ctx, child, node, err)
			}
			e.attributeFailure(ctx, child, node, err)
		}
	}

	if createTmp {
		if err := e.Mounter.RemountReadOnly(workPath); err != nil {
			e.Log.Warn("remount work directory read-only failed", "path", workPath, "error", err)
		}
		if err := e.Mounter.Move(workPath, livePath); err != nil {
			return &tree.MountError{Op: "move", Source: workPath, Target: livePath, Module: node.ModuleName, Err: err}
		}
		if err := e.Mounter.MakePrivate(livePath); err != nil {
			e.Log.Warn("mark private after graft failed", "path", livePath, "error", err)
		}
		e.Notifier.Notify(livePath)
		ctx.Stats.NodesMounted++
	}

	return nil
}

// enumerateLiveSide walks the live directory at livePath, recursing into
// any child Node that matches an entry name and, when nowTmp, mirroring
// every unmatched live entry forward into the synthesized directory so it
// remains visible post-graft.
func (e *Executor) enumerateLiveSide(ctx *tree.Context, livePath, workPath string, node *tree.Node, nowTmp bool) error {
	entries, err := os.ReadDir(livePath)
	if err != nil {
		if nowTmp {
			return &tree.EnumerationError{Path: livePath, Err: err}
		}
		e.Log.Warn("failed to enumerate live directory, tolerating", "path", livePath, "error", err)
		return nil
	}

	for _, entry := range entries {
		name := entry.Name()

		if child := node.FindChild(name); child != nil {
			if child.Skip {
				child.Done = true
				continue
			}
			child.Done = true
			if err := e.DoMagic(ctx, livePath, workPath, child, nowTmp); err != nil {
				if nowTmp {
					return e.attributeFailure(ctx, child, node, err)
				}
				e.attributeFailure(ctx, child, node, err)
			}
			continue
		}

		if !nowTmp {
			// Entry is untouched by any module; it remains visible through
			// the unmodified live directory.
			continue
		}

		if err := mirror.Mirror(e.Mounter, livePath, workPath, name); err != nil {
			ctx.RegisterFailure(node.ModuleName)
			ctx.Stats.NodesFail++
			e.Log.Error("mirror failed", "path", filepath.Join(livePath, name), "module", node.ModuleName, "error", err)
			return &tree.MountError{Op: "mirror", Target: filepath.Join(workPath, name), Module: node.ModuleName, Err: err}
		}
	}
	return nil
}

// demandsTmpfs reports whether child cannot be satisfied by a targeted
// per-file bind mount on the live directory at parentLivePath, and must
// instead be assembled inside a synthesized tmpfs directory.
func (e *Executor) demandsTmpfs(child *tree.Node, parentLivePath string) bool {
	childLive := filepath.Join(parentLivePath, child.Name)

	switch child.Kind {
	case tree.Symlink:
		return true
	case tree.Whiteout:
		return pathutil.LstatExists(childLive)
	case tree.Regular, tree.Directory:
		liveKind, err := pathutil.LstatKind(childLive)
		if err != nil {
			return true // missing
		}
		return liveKind != child.Kind
	default:
		return false
	}
}

// materializeWorkDir ensures workPath exists as a directory in the
// scaffold tmpfs and copies mode/owner/SELinux context from the metadata
// source: the live directory if it exists, falling back to the node's
// module_path. Missing both is an error on this directory.
func (e *Executor) materializeWorkDir(livePath, workPath string, node *tree.Node) error {
	if err := pathutil.MkdirAll(workPath, 0o755); err != nil {
		return err
	}

	srcPath, fi, err := pathutil.MetaSource(livePath, node.ModulePath)
	if err != nil {
		return &tree.PathError{Path: workPath, Op: "stat-meta-source", Err: err}
	}

	if err := os.Chmod(workPath, fi.Mode().Perm()); err != nil {
		return &tree.PathError{Path: workPath, Op: "chmod", Err: err}
	}
	pathutil.ChownLikeStat(workPath, fi)

	if label, err := pathutil.GetSELinuxLabel(srcPath); err == nil && label != "" {
		_ = pathutil.SetSELinuxLabel(workPath, label)
	}
	return nil
}

// attributeFailure records a failed child against the most specific
// module name available (the child's own, falling back to the parent
// directory's) and increments NodesFail. Returns err unchanged so callers
// can both attribute and propagate in one line.
func (e *Executor) attributeFailure(ctx *tree.Context, child, parent *tree.Node, err error) error {
	moduleName := child.ModuleName
	if moduleName == "" {
		moduleName = parent.ModuleName
	}
	ctx.RegisterFailure(moduleName)
	ctx.Stats.NodesFail++
	e.Log.Error("node failed", "name", child.Name, "module", moduleName, "error", err)
	return err
}
