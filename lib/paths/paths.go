// Package paths provides centralized path construction for the module root
// and the scaffold tree.
//
// Directory Structure:
//
//	{moduleRoot}/
//	  {module}/
//	    disable | remove | skip_mount   (exclusion markers)
//	    overlayd.log                    (per-module debug log)
//	    system/...                      (contribution tree)
//	{tmpRoot}/
//	  .magic_mount/
//	    workdir/                        (scaffold tmpfs mountpoint)
package paths

import "path/filepath"

// Marker files that exclude a module from mounting when present at its
// top level.
const (
	MarkerDisable   = "disable"
	MarkerRemove    = "remove"
	MarkerSkipMount = "skip_mount"
)

// Paths provides typed path construction for the module root.
type Paths struct {
	moduleRoot string
}

// New creates a new Paths instance for the given module root.
func New(moduleRoot string) *Paths {
	return &Paths{moduleRoot: moduleRoot}
}

// ModuleRoot returns the module root directory itself.
func (p *Paths) ModuleRoot() string {
	return p.moduleRoot
}

// Module returns the directory of a single module.
func (p *Paths) Module(name string) string {
	return filepath.Join(p.moduleRoot, name)
}

// ModuleSystem returns a module's system/ contribution tree.
func (p *Paths) ModuleSystem(name string) string {
	return filepath.Join(p.moduleRoot, name, "system")
}

// ModuleLog returns the per-module debug log file the module log handler
// tees into.
func (p *Paths) ModuleLog(name string) string {
	return filepath.Join(p.moduleRoot, name, "overlayd.log")
}

// ModuleMarker returns the path of an exclusion marker file for a module.
func (p *Paths) ModuleMarker(name, marker string) string {
	return filepath.Join(p.moduleRoot, name, marker)
}

// ScaffoldRoot returns the scratch directory tree holding the scaffold
// tmpfs under the given tmp root.
func ScaffoldRoot(tmpRoot string) string {
	return filepath.Join(tmpRoot, ".magic_mount")
}

// ScaffoldWorkdir returns the scaffold tmpfs mountpoint under the given
// tmp root.
func ScaffoldWorkdir(tmpRoot string) string {
	return filepath.Join(ScaffoldRoot(tmpRoot), "workdir")
}
