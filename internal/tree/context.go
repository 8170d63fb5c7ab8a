package tree

import "github.com/samber/lo"

// Stats is the global accounting the collector (ModulesTotal) and the mount
// executor (the node counters) write into and the orchestrator reads back
// after a run. In the C original these were process-wide globals; here
// they are an explicit value threaded through the collector, executor, and
// orchestrator, written by one pass at a time, so nothing needs a lock.
type Stats struct {
	ModulesTotal  int
	NodesTotal    int
	NodesMounted  int
	NodesSkipped  int
	NodesWhiteout int
	NodesFail     int
}

// Context carries the per-run accounting and configuration the collector
// and executor consult: the running Stats, the ordered set of modules that
// have failed at least one descendant, and the configured extra partitions
// to promote out of /system.
type Context struct {
	Stats *Stats

	failedModules []string
	ExtraParts    []string
}

// NewContext returns a Context ready for a fresh run, configured with the
// caller-supplied extra partitions to promote out of /system.
func NewContext(extraParts []string) *Context {
	return &Context{
		Stats:      &Stats{},
		ExtraParts: extraParts,
	}
}

// RegisterFailure records moduleName in the failed-modules set, deduplicated
// and insertion-ordered. A blank module name (a structural node with no
// attributable contributor) is silently ignored, matching the C original's
// "no module_name" log path which never reaches the registration call.
func (c *Context) RegisterFailure(moduleName string) {
	if moduleName == "" {
		return
	}
	if lo.Contains(c.failedModules, moduleName) {
		return
	}
	c.failedModules = append(c.failedModules, moduleName)
}

// FailedModules returns the ordered, deduplicated set of modules that
// experienced at least one failed descendant.
func (c *Context) FailedModules() []string {
	return c.failedModules
}
