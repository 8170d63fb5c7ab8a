package mountsys

import "sync"

// Call records one invocation against the fake Mounter, for assertions
// like "BindMount(module_path, target) was immediately followed by
// RemountReadOnly(target)".
type Call struct {
	Op     string
	Source string
	Target string
}

// Fake is a recording Mounter: every call is appended to Calls in order,
// and returns an error only if one was pre-configured for that exact
// (Op, Target) pair via FailOn. It never touches a mount namespace,
// which is what lets internal/mountexec's tests run without root.
type Fake struct {
	mu     sync.Mutex
	Calls  []Call
	failOn map[string]error
}

// NewFake returns an empty recording Mounter.
func NewFake() *Fake {
	return &Fake{failOn: make(map[string]error)}
}

// FailOn configures the fake to return err every time op is invoked with
// the given target, exercising the executor's failure-propagation paths
// without a real syscall failing.
func (f *Fake) FailOn(op, target string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failOn[op+"|"+target] = err
}

func (f *Fake) record(op, source, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, Call{Op: op, Source: source, Target: target})
	if err, ok := f.failOn[op+"|"+target]; ok {
		return err
	}
	return nil
}

func (f *Fake) BindMount(source, target string) error {
	return f.record("BindMount", source, target)
}

func (f *Fake) RemountReadOnly(target string) error {
	return f.record("RemountReadOnly", "", target)
}

func (f *Fake) BindSelf(path string) error {
	return f.record("BindSelf", path, path)
}

func (f *Fake) MountTmpfs(sourceLabel, target string) error {
	return f.record("MountTmpfs", sourceLabel, target)
}

func (f *Fake) Move(source, target string) error {
	return f.record("Move", source, target)
}

func (f *Fake) MakePrivate(target string) error {
	return f.record("MakePrivate", "", target)
}

func (f *Fake) LazyUnmount(target string) error {
	return f.record("LazyUnmount", "", target)
}
