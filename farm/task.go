package farm

import (
	"sort"
	"sync"

	"taskfarm/errs"
	"taskfarm/farm/rpc"
)

// Func is applied by a worker to one serialized input.
type Func func(input []byte) ([]byte, error)

// Factory builds a Func from the parameters carried in a Task, so a single
// registration can stand for a family of callables with captured state.
type Factory func(params []byte) (Func, error)

// Task names a registered callable. Every cluster member resolves it
// against its own registry, so members must be built with the same
// registrations.
type Task struct {
	Name   string `cbor:"1,keyasint"`
	Params []byte `cbor:"2,keyasint,omitempty"`
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes fn available under name. It panics on a duplicate name.
func Register(name string, fn Func) {
	RegisterFactory(name, func([]byte) (Func, error) { return fn, nil })
}

func RegisterFactory(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if name == "" || f == nil {
		panic("farm: Register with empty name or nil factory")
	}
	if _, dup := registry[name]; dup {
		panic("farm: Register called twice for task " + name)
	}
	registry[name] = f
}

// Registered lists the registered task names in order.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Encode serializes t into a task descriptor.
func (t Task) Encode() ([]byte, error) {
	if t.Name == "" {
		return nil, errs.TaskError.New("task has no name")
	}
	return rpc.Marshal(t)
}

func loadTask(descriptor []byte) (Func, error) {
	var t Task
	if err := rpc.Unmarshal(descriptor, &t); err != nil {
		return nil, errs.TaskError.New("undecodable task descriptor: %v", err)
	}
	registryMu.RLock()
	f, ok := registry[t.Name]
	registryMu.RUnlock()
	if !ok {
		return nil, errs.TaskError.New("no task registered as %q", t.Name)
	}
	fn, err := safeFactory(f, t.Params)
	if err != nil {
		return nil, errs.TaskError.New("loading %q: %v", t.Name, err)
	}
	return fn, nil
}

func safeFactory(f Factory, params []byte) (fn Func, err error) {
	defer func() {
		if r := recover(); r != nil {
			fn, err = nil, errs.TaskError.New("panic: %v", r)
		}
	}()
	fn, err = f(params)
	if err == nil && fn == nil {
		err = errs.TaskError.New("factory returned no function")
	}
	return fn, err
}

// apply runs fn on one input; a panic counts as a failure of that input only.
func apply(fn Func, input []byte) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, errs.ItemError.New("panic: %v", r)
		}
	}()
	out, err = fn(input)
	if err != nil && !errs.Is(err, errs.ItemError) {
		err = errs.ItemError.Wrap(err)
	}
	return out, err
}
