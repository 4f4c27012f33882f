package command

import (
	"context"
	"strings"
	"sync"
)

// Call records one invocation made through a Fake.
type Call struct {
	Name string
	Args []string
}

// Has reports whether the call carried arg.
func (c Call) Has(arg string) bool {
	for _, a := range c.Args {
		if a == arg {
			return true
		}
	}
	return false
}

// Fake is a scriptable Runner for tests. Handlers are keyed by program name.
type Fake struct {
	mu       sync.Mutex
	Missing  map[string]bool
	Handlers map[string]func(args []string) (stdout, stderr []byte, err error)
	calls    []Call
}

// NewFake returns an empty Fake where every program is available.
func NewFake() *Fake {
	return &Fake{
		Missing:  make(map[string]bool),
		Handlers: make(map[string]func(args []string) ([]byte, []byte, error)),
	}
}

// Handle registers the handler for a program.
func (f *Fake) Handle(name string, fn func(args []string) ([]byte, []byte, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Handlers[name] = fn
}

// Run implements Runner.
func (f *Fake) Run(_ context.Context, name string, args ...string) ([]byte, []byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Name: name, Args: append([]string(nil), args...)})
	fn := f.Handlers[name]
	f.mu.Unlock()

	if fn == nil {
		return nil, []byte("no handler"), &ExitError{Name: name, Code: 127, Stderr: "command not found"}
	}
	return fn(args)
}

// Available implements Runner.
func (f *Fake) Available(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.Missing[name]
}

// Calls returns the invocations of name, or of every program when name is
// empty.
func (f *Fake) Calls(name string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.calls {
		if name == "" || c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

// ArgAfter returns the argument following flag, or "".
func ArgAfter(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

// LastArg returns the final argument, or "".
func LastArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[len(args)-1]
}

// Joined returns the args joined by spaces, handy for substring asserts.
func Joined(args []string) string {
	return strings.Join(args, " ")
}
