package toolchain

import (
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/itstheanurag/playground/internal/config"
	"github.com/kballard/go-shellquote"
)

var (
	ErrOperationNotFound = errors.New("operation not found")
)

type Registry struct {
	mu       sync.RWMutex
	binary   string
	commands map[Operation]Command
}

func NewRegistry(binary string) *Registry {
	return &Registry{
		binary:   binary,
		commands: make(map[Operation]Command),
	}
}

// FromConfig builds the registry for build, test and new from the
// toolchain section of the config.
func FromConfig(conf config.ToolchainConfig) (*Registry, error) {
	r := NewRegistry(conf.Binary)

	ops := []struct {
		op      Operation
		args    string
		timeout time.Duration
	}{
		{OpBuild, conf.BuildArgs, conf.BuildTimeout},
		{OpTest, conf.TestArgs, conf.TestTimeout},
		{OpNew, conf.NewArgs, conf.NewTimeout},
	}
	for _, o := range ops {
		if err := r.Register(o.op, o.args, o.timeout); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register parses args with shell quoting rules and stores the command
// for op.
func (r *Registry) Register(op Operation, args string, timeout time.Duration) error {
	argv, err := shellquote.Split(args)
	if err != nil {
		return fmt.Errorf("invalid arguments for %s: %w", op, err)
	}
	if timeout <= 0 {
		return fmt.Errorf("timeout for %s must be positive", op)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands[op] = Command{
		Operation: op,
		Binary:    r.binary,
		Args:      argv,
		Timeout:   timeout,
	}
	return nil
}

func (r *Registry) Get(op Operation) (Command, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.commands[op]
	if !ok {
		return Command{}, fmt.Errorf("%w: %s", ErrOperationNotFound, op)
	}
	return cmd, nil
}

func (r *Registry) List() []Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmds := make([]Command, 0, len(r.commands))
	for _, c := range r.commands {
		cmds = append(cmds, c)
	}
	sort.Slice(cmds, func(i, j int) bool { return cmds[i].Operation < cmds[j].Operation })
	return cmds
}

func (r *Registry) Binary() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.binary
}

// Resolve looks the toolchain binary up on PATH and pins every registered
// command to the absolute path, so a missing toolchain fails at startup
// rather than on the first request.
func (r *Registry) Resolve() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	path, err := exec.LookPath(r.binary)
	if err != nil {
		return "", fmt.Errorf("toolchain binary %q is not resolvable: %w", r.binary, err)
	}

	r.binary = path
	for op, c := range r.commands {
		c.Binary = path
		r.commands[op] = c
	}
	return path, nil
}
