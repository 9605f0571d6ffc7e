package toolchain

import "time"

type Operation string

const (
	OpBuild Operation = "build"
	OpTest  Operation = "test"
	// OpNew runs the toolchain's project generator; the project name is
	// appended to its arguments.
	OpNew Operation = "new"
)

type Command struct {
	Operation Operation
	Binary    string
	Args      []string
	Timeout   time.Duration
}

// Argv returns the full command line, with extra appended after the
// configured arguments.
func (c Command) Argv(extra ...string) []string {
	argv := make([]string, 0, 1+len(c.Args)+len(extra))
	argv = append(argv, c.Binary)
	argv = append(argv, c.Args...)
	return append(argv, extra...)
}
