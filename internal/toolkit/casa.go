// Package toolkit drives the CASA data-reduction toolkit. Each primitive
// renders one or more task calls into a Python script, writes it to the work
// directory and runs it with the configured interpreter.
package toolkit

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/banshee-data/selfcal/internal/fsutil"
	"github.com/banshee-data/selfcal/internal/monitoring"
	"github.com/banshee-data/selfcal/internal/runner"
)

var (
	// ErrTaskFailed is returned when a toolkit script exits abnormally.
	ErrTaskFailed = errors.New("toolkit task failed")
	// ErrSolveFailed is returned when a gain solve produced no table, which
	// is how the toolkit reports that no solution met the SNR constraint.
	ErrSolveFailed = errors.New("calibration solve failed")
)

// Commander executes commands and writes files on the host that runs the
// toolkit. *runner.Executor satisfies it.
type Commander interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
	WriteFile(path, content string) error
}

// CASA runs toolkit tasks through a Python interpreter.
type CASA struct {
	cmd         Commander
	fs          fsutil.FileSystem
	interpreter string
	workDir     string

	mu  sync.Mutex
	seq int
}

// NewCASA creates a toolkit adapter. Scripts and relative artifact paths are
// resolved against workDir, which must be visible to both this process and
// the execution host.
func NewCASA(cmd Commander, fs fsutil.FileSystem, interpreter, workDir string) *CASA {
	if interpreter == "" {
		interpreter = "python3"
	}
	if workDir == "" {
		workDir = "."
	}
	return &CASA{cmd: cmd, fs: fs, interpreter: interpreter, workDir: workDir}
}

// WorkDir returns the directory relative artifact names resolve against.
func (c *CASA) WorkDir() string { return c.workDir }

// Path resolves an artifact name against the work directory.
func (c *CASA) Path(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.workDir, name)
}

// Exists reports whether an artifact is present in the work directory.
func (c *CASA) Exists(name string) bool {
	return c.fs.Exists(c.Path(name))
}

// Exec renders calls into one script and runs it. Calls run in order and the
// script stops at the first task that raises.
func (c *CASA) Exec(ctx context.Context, calls ...Call) error {
	if len(calls) == 0 {
		return nil
	}

	c.mu.Lock()
	c.seq++
	seq := c.seq
	c.mu.Unlock()

	script := Script(c.workDir, calls...)
	path := c.Path(fmt.Sprintf("selfcal_task_%04d_%s.py", seq, calls[0].Task))

	for _, call := range calls {
		monitoring.Logf("[toolkit] %s", call)
	}

	if err := c.cmd.WriteFile(path, script); err != nil {
		return fmt.Errorf("%w: write script %s: %v", ErrTaskFailed, path, err)
	}

	if _, err := c.cmd.Run(ctx, c.interpreter, path); err != nil {
		var cmdErr *runner.CommandError
		if errors.As(err, &cmdErr) {
			return fmt.Errorf("%w: %s: %v\n%s", ErrTaskFailed, taskNames(calls), cmdErr.Err, cmdErr.Tail(20))
		}
		return fmt.Errorf("%w: %s: %v", ErrTaskFailed, taskNames(calls), err)
	}
	return nil
}

func taskNames(calls []Call) string {
	names := make([]string, len(calls))
	for i, c := range calls {
		names[i] = c.Task
	}
	return strings.Join(names, "+")
}
