// Package runner executes toolkit scripts and external imaging processes on
// the local machine or on a remote host over ssh. Every call blocks until the
// command exits; the caller's context is the only cancellation path.
package runner

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Logger defines the interface for debug logging.
type Logger interface {
	Debugf(format string, args ...interface{})
}

// nopLogger is a no-op logger implementation.
type nopLogger struct{}

func (n nopLogger) Debugf(format string, args ...interface{}) {}

// CommandError reports a command that could not be started or exited
// abnormally. Output holds the combined stdout and stderr.
type CommandError struct {
	Command string
	Output  string
	Err     error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %q failed: %v", e.Command, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// Tail returns at most the last n lines of the command output.
func (e *CommandError) Tail(n int) string {
	lines := strings.Split(strings.TrimRight(e.Output, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// Executor handles command execution on local or remote targets.
type Executor struct {
	Target  string
	SSHUser string
	SSHKey  string
	SSHPort string
	DryRun  bool
	Logger  Logger
}

// NewExecutor creates a new command executor.
func NewExecutor(target, sshUser, sshKey string, dryRun bool) *Executor {
	return &Executor{
		Target:  target,
		SSHUser: sshUser,
		SSHKey:  sshKey,
		DryRun:  dryRun,
		Logger:  nopLogger{},
	}
}

// SetLogger sets the debug logger for the executor.
func (e *Executor) SetLogger(logger Logger) {
	if logger != nil {
		e.Logger = logger
	}
}

// IsLocal returns true if target is localhost.
func (e *Executor) IsLocal() bool {
	return e.Target == "localhost" || e.Target == "127.0.0.1" || e.Target == ""
}

// Run executes name with args and waits for it to exit. The returned output
// is the combined stdout and stderr. A non-zero exit yields a *CommandError.
func (e *Executor) Run(ctx context.Context, name string, args ...string) (string, error) {
	line := commandLine(name, args)
	if e.DryRun {
		e.Logger.Debugf("[DRY-RUN] Would execute: %s", line)
		return fmt.Sprintf("[DRY-RUN] Would execute: %s", line), nil
	}

	e.Logger.Debugf("Executing: %s (target=%s, local=%v)", line, e.Target, e.IsLocal())

	var cmd *exec.Cmd
	if e.IsLocal() {
		cmd = exec.CommandContext(ctx, name, args...)
		cmd.Env = os.Environ()
	} else {
		cmd = e.buildSSHCommand(ctx, line)
	}

	output, err := cmd.CombinedOutput()
	if err != nil {
		e.Logger.Debugf("Command failed: %v, output: %s", err, output)
		return string(output), &CommandError{Command: line, Output: string(output), Err: err}
	}
	return string(output), nil
}

// WriteFile writes content to a file on the target.
func (e *Executor) WriteFile(path, content string) error {
	if e.DryRun {
		e.Logger.Debugf("[DRY-RUN] Would write %d bytes to %s", len(content), path)
		return nil
	}

	if e.IsLocal() {
		return os.WriteFile(path, []byte(content), 0644)
	}

	sshCmd := e.buildSSHCommand(context.Background(), "cat > "+shellQuote(path))
	sshCmd.Stdin = strings.NewReader(content)

	var stderr bytes.Buffer
	sshCmd.Stderr = &stderr

	if err := sshCmd.Run(); err != nil {
		return fmt.Errorf("ssh write failed: %w, stderr: %s", err, stderr.String())
	}
	return nil
}

func (e *Executor) buildSSHCommand(ctx context.Context, command string) *exec.Cmd {
	args := []string{}

	if e.SSHKey != "" {
		args = append(args, "-i", e.SSHKey)
	}
	if e.SSHPort != "" {
		args = append(args, "-p", e.SSHPort)
	}

	// Host keys are not verified. Remote execution is meant for a trusted
	// cluster network; configure known_hosts before using it elsewhere.
	args = append(args, "-o", "StrictHostKeyChecking=no")
	args = append(args, "-o", "UserKnownHostsFile=/dev/null")
	args = append(args, "-o", "LogLevel=ERROR")

	target := e.Target
	if e.SSHUser != "" && !strings.Contains(target, "@") {
		target = fmt.Sprintf("%s@%s", e.SSHUser, target)
	}

	args = append(args, target, command)
	return exec.CommandContext(ctx, "ssh", args...)
}

// commandLine renders name and args as a single shell-safe string. It is used
// for logging and as the remote command for ssh.
func commandLine(name string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, shellQuote(name))
	for _, a := range args {
		parts = append(parts, shellQuote(a))
	}
	return strings.Join(parts, " ")
}

// shellQuote single-quotes s unless it consists only of safe characters.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./,:=+@%", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
