// Package pty runs agent CLIs attached to a pseudoterminal and exposes them
// as a transport.
package pty

import (
	"errors"
	"os"
	"os/exec"
	"time"
)

var errEOF = errors.New("pty: end of output")

// StartOptions contains options for starting a PTY process.
type StartOptions struct {
	Command string
	Args    []string

	// Env is appended to the current process environment.
	Env []string

	// Dir is the working directory for the process.
	Dir string

	Rows uint16
	Cols uint16
}

// Process is a child process attached to the slave side of a PTY.
type Process struct {
	Cmd    *exec.Cmd
	Master *os.File

	fd      int
	exited  chan struct{}
	waitErr error
}

// PID returns the process ID of the child.
func (p *Process) PID() int {
	if p.Cmd.Process == nil {
		return 0
	}
	return p.Cmd.Process.Pid
}

// Exited is closed once the child has been reaped.
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

// ExitCode returns the child's exit code, or -1 while it runs or when it was
// killed by a signal.
func (p *Process) ExitCode() int {
	select {
	case <-p.exited:
	default:
		return -1
	}
	var exitErr *exec.ExitError
	if errors.As(p.waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	if p.waitErr != nil {
		return -1
	}
	return 0
}

func (p *Process) reap() {
	p.waitErr = p.Cmd.Wait()
	close(p.exited)
}

// Stop asks the child to terminate and kills it if it is still running
// after grace.
func (p *Process) Stop(grace time.Duration) {
	select {
	case <-p.exited:
		return
	default:
	}

	if err := terminate(p); err != nil && p.Cmd.Process != nil {
		p.Cmd.Process.Kill()
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-p.exited:
	case <-timer.C:
		if p.Cmd.Process != nil {
			p.Cmd.Process.Kill()
		}
		<-p.exited
	}
}
