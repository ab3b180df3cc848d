//go:build !windows

package pty

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	creackpty "github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// Start launches the command on a new pseudoterminal in its own session.
func Start(opts StartOptions) (*Process, error) {
	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	cmd.Env = append(cmd.Env, opts.Env...)
	cmd.Dir = opts.Dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true, Setctty: true}

	size := &creackpty.Winsize{Rows: opts.Rows, Cols: opts.Cols}
	if size.Rows == 0 || size.Cols == 0 {
		size.Rows, size.Cols = 24, 80
	}

	master, err := creackpty.StartWithAttrs(cmd, size, cmd.SysProcAttr)
	if err != nil {
		return nil, fmt.Errorf("failed to start %s on pty: %w", opts.Command, err)
	}

	// Fd switches the file to blocking mode, so take it once before
	// flipping the descriptor to non-blocking.
	fd := int(master.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		master.Close()
		cmd.Process.Kill()
		cmd.Wait()
		return nil, fmt.Errorf("failed to set pty non-blocking: %w", err)
	}

	p := &Process{Cmd: cmd, Master: master, fd: fd, exited: make(chan struct{})}
	go p.reap()
	return p, nil
}

// pollReadable waits up to timeout for the master to become readable.
// hup is set once the slave side has gone away.
func pollReadable(fd int, timeout time.Duration) (readable, hup bool, err error) {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, int(timeout/time.Millisecond))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return false, false, nil
		}
		return false, false, err
	}
	if n == 0 {
		return false, false, nil
	}
	revents := fds[0].Revents
	return revents&unix.POLLIN != 0, revents&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0, nil
}

// readFD reads what is available without blocking. It returns 0, nil when
// nothing is available.
func readFD(fd int, buf []byte) (int, error) {
	n, err := unix.Read(fd, buf)
	if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, errEOF
	}
	return n, nil
}

// writeFD writes all of p, waiting for the master to drain when it is full.
func writeFD(fd int, p []byte) error {
	for len(p) > 0 {
		n, err := unix.Write(fd, p)
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
			if _, perr := unix.Poll(fds, 100); perr != nil && !errors.Is(perr, unix.EINTR) {
				return perr
			}
			continue
		}
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

func setWinsize(fd int, rows, cols uint16) error {
	return unix.IoctlSetWinsize(fd, unix.TIOCSWINSZ, &unix.Winsize{Row: rows, Col: cols})
}

func terminate(p *Process) error {
	if p.Cmd.Process == nil {
		return nil
	}
	return p.Cmd.Process.Signal(unix.SIGTERM)
}
