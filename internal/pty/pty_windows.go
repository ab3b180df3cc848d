//go:build windows

package pty

import (
	"errors"
	"time"

	"github.com/remote-agent-terminal/agentrelay/internal/model"
)

// Start is not available on Windows; agents there use the streaming transport.
func Start(opts StartOptions) (*Process, error) {
	return nil, model.ErrUnsupported
}

func pollReadable(fd int, timeout time.Duration) (bool, bool, error) {
	return false, true, model.ErrUnsupported
}

func readFD(fd int, buf []byte) (int, error) { return 0, errors.ErrUnsupported }

func writeFD(fd int, p []byte) error { return errors.ErrUnsupported }

func setWinsize(fd int, rows, cols uint16) error { return model.ErrUnsupported }

func terminate(p *Process) error {
	if p.Cmd.Process == nil {
		return nil
	}
	return p.Cmd.Process.Kill()
}
