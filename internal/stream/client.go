package stream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/remote-agent-terminal/agentrelay/internal/logger"
)

const (
	// maxLineSize bounds a single stream-json line (tool results can be large).
	maxLineSize = 16 * 1024 * 1024

	closeGrace = 3 * time.Second
)

// ErrClientClosed is returned when sending to a client that has stopped.
var ErrClientClosed = errors.New("stream client closed")

// Client is the async agent connection the transport drives. Events is
// closed when the agent goes away.
type Client interface {
	Connect(ctx context.Context) error
	Query(ctx context.Context, prompt string) error
	Events() <-chan Event
	Close() error
}

// CLIConfig describes how to launch the agent CLI.
type CLIConfig struct {
	Command     string
	Args        []string
	Env         []string
	Dir         string
	ResumeToken string
	Logger      *slog.Logger
}

// CLIClient runs the agent CLI as a child process speaking stream-json on
// stdin and stdout.
type CLIClient struct {
	cfg CLIConfig
	log *slog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	events chan Event

	mu     sync.Mutex
	closed bool
	waited chan struct{}
}

// NewCLIClient creates a client; the process starts on Connect.
func NewCLIClient(cfg CLIConfig) *CLIClient {
	return &CLIClient{
		cfg:    cfg,
		log:    logger.OrDefault(cfg.Logger).With("component", "stream-cli"),
		events: make(chan Event, 64),
		waited: make(chan struct{}),
	}
}

// Args returns the full argument list passed to the CLI.
func (c *CLIClient) Args() []string {
	args := append([]string{}, c.cfg.Args...)
	args = append(args,
		"--print",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
	)
	if c.cfg.ResumeToken != "" {
		args = append(args, "--resume", c.cfg.ResumeToken)
	}
	return args
}

// Connect starts the CLI process.
func (c *CLIClient) Connect(ctx context.Context) error {
	cmd := exec.Command(c.cfg.Command, c.Args()...)
	cmd.Dir = c.cfg.Dir
	cmd.Env = append(os.Environ(), c.cfg.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open agent stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open agent stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open agent stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", c.cfg.Command, err)
	}

	c.cmd = cmd
	c.stdin = stdin

	go c.readEvents(stdout)
	go c.drainStderr(stderr)
	go func() {
		err := cmd.Wait()
		c.log.Info("agent process exited", "error", err)
		close(c.waited)
	}()

	return nil
}

func (c *CLIClient) readEvents(stdout io.Reader) {
	defer close(c.events)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		ev, err := ParseEvent(line)
		if err != nil {
			c.log.Debug("skipping non-json agent output", "line", string(line))
			continue
		}
		c.events <- ev
	}
	if err := scanner.Err(); err != nil {
		c.log.Warn("agent output stream failed", "error", err)
	}
}

func (c *CLIClient) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		c.log.Debug("agent stderr", "line", scanner.Text())
	}
}

// Query writes one user prompt to the agent.
func (c *CLIClient) Query(ctx context.Context, prompt string) error {
	line, err := encodePrompt(prompt)
	if err != nil {
		return fmt.Errorf("failed to encode prompt: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.stdin == nil {
		return ErrClientClosed
	}
	if _, err := c.stdin.Write(line); err != nil {
		return fmt.Errorf("failed to write prompt: %w", err)
	}
	return nil
}

// Events implements Client.
func (c *CLIClient) Events() <-chan Event {
	return c.events
}

// Close closes stdin so the agent finishes, and kills it if it lingers.
func (c *CLIClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	stdin := c.stdin
	c.mu.Unlock()

	if c.cmd == nil {
		return nil
	}
	if stdin != nil {
		stdin.Close()
	}

	select {
	case <-c.waited:
		return nil
	case <-time.After(closeGrace):
	}

	if err := c.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill agent: %w", err)
	}
	<-c.waited
	return nil
}
