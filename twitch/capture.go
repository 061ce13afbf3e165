package twitch

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

const defaultStreamlink = "streamlink"

// Capture records the live stream to a file by running streamlink as a child
// process. Stop interrupts the process and falls back to a kill if it lingers.
type Capture struct {
	bin   string
	login string

	mu        sync.Mutex
	cmd       *exec.Cmd
	done      chan struct{}
	recording bool
}

// NewCapture builds a capture for one login; bin may be empty to use the
// streamlink on PATH.
func NewCapture(bin, login string) *Capture {
	if bin == "" {
		bin = defaultStreamlink
	}
	return &Capture{bin: bin, login: login}
}

func (c *Capture) Start(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.recording {
		return fmt.Errorf("capture already running for %s", c.login)
	}
	if _, err := exec.LookPath(c.bin); err != nil {
		return fmt.Errorf("streamlink not available: %w", err)
	}

	cmd := exec.Command(c.bin,
		"--twitch-disable-ads",
		"--force", // overwrite a stale file from a crashed run
		"-o", path,
		"twitch.tv/"+c.login,
		"best",
	)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start streamlink: %w", err)
	}

	done := make(chan struct{})
	c.cmd = cmd
	c.done = done
	c.recording = true
	go func() {
		err := cmd.Wait()
		c.mu.Lock()
		c.recording = false
		c.mu.Unlock()
		if err != nil {
			slog.Debug("streamlink exited", slog.String("login", c.login), slog.Any("err", err))
		}
		close(done)
	}()
	slog.Info("capture started", slog.String("login", c.login), slog.String("path", path))
	return nil
}

func (c *Capture) Stop() error {
	c.mu.Lock()
	cmd, done, rec := c.cmd, c.done, c.recording
	c.mu.Unlock()
	if !rec || cmd == nil {
		return nil
	}
	_ = cmd.Process.Signal(os.Interrupt)
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		_ = cmd.Process.Kill()
		<-done
	}
	return nil
}

func (c *Capture) Recording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recording
}
