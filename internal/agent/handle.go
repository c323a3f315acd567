package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/tetherbot/tether/internal/log"
	"github.com/tetherbot/tether/internal/project"
)

// Agent CLIs tend to colorize output; chat transports cannot render it.
var ansiEscape = regexp.MustCompile(`\x1b(?:[@-Z\\-_]|\[[0-?]*[ -/]*[@-~])`)

// StripANSI removes terminal escape sequences from s.
func StripANSI(s string) string {
	return ansiEscape.ReplaceAllString(s, "")
}

// Handle represents one in-flight agent invocation: the live, cancellable
// stream of its output. Output is a restart-once feed: the channel is closed
// when the process exits and is never reopened.
type Handle struct {
	id        string
	proj      project.Project
	startedAt time.Time

	cmd        *exec.Cmd
	ctx        context.Context
	cancelFunc context.CancelFunc
	grace      time.Duration

	output chan string
	done   chan struct{}

	mu          sync.RWMutex
	status      Status
	stderrLines []string
	exitErr     error

	readers sync.WaitGroup
}

func newHandle(ctx context.Context, cancel context.CancelFunc, cmd *exec.Cmd, proj project.Project, grace time.Duration) *Handle {
	return &Handle{
		id:         uuid.NewString(),
		proj:       proj,
		startedAt:  time.Now(),
		cmd:        cmd,
		ctx:        ctx,
		cancelFunc: cancel,
		grace:      grace,
		output:     make(chan string, 64),
		done:       make(chan struct{}),
		status:     StatusPending,
	}
}

// ID returns the handle's unique identifier.
func (h *Handle) ID() string { return h.id }

// Project returns the project the run was launched against. Switching the
// active project mid-stream does not affect this value.
func (h *Handle) Project() project.Project { return h.proj }

// StartedAt returns the launch time.
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// Output returns the incremental text feed. Closed on process exit.
func (h *Handle) Output() <-chan string { return h.output }

// Done is closed once the process has exited and its status is final.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Status returns the current lifecycle state. Thread-safe.
func (h *Handle) Status() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

// Err returns the terminal error after Done: nil on success, ErrCancelled
// after a cancel, ErrTimeout on deadline, or the exit error (with captured
// stderr) on failure.
func (h *Handle) Err() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.exitErr
}

// StderrTail returns up to n of the most recent captured stderr lines.
func (h *Handle) StderrTail(n int) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.stderrLines) <= n {
		return append([]string(nil), h.stderrLines...)
	}
	return append([]string(nil), h.stderrLines[len(h.stderrLines)-n:]...)
}

// Cancel requests graceful termination. The process gets an interrupt first;
// if it has not exited within the grace window it is killed. Cancel is a
// no-op once the handle is terminal.
func (h *Handle) Cancel() {
	h.mu.Lock()
	if h.status.IsTerminal() {
		h.mu.Unlock()
		return
	}
	h.status = StatusCancelled
	h.mu.Unlock()

	log.Info(log.CatAgent, "Cancelling agent process", "handle", h.id, "pid", h.pid())

	if h.cmd.Process != nil {
		_ = h.cmd.Process.Signal(syscall.SIGTERM)
	}

	go func() {
		select {
		case <-h.done:
		case <-time.After(h.grace):
			log.Warn(log.CatAgent, "Grace window elapsed, killing process", "handle", h.id)
			h.cancelFunc()
		}
	}()
}

func (h *Handle) pid() int {
	if h.cmd == nil || h.cmd.Process == nil {
		return -1
	}
	return h.cmd.Process.Pid
}

func (h *Handle) setStatus(s Status) {
	h.mu.Lock()
	h.status = s
	h.mu.Unlock()
}

// start launches the reader and completion goroutines. Call after cmd.Start.
func (h *Handle) start(stdout, stderr io.ReadCloser) {
	h.setStatus(StatusRunning)
	h.readers.Add(2)
	go h.readOutput(stdout)
	go h.readStderr(stderr)
	go h.waitForCompletion()
}

// readOutput forwards stdout to the output channel in raw increments, not
// lines, so partial output renders promptly in chat.
func (h *Handle) readOutput(stdout io.ReadCloser) {
	defer h.readers.Done()
	defer close(h.output)

	buf := make([]byte, 4096)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			chunk := StripANSI(string(buf[:n]))
			if chunk != "" {
				select {
				case h.output <- chunk:
				case <-h.ctx.Done():
					return
				}
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug(log.CatAgent, "stdout read error", "handle", h.id, "error", err)
			}
			return
		}
	}
}

func (h *Handle) readStderr(stderr io.ReadCloser) {
	defer h.readers.Done()

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		log.Debug(log.CatAgent, "STDERR", "handle", h.id, "line", line)
		h.mu.Lock()
		h.stderrLines = append(h.stderrLines, line)
		h.mu.Unlock()
	}
}

// waitForCompletion reaps the process after the readers drain and settles the
// terminal status. It closes done to signal consumers.
func (h *Handle) waitForCompletion() {
	defer close(h.done)

	h.readers.Wait()
	err := h.cmd.Wait()

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.status == StatusCancelled {
		h.exitErr = ErrCancelled
		log.Debug(log.CatAgent, "Process was cancelled", "handle", h.id)
		return
	}

	if errors.Is(h.ctx.Err(), context.DeadlineExceeded) {
		h.status = StatusFailed
		h.exitErr = ErrTimeout
		log.Warn(log.CatAgent, "Process timed out", "handle", h.id)
		return
	}

	if err != nil {
		h.status = StatusFailed
		if len(h.stderrLines) > 0 {
			h.exitErr = fmt.Errorf("agent process failed: %s (exit: %w)", strings.Join(h.stderrLines, "\n"), err)
		} else {
			h.exitErr = fmt.Errorf("agent process exited: %w", err)
		}
		log.ErrorErr(log.CatAgent, "Process failed", err, "handle", h.id)
		return
	}

	h.status = StatusCompleted
	log.Debug(log.CatAgent, "Process completed", "handle", h.id)
}

// Collect drains the handle's full output and blocks until the process
// exits. Used for one-shot invocations where streaming is not needed.
func Collect(h *Handle) (string, error) {
	var sb strings.Builder
	for chunk := range h.Output() {
		sb.WriteString(chunk)
	}
	<-h.Done()
	return sb.String(), h.Err()
}
