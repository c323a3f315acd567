// Package agent launches and supervises coding-agent CLI subprocesses, one
// per prompt, scoped to a project working directory. At most one handle is
// live at a time; the slot is held until the caller releases it after the
// final output flush.
package agent

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tetherbot/tether/internal/log"
	"github.com/tetherbot/tether/internal/project"
)

// Config holds the agent CLI invocation settings.
type Config struct {
	// Command is the agent binary, resolved via PATH.
	Command string

	// Args precede the prompt flag on every invocation.
	Args []string

	// PromptFlag carries the prompt text.
	PromptFlag string

	// Timeout bounds a run; zero disables it.
	Timeout time.Duration

	// Grace is how long a cancelled process may take to exit before being
	// killed.
	Grace time.Duration
}

// Supervisor owns the single in-flight agent subprocess.
type Supervisor struct {
	cfg Config

	mu     sync.Mutex
	active *Handle
}

// NewSupervisor creates a supervisor with the given invocation config.
func NewSupervisor(cfg Config) *Supervisor {
	return &Supervisor{cfg: cfg}
}

// Active returns the held handle, or nil.
func (s *Supervisor) Active() *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Release frees the single-flight slot. Only the handle that holds the slot
// releases it; stale releases are ignored.
func (s *Supervisor) Release(h *Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == h {
		s.active = nil
	}
}

// Cancel cancels the active handle, if any.
func (s *Supervisor) Cancel() bool {
	s.mu.Lock()
	h := s.active
	s.mu.Unlock()
	if h == nil {
		return false
	}
	h.Cancel()
	return true
}

// Launch starts one agent invocation in the project directory, feeding
// promptText via the configured prompt flag. Returns ErrAlreadyRunning while
// a previous handle is still held.
func (s *Supervisor) Launch(ctx context.Context, proj project.Project, promptText string) (*Handle, error) {
	args := make([]string, 0, len(s.cfg.Args)+2)
	args = append(args, s.cfg.Args...)
	args = append(args, s.cfg.PromptFlag, promptText)
	return s.spawn(ctx, proj, s.cfg.Command, args)
}

// RunScript executes a script file inside the project directory with the
// given parameters. The path must resolve inside the project directory;
// anything else fails with ErrOutOfScope before a process is started.
func (s *Supervisor) RunScript(ctx context.Context, proj project.Project, path string, params []string) (*Handle, error) {
	scriptPath, err := resolveInProject(proj, path)
	if err != nil {
		return nil, err
	}

	bin, args, err := interpreterFor(scriptPath)
	if err != nil {
		return nil, err
	}
	args = append(args, params...)

	return s.spawn(ctx, proj, bin, args)
}

func (s *Supervisor) spawn(ctx context.Context, proj project.Project, bin string, args []string) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil {
		return nil, ErrAlreadyRunning
	}

	var procCtx context.Context
	var cancel context.CancelFunc
	if s.cfg.Timeout > 0 {
		procCtx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
	} else {
		procCtx, cancel = context.WithCancel(ctx)
	}

	log.Debug(log.CatAgent, "Spawning process", "bin", bin, "args", strings.Join(args, " "), "workDir", proj.Path)

	// #nosec G204 -- bin and args come from operator config and vetted script paths
	cmd := exec.CommandContext(procCtx, bin, args...)
	cmd.Dir = proj.Path

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	h := newHandle(procCtx, cancel, cmd, proj, s.cfg.Grace)

	if err := cmd.Start(); err != nil {
		cancel()
		log.ErrorErr(log.CatAgent, "Failed to start process", err, "bin", bin)
		return nil, fmt.Errorf("failed to start %s: %w", bin, err)
	}

	log.Info(log.CatAgent, "Process started", "handle", h.id, "pid", cmd.Process.Pid, "project", proj.Name)
	h.start(stdout, stderr)

	s.active = h
	return h, nil
}

// resolveInProject joins path against the project directory and rejects
// anything that escapes it.
func resolveInProject(proj project.Project, path string) (string, error) {
	root, err := filepath.Abs(proj.Path)
	if err != nil {
		return "", fmt.Errorf("resolving project root: %w", err)
	}

	joined := path
	if !filepath.IsAbs(joined) {
		joined = filepath.Join(root, path)
	}
	joined = filepath.Clean(joined)

	rel, err := filepath.Rel(root, joined)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutOfScope, path)
	}

	info, err := os.Stat(joined)
	if err != nil || info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrScriptNotFound, path)
	}

	return joined, nil
}

// interpreterFor maps a script to its invocation. Executables run directly;
// known interpreted types get their interpreter prepended.
func interpreterFor(scriptPath string) (bin string, args []string, err error) {
	switch filepath.Ext(scriptPath) {
	case ".py":
		return "python3", []string{scriptPath}, nil
	case ".sh":
		return "bash", []string{scriptPath}, nil
	}

	info, statErr := os.Stat(scriptPath)
	if statErr == nil && info.Mode().Perm()&0o111 != 0 {
		return scriptPath, nil, nil
	}

	return "", nil, fmt.Errorf("%w: %s", ErrUnsupportedScript, filepath.Base(scriptPath))
}
