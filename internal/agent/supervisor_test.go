package agent_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tetherbot/tether/internal/agent"
	"github.com/tetherbot/tether/internal/project"
)

func testProject(t *testing.T) project.Project {
	t.Helper()
	dir := t.TempDir()
	return project.Project{Name: filepath.Base(dir), Path: dir}
}

func writeScript(t *testing.T, proj project.Project, name, body string) string {
	t.Helper()
	path := filepath.Join(proj.Path, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return name
}

func testConfig() agent.Config {
	return agent.Config{
		Command:    "echo",
		PromptFlag: "-n",
		Timeout:    10 * time.Second,
		Grace:      200 * time.Millisecond,
	}
}

func TestSupervisor_LaunchEchoesPrompt(t *testing.T) {
	s := agent.NewSupervisor(testConfig())
	proj := testProject(t)

	h, err := s.Launch(context.Background(), proj, "hello world")
	require.NoError(t, err)
	defer s.Release(h)

	out, err := agent.Collect(h)
	require.NoError(t, err)
	assert.Equal(t, "hello world", out)
	assert.Equal(t, agent.StatusCompleted, h.Status())
	assert.Equal(t, proj.Path, h.Project().Path)
}

func TestSupervisor_SingleFlight(t *testing.T) {
	s := agent.NewSupervisor(testConfig())
	proj := testProject(t)
	script := writeScript(t, proj, "slow.sh", "sleep 5")

	h, err := s.RunScript(context.Background(), proj, script, nil)
	require.NoError(t, err)

	_, err = s.Launch(context.Background(), proj, "another")
	assert.ErrorIs(t, err, agent.ErrAlreadyRunning)

	_, err = s.RunScript(context.Background(), proj, script, nil)
	assert.ErrorIs(t, err, agent.ErrAlreadyRunning)

	h.Cancel()
	<-h.Done()
	assert.Equal(t, agent.StatusCancelled, h.Status())

	// The slot is held until Release even after the process has exited.
	_, err = s.Launch(context.Background(), proj, "still blocked")
	assert.ErrorIs(t, err, agent.ErrAlreadyRunning)

	s.Release(h)
	h2, err := s.Launch(context.Background(), proj, "now ok")
	require.NoError(t, err)
	defer s.Release(h2)
	_, _ = agent.Collect(h2)
}

func TestSupervisor_RunScriptPathTraversal(t *testing.T) {
	s := agent.NewSupervisor(testConfig())
	proj := testProject(t)

	_, err := s.RunScript(context.Background(), proj, "../../etc/passwd", nil)
	assert.ErrorIs(t, err, agent.ErrOutOfScope)

	_, err = s.RunScript(context.Background(), proj, "/etc/passwd", nil)
	assert.ErrorIs(t, err, agent.ErrOutOfScope)
	assert.Nil(t, s.Active())
}

func TestSupervisor_RunScriptMissingFile(t *testing.T) {
	s := agent.NewSupervisor(testConfig())
	proj := testProject(t)

	_, err := s.RunScript(context.Background(), proj, "nope.sh", nil)
	assert.ErrorIs(t, err, agent.ErrScriptNotFound)
}

func TestSupervisor_RunScriptUnsupportedType(t *testing.T) {
	s := agent.NewSupervisor(testConfig())
	proj := testProject(t)
	require.NoError(t, os.WriteFile(filepath.Join(proj.Path, "data.txt"), []byte("plain"), 0o644))

	_, err := s.RunScript(context.Background(), proj, "data.txt", nil)
	assert.ErrorIs(t, err, agent.ErrUnsupportedScript)
}

func TestSupervisor_RunScriptPassesParameters(t *testing.T) {
	s := agent.NewSupervisor(testConfig())
	proj := testProject(t)
	script := writeScript(t, proj, "args.sh", `printf '%s|%s' "$1" "$2"`)

	h, err := s.RunScript(context.Background(), proj, script, []string{"first", "second arg"})
	require.NoError(t, err)
	defer s.Release(h)

	out, err := agent.Collect(h)
	require.NoError(t, err)
	assert.Equal(t, "first|second arg", out)
}

func TestSupervisor_FailedRunReportsStderr(t *testing.T) {
	s := agent.NewSupervisor(testConfig())
	proj := testProject(t)
	script := writeScript(t, proj, "fail.sh", "echo boom >&2; exit 3")

	h, err := s.RunScript(context.Background(), proj, script, nil)
	require.NoError(t, err)
	defer s.Release(h)

	_, err = agent.Collect(h)
	require.Error(t, err)
	assert.Equal(t, agent.StatusFailed, h.Status())
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, []string{"boom"}, h.StderrTail(5))
}

func TestSupervisor_Timeout(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 100 * time.Millisecond
	s := agent.NewSupervisor(cfg)
	proj := testProject(t)
	script := writeScript(t, proj, "slow.sh", "sleep 5")

	h, err := s.RunScript(context.Background(), proj, script, nil)
	require.NoError(t, err)
	defer s.Release(h)

	_, err = agent.Collect(h)
	assert.ErrorIs(t, err, agent.ErrTimeout)
	assert.Equal(t, agent.StatusFailed, h.Status())
}

func TestSupervisor_CancelledRunReportsErrCancelled(t *testing.T) {
	s := agent.NewSupervisor(testConfig())
	proj := testProject(t)
	script := writeScript(t, proj, "chatty.sh", "printf 'partial'; exec sleep 5")

	h, err := s.RunScript(context.Background(), proj, script, nil)
	require.NoError(t, err)
	defer s.Release(h)

	// Let the first write land before cancelling mid-run.
	first := <-h.Output()
	assert.Equal(t, "partial", first)

	require.True(t, s.Cancel())
	_, err = agent.Collect(h)
	assert.ErrorIs(t, err, agent.ErrCancelled)
	assert.Equal(t, agent.StatusCancelled, h.Status())
}

func TestSupervisor_CancelWithoutActiveRun(t *testing.T) {
	s := agent.NewSupervisor(testConfig())
	assert.False(t, s.Cancel())
}

func TestStripANSI(t *testing.T) {
	in := "\x1b[31mred\x1b[0m and plain"
	assert.Equal(t, "red and plain", agent.StripANSI(in))
}
