package session_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tetherbot/tether/internal/agent"
	"github.com/tetherbot/tether/internal/chat"
	"github.com/tetherbot/tether/internal/config"
	"github.com/tetherbot/tether/internal/project"
	"github.com/tetherbot/tether/internal/refine"
	"github.com/tetherbot/tether/internal/session"
	"github.com/tetherbot/tether/internal/stream"
)

type menuCall struct {
	text    string
	options []chat.MenuOption
}

type fakeTransport struct {
	mu     sync.Mutex
	msgs   []string
	menus  []menuCall
	files  []string
	nextID int

	voiceData []byte
	voiceErr  error
}

func (f *fakeTransport) Updates(context.Context) <-chan chat.Update { return nil }

func (f *fakeTransport) SendMessage(_ context.Context, text string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.msgs = append(f.msgs, text)
	return f.nextID, nil
}

func (f *fakeTransport) EditMessage(_ context.Context, _ int, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, text)
	return nil
}

func (f *fakeTransport) SendMenu(_ context.Context, text string, options []chat.MenuOption) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.menus = append(f.menus, menuCall{text: text, options: options})
	return f.nextID, nil
}

func (f *fakeTransport) AckMenu(context.Context, string) error { return nil }

func (f *fakeTransport) SendFile(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files = append(f.files, path)
	return nil
}

func (f *fakeTransport) DownloadVoice(context.Context, string) ([]byte, error) {
	return f.voiceData, f.voiceErr
}

func (f *fakeTransport) lastMsg() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.msgs) == 0 {
		return ""
	}
	return f.msgs[len(f.msgs)-1]
}

func (f *fakeTransport) lastMenu() menuCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.menus) == 0 {
		return menuCall{}
	}
	return f.menus[len(f.menus)-1]
}

type fixedTranscriber struct {
	text string
	err  error
}

func (f fixedTranscriber) Transcribe(context.Context, []byte) (string, error) {
	return f.text, f.err
}

// echoAgent makes every launch print its prompt.
func echoAgent() agent.Config {
	return agent.Config{Command: "echo", PromptFlag: "-n", Timeout: 10 * time.Second, Grace: time.Second}
}

// slowAgent makes every launch sleep long enough to observe Streaming.
func slowAgent() agent.Config {
	return agent.Config{
		Command:    "sh",
		Args:       []string{"-c", "sleep 5"},
		PromptFlag: "--",
		Timeout:    10 * time.Second,
		Grace:      200 * time.Millisecond,
	}
}

type fixture struct {
	m     *session.Machine
	out   *fakeTransport
	store *project.Store
	sup   *agent.Supervisor
}

func newFixture(t *testing.T, agentCfg agent.Config, opts stream.Options) *fixture {
	t.Helper()
	store, err := project.NewStore(t.TempDir(), "")
	require.NoError(t, err)

	out := &fakeTransport{}
	sup := agent.NewSupervisor(agentCfg)
	m := session.New(session.Deps{
		Store:   store,
		Sup:     sup,
		Refiner: refine.New(sup),
		Out:     out,
		Voice:   fixedTranscriber{text: "transcribed prompt"},
		Stream:  opts,
		ZipSkip: []string{".git", "__pycache__"},
	})
	return &fixture{m: m, out: out, store: store, sup: sup}
}

func blockOpts(minChars, maxChars int) stream.Options {
	return stream.Options{Mode: config.StreamBlock, MinChars: minChars, MaxChars: maxChars}
}

func text(s string) chat.Update  { return chat.Update{Sender: 1, Text: s} }
func menu(data string) chat.Update {
	return chat.Update{Sender: 1, Menu: &chat.MenuSelection{AckID: "ack", Data: data}}
}

func waitEvent(t *testing.T, m *session.Machine) session.Event {
	t.Helper()
	select {
	case ev := <-m.Events():
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for machine event")
		return session.Event{}
	}
}

func runToIdle(t *testing.T, fx *fixture) {
	t.Helper()
	fx.m.HandleEvent(context.Background(), waitEvent(t, fx.m))
	require.Equal(t, session.Idle, fx.m.State())
}

func TestNewProjectThenPromptStreamsInBlocks(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, echoAgent(), blockOpts(10, 8))

	fx.m.HandleUpdate(ctx, text("/new_project demo"))
	proj, err := fx.store.Current()
	require.NoError(t, err)
	assert.Equal(t, "demo", proj.Name)
	assert.Contains(t, fx.out.lastMsg(), "Created and selected")

	sent := len(fx.out.msgs)
	prompt := "hello from a prompt long enough to chunk"
	fx.m.HandleUpdate(ctx, text(prompt))
	require.Equal(t, session.Streaming, fx.m.State())
	runToIdle(t, fx)

	var streamed string
	for _, msg := range fx.out.msgs[sent:] {
		assert.LessOrEqual(t, len([]rune(msg)), 8)
		streamed += msg
	}
	assert.Equal(t, prompt, streamed, "chunk concatenation reproduces the agent output")

	// The exchange is journaled on disk.
	conv, err := os.ReadFile(proj.ConversationLogPath())
	require.NoError(t, err)
	assert.Contains(t, string(conv), "--- USER REQUEST ---")
	assert.Contains(t, string(conv), "--- AGENT DECISION ---")
}

func TestPromptWithoutProjectIsRefused(t *testing.T) {
	fx := newFixture(t, echoAgent(), blockOpts(1, 100))

	fx.m.HandleUpdate(context.Background(), text("do something"))
	assert.Equal(t, session.Idle, fx.m.State())
	assert.Contains(t, fx.out.lastMsg(), "No active project")
}

func TestStreamingRejectsEverythingButCancelAndReadOnly(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, slowAgent(), blockOpts(1, 100))
	fx.m.HandleUpdate(ctx, text("/new_project demo"))

	fx.m.HandleUpdate(ctx, text("run this"))
	require.Equal(t, session.Streaming, fx.m.State())

	fx.m.HandleUpdate(ctx, text("another prompt"))
	assert.Contains(t, fx.out.lastMsg(), "in flight")

	fx.m.HandleUpdate(ctx, text("/set_project"))
	assert.Contains(t, fx.out.lastMsg(), "in flight")

	fx.m.HandleUpdate(ctx, text("/current_project"))
	assert.Contains(t, fx.out.lastMsg(), "Active project: demo")

	fx.m.HandleUpdate(ctx, text("/cancel"))

	ev := waitEvent(t, fx.m)
	require.NotNil(t, ev.Completion)
	assert.Equal(t, stream.OutcomeCancelled, ev.Completion.Outcome)
	fx.m.HandleEvent(ctx, ev)
	assert.Equal(t, session.Idle, fx.m.State())
	assert.Contains(t, strings.Join(fx.out.msgs, "\n"), "Cancelling")
}

func TestProjectMenuSelection(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, echoAgent(), blockOpts(1, 100))
	fx.m.HandleUpdate(ctx, text("/new_project alpha"))
	fx.m.HandleUpdate(ctx, text("/new_project beta"))

	fx.m.HandleUpdate(ctx, text("/set_project"))
	require.Equal(t, session.AwaitingProjectChoice, fx.m.State())

	mc := fx.out.lastMenu()
	require.Len(t, mc.options, 2)
	var alphaData string
	for _, opt := range mc.options {
		if strings.Contains(opt.Label, "alpha") {
			alphaData = opt.Data
		}
	}
	require.NotEmpty(t, alphaData)

	fx.m.HandleUpdate(ctx, menu(alphaData))
	assert.Equal(t, session.Idle, fx.m.State())
	proj, err := fx.store.Current()
	require.NoError(t, err)
	assert.Equal(t, "alpha", proj.Name)
}

func TestNarrowChoiceRepromptsOnUnmatchedInput(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, echoAgent(), blockOpts(1, 100))
	fx.m.HandleUpdate(ctx, text("/new_project demo"))
	fx.m.HandleUpdate(ctx, text("/set_project"))
	require.Equal(t, session.AwaitingProjectChoice, fx.m.State())

	fx.m.HandleUpdate(ctx, text("what?"))
	assert.Equal(t, session.AwaitingProjectChoice, fx.m.State(), "unmatched input re-prompts instead of falling through")
	assert.Contains(t, fx.out.lastMsg(), "Pick a project")

	fx.m.HandleUpdate(ctx, menu("bogus-id"))
	assert.Equal(t, session.AwaitingProjectChoice, fx.m.State())
}

func TestCommandCancelsPendingChoice(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, echoAgent(), blockOpts(1, 100))
	fx.m.HandleUpdate(ctx, text("/new_project demo"))
	fx.m.HandleUpdate(ctx, text("/set_project"))
	require.Equal(t, session.AwaitingProjectChoice, fx.m.State())

	fx.m.HandleUpdate(ctx, text("/help"))
	assert.Equal(t, session.Idle, fx.m.State())
	assert.Contains(t, fx.out.lastMsg(), "Commands:")
}

func TestFileMenuSendsPickedFile(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, echoAgent(), blockOpts(1, 100))
	fx.m.HandleUpdate(ctx, text("/new_project demo"))
	proj, err := fx.store.Current()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(proj.Path, "notes.txt"), []byte("x"), 0o644))

	fx.m.HandleUpdate(ctx, text("/file"))
	require.Equal(t, session.AwaitingFileChoice, fx.m.State())

	mc := fx.out.lastMenu()
	var data string
	for _, opt := range mc.options {
		if strings.Contains(opt.Label, "notes.txt") {
			data = opt.Data
		}
	}
	require.NotEmpty(t, data)

	fx.m.HandleUpdate(ctx, menu(data))
	assert.Equal(t, session.Idle, fx.m.State())
	require.Len(t, fx.out.files, 1)
	assert.Equal(t, filepath.Join(proj.Path, "notes.txt"), fx.out.files[0])
}

func TestScriptFlowRunsWithParameters(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, echoAgent(), blockOpts(1, 4000))
	fx.m.HandleUpdate(ctx, text("/new_project demo"))
	proj, err := fx.store.Current()
	require.NoError(t, err)
	script := filepath.Join(proj.Path, "greet.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nprintf 'hi %s' \"$1\"\n"), 0o755))

	fx.m.HandleUpdate(ctx, text("/e"))
	require.Equal(t, session.AwaitingScriptChoice, fx.m.State())

	mc := fx.out.lastMenu()
	require.Len(t, mc.options, 1)
	fx.m.HandleUpdate(ctx, menu(mc.options[0].Data))
	require.Equal(t, session.AwaitingScriptParameters, fx.m.State())

	fx.m.HandleUpdate(ctx, text("world"))
	require.Equal(t, session.Streaming, fx.m.State())
	runToIdle(t, fx)

	joined := strings.Join(fx.out.msgs, "\n")
	assert.Contains(t, joined, "hi world")

	results, err := os.ReadFile(filepath.Join(proj.Path, "results.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hi world", string(results))
}

func TestContextDeclineLeavesDocumentUntouched(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, agent.Config{
		Command:    "sh",
		Args:       []string{"-c", "printf 'replacement doc'"},
		PromptFlag: "--",
		Timeout:    10 * time.Second,
		Grace:      time.Second,
	}, blockOpts(1, 4000))
	fx.m.HandleUpdate(ctx, text("/new_project demo"))
	proj, err := fx.store.Current()
	require.NoError(t, err)
	before, err := os.ReadFile(proj.RequirementsPath())
	require.NoError(t, err)

	fx.m.HandleUpdate(ctx, text("/context"))
	require.Equal(t, session.Streaming, fx.m.State())

	ev := waitEvent(t, fx.m)
	require.NoError(t, ev.ProposalErr)
	fx.m.HandleEvent(ctx, ev)
	require.Equal(t, session.AwaitingContextConfirmation, fx.m.State())

	fx.m.HandleUpdate(ctx, menu("ctx:decline"))
	assert.Equal(t, session.Idle, fx.m.State())

	after, err := os.ReadFile(proj.RequirementsPath())
	require.NoError(t, err)
	assert.Equal(t, before, after, "declined proposal leaves the document byte-identical")
}

func TestContextAcceptReplacesDocument(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, agent.Config{
		Command:    "sh",
		Args:       []string{"-c", "printf 'replacement doc'"},
		PromptFlag: "--",
		Timeout:    10 * time.Second,
		Grace:      time.Second,
	}, blockOpts(1, 4000))
	fx.m.HandleUpdate(ctx, text("/new_project demo"))
	proj, err := fx.store.Current()
	require.NoError(t, err)

	fx.m.HandleUpdate(ctx, text("/context"))
	ev := waitEvent(t, fx.m)
	require.NoError(t, ev.ProposalErr)
	fx.m.HandleEvent(ctx, ev)

	fx.m.HandleUpdate(ctx, menu("ctx:accept"))
	assert.Equal(t, session.Idle, fx.m.State())

	after, err := os.ReadFile(proj.RequirementsPath())
	require.NoError(t, err)
	assert.Equal(t, "replacement doc\n", string(after))
}

func TestCancelDuringRefinementDropsLateResult(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, slowAgent(), blockOpts(1, 4000))
	fx.m.HandleUpdate(ctx, text("/new_project demo"))

	fx.m.HandleUpdate(ctx, text("/context"))
	require.Equal(t, session.Streaming, fx.m.State())

	// Cancel right away; the refine subprocess may or may not have started
	// yet, and either way the user must land back at Idle.
	fx.m.HandleUpdate(ctx, text("/cancel"))
	assert.Equal(t, session.Idle, fx.m.State())
	assert.Contains(t, fx.out.lastMsg(), "Refinement cancelled")

	// The cancelled run still reports back; its result must be discarded
	// rather than re-opening the confirmation flow.
	fx.m.HandleEvent(ctx, waitEvent(t, fx.m))
	assert.Equal(t, session.Idle, fx.m.State())
	assert.Empty(t, fx.out.menus, "no verdict menu for a cancelled refinement")
	for _, msg := range fx.out.msgs {
		assert.NotContains(t, msg, "Proposed requirements document")
	}
}

func TestVoiceTranscriptionFailureIsReported(t *testing.T) {
	ctx := context.Background()
	fx := newFixtureWithVoice(t, fixedTranscriber{err: assert.AnError})
	fx.out.voiceData = []byte("audio")

	fx.m.HandleUpdate(ctx, chat.Update{Sender: 1, Voice: &chat.VoiceNote{FileID: "v1"}})
	assert.Contains(t, fx.out.lastMsg(), "Transcription failed")
	assert.Equal(t, session.Idle, fx.m.State())
}

func newFixtureWithVoice(t *testing.T, voice fixedTranscriber) *fixture {
	t.Helper()
	store, err := project.NewStore(t.TempDir(), "")
	require.NoError(t, err)
	out := &fakeTransport{}
	sup := agent.NewSupervisor(echoAgent())
	m := session.New(session.Deps{
		Store:   store,
		Sup:     sup,
		Refiner: refine.New(sup),
		Out:     out,
		Voice:   voice,
		Stream:  blockOpts(1, 100),
	})
	return &fixture{m: m, out: out, store: store, sup: sup}
}

func TestVoicePromptIsTranscribedAndRun(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, echoAgent(), blockOpts(1, 4000))
	fx.out.voiceData = []byte("audio")
	fx.m.HandleUpdate(ctx, text("/new_project demo"))

	fx.m.HandleUpdate(ctx, chat.Update{Sender: 1, Voice: &chat.VoiceNote{FileID: "v1"}})
	require.Equal(t, session.Streaming, fx.m.State())
	runToIdle(t, fx)

	joined := strings.Join(fx.out.msgs, "\n")
	assert.Contains(t, joined, "🎤 transcribed prompt")
	assert.Contains(t, joined, "transcribed prompt")
}

func TestDownloadSendsArchive(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, echoAgent(), blockOpts(1, 100))
	fx.m.HandleUpdate(ctx, text("/new_project demo"))

	fx.m.HandleUpdate(ctx, text("/d"))
	require.Len(t, fx.out.files, 1)
	assert.True(t, strings.HasSuffix(fx.out.files[0], ".zip"))
}

func TestUnknownCommand(t *testing.T) {
	fx := newFixture(t, echoAgent(), blockOpts(1, 100))
	fx.m.HandleUpdate(context.Background(), text("/bogus"))
	assert.Contains(t, fx.out.lastMsg(), "Unknown command")
}

func TestCancelWithNothingRunning(t *testing.T) {
	fx := newFixture(t, echoAgent(), blockOpts(1, 100))
	fx.m.HandleUpdate(context.Background(), text("/cancel"))
	assert.Contains(t, fx.out.lastMsg(), "Nothing to cancel")
}
