// Package session implements the conversational state machine that routes
// every inbound chat event to the right handler for the current state, and
// owns the lifecycle of in-flight agent runs.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tetherbot/tether/internal/agent"
	"github.com/tetherbot/tether/internal/chat"
	"github.com/tetherbot/tether/internal/log"
	"github.com/tetherbot/tether/internal/project"
	"github.com/tetherbot/tether/internal/refine"
	"github.com/tetherbot/tether/internal/stream"
	"github.com/tetherbot/tether/internal/transcribe"
)

// Fixed menu values for the refinement verdict; everything else is
// correlated through generated ids.
const (
	verdictAccept  = "ctx:accept"
	verdictEdit    = "ctx:edit"
	verdictDecline = "ctx:decline"
)

// promptReminderEvery is how many prompts pass between reminders to compact
// the requirements document.
const promptReminderEvery = 5

const helpText = `Commands:
/set_project — choose the active project
/new_project [name] — create and select a project
/current_project — show the active project
/file — pick a project file to download
/e — run a script from the project directory
/d — download the whole project as a zip
/context — compact the requirements document
/cancel — stop the run in flight

Anything else is sent to the agent as a prompt. Voice notes are transcribed
and treated the same way.`

// Completion reports a finished agent run back to the event loop.
type Completion struct {
	Handle  *agent.Handle
	Text    string
	Outcome stream.Outcome
	// Scripted marks script executions, which are not journaled as prompts.
	Scripted bool
}

// Event is delivered on Events when background work finishes.
type Event struct {
	Completion  *Completion
	Proposal    *refine.Proposal
	ProposalErr error

	// refineSeq ties a proposal result to the refine run that produced it;
	// results from a run the user has since cancelled are dropped.
	refineSeq int
}

// Deps wires the machine to its collaborators.
type Deps struct {
	Store   *project.Store
	Sup     *agent.Supervisor
	Refiner *refine.Refiner
	Out     chat.Transport
	Voice   transcribe.Transcriber
	Stream  stream.Options
	ZipSkip []string
	// OnProjectSelected lets the caller swap the file watch when the active
	// project changes.
	OnProjectSelected func(project.Project)
}

// Machine is the per-user interaction state machine. HandleUpdate and
// HandleEvent must be called from a single goroutine (the bridge loop);
// background runs only communicate through the Events channel.
type Machine struct {
	deps  Deps
	state State

	// menu maps generated option ids to their payloads for the pending
	// narrow-choice state.
	menu     map[string]string
	reprompt string

	pendingScript string
	proposal      *refine.Proposal
	awaitGuidance bool

	// refineSeq numbers refine runs; refineCancel stops the in-flight one.
	// A /cancel bumps the sequence so the run's late event is discarded.
	refineSeq    int
	refineCancel context.CancelFunc

	events chan Event
}

// New creates an idle machine.
func New(deps Deps) *Machine {
	return &Machine{
		deps:   deps,
		state:  Idle,
		menu:   make(map[string]string),
		events: make(chan Event, 4),
	}
}

// State returns the current interaction state.
func (m *Machine) State() State { return m.state }

// Events delivers completions of background work; the owner must select on
// it alongside inbound updates and call HandleEvent for each value.
func (m *Machine) Events() <-chan Event { return m.events }

func (m *Machine) send(ctx context.Context, text string) {
	if err := chat.SendChunked(ctx, m.deps.Out, text); err != nil {
		log.ErrorErr(log.CatSession, "Failed to send reply", err)
	}
}

// HandleUpdate routes one inbound event through the state machine.
func (m *Machine) HandleUpdate(ctx context.Context, u chat.Update) {
	switch {
	case u.Menu != nil:
		if err := m.deps.Out.AckMenu(ctx, u.Menu.AckID); err != nil {
			log.Warn(log.CatSession, "Menu ack failed", "error", err)
		}
		m.handleMenu(ctx, u.Menu.Data)
	case u.Voice != nil:
		m.handleVoice(ctx, u)
	case strings.HasPrefix(u.Text, "/"):
		cmd, args := splitCommand(u.Text)
		m.handleCommand(ctx, cmd, args)
	default:
		m.handleText(ctx, u.Text)
	}
}

func splitCommand(text string) (string, string) {
	cmd, args, _ := strings.Cut(text, " ")
	return cmd, strings.TrimSpace(args)
}

// readOnlyCommand reports whether cmd is safe to serve while Streaming.
func readOnlyCommand(cmd string) bool {
	switch cmd {
	case "/start", "/help", "/current_project", "/status":
		return true
	}
	return false
}

func (m *Machine) handleCommand(ctx context.Context, cmd, args string) {
	// A command always cancels a pending narrow-choice state before it is
	// dispatched, so the user is never trapped in a menu.
	if m.state != Idle && m.state != Streaming && cmd != "" {
		m.resetChoice()
	}

	if m.state == Streaming && cmd != "/cancel" && !readOnlyCommand(cmd) {
		m.send(ctx, "⏳ An agent run is in flight. Use /cancel to stop it first.")
		return
	}

	log.Debug(log.CatSession, "Dispatching command", "command", cmd, "state", m.state)

	switch cmd {
	case "/start", "/help":
		m.send(ctx, helpText)
	case "/status":
		m.cmdStatus(ctx)
	case "/set_project":
		m.cmdSetProject(ctx)
	case "/new_project":
		m.cmdNewProject(ctx, args)
	case "/current_project":
		m.cmdCurrentProject(ctx)
	case "/file":
		m.cmdFile(ctx)
	case "/e":
		m.cmdExecute(ctx)
	case "/d":
		m.cmdDownload(ctx)
	case "/context":
		m.cmdContext(ctx)
	case "/cancel":
		m.cmdCancel(ctx)
	default:
		m.send(ctx, fmt.Sprintf("Unknown command %s. Try /help.", cmd))
	}
}

func (m *Machine) resetChoice() {
	m.state = Idle
	m.menu = make(map[string]string)
	m.reprompt = ""
	m.pendingScript = ""
	m.proposal = nil
	m.awaitGuidance = false
}

func (m *Machine) handleText(ctx context.Context, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	switch m.state {
	case Idle:
		m.startPrompt(ctx, text)
	case Streaming:
		m.send(ctx, "⏳ An agent run is in flight. Use /cancel to stop it first.")
	case AwaitingNewProjectName:
		m.createProject(ctx, text)
	case AwaitingScriptParameters:
		m.startScript(ctx, text)
	case AwaitingContextConfirmation:
		if m.awaitGuidance {
			m.reviseProposal(ctx, text)
			return
		}
		m.send(ctx, m.reprompt)
	default:
		// Narrow-choice states re-prompt on anything that is not a menu
		// selection.
		m.send(ctx, m.reprompt)
	}
}

func (m *Machine) handleMenu(ctx context.Context, data string) {
	switch m.state {
	case AwaitingContextConfirmation:
		m.handleVerdict(ctx, data)
		return
	case AwaitingProjectChoice, AwaitingFileChoice, AwaitingScriptChoice:
	default:
		log.Debug(log.CatSession, "Stale menu selection ignored", "state", m.state)
		return
	}

	value, ok := m.menu[data]
	if !ok {
		m.send(ctx, m.reprompt)
		return
	}

	state := m.state
	m.resetChoice()

	switch state {
	case AwaitingProjectChoice:
		m.selectProject(ctx, value)
	case AwaitingFileChoice:
		m.sendProjectFile(ctx, value)
	case AwaitingScriptChoice:
		m.pendingScript = value
		m.state = AwaitingScriptParameters
		m.send(ctx, fmt.Sprintf("Parameters for %s? Send \"-\" for none.", value))
	}
}

func (m *Machine) handleVoice(ctx context.Context, u chat.Update) {
	audio, err := m.deps.Out.DownloadVoice(ctx, u.Voice.FileID)
	if err != nil {
		log.ErrorErr(log.CatVoice, "Voice download failed", err)
		m.send(ctx, "⚠️ Could not fetch the voice note. Please try again or type the prompt.")
		return
	}

	if proj, err := m.deps.Store.Current(); err == nil {
		if _, err := transcribe.SaveNote(filepath.Join(proj.Path, ".voice"), audio); err != nil {
			log.Warn(log.CatVoice, "Could not save voice note", "error", err)
		}
	}

	text, err := m.deps.Voice.Transcribe(ctx, audio)
	if err != nil {
		log.ErrorErr(log.CatVoice, "Transcription failed", err)
		m.send(ctx, "⚠️ Transcription failed; the voice note was not processed.")
		return
	}

	m.send(ctx, "🎤 "+text)
	m.handleText(ctx, text)
}

func (m *Machine) cmdStatus(ctx context.Context) {
	if h := m.deps.Sup.Active(); h != nil {
		m.send(ctx, fmt.Sprintf("Run %s on %s: %s (started %s ago)",
			h.ID()[:8], h.Project().Name, h.Status(), timeSince(h.StartedAt())))
		return
	}
	m.send(ctx, fmt.Sprintf("Idle (state: %s). No run in flight.", m.state))
}

func (m *Machine) cmdSetProject(ctx context.Context) {
	projects, err := m.deps.Store.List()
	if err != nil {
		m.send(ctx, "⚠️ Could not list projects: "+err.Error())
		return
	}
	if len(projects) == 0 {
		m.send(ctx, "No projects yet. Create one with /new_project <name>.")
		return
	}

	options := make([]chat.MenuOption, 0, len(projects))
	m.menu = make(map[string]string)
	for _, p := range projects {
		id := uuid.NewString()
		m.menu[id] = p.Name
		options = append(options, chat.MenuOption{Label: "📁 " + p.Name, Data: id})
	}

	m.reprompt = "Pick a project from the menu above."
	if _, err := m.deps.Out.SendMenu(ctx, "Which project?", options); err != nil {
		m.send(ctx, "⚠️ Could not show the project menu: "+err.Error())
		m.resetChoice()
		return
	}
	m.state = AwaitingProjectChoice
}

func (m *Machine) cmdNewProject(ctx context.Context, args string) {
	if args == "" {
		m.state = AwaitingNewProjectName
		m.reprompt = "What should the new project be called?"
		m.send(ctx, m.reprompt)
		return
	}
	m.createProject(ctx, args)
}

func (m *Machine) createProject(ctx context.Context, name string) {
	m.resetChoice()

	proj, err := m.deps.Store.Create(name)
	switch {
	case errors.Is(err, project.ErrAlreadyExists):
		m.send(ctx, fmt.Sprintf("Project %q already exists. Use /set_project to switch to it.", name))
		return
	case errors.Is(err, project.ErrInvalidName):
		m.send(ctx, fmt.Sprintf("%q is not a usable project name.", name))
		return
	case err != nil:
		m.send(ctx, "⚠️ Could not create the project: "+err.Error())
		return
	}

	m.projectSelected(proj)
	m.send(ctx, fmt.Sprintf("✅ Created and selected %q. Send a prompt to get started.", proj.Name))
}

func (m *Machine) selectProject(ctx context.Context, name string) {
	proj, err := m.deps.Store.Select(name)
	if err != nil {
		m.send(ctx, "⚠️ Could not select the project: "+err.Error())
		return
	}
	m.projectSelected(proj)
	m.send(ctx, fmt.Sprintf("✅ Active project is now %q.", proj.Name))
}

func (m *Machine) projectSelected(proj project.Project) {
	if m.deps.OnProjectSelected != nil {
		m.deps.OnProjectSelected(proj)
	}
}

func (m *Machine) cmdCurrentProject(ctx context.Context) {
	proj, err := m.deps.Store.Current()
	if err != nil {
		m.send(ctx, "No active project. Use /set_project or /new_project first.")
		return
	}
	m.send(ctx, fmt.Sprintf("Active project: %s (%s)", proj.Name, proj.Path))
}

// currentProject resolves the active project or tells the user how to get
// one.
func (m *Machine) currentProject(ctx context.Context) (project.Project, bool) {
	proj, err := m.deps.Store.Current()
	if err != nil {
		m.send(ctx, "No active project. Use /set_project or /new_project first.")
		return project.Project{}, false
	}
	return proj, true
}

func (m *Machine) cmdFile(ctx context.Context) {
	proj, ok := m.currentProject(ctx)
	if !ok {
		return
	}

	files, err := proj.Files()
	if err != nil {
		m.send(ctx, "⚠️ Could not list files: "+err.Error())
		return
	}
	if len(files) == 0 {
		m.send(ctx, "The project has no files yet.")
		return
	}

	options := make([]chat.MenuOption, 0, len(files))
	m.menu = make(map[string]string)
	for _, name := range files {
		id := uuid.NewString()
		m.menu[id] = name
		options = append(options, chat.MenuOption{Label: chat.IconFor(name, false) + " " + name, Data: id})
	}

	m.reprompt = "Pick a file from the menu above."
	if _, err := m.deps.Out.SendMenu(ctx, "Which file?", options); err != nil {
		m.send(ctx, "⚠️ Could not show the file menu: "+err.Error())
		m.resetChoice()
		return
	}
	m.state = AwaitingFileChoice
}

func (m *Machine) sendProjectFile(ctx context.Context, name string) {
	proj, ok := m.currentProject(ctx)
	if !ok {
		return
	}
	if err := m.deps.Out.SendFile(ctx, filepath.Join(proj.Path, name)); err != nil {
		m.send(ctx, "⚠️ Could not send the file: "+err.Error())
	}
}

func (m *Machine) cmdExecute(ctx context.Context) {
	proj, ok := m.currentProject(ctx)
	if !ok {
		return
	}

	files, err := proj.Files()
	if err != nil {
		m.send(ctx, "⚠️ Could not list files: "+err.Error())
		return
	}

	var scripts []string
	for _, name := range files {
		switch filepath.Ext(name) {
		case ".py", ".sh":
			scripts = append(scripts, name)
		}
	}
	if len(scripts) == 0 {
		m.send(ctx, "No runnable scripts (.py or .sh) in the project.")
		return
	}

	options := make([]chat.MenuOption, 0, len(scripts))
	m.menu = make(map[string]string)
	for _, name := range scripts {
		id := uuid.NewString()
		m.menu[id] = name
		options = append(options, chat.MenuOption{Label: chat.IconFor(name, false) + " " + name, Data: id})
	}

	m.reprompt = "Pick a script from the menu above."
	if _, err := m.deps.Out.SendMenu(ctx, "Which script?", options); err != nil {
		m.send(ctx, "⚠️ Could not show the script menu: "+err.Error())
		m.resetChoice()
		return
	}
	m.state = AwaitingScriptChoice
}

func (m *Machine) startScript(ctx context.Context, params string) {
	proj, ok := m.currentProject(ctx)
	if !ok {
		m.resetChoice()
		return
	}
	script := m.pendingScript
	m.resetChoice()

	var args []string
	if params != "-" {
		args = strings.Fields(params)
	}

	h, err := m.deps.Sup.RunScript(ctx, proj, script, args)
	if err != nil {
		m.reportLaunchError(ctx, err)
		return
	}

	m.send(ctx, fmt.Sprintf("▶️ Running %s…", script))
	m.beginStreaming(ctx, h, true)
}

func (m *Machine) startPrompt(ctx context.Context, text string) {
	proj, ok := m.currentProject(ctx)
	if !ok {
		return
	}

	if err := proj.AppendConversation("user request", text); err != nil {
		log.Warn(log.CatSession, "Could not journal request", "error", err)
	}
	if err := proj.AppendRequirement(text); err != nil {
		log.Warn(log.CatSession, "Could not record requirement", "error", err)
	}

	h, err := m.deps.Sup.Launch(ctx, proj, text)
	if err != nil {
		m.reportLaunchError(ctx, err)
		return
	}

	m.beginStreaming(ctx, h, false)
}

func (m *Machine) reportLaunchError(ctx context.Context, err error) {
	switch {
	case errors.Is(err, agent.ErrAlreadyRunning):
		m.send(ctx, "⏳ An agent run is in flight. Use /cancel to stop it first.")
	case errors.Is(err, agent.ErrOutOfScope):
		m.send(ctx, "⛔ That path is outside the project directory.")
	case errors.Is(err, agent.ErrScriptNotFound):
		m.send(ctx, "⚠️ The script no longer exists.")
	case errors.Is(err, agent.ErrUnsupportedScript):
		m.send(ctx, "⚠️ That file type cannot be executed.")
	default:
		m.send(ctx, "⚠️ Could not start the agent: "+err.Error())
	}
}

// beginStreaming hands the handle to a drain goroutine and flips the state.
// The goroutine never touches machine state; it reports back through the
// events channel.
func (m *Machine) beginStreaming(ctx context.Context, h *agent.Handle, scripted bool) {
	m.state = Streaming
	c := stream.New(m.deps.Out, m.deps.Stream)

	go func() {
		ctx, span := otel.Tracer("tether/session").Start(ctx, "agent.run",
			trace.WithAttributes(
				attribute.String("run.id", h.ID()),
				attribute.String("project", h.Project().Name),
			))
		defer span.End()

		if err := c.Drain(ctx, h.Output()); err != nil {
			log.Warn(log.CatStream, "Drain interrupted", "error", err)
		}
		<-h.Done()

		outcome := stream.OutcomeCompleted
		detail := ""
		switch h.Status() {
		case agent.StatusCancelled:
			outcome = stream.OutcomeCancelled
		case agent.StatusFailed:
			outcome = stream.OutcomeFailed
			if err := h.Err(); err != nil {
				detail = err.Error()
			}
		}
		span.SetAttributes(attribute.String("run.status", h.Status().String()))

		if err := c.Finish(ctx, outcome, detail); err != nil {
			log.ErrorErr(log.CatStream, "Final flush failed", err)
		}

		m.events <- Event{Completion: &Completion{
			Handle:   h,
			Text:     c.Text(),
			Outcome:  outcome,
			Scripted: scripted,
		}}
	}()
}

func (m *Machine) cmdDownload(ctx context.Context) {
	proj, ok := m.currentProject(ctx)
	if !ok {
		return
	}

	path, err := zipProject(proj, m.deps.ZipSkip)
	if err != nil {
		m.send(ctx, "⚠️ Could not package the project: "+err.Error())
		return
	}
	defer removeQuiet(path)

	if err := m.deps.Out.SendFile(ctx, path); err != nil {
		m.send(ctx, "⚠️ Could not send the archive: "+err.Error())
	}
}

func (m *Machine) cmdContext(ctx context.Context) {
	proj, ok := m.currentProject(ctx)
	if !ok {
		return
	}

	m.send(ctx, "🧠 Reviewing the requirements document…")
	m.startRefine(ctx, proj, nil, "")
}

func (m *Machine) reviseProposal(ctx context.Context, guidance string) {
	prior := m.proposal
	m.proposal = nil
	m.awaitGuidance = false

	m.send(ctx, "🧠 Reworking the proposal…")
	m.startRefine(ctx, prior.Project, prior, guidance)
}

// startRefine runs one refinement turn in the background. The run is numbered
// so a /cancel landing at any point (even before the subprocess has started)
// invalidates its eventual result.
func (m *Machine) startRefine(ctx context.Context, proj project.Project, prior *refine.Proposal, guidance string) {
	m.state = Streaming
	m.refineSeq++
	seq := m.refineSeq

	rctx, cancel := context.WithCancel(ctx)
	m.refineCancel = cancel

	go func() {
		defer cancel()
		p, err := m.deps.Refiner.Propose(rctx, proj, prior, guidance)
		m.events <- Event{Proposal: p, ProposalErr: err, refineSeq: seq}
	}()
}

func (m *Machine) handleVerdict(ctx context.Context, data string) {
	switch data {
	case verdictAccept:
		p := m.proposal
		m.resetChoice()
		if p == nil {
			return
		}
		if err := p.Accept(); err != nil {
			m.send(ctx, "⚠️ Could not apply the new document: "+err.Error())
			return
		}
		m.send(ctx, "✅ Requirements document updated.")
	case verdictDecline:
		m.resetChoice()
		m.send(ctx, "👍 Left the requirements document untouched.")
	case verdictEdit:
		m.awaitGuidance = true
		m.send(ctx, "What should change in the proposal?")
	default:
		m.send(ctx, m.reprompt)
	}
}

func (m *Machine) cmdCancel(ctx context.Context) {
	if m.refineCancel != nil {
		// Stops the refine subprocess if it is already running, and the
		// context cancel covers the window before Launch has taken the slot.
		// Bumping the sequence discards the run's late event.
		m.deps.Sup.Cancel()
		m.refineCancel()
		m.refineCancel = nil
		m.refineSeq++
		m.state = Idle
		m.send(ctx, "🛑 Refinement cancelled.")
		return
	}
	if m.deps.Sup.Cancel() {
		m.send(ctx, "🛑 Cancelling…")
		return
	}
	if m.state != Idle {
		m.resetChoice()
		m.send(ctx, "Okay, never mind.")
		return
	}
	m.send(ctx, "Nothing to cancel.")
}

// HandleEvent finishes background work: journals completed runs, presents
// refinement proposals, and returns the machine to Idle.
func (m *Machine) HandleEvent(ctx context.Context, ev Event) {
	if ev.Completion != nil {
		m.finishRun(ctx, ev.Completion)
		return
	}

	if ev.refineSeq != m.refineSeq {
		log.Debug(log.CatRefine, "Dropping result of cancelled refinement", "seq", ev.refineSeq)
		return
	}
	m.refineCancel = nil

	switch {
	case errors.Is(ev.ProposalErr, agent.ErrCancelled), errors.Is(ev.ProposalErr, context.Canceled):
		m.state = Idle
		m.send(ctx, "🛑 Refinement cancelled.")
	case ev.ProposalErr != nil:
		m.state = Idle
		log.ErrorErr(log.CatRefine, "Refinement failed", ev.ProposalErr)
		m.send(ctx, "⚠️ Refinement failed: "+ev.ProposalErr.Error())
	case ev.Proposal != nil:
		m.presentProposal(ctx, ev.Proposal)
	}
}

func (m *Machine) finishRun(ctx context.Context, comp *Completion) {
	proj := comp.Handle.Project()
	m.deps.Sup.Release(comp.Handle)
	m.state = Idle

	if comp.Scripted {
		if comp.Outcome == stream.OutcomeCompleted {
			resultsPath := filepath.Join(proj.Path, "results.txt")
			if err := os.WriteFile(resultsPath, []byte(comp.Text), 0o644); err != nil { //nolint:gosec // G306: project files are operator-owned
				log.Warn(log.CatSession, "Could not write script results", "error", err)
			}
		}
		return
	}
	if comp.Outcome != stream.OutcomeCompleted {
		return
	}

	if err := proj.AppendConversation("agent decision", comp.Text); err != nil {
		log.Warn(log.CatSession, "Could not journal agent output", "error", err)
	}
	if err := proj.AppendSuggestion(comp.Text); err != nil {
		log.Warn(log.CatSession, "Could not record agent suggestion", "error", err)
	}

	if count := m.deps.Store.CountPrompt(proj); count > 0 && count%promptReminderEvery == 0 {
		m.send(ctx, fmt.Sprintf("💡 %d prompts on this project so far — consider /context to compact the requirements document.", count))
	}
}

func (m *Machine) presentProposal(ctx context.Context, p *refine.Proposal) {
	m.proposal = p
	m.state = AwaitingContextConfirmation
	m.awaitGuidance = false
	m.reprompt = "Use the buttons above to accept, adjust, or decline the proposal."

	m.send(ctx, "Proposed requirements document:\n\n"+p.Proposed)
	diff := p.Diff()
	if strings.TrimSpace(diff) != "" {
		m.send(ctx, "Changes:\n```\n"+diff+"```")
	}

	_, err := m.deps.Out.SendMenu(ctx, "Apply this document?", []chat.MenuOption{
		{Label: "✅ Accept", Data: verdictAccept},
		{Label: "✏️ Adjust", Data: verdictEdit},
		{Label: "❌ Decline", Data: verdictDecline},
	})
	if err != nil {
		log.ErrorErr(log.CatSession, "Could not send verdict menu", err)
	}
}

func timeSince(t time.Time) string {
	return time.Since(t).Round(time.Second).String()
}
