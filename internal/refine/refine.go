// Package refine compacts a project's requirements document through the
// agent. The flow is propose, review, then either an atomic replace or no
// change at all; a declined proposal leaves the file byte-identical.
package refine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tetherbot/tether/internal/agent"
	"github.com/tetherbot/tether/internal/log"
	"github.com/tetherbot/tether/internal/project"
)

// conversationTailBytes bounds how much recent history rides along with a
// refinement request.
const conversationTailBytes = 4000

const directive = `You are maintaining the requirements document for this project.
Rewrite the document below so it stays complete but compact: merge duplicates,
drop obsolete items, keep every requirement that is still relevant.
Respond with ONLY the full replacement document, no commentary.`

// Refiner drives requirements-document refinement runs.
type Refiner struct {
	sup *agent.Supervisor
}

// New creates a refiner running proposals through sup.
func New(sup *agent.Supervisor) *Refiner {
	return &Refiner{sup: sup}
}

// Proposal is a pending replacement for a project's requirements document.
// Nothing is written until Accept.
type Proposal struct {
	Project  project.Project
	Original string
	Proposed string
}

// Propose runs the agent once over the current document plus recent
// conversation history and returns its proposed replacement. guidance, when
// non-empty, carries the user's requested adjustments to a prior proposal.
func (r *Refiner) Propose(ctx context.Context, proj project.Project, prior *Proposal, guidance string) (*Proposal, error) {
	ctx, span := otel.Tracer("tether/refine").Start(ctx, "refine.propose",
		trace.WithAttributes(attribute.String("project", proj.Name)))
	defer span.End()

	original, err := os.ReadFile(proj.RequirementsPath())
	if err != nil {
		return nil, fmt.Errorf("reading requirements document: %w", err)
	}

	prompt := buildPrompt(string(original), conversationTail(proj), prior, guidance)

	h, err := r.sup.Launch(ctx, proj, prompt)
	if err != nil {
		return nil, err
	}
	output, err := agent.Collect(h)
	r.sup.Release(h)
	if errors.Is(err, agent.ErrCancelled) {
		// Whatever the agent wrote before the cancel is a truncated document,
		// not a proposal.
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("refinement run failed: %w", err)
	}

	proposed := strings.TrimSpace(output)
	if proposed == "" {
		return nil, fmt.Errorf("refinement run produced no document")
	}

	log.Info(log.CatRefine, "Refinement proposed", "project", proj.Name,
		"originalChars", len(original), "proposedChars", len(proposed))

	return &Proposal{
		Project:  proj,
		Original: string(original),
		Proposed: proposed + "\n",
	}, nil
}

func buildPrompt(original, history string, prior *Proposal, guidance string) string {
	var b strings.Builder
	b.WriteString(directive)
	b.WriteString("\n\n--- CURRENT DOCUMENT ---\n")
	b.WriteString(original)
	if history != "" {
		b.WriteString("\n--- RECENT CONVERSATION ---\n")
		b.WriteString(history)
	}
	if prior != nil && guidance != "" {
		b.WriteString("\n--- PREVIOUS PROPOSAL ---\n")
		b.WriteString(prior.Proposed)
		b.WriteString("\n--- REQUESTED CHANGES ---\n")
		b.WriteString(guidance)
	}
	return b.String()
}

func conversationTail(proj project.Project) string {
	data, err := os.ReadFile(proj.ConversationLogPath())
	if err != nil {
		return ""
	}
	runes := []rune(string(data))
	if len(runes) > conversationTailBytes {
		runes = runes[len(runes)-conversationTailBytes:]
	}
	return string(runes)
}

// Diff renders a line-oriented summary of the proposed change, one +/-
// prefixed line per changed line.
func (p *Proposal) Diff() string {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(p.Original, p.Proposed)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var sb strings.Builder
	for _, d := range diffs {
		prefix := "  "
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			prefix = "+ "
		case diffmatchpatch.DiffDelete:
			prefix = "- "
		}
		for _, line := range strings.Split(strings.TrimRight(d.Text, "\n"), "\n") {
			sb.WriteString(prefix)
			sb.WriteString(line)
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// Accept atomically replaces the requirements document with the proposal.
// The document is never left partially written: the new content lands in a
// temp file in the same directory, is synced, then renamed over the original.
func (p *Proposal) Accept() error {
	dir := filepath.Dir(p.Project.RequirementsPath())
	tmp, err := os.CreateTemp(dir, ".requirements-*")
	if err != nil {
		return fmt.Errorf("staging refined document: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(p.Proposed); err != nil {
		tmp.Close()
		return fmt.Errorf("staging refined document: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("staging refined document: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("staging refined document: %w", err)
	}

	if err := os.Rename(tmp.Name(), p.Project.RequirementsPath()); err != nil {
		return fmt.Errorf("replacing requirements document: %w", err)
	}

	log.Info(log.CatRefine, "Requirements document replaced", "project", p.Project.Name)
	return nil
}
