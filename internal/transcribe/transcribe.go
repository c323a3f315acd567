// Package transcribe turns voice-note audio into prompt text. Failures are
// always surfaced to the caller so voice input is never silently dropped.
package transcribe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/tetherbot/tether/internal/log"
)

// ErrTranscriptionFailed wraps every failure mode of a transcription
// attempt, including the transcriber being unconfigured.
var ErrTranscriptionFailed = errors.New("transcription failed")

// Transcriber converts an audio blob to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

// Command shells out to a speech-to-text CLI that prints the transcript to
// stdout. The audio is handed over as a temp file path appended to the args.
type Command struct {
	Bin  string
	Args []string
}

// NewCommand creates a command transcriber. An empty bin is allowed and
// fails on use, keeping the fail-closed contract in one place.
func NewCommand(bin string, args []string) *Command {
	return &Command{Bin: bin, Args: args}
}

func (c *Command) Transcribe(ctx context.Context, audio []byte) (string, error) {
	if c.Bin == "" {
		return "", fmt.Errorf("%w: no transcriber configured", ErrTranscriptionFailed)
	}
	if len(audio) == 0 {
		return "", fmt.Errorf("%w: empty audio", ErrTranscriptionFailed)
	}

	tmp, err := os.CreateTemp("", "tether-voice-*.ogg")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTranscriptionFailed, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(audio); err != nil {
		tmp.Close()
		return "", fmt.Errorf("%w: %v", ErrTranscriptionFailed, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTranscriptionFailed, err)
	}

	args := append(append([]string(nil), c.Args...), tmp.Name())
	log.Debug(log.CatVoice, "Transcribing voice note", "bin", c.Bin, "bytes", len(audio))

	// #nosec G204 -- bin and args come from operator config
	cmd := exec.CommandContext(ctx, c.Bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		log.ErrorErr(log.CatVoice, "Transcriber failed", err, "bin", c.Bin)
		return "", fmt.Errorf("%w: %s", ErrTranscriptionFailed, detail)
	}

	text := strings.TrimSpace(stdout.String())
	if text == "" {
		return "", fmt.Errorf("%w: transcriber produced no text", ErrTranscriptionFailed)
	}

	log.Info(log.CatVoice, "Voice note transcribed", "chars", len(text))
	return text, nil
}

// SaveNote writes the raw audio alongside the project for later reference
// and returns the file path.
func SaveNote(dir string, audio []byte) (string, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("creating voice note dir: %w", err)
	}
	f, err := os.CreateTemp(dir, "voice-*.ogg")
	if err != nil {
		return "", fmt.Errorf("saving voice note: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(audio); err != nil {
		return "", fmt.Errorf("saving voice note: %w", err)
	}
	return filepath.Join(dir, filepath.Base(f.Name())), nil
}
