// Package chat defines the transport contract between the bridge core and a
// chat service, plus a Telegram implementation. The core only sees Update
// values and the Transport interface; everything Telegram-specific stays
// behind it.
package chat

import (
	"context"

	"github.com/tetherbot/tether/internal/stream"
)

// Update is one inbound event. Exactly one of Text, Voice, Menu carries the
// payload.
type Update struct {
	// Sender identifies the account the event came from. Events from anyone
	// but the authorized user are dropped before reaching the core.
	Sender    int64
	MessageID int

	// Text is free text or a /command line.
	Text string

	// Voice is set for voice notes.
	Voice *VoiceNote

	// Menu is set for inline-button selections.
	Menu *MenuSelection
}

// VoiceNote references an uploaded audio blob on the transport side.
type VoiceNote struct {
	FileID   string
	Duration int
}

// MenuSelection is a tapped inline button. Data carries the opaque value the
// menu was built with; AckID is what the transport needs to dismiss the
// spinner on the user's client.
type MenuSelection struct {
	AckID string
	Data  string
}

// MenuOption is one button in an outbound menu.
type MenuOption struct {
	Label string
	Data  string
}

// Transport is the full outbound surface plus the inbound event feed.
type Transport interface {
	// Updates delivers inbound events until ctx is cancelled. The channel is
	// closed on shutdown.
	Updates(ctx context.Context) <-chan Update

	SendMessage(ctx context.Context, text string) (id int, err error)
	EditMessage(ctx context.Context, id int, text string) error
	SendMenu(ctx context.Context, text string, options []MenuOption) (id int, err error)
	AckMenu(ctx context.Context, ackID string) error
	SendFile(ctx context.Context, path string) error
	DownloadVoice(ctx context.Context, fileID string) ([]byte, error)
}

// maxMessageRunes is the transport's hard cap on a single message.
const maxMessageRunes = 4096

// SendChunked splits text at the transport's message cap and sends each
// piece in order.
func SendChunked(ctx context.Context, t Transport, text string) error {
	for _, chunk := range stream.SplitChunks(text, maxMessageRunes) {
		if _, err := t.SendMessage(ctx, chunk); err != nil {
			return err
		}
	}
	return nil
}
