// Package stream converts a raw incremental text feed into a bounded
// sequence of outbound chat operations. Three modes: partial edits one
// message in place with the live tail of the buffer, block emits fresh
// messages in chunks, off stays silent until the run finishes.
package stream

import (
	"context"
	"strings"
	"time"

	"github.com/tetherbot/tether/internal/config"
	"github.com/tetherbot/tether/internal/log"
)

// Sink is the outbound chat surface the coalescer writes to.
type Sink interface {
	SendMessage(ctx context.Context, text string) (id int, err error)
	EditMessage(ctx context.Context, id int, text string) error
}

// Outcome describes how the run behind the feed ended.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeFailed
	OutcomeCancelled
)

const (
	cancelledNotice = "🛑 Cancelled."
	failedNotice    = "⚠️ Agent run failed"
	emptyNotice     = "(no output)"
)

// Options configures flush behavior. Zero UpdateInterval means every
// increment may trigger an edit in partial mode.
type Options struct {
	Mode           config.StreamMode
	UpdateInterval time.Duration
	MinChars       int
	MaxChars       int
	TailLimit      int
	Cursor         string
}

// Coalescer buffers one feed and emits chat operations for it. Not safe for
// concurrent use: Drain is the single writer, Finish runs after Drain
// returns. Operations are emitted strictly in increment arrival order.
type Coalescer struct {
	sink Sink
	opts Options

	full    strings.Builder
	pending []rune

	messageID    int
	haveMessage  bool
	lastRendered string
	lastEdit     time.Time
}

// New creates a coalescer writing to sink.
func New(sink Sink, opts Options) *Coalescer {
	return &Coalescer{sink: sink, opts: opts}
}

// Text returns everything accumulated so far.
func (c *Coalescer) Text() string {
	return c.full.String()
}

// Drain consumes feed until it closes, emitting intermediate chat traffic
// according to the configured mode. Returns early on context cancellation;
// buffered text survives for Finish.
func (c *Coalescer) Drain(ctx context.Context, feed <-chan string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-feed:
			if !ok {
				return nil
			}
			if chunk == "" {
				continue
			}
			c.full.WriteString(chunk)
			c.pending = append(c.pending, []rune(chunk)...)
			if err := c.flush(ctx); err != nil {
				// Chat delivery failures must not stall the drain; the feed
				// still has to be consumed so the process can exit.
				log.ErrorErr(log.CatStream, "Intermediate flush failed", err)
			}
		}
	}
}

func (c *Coalescer) flush(ctx context.Context) error {
	switch c.opts.Mode {
	case config.StreamOff:
		return nil
	case config.StreamBlock:
		return c.flushBlocks(ctx, false)
	default:
		return c.flushPartial(ctx)
	}
}

// flushBlocks emits fresh messages while at least MinChars are pending, each
// carrying at most MaxChars. When final is set the remainder goes out
// regardless of size.
func (c *Coalescer) flushBlocks(ctx context.Context, final bool) error {
	for len(c.pending) > 0 {
		if !final && len(c.pending) < c.opts.MinChars {
			return nil
		}
		n := len(c.pending)
		if c.opts.MaxChars > 0 && n > c.opts.MaxChars {
			n = c.opts.MaxChars
		}
		if _, err := c.sink.SendMessage(ctx, string(c.pending[:n])); err != nil {
			return err
		}
		c.pending = c.pending[n:]
	}
	return nil
}

// flushPartial re-renders the single outbound message with the buffer tail
// plus the cursor marker. Throttling is purely time-based.
func (c *Coalescer) flushPartial(ctx context.Context) error {
	if time.Since(c.lastEdit) < c.opts.UpdateInterval {
		return nil
	}
	return c.render(ctx, c.tail()+c.opts.Cursor)
}

func (c *Coalescer) render(ctx context.Context, content string) error {
	if content == "" || content == c.lastRendered {
		return nil
	}
	c.lastEdit = time.Now()
	c.lastRendered = content

	if !c.haveMessage {
		id, err := c.sink.SendMessage(ctx, content)
		if err != nil {
			return err
		}
		c.messageID = id
		c.haveMessage = true
		return nil
	}
	return c.sink.EditMessage(ctx, c.messageID, content)
}

// tail returns the last TailLimit runes of the buffer.
func (c *Coalescer) tail() string {
	runes := []rune(c.full.String())
	if c.opts.TailLimit > 0 && len(runes) > c.opts.TailLimit {
		runes = runes[len(runes)-c.opts.TailLimit:]
	}
	return string(runes)
}

// Finish performs the final flush after the feed has closed: remaining
// buffered text goes out, the cursor marker is stripped, and an abnormal
// outcome is reported as its own message. Call exactly once, after Drain.
func (c *Coalescer) Finish(ctx context.Context, outcome Outcome, detail string) error {
	if err := c.finalContent(ctx); err != nil {
		return err
	}
	return c.finalNotice(ctx, outcome, detail)
}

func (c *Coalescer) finalContent(ctx context.Context) error {
	switch c.opts.Mode {
	case config.StreamBlock:
		return c.flushBlocks(ctx, true)
	case config.StreamOff:
		text := c.full.String()
		if text == "" {
			return nil
		}
		for _, chunk := range SplitChunks(text, c.opts.MaxChars) {
			if _, err := c.sink.SendMessage(ctx, chunk); err != nil {
				return err
			}
		}
		return nil
	default:
		// Final render carries the true tail with no cursor.
		return c.render(ctx, c.tail())
	}
}

func (c *Coalescer) finalNotice(ctx context.Context, outcome Outcome, detail string) error {
	var notice string
	switch outcome {
	case OutcomeCancelled:
		notice = cancelledNotice
	case OutcomeFailed:
		notice = failedNotice
		if detail != "" {
			notice += ": " + detail
		}
	default:
		if c.full.Len() == 0 {
			notice = emptyNotice
		}
	}
	if notice == "" {
		return nil
	}
	_, err := c.sink.SendMessage(ctx, notice)
	return err
}

// SplitChunks breaks text into rune-safe pieces of at most max runes each.
// A non-positive max returns the text whole.
func SplitChunks(text string, max int) []string {
	if text == "" {
		return nil
	}
	if max <= 0 {
		return []string{text}
	}
	runes := []rune(text)
	chunks := make([]string, 0, (len(runes)+max-1)/max)
	for len(runes) > max {
		chunks = append(chunks, string(runes[:max]))
		runes = runes[max:]
	}
	return append(chunks, string(runes))
}
