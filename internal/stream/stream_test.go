package stream_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tetherbot/tether/internal/config"
	"github.com/tetherbot/tether/internal/stream"
)

type sinkOp struct {
	kind string // "send" or "edit"
	id   int
	text string
}

type fakeSink struct {
	ops    []sinkOp
	nextID int
}

func (f *fakeSink) SendMessage(_ context.Context, text string) (int, error) {
	f.nextID++
	f.ops = append(f.ops, sinkOp{kind: "send", id: f.nextID, text: text})
	return f.nextID, nil
}

func (f *fakeSink) EditMessage(_ context.Context, id int, text string) error {
	f.ops = append(f.ops, sinkOp{kind: "edit", id: id, text: text})
	return nil
}

func feed(increments ...string) <-chan string {
	ch := make(chan string, len(increments))
	for _, inc := range increments {
		ch <- inc
	}
	close(ch)
	return ch
}

func drainAndFinish(t *testing.T, c *stream.Coalescer, outcome stream.Outcome, increments ...string) {
	t.Helper()
	require.NoError(t, c.Drain(context.Background(), feed(increments...)))
	require.NoError(t, c.Finish(context.Background(), outcome, ""))
}

func TestOffMode_SilentUntilCompletion(t *testing.T) {
	sink := &fakeSink{}
	c := stream.New(sink, stream.Options{Mode: config.StreamOff, MaxChars: 100})

	require.NoError(t, c.Drain(context.Background(), feed("hello ", "world")))
	assert.Empty(t, sink.ops, "off mode must produce no intermediate traffic")

	require.NoError(t, c.Finish(context.Background(), stream.OutcomeCompleted, ""))
	require.Len(t, sink.ops, 1)
	assert.Equal(t, "hello world", sink.ops[0].text)
}

func TestBlockMode_HoldsBelowFloor(t *testing.T) {
	sink := &fakeSink{}
	c := stream.New(sink, stream.Options{Mode: config.StreamBlock, MinChars: 10, MaxChars: 100})

	require.NoError(t, c.Drain(context.Background(), feed("abc", "def")))
	assert.Empty(t, sink.ops, "no message until the floor is reached")

	require.NoError(t, c.Drain(context.Background(), feed("ghijkl")))
	require.Len(t, sink.ops, 1)
	assert.Equal(t, "abcdefghijkl", sink.ops[0].text)
}

func TestBlockMode_ChunksRespectCap(t *testing.T) {
	sink := &fakeSink{}
	c := stream.New(sink, stream.Options{Mode: config.StreamBlock, MinChars: 1, MaxChars: 4})

	drainAndFinish(t, c, stream.OutcomeCompleted, "abcdefghij")

	var got string
	for _, op := range sink.ops {
		assert.Equal(t, "send", op.kind)
		assert.LessOrEqual(t, len([]rune(op.text)), 4)
		got += op.text
	}
	assert.Equal(t, "abcdefghij", got)
}

func TestBlockMode_FinishFlushesRemainder(t *testing.T) {
	sink := &fakeSink{}
	c := stream.New(sink, stream.Options{Mode: config.StreamBlock, MinChars: 50, MaxChars: 100})

	require.NoError(t, c.Drain(context.Background(), feed("short tail")))
	assert.Empty(t, sink.ops)

	require.NoError(t, c.Finish(context.Background(), stream.OutcomeCompleted, ""))
	require.Len(t, sink.ops, 1)
	assert.Equal(t, "short tail", sink.ops[0].text)
}

func TestPartialMode_EditsInPlace(t *testing.T) {
	sink := &fakeSink{}
	c := stream.New(sink, stream.Options{
		Mode:      config.StreamPartial,
		TailLimit: 100,
		Cursor:    " ▌",
	})

	require.NoError(t, c.Drain(context.Background(), feed("first", " second")))

	require.Len(t, sink.ops, 2)
	assert.Equal(t, "send", sink.ops[0].kind)
	assert.Equal(t, "first ▌", sink.ops[0].text)
	assert.Equal(t, "edit", sink.ops[1].kind)
	assert.Equal(t, sink.ops[0].id, sink.ops[1].id, "partial mode maintains one message")
	assert.Equal(t, "first second ▌", sink.ops[1].text)
}

func TestPartialMode_ThrottleSuppressesEdits(t *testing.T) {
	sink := &fakeSink{}
	c := stream.New(sink, stream.Options{
		Mode:           config.StreamPartial,
		UpdateInterval: time.Hour,
		TailLimit:      100,
		Cursor:         " ▌",
	})

	require.NoError(t, c.Drain(context.Background(), feed("a", "b", "c")))
	require.Len(t, sink.ops, 1, "later increments fall inside the throttle window")

	require.NoError(t, c.Finish(context.Background(), stream.OutcomeCompleted, ""))
	last := sink.ops[len(sink.ops)-1]
	assert.Equal(t, "abc", last.text, "final content carries the full tail, cursor stripped")
}

func TestPartialMode_FinalTailCapped(t *testing.T) {
	sink := &fakeSink{}
	c := stream.New(sink, stream.Options{
		Mode:      config.StreamPartial,
		TailLimit: 5,
		Cursor:    "|",
	})

	drainAndFinish(t, c, stream.OutcomeCompleted, "0123456789")

	last := sink.ops[len(sink.ops)-1]
	assert.Equal(t, "56789", last.text)
}

func TestFinish_CancelledTagsOutput(t *testing.T) {
	sink := &fakeSink{}
	c := stream.New(sink, stream.Options{Mode: config.StreamBlock, MinChars: 50, MaxChars: 100})

	require.NoError(t, c.Drain(context.Background(), feed("partial work")))
	require.NoError(t, c.Finish(context.Background(), stream.OutcomeCancelled, ""))

	require.Len(t, sink.ops, 2)
	assert.Equal(t, "partial work", sink.ops[0].text, "buffered remainder flushed before the tag")
	assert.Contains(t, sink.ops[1].text, "Cancelled")
}

func TestFinish_FailureCarriesDetail(t *testing.T) {
	sink := &fakeSink{}
	c := stream.New(sink, stream.Options{Mode: config.StreamOff, MaxChars: 100})

	require.NoError(t, c.Drain(context.Background(), feed("half an answer")))
	require.NoError(t, c.Finish(context.Background(), stream.OutcomeFailed, "exit status 3"))

	last := sink.ops[len(sink.ops)-1]
	assert.Contains(t, last.text, "failed")
	assert.Contains(t, last.text, "exit status 3")
}

func TestFinish_EmptyOutputNotice(t *testing.T) {
	sink := &fakeSink{}
	c := stream.New(sink, stream.Options{Mode: config.StreamPartial, TailLimit: 10, Cursor: "|"})

	drainAndFinish(t, c, stream.OutcomeCompleted)

	require.Len(t, sink.ops, 1)
	assert.Equal(t, "(no output)", sink.ops[0].text)
}

func TestDrain_ContextCancelKeepsBuffer(t *testing.T) {
	sink := &fakeSink{}
	c := stream.New(sink, stream.Options{Mode: config.StreamOff, MaxChars: 100})

	ch := make(chan string)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, c.Drain(ctx, feed("kept")))
	cancel()
	err := c.Drain(ctx, ch)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "kept", c.Text())
}

func TestSplitChunks(t *testing.T) {
	assert.Nil(t, stream.SplitChunks("", 4))
	assert.Equal(t, []string{"abcd"}, stream.SplitChunks("abcd", 4))
	assert.Equal(t, []string{"abcd", "e"}, stream.SplitChunks("abcde", 4))
	assert.Equal(t, []string{"héllø"}, stream.SplitChunks("héllø", 5), "split counts runes, not bytes")
}
