package stream_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/tetherbot/tether/internal/config"
	"github.com/tetherbot/tether/internal/stream"
)

// TestBlockMode_LosslessConcatenation is a property-based test using rapid:
// for any sequence of increments in block mode, concatenating every emitted
// chunk reproduces the input exactly, in order, with no chunk over the cap.
func TestBlockMode_LosslessConcatenation(t *testing.T) {
	rapid.Check(t, func(r *rapid.T) {
		minChars := rapid.IntRange(1, 50).Draw(r, "minChars")
		maxChars := rapid.IntRange(minChars, 80).Draw(r, "maxChars")

		numIncrements := rapid.IntRange(1, 20).Draw(r, "numIncrements")
		increments := make([]string, numIncrements)
		var input string
		for i := range increments {
			increments[i] = rapid.StringOfN(rapid.Rune(), 0, 30, -1).Draw(r, "increment")
			input += increments[i]
		}
		if input == "" {
			input = "x"
			increments = append(increments, "x")
		}

		sink := &fakeSink{}
		c := stream.New(sink, stream.Options{
			Mode:     config.StreamBlock,
			MinChars: minChars,
			MaxChars: maxChars,
		})

		ch := make(chan string, len(increments))
		for _, inc := range increments {
			ch <- inc
		}
		close(ch)

		require.NoError(t, c.Drain(context.Background(), ch))
		require.NoError(t, c.Finish(context.Background(), stream.OutcomeCompleted, ""))

		var output string
		for _, op := range sink.ops {
			require.Equal(t, "send", op.kind)
			require.LessOrEqual(t, len([]rune(op.text)), maxChars)
			output += op.text
		}
		require.Equal(t, input, output)
	})
}
