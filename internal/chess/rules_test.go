package chess

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplayDerivesFENAndTurn(t *testing.T) {
	pos, err := Replay(StartPos, []string{"e2e4", "e7e5", "g1f3"})
	require.NoError(t, err)

	assert.Equal(t, "rnbqkbnr/pppp1ppp/8/4p3/4P3/5N2/PPPP1PPP/RNBQKB1R b KQkq - 1 2", pos.FEN())
	assert.Equal(t, Black, pos.Turn())
	assert.Equal(t, 3, pos.Ply())
	assert.Equal(t, White, pos.StartColor())
	assert.True(t, pos.IsLegal("b8c6"))
	assert.False(t, pos.IsLegal("e2e4"))
}

func TestReplayRejectsIllegalSequence(t *testing.T) {
	_, err := Replay("", []string{"e2e4", "e2e4"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIllegalMove)
}

func TestTurnParityHonorsCustomStart(t *testing.T) {
	// black to move in the initial position
	pos, err := Replay("4k3/4p3/8/8/8/8/4P3/4K3 b - - 0 1", []string{"e8d8"})
	require.NoError(t, err)
	assert.Equal(t, Black, pos.StartColor())
	assert.Equal(t, White, pos.Turn())
	assert.Equal(t, "4k3/4p3/8/8/8/8/4P3/4K3 b - - 0 1", pos.InitialFEN())
}

func TestLegalMovesOfStartPosition(t *testing.T) {
	pos, err := Replay(StartPos, nil)
	require.NoError(t, err)
	legal := pos.LegalMoves()
	assert.Len(t, legal, 20)
	assert.IsIncreasing(t, legal)
	assert.Contains(t, legal, "g1f3")
}

func TestFallbackMoveIsDeterministicAndLegal(t *testing.T) {
	pos, err := Replay(StartPos, []string{"e2e4", "d7d5"})
	require.NoError(t, err)

	first, err := pos.FallbackMove()
	require.NoError(t, err)
	second, err := pos.FallbackMove()
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.True(t, pos.IsLegal(first))
	// exd5 is the only capture
	assert.Equal(t, "e4d5", first)
}

func TestSAN(t *testing.T) {
	pos, err := Replay(StartPos, []string{"e2e4", "e7e5"})
	require.NoError(t, err)
	san, err := pos.SAN("g1f3")
	require.NoError(t, err)
	assert.Equal(t, "Nf3", san)

	_, err = pos.SAN("a1a8")
	assert.ErrorIs(t, err, ErrIllegalMove)
}

func TestColorAfter(t *testing.T) {
	assert.Equal(t, White, ColorAfter(White, 0))
	assert.Equal(t, Black, ColorAfter(White, 1))
	assert.Equal(t, White, ColorAfter(Black, 1))
	assert.Equal(t, Black, ParseColor("BLACK"))
	assert.Equal(t, White, ParseColor("random"))
}

func TestRandomEvaluatorPicksLegalMove(t *testing.T) {
	pos, err := Replay(StartPos, []string{"d2d4"})
	require.NoError(t, err)

	ev := NewRandomEvaluator(42)
	for i := 0; i < 20; i++ {
		choice, err := ev.ChooseMove(context.Background(), pos, 1500)
		require.NoError(t, err)
		assert.True(t, pos.IsLegal(choice.Move), choice.Move)
		assert.Equal(t, SourceRandom, choice.Source)
	}
}
