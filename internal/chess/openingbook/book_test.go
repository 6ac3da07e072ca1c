package openingbook

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"

	chesslib "github.com/corentings/chess/v2"
	"github.com/park285/Cheese-lichess-bot/internal/chess"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// polyglot move bits: to file, to rank, from file, from rank (3 bits each)
func polyMove(fromFile, fromRank, toFile, toRank uint16) uint16 {
	return toFile | toRank<<3 | fromFile<<6 | fromRank<<9
}

type entry struct {
	move   uint16
	weight uint16
}

func bookFor(t *testing.T, pos *chess.Position, entries ...entry) *bytes.Reader {
	t.Helper()
	hashStr, err := chesslib.NewZobristHasher().HashPosition(pos.FEN())
	require.NoError(t, err)
	key := chesslib.ZobristHashToUint64(hashStr)

	var buf bytes.Buffer
	for _, e := range entries {
		rec := make([]byte, 16)
		binary.BigEndian.PutUint64(rec[0:8], key)
		binary.BigEndian.PutUint16(rec[8:10], e.move)
		binary.BigEndian.PutUint16(rec[10:12], e.weight)
		buf.Write(rec)
	}
	return bytes.NewReader(buf.Bytes())
}

type fixedEvaluator struct {
	move  string
	calls int
}

func (f *fixedEvaluator) ChooseMove(context.Context, *chess.Position, int) (chess.Choice, error) {
	f.calls++
	return chess.Choice{Move: f.move, Source: chess.SourceRandom}, nil
}

var (
	e2e4 = polyMove(4, 1, 4, 3)
	d2d4 = polyMove(3, 1, 3, 3)
	e2e5 = polyMove(4, 1, 4, 4)
)

func TestLookupFiltersIllegalAndZeroWeight(t *testing.T) {
	start, err := chess.Replay("", nil)
	require.NoError(t, err)

	b, err := Load(bookFor(t, start, entry{e2e4, 10}, entry{d2d4, 0}, entry{e2e5, 50}), 8, 1)
	require.NoError(t, err)

	got, err := b.Lookup(start)
	require.NoError(t, err)
	assert.Equal(t, []Result{{Move: "e2e4", Weight: 10}}, got)

	r, ok, err := b.Pick(start)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "e2e4", r.Move)
}

func TestEvaluatorUsesBookThenDelegates(t *testing.T) {
	start, err := chess.Replay("", nil)
	require.NoError(t, err)
	b, err := Load(bookFor(t, start, entry{e2e4, 3}), 1, 1)
	require.NoError(t, err)

	next := &fixedEvaluator{move: "e7e5"}
	ev := &Evaluator{Book: b, Next: next}

	c, err := ev.ChooseMove(context.Background(), start, 1500)
	require.NoError(t, err)
	assert.Equal(t, "e2e4", c.Move)
	assert.Equal(t, SourceBook, c.Source)
	assert.Zero(t, next.calls)

	after, err := chess.Replay("", []string{"e2e4"})
	require.NoError(t, err)
	c, err = ev.ChooseMove(context.Background(), after, 1500)
	require.NoError(t, err)
	assert.Equal(t, "e7e5", c.Move)
	assert.Equal(t, 1, next.calls)
}

func TestEvaluatorWithoutBook(t *testing.T) {
	start, err := chess.Replay("", nil)
	require.NoError(t, err)
	next := &fixedEvaluator{move: "g1f3"}
	c, err := (&Evaluator{Next: next}).ChooseMove(context.Background(), start, 1500)
	require.NoError(t, err)
	assert.Equal(t, "g1f3", c.Move)
}

func TestLoadFromPathRequiresPath(t *testing.T) {
	_, err := LoadFromPath(" ", 0, 0)
	assert.Error(t, err)
}
