// Package openingbook plays weighted moves from a Polyglot book during the
// opening and defers to another evaluator afterwards.
package openingbook

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"strings"
	"sync"

	chesslib "github.com/corentings/chess/v2"
	"github.com/park285/Cheese-lichess-bot/internal/chess"
	"go.uber.org/zap"
)

const (
	SourceBook    = "book"
	defaultMaxPly = 12
)

// Result is one book continuation for a position.
type Result struct {
	Move   string
	Weight uint16
}

type Book struct {
	pb     *chesslib.PolyglotBook
	maxPly int

	mu   sync.Mutex
	rand *rand.Rand
}

// LoadFromPath opens a Polyglot .bin file.
func LoadFromPath(bookPath string, maxPly int, seed int64) (*Book, error) {
	if strings.TrimSpace(bookPath) == "" {
		return nil, fmt.Errorf("polyglot book path required")
	}
	file, err := os.Open(bookPath)
	if err != nil {
		return nil, fmt.Errorf("open polyglot book %q: %w", bookPath, err)
	}
	defer file.Close()
	b, err := Load(file, maxPly, seed)
	if err != nil {
		return nil, fmt.Errorf("load polyglot book %q: %w", bookPath, err)
	}
	return b, nil
}

func Load(r io.Reader, maxPly int, seed int64) (*Book, error) {
	pb, err := chesslib.LoadFromReader(r)
	if err != nil {
		return nil, err
	}
	if maxPly <= 0 {
		maxPly = defaultMaxPly
	}
	return &Book{pb: pb, maxPly: maxPly, rand: rand.New(rand.NewSource(seed))}, nil
}

// Lookup lists the legal book moves for pos, heaviest first as stored.
func (b *Book) Lookup(pos *chess.Position) ([]Result, error) {
	if pos.Ply() >= b.maxPly {
		return nil, nil
	}
	hashStr, err := chesslib.NewZobristHasher().HashPosition(pos.FEN())
	if err != nil {
		return nil, fmt.Errorf("compute polyglot hash: %w", err)
	}
	entries := b.pb.FindMoves(chesslib.ZobristHashToUint64(hashStr))

	out := make([]Result, 0, len(entries))
	for _, e := range entries {
		mv := chesslib.DecodeMove(e.Move).ToMove()
		uci := normalizeCastle(pos, mv.String())
		if e.Weight == 0 || !pos.IsLegal(uci) {
			continue
		}
		out = append(out, Result{Move: uci, Weight: e.Weight})
	}
	return out, nil
}

// Pick draws one book move proportionally to its weight.
func (b *Book) Pick(pos *chess.Position) (Result, bool, error) {
	results, err := b.Lookup(pos)
	if err != nil || len(results) == 0 {
		return Result{}, false, err
	}
	total := 0
	for _, r := range results {
		total += int(r.Weight)
	}
	b.mu.Lock()
	n := b.rand.Intn(total)
	b.mu.Unlock()
	for _, r := range results {
		n -= int(r.Weight)
		if n < 0 {
			return r, true, nil
		}
	}
	return results[len(results)-1], true, nil
}

// Polyglot stores castling as king-takes-rook.
var castleMoves = map[string]string{"e1h1": "e1g1", "e1a1": "e1c1", "e8h8": "e8g8", "e8a8": "e8c8"}

func normalizeCastle(pos *chess.Position, uci string) string {
	if alt, ok := castleMoves[uci]; ok && !pos.IsLegal(uci) && pos.IsLegal(alt) {
		return alt
	}
	return uci
}

// Evaluator answers from the book when it can and from Next otherwise.
type Evaluator struct {
	Book   *Book
	Next   chess.Evaluator
	Logger *zap.Logger
}

func (e *Evaluator) ChooseMove(ctx context.Context, pos *chess.Position, rating int) (chess.Choice, error) {
	if e.Book != nil {
		r, ok, err := e.Book.Pick(pos)
		switch {
		case err != nil:
			e.logger().Warn("book_lookup_failed", zap.Int("ply", pos.Ply()), zap.Error(err))
		case ok:
			e.logger().Debug("book_move", zap.Int("ply", pos.Ply()), zap.String("move", r.Move), zap.Uint16("weight", r.Weight))
			return chess.Choice{Move: r.Move, Source: SourceBook}, nil
		}
	}
	return e.Next.ChooseMove(ctx, pos, rating)
}

func (e *Evaluator) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}
