package chess

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	nchess "github.com/corentings/chess/v2"
)

// StartPos is the server's marker for the standard initial position.
const StartPos = "startpos"

var ErrIllegalMove = errors.New("illegal move")

type Color string

const (
	White Color = "white"
	Black Color = "black"
)

func (c Color) Opposite() Color {
	if c == White {
		return Black
	}
	return White
}

// ParseColor maps the server's color field; anything unknown is white.
func ParseColor(s string) Color {
	if strings.EqualFold(strings.TrimSpace(s), string(Black)) {
		return Black
	}
	return White
}

// ColorAfter returns the side to move after ply half-moves from start.
func ColorAfter(start Color, ply int) Color {
	if ply%2 == 0 {
		return start
	}
	return start.Opposite()
}

// Position is a game replayed from its initial position through a UCI move list.
type Position struct {
	initialFEN string
	moves      []string
	start      Color
	game       *nchess.Game
}

// Replay rebuilds the canonical position. An empty or "startpos" initialFEN
// means the standard setup.
func Replay(initialFEN string, moves []string) (*Position, error) {
	game, err := newGame(initialFEN)
	if err != nil {
		return nil, err
	}
	start := colorFrom(game.Position().Turn())
	for i, mv := range moves {
		uci := strings.ToLower(strings.TrimSpace(mv))
		if err := game.PushNotationMove(uci, nchess.UCINotation{}, nil); err != nil {
			return nil, fmt.Errorf("replay ply %d %q: %w", i+1, mv, ErrIllegalMove)
		}
	}
	return &Position{
		initialFEN: normalizeFEN(initialFEN),
		moves:      append([]string(nil), moves...),
		start:      start,
		game:       game,
	}, nil
}

func newGame(initialFEN string) (*nchess.Game, error) {
	fen := normalizeFEN(initialFEN)
	if fen == StartPos {
		return nchess.NewGame(), nil
	}
	opt, err := nchess.FEN(fen)
	if err != nil {
		return nil, fmt.Errorf("initial fen %q: %w", fen, err)
	}
	return nchess.NewGame(opt), nil
}

func normalizeFEN(fen string) string {
	fen = strings.TrimSpace(fen)
	if fen == "" || fen == StartPos {
		return StartPos
	}
	return fen
}

// InitialFEN is "startpos" or the custom starting FEN.
func (p *Position) InitialFEN() string { return p.initialFEN }

// Moves returns a copy of the replayed move list.
func (p *Position) Moves() []string { return append([]string(nil), p.moves...) }

func (p *Position) Ply() int { return len(p.moves) }

// FEN is the canonical encoding of the current position.
func (p *Position) FEN() string { return p.game.FEN() }

// StartColor is the side to move in the initial position.
func (p *Position) StartColor() Color { return p.start }

// Turn is the side to move now.
func (p *Position) Turn() Color { return ColorAfter(p.start, len(p.moves)) }

// LegalMoves returns every legal move in UCI, sorted.
func (p *Position) LegalMoves() []string {
	valid := p.game.Position().ValidMoves()
	out := make([]string, 0, len(valid))
	for _, mv := range valid {
		out = append(out, mv.String())
	}
	sort.Strings(out)
	return out
}

// IsLegal reports whether uci is in the legal move set.
func (p *Position) IsLegal(uci string) bool {
	uci = strings.ToLower(strings.TrimSpace(uci))
	if uci == "" {
		return false
	}
	for _, mv := range p.LegalMoves() {
		if mv == uci {
			return true
		}
	}
	return false
}

// FallbackMove deterministically picks a legal move: the first capture in
// sorted order, else the first legal move.
func (p *Position) FallbackMove() (string, error) {
	pos := p.game.Position()
	valid := pos.ValidMoves()
	if len(valid) == 0 {
		return "", fmt.Errorf("no legal moves: %w", ErrIllegalMove)
	}
	var captures, quiet []string
	for _, mv := range valid {
		if mv.HasTag(nchess.Capture) {
			captures = append(captures, mv.String())
		} else {
			quiet = append(quiet, mv.String())
		}
	}
	if len(captures) > 0 {
		sort.Strings(captures)
		return captures[0], nil
	}
	sort.Strings(quiet)
	return quiet[0], nil
}

// SAN renders a legal UCI move in standard algebraic notation.
func (p *Position) SAN(uci string) (string, error) {
	pos := p.game.Position()
	mv, err := nchess.UCINotation{}.Decode(pos, strings.ToLower(strings.TrimSpace(uci)))
	if err != nil || !p.IsLegal(uci) {
		return "", fmt.Errorf("%q: %w", uci, ErrIllegalMove)
	}
	return nchess.AlgebraicNotation{}.Encode(pos, mv), nil
}

func colorFrom(c nchess.Color) Color {
	if c == nchess.Black {
		return Black
	}
	return White
}
