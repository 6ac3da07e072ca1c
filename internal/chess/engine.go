package chess

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/park285/Cheese-lichess-bot/internal/chess/uci"
	"go.uber.org/zap"
)

// Evaluator picks the bot's next move. Implementations should return a
// member of pos.LegalMoves(); callers validate regardless.
type Evaluator interface {
	ChooseMove(ctx context.Context, pos *Position, rating int) (Choice, error)
}

// Choice is an evaluator's answer. EvalCP is from the mover's point of view.
type Choice struct {
	Move   string
	EvalCP int
	Source string
}

const (
	SourceEngine = "engine"
	SourceRandom = "random"
)

// Engine drives one supervised UCI engine process.
type Engine struct {
	proc   *uci.Supervisor
	logger *zap.Logger
	randMu sync.Mutex
	rand   *rand.Rand
}

func NewEngine(binaryPath string, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	proc, err := uci.NewSupervisor(binaryPath, logger.Named("uci"))
	if err != nil {
		return nil, err
	}
	return &Engine{
		proc:   proc,
		logger: logger,
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

func (e *Engine) ChooseMove(ctx context.Context, pos *Position, rating int) (Choice, error) {
	start := time.Now()
	s := StrengthForRating(rating)

	goTokens, err := BuildGoCommand(s)
	if err != nil {
		return Choice{}, err
	}

	// Ply 0 or 1 is a fresh game for whichever side the bot plays.
	resp, err := e.proc.Search(ctx, s.options(), pos.Ply() <= 1, uci.SearchRequest{
		FEN:         pos.InitialFEN(),
		Moves:       pos.Moves(),
		Limits:      s.limits(),
		GoOverrides: goTokens,
	})
	if err != nil {
		return Choice{}, err
	}

	candidates := convertCandidates(resp.Candidates)
	if len(candidates) == 0 && resp.BestMove != "" && resp.BestMove != "(none)" {
		candidates = []Candidate{{Move: resp.BestMove}}
	}
	if len(candidates) == 0 {
		return Choice{}, fmt.Errorf("engine returned no candidates")
	}

	chosen, err := SelectCandidate(s, candidates, e.random())
	if err != nil {
		return Choice{}, err
	}

	e.logger.Debug("engine_move_chosen",
		zap.String("band", s.Band),
		zap.Int("rating", rating),
		zap.String("move", chosen.Move),
		zap.String("best", resp.BestMove),
		zap.Int("eval_cp", chosen.EvalCP),
		zap.Duration("took", time.Since(start)),
	)
	return Choice{Move: chosen.Move, EvalCP: chosen.EvalCP, Source: SourceEngine}, nil
}

func (e *Engine) random() *rand.Rand {
	e.randMu.Lock()
	seed := e.rand.Int63()
	e.randMu.Unlock()
	return rand.New(rand.NewSource(seed))
}

func (e *Engine) SetRandomSeed(seed int64) {
	e.randMu.Lock()
	e.rand = rand.New(rand.NewSource(seed))
	e.randMu.Unlock()
}

func (e *Engine) Close() error {
	if e.proc == nil {
		return nil
	}
	return e.proc.Close()
}

func convertCandidates(in []uci.Candidate) []Candidate {
	out := make([]Candidate, 0, len(in))
	for _, c := range in {
		out = append(out, Candidate{
			Move:      c.Move,
			EvalCP:    c.EvalCP,
			Principal: append([]string(nil), c.Principal...),
		})
	}
	return out
}

// RandomEvaluator plays a uniformly random legal move. Used when no engine
// binary is configured.
type RandomEvaluator struct {
	mu   sync.Mutex
	rand *rand.Rand
}

func NewRandomEvaluator(seed int64) *RandomEvaluator {
	return &RandomEvaluator{rand: rand.New(rand.NewSource(seed))}
}

func (r *RandomEvaluator) ChooseMove(ctx context.Context, pos *Position, _ int) (Choice, error) {
	if err := ctx.Err(); err != nil {
		return Choice{}, err
	}
	legal := pos.LegalMoves()
	if len(legal) == 0 {
		return Choice{}, fmt.Errorf("no legal moves: %w", ErrIllegalMove)
	}
	r.mu.Lock()
	idx := r.rand.Intn(len(legal))
	r.mu.Unlock()
	return Choice{Move: legal[idx], Source: SourceRandom}, nil
}
