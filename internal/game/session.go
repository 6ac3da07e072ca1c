// Package game runs one active game from acceptance to its final status.
package game

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/park285/Cheese-lichess-bot/internal/chess"
	"github.com/park285/Cheese-lichess-bot/internal/lichess"
	"github.com/park285/Cheese-lichess-bot/internal/metrics"
	"github.com/park285/Cheese-lichess-bot/internal/msgcat"
	"github.com/park285/Cheese-lichess-bot/internal/queue"
	"github.com/park285/Cheese-lichess-bot/pkg/botdto"
	"go.uber.org/zap"
)

type State string

const (
	StateStarting  State = "starting"
	StateStreaming State = "streaming"
	StateEnded     State = "ended"
)

const (
	maxMoveAttempts   = 3
	defaultRating     = 1500
	defaultLateAfter  = 10
	updateBufferDepth = 32
)

// Timing holds the thinking-delay ranges. Moves after LateAfterMove use the late range.
type Timing struct {
	EarlyMin      time.Duration
	EarlyMax      time.Duration
	LateMin       time.Duration
	LateMax       time.Duration
	LateAfterMove int
}

// DefaultTiming thinks briefly in the opening and longer afterwards.
func DefaultTiming() Timing {
	return Timing{
		EarlyMin:      300 * time.Millisecond,
		EarlyMax:      1500 * time.Millisecond,
		LateMin:       1 * time.Second,
		LateMax:       4 * time.Second,
		LateAfterMove: defaultLateAfter,
	}
}

// Info describes a game as announced by the event stream.
type Info struct {
	GameID         string
	Color          chess.Color
	Opponent       string
	OpponentRating int
	InitialFEN     string
}

type Deps struct {
	Transport Transport
	Queue     Enqueuer
	Evaluator chess.Evaluator
	Publisher Publisher
	Messages  *msgcat.Catalog
	Metrics   *metrics.Collector
	Logger    *zap.Logger
	Timing    Timing
	PerfKey   string
	Rand      *rand.Rand
	Sleep     func(ctx context.Context, d time.Duration) error
	Now       func() time.Time
}

// Result is returned once the session reaches StateEnded.
type Result struct {
	GameID string
	Status string
	Winner string
	Moves  int
	Err    error
}

// Record is the session-owned view of the game.
type Record struct {
	GameID      string
	Color       chess.Color
	InitialFEN  string
	Moves       []string
	FEN         string
	Clocks      botdto.Clocks
	Ratings     botdto.Ratings
	Opponent    string
	BotName     string
	Chat        []botdto.ChatLine
	AdvantageCP int
	Status      string
}

type updateKind int

const (
	updTranscript updateKind = iota
	updTranscriptEnd
	updChat
	updChatEnd
	updMoveChosen
	updMoveResult
)

type update struct {
	kind    updateKind
	event   *lichess.GameEvent
	err     error
	ply     int
	choice  chess.Choice
	uci     string
	attempt int
}

// Session is single-use: call Run once.
type Session struct {
	deps   Deps
	logger *zap.Logger

	mu    sync.RWMutex
	state State

	record  Record
	pos     *chess.Position
	rating  int
	planned int // ply for which a move task was started, -1 when none

	updates chan update
}

func NewSession(info Info, deps Deps) *Session {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Rand == nil {
		deps.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if deps.Sleep == nil {
		deps.Sleep = sleepWithContext
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Timing.LateAfterMove <= 0 {
		deps.Timing.LateAfterMove = defaultLateAfter
	}
	if info.Color == "" {
		info.Color = chess.White
	}
	s := &Session{
		deps:    deps,
		logger:  deps.Logger.With(zap.String("game_id", info.GameID)),
		state:   StateStarting,
		rating:  defaultRating,
		planned: -1,
		updates: make(chan update, updateBufferDepth),
	}
	s.record = Record{
		GameID:     info.GameID,
		Color:      info.Color,
		InitialFEN: info.InitialFEN,
		Opponent:   info.Opponent,
		Ratings:    botdto.Ratings{Opponent: info.OpponentRating},
		Status:     "created",
	}
	return s
}

func (s *Session) GameID() string { return s.record.GameID }

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Run drives the session to StateEnded. Cancelling ctx abandons both streams.
func (s *Session) Run(ctx context.Context) Result {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.deps.Metrics.RecordGameStarted()
	s.logger.Info("session_start", zap.String("color", string(s.record.Color)), zap.String("opponent", s.record.Opponent))
	s.publish(botdto.StatusStarting, s.deps.Messages.Text("game.starting",
		map[string]any{"Opponent": nonEmpty(s.record.Opponent, "an opponent")}, "Starting a game."))

	s.fetchRating(ctx)

	game, chat, err := s.openStreams(ctx)
	if err != nil {
		return s.fail("game.error.start", err)
	}
	defer game.Close()
	defer chat.Close()

	s.setState(StateStreaming)
	go s.readTranscript(ctx, game)
	go s.readChat(ctx, chat)

	for {
		select {
		case <-ctx.Done():
			return s.fail("game.error.stream", ctx.Err())
		case u := <-s.updates:
			if res, done := s.handle(ctx, u); done {
				return res
			}
		}
	}
}

func (s *Session) fetchRating(ctx context.Context) {
	acc, err := s.deps.Transport.Account(ctx)
	if err != nil {
		s.logger.Warn("rating_fetch_failed", zap.Error(err), zap.Int("fallback", s.rating))
		return
	}
	s.rating = acc.Rating(s.deps.PerfKey)
	s.record.Ratings.Bot = s.rating
	s.record.BotName = acc.Username
}

type openResult struct {
	stream Stream
	err    error
}

// openStreams opens transcript and chat concurrently. Both must succeed.
func (s *Session) openStreams(ctx context.Context) (Stream, Stream, error) {
	gameCh := make(chan openResult, 1)
	chatCh := make(chan openResult, 1)
	go func() {
		st, err := s.deps.Transport.OpenGame(ctx, s.record.GameID)
		gameCh <- openResult{st, err}
	}()
	go func() {
		st, err := s.deps.Transport.OpenChat(ctx, s.record.GameID)
		chatCh <- openResult{st, err}
	}()
	g, c := <-gameCh, <-chatCh

	if g.err != nil || c.err != nil {
		if g.stream != nil {
			_ = g.stream.Close()
		}
		if c.stream != nil {
			_ = c.stream.Close()
		}
		return nil, nil, errors.Join(wrapIf("transcript", g.err), wrapIf("chat", c.err))
	}
	return g.stream, c.stream, nil
}

func (s *Session) readTranscript(ctx context.Context, st Stream) {
	for {
		var ev lichess.GameEvent
		if err := st.Next(&ev); err != nil {
			s.send(ctx, update{kind: updTranscriptEnd, err: err})
			return
		}
		if ev.Type == lichess.GameEventChat {
			continue
		}
		if !s.send(ctx, update{kind: updTranscript, event: &ev}) {
			return
		}
	}
}

func (s *Session) readChat(ctx context.Context, st Stream) {
	for {
		var ev lichess.GameEvent
		if err := st.Next(&ev); err != nil {
			s.send(ctx, update{kind: updChatEnd, err: err})
			return
		}
		if ev.Type != lichess.GameEventChat {
			continue
		}
		if !s.send(ctx, update{kind: updChat, event: &ev}) {
			return
		}
	}
}

func (s *Session) send(ctx context.Context, u update) bool {
	select {
	case s.updates <- u:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Session) handle(ctx context.Context, u update) (Result, bool) {
	switch u.kind {
	case updTranscript:
		return s.onTranscript(ctx, u.event)
	case updTranscriptEnd:
		err := u.err
		if errors.Is(err, io.EOF) {
			err = fmt.Errorf("transcript ended before a final status: %w", lichess.ErrStreamClosed)
		}
		return s.fail("game.error.stream", err), true
	case updChat:
		s.onChat(u.event)
	case updChatEnd:
		if errors.Is(u.err, io.EOF) {
			s.logger.Debug("chat_stream_closed")
			return Result{}, false
		}
		return s.fail("game.error.stream", fmt.Errorf("chat: %w", u.err)), true
	case updMoveChosen:
		s.onMoveChosen(ctx, u)
	case updMoveResult:
		s.onMoveResult(ctx, u)
	}
	return Result{}, false
}

func (s *Session) onTranscript(ctx context.Context, ev *lichess.GameEvent) (Result, bool) {
	switch ev.Type {
	case lichess.GameEventFull:
		s.applyFull(ev)
	case lichess.GameEventState:
	case lichess.GameEventOpponentGone:
		s.logger.Info("opponent_gone", zap.Bool("gone", ev.Gone))
		return Result{}, false
	default:
		return Result{}, false
	}
	return s.applyState(ctx, ev.CurrentState())
}

func (s *Session) applyFull(ev *lichess.GameEvent) {
	if ev.InitialFEN != "" {
		s.record.InitialFEN = ev.InitialFEN
	}
	bot, opp := ev.White, ev.Black
	if s.record.Color == chess.Black {
		bot, opp = ev.Black, ev.White
	}
	if opp != nil {
		s.record.Opponent = nonEmpty(opp.Name, opp.ID)
		if opp.Rating > 0 {
			s.record.Ratings.Opponent = opp.Rating
		}
	}
	if bot != nil && s.record.BotName == "" {
		s.record.BotName = nonEmpty(bot.Name, bot.ID)
	}
}

// applyState replays the move list and updates the record. A list that
// does not replay is dropped without touching the record.
func (s *Session) applyState(ctx context.Context, st *lichess.GameState) (Result, bool) {
	moves := st.MoveList()
	pos, err := chess.Replay(s.record.InitialFEN, moves)
	if err != nil {
		s.logger.Warn("transcript_update_dropped", zap.Int("ply", len(moves)), zap.Error(err))
		return Result{}, false
	}

	s.pos = pos
	s.record.Moves = moves
	s.record.FEN = pos.FEN()
	s.record.Clocks = botdto.Clocks{WhiteMS: st.WTime, BlackMS: st.BTime}
	if st.Status != "" {
		s.record.Status = st.Status
	}

	if lichess.IsTerminalStatus(st.Status) {
		return s.end(st.Status, st.Winner), true
	}

	s.publish(botdto.StatusPlaying, "")
	if pos.Turn() == s.record.Color && s.planned != pos.Ply() {
		s.planMove(ctx, pos)
	}
	return Result{}, false
}

func (s *Session) onChat(ev *lichess.GameEvent) {
	s.record.Chat = append(s.record.Chat, botdto.ChatLine{
		Username: ev.Username,
		Text:     ev.Text,
		Room:     ev.Room,
		At:       s.deps.Now(),
	})
	status := botdto.StatusPlaying
	if s.pos == nil {
		status = botdto.StatusStarting
	}
	s.publish(status, "")
}

// planMove waits a thinking delay and asks the evaluator, off the session goroutine.
func (s *Session) planMove(ctx context.Context, pos *chess.Position) {
	ply := pos.Ply()
	s.planned = ply
	delay := s.thinkingDelay(ply)
	rating := s.rating
	eval := s.deps.Evaluator
	sleep := s.deps.Sleep

	go func() {
		if err := sleep(ctx, delay); err != nil {
			return
		}
		choice, err := eval.ChooseMove(ctx, pos, rating)
		s.send(ctx, update{kind: updMoveChosen, ply: ply, choice: choice, err: err})
	}()
}

// thinkingDelay draws from the early range up to LateAfterMove full moves, then the late range.
func (s *Session) thinkingDelay(ply int) time.Duration {
	t := s.deps.Timing
	lo, hi := t.EarlyMin, t.EarlyMax
	if ply/2+1 > t.LateAfterMove {
		lo, hi = t.LateMin, t.LateMax
	}
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(s.deps.Rand.Int63n(int64(hi-lo)+1))
}

func (s *Session) onMoveChosen(ctx context.Context, u update) {
	if s.pos == nil || u.ply != s.pos.Ply() {
		s.logger.Debug("stale_move_dropped", zap.Int("ply", u.ply))
		return
	}
	pos := s.pos
	uci := strings.ToLower(strings.TrimSpace(u.choice.Move))

	switch {
	case u.err != nil:
		s.logger.Warn("evaluator_failed", zap.Int("ply", u.ply), zap.Error(u.err))
		uci = s.fallback(pos)
	case !pos.IsLegal(uci):
		s.logger.Error("evaluator_illegal_move",
			zap.Int("ply", u.ply),
			zap.String("move", u.choice.Move),
			zap.String("source", u.choice.Source),
			zap.String("fen", pos.FEN()),
			zap.Error(chess.ErrIllegalMove),
		)
		uci = s.fallback(pos)
	default:
		s.record.AdvantageCP = u.choice.EvalCP
	}
	if uci == "" {
		return
	}
	s.submitMove(ctx, u.ply, uci, 1)
}

func (s *Session) fallback(pos *chess.Position) string {
	s.deps.Metrics.RecordMoveFallback()
	mv, err := pos.FallbackMove()
	if err != nil {
		s.logger.Error("fallback_move_unavailable", zap.Error(err))
		return ""
	}
	s.logger.Warn("fallback_move", zap.String("move", mv))
	return mv
}

func (s *Session) submitMove(ctx context.Context, ply int, uci string, attempt int) {
	gameID := s.record.GameID
	transport := s.deps.Transport
	done := s.deps.Queue.Enqueue(queue.Action{
		Kind:    queue.KindMove,
		GameID:  gameID,
		Payload: uci,
		Exec: func(qctx context.Context) error {
			return transport.Move(qctx, gameID, uci)
		},
	})
	if san, err := s.pos.SAN(uci); err == nil {
		s.logger.Info("move_enqueued", zap.Int("ply", ply), zap.String("move", uci), zap.String("san", san), zap.Int("attempt", attempt))
	}
	go func() {
		select {
		case err := <-done:
			s.send(ctx, update{kind: updMoveResult, ply: ply, uci: uci, attempt: attempt, err: err})
		case <-ctx.Done():
		}
	}()
}

func (s *Session) onMoveResult(ctx context.Context, u update) {
	if u.err == nil {
		s.logger.Debug("move_accepted", zap.Int("ply", u.ply), zap.String("move", u.uci))
		return
	}
	current := s.pos != nil && s.pos.Ply() == u.ply
	if errors.Is(u.err, queue.ErrRateLimited) && current && u.attempt < maxMoveAttempts {
		s.logger.Warn("move_rate_limited_retry", zap.Int("ply", u.ply), zap.Int("attempt", u.attempt+1))
		s.submitMove(ctx, u.ply, u.uci, u.attempt+1)
		return
	}
	s.logger.Warn("move_failed", zap.Int("ply", u.ply), zap.String("move", u.uci), zap.Int("attempt", u.attempt), zap.Error(u.err))
	if !current {
		return
	}
	// Clear the plan so the next update for this position asks again.
	s.planned = -1
	s.publish(botdto.StatusError, s.deps.Messages.Text("game.error.move",
		map[string]any{"GameID": s.record.GameID, "Move": u.uci, "Error": u.err.Error()},
		fmt.Sprintf("Move %s failed: %v", u.uci, u.err)))
}

func (s *Session) end(status, winner string) Result {
	s.setState(StateEnded)
	s.record.Status = status
	s.deps.Metrics.RecordGameFinished(status)
	msg := s.endMessage(status, winner)
	s.publish(botdto.StatusEnded, msg)
	s.logger.Info("session_end", zap.String("status", status), zap.String("winner", winner), zap.Int("moves", len(s.record.Moves)))
	return Result{GameID: s.record.GameID, Status: status, Winner: winner, Moves: len(s.record.Moves)}
}

func (s *Session) fail(key string, err error) Result {
	s.setState(StateEnded)
	s.record.Status = "error"
	s.deps.Metrics.RecordGameFinished("error")
	msg := s.deps.Messages.Text(key, map[string]any{"GameID": s.record.GameID, "Error": err.Error()},
		fmt.Sprintf("Game %s stopped: %v", s.record.GameID, err))
	s.publish(botdto.StatusError, msg)
	s.logger.Warn("session_end", zap.String("status", "error"), zap.Error(err))
	return Result{GameID: s.record.GameID, Status: "error", Moves: len(s.record.Moves), Err: err}
}

func (s *Session) endMessage(status, winner string) string {
	names := map[chess.Color]string{
		s.record.Color:            nonEmpty(s.record.BotName, "the bot"),
		s.record.Color.Opposite(): nonEmpty(s.record.Opponent, "the opponent"),
	}
	data := map[string]any{"Status": status, "Winner": "", "Loser": ""}
	if winner != "" {
		w := chess.ParseColor(winner)
		data["Winner"] = names[w]
		data["Loser"] = names[w.Opposite()]
	} else if s.pos != nil {
		// a flag or resignation without a winner field: the side to move lost
		data["Loser"] = names[s.pos.Turn()]
		data["Winner"] = names[s.pos.Turn().Opposite()]
	}
	key := "game.end." + status
	if !s.deps.Messages.Has(key) {
		key = "game.end.other"
	}
	return s.deps.Messages.Text(key, data, fmt.Sprintf("Game over (%s).", status))
}

// snapshot builds the public view of the record.
func (s *Session) snapshot(status, message string) botdto.PublicState {
	r := s.record
	out := botdto.PublicState{
		GameID:      r.GameID,
		FEN:         r.FEN,
		Moves:       append([]string(nil), r.Moves...),
		BotColor:    string(r.Color),
		Opponent:    r.Opponent,
		Ratings:     r.Ratings,
		Clocks:      r.Clocks,
		AdvantageCP: r.AdvantageCP,
		Chat:        append([]botdto.ChatLine(nil), r.Chat...),
		Status:      status,
		Message:     message,
		UpdatedAt:   s.deps.Now(),
	}
	if s.pos != nil {
		out.Turn = string(s.pos.Turn())
		out.BotTurn = s.pos.Turn() == r.Color
	}
	return out
}

func (s *Session) publish(status, message string) {
	if s.deps.Publisher == nil {
		return
	}
	s.deps.Publisher.Publish(s.snapshot(status, message))
}

func nonEmpty(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

func wrapIf(what string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("open %s: %w", what, err)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
