// Package uci speaks the UCI protocol to an external engine process.
package uci

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	handshakeTimeout = 4 * time.Second
	mateScoreCP      = 30000

	// Stockfish rejects UCI_Elo outside this range.
	minElo = 1320
	maxElo = 3190
)

// ErrEngineExited is returned once the engine's stdout has closed.
var ErrEngineExited = errors.New("engine process exited")

// Options are the setoption values sent after the handshake.
type Options struct {
	Threads    int
	SkillLevel int
	HashMB     int
	MultiPV    int
	Elo        int
}

// Limits bound one search. At least one field must be set.
type Limits struct {
	Depth          int
	MoveTimeMillis int
	NodeCap        int
}

// Candidate is one principal variation reported during a search.
type Candidate struct {
	Move      string
	EvalCP    int
	Principal []string
}

type SearchRequest struct {
	FEN         string
	Moves       []string
	Limits      Limits
	GoOverrides []string
}

type SearchResponse struct {
	Candidates []Candidate
	BestMove   string
}

// Session owns one engine process. A single goroutine reads stdout for the
// life of the process and hands lines to whichever call is waiting.
type Session struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	lines  chan string
	done   chan struct{}
	quit   chan struct{}
	logger *zap.Logger

	opt Options

	writeMu sync.Mutex
	// busy serializes request/response exchanges on the shared stdout.
	busy      sync.Mutex
	closeOnce sync.Once
	waitErr   error
}

// NewSession starts the engine and configures it. ctx bounds the handshake
// only; the process lives until Close.
func NewSession(ctx context.Context, binaryPath string, opt Options, logger *zap.Logger) (*Session, error) {
	if err := validateOptions(opt); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cmd := exec.Command(binaryPath)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, fmt.Errorf("start engine: %w", err)
	}

	s := &Session{
		cmd:    cmd,
		stdin:  stdin,
		lines:  make(chan string, 64),
		done:   make(chan struct{}),
		quit:   make(chan struct{}),
		logger: logger,
	}
	go s.pump(stdout)

	if err := s.handshake(ctx, opt); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Session) pump(r io.Reader) {
	defer close(s.done)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		select {
		case s.lines <- line:
		case <-s.quit:
			return
		}
	}
}

// Options reports the values currently applied to the process.
func (s *Session) Options() Options {
	s.busy.Lock()
	defer s.busy.Unlock()
	return s.opt
}

// Alive reports whether the engine process is still producing output.
func (s *Session) Alive() bool {
	select {
	case <-s.done:
		return false
	case <-s.quit:
		return false
	default:
		return true
	}
}

func (s *Session) handshake(ctx context.Context, opt Options) error {
	s.busy.Lock()
	defer s.busy.Unlock()

	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	if err := s.send("uci"); err != nil {
		return fmt.Errorf("send uci: %w", err)
	}
	if err := s.await(hctx, "uciok"); err != nil {
		return fmt.Errorf("wait uciok: %w", err)
	}
	return s.applyLocked(hctx, opt)
}

// Configure re-sends setoption commands when opt differs from what the
// process is running with.
func (s *Session) Configure(ctx context.Context, opt Options) error {
	if err := validateOptions(opt); err != nil {
		return err
	}
	s.busy.Lock()
	defer s.busy.Unlock()
	if s.opt == opt {
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	s.drain()
	return s.applyLocked(cctx, opt)
}

func (s *Session) applyLocked(ctx context.Context, opt Options) error {
	for _, line := range optionCommands(opt) {
		if err := s.send(line); err != nil {
			return fmt.Errorf("apply options: %w", err)
		}
	}
	if err := s.readyLocked(ctx); err != nil {
		return err
	}
	s.opt = opt
	return nil
}

// NewGame clears engine state between games.
func (s *Session) NewGame(ctx context.Context) error {
	s.busy.Lock()
	defer s.busy.Unlock()
	s.drain()
	if err := s.send("ucinewgame"); err != nil {
		return fmt.Errorf("send ucinewgame: %w", err)
	}
	rctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	return s.readyLocked(rctx)
}

func (s *Session) readyLocked(ctx context.Context) error {
	if err := s.send("isready"); err != nil {
		return fmt.Errorf("send isready: %w", err)
	}
	if err := s.await(ctx, "readyok"); err != nil {
		return fmt.Errorf("wait readyok: %w", err)
	}
	return nil
}

// Search runs one "go" command and collects every multipv line until
// bestmove. After a failed search the caller should discard the session.
func (s *Session) Search(ctx context.Context, req SearchRequest) (SearchResponse, error) {
	goTokens := req.GoOverrides
	if len(goTokens) == 0 {
		var err error
		if goTokens, err = buildGoTokens(req.Limits); err != nil {
			return SearchResponse{}, err
		}
	}

	s.busy.Lock()
	defer s.busy.Unlock()

	s.drain()
	if err := s.send(buildPositionCommand(req.FEN, req.Moves)); err != nil {
		return SearchResponse{}, fmt.Errorf("send position: %w", err)
	}
	goCmd := strings.Join(goTokens, " ")
	if err := s.send(goCmd); err != nil {
		return SearchResponse{}, fmt.Errorf("send go: %w", err)
	}

	sctx, cancel := context.WithTimeout(ctx, searchTimeout(req.Limits))
	defer cancel()

	candidates := make(map[int]Candidate)
	for {
		line, err := s.next(sctx)
		if err != nil {
			_ = s.send("stop")
			s.logger.Warn("uci_search_failed",
				zap.String("go", goCmd),
				zap.Int("ply", len(req.Moves)),
				zap.Error(err),
			)
			return SearchResponse{}, fmt.Errorf("search: %w", err)
		}
		switch {
		case strings.HasPrefix(line, "info "):
			if mv, cand, ok := parseInfo(line); ok {
				candidates[mv] = cand
			}
		case strings.HasPrefix(line, "bestmove"):
			var best string
			if f := strings.Fields(line); len(f) >= 2 {
				best = f[1]
			}
			return SearchResponse{Candidates: collapseCandidates(candidates), BestMove: best}, nil
		}
	}
}

// Close asks the engine to quit, then kills it.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		_ = s.send("quit")
		_ = s.stdin.Close()
		close(s.quit)
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		s.waitErr = s.cmd.Wait()
		var exitErr *exec.ExitError
		if errors.As(s.waitErr, &exitErr) {
			// killed on purpose
			s.waitErr = nil
		}
	})
	return s.waitErr
}

func (s *Session) send(line string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := io.WriteString(s.stdin, line+"\n")
	return err
}

func (s *Session) next(ctx context.Context) (string, error) {
	select {
	case line := <-s.lines:
		return line, nil
	case <-s.done:
		// The pump may have queued lines before exiting.
		select {
		case line := <-s.lines:
			return line, nil
		default:
			return "", ErrEngineExited
		}
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *Session) await(ctx context.Context, token string) error {
	for {
		line, err := s.next(ctx)
		if err != nil {
			return err
		}
		if strings.HasPrefix(line, token) {
			return nil
		}
	}
}

// drain discards output left over from an abandoned exchange.
func (s *Session) drain() {
	for {
		select {
		case <-s.lines:
		default:
			return
		}
	}
}

func optionCommands(opt Options) []string {
	threads := opt.Threads
	if threads <= 0 {
		threads = 1
	}
	cmds := []string{
		fmt.Sprintf("setoption name Threads value %d", threads),
		fmt.Sprintf("setoption name Hash value %d", opt.HashMB),
		fmt.Sprintf("setoption name Skill Level value %d", opt.SkillLevel),
		fmt.Sprintf("setoption name MultiPV value %d", opt.MultiPV),
		"setoption name Move Overhead value 100",
	}
	if opt.Elo > 0 {
		return append(cmds,
			"setoption name UCI_LimitStrength value true",
			fmt.Sprintf("setoption name UCI_Elo value %d", clampElo(opt.Elo)),
		)
	}
	return append(cmds, "setoption name UCI_LimitStrength value false")
}

func buildPositionCommand(fen string, moves []string) string {
	var sb strings.Builder
	if fen = strings.TrimSpace(fen); fen == "" || fen == "startpos" {
		sb.WriteString("position startpos")
	} else {
		sb.WriteString("position fen ")
		sb.WriteString(fen)
	}
	if len(moves) > 0 {
		sb.WriteString(" moves ")
		sb.WriteString(strings.Join(moves, " "))
	}
	return sb.String()
}

func validateOptions(opt Options) error {
	switch {
	case opt.SkillLevel < 0 || opt.SkillLevel > 20:
		return fmt.Errorf("skill level %d out of range 0-20", opt.SkillLevel)
	case opt.HashMB <= 0:
		return fmt.Errorf("hash size must be > 0: %d", opt.HashMB)
	case opt.MultiPV <= 0:
		return fmt.Errorf("multipv must be > 0: %d", opt.MultiPV)
	case opt.Elo < 0:
		return fmt.Errorf("elo must be >= 0: %d", opt.Elo)
	}
	return nil
}

func buildGoTokens(l Limits) ([]string, error) {
	args := []string{"go"}
	if l.Depth > 0 {
		args = append(args, "depth", strconv.Itoa(l.Depth))
	}
	if l.MoveTimeMillis > 0 {
		args = append(args, "movetime", strconv.Itoa(l.MoveTimeMillis))
	}
	if l.NodeCap > 0 {
		args = append(args, "nodes", strconv.Itoa(l.NodeCap))
	}
	if len(args) == 1 {
		return nil, errors.New("no search limits specified")
	}
	return args, nil
}

func searchTimeout(l Limits) time.Duration {
	if l.MoveTimeMillis > 0 {
		return 3 * time.Duration(l.MoveTimeMillis+2000) * time.Millisecond
	}
	d := time.Duration(l.Depth) * 300 * time.Millisecond
	return min(max(d, 6*time.Second), 20*time.Second)
}

// parseInfo extracts the multipv index and first move of an "info ... pv"
// line. Mate scores collapse to ±mateScoreCP.
func parseInfo(line string) (int, Candidate, bool) {
	f := strings.Fields(line)
	multipv := 1
	var cand Candidate
	for i := 0; i < len(f); i++ {
		switch f[i] {
		case "multipv":
			if i+1 < len(f) {
				if v, err := strconv.Atoi(f[i+1]); err == nil {
					multipv = v
				}
				i++
			}
		case "score":
			if i+2 >= len(f) {
				continue
			}
			if v, err := strconv.Atoi(f[i+2]); err == nil {
				switch f[i+1] {
				case "cp":
					cand.EvalCP = v
				case "mate":
					cand.EvalCP = mateScoreCP
					if v < 0 {
						cand.EvalCP = -mateScoreCP
					}
				}
			}
			i += 2
		case "pv":
			if i+1 >= len(f) {
				return 0, Candidate{}, false
			}
			cand.Principal = append([]string(nil), f[i+1:]...)
			cand.Move = cand.Principal[0]
			return multipv, cand, true
		}
	}
	return 0, Candidate{}, false
}

func collapseCandidates(m map[int]Candidate) []Candidate {
	if len(m) == 0 {
		return nil
	}
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	out := make([]Candidate, 0, len(keys))
	for _, k := range keys {
		out = append(out, m[k])
	}
	return out
}

func clampElo(elo int) int {
	return min(max(elo, minElo), maxElo)
}
