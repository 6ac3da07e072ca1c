package lichess

import "strings"

// Event is one record from the account-wide event stream.
type Event struct {
	Type      string     `json:"type"`
	Game      *GameInfo  `json:"game,omitempty"`
	Challenge *Challenge `json:"challenge,omitempty"`
}

const (
	EventGameStart         = "gameStart"
	EventGameFinish        = "gameFinish"
	EventChallenge         = "challenge"
	EventChallengeCanceled = "challengeCanceled"
	EventChallengeDeclined = "challengeDeclined"
)

type GameInfo struct {
	GameID   string        `json:"gameId"`
	ID       string        `json:"id,omitempty"`
	Color    string        `json:"color"`
	FEN      string        `json:"fen,omitempty"`
	Rated    bool          `json:"rated"`
	Speed    string        `json:"speed,omitempty"`
	Opponent *OpponentInfo `json:"opponent,omitempty"`
}

// Key returns the game identifier regardless of which field the server filled.
func (g *GameInfo) Key() string {
	if g == nil {
		return ""
	}
	if g.GameID != "" {
		return g.GameID
	}
	return g.ID
}

type OpponentInfo struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Rating   int    `json:"rating"`
}

type Challenge struct {
	ID         string      `json:"id"`
	Status     string      `json:"status"`
	Rated      bool        `json:"rated"`
	Speed      string      `json:"speed"`
	Variant    Variant     `json:"variant"`
	Challenger *Player     `json:"challenger,omitempty"`
	DestUser   *Player     `json:"destUser,omitempty"`
	TimeCtl    TimeControl `json:"timeControl"`
}

type Variant struct {
	Key  string `json:"key"`
	Name string `json:"name"`
}

type TimeControl struct {
	Type      string `json:"type"`
	Limit     int    `json:"limit"`
	Increment int    `json:"increment"`
}

type Player struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Title  string `json:"title,omitempty"`
	Rating int    `json:"rating"`
}

// GameEvent is one record from a per-game transcript or chat stream.
// Only the fields relevant to Type are populated.
type GameEvent struct {
	Type string `json:"type"`

	// gameFull
	ID         string     `json:"id,omitempty"`
	White      *Player    `json:"white,omitempty"`
	Black      *Player    `json:"black,omitempty"`
	InitialFEN string     `json:"initialFen,omitempty"`
	State      *GameState `json:"state,omitempty"`

	// gameState (inlined at top level)
	GameState

	// chatLine
	Username string `json:"username,omitempty"`
	Text     string `json:"text,omitempty"`
	Room     string `json:"room,omitempty"`

	// opponentGone
	Gone bool `json:"gone,omitempty"`
}

const (
	GameEventFull         = "gameFull"
	GameEventState        = "gameState"
	GameEventChat         = "chatLine"
	GameEventOpponentGone = "opponentGone"
)

type GameState struct {
	Moves  string `json:"moves"`
	WTime  int64  `json:"wtime"`
	BTime  int64  `json:"btime"`
	WInc   int64  `json:"winc"`
	BInc   int64  `json:"binc"`
	Status string `json:"status"`
	Winner string `json:"winner,omitempty"`
}

// CurrentState returns the embedded state of a gameFull record or the
// record itself for gameState.
func (e *GameEvent) CurrentState() *GameState {
	if e.Type == GameEventFull {
		if e.State == nil {
			return &GameState{Status: "started"}
		}
		return e.State
	}
	return &e.GameState
}

// MoveList splits the space-separated UCI move list.
func (s *GameState) MoveList() []string {
	return strings.Fields(s.Moves)
}

var terminalStatuses = map[string]bool{
	"mate":          true,
	"resign":        true,
	"stalemate":     true,
	"draw":          true,
	"outoftime":     true,
	"timeout":       true,
	"aborted":       true,
	"noStart":       true,
	"cheat":         true,
	"variantEnd":    true,
	"unknownFinish": true,
}

// IsTerminalStatus reports whether status ends the game.
func IsTerminalStatus(status string) bool {
	return terminalStatuses[status]
}

// Account is the subset of /api/account the bot reads.
type Account struct {
	ID       string          `json:"id"`
	Username string          `json:"username"`
	Title    string          `json:"title,omitempty"`
	Perfs    map[string]Perf `json:"perfs"`
}

type Perf struct {
	Games  int  `json:"games"`
	Rating int  `json:"rating"`
	Prov   bool `json:"prov,omitempty"`
}

// Rating returns the rating for perfKey, falling back to blitz then 1500.
func (a *Account) Rating(perfKey string) int {
	if a == nil {
		return defaultRating
	}
	if p, ok := a.Perfs[perfKey]; ok && p.Rating > 0 {
		return p.Rating
	}
	if p, ok := a.Perfs["blitz"]; ok && p.Rating > 0 {
		return p.Rating
	}
	return defaultRating
}

const defaultRating = 1500

// SeekRequest mirrors the form fields of the seek endpoint.
type SeekRequest struct {
	TimeMinutes      int
	IncrementSeconds int
	Rated            bool
	Color            string // random | white | black
}
