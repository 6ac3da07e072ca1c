package botdto

import "time"

// Status values carried by PublicState.Status.
const (
	StatusSeeking  = "seeking"
	StatusStarting = "starting"
	StatusPlaying  = "playing"
	StatusEnded    = "ended"
	StatusError    = "error"
	StatusBreak    = "break"
	StatusOffline  = "offline"
)

type Ratings struct {
	Bot      int `json:"bot"`
	Opponent int `json:"opponent"`
}

type Clocks struct {
	WhiteMS int64 `json:"white_ms"`
	BlackMS int64 `json:"black_ms"`
}

type ChatLine struct {
	Username string    `json:"username"`
	Text     string    `json:"text"`
	Room     string    `json:"room,omitempty"`
	At       time.Time `json:"at"`
}

type ScheduleNote struct {
	Status       string    `json:"status"`
	ResumeAt     time.Time `json:"resume_at,omitempty"`
	SessionStart time.Time `json:"session_start,omitempty"`
	GamesPlayed  int       `json:"games_played"`
}

// PublicState is the externally visible snapshot of the bot.
type PublicState struct {
	GameID      string        `json:"game_id,omitempty"`
	FEN         string        `json:"fen,omitempty"`
	Moves       []string      `json:"moves,omitempty"`
	Turn        string        `json:"turn,omitempty"`
	BotColor    string        `json:"bot_color,omitempty"`
	BotTurn     bool          `json:"bot_turn"`
	Opponent    string        `json:"opponent,omitempty"`
	Ratings     Ratings       `json:"ratings"`
	Clocks      Clocks        `json:"clocks"`
	AdvantageCP int           `json:"advantage_cp"`
	Chat        []ChatLine    `json:"chat,omitempty"`
	Status      string        `json:"status"`
	Message     string        `json:"message,omitempty"`
	Schedule    *ScheduleNote `json:"schedule,omitempty"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Clone returns a deep copy so observers never share slices with the producer.
func (s PublicState) Clone() PublicState {
	out := s
	if s.Moves != nil {
		out.Moves = append([]string(nil), s.Moves...)
	}
	if s.Chat != nil {
		out.Chat = append([]ChatLine(nil), s.Chat...)
	}
	if s.Schedule != nil {
		note := *s.Schedule
		out.Schedule = &note
	}
	return out
}
