// Package schedule decides when the bot may seek games.
package schedule

import (
	"time"
)

const (
	ReasonOutsideHours = "outside_hours"
	ReasonSessionBreak = "session_break"
	ReasonOnBreak      = "on_break"
)

type Config struct {
	// StartHour and EndHour bound the daily play window [StartHour, EndHour).
	// EndHour <= StartHour wraps past midnight; equal hours mean all day.
	StartHour int
	EndHour   int
	Location  *time.Location

	MaxSession    time.Duration // 0 disables the limit
	MaxGames      int           // 0 disables the limit
	BreakLength   time.Duration
	BreakInterval time.Duration // break-check trigger period
}

func (c Config) loc() *time.Location {
	if c.Location == nil {
		return time.Local
	}
	return c.Location
}

// AllDay reports a window without daily boundaries.
func (c Config) AllDay() bool { return c.StartHour == c.EndHour }

// InPlayHours reports whether now falls inside the daily window.
func (c Config) InPlayHours(now time.Time) bool {
	if c.AllDay() {
		return true
	}
	h := now.In(c.loc()).Hour()
	if c.StartHour < c.EndHour {
		return h >= c.StartHour && h < c.EndHour
	}
	return h >= c.StartHour || h < c.EndHour
}

// NextStart is the next instant, strictly after now, at the start hour.
func (c Config) NextStart(now time.Time) time.Time { return nextHour(now, c.StartHour, c.loc()) }

// NextEnd is the next instant, strictly after now, at the end hour.
func (c Config) NextEnd(now time.Time) time.Time { return nextHour(now, c.EndHour, c.loc()) }

func nextHour(now time.Time, hour int, loc *time.Location) time.Time {
	local := now.In(loc)
	t := time.Date(local.Year(), local.Month(), local.Day(), hour, 0, 0, 0, loc)
	if !t.After(now) {
		t = t.AddDate(0, 0, 1)
	}
	return t
}

// Window is the scheduling state. A zero SessionStart means no session is open.
type Window struct {
	SessionStart time.Time
	GamesPlayed  int
	NextResumeAt time.Time
}

type Decision struct {
	Seek     bool
	Reason   string
	ResumeAt time.Time
	// GamesPlayed is the count of the session that just closed, for break notes.
	GamesPlayed int
}

// Decide applies the play rules to w at now and returns the updated window.
// It has no side effects.
func Decide(cfg Config, w Window, now time.Time, gameActive bool) (Decision, Window) {
	if !cfg.InPlayHours(now) {
		next := cfg.NextStart(now)
		w.NextResumeAt = next
		return Decision{Reason: ReasonOutsideHours, ResumeAt: next, GamesPlayed: w.GamesPlayed}, w
	}

	if w.SessionStart.IsZero() && now.Before(w.NextResumeAt) {
		return Decision{Reason: ReasonOnBreak, ResumeAt: w.NextResumeAt}, w
	}

	if w.SessionStart.IsZero() {
		w.SessionStart = now
		w.GamesPlayed = 0
		w.NextResumeAt = time.Time{}
	}

	if !gameActive && sessionExhausted(cfg, w, now) {
		resume := now.Add(cfg.BreakLength)
		played := w.GamesPlayed
		w = Window{NextResumeAt: resume}
		return Decision{Reason: ReasonSessionBreak, ResumeAt: resume, GamesPlayed: played}, w
	}

	return Decision{Seek: true, GamesPlayed: w.GamesPlayed}, w
}

func sessionExhausted(cfg Config, w Window, now time.Time) bool {
	if cfg.MaxSession > 0 && now.Sub(w.SessionStart) >= cfg.MaxSession {
		return true
	}
	return cfg.MaxGames > 0 && w.GamesPlayed >= cfg.MaxGames
}

// RecordSeekAccepted counts a game against the open session, never past MaxGames.
func RecordSeekAccepted(cfg Config, w Window) Window {
	if w.SessionStart.IsZero() {
		return w
	}
	if cfg.MaxGames > 0 && w.GamesPlayed >= cfg.MaxGames {
		return w
	}
	w.GamesPlayed++
	return w
}
