package models

import "time"

// Values stored in games.winner_color. A game stays live (0) until a
// result event assigns a terminal value; it never goes back.
const (
	WinnerLive  = 0
	WinnerBlack = 1
	WinnerWhite = 2
	WinnerDraw  = 3
)

// Game is one leg of a paired match. The external id is the agent-supplied
// identity that survives retries; moves is the append-only "x,y,c;x,y,c"
// encoded move list.
type Game struct {
	ID           uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	ExternalID   string    `gorm:"uniqueIndex;not null" json:"external_id"`
	GroupID      string    `gorm:"index" json:"group_id"`
	TournamentID string    `gorm:"index" json:"tournament_id"`
	Timestamp    time.Time `gorm:"index;autoCreateTime" json:"timestamp"`
	BlackID      uint      `gorm:"index:idx_games_players;not null" json:"black_id"`
	WhiteID      uint      `gorm:"index:idx_games_players;not null" json:"white_id"`
	WinnerColor  int       `gorm:"default:0" json:"winner_color"`
	Moves        string    `gorm:"default:''" json:"moves"`
	RunID        *string   `gorm:"index" json:"run_id,omitempty"`
	BlackIsP1    bool      `gorm:"default:true" json:"black_is_p1"`
}
