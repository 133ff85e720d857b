package models

import "time"

// Run holds tournament/run metadata plus the rolling performance stats the
// arena reports while the run is in flight. Upserted by run_start, patched
// by run_update, read-mostly by dashboard clients.
type Run struct {
	ID          string `gorm:"primaryKey" json:"id"`
	P1Name      string `json:"p1_name"`
	P1Version   string `json:"p1_version"`
	P2Name      string `json:"p2_name"`
	P2Version   string `json:"p2_version"`
	ConfigLabel string `json:"config_label"`

	// Run configuration
	TotalGames  int    `gorm:"default:0" json:"total_games"`
	P1Nodes     int    `gorm:"default:0" json:"p1_nodes"`
	P2Nodes     int    `gorm:"default:0" json:"p2_nodes"`
	EvalNodes   int    `gorm:"default:0" json:"eval_nodes"`
	BoardSize   int    `gorm:"default:20" json:"board_size"`
	MinPairs    int    `gorm:"default:5" json:"min_pairs"`
	MaxPairs    int    `gorm:"default:10" json:"max_pairs"`
	RepeatIndex int    `gorm:"default:0" json:"repeat_index"`
	Seed        *int64 `json:"seed"`

	// Rolling progress and quality stats
	GamesPlayed  int     `gorm:"default:0" json:"games_played"`
	Wins         int     `gorm:"default:0" json:"wins"`
	Losses       int     `gorm:"default:0" json:"losses"`
	Draws        int     `gorm:"default:0" json:"draws"`
	WallTimeMs   int64   `gorm:"column:wall_time_ms;default:0" json:"wall_time_ms"`
	ArenaLoad    float64 `gorm:"default:0" json:"arena_load"`
	P1Efficiency float64 `gorm:"default:0" json:"p1_efficiency"`
	P2Efficiency float64 `gorm:"default:0" json:"p2_efficiency"`
	P1Elo        float64 `gorm:"default:1000" json:"p1_elo"`
	P1Dqi        float64 `gorm:"column:p1_dqi;default:0" json:"p1_dqi"`
	P1Cma        float64 `gorm:"column:p1_cma;default:0" json:"p1_cma"`
	P1Blunder    float64 `gorm:"default:0" json:"p1_blunder"`
	P1Crashes    int     `gorm:"default:0" json:"p1_crashes"`
	P2Elo        float64 `gorm:"default:1000" json:"p2_elo"`
	P2Dqi        float64 `gorm:"column:p2_dqi;default:0" json:"p2_dqi"`
	P2Cma        float64 `gorm:"column:p2_cma;default:0" json:"p2_cma"`
	P2Blunder    float64 `gorm:"default:0" json:"p2_blunder"`
	P2Crashes    int     `gorm:"default:0" json:"p2_crashes"`
	IsDone       bool    `gorm:"default:false" json:"is_done"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}
