package models

import "time"

// Player identifies one engine build. Identity is the (name, version) pair;
// rows are deduplicated on insert and never updated afterwards.
type Player struct {
	ID      uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	Name    string `gorm:"uniqueIndex:idx_players_identity;not null" json:"name"`
	Version string `gorm:"uniqueIndex:idx_players_identity;not null" json:"version"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
}
