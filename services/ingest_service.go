package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"arena-live-system/models"
	"arena-live-system/utils"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// IngestService turns raw agent event batches into durable state changes
// and derived broadcasts. One call, one transaction: broadcasting happens
// strictly after commit.
type IngestService struct {
	DB      *gorm.DB
	Bus     *BroadcastService
	Archive *ArchiveService
}

func NewIngestService(db *gorm.DB, bus *BroadcastService, archive *ArchiveService) *IngestService {
	return &IngestService{DB: db, Bus: bus, Archive: archive}
}

// Event is one raw batch entry posted by an agent. Agents send both long
// and short player field names depending on version, so both are accepted.
// Rolling run stats are pointers: a field absent from the payload keeps its
// stored value.
type Event struct {
	Type       string `json:"type"`
	ID         string `json:"id"`
	RunID      string `json:"run_id"`
	ExternalID string `json:"external_id"`

	P1Name    string `json:"p1_name"`
	P1N       string `json:"p1n"`
	P1Version string `json:"p1_version"`
	P1V       string `json:"p1v"`
	P2Name    string `json:"p2_name"`
	P2N       string `json:"p2n"`
	P2Version string `json:"p2_version"`
	P2V       string `json:"p2v"`
	BlackIsP1 bool   `json:"black_is_p1"`

	// run_start configuration
	ConfigLabel string `json:"config_label"`
	TotalGames  int    `json:"total_games"`
	P1Nodes     int    `json:"p1_nodes"`
	P2Nodes     int    `json:"p2_nodes"`
	EvalNodes   int    `json:"eval_nodes"`
	BoardSize   int    `json:"board_size"`
	MinPairs    int    `json:"min_pairs"`
	MaxPairs    int    `json:"max_pairs"`
	RepeatIndex int    `json:"repeat_index"`
	Seed        *int64 `json:"seed"`

	// run_update rolling stats
	GamesPlayed  *int     `json:"games_played"`
	Wins         *int     `json:"wins"`
	Losses       *int     `json:"losses"`
	Draws        *int     `json:"draws"`
	WallTimeMs   *int64   `json:"wall_time_ms"`
	ArenaLoad    *float64 `json:"arena_load"`
	P1Efficiency *float64 `json:"p1_efficiency"`
	P2Efficiency *float64 `json:"p2_efficiency"`
	P1Elo        *float64 `json:"p1_elo"`
	P1Dqi        *float64 `json:"p1_dqi"`
	P1Cma        *float64 `json:"p1_cma"`
	P1Blunder    *float64 `json:"p1_blunder"`
	P1Crashes    *int     `json:"p1_crashes"`
	P2Elo        *float64 `json:"p2_elo"`
	P2Dqi        *float64 `json:"p2_dqi"`
	P2Cma        *float64 `json:"p2_cma"`
	P2Blunder    *float64 `json:"p2_blunder"`
	P2Crashes    *int     `json:"p2_crashes"`
	IsDone       *bool    `json:"is_done"`

	// move
	X int `json:"x"`
	Y int `json:"y"`
	C int `json:"c"`

	// result
	Winner int    `json:"winner"`
	Moves  string `json:"moves"`
}

func (e *Event) p1() (name, version string) {
	return firstNonEmpty(e.P1Name, e.P1N), firstNonEmpty(e.P1Version, e.P1V)
}

func (e *Event) p2() (name, version string) {
	return firstNonEmpty(e.P2Name, e.P2N), firstNonEmpty(e.P2Version, e.P2V)
}

func (e *Event) runID() string {
	return firstNonEmpty(e.RunID, e.ID)
}

// gameScratch is the in-batch working copy of one game. Mutations
// accumulate here so that several events for the same game in one batch
// coalesce into a single UPDATE at transaction end.
type gameScratch struct {
	game     models.Game
	modified bool
}

type batchState struct {
	games    map[string]*gameScratch
	doneRuns []string
}

func newBatchState() *batchState {
	return &batchState{games: make(map[string]*gameScratch)}
}

// get returns the scratch state for an external id, loading it from the
// store on first touch. A nil scratch (with nil error) means the game is
// unknown and the event should be a silent no-op.
func (b *batchState) get(tx *gorm.DB, extID string) (*gameScratch, error) {
	if s, ok := b.games[extID]; ok {
		return s, nil
	}
	var g models.Game
	if err := tx.Where("external_id = ?", extID).First(&g).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	s := &gameScratch{game: g}
	b.games[extID] = s
	return s, nil
}

// flush persists every modified scratch entry. Untouched games cost no
// write.
func (b *batchState) flush(tx *gorm.DB) error {
	for _, s := range b.games {
		if !s.modified {
			continue
		}
		err := tx.Model(&models.Game{}).Where("id = ?", s.game.ID).Updates(map[string]interface{}{
			"moves":        s.game.Moves,
			"winner_color": s.game.WinnerColor,
		}).Error
		if err != nil {
			return fmt.Errorf("flush game %d: %w", s.game.ID, err)
		}
	}
	return nil
}

// PostBatch is the POST /api/batch handler. Events apply in array order
// inside one transaction; a failing event is logged and skipped without
// aborting the rest of the batch.
func (s *IngestService) PostBatch(c *fiber.Ctx) error {
	var events []Event
	if err := json.Unmarshal(c.Body(), &events); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "body must be a JSON array of events",
		})
	}

	broadcasts := make([]BroadcastMessage, 0, len(events))
	batch := newBatchState()

	err := s.DB.Transaction(func(tx *gorm.DB) error {
		for i := range events {
			msgs, err := s.applyEvent(tx, batch, &events[i])
			if err != nil {
				log.Printf("[Ingest] event %d (%s) skipped: %v", i, events[i].Type, err)
				continue
			}
			broadcasts = append(broadcasts, msgs...)
		}
		return batch.flush(tx)
	})
	if err != nil {
		log.Printf("[Ingest] batch of %d events failed: %v", len(events), err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to commit batch",
		})
	}

	// The transaction is durable; subscribers can never observe state that
	// did not commit.
	for _, m := range broadcasts {
		s.Bus.Publish(m)
	}
	for _, runID := range batch.doneRuns {
		go s.Archive.ArchiveRun(runID)
	}

	return c.JSON(fiber.Map{"success": true})
}

func (s *IngestService) applyEvent(tx *gorm.DB, batch *batchState, e *Event) ([]BroadcastMessage, error) {
	switch e.Type {
	case "run_start":
		return s.applyRunStart(tx, e)
	case "run_update":
		return s.applyRunUpdate(tx, batch, e)
	case "start":
		return s.applyGameStart(tx, batch, e)
	case "move":
		return s.applyMove(tx, batch, e)
	case "result":
		return s.applyResult(tx, batch, e)
	default:
		return nil, fmt.Errorf("unknown event type %q", e.Type)
	}
}

func (s *IngestService) applyRunStart(tx *gorm.DB, e *Event) ([]BroadcastMessage, error) {
	runID := e.runID()
	if runID == "" {
		return nil, errors.New("run_start without run id")
	}

	p1Name, p1Version := e.p1()
	p2Name, p2Version := e.p2()
	run := models.Run{
		ID:          runID,
		P1Name:      p1Name,
		P1Version:   p1Version,
		P2Name:      p2Name,
		P2Version:   p2Version,
		ConfigLabel: e.ConfigLabel,
		TotalGames:  e.TotalGames,
		P1Nodes:     e.P1Nodes,
		P2Nodes:     e.P2Nodes,
		EvalNodes:   e.EvalNodes,
		BoardSize:   intOrDefault(e.BoardSize, 20),
		MinPairs:    intOrDefault(e.MinPairs, 5),
		MaxPairs:    intOrDefault(e.MaxPairs, 10),
		RepeatIndex: e.RepeatIndex,
		Seed:        e.Seed,
		P1Elo:       1000,
		P2Elo:       1000,
	}
	// A replayed run_start refreshes configuration without clobbering the
	// rolling stats accumulated by run_update.
	err := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"p1_name", "p1_version", "p2_name", "p2_version", "config_label",
			"total_games", "p1_nodes", "p2_nodes", "eval_nodes", "board_size",
			"min_pairs", "max_pairs", "repeat_index", "seed", "updated_at",
		}),
	}).Create(&run).Error
	if err != nil {
		return nil, fmt.Errorf("upsert run %s: %w", runID, err)
	}

	var stored models.Run
	if err := tx.First(&stored, "id = ?", runID).Error; err != nil {
		return nil, err
	}
	return []BroadcastMessage{{"type": "run_start", "run": stored}}, nil
}

func (s *IngestService) applyRunUpdate(tx *gorm.DB, batch *batchState, e *Event) ([]BroadcastMessage, error) {
	runID := e.runID()
	var existing models.Run
	if err := tx.First(&existing, "id = ?", runID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Update for a run we never saw start: drop it.
			return nil, nil
		}
		return nil, err
	}

	updates := map[string]interface{}{}
	setInt := func(col string, v *int) {
		if v != nil {
			updates[col] = *v
		}
	}
	setFloat := func(col string, v *float64) {
		if v != nil {
			updates[col] = *v
		}
	}
	setInt("games_played", e.GamesPlayed)
	setInt("wins", e.Wins)
	setInt("losses", e.Losses)
	setInt("draws", e.Draws)
	setInt("p1_crashes", e.P1Crashes)
	setInt("p2_crashes", e.P2Crashes)
	setFloat("arena_load", e.ArenaLoad)
	setFloat("p1_efficiency", e.P1Efficiency)
	setFloat("p2_efficiency", e.P2Efficiency)
	setFloat("p1_elo", e.P1Elo)
	setFloat("p1_dqi", e.P1Dqi)
	setFloat("p1_cma", e.P1Cma)
	setFloat("p1_blunder", e.P1Blunder)
	setFloat("p2_elo", e.P2Elo)
	setFloat("p2_dqi", e.P2Dqi)
	setFloat("p2_cma", e.P2Cma)
	setFloat("p2_blunder", e.P2Blunder)
	if e.WallTimeMs != nil {
		updates["wall_time_ms"] = *e.WallTimeMs
	}
	if e.IsDone != nil {
		updates["is_done"] = *e.IsDone
	}

	if len(updates) > 0 {
		if err := tx.Model(&existing).Updates(updates).Error; err != nil {
			return nil, fmt.Errorf("update run %s: %w", runID, err)
		}
	}

	var stored models.Run
	if err := tx.First(&stored, "id = ?", runID).Error; err != nil {
		return nil, err
	}
	if e.IsDone != nil && *e.IsDone {
		batch.doneRuns = append(batch.doneRuns, runID)
	}
	return []BroadcastMessage{{"type": "run_update", "run": stored}}, nil
}

func (s *IngestService) applyGameStart(tx *gorm.DB, batch *batchState, e *Event) ([]BroadcastMessage, error) {
	if e.ExternalID == "" {
		return nil, errors.New("start without external_id")
	}

	p1Name, p1Version := e.p1()
	p2Name, p2Version := e.p2()
	blackID, err := getOrCreatePlayer(tx, p1Name, p1Version)
	if err != nil {
		return nil, err
	}
	whiteID, err := getOrCreatePlayer(tx, p2Name, p2Version)
	if err != nil {
		return nil, err
	}

	game := models.Game{
		ExternalID:   e.ExternalID,
		GroupID:      deriveGroupID(e.ExternalID),
		TournamentID: deriveTournamentID(e.RunID, e.ExternalID),
		BlackID:      blackID,
		WhiteID:      whiteID,
		BlackIsP1:    e.BlackIsP1,
	}
	if e.RunID != "" {
		runID := e.RunID
		game.RunID = &runID
	}

	res := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "external_id"}},
		DoNothing: true,
	}).Create(&game)
	if res.Error != nil {
		return nil, fmt.Errorf("insert game %s: %w", e.ExternalID, res.Error)
	}
	if res.RowsAffected == 0 {
		// Replayed start for a game we already track.
		return nil, nil
	}

	detail, err := fetchGameDetail(tx, game.ID)
	if err != nil {
		return nil, err
	}
	batch.games[e.ExternalID] = &gameScratch{game: game}
	return []BroadcastMessage{{"type": "game_start", "game": detail}}, nil
}

func (s *IngestService) applyMove(tx *gorm.DB, batch *batchState, e *Event) ([]BroadcastMessage, error) {
	scratch, err := batch.get(tx, e.ExternalID)
	if err != nil {
		return nil, err
	}
	if scratch == nil {
		return nil, nil
	}

	moveStr := utils.EncodeMove(e.X, e.Y, e.C)
	if containsMove(scratch.game.Moves, moveStr) {
		// Duplicate delivery of the same move: already applied.
		return nil, nil
	}
	if scratch.game.Moves == "" {
		scratch.game.Moves = moveStr
	} else {
		scratch.game.Moves += ";" + moveStr
	}
	scratch.modified = true

	return []BroadcastMessage{{
		"type":          "game_move",
		"id":            scratch.game.ID,
		"group_id":      scratch.game.GroupID,
		"tournament_id": scratch.game.TournamentID,
		"moves":         scratch.game.Moves,
		"move_count":    utils.CountMoves(scratch.game.Moves),
	}}, nil
}

func (s *IngestService) applyResult(tx *gorm.DB, batch *batchState, e *Event) ([]BroadcastMessage, error) {
	scratch, err := batch.get(tx, e.ExternalID)
	if err != nil {
		return nil, err
	}
	if scratch == nil {
		return nil, nil
	}
	if e.Winner == models.WinnerLive {
		// A winner can only move from live to a terminal value.
		return nil, fmt.Errorf("result for %s without a terminal winner", e.ExternalID)
	}

	scratch.game.WinnerColor = e.Winner
	if e.Moves != "" {
		// Authoritative replay of the full move list.
		scratch.game.Moves = e.Moves
	}
	scratch.modified = true

	return []BroadcastMessage{{
		"type":          "game_result",
		"id":            scratch.game.ID,
		"external_id":   e.ExternalID,
		"tournament_id": scratch.game.TournamentID,
		"winner_color":  e.Winner,
		"moves":         scratch.game.Moves,
		"move_count":    utils.CountMoves(scratch.game.Moves),
		"black_id":      scratch.game.BlackID,
		"white_id":      scratch.game.WhiteID,
		"group_id":      scratch.game.GroupID,
	}}, nil
}

// Reset is the DELETE /api/reset handler: clears all persisted state and
// tells every subscriber to start over.
func (s *IngestService) Reset(c *fiber.Ctx) error {
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		for _, m := range []interface{}{&models.Game{}, &models.Player{}, &models.Run{}} {
			if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(m).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		log.Printf("[Ingest] reset failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "reset failed"})
	}

	s.Bus.Reset()
	log.Printf("[Ingest] state cleared, reset broadcast sent")
	return c.JSON(fiber.Map{"success": true})
}

func getOrCreatePlayer(tx *gorm.DB, name, version string) (uint, error) {
	p := models.Player{Name: name, Version: version}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&p).Error; err != nil {
		return 0, fmt.Errorf("insert player %s/%s: %w", name, version, err)
	}
	if p.ID != 0 {
		return p.ID, nil
	}
	if err := tx.Where("name = ? AND version = ?", name, version).First(&p).Error; err != nil {
		return 0, fmt.Errorf("lookup player %s/%s: %w", name, version, err)
	}
	return p.ID, nil
}

// deriveGroupID strips the trailing "_<leg>" suffix so the two legs of a
// pair share a group.
func deriveGroupID(externalID string) string {
	if idx := strings.LastIndex(externalID, "_"); idx >= 0 {
		return externalID[:idx]
	}
	return externalID
}

// deriveTournamentID prefers the explicit run reference, then the first
// "_"-delimited segment of the external id, then the sentinel.
func deriveTournamentID(runID, externalID string) string {
	if runID != "" {
		return runID
	}
	if first := strings.SplitN(externalID, "_", 2)[0]; first != "" {
		return first
	}
	return "unknown"
}

func containsMove(moves, moveStr string) bool {
	if moves == "" {
		return false
	}
	for _, m := range strings.Split(moves, ";") {
		if m == moveStr {
			return true
		}
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func intOrDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}
