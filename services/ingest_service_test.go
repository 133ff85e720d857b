package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"arena-live-system/models"

	"github.com/glebarez/sqlite"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type testEnv struct {
	app *fiber.App
	db  *gorm.DB
	bus *BroadcastService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Player{}, &models.Game{}, &models.Run{}))

	bus := NewBroadcastService(time.Hour)
	t.Cleanup(bus.Shutdown)

	ingest := NewIngestService(db, bus, NewArchiveService(db))
	query := NewQueryService(db)

	app := fiber.New()
	app.Post("/api/batch", ingest.PostBatch)
	app.Delete("/api/reset", ingest.Reset)
	app.Get("/api/matchups", query.GetMatchups)
	app.Get("/api/games", query.GetGames)
	app.Get("/api/game/:id", query.GetGame)
	app.Get("/api/latest-game", query.GetLatestGame)
	app.Get("/api/runs", query.GetRuns)

	return &testEnv{app: app, db: db, bus: bus}
}

func (e *testEnv) postBatch(t *testing.T, events []map[string]interface{}) {
	t.Helper()
	body, err := json.Marshal(events)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/batch", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func (e *testEnv) getJSON(t *testing.T, path string, out interface{}) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	if out != nil && resp.StatusCode == http.StatusOK {
		raw, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(raw, out))
	}
	return resp.StatusCode
}

func startEvent(extID, p1Name, p1Ver, p2Name, p2Ver string) map[string]interface{} {
	return map[string]interface{}{
		"type":        "start",
		"external_id": extID,
		"p1_name":     p1Name,
		"p1_version":  p1Ver,
		"p2_name":     p2Name,
		"p2_version":  p2Ver,
		"black_is_p1": true,
	}
}

func moveEvent(extID string, x, y, c int) map[string]interface{} {
	return map[string]interface{}{"type": "move", "external_id": extID, "x": x, "y": y, "c": c}
}

func resultEvent(extID string, winner int) map[string]interface{} {
	return map[string]interface{}{"type": "result", "external_id": extID, "winner": winner}
}

func TestBatchRejectsNonArrayBody(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/api/batch", bytes.NewReader([]byte(`{"type":"start"}`)))
	req.Header.Set("Content-Type", "application/json")
	resp, err := env.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGameLifecycle(t *testing.T) {
	env := newTestEnv(t)

	env.postBatch(t, []map[string]interface{}{
		startEvent("t1_1_0", "alpha", "1.0", "beta", "1.0"),
		moveEvent("t1_1_0", 3, 3, 1),
		moveEvent("t1_1_0", 4, 4, 2),
		resultEvent("t1_1_0", models.WinnerBlack),
	})

	var game models.Game
	require.NoError(t, env.db.First(&game, "external_id = ?", "t1_1_0").Error)
	assert.Equal(t, "t1_1", game.GroupID)
	assert.Equal(t, "t1", game.TournamentID)
	assert.Equal(t, "3,3,1;4,4,2", game.Moves)
	assert.Equal(t, models.WinnerBlack, game.WinnerColor)

	var latest struct {
		ID *uint `json:"id"`
	}
	require.Equal(t, http.StatusOK, env.getJSON(t, "/api/latest-game", &latest))
	require.NotNil(t, latest.ID)
	assert.Equal(t, game.ID, *latest.ID)

	var detail GameDetail
	require.Equal(t, http.StatusOK, env.getJSON(t, fmt.Sprintf("/api/game/%d", game.ID), &detail))
	assert.Equal(t, "alpha", detail.BlackName)
	assert.Equal(t, "beta", detail.WhiteName)
}

func TestBatchEmitsSequencedBroadcasts(t *testing.T) {
	env := newTestEnv(t)
	id, ch := env.bus.Subscribe()
	defer env.bus.Unsubscribe(id)
	<-ch // connected

	env.postBatch(t, []map[string]interface{}{
		startEvent("t1_1_0", "alpha", "1.0", "beta", "1.0"),
		moveEvent("t1_1_0", 3, 3, 1),
		resultEvent("t1_1_0", models.WinnerWhite),
	})

	types := []string{}
	for i := 0; i < 3; i++ {
		select {
		case frame := <-ch:
			msg := decodeFrame(t, frame)
			types = append(types, msg["type"].(string))
			assert.Equal(t, float64(i+1), msg["seq"])
		case <-time.After(time.Second):
			t.Fatal("missing broadcast frame")
		}
	}
	assert.Equal(t, []string{"game_start", "game_move", "game_result"}, types)
}

func TestMoveDeduplication(t *testing.T) {
	env := newTestEnv(t)

	// Duplicate inside one batch, then replayed in a second batch.
	env.postBatch(t, []map[string]interface{}{
		startEvent("t1_1_0", "alpha", "1.0", "beta", "1.0"),
		moveEvent("t1_1_0", 3, 3, 1),
		moveEvent("t1_1_0", 3, 3, 1),
	})
	env.postBatch(t, []map[string]interface{}{
		moveEvent("t1_1_0", 3, 3, 1),
		moveEvent("t1_1_0", 5, 5, 2),
	})

	var game models.Game
	require.NoError(t, env.db.First(&game, "external_id = ?", "t1_1_0").Error)
	assert.Equal(t, "3,3,1;5,5,2", game.Moves)
}

func TestReplayedStartIsIgnored(t *testing.T) {
	env := newTestEnv(t)

	env.postBatch(t, []map[string]interface{}{
		startEvent("t1_1_0", "alpha", "1.0", "beta", "1.0"),
		moveEvent("t1_1_0", 3, 3, 1),
	})
	env.postBatch(t, []map[string]interface{}{
		startEvent("t1_1_0", "alpha", "1.0", "beta", "1.0"),
	})

	var count int64
	require.NoError(t, env.db.Model(&models.Game{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	// The replay must not wipe accumulated moves.
	var game models.Game
	require.NoError(t, env.db.First(&game, "external_id = ?", "t1_1_0").Error)
	assert.Equal(t, "3,3,1", game.Moves)
}

func TestBadEventDoesNotAbortBatch(t *testing.T) {
	env := newTestEnv(t)

	env.postBatch(t, []map[string]interface{}{
		startEvent("t1_1_0", "alpha", "1.0", "beta", "1.0"),
		{"type": "warp"}, // unknown type: logged and skipped
		moveEvent("nonexistent", 1, 1, 1), // unknown game: silent no-op
		moveEvent("t1_1_0", 3, 3, 1),
	})

	var game models.Game
	require.NoError(t, env.db.First(&game, "external_id = ?", "t1_1_0").Error)
	assert.Equal(t, "3,3,1", game.Moves)
}

func TestResultRequiresTerminalWinner(t *testing.T) {
	env := newTestEnv(t)

	env.postBatch(t, []map[string]interface{}{
		startEvent("t1_1_0", "alpha", "1.0", "beta", "1.0"),
		resultEvent("t1_1_0", models.WinnerLive),
	})

	var game models.Game
	require.NoError(t, env.db.First(&game, "external_id = ?", "t1_1_0").Error)
	assert.Equal(t, models.WinnerLive, game.WinnerColor)
}

func TestResultMovesOverwrite(t *testing.T) {
	env := newTestEnv(t)

	env.postBatch(t, []map[string]interface{}{
		startEvent("t1_1_0", "alpha", "1.0", "beta", "1.0"),
		moveEvent("t1_1_0", 3, 3, 1),
	})
	env.postBatch(t, []map[string]interface{}{
		{
			"type":        "result",
			"external_id": "t1_1_0",
			"winner":      models.WinnerDraw,
			"moves":       "3,3,1;4,4,2;5,5,1",
		},
	})

	var game models.Game
	require.NoError(t, env.db.First(&game, "external_id = ?", "t1_1_0").Error)
	assert.Equal(t, models.WinnerDraw, game.WinnerColor)
	assert.Equal(t, "3,3,1;4,4,2;5,5,1", game.Moves)
}

func TestPlayersDedupedByIdentity(t *testing.T) {
	env := newTestEnv(t)

	env.postBatch(t, []map[string]interface{}{
		startEvent("t1_1_0", "alpha", "1.0", "beta", "1.0"),
		startEvent("t1_1_1", "beta", "1.0", "alpha", "1.0"),
		startEvent("t1_2_0", "alpha", "2.0", "beta", "1.0"),
	})

	var count int64
	require.NoError(t, env.db.Model(&models.Player{}).Count(&count).Error)
	assert.Equal(t, int64(3), count, "alpha/1.0, alpha/2.0, beta/1.0")
}

func TestRunLifecycle(t *testing.T) {
	env := newTestEnv(t)

	env.postBatch(t, []map[string]interface{}{
		{
			"type":         "run_start",
			"run_id":       "r1",
			"p1_name":      "alpha",
			"p1_version":   "1.0",
			"p2_name":      "beta",
			"p2_version":   "1.0",
			"config_label": "nightly sweep",
			"total_games":  100,
		},
	})
	env.postBatch(t, []map[string]interface{}{
		{
			"type":         "run_update",
			"run_id":       "r1",
			"games_played": 10,
			"wins":         6,
			"p1_elo":       1012.5,
		},
	})

	var run models.Run
	require.NoError(t, env.db.First(&run, "id = ?", "r1").Error)
	assert.Equal(t, "nightly sweep", run.ConfigLabel)
	assert.Equal(t, 100, run.TotalGames)
	assert.Equal(t, 20, run.BoardSize, "board size defaults when omitted")
	assert.Equal(t, 10, run.GamesPlayed)
	assert.Equal(t, 6, run.Wins)
	assert.InDelta(t, 1012.5, run.P1Elo, 0.001)
	assert.False(t, run.IsDone)

	// Partial update: untouched fields keep their values.
	env.postBatch(t, []map[string]interface{}{
		{"type": "run_update", "run_id": "r1", "games_played": 20, "is_done": true},
	})
	require.NoError(t, env.db.First(&run, "id = ?", "r1").Error)
	assert.Equal(t, 20, run.GamesPlayed)
	assert.Equal(t, 6, run.Wins)
	assert.True(t, run.IsDone)

	var runsResp struct {
		Runs []models.Run `json:"runs"`
	}
	require.Equal(t, http.StatusOK, env.getJSON(t, "/api/runs", &runsResp))
	require.Len(t, runsResp.Runs, 1)
	assert.Equal(t, "r1", runsResp.Runs[0].ID)
}

func TestRunUpdateForUnknownRunIsDropped(t *testing.T) {
	env := newTestEnv(t)

	env.postBatch(t, []map[string]interface{}{
		{"type": "run_update", "run_id": "ghost", "games_played": 5},
	})

	var count int64
	require.NoError(t, env.db.Model(&models.Run{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestMatchupAggregation(t *testing.T) {
	env := newTestEnv(t)

	env.postBatch(t, []map[string]interface{}{
		startEvent("t1_1_0", "alpha", "1.0", "beta", "1.0"),
		moveEvent("t1_1_0", 3, 3, 1),
		moveEvent("t1_1_0", 4, 4, 2),
		resultEvent("t1_1_0", models.WinnerBlack),
	})

	var page struct {
		Matchups []Matchup `json:"matchups"`
		Total    int       `json:"total"`
	}
	require.Equal(t, http.StatusOK, env.getJSON(t, "/api/matchups", &page))
	require.Len(t, page.Matchups, 1)
	m := page.Matchups[0]
	assert.Equal(t, "t1", m.TournamentID)
	assert.Equal(t, "alpha", m.Hero.Name, "equal versions: earlier name is hero")
	assert.Equal(t, "beta", m.Villain.Name)
	assert.Equal(t, 1, m.HeroWins)
	assert.Equal(t, 0, m.VillainWins)
	assert.Equal(t, 1, m.Total)
}

func TestSelfPlayLegAttribution(t *testing.T) {
	env := newTestEnv(t)

	// Both legs of a self-play pair are won by black. Leg 0 credits the
	// hero, leg 1 the villain, so the pair nets to 1-1.
	env.postBatch(t, []map[string]interface{}{
		startEvent("t1_1_0", "alpha", "1.0", "alpha", "1.0"),
		resultEvent("t1_1_0", models.WinnerBlack),
		startEvent("t1_1_1", "alpha", "1.0", "alpha", "1.0"),
		resultEvent("t1_1_1", models.WinnerBlack),
	})

	var page struct {
		Matchups []Matchup `json:"matchups"`
	}
	require.Equal(t, http.StatusOK, env.getJSON(t, "/api/matchups", &page))
	require.Len(t, page.Matchups, 1)
	m := page.Matchups[0]
	assert.Equal(t, 1, m.HeroWins)
	assert.Equal(t, 1, m.VillainWins)
	assert.Equal(t, 0, m.Draws)
	assert.Equal(t, 2, m.Total)
}

func TestPairGroupListing(t *testing.T) {
	env := newTestEnv(t)

	env.postBatch(t, []map[string]interface{}{
		startEvent("t1_1_0", "alpha", "1.0", "beta", "1.0"),
		moveEvent("t1_1_0", 3, 3, 1),
		moveEvent("t1_1_0", 4, 4, 2),
		resultEvent("t1_1_0", models.WinnerBlack),
		startEvent("t1_1_1", "beta", "1.0", "alpha", "1.0"),
		moveEvent("t1_1_1", 5, 5, 1),
	})

	var alpha models.Player
	require.NoError(t, env.db.First(&alpha, "name = ?", "alpha").Error)
	var beta models.Player
	require.NoError(t, env.db.First(&beta, "name = ?", "beta").Error)

	var page struct {
		Groups []PairGroup `json:"groups"`
		Total  int         `json:"total"`
		HeroID uint        `json:"hero_id"`
	}
	path := fmt.Sprintf("/api/games?p1=%d&p2=%d", alpha.ID, beta.ID)
	require.Equal(t, http.StatusOK, env.getJSON(t, path, &page))

	assert.Equal(t, alpha.ID, page.HeroID)
	require.Len(t, page.Groups, 1)
	g := page.Groups[0]
	assert.Equal(t, "t1_1", g.GroupID)
	assert.Equal(t, 2, g.PairSize)
	assert.Equal(t, 2, g.MaxMoves)
	assert.Equal(t, 1, g.MinMoves)
	assert.Equal(t, 1, g.LiveCount)
	assert.Equal(t, 1, g.HeroWins, "alpha won leg 0 as black")
	require.Len(t, g.Games, 2)
	assert.Less(t, g.Games[0].ID, g.Games[1].ID)
}

func TestResetClearsStateAndRestartsSequence(t *testing.T) {
	env := newTestEnv(t)

	env.postBatch(t, []map[string]interface{}{
		startEvent("t1_1_0", "alpha", "1.0", "beta", "1.0"),
		{"type": "run_start", "run_id": "r1", "p1_name": "alpha", "p1_version": "1.0", "p2_name": "beta", "p2_version": "1.0"},
	})

	req := httptest.NewRequest(http.MethodDelete, "/api/reset", nil)
	resp, err := env.app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	for _, model := range []interface{}{&models.Game{}, &models.Player{}, &models.Run{}} {
		var count int64
		require.NoError(t, env.db.Model(model).Count(&count).Error)
		assert.Equal(t, int64(0), count)
	}

	var latest struct {
		ID *uint `json:"id"`
	}
	require.Equal(t, http.StatusOK, env.getJSON(t, "/api/latest-game", &latest))
	assert.Nil(t, latest.ID)

	assert.Equal(t, uint64(1), env.bus.Seq(), "reset broadcast is seq 1")
}

func TestGameNotFound(t *testing.T) {
	env := newTestEnv(t)
	assert.Equal(t, http.StatusNotFound, env.getJSON(t, "/api/game/999", nil))
}

func TestQueryLimitClampedToCeiling(t *testing.T) {
	env := newTestEnv(t)
	var page struct {
		Limit int `json:"limit"`
	}

	require.Equal(t, http.StatusOK, env.getJSON(t, "/api/matchups?limit=500", &page))
	assert.Equal(t, 100, page.Limit, "oversized limit clamps to the ceiling")

	require.Equal(t, http.StatusOK, env.getJSON(t, "/api/matchups?limit=0", &page))
	assert.Equal(t, 20, page.Limit, "non-positive limit falls back to the default")

	require.Equal(t, http.StatusOK, env.getJSON(t, "/api/games?p1=1&p2=2&limit=999", &page))
	assert.Equal(t, 100, page.Limit)
}
