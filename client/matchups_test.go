package client

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frame(t *testing.T, payload map[string]interface{}) StreamEvent {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	typ, _ := payload["type"].(string)
	return StreamEvent{Type: typ, Raw: raw}
}

func at(sec int) time.Time {
	return time.Date(2026, 8, 1, 12, 0, sec, 0, time.UTC)
}

func startFrame(t *testing.T, g Game) StreamEvent {
	t.Helper()
	raw, err := json.Marshal(map[string]interface{}{"type": "game_start", "game": g})
	require.NoError(t, err)
	return StreamEvent{Type: "game_start", Raw: raw}
}

func TestMatchupReducerGameStartCreatesRow(t *testing.T) {
	g := Game{
		ID: 1, ExternalID: "t1_1_0", GroupID: "t1_1", TournamentID: "t1",
		BlackID: 1, BlackName: "alpha", BlackVersion: "1.0",
		WhiteID: 2, WhiteName: "beta", WhiteVersion: "2.0",
		Timestamp: at(3),
	}
	out := applyMatchupEvent(nil, startFrame(t, g))

	require.Len(t, out, 1)
	m := out[0]
	assert.Equal(t, "t1", m.TournamentID)
	assert.Equal(t, "beta", m.Hero.Name, "higher version is hero")
	assert.Equal(t, "alpha", m.Villain.Name)
	assert.Equal(t, 1, m.Total, "the live game counts toward total from the start")
	assert.Zero(t, m.HeroWins)
	assert.Equal(t, at(3), m.LastActivity)
}

func TestMatchupReducerGameStartMovesExistingToFront(t *testing.T) {
	list := []Matchup{
		{TournamentID: "t1", Hero: PlayerRef{ID: 3}, Villain: PlayerRef{ID: 4}, LastActivity: at(5)},
		{TournamentID: "t1", Hero: PlayerRef{ID: 1}, Villain: PlayerRef{ID: 2}, Total: 7, LastActivity: at(1)},
	}
	g := Game{TournamentID: "t1", BlackID: 2, WhiteID: 1, Timestamp: at(9)}

	out := applyMatchupEvent(list, startFrame(t, g))
	require.Len(t, out, 2)
	assert.Equal(t, uint(1), out[0].Hero.ID, "touched pair moved to front")
	assert.Equal(t, 8, out[0].Total, "game_start bumps total")
	assert.Equal(t, at(9), out[0].LastActivity)
}

func TestMatchupReducerGameResultAttribution(t *testing.T) {
	base := Matchup{
		TournamentID: "t1",
		Hero:         PlayerRef{ID: 2, Name: "beta", Version: "2.0"},
		Villain:      PlayerRef{ID: 1, Name: "alpha", Version: "1.0"},
		Total:        1, // counted when the game started
	}

	tests := []struct {
		name        string
		payload     map[string]interface{}
		heroWins    int
		villainWins int
		draws       int
	}{
		{
			"hero wins as black",
			map[string]interface{}{"type": "game_result", "external_id": "t1_1_0", "tournament_id": "t1", "black_id": 2, "white_id": 1, "winner_color": winnerBlack},
			1, 0, 0,
		},
		{
			"villain wins as white",
			map[string]interface{}{"type": "game_result", "external_id": "t1_1_0", "tournament_id": "t1", "black_id": 2, "white_id": 1, "winner_color": winnerWhite},
			0, 1, 0,
		},
		{
			"draw",
			map[string]interface{}{"type": "game_result", "external_id": "t1_1_0", "tournament_id": "t1", "black_id": 2, "white_id": 1, "winner_color": winnerDraw},
			0, 0, 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := applyMatchupEvent([]Matchup{base}, frame(t, tt.payload))
			require.Len(t, out, 1)
			assert.Equal(t, tt.heroWins, out[0].HeroWins)
			assert.Equal(t, tt.villainWins, out[0].VillainWins)
			assert.Equal(t, tt.draws, out[0].Draws)
			assert.Equal(t, 1, out[0].Total, "a result resolves a game, it does not add one")
		})
	}
}

func TestMatchupReducerSelfPlayLegs(t *testing.T) {
	selfGame := func(extID string) Game {
		return Game{
			ExternalID: extID, TournamentID: "t1",
			BlackID: 7, BlackName: "alpha", BlackVersion: "1.0",
			WhiteID: 7, WhiteName: "alpha", WhiteVersion: "1.0",
		}
	}

	var list []Matchup
	list = applyMatchupEvent(list, startFrame(t, selfGame("t1_1_0")))
	list = applyMatchupEvent(list, startFrame(t, selfGame("t1_1_1")))

	// Black wins both legs: leg 0 credits the hero, leg 1 the villain.
	list = applyMatchupEvent(list, frame(t, map[string]interface{}{
		"type": "game_result", "external_id": "t1_1_0", "tournament_id": "t1",
		"black_id": 7, "white_id": 7, "winner_color": winnerBlack,
	}))
	list = applyMatchupEvent(list, frame(t, map[string]interface{}{
		"type": "game_result", "external_id": "t1_1_1", "tournament_id": "t1",
		"black_id": 7, "white_id": 7, "winner_color": winnerBlack,
	}))

	require.Len(t, list, 1)
	assert.Equal(t, 1, list[0].HeroWins)
	assert.Equal(t, 1, list[0].VillainWins)
	assert.Equal(t, 2, list[0].Total)
}

func TestMatchupReducerGameResultKeepsOrder(t *testing.T) {
	list := []Matchup{
		{TournamentID: "t1", Hero: PlayerRef{ID: 3}, Villain: PlayerRef{ID: 4}, Total: 1},
		{TournamentID: "t1", Hero: PlayerRef{ID: 1}, Villain: PlayerRef{ID: 2}, Total: 1},
	}
	out := applyMatchupEvent(list, frame(t, map[string]interface{}{
		"type": "game_result", "external_id": "t1_1_0", "tournament_id": "t1",
		"black_id": 1, "white_id": 2, "winner_color": winnerBlack,
	}))
	require.Len(t, out, 2)
	assert.Equal(t, uint(3), out[0].Hero.ID, "results update in place, no reorder")
	assert.Equal(t, uint(1), out[1].Hero.ID)
	assert.Equal(t, 1, out[1].HeroWins)
}

func TestMatchupReducerResultForUnknownPairIgnored(t *testing.T) {
	list := []Matchup{{TournamentID: "t1", Hero: PlayerRef{ID: 1}, Villain: PlayerRef{ID: 2}}}
	out := applyMatchupEvent(list, frame(t, map[string]interface{}{
		"type": "game_result", "external_id": "x_0", "tournament_id": "t9",
		"black_id": 8, "white_id": 9, "winner_color": winnerBlack,
	}))
	assert.Equal(t, list, out)
}

func TestMatchupReducerLiveResultIgnored(t *testing.T) {
	list := []Matchup{{TournamentID: "t1", Hero: PlayerRef{ID: 1}, Villain: PlayerRef{ID: 2}}}
	out := applyMatchupEvent(list, frame(t, map[string]interface{}{
		"type": "game_result", "external_id": "t1_1_0", "tournament_id": "t1",
		"black_id": 1, "white_id": 2, "winner_color": winnerLive,
	}))
	assert.Zero(t, out[0].Total)
}

func TestMatchupReducerReset(t *testing.T) {
	list := []Matchup{{TournamentID: "t1"}}
	out := applyMatchupEvent(list, frame(t, map[string]interface{}{"type": "reset"}))
	assert.Nil(t, out)
}

func TestMergeMatchupPage(t *testing.T) {
	a := Matchup{TournamentID: "t1", Hero: PlayerRef{ID: 1}, Villain: PlayerRef{ID: 2}, Total: 5}
	b := Matchup{TournamentID: "t1", Hero: PlayerRef{ID: 3}, Villain: PlayerRef{ID: 4}, Total: 1}
	c := Matchup{TournamentID: "t1", Hero: PlayerRef{ID: 5}, Villain: PlayerRef{ID: 6}, Total: 2}

	t.Run("offset zero replaces", func(t *testing.T) {
		out := mergeMatchupPage([]Matchup{a, b}, []Matchup{c}, 0)
		assert.Equal(t, []Matchup{c}, out)
	})

	t.Run("later page appends new rows", func(t *testing.T) {
		out := mergeMatchupPage([]Matchup{a}, []Matchup{b, c}, 1)
		assert.Equal(t, []Matchup{a, b, c}, out)
	})

	t.Run("duplicate pair refreshes in place", func(t *testing.T) {
		fresher := a
		fresher.Total = 9
		out := mergeMatchupPage([]Matchup{a, b}, []Matchup{fresher, c}, 2)
		require.Len(t, out, 3)
		assert.Equal(t, 9, out[0].Total, "row refreshed without moving")
		assert.Equal(t, b, out[1])
		assert.Equal(t, c, out[2])
	})
}
