package client

// Typed payloads for the broadcast frame shapes the reducers consume.

type gameStartEvent struct {
	Game Game `json:"game"`
}

type gameMoveEvent struct {
	ID           uint   `json:"id"`
	GroupID      string `json:"group_id"`
	TournamentID string `json:"tournament_id"`
	Moves        string `json:"moves"`
	MoveCount    int    `json:"move_count"`
}

type gameResultEvent struct {
	ID           uint   `json:"id"`
	ExternalID   string `json:"external_id"`
	GroupID      string `json:"group_id"`
	TournamentID string `json:"tournament_id"`
	WinnerColor  int    `json:"winner_color"`
	Moves        string `json:"moves"`
	MoveCount    int    `json:"move_count"`
	BlackID      uint   `json:"black_id"`
	WhiteID      uint   `json:"white_id"`
}

type runEvent struct {
	Run Run `json:"run"`
}

// Winner color values shared with the server.
const (
	winnerLive  = 0
	winnerBlack = 1
	winnerWhite = 2
	winnerDraw  = 3
)

// legOf reports which leg of its pair a game is, from the trailing
// "_<leg>" suffix of the external id.
func legOf(externalID string) int {
	if len(externalID) >= 2 && externalID[len(externalID)-2:] == "_0" {
		return 0
	}
	return 1
}
