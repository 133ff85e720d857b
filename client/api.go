package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"
)

// PlayerRef identifies one side of a matchup.
type PlayerRef struct {
	ID      uint   `json:"id"`
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Matchup is one standings row as served by /api/matchups.
type Matchup struct {
	TournamentID string    `json:"tournamentId"`
	Hero         PlayerRef `json:"hero"`
	Villain      PlayerRef `json:"villain"`
	HeroWins     int       `json:"heroWins"`
	VillainWins  int       `json:"villainWins"`
	Draws        int       `json:"draws"`
	Total        int       `json:"total"`
	LastActivity time.Time `json:"lastActivity"`
}

// Key is the pair identity a matchup aggregates under: tournament plus the
// unordered player ids.
func (m Matchup) Key() string {
	lo, hi := m.Hero.ID, m.Villain.ID
	if lo > hi {
		lo, hi = hi, lo
	}
	return fmt.Sprintf("%s-%d-%d", m.TournamentID, lo, hi)
}

// Game is a game row joined with both player identities.
type Game struct {
	ID           uint      `json:"id"`
	ExternalID   string    `json:"external_id"`
	GroupID      string    `json:"group_id"`
	TournamentID string    `json:"tournament_id"`
	Timestamp    time.Time `json:"timestamp"`
	BlackID      uint      `json:"black_id"`
	WhiteID      uint      `json:"white_id"`
	WinnerColor  int       `json:"winner_color"`
	Moves        string    `json:"moves"`
	RunID        *string   `json:"run_id,omitempty"`
	BlackIsP1    bool      `json:"black_is_p1"`
	BlackName    string    `json:"black_name"`
	BlackVersion string    `json:"black_version"`
	WhiteName    string    `json:"white_name"`
	WhiteVersion string    `json:"white_version"`
}

// PairGroup is one pair of legs with its display aggregates, as served by
// /api/games and maintained live by the pair reducer.
type PairGroup struct {
	GroupID   string    `json:"group_id"`
	PairSize  int       `json:"pair_size"`
	LatestTs  time.Time `json:"latest_ts"`
	MaxID     uint      `json:"max_id"`
	MaxMoves  int       `json:"max_moves"`
	MinMoves  int       `json:"min_moves"`
	LiveCount int       `json:"live_count"`
	HeroWins  int       `json:"hero_wins"`
	Games     []Game    `json:"games"`
}

// Run mirrors the server's run row.
type Run struct {
	ID          string `json:"id"`
	P1Name      string `json:"p1_name"`
	P1Version   string `json:"p1_version"`
	P2Name      string `json:"p2_name"`
	P2Version   string `json:"p2_version"`
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

	GamesPlayed  int     `json:"games_played"`
	Wins         int     `json:"wins"`
	Losses       int     `json:"losses"`
	Draws        int     `json:"draws"`
	WallTimeMs   int64   `json:"wall_time_ms"`
	ArenaLoad    float64 `json:"arena_load"`
	P1Efficiency float64 `json:"p1_efficiency"`
	P2Efficiency float64 `json:"p2_efficiency"`
	P1Elo        float64 `json:"p1_elo"`
	P1Dqi        float64 `json:"p1_dqi"`
	P1Cma        float64 `json:"p1_cma"`
	P1Blunder    float64 `json:"p1_blunder"`
	P1Crashes    int     `json:"p1_crashes"`
	P2Elo        float64 `json:"p2_elo"`
	P2Dqi        float64 `json:"p2_dqi"`
	P2Cma        float64 `json:"p2_cma"`
	P2Blunder    float64 `json:"p2_blunder"`
	P2Crashes    int     `json:"p2_crashes"`
	IsDone       bool    `json:"is_done"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MatchupsPage is one page of the standings list.
type MatchupsPage struct {
	Matchups []Matchup `json:"matchups"`
	Total    int       `json:"total"`
	Offset   int       `json:"offset"`
	Limit    int       `json:"limit"`
}

// GamesPage is one page of pair groups for a player pair.
type GamesPage struct {
	Groups []PairGroup `json:"groups"`
	Total  int         `json:"total"`
	HeroID uint        `json:"hero_id"`
	Offset int         `json:"offset"`
	Limit  int         `json:"limit"`
}

// GamesQuery selects and orders the pair groups to fetch.
type GamesQuery struct {
	P1, P2       uint
	TournamentID string
	RunID        string
	Sort         string // id | moves | time | status
	Dir          string // asc | desc
	Offset       int
	Limit        int
}

// API is the typed snapshot client for the arena server.
type API struct {
	BaseURL string
	Client  *http.Client
}

func NewAPI(baseURL string) *API {
	return &API{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (a *API) getJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	u := a.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := a.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Matchups fetches one standings page.
func (a *API) Matchups(ctx context.Context, offset, limit int) (*MatchupsPage, error) {
	q := url.Values{}
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))
	var page MatchupsPage
	if err := a.getJSON(ctx, "/api/matchups", q, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// Games fetches one page of pair groups.
func (a *API) Games(ctx context.Context, gq GamesQuery) (*GamesPage, error) {
	q := url.Values{}
	q.Set("p1", strconv.FormatUint(uint64(gq.P1), 10))
	q.Set("p2", strconv.FormatUint(uint64(gq.P2), 10))
	if gq.TournamentID != "" {
		q.Set("tournament_id", gq.TournamentID)
	}
	if gq.RunID != "" {
		q.Set("run_id", gq.RunID)
	}
	if gq.Sort != "" {
		q.Set("sort", gq.Sort)
	}
	if gq.Dir != "" {
		q.Set("dir", gq.Dir)
	}
	q.Set("offset", strconv.Itoa(gq.Offset))
	if gq.Limit > 0 {
		q.Set("limit", strconv.Itoa(gq.Limit))
	}
	var page GamesPage
	if err := a.getJSON(ctx, "/api/games", q, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// Game fetches one game with both player identities.
func (a *API) Game(ctx context.Context, id uint) (*Game, error) {
	var g Game
	if err := a.getJSON(ctx, fmt.Sprintf("/api/game/%d", id), nil, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// LatestGameID returns the highest assigned game id, or nil when the server
// has no games.
func (a *API) LatestGameID(ctx context.Context) (*uint, error) {
	var out struct {
		ID *uint `json:"id"`
	}
	if err := a.getJSON(ctx, "/api/latest-game", nil, &out); err != nil {
		return nil, err
	}
	return out.ID, nil
}

// Runs fetches the recent run list.
func (a *API) Runs(ctx context.Context) ([]Run, error) {
	var out struct {
		Runs []Run `json:"runs"`
	}
	if err := a.getJSON(ctx, "/api/runs", nil, &out); err != nil {
		return nil, err
	}
	return out.Runs, nil
}

// singleFlight serializes snapshot refreshes for a view: starting a new
// fetch cancels the previous one, and a fetch may only commit its result if
// no newer fetch has started since. That keeps a slow stale response from
// clobbering fresher state.
type singleFlight struct {
	mu     sync.Mutex
	gen    uint64
	cancel context.CancelFunc
}

// Begin cancels any in-flight fetch and opens a new one. The returned
// commit func reports whether this fetch is still the latest; callers must
// apply results only when it returns true.
func (f *singleFlight) Begin(parent context.Context) (context.Context, func() bool) {
	f.mu.Lock()
	if f.cancel != nil {
		f.cancel()
	}
	ctx, cancel := context.WithCancel(parent)
	f.cancel = cancel
	f.gen++
	gen := f.gen
	f.mu.Unlock()

	return ctx, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.gen == gen
	}
}
