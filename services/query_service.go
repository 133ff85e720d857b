package services

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"arena-live-system/models"
	"arena-live-system/utils"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

// QueryService serves the snapshot endpoints dashboard clients hit on
// connect and on page navigation. All derived shapes here are recomputable
// from the games/players/runs tables.
type QueryService struct {
	DB *gorm.DB
}

func NewQueryService(db *gorm.DB) *QueryService {
	return &QueryService{DB: db}
}

// GameDetail is a game row joined with both player identities. It is the
// shape sent in game snapshots and in game_start broadcasts.
type GameDetail struct {
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

func fetchGameDetail(tx *gorm.DB, id uint) (*GameDetail, error) {
	var d GameDetail
	err := tx.Table("games").
		Select("games.*, pb.name AS black_name, pb.version AS black_version, pw.name AS white_name, pw.version AS white_version").
		Joins("JOIN players pb ON pb.id = games.black_id").
		Joins("JOIN players pw ON pw.id = games.white_id").
		Where("games.id = ?", id).
		Take(&d).Error
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// PlayerRef is the compact player identity embedded in matchup rows.
type PlayerRef struct {
	ID      uint   `json:"id"`
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Matchup is one aggregated standings row for an unordered player pair
// within a tournament. Hero is always the higher-ranked player of the two,
// so the same pair aggregates identically regardless of seat assignment.
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

// matchupRow is one database rollup bucket: a (tournament, seat pair, leg,
// outcome) combination with its count and latest activity. last_ts is an
// aggregate expression, so sqlite hands it back as text; it is scanned as a
// string and parsed in Go to stay portable across both stores.
type matchupRow struct {
	TournamentID string `gorm:"column:tournament_id"`
	BlackID      uint   `gorm:"column:black_id"`
	WhiteID      uint   `gorm:"column:white_id"`
	Leg          int    `gorm:"column:leg"`
	WinnerColor  int    `gorm:"column:winner_color"`
	Count        int    `gorm:"column:cnt"`
	LastTs       string `gorm:"column:last_ts"`
	BlackName    string `gorm:"column:black_name"`
	BlackVersion string `gorm:"column:black_version"`
	WhiteName    string `gorm:"column:white_name"`
	WhiteVersion string `gorm:"column:white_version"`
}

// parseDBTime decodes the timestamp text forms the drivers emit for
// aggregate columns. An unparseable value degrades to the zero time rather
// than failing the whole rollup.
func parseDBTime(s string) time.Time {
	for _, layout := range []string{
		time.RFC3339Nano,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05.999999999",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// GetMatchups is the GET /api/matchups handler: standings for every player
// pair, most recently active first.
func (s *QueryService) GetMatchups(c *fiber.Ctx) error {
	offset := c.QueryInt("offset", 0)
	limit := c.QueryInt("limit", 20)
	if limit < 1 {
		limit = 20
	} else if limit > 100 {
		limit = 100
	}

	q := s.DB.Table("games g").
		Select(`g.tournament_id, g.black_id, g.white_id,
			CASE WHEN g.external_id LIKE '%\_0' ESCAPE '\' THEN 0 ELSE 1 END AS leg,
			g.winner_color, COUNT(*) AS cnt, MAX(g.timestamp) AS last_ts,
			pb.name AS black_name, pb.version AS black_version,
			pw.name AS white_name, pw.version AS white_version`).
		Joins("JOIN players pb ON pb.id = g.black_id").
		Joins("JOIN players pw ON pw.id = g.white_id").
		Group("g.tournament_id, g.black_id, g.white_id, leg, g.winner_color, pb.name, pb.version, pw.name, pw.version")
	if tid := c.Query("tournament_id"); tid != "" {
		q = q.Where("g.tournament_id = ?", tid)
	}

	var rows []matchupRow
	if err := q.Scan(&rows).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to load matchups"})
	}

	matchups := aggregateMatchups(rows)
	total := len(matchups)
	page := paginate(matchups, offset, limit)

	return c.JSON(fiber.Map{
		"matchups": page,
		"total":    total,
		"offset":   offset,
		"limit":    limit,
	})
}

func aggregateMatchups(rows []matchupRow) []*Matchup {
	byKey := make(map[string]*Matchup)
	order := make([]string, 0)

	for _, r := range rows {
		tid := r.TournamentID
		if tid == "" {
			tid = "legacy"
		}
		lo, hi := r.BlackID, r.WhiteID
		if lo > hi {
			lo, hi = hi, lo
		}
		key := fmt.Sprintf("%s-%d-%d", tid, lo, hi)

		m, ok := byKey[key]
		if !ok {
			black := PlayerRef{ID: r.BlackID, Name: r.BlackName, Version: r.BlackVersion}
			white := PlayerRef{ID: r.WhiteID, Name: r.WhiteName, Version: r.WhiteVersion}
			hero, villain := black, white
			if utils.CompareVersions(black.Name, black.Version, white.Name, white.Version) < 0 {
				hero, villain = white, black
			}
			m = &Matchup{TournamentID: tid, Hero: hero, Villain: villain}
			byKey[key] = m
			order = append(order, key)
		}

		if lastTs := parseDBTime(r.LastTs); lastTs.After(m.LastActivity) {
			m.LastActivity = lastTs
		}
		// Every game counts toward total as soon as it starts; live legs
		// just have no win/draw column yet.
		m.Total += r.Count

		switch r.WinnerColor {
		case models.WinnerDraw:
			m.Draws += r.Count
		case models.WinnerBlack, models.WinnerWhite:
			blackWon := r.WinnerColor == models.WinnerBlack
			if r.BlackID == r.WhiteID {
				// Self-play pair: leg 0 credits the hero for a black win,
				// leg 1 inverts so the pair nets out fairly.
				heroWon := blackWon == (r.Leg == 0)
				if heroWon {
					m.HeroWins += r.Count
				} else {
					m.VillainWins += r.Count
				}
			} else {
				winnerID := r.BlackID
				if !blackWon {
					winnerID = r.WhiteID
				}
				if winnerID == m.Hero.ID {
					m.HeroWins += r.Count
				} else {
					m.VillainWins += r.Count
				}
			}
		}
	}

	out := make([]*Matchup, 0, len(order))
	for _, key := range order {
		out = append(out, byKey[key])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	return out
}

// PairGroup is a set of games sharing a group id (the legs of one pair),
// with the aggregates the pair list sorts and renders by.
type PairGroup struct {
	GroupID   string        `json:"group_id"`
	PairSize  int           `json:"pair_size"`
	LatestTs  time.Time     `json:"latest_ts"`
	MaxID     uint          `json:"max_id"`
	MaxMoves  int           `json:"max_moves"`
	MinMoves  int           `json:"min_moves"`
	LiveCount int           `json:"live_count"`
	HeroWins  int           `json:"hero_wins"`
	Games     []*GameDetail `json:"games"`
}

// GetGames is the GET /api/games handler: the paged pair-group list for one
// player pair, in either seat orientation.
func (s *QueryService) GetGames(c *fiber.Ctx) error {
	p1 := uint(c.QueryInt("p1", 0))
	p2 := uint(c.QueryInt("p2", 0))
	if p1 == 0 || p2 == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "p1 and p2 player ids are required"})
	}
	offset := c.QueryInt("offset", 0)
	limit := c.QueryInt("limit", 50)
	if limit < 1 {
		limit = 50
	} else if limit > 100 {
		limit = 100
	}
	sortCol := c.Query("sort", "id")
	dir := c.Query("dir", "desc")

	q := s.DB.Table("games").
		Select("games.*, pb.name AS black_name, pb.version AS black_version, pw.name AS white_name, pw.version AS white_version").
		Joins("JOIN players pb ON pb.id = games.black_id").
		Joins("JOIN players pw ON pw.id = games.white_id").
		Where("(games.black_id = ? AND games.white_id = ?) OR (games.black_id = ? AND games.white_id = ?)", p1, p2, p2, p1)
	if tid := c.Query("tournament_id"); tid != "" {
		q = q.Where("games.tournament_id = ?", tid)
	}
	if runID := c.Query("run_id"); runID != "" {
		q = q.Where("games.run_id = ?", runID)
	}

	var games []*GameDetail
	if err := q.Order("games.id ASC").Scan(&games).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to load games"})
	}

	heroID := heroOfPair(s.DB, p1, p2)
	groups := buildPairGroups(games, heroID)
	sortPairGroups(groups, sortCol, dir)
	total := len(groups)
	page := paginate(groups, offset, limit)

	return c.JSON(fiber.Map{
		"groups":  page,
		"total":   total,
		"hero_id": heroID,
		"offset":  offset,
		"limit":   limit,
	})
}

// heroOfPair resolves which of two player ids is the hero. Falls back to
// the smaller id when either player row is missing.
func heroOfPair(db *gorm.DB, p1, p2 uint) uint {
	var players []models.Player
	if err := db.Where("id IN ?", []uint{p1, p2}).Find(&players).Error; err != nil || len(players) < 2 {
		if p1 < p2 {
			return p1
		}
		return p2
	}
	a, b := players[0], players[1]
	if utils.CompareVersions(a.Name, a.Version, b.Name, b.Version) >= 0 {
		return a.ID
	}
	return b.ID
}

func buildPairGroups(games []*GameDetail, heroID uint) []*PairGroup {
	byGroup := make(map[string]*PairGroup)
	order := make([]string, 0)

	for _, g := range games {
		grp, ok := byGroup[g.GroupID]
		if !ok {
			grp = &PairGroup{GroupID: g.GroupID, MinMoves: -1}
			byGroup[g.GroupID] = grp
			order = append(order, g.GroupID)
		}
		grp.Games = append(grp.Games, g)
		grp.PairSize++
		if g.Timestamp.After(grp.LatestTs) {
			grp.LatestTs = g.Timestamp
		}
		if g.ID > grp.MaxID {
			grp.MaxID = g.ID
		}
		mc := utils.CountMoves(g.Moves)
		if mc > grp.MaxMoves {
			grp.MaxMoves = mc
		}
		if grp.MinMoves < 0 || mc < grp.MinMoves {
			grp.MinMoves = mc
		}
		if g.WinnerColor == models.WinnerLive {
			grp.LiveCount++
		} else if heroWonGame(g, heroID) {
			grp.HeroWins++
		}
	}

	out := make([]*PairGroup, 0, len(order))
	for _, id := range order {
		grp := byGroup[id]
		if grp.MinMoves < 0 {
			grp.MinMoves = 0
		}
		out = append(out, grp)
	}
	return out
}

// heroWonGame attributes a finished game's win to the hero, handling the
// inverted second leg of self-play pairs.
func heroWonGame(g *GameDetail, heroID uint) bool {
	switch g.WinnerColor {
	case models.WinnerBlack:
		if g.BlackID == g.WhiteID {
			return legOf(g.ExternalID) == 0
		}
		return g.BlackID == heroID
	case models.WinnerWhite:
		if g.BlackID == g.WhiteID {
			return legOf(g.ExternalID) == 1
		}
		return g.WhiteID == heroID
	default:
		return false
	}
}

func legOf(externalID string) int {
	if strings.HasSuffix(externalID, "_0") {
		return 0
	}
	return 1
}

// sortPairGroups orders groups by the requested column. The moves column
// ranks by the shorter leg ascending and the longer leg descending. Every
// ordering breaks remaining ties by max id descending, so newly extended
// pairs float consistently.
func sortPairGroups(groups []*PairGroup, col, dir string) {
	asc := dir == "asc"
	sign := -1
	if asc {
		sign = 1
	}
	cmp := func(a, b *PairGroup) int {
		switch col {
		case "moves":
			if asc {
				return a.MinMoves - b.MinMoves
			}
			return a.MaxMoves - b.MaxMoves
		case "time":
			switch {
			case a.LatestTs.Before(b.LatestTs):
				return -1
			case a.LatestTs.After(b.LatestTs):
				return 1
			}
			return 0
		case "status":
			if a.LiveCount != b.LiveCount {
				return a.LiveCount - b.LiveCount
			}
			return a.HeroWins - b.HeroWins
		default: // id
			return int(a.MaxID) - int(b.MaxID)
		}
	}
	sort.SliceStable(groups, func(i, j int) bool {
		if c := cmp(groups[i], groups[j]); c != 0 {
			return sign*c < 0
		}
		return groups[i].MaxID > groups[j].MaxID
	})
}

// GetGame is the GET /api/game/:id handler.
func (s *QueryService) GetGame(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id < 1 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid game id"})
	}

	detail, err := fetchGameDetail(s.DB, uint(id))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "game not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to load game"})
	}
	return c.JSON(detail)
}

// GetLatestGame is the GET /api/latest-game handler: the highest assigned
// game id, or null when the store is empty. Clients poll it as a cheap
// liveness/resync probe.
func (s *QueryService) GetLatestGame(c *fiber.Ctx) error {
	var latest *uint
	if err := s.DB.Model(&models.Game{}).Select("MAX(id)").Scan(&latest).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to load latest game"})
	}
	return c.JSON(fiber.Map{"id": latest})
}

// GetRuns is the GET /api/runs handler: the most recently touched runs.
func (s *QueryService) GetRuns(c *fiber.Ctx) error {
	var runs []models.Run
	if err := s.DB.Order("updated_at DESC").Limit(50).Find(&runs).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to load runs"})
	}
	return c.JSON(fiber.Map{"runs": runs})
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}
