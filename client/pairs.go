package client

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"
)

// groupCloseDelay is how long a closed pair list keeps its data before it
// is discarded. Reopening within the window cancels the teardown, so quick
// toggles don't refetch.
const groupCloseDelay = 250 * time.Millisecond

const pairPageSize = 50

// recomputeGroup rebuilds every aggregate of a pair group from its games.
func recomputeGroup(g *PairGroup, heroID uint) {
	g.PairSize = len(g.Games)
	g.LatestTs = time.Time{}
	g.MaxID = 0
	g.MaxMoves = 0
	g.MinMoves = -1
	g.LiveCount = 0
	g.HeroWins = 0

	for _, game := range g.Games {
		if game.Timestamp.After(g.LatestTs) {
			g.LatestTs = game.Timestamp
		}
		if game.ID > g.MaxID {
			g.MaxID = game.ID
		}
		mc := countMoves(game.Moves)
		if mc > g.MaxMoves {
			g.MaxMoves = mc
		}
		if g.MinMoves < 0 || mc < g.MinMoves {
			g.MinMoves = mc
		}
		if game.WinnerColor == winnerLive {
			g.LiveCount++
		} else if heroWon(game, heroID) {
			g.HeroWins++
		}
	}
	if g.MinMoves < 0 {
		g.MinMoves = 0
	}
}

// heroWon attributes a finished game to the hero, inverting the second leg
// of self-play pairs.
func heroWon(g Game, heroID uint) bool {
	switch g.WinnerColor {
	case winnerBlack:
		if g.BlackID == g.WhiteID {
			return legOf(g.ExternalID) == 0
		}
		return g.BlackID == heroID
	case winnerWhite:
		if g.BlackID == g.WhiteID {
			return legOf(g.ExternalID) == 1
		}
		return g.WhiteID == heroID
	default:
		return false
	}
}

func countMoves(moves string) int {
	if moves == "" {
		return 0
	}
	n := 1
	for i := 0; i < len(moves); i++ {
		if moves[i] == ';' {
			n++
		}
	}
	return n
}

// sortPairs orders groups by the requested column with max id descending as
// the universal tie-break, matching the server's snapshot ordering so a
// merged list stays stable. The moves column ranks by the shorter leg
// ascending and the longer leg descending.
func sortPairs(groups []PairGroup, col, dir string) {
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
		if c := cmp(&groups[i], &groups[j]); c != 0 {
			return sign*c < 0
		}
		return groups[i].MaxID > groups[j].MaxID
	})
}

// GroupView keeps the live pair-group list for one player pair: snapshot
// pages merged with game broadcasts, filtered to the pair (and optional
// tournament/run), re-sorted after every change.
type GroupView struct {
	api   *API
	query GamesQuery

	mu         sync.Mutex
	open       bool
	groups     []PairGroup
	total      int
	heroID     uint
	lastErr    error
	closeTimer *time.Timer

	flight    singleFlight
	onChange  func()
	detachFns []func()
}

// NewGroupView builds a view for the unordered pair (p1, p2), newest pair
// first.
func NewGroupView(api *API, p1, p2 uint) *GroupView {
	return &GroupView{
		api: api,
		query: GamesQuery{
			P1:    p1,
			P2:    p2,
			Sort:  "id",
			Dir:   "desc",
			Limit: pairPageSize,
		},
	}
}

// OnChange sets the hook fired after every state change. Set it before
// Attach.
func (v *GroupView) OnChange(fn func()) {
	v.mu.Lock()
	v.onChange = fn
	v.mu.Unlock()
}

// Attach wires the view to a stream. Broadcasts apply only while the view
// is open; each reconnect resyncs an open view.
func (v *GroupView) Attach(s *Stream) {
	v.detachFns = append(v.detachFns,
		s.Subscribe(v.handleEvent),
		s.OnConnect(func() {
			if v.isOpen() {
				v.Reload(context.Background())
			}
		}),
	)
}

// Detach removes the stream wiring.
func (v *GroupView) Detach() {
	for _, fn := range v.detachFns {
		fn()
	}
	v.detachFns = nil
}

// Open activates the view and loads its snapshot. Reopening within the
// close grace window keeps the existing data and skips the fetch.
func (v *GroupView) Open() {
	v.mu.Lock()
	if v.closeTimer != nil {
		v.closeTimer.Stop()
		v.closeTimer = nil
		if v.open {
			v.mu.Unlock()
			return
		}
	}
	v.open = true
	v.mu.Unlock()
	v.Reload(context.Background())
}

// Close deactivates the view. Data is kept for a short grace window so an
// immediate reopen is free.
func (v *GroupView) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.open {
		return
	}
	if v.closeTimer != nil {
		v.closeTimer.Stop()
	}
	v.closeTimer = time.AfterFunc(groupCloseDelay, v.discard)
}

func (v *GroupView) discard() {
	v.mu.Lock()
	v.open = false
	v.groups = nil
	v.total = 0
	v.closeTimer = nil
	v.mu.Unlock()
	v.notify()
}

func (v *GroupView) isOpen() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.open && v.closeTimer == nil
}

// SetSort orders by col, toggling direction when col is already active,
// then refetches so paging stays aligned with the server.
func (v *GroupView) SetSort(col string) {
	v.mu.Lock()
	if v.query.Sort == col {
		if v.query.Dir == "desc" {
			v.query.Dir = "asc"
		} else {
			v.query.Dir = "desc"
		}
	} else {
		v.query.Sort = col
		v.query.Dir = "desc"
	}
	v.mu.Unlock()
	v.Reload(context.Background())
}

// SetFilters scopes the view to a tournament and/or run and refetches.
func (v *GroupView) SetFilters(tournamentID, runID string) {
	v.mu.Lock()
	v.query.TournamentID = tournamentID
	v.query.RunID = runID
	v.mu.Unlock()
	v.Reload(context.Background())
}

// Reload fetches the first page. Superseded fetches commit nothing.
func (v *GroupView) Reload(ctx context.Context) {
	v.fetch(ctx, 0)
}

// LoadMore fetches the page after the groups currently held.
func (v *GroupView) LoadMore(ctx context.Context) {
	v.mu.Lock()
	offset := len(v.groups)
	v.mu.Unlock()
	v.fetch(ctx, offset)
}

func (v *GroupView) fetch(ctx context.Context, offset int) {
	v.mu.Lock()
	q := v.query
	q.Offset = offset
	v.mu.Unlock()

	fctx, commit := v.flight.Begin(ctx)
	page, err := v.api.Games(fctx, q)
	if err != nil {
		if !errors.Is(err, context.Canceled) && commit() {
			v.mu.Lock()
			v.lastErr = err
			v.mu.Unlock()
			log.Printf("[Pairs] snapshot fetch failed: %v", err)
			v.notify()
		}
		return
	}
	if !commit() {
		return
	}

	v.mu.Lock()
	v.heroID = page.HeroID
	v.total = page.Total
	if offset == 0 {
		v.groups = append([]PairGroup(nil), page.Groups...)
	} else {
		v.groups = mergeGroupPage(v.groups, page.Groups)
	}
	sortPairs(v.groups, v.query.Sort, v.query.Dir)
	v.lastErr = nil
	v.mu.Unlock()
	v.notify()
}

func mergeGroupPage(current, page []PairGroup) []PairGroup {
	pos := make(map[string]int, len(current))
	for i, g := range current {
		pos[g.GroupID] = i
	}
	out := append([]PairGroup(nil), current...)
	for _, g := range page {
		if i, ok := pos[g.GroupID]; ok {
			out[i] = g
			continue
		}
		pos[g.GroupID] = len(out)
		out = append(out, g)
	}
	return out
}

func (v *GroupView) handleEvent(ev StreamEvent) {
	switch ev.Type {
	case "game_start":
		var p gameStartEvent
		if err := ev.Decode(&p); err != nil {
			return
		}
		v.applyGameStart(p.Game)
	case "game_move":
		var p gameMoveEvent
		if err := ev.Decode(&p); err != nil {
			return
		}
		v.applyGamePatch(p.ID, p.Moves, winnerLive, false)
	case "game_result":
		var p gameResultEvent
		if err := ev.Decode(&p); err != nil {
			return
		}
		v.applyGamePatch(p.ID, p.Moves, p.WinnerColor, true)
	case "reset":
		v.mu.Lock()
		wasOpen := v.open
		v.groups = nil
		v.total = 0
		v.mu.Unlock()
		v.notify()
		if wasOpen {
			v.Reload(context.Background())
		}
	}
}

// matches reports whether a game belongs to this view's pair and filters.
func (v *GroupView) matches(g Game) bool {
	p1, p2 := v.query.P1, v.query.P2
	samePair := (g.BlackID == p1 && g.WhiteID == p2) || (g.BlackID == p2 && g.WhiteID == p1)
	if !samePair {
		return false
	}
	if v.query.TournamentID != "" && g.TournamentID != v.query.TournamentID {
		return false
	}
	if v.query.RunID != "" && (g.RunID == nil || *g.RunID != v.query.RunID) {
		return false
	}
	return true
}

func (v *GroupView) applyGameStart(g Game) {
	v.mu.Lock()
	if !v.open || !v.matches(g) {
		v.mu.Unlock()
		return
	}

	gi := -1
	for i := range v.groups {
		if v.groups[i].GroupID == g.GroupID {
			gi = i
			break
		}
	}
	if gi < 0 {
		v.groups = append(v.groups, PairGroup{GroupID: g.GroupID, Games: []Game{g}})
		gi = len(v.groups) - 1
	} else {
		grp := &v.groups[gi]
		for _, existing := range grp.Games {
			if existing.ID == g.ID {
				// Replayed start; nothing new.
				v.mu.Unlock()
				return
			}
		}
		grp.Games = append(grp.Games, g)
		sort.Slice(grp.Games, func(a, b int) bool { return grp.Games[a].ID < grp.Games[b].ID })
	}
	recomputeGroup(&v.groups[gi], v.heroID)
	sortPairs(v.groups, v.query.Sort, v.query.Dir)
	v.mu.Unlock()
	v.notify()
}

// applyGamePatch updates one tracked game's moves (and, for results, its
// winner) and refreshes its group's aggregates. Games the view never loaded
// are ignored.
func (v *GroupView) applyGamePatch(id uint, moves string, winner int, isResult bool) {
	v.mu.Lock()
	if !v.open {
		v.mu.Unlock()
		return
	}

	for gi := range v.groups {
		grp := &v.groups[gi]
		for i := range grp.Games {
			if grp.Games[i].ID != id {
				continue
			}
			if moves != "" {
				grp.Games[i].Moves = moves
			}
			if isResult {
				grp.Games[i].WinnerColor = winner
			}
			recomputeGroup(grp, v.heroID)
			sortPairs(v.groups, v.query.Sort, v.query.Dir)
			v.mu.Unlock()
			v.notify()
			return
		}
	}
	v.mu.Unlock()
}

// Groups returns a copy of the current group list.
func (v *GroupView) Groups() []PairGroup {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]PairGroup(nil), v.groups...)
}

// HeroID returns the hero of the pair as resolved by the server.
func (v *GroupView) HeroID() uint {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.heroID
}

// Total returns the server-side group count from the last snapshot.
func (v *GroupView) Total() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.total
}

// Err returns the last snapshot error, cleared by the next success.
func (v *GroupView) Err() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lastErr
}

func (v *GroupView) notify() {
	v.mu.Lock()
	fn := v.onChange
	v.mu.Unlock()
	if fn != nil {
		fn()
	}
}
