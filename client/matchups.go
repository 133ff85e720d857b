package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"arena-live-system/utils"
)

// matchupPageSize is how many standings rows one snapshot page carries.
const matchupPageSize = 20

// mergeMatchupPage folds a fetched page into the current list. A page at
// offset 0 replaces everything; later pages append, except that a row whose
// pair is already present refreshes the existing row in place so live
// updates applied since the fetch are not pushed out of position.
func mergeMatchupPage(current, page []Matchup, offset int) []Matchup {
	if offset == 0 {
		return append([]Matchup(nil), page...)
	}

	pos := make(map[string]int, len(current))
	for i, m := range current {
		pos[m.Key()] = i
	}
	out := append([]Matchup(nil), current...)
	for _, m := range page {
		if i, ok := pos[m.Key()]; ok {
			out[i] = m
			continue
		}
		pos[m.Key()] = len(out)
		out = append(out, m)
	}
	return out
}

// applyMatchupEvent is the pure standings reducer: one broadcast frame in,
// the next list state out.
func applyMatchupEvent(list []Matchup, ev StreamEvent) []Matchup {
	switch ev.Type {
	case "reset":
		return nil

	case "game_start":
		var p gameStartEvent
		if err := ev.Decode(&p); err != nil {
			return list
		}
		g := p.Game
		key := pairKey(g.TournamentID, g.BlackID, g.WhiteID)
		if i := findMatchup(list, key); i >= 0 {
			m := list[i]
			// A started game counts toward total immediately, mirroring the
			// server rollup which totals live legs too.
			m.Total++
			if g.Timestamp.After(m.LastActivity) {
				m.LastActivity = g.Timestamp
			}
			return moveToFront(list, i, m)
		}
		// First sighting of this pair: one live game, no finished scores.
		black := PlayerRef{ID: g.BlackID, Name: g.BlackName, Version: g.BlackVersion}
		white := PlayerRef{ID: g.WhiteID, Name: g.WhiteName, Version: g.WhiteVersion}
		hero, villain := black, white
		if utils.CompareVersions(black.Name, black.Version, white.Name, white.Version) < 0 {
			hero, villain = white, black
		}
		m := Matchup{
			TournamentID: normalizeTID(g.TournamentID),
			Hero:         hero,
			Villain:      villain,
			Total:        1,
			LastActivity: g.Timestamp,
		}
		return append([]Matchup{m}, list...)

	case "game_result":
		var p gameResultEvent
		if err := ev.Decode(&p); err != nil {
			return list
		}
		key := pairKey(p.TournamentID, p.BlackID, p.WhiteID)
		i := findMatchup(list, key)
		if i < 0 {
			return list
		}
		// The game already counted toward total when it started; a result
		// only resolves which column it lands in, updated in place.
		m := list[i]
		switch p.WinnerColor {
		case winnerDraw:
			m.Draws++
		case winnerBlack, winnerWhite:
			blackWon := p.WinnerColor == winnerBlack
			var heroWon bool
			if p.BlackID == p.WhiteID {
				heroWon = blackWon == (legOf(p.ExternalID) == 0)
			} else {
				winnerID := p.BlackID
				if !blackWon {
					winnerID = p.WhiteID
				}
				heroWon = winnerID == m.Hero.ID
			}
			if heroWon {
				m.HeroWins++
			} else {
				m.VillainWins++
			}
		default:
			return list
		}
		out := append([]Matchup(nil), list...)
		out[i] = m
		return out

	default:
		return list
	}
}

func normalizeTID(tid string) string {
	if tid == "" {
		return "legacy"
	}
	return tid
}

func pairKey(tid string, a, b uint) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%s-%d-%d", normalizeTID(tid), a, b)
}

func findMatchup(list []Matchup, key string) int {
	for i, m := range list {
		if m.Key() == key {
			return i
		}
	}
	return -1
}

func moveToFront(list []Matchup, i int, updated Matchup) []Matchup {
	out := make([]Matchup, 0, len(list))
	out = append(out, updated)
	out = append(out, list[:i]...)
	out = append(out, list[i+1:]...)
	return out
}

// MatchupView keeps a live local copy of the standings list: snapshot pages
// from the API merged with broadcast deltas, resynced from offset 0 on
// every (re)connect and on reset.
type MatchupView struct {
	api *API

	mu       sync.Mutex
	matchups []Matchup
	total    int
	lastErr  error

	flight     singleFlight
	onChange   func()
	detachFns  []func()
}

func NewMatchupView(api *API) *MatchupView {
	return &MatchupView{api: api}
}

// OnChange sets the hook fired after every state change. Set it before
// Attach.
func (v *MatchupView) OnChange(fn func()) {
	v.mu.Lock()
	v.onChange = fn
	v.mu.Unlock()
}

// Attach wires the view to a stream: deltas apply as they arrive, and each
// successful (re)connect triggers a full reload.
func (v *MatchupView) Attach(s *Stream) {
	v.detachFns = append(v.detachFns,
		s.Subscribe(v.handleEvent),
		s.OnConnect(func() { v.Reload(context.Background()) }),
	)
}

// Detach removes the stream wiring.
func (v *MatchupView) Detach() {
	for _, fn := range v.detachFns {
		fn()
	}
	v.detachFns = nil
}

func (v *MatchupView) handleEvent(ev StreamEvent) {
	switch ev.Type {
	case "game_start", "game_result":
		v.mu.Lock()
		v.matchups = applyMatchupEvent(v.matchups, ev)
		v.mu.Unlock()
		v.notify()
	case "reset":
		v.mu.Lock()
		v.matchups = nil
		v.total = 0
		v.mu.Unlock()
		v.notify()
		v.Reload(context.Background())
	}
}

// Reload fetches the first page, discarding local state. A reload that is
// superseded by a newer fetch commits nothing.
func (v *MatchupView) Reload(ctx context.Context) {
	v.fetch(ctx, 0)
}

// LoadMore fetches the page after the rows currently held.
func (v *MatchupView) LoadMore(ctx context.Context) {
	v.mu.Lock()
	offset := len(v.matchups)
	v.mu.Unlock()
	v.fetch(ctx, offset)
}

func (v *MatchupView) fetch(ctx context.Context, offset int) {
	fctx, commit := v.flight.Begin(ctx)
	page, err := v.api.Matchups(fctx, offset, matchupPageSize)
	if err != nil {
		// A fetch canceled by a newer one is not a failure.
		if !errors.Is(err, context.Canceled) && commit() {
			v.mu.Lock()
			v.lastErr = err
			v.mu.Unlock()
			log.Printf("[Matchups] snapshot fetch failed: %v", err)
			v.notify()
		}
		return
	}
	if !commit() {
		return
	}

	v.mu.Lock()
	v.matchups = mergeMatchupPage(v.matchups, page.Matchups, offset)
	v.total = page.Total
	v.lastErr = nil
	v.mu.Unlock()
	v.notify()
}

// Matchups returns a copy of the current standings list.
func (v *MatchupView) Matchups() []Matchup {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]Matchup(nil), v.matchups...)
}

// Total returns the server-side row count from the last snapshot.
func (v *MatchupView) Total() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.total
}

// Err returns the last snapshot error, cleared by the next success.
func (v *MatchupView) Err() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lastErr
}

func (v *MatchupView) notify() {
	v.mu.Lock()
	fn := v.onChange
	v.mu.Unlock()
	if fn != nil {
		fn()
	}
}
