package client

import (
	"context"
	"errors"
	"log"
	"sync"
)

// RunsView keeps the recent run list current: a snapshot on (re)connect,
// run_start prepends, run_update replaces in place. Run broadcasts carry
// the full stored row, so no field-level merging is needed.
type RunsView struct {
	api *API

	mu      sync.Mutex
	runs    []Run
	lastErr error

	flight    singleFlight
	onChange  func()
	detachFns []func()
}

func NewRunsView(api *API) *RunsView {
	return &RunsView{api: api}
}

// OnChange sets the hook fired after every state change. Set it before
// Attach.
func (v *RunsView) OnChange(fn func()) {
	v.mu.Lock()
	v.onChange = fn
	v.mu.Unlock()
}

// Attach wires the view to a stream.
func (v *RunsView) Attach(s *Stream) {
	v.detachFns = append(v.detachFns,
		s.Subscribe(v.handleEvent),
		s.OnConnect(func() { v.Refresh(context.Background()) }),
	)
}

// Detach removes the stream wiring.
func (v *RunsView) Detach() {
	for _, fn := range v.detachFns {
		fn()
	}
	v.detachFns = nil
}

func (v *RunsView) handleEvent(ev StreamEvent) {
	switch ev.Type {
	case "run_start", "run_update":
		var p runEvent
		if err := ev.Decode(&p); err != nil {
			return
		}
		v.mu.Lock()
		v.runs = upsertRun(v.runs, p.Run)
		v.mu.Unlock()
		v.notify()
	case "reset":
		v.mu.Lock()
		v.runs = nil
		v.mu.Unlock()
		v.notify()
		v.Refresh(context.Background())
	}
}

// upsertRun replaces an existing run row by id, or prepends a new one.
func upsertRun(runs []Run, run Run) []Run {
	for i := range runs {
		if runs[i].ID == run.ID {
			out := append([]Run(nil), runs...)
			out[i] = run
			return out
		}
	}
	return append([]Run{run}, runs...)
}

// Refresh refetches the run list. Superseded fetches commit nothing.
func (v *RunsView) Refresh(ctx context.Context) {
	fctx, commit := v.flight.Begin(ctx)
	runs, err := v.api.Runs(fctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) && commit() {
			v.mu.Lock()
			v.lastErr = err
			v.mu.Unlock()
			log.Printf("[Runs] snapshot fetch failed: %v", err)
			v.notify()
		}
		return
	}
	if !commit() {
		return
	}

	v.mu.Lock()
	v.runs = runs
	v.lastErr = nil
	v.mu.Unlock()
	v.notify()
}

// Runs returns a copy of the current run list.
func (v *RunsView) Runs() []Run {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]Run(nil), v.runs...)
}

// Err returns the last snapshot error, cleared by the next success.
func (v *RunsView) Err() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lastErr
}

func (v *RunsView) notify() {
	v.mu.Lock()
	fn := v.onChange
	v.mu.Unlock()
	if fn != nil {
		fn()
	}
}
