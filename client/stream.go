// Package client is the Go consumer library for the arena live system: an
// auto-reconnecting event stream plus view reducers that keep local copies
// of the matchup, pair and run lists consistent with the server.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// ConnState is the stream connection lifecycle.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// StreamEvent is one decoded broadcast frame. Raw keeps the full payload so
// listeners can decode type-specific fields.
type StreamEvent struct {
	Type string
	Seq  uint64
	Raw  json.RawMessage
}

// Decode unmarshals the full frame payload into v.
func (e StreamEvent) Decode(v interface{}) error {
	return json.Unmarshal(e.Raw, v)
}

// Stream maintains a persistent SSE subscription to /api/events. On any
// failure it waits RetryDelay and dials again; consistency after a gap
// comes from re-fetching snapshots in OnConnect hooks, never from replay.
type Stream struct {
	URL        string
	RetryDelay time.Duration
	// Client must not carry a timeout: the stream is expected to stay open
	// indefinitely between frames.
	Client *http.Client

	mu           sync.Mutex
	state        ConnState
	listeners    map[int]func(StreamEvent)
	connectHooks map[int]func()
	nextID       int
	cancel       context.CancelFunc
	done         chan struct{}
}

// NewStream builds a stream for the given events URL with the default 2s
// reconnect delay.
func NewStream(url string) *Stream {
	return &Stream{
		URL:          url,
		RetryDelay:   2 * time.Second,
		Client:       &http.Client{},
		listeners:    make(map[int]func(StreamEvent)),
		connectHooks: make(map[int]func()),
	}
}

// Subscribe registers a listener for every decoded frame. Listeners run
// sequentially on the stream goroutine, in registration order. The returned
// func removes the listener.
func (s *Stream) Subscribe(fn func(StreamEvent)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// OnConnect registers a hook fired each time the stream (re)establishes a
// connection. Views use it to resync their snapshots. If the stream is
// already connected the hook fires immediately.
func (s *Stream) OnConnect(fn func()) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.connectHooks[id] = fn
	connected := s.state == StateConnected
	s.mu.Unlock()

	if connected {
		fn()
	}
	return func() {
		s.mu.Lock()
		delete(s.connectHooks, id)
		s.mu.Unlock()
	}
}

// State returns the current connection state.
func (s *Stream) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start launches the connect/read/retry loop. Calling Start on a running
// stream is a no-op.
func (s *Stream) Start() {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.run(ctx)
}

// Stop tears the connection down and waits for the loop to exit.
func (s *Stream) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Stream) run(ctx context.Context) {
	defer close(s.done)
	defer s.setState(StateDisconnected)

	for {
		s.setState(StateConnecting)
		err := s.readOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Printf("[Stream] connection lost: %v", err)
		}
		s.setState(StateDisconnected)

		select {
		case <-time.After(s.RetryDelay):
		case <-ctx.Done():
			return
		}
	}
}

func (s *Stream) readOnce(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &statusError{code: resp.StatusCode}
	}

	s.setState(StateConnected)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		// Blank lines are frame separators; ":"-prefixed lines are
		// heartbeat comments. Both carry no payload.
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		payload, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		s.dispatch(strings.TrimSpace(payload))
	}
	return scanner.Err()
}

func (s *Stream) dispatch(payload string) {
	var head struct {
		Type string `json:"type"`
		Seq  uint64 `json:"seq"`
	}
	if err := json.Unmarshal([]byte(payload), &head); err != nil {
		log.Printf("[Stream] dropping unparseable frame: %v", err)
		return
	}
	ev := StreamEvent{Type: head.Type, Seq: head.Seq, Raw: json.RawMessage(payload)}

	s.mu.Lock()
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(StreamEvent), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.listeners[id])
	}
	s.mu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[Stream] listener panic on %s frame: %v", ev.Type, r)
				}
			}()
			fn(ev)
		}()
	}
}

func (s *Stream) setState(state ConnState) {
	s.mu.Lock()
	changed := s.state != state
	s.state = state
	var hooks []func()
	if changed && state == StateConnected {
		hooks = make([]func(), 0, len(s.connectHooks))
		for _, fn := range s.connectHooks {
			hooks = append(hooks, fn)
		}
	}
	s.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected stream status %d", e.code)
}
