package client

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamReconnectsAndResyncs(t *testing.T) {
	var mu sync.Mutex
	conns := 0
	hold := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		conns++
		n := conns
		mu.Unlock()

		fl := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "data: {\"type\":\"connected\",\"seq\":0}\n\n")
		fl.Flush()

		if n == 1 {
			// Heartbeat comment, one real frame, then drop the connection.
			fmt.Fprint(w, ": hb\n\n")
			fl.Flush()
			fmt.Fprint(w, "data: {\"type\":\"game_move\",\"seq\":1,\"id\":5}\n\n")
			fl.Flush()
			return
		}
		<-hold
	}))
	defer srv.Close()
	defer close(hold)

	s := NewStream(srv.URL)
	s.RetryDelay = 20 * time.Millisecond

	var evMu sync.Mutex
	var types []string
	s.Subscribe(func(ev StreamEvent) {
		evMu.Lock()
		types = append(types, ev.Type)
		evMu.Unlock()
	})
	var connects int32
	s.OnConnect(func() { atomic.AddInt32(&connects, 1) })

	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&connects) >= 2
	}, 3*time.Second, 10*time.Millisecond, "stream did not reconnect")

	assert.Equal(t, StateConnected, s.State())

	evMu.Lock()
	defer evMu.Unlock()
	assert.Contains(t, types, "connected")
	assert.Contains(t, types, "game_move")
	for _, typ := range types {
		assert.NotEmpty(t, typ, "heartbeat comments must not reach listeners")
	}
}

func TestStreamOnConnectFiresImmediatelyWhenConnected(t *testing.T) {
	hold := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fl := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "data: {\"type\":\"connected\",\"seq\":0}\n\n")
		fl.Flush()
		<-hold
	}))
	defer srv.Close()
	defer close(hold)

	s := NewStream(srv.URL)
	s.RetryDelay = 20 * time.Millisecond
	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool {
		return s.State() == StateConnected
	}, 3*time.Second, 10*time.Millisecond)

	fired := make(chan struct{}, 1)
	cancel := s.OnConnect(func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	})
	defer cancel()

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("late OnConnect hook did not fire on an already-connected stream")
	}
}

func TestStreamListenerPanicIsContained(t *testing.T) {
	hold := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fl := w.(http.Flusher)
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "data: {\"type\":\"game_move\",\"seq\":1}\n\n")
		fl.Flush()
		<-hold
	}))
	defer srv.Close()
	defer close(hold)

	s := NewStream(srv.URL)
	s.RetryDelay = 20 * time.Millisecond
	s.Subscribe(func(StreamEvent) { panic("boom") })

	got := make(chan StreamEvent, 1)
	s.Subscribe(func(ev StreamEvent) {
		select {
		case got <- ev:
		default:
		}
	})

	s.Start()
	defer s.Stop()

	select {
	case ev := <-got:
		assert.Equal(t, "game_move", ev.Type)
	case <-time.After(3 * time.Second):
		t.Fatal("panicking listener starved the others")
	}
}

func TestStreamStopWhileDisconnected(t *testing.T) {
	s := NewStream("http://127.0.0.1:1") // nothing listening
	s.RetryDelay = 10 * time.Millisecond
	s.Start()
	time.Sleep(50 * time.Millisecond)
	s.Stop()
	assert.Equal(t, StateDisconnected, s.State())

	// Stop on a stopped stream is a no-op.
	s.Stop()
}
