package services

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// BroadcastMessage is one derived, client-facing state change. Shapes vary
// by type; the bus stamps the seq field at publish time.
type BroadcastMessage map[string]interface{}

// subscriberBuffer is the per-subscriber frame queue depth. A subscriber
// that falls this far behind starts losing frames rather than stalling
// fan-out; it will catch up through resync on its next reconnect.
const subscriberBuffer = 64

// BroadcastService fans sequenced SSE frames out to every connected
// dashboard viewer. Delivery is fire-and-forget: durability lives in the
// database, not here.
type BroadcastService struct {
	mu        sync.Mutex
	clients   map[uuid.UUID]chan []byte
	seq       uint64
	scheduler gocron.Scheduler
}

func NewBroadcastService(heartbeatInterval time.Duration) *BroadcastService {
	b := &BroadcastService{
		clients: make(map[uuid.UUID]chan []byte),
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		log.Fatalf("[SSE] failed to create heartbeat scheduler: %v", err)
	}
	if _, err := scheduler.NewJob(
		gocron.DurationJob(heartbeatInterval),
		gocron.NewTask(b.heartbeat),
	); err != nil {
		log.Fatalf("[SSE] failed to schedule heartbeat job: %v", err)
	}
	scheduler.Start()
	b.scheduler = scheduler

	return b
}

// Subscribe registers a new frame channel. The first frame is always the
// connected message carrying the current sequence counter, so a client can
// detect a discontinuity against the last seq it saw.
func (b *BroadcastService) Subscribe() (uuid.UUID, <-chan []byte) {
	id := uuid.New()
	ch := make(chan []byte, subscriberBuffer)

	b.mu.Lock()
	ch <- sseFrame(BroadcastMessage{"type": "connected", "seq": b.seq})
	b.clients[id] = ch
	b.mu.Unlock()

	log.Printf("[SSE] subscriber %s connected (%d active)", id, b.ClientCount())
	return id, ch
}

// Unsubscribe removes and closes a subscriber channel. Safe to call for an
// id that is already gone.
func (b *BroadcastService) Unsubscribe(id uuid.UUID) {
	b.mu.Lock()
	ch, ok := b.clients[id]
	if ok {
		delete(b.clients, id)
		close(ch)
	}
	b.mu.Unlock()

	if ok {
		log.Printf("[SSE] subscriber %s disconnected (%d active)", id, b.ClientCount())
	}
}

// Publish stamps the next sequence number on msg and writes it to every
// subscriber. Sends are non-blocking: a full buffer means the frame is
// dropped for that subscriber only.
func (b *BroadcastService) Publish(msg BroadcastMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishLocked(msg)
}

func (b *BroadcastService) publishLocked(msg BroadcastMessage) {
	b.seq++
	msg["seq"] = b.seq
	frame := sseFrame(msg)

	for id, ch := range b.clients {
		select {
		case ch <- frame:
		default:
			log.Printf("[SSE] dropping frame seq=%d for slow subscriber %s", b.seq, id)
		}
	}
}

// Reset zeroes the sequence counter and tells every subscriber to discard
// derived state and re-fetch snapshots. Zeroing and stamping happen under
// one lock acquisition, so the reset broadcast is always seq 1 even with
// concurrent publishers.
func (b *BroadcastService) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq = 0
	b.publishLocked(BroadcastMessage{"type": "reset"})
}

// Seq returns the sequence number of the most recent broadcast.
func (b *BroadcastService) Seq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// ClientCount returns the number of attached subscribers.
func (b *BroadcastService) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Shutdown stops the heartbeat job and closes every subscriber channel.
func (b *BroadcastService) Shutdown() {
	if err := b.scheduler.Shutdown(); err != nil {
		log.Printf("[SSE] scheduler shutdown: %v", err)
	}

	b.mu.Lock()
	for id, ch := range b.clients {
		delete(b.clients, id)
		close(ch)
	}
	b.mu.Unlock()
}

// heartbeat pushes a comment frame to every subscriber to defeat
// idle-connection timeouts in proxies. Comment frames carry no payload and
// are ignored by SSE parsers.
func (b *BroadcastService) heartbeat() {
	frame := []byte(": hb\n\n")

	b.mu.Lock()
	for _, ch := range b.clients {
		select {
		case ch <- frame:
		default:
		}
	}
	b.mu.Unlock()
}

// StreamEvents is the GET /api/events handler: a persistent SSE channel
// that replays nothing and relies on client-side resync for consistency.
func (b *BroadcastService) StreamEvents(c *fiber.Ctx) error {
	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no") // nginx

	id, ch := b.Subscribe()
	reqCtx := c.Context()

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer b.Unsubscribe(id)
		for {
			select {
			case frame, ok := <-ch:
				if !ok {
					return
				}
				if _, err := w.Write(frame); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					// Client disconnected
					return
				}
			case <-reqCtx.Done():
				return
			}
		}
	})

	return nil
}

func sseFrame(msg BroadcastMessage) []byte {
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[SSE] failed to marshal %v frame: %v", msg["type"], err)
		return []byte(": marshal error\n\n")
	}
	return []byte(fmt.Sprintf("data: %s\n\n", payload))
}
