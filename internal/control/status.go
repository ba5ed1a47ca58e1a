package control

import (
	"encoding/json"
	"sync"
	"time"
)

const (
	EventState = "state"
	EventQueue = "queue"
	EventFetch = "fetch"
)

// Event is one status stream message.
type Event struct {
	Type      string `json:"type"`
	RunID     string `json:"run_id"`
	Timestamp int64  `json:"timestamp"`

	State string `json:"state,omitempty"`
	// Elapsed is seconds since sampling began; Depth is in packets.
	Elapsed float64 `json:"elapsed,omitempty"`
	Depth   *int    `json:"depth,omitempty"`

	Client  string  `json:"client,omitempty"`
	Seconds float64 `json:"seconds,omitempty"`
	Error   string  `json:"error,omitempty"`
}

// Status publishes run events to the hub and remembers the current state so
// new subscribers start with it.
type Status struct {
	runID string
	hub   *StatusHub

	mu    sync.Mutex
	state string
}

func NewStatus(runID string, hub *StatusHub) *Status {
	return &Status{runID: runID, hub: hub}
}

func (s *Status) RunID() string {
	return s.runID
}

func (s *Status) SetState(state string) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.publish(Event{Type: EventState, State: state})
}

func (s *Status) Queue(elapsed time.Duration, depth int) {
	s.publish(Event{Type: EventQueue, Elapsed: elapsed.Seconds(), Depth: &depth})
}

func (s *Status) Fetch(client string, seconds float64) {
	s.publish(Event{Type: EventFetch, Client: client, Seconds: seconds})
}

func (s *Status) FetchFailed(client string, err error) {
	s.publish(Event{Type: EventFetch, Client: client, Error: err.Error()})
}

// Snapshot is the state event a new subscriber receives first.
func (s *Status) Snapshot() Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Event{Type: EventState, RunID: s.runID, Timestamp: time.Now().UnixMilli(), State: s.state}
}

func (s *Status) publish(ev Event) {
	ev.RunID = s.runID
	ev.Timestamp = time.Now().UnixMilli()
	s.hub.Broadcast(ev)
}

// StatusHub fans events out to websocket clients. A slow client drops events
// rather than blocking the run.
type StatusHub struct {
	mu        sync.Mutex
	clients   map[*statusClient]struct{}
	broadcast chan Event
	ctxDone   <-chan struct{}
	done      chan struct{}
}

type statusClient struct {
	send      chan []byte
	closeOnce sync.Once
}

func NewStatusHub(ctxDone <-chan struct{}) *StatusHub {
	h := &StatusHub{
		clients:   make(map[*statusClient]struct{}),
		broadcast: make(chan Event, 128),
		ctxDone:   ctxDone,
		done:      make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *StatusHub) run() {
	defer close(h.done)
	for {
		select {
		case <-h.ctxDone:
			h.mu.Lock()
			for client := range h.clients {
				client.close()
			}
			h.clients = make(map[*statusClient]struct{})
			h.mu.Unlock()
			return
		case msg := <-h.broadcast:
			h.mu.Lock()
			data, _ := json.Marshal(msg)
			for client := range h.clients {
				select {
				case client.send <- data:
				default:
				}
			}
			h.mu.Unlock()
		}
	}
}

// Done is closed once the hub has stopped.
func (h *StatusHub) Done() <-chan struct{} {
	return h.done
}

func (h *StatusHub) Register(client *statusClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
}

func (h *StatusHub) Unregister(client *statusClient) {
	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()
	client.close()
}

func (h *StatusHub) Broadcast(msg Event) {
	select {
	case h.broadcast <- msg:
	default:
	}
}

func (c *statusClient) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}
