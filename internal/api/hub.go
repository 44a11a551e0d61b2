package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/stenograph/internal/session"
	"github.com/MrWong99/stenograph/pkg/types"
)

// Event types sent to subscribers.
const (
	EventSessionStarted   = "session_started"
	EventSegmentCompleted = "segment_completed"
	EventSegmentFailed    = "segment_failed"
	EventInterimUpdated   = "interim_updated"
	EventSessionCompleted = "session_completed"
	EventSessionError     = "session_error"
)

// Event is the JSON message broadcast on the event stream.
type Event struct {
	Type    string              `json:"type"`
	Time    time.Time           `json:"time"`
	Session types.SessionRecord `json:"session"`

	// Segment is set for segment_completed and segment_failed.
	Segment *Segment `json:"segment,omitempty"`

	// Text and Revised are set for interim_updated. Revised is the number of
	// trailing runes of the previous text that were replaced.
	Text    string `json:"text,omitempty"`
	Revised int    `json:"revised,omitempty"`

	// Summary is set for session_completed.
	Summary *session.Summary `json:"summary,omitempty"`

	Error string `json:"error,omitempty"`
}

// Segment is the wire form of a processed segment.
type Segment struct {
	ID           string              `json:"id"`
	Sequence     int                 `json:"sequence"`
	Interim      bool                `json:"interim"`
	Status       types.SegmentStatus `json:"status"`
	Raw          string              `json:"raw"`
	Text         string              `json:"text"`
	Replacements int                 `json:"replacements"`
	Attempts     int                 `json:"attempts"`
	Timings      map[string]string   `json:"timings,omitempty"`
	Total        string              `json:"total"`
	Error        string              `json:"error,omitempty"`
}

func segmentOf(ps types.ProcessedSegment) *Segment {
	s := &Segment{
		ID:           ps.SegmentID,
		Sequence:     ps.Sequence,
		Interim:      ps.IsInterim,
		Status:       ps.Status,
		Raw:          ps.RawTranscript,
		Text:         ps.FinalText,
		Replacements: len(ps.Replacements),
		Attempts:     ps.Attempts,
		Total:        ps.Total.String(),
	}
	if len(ps.Timings) > 0 {
		s.Timings = make(map[string]string, len(ps.Timings))
		for stage, d := range ps.Timings {
			s.Timings[string(stage)] = d.String()
		}
	}
	if ps.Err != nil {
		s.Error = ps.Err.Error()
	}
	return s
}

// Hub fans session events out to WebSocket subscribers. Each subscriber has
// a bounded send buffer; events for a subscriber whose buffer is full are
// dropped so a slow client never stalls the session.
type Hub struct {
	buffer       int
	writeTimeout time.Duration
	origins      []string
	logger       *slog.Logger
	now          func() time.Time

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

var _ session.EventSink = (*Hub)(nil)

type client struct {
	send    chan []byte
	dropped int
}

// HubOption configures a [Hub].
type HubOption func(*Hub)

// WithBuffer sets the per-subscriber buffer size. Default: 64.
func WithBuffer(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithWriteTimeout bounds a single WebSocket write. Default: 5s.
func WithWriteTimeout(d time.Duration) HubOption {
	return func(h *Hub) {
		if d > 0 {
			h.writeTimeout = d
		}
	}
}

// WithOriginPatterns allows cross-origin subscribers matching the given
// host patterns.
func WithOriginPatterns(patterns ...string) HubOption {
	return func(h *Hub) { h.origins = patterns }
}

// WithHubLogger sets the hub's logger.
func WithHubLogger(l *slog.Logger) HubOption {
	return func(h *Hub) { h.logger = l }
}

// NewHub returns an empty Hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		buffer:       64,
		writeTimeout: 5 * time.Second,
		logger:       slog.Default(),
		now:          time.Now,
		clients:      make(map[*client]struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// ServeHTTP upgrades the request to a WebSocket and streams events until the
// client disconnects or the hub is closed. Messages from the client are
// discarded.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		h.logger.Debug("api: websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	c := &client{send: make(chan []byte, h.buffer)}
	if !h.add(c) {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer h.remove(c)

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if err := h.write(ctx, conn, msg); err != nil {
				h.logger.Debug("api: websocket write failed", "err", err)
				return
			}
		}
	}
}

func (h *Hub) write(ctx context.Context, conn *websocket.Conn, msg []byte) error {
	ctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, msg)
}

// Clients returns the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every subscriber and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

// Broadcast sends ev to every subscriber without blocking.
func (h *Hub) Broadcast(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = h.now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("api: encode event", "type", ev.Type, "err", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			c.dropped++
			h.logger.Warn("api: subscriber too slow, event dropped", "type", ev.Type, "dropped", c.dropped)
		}
	}
}

func (h *Hub) SessionStarted(rec types.SessionRecord) {
	h.Broadcast(Event{Type: EventSessionStarted, Session: rec})
}

func (h *Hub) SegmentCompleted(rec types.SessionRecord, ps types.ProcessedSegment) {
	h.Broadcast(Event{Type: EventSegmentCompleted, Session: rec, Segment: segmentOf(ps)})
}

func (h *Hub) SegmentFailed(rec types.SessionRecord, ps types.ProcessedSegment) {
	ev := Event{Type: EventSegmentFailed, Session: rec, Segment: segmentOf(ps)}
	if ps.Err != nil {
		ev.Error = ps.Err.Error()
	}
	h.Broadcast(ev)
}

func (h *Hub) InterimUpdated(rec types.SessionRecord, text string, revised int) {
	h.Broadcast(Event{Type: EventInterimUpdated, Session: rec, Text: text, Revised: revised})
}

func (h *Hub) SessionCompleted(rec types.SessionRecord, sum session.Summary) {
	h.Broadcast(Event{Type: EventSessionCompleted, Session: rec, Summary: &sum})
}

func (h *Hub) SessionError(rec types.SessionRecord, err error) {
	ev := Event{Type: EventSessionError, Session: rec}
	if err != nil {
		ev.Error = err.Error()
	}
	h.Broadcast(ev)
}
