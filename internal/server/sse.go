package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// sseReplaySize is the number of recent transitions kept for
	// Last-Event-ID reconnection.
	sseReplaySize = 1000

	// sseKeepaliveInterval is how often keepalive comments are sent to
	// prevent idle proxies from closing the stream.
	sseKeepaliveInterval = 15 * time.Second

	// sseClientBuffer is the per-client queue depth; slow clients drop events.
	sseClientBuffer = 64
)

// sseEvent is a single transition sent to dashboard clients.
type sseEvent struct {
	ID    uint64
	Topic string
	Data  []byte
}

// replayRing keeps the most recent events in arrival order.
type replayRing struct {
	buf  [sseReplaySize]sseEvent
	next int
	size int
}

func (r *replayRing) push(evt sseEvent) {
	r.buf[r.next] = evt
	r.next = (r.next + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
}

// since returns buffered events with ID > lastID, oldest first.
func (r *replayRing) since(lastID uint64) []*sseEvent {
	var out []*sseEvent
	start := (r.next - r.size + len(r.buf)) % len(r.buf)
	for i := range r.size {
		evt := &r.buf[(start+i)%len(r.buf)]
		if evt.ID > lastID {
			out = append(out, evt)
		}
	}
	return out
}

// sseHub fans recorded events out to connected SSE clients. It implements
// events.Sink.
type sseHub struct {
	mu      sync.Mutex
	lastID  uint64
	ring    replayRing
	clients map[*sseClient]struct{}
}

// sseClient is a single connected stream.
type sseClient struct {
	topics []string // NATS-style patterns; empty = all
	ch     chan *sseEvent
}

func newSSEHub() *sseHub {
	return &sseHub{clients: make(map[*sseClient]struct{})}
}

// Broadcast assigns the next event id, remembers the event for replay, and
// offers it to every matching client without blocking.
func (h *sseHub) Broadcast(topic string, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastID++
	evt := sseEvent{ID: h.lastID, Topic: topic, Data: payload}
	h.ring.push(evt)

	for c := range h.clients {
		if !c.matches(topic) {
			continue
		}
		select {
		case c.ch <- &evt:
		default:
		}
	}
}

// subscribe registers a client and returns the events it missed since
// lastID, taken under the same lock so nothing falls between replay and
// live delivery.
func (h *sseHub) subscribe(topics []string, lastID uint64) (*sseClient, []*sseEvent) {
	c := &sseClient{topics: topics, ch: make(chan *sseEvent, sseClientBuffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	if lastID == 0 {
		return c, nil
	}
	var replay []*sseEvent
	for _, evt := range h.ring.since(lastID) {
		if c.matches(evt.Topic) {
			replay = append(replay, evt)
		}
	}
	return c, replay
}

func (h *sseHub) unsubscribe(c *sseClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

func (h *sseHub) clientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (c *sseClient) matches(topic string) bool {
	if len(c.topics) == 0 {
		return true
	}
	for _, p := range c.topics {
		if matchTopicPattern(p, topic) {
			return true
		}
	}
	return false
}

// matchTopicPattern matches a dot-separated topic against a pattern with
// "*" as a single-segment wildcard and ">" as a trailing multi-segment one.
func matchTopicPattern(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	pat := strings.Split(pattern, ".")
	top := strings.Split(topic, ".")
	for i, p := range pat {
		if p == ">" {
			return i < len(top)
		}
		if i >= len(top) || (p != "*" && p != top[i]) {
			return false
		}
	}
	return len(pat) == len(top)
}

// handleEventStream handles GET /v1/events/stream?topics=a,b (SSE).
func (s *OutreachServer) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	var topics []string
	for _, t := range strings.Split(r.URL.Query().Get("topics"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			topics = append(topics, t)
		}
	}
	lastID, _ := strconv.ParseUint(r.Header.Get("Last-Event-ID"), 10, 64)

	client, replay := s.sseHub.subscribe(topics, lastID)
	defer s.sseHub.unsubscribe(client)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	for _, evt := range replay {
		writeSSEEvent(w, evt)
	}
	flusher.Flush()

	keepalive := time.NewTicker(sseKeepaliveInterval)
	defer keepalive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case evt := <-client.ch:
			writeSSEEvent(w, evt)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ":keepalive\n\n")
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, evt *sseEvent) {
	fmt.Fprintf(w, "id:%d\nevent:%s\ndata:%s\n\n", evt.ID, evt.Topic, evt.Data)
}
