package server

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alfredjeanlab/outreach/internal/events"
)

func recv(t *testing.T, c *sseClient) *sseEvent {
	t.Helper()
	select {
	case evt := <-c.ch:
		return evt
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func expectNone(t *testing.T, c *sseClient) {
	t.Helper()
	select {
	case evt := <-c.ch:
		t.Fatalf("unexpected event: topic=%q", evt.Topic)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSSEHub_BroadcastAndFilter(t *testing.T) {
	hub := newSSEHub()

	all, _ := hub.subscribe(nil, 0)
	defer hub.unsubscribe(all)
	closed, _ := hub.subscribe([]string{"outreach.enrollment.*"}, 0)
	defer hub.unsubscribe(closed)

	hub.Broadcast(events.TopicEngagementRecorded, []byte(`{"contact_id":"c-1"}`))
	hub.Broadcast(events.TopicEnrollmentCompleted, []byte(`{"enrollment_id":"enr-1"}`))

	if evt := recv(t, all); evt.ID != 1 || evt.Topic != events.TopicEngagementRecorded || string(evt.Data) != `{"contact_id":"c-1"}` {
		t.Fatalf("first event = %+v", evt)
	}
	if evt := recv(t, all); evt.ID != 2 {
		t.Fatalf("second event id = %d", evt.ID)
	}
	if evt := recv(t, closed); evt.Topic != events.TopicEnrollmentCompleted {
		t.Fatalf("filtered client got %q", evt.Topic)
	}
	expectNone(t, closed)
}

func TestSSEHub_Unsubscribe(t *testing.T) {
	hub := newSSEHub()
	c, _ := hub.subscribe(nil, 0)
	hub.unsubscribe(c)
	hub.Broadcast(events.TopicEnrollmentCreated, []byte(`{}`))
	expectNone(t, c)
	if n := hub.clientCount(); n != 0 {
		t.Fatalf("clients = %d", n)
	}
}

func TestSSEHub_SlowClientDoesNotBlock(t *testing.T) {
	hub := newSSEHub()
	c, _ := hub.subscribe(nil, 0)
	defer hub.unsubscribe(c)

	done := make(chan struct{})
	go func() {
		for range sseClientBuffer * 3 {
			hub.Broadcast(events.TopicEnrollmentAdvanced, []byte(`{}`))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a full client")
	}
	if len(c.ch) != sseClientBuffer {
		t.Fatalf("buffered = %d, want %d", len(c.ch), sseClientBuffer)
	}
}

func TestSSEHub_Replay(t *testing.T) {
	hub := newSSEHub()
	for range 5 {
		hub.Broadcast(events.TopicEnrollmentAdvanced, []byte(`{}`))
	}
	hub.Broadcast(events.TopicSendDeferred, []byte(`{}`))

	c, replay := hub.subscribe([]string{"outreach.enrollment.>"}, 2)
	defer hub.unsubscribe(c)
	if len(replay) != 3 || replay[0].ID != 3 || replay[2].ID != 5 {
		t.Fatalf("replay = %d events", len(replay))
	}

	fresh, replay := hub.subscribe(nil, 0)
	defer hub.unsubscribe(fresh)
	if replay != nil {
		t.Fatalf("new client should not replay, got %d", len(replay))
	}
}

func TestReplayRing_Wrap(t *testing.T) {
	var r replayRing
	for i := range sseReplaySize + 100 {
		r.push(sseEvent{ID: uint64(i + 1)})
	}
	evts := r.since(0)
	if len(evts) != sseReplaySize {
		t.Fatalf("expected %d events, got %d", sseReplaySize, len(evts))
	}
	if evts[0].ID != 101 || evts[len(evts)-1].ID != sseReplaySize+100 {
		t.Fatalf("window = [%d, %d]", evts[0].ID, evts[len(evts)-1].ID)
	}
}

func TestMatchTopicPattern(t *testing.T) {
	for _, tc := range []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"outreach.enrollment.created", "outreach.enrollment.created", true},
		{"outreach.enrollment.created", "outreach.enrollment.completed", false},
		{"outreach.enrollment.*", "outreach.enrollment.completed", true},
		{"outreach.enrollment.*", "outreach.attempt.failed", false},
		{"outreach.>", "outreach.send.deferred", true},
		{"outreach.>", "outreach", false},
		{"outreach.>", "other.topic", false},
		{"*.*.*", "outreach.attempt.bounced", true},
		{"*.*.*", "outreach.attempt", false},
	} {
		t.Run(tc.pattern+"_"+tc.topic, func(t *testing.T) {
			if got := matchTopicPattern(tc.pattern, tc.topic); got != tc.want {
				t.Fatalf("matchTopicPattern(%q, %q) = %v, want %v", tc.pattern, tc.topic, got, tc.want)
			}
		})
	}
}

// TestHandleEventStream drives the SSE endpoint over a real connection and
// checks that an enrollment created through the API reaches the stream.
func TestHandleEventStream(t *testing.T) {
	srv, h := newTestServer(t)
	ts := httptest.NewServer(h)
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, "GET", ts.URL+"/v1/events/stream?topics=outreach.enrollment.*", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	deadline := time.Now().Add(time.Second)
	for srv.sseHub.clientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	defineAndEnroll(t, h, "c-sse")

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	var got []string
	timeout := time.After(2 * time.Second)
	for len(got) < 3 {
		select {
		case l, ok := <-lines:
			if !ok {
				t.Fatalf("stream closed early: %v", got)
			}
			if l != "" {
				got = append(got, l)
			}
		case <-timeout:
			t.Fatalf("timed out; got %v", got)
		}
	}
	if !strings.HasPrefix(got[0], "id:") || got[1] != "event:"+events.TopicEnrollmentCreated || !strings.Contains(got[2], `"contact_id":"c-sse"`) {
		t.Fatalf("stream = %v", got)
	}
	cancel()
	for range lines {
	}
}
