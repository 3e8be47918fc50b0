package events

import (
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// startTestNATS runs an embedded server on a random port for the duration of
// the test.
func startTestNATS(t *testing.T) string {
	t.Helper()
	srv, err := natsserver.NewServer(&natsserver.Options{Host: "127.0.0.1", Port: -1})
	if err != nil {
		t.Fatalf("embedded nats: %v", err)
	}
	srv.Start()
	t.Cleanup(srv.Shutdown)
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("embedded nats never became ready")
	}
	return srv.ClientURL()
}

func subscribeInbound(t *testing.T, url string) (<-chan []byte, func()) {
	t.Helper()
	sub, err := NewNATSSubscriber(url)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = sub.Close() })
	ch, cancel, err := sub.Subscribe(TopicInbound)
	if err != nil {
		t.Fatal(err)
	}
	return ch, cancel
}

func TestNATSSubscriber_InboundWildcard(t *testing.T) {
	url := startTestNATS(t)
	ch, cancel := subscribeInbound(t, url)
	defer cancel()

	nc, err := Connect(url)
	if err != nil {
		t.Fatal(err)
	}
	defer nc.Close()

	subjects := map[string]string{
		"outreach.inbound.email":    `{"channel":"email"}`,
		"outreach.inbound.linkedin": `{"channel":"linkedin"}`,
		"outreach.outbound.email":   `{"channel":"ignored"}`,
	}
	for subject, body := range subjects {
		if err := nc.Publish(subject, []byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	_ = nc.Flush()

	seen := map[string]bool{}
	for len(seen) < 2 {
		select {
		case data := <-ch:
			seen[string(data)] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("only received %v", seen)
		}
	}
	if seen[`{"channel":"ignored"}`] {
		t.Fatal("subscription matched a non-inbound subject")
	}
}

func TestNATSSubscriber_CancelIsIdempotentAndCloses(t *testing.T) {
	ch, cancel := subscribeInbound(t, startTestNATS(t))
	cancel()
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("received a payload after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestNATSSubscriber_CancelWithUnreadBacklog(t *testing.T) {
	url := startTestNATS(t)
	ch, cancel := subscribeInbound(t, url)

	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatal(err)
	}
	defer nc.Close()
	for i := 0; i < 10; i++ {
		_ = nc.Publish("outreach.inbound.sms", []byte(`{}`))
	}
	_ = nc.Flush()
	time.Sleep(50 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		cancel()
		for range ch {
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cancel blocked with undelivered messages")
	}
}

func TestNATSSubscriberConn_BorrowedConnSurvivesClose(t *testing.T) {
	nc, err := Connect(startTestNATS(t))
	if err != nil {
		t.Fatal(err)
	}
	defer nc.Close()

	var sub Subscriber = NewNATSSubscriberConn(nc)
	if err := sub.Close(); err != nil {
		t.Fatal(err)
	}
	if !nc.IsConnected() {
		t.Fatal("borrowed connection was closed")
	}
}
