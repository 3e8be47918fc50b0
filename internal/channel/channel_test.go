package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	natsserver "github.com/nats-io/nats-server/v2/server"

	"github.com/alfredjeanlab/outreach/internal/model"
)

func startTestNATS(t *testing.T) string {
	t.Helper()
	opts := &natsserver.Options{Host: "127.0.0.1", Port: -1}
	srv, err := natsserver.NewServer(opts)
	if err != nil {
		t.Fatalf("starting embedded NATS: %v", err)
	}
	srv.Start()
	t.Cleanup(srv.Shutdown)
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("embedded NATS not ready")
	}
	return srv.ClientURL()
}

func testRequest() SendRequest {
	return SendRequest{
		EnrollmentID:   "enr-1",
		StepIndex:      2,
		ContactID:      "c-1",
		Channel:        model.ChannelSMS,
		Template:       "nudge",
		IdempotencyKey: IdempotencyKey("enr-1", 2),
	}
}

func TestIdempotencyKey(t *testing.T) {
	if got := IdempotencyKey("enr-1", 2); got != "enr-1/2" {
		t.Fatalf("IdempotencyKey = %q", got)
	}
}

func TestClassify(t *testing.T) {
	for _, tc := range []struct {
		name string
		res  SendResult
		err  error
		want error
	}{
		{"Sent", SendResult{Status: StatusSent}, nil, nil},
		{"Bounced", SendResult{Status: StatusBounced}, nil, ErrPermanent},
		{"Failed", SendResult{Status: StatusFailed}, nil, ErrTransient},
		{"Unknown", SendResult{Status: "queued"}, nil, ErrTransient},
		{"RawError", SendResult{}, errors.New("connection reset"), ErrTransient},
		{"Timeout", SendResult{}, context.DeadlineExceeded, ErrTransient},
		{"AlreadyPermanent", SendResult{}, ErrPermanent, ErrPermanent},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.res, tc.err)
			if tc.want == nil {
				if got != nil {
					t.Fatalf("Classify = %v, want nil", got)
				}
				return
			}
			if !errors.Is(got, tc.want) {
				t.Fatalf("Classify = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Get(model.ChannelEmail); !errors.Is(err, ErrNoAdapter) {
		t.Fatalf("expected ErrNoAdapter, got %v", err)
	}
	r.Register(model.ChannelSMS, NewDryRunAdapter(nil))
	r.Register(model.ChannelEmail, NewDryRunAdapter(nil))
	if _, err := r.Get(model.ChannelEmail); err != nil {
		t.Fatal(err)
	}
	chs := r.Channels()
	if len(chs) != 2 || chs[0] != model.ChannelEmail {
		t.Fatalf("Channels = %v", chs)
	}
}

func TestDryRunAdapter(t *testing.T) {
	res, err := NewDryRunAdapter(nil).Send(context.Background(), testRequest())
	if err != nil || res.Status != StatusSent || res.ProviderMessageID != "dryrun:enr-1/2" {
		t.Fatalf("got %+v, %v", res, err)
	}
}

func TestHTTPAdapter_Send(t *testing.T) {
	var gotKey, gotAuth string
	var gotBody SendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/send" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		gotKey = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(SendResult{Status: StatusSent, ProviderMessageID: "pm-9"})
	}))
	defer srv.Close()

	res, err := NewHTTPAdapter(srv.URL+"/", "secret").Send(context.Background(), testRequest())
	if err != nil {
		t.Fatal(err)
	}
	if res.ProviderMessageID != "pm-9" {
		t.Fatalf("result = %+v", res)
	}
	if gotKey != "enr-1/2" || gotAuth != "Bearer secret" {
		t.Fatalf("headers: key=%q auth=%q", gotKey, gotAuth)
	}
	if gotBody.Template != "nudge" || gotBody.Channel != model.ChannelSMS {
		t.Fatalf("body = %+v", gotBody)
	}
}

func TestHTTPAdapter_StatusClassification(t *testing.T) {
	for _, tc := range []struct {
		code int
		want error
	}{
		{http.StatusServiceUnavailable, ErrTransient},
		{http.StatusTooManyRequests, ErrTransient},
		{http.StatusUnprocessableEntity, ErrPermanent},
		{http.StatusGone, ErrPermanent},
	} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", tc.code)
		}))
		_, err := NewHTTPAdapter(srv.URL, "").Send(context.Background(), testRequest())
		srv.Close()
		if !errors.Is(err, tc.want) {
			t.Errorf("HTTP %d: err = %v, want %v", tc.code, err, tc.want)
		}
	}
}

func TestHTTPAdapter_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := NewHTTPAdapter(srv.URL, "").Send(ctx, testRequest()); !errors.Is(err, ErrTransient) {
		t.Fatalf("expected ErrTransient, got %v", err)
	}
}

func TestNATSAdapter_RequestReply(t *testing.T) {
	url := startTestNATS(t)
	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatal(err)
	}
	defer nc.Close()

	sub, err := nc.Subscribe(SendSubjectPrefix+"sms", func(m *nats.Msg) {
		var req SendRequest
		_ = json.Unmarshal(m.Data, &req)
		status := StatusSent
		if m.Header.Get(nats.MsgIdHdr) != req.IdempotencyKey {
			status = StatusFailed
		}
		data, _ := json.Marshal(SendResult{Status: status, ProviderMessageID: "sms-" + req.ContactID})
		_ = m.Respond(data)
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := NewNATSAdapter(nc).Send(ctx, testRequest())
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusSent || res.ProviderMessageID != "sms-c-1" {
		t.Fatalf("result = %+v", res)
	}
}

func TestNATSAdapter_NoResponders(t *testing.T) {
	url := startTestNATS(t)
	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatal(err)
	}
	defer nc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	req := testRequest()
	req.Channel = model.ChannelVoice
	if _, err := NewNATSAdapter(nc).Send(ctx, req); !errors.Is(err, ErrTransient) {
		t.Fatalf("expected ErrTransient, got %v", err)
	}
}

func TestClassifyRequestError(t *testing.T) {
	tests := []struct {
		err  error
		want error
	}{
		{nats.ErrNoResponders, ErrTransient},
		{nats.ErrTimeout, ErrTransient},
		{context.DeadlineExceeded, ErrTransient},
		{nats.ErrConnectionClosed, ErrTransient},
		{nats.ErrMaxPayload, ErrPermanent},
		{nats.ErrBadSubject, ErrPermanent},
	}
	for _, tt := range tests {
		if got := classifyRequestError(tt.err); !errors.Is(got, tt.want) {
			t.Errorf("classifyRequestError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
