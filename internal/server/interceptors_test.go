package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

const protectedMethod = "/outreach.v1.Engine/ListEnrollments"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func stubHandler(context.Context, any) (any, error) {
	return "ok", nil
}

// fakeStream carries only a context; handlers under test never send.
type fakeStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (f fakeStream) Context() context.Context { return f.ctx }

func TestCheckBearer(t *testing.T) {
	tests := []struct {
		header string
		want   error
	}{
		{"", errNoCredentials},
		{"Basic secret", errBadScheme},
		{"Bearer wrong", errBadToken},
		{"Bearer secret", nil},
	}
	for _, tt := range tests {
		if got := checkBearer(tt.header, "secret"); !errors.Is(got, tt.want) {
			t.Errorf("checkBearer(%q) = %v, want %v", tt.header, got, tt.want)
		}
	}
}

func TestAuthInterceptors(t *testing.T) {
	for _, tc := range []struct {
		name     string
		token    string
		method   string
		md       metadata.MD // nil = no incoming metadata
		wantCode codes.Code
	}{
		{name: "Disabled", token: "", method: protectedMethod, wantCode: codes.OK},
		{name: "HealthCheckExempt", token: "secret", method: healthService + "Check", wantCode: codes.OK},
		{name: "HealthWatchExempt", token: "secret", method: healthService + "Watch", wantCode: codes.OK},
		{name: "MissingMetadata", token: "secret", method: protectedMethod, wantCode: codes.Unauthenticated},
		{name: "MissingHeader", token: "secret", method: protectedMethod, md: metadata.Pairs("other", "value"), wantCode: codes.Unauthenticated},
		{name: "WrongToken", token: "secret", method: protectedMethod, md: metadata.Pairs("authorization", "Bearer wrong"), wantCode: codes.Unauthenticated},
		{name: "InvalidScheme", token: "secret", method: protectedMethod, md: metadata.Pairs("authorization", "Basic secret"), wantCode: codes.Unauthenticated},
		{name: "CorrectToken", token: "secret", method: protectedMethod, md: metadata.Pairs("authorization", "Bearer secret"), wantCode: codes.OK},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			if tc.md != nil {
				ctx = metadata.NewIncomingContext(ctx, tc.md)
			}

			resp, err := UnaryAuth(tc.token)(ctx, nil, &grpc.UnaryServerInfo{FullMethod: tc.method}, stubHandler)
			if got := status.Code(err); got != tc.wantCode {
				t.Fatalf("unary code = %v, want %v (err %v)", got, tc.wantCode, err)
			}
			if tc.wantCode == codes.OK && resp != "ok" {
				t.Fatalf("unary resp = %v, want ok", resp)
			}

			called := false
			err = StreamAuth(tc.token)(nil, fakeStream{ctx: ctx}, &grpc.StreamServerInfo{FullMethod: tc.method},
				func(any, grpc.ServerStream) error { called = true; return nil })
			if got := status.Code(err); got != tc.wantCode {
				t.Fatalf("stream code = %v, want %v (err %v)", got, tc.wantCode, err)
			}
			if called != (tc.wantCode == codes.OK) {
				t.Fatalf("stream handler called = %v", called)
			}
		})
	}
}

func TestRecoveryInterceptors(t *testing.T) {
	logger := quietLogger()

	panicky := func(context.Context, any) (any, error) { panic("boom") }
	_, err := UnaryRecovery(logger)(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: protectedMethod}, panicky)
	if status.Code(err) != codes.Internal {
		t.Fatalf("unary: expected Internal, got %v", err)
	}

	err = StreamRecovery(logger)(nil, fakeStream{ctx: context.Background()}, &grpc.StreamServerInfo{FullMethod: protectedMethod},
		func(any, grpc.ServerStream) error { panic("boom") })
	if status.Code(err) != codes.Internal {
		t.Fatalf("stream: expected Internal, got %v", err)
	}
}

func TestUnaryLogging_PassesThrough(t *testing.T) {
	want := status.Error(codes.NotFound, "nope")
	_, err := UnaryLogging(quietLogger())(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: protectedMethod},
		func(context.Context, any) (any, error) { return nil, want })
	if !errors.Is(err, want) {
		t.Fatalf("err = %v, want %v", err, want)
	}
}

func TestAuthMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	for _, tc := range []struct {
		name     string
		token    string
		path     string
		header   string
		wantCode int
	}{
		{name: "NoHeader", token: "secret", path: "/v1/enrollments", wantCode: http.StatusUnauthorized},
		{name: "WrongToken", token: "secret", path: "/v1/enrollments", header: "Bearer wrong", wantCode: http.StatusUnauthorized},
		{name: "InvalidScheme", token: "secret", path: "/v1/enrollments", header: "Basic secret", wantCode: http.StatusUnauthorized},
		{name: "CorrectToken", token: "secret", path: "/v1/enrollments", header: "Bearer secret", wantCode: http.StatusOK},
		{name: "HealthExempt", token: "secret", path: "/v1/health", wantCode: http.StatusOK},
		{name: "Disabled", token: "", path: "/v1/enrollments", wantCode: http.StatusOK},
	} {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			AuthMiddleware(tc.token, ok).ServeHTTP(rec, req)
			if rec.Code != tc.wantCode {
				t.Fatalf("expected %d, got %d; body: %s", tc.wantCode, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestGRPCHealth(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	srv, hs := NewGRPCServer("secret", quietLogger())
	go func() { _ = srv.Serve(lis) }()
	defer srv.Stop()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	client := healthpb.NewHealthClient(conn)
	resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		t.Fatalf("health check without token: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("status = %v, want SERVING", resp.GetStatus())
	}

	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	resp, err = client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		t.Fatal(err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("status = %v, want NOT_SERVING", resp.GetStatus())
	}
}
