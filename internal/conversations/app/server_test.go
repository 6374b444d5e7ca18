package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/louisbranch/convene/internal/conversations/domain"
	"github.com/louisbranch/convene/internal/conversations/service"
	apperrors "github.com/louisbranch/convene/internal/platform/errors"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

func startServer(t *testing.T) *Server {
	t.Helper()
	cfg := Config{
		DBPath:         t.TempDir() + "/conversations.db",
		ExpiryInterval: time.Hour,
		ResyncInterval: time.Hour,
	}
	srv, err := NewWithAddr(cfg, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	serveDone := make(chan error, 1)
	go func() {
		serveDone <- srv.Serve(runCtx)
	}()
	t.Cleanup(func() {
		runCancel()
		select {
		case serveErr := <-serveDone:
			if serveErr != nil {
				t.Fatalf("serve: %v", serveErr)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timeout waiting for server shutdown")
		}
	})
	return srv
}

func TestServerHealthAndMembershipRoundTrip(t *testing.T) {
	srv := startServer(t)

	conn, err := grpc.NewClient(srv.Addr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial conversations server: %v", err)
	}
	t.Cleanup(func() {
		if closeErr := conn.Close(); closeErr != nil {
			t.Fatalf("close gRPC connection: %v", closeErr)
		}
	})

	healthClient := grpc_health_v1.NewHealthClient(conn)
	resp, err := healthClient.Check(context.Background(), &grpc_health_v1.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("health check: %v", err)
	}
	if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
		t.Fatalf("health status = %v, want serving", resp.GetStatus())
	}

	svc := srv.Service()
	conversation, err := svc.CreateConversation(context.Background(), domain.CreateConversationInput{
		Name:      "Planning",
		CreatedBy: "user-1",
	})
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	invitation, err := svc.InviteParticipant(context.Background(), service.InviteParticipantInput{
		ConversationID: conversation.ID,
		FromUserID:     "user-1",
		ToUserID:       "user-2",
	})
	if err != nil {
		t.Fatalf("invite: %v", err)
	}
	if invitation.ConversationID != conversation.ID {
		t.Fatalf("unexpected invitation: %+v", invitation)
	}

	page, err := svc.ListConversationsForUser(context.Background(), "user-1", 10, "")
	if err != nil {
		t.Fatalf("list conversations: %v", err)
	}
	if len(page.Conversations) != 1 {
		t.Fatalf("unexpected conversations: %+v", page.Conversations)
	}
}

func TestServerNotFoundMapsToTypedError(t *testing.T) {
	srv := startServer(t)

	_, err := srv.Service().GetConversation(context.Background(), "missing")
	if !errors.Is(err, apperrors.New(apperrors.CodeNotFound, "")) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDomainStatusInterceptorTranslatesCodedErrors(t *testing.T) {
	interceptor := domainStatusInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/conversations/Get"}

	handler := func(ctx context.Context, req any) (any, error) {
		return nil, apperrors.WithMetadata(apperrors.CodeInvitationAlreadyResolved, "invitation is already resolved", map[string]string{
			"invitation_id": "inv-1",
		})
	}
	_, err := interceptor(context.Background(), nil, info, handler)
	st, ok := status.FromError(err)
	if !ok {
		t.Fatalf("expected a gRPC status, got %v", err)
	}
	if st.Code() != codes.Aborted {
		t.Fatalf("status code = %v, want aborted", st.Code())
	}
	var errorInfo *errdetails.ErrorInfo
	for _, detail := range st.Details() {
		if ei, matched := detail.(*errdetails.ErrorInfo); matched {
			errorInfo = ei
		}
	}
	if errorInfo == nil {
		t.Fatalf("missing ErrorInfo detail: %v", st.Details())
	}
	if errorInfo.GetReason() != string(apperrors.CodeInvitationAlreadyResolved) {
		t.Fatalf("reason = %q", errorInfo.GetReason())
	}
	if errorInfo.GetDomain() != apperrors.Domain {
		t.Fatalf("domain = %q", errorInfo.GetDomain())
	}
	if errorInfo.GetMetadata()["invitation_id"] != "inv-1" {
		t.Fatalf("metadata = %v", errorInfo.GetMetadata())
	}
}

func TestDomainStatusInterceptorPassesPlainErrors(t *testing.T) {
	interceptor := domainStatusInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/conversations/Get"}

	plain := errors.New("listener gone")
	_, err := interceptor(context.Background(), nil, info, func(ctx context.Context, req any) (any, error) {
		return nil, plain
	})
	if !errors.Is(err, plain) {
		t.Fatalf("expected plain error to pass through, got %v", err)
	}

	resp, err := interceptor(context.Background(), nil, info, func(ctx context.Context, req any) (any, error) {
		return "ok", nil
	})
	if err != nil || resp != "ok" {
		t.Fatalf("unexpected result: %v %v", resp, err)
	}
}
