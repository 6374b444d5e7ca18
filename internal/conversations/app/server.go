// Package app wires the conversations runtime: storage, membership
// service, sync bridge, background loops, and the health endpoint.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/louisbranch/convene/internal/conversations/bridge"
	"github.com/louisbranch/convene/internal/conversations/invite"
	"github.com/louisbranch/convene/internal/conversations/service"
	"github.com/louisbranch/convene/internal/conversations/storage/resilient"
	"github.com/louisbranch/convene/internal/conversations/storage/sqlite"
	apperrors "github.com/louisbranch/convene/internal/platform/errors"
	platformid "github.com/louisbranch/convene/internal/platform/id"
	"github.com/louisbranch/convene/internal/platform/timeouts"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	defaultPort           = 8093
	defaultDBPath         = "data/conversations.db"
	defaultExpiryInterval = time.Minute
	defaultResyncInterval = 30 * time.Second
	defaultSweepBatch     = 100
)

// Config controls runtime startup, storage, and loop behavior.
type Config struct {
	Port           int
	DBPath         string
	ExpiryInterval time.Duration
	ResyncInterval time.Duration
	SweepBatch     int

	// Optional collaborators. Left nil, the corresponding feature is off.
	Connections service.ConnectionGraph
	Directory   service.UserDirectory
	Delivery    service.EmailDelivery
}

// Server hosts the conversations service and its background loops.
type Server struct {
	cfg        Config
	listener   net.Listener
	grpcServer *grpc.Server
	health     *health.Server
	store      *sqlite.Store
	service    *service.Service
	bridge     *bridge.SyncBridge
}

// New builds a configured conversations server.
func New(cfg Config) (*Server, error) {
	if cfg.Port <= 0 {
		cfg.Port = defaultPort
	}
	return NewWithAddr(cfg, fmt.Sprintf(":%d", cfg.Port))
}

// NewWithAddr builds a conversations server listening on the given address.
func NewWithAddr(cfg Config, addr string) (*Server, error) {
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = defaultDBPath
	}
	if cfg.ExpiryInterval <= 0 {
		cfg.ExpiryInterval = defaultExpiryInterval
	}
	if cfg.ResyncInterval <= 0 {
		cfg.ResyncInterval = defaultResyncInterval
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = defaultSweepBatch
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	store, err := openStore(cfg.DBPath)
	if err != nil {
		_ = listener.Close()
		return nil, err
	}
	resilientStore := resilient.New(store)

	syncBridge, err := bridge.New(resilientStore, time.Now, platformid.NewID)
	if err != nil {
		_ = listener.Close()
		_ = store.Close()
		return nil, err
	}

	opts := service.Options{
		Connections: cfg.Connections,
		Directory:   cfg.Directory,
		Delivery:    cfg.Delivery,
		Syncer:      syncBridge,
	}
	if signer, ok := loadGrantSigner(); ok {
		opts.Signer = signer
	}
	if verifier, ok := loadGrantVerifier(); ok {
		opts.Verifier = verifier
	}

	svc, err := service.NewService(resilientStore, opts)
	if err != nil {
		_ = listener.Close()
		_ = store.Close()
		return nil, err
	}

	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(domainStatusInterceptor()),
	)
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("conversations.runtime", grpc_health_v1.HealthCheckResponse_SERVING)

	return &Server{
		cfg:        cfg,
		listener:   listener,
		grpcServer: grpcServer,
		health:     healthServer,
		store:      store,
		service:    svc,
		bridge:     syncBridge,
	}, nil
}

// domainStatusInterceptor translates coded domain errors into gRPC
// statuses carrying errdetails.ErrorInfo, so clients can match on the
// stable code instead of parsing messages.
func domainStatusInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		if err == nil {
			return resp, nil
		}
		var domainErr *apperrors.Error
		if errors.As(err, &domainErr) {
			return resp, domainErr.ToGRPCStatus()
		}
		return resp, err
	}
}

// Service exposes the membership use-cases for embedding callers.
func (s *Server) Service() *service.Service {
	if s == nil {
		return nil
	}
	return s.service
}

// Addr returns the listener address.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Serve runs the health endpoint and background loops until the context
// ends.
func (s *Server) Serve(ctx context.Context) error {
	if s == nil {
		return errors.New("server is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	defer s.Close()

	log.Printf("conversations server listening at %v", s.listener.Addr())

	loopCtx, cancelLoops := context.WithCancel(ctx)
	defer cancelLoops()
	loopDone := make(chan struct{}, 2)
	go func() {
		defer func() { loopDone <- struct{}{} }()
		if err := s.service.RunExpiry(loopCtx, s.cfg.ExpiryInterval, s.cfg.SweepBatch); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("expiry loop stopped: %v", err)
		}
	}()
	go func() {
		defer func() { loopDone <- struct{}{} }()
		if err := s.bridge.Run(loopCtx, s.cfg.ResyncInterval, s.cfg.SweepBatch); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("resync loop stopped: %v", err)
		}
	}()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.grpcServer.Serve(s.listener)
	}()

	select {
	case <-ctx.Done():
		cancelLoops()
		<-loopDone
		<-loopDone
		if s.health != nil {
			s.health.Shutdown()
		}
		s.gracefulStop()
		err := <-serveErr
		if err == nil || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serve gRPC: %w", err)
	case err := <-serveErr:
		cancelLoops()
		<-loopDone
		<-loopDone
		if err == nil || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serve gRPC: %w", err)
	}
}

// gracefulStop drains in-flight RPCs, forcing a hard stop if draining
// exceeds the shutdown timeout.
func (s *Server) gracefulStop() {
	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeouts.Shutdown):
		s.grpcServer.Stop()
	}
}

// Close releases server resources.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.health != nil {
		s.health.Shutdown()
	}
	if s.grpcServer != nil {
		s.grpcServer.Stop()
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("close conversations store: %v", err)
		}
	}
}

// Run creates and serves a conversations server until context cancellation.
func Run(ctx context.Context, cfg Config) error {
	server, err := New(cfg)
	if err != nil {
		return err
	}
	return server.Serve(ctx)
}

func openStore(path string) (*sqlite.Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	store, err := sqlite.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open conversations sqlite store: %w", err)
	}
	return store, nil
}

func loadGrantSigner() (invite.GrantSigner, bool) {
	if strings.TrimSpace(os.Getenv(invite.EnvGrantPrivateKey)) == "" {
		return invite.GrantSigner{}, false
	}
	signer, err := invite.LoadGrantSignerFromEnv(nil)
	if err != nil {
		log.Printf("load grant signer: %v", err)
		return invite.GrantSigner{}, false
	}
	return signer, true
}

func loadGrantVerifier() (invite.GrantVerifier, bool) {
	if strings.TrimSpace(os.Getenv(invite.EnvGrantPublicKey)) == "" {
		return invite.GrantVerifier{}, false
	}
	verifier, err := invite.LoadGrantVerifierFromEnv(nil)
	if err != nil {
		log.Printf("load grant verifier: %v", err)
		return invite.GrantVerifier{}, false
	}
	return verifier, true
}
