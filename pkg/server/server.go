// Package server exposes the federation endpoints of a node over HTTP and an
// optional gRPC health service.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"fedcore/pkg/delivery"
	"fedcore/pkg/envelope"
	"fedcore/pkg/federation"
	"fedcore/pkg/identity"
	"fedcore/pkg/inbound"
	"fedcore/pkg/store"
)

// HealthService is the service name reported by the gRPC health server.
const HealthService = "fedcore"

const shutdownTimeout = 10 * time.Second

// Inbox accepts envelopes posted by remote peers.
type Inbox interface {
	ReceivePublic(ctx context.Context, body []byte) (inbound.Outcome, error)
	ReceivePrivate(ctx context.Context, guid string, body []byte) (inbound.Outcome, error)
}

type Options struct {
	Hostname       string
	BaseURL        string
	MaxPayloadSize int64
	GRPCHealthAddr string
	Gatherer       prometheus.Gatherer
	Logger         *zap.Logger
}

type Server struct {
	inbox    Inbox
	store    store.Store
	hostname string
	baseURL  string
	maxBody  int64
	grpcAddr string
	gatherer prometheus.Gatherer
	logger   *zap.Logger
	router   chi.Router
	health   *health.Server
}

func New(inbox Inbox, st store.Store, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.MaxPayloadSize <= 0 {
		opts.MaxPayloadSize = 2 << 20
	}

	s := &Server{
		inbox:    inbox,
		store:    st,
		hostname: federation.StripPort(opts.Hostname),
		baseURL:  opts.BaseURL,
		maxBody:  opts.MaxPayloadSize,
		grpcAddr: opts.GRPCHealthAddr,
		gatherer: opts.Gatherer,
		logger:   opts.Logger,
		health:   health.NewServer(),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Post("/receive/public", s.receivePublic)
	r.Post("/receive/users/{guid}", s.receivePrivate)
	r.Get("/fetch/post/{guid}", s.fetchPost)
	r.Get("/.well-known/webfinger", s.webfinger)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "ok\n")
	})
	return r
}

// Handler returns the HTTP handler of the node.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves HTTP on addr, and gRPC health when configured, until ctx is
// cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var grpcServer *grpc.Server
	var grpcListener net.Listener
	if s.grpcAddr != "" {
		lis, err := net.Listen("tcp", s.grpcAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.grpcAddr, err)
		}
		grpcListener = lis
		grpcServer = grpc.NewServer()
		s.health.SetServingStatus(HealthService, healthpb.HealthCheckResponse_SERVING)
		healthpb.RegisterHealthServer(grpcServer, s.health)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("HTTP server listening", zap.String("address", addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if grpcServer != nil {
		g.Go(func() error {
			s.logger.Info("gRPC health listening", zap.String("address", s.grpcAddr))
			if err := grpcServer.Serve(grpcListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		s.logger.Info("Shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if grpcServer != nil {
			s.health.Shutdown()
			grpcServer.GracefulStop()
		}
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("Request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		} else {
			http.Error(w, "failed to read body", http.StatusBadRequest)
		}
		return nil, false
	}
	return body, true
}

func (s *Server) receivePublic(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	outcome, err := s.inbox.ReceivePublic(r.Context(), body)
	s.answer(w, outcome, err)
}

func (s *Server) receivePrivate(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	outcome, err := s.inbox.ReceivePrivate(r.Context(), chi.URLParam(r, "guid"), body)
	s.answer(w, outcome, err)
}

// answer maps a dispatch result to an HTTP status. Only envelope failures and
// unknown recipients are reported to the peer; every other result is accepted.
func (s *Server) answer(w http.ResponseWriter, outcome inbound.Outcome, err error) {
	status := StatusFor(err)
	if err != nil && status == http.StatusAccepted {
		s.logger.Debug("Accepted with error", zap.String("outcome", outcome.String()), zap.Error(err))
	}
	w.WriteHeader(status)
}

// StatusFor returns the HTTP status an inbox answers for err.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusAccepted
	case errors.Is(err, federation.ErrMalformedEnvelope),
		errors.Is(err, federation.ErrSignatureInvalid),
		errors.Is(err, federation.ErrKeyNotFound):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	}
	return http.StatusAccepted
}

func (s *Server) webfinger(w http.ResponseWriter, r *http.Request) {
	resource := r.URL.Query().Get("resource")
	if resource == "" {
		http.Error(w, "resource is required", http.StatusBadRequest)
		return
	}
	h, err := federation.ParseHandle(resource)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if s.hostname != "" && h.Hostname() != s.hostname {
		http.NotFound(w, r)
		return
	}

	u, err := s.store.UserByNickname(r.Context(), h.User)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("Webfinger lookup failed", zap.String("resource", resource), zap.Error(err))
		}
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", identity.ContentTypeJRD)
	if err := json.NewEncoder(w).Encode(identity.LocalJRD(u, s.baseURL)); err != nil {
		s.logger.Warn("Failed to write webfinger response", zap.Error(err))
	}
}

// fetchPost serves the signed public envelope of a local top-level post.
func (s *Server) fetchPost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	guid := chi.URLParam(r, "guid")

	item, err := s.publicPost(ctx, guid)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	owner, err := s.store.UserByUID(ctx, item.UID)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	key, err := envelope.ParsePrivateKey(owner.PrivateKey)
	if err != nil {
		s.logger.Error("Owner has no usable key", zap.String("user", owner.Handle), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	payload, err := delivery.PostPayload(owner, item)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	body, contentType, err := envelope.Seal(payload, owner.Handle, key, nil, true)
	if err != nil {
		s.logger.Error("Failed to seal post", zap.String("guid", guid), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentType)
	_, _ = w.Write(body)
}

func (s *Server) publicPost(ctx context.Context, guid string) (*store.Item, error) {
	items, err := s.store.ItemsByGUID(ctx, guid)
	if err != nil {
		return nil, err
	}
	for _, i := range items {
		if i.Origin && i.IsTopLevel() && !i.Deleted && !i.IsPrivate() &&
			len(i.AllowList) == 0 && len(i.DenyList) == 0 && i.UID != store.PublicUID {
			return i, nil
		}
	}
	return nil, store.ErrNotFound
}
