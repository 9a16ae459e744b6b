package server

import (
	"HalvingMassacre/internal/event"
	"HalvingMassacre/internal/game"
	"HalvingMassacre/internal/observability"
	"HalvingMassacre/internal/query"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// TicketReserver reserves a ticket for a walias in a game.
type TicketReserver interface {
	ReserveTicket(ctx context.Context, gameID, walias string) (*game.Ticket, error)
}

// GRPCServer wraps the gRPC server (health, reflection) and the HTTP/JSON
// API served by a gRPC-Gateway mux.
type GRPCServer struct {
	grpcServer    *grpc.Server
	health        *health.Server
	httpServer    *http.Server
	grpcAddr      string
	httpAddr      string
	deps          *ServerDeps
	healthChecker *observability.HealthChecker
}

// ServerDeps holds everything the API handlers need.
type ServerDeps struct {
	QueryService  *query.QueryService
	Tickets       TicketReserver
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics
	StartTime     time.Time
}

// NewGRPCServer creates the gRPC server with the health and reflection
// services registered. Serving status follows SetServing.
func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) *GRPCServer {
	grpcServer := grpc.NewServer()

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	return &GRPCServer{
		grpcServer:    grpcServer,
		health:        healthServer,
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		deps:          deps,
		healthChecker: deps.HealthChecker,
	}
}

// SetServing flips readiness on /readyz and on the gRPC health service.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	if s.healthChecker != nil {
		s.healthChecker.SetReady(serving)
	}
}

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		log.Println("INFO: gRPC server shutting down...")
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	log.Printf("INFO: gRPC server listening on %s", s.grpcAddr)
	return s.grpcServer.Serve(lis)
}

// StartHTTPGateway starts the HTTP/JSON API (blocking).
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	handler, err := s.Handler()
	if err != nil {
		return err
	}
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Println("INFO: HTTP gateway shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("INFO: HTTP gateway listening on %s", s.httpAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Handler builds the HTTP API: game and profile views, ticket reservation
// and the health endpoints.
func (s *GRPCServer) Handler() (http.Handler, error) {
	mux := runtime.NewServeMux()

	routes := []struct {
		method, pattern, name string
		h                     runtime.HandlerFunc
	}{
		{http.MethodGet, "/v1/games/{game_id}", "game", s.getGame},
		{http.MethodGet, "/v1/games/{game_id}/players/{walias}", "profile", s.getProfile},
		{http.MethodPost, "/v1/games/{game_id}/tickets", "ticket", s.postTicket},
		{http.MethodGet, "/v1/status", "status", s.getStatus},
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.pattern, s.instrument(r.name, r.h)); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", r.method, r.pattern, err)
		}
	}

	httpMux := http.NewServeMux()
	if s.healthChecker != nil {
		httpMux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}
	httpMux.Handle("/", mux)
	return httpMux, nil
}

// ============================================================================
// Handlers
// ============================================================================

func (s *GRPCServer) getGame(w http.ResponseWriter, r *http.Request, params map[string]string) {
	top := 0
	if v := r.URL.Query().Get("top"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusUnprocessableEntity, "top must be a non-negative integer")
			return
		}
		top = n
	}
	resp, err := s.deps.QueryService.GetGame(r.Context(), params["game_id"], top)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *GRPCServer) getProfile(w http.ResponseWriter, r *http.Request, params map[string]string) {
	resp, err := s.deps.QueryService.GetProfile(r.Context(), params["game_id"], params["walias"])
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type ticketRequest struct {
	Walias string `json:"walias"`
	Lud16  string `json:"lud16"` // accepted as an alias of walias
}

func (s *GRPCServer) postTicket(w http.ResponseWriter, r *http.Request, params map[string]string) {
	var req ticketRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, 4096))
	if err != nil || json.Unmarshal(body, &req) != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid body")
		return
	}
	walias := req.Walias
	if walias == "" {
		walias = req.Lud16
	}
	if walias == "" {
		writeError(w, http.StatusUnprocessableEntity, "missing property walias")
		return
	}

	gameID := params["game_id"]
	ticket, err := s.deps.Tickets.ReserveTicket(r.Context(), gameID, walias)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	g, err := s.deps.QueryService.GetGame(r.Context(), gameID, 1)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, query.NewTicketResponse(ticket, g.TicketPrice))
}

func (s *GRPCServer) getStatus(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	resp := map[string]interface{}{
		"uptime_seconds": int64(time.Since(s.deps.StartTime).Seconds()),
	}
	if s.healthChecker != nil {
		resp["ready"] = s.healthChecker.IsReady()
		resp["checks"] = s.healthChecker.Check(r.Context())
	}
	writeJSON(w, http.StatusOK, resp)
}

// ============================================================================
// Helpers
// ============================================================================

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *GRPCServer) instrument(route string, h runtime.HandlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		h(rec, r, params)
		if m := s.deps.Metrics; m != nil {
			m.QueryRequests.WithLabelValues(route, strconv.Itoa(rec.code)).Inc()
			m.QueryDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}
	}
}

// StatusFor maps domain errors to HTTP codes: validation 422, missing 404,
// state conflicts 409.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, game.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, game.ErrInvalidWalias),
		errors.Is(err, game.ErrInvalidSchedule),
		errors.Is(err, event.ErrMalformed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, game.ErrNotAccepting),
		errors.Is(err, game.ErrAlreadyPlaying),
		errors.Is(err, game.ErrInvalidTransition),
		errors.Is(err, game.ErrGameExists):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeDomainError(w http.ResponseWriter, err error) {
	code := StatusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		log.Printf("ERROR: api: %v", err)
		msg = "internal error"
	}
	writeError(w, code, msg)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"message": msg})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
