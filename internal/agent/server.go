package agent

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/gorilla/handlers"
	"golang.org/x/time/rate"
)

// maxPushSize bounds a single push delivery body.
const maxPushSize = 4096

// Server is the agent's push ingress: the device endpoint the push
// service delivers to. This is how the platform "invokes" the agent
// without the application running.
type Server struct {
	log   *log.Logger
	agent *Agent
	srv   *http.Server
}

func NewServer(logger *log.Logger, a *Agent, addr string, limit rate.Limit, mux *http.ServeMux) *Server {
	s := &Server{
		log:   logger,
		agent: a,
	}

	mux.HandleFunc("POST /push", s.handlePush)
	mux.HandleFunc("GET /assets/", s.handleAsset)

	var h http.Handler = mux
	h = rateLimit(limit, int(limit)+1, h)
	h = handlers.CombinedLoggingHandler(logger.Writer(), h)
	h = handlers.RecoveryHandler(handlers.RecoveryLogger(logger))(h)

	s.srv = &http.Server{
		Addr:    addr,
		Handler: h,
	}
	return s
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxPushSize))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}

	// HandlePush degrades internally rather than failing; an error
	// here means even the minimal alert could not be rendered.
	if _, err := s.agent.HandlePush(r.Context(), data); err != nil {
		s.log.Println("push ingress:", err)
		http.Error(w, "delivery failed", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleAsset(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path[len("/assets"):]
	data, ok := s.agent.Asset(path)
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Write(data)
}

func (s *Server) Start() error {
	s.log.Printf("push agent listening on %s", s.srv.Addr)
	return s.srv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("agent server shutdown: %w", err)
	}
	return nil
}
