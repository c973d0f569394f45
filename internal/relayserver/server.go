package relayserver

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt"
	"github.com/gorilla/handlers"
	"github.com/gorilla/websocket"
)

const userIdClaim = "user-id"

type Config struct {
	Addr string
	// SigningKey verifies bearer tokens on upgrade. Empty disables
	// verification (local development only).
	SigningKey     []byte
	AllowedOrigins []string
}

type Server struct {
	log        *log.Logger
	hub        *Hub
	srv        *http.Server
	signingKey []byte
	upgrader   websocket.Upgrader
}

func NewServer(logger *log.Logger, hub *Hub, cfg *Config, mux *http.ServeMux) *Server {
	s := &Server{
		log:        logger,
		hub:        hub,
		signingKey: cfg.SigningKey,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}

	mux.HandleFunc("GET /ws", s.serveWs)

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	s.srv = &http.Server{
		Addr:    cfg.Addr,
		Handler: h,
	}
	return s
}

func (s *Server) serveWs(w http.ResponseWriter, r *http.Request) {
	if len(s.signingKey) > 0 {
		if _, err := s.verifyBearer(r); err != nil {
			s.log.Println("ws: unauthorized:", err)
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("ws: upgrade:", err)
		return
	}

	conn := NewConn(wsConn, s.hub, s.log)
	s.hub.RegisterChan <- conn

	go conn.Write()
	go conn.Read()
}

// verifyBearer checks the Authorization header's JWT and returns the
// user id claim. The client treats the credential as opaque; only the
// server knows it is a JWT.
func (s *Server) verifyBearer(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	tokenString, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || tokenString == "" {
		return "", fmt.Errorf("missing bearer token")
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.signingKey, nil
	})
	if err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("invalid token claims")
	}

	userId, ok := claims[userIdClaim].(string)
	if !ok || userId == "" {
		return "", fmt.Errorf("missing user id claim")
	}
	return userId, nil
}

func (s *Server) Start() error {
	s.log.Printf("relay server listening on %s", s.srv.Addr)
	return s.srv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("relay server shutdown: %w", err)
	}
	return nil
}
