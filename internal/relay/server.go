package relay

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"collaborative-report-sync/auth"
	apperrors "collaborative-report-sync/internal/errors"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The session token already gates the handshake.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Server wires the relay into HTTP: the WebSocket endpoint plus a few
// operational routes.
type Server struct {
	hub    *Hub
	secret []byte
	env    string
	log    zerolog.Logger
}

func NewServer(hub *Hub, secret []byte, environment string, logger zerolog.Logger) *Server {
	return &Server{hub: hub, secret: secret, env: environment, log: logger}
}

// Register mounts all routes. Token minting is a development
// convenience and stays off production deployments.
func (s *Server) Register(r *gin.Engine) {
	r.GET("/healthz", s.health)
	r.GET("/stats", s.stats)

	ws := r.Group("/ws", auth.Middleware(s.secret))
	ws.GET("/documents/:id", s.serveDocument)

	if s.env != "production" {
		r.POST("/api/tokens", s.mintToken)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) stats(c *gin.Context) {
	c.JSON(http.StatusOK, s.hub.Stats())
}

func (s *Server) serveDocument(c *gin.Context) {
	claims, ok := auth.ClaimsFrom(c)
	if !ok {
		apperrors.HandleError(c, apperrors.ErrUnauthorized(nil))
		return
	}
	documentID := c.Param("id")

	// Identity comes from the verified claims; tokens minted without
	// profile fields fall back to the query string.
	name := claims.Name
	if name == "" {
		name = c.Query("user_name")
	}
	email := claims.Email
	if email == "" {
		email = c.Query("email")
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the handshake failure.
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &Client{
		ID:     uuid.NewString(),
		UserID: claims.UserID,
		Name:   name,
		Email:  email,
		conn:   conn,
		send:   make(chan []byte, s.hub.opts.ClientSendBuffer),
		log:    s.log.With().Str("user", claims.UserID).Str("doc", documentID).Logger(),
	}
	if s.hub.Join(documentID, client) == nil {
		s.log.Warn().Str("doc", documentID).Msg("join refused, relay shutting down")
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// tokenForm is the development token request.
type tokenForm struct {
	UserID string `json:"user_id" binding:"required"`
	Name   string `json:"name" binding:"required"`
	Email  string `json:"email" binding:"omitempty,email"`
}

func (s *Server) mintToken(c *gin.Context) {
	var form tokenForm
	if err := c.ShouldBindJSON(&form); err != nil {
		apperrors.HandleError(c, apperrors.ErrInvalidInput(err))
		return
	}

	token, err := auth.GenerateJWT(s.secret, auth.Claims{
		UserID: form.UserID,
		Name:   form.Name,
		Email:  form.Email,
	}, 0)
	if err != nil {
		apperrors.HandleError(c, apperrors.ErrInternalServer(err))
		return
	}

	c.JSON(http.StatusCreated, gin.H{"token": token})
}
