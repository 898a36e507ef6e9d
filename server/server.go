// Package server is the collaboration-facing HTTP surface of §6: session
// multiplayer, skills, voice, and PR-bound sessions. Adapted from the
// teacher's pkg/servers/web.NewServer(addr, service) shape — a thin gin
// router wired directly to a handful of handler methods, no generic
// RegisterRoute framework, since the teacher reserves that for the
// sandbox-manager's internal tool surface and keeps this outer layer
// deliberately small.
package server

import (
	"context"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/opencode-labs/sandbox-orchestrator/internal/multiplayer"
)

// Server is the §6 external collaboration surface.
type Server struct {
	http *http.Server
}

// NewServer builds the gin router for multiplayer/skills/voice/pr-session
// and binds it to addr.
func NewServer(addr string, mpManager *multiplayer.Manager, skills *SkillStore, voice *VoiceManager, prs *PRSessionManager, authCfg AuthConfig) *Server {
	r := gin.Default()
	r.Use(cors.Default())
	r.Use(BearerAuthMiddleware(authCfg))

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	mp := &multiplayerHandlers{manager: mpManager}
	registerMultiplayerRoutes(r, mp)

	sk := &skillHandlers{store: skills}
	registerSkillRoutes(r, sk)

	v := &voiceHandlers{manager: voice}
	registerVoiceRoutes(r, v)

	p := &prSessionHandlers{manager: prs}
	registerPRSessionRoutes(r, p)

	return &Server{http: &http.Server{Addr: addr, Handler: r}}
}

// Run starts the HTTP server and blocks until it exits.
func (s *Server) Run() error {
	return s.http.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
