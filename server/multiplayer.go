package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/opencode-labs/sandbox-orchestrator/internal/errs"
	"github.com/opencode-labs/sandbox-orchestrator/internal/multiplayer"
)

type multiplayerHandlers struct {
	manager *multiplayer.Manager
}

func registerMultiplayerRoutes(r *gin.Engine, h *multiplayerHandlers) {
	r.POST("/multiplayer", h.create)
	r.GET("/multiplayer", h.list)
	r.GET("/multiplayer/:id", h.get)
	r.DELETE("/multiplayer/:id", h.remove)
	r.POST("/multiplayer/:id/join", h.join)
	r.POST("/multiplayer/:id/leave", h.leave)
	r.PUT("/multiplayer/:id/cursor", h.cursor)
	r.POST("/multiplayer/:id/lock", h.acquireLock)
	r.DELETE("/multiplayer/:id/lock", h.releaseLock)
	r.POST("/multiplayer/:id/connect", h.connect)
	r.POST("/multiplayer/:id/disconnect", h.disconnect)
	r.GET("/multiplayer/:id/users", h.users)
	r.GET("/multiplayer/:id/clients", h.clients)
	r.PUT("/multiplayer/:id/state", h.updateState)
	r.POST("/multiplayer/:id/prompt", h.addPrompt)
	r.GET("/multiplayer/:id/prompts", h.prompts)
	r.GET("/multiplayer/:id/prompt/:pid", h.getPrompt)
	r.DELETE("/multiplayer/:id/prompt/:pid", h.cancelPrompt)
	r.PUT("/multiplayer/:id/prompt/:pid/reorder", h.reorderPrompt)
	r.GET("/multiplayer/:id/queue/status", h.queueStatus)
	r.POST("/multiplayer/:id/queue/start", h.queueStart)
	r.POST("/multiplayer/:id/queue/complete", h.queueComplete)
	r.GET("/multiplayer/:id/queue/executing", h.queueExecuting)
}

func (h *multiplayerHandlers) session(c *gin.Context) (*multiplayer.Session, bool) {
	s, ok := h.manager.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found: " + c.Param("id")})
		return nil, false
	}
	return s, true
}

func fail(c *gin.Context, err error) {
	code := http.StatusBadRequest
	switch errs.GetCode(err) {
	case errs.NotFound:
		code = http.StatusNotFound
	case errs.Conflict:
		code = http.StatusConflict
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func (h *multiplayerHandlers) create(c *gin.Context) {
	var in multiplayer.CreateInput
	if err := c.ShouldBindJSON(&in); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s := h.manager.Create(in)
	c.JSON(http.StatusOK, s)
}

func (h *multiplayerHandlers) list(c *gin.Context) {
	c.JSON(http.StatusOK, h.manager.All())
}

func (h *multiplayerHandlers) get(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *multiplayerHandlers) remove(c *gin.Context) {
	h.manager.Remove(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *multiplayerHandlers) join(c *gin.Context) {
	var body struct{ Name, Color string }
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user, err := h.manager.Join(c.Param("id"), body.Name, body.Color)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

func (h *multiplayerHandlers) leave(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	var body struct{ UserID string `json:"userId"` }
	_ = c.ShouldBindJSON(&body)
	c.JSON(http.StatusOK, gin.H{"success": s.Leave(body.UserID)})
}

func (h *multiplayerHandlers) cursor(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	var body struct {
		UserID string `json:"userId"`
		Cursor any    `json:"cursor"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.UpdateCursor(body.UserID, body.Cursor); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *multiplayerHandlers) acquireLock(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	var body struct{ UserID string `json:"userId"` }
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.AcquireLock(body.UserID))
}

func (h *multiplayerHandlers) releaseLock(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	var body struct{ UserID string `json:"userId"` }
	_ = c.ShouldBindJSON(&body)
	c.JSON(http.StatusOK, s.ReleaseLock(body.UserID))
}

func (h *multiplayerHandlers) connect(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	var body struct{ ClientID, UserID string }
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.Connect(body.ClientID, body.UserID); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"clientId": body.ClientID, "userId": body.UserID})
}

func (h *multiplayerHandlers) disconnect(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	var body struct{ ClientID string `json:"clientId"` }
	_ = c.ShouldBindJSON(&body)
	s.Disconnect(body.ClientID)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *multiplayerHandlers) users(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.GetUsers())
}

func (h *multiplayerHandlers) clients(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.GetClients())
}

func (h *multiplayerHandlers) updateState(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	var body struct{ GitSyncStatus, AgentStatus string }
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.UpdateState(body.GitSyncStatus, body.AgentStatus)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *multiplayerHandlers) addPrompt(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	var body struct {
		UserID   string              `json:"userId"`
		Content  string              `json:"content"`
		Priority multiplayer.Priority `json:"priority"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p, err := s.AddPrompt(body.UserID, body.Content, body.Priority)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *multiplayerHandlers) prompts(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.GetPrompts())
}

func (h *multiplayerHandlers) getPrompt(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	p, ok := s.GetPrompt(c.Param("pid"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "prompt not found: " + c.Param("pid")})
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *multiplayerHandlers) cancelPrompt(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	var body struct{ UserID string `json:"userId"` }
	_ = c.ShouldBindJSON(&body)
	if err := s.CancelPrompt(c.Param("pid"), body.UserID); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *multiplayerHandlers) reorderPrompt(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	var body struct {
		UserID   string `json:"userId"`
		NewIndex int    `json:"newIndex"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.ReorderPrompt(c.Param("pid"), body.UserID, body.NewIndex); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *multiplayerHandlers) queueStatus(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.GetQueueStatus())
}

func (h *multiplayerHandlers) queueStart(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	p, started := s.StartNextPrompt()
	c.JSON(http.StatusOK, gin.H{"started": started, "prompt": p})
}

func (h *multiplayerHandlers) queueComplete(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	p, completed := s.CompletePrompt()
	c.JSON(http.StatusOK, gin.H{"completed": completed, "prompt": p})
}

func (h *multiplayerHandlers) queueExecuting(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	status := s.GetQueueStatus()
	c.JSON(http.StatusOK, gin.H{"hasExecuting": status.HasExecuting})
}
