package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/opencode-labs/sandbox-orchestrator/internal/errs"
)

// PRComment is a single comment thread entry on a PR-bound session.
type PRComment struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

// PRSession binds a collaboration session to a specific pull request
// (§6, C8): a thin holder for the PR number, its comment thread, and
// agent responses, not a GitHub API client.
type PRSession struct {
	PR        string      `json:"pr"`
	CreatedAt time.Time   `json:"createdAt"`
	Comments  []PRComment `json:"comments"`
}

// PRSessionManager holds every live PR-bound session, keyed by PR number.
type PRSessionManager struct {
	mu       sync.Mutex
	sessions map[string]*PRSession
}

// NewPRSessionManager constructs an empty PRSessionManager.
func NewPRSessionManager() *PRSessionManager {
	return &PRSessionManager{sessions: make(map[string]*PRSession)}
}

func (m *PRSessionManager) Create(pr string) (*PRSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[pr]; exists {
		return nil, errs.Newf(errs.Conflict, "pr session %s already exists", pr)
	}
	s := &PRSession{PR: pr, CreatedAt: time.Now()}
	m.sessions[pr] = s
	return s, nil
}

func (m *PRSessionManager) Get(pr string) (*PRSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[pr]
	return s, ok
}

func (m *PRSessionManager) AddComment(pr, author, body string) (PRComment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[pr]
	if !ok {
		return PRComment{}, errs.Newf(errs.NotFound, "pr session %s not found", pr)
	}
	comment := PRComment{ID: time.Now().Format("20060102T150405.000000000"), Author: author, Body: body, CreatedAt: time.Now()}
	s.Comments = append(s.Comments, comment)
	return comment, nil
}

func (m *PRSessionManager) Respond(pr, body string) (PRComment, error) {
	return m.AddComment(pr, "agent", body)
}

type prSessionHandlers struct {
	manager *PRSessionManager
}

func registerPRSessionRoutes(r *gin.Engine, h *prSessionHandlers) {
	r.POST("/pr-session", h.create)
	r.GET("/pr-session/:pr", h.get)
	r.GET("/pr-session/:pr/comments", h.comments)
	r.POST("/pr-session/:pr/comments", h.addComment)
	r.POST("/pr-session/:pr/respond", h.respond)
}

func (h *prSessionHandlers) create(c *gin.Context) {
	var body struct{ PR string `json:"pr"` }
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s, err := h.manager.Create(body.PR)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *prSessionHandlers) get(c *gin.Context) {
	s, ok := h.manager.Get(c.Param("pr"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "pr session not found: " + c.Param("pr")})
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *prSessionHandlers) comments(c *gin.Context) {
	s, ok := h.manager.Get(c.Param("pr"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "pr session not found: " + c.Param("pr")})
		return
	}
	c.JSON(http.StatusOK, s.Comments)
}

func (h *prSessionHandlers) addComment(c *gin.Context) {
	var body struct{ Author, Body string }
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	comment, err := h.manager.AddComment(c.Param("pr"), body.Author, body.Body)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, comment)
}

func (h *prSessionHandlers) respond(c *gin.Context) {
	var body struct{ Body string `json:"body"` }
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	comment, err := h.manager.Respond(c.Param("pr"), body.Body)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, comment)
}
