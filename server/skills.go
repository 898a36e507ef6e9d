package server

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Skill is a named, reusable prompt template (§6, C8). C8 components are
// thin session-scoped state holders consumed by clients — no execution
// engine lives here, only storage and prompt materialization.
type Skill struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Template    string            `json:"template"`
	Params      map[string]string `json:"params"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// SkillStore is the in-memory collection backing the /skills surface.
type SkillStore struct {
	mu     sync.RWMutex
	skills map[string]*Skill
}

// NewSkillStore constructs an empty SkillStore.
func NewSkillStore() *SkillStore {
	return &SkillStore{skills: make(map[string]*Skill)}
}

type skillHandlers struct {
	store *SkillStore
}

func registerSkillRoutes(r *gin.Engine, h *skillHandlers) {
	r.GET("/skills", h.list)
	r.POST("/skills", h.create)
	r.GET("/skills/:name", h.get)
	r.PUT("/skills/:name", h.update)
	r.DELETE("/skills/:name", h.remove)
	r.POST("/skills/:name/invoke", h.invoke)
}

func (h *skillHandlers) list(c *gin.Context) {
	h.store.mu.RLock()
	defer h.store.mu.RUnlock()
	out := make([]*Skill, 0, len(h.store.skills))
	for _, s := range h.store.skills {
		out = append(out, s)
	}
	c.JSON(http.StatusOK, out)
}

func (h *skillHandlers) create(c *gin.Context) {
	var body Skill
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if body.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}
	now := time.Now()
	body.CreatedAt, body.UpdatedAt = now, now

	h.store.mu.Lock()
	h.store.skills[body.Name] = &body
	h.store.mu.Unlock()
	c.JSON(http.StatusOK, body)
}

func (h *skillHandlers) find(c *gin.Context) (*Skill, bool) {
	h.store.mu.RLock()
	defer h.store.mu.RUnlock()
	s, ok := h.store.skills[c.Param("name")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "skill not found: " + c.Param("name")})
		return nil, false
	}
	return s, true
}

func (h *skillHandlers) get(c *gin.Context) {
	s, ok := h.find(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *skillHandlers) update(c *gin.Context) {
	var body Skill
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	existing, ok := h.store.skills[c.Param("name")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "skill not found: " + c.Param("name")})
		return
	}
	body.Name = existing.Name
	body.CreatedAt = existing.CreatedAt
	body.UpdatedAt = time.Now()
	h.store.skills[body.Name] = &body
	c.JSON(http.StatusOK, body)
}

func (h *skillHandlers) remove(c *gin.Context) {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	if _, ok := h.store.skills[c.Param("name")]; !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "skill not found: " + c.Param("name")})
		return
	}
	delete(h.store.skills, c.Param("name"))
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// invoke materializes the skill's template into a concrete prompt by
// substituting the caller-supplied params, without running it.
func (h *skillHandlers) invoke(c *gin.Context) {
	s, ok := h.find(c)
	if !ok {
		return
	}
	var body struct {
		Params map[string]string `json:"params"`
	}
	_ = c.ShouldBindJSON(&body)

	prompt := s.Template
	for k, v := range body.Params {
		prompt = strings.ReplaceAll(prompt, fmt.Sprintf("{{%s}}", k), v)
	}
	c.JSON(http.StatusOK, gin.H{"invocationId": uuid.NewString(), "prompt": prompt})
}
