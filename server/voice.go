package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/opencode-labs/sandbox-orchestrator/internal/errs"
)

// VoiceSessionStatus is a voice session's lifecycle status (§6, C8).
type VoiceSessionStatus string

const (
	VoiceStarting VoiceSessionStatus = "starting"
	VoiceActive   VoiceSessionStatus = "active"
	VoiceStopped  VoiceSessionStatus = "stopped"
)

// VoiceSession is a thin session-scoped holder for an in-progress voice
// interaction; audio capture/transcription is a client concern (§1
// Non-goals) and never happens inside this core.
type VoiceSession struct {
	ID           string             `json:"id"`
	Status       VoiceSessionStatus `json:"status"`
	StartedAt    time.Time          `json:"startedAt"`
	AudioChunks  int                `json:"audioChunks"`
}

// VoiceManager holds every live voice session.
type VoiceManager struct {
	mu       sync.Mutex
	sessions map[string]*VoiceSession
}

// NewVoiceManager constructs an empty VoiceManager.
func NewVoiceManager() *VoiceManager {
	return &VoiceManager{sessions: make(map[string]*VoiceSession)}
}

func (m *VoiceManager) Start() *VoiceSession {
	s := &VoiceSession{ID: uuid.NewString(), Status: VoiceStarting, StartedAt: time.Now()}
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	return s
}

func (m *VoiceManager) Stop(id string) (*VoiceSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, errs.Newf(errs.NotFound, "voice session %s not found", id)
	}
	if s.Status == VoiceStopped {
		return nil, errs.Newf(errs.Conflict, "voice session %s is already stopped", id)
	}
	s.Status = VoiceStopped
	return s, nil
}

func (m *VoiceManager) Status(id string) (*VoiceSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

func (m *VoiceManager) Submit(id string) (*VoiceSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, errs.Newf(errs.NotFound, "voice session %s not found", id)
	}
	if s.Status == VoiceStopped {
		return nil, errs.Newf(errs.Conflict, "voice session %s is stopped", id)
	}
	s.Status = VoiceActive
	s.AudioChunks++
	return s, nil
}

type voiceHandlers struct {
	manager *VoiceManager
}

func registerVoiceRoutes(r *gin.Engine, h *voiceHandlers) {
	r.POST("/voice/start", h.start)
	r.POST("/voice/stop", h.stop)
	r.GET("/voice/status", h.status)
	r.POST("/voice", h.submit)
}

func (h *voiceHandlers) start(c *gin.Context) {
	c.JSON(http.StatusOK, h.manager.Start())
}

func (h *voiceHandlers) stop(c *gin.Context) {
	var body struct{ ID string `json:"id"` }
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s, err := h.manager.Stop(body.ID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *voiceHandlers) status(c *gin.Context) {
	id := c.Query("id")
	s, ok := h.manager.Status(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "voice session not found: " + id})
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *voiceHandlers) submit(c *gin.Context) {
	var body struct{ ID string `json:"id"` }
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s, err := h.manager.Submit(body.ID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}
