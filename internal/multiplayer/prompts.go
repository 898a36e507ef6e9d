package multiplayer

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/opencode-labs/sandbox-orchestrator/internal/errs"
)

// QueueStatus summarizes a session's prompt queue (§4.7).
type QueueStatus struct {
	Length      int
	HasExecuting bool
	IsFull      bool
}

// AddPrompt enqueues content for userID, failing if the user is unknown
// or the queue is full (§4.7).
func (s *Session) AddPrompt(userID, content string, priority Priority) (Prompt, error) {
	if priority == "" {
		priority = PriorityNormal
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[userID]; !ok {
		return Prompt{}, errs.Newf(errs.NotFound, "user %s not in session", userID)
	}
	if len(s.order) >= s.maxQueueLength {
		return Prompt{}, errs.New(errs.Conflict, "prompt queue is full")
	}

	p := Prompt{
		ID:         uuid.NewString(),
		UserID:     userID,
		Content:    content,
		Priority:   priority,
		EnqueuedAt: time.Now(),
		Status:     PromptQueued,
	}
	s.prompts[p.ID] = &p
	s.order = append(s.order, p.ID)
	return p, nil
}

// orderedLocked returns prompt IDs sorted by priority desc. The sort is
// stable, so within a tier the stored queue order is kept: FIFO by
// insertion unless ReorderPrompt has moved an entry (§3 Prompt ordering).
func (s *Session) orderedLocked() []string {
	ordered := append([]string(nil), s.order...)
	sort.SliceStable(ordered, func(i, j int) bool {
		pi, pj := s.prompts[ordered[i]], s.prompts[ordered[j]]
		if pi == nil || pj == nil {
			return false
		}
		return priorityRank(pi.Priority) > priorityRank(pj.Priority)
	})
	return ordered
}

// GetPrompts returns every prompt in queue order (§4.7).
func (s *Session) GetPrompts() []Prompt {
	s.mu.Lock()
	defer s.mu.Unlock()
	ordered := s.orderedLocked()
	out := make([]Prompt, 0, len(ordered))
	for _, id := range ordered {
		out = append(out, *s.prompts[id])
	}
	return out
}

// GetPrompt returns a single prompt by id.
func (s *Session) GetPrompt(promptID string) (Prompt, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.prompts[promptID]
	if !ok {
		return Prompt{}, false
	}
	return *p, true
}

// CancelPrompt cancels promptID. Only the owner may cancel, and the
// currently-executing prompt cannot be cancelled (§4.7, invariant c).
func (s *Session) CancelPrompt(promptID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.prompts[promptID]
	if !ok {
		return errs.Newf(errs.NotFound, "prompt %s not found", promptID)
	}
	if p.UserID != userID {
		return errs.New(errs.Conflict, "only the owner can cancel this prompt")
	}
	if p.Status == PromptExecuting {
		return errs.New(errs.Conflict, "cannot cancel the executing prompt")
	}
	if p.Status == PromptCompleted || p.Status == PromptCancelled {
		return errs.Newf(errs.Conflict, "prompt %s is already %s", promptID, p.Status)
	}
	p.Status = PromptCancelled
	s.removeFromOrderLocked(promptID)
	return nil
}

// ReorderPrompt moves promptID to newIndex within the stored queue order.
// Only the owner may reorder (§4.7, invariant d). Reads still group
// prompts by priority tier, so the move changes the prompt's position
// relative to prompts of the same priority only.
func (s *Session) ReorderPrompt(promptID, userID string, newIndex int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.prompts[promptID]
	if !ok {
		return errs.Newf(errs.NotFound, "prompt %s not found", promptID)
	}
	if p.UserID != userID {
		return errs.New(errs.Conflict, "only the owner can reorder this prompt")
	}
	if newIndex < 0 || newIndex > len(s.order)-1 {
		return errs.New(errs.BadRequest, "reorder index out of range")
	}
	s.removeFromOrderLocked(promptID)
	if newIndex >= len(s.order) {
		s.order = append(s.order, promptID)
	} else {
		s.order = append(s.order[:newIndex], append([]string{promptID}, s.order[newIndex:]...)...)
	}
	return nil
}

func (s *Session) removeFromOrderLocked(promptID string) {
	for i, id := range s.order {
		if id == promptID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

// StartNextPrompt pops the highest-priority head of the queue and marks
// it executing, or returns ok=false if a prompt is already executing
// (§4.7, invariant a).
func (s *Session) StartNextPrompt() (Prompt, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.executing != "" {
		return Prompt{}, false
	}
	ordered := s.orderedLocked()
	if len(ordered) == 0 {
		return Prompt{}, false
	}
	id := ordered[0]
	p := s.prompts[id]
	p.Status = PromptExecuting
	s.executing = id
	s.removeFromOrderLocked(id)
	return *p, true
}

// CompletePrompt marks the executing prompt completed and clears the
// executing slot; a no-op when nothing is executing (§4.7, invariant b).
func (s *Session) CompletePrompt() (Prompt, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.executing == "" {
		return Prompt{}, false
	}
	p := s.prompts[s.executing]
	p.Status = PromptCompleted
	s.executing = ""
	return *p, true
}

// GetQueueStatus reports the queue's length, whether something is
// executing, and whether it's at capacity (§4.7).
func (s *Session) GetQueueStatus() QueueStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return QueueStatus{
		Length:       len(s.order),
		HasExecuting: s.executing != "",
		IsFull:       len(s.order) >= s.maxQueueLength,
	}
}
