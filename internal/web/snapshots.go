package web

import (
	"encoding/json"
	"net/http"

	"github.com/opencode-labs/sandbox-orchestrator/internal/snapshots"
)

// SnapshotServer exposes the Snapshot Manager's create/latest/restore
// surface (§4.6).
type SnapshotServer struct {
	Manager *snapshots.Manager
}

// Register attaches the snapshot routes to mux.
func (s *SnapshotServer) Register(mux *http.ServeMux) {
	RegisterRoute(mux, "/snapshots", s.handleCreate)
	RegisterRoute(mux, "/snapshots/latest", s.handleLatest)
	RegisterRoute(mux, "/snapshots/restore", s.handleRestore)
}

func (s *SnapshotServer) handleCreate(r *http.Request) (Response[any], *Error) {
	if r.Method != http.MethodPost {
		return Response[any]{}, &Error{Code: http.StatusMethodNotAllowed, Message: "method not allowed"}
	}
	var body struct {
		SandboxID             string `json:"sandboxId"`
		SessionID             string `json:"sessionId"`
		GitCommit             string `json:"gitCommit"`
		HasUncommittedChanges bool   `json:"hasUncommittedChanges"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return Response[any]{}, &Error{Code: http.StatusBadRequest, Message: "invalid body: " + err.Error()}
	}
	snap := s.Manager.Create(body.SandboxID, body.SessionID, body.GitCommit, body.HasUncommittedChanges)
	return Response[any]{Code: http.StatusCreated, Body: snap}, nil
}

func (s *SnapshotServer) handleLatest(r *http.Request) (Response[any], *Error) {
	if r.Method != http.MethodGet {
		return Response[any]{}, &Error{Code: http.StatusMethodNotAllowed, Message: "method not allowed"}
	}
	sessionID := r.URL.Query().Get("sessionId")
	snap, ok := s.Manager.GetLatest(sessionID)
	if !ok {
		return Response[any]{}, &Error{Code: http.StatusNotFound, Message: "no valid snapshot for session " + sessionID}
	}
	return Response[any]{Code: http.StatusOK, Body: snap}, nil
}

func (s *SnapshotServer) handleRestore(r *http.Request) (Response[any], *Error) {
	if r.Method != http.MethodPost {
		return Response[any]{}, &Error{Code: http.StatusMethodNotAllowed, Message: "method not allowed"}
	}
	var body struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return Response[any]{}, &Error{Code: http.StatusBadRequest, Message: "invalid body: " + err.Error()}
	}
	sandboxID, err := s.Manager.Restore(r.Context(), body.SessionID)
	if err != nil {
		return Response[any]{}, FromErr(err)
	}
	return Response[any]{Code: http.StatusCreated, Body: map[string]string{"sandboxId": sandboxID}}, nil
}
