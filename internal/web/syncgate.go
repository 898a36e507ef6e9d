package web

import (
	"encoding/json"
	"net/http"

	"github.com/opencode-labs/sandbox-orchestrator/internal/syncgate"
)

// SyncGateServer exposes the Sync Gate's check/wait decision surface
// (§4.5) to tool-call dispatchers.
type SyncGateServer struct {
	Gate          *syncgate.Gate
	GetSyncStatus syncgate.GetSyncStatusFunc
}

// Register attaches the sync-gate routes to mux.
func (s *SyncGateServer) Register(mux *http.ServeMux) {
	RegisterRoute(mux, "/syncgate/check", s.handleCheck)
	RegisterRoute(mux, "/syncgate/wait", s.handleWait)
}

type gateRequest struct {
	Tool      string `json:"tool"`
	SandboxID string `json:"sandboxId"`
	CallID    string `json:"callId"`
}

func (s *SyncGateServer) handleCheck(r *http.Request) (Response[any], *Error) {
	if r.Method != http.MethodPost {
		return Response[any]{}, &Error{Code: http.StatusMethodNotAllowed, Message: "method not allowed"}
	}
	var req gateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return Response[any]{}, &Error{Code: http.StatusBadRequest, Message: "invalid body: " + err.Error()}
	}
	status, err := s.GetSyncStatus(r.Context(), req.SandboxID)
	if err != nil {
		return Response[any]{}, &Error{Code: http.StatusNotFound, Message: err.Error()}
	}
	return Response[any]{Code: http.StatusOK, Body: s.Gate.Check(req.Tool, status)}, nil
}

func (s *SyncGateServer) handleWait(r *http.Request) (Response[any], *Error) {
	if r.Method != http.MethodPost {
		return Response[any]{}, &Error{Code: http.StatusMethodNotAllowed, Message: "method not allowed"}
	}
	var req gateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return Response[any]{}, &Error{Code: http.StatusBadRequest, Message: "invalid body: " + err.Error()}
	}
	decision := s.Gate.Wait(r.Context(), req.Tool, req.SandboxID, req.CallID, s.GetSyncStatus)
	return Response[any]{Code: http.StatusOK, Body: decision}, nil
}
