package web

import (
	"encoding/json"
	"net/http"

	"github.com/opencode-labs/sandbox-orchestrator/internal/builder"
)

// BuildServer exposes the Image Builder's submit/status/cancel surface
// (§4.3).
type BuildServer struct {
	Builder *builder.Builder
}

// Register attaches the build routes to mux.
func (s *BuildServer) Register(mux *http.ServeMux) {
	RegisterRoute(mux, "/builds", s.handleSubmit)
	RegisterRoute(mux, "/builds/{id}", s.handleStatus)
	RegisterRoute(mux, "/builds/{id}/cancel", s.handleCancel)
}

func (s *BuildServer) handleSubmit(r *http.Request) (Response[any], *Error) {
	if r.Method != http.MethodPost {
		return Response[any]{}, &Error{Code: http.StatusMethodNotAllowed, Message: "method not allowed"}
	}
	var req builder.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return Response[any]{}, &Error{Code: http.StatusBadRequest, Message: "invalid body: " + err.Error()}
	}
	id := s.Builder.Submit(r.Context(), req)
	return Response[any]{Code: http.StatusAccepted, Body: map[string]string{"buildId": id}}, nil
}

func (s *BuildServer) handleStatus(r *http.Request) (Response[any], *Error) {
	if r.Method != http.MethodGet {
		return Response[any]{}, &Error{Code: http.StatusMethodNotAllowed, Message: "method not allowed"}
	}
	stage, errMsg, ok := s.Builder.Status(pathID(r))
	if !ok {
		return Response[any]{}, &Error{Code: http.StatusNotFound, Message: "build not found: " + pathID(r)}
	}
	return Response[any]{Code: http.StatusOK, Body: map[string]string{"stage": string(stage), "error": errMsg}}, nil
}

func (s *BuildServer) handleCancel(r *http.Request) (Response[any], *Error) {
	if r.Method != http.MethodPost {
		return Response[any]{}, &Error{Code: http.StatusMethodNotAllowed, Message: "method not allowed"}
	}
	if err := s.Builder.Cancel(pathID(r)); err != nil {
		return Response[any]{}, FromErr(err)
	}
	return Response[any]{Code: http.StatusNoContent}, nil
}
